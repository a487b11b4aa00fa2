// ABOUTME: Entry point for the counsel-coordinator server and its operator commands
// ABOUTME: serve runs the coordinator; bootstrap and token mint admin credentials locally

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/counsel-coordinator/internal/auth"
	"github.com/2389/counsel-coordinator/internal/config"
	"github.com/2389/counsel-coordinator/internal/server"
	"github.com/2389/counsel-coordinator/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
   ___ ___  _   _ _ __  ___  ___| |
  / __/ _ \| | | | '_ \/ __|/ _ \ |
 | (_| (_) | |_| | | | \__ \  __/ |
  \___\___/ \__,_|_| |_|___/\___|_|
`

// getDataPath returns the directory bootstrap puts the database in.
// Priority: XDG_DATA_HOME/counsel > ~/.local/share/counsel
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "counsel")
}

// tokenPath is where bootstrap saves the admin token for the client commands.
func tokenPath() string {
	return filepath.Join(filepath.Dir(config.Path()), "token")
}

func usage() {
	fmt.Println("Usage: counsel-coordinator <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the coordinator")
	fmt.Println("  bootstrap --principal ID       Create config and an admin token")
	fmt.Println("  token --principal ID [--role]  Mint a token with the configured secret")
	fmt.Println("  health                         Check coordinator health")
	fmt.Println("  agents                         List agents and their metrics")
	fmt.Println("  watch [room ...]               Stream channel events (default: all rooms)")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "bootstrap":
		err = runBootstrap(ctx, args)
	case "token":
		err = runToken(args)
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "watch":
		err = runWatch(ctx, args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.Path()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Agents:    %d\n", len(cfg.Agents.Kinds()))
	green.Print("    ▶ ")
	fmt.Print("Auth:      ")
	if cfg.Auth.Enabled() {
		fmt.Println("jwt")
	} else {
		yellow.Println("disabled")
	}
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting counsel-coordinator",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	return srv.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{mu: &sync.Mutex{}, level: level}
	}
	return slog.New(handler)
}

// colorHandler writes one colorized line per record. Derived handlers share
// the parent's mutex so lines never interleave.
type colorHandler struct {
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}
	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	write := func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(write)
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprint(os.Stdout, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{mu: h.mu, level: h.level, attrs: newAttrs, groups: h.groups}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{mu: h.mu, level: h.level, attrs: h.attrs, groups: newGroups}
}

// runBootstrap writes a config with a fresh JWT secret when none exists,
// grants the principal the admin role in the store and saves a 30 day token
// next to the config for the client commands.
func runBootstrap(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	principal := fs.String("principal", "", "principal ID to make admin (default: a new UUID)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	principalID := strings.TrimSpace(*principal)
	if principalID == "" {
		principalID = uuid.NewString()
	}

	configPath := config.Path()
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		if err := writeDefaultConfig(configPath); err != nil {
			return err
		}
		green.Printf("  ✓ Created config: %s\n", configPath)
	} else {
		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !cfg.Auth.Enabled() {
		return fmt.Errorf("auth.jwt_secret not configured in %s (required for bootstrap)", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	if err := st.AddRole(ctx, store.RoleSubjectPrincipal, principalID, store.RoleAdmin); err != nil {
		return fmt.Errorf("granting admin role: %w", err)
	}
	err = st.AppendAuditLog(ctx, &store.AuditEntry{
		ActorPrincipalID: "bootstrap",
		Action:           store.AuditGrantRole,
		TargetType:       "principal",
		TargetID:         principalID,
		Timestamp:        time.Now().UTC(),
		Detail:           map[string]any{"role": string(store.RoleAdmin)},
	})
	if err != nil {
		return fmt.Errorf("recording audit entry: %w", err)
	}
	green.Printf("  ✓ Granted admin to %s\n", principalID)

	ttl := 30 * 24 * time.Hour
	token, err := mintToken(cfg.Auth.JWTSecret, principalID, []string{string(store.RoleAdmin)}, ttl)
	if err != nil {
		return err
	}
	path := tokenPath()
	if err := os.WriteFile(path, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	green.Printf("  ✓ Saved token: %s (expires %s)\n", path, time.Now().Add(ttl).Format("Jan 02, 2006"))

	fmt.Println()
	yellow.Println("  Ready to go:")
	fmt.Println("    counsel-coordinator serve")
	fmt.Println("    counsel-coordinator watch")
	fmt.Println()
	return nil
}

func writeDefaultConfig(path string) error {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	dbPath := filepath.Join(getDataPath(), "coordinator.db")

	content := fmt.Sprintf(`# counsel-coordinator configuration
# Generated by counsel-coordinator bootstrap

server:
  http_addr: "localhost:8080"

database:
  path: "%s"

auth:
  jwt_secret: "%s"

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"
`, dbPath, base64.StdEncoding.EncodeToString(secret))

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// runToken mints a token offline. Roles granted here live only in the token;
// stored roles still merge in when the coordinator verifies it.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	principal := fs.String("principal", "", "principal ID the token identifies")
	roles := fs.String("role", "member", "comma-separated roles")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *principal == "" {
		return errors.New("--principal is required")
	}

	var parsed []string
	for _, r := range strings.Split(*roles, ",") {
		if r = strings.TrimSpace(r); r == "" {
			continue
		}
		name, err := store.ParseRoleName(r)
		if err != nil {
			return err
		}
		parsed = append(parsed, string(name))
	}

	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !cfg.Auth.Enabled() {
		return errors.New("auth.jwt_secret is not configured")
	}
	token, err := mintToken(cfg.Auth.JWTSecret, *principal, parsed, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func mintToken(secret, principalID string, roles []string, ttl time.Duration) (string, error) {
	tokens, err := auth.NewJWTVerifier([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := tokens.Generate(principalID, roles, ttl)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}

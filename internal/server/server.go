// ABOUTME: Server wires the coordinator, health publisher and channel server behind HTTP and gRPC
// ABOUTME: Manages the store, listeners (TCP or tailnet) and graceful shutdown

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"tailscale.com/tsnet"

	"github.com/2389/counsel-coordinator/internal/agent"
	"github.com/2389/counsel-coordinator/internal/auth"
	"github.com/2389/counsel-coordinator/internal/channel"
	"github.com/2389/counsel-coordinator/internal/config"
	"github.com/2389/counsel-coordinator/internal/coordinator"
	"github.com/2389/counsel-coordinator/internal/events"
	"github.com/2389/counsel-coordinator/internal/executor"
	"github.com/2389/counsel-coordinator/internal/health"
	"github.com/2389/counsel-coordinator/internal/metrics"
	"github.com/2389/counsel-coordinator/internal/store"
	"github.com/2389/counsel-coordinator/internal/workflow"
)

// buildCoordinator creates the process-wide coordinator. Tests replace it so
// each server gets its own instance.
var buildCoordinator = coordinator.Initialize

// Server orchestrates the counsel-coordinator components.
type Server struct {
	config      *config.Config
	store       *store.SQLiteStore
	coordinator *coordinator.Coordinator
	bus         *events.Broadcaster
	health      *health.Publisher
	channel     *channel.Server
	metrics     *metrics.Metrics
	registry    *prometheus.Registry
	verifier    auth.PrincipalVerifier
	tokens      *auth.JWTVerifier // nil when auth is disabled
	httpServer  *http.Server
	grpcServer  *grpc.Server
	grpcHealth  *grpchealth.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// runCtx scopes background workflow runs; Shutdown cancels it
	runCtx   context.Context
	stopRuns context.CancelFunc
}

// openStore opens the SQLite store, honoring COUNSEL_DB_PATH.
func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COUNSEL_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildExecutor routes configured agents to their HTTP endpoints and the
// rest to the echo executor, throttled per the configured limits.
func buildExecutor(cfg *config.Config, logger *slog.Logger) workflow.Executor {
	router := executor.NewRouter(executor.Echo{})
	endpoints := cfg.ExecutorEndpoints()
	if len(endpoints) > 0 {
		remote := executor.NewHTTP(executor.HTTPOptions{
			Endpoints: endpoints,
			Token:     cfg.Executor.Token,
			Logger:    logger,
		})
		for kind := range endpoints {
			router.Route(kind, remote)
		}
	}

	limits := make(map[agent.Kind]executor.Limit, len(cfg.Executor.Limits))
	for name, l := range cfg.Executor.Limits {
		limits[agent.Kind(name)] = executor.Limit{PerSecond: l.PerSecond, Burst: l.Burst}
	}
	return executor.NewThrottled(router, limits)
}

// buildVerifier returns the principal verifier and, when auth is enabled,
// the token issuer behind it.
func buildVerifier(cfg *config.Config, roles auth.RoleLookup, logger *slog.Logger) (auth.PrincipalVerifier, *auth.JWTVerifier, error) {
	if !cfg.Auth.Enabled() {
		logger.Warn("auth disabled - no jwt_secret configured")
		return auth.AnonymousVerifier{}, nil, nil
	}
	tokens, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	return auth.NewVerifier(tokens, roles, logger), tokens, nil
}

// New creates a Server and initializes the configured agents.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	verifier, tokens, err := buildVerifier(cfg, st, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	registry := metrics.NewRegistry()
	m := metrics.New(registry)
	bus := events.NewBroadcaster(logger)

	coord, err := buildCoordinator(coordinator.Options{
		Agents:      agent.NewRegistry(logger.With("component", "agents"), nil),
		Executor:    buildExecutor(cfg, logger),
		StepTimeout: cfg.Workflows.StepTimeout,
		DefaultRetry: workflow.RetryPolicy{
			MaxAttempts:    cfg.Workflows.Retry.MaxAttempts,
			InitialBackoff: cfg.Workflows.Retry.InitialBackoff,
			MaxBackoff:     cfg.Workflows.Retry.MaxBackoff,
		},
		MaxRetained: cfg.Workflows.MaxRetained,
		Journal:     st,
		Notifier:    bus,
		Auditor:     st,
		Observer:    m,
		Workers:     cfg.Workflows.Workers,
		Logger:      logger,
	})
	if err != nil {
		bus.Close()
		_ = st.Close()
		return nil, fmt.Errorf("creating coordinator: %w", err)
	}

	s := &Server{
		config:      cfg,
		store:       st,
		coordinator: coord,
		bus:         bus,
		metrics:     m,
		registry:    registry,
		verifier:    verifier,
		tokens:      tokens,
		grpcHealth:  grpchealth.NewServer(),
		logger:      logger.With("component", "server"),
	}
	s.runCtx, s.stopRuns = context.WithCancel(context.Background())

	s.health = health.NewPublisher(health.Options{
		Source:       coord,
		OpenBreakers: func() int { return s.channel.OpenBreakers() },
		Thresholds: health.Thresholds{
			MemoryPercent: cfg.Health.MemoryPercent,
			ErrorRate:     cfg.Health.ErrorRate,
		},
		Bus:       bus,
		Interval:  cfg.Health.Interval,
		StartedAt: coord.StartedAt(),
		Observer:  &reportObserver{metrics: m, health: s.grpcHealth},
		Logger:    logger,
	})

	s.channel, err = channel.NewServer(channel.Options{
		Verifier:  verifier,
		Commander: coord,
		Status:    s.health,
		Bus:       bus,
		Auditor:   st,
		Observer:  m,
		Breaker: channel.BreakerConfig{
			Threshold:        cfg.Channel.Breaker.Threshold,
			Cooldown:         cfg.Channel.Breaker.Cooldown,
			MaxCooldown:      cfg.Channel.Breaker.MaxCooldown,
			MaxProbeFailures: cfg.Channel.Breaker.MaxProbeFailures,
		},
		SessionTTL:     cfg.Channel.SessionTTL,
		MaxSessions:    cfg.Channel.MaxSessions,
		ReplayWindow:   cfg.Channel.ReplayWindow,
		CommandRate:    cfg.Channel.CommandRate,
		CommandBurst:   cfg.Channel.CommandBurst,
		AuthTimeout:    cfg.Channel.AuthTimeout,
		PingInterval:   cfg.Channel.PingInterval,
		AllowedOrigins: cfg.Channel.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		s.stopRuns()
		bus.Close()
		_ = st.Close()
		return nil, fmt.Errorf("creating channel server: %w", err)
	}

	names := make([]string, 0, len(cfg.Agents.Kinds()))
	for _, k := range cfg.Agents.Kinds() {
		names = append(names, string(k))
	}
	if failed := coord.InitializeAllAgents(names); len(failed) > 0 {
		s.logger.Warn("some agents failed to initialize", "agents", failed)
	}

	// Seed the latest report so the first metrics subscriber is not empty
	if _, err := s.health.Publish(); err != nil {
		s.logger.Warn("initial health report failed", "error", err)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.grpcServer = s.newGRPCServer()

	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Coordinator returns the coordinator the server fronts.
func (s *Server) Coordinator() *coordinator.Coordinator {
	return s.coordinator
}

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when no
// gRPC address is configured.
func (s *Server) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	s.logger.Info("starting coordinator",
		"http_addr", s.config.Server.HTTPAddr,
		"grpc_addr", s.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if s.config.Server.GRPCAddr == "" {
		return nil, httpLn, nil
	}
	grpcLn, err = net.Listen("tcp", s.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (s *Server) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.HTTPAddr != "" || s.config.Server.GRPCAddr != "" {
			s.logger.Warn("server addresses are ignored when tailscale is enabled",
				"http_addr", s.config.Server.HTTPAddr,
				"grpc_addr", s.config.Server.GRPCAddr,
			)
		}
		return s.setupTailscaleListeners(ctx)
	}
	return s.setupTCPListeners()
}

// startServers starts the HTTP and (optional) gRPC servers, returning an error channel.
func (s *Server) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if grpcLn != nil {
		go func() {
			s.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// Run starts the servers and the health publisher and blocks until ctx is
// canceled or a server fails. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	grpcLn, httpLn, err := s.setupListeners(ctx)
	if err != nil {
		return err
	}

	runCtx, stopPublisher := context.WithCancel(ctx)
	defer stopPublisher()
	go s.health.Run(runCtx)

	errCh := s.startServers(grpcLn, httpLn)

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}
	stopPublisher()

	// The run context is already canceled, so shutdown gets a fresh one
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (s *Server) shutdownGRPCServer(ctx context.Context) {
	s.grpcHealth.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting work, disconnects channel clients, waits for
// running workflows and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down coordinator")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "channel shutdown", s.channel.Close(ctx))
	s.shutdownGRPCServer(ctx)
	s.stopRuns()
	errs = appendCloseError(errs, "coordinator shutdown", s.coordinator.Shutdown(ctx))

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	s.bus.Close()
	errs = appendCloseError(errs, "store close", s.store.Close())

	return errors.Join(errs...)
}

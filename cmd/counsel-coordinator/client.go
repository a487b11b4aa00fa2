// ABOUTME: Operator commands that talk to a running coordinator over HTTP and the observer channel
// ABOUTME: watch reconnects with backoff and resumes its session so rooms survive a dropped socket

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"

	"github.com/2389/counsel-coordinator/internal/agent"
	"github.com/2389/counsel-coordinator/internal/channel"
	"github.com/2389/counsel-coordinator/internal/config"
	"github.com/2389/counsel-coordinator/internal/events"
)

const (
	watchMinBackoff = time.Second
	watchMaxBackoff = 30 * time.Second
)

// clientToken prefers COUNSEL_TOKEN, then the file bootstrap wrote.
func clientToken() string {
	if t := os.Getenv("COUNSEL_TOKEN"); t != "" {
		return t
	}
	data, err := os.ReadFile(tokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func coordinatorAddr() (string, error) {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.HTTPAddr == "" {
		return "", errors.New("server.http_addr is not configured")
	}
	return cfg.Server.HTTPAddr, nil
}

func get(ctx context.Context, path string) (int, []byte, error) {
	addr, err := coordinatorAddr()
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if token := clientToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func runHealth(ctx context.Context) error {
	code, body, err := get(ctx, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	var report struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &report); err != nil {
		return fmt.Errorf("decoding health report: %w", err)
	}
	if code != http.StatusOK {
		return fmt.Errorf("%s: status %d", report.Status, code)
	}
	fmt.Println(report.Status)
	return nil
}

func runAgents(ctx context.Context) error {
	code, body, err := get(ctx, "/api/agents")
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	if code != http.StatusOK {
		return fmt.Errorf("listing agents: status %d: %s", code, strings.TrimSpace(string(body)))
	}
	var resp struct {
		Agents []agent.Summary `json:"agents"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decoding agents: %w", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tTASKS\tSUCCESS\tAVG MS")
	for _, a := range resp.Agents {
		status := color.GreenString(string(a.Status))
		if a.Status != agent.StatusRunning {
			status = color.RedString(string(a.Status))
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.0f%%\t%.1f\n",
			a.Name, status, a.Metrics.TasksExecuted, a.Metrics.SuccessRate*100, a.Metrics.AverageExecutionTimeMs)
	}
	return tw.Flush()
}

// runWatch prints channel events until ctx ends. A dropped socket is retried
// with exponential backoff; the session token from the last welcome is sent
// on reconnect so the server restores room membership.
func runWatch(ctx context.Context, rooms []string) error {
	if len(rooms) == 0 {
		rooms = events.Rooms
	}
	for _, r := range rooms {
		if !events.IsRoom(r) {
			return fmt.Errorf("unknown room %q (want one of %s)", r, strings.Join(events.Rooms, ", "))
		}
	}
	addr, err := coordinatorAddr()
	if err != nil {
		return err
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	w := &watcher{url: u.String(), token: clientToken(), rooms: rooms}
	if w.token == "" {
		// Without auth any non-empty token is accepted.
		w.token = "anonymous"
	}

	backoff := watchMinBackoff
	for {
		connected, err := w.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = watchMinBackoff
		}
		color.Yellow("disconnected: %v (retrying in %s)", err, backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, watchMaxBackoff)
	}
}

type watcher struct {
	url    string
	token  string
	resume string
	rooms  []string
}

// session runs one connection. connected reports whether auth succeeded, so
// the caller can reset its backoff.
func (w *watcher) session(ctx context.Context) (connected bool, err error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return false, err
	}
	defer ws.Close()
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	if err := send(ws, channel.TypeAuth, channel.AuthPayload{Token: w.token, Session: w.resume}); err != nil {
		return false, err
	}

	for {
		var frame struct {
			Type      string          `json:"type"`
			Payload   json.RawMessage `json:"payload"`
			Timestamp time.Time       `json:"timestamp"`
		}
		if err := ws.ReadJSON(&frame); err != nil {
			return connected, err
		}

		switch frame.Type {
		case channel.TypeWelcome:
			var welcome channel.WelcomePayload
			if err := json.Unmarshal(frame.Payload, &welcome); err != nil {
				return connected, err
			}
			connected = true
			w.resume = welcome.Session
			color.Green("connected as %s (session resumed: %t)", welcome.PrincipalID, welcome.Resumed)
			if !welcome.Resumed {
				if err := send(ws, channel.TypeSubscribe, channel.RoomsPayload{Rooms: w.rooms}); err != nil {
					return connected, err
				}
			}
		case channel.TypeError:
			var p channel.ErrorPayload
			_ = json.Unmarshal(frame.Payload, &p)
			if p.Code == channel.CodeUnauthenticated {
				// The session is gone; the next attempt falls back to the token.
				w.resume = ""
				return connected, fmt.Errorf("%s: %s", p.Code, p.Message)
			}
			color.Red("%s %s: %s", frame.Timestamp.Format("15:04:05"), p.Code, p.Message)
		case channel.TypeDisconnected:
			var p channel.DisconnectedPayload
			_ = json.Unmarshal(frame.Payload, &p)
			return connected, fmt.Errorf("server closed connection: %s", p.Reason)
		default:
			fmt.Printf("%s %s %s\n",
				color.HiBlackString(frame.Timestamp.Format("15:04:05")),
				color.CyanString(frame.Type),
				string(frame.Payload))
		}
	}
}

func send(ws *websocket.Conn, msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return ws.WriteJSON(channel.Message{Type: msgType, Payload: data, Timestamp: time.Now()})
}

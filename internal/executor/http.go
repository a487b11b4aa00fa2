// ABOUTME: HTTP executor that posts a step payload to the agent's configured endpoint
// ABOUTME: The step deadline travels on the request context; non-2xx answers are step failures

package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/2389/counsel-coordinator/internal/agent"
)

const (
	// maxResponseBytes caps how much of an agent's answer is read.
	maxResponseBytes = 1 << 20
	// maxRejectRunes caps the body quoted in a rejection error.
	maxRejectRunes = 200
)

var (
	// ErrNoEndpoint indicates no endpoint is configured for the agent.
	ErrNoEndpoint = errors.New("no endpoint configured for agent")
	// ErrAgentRejected indicates the agent answered with a non-2xx status.
	ErrAgentRejected = errors.New("agent rejected step")
	// ErrResponseTooLarge indicates the agent's answer exceeded maxResponseBytes.
	ErrResponseTooLarge = errors.New("agent response too large")
)

// request is the body posted to an agent endpoint.
type request struct {
	Agent   agent.Kind      `json:"agent"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HTTPExecutor calls agents over HTTP.
type HTTPExecutor struct {
	endpoints map[agent.Kind]string
	token     string
	client    *http.Client
	logger    *slog.Logger
}

// HTTPOptions configures an HTTPExecutor.
type HTTPOptions struct {
	Endpoints map[agent.Kind]string
	// Token, when set, is sent as a bearer token on every call.
	Token  string
	Client *http.Client
	Logger *slog.Logger
}

// NewHTTP creates an HTTPExecutor. The client has no timeout of its own;
// the step context carries the deadline.
func NewHTTP(opts HTTPOptions) *HTTPExecutor {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	endpoints := make(map[agent.Kind]string, len(opts.Endpoints))
	for k, v := range opts.Endpoints {
		endpoints[k] = v
	}
	return &HTTPExecutor{
		endpoints: endpoints,
		token:     opts.Token,
		client:    client,
		logger:    logger.With("component", "executor"),
	}
}

// Handles reports whether an endpoint is configured for kind.
func (e *HTTPExecutor) Handles(kind agent.Kind) bool {
	_, ok := e.endpoints[kind]
	return ok
}

// Execute posts the payload and returns the agent's JSON answer.
func (e *HTTPExecutor) Execute(ctx context.Context, kind agent.Kind, payload json.RawMessage) (json.RawMessage, error) {
	url, ok := e.endpoints[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoEndpoint, kind)
	}

	body, err := json.Marshal(request{Agent: kind, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encoding step request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building step request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		// Keep the context error visible so the engine can classify timeouts
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("calling %s: %w", kind, ctxErr)
		}
		return nil, fmt.Errorf("calling %s: %w", kind, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", kind, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := truncateRunes(strings.TrimSpace(string(data)), maxRejectRunes)
		e.logger.Warn("agent rejected step", "agent", kind, "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: %s returned %d: %s", ErrAgentRejected, kind, resp.StatusCode, msg)
	}

	if len(data) > maxResponseBytes {
		return nil, fmt.Errorf("%w: %s sent more than %d bytes", ErrResponseTooLarge, kind, maxResponseBytes)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		// Plain text answers are wrapped as a JSON string
		quoted, _ := json.Marshal(string(data))
		return quoted, nil
	}
	return json.RawMessage(data), nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

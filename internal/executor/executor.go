// ABOUTME: Executor composition: routing by agent kind, outbound throttling and a local echo
// ABOUTME: All types satisfy workflow.Executor

package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/2389/counsel-coordinator/internal/agent"
	"github.com/2389/counsel-coordinator/internal/workflow"
)

// Echo returns the step payload unchanged. It is the executor used when no
// agent endpoints are configured, so a coordinator can be run locally.
type Echo struct{}

// Execute returns payload, or an error if ctx is already done.
func (Echo) Execute(ctx context.Context, _ agent.Kind, payload json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return payload, nil
}

// Router sends each kind to its own executor, falling back to a default.
type Router struct {
	routes   map[agent.Kind]workflow.Executor
	fallback workflow.Executor
}

// NewRouter creates a Router. fallback may be nil, in which case unrouted
// kinds fail with ErrNoEndpoint.
func NewRouter(fallback workflow.Executor) *Router {
	return &Router{routes: make(map[agent.Kind]workflow.Executor), fallback: fallback}
}

// Route assigns an executor to a kind. Not safe to call once Execute is in use.
func (r *Router) Route(kind agent.Kind, exec workflow.Executor) *Router {
	r.routes[kind] = exec
	return r
}

// Execute dispatches to the executor for kind.
func (r *Router) Execute(ctx context.Context, kind agent.Kind, payload json.RawMessage) (json.RawMessage, error) {
	if exec, ok := r.routes[kind]; ok {
		return exec.Execute(ctx, kind, payload)
	}
	if r.fallback != nil {
		return r.fallback.Execute(ctx, kind, payload)
	}
	return nil, fmt.Errorf("%w: %s", ErrNoEndpoint, kind)
}

// Throttled limits how often each agent kind is called. Waiting for a token
// counts against the step deadline.
type Throttled struct {
	next     workflow.Executor
	limiters map[agent.Kind]*rate.Limiter
}

// Limit is a per-kind call rate.
type Limit struct {
	PerSecond float64
	Burst     int
}

// NewThrottled wraps next with one token bucket per kind in limits. Kinds
// without a limit are not throttled.
func NewThrottled(next workflow.Executor, limits map[agent.Kind]Limit) *Throttled {
	limiters := make(map[agent.Kind]*rate.Limiter, len(limits))
	for kind, l := range limits {
		burst := l.Burst
		if burst < 1 {
			burst = 1
		}
		limiters[kind] = rate.NewLimiter(rate.Limit(l.PerSecond), burst)
	}
	return &Throttled{next: next, limiters: limiters}
}

// Execute waits for the kind's limiter, then calls the wrapped executor.
func (t *Throttled) Execute(ctx context.Context, kind agent.Kind, payload json.RawMessage) (json.RawMessage, error) {
	if lim, ok := t.limiters[kind]; ok {
		if err := lim.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				// The limiter refuses waits that would outlast the deadline
				return nil, fmt.Errorf("throttling %s: %w", kind, context.DeadlineExceeded)
			}
			return nil, fmt.Errorf("throttling %s: %w", kind, ctx.Err())
		}
	}
	return t.next.Execute(ctx, kind, payload)
}

var (
	_ workflow.Executor = Echo{}
	_ workflow.Executor = (*Router)(nil)
	_ workflow.Executor = (*Throttled)(nil)
	_ workflow.Executor = (*HTTPExecutor)(nil)
)

// ABOUTME: Registry of agents and their running performance counters
// ABOUTME: Counters are guarded per agent so updates for different agents never contend

package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/counsel-coordinator/internal/clock"
)

// ErrUnknownAgent indicates the name is not a known kind or was never registered.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrNotFound indicates a metrics lookup for an agent that is not registered.
var ErrNotFound = errors.New("agent not found")

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
)

// Metrics is a point-in-time performance snapshot for one agent.
type Metrics struct {
	TasksExecuted          uint64  `json:"tasksExecuted"`
	SuccessRate            float64 `json:"successRate"`
	AverageExecutionTimeMs float64 `json:"averageExecutionTimeMs"`
}

// Summary is a copy of an agent's state, safe to hand to callers.
type Summary struct {
	Name        Kind      `json:"name"`
	Status      Status    `json:"status"`
	Metrics     Metrics   `json:"metrics"`
	RestartedAt time.Time `json:"restartedAt"`
}

// RestartHook is called after an agent is restarted, outside any lock.
type RestartHook func(Summary)

// entry holds one agent's mutable state behind its own lock.
type entry struct {
	mu          sync.Mutex
	name        Kind
	status      Status
	tasks       uint64
	successes   uint64
	totalMs     float64
	restartedAt time.Time
}

// metricsLocked computes the snapshot. Must be called with e.mu held.
//
// Success rate is the cumulative ratio successes/tasks and the average
// duration is the cumulative mean; both are 0 before the first task.
func (e *entry) metricsLocked() Metrics {
	if e.tasks == 0 {
		return Metrics{}
	}
	return Metrics{
		TasksExecuted:          e.tasks,
		SuccessRate:            float64(e.successes) / float64(e.tasks),
		AverageExecutionTimeMs: e.totalMs / float64(e.tasks),
	}
}

func (e *entry) summary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Summary{
		Name:        e.name,
		Status:      e.status,
		Metrics:     e.metricsLocked(),
		RestartedAt: e.restartedAt,
	}
}

// Registry tracks every registered agent. Entries are never removed; they
// are only reset by Restart.
type Registry struct {
	mu        sync.RWMutex
	agents    map[Kind]*entry
	onRestart RestartHook
	clock     clock.Clock
	logger    *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger or clock for defaults.
func NewRegistry(logger *slog.Logger, clk clock.Clock) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents: make(map[Kind]*entry),
		clock:  clock.OrSystem(clk),
		logger: logger,
	}
}

// OnRestart installs the hook fired after every successful Restart.
func (r *Registry) OnRestart(hook RestartHook) {
	r.mu.Lock()
	r.onRestart = hook
	r.mu.Unlock()
}

// Register adds an agent with zero counters. Re-registering is a no-op.
func (r *Registry) Register(kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[kind]; exists {
		return
	}

	r.agents[kind] = &entry{
		name:        kind,
		status:      StatusRunning,
		restartedAt: r.clock.Now(),
	}
	r.logger.Info("=== AGENT REGISTERED ===",
		"agent", kind,
		"total_agents", len(r.agents),
	)
}

// IsRegistered reports whether kind has been registered.
func (r *Registry) IsRegistered(kind Kind) bool {
	_, ok := r.get(kind)
	return ok
}

func (r *Registry) get(kind Kind) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[kind]
	return e, ok
}

// RecordTaskResult adds one completed task to the agent's counters.
func (r *Registry) RecordTaskResult(kind Kind, succeeded bool, durationMs float64) error {
	e, ok := r.get(kind)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, kind)
	}
	if durationMs < 0 {
		durationMs = 0
	}

	e.mu.Lock()
	e.tasks++
	if succeeded {
		e.successes++
	}
	e.totalMs += durationMs
	e.mu.Unlock()

	r.logger.Debug("task recorded",
		"agent", kind,
		"succeeded", succeeded,
		"duration_ms", durationMs,
	)
	return nil
}

// Metrics returns the current performance snapshot for kind.
func (r *Registry) Metrics(kind Kind) (Metrics, error) {
	e, ok := r.get(kind)
	if !ok {
		return Metrics{}, fmt.Errorf("%w: %s", ErrNotFound, kind)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metricsLocked(), nil
}

// Restart zeroes the agent's counters and marks it running.
func (r *Registry) Restart(kind Kind) error {
	e, ok := r.get(kind)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, kind)
	}

	e.mu.Lock()
	e.tasks = 0
	e.successes = 0
	e.totalMs = 0
	e.status = StatusRunning
	e.restartedAt = r.clock.Now()
	e.mu.Unlock()

	r.logger.Info("=== AGENT RESTARTED ===", "agent", kind)

	r.mu.RLock()
	hook := r.onRestart
	r.mu.RUnlock()
	if hook != nil {
		hook(e.summary())
	}
	return nil
}

// Stop marks the agent stopped. Counters are kept.
func (r *Registry) Stop(kind Kind) error {
	e, ok := r.get(kind)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, kind)
	}
	e.mu.Lock()
	e.status = StatusStopped
	e.mu.Unlock()

	r.logger.Info("=== AGENT STOPPED ===", "agent", kind)
	return nil
}

// List returns a name-sorted snapshot of every agent.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Counts returns the number of agents in total and per status.
func (r *Registry) Counts() (total, running, stopped int) {
	for _, s := range r.List() {
		total++
		switch s.Status {
		case StatusRunning:
			running++
		case StatusStopped:
			stopped++
		}
	}
	return total, running, stopped
}

// Totals sums task and failure counts across all agents since their last restart.
func (r *Registry) Totals() (tasks, failures uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.agents {
		e.mu.Lock()
		tasks += e.tasks
		failures += e.tasks - e.successes
		e.mu.Unlock()
	}
	return tasks, failures
}

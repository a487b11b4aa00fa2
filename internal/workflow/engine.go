// ABOUTME: Workflow engine that advances workflows one step at a time against agents
// ABOUTME: Single-flight per workflow id; step execution is bounded by a timeout and retried on timeout

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/counsel-coordinator/internal/agent"
	"github.com/2389/counsel-coordinator/internal/clock"
)

// DefaultStepTimeout bounds a step execution when Options.StepTimeout is zero.
const DefaultStepTimeout = 30 * time.Second

// Options configures an Engine.
type Options struct {
	Agents       AgentRegistry
	Executor     Executor
	StepTimeout  time.Duration
	DefaultRetry RetryPolicy
	// MaxRetained caps how many workflows are kept; the oldest terminal
	// workflows are evicted first. Zero keeps everything.
	MaxRetained int
	Journal     Journal
	Observer    Observer
	Clock       clock.Clock
	Logger      *slog.Logger
	// OnTransition is called after every status change, outside all locks.
	OnTransition func(prev Status, v View)
}

// workflow is the engine-owned record. run serialises Advance/Cancel; mu
// guards the fields so readers never wait on an executing step.
type workflow struct {
	run sync.Mutex

	mu            sync.RWMutex
	id            string
	name          string
	steps         []Step
	current       int
	status        Status
	failureReason string
	createdAt     time.Time
	updatedAt     time.Time
	seq           uint64
}

func (w *workflow) view() View {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.viewLocked()
}

func (w *workflow) viewLocked() View {
	steps := make([]Step, len(w.steps))
	copy(steps, w.steps)
	return View{
		ID:               w.id,
		Name:             w.name,
		Steps:            steps,
		CurrentStepIndex: w.current,
		Status:           w.status,
		Progress:         w.current * 100 / len(w.steps),
		FailureReason:    w.failureReason,
		CreatedAt:        w.createdAt,
		UpdatedAt:        w.updatedAt,
	}
}

// Engine owns every workflow for its lifetime.
type Engine struct {
	mu        sync.RWMutex
	workflows map[string]*workflow
	nextSeq   uint64

	agents       AgentRegistry
	executor     Executor
	stepTimeout  time.Duration
	defaultRetry RetryPolicy
	maxRetained  int
	journal      Journal
	observer     Observer
	onTransition func(prev Status, v View)
	clock        clock.Clock
	logger       *slog.Logger
}

// NewEngine creates an engine. Agents and Executor are required.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Agents == nil {
		return nil, errors.New("workflow engine requires an agent registry")
	}
	if opts.Executor == nil {
		return nil, errors.New("workflow engine requires an executor")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.StepTimeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	return &Engine{
		workflows:    make(map[string]*workflow),
		agents:       opts.Agents,
		executor:     opts.Executor,
		stepTimeout:  timeout,
		defaultRetry: opts.DefaultRetry,
		maxRetained:  opts.MaxRetained,
		journal:      opts.Journal,
		observer:     opts.Observer,
		onTransition: opts.OnTransition,
		clock:        clock.OrSystem(opts.Clock),
		logger:       logger,
	}, nil
}

// Submit validates and stores a new pending workflow and returns its id.
func (e *Engine) Submit(name string, steps []Step) (string, error) {
	if len(steps) == 0 {
		return "", fmt.Errorf("%w: at least one step is required", ErrInvalidWorkflow)
	}
	for i, s := range steps {
		if !e.agents.IsRegistered(s.Agent) {
			return "", fmt.Errorf("%w: step %d targets unregistered agent %q", ErrInvalidWorkflow, i, s.Agent)
		}
		if s.Retry != nil && s.Retry.MaxAttempts < 0 {
			return "", fmt.Errorf("%w: step %d has negative max attempts", ErrInvalidWorkflow, i)
		}
	}

	owned := make([]Step, len(steps))
	for i, s := range steps {
		owned[i] = Step{Agent: s.Agent, Payload: cloneRaw(s.Payload)}
		if s.Retry != nil {
			r := *s.Retry
			owned[i].Retry = &r
		}
	}

	now := e.clock.Now().UTC()
	w := &workflow{
		id:        uuid.New().String(),
		name:      name,
		steps:     owned,
		status:    StatusPending,
		createdAt: now,
		updatedAt: now,
	}

	e.mu.Lock()
	e.nextSeq++
	w.seq = e.nextSeq
	e.workflows[w.id] = w
	e.mu.Unlock()

	e.logger.Info("workflow submitted",
		"workflow_id", w.id,
		"name", name,
		"steps", len(owned),
	)
	e.persist(w.view())
	return w.id, nil
}

func (e *Engine) lookup(id string) (*workflow, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	w, ok := e.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return w, nil
}

// Advance executes the step at the workflow's current index. A concurrent
// call for the same id gets ErrAlreadyAdvancing. Step failures are reported
// in the result, not as an error; the error return is for calls that could
// not run a step at all.
func (e *Engine) Advance(ctx context.Context, id string) (*StepResult, error) {
	w, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	if !w.run.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAdvancing, id)
	}
	defer w.run.Unlock()

	w.mu.Lock()
	if w.status.Terminal() {
		status := w.status
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrWorkflowTerminated, id, status)
	}
	prev := w.status
	idx := w.current
	step := w.steps[idx]
	if w.status == StatusPending {
		w.status = StatusRunning
		w.updatedAt = e.clock.Now().UTC()
	}
	started := w.viewLocked()
	w.mu.Unlock()

	if prev != started.Status {
		e.transitioned(prev, started)
	}

	result := e.runStep(ctx, id, idx, step)

	w.mu.Lock()
	before := w.status
	if result.Succeeded {
		w.current++
		if w.current == len(w.steps) {
			w.status = StatusCompleted
		}
	} else {
		w.status = StatusFailed
		w.failureReason = result.Error
	}
	w.updatedAt = e.clock.Now().UTC()
	result.WorkflowStatus = w.status
	after := w.viewLocked()
	w.mu.Unlock()

	e.logger.Info("workflow advanced",
		"workflow_id", id,
		"step", idx,
		"agent", step.Agent,
		"succeeded", result.Succeeded,
		"attempts", result.Attempts,
		"status", after.Status,
	)

	e.persist(after)
	if after.Status.Terminal() {
		e.finished(after)
	}
	if before != after.Status {
		e.transitioned(before, after)
	}
	return result, nil
}

// runStep executes one step with its retry policy and records every attempt.
func (e *Engine) runStep(ctx context.Context, id string, idx int, step Step) *StepResult {
	policy := e.defaultRetry
	if step.Retry != nil {
		policy = *step.Retry
	}

	result := &StepResult{WorkflowID: id, StepIndex: idx, Agent: step.Agent}
	var totalMs float64
	for attempt := 1; ; attempt++ {
		result.Attempts = attempt
		start := e.clock.Now()
		out, err := e.execute(ctx, step)
		elapsed := e.clock.Now().Sub(start)
		ms := float64(elapsed) / float64(time.Millisecond)
		totalMs += ms

		if recErr := e.agents.RecordTaskResult(step.Agent, err == nil, ms); recErr != nil {
			e.logger.Warn("recording task result", "agent", step.Agent, "error", recErr)
		}
		if e.observer != nil {
			e.observer.StepFinished(step.Agent, err == nil, elapsed)
		}

		if err == nil {
			result.Succeeded = true
			result.Output = out
			result.DurationMs = totalMs
			return result
		}

		result.Err = err
		result.Error = err.Error()
		result.DurationMs = totalMs
		if !errors.Is(err, ErrExecutorTimeout) || attempt >= policy.attempts() {
			return result
		}

		wait := policy.Backoff(attempt)
		e.logger.Warn("step timed out, retrying",
			"workflow_id", id,
			"step", idx,
			"agent", step.Agent,
			"attempt", attempt,
			"backoff", wait,
		)
		if e.observer != nil {
			e.observer.StepRetried(step.Agent)
		}
		// The step is in flight until its retries are spent; a caller
		// going away must not fail the workflow.
		pause(wait)
	}
}

// execute runs the executor under the step timeout. The step ignores the
// caller's cancellation and only honours its own deadline; an executor that
// ignores its context is abandoned when the deadline passes.
func (e *Engine) execute(ctx context.Context, step Step) (json.RawMessage, error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.stepTimeout)
	defer cancel()

	type outcome struct {
		out json.RawMessage
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := e.executor.Execute(sctx, step.Agent, cloneRaw(step.Payload))
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && (errors.Is(o.err, context.DeadlineExceeded) || sctx.Err() != nil) {
			return nil, fmt.Errorf("%w: %s after %s", ErrExecutorTimeout, step.Agent, e.stepTimeout)
		}
		return o.out, o.err
	case <-sctx.Done():
		return nil, fmt.Errorf("%w: %s after %s", ErrExecutorTimeout, step.Agent, e.stepTimeout)
	}
}

// Cancel fails a workflow between steps. It cannot interrupt a running step.
func (e *Engine) Cancel(id string) error {
	w, err := e.lookup(id)
	if err != nil {
		return err
	}
	if !w.run.TryLock() {
		return fmt.Errorf("%w: %s", ErrAlreadyAdvancing, id)
	}
	defer w.run.Unlock()

	w.mu.Lock()
	if w.status.Terminal() {
		status := w.status
		w.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrWorkflowTerminated, id, status)
	}
	prev := w.status
	w.status = StatusFailed
	w.failureReason = ReasonCancelled
	w.updatedAt = e.clock.Now().UTC()
	after := w.viewLocked()
	w.mu.Unlock()

	e.logger.Info("workflow cancelled", "workflow_id", id, "step", after.CurrentStepIndex)
	e.persist(after)
	e.finished(after)
	e.transitioned(prev, after)
	return nil
}

// Get returns a copy of the workflow.
func (e *Engine) Get(id string) (View, error) {
	w, err := e.lookup(id)
	if err != nil {
		return View{}, err
	}
	return w.view(), nil
}

// ListAll returns every retained workflow, oldest first.
func (e *Engine) ListAll() []View {
	return e.list(func(Status) bool { return true })
}

// ListActive returns running workflows, oldest first.
func (e *Engine) ListActive() []View {
	return e.list(func(s Status) bool { return s == StatusRunning })
}

func (e *Engine) list(keep func(Status) bool) []View {
	e.mu.RLock()
	ws := make([]*workflow, 0, len(e.workflows))
	for _, w := range e.workflows {
		ws = append(ws, w)
	}
	e.mu.RUnlock()

	sort.Slice(ws, func(i, j int) bool { return ws[i].seq < ws[j].seq })

	out := make([]View, 0, len(ws))
	for _, w := range ws {
		v := w.view()
		if keep(v.Status) {
			out = append(out, v)
		}
	}
	return out
}

// Counts tallies workflows by status.
func (e *Engine) Counts() Counts {
	var c Counts
	for _, v := range e.ListAll() {
		c.Total++
		switch v.Status {
		case StatusPending:
			c.Pending++
		case StatusRunning:
			c.Active++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

func (e *Engine) persist(v View) {
	if e.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.journal.SaveWorkflow(ctx, v); err != nil {
		e.logger.Warn("journaling workflow", "workflow_id", v.ID, "error", err)
	}
}

func (e *Engine) finished(v View) {
	if e.observer != nil {
		e.observer.WorkflowFinished(v.Status)
	}
	e.evict()
}

func (e *Engine) transitioned(prev Status, v View) {
	if e.onTransition != nil {
		e.onTransition(prev, v)
	}
}

// evict drops the oldest terminal workflows while over MaxRetained.
func (e *Engine) evict() {
	if e.maxRetained <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	excess := len(e.workflows) - e.maxRetained
	if excess <= 0 {
		return
	}

	candidates := make([]*workflow, 0, len(e.workflows))
	for _, w := range e.workflows {
		w.mu.RLock()
		terminal := w.status.Terminal()
		w.mu.RUnlock()
		if terminal {
			candidates = append(candidates, w)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })

	for _, w := range candidates {
		if excess == 0 {
			break
		}
		delete(e.workflows, w.id)
		excess--
		e.logger.Debug("evicted workflow", "workflow_id", w.id)
	}
}

func pause(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	<-t.C
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

// kindOf is a convenience for callers building steps from names.
func kindOf(name string) (agent.Kind, error) {
	k, err := agent.ParseKind(name)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidWorkflow, err)
	}
	return k, nil
}

// StepSpec is the wire form of a step, with the agent given by name.
type StepSpec struct {
	Agent   string          `json:"agent"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Retry   *RetryPolicy    `json:"retry,omitempty"`
}

// ParseSteps converts wire steps into Steps, failing with ErrInvalidWorkflow
// on unknown agent names.
func ParseSteps(specs []StepSpec) ([]Step, error) {
	steps := make([]Step, 0, len(specs))
	for _, s := range specs {
		k, err := kindOf(s.Agent)
		if err != nil {
			return nil, err
		}
		steps = append(steps, Step{Agent: k, Payload: s.Payload, Retry: s.Retry})
	}
	return steps, nil
}

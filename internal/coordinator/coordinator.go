// ABOUTME: Coordinator facade over the agent registry and workflow engine
// ABOUTME: Owns restart fan-out, workflow driving, auditing and state-change notifications

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/2389/counsel-coordinator/internal/agent"
	"github.com/2389/counsel-coordinator/internal/auth"
	"github.com/2389/counsel-coordinator/internal/clock"
	"github.com/2389/counsel-coordinator/internal/events"
	"github.com/2389/counsel-coordinator/internal/store"
	"github.com/2389/counsel-coordinator/internal/workflow"
)

// ErrNotInitialized is returned by Instance before Initialize has succeeded.
var ErrNotInitialized = errors.New("coordinator not initialized")

const (
	defaultWorkers            = 4
	defaultRestartConcurrency = 4
	auditTimeout              = 5 * time.Second
)

// Notifier is the broadcast capability events are published to.
type Notifier interface {
	Publish(topic string, event *events.Event, excludeSubID string)
}

// Auditor records administrative actions.
type Auditor interface {
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// Observer receives workflow and restart measurements.
type Observer interface {
	workflow.Observer
	AgentRestarted(kind agent.Kind)
}

// LoadReader reads the host load averages.
type LoadReader func(ctx context.Context) (*load.AvgStat, error)

// Options configures a Coordinator. Executor is required.
type Options struct {
	Agents       *agent.Registry
	Executor     workflow.Executor
	StepTimeout  time.Duration
	DefaultRetry workflow.RetryPolicy
	MaxRetained  int
	Journal      workflow.Journal

	Notifier Notifier
	Auditor  Auditor
	Observer Observer

	// Workers bounds how many workflows RunWorkflow drives at once.
	Workers int
	// RestartConcurrency bounds the restart-all fan-out.
	RestartConcurrency int

	Load   LoadReader
	Clock  clock.Clock
	Logger *slog.Logger
}

// Result is the outcome of an admin mutation.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`

	// Err is the underlying failure, for callers that map it to a status code.
	Err error `json:"-"`
}

// Coordinator is the entry point for every agent and workflow operation.
type Coordinator struct {
	agents   *agent.Registry
	engine   *workflow.Engine
	notifier Notifier
	auditor  Auditor
	observer Observer

	workers      *semaphore.Weighted
	workerCount  int64
	restartLimit int
	load         LoadReader
	clock        clock.Clock
	startedAt    time.Time
	logger       *slog.Logger
}

// New builds a Coordinator and the workflow engine it fronts.
func New(opts Options) (*Coordinator, error) {
	if opts.Executor == nil {
		return nil, errors.New("coordinator requires an executor")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := clock.OrSystem(opts.Clock)

	agents := opts.Agents
	if agents == nil {
		agents = agent.NewRegistry(logger, clk)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	restartLimit := opts.RestartConcurrency
	if restartLimit <= 0 {
		restartLimit = defaultRestartConcurrency
	}
	loadReader := opts.Load
	if loadReader == nil {
		loadReader = load.AvgWithContext
	}

	c := &Coordinator{
		agents:       agents,
		notifier:     opts.Notifier,
		auditor:      opts.Auditor,
		observer:     opts.Observer,
		workers:      semaphore.NewWeighted(int64(workers)),
		workerCount:  int64(workers),
		restartLimit: restartLimit,
		load:         loadReader,
		clock:        clk,
		startedAt:    clk.Now(),
		logger:       logger.With("component", "coordinator"),
	}

	var wfObserver workflow.Observer
	if opts.Observer != nil {
		wfObserver = opts.Observer
	}
	engine, err := workflow.NewEngine(workflow.Options{
		Agents:       agents,
		Executor:     opts.Executor,
		StepTimeout:  opts.StepTimeout,
		DefaultRetry: opts.DefaultRetry,
		MaxRetained:  opts.MaxRetained,
		Journal:      opts.Journal,
		Observer:     wfObserver,
		Clock:        clk,
		Logger:       logger,
		OnTransition: c.workflowTransitioned,
	})
	if err != nil {
		return nil, fmt.Errorf("creating workflow engine: %w", err)
	}
	c.engine = engine

	agents.OnRestart(c.agentRestarted)
	return c, nil
}

var (
	instanceOnce sync.Once
	instance     atomic.Pointer[Coordinator]
	instanceErr  error
)

// Initialize constructs the process-wide Coordinator on first call. Later
// calls ignore opts and return the first result.
func Initialize(opts Options) (*Coordinator, error) {
	instanceOnce.Do(func() {
		c, err := New(opts)
		if err != nil {
			instanceErr = err
			return
		}
		instance.Store(c)
	})
	if instanceErr != nil {
		return nil, instanceErr
	}
	return instance.Load(), nil
}

// Instance returns the process-wide Coordinator.
func Instance() (*Coordinator, error) {
	c := instance.Load()
	if c == nil {
		return nil, ErrNotInitialized
	}
	return c, nil
}

// StartedAt returns when the coordinator was constructed.
func (c *Coordinator) StartedAt() time.Time {
	return c.startedAt
}

// InitializeAgent registers the named agent, or restarts it when it is
// already registered.
func (c *Coordinator) InitializeAgent(name string) error {
	kind, err := agent.ParseKind(name)
	if err != nil {
		return err
	}
	if c.agents.IsRegistered(kind) {
		return c.agents.Restart(kind)
	}
	c.agents.Register(kind)
	c.stateChanged()
	return nil
}

// InitializeAllAgents initializes every name, continuing past failures, and
// returns the names that failed.
func (c *Coordinator) InitializeAllAgents(names []string) []string {
	var failed []string
	for _, name := range names {
		if err := c.InitializeAgent(name); err != nil {
			c.logger.Warn("initializing agent", "agent", name, "error", err)
			failed = append(failed, name)
		}
	}
	c.logger.Info("agents initialized",
		"requested", len(names),
		"failed", len(failed),
	)
	return failed
}

// RestartAgent resets one agent. The acting principal is read from ctx.
func (c *Coordinator) RestartAgent(ctx context.Context, name string) Result {
	kind, err := agent.ParseKind(name)
	if err == nil {
		err = c.agents.Restart(kind)
	}
	c.audit(ctx, store.AuditRestartAgent, "agent", name, map[string]any{"success": err == nil})

	if err != nil {
		c.logger.Warn("restart failed", "agent", name, "error", err)
		return Result{Success: false, Message: fmt.Sprintf("failed to restart %s: %v", name, err), Err: err}
	}
	return Result{Success: true, Message: fmt.Sprintf("agent %s restarted", kind)}
}

// RestartAllAgents restarts every registered agent concurrently. One failure
// does not stop the others.
func (c *Coordinator) RestartAllAgents(ctx context.Context) Result {
	summaries := c.agents.List()

	var (
		mu        sync.Mutex
		failed    []string
		restarted int
	)
	// Restarts are in-memory; caller cancellation never skips an agent.
	var g errgroup.Group
	g.SetLimit(c.restartLimit)
	for _, s := range summaries {
		g.Go(func() error {
			err := c.agents.Restart(s.Name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Warn("restart failed", "agent", s.Name, "error", err)
				failed = append(failed, string(s.Name))
				return nil
			}
			restarted++
			return nil
		})
	}
	_ = g.Wait()

	c.audit(ctx, store.AuditRestartAll, "agent", "*", map[string]any{
		"restarted": restarted,
		"failed":    failed,
	})

	if len(failed) > 0 {
		return Result{
			Success: false,
			Message: fmt.Sprintf("restarted %d of %d agents; failed: %s", restarted, len(summaries), strings.Join(failed, ", ")),
			Err:     fmt.Errorf("restart failed for %s", strings.Join(failed, ", ")),
		}
	}
	return Result{Success: true, Message: fmt.Sprintf("restarted %d agents", restarted)}
}

// StartWorkflow submits a workflow and returns its id.
func (c *Coordinator) StartWorkflow(name string, steps []workflow.Step) (string, error) {
	id, err := c.engine.Submit(name, steps)
	if err != nil {
		return "", err
	}
	c.stateChanged()
	return id, nil
}

// AdvanceWorkflow executes the workflow's current step.
func (c *Coordinator) AdvanceWorkflow(ctx context.Context, id string) (*workflow.StepResult, error) {
	return c.engine.Advance(ctx, id)
}

// RunWorkflow advances the workflow until it reaches a terminal state, using
// one slot of the worker pool. Cancelling ctx stops between steps and leaves
// the workflow running.
func (c *Coordinator) RunWorkflow(ctx context.Context, id string) (workflow.View, error) {
	if _, err := c.engine.Get(id); err != nil {
		return workflow.View{}, err
	}
	if err := c.workers.Acquire(ctx, 1); err != nil {
		return workflow.View{}, fmt.Errorf("waiting for a worker: %w", err)
	}
	defer c.workers.Release(1)

	for {
		if err := ctx.Err(); err != nil {
			return workflow.View{}, err
		}
		res, err := c.engine.Advance(ctx, id)
		if err != nil {
			return workflow.View{}, err
		}
		if res.WorkflowStatus.Terminal() {
			return c.engine.Get(id)
		}
	}
}

// CancelWorkflow fails the workflow between steps.
func (c *Coordinator) CancelWorkflow(ctx context.Context, id string) error {
	err := c.engine.Cancel(id)
	c.audit(ctx, store.AuditCancelWorkflow, "workflow", id, map[string]any{"success": err == nil})
	return err
}

// GetWorkflow returns one workflow.
func (c *Coordinator) GetWorkflow(id string) (workflow.View, error) {
	return c.engine.Get(id)
}

// GetAllWorkflows returns every retained workflow, oldest first.
func (c *Coordinator) GetAllWorkflows() []workflow.View {
	return c.engine.ListAll()
}

// GetActiveWorkflows returns running workflows, oldest first.
func (c *Coordinator) GetActiveWorkflows() []workflow.View {
	return c.engine.ListActive()
}

// GetAgentPerformanceMetrics returns the named agent's counters.
func (c *Coordinator) GetAgentPerformanceMetrics(name string) (agent.Metrics, error) {
	kind, err := agent.ParseKind(name)
	if err != nil {
		return agent.Metrics{}, err
	}
	return c.agents.Metrics(kind)
}

// ListAgents returns every registered agent sorted by name.
func (c *Coordinator) ListAgents() []agent.Summary {
	return c.agents.List()
}

// AgentCounts reports registered agents in total and per status.
func (c *Coordinator) AgentCounts() (total, running, stopped int) {
	return c.agents.Counts()
}

// TaskTotals reports tasks and failures since each agent's last restart.
func (c *Coordinator) TaskTotals() (tasks, failures uint64) {
	return c.agents.Totals()
}

// WorkflowCounts tallies workflows by status.
func (c *Coordinator) WorkflowCounts() workflow.Counts {
	return c.engine.Counts()
}

// Shutdown marks every agent stopped and waits for running workflows to
// release their workers, or for ctx to end.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	for _, s := range c.agents.List() {
		if err := c.agents.Stop(s.Name); err != nil {
			c.logger.Warn("stopping agent", "agent", s.Name, "error", err)
		}
	}
	c.stateChanged()

	if err := c.workers.Acquire(ctx, c.workerCount); err != nil {
		return fmt.Errorf("waiting for workflows to finish: %w", err)
	}
	c.workers.Release(c.workerCount)
	c.logger.Info("coordinator stopped")
	return nil
}

func (c *Coordinator) agentRestarted(s agent.Summary) {
	if c.observer != nil {
		c.observer.AgentRestarted(s.Name)
	}
	c.publish(events.TopicAgentUpdates, events.TypeAgentRestarted, s)
	c.stateChanged()
}

func (c *Coordinator) workflowTransitioned(_ workflow.Status, v workflow.View) {
	switch v.Status {
	case workflow.StatusCompleted:
		c.publish(events.TopicAgentUpdates, events.TypeWorkflowCompleted, v)
	case workflow.StatusFailed:
		c.publish(events.TopicAgentUpdates, events.TypeWorkflowFailed, v)
	}
	c.stateChanged()
}

// stateChanged asks the health publisher to refresh.
func (c *Coordinator) stateChanged() {
	c.publish(events.TopicStateChanged, events.TypeStateChanged, nil)
}

func (c *Coordinator) publish(topic, eventType string, payload any) {
	if c.notifier == nil {
		return
	}
	c.notifier.Publish(topic, events.New(eventType, payload, c.clock.Now()), "")
}

func (c *Coordinator) audit(ctx context.Context, action store.AuditAction, targetType, targetID string, detail map[string]any) {
	actor := auth.PrincipalID(ctx)
	c.logger.Info("admin action",
		"action", action,
		"actor", actor,
		"target", targetType+"/"+targetID,
	)
	if c.auditor == nil {
		return
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	err := c.auditor.AppendAuditLog(actx, &store.AuditEntry{
		ActorPrincipalID: actor,
		Action:           action,
		TargetType:       targetType,
		TargetID:         targetID,
		Timestamp:        c.clock.Now().UTC(),
		Detail:           detail,
	})
	if err != nil {
		c.logger.Error("writing audit entry", "action", action, "error", err)
	}
}

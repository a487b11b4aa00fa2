// ABOUTME: Workflow, step and result types plus the engine's error taxonomy
// ABOUTME: Views are copies with progress computed on read, never cached on the workflow

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/2389/counsel-coordinator/internal/agent"
)

var (
	// ErrInvalidWorkflow indicates a submission with no steps or an unregistered agent.
	ErrInvalidWorkflow = errors.New("invalid workflow")
	// ErrWorkflowTerminated indicates the workflow already completed or failed.
	ErrWorkflowTerminated = errors.New("workflow terminated")
	// ErrAlreadyAdvancing indicates another caller is executing a step of this workflow.
	ErrAlreadyAdvancing = errors.New("workflow already advancing")
	// ErrNotFound indicates no workflow with the given id exists.
	ErrNotFound = errors.New("workflow not found")
	// ErrExecutorTimeout indicates a step execution exceeded its timeout.
	ErrExecutorTimeout = errors.New("executor timeout")
)

// Status is the lifecycle state of a workflow.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ReasonCancelled is the failure reason recorded by Cancel.
const ReasonCancelled = "cancelled"

// RetryPolicy bounds how often a timed-out step is retried.
type RetryPolicy struct {
	MaxAttempts    int           `json:"maxAttempts"`
	InitialBackoff time.Duration `json:"initialBackoff"`
	MaxBackoff     time.Duration `json:"maxBackoff"`
}

// Backoff returns the wait before attempt n+1, doubling from InitialBackoff
// and capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Step binds one unit of work to an agent. Steps are immutable after submission.
type Step struct {
	Agent   agent.Kind      `json:"agent"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Retry   *RetryPolicy    `json:"retry,omitempty"`
}

// View is a read-only copy of a workflow.
type View struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Steps            []Step    `json:"steps"`
	CurrentStepIndex int       `json:"currentStepIndex"`
	Status           Status    `json:"status"`
	Progress         int       `json:"progress"`
	FailureReason    string    `json:"failureReason,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// StepResult describes one Advance call that executed a step.
type StepResult struct {
	WorkflowID     string          `json:"workflowId"`
	StepIndex      int             `json:"stepIndex"`
	Agent          agent.Kind      `json:"agent"`
	Succeeded      bool            `json:"succeeded"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
	Attempts       int             `json:"attempts"`
	DurationMs     float64         `json:"durationMs"`
	WorkflowStatus Status          `json:"workflowStatus"`

	// Err is the executor error behind a failed step.
	Err error `json:"-"`
}

// Executor performs the actual work of a step. The context carries the step
// timeout as its deadline.
type Executor interface {
	Execute(ctx context.Context, agent agent.Kind, payload json.RawMessage) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, agent agent.Kind, payload json.RawMessage) (json.RawMessage, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, a agent.Kind, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, a, payload)
}

// AgentRegistry is the slice of the agent registry the engine needs.
type AgentRegistry interface {
	IsRegistered(kind agent.Kind) bool
	RecordTaskResult(kind agent.Kind, succeeded bool, durationMs float64) error
}

// Journal persists workflow transitions. Memory stays authoritative.
type Journal interface {
	SaveWorkflow(ctx context.Context, v View) error
}

// Observer receives engine measurements.
type Observer interface {
	StepFinished(agent agent.Kind, succeeded bool, d time.Duration)
	StepRetried(agent agent.Kind)
	WorkflowFinished(status Status)
}

// Counts summarises the workflow store.
type Counts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// ABOUTME: Workflow journal: one row per workflow, upserted on every transition
// ABOUTME: Lets operators inspect workflow history after the in-memory engine restarts

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/counsel-coordinator/internal/workflow"
)

// WorkflowRun is the persisted form of a workflow.
type WorkflowRun struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Status        workflow.Status `json:"status"`
	CurrentStep   int             `json:"currentStepIndex"`
	TotalSteps    int             `json:"totalSteps"`
	Steps         []workflow.Step `json:"steps"`
	FailureReason string          `json:"failureReason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// WorkflowRunFilter narrows ListWorkflowRuns.
type WorkflowRunFilter struct {
	Status *workflow.Status
	Limit  int // default 100, max 1000
}

// SaveWorkflow inserts or replaces the journal row for a workflow.
func (s *SQLiteStore) SaveWorkflow(ctx context.Context, v workflow.View) error {
	stepsJSON, err := json.Marshal(v.Steps)
	if err != nil {
		return fmt.Errorf("marshaling steps: %w", err)
	}

	var reason *string
	if v.FailureReason != "" {
		reason = &v.FailureReason
	}

	query := `
		INSERT INTO workflow_runs (workflow_id, name, status, current_step, total_steps, steps_json, failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET
			status = excluded.status,
			current_step = excluded.current_step,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		v.ID,
		v.Name,
		v.Status,
		v.CurrentStepIndex,
		len(v.Steps),
		string(stepsJSON),
		reason,
		v.CreatedAt.UTC().Format(timeFormat),
		v.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("saving workflow run: %w", err)
	}

	s.logger.Debug("journaled workflow", "id", v.ID, "status", v.Status, "step", v.CurrentStepIndex)
	return nil
}

const workflowRunColumns = `workflow_id, name, status, current_step, total_steps, steps_json, failure_reason, created_at, updated_at`

func scanWorkflowRun(scanner interface{ Scan(dest ...any) error }) (WorkflowRun, error) {
	var r WorkflowRun
	var status, stepsJSON, createdAt, updatedAt string
	var reason sql.NullString

	if err := scanner.Scan(
		&r.ID,
		&r.Name,
		&status,
		&r.CurrentStep,
		&r.TotalSteps,
		&stepsJSON,
		&reason,
		&createdAt,
		&updatedAt,
	); err != nil {
		return r, err
	}

	r.Status = workflow.Status(status)
	r.FailureReason = reason.String
	if err := json.Unmarshal([]byte(stepsJSON), &r.Steps); err != nil {
		return r, fmt.Errorf("unmarshaling steps: %w", err)
	}

	var err error
	if r.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return r, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return r, fmt.Errorf("parsing updated_at: %w", err)
	}
	return r, nil
}

// GetWorkflowRun retrieves one journaled workflow.
// Returns ErrNotFound if the workflow was never journaled.
func (s *SQLiteStore) GetWorkflowRun(ctx context.Context, id string) (*WorkflowRun, error) {
	query := `SELECT ` + workflowRunColumns + ` FROM workflow_runs WHERE workflow_id = ?`

	r, err := scanWorkflowRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying workflow run: %w", err)
	}
	return &r, nil
}

// ListWorkflowRuns returns journaled workflows, newest first.
func (s *SQLiteStore) ListWorkflowRuns(ctx context.Context, f WorkflowRunFilter) ([]WorkflowRun, error) {
	var status *string
	if f.Status != nil {
		st := string(*f.Status)
		status = &st
	}

	query := `SELECT ` + workflowRunColumns + `
		FROM workflow_runs
		WHERE (? IS NULL OR status = ?)
		ORDER BY created_at DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, status, status, normalizeLimit(f.Limit))
	if err != nil {
		return nil, fmt.Errorf("querying workflow runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	runs := []WorkflowRun{}
	for rows.Next() {
		r, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workflow run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating workflow runs: %w", err)
	}
	return runs, nil
}

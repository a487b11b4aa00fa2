// ABOUTME: Store interfaces and shared errors for the coordinator's SQLite persistence
// ABOUTME: Covers the audit log, principal roles and the workflow journal

package store

import (
	"context"
	"errors"

	"github.com/2389/counsel-coordinator/internal/workflow"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// AuditStore records and lists administrative actions.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// RoleStore manages role grants for principals.
type RoleStore interface {
	AddRole(ctx context.Context, subjectType RoleSubjectType, subjectID string, role RoleName) error
	RemoveRole(ctx context.Context, subjectType RoleSubjectType, subjectID string, role RoleName) error
	HasRole(ctx context.Context, subjectType RoleSubjectType, subjectID string, role RoleName) (bool, error)
	ListRoles(ctx context.Context, subjectType RoleSubjectType, subjectID string) ([]RoleName, error)
}

// WorkflowJournal persists workflow transitions for inspection after restart.
type WorkflowJournal interface {
	SaveWorkflow(ctx context.Context, v workflow.View) error
	GetWorkflowRun(ctx context.Context, id string) (*WorkflowRun, error)
	ListWorkflowRuns(ctx context.Context, f WorkflowRunFilter) ([]WorkflowRun, error)
}

// Store is everything the coordinator persists.
type Store interface {
	AuditStore
	RoleStore
	WorkflowJournal
	Close() error
}

var _ Store = (*SQLiteStore)(nil)

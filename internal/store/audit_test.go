// ABOUTME: Tests for audit log store operations
// ABOUTME: Covers Append and List with filtering for the audit_log table

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditStore_Append(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	entry := &AuditEntry{
		ActorPrincipalID: "principal-123",
		Action:           AuditRestartAgent,
		TargetType:       "agent",
		TargetID:         "crm-sync",
		Detail:           map[string]any{"source": "channel"},
	}

	err := store.AppendAuditLog(ctx, entry)
	require.NoError(t, err)

	// Should have generated ID and timestamp
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())
}

func TestAuditStore_Append_RejectsUnknownAction(t *testing.T) {
	store := setupTestStore(t)

	err := store.AppendAuditLog(context.Background(), &AuditEntry{
		ActorPrincipalID: "principal-123",
		Action:           AuditAction("approve_principal"),
		TargetType:       "principal",
		TargetID:         "x",
	})
	assert.Error(t, err)
}

func TestAuditStore_Append_AcceptsEveryValidAction(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, action := range ValidAuditActions {
		err := store.AppendAuditLog(ctx, &AuditEntry{
			ActorPrincipalID: "ops-1",
			Action:           action,
			TargetType:       "principal",
			TargetID:         "paralegal-7",
		})
		require.NoError(t, err, "action %s", action)
	}

	entries, err := store.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, len(ValidAuditActions))
}

func TestAuditStore_List_NoFilter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	for i, action := range []AuditAction{AuditRestartAgent, AuditRestartAll, AuditPermissionDenied} {
		entry := &AuditEntry{
			ActorPrincipalID: "principal-123",
			Action:           action,
			TargetType:       "agent",
			TargetID:         generateTestID("target", i),
			Timestamp:        base.Add(time.Duration(i) * time.Millisecond),
		}
		require.NoError(t, store.AppendAuditLog(ctx, entry))
	}

	entries, err := store.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// Newest first, even within the same second
	assert.Equal(t, AuditPermissionDenied, entries[0].Action)
	assert.Equal(t, AuditRestartAgent, entries[2].Action)
	assert.True(t, entries[0].Timestamp.Equal(base.Add(2*time.Millisecond)))
}

func TestAuditStore_List_Filters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	seed := []AuditEntry{
		{ActorPrincipalID: "alice", Action: AuditRestartAgent, TargetType: "agent", TargetID: "payments", Timestamp: base},
		{ActorPrincipalID: "bob", Action: AuditPermissionDenied, TargetType: "command", TargetID: "restart-all", Timestamp: base.Add(time.Hour)},
		{ActorPrincipalID: "alice", Action: AuditCancelWorkflow, TargetType: "workflow", TargetID: "wf-1", Timestamp: base.Add(2 * time.Hour)},
	}
	for i := range seed {
		require.NoError(t, store.AppendAuditLog(ctx, &seed[i]))
	}

	actor := "alice"
	entries, err := store.ListAuditLog(ctx, AuditFilter{ActorPrincipalID: &actor})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	denied := AuditPermissionDenied
	entries, err = store.ListAuditLog(ctx, AuditFilter{Action: &denied})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bob", entries[0].ActorPrincipalID)

	since := base.Add(30 * time.Minute)
	until := base.Add(90 * time.Minute)
	entries, err = store.ListAuditLog(ctx, AuditFilter{Since: &since, Until: &until})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "restart-all", entries[0].TargetID)

	targetType := "workflow"
	entries, err = store.ListAuditLog(ctx, AuditFilter{TargetType: &targetType})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "wf-1", entries[0].TargetID)

	entries, err = store.ListAuditLog(ctx, AuditFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAuditStore_List_Empty(t *testing.T) {
	store := setupTestStore(t)

	entries, err := store.ListAuditLog(context.Background(), AuditFilter{})
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestAuditStore_DetailRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendAuditLog(ctx, &AuditEntry{
		ActorPrincipalID: "viewer-9",
		Action:           AuditPermissionDenied,
		TargetType:       "command",
		TargetID:         "restart-agent",
		Detail:           map[string]any{"agent": "payments", "connection_id": "c-1"},
	}))

	entries, err := store.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "payments", entries[0].Detail["agent"])
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeLimit(0))
	assert.Equal(t, 100, normalizeLimit(-5))
	assert.Equal(t, 50, normalizeLimit(50))
	assert.Equal(t, 1000, normalizeLimit(5000))
}

// Package store persists the coordinator's durable records in SQLite.
//
// # Tables
//
//   - roles: role grants per principal, merged with token roles by auth
//   - audit_log: restarts, cancellations, denied admin commands, issued tokens
//   - workflow_runs: one row per workflow, upserted on every transition
//
// The in-memory workflow engine stays authoritative; workflow_runs is a
// journal for operators and is never read back into the engine.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("./data/counsel.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
// SQLiteStore implements Store, which composes AuditStore, RoleStore and
// WorkflowJournal. The database runs in WAL mode and the schema is created
// on open; column additions go through runMigrations.
package store

// Package coordinator is the public entry point for agent and workflow
// operations.
//
// A Coordinator wraps an agent.Registry and a workflow.Engine and adds the
// cross-cutting behavior callers expect from one place:
//
//   - restarts are audited with the acting principal taken from the context
//   - restart-all fans out over a bounded errgroup and reports partial failure
//   - RunWorkflow drives a workflow to completion on a bounded worker pool
//   - every mutation pings the state-changed topic so health republishes
//   - restarts and terminal workflows are published to agent-updates
//
// The composition root builds one Coordinator with New and passes it down.
// Initialize and Instance exist for hosts that need a process-wide accessor;
// construction still happens exactly once.
package coordinator

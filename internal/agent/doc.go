// Package agent tracks the coordinator's agents and their performance counters.
//
// # Overview
//
// An agent is a named handler for one kind of task step (drafting content,
// syncing a lead to the CRM, answering a call). The set of kinds is closed:
// names are parsed once with ParseKind and the Registry is keyed by Kind.
//
// # Registry
//
//	reg := agent.NewRegistry(logger, nil)
//	reg.Register(agent.KindLeadIntake)
//
// Key operations:
//
//   - Register(kind): add an agent with zero counters (idempotent)
//   - RecordTaskResult(kind, ok, ms): count one finished task
//   - Metrics(kind): tasks executed, success rate, average duration
//   - Restart(kind): zero the counters and fire the restart hook
//   - List(): name-sorted copies of every agent
//
// # Averaging
//
// Success rate and average execution time are cumulative since the last
// restart: successes/tasks and totalMs/tasks. Both read as 0 before the
// first task.
//
// # Thread Safety
//
// The registry map is guarded by an RWMutex and each agent has its own
// mutex, so concurrent results for one agent are never lost and results for
// different agents do not block each other.
package agent

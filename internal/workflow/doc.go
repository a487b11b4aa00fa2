// Package workflow runs multi-step workflows against agents.
//
// A workflow is an ordered list of steps, each bound to one agent kind.
// Advance is the only way a workflow moves: it executes the step at the
// current index and either moves the index forward or marks the workflow
// failed with the index frozen at the failing step.
//
//	pending -> running -> completed
//	               \----> failed
//
// Only one Advance (or Cancel) runs per workflow at a time; a second caller
// gets ErrAlreadyAdvancing instead of queueing. Different workflows advance
// independently.
//
// Step execution is bounded by the engine's step timeout. Timeouts are
// retried according to the step's RetryPolicy, falling back to the engine
// default; any other executor error fails the workflow immediately.
package workflow

// Package executor provides the workflow.Executor implementations the
// coordinator ships with.
//
//   - HTTPExecutor posts {agent, payload} to a per-agent endpoint
//   - Router picks an executor per agent kind
//   - Throttled applies a per-kind token bucket before calling through
//   - Echo returns the payload, for running without any agent endpoints
//
// Executors never enforce their own timeout: the workflow engine passes the
// step deadline on the context.
package executor

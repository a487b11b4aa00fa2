// Package health builds the coordinator's health report and streams it.
//
// # Classification
//
// Three thresholds are checked on every report:
//
//   - any channel circuit breaker open
//   - heap usage at or above Thresholds.MemoryPercent (default 90)
//   - task error rate at or above Thresholds.ErrorRate
//
// No breach is healthy, one is degraded, two or more is unhealthy. A report
// that cannot be built at all is unhealthy. Status is recomputed from
// scratch each time, so it can flap when a signal hovers at a threshold.
//
// # Publishing
//
// Publish is used by both the HTTP health endpoint and the streaming loop,
// so the two always agree. Run publishes on a ticker and after every
// state-changed event, pushing each report to the metrics topic.
package health

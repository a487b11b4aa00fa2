// ABOUTME: Health report shape and the threshold rules that classify it
// ABOUTME: Breaches are counted fresh on every report; there is no hysteresis

package health

import (
	"errors"
	"net/http"
)

// ErrInternal indicates the publisher could not build a report.
var ErrInternal = errors.New("health report unavailable")

// Status is the overall classification of a report.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// MemoryUsage is the Go heap in megabytes.
type MemoryUsage struct {
	HeapUsedMB   float64 `json:"heapUsedMB"`
	HeapTotalMB  float64 `json:"heapTotalMB"`
	UsagePercent float64 `json:"usagePercent"`
}

// AgentSummary counts agents by status.
type AgentSummary struct {
	Total   int `json:"total"`
	Running int `json:"running"`
	Stopped int `json:"stopped"`
}

// WorkflowSummary counts workflows by status.
type WorkflowSummary struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Report is a point-in-time health snapshot. Reports are never modified
// after they are built.
type Report struct {
	Status          Status          `json:"status"`
	UptimeSeconds   int64           `json:"uptimeSeconds"`
	MemoryUsage     MemoryUsage     `json:"memoryUsage"`
	AgentSummary    AgentSummary    `json:"agentSummary"`
	WorkflowSummary WorkflowSummary `json:"workflowSummary"`
}

// Thresholds are the limits whose breach degrades health.
type Thresholds struct {
	// MemoryPercent is breached when heap usage is at or above it.
	MemoryPercent float64
	// ErrorRate is breached when failed/executed tasks is at or above it.
	ErrorRate float64
}

// DefaultThresholds returns 90% memory and a 50% task error rate.
func DefaultThresholds() Thresholds {
	return Thresholds{MemoryPercent: 90, ErrorRate: 0.5}
}

// withDefaults fills each unset limit from DefaultThresholds.
func (t Thresholds) withDefaults() Thresholds {
	def := DefaultThresholds()
	if t.MemoryPercent <= 0 {
		t.MemoryPercent = def.MemoryPercent
	}
	if t.ErrorRate <= 0 {
		t.ErrorRate = def.ErrorRate
	}
	return t
}

// Signals are the raw inputs to classification.
type Signals struct {
	OpenBreakers  int
	MemoryPercent float64
	ErrorRate     float64
}

// Breaches returns the names of the thresholds the signals breach, in a
// fixed order.
func (t Thresholds) Breaches(s Signals) []string {
	var out []string
	if s.OpenBreakers > 0 {
		out = append(out, "open_breakers")
	}
	if s.MemoryPercent >= t.MemoryPercent {
		out = append(out, "memory")
	}
	if s.ErrorRate >= t.ErrorRate {
		out = append(out, "error_rate")
	}
	return out
}

// Classify maps a breach count to a status: none is healthy, one is
// degraded, more is unhealthy.
func Classify(breaches int) Status {
	switch {
	case breaches == 0:
		return StatusHealthy
	case breaches == 1:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// HTTPStatus is the status code a synchronous health query answers with.
func HTTPStatus(r *Report) int {
	if r == nil || r.Status == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

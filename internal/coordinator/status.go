// ABOUTME: Process-wide status snapshot: uptime, Go heap, host load and goroutines
// ABOUTME: Reading it has no side effects; load averages read as zero where unsupported

package coordinator

import (
	"context"
	"runtime"
	"time"
)

// MemoryStatus is the Go runtime's memory view in megabytes.
type MemoryStatus struct {
	HeapAllocMB float64 `json:"heapAllocMB"`
	HeapSysMB   float64 `json:"heapSysMB"`
	SysMB       float64 `json:"sysMB"`
	NumGC       uint32  `json:"numGC"`
}

// LoadStatus holds the host's 1, 5 and 15 minute load averages.
type LoadStatus struct {
	Load1  float64 `json:"load1"`
	Load5  float64 `json:"load5"`
	Load15 float64 `json:"load15"`
}

// SystemStatus describes the running process.
type SystemStatus struct {
	StartedAt       time.Time    `json:"startedAt"`
	UptimeSeconds   int64        `json:"uptimeSeconds"`
	Goroutines      int          `json:"goroutines"`
	Memory          MemoryStatus `json:"memory"`
	Load            LoadStatus   `json:"load"`
	Agents          int          `json:"agents"`
	ActiveWorkflows int          `json:"activeWorkflows"`
}

const bytesPerMB = 1 << 20

// GetSystemStatus reads the current process status.
func (c *Coordinator) GetSystemStatus(ctx context.Context) SystemStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	total, _, _ := c.agents.Counts()
	status := SystemStatus{
		StartedAt:     c.startedAt.UTC(),
		UptimeSeconds: int64(c.clock.Now().Sub(c.startedAt) / time.Second),
		Goroutines:    runtime.NumGoroutine(),
		Memory: MemoryStatus{
			HeapAllocMB: float64(m.HeapAlloc) / bytesPerMB,
			HeapSysMB:   float64(m.HeapSys) / bytesPerMB,
			SysMB:       float64(m.Sys) / bytesPerMB,
			NumGC:       m.NumGC,
		},
		Agents:          total,
		ActiveWorkflows: len(c.engine.ListActive()),
	}

	avg, err := c.load(ctx)
	if err != nil {
		c.logger.Debug("load averages unavailable", "error", err)
		return status
	}
	if avg != nil {
		status.Load = LoadStatus{Load1: avg.Load1, Load5: avg.Load5, Load15: avg.Load15}
	}
	return status
}

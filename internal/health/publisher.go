// ABOUTME: Health publisher: builds reports on demand and on a ticker, pushing them to the metrics topic
// ABOUTME: The latest report is held in an atomic pointer so readers never see a torn snapshot

package health

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/2389/counsel-coordinator/internal/clock"
	"github.com/2389/counsel-coordinator/internal/events"
	"github.com/2389/counsel-coordinator/internal/workflow"
)

// DefaultInterval is the publish period when Options.Interval is zero.
const DefaultInterval = 5 * time.Second

// Source is the coordinator state a report summarises.
type Source interface {
	AgentCounts() (total, running, stopped int)
	TaskTotals() (tasks, failures uint64)
	WorkflowCounts() workflow.Counts
}

// MemoryStats is the heap reading a report is built from, in bytes.
type MemoryStats struct {
	HeapUsed  uint64
	HeapTotal uint64
}

// MemoryReader reads heap usage.
type MemoryReader func() (MemoryStats, error)

// RuntimeMemory reads the Go runtime's heap statistics.
func RuntimeMemory() (MemoryStats, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemoryStats{HeapUsed: m.HeapAlloc, HeapTotal: m.HeapSys}, nil
}

// Bus is the broadcast capability the publisher pushes to and listens on.
type Bus interface {
	Publish(topic string, event *events.Event, excludeSubID string)
	Subscribe(ctx context.Context, topic string) (<-chan *events.Event, string)
}

// Observer is told the status of every report built.
type Observer interface {
	ReportPublished(status string)
}

// Options configures a Publisher.
type Options struct {
	Source       Source
	OpenBreakers func() int
	Memory       MemoryReader
	Thresholds   Thresholds
	Bus          Bus
	Interval     time.Duration
	StartedAt    time.Time
	Clock        clock.Clock
	Observer     Observer
	Logger       *slog.Logger
}

// Publisher produces health reports.
type Publisher struct {
	source       Source
	openBreakers func() int
	memory       MemoryReader
	thresholds   Thresholds
	bus          Bus
	interval     time.Duration
	startedAt    time.Time
	clock        clock.Clock
	observer     Observer
	logger       *slog.Logger

	latest     atomic.Pointer[Report]
	lastStatus atomic.Value // Status
}

// NewPublisher creates a Publisher. Source is required.
func NewPublisher(opts Options) *Publisher {
	clk := clock.OrSystem(opts.Clock)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	memory := opts.Memory
	if memory == nil {
		memory = RuntimeMemory
	}
	openBreakers := opts.OpenBreakers
	if openBreakers == nil {
		openBreakers = func() int { return 0 }
	}
	thresholds := opts.Thresholds.withDefaults()
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	startedAt := opts.StartedAt
	if startedAt.IsZero() {
		startedAt = clk.Now()
	}
	return &Publisher{
		source:       opts.Source,
		openBreakers: openBreakers,
		memory:       memory,
		thresholds:   thresholds,
		bus:          opts.Bus,
		interval:     interval,
		startedAt:    startedAt,
		clock:        clk,
		observer:     opts.Observer,
		logger:       logger.With("component", "health"),
	}
}

// Publish builds a report from current state and stores it as the latest.
// It is the single code path for both synchronous queries and the ticker.
// When the report cannot be built, an unhealthy report with zeroed sections
// is returned together with an error wrapping ErrInternal.
func (p *Publisher) Publish() (*Report, error) {
	report, err := p.build()
	if err != nil {
		p.logger.Error("building health report", "error", err)
		report = &Report{Status: StatusUnhealthy, UptimeSeconds: p.uptime()}
		err = fmt.Errorf("%w: %v", ErrInternal, err)
	}

	p.latest.Store(report)
	if prev, _ := p.lastStatus.Swap(report.Status).(Status); prev != report.Status && prev != "" {
		p.logger.Info("health status changed", "from", prev, "to", report.Status)
	}
	if p.observer != nil {
		p.observer.ReportPublished(string(report.Status))
	}
	return report, err
}

// Latest returns the most recent report, or nil before the first Publish.
// The returned value is a copy.
func (p *Publisher) Latest() *Report {
	r := p.latest.Load()
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

func (p *Publisher) uptime() int64 {
	return int64(p.clock.Now().Sub(p.startedAt) / time.Second)
}

func (p *Publisher) build() (r *Report, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r, err = nil, fmt.Errorf("panic while building report: %v", rec)
		}
	}()

	if p.source == nil {
		return nil, fmt.Errorf("no state source configured")
	}

	mem, err := p.memory()
	if err != nil {
		return nil, fmt.Errorf("reading memory: %w", err)
	}

	total, running, stopped := p.source.AgentCounts()
	tasks, failures := p.source.TaskTotals()
	wc := p.source.WorkflowCounts()

	usage := MemoryUsage{
		HeapUsedMB:  round2(float64(mem.HeapUsed) / (1 << 20)),
		HeapTotalMB: round2(float64(mem.HeapTotal) / (1 << 20)),
	}
	if mem.HeapTotal > 0 {
		usage.UsagePercent = round2(float64(mem.HeapUsed) / float64(mem.HeapTotal) * 100)
	}

	var errorRate float64
	if tasks > 0 {
		errorRate = float64(failures) / float64(tasks)
	}

	breaches := p.thresholds.Breaches(Signals{
		OpenBreakers:  p.openBreakers(),
		MemoryPercent: usage.UsagePercent,
		ErrorRate:     errorRate,
	})

	return &Report{
		Status:        Classify(len(breaches)),
		UptimeSeconds: p.uptime(),
		MemoryUsage:   usage,
		AgentSummary:  AgentSummary{Total: total, Running: running, Stopped: stopped},
		WorkflowSummary: WorkflowSummary{
			Total:     wc.Total,
			Active:    wc.Active,
			Completed: wc.Completed,
			Failed:    wc.Failed,
		},
	}, nil
}

// Run publishes on every tick and whenever a state-changed event arrives,
// pushing each report to the metrics topic. It returns when ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	if p.bus == nil {
		p.logger.Warn("health publisher has no bus, not streaming")
		<-ctx.Done()
		return
	}

	changes, _ := p.bus.Subscribe(ctx, events.TopicStateChanged)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("health publisher started", "interval", p.interval)
	p.broadcast()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("health publisher stopped")
			return
		case <-ticker.C:
			p.broadcast()
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			drain(changes)
			p.broadcast()
		}
	}
}

func (p *Publisher) broadcast() {
	report, _ := p.Publish()
	p.bus.Publish(events.TopicMetrics, events.New(events.TypeMetrics, report, p.clock.Now()), "")
}

// drain discards queued notifications so a burst of mutations costs one report.
func drain(ch <-chan *events.Event) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

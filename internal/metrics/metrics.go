// ABOUTME: Prometheus collectors for workflow steps, channel connections and health status
// ABOUTME: Metrics implements the observer hooks of the workflow engine, channel server and publisher

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/2389/counsel-coordinator/internal/agent"
	"github.com/2389/counsel-coordinator/internal/workflow"
)

const namespace = "counsel"

// healthStatuses are the label values of the health_status gauge.
var healthStatuses = []string{"healthy", "degraded", "unhealthy"}

// Metrics exposes Prometheus collectors that report coordinator activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	stepDuration      *prometheus.HistogramVec
	stepRetries       *prometheus.CounterVec
	workflowsFinished *prometheus.CounterVec
	agentRestarts     *prometheus.CounterVec

	connections      prometheus.Gauge
	breakerTrans     *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	commandsHandled  *prometheus.CounterVec
	healthStatus     *prometheus.GaugeVec
	reportsPublished prometheus.Counter
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors, ready for New and promhttp.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New constructs and registers the collectors. Registration errors panic,
// mirroring promauto, so configuration bugs surface at startup.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "workflow",
				Name:      "step_duration_seconds",
				Help:      "Duration of each step execution attempt.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"agent", "status"},
		),
		stepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workflow",
				Name:      "step_retries_total",
				Help:      "Number of step attempts retried after an executor timeout.",
			},
			[]string{"agent"},
		),
		workflowsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workflow",
				Name:      "finished_total",
				Help:      "Workflows that reached a terminal status.",
			},
			[]string{"status"},
		),
		agentRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "restarts_total",
				Help:      "Agent restarts, by agent.",
			},
			[]string{"agent"},
		),
		connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "connections",
				Help:      "Currently open channel connections.",
			},
		),
		breakerTrans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "breaker_transitions_total",
				Help:      "Per-connection circuit breaker state changes.",
			},
			[]string{"from", "to"},
		),
		messagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "messages_dropped_total",
				Help:      "Messages not delivered to a connection.",
			},
			[]string{"reason"},
		),
		commandsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "commands_total",
				Help:      "Admin commands received over the channel, by outcome.",
			},
			[]string{"command", "outcome"},
		),
		healthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "status",
				Help:      "1 for the current health status, 0 for the others.",
			},
			[]string{"status"},
		),
		reportsPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "reports_published_total",
				Help:      "Health reports built by the publisher.",
			},
		),
	}

	reg.MustRegister(
		m.stepDuration,
		m.stepRetries,
		m.workflowsFinished,
		m.agentRestarts,
		m.connections,
		m.breakerTrans,
		m.messagesDropped,
		m.commandsHandled,
		m.healthStatus,
		m.reportsPublished,
	)
	return m
}

// StepFinished records one step attempt.
func (m *Metrics) StepFinished(kind agent.Kind, succeeded bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !succeeded {
		status = "failure"
	}
	m.stepDuration.WithLabelValues(string(kind), status).Observe(d.Seconds())
}

// StepRetried counts a retry after an executor timeout.
func (m *Metrics) StepRetried(kind agent.Kind) {
	if m == nil {
		return
	}
	m.stepRetries.WithLabelValues(string(kind)).Inc()
}

// WorkflowFinished counts a workflow reaching a terminal status.
func (m *Metrics) WorkflowFinished(status workflow.Status) {
	if m == nil {
		return
	}
	m.workflowsFinished.WithLabelValues(string(status)).Inc()
}

// AgentRestarted counts an agent restart.
func (m *Metrics) AgentRestarted(kind agent.Kind) {
	if m == nil {
		return
	}
	m.agentRestarts.WithLabelValues(string(kind)).Inc()
}

// ConnectionOpened increments the open connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// BreakerTransition counts a circuit breaker state change.
func (m *Metrics) BreakerTransition(from, to string) {
	if m == nil {
		return
	}
	m.breakerTrans.WithLabelValues(from, to).Inc()
}

// MessageDropped counts an undelivered message.
func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

// CommandHandled counts an admin command by outcome.
func (m *Metrics) CommandHandled(command, outcome string) {
	if m == nil {
		return
	}
	m.commandsHandled.WithLabelValues(command, outcome).Inc()
}

// ReportPublished records the status of the latest health report.
func (m *Metrics) ReportPublished(status string) {
	if m == nil {
		return
	}
	m.reportsPublished.Inc()
	for _, s := range healthStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.healthStatus.WithLabelValues(s).Set(v)
	}
}

var _ workflow.Observer = (*Metrics)(nil)

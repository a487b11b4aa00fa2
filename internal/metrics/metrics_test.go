// ABOUTME: Tests for the Prometheus collectors
// ABOUTME: Uses a private registry per test and reads values back with testutil

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/counsel-coordinator/internal/agent"
	"github.com/2389/counsel-coordinator/internal/workflow"
)

func TestMetrics_WorkflowObserver(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.StepFinished(agent.KindCRMSync, true, 120*time.Millisecond)
	m.StepFinished(agent.KindCRMSync, false, time.Second)
	m.StepRetried(agent.KindCRMSync)
	m.WorkflowFinished(workflow.StatusCompleted)
	m.WorkflowFinished(workflow.StatusFailed)
	m.WorkflowFinished(workflow.StatusFailed)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepRetries.WithLabelValues("crm-sync")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.workflowsFinished.WithLabelValues("failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.stepDuration))
}

func TestMetrics_ChannelCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.BreakerTransition("closed", "open")
	m.MessageDropped("breaker_open")
	m.CommandHandled("restart-all", "denied")
	m.AgentRestarted(agent.KindPayments)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerTrans.WithLabelValues("closed", "open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesDropped.WithLabelValues("breaker_open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commandsHandled.WithLabelValues("restart-all", "denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.agentRestarts.WithLabelValues("payments")))
}

func TestMetrics_HealthStatusIsOneHot(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ReportPublished("healthy")
	m.ReportPublished("degraded")

	assert.Equal(t, 0.0, testutil.ToFloat64(m.healthStatus.WithLabelValues("healthy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.healthStatus.WithLabelValues("degraded")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.healthStatus.WithLabelValues("unhealthy")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reportsPublished))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.StepFinished(agent.KindLeadIntake, true, time.Millisecond)
	m.ReportPublished("healthy")
	m.ConnectionOpened()
}

func TestNewRegistry_Gathers(t *testing.T) {
	reg := NewRegistry()
	New(reg)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

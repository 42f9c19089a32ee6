package stats

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()

	m.SessionStarted()
	m.SessionStarted()
	m.SessionFinished("completed")
	m.Transition("walking")
	m.Transition("walking")
	m.Screenshot()
	m.Events(7, 2)
	m.PersistError()
	m.ReportError()
	m.ObserveRequest("GET", "/api/health", "200", 5*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.StateTransitions.WithLabelValues("walking")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ScreenshotsTotal))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.EventsTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.EventsDroppedTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PersistErrorsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReportErrorsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/health", "200")))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
	for _, f := range families {
		assert.Contains(t, f.GetName(), "pagewalker_")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionStarted()
		m.SessionFinished("failed")
		m.Transition("done")
		m.Screenshot()
		m.Events(1, 1)
		m.PersistError()
		m.ReportError()
		m.ObserveRequest("POST", "/api/analyze", "202", time.Second)
	})
}

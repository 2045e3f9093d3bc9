package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := New()
	m.RecordTransition("advance", "ok")
	m.RecordTransition("advance", "ok")
	m.RecordTransition("advance", "IllegalTransition")
	m.RecordGateDecision("approve", "ok")
	m.RecordNotification("webhook", "error")
	m.RecordConflict()
	m.ObserveRequest("advance-stage", "200", 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("advance", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("advance", "IllegalTransition")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateDecisionsTotal.WithLabelValues("approve", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("webhook", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConflictsTotal))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordTransition("advance", "ok")
	m.RecordGateDecision("approve", "ok")
	m.RecordNotification("slack", "ok")
	m.RecordConflict()
	m.ObserveRequest("x", "200", time.Second)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.RecordTransition("override", "ok")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `stageline_stage_transitions_total{kind="override",result="ok"} 1`))
}

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRun(t *testing.T) {
	m := NewMetrics("roas", prometheus.NewRegistry())

	m.RecordRun("success", 2*time.Second, time.Unix(1700000000, 0))
	m.RecordRun("success", time.Second, time.Unix(1700000100, 0))
	m.RecordRun("partial", time.Second, time.Unix(1700000200, 0))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Runs.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("partial")))
	assert.Equal(t, 1700000100.0, testutil.ToFloat64(m.LastRunTimestamp.WithLabelValues("success")))
}

func TestRowErrorsAndConflicts(t *testing.T) {
	m := NewMetrics("roas", prometheus.NewRegistry())

	m.RecordRowErrors("rate_lookup_error", 3)
	m.RecordRowErrors("rate_lookup_error", 0)
	m.RecordIdentityConflicts(2)
	m.RecordRateAssignment("fallback-1")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.RowErrors.WithLabelValues("rate_lookup_error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.IdentityConflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateConfidence.WithLabelValues("fallback-1")))
}

func TestUpdateLifecycleStatusReplacesGauges(t *testing.T) {
	m := NewMetrics("roas", prometheus.NewRegistry())

	m.UpdateLifecycleStatus(map[string]int{"pre_conversion": 4, "refunded": 1})
	m.UpdateLifecycleStatus(map[string]int{"final_value": 2})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.LifecycleStatus.WithLabelValues("final_value")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.LifecycleStatus))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRun("failed", time.Second, time.Now())
		m.RecordStage("resolve", 10, time.Second)
		m.RecordRowErrors("identity_error", 1)
		m.RecordIdentityConflicts(1)
		m.RecordRateAssignment("exact")
		m.UpdateLifecycleStatus(map[string]int{"refunded": 1})
		m.UpdateDBStats(1, 2, 3)
	})
}

func TestHandlerServesRegistry(t *testing.T) {
	m := NewMetrics("roas", prometheus.NewRegistry())
	m.RecordStage("build", 5, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `roas_stage_rows_total{stage="build"} 5`)
}

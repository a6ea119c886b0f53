package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Run metrics
	Runs             *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	LastRunTimestamp *prometheus.GaugeVec

	// Stage metrics
	StageRows     *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	RowErrors     *prometheus.CounterVec

	// Identity metrics
	IdentityConflicts prometheus.Counter

	// Valuation metrics
	RateConfidence  *prometheus.CounterVec
	LifecycleStatus *prometheus.GaugeVec

	// System metrics
	DBConnections *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates and registers all Prometheus metrics on reg. A nil reg
// uses the default registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)

	return &Metrics{
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_total",
				Help:      "Pipeline runs by final status",
			},
			[]string{"status"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_run_duration_seconds",
				Help:      "Pipeline run duration in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
			},
			[]string{"status"},
		),
		LastRunTimestamp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pipeline_last_run_timestamp_seconds",
				Help:      "Unix time the last run finished, by status",
			},
			[]string{"status"},
		),

		StageRows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_rows_total",
				Help:      "Rows processed per pipeline stage",
			},
			[]string{"stage"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		RowErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "row_errors_total",
				Help:      "Per-row errors by kind",
			},
			[]string{"kind"},
		),

		IdentityConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "identity_conflicts_total",
				Help:      "Events whose identifiers belonged to more than one user",
			},
		),

		RateConfidence: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_assignments_total",
				Help:      "Cohort rate assignments by confidence",
			},
			[]string{"confidence"},
		),
		LifecycleStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "lifecycles",
				Help:      "Lifecycles by value status after the last valuation",
			},
			[]string{"status"},
		),

		DBConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "Database connection pool usage",
			},
			[]string{"state"},
		),

		gatherer: gatherer,
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(status string, duration time.Duration, finishedAt time.Time) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.LastRunTimestamp.WithLabelValues(status).Set(float64(finishedAt.Unix()))
}

// RecordStage records rows processed by a stage.
func (m *Metrics) RecordStage(stage string, rows int, duration time.Duration) {
	if m == nil {
		return
	}
	m.StageRows.WithLabelValues(stage).Add(float64(rows))
	m.StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordRowErrors records per-row errors of one kind.
func (m *Metrics) RecordRowErrors(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RowErrors.WithLabelValues(kind).Add(float64(n))
}

// RecordIdentityConflicts records identity conflicts.
func (m *Metrics) RecordIdentityConflicts(n int) {
	if m == nil || n == 0 {
		return
	}
	m.IdentityConflicts.Add(float64(n))
}

// RecordRateAssignment records a cohort rate assignment.
func (m *Metrics) RecordRateAssignment(confidence string) {
	if m == nil {
		return
	}
	m.RateConfidence.WithLabelValues(confidence).Inc()
}

// UpdateLifecycleStatus replaces the lifecycle status gauges.
func (m *Metrics) UpdateLifecycleStatus(counts map[string]int) {
	if m == nil {
		return
	}
	m.LifecycleStatus.Reset()
	for status, n := range counts {
		m.LifecycleStatus.WithLabelValues(status).Set(float64(n))
	}
}

// UpdateDBStats updates database connection metrics.
func (m *Metrics) UpdateDBStats(idle, inUse, total int) {
	if m == nil {
		return
	}
	m.DBConnections.WithLabelValues("idle").Set(float64(idle))
	m.DBConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.DBConnections.WithLabelValues("total").Set(float64(total))
}

package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/radiusdt/vector-roas/internal/apperrors"
	"github.com/radiusdt/vector-roas/internal/config"
	"github.com/radiusdt/vector-roas/internal/metrics"
	"github.com/radiusdt/vector-roas/internal/models"
	"github.com/radiusdt/vector-roas/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var day0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type fakeTrigger struct {
	asOf time.Time
	run  *models.Run
	err  error
}

func (f *fakeTrigger) Run(_ context.Context, asOf time.Time) (*models.Run, error) {
	f.asOf = asOf
	return f.run, f.err
}

func lifecycle(distinctID, productID, adID string, credited time.Time, valid bool, value string) models.Lifecycle {
	at := credited
	return models.Lifecycle{
		ID:           models.LifecycleID(distinctID, productID),
		DistinctID:   distinctID,
		ProductID:    productID,
		CreditedAt:   &at,
		Path:         models.PathTrial,
		AdID:         adID,
		Valid:        valid,
		ValueStatus:  models.StatusPreConversion,
		CurrentValue: decimal.NewNullDecimal(decimal.RequireFromString(value)),
	}
}

func setupServer(t *testing.T) (http.Handler, *storage.MemoryStore, *fakeTrigger) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()

	require.NoError(t, store.SaveLifecycles(ctx, []models.Lifecycle{
		lifecycle("u1", "basic", "ad-1", day0, false, "1"),
		lifecycle("u1", "pro", "ad-1", day0.AddDate(0, 0, 1), true, "2.5"),
		lifecycle("u2", "pro", "ad-2", day0.AddDate(0, 0, 2), true, "4"),
		lifecycle("u3", "pro", "ad-3", day0.AddDate(0, 0, 9), true, "8"),
	}))
	require.NoError(t, store.UpsertHierarchy(ctx, []models.HierarchyEdge{
		{AdID: "ad-1", AdSetID: "set-1", CampaignID: "camp-1", Confidence: 1, FirstSeen: day0, LastSeen: day0},
		{AdID: "ad-2", AdSetID: "set-2", CampaignID: "camp-1", Confidence: 1, FirstSeen: day0, LastSeen: day0},
		{AdID: "ad-3", AdSetID: "set-3", CampaignID: "camp-2", Confidence: 1, FirstSeen: day0, LastSeen: day0},
	}))

	trigger := &fakeTrigger{}
	cfg := &config.Config{Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"}}
	h := NewServer(&Dependencies{
		Store:   store,
		Runner:  trigger,
		Config:  cfg,
		Logger:  zap.NewNop(),
		Metrics: metrics.NewMetrics("roas", prometheus.NewRegistry()),
	})
	return h, store, trigger
}

func do(t *testing.T, h http.Handler, method, target string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec, body
}

func TestHealth(t *testing.T) {
	h, store, _ := setupServer(t)

	rec, body := do(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	store.FailOn("Health", errors.New("connection refused"))
	rec, body = do(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	h, _, _ := setupServer(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTriggerRun(t *testing.T) {
	h, _, trigger := setupServer(t)

	t.Run("returns run record", func(t *testing.T) {
		trigger.run = &models.Run{ID: uuid.New(), AsOf: day0, Status: models.RunSuccess, Summary: models.NewSummary()}
		trigger.err = nil

		rec, body := do(t, h, http.MethodPost, "/runs?as_of=2026-03-01")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "success", body["status"])
		assert.Equal(t, day0, trigger.asOf)
	})

	t.Run("failed run is still reported", func(t *testing.T) {
		trigger.run = &models.Run{ID: uuid.New(), Status: models.RunFailed, Summary: models.Summary{Message: "upstream source unavailable"}}
		trigger.err = apperrors.ErrMissingUpstream

		rec, body := do(t, h, http.MethodPost, "/runs")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "failed", body["status"])
		assert.True(t, trigger.asOf.IsZero())
	})

	t.Run("lock held", func(t *testing.T) {
		trigger.run, trigger.err = nil, apperrors.ErrRunInProgress

		rec, _ := do(t, h, http.MethodPost, "/runs")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("bad date", func(t *testing.T) {
		rec, _ := do(t, h, http.MethodPost, "/runs?as_of=yesterday")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		rec, _ := do(t, h, http.MethodGet, "/runs")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestLatestRun(t *testing.T) {
	h, store, _ := setupServer(t)

	rec, _ := do(t, h, http.MethodGet, "/runs/latest")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	run := models.Run{ID: uuid.New(), StartedAt: day0, AsOf: day0, Status: models.RunRunning, Summary: models.NewSummary()}
	require.NoError(t, store.CreateRun(context.Background(), run))

	rec, body := do(t, h, http.MethodGet, "/runs/latest")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, run.ID.String(), body["id"])
	assert.Equal(t, "running", body["status"])
}

func TestListLifecycles(t *testing.T) {
	h, _, _ := setupServer(t)

	tests := []struct {
		name   string
		target string
		code   int
		count  int
	}{
		{"all", "/lifecycles", http.StatusOK, 4},
		{"by user", "/lifecycles?distinct_id=u1", http.StatusOK, 2},
		{"valid only", "/lifecycles?distinct_id=u1&valid_only=true", http.StatusOK, 1},
		{"by product", "/lifecycles?product_id=pro", http.StatusOK, 3},
		{"by campaign", "/lifecycles?campaign_id=camp-1", http.StatusOK, 3},
		{"unknown campaign", "/lifecycles?campaign_id=camp-9", http.StatusOK, 0},
		{"date range", "/lifecycles?from=2026-03-02&to=2026-03-03", http.StatusOK, 2},
		{"limit", "/lifecycles?limit=1", http.StatusOK, 1},
		{"bad limit", "/lifecycles?limit=-1", http.StatusBadRequest, 0},
		{"bad date", "/lifecycles?from=03/01/2026", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, h, http.MethodGet, tt.target)
			require.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusOK {
				assert.EqualValues(t, tt.count, body["count"])
				assert.Len(t, body["lifecycles"], tt.count)
			}
		})
	}
}

func TestRollups(t *testing.T) {
	h, _, _ := setupServer(t)

	rec, body := do(t, h, http.MethodGet, "/rollups?level=campaign&from=2026-03-01&to=2026-03-31")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "14.5", body["total_usd"])

	rows := body["rows"].([]interface{})
	require.Len(t, rows, 2)
	first := rows[0].(map[string]interface{})
	assert.Equal(t, "camp-1", first["campaign_id"])
	assert.Equal(t, "6.5", first["value_usd"])
	assert.EqualValues(t, 2, first["lifecycles"])

	rec, body = do(t, h, http.MethodGet, "/rollups?level=ad&to=2026-03-02")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["rows"], 1)

	rec, _ = do(t, h, http.MethodGet, "/rollups?level=region")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/vector-roas/internal/apperrors"
	"github.com/radiusdt/vector-roas/internal/cohort"
	"github.com/radiusdt/vector-roas/internal/database"
	"github.com/radiusdt/vector-roas/internal/identity"
	"github.com/radiusdt/vector-roas/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

var (
	sharedPool     *pgxpool.Pool
	sharedPoolOnce sync.Once
	sharedPoolErr  error
)

// testPostgres starts one migrated PostgreSQL container per test binary.
func testPostgres(t *testing.T) *PostgresStore {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedPoolOnce.Do(func() {
		sharedPool, sharedPoolErr = setupPostgres()
	})
	if sharedPoolErr != nil {
		t.Fatalf("Failed to setup test database: %v", sharedPoolErr)
	}

	ctx := context.Background()
	_, err := sharedPool.Exec(ctx, `
		TRUNCATE raw_events, raw_user_profiles, ad_performance, identity_aliases, user_identities,
			canonical_events, lifecycles, cohort_rates, hierarchy_edges, pipeline_runs, pipeline_checkpoints
	`)
	require.NoError(t, err)

	return NewPostgresStore(sharedPool, zap.NewNop())
}

func setupPostgres() (*pgxpool.Pool, error) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "roas",
				"POSTGRES_USER":     "roas",
				"POSTGRES_PASSWORD": "roas",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	connStr := fmt.Sprintf("postgres://roas:roas@%s:%s/roas?sslmode=disable", host, port.Port())
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	db := database.NewPostgresDBFromPool(pool, zap.NewNop())
	if err := database.RunMigrations(db.SQLDB(), "../../migrations", zap.NewNop()); err != nil {
		return nil, err
	}
	return pool, nil
}

func TestPostgresStore_MissingUpstreamTable(t *testing.T) {
	s := testPostgres(t)
	ctx := context.Background()

	_, err := s.pool.Exec(ctx, `ALTER TABLE raw_events RENAME TO raw_events_moved`)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.pool.Exec(ctx, `ALTER TABLE raw_events_moved RENAME TO raw_events`)
	})

	_, err = s.RawEventsAfter(ctx, 0, 10)
	assert.ErrorIs(t, err, apperrors.ErrMissingUpstream)
}

func TestPostgresStore_SourceAndIdentity(t *testing.T) {
	s := testPostgres(t)
	ctx := context.Background()

	product := "monthly"
	seqs, err := s.AppendRawEvents(ctx, []models.RawEvent{
		{EventID: "e1", PrimaryIdentifier: "u1", AlternateIdentifiers: []string{"idfa-1"}, EventName: "trial_started",
			EventTime: day0, ProductID: &product, RevenueAmount: decimal.Zero, Payload: []byte(`{"store":"app_store"}`)},
		{EventID: "e2", PrimaryIdentifier: "u1", EventName: "renewal", EventTime: day0.Add(time.Hour),
			ProductID: &product, RevenueAmount: decimal.RequireFromString("9.99"), Currency: "USD"},
	})
	require.NoError(t, err)
	require.Len(t, seqs, 2)

	events, err := s.RawEventsAfter(ctx, seqs[0], 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].RevenueAmount.Equal(decimal.RequireFromString("9.99")))

	resolver := identity.NewResolver(s, nil, zap.NewNop())
	all, err := s.RawEventsAfter(ctx, 0, 10)
	require.NoError(t, err)
	_, err = resolver.ResolveBatch(ctx, all)
	require.NoError(t, err)
	_, err = resolver.ResolveBatch(ctx, all)
	require.NoError(t, err)

	known, err := s.LookupAliases(ctx, []string{"u1", "idfa-1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"u1": "u1", "idfa-1": "u1"}, known)

	canonical, err := s.EventsFor(ctx, []string{"u1"})
	require.NoError(t, err)
	require.Len(t, canonical["u1"], 2)
	assert.JSONEq(t, `{"store":"app_store"}`, string(canonical["u1"][0].Payload))

	require.NoError(t, s.UpsertProfiles(ctx, []models.RawUserProfile{{Identifier: "idfa-1", Country: "US", UpdatedAt: day0}}))
	profiles, err := s.ProfilesFor(ctx, []string{"u1", "idfa-1"})
	require.NoError(t, err)
	assert.Equal(t, "US", profiles["idfa-1"].Country)
}

func TestPostgresStore_SaveLifecyclesSwapsValidRow(t *testing.T) {
	s := testPostgres(t)
	ctx := context.Background()

	a := models.Lifecycle{
		ID: models.LifecycleID("u1", "a"), DistinctID: "u1", ProductID: "a", CreditedAt: credited(day0),
		Path: models.PathTrial, ExpectedValue: decimal.RequireFromString("9.99"), Valid: true,
		Rates: models.Rates{TrialConversion: decimal.NewNullDecimal(decimal.RequireFromString("0.25")), Confidence: "exact"},
	}
	require.NoError(t, s.SaveLifecycles(ctx, []models.Lifecycle{a}))

	b := models.Lifecycle{
		ID: models.LifecycleID("u1", "b"), DistinctID: "u1", ProductID: "b", CreditedAt: credited(day0.AddDate(0, 0, 1)),
		Path: models.PathPurchase, ExpectedValue: decimal.RequireFromString("4.99"), Valid: true,
		RevenueEvents: []models.RevenueEntry{{EventTime: day0.AddDate(0, 0, 1), EventName: "purchase", AmountUSD: decimal.RequireFromString("4.99")}},
	}
	a.Valid = false
	// Valid row listed first still saves.
	require.NoError(t, s.SaveLifecycles(ctx, []models.Lifecycle{b, a}))

	byUser, err := s.LifecyclesFor(ctx, []string{"u1"})
	require.NoError(t, err)
	require.Len(t, byUser["u1"], 2)
	assert.False(t, byUser["u1"][0].Valid)
	assert.True(t, byUser["u1"][1].Valid)
	assert.Equal(t, "exact", byUser["u1"][0].Rates.Confidence)
	assert.True(t, byUser["u1"][0].Rates.TrialConversion.Decimal.Equal(decimal.RequireFromString("0.25")))
	assert.False(t, byUser["u1"][0].CurrentValue.Valid)
	require.Len(t, byUser["u1"][1].RevenueEvents, 1)

	valid, err := s.ListLifecycles(ctx, LifecycleFilter{ValidOnly: true, From: day0, To: day0.AddDate(0, 0, 1)})
	require.NoError(t, err)
	require.Len(t, valid, 1)
	assert.Equal(t, "b", valid[0].ProductID)

	page, err := s.LifecyclePage(ctx, byUser["u1"][0].ID, 10)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(page), 1)
}

func TestPostgresStore_CohortHierarchyRuns(t *testing.T) {
	s := testPostgres(t)
	ctx := context.Background()

	entries := []cohort.Entry{{
		Level:           0,
		Key:             models.CohortKey{ProductID: "p", Store: "app_store", PriceBucket: "9.99", EconomicTier: "HIGH", Country: "US", Region: "CA"},
		TrialConversion: decimal.NewNullDecimal(decimal.RequireFromString("0.300000")),
		Trials:          50,
		Conversions:     15,
	}}
	require.NoError(t, s.ReplaceCohortEntries(ctx, entries))
	require.NoError(t, s.ReplaceCohortEntries(ctx, entries))
	got, err := s.CohortEntries(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, entries[0].Key, got[0].Key)
	assert.False(t, got[0].TrialToRefund.Valid)
	assert.Equal(t, 50, got[0].Trials)
	assert.Equal(t, 15, got[0].Conversions)
	assert.Equal(t, 50, got[0].SampleSize())

	require.NoError(t, s.UpsertHierarchy(ctx, []models.HierarchyEdge{
		{AdID: "ad1", AdSetID: "set1", CampaignID: "c1", Confidence: 1, FirstSeen: day0, LastSeen: day0.AddDate(0, 0, 5)},
	}))
	require.NoError(t, s.UpsertHierarchy(ctx, []models.HierarchyEdge{
		{AdID: "ad1", AdSetID: "set0", CampaignID: "c0", Confidence: 1, FirstSeen: day0.AddDate(0, 0, -1), LastSeen: day0},
	}))
	edges, err := s.HierarchyEdges(ctx)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "c1", edges[0].CampaignID)
	assert.Equal(t, day0.AddDate(0, 0, -1), edges[0].FirstSeen)

	_, err = s.LatestRun(ctx)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	run := models.Run{ID: uuid.New(), StartedAt: day0, AsOf: day0, Status: models.RunRunning, Summary: models.NewSummary()}
	require.NoError(t, s.CreateRun(ctx, run))
	finished := day0.Add(time.Minute)
	run.FinishedAt = &finished
	run.Status = models.RunPartial
	run.Summary.Errors["rate_lookup_error"] = 2
	require.NoError(t, s.FinishRun(ctx, run))

	latest, err := s.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.RunPartial, latest.Status)
	assert.Equal(t, 2, latest.Summary.Errors["rate_lookup_error"])

	require.NoError(t, s.SaveCheckpoint(ctx, models.StageResolve, 7))
	require.NoError(t, s.SaveCheckpoint(ctx, models.StageResolve, 9))
	cursor, err := s.Checkpoint(ctx, models.StageResolve)
	require.NoError(t, err)
	assert.Equal(t, int64(9), cursor)
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/radiusdt/vector-roas/internal/apperrors"
	"github.com/radiusdt/vector-roas/internal/cohort"
	"github.com/radiusdt/vector-roas/internal/models"
	"github.com/shopspring/decimal"
)

const lifecycleColumns = `id, distinct_id, product_id, credited_at, path, cohort_key, ad_id,
	expected_value_usd::text, revenue_events, trial_conversion_rate::text,
	trial_to_refund_rate::text, purchase_to_refund_rate::text, rate_confidence,
	current_value_usd::text, value_status, valid, rejected_starter_at, updated_at`

func scanLifecycle(row pgx.Row) (models.Lifecycle, error) {
	var (
		lc                models.Lifecycle
		path, status      string
		cohortKey, ledger []byte
		expected          string
		tc, ttr, ptr, cur *string
	)
	if err := row.Scan(
		&lc.ID, &lc.DistinctID, &lc.ProductID, &lc.CreditedAt, &path, &cohortKey, &lc.AdID,
		&expected, &ledger, &tc,
		&ttr, &ptr, &lc.Rates.Confidence,
		&cur, &status, &lc.Valid, &lc.RejectedStarterAt, &lc.UpdatedAt,
	); err != nil {
		return lc, err
	}

	lc.Path = models.Path(path)
	lc.ValueStatus = models.ValueStatus(status)
	if lc.CreditedAt != nil {
		t := lc.CreditedAt.UTC()
		lc.CreditedAt = &t
	}
	if lc.RejectedStarterAt != nil {
		t := lc.RejectedStarterAt.UTC()
		lc.RejectedStarterAt = &t
	}
	if err := json.Unmarshal(cohortKey, &lc.CohortKey); err != nil {
		return lc, fmt.Errorf("cohort_key: %w", err)
	}
	if err := json.Unmarshal(ledger, &lc.RevenueEvents); err != nil {
		return lc, fmt.Errorf("revenue_events: %w", err)
	}

	var err error
	if lc.ExpectedValue, err = decimal.NewFromString(expected); err != nil {
		return lc, fmt.Errorf("expected_value_usd: %w", err)
	}
	for _, f := range []struct {
		src *string
		dst *decimal.NullDecimal
	}{
		{tc, &lc.Rates.TrialConversion},
		{ttr, &lc.Rates.TrialToRefund},
		{ptr, &lc.Rates.PurchaseToRefund},
		{cur, &lc.CurrentValue},
	} {
		if *f.dst, err = parseNullDecimal(f.src); err != nil {
			return lc, err
		}
	}
	return lc, nil
}

func collectLifecycles(rows pgx.Rows) ([]models.Lifecycle, error) {
	defer rows.Close()
	var out []models.Lifecycle
	for rows.Next() {
		lc, err := scanLifecycle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lifecycle: %w", err)
		}
		out = append(out, lc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LifecyclesFor(ctx context.Context, distinctIDs []string) (map[string][]models.Lifecycle, error) {
	out := make(map[string][]models.Lifecycle)
	if len(distinctIDs) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+lifecycleColumns+`
		FROM lifecycles WHERE distinct_id = ANY($1) ORDER BY distinct_id, product_id
	`, distinctIDs)
	if err != nil {
		return nil, wrapErr("read lifecycles", err)
	}
	lcs, err := collectLifecycles(rows)
	if err != nil {
		return nil, err
	}
	for _, lc := range lcs {
		out[lc.DistinctID] = append(out[lc.DistinctID], lc)
	}
	return out, nil
}

// SaveLifecycles upserts lifecycles in one transaction. Invalid rows are
// written first so the one-valid-per-user index never sees two valid rows.
func (s *PostgresStore) SaveLifecycles(ctx context.Context, lifecycles []models.Lifecycle) error {
	ordered := make([]models.Lifecycle, len(lifecycles))
	copy(ordered, lifecycles)
	sort.SliceStable(ordered, func(i, j int) bool { return !ordered[i].Valid && ordered[j].Valid })

	b := &pgx.Batch{}
	for _, lc := range ordered {
		cohortKey, err := json.Marshal(lc.CohortKey)
		if err != nil {
			return fmt.Errorf("failed to encode cohort key: %w", err)
		}
		ledger := lc.RevenueEvents
		if ledger == nil {
			ledger = []models.RevenueEntry{}
		}
		ledgerJSON, err := json.Marshal(ledger)
		if err != nil {
			return fmt.Errorf("failed to encode revenue events: %w", err)
		}

		b.Queue(`
			INSERT INTO lifecycles (id, distinct_id, product_id, credited_at, path, cohort_key, ad_id,
				expected_value_usd, revenue_events, trial_conversion_rate, trial_to_refund_rate,
				purchase_to_refund_rate, rate_confidence, current_value_usd, value_status, valid,
				rejected_starter_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::text::numeric, $9, $10::text::numeric, $11::text::numeric,
				$12::text::numeric, $13, $14::text::numeric, $15, $16, $17, NOW())
			ON CONFLICT (id) DO UPDATE SET
				credited_at = EXCLUDED.credited_at,
				path = EXCLUDED.path,
				cohort_key = EXCLUDED.cohort_key,
				ad_id = EXCLUDED.ad_id,
				expected_value_usd = EXCLUDED.expected_value_usd,
				revenue_events = EXCLUDED.revenue_events,
				trial_conversion_rate = EXCLUDED.trial_conversion_rate,
				trial_to_refund_rate = EXCLUDED.trial_to_refund_rate,
				purchase_to_refund_rate = EXCLUDED.purchase_to_refund_rate,
				rate_confidence = EXCLUDED.rate_confidence,
				current_value_usd = EXCLUDED.current_value_usd,
				value_status = EXCLUDED.value_status,
				valid = EXCLUDED.valid,
				rejected_starter_at = EXCLUDED.rejected_starter_at,
				updated_at = EXCLUDED.updated_at
		`, lc.ID, lc.DistinctID, lc.ProductID, lc.CreditedAt, string(lc.Path), cohortKey, lc.AdID,
			lc.ExpectedValue.String(), ledgerJSON, nullDecimalArg(lc.Rates.TrialConversion), nullDecimalArg(lc.Rates.TrialToRefund),
			nullDecimalArg(lc.Rates.PurchaseToRefund), lc.Rates.Confidence, nullDecimalArg(lc.CurrentValue), string(lc.ValueStatus), lc.Valid,
			lc.RejectedStarterAt)
	}
	return s.sendBatch(ctx, "save lifecycles", b)
}

func (s *PostgresStore) LifecyclePage(ctx context.Context, after uuid.UUID, limit int) ([]models.Lifecycle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+lifecycleColumns+`
		FROM lifecycles WHERE id > $1 ORDER BY id LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, wrapErr("page lifecycles", err)
	}
	return collectLifecycles(rows)
}

func (s *PostgresStore) ListLifecycles(ctx context.Context, f LifecycleFilter) ([]models.Lifecycle, error) {
	if f.AdIDs != nil && len(f.AdIDs) == 0 {
		return nil, nil
	}

	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.DistinctID != "" {
		add("distinct_id = $%d", f.DistinctID)
	}
	if f.ProductID != "" {
		add("product_id = $%d", f.ProductID)
	}
	if f.AdIDs != nil {
		add("ad_id = ANY($%d)", f.AdIDs)
	}
	if !f.From.IsZero() {
		add("credited_at >= $%d", models.Day(f.From))
	}
	if !f.To.IsZero() {
		add("credited_at < $%d", models.Day(f.To).AddDate(0, 0, 1))
	}
	if f.ValidOnly {
		conds = append(conds, "valid")
	}

	query := `SELECT ` + lifecycleColumns + ` FROM lifecycles`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY distinct_id, product_id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list lifecycles", err)
	}
	return collectLifecycles(rows)
}

// =============================================
// CohortRepo
// =============================================

func (s *PostgresStore) CohortEntries(ctx context.Context) ([]cohort.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT level, product_id, store, price_bucket, economic_tier, country, region,
			trial_conversion_rate::text, trial_to_refund_rate::text, purchase_to_refund_rate::text,
			trials, conversions, purchases
		FROM cohort_rates ORDER BY level, product_id
	`)
	if err != nil {
		return nil, wrapErr("read cohort rates", err)
	}
	defer rows.Close()

	var entries []cohort.Entry
	for rows.Next() {
		var (
			e            cohort.Entry
			tc, ttr, ptr *string
		)
		if err := rows.Scan(&e.Level, &e.Key.ProductID, &e.Key.Store, &e.Key.PriceBucket, &e.Key.EconomicTier,
			&e.Key.Country, &e.Key.Region, &tc, &ttr, &ptr, &e.Trials, &e.Conversions, &e.Purchases); err != nil {
			return nil, fmt.Errorf("failed to scan cohort rate: %w", err)
		}
		if e.TrialConversion, err = parseNullDecimal(tc); err != nil {
			return nil, err
		}
		if e.TrialToRefund, err = parseNullDecimal(ttr); err != nil {
			return nil, err
		}
		if e.PurchaseToRefund, err = parseNullDecimal(ptr); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) ReplaceCohortEntries(ctx context.Context, entries []cohort.Entry) error {
	b := &pgx.Batch{}
	b.Queue(`DELETE FROM cohort_rates`)
	for _, e := range entries {
		b.Queue(`
			INSERT INTO cohort_rates (level, product_id, store, price_bucket, economic_tier, country, region,
				trial_conversion_rate, trial_to_refund_rate, purchase_to_refund_rate, trials, conversions, purchases)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::text::numeric, $9::text::numeric, $10::text::numeric, $11, $12, $13)
		`, e.Level, e.Key.ProductID, e.Key.Store, e.Key.PriceBucket, e.Key.EconomicTier, e.Key.Country, e.Key.Region,
			nullDecimalArg(e.TrialConversion), nullDecimalArg(e.TrialToRefund), nullDecimalArg(e.PurchaseToRefund),
			e.Trials, e.Conversions, e.Purchases)
	}
	return s.sendBatch(ctx, "replace cohort rates", b)
}

// =============================================
// HierarchyRepo
// =============================================

func (s *PostgresStore) HierarchyEdges(ctx context.Context) ([]models.HierarchyEdge, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ad_id, adset_id, campaign_id, confidence, first_seen, last_seen
		FROM hierarchy_edges ORDER BY ad_id
	`)
	if err != nil {
		return nil, wrapErr("read hierarchy", err)
	}
	defer rows.Close()

	var edges []models.HierarchyEdge
	for rows.Next() {
		var e models.HierarchyEdge
		if err := rows.Scan(&e.AdID, &e.AdSetID, &e.CampaignID, &e.Confidence, &e.FirstSeen, &e.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan hierarchy edge: %w", err)
		}
		e.FirstSeen = models.Day(e.FirstSeen)
		e.LastSeen = models.Day(e.LastSeen)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (s *PostgresStore) UpsertHierarchy(ctx context.Context, edges []models.HierarchyEdge) error {
	b := &pgx.Batch{}
	for _, e := range edges {
		b.Queue(`
			INSERT INTO hierarchy_edges (ad_id, adset_id, campaign_id, confidence, first_seen, last_seen)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (ad_id) DO UPDATE SET
				adset_id = CASE WHEN EXCLUDED.last_seen >= hierarchy_edges.last_seen
					THEN EXCLUDED.adset_id ELSE hierarchy_edges.adset_id END,
				campaign_id = CASE WHEN EXCLUDED.last_seen >= hierarchy_edges.last_seen
					THEN EXCLUDED.campaign_id ELSE hierarchy_edges.campaign_id END,
				confidence = CASE WHEN EXCLUDED.last_seen >= hierarchy_edges.last_seen
					THEN EXCLUDED.confidence ELSE hierarchy_edges.confidence END,
				first_seen = LEAST(hierarchy_edges.first_seen, EXCLUDED.first_seen),
				last_seen = GREATEST(hierarchy_edges.last_seen, EXCLUDED.last_seen)
		`, e.AdID, e.AdSetID, e.CampaignID, e.Confidence, models.Day(e.FirstSeen), models.Day(e.LastSeen))
	}
	return s.sendBatch(ctx, "upsert hierarchy", b)
}

// =============================================
// RunRepo
// =============================================

func (s *PostgresStore) CreateRun(ctx context.Context, run models.Run) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipeline_runs (id, started_at, finished_at, as_of, status, summary)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, run.ID, run.StartedAt, run.FinishedAt, models.Day(run.AsOf), string(run.Status), summary)
	if err != nil {
		return wrapErr("create run", err)
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, run models.Run) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_runs SET finished_at = $2, status = $3, summary = $4 WHERE id = $1
	`, run.ID, run.FinishedAt, string(run.Status), summary)
	if err != nil {
		return wrapErr("finish run", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) LatestRun(ctx context.Context) (*models.Run, error) {
	var (
		run     models.Run
		status  string
		summary []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, started_at, finished_at, as_of, status, summary
		FROM pipeline_runs ORDER BY started_at DESC LIMIT 1
	`).Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.AsOf, &status, &summary)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("read latest run", err)
	}
	run.Status = models.RunStatus(status)
	run.AsOf = models.Day(run.AsOf)
	if err := json.Unmarshal(summary, &run.Summary); err != nil {
		return nil, fmt.Errorf("failed to decode run summary: %w", err)
	}
	return &run, nil
}

func (s *PostgresStore) Checkpoint(ctx context.Context, stage models.Stage) (int64, error) {
	var cursor int64
	err := s.pool.QueryRow(ctx, `
		SELECT cursor_pos FROM pipeline_checkpoints WHERE stage = $1
	`, string(stage)).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapErr("read checkpoint", err)
	}
	return cursor, nil
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, stage models.Stage, cursor int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_checkpoints (stage, cursor_pos, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (stage) DO UPDATE SET cursor_pos = EXCLUDED.cursor_pos, updated_at = EXCLUDED.updated_at
	`, string(stage), cursor, time.Now().UTC())
	if err != nil {
		return wrapErr("save checkpoint", err)
	}
	return nil
}

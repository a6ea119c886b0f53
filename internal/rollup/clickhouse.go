package rollup

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/radiusdt/vector-roas/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	lifecycleTable = "lifecycle_snapshots"
	rollupTable    = "rollup_snapshots"
)

// ClickHouseExporter writes snapshots into ReplacingMergeTree tables
// versioned by run.
type ClickHouseExporter struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewClickHouseExporter creates an exporter over conn.
func NewClickHouseExporter(conn driver.Conn, logger *zap.Logger) *ClickHouseExporter {
	return &ClickHouseExporter{conn: conn, logger: logger}
}

// InitSchema creates the export tables if they do not exist.
func (e *ClickHouseExporter) InitSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS ` + lifecycleTable + ` (
			lifecycle_id UUID,
			distinct_id String,
			product_id String,
			credited_at Nullable(DateTime64(3, 'UTC')),
			path LowCardinality(String),
			store LowCardinality(String),
			price_bucket String,
			economic_tier LowCardinality(String),
			country LowCardinality(String),
			region LowCardinality(String),
			ad_id String,
			rate_confidence LowCardinality(String),
			current_value_usd Nullable(Decimal(18, 6)),
			value_status LowCardinality(String),
			valid UInt8,
			run_id UUID,
			as_of Date,
			version UInt64
		) ENGINE = ReplacingMergeTree(version)
		ORDER BY (lifecycle_id)`,
		`CREATE TABLE IF NOT EXISTS ` + rollupTable + ` (
			level LowCardinality(String),
			campaign_id String,
			adset_id String,
			ad_id String,
			value_usd Decimal(18, 6),
			lifecycles UInt32,
			unvalued UInt32,
			pre_conversion UInt32,
			post_conversion UInt32,
			final_value UInt32,
			refunded UInt32,
			run_id UUID,
			as_of Date,
			version UInt64
		) ENGINE = ReplacingMergeTree(version)
		ORDER BY (level, campaign_id, adset_id, ad_id, as_of)`,
	}

	for _, q := range queries {
		if err := e.conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("failed to create clickhouse table: %w", err)
		}
	}

	e.logger.Info("clickhouse export schema initialized")
	return nil
}

// ExportLifecycles appends one row per lifecycle in a single batch.
func (e *ClickHouseExporter) ExportLifecycles(ctx context.Context, snap Snapshot, lifecycles []models.Lifecycle) error {
	if len(lifecycles) == 0 {
		return nil
	}

	batch, err := e.conn.PrepareBatch(ctx, "INSERT INTO "+lifecycleTable)
	if err != nil {
		return fmt.Errorf("failed to prepare lifecycle batch: %w", err)
	}
	defer func() { _ = batch.Abort() }()

	for i := range lifecycles {
		if err := batch.Append(lifecycleColumns(&lifecycles[i], snap)...); err != nil {
			return fmt.Errorf("failed to append lifecycle %s: %w", lifecycles[i].ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send lifecycle batch: %w", err)
	}

	e.logger.Debug("exported lifecycles",
		zap.String("run_id", snap.RunID.String()),
		zap.Int("rows", len(lifecycles)),
	)
	return nil
}

// ExportRollups appends rollup rows in a single batch.
func (e *ClickHouseExporter) ExportRollups(ctx context.Context, snap Snapshot, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := e.conn.PrepareBatch(ctx, "INSERT INTO "+rollupTable)
	if err != nil {
		return fmt.Errorf("failed to prepare rollup batch: %w", err)
	}
	defer func() { _ = batch.Abort() }()

	for _, r := range rows {
		if err := batch.Append(rollupColumns(r, snap)...); err != nil {
			return fmt.Errorf("failed to append rollup %s/%s: %w", r.Level, r.Key(), err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send rollup batch: %w", err)
	}

	e.logger.Debug("exported rollups",
		zap.String("run_id", snap.RunID.String()),
		zap.Int("rows", len(rows)),
	)
	return nil
}

func lifecycleColumns(lc *models.Lifecycle, snap Snapshot) []any {
	var credited *time.Time
	if lc.CreditedAt != nil {
		t := lc.CreditedAt.UTC()
		credited = &t
	}
	var value *decimal.Decimal
	if lc.CurrentValue.Valid {
		v := lc.CurrentValue.Decimal
		value = &v
	}
	var valid uint8
	if lc.Valid {
		valid = 1
	}

	return []any{
		lc.ID,
		lc.DistinctID,
		lc.ProductID,
		credited,
		string(lc.Path),
		lc.CohortKey.Store,
		lc.CohortKey.PriceBucket,
		lc.CohortKey.EconomicTier,
		lc.CohortKey.Country,
		lc.CohortKey.Region,
		lc.AdID,
		lc.Rates.Confidence,
		value,
		string(lc.ValueStatus),
		valid,
		snap.RunID,
		models.Day(snap.AsOf),
		snap.Version,
	}
}

func rollupColumns(r Row, snap Snapshot) []any {
	return []any{
		string(r.Level),
		r.CampaignID,
		r.AdSetID,
		r.AdID,
		r.ValueUSD,
		uint32(r.Lifecycles),
		uint32(r.Unvalued),
		uint32(r.ByStatus[models.StatusPreConversion]),
		uint32(r.ByStatus[models.StatusPostConversion]),
		uint32(r.ByStatus[models.StatusFinalValue]),
		uint32(r.ByStatus[models.StatusRefunded]),
		snap.RunID,
		models.Day(snap.AsOf),
		snap.Version,
	}
}

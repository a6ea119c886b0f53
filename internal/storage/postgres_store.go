package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/vector-roas/internal/apperrors"
	"github.com/radiusdt/vector-roas/internal/identity"
	"github.com/radiusdt/vector-roas/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// pgUndefinedTable is raised when an upstream table has not been created yet.
const pgUndefinedTable = "42P01"

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Health pings the pool.
func (s *PostgresStore) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// wrapErr annotates err with the failed operation and maps a missing table
// to apperrors.ErrMissingUpstream.
func wrapErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable {
		return fmt.Errorf("failed to %s: %w: %s", op, apperrors.ErrMissingUpstream, pgErr.Message)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// =============================================
// SourceRepo
// =============================================

const rawEventColumns = `seq, event_id, primary_identifier, alternate_identifiers, event_name,
	event_time, product_id, revenue_amount::text, currency, payload`

func scanRawEvent(row pgx.Row, prefix ...any) (models.RawEvent, error) {
	var (
		e       models.RawEvent
		amount  string
		payload []byte
	)
	dest := append(prefix,
		&e.Seq, &e.EventID, &e.PrimaryIdentifier, &e.AlternateIdentifiers, &e.EventName,
		&e.EventTime, &e.ProductID, &amount, &e.Currency, &payload,
	)
	if err := row.Scan(dest...); err != nil {
		return e, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return e, fmt.Errorf("revenue_amount %q: %w", amount, err)
	}
	e.RevenueAmount = d
	e.EventTime = e.EventTime.UTC()
	if len(payload) > 0 {
		e.Payload = json.RawMessage(payload)
	}
	return e, nil
}

func (s *PostgresStore) RawEventsAfter(ctx context.Context, afterSeq int64, limit int) ([]models.RawEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+rawEventColumns+`
		FROM raw_events WHERE seq > $1 ORDER BY seq LIMIT $2
	`, afterSeq, limit)
	if err != nil {
		return nil, wrapErr("read raw events", err)
	}
	defer rows.Close()

	var events []models.RawEvent
	for rows.Next() {
		e, err := scanRawEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan raw event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("read raw events", err)
	}
	return events, nil
}

func (s *PostgresStore) ProfilesFor(ctx context.Context, identifiers []string) (map[string]models.RawUserProfile, error) {
	out := make(map[string]models.RawUserProfile)
	if len(identifiers) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT identifier, country, region, economic_tier, ip, ad_id, updated_at
		FROM raw_user_profiles WHERE identifier = ANY($1)
	`, identifiers)
	if err != nil {
		return nil, wrapErr("read profiles", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p models.RawUserProfile
		if err := rows.Scan(&p.Identifier, &p.Country, &p.Region, &p.EconomicTier, &p.IP, &p.AdID, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		out[p.Identifier] = p
	}
	return out, rows.Err()
}

func (s *PostgresStore) AdPerformanceSince(ctx context.Context, since time.Time) ([]models.AdPerformanceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ad_id, adset_id, campaign_id, date
		FROM ad_performance WHERE date >= $1 ORDER BY date, ad_id
	`, models.Day(since))
	if err != nil {
		return nil, wrapErr("read ad performance", err)
	}
	defer rows.Close()

	var records []models.AdPerformanceRecord
	for rows.Next() {
		var r models.AdPerformanceRecord
		if err := rows.Scan(&r.AdID, &r.AdSetID, &r.CampaignID, &r.Date); err != nil {
			return nil, fmt.Errorf("failed to scan ad performance: %w", err)
		}
		r.Date = models.Day(r.Date)
		records = append(records, r)
	}
	return records, rows.Err()
}

// AppendRawEvents inserts events and returns their assigned sequence numbers.
func (s *PostgresStore) AppendRawEvents(ctx context.Context, events []models.RawEvent) ([]int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	seqs := make([]int64, 0, len(events))
	for _, e := range events {
		alternates := e.AlternateIdentifiers
		if alternates == nil {
			alternates = []string{}
		}
		var seq int64
		err := tx.QueryRow(ctx, `
			INSERT INTO raw_events (event_id, primary_identifier, alternate_identifiers, event_name,
				event_time, product_id, revenue_amount, currency, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7::text::numeric, $8, $9)
			RETURNING seq
		`, e.EventID, e.PrimaryIdentifier, alternates, e.EventName,
			e.EventTime, e.ProductID, e.RevenueAmount.String(), e.Currency, jsonArg(e.Payload),
		).Scan(&seq)
		if err != nil {
			return nil, wrapErr("insert raw event", err)
		}
		seqs = append(seqs, seq)
	}
	return seqs, tx.Commit(ctx)
}

// UpsertProfiles stores profiles keyed by identifier.
func (s *PostgresStore) UpsertProfiles(ctx context.Context, profiles []models.RawUserProfile) error {
	b := &pgx.Batch{}
	for _, p := range profiles {
		b.Queue(`
			INSERT INTO raw_user_profiles (identifier, country, region, economic_tier, ip, ad_id, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (identifier) DO UPDATE SET
				country = EXCLUDED.country,
				region = EXCLUDED.region,
				economic_tier = EXCLUDED.economic_tier,
				ip = EXCLUDED.ip,
				ad_id = EXCLUDED.ad_id,
				updated_at = EXCLUDED.updated_at
		`, p.Identifier, p.Country, p.Region, p.EconomicTier, p.IP, p.AdID, p.UpdatedAt)
	}
	return s.sendBatch(ctx, "upsert profiles", b)
}

// AddAdPerformance stores ad platform records.
func (s *PostgresStore) AddAdPerformance(ctx context.Context, records []models.AdPerformanceRecord) error {
	b := &pgx.Batch{}
	for _, r := range records {
		b.Queue(`
			INSERT INTO ad_performance (ad_id, adset_id, campaign_id, date)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING
		`, r.AdID, r.AdSetID, r.CampaignID, models.Day(r.Date))
	}
	return s.sendBatch(ctx, "insert ad performance", b)
}

// =============================================
// IdentityRepo
// =============================================

func (s *PostgresStore) LookupAliases(ctx context.Context, aliases []string) (map[string]string, error) {
	out := make(map[string]string)
	if len(aliases) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT alias, distinct_id FROM identity_aliases WHERE alias = ANY($1)
	`, aliases)
	if err != nil {
		return nil, wrapErr("lookup aliases", err)
	}
	defer rows.Close()

	for rows.Next() {
		var alias, distinctID string
		if err := rows.Scan(&alias, &distinctID); err != nil {
			return nil, fmt.Errorf("failed to scan alias: %w", err)
		}
		out[alias] = distinctID
	}
	return out, rows.Err()
}

// Apply writes identities, aliases and canonical events in one transaction.
// Conflicting rows are left as stored so a replayed batch changes nothing.
func (s *PostgresStore) Apply(ctx context.Context, c identity.Changes) error {
	b := &pgx.Batch{}
	for _, id := range c.Identities {
		b.Queue(`
			INSERT INTO user_identities (distinct_id, created_at) VALUES ($1, $2)
			ON CONFLICT (distinct_id) DO NOTHING
		`, id.DistinctID, id.CreatedAt)
	}
	for _, a := range c.Aliases {
		b.Queue(`
			INSERT INTO identity_aliases (alias, distinct_id) VALUES ($1, $2)
			ON CONFLICT (alias) DO NOTHING
		`, a.Alias, a.DistinctID)
	}
	for _, ce := range c.Events {
		e := ce.Event
		alternates := e.AlternateIdentifiers
		if alternates == nil {
			alternates = []string{}
		}
		b.Queue(`
			INSERT INTO canonical_events (distinct_id, event_name, event_time, seq, event_id,
				primary_identifier, alternate_identifiers, product_id, revenue_amount, currency, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::text::numeric, $10, $11)
			ON CONFLICT (distinct_id, event_name, event_time) DO NOTHING
		`, ce.DistinctID, e.EventName, e.EventTime, e.Seq, e.EventID,
			e.PrimaryIdentifier, alternates, e.ProductID, e.RevenueAmount.String(), e.Currency, jsonArg(e.Payload))
	}
	return s.sendBatch(ctx, "apply identity changes", b)
}

func (s *PostgresStore) AliasesOf(ctx context.Context, distinctIDs []string) (map[string][]string, error) {
	out := make(map[string][]string)
	if len(distinctIDs) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT distinct_id, alias FROM identity_aliases
		WHERE distinct_id = ANY($1) ORDER BY distinct_id, alias
	`, distinctIDs)
	if err != nil {
		return nil, wrapErr("read aliases", err)
	}
	defer rows.Close()

	for rows.Next() {
		var distinctID, alias string
		if err := rows.Scan(&distinctID, &alias); err != nil {
			return nil, fmt.Errorf("failed to scan alias: %w", err)
		}
		out[distinctID] = append(out[distinctID], alias)
	}
	return out, rows.Err()
}

// =============================================
// EventRepo
// =============================================

func (s *PostgresStore) EventsFor(ctx context.Context, distinctIDs []string) (map[string][]models.RawEvent, error) {
	out := make(map[string][]models.RawEvent)
	if len(distinctIDs) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT distinct_id, `+rawEventColumns+`
		FROM canonical_events WHERE distinct_id = ANY($1)
		ORDER BY distinct_id, event_time, seq
	`, distinctIDs)
	if err != nil {
		return nil, wrapErr("read canonical events", err)
	}
	defer rows.Close()

	for rows.Next() {
		var distinctID string
		e, err := scanRawEvent(rows, &distinctID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan canonical event: %w", err)
		}
		out[distinctID] = append(out[distinctID], e)
	}
	return out, rows.Err()
}

// sendBatch runs b inside a transaction.
func (s *PostgresStore) sendBatch(ctx context.Context, op string, b *pgx.Batch) error {
	if b.Len() == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return wrapErr(op, err)
		}
	}
	if err := br.Close(); err != nil {
		return wrapErr(op, err)
	}
	return tx.Commit(ctx)
}

func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullDecimalArg(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	v := d.Decimal.String()
	return &v
}

func parseNullDecimal(s *string) (decimal.NullDecimal, error) {
	if s == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

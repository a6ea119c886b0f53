// Package lifecycle turns a user's canonical event history into one
// lifecycle per product and keeps a single valid lifecycle per user.
package lifecycle

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/radiusdt/vector-roas/internal/apperrors"
	"github.com/radiusdt/vector-roas/internal/geo"
	"github.com/radiusdt/vector-roas/internal/models"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const unknownDimension = "unknown"

// Config holds the inputs the builder needs beyond event history.
type Config struct {
	// FX maps upper-case currency codes to their USD rate.
	FX                   map[string]decimal.Decimal
	DefaultExpectedValue decimal.Decimal
}

// UserHistory is everything known about one user.
type UserHistory struct {
	DistinctID string
	Events     []models.RawEvent
	Profile    *models.RawUserProfile
	Existing   []models.Lifecycle
}

// UserResult holds the user's lifecycles after a build.
type UserResult struct {
	DistinctID   string
	Lifecycles   []models.Lifecycle
	Errors       []error
	Unattributed int
}

// Builder creates and updates lifecycles.
type Builder struct {
	cfg    Config
	geo    geo.Provider
	logger *zap.Logger
}

// NewBuilder creates a builder. provider may be nil.
func NewBuilder(cfg Config, provider geo.Provider, logger *zap.Logger) *Builder {
	return &Builder{
		cfg:    cfg,
		geo:    provider,
		logger: logger,
	}
}

type parsedEvent struct {
	event     models.RawEvent
	kind      models.EventKind
	productID string
	payload   models.EventPayload
	amountUSD decimal.Decimal
}

// Build recomputes every lifecycle of one user from their full history.
// It is pure: the same history always yields the same result.
func (b *Builder) Build(h UserHistory) *UserResult {
	result := &UserResult{DistinctID: h.DistinctID}

	byProduct := make(map[string][]parsedEvent)
	for _, e := range h.Events {
		p, err := b.parse(e)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		if p == nil {
			continue
		}
		byProduct[p.productID] = append(byProduct[p.productID], *p)
	}

	existing := lo.KeyBy(h.Existing, func(l models.Lifecycle) string { return l.ProductID })
	profile := b.profile(h.Profile)

	var lifecycles []models.Lifecycle
	for _, productID := range sortedKeys(byProduct) {
		events := byProduct[productID]
		sort.SliceStable(events, func(i, j int) bool { return eventLess(events[i], events[j]) })

		prev, hasPrev := existing[productID]
		delete(existing, productID)

		starters := lo.Filter(events, func(p parsedEvent, _ int) bool { return p.kind.IsStarter() })
		if len(starters) == 0 {
			if hasPrev {
				prev.RevenueEvents = ledger(events)
				lifecycles = append(lifecycles, prev)
				continue
			}
			result.Unattributed++
			b.logger.Debug("no starter event for user product, flagged for review",
				zap.String("distinct_id", h.DistinctID),
				zap.String("product_id", productID),
			)
			continue
		}

		var lc models.Lifecycle
		if hasPrev {
			lc = prev
		} else {
			lc = register(h.DistinctID, productID)
		}

		if err := assignCreditedDate(&lc, starters[0]); err != nil {
			at := starters[0].event.EventTime.UTC()
			if prev.RejectedStarterAt != nil && !at.Before(*prev.RejectedStarterAt) {
				b.logger.Debug("credited date reassignment already reported",
					zap.String("lifecycle_id", lc.ID.String()),
					zap.Time("starter_at", at),
				)
				lifecycles = append(lifecycles, prev)
				continue
			}
			b.logger.Warn("credited date reassignment rejected",
				zap.String("lifecycle_id", lc.ID.String()),
				zap.Error(err),
			)
			result.Errors = append(result.Errors, err)
			prev.RejectedStarterAt = &at
			lifecycles = append(lifecycles, prev)
			continue
		}

		b.fill(&lc, starters[0], events, profile)
		lifecycles = append(lifecycles, lc)
	}

	for _, productID := range sortedKeys(existing) {
		lifecycles = append(lifecycles, existing[productID])
	}

	result.Lifecycles = Deduplicate(lifecycles)
	return result
}

// register creates a lifecycle in the attribution pending state.
func register(distinctID, productID string) models.Lifecycle {
	return models.Lifecycle{
		ID:         models.LifecycleID(distinctID, productID),
		DistinctID: distinctID,
		ProductID:  productID,
	}
}

// assignCreditedDate sets the credited date of a pending lifecycle. An
// assigned date is never moved; an earlier starter observed afterwards is
// an integrity error.
func assignCreditedDate(lc *models.Lifecycle, starter parsedEvent) error {
	at := starter.event.EventTime.UTC()
	if lc.CreditedAt == nil {
		lc.CreditedAt = &at
		lc.Path = pathOf(starter.kind)
		return nil
	}
	if models.Day(at).Before(models.Day(*lc.CreditedAt)) {
		return apperrors.LifecycleIntegrityError(lc.ID.String(), fmt.Sprintf(
			"starter on %s would move credited date %s",
			at.Format(time.DateOnly), lc.CreditedAt.Format(time.DateOnly),
		))
	}
	return nil
}

func (b *Builder) fill(lc *models.Lifecycle, starter parsedEvent, events []parsedEvent, profile models.RawUserProfile) {
	lc.CohortKey = models.CohortKey{
		ProductID:    lc.ProductID,
		Store:        storeOf(starter, events),
		PriceBucket:  b.priceBucket(starter),
		EconomicTier: orUnknown(profile.EconomicTier),
		Country:      orUnknown(strings.ToUpper(profile.Country)),
		Region:       orUnknown(strings.ToUpper(profile.Region)),
	}
	lc.AdID = profile.AdID
	lc.ExpectedValue = b.cfg.DefaultExpectedValue
	if price, ok := b.starterPriceUSD(starter); ok {
		lc.ExpectedValue = price
	}
	lc.RevenueEvents = ledger(events)
}

func (b *Builder) parse(e models.RawEvent) (*parsedEvent, error) {
	kind := models.ClassifyEvent(e)
	if !kind.IsLifecycleRelevant() {
		return nil, nil
	}

	p := &parsedEvent{event: e, kind: kind}

	if raw := strings.TrimSpace(string(e.Payload)); raw != "" && raw != "null" {
		if err := json.Unmarshal(e.Payload, &p.payload); err != nil {
			return nil, apperrors.MalformedEventError(e.EventID, "unparseable payload", err)
		}
	}

	if e.ProductID != nil {
		p.productID = strings.TrimSpace(*e.ProductID)
	}
	if p.productID == "" {
		p.productID = strings.TrimSpace(p.payload.ProductID)
	}
	if p.productID == "" {
		return nil, apperrors.MalformedEventError(e.EventID, "missing product id", nil)
	}

	if !e.RevenueAmount.IsZero() {
		amount, err := b.toUSD(e.RevenueAmount, e.Currency)
		if err != nil {
			return nil, apperrors.MalformedEventError(e.EventID, "unconvertible revenue", err)
		}
		// Some sources report refunds as positive amounts.
		if kind == models.KindRefund && amount.IsPositive() {
			amount = amount.Neg()
		}
		p.amountUSD = amount
	}

	return p, nil
}

func (b *Builder) toUSD(amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code == "" {
		code = "USD"
	}
	rate, ok := b.cfg.FX[code]
	if !ok {
		if code == "USD" {
			return amount, nil
		}
		return decimal.Zero, fmt.Errorf("unknown currency %q", currency)
	}
	return amount.Mul(rate), nil
}

func (b *Builder) starterPriceUSD(starter parsedEvent) (decimal.Decimal, bool) {
	if !starter.payload.Price.Valid || !starter.payload.Price.Decimal.IsPositive() {
		return decimal.Zero, false
	}
	currency := starter.payload.Currency
	if currency == "" {
		currency = starter.event.Currency
	}
	price, err := b.toUSD(starter.payload.Price.Decimal, currency)
	if err != nil {
		return decimal.Zero, false
	}
	return price.Round(2), true
}

func (b *Builder) priceBucket(starter parsedEvent) string {
	if price, ok := b.starterPriceUSD(starter); ok {
		return price.StringFixed(2)
	}
	if !starter.amountUSD.IsZero() {
		return starter.amountUSD.Abs().StringFixed(2)
	}
	return unknownDimension
}

func (b *Builder) profile(p *models.RawUserProfile) models.RawUserProfile {
	if p == nil {
		return models.RawUserProfile{}
	}
	out := *p
	geo.Enrich(&out, b.geo)
	return out
}

// Deduplicate keeps exactly one valid lifecycle among those with an
// assigned credited date: the one whose earliest starter is most recent,
// ties broken by the greatest product id. Pending lifecycles are never valid.
func Deduplicate(lifecycles []models.Lifecycle) []models.Lifecycle {
	out := make([]models.Lifecycle, len(lifecycles))
	copy(out, lifecycles)

	best := -1
	for i := range out {
		if out[i].Pending() {
			continue
		}
		if best < 0 || supersedes(out[i], out[best]) {
			best = i
		}
	}
	for i := range out {
		out[i].Valid = i == best
	}
	return out
}

func supersedes(a, b models.Lifecycle) bool {
	if !a.CreditedAt.Equal(*b.CreditedAt) {
		return a.CreditedAt.After(*b.CreditedAt)
	}
	return a.ProductID > b.ProductID
}

func ledger(events []parsedEvent) []models.RevenueEntry {
	entries := lo.FilterMap(events, func(p parsedEvent, _ int) (models.RevenueEntry, bool) {
		return models.RevenueEntry{
			EventTime: p.event.EventTime.UTC(),
			EventName: p.event.EventName,
			AmountUSD: p.amountUSD,
		}, !p.amountUSD.IsZero()
	})
	return lo.UniqBy(entries, func(r models.RevenueEntry) string {
		return r.EventName + "\x00" + r.EventTime.Format(time.RFC3339Nano)
	})
}

func storeOf(starter parsedEvent, events []parsedEvent) string {
	if s := strings.TrimSpace(starter.payload.Store); s != "" {
		return strings.ToLower(s)
	}
	for _, p := range events {
		if s := strings.TrimSpace(p.payload.Store); s != "" {
			return strings.ToLower(s)
		}
	}
	return unknownDimension
}

func pathOf(kind models.EventKind) models.Path {
	if kind == models.KindTrialStarted {
		return models.PathTrial
	}
	return models.PathPurchase
}

// starterRank orders starters at the same instant, trials first.
func starterRank(k models.EventKind) int {
	switch k {
	case models.KindTrialStarted:
		return 0
	case models.KindInitialPurchase:
		return 1
	default:
		return 2
	}
}

func eventLess(a, b parsedEvent) bool {
	if !a.event.EventTime.Equal(b.event.EventTime) {
		return a.event.EventTime.Before(b.event.EventTime)
	}
	if ra, rb := starterRank(a.kind), starterRank(b.kind); ra != rb {
		return ra < rb
	}
	return a.event.Seq < b.event.Seq
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return unknownDimension
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

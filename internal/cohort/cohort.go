// Package cohort assigns conversion and refund rates to lifecycles by
// looking up progressively coarser cohorts.
package cohort

import (
	"fmt"

	"github.com/radiusdt/vector-roas/internal/apperrors"
	"github.com/radiusdt/vector-roas/internal/config"
	"github.com/radiusdt/vector-roas/internal/models"
	"github.com/shopspring/decimal"
)

// Dimension is one droppable cohort dimension.
type Dimension string

const (
	DimRegion       Dimension = "region"
	DimCountry      Dimension = "country"
	DimEconomicTier Dimension = "economic_tier"
	DimPriceBucket  Dimension = "price_bucket"
	DimStore        Dimension = "store"
)

// DropOrder lists dimensions from least to most significant. Level n drops
// the first n. product_id is never dropped.
var DropOrder = []Dimension{
	DimRegion,
	DimCountry,
	DimEconomicTier,
	DimPriceBucket,
	DimStore,
}

// MaxLevel is the product-only level.
var MaxLevel = len(DropOrder)

const (
	ConfidenceExact   = "exact"
	ConfidenceDefault = "default"
)

// Confidence returns the rate confidence tag for a fallback level.
func Confidence(level int) string {
	if level == 0 {
		return ConfidenceExact
	}
	return fmt.Sprintf("fallback-%d", level)
}

// Project clears the first level dimensions of DropOrder from key.
func Project(key models.CohortKey, level int) models.CohortKey {
	for _, dim := range DropOrder[:min(level, MaxLevel)] {
		switch dim {
		case DimRegion:
			key.Region = ""
		case DimCountry:
			key.Country = ""
		case DimEconomicTier:
			key.EconomicTier = ""
		case DimPriceBucket:
			key.PriceBucket = ""
		case DimStore:
			key.Store = ""
		}
	}
	return key
}

// Entry is one row of the cohort rate table. Each rate carries the size of
// its own denominator; a rate with an empty denominator is NULL.
type Entry struct {
	Level            int                 `json:"level"`
	Key              models.CohortKey    `json:"key"`
	TrialConversion  decimal.NullDecimal `json:"trial_conversion_rate"`
	TrialToRefund    decimal.NullDecimal `json:"trial_to_refund_rate"`
	PurchaseToRefund decimal.NullDecimal `json:"purchase_to_refund_rate"`
	Trials           int                 `json:"trials"`
	Conversions      int                 `json:"conversions"`
	Purchases        int                 `json:"purchases"`
}

// SampleSize is the number of completed lifecycles in the cohort.
func (e Entry) SampleSize() int {
	return e.Trials + e.Purchases
}

// Rate identifies one of the three estimated rates.
type Rate int

const (
	RateTrialConversion Rate = iota
	RateTrialToRefund
	RatePurchaseToRefund
)

var allRates = []Rate{RateTrialConversion, RateTrialToRefund, RatePurchaseToRefund}

func (r Rate) String() string {
	switch r {
	case RateTrialConversion:
		return "trial_conversion_rate"
	case RateTrialToRefund:
		return "trial_to_refund_rate"
	default:
		return "purchase_to_refund_rate"
	}
}

// sample returns the rate value and the number of samples behind it.
func (e Entry) sample(r Rate) (decimal.NullDecimal, int) {
	switch r {
	case RateTrialConversion:
		return e.TrialConversion, e.Trials
	case RateTrialToRefund:
		return e.TrialToRefund, e.Conversions
	default:
		return e.PurchaseToRefund, e.Purchases
	}
}

// RatesFor returns the rates valuation needs for a lifecycle on path. An
// unknown path needs all of them.
func RatesFor(path models.Path) []Rate {
	switch path {
	case models.PathTrial:
		return []Rate{RateTrialConversion, RateTrialToRefund}
	case models.PathPurchase:
		return []Rate{RateTrialConversion, RatePurchaseToRefund}
	}
	return allRates
}

type tableKey struct {
	level int
	key   models.CohortKey
}

// Table is an immutable snapshot of cohort rates.
type Table struct {
	entries map[tableKey]Entry
}

// NewTable indexes entries. Keys are projected to their level.
func NewTable(entries []Entry) *Table {
	t := &Table{entries: make(map[tableKey]Entry, len(entries))}
	for _, e := range entries {
		e.Key = Project(e.Key, e.Level)
		t.entries[tableKey{level: e.Level, key: e.Key}] = e
	}
	return t
}

// Lookup returns the entry for key at level.
func (t *Table) Lookup(level int, key models.CohortKey) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	e, ok := t.entries[tableKey{level: level, key: Project(key, level)}]
	return e, ok
}

// Len returns the number of entries.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Entries returns a copy of all entries.
func (t *Table) Entries() []Entry {
	out := make([]Entry, 0, t.Len())
	if t == nil {
		return out
	}
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// Assignment is the result of a rate estimate.
type Assignment struct {
	Rates models.Rates
	// Level is the fallback level used, or -1 for the default rate set.
	Level int
}

// Estimator looks up rates for cohort keys.
type Estimator struct {
	table         *Table
	minSampleSize int
	defaults      *config.DefaultRates
}

// NewEstimator creates an estimator over a table snapshot. defaults may be nil.
func NewEstimator(table *Table, minSampleSize int, defaults *config.DefaultRates) *Estimator {
	return &Estimator{
		table:         table,
		minSampleSize: minSampleSize,
		defaults:      defaults,
	}
}

// Estimate looks every rate up independently, from level 0 through
// MaxLevel, taking the first cohort whose denominator for that rate holds at
// least the minimum sample; a rate found at no level takes its default.
// Confidence reflects the coarsest source among the rates path needs: the
// level tag, or default when any of them came from the default set. Without
// defaults a needed rate that is found nowhere is a RateLookupError.
func (e *Estimator) Estimate(key models.CohortKey, path models.Path) (Assignment, error) {
	needed := make(map[Rate]bool)
	for _, r := range RatesFor(path) {
		needed[r] = true
	}

	var rates models.Rates
	level, fromDefaults := 0, false
	for _, r := range allRates {
		v, l, ok := e.lookup(key, r)
		if !ok {
			d, hasDefault := e.defaultRate(r)
			if !hasDefault {
				if needed[r] {
					return Assignment{Level: -1}, apperrors.RateLookupError(key.ProductID, "no cohort level or default for "+r.String())
				}
				continue
			}
			v, l = d, -1
		}
		setRate(&rates, r, v)
		if !needed[r] {
			continue
		}
		if l < 0 {
			fromDefaults = true
		} else {
			level = max(level, l)
		}
	}

	if fromDefaults {
		rates.Confidence = ConfidenceDefault
		return Assignment{Rates: rates, Level: -1}, nil
	}
	rates.Confidence = Confidence(level)
	return Assignment{Rates: rates, Level: level}, nil
}

func (e *Estimator) lookup(key models.CohortKey, r Rate) (decimal.NullDecimal, int, bool) {
	for level := 0; level <= MaxLevel; level++ {
		entry, ok := e.table.Lookup(level, key)
		if !ok {
			continue
		}
		v, n := entry.sample(r)
		if v.Valid && n >= e.minSampleSize {
			return v, level, true
		}
	}
	return decimal.NullDecimal{}, 0, false
}

func (e *Estimator) defaultRate(r Rate) (decimal.NullDecimal, bool) {
	if e.defaults == nil {
		return decimal.NullDecimal{}, false
	}
	switch r {
	case RateTrialConversion:
		return decimal.NewNullDecimal(e.defaults.TrialConversion), true
	case RateTrialToRefund:
		return decimal.NewNullDecimal(e.defaults.TrialToRefund), true
	default:
		return decimal.NewNullDecimal(e.defaults.PurchaseToRefund), true
	}
}

func setRate(rates *models.Rates, r Rate, v decimal.NullDecimal) {
	switch r {
	case RateTrialConversion:
		rates.TrialConversion = v
	case RateTrialToRefund:
		rates.TrialToRefund = v
	default:
		rates.PurchaseToRefund = v
	}
}

// Assign estimates and stores rates on lc. Pending and refunded lifecycles
// are left as they are; the bool reports whether rates were written.
func (e *Estimator) Assign(lc *models.Lifecycle) (bool, error) {
	if lc.Pending() || lc.HasRefund() {
		return false, nil
	}
	a, err := e.Estimate(lc.CohortKey, lc.Path)
	if err != nil {
		return false, apperrors.RateLookupError(lc.ID.String(), err.Error())
	}
	lc.Rates = a.Rates
	return true, nil
}

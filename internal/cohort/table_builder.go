package cohort

import (
	"time"

	"github.com/radiusdt/vector-roas/internal/models"
	"github.com/shopspring/decimal"
)

const rateScale = 6

type counts struct {
	trials           int
	converted        int
	convertedRefunds int
	purchases        int
	purchaseRefunds  int
}

// TableBuilder derives cohort rates from lifecycles whose refund window has closed.
type TableBuilder struct {
	refundWindowDays int
}

// NewTableBuilder creates a builder.
func NewTableBuilder(refundWindowDays int) *TableBuilder {
	return &TableBuilder{refundWindowDays: refundWindowDays}
}

// Build aggregates completed lifecycles into entries at every fallback
// level. A lifecycle is completed when it was credited more than the
// refund window before asOf's day.
func (b *TableBuilder) Build(lifecycles []models.Lifecycle, asOf time.Time) []Entry {
	acc := b.Accumulate(asOf)
	for i := range lifecycles {
		acc.Add(&lifecycles[i])
	}
	return acc.Entries()
}

// Accumulator collects counts page by page.
type Accumulator struct {
	cutoff time.Time
	agg    map[tableKey]*counts
}

// Accumulate starts an incremental build for asOf.
func (b *TableBuilder) Accumulate(asOf time.Time) *Accumulator {
	return &Accumulator{
		cutoff: models.Day(asOf).AddDate(0, 0, -b.refundWindowDays),
		agg:    make(map[tableKey]*counts),
	}
}

// Add counts lc when it is completed. It reports whether lc was counted.
func (a *Accumulator) Add(lc *models.Lifecycle) bool {
	credited, ok := lc.CreditedDate()
	if !ok || !credited.Before(a.cutoff) {
		return false
	}

	converted := hasPositiveRevenue(lc)
	refunded := lc.HasRefund()

	for level := 0; level <= MaxLevel; level++ {
		k := tableKey{level: level, key: Project(lc.CohortKey, level)}
		c, ok := a.agg[k]
		if !ok {
			c = &counts{}
			a.agg[k] = c
		}
		switch lc.Path {
		case models.PathTrial:
			c.trials++
			if converted {
				c.converted++
				if refunded {
					c.convertedRefunds++
				}
			}
		case models.PathPurchase:
			c.purchases++
			if refunded {
				c.purchaseRefunds++
			}
		}
	}
	return true
}

// Entries computes the rates collected so far.
func (a *Accumulator) Entries() []Entry {
	entries := make([]Entry, 0, len(a.agg))
	for k, c := range a.agg {
		entries = append(entries, Entry{
			Level:            k.level,
			Key:              k.key,
			TrialConversion:  ratio(c.converted, c.trials),
			TrialToRefund:    ratio(c.convertedRefunds, c.converted),
			PurchaseToRefund: ratio(c.purchaseRefunds, c.purchases),
			Trials:           c.trials,
			Conversions:      c.converted,
			Purchases:        c.purchases,
		})
	}
	return entries
}

// ratio is NULL for an empty denominator.
func ratio(num, den int) decimal.NullDecimal {
	if den == 0 {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromInt(int64(num)).DivRound(decimal.NewFromInt(int64(den)), rateScale))
}

func hasPositiveRevenue(lc *models.Lifecycle) bool {
	for _, r := range lc.RevenueEvents {
		if r.AmountUSD.IsPositive() {
			return true
		}
	}
	return false
}

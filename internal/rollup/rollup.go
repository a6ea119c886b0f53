// Package rollup aggregates lifecycle values to ads, ad sets and campaigns.
package rollup

import (
	"fmt"
	"sort"
	"time"

	"github.com/radiusdt/vector-roas/internal/models"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Level is the grouping level of a rollup.
type Level string

const (
	LevelCampaign Level = "campaign"
	LevelAdSet    Level = "adset"
	LevelAd       Level = "ad"
)

// ParseLevel validates a level name.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelCampaign, LevelAdSet, LevelAd:
		return Level(s), nil
	case "":
		return LevelCampaign, nil
	}
	return "", fmt.Errorf("unknown rollup level %q", s)
}

// ParentResolver resolves an ad to its parents.
type ParentResolver interface {
	Parents(adID string) (adSetID, campaignID string, ok bool)
}

// Query selects lifecycles credited within [From, To], both inclusive days.
type Query struct {
	From  time.Time
	To    time.Time
	Level Level
}

// Row is one aggregate.
type Row struct {
	Level      Level                      `json:"level"`
	CampaignID string                     `json:"campaign_id"`
	AdSetID    string                     `json:"adset_id,omitempty"`
	AdID       string                     `json:"ad_id,omitempty"`
	ValueUSD   decimal.Decimal            `json:"value_usd"`
	Lifecycles int                        `json:"lifecycles"`
	Unvalued   int                        `json:"unvalued"`
	ByStatus   map[models.ValueStatus]int `json:"by_status"`
}

// Key identifies the row within its level.
func (r Row) Key() string {
	switch r.Level {
	case LevelAd:
		return r.AdID
	case LevelAdSet:
		return r.AdSetID
	default:
		return r.CampaignID
	}
}

// Aggregate sums current values of valid, attributed lifecycles whose ad
// has a hierarchy entry. Rows are sorted by campaign, ad set and ad.
func Aggregate(lifecycles []models.Lifecycle, resolver ParentResolver, q Query) []Row {
	if q.Level == "" {
		q.Level = LevelCampaign
	}
	from, to := models.Day(q.From), models.Day(q.To)

	rows := make(map[string]*Row)
	for i := range lifecycles {
		lc := &lifecycles[i]
		credited, ok := lc.CreditedDate()
		if !lc.Valid || !ok || lc.AdID == "" {
			continue
		}
		if !q.From.IsZero() && credited.Before(from) {
			continue
		}
		if !q.To.IsZero() && credited.After(to) {
			continue
		}
		adSetID, campaignID, ok := resolver.Parents(lc.AdID)
		if !ok {
			continue
		}

		row := Row{Level: q.Level, CampaignID: campaignID}
		switch q.Level {
		case LevelAdSet:
			row.AdSetID = adSetID
		case LevelAd:
			row.AdSetID = adSetID
			row.AdID = lc.AdID
		}

		key := row.CampaignID + "\x00" + row.AdSetID + "\x00" + row.AdID
		agg, ok := rows[key]
		if !ok {
			row.ByStatus = make(map[models.ValueStatus]int)
			agg = &row
			rows[key] = agg
		}

		agg.Lifecycles++
		if !lc.CurrentValue.Valid {
			agg.Unvalued++
			continue
		}
		agg.ValueUSD = agg.ValueUSD.Add(lc.CurrentValue.Decimal)
		agg.ByStatus[lc.ValueStatus]++
	}

	out := lo.MapToSlice(rows, func(_ string, r *Row) Row { return *r })
	sortRows(out)
	return out
}

// Merge combines rows aggregated over disjoint sets of lifecycles.
func Merge(sets ...[]Row) []Row {
	merged := make(map[string]*Row)
	for _, set := range sets {
		for _, r := range set {
			key := string(r.Level) + "\x00" + r.CampaignID + "\x00" + r.AdSetID + "\x00" + r.AdID
			agg, ok := merged[key]
			if !ok {
				row := r
				row.ByStatus = make(map[models.ValueStatus]int, len(r.ByStatus))
				row.ValueUSD = decimal.Zero
				row.Lifecycles, row.Unvalued = 0, 0
				agg = &row
				merged[key] = agg
			}
			agg.ValueUSD = agg.ValueUSD.Add(r.ValueUSD)
			agg.Lifecycles += r.Lifecycles
			agg.Unvalued += r.Unvalued
			for status, n := range r.ByStatus {
				agg.ByStatus[status] += n
			}
		}
	}

	out := lo.MapToSlice(merged, func(_ string, r *Row) Row { return *r })
	sortRows(out)
	return out
}

func sortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CampaignID != rows[j].CampaignID {
			return rows[i].CampaignID < rows[j].CampaignID
		}
		if rows[i].AdSetID != rows[j].AdSetID {
			return rows[i].AdSetID < rows[j].AdSetID
		}
		return rows[i].AdID < rows[j].AdID
	})
}

// Total sums the values of rows.
func Total(rows []Row) decimal.Decimal {
	return lo.Reduce(rows, func(acc decimal.Decimal, r Row, _ int) decimal.Decimal {
		return acc.Add(r.ValueUSD)
	}, decimal.Zero)
}

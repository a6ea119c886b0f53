package lifecycle

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/radiusdt/vector-roas/internal/apperrors"
	"github.com/radiusdt/vector-roas/internal/geo"
	"github.com/radiusdt/vector-roas/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var day0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func newTestBuilder() *Builder {
	return NewBuilder(Config{
		FX: map[string]decimal.Decimal{
			"USD": decimal.NewFromInt(1),
			"EUR": decimal.RequireFromString("1.10"),
		},
		DefaultExpectedValue: decimal.RequireFromString("9.99"),
	}, nil, zap.NewNop())
}

func ev(seq int64, name, product string, at time.Time, revenue string, payload any) models.RawEvent {
	e := models.RawEvent{
		Seq:           seq,
		EventID:       name,
		EventName:     name,
		EventTime:     at,
		RevenueAmount: decimal.RequireFromString(revenue),
		Currency:      "USD",
	}
	if product != "" {
		e.ProductID = &product
	}
	if payload != nil {
		raw, _ := json.Marshal(payload)
		e.Payload = raw
	}
	return e
}

func TestBuild_TrialLifecycle(t *testing.T) {
	b := newTestBuilder()
	res := b.Build(UserHistory{
		DistinctID: "user-1",
		Events: []models.RawEvent{
			ev(2, "trial_converted", "pro", day0.Add(72*time.Hour), "9.99", nil),
			ev(1, "trial_started", "pro", day0, "0", map[string]any{"store": "App_Store", "price": "9.99"}),
		},
		Profile: &models.RawUserProfile{Country: "us", Region: "ca", EconomicTier: "T1", AdID: "ad-1"},
	})

	require.Empty(t, res.Errors)
	require.Len(t, res.Lifecycles, 1)
	lc := res.Lifecycles[0]

	assert.Equal(t, models.LifecycleID("user-1", "pro"), lc.ID)
	require.NotNil(t, lc.CreditedAt)
	assert.Equal(t, day0, *lc.CreditedAt)
	assert.Equal(t, models.PathTrial, lc.Path)
	assert.Equal(t, models.CohortKey{
		ProductID: "pro", Store: "app_store", PriceBucket: "9.99",
		EconomicTier: "T1", Country: "US", Region: "CA",
	}, lc.CohortKey)
	assert.Equal(t, "ad-1", lc.AdID)
	assert.True(t, lc.ExpectedValue.Equal(decimal.RequireFromString("9.99")))
	require.Len(t, lc.RevenueEvents, 1)
	assert.True(t, lc.RevenueEvents[0].AmountUSD.Equal(decimal.RequireFromString("9.99")))
	assert.True(t, lc.Valid)
}

func TestBuild_PurchasePathWithFXAndProductFromPayload(t *testing.T) {
	b := newTestBuilder()
	purchase := ev(1, "purchase", "", day0, "10", map[string]any{"product_id": "lifetime"})
	purchase.Currency = "EUR"

	res := b.Build(UserHistory{DistinctID: "user-2", Events: []models.RawEvent{purchase}})

	require.Len(t, res.Lifecycles, 1)
	lc := res.Lifecycles[0]
	assert.Equal(t, "lifetime", lc.ProductID)
	assert.Equal(t, models.PathPurchase, lc.Path)
	assert.Equal(t, "11.00", lc.CohortKey.PriceBucket)
	assert.Equal(t, "unknown", lc.CohortKey.Store)
	assert.Equal(t, "unknown", lc.CohortKey.Country)
	assert.True(t, lc.ExpectedValue.Equal(decimal.RequireFromString("9.99")), "no payload price falls back to default")
}

func TestBuild_MalformedEventsSkippedAndCounted(t *testing.T) {
	b := newTestBuilder()
	bad := ev(2, "renewal", "pro", day0.Add(time.Hour), "9.99", nil)
	bad.Payload = []byte(`{"product_id":`)
	noProduct := ev(3, "trial_started", "", day0, "0", nil)
	badCurrency := ev(4, "renewal", "pro", day0.Add(2*time.Hour), "5", nil)
	badCurrency.Currency = "XYZ"

	res := b.Build(UserHistory{
		DistinctID: "user-3",
		Events: []models.RawEvent{
			ev(1, "trial_started", "pro", day0, "0", nil),
			bad, noProduct, badCurrency,
			ev(5, "app_open", "", day0, "0", nil),
		},
	})

	require.Len(t, res.Errors, 3)
	for _, err := range res.Errors {
		kind, ok := apperrors.KindOf(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.KindMalformedEvent, kind)
	}
	require.Len(t, res.Lifecycles, 1, "the batch is not aborted")
}

func TestBuild_NoStarterIsUnattributed(t *testing.T) {
	b := newTestBuilder()
	res := b.Build(UserHistory{
		DistinctID: "user-4",
		Events:     []models.RawEvent{ev(1, "renewal", "pro", day0, "9.99", nil)},
	})

	assert.Empty(t, res.Lifecycles)
	assert.Equal(t, 1, res.Unattributed)
	assert.Empty(t, res.Errors)
}

func TestBuild_CreditedDateNeverMoves(t *testing.T) {
	b := newTestBuilder()
	first := b.Build(UserHistory{
		DistinctID: "user-5",
		Events:     []models.RawEvent{ev(1, "trial_started", "pro", day0, "0", nil)},
	})
	require.Len(t, first.Lifecycles, 1)
	stored := first.Lifecycles[0]

	t.Run("later starter keeps the date", func(t *testing.T) {
		res := b.Build(UserHistory{
			DistinctID: "user-5",
			Events: []models.RawEvent{
				ev(1, "trial_started", "pro", day0, "0", nil),
				ev(2, "trial_started", "pro", day0.Add(5*24*time.Hour), "0", nil),
			},
			Existing: []models.Lifecycle{stored},
		})
		require.Empty(t, res.Errors)
		assert.Equal(t, day0, *res.Lifecycles[0].CreditedAt)
	})

	t.Run("late earlier starter is an integrity error", func(t *testing.T) {
		res := b.Build(UserHistory{
			DistinctID: "user-5",
			Events: []models.RawEvent{
				ev(0, "trial_started", "pro", day0.Add(-48*time.Hour), "0", nil),
				ev(1, "trial_started", "pro", day0, "0", nil),
				ev(2, "trial_converted", "pro", day0.Add(time.Hour), "9.99", nil),
			},
			Existing: []models.Lifecycle{stored},
		})
		require.Len(t, res.Errors, 1)
		kind, _ := apperrors.KindOf(res.Errors[0])
		assert.Equal(t, apperrors.KindLifecycleIntegrity, kind)

		require.Len(t, res.Lifecycles, 1)
		assert.Equal(t, day0, *res.Lifecycles[0].CreditedAt)
		assert.Empty(t, res.Lifecycles[0].RevenueEvents, "stored row left untouched")
		require.NotNil(t, res.Lifecycles[0].RejectedStarterAt)
		assert.Equal(t, day0.Add(-48*time.Hour), *res.Lifecycles[0].RejectedStarterAt)
	})

	t.Run("rejected starter is reported once", func(t *testing.T) {
		events := []models.RawEvent{
			ev(0, "trial_started", "pro", day0.Add(-48*time.Hour), "0", nil),
			ev(1, "trial_started", "pro", day0, "0", nil),
		}
		first := b.Build(UserHistory{DistinctID: "user-5", Events: events, Existing: []models.Lifecycle{stored}})
		require.Len(t, first.Errors, 1)

		again := b.Build(UserHistory{DistinctID: "user-5", Events: events, Existing: first.Lifecycles})
		assert.Empty(t, again.Errors)
		require.Len(t, again.Lifecycles, 1)
		assert.Equal(t, day0, *again.Lifecycles[0].CreditedAt)

		// A starter earlier still is a new integrity error.
		earlier := append([]models.RawEvent{ev(-1, "trial_started", "pro", day0.Add(-72*time.Hour), "0", nil)}, events...)
		res := b.Build(UserHistory{DistinctID: "user-5", Events: earlier, Existing: again.Lifecycles})
		require.Len(t, res.Errors, 1)
		assert.Equal(t, day0.Add(-72*time.Hour), *res.Lifecycles[0].RejectedStarterAt)
	})
}

func TestBuild_PendingLifecycleGetsAssigned(t *testing.T) {
	b := newTestBuilder()
	pending := register("user-6", "pro")
	require.True(t, pending.Pending())

	res := b.Build(UserHistory{
		DistinctID: "user-6",
		Events:     []models.RawEvent{ev(1, "trial_started", "pro", day0, "0", nil)},
		Existing:   []models.Lifecycle{pending},
	})

	require.Len(t, res.Lifecycles, 1)
	assert.False(t, res.Lifecycles[0].Pending())
}

func TestBuild_RefundLedger(t *testing.T) {
	b := newTestBuilder()
	res := b.Build(UserHistory{
		DistinctID: "user-7",
		Events: []models.RawEvent{
			ev(1, "purchase", "pro", day0, "19.99", nil),
			ev(2, "refund", "pro", day0.Add(24*time.Hour), "19.99", nil),
		},
	})

	lc := res.Lifecycles[0]
	require.Len(t, lc.RevenueEvents, 2)
	assert.True(t, lc.HasRefund())
	assert.True(t, lc.RevenueEvents[1].AmountUSD.Equal(decimal.RequireFromString("-19.99")))
}

func TestBuild_GeoEnrichment(t *testing.T) {
	b := NewBuilder(Config{DefaultExpectedValue: decimal.NewFromInt(5)},
		geo.StaticProvider{"203.0.113.7": {CountryCode: "US", RegionCode: "TX"}}, zap.NewNop())

	res := b.Build(UserHistory{
		DistinctID: "user-8",
		Events:     []models.RawEvent{ev(1, "trial_started", "pro", day0, "0", nil)},
		Profile:    &models.RawUserProfile{IP: "203.0.113.7"},
	})

	key := res.Lifecycles[0].CohortKey
	assert.Equal(t, "US", key.Country)
	assert.Equal(t, "TX", key.Region)
	assert.Equal(t, "T1", key.EconomicTier)
}

func TestBuild_SingleValidLifecyclePerUser(t *testing.T) {
	b := newTestBuilder()
	res := b.Build(UserHistory{
		DistinctID: "user-9",
		Events: []models.RawEvent{
			ev(1, "trial_started", "basic", day0, "0", nil),
			ev(2, "trial_started", "pro", day0.Add(24*time.Hour), "0", nil),
			ev(3, "purchase", "addon", day0.Add(12*time.Hour), "2.99", nil),
		},
	})

	require.Len(t, res.Lifecycles, 3)
	valid := 0
	for _, lc := range res.Lifecycles {
		if lc.Valid {
			valid++
			assert.Equal(t, "pro", lc.ProductID, "latest active relationship wins")
		}
	}
	assert.Equal(t, 1, valid)
}

func TestBuild_Idempotent(t *testing.T) {
	b := newTestBuilder()
	history := UserHistory{
		DistinctID: "user-10",
		Events: []models.RawEvent{
			ev(1, "trial_started", "pro", day0, "0", map[string]any{"price": 4.99}),
			ev(2, "trial_converted", "pro", day0.Add(72*time.Hour), "4.99", nil),
			ev(3, "trial_started", "basic", day0.Add(time.Hour), "0", nil),
		},
	}

	first := b.Build(history)
	history.Existing = first.Lifecycles
	second := b.Build(history)

	assert.Equal(t, first.Lifecycles, second.Lifecycles)
}

func TestDeduplicate(t *testing.T) {
	at := func(h int) *time.Time {
		t := day0.Add(time.Duration(h) * time.Hour)
		return &t
	}

	tests := []struct {
		name      string
		in        []models.Lifecycle
		wantValid string
	}{
		{
			name: "most recent starter wins",
			in: []models.Lifecycle{
				{ProductID: "a", CreditedAt: at(0), Valid: true},
				{ProductID: "b", CreditedAt: at(5), Valid: true},
			},
			wantValid: "b",
		},
		{
			name: "tie goes to greatest product id",
			in: []models.Lifecycle{
				{ProductID: "z", CreditedAt: at(1)},
				{ProductID: "m", CreditedAt: at(1)},
			},
			wantValid: "z",
		},
		{
			name: "pending never valid",
			in: []models.Lifecycle{
				{ProductID: "p", Valid: true},
				{ProductID: "q", CreditedAt: at(0)},
			},
			wantValid: "q",
		},
		{
			name:      "all pending",
			in:        []models.Lifecycle{{ProductID: "p"}},
			wantValid: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			once := Deduplicate(tt.in)
			twice := Deduplicate(once)
			assert.Equal(t, once, twice, "deduplication is idempotent")

			valid := ""
			count := 0
			for _, lc := range once {
				if lc.Valid {
					valid = lc.ProductID
					count++
				}
			}
			assert.LessOrEqual(t, count, 1)
			assert.Equal(t, tt.wantValid, valid)
		})
	}
}

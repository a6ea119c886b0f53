package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyEvent(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		revenue string
		want    EventKind
	}{
		{"trial", "trial_started", "0", KindTrialStarted},
		{"sdk alias", "AF_START_TRIAL", "0", KindTrialStarted},
		{"purchase", "purchase", "9.99", KindInitialPurchase},
		{"conversion", "trial_converted", "9.99", KindTrialConverted},
		{"negative revenue is refund", "renewal", "-9.99", KindRefund},
		{"unknown", "app_open", "0", KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := RawEvent{EventName: tt.event, RevenueAmount: decimal.RequireFromString(tt.revenue)}
			assert.Equal(t, tt.want, ClassifyEvent(e))
		})
	}
}

func TestEventKind_IsStarter(t *testing.T) {
	assert.True(t, KindTrialStarted.IsStarter())
	assert.True(t, KindInitialPurchase.IsStarter())
	assert.False(t, KindTrialConverted.IsStarter())
	assert.False(t, KindRenewal.IsStarter())
}

func TestLifecycleID_Deterministic(t *testing.T) {
	a := LifecycleID("user-1", "pro_monthly")
	b := LifecycleID("user-1", "pro_monthly")
	c := LifecycleID("user-1", "pro_yearly")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, 5, int(a.Version()))
}

func TestLifecycle_CreditedDate(t *testing.T) {
	lc := &Lifecycle{}
	assert.True(t, lc.Pending())
	_, ok := lc.CreditedDate()
	assert.False(t, ok)

	at := time.Date(2024, 5, 3, 22, 15, 0, 0, time.UTC)
	lc.CreditedAt = &at
	day, ok := lc.CreditedDate()
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC), day)
}

func TestEventPayload_MissingPrice(t *testing.T) {
	var p EventPayload
	require.NoError(t, json.Unmarshal([]byte(`{"product_id":"pro","store":"app_store"}`), &p))
	assert.False(t, p.Price.Valid)

	require.NoError(t, json.Unmarshal([]byte(`{"price":"4.99"}`), &p))
	assert.True(t, p.Price.Valid)
	assert.Equal(t, "4.99", p.Price.Decimal.String())
}

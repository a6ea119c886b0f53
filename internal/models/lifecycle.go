package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LifecycleNamespace seeds deterministic lifecycle ids.
var LifecycleNamespace = uuid.MustParse("6f1c2a8e-3d4b-5e6f-8a9b-0c1d2e3f4a5b")

// LifecycleID returns the stable id of a (distinct_id, product_id) pair.
func LifecycleID(distinctID, productID string) uuid.UUID {
	return uuid.NewSHA1(LifecycleNamespace, []byte(distinctID+"\x00"+productID))
}

// Path is how a lifecycle started.
type Path string

const (
	PathTrial    Path = "trial"
	PathPurchase Path = "purchase"
)

// ValueStatus is the state of the value estimation machine.
type ValueStatus string

const (
	StatusPreConversion  ValueStatus = "pre_conversion"
	StatusPostConversion ValueStatus = "post_conversion_pre_refund_window"
	StatusFinalValue     ValueStatus = "final_value"
	StatusRefunded       ValueStatus = "refunded"
)

// AllValueStatuses lists statuses in state machine order.
var AllValueStatuses = []ValueStatus{
	StatusPreConversion,
	StatusPostConversion,
	StatusFinalValue,
	StatusRefunded,
}

// CohortKey holds the dimensions a lifecycle is grouped by for rate lookup.
type CohortKey struct {
	ProductID    string `json:"product_id"`
	Store        string `json:"store"`
	PriceBucket  string `json:"price_bucket"`
	EconomicTier string `json:"economic_tier"`
	Country      string `json:"country"`
	Region       string `json:"region"`
}

// RevenueEntry is one USD-converted revenue or refund event of a lifecycle.
type RevenueEntry struct {
	EventTime time.Time       `json:"event_time"`
	EventName string          `json:"event_name"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
}

// Rates are the probabilities assigned to a lifecycle.
type Rates struct {
	TrialConversion  decimal.NullDecimal `json:"trial_conversion_rate"`
	TrialToRefund    decimal.NullDecimal `json:"trial_to_refund_rate"`
	PurchaseToRefund decimal.NullDecimal `json:"purchase_to_refund_rate"`
	Confidence       string              `json:"rate_confidence,omitempty"` // exact, fallback-N or default
}

// Empty reports whether no rate has been assigned.
func (r Rates) Empty() bool {
	return !r.TrialConversion.Valid && !r.TrialToRefund.Valid && !r.PurchaseToRefund.Valid
}

// Lifecycle is one (distinct_id, product_id) relationship.
type Lifecycle struct {
	ID         uuid.UUID `json:"id"`
	DistinctID string    `json:"distinct_id"`
	ProductID  string    `json:"product_id"`

	// CreditedAt is the earliest starter event time. Nil means attribution pending.
	CreditedAt *time.Time `json:"credited_at,omitempty"`
	Path       Path       `json:"path"`
	CohortKey  CohortKey  `json:"cohort_key"`
	AdID       string     `json:"ad_id,omitempty"`

	// RejectedStarterAt is the earliest starter already reported as an
	// integrity error against CreditedAt.
	RejectedStarterAt *time.Time `json:"rejected_starter_at,omitempty"`

	ExpectedValue decimal.Decimal `json:"expected_value_usd"`
	RevenueEvents []RevenueEntry  `json:"revenue_events"`
	Rates         Rates           `json:"rates"`

	CurrentValue decimal.NullDecimal `json:"current_value_usd"`
	ValueStatus  ValueStatus         `json:"value_status,omitempty"`
	Valid        bool                `json:"valid"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Pending reports whether the credited date is still unassigned.
func (l *Lifecycle) Pending() bool {
	return l.CreditedAt == nil
}

// CreditedDate returns the UTC calendar day of CreditedAt.
func (l *Lifecycle) CreditedDate() (time.Time, bool) {
	if l.CreditedAt == nil {
		return time.Time{}, false
	}
	return Day(*l.CreditedAt), true
}

// HasRefund reports whether any ledger entry is negative.
func (l *Lifecycle) HasRefund() bool {
	for _, r := range l.RevenueEvents {
		if r.AmountUSD.IsNegative() {
			return true
		}
	}
	return false
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

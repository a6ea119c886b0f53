package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ===========================================
// RAW INPUT
// ===========================================

// RawEvent is one ingested analytics event. Rows are immutable and may
// arrive repeated and out of order.
type RawEvent struct {
	Seq                  int64           `json:"seq"` // ingest sequence, the resolve checkpoint cursor
	EventID              string          `json:"event_id"`
	PrimaryIdentifier    string          `json:"primary_identifier"`
	AlternateIdentifiers []string        `json:"alternate_identifiers,omitempty"`
	EventName            string          `json:"event_name"`
	EventTime            time.Time       `json:"event_time"`
	ProductID            *string         `json:"product_id,omitempty"`
	RevenueAmount        decimal.Decimal `json:"revenue_amount"`
	Currency             string          `json:"currency,omitempty"`
	Payload              json.RawMessage `json:"payload,omitempty"`
}

// Identifiers returns the primary identifier followed by the alternates.
func (e RawEvent) Identifiers() []string {
	ids := make([]string, 0, 1+len(e.AlternateIdentifiers))
	ids = append(ids, e.PrimaryIdentifier)
	return append(ids, e.AlternateIdentifiers...)
}

// RawUserProfile carries the attributes used for cohort dimensions and attribution.
type RawUserProfile struct {
	Identifier   string    `json:"identifier"`
	Country      string    `json:"country,omitempty"`
	Region       string    `json:"region,omitempty"`
	EconomicTier string    `json:"economic_tier,omitempty"`
	IP           string    `json:"ip,omitempty"`
	AdID         string    `json:"ad_id,omitempty"` // ad the install was attributed to
	UpdatedAt    time.Time `json:"updated_at"`
}

// CanonicalEvent is a raw event attached to its resolved user.
type CanonicalEvent struct {
	DistinctID string   `json:"distinct_id"`
	Event      RawEvent `json:"event"`
}

// LogicalKey is the deduplication key of a canonical event.
func (c CanonicalEvent) LogicalKey() string {
	return c.DistinctID + "\x00" + c.Event.EventName + "\x00" + c.Event.EventTime.UTC().Format(time.RFC3339Nano)
}

// EventPayload is the subset of the raw payload the engine reads.
type EventPayload struct {
	ProductID string              `json:"product_id,omitempty"`
	Store     string              `json:"store,omitempty"`
	Price     decimal.NullDecimal `json:"price,omitempty"`
	Currency  string              `json:"currency,omitempty"`
}

// ===========================================
// EVENT KINDS (external names to internal)
// ===========================================

// EventKind is the normalized meaning of an event.
type EventKind string

const (
	KindTrialStarted    EventKind = "trial_started"
	KindTrialConverted  EventKind = "trial_converted"
	KindInitialPurchase EventKind = "initial_purchase"
	KindRenewal         EventKind = "renewal"
	KindRefund          EventKind = "refund"
	KindCancellation    EventKind = "cancellation"
	KindOther           EventKind = "other"
)

// IsStarter reports whether the kind opens a lifecycle.
func (k EventKind) IsStarter() bool {
	return k == KindTrialStarted || k == KindInitialPurchase
}

// IsLifecycleRelevant reports whether the kind belongs to a user-product lifecycle.
func (k EventKind) IsLifecycleRelevant() bool {
	return k != KindOther
}

// DefaultEventKinds maps lower-cased external event names from SDKs and
// store notifications to kinds.
var DefaultEventKinds = map[string]EventKind{
	"trial_started":          KindTrialStarted,
	"trial_start":            KindTrialStarted,
	"af_start_trial":         KindTrialStarted,
	"start_trial":            KindTrialStarted,
	"trial_converted":        KindTrialConverted,
	"trial_conversion":       KindTrialConverted,
	"subscription_started":   KindTrialConverted,
	"initial_purchase":       KindInitialPurchase,
	"purchase":               KindInitialPurchase,
	"af_purchase":            KindInitialPurchase,
	"af_first_purchase":      KindInitialPurchase,
	"renewal":                KindRenewal,
	"subscription_renewed":   KindRenewal,
	"af_subscribe":           KindRenewal,
	"refund":                 KindRefund,
	"subscription_refunded":  KindRefund,
	"cancellation":           KindCancellation,
	"subscription_cancelled": KindCancellation,
	"trial_cancelled":        KindCancellation,
}

// ClassifyEvent maps an event to its kind. Any negative revenue is a refund.
func ClassifyEvent(e RawEvent) EventKind {
	if e.RevenueAmount.IsNegative() {
		return KindRefund
	}
	if kind, ok := DefaultEventKinds[strings.ToLower(strings.TrimSpace(e.EventName))]; ok {
		return kind
	}
	return KindOther
}

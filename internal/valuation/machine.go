// Package valuation computes the current estimated value of a lifecycle.
package valuation

import (
	"time"

	"github.com/radiusdt/vector-roas/internal/apperrors"
	"github.com/radiusdt/vector-roas/internal/models"
	"github.com/shopspring/decimal"
)

const valueScale = 6

// Outcome is the evaluated state of a lifecycle.
type Outcome struct {
	Status            models.ValueStatus
	Value             decimal.Decimal
	RealizedUSD       decimal.Decimal // net of refunds
	DaysSinceCredited int
}

// Machine is the value estimation state machine. It never reads the clock.
type Machine struct {
	refundWindowDays int
}

// NewMachine creates a machine settling revenue after refundWindowDays.
func NewMachine(refundWindowDays int) *Machine {
	return &Machine{refundWindowDays: refundWindowDays}
}

// Evaluate returns the state and value of lc as of the end of asOf's day.
// Only ledger entries up to that point are considered.
func (m *Machine) Evaluate(lc models.Lifecycle, asOf time.Time) (Outcome, error) {
	ref := lc.ID.String()

	credited, ok := lc.CreditedDate()
	if !ok {
		return Outcome{}, apperrors.StateTransitionError(ref, "attribution pending")
	}

	asOfDay := models.Day(asOf)
	if asOfDay.Before(credited) {
		return Outcome{}, apperrors.StateTransitionError(ref, "credited after as-of date")
	}
	end := asOfDay.AddDate(0, 0, 1)

	positive, net := decimal.Zero, decimal.Zero
	refunded := false
	for _, r := range lc.RevenueEvents {
		if !r.EventTime.Before(end) {
			continue
		}
		net = net.Add(r.AmountUSD)
		if r.AmountUSD.IsNegative() {
			refunded = true
		} else {
			positive = positive.Add(r.AmountUSD)
		}
	}

	out := Outcome{
		RealizedUSD:       net,
		DaysSinceCredited: int(asOfDay.Sub(credited).Hours() / 24),
	}

	switch {
	case refunded:
		out.Status = models.StatusRefunded
		out.Value = net

	case positive.IsPositive() && out.DaysSinceCredited > m.refundWindowDays:
		out.Status = models.StatusFinalValue
		out.Value = positive

	case positive.IsPositive():
		refundRate := lc.Rates.TrialToRefund
		if lc.Path == models.PathPurchase {
			refundRate = lc.Rates.PurchaseToRefund
		}
		if lc.Rates.Empty() {
			return Outcome{}, apperrors.StateTransitionError(ref, "no rates assigned")
		}
		if !refundRate.Valid {
			return Outcome{}, apperrors.StateTransitionError(ref, "missing refund rate for "+string(lc.Path)+" path")
		}
		out.Status = models.StatusPostConversion
		out.Value = positive.Mul(decimal.NewFromInt(1).Sub(refundRate.Decimal)).Round(valueScale)

	default:
		if lc.Rates.Empty() {
			return Outcome{}, apperrors.StateTransitionError(ref, "no rates assigned")
		}
		if !lc.Rates.TrialConversion.Valid {
			return Outcome{}, apperrors.StateTransitionError(ref, "missing trial conversion rate")
		}
		out.Status = models.StatusPreConversion
		out.Value = lc.Rates.TrialConversion.Decimal.Mul(lc.ExpectedValue).Round(valueScale)
	}

	return out, nil
}

// Apply evaluates lc and stores the outcome on it. On error lc is unchanged.
func (m *Machine) Apply(lc *models.Lifecycle, asOf time.Time) error {
	out, err := m.Evaluate(*lc, asOf)
	if err != nil {
		return err
	}
	lc.ValueStatus = out.Status
	lc.CurrentValue = decimal.NewNullDecimal(out.Value)
	return nil
}

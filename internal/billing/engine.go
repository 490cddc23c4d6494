package billing

import (
	"context"
	"fmt"
	"time"

	"smart_bays/internal/domain"
	"smart_bays/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/guregu/null.v4"
)

// Debiter records a parking_charge debit inside the caller's transaction. It
// returns a negative-balance alert when the debit crossed zero.
type Debiter interface {
	DebitTx(ctx context.Context, q repository.Queries, userID string, bookingID uuid.UUID, amount decimal.Decimal, note string) (*domain.Notification, error)
}

// Charge is the result of one billing step.
type Charge struct {
	Amount decimal.Decimal
	Units  int64
	Alert  *domain.Notification
}

func (c Charge) IsZero() bool { return c.Amount.IsZero() }

// Engine advances a parked booking's billing cursor and finalizes the total
// at completion. It mutates the booking in memory; the caller persists it in
// the same transaction as the debit.
type Engine struct {
	pricing Pricing
	ledger  Debiter
}

func NewEngine(pricing Pricing, ledger Debiter) *Engine {
	return &Engine{pricing: pricing, ledger: ledger}
}

func (e *Engine) Pricing() Pricing { return e.pricing }

// Advance issues at most one debit covering every whole quantum since the
// cursor. The cursor moves by whole quanta only.
func (e *Engine) Advance(ctx context.Context, q repository.Queries, b *domain.Booking, now time.Time) (Charge, error) {
	if b.Status != domain.BookingParked || !b.LastBilledAt.Valid {
		return Charge{}, nil
	}
	units := e.pricing.Units(now.Sub(b.LastBilledAt.Time))
	if units < 1 {
		return Charge{}, nil
	}
	amount := e.pricing.ChargeForUnits(units)
	note := fmt.Sprintf("parking %s: %d x %s", b.BayName, units, e.pricing.Quantum())
	alert, err := e.ledger.DebitTx(ctx, q, b.UserID, b.ID, amount, note)
	if err != nil {
		return Charge{}, fmt.Errorf("BillingEngine.Advance: %w", err)
	}
	b.AccumulatedCharge = b.AccumulatedCharge.Add(amount)
	b.LastBilledAt = null.TimeFrom(b.LastBilledAt.Time.Add(time.Duration(units) * e.pricing.Quantum()))
	b.BillingCursorAt = null.TimeFrom(now)
	return Charge{Amount: amount, Units: units, Alert: alert}, nil
}

// Finalize debits the difference between the quantized total for the parked
// interval ending at completedAt and what was already metered. Admin
// adjustments sit on top of the metered total. It never refunds.
func (e *Engine) Finalize(ctx context.Context, q repository.Queries, b *domain.Booking, completedAt time.Time) (Charge, error) {
	if !b.TimerStartedAt.Valid {
		return Charge{}, nil
	}
	final := e.pricing.FinalCharge(completedAt.Sub(b.TimerStartedAt.Time))
	delta := final.Sub(b.AccumulatedCharge.Sub(b.AdjustedCharge))
	if !delta.IsPositive() {
		return Charge{}, nil
	}
	note := fmt.Sprintf("parking %s: final settlement", b.BayName)
	alert, err := e.ledger.DebitTx(ctx, q, b.UserID, b.ID, delta, note)
	if err != nil {
		return Charge{}, fmt.Errorf("BillingEngine.Finalize: %w", err)
	}
	b.AccumulatedCharge = b.AccumulatedCharge.Add(delta)
	return Charge{Amount: delta, Alert: alert}, nil
}

// Package billing turns parked time into wallet debits.
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pricing converts parked durations into money.
type Pricing interface {
	// Units is the number of whole quanta in elapsed. The boundary is
	// exclusive: exactly one quantum yields one unit.
	Units(elapsed time.Duration) int64
	// Quantum is the length of one billing unit.
	Quantum() time.Duration
	// ChargeForUnits prices n whole quanta.
	ChargeForUnits(n int64) decimal.Decimal
	// FinalCharge is the total owed for a completed parking interval,
	// quantized to cents with HALF_UP.
	FinalCharge(parked time.Duration) decimal.Decimal
}

// FlatRate charges Price for every Period of parking.
type FlatRate struct {
	Period time.Duration
	Price  decimal.Decimal
}

// DefaultPricing is $1.00 per 30 seconds.
func DefaultPricing() FlatRate {
	return FlatRate{Period: 30 * time.Second, Price: decimal.NewFromInt(1)}
}

func (p FlatRate) Quantum() time.Duration { return p.Period }

func (p FlatRate) Units(elapsed time.Duration) int64 {
	if elapsed <= 0 || p.Period <= 0 {
		return 0
	}
	return int64(elapsed / p.Period)
}

func (p FlatRate) ChargeForUnits(n int64) decimal.Decimal {
	if n <= 0 {
		return decimal.Zero
	}
	return p.Price.Mul(decimal.NewFromInt(n))
}

// ChargeForDuration is the progressive charge: floor(elapsed/Period) * Price.
func (p FlatRate) ChargeForDuration(elapsed time.Duration) decimal.Decimal {
	return p.ChargeForUnits(p.Units(elapsed))
}

// FinalCharge is round_half_up(parked/Period * Price, 2).
func (p FlatRate) FinalCharge(parked time.Duration) decimal.Decimal {
	if parked <= 0 || p.Period <= 0 {
		return decimal.Zero
	}
	ratio := decimal.NewFromInt(int64(parked)).Div(decimal.NewFromInt(int64(p.Period)))
	// Round is half away from zero, which is HALF_UP for the non-negative values here.
	return ratio.Mul(p.Price).Round(2)
}

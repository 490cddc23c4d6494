package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/guregu/null.v4"
)

type BookingStatus string

const (
	BookingGrace     BookingStatus = "grace"
	BookingParked    BookingStatus = "parked"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
)

// Active reports whether the status pins its bay (grace or parked).
func (s BookingStatus) Active() bool {
	return s == BookingGrace || s == BookingParked
}

func (s BookingStatus) Terminal() bool {
	return s == BookingCompleted || s == BookingCancelled
}

type Booking struct {
	ID                uuid.UUID       `json:"id"`
	UserID            string          `json:"user_id"`
	BayID             int             `json:"bay_id"`
	BayName           string          `json:"bay_name"`
	Plate             string          `json:"plate"`
	Status            BookingStatus   `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	GraceStartedAt    time.Time       `json:"grace_started_at"`
	GraceEndedAt      null.Time       `json:"grace_ended_at"`
	TimerStartedAt    null.Time       `json:"timer_started_at"`
	LastBilledAt      null.Time       `json:"last_billed_at"`    // billing cursor, advanced in whole quanta
	BillingCursorAt   null.Time       `json:"billing_cursor_at"` // instant of the last progressive debit
	CompletedAt       null.Time       `json:"completed_at"`
	EndTime           time.Time       `json:"end_time"`
	AccumulatedCharge decimal.Decimal `json:"accumulated_charge"`
	AdjustedCharge    decimal.Decimal `json:"adjusted_charge"` // admin adjustments included in AccumulatedCharge
	Version           int64           `json:"version"`
}

// ParkedDuration is the time between the timer start and completion (or now
// for a booking that is still parked).
func (b *Booking) ParkedDuration(now time.Time) time.Duration {
	if !b.TimerStartedAt.Valid {
		return 0
	}
	end := now
	if b.CompletedAt.Valid {
		end = b.CompletedAt.Time
	}
	if end.Before(b.TimerStartedAt.Time) {
		return 0
	}
	return end.Sub(b.TimerStartedAt.Time)
}

type ReserveDTO struct {
	BayName string `json:"bay_name" binding:"required"`
	Plate   string `json:"plate" binding:"required"`
}

type AdjustChargeDTO struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
	Note   string          `json:"note,omitempty"`
}

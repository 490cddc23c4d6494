package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"smart_bays/internal/domain"
	"smart_bays/internal/repository"

	"github.com/google/uuid"
)

const bookingSelect = `SELECT b.id, b.user_id, b.bay_id, bays.name, b.plate, b.status, b.created_at,
	       b.grace_started_at, b.grace_ended_at, b.timer_started_at, b.last_billed_at,
	       b.billing_cursor_at, b.completed_at, b.end_time, b.accumulated_charge, b.adjusted_charge, b.version
	  FROM bookings b JOIN bays ON bays.id = b.bay_id`

func scanBooking(row interface{ Scan(...any) error }) (*domain.Booking, error) {
	b := &domain.Booking{}
	err := row.Scan(&b.ID, &b.UserID, &b.BayID, &b.BayName, &b.Plate, &b.Status, &b.CreatedAt,
		&b.GraceStartedAt, &b.GraceEndedAt, &b.TimerStartedAt, &b.LastBilledAt,
		&b.BillingCursorAt, &b.CompletedAt, &b.EndTime, &b.AccumulatedCharge, &b.AdjustedCharge, &b.Version)
	if err != nil {
		return nil, err
	}
	b.CreatedAt = b.CreatedAt.In(time.UTC)
	b.GraceStartedAt = b.GraceStartedAt.In(time.UTC)
	b.EndTime = b.EndTime.In(time.UTC)
	for _, t := range []*time.Time{&b.GraceEndedAt.Time, &b.TimerStartedAt.Time, &b.LastBilledAt.Time, &b.BillingCursorAt.Time, &b.CompletedAt.Time} {
		*t = t.In(time.UTC)
	}
	return b, nil
}

func (r *queries) findOne(ctx context.Context, op string, where string, args ...any) (*domain.Booking, error) {
	b, err := scanBooking(r.db.QueryRowContext(ctx, bookingSelect+" "+where, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("BookingRepository.%s: %w", op, classify(err))
	}
	return b, nil
}

func (r *queries) BookingByID(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	return r.findOne(ctx, "BookingByID", `WHERE b.id = $1`, id)
}

func (r *queries) ActiveBookingForBay(ctx context.Context, bayID int) (*domain.Booking, error) {
	return r.findOne(ctx, "ActiveBookingForBay",
		`WHERE b.bay_id = $1 AND b.status IN ('grace', 'parked') ORDER BY b.created_at DESC LIMIT 1`, bayID)
}

func (r *queries) ActiveBookingForUser(ctx context.Context, userID string) (*domain.Booking, error) {
	return r.findOne(ctx, "ActiveBookingForUser",
		`WHERE b.user_id = $1 AND b.status IN ('grace', 'parked') ORDER BY b.created_at DESC LIMIT 1`, userID)
}

func (r *queries) CreateBooking(ctx context.Context, b *domain.Booking) (*domain.Booking, error) {
	query := `INSERT INTO bookings
	           (id, user_id, bay_id, plate, status, created_at, grace_started_at, grace_ended_at,
	            timer_started_at, last_billed_at, billing_cursor_at, completed_at, end_time,
	            accumulated_charge, adjusted_charge, version)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1)
	           RETURNING version`
	err := r.db.QueryRowContext(ctx, query,
		b.ID, b.UserID, b.BayID, b.Plate, b.Status, b.CreatedAt, b.GraceStartedAt, b.GraceEndedAt,
		b.TimerStartedAt, b.LastBilledAt, b.BillingCursorAt, b.CompletedAt, b.EndTime,
		b.AccumulatedCharge, b.AdjustedCharge,
	).Scan(&b.Version)
	if err != nil {
		return nil, fmt.Errorf("BookingRepository.CreateBooking: %w", classify(err))
	}
	return b, nil
}

func (r *queries) UpdateBooking(ctx context.Context, b *domain.Booking) error {
	query := `UPDATE bookings
	           SET status = $2, grace_ended_at = $3, timer_started_at = $4, last_billed_at = $5,
	               billing_cursor_at = $6, completed_at = $7, end_time = $8, accumulated_charge = $9,
	               adjusted_charge = $10, version = version + 1
	           WHERE id = $1 AND version = $11
	           RETURNING version`
	err := r.db.QueryRowContext(ctx, query,
		b.ID, b.Status, b.GraceEndedAt, b.TimerStartedAt, b.LastBilledAt,
		b.BillingCursorAt, b.CompletedAt, b.EndTime, b.AccumulatedCharge, b.AdjustedCharge, b.Version,
	).Scan(&b.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("BookingRepository.UpdateBooking: booking %s at version %d: %w", b.ID, b.Version, repository.ErrConflict)
		}
		return fmt.Errorf("BookingRepository.UpdateBooking: %w", classify(err))
	}
	return nil
}

package repository

import (
	"context"
	"errors"

	"smart_bays/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("record not found")
var ErrDuplicateEntry = errors.New("record already exists")

// ErrConflict is returned when a write would violate an active-booking
// uniqueness rule or when a versioned row changed since it was read.
var ErrConflict = errors.New("concurrent modification")

type BayRepository interface {
	CreateBay(ctx context.Context, bay *domain.Bay) (*domain.Bay, error)
	BayByName(ctx context.Context, name string) (*domain.Bay, error)
	BayByID(ctx context.Context, id int) (*domain.Bay, error)
	ListBays(ctx context.Context) ([]domain.Bay, error)
	// UpdateBay writes occupancy and LED state if bay.Version still matches,
	// then bumps bay.Version.
	UpdateBay(ctx context.Context, bay *domain.Bay) error
}

type BookingRepository interface {
	BookingByID(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
	// ActiveBookingForBay returns ErrNotFound when the bay has no booking in grace or parked.
	ActiveBookingForBay(ctx context.Context, bayID int) (*domain.Booking, error)
	ActiveBookingForUser(ctx context.Context, userID string) (*domain.Booking, error)
	// CreateBooking fails with ErrConflict if the bay or the user already holds an active booking.
	CreateBooking(ctx context.Context, b *domain.Booking) (*domain.Booking, error)
	// UpdateBooking fails with ErrConflict if b.Version is stale; on success b.Version is bumped.
	UpdateBooking(ctx context.Context, b *domain.Booking) error
}

type WalletRepository interface {
	// AppendWalletTx appends the row and adjusts the user's balance by its
	// signed amount. It returns the new balance.
	AppendWalletTx(ctx context.Context, tx *domain.WalletTransaction) (decimal.Decimal, error)
	Wallet(ctx context.Context, userID string) (*domain.UserWallet, error)
	// Balance is zero for users without a wallet row.
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	// Transactions lists newest first.
	Transactions(ctx context.Context, userID string, limit int) ([]domain.WalletTransaction, error)
	// BookingCharges sums parking_charge debits linked to a booking.
	BookingCharges(ctx context.Context, bookingID uuid.UUID) (decimal.Decimal, error)
}

type SensorSnapshotRepository interface {
	PutSensorSnapshot(ctx context.Context, snap *domain.SensorSnapshot) error
	// LatestSnapshot returns the most recently observed snapshot across devices.
	LatestSnapshot(ctx context.Context) (*domain.SensorSnapshot, error)
}

type DeviceEventsLogRepository interface {
	Create(ctx context.Context, event *domain.DeviceEventLog) error
}

// Queries is the full read/write surface available inside and outside a transaction.
type Queries interface {
	BayRepository
	BookingRepository
	WalletRepository
	SensorSnapshotRepository
}

// Store adds transactions. Every multi-row mutation runs inside WithinTx at
// serializable isolation; fn's writes commit only if it returns nil.
type Store interface {
	Queries
	WithinTx(ctx context.Context, fn func(q Queries) error) error
}

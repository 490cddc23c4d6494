// Package memory is an in-process Store used by tests and single-node
// deployments without Postgres. Transactions hold the store lock for their
// whole duration, which makes them trivially serializable.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"smart_bays/internal/domain"
	"smart_bays/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type state struct {
	bays     map[int]domain.Bay
	bayNames map[string]int
	bookings map[uuid.UUID]domain.Booking
	wallets  map[string]domain.UserWallet
	txs      []domain.WalletTransaction
	snaps    map[string]domain.SensorSnapshot
	nextBay  int
}

func newState() *state {
	return &state{
		bays:     map[int]domain.Bay{},
		bayNames: map[string]int{},
		bookings: map[uuid.UUID]domain.Booking{},
		wallets:  map[string]domain.UserWallet{},
		snaps:    map[string]domain.SensorSnapshot{},
		nextBay:  1,
	}
}

func (s *state) clone() *state {
	return &state{
		bays:     maps.Clone(s.bays),
		bayNames: maps.Clone(s.bayNames),
		bookings: maps.Clone(s.bookings),
		wallets:  maps.Clone(s.wallets),
		txs:      s.txs[:len(s.txs):len(s.txs)],
		snaps:    maps.Clone(s.snaps),
		nextBay:  s.nextBay,
	}
}

type Option func(*Store)

// WithNow sets the source for created_at / updated_at stamps.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type Store struct {
	mu     sync.Mutex
	st     *state
	now    func() time.Time
	events []domain.DeviceEventLog
}

func New(opts ...Option) *Store {
	s := &Store{st: newState(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ repository.Store = (*Store)(nil)
var _ repository.DeviceEventsLogRepository = (*Store)(nil)

func (s *Store) WithinTx(ctx context.Context, fn func(q repository.Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.st.clone()
	if err := fn(&queries{st: work, now: s.now}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func locked[T any](s *Store, fn func(q *queries) (T, error)) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&queries{st: s.st, now: s.now})
}

func (s *Store) CreateBay(ctx context.Context, bay *domain.Bay) (*domain.Bay, error) {
	return locked(s, func(q *queries) (*domain.Bay, error) { return q.CreateBay(ctx, bay) })
}

func (s *Store) BayByName(ctx context.Context, name string) (*domain.Bay, error) {
	return locked(s, func(q *queries) (*domain.Bay, error) { return q.BayByName(ctx, name) })
}

func (s *Store) BayByID(ctx context.Context, id int) (*domain.Bay, error) {
	return locked(s, func(q *queries) (*domain.Bay, error) { return q.BayByID(ctx, id) })
}

func (s *Store) ListBays(ctx context.Context) ([]domain.Bay, error) {
	return locked(s, func(q *queries) ([]domain.Bay, error) { return q.ListBays(ctx) })
}

func (s *Store) UpdateBay(ctx context.Context, bay *domain.Bay) error {
	_, err := locked(s, func(q *queries) (struct{}, error) { return struct{}{}, q.UpdateBay(ctx, bay) })
	return err
}

func (s *Store) BookingByID(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	return locked(s, func(q *queries) (*domain.Booking, error) { return q.BookingByID(ctx, id) })
}

func (s *Store) ActiveBookingForBay(ctx context.Context, bayID int) (*domain.Booking, error) {
	return locked(s, func(q *queries) (*domain.Booking, error) { return q.ActiveBookingForBay(ctx, bayID) })
}

func (s *Store) ActiveBookingForUser(ctx context.Context, userID string) (*domain.Booking, error) {
	return locked(s, func(q *queries) (*domain.Booking, error) { return q.ActiveBookingForUser(ctx, userID) })
}

func (s *Store) CreateBooking(ctx context.Context, b *domain.Booking) (*domain.Booking, error) {
	return locked(s, func(q *queries) (*domain.Booking, error) { return q.CreateBooking(ctx, b) })
}

func (s *Store) UpdateBooking(ctx context.Context, b *domain.Booking) error {
	_, err := locked(s, func(q *queries) (struct{}, error) { return struct{}{}, q.UpdateBooking(ctx, b) })
	return err
}

func (s *Store) AppendWalletTx(ctx context.Context, tx *domain.WalletTransaction) (decimal.Decimal, error) {
	return locked(s, func(q *queries) (decimal.Decimal, error) { return q.AppendWalletTx(ctx, tx) })
}

func (s *Store) Wallet(ctx context.Context, userID string) (*domain.UserWallet, error) {
	return locked(s, func(q *queries) (*domain.UserWallet, error) { return q.Wallet(ctx, userID) })
}

func (s *Store) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return locked(s, func(q *queries) (decimal.Decimal, error) { return q.Balance(ctx, userID) })
}

func (s *Store) Transactions(ctx context.Context, userID string, limit int) ([]domain.WalletTransaction, error) {
	return locked(s, func(q *queries) ([]domain.WalletTransaction, error) { return q.Transactions(ctx, userID, limit) })
}

func (s *Store) BookingCharges(ctx context.Context, bookingID uuid.UUID) (decimal.Decimal, error) {
	return locked(s, func(q *queries) (decimal.Decimal, error) { return q.BookingCharges(ctx, bookingID) })
}

func (s *Store) PutSensorSnapshot(ctx context.Context, snap *domain.SensorSnapshot) error {
	_, err := locked(s, func(q *queries) (struct{}, error) { return struct{}{}, q.PutSensorSnapshot(ctx, snap) })
	return err
}

func (s *Store) LatestSnapshot(ctx context.Context) (*domain.SensorSnapshot, error) {
	return locked(s, func(q *queries) (*domain.SensorSnapshot, error) { return q.LatestSnapshot(ctx) })
}

// Create appends a device event log row.
func (s *Store) Create(_ context.Context, event *domain.DeviceEventLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = int64(len(s.events) + 1)
	s.events = append(s.events, *event)
	return nil
}

// DeviceEvents returns a copy of the device event log.
func (s *Store) DeviceEvents() []domain.DeviceEventLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DeviceEventLog(nil), s.events...)
}

// AllBookings returns every booking ordered by creation time. Used by
// invariant checks.
func (s *Store) AllBookings() []domain.Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Booking, 0, len(s.st.bookings))
	for _, b := range s.st.bookings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

type queries struct {
	st  *state
	now func() time.Time
}

func (q *queries) stamp() time.Time { return q.now().UTC() }

func (q *queries) CreateBay(_ context.Context, bay *domain.Bay) (*domain.Bay, error) {
	if _, ok := q.st.bayNames[bay.Name]; ok {
		return nil, fmt.Errorf("BayRepository.CreateBay: %w", repository.ErrDuplicateEntry)
	}
	out := *bay
	out.ID = q.st.nextBay
	q.st.nextBay++
	if out.LedState == "" {
		out.LedState = domain.LedOff
	}
	out.Version = 1
	out.CreatedAt = q.stamp()
	out.UpdatedAt = out.CreatedAt
	q.st.bays[out.ID] = out
	q.st.bayNames[out.Name] = out.ID
	*bay = out
	return &out, nil
}

func (q *queries) BayByName(_ context.Context, name string) (*domain.Bay, error) {
	id, ok := q.st.bayNames[name]
	if !ok {
		return nil, repository.ErrNotFound
	}
	bay := q.st.bays[id]
	return &bay, nil
}

func (q *queries) BayByID(_ context.Context, id int) (*domain.Bay, error) {
	bay, ok := q.st.bays[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &bay, nil
}

func (q *queries) ListBays(_ context.Context) ([]domain.Bay, error) {
	out := make([]domain.Bay, 0, len(q.st.bays))
	for _, b := range q.st.bays {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (q *queries) UpdateBay(_ context.Context, bay *domain.Bay) error {
	cur, ok := q.st.bays[bay.ID]
	if !ok {
		return fmt.Errorf("BayRepository.UpdateBay: %w", repository.ErrNotFound)
	}
	if cur.Version != bay.Version {
		return fmt.Errorf("BayRepository.UpdateBay: bay %d version %d != %d: %w", bay.ID, bay.Version, cur.Version, repository.ErrConflict)
	}
	cur.Occupied = bay.Occupied
	cur.OccupiedSince = bay.OccupiedSince
	cur.LedState = bay.LedState
	cur.Version++
	cur.UpdatedAt = q.stamp()
	q.st.bays[bay.ID] = cur
	*bay = cur
	return nil
}

func (q *queries) withBayName(b domain.Booking) *domain.Booking {
	if bay, ok := q.st.bays[b.BayID]; ok {
		b.BayName = bay.Name
	}
	return &b
}

func (q *queries) BookingByID(_ context.Context, id uuid.UUID) (*domain.Booking, error) {
	b, ok := q.st.bookings[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return q.withBayName(b), nil
}

func (q *queries) activeWhere(match func(b *domain.Booking) bool) (*domain.Booking, error) {
	for _, b := range q.st.bookings {
		if b.Status.Active() && match(&b) {
			return q.withBayName(b), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (q *queries) ActiveBookingForBay(_ context.Context, bayID int) (*domain.Booking, error) {
	return q.activeWhere(func(b *domain.Booking) bool { return b.BayID == bayID })
}

func (q *queries) ActiveBookingForUser(_ context.Context, userID string) (*domain.Booking, error) {
	return q.activeWhere(func(b *domain.Booking) bool { return b.UserID == userID })
}

func (q *queries) CreateBooking(_ context.Context, b *domain.Booking) (*domain.Booking, error) {
	if _, ok := q.st.bays[b.BayID]; !ok {
		return nil, fmt.Errorf("BookingRepository.CreateBooking: bay %d: %w", b.BayID, repository.ErrNotFound)
	}
	if _, ok := q.st.bookings[b.ID]; ok {
		return nil, fmt.Errorf("BookingRepository.CreateBooking: %w", repository.ErrDuplicateEntry)
	}
	if b.Status.Active() {
		if _, err := q.activeWhere(func(o *domain.Booking) bool { return o.BayID == b.BayID }); err == nil {
			return nil, fmt.Errorf("BookingRepository.CreateBooking: bay %d has an active booking: %w", b.BayID, repository.ErrConflict)
		}
		if _, err := q.activeWhere(func(o *domain.Booking) bool { return o.UserID == b.UserID }); err == nil {
			return nil, fmt.Errorf("BookingRepository.CreateBooking: user %s has an active booking: %w", b.UserID, repository.ErrConflict)
		}
	}
	out := *b
	out.Version = 1
	if out.CreatedAt.IsZero() {
		out.CreatedAt = q.stamp()
	}
	q.st.bookings[out.ID] = out
	*b = *q.withBayName(out)
	return q.withBayName(out), nil
}

func (q *queries) UpdateBooking(_ context.Context, b *domain.Booking) error {
	cur, ok := q.st.bookings[b.ID]
	if !ok {
		return fmt.Errorf("BookingRepository.UpdateBooking: %w", repository.ErrNotFound)
	}
	if cur.Version != b.Version {
		return fmt.Errorf("BookingRepository.UpdateBooking: booking %s version %d != %d: %w", b.ID, b.Version, cur.Version, repository.ErrConflict)
	}
	if b.Status.Active() && !cur.Status.Active() {
		return fmt.Errorf("BookingRepository.UpdateBooking: cannot reactivate %s booking: %w", cur.Status, repository.ErrConflict)
	}
	next := *b
	next.UserID, next.BayID, next.CreatedAt = cur.UserID, cur.BayID, cur.CreatedAt
	next.Version = cur.Version + 1
	q.st.bookings[b.ID] = next
	b.Version = next.Version
	return nil
}

func (q *queries) AppendWalletTx(_ context.Context, tx *domain.WalletTransaction) (decimal.Decimal, error) {
	if !tx.Amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("WalletRepository.AppendWalletTx: amount must be positive, got %s", tx.Amount)
	}
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = q.stamp()
	}
	w, ok := q.st.wallets[tx.UserID]
	if !ok {
		w = domain.UserWallet{UserID: tx.UserID, Balance: decimal.Zero, CreatedAt: tx.CreatedAt}
	}
	w.Balance = w.Balance.Add(tx.Signed())
	w.Version++
	w.UpdatedAt = tx.CreatedAt
	q.st.wallets[tx.UserID] = w
	q.st.txs = append(q.st.txs, *tx)
	return w.Balance, nil
}

func (q *queries) Wallet(_ context.Context, userID string) (*domain.UserWallet, error) {
	w, ok := q.st.wallets[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &w, nil
}

func (q *queries) Balance(_ context.Context, userID string) (decimal.Decimal, error) {
	if w, ok := q.st.wallets[userID]; ok {
		return w.Balance, nil
	}
	return decimal.Zero, nil
}

func (q *queries) Transactions(_ context.Context, userID string, limit int) ([]domain.WalletTransaction, error) {
	var out []domain.WalletTransaction
	for i := len(q.st.txs) - 1; i >= 0; i-- {
		if q.st.txs[i].UserID != userID {
			continue
		}
		out = append(out, q.st.txs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *queries) BookingCharges(_ context.Context, bookingID uuid.UUID) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, tx := range q.st.txs {
		if tx.Kind == domain.TxParkingCharge && tx.Direction == domain.Debit &&
			tx.BookingID.Valid && tx.BookingID.UUID == bookingID {
			total = total.Add(tx.Amount)
		}
	}
	return total, nil
}

func (q *queries) PutSensorSnapshot(_ context.Context, snap *domain.SensorSnapshot) error {
	if strings.TrimSpace(snap.DeviceID) == "" {
		return fmt.Errorf("SensorSnapshotRepository.Put: empty device id")
	}
	out := *snap
	out.Bays = maps.Clone(snap.Bays)
	if out.ReceivedAt.IsZero() {
		out.ReceivedAt = q.stamp()
	}
	q.st.snaps[out.DeviceID] = out
	return nil
}

func (q *queries) LatestSnapshot(_ context.Context) (*domain.SensorSnapshot, error) {
	var latest *domain.SensorSnapshot
	for _, s := range q.st.snaps {
		if latest == nil || s.ObservedAt.After(latest.ObservedAt) {
			s := s
			latest = &s
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	latest.Bays = maps.Clone(latest.Bays)
	return latest, nil
}

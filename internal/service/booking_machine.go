package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"smart_bays/internal/billing"
	"smart_bays/internal/clock"
	"smart_bays/internal/domain"
	"smart_bays/internal/metrics"
	"smart_bays/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/guregu/null.v4"
)

type MachineConfig struct {
	GraceWindow       time.Duration
	ReservationWindow time.Duration
	MinBalance        decimal.Decimal
	MaxRetries        int
	RetryBackoff      time.Duration
}

func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		GraceWindow:       20 * time.Second,
		ReservationWindow: 12 * time.Hour,
		MinBalance:        decimal.NewFromInt(1),
		MaxRetries:        3,
		RetryBackoff:      5 * time.Millisecond,
	}
}

type OutcomeKind string

const (
	OutcomeApplied OutcomeKind = "applied"
	OutcomeNoop    OutcomeKind = "noop"
	OutcomeAlerted OutcomeKind = "alerted"
)

// Outcome is the tagged result of a transition. Booking is the committed row
// (nil for alerts that touch no booking).
type Outcome struct {
	Kind    OutcomeKind
	Booking *domain.Booking
	Charged decimal.Decimal
	Reason  string
}

func noop(b *domain.Booking, reason string) (Outcome, error) {
	return Outcome{Kind: OutcomeNoop, Booking: b, Reason: reason}, nil
}

// BookingMachine owns every booking transition. Callers must serialize
// operations per bay; the Coordinator does that.
type BookingMachine struct {
	store   repository.Store
	clock   clock.Clock
	billing *billing.Engine
	ledger  *WalletLedger
	out     *dispatcher
	cfg     MachineConfig
	retry   retryPolicy
}

func NewBookingMachine(store repository.Store, clk clock.Clock, ledger *WalletLedger, pricing billing.Pricing, leds LedController, notifier Notifier, pool Egress, cfg MachineConfig) *BookingMachine {
	return &BookingMachine{
		store:   store,
		clock:   clk,
		billing: billing.NewEngine(pricing, ledger),
		ledger:  ledger,
		out:     &dispatcher{leds: leds, notifier: notifier, pool: pool},
		cfg:     cfg,
		retry:   retryPolicy{maxRetries: cfg.MaxRetries, backoff: cfg.RetryBackoff},
	}
}

func (m *BookingMachine) Config() MachineConfig { return m.cfg }

// transition runs fn in a serializable transaction, retrying the whole
// attempt on conflict. Effects are dispatched only after commit.
func (m *BookingMachine) transition(ctx context.Context, op string, fn func(q repository.Queries, eff *effects) (Outcome, error)) (Outcome, error) {
	var (
		out Outcome
		eff *effects
	)
	err := m.retry.do("BookingMachine."+op, func() error {
		eff = &effects{}
		return m.store.WithinTx(ctx, func(q repository.Queries) error {
			var err error
			out, err = fn(q, eff)
			return err
		})
	})
	if err != nil {
		metrics.Transitions.WithLabelValues(op, "error").Inc()
		return Outcome{}, fmt.Errorf("BookingMachine.%s: %w", op, err)
	}
	metrics.Transitions.WithLabelValues(op, string(out.Kind)).Inc()
	if out.Charged.IsPositive() {
		metrics.Debits.WithLabelValues(string(domain.TxParkingCharge)).Inc()
		metrics.DebitAmount.WithLabelValues(string(domain.TxParkingCharge)).Add(out.Charged.InexactFloat64())
	}
	m.out.dispatch(eff)
	return out, nil
}

func loadBay(ctx context.Context, q repository.Queries, name string) (*domain.Bay, error) {
	bay, err := q.BayByName(ctx, name)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrBayNotFound, name)
	}
	return bay, err
}

func loadBooking(ctx context.Context, q repository.Queries, id uuid.UUID) (*domain.Booking, error) {
	b, err := q.BookingByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBookingNotFound, id)
	}
	return b, err
}

// activeFor returns nil, nil when the bay has no active booking.
func activeFor(ctx context.Context, q repository.Queries, bayID int) (*domain.Booking, error) {
	b, err := q.ActiveBookingForBay(ctx, bayID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return b, err
}

// desiredLed is the indicator state a bay must show for its active booking.
func desiredLed(b *domain.Booking) domain.LedState {
	switch {
	case b == nil || !b.Status.Active():
		return domain.LedOff
	case b.Status == domain.BookingParked:
		return domain.LedRed
	default:
		return domain.LedBlue
	}
}

func setBayLed(ctx context.Context, q repository.Queries, bay *domain.Bay, state domain.LedState, eff *effects) error {
	if bay.LedState != state {
		bay.LedState = state
		if err := q.UpdateBay(ctx, bay); err != nil {
			return err
		}
	}
	eff.led(bay.Name, state)
	return nil
}

func bookingNote(kind domain.NotificationKind, b *domain.Booking, at time.Time, payload map[string]any) *domain.Notification {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["bay"] = b.BayName
	payload["plate"] = b.Plate
	return &domain.Notification{
		Kind:      kind,
		UserID:    b.UserID,
		BookingID: uuid.NullUUID{UUID: b.ID, Valid: true},
		Payload:   payload,
		CreatedAt: at,
	}
}

// unauthorizedParking is keyed on the occupancy episode so repeated
// observations of the same episode collapse into one alert.
func unauthorizedParking(bay *domain.Bay, now time.Time) domain.Notification {
	since := now
	if bay.OccupiedSince.Valid {
		since = bay.OccupiedSince.Time
	}
	return domain.Notification{
		Kind: domain.NotifyUnauthorizedParking,
		Ref:  bay.Name + "@" + since.UTC().Format(time.RFC3339Nano),
		Payload: map[string]any{
			"bay":            bay.Name,
			"occupied_since": since.UTC(),
		},
		CreatedAt: now,
	}
}

// arrivedSinceReservation reports whether the bay's current occupancy began
// at or after the grace booking was made.
func arrivedSinceReservation(bay *domain.Bay, b *domain.Booking) bool {
	return bay.Occupied && bay.OccupiedSince.Valid && !bay.OccupiedSince.Time.Before(b.GraceStartedAt)
}

// Reserve creates a grace booking for userID on bayName.
func (m *BookingMachine) Reserve(ctx context.Context, userID, bayName, plate string) (Outcome, error) {
	userID, bayName, plate = strings.TrimSpace(userID), strings.TrimSpace(bayName), strings.TrimSpace(plate)
	if userID == "" || bayName == "" || plate == "" {
		return Outcome{}, fmt.Errorf("BookingMachine.Reserve: %w: user, bay and plate are required", ErrInvalidArgument)
	}
	return m.transition(ctx, "Reserve", func(q repository.Queries, eff *effects) (Outcome, error) {
		if _, err := q.ActiveBookingForUser(ctx, userID); err == nil {
			return Outcome{}, ErrUserHasActiveBooking
		} else if !errors.Is(err, repository.ErrNotFound) {
			return Outcome{}, err
		}
		bay, err := loadBay(ctx, q, bayName)
		if err != nil {
			return Outcome{}, err
		}
		current, err := activeFor(ctx, q, bay.ID)
		if err != nil {
			return Outcome{}, err
		}
		if current != nil {
			return Outcome{}, ErrBayOccupied
		}
		balance, err := q.Balance(ctx, userID)
		if err != nil {
			return Outcome{}, err
		}
		if balance.LessThan(m.cfg.MinBalance) {
			return Outcome{}, fmt.Errorf("%w: balance %s, need %s", ErrInsufficientFunds, balance.StringFixed(2), m.cfg.MinBalance.StringFixed(2))
		}
		if bay.Occupied {
			log.Printf("BookingMachine: reserving %s while its sensor reports occupied", bay.Name)
		}

		now := m.clock.Now()
		b, err := q.CreateBooking(ctx, &domain.Booking{
			ID:                uuid.New(),
			UserID:            userID,
			BayID:             bay.ID,
			BayName:           bay.Name,
			Plate:             plate,
			Status:            domain.BookingGrace,
			CreatedAt:         now,
			GraceStartedAt:    now,
			EndTime:           now.Add(m.cfg.ReservationWindow),
			AccumulatedCharge: decimal.Zero,
			AdjustedCharge:    decimal.Zero,
		})
		if err != nil {
			return Outcome{}, err
		}
		if err := setBayLed(ctx, q, bay, domain.LedBlue, eff); err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: OutcomeApplied, Booking: b}, nil
	})
}

// Cancel ends a grace or parked booking. A parked booking is billed up to now.
func (m *BookingMachine) Cancel(ctx context.Context, id uuid.UUID, actor Actor) (Outcome, error) {
	return m.transition(ctx, "Cancel", func(q repository.Queries, eff *effects) (Outcome, error) {
		b, err := loadBooking(ctx, q, id)
		if err != nil {
			return Outcome{}, err
		}
		if !actor.owns(b) {
			return Outcome{}, ErrNotAuthorized
		}
		if b.Status.Terminal() {
			return noop(b, "booking already "+string(b.Status))
		}

		now := m.clock.Now()
		charge, err := m.billing.Finalize(ctx, q, b, now)
		if err != nil {
			return Outcome{}, err
		}
		if b.Status == domain.BookingGrace {
			b.GraceEndedAt = null.TimeFrom(now)
		}
		b.Status = domain.BookingCancelled
		b.CompletedAt = null.TimeFrom(now)
		b.EndTime = now
		if err := q.UpdateBooking(ctx, b); err != nil {
			return Outcome{}, err
		}
		bay, err := q.BayByID(ctx, b.BayID)
		if err != nil {
			return Outcome{}, err
		}
		if err := setBayLed(ctx, q, bay, domain.LedOff, eff); err != nil {
			return Outcome{}, err
		}
		eff.notify(bookingNote(domain.NotifyCancelled, b, now, map[string]any{
			"charged": b.AccumulatedCharge.StringFixed(2),
		}))
		eff.notify(charge.Alert)
		return Outcome{Kind: OutcomeApplied, Booking: b, Charged: charge.Amount}, nil
	})
}

// ApplyArrived starts the parking timer of the bay's grace booking. With no
// active booking the arrival is reported as unauthorized.
func (m *BookingMachine) ApplyArrived(ctx context.Context, bayName string) (Outcome, error) {
	return m.applyArrived(ctx, "ApplyArrived", bayName, false)
}

// RecoverArrived is ApplyArrived for an edge the reconciler inferred from the
// bay row. It does nothing unless the bay is still occupied by a car that
// arrived after the reservation.
func (m *BookingMachine) RecoverArrived(ctx context.Context, bayName string) (Outcome, error) {
	return m.applyArrived(ctx, "RecoverArrived", bayName, true)
}

func (m *BookingMachine) applyArrived(ctx context.Context, op, bayName string, recovery bool) (Outcome, error) {
	return m.transition(ctx, op, func(q repository.Queries, eff *effects) (Outcome, error) {
		bay, err := loadBay(ctx, q, bayName)
		if err != nil {
			return Outcome{}, err
		}
		if recovery && !bay.Occupied {
			return noop(nil, "bay no longer occupied")
		}
		b, err := activeFor(ctx, q, bay.ID)
		if err != nil {
			return Outcome{}, err
		}
		now := m.clock.Now()
		if b == nil {
			log.Printf("BookingMachine: unauthorized parking on %s", bay.Name)
			n := unauthorizedParking(bay, now)
			eff.notify(&n)
			return Outcome{Kind: OutcomeAlerted, Reason: "no active booking"}, nil
		}
		if b.Status != domain.BookingGrace {
			return noop(b, "already parked")
		}
		if recovery && !arrivedSinceReservation(bay, b) {
			return noop(b, "bay occupied before reservation")
		}

		b.Status = domain.BookingParked
		b.GraceEndedAt = null.TimeFrom(now)
		b.TimerStartedAt = null.TimeFrom(now)
		b.LastBilledAt = null.TimeFrom(now)
		if err := q.UpdateBooking(ctx, b); err != nil {
			return Outcome{}, err
		}
		if err := setBayLed(ctx, q, bay, domain.LedRed, eff); err != nil {
			return Outcome{}, err
		}
		eff.notify(bookingNote(domain.NotifyParked, b, now, map[string]any{"timer_started_at": now}))
		return Outcome{Kind: OutcomeApplied, Booking: b}, nil
	})
}

// ApplyDeparted completes the bay's parked booking: final billing, receipt
// and a freed bay.
func (m *BookingMachine) ApplyDeparted(ctx context.Context, bayName string) (Outcome, error) {
	return m.applyDeparted(ctx, "ApplyDeparted", bayName, false)
}

// RecoverDeparted is ApplyDeparted for an edge inferred from the bay row. It
// does nothing if the bay is occupied again.
func (m *BookingMachine) RecoverDeparted(ctx context.Context, bayName string) (Outcome, error) {
	return m.applyDeparted(ctx, "RecoverDeparted", bayName, true)
}

func (m *BookingMachine) applyDeparted(ctx context.Context, op, bayName string, recovery bool) (Outcome, error) {
	return m.transition(ctx, op, func(q repository.Queries, eff *effects) (Outcome, error) {
		bay, err := loadBay(ctx, q, bayName)
		if err != nil {
			return Outcome{}, err
		}
		if recovery && bay.Occupied {
			return noop(nil, "bay occupied again")
		}
		b, err := activeFor(ctx, q, bay.ID)
		if err != nil {
			return Outcome{}, err
		}
		if b == nil {
			return noop(nil, "no active booking")
		}
		if b.Status != domain.BookingParked {
			return noop(b, "booking not parked")
		}

		now := m.clock.Now()
		charge, err := m.billing.Finalize(ctx, q, b, now)
		if err != nil {
			return Outcome{}, err
		}
		b.Status = domain.BookingCompleted
		b.CompletedAt = null.TimeFrom(now)
		b.EndTime = now
		if err := q.UpdateBooking(ctx, b); err != nil {
			return Outcome{}, err
		}
		bay.Occupied = false
		bay.OccupiedSince = null.Time{}
		bay.LedState = domain.LedOff
		if err := q.UpdateBay(ctx, bay); err != nil {
			return Outcome{}, err
		}
		eff.led(bay.Name, domain.LedOff)
		eff.notify(bookingNote(domain.NotifyReceipt, b, now, map[string]any{
			"parked_seconds": int64(b.ParkedDuration(now) / time.Second),
			"total":          b.AccumulatedCharge.StringFixed(2),
			"completed_at":   now,
		}))
		eff.notify(charge.Alert)
		return Outcome{Kind: OutcomeApplied, Booking: b, Charged: charge.Amount}, nil
	})
}

// OnTick bills every whole quantum a parked booking has accrued since its
// cursor, as a single debit.
func (m *BookingMachine) OnTick(ctx context.Context, id uuid.UUID) (Outcome, error) {
	return m.transition(ctx, "OnTick", func(q repository.Queries, eff *effects) (Outcome, error) {
		b, err := loadBooking(ctx, q, id)
		if err != nil {
			return Outcome{}, err
		}
		if b.Status != domain.BookingParked {
			return noop(b, "booking not parked")
		}
		charge, err := m.billing.Advance(ctx, q, b, m.clock.Now())
		if err != nil {
			return Outcome{}, err
		}
		if charge.IsZero() {
			return noop(b, "no quantum elapsed")
		}
		if err := q.UpdateBooking(ctx, b); err != nil {
			return Outcome{}, err
		}
		eff.notify(charge.Alert)
		return Outcome{Kind: OutcomeApplied, Booking: b, Charged: charge.Amount}, nil
	})
}

// OnGraceExpired cancels a grace booking whose window has passed, unless the
// bay is already occupied (the arrival wins).
func (m *BookingMachine) OnGraceExpired(ctx context.Context, id uuid.UUID) (Outcome, error) {
	return m.transition(ctx, "OnGraceExpired", func(q repository.Queries, eff *effects) (Outcome, error) {
		b, err := loadBooking(ctx, q, id)
		if err != nil {
			return Outcome{}, err
		}
		if b.Status != domain.BookingGrace {
			return noop(b, "booking not in grace")
		}
		now := m.clock.Now()
		if now.Sub(b.GraceStartedAt) <= m.cfg.GraceWindow {
			return noop(b, "grace window still open")
		}
		bay, err := q.BayByID(ctx, b.BayID)
		if err != nil {
			return Outcome{}, err
		}
		if bay.Occupied {
			return noop(b, "bay occupied, arrival pending")
		}

		b.Status = domain.BookingCancelled
		b.GraceEndedAt = null.TimeFrom(now)
		b.CompletedAt = null.TimeFrom(now)
		b.EndTime = now
		if err := q.UpdateBooking(ctx, b); err != nil {
			return Outcome{}, err
		}
		if err := setBayLed(ctx, q, bay, domain.LedOff, eff); err != nil {
			return Outcome{}, err
		}
		eff.notify(bookingNote(domain.NotifyGraceExpired, b, now, map[string]any{
			"grace_window_seconds": int64(m.cfg.GraceWindow / time.Second),
		}))
		return Outcome{Kind: OutcomeApplied, Booking: b}, nil
	})
}

// AdjustBookingCharge is an admin debit linked to a booking. It raises the
// booking's accumulated charge and is never absorbed by the final settlement.
func (m *BookingMachine) AdjustBookingCharge(ctx context.Context, id uuid.UUID, amount decimal.Decimal, note string, actor Actor) (Outcome, error) {
	if !actor.Admin {
		return Outcome{}, fmt.Errorf("BookingMachine.AdjustBookingCharge: %w", ErrNotAuthorized)
	}
	if err := validAmount(amount); err != nil {
		return Outcome{}, fmt.Errorf("BookingMachine.AdjustBookingCharge: %w", err)
	}
	if note == "" {
		note = "admin adjustment"
	}
	return m.transition(ctx, "AdjustBookingCharge", func(q repository.Queries, eff *effects) (Outcome, error) {
		b, err := loadBooking(ctx, q, id)
		if err != nil {
			return Outcome{}, err
		}
		alert, err := m.ledger.DebitTx(ctx, q, b.UserID, b.ID, amount, note)
		if err != nil {
			return Outcome{}, err
		}
		b.AccumulatedCharge = b.AccumulatedCharge.Add(amount)
		b.AdjustedCharge = b.AdjustedCharge.Add(amount)
		if err := q.UpdateBooking(ctx, b); err != nil {
			return Outcome{}, err
		}
		eff.notify(alert)
		return Outcome{Kind: OutcomeApplied, Booking: b, Charged: amount}, nil
	})
}

// SetLed is the admin override of a bay indicator. It may not contradict the
// bay's booking: an active booking needs blue or red, a free bay needs off.
func (m *BookingMachine) SetLed(ctx context.Context, bayName string, state domain.LedState, actor Actor) (Outcome, error) {
	if !actor.Admin {
		return Outcome{}, fmt.Errorf("BookingMachine.SetLed: %w", ErrNotAuthorized)
	}
	if !state.Valid() {
		return Outcome{}, fmt.Errorf("BookingMachine.SetLed: %w: unknown led state %q", ErrInvalidArgument, state)
	}
	return m.transition(ctx, "SetLed", func(q repository.Queries, eff *effects) (Outcome, error) {
		bay, err := loadBay(ctx, q, bayName)
		if err != nil {
			return Outcome{}, err
		}
		b, err := activeFor(ctx, q, bay.ID)
		if err != nil {
			return Outcome{}, err
		}
		if b != nil && state == domain.LedOff {
			return Outcome{}, fmt.Errorf("%w: %s has an active booking, led cannot be off", ErrInvalidArgument, bay.Name)
		}
		if b == nil && state != domain.LedOff {
			return Outcome{}, fmt.Errorf("%w: %s has no active booking, led must be off", ErrInvalidArgument, bay.Name)
		}
		if err := setBayLed(ctx, q, bay, state, eff); err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: OutcomeApplied, Booking: b}, nil
	})
}

// SyncLed makes the persisted and pushed indicator agree with the bay's
// booking. It pushes only when something disagrees.
func (m *BookingMachine) SyncLed(ctx context.Context, bayName string) (Outcome, error) {
	return m.transition(ctx, "SyncLed", func(q repository.Queries, eff *effects) (Outcome, error) {
		bay, err := loadBay(ctx, q, bayName)
		if err != nil {
			return Outcome{}, err
		}
		b, err := activeFor(ctx, q, bay.ID)
		if err != nil {
			return Outcome{}, err
		}
		want := desiredLed(b)
		if b != nil && (bay.LedState == domain.LedBlue || bay.LedState == domain.LedRed) {
			want = bay.LedState
		}
		acked, ok := want, true
		if m.out.leds != nil {
			acked, ok = m.out.leds.Acknowledged(bay.Name)
		}
		if bay.LedState == want && ok && acked == want {
			return noop(b, "led in sync")
		}
		if err := setBayLed(ctx, q, bay, want, eff); err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: OutcomeApplied, Booking: b, Reason: "led " + string(want)}, nil
	})
}

// NeedsLedSync reports whether a bay's indicator disagrees with its booking
// or with what its device last acknowledged.
func (m *BookingMachine) NeedsLedSync(bay *domain.Bay, active *domain.Booking) bool {
	want := desiredLed(active)
	if active != nil {
		if bay.LedState != domain.LedBlue && bay.LedState != domain.LedRed {
			return true
		}
		want = bay.LedState
	} else if bay.LedState != domain.LedOff {
		return true
	}
	if m.out.leds == nil {
		return false
	}
	acked, ok := m.out.leds.Acknowledged(bay.Name)
	return !ok || acked != want
}

// ReportUnauthorized emits the unauthorized-parking alert for an occupied bay
// with no booking. The notifier collapses repeats within one episode.
func (m *BookingMachine) ReportUnauthorized(bay *domain.Bay) {
	n := unauthorizedParking(bay, m.clock.Now())
	m.out.send(n)
}

// Booking returns a booking visible to actor.
func (m *BookingMachine) Booking(ctx context.Context, id uuid.UUID, actor Actor) (*domain.Booking, error) {
	b, err := loadBooking(ctx, m.store, id)
	if err != nil {
		return nil, fmt.Errorf("BookingMachine.Booking: %w", err)
	}
	if !actor.owns(b) {
		return nil, fmt.Errorf("BookingMachine.Booking: %w", ErrNotAuthorized)
	}
	return b, nil
}

func (m *BookingMachine) ActiveBooking(ctx context.Context, userID string) (*domain.Booking, error) {
	b, err := m.store.ActiveBookingForUser(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("BookingMachine.ActiveBooking: %w", ErrBookingNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("BookingMachine.ActiveBooking: %w", err)
	}
	return b, nil
}

// Bays lists every bay with its active booking.
func (m *BookingMachine) Bays(ctx context.Context) ([]domain.BayView, error) {
	bays, err := m.store.ListBays(ctx)
	if err != nil {
		return nil, fmt.Errorf("BookingMachine.Bays: %w", err)
	}
	views := make([]domain.BayView, 0, len(bays))
	for _, bay := range bays {
		v := domain.BayView{Bay: bay}
		b, err := activeFor(ctx, m.store, bay.ID)
		if err != nil {
			return nil, fmt.Errorf("BookingMachine.Bays: %w", err)
		}
		if b != nil {
			id, status := b.ID.String(), b.Status
			v.ActiveBookingID, v.ActiveStatus = &id, &status
		}
		views = append(views, v)
	}
	return views, nil
}

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"smart_bays/internal/billing"
	"smart_bays/internal/clock"
	"smart_bays/internal/domain"
	"smart_bays/internal/egress"
	"smart_bays/internal/notify"
	"smart_bays/internal/repository/memory"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type ledCall struct {
	Bay   string
	State domain.LedState
	At    time.Duration // offset from t0
}

type recordingLeds struct {
	mu    sync.Mutex
	clock clock.Clock
	calls []ledCall
	acked map[string]domain.LedState
	fail  bool
}

func newRecordingLeds(clk clock.Clock) *recordingLeds {
	return &recordingLeds{clock: clk, acked: map[string]domain.LedState{}}
}

func (r *recordingLeds) Set(_ context.Context, bay string, state domain.LedState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ledCall{Bay: bay, State: state, At: r.clock.Now().Sub(t0)})
	if r.fail {
		return errors.New("shadow update refused")
	}
	r.acked[bay] = state
	return nil
}

func (r *recordingLeds) Acknowledged(bay string) (domain.LedState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.acked[bay]
	return s, ok
}

func (r *recordingLeds) setFail(fail bool) {
	r.mu.Lock()
	r.fail = fail
	r.mu.Unlock()
}

func (r *recordingLeds) callsFor(bay string) []ledCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ledCall
	for _, c := range r.calls {
		if c.Bay == bay {
			out = append(out, c)
		}
	}
	return out
}

type sentNote struct {
	domain.Notification
	At time.Duration
}

type recordingSink struct {
	mu    sync.Mutex
	clock clock.Clock
	got   []sentNote
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, n domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, sentNote{Notification: n, At: s.clock.Now().Sub(t0)})
	return nil
}

func (s *recordingSink) ofKind(kind domain.NotificationKind) []sentNote {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentNote
	for _, n := range s.got {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	clock   *clock.Virtual
	store   *memory.Store
	leds    *recordingLeds
	sink    *recordingSink
	ledger  *WalletLedger
	machine *BookingMachine
	coord   *Coordinator
	ingest  *SensorIngest
	recon   *Reconciler
	bays    []string
}

// newHarness wires the service graph over the in-memory store, a virtual
// clock and an inline egress pool, so effects are visible as soon as a
// transition returns.
func newHarness(t *testing.T, bays ...string) *harness {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewVirtual(t0)
	store := memory.New(memory.WithNow(clk.Now))
	pool := egress.NewPool(egress.Config{})
	dedup, err := notify.NewLRUDedup(1024, time.Hour, clk)
	require.NoError(t, err)
	sink := &recordingSink{clock: clk}
	notifier := notify.New(dedup, sink)
	leds := newRecordingLeds(clk)

	ledger := NewWalletLedger(store, clk, notifier, pool)
	cfg := DefaultMachineConfig()
	cfg.RetryBackoff = 0
	machine := NewBookingMachine(store, clk, ledger, billing.DefaultPricing(), leds, notifier, pool, cfg)
	coord := NewCoordinator(machine)
	t.Cleanup(coord.Close)

	for _, name := range bays {
		_, err := store.CreateBay(ctx, &domain.Bay{Name: name, ThingName: "esp32-lot"})
		require.NoError(t, err)
	}
	return &harness{
		t:       t,
		ctx:     ctx,
		clock:   clk,
		store:   store,
		leds:    leds,
		sink:    sink,
		ledger:  ledger,
		machine: machine,
		coord:   coord,
		ingest:  NewSensorIngest(store, clk, coord, 60*time.Second),
		recon:   NewReconciler(store, clk, coord, time.Second, 60*time.Second),
		bays:    bays,
	}
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (h *harness) at(seconds float64) {
	h.clock.Set(t0.Add(time.Duration(seconds * float64(time.Second))))
}

func (h *harness) topUp(user, amount string) {
	h.t.Helper()
	_, err := h.ledger.Credit(h.ctx, user, money(amount), "test top-up")
	require.NoError(h.t, err)
}

func (h *harness) reserve(user, bay string) *domain.Booking {
	h.t.Helper()
	out, err := h.coord.Reserve(h.ctx, user, bay, "KA-01-"+user)
	require.NoError(h.t, err)
	require.Equal(h.t, OutcomeApplied, out.Kind)
	return out.Booking
}

// sense ingests a report for one bay observed now and waits for the lane.
func (h *harness) sense(bay string, occupied bool) IngestResult {
	h.t.Helper()
	res, err := h.ingest.Ingest(h.ctx, domain.SensorReport{
		DeviceID:   "esp32-lot",
		Bays:       map[string]bool{bay: occupied},
		ObservedAt: h.clock.Now(),
	})
	require.NoError(h.t, err)
	h.flush()
	return res
}

func (h *harness) flush() {
	h.t.Helper()
	for _, bay := range h.bays {
		require.NoError(h.t, h.coord.Flush(h.ctx, bay))
	}
}

func (h *harness) sweep() SweepReport {
	h.t.Helper()
	rep, err := h.recon.Sweep(h.ctx)
	require.NoError(h.t, err)
	h.flush()
	return rep
}

// sweepEverySecond advances the clock one second at a time from..to
// (exclusive), sweeping at each step.
func (h *harness) sweepEverySecond(from, to int) {
	for s := from; s < to; s++ {
		h.at(float64(s))
		h.sweep()
	}
}

func (h *harness) balance(user string) string {
	h.t.Helper()
	b, err := h.ledger.Balance(h.ctx, user)
	require.NoError(h.t, err)
	return b.StringFixed(2)
}

func (h *harness) booking(id uuid.UUID) *domain.Booking {
	h.t.Helper()
	b, err := h.store.BookingByID(h.ctx, id)
	require.NoError(h.t, err)
	return b
}

// parkingDebits sums parking_charge debits for user.
func (h *harness) parkingDebits(user string) (decimal.Decimal, int) {
	h.t.Helper()
	txs, err := h.ledger.Transactions(h.ctx, user, 0)
	require.NoError(h.t, err)
	total, n := decimal.Zero, 0
	for _, tx := range txs {
		if tx.Kind == domain.TxParkingCharge {
			total = total.Add(tx.Amount)
			n++
		}
	}
	return total, n
}

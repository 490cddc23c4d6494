package service

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"smart_bays/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertExclusive checks that no bay and no user holds more than one active
// booking.
func assertExclusive(t *testing.T, h *harness) {
	t.Helper()
	perBay, perUser := map[int]int{}, map[string]int{}
	for _, b := range h.store.AllBookings() {
		if b.Status.Active() {
			perBay[b.BayID]++
			perUser[b.UserID]++
		}
	}
	for bay, n := range perBay {
		assert.LessOrEqual(t, n, 1, "bay %d has %d active bookings", bay, n)
	}
	for user, n := range perUser {
		assert.LessOrEqual(t, n, 1, "user %s has %d active bookings", user, n)
	}
}

func TestProperty_BayExclusivityUnderConcurrentReserves(t *testing.T) {
	h := newHarness(t, "Slot A")
	const users = 12
	for i := 0; i < users; i++ {
		h.topUp(fmt.Sprintf("u%d", i), "5.00")
	}

	var wg sync.WaitGroup
	errs := make([]error, users)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.coord.Reserve(h.ctx, fmt.Sprintf("u%d", i), "Slot A", "P")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.Equal(t, KindBayOccupied, KindOf(err))
	}
	assert.Equal(t, 1, ok)
	assertExclusive(t, h)
}

func TestProperty_UserExclusivityUnderConcurrentReserves(t *testing.T) {
	bays := []string{"Slot A", "Slot B", "Slot C", "Slot D", "Slot E"}
	h := newHarness(t, bays...)
	h.topUp("U", "5.00")

	var wg sync.WaitGroup
	errs := make([]error, len(bays))
	for i, bay := range bays {
		wg.Add(1)
		go func(i int, bay string) {
			defer wg.Done()
			_, errs[i] = h.coord.Reserve(h.ctx, "U", bay, "P")
		}(i, bay)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.Equal(t, KindUserHasActiveBooking, KindOf(err))
	}
	assert.Equal(t, 1, ok)
	assertExclusive(t, h)
}

// TestProperty_RandomWorkload drives a seeded random stream of commands,
// sensor edges and reconciler sweeps, checking the ledger, exclusivity and
// charge invariants after every step.
func TestProperty_RandomWorkload(t *testing.T) {
	for seed := uint64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			runRandomWorkload(t, seed)
		})
	}
}

func runRandomWorkload(t *testing.T, seed uint64) {
	bays := []string{"Slot A", "Slot B", "Slot C"}
	users := []string{"alice", "bob", "carol", "dave"}
	h := newHarness(t, bays...)
	rng := rand.New(rand.NewPCG(seed, seed*7919))
	admin := Actor{Admin: true}
	seen := map[uuid.UUID]decimal.Decimal{}
	occupied := map[string]bool{}
	elapsed := 0.0

	for _, u := range users {
		h.topUp(u, "3.00")
	}

	for step := 0; step < 400; step++ {
		elapsed += float64(rng.IntN(4000)) / 1000
		h.at(elapsed)

		switch r := rng.IntN(100); {
		case r < 20:
			u, bay := users[rng.IntN(len(users))], bays[rng.IntN(len(bays))]
			_, err := h.coord.Reserve(h.ctx, u, bay, "P")
			if err != nil {
				assert.Contains(t, []ErrorKind{KindBayOccupied, KindUserHasActiveBooking, KindInsufficientFunds}, KindOf(err), "%v", err)
			}
		case r < 45:
			bay := bays[rng.IntN(len(bays))]
			occupied[bay] = !occupied[bay]
			h.sense(bay, occupied[bay])
		case r < 52:
			bookings := h.store.AllBookings()
			if len(bookings) > 0 {
				b := bookings[rng.IntN(len(bookings))]
				_, err := h.coord.Cancel(h.ctx, b.ID, Actor{UserID: b.UserID})
				require.NoError(t, err)
			}
		case r < 58:
			u := users[rng.IntN(len(users))]
			_, err := h.ledger.Credit(h.ctx, u, decimal.NewFromInt(int64(1+rng.IntN(5))), "top-up")
			require.NoError(t, err)
		case r < 61:
			u := users[rng.IntN(len(users))]
			_, err := h.ledger.Charge(h.ctx, u, money("0.50"), uuid.NullUUID{}, "fee")
			require.NoError(t, err)
		case r < 63:
			bookings := h.store.AllBookings()
			if len(bookings) > 0 {
				b := bookings[rng.IntN(len(bookings))]
				_, err := h.coord.AdjustBookingCharge(h.ctx, b.ID, money("0.25"), "manual", admin)
				require.NoError(t, err)
			}
		default:
			h.sweep()
		}

		assertExclusive(t, h)
		for _, b := range h.store.AllBookings() {
			prev, ok := seen[b.ID]
			if ok {
				assert.False(t, b.AccumulatedCharge.LessThan(prev), "charge of %s decreased", b.ID)
			}
			seen[b.ID] = b.AccumulatedCharge
		}
	}

	for _, u := range users {
		txs, err := h.ledger.Transactions(h.ctx, u, 0)
		require.NoError(t, err)
		sum := decimal.Zero
		for _, tx := range txs {
			sum = sum.Add(tx.Signed())
		}
		bal, err := h.ledger.Balance(h.ctx, u)
		require.NoError(t, err)
		assert.True(t, sum.Equal(bal), "user %s: balance %s != ledger sum %s", u, bal, sum)
	}

	for _, b := range h.store.AllBookings() {
		charges, err := h.store.BookingCharges(h.ctx, b.ID)
		require.NoError(t, err)
		assert.True(t, charges.Equal(b.AccumulatedCharge), "booking %s: accumulated %s != linked debits %s", b.ID, b.AccumulatedCharge, charges)

		if b.Status != domain.BookingCompleted {
			continue
		}
		metered := b.AccumulatedCharge.Sub(b.AdjustedCharge)
		units := b.ParkedDuration(b.CompletedAt.Time).Seconds() / 30
		acc := metered.InexactFloat64()
		assert.GreaterOrEqual(t, acc, math.Floor(units))
		assert.LessOrEqual(t, acc, math.Ceil(units))
		want := decimal.NewFromFloat(units).Round(2)
		assert.True(t, want.Equal(metered) || math.Abs(acc-units) < 0.006,
			"booking %s: metered %s for %.4f units", b.ID, metered, units)
	}
}

func TestProperty_ReplayedEventsDoNotRenotify(t *testing.T) {
	h := newHarness(t, "Slot A")
	h.topUp("U", "5.00")
	b := h.reserve("U", "Slot A")
	h.at(4)
	h.sense("Slot A", true)
	out, err := h.machine.ApplyArrived(h.ctx, "Slot A")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out.Kind)

	h.at(40)
	h.sense("Slot A", false)
	out, err = h.machine.ApplyDeparted(h.ctx, "Slot A")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out.Kind)

	// redeliver the committed notifications themselves
	completed := h.booking(b.ID)
	h.machine.out.send(*bookingNote(domain.NotifyReceipt, completed, h.clock.Now(), nil))
	h.machine.out.send(*bookingNote(domain.NotifyParked, completed, h.clock.Now(), nil))

	assert.Len(t, h.sink.ofKind(domain.NotifyParked), 1)
	assert.Len(t, h.sink.ofKind(domain.NotifyReceipt), 1)
}

func TestProperty_ReplayedSensorReportIsSteadyState(t *testing.T) {
	h := newHarness(t, "Slot A")
	first := h.sense("Slot A", true)
	second := h.sense("Slot A", true)
	assert.Len(t, first.Transitions, 1)
	assert.Empty(t, second.Transitions)
}

func TestProperty_LedOffWithinOneSweepAfterTerminal(t *testing.T) {
	h := newHarness(t, "Slot A")
	h.topUp("U", "5.00")
	h.reserve("U", "Slot A")
	h.at(1)
	h.sense("Slot A", true)

	h.leds.setFail(true)
	h.at(50)
	h.sense("Slot A", false)
	acked, _ := h.leds.Acknowledged("Slot A")
	require.Equal(t, domain.LedRed, acked, "the off push failed")

	h.leds.setFail(false)
	h.at(51)
	rep := h.sweep()
	assert.Equal(t, 1, rep.Injected["led_sync"])

	calls := h.leds.callsFor("Slot A")
	last := calls[len(calls)-1]
	assert.Equal(t, domain.LedOff, last.State)
	assert.Equal(t, 51*time.Second, last.At)
	acked, _ = h.leds.Acknowledged("Slot A")
	assert.Equal(t, domain.LedOff, acked)
}

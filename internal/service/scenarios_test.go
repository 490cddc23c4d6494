package service

import (
	"testing"

	"smart_bays/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenario_HappyPathSixtySecondsParked(t *testing.T) {
	h := newHarness(t, "Slot A")
	h.topUp("U", "5.00")

	b := h.reserve("U", "Slot A")
	h.sweepEverySecond(1, 5)
	h.at(5)
	h.sense("Slot A", true)
	h.sweepEverySecond(6, 65)
	h.at(65)
	h.sense("Slot A", false)

	got := h.booking(b.ID)
	assert.Equal(t, domain.BookingCompleted, got.Status)
	assert.Equal(t, "2.00", got.AccumulatedCharge.StringFixed(2))
	total, _ := h.parkingDebits("U")
	assert.Equal(t, "2.00", total.StringFixed(2))
	assert.Equal(t, "3.00", h.balance("U"))

	parked := h.sink.ofKind(domain.NotifyParked)
	require.Len(t, parked, 1)
	assert.Equal(t, 5.0, parked[0].At.Seconds())
	receipts := h.sink.ofKind(domain.NotifyReceipt)
	require.Len(t, receipts, 1)
	assert.Equal(t, 65.0, receipts[0].At.Seconds())
	assert.Equal(t, "2.00", receipts[0].Payload["total"])

	assert.Equal(t, []ledCall{
		{Bay: "Slot A", State: domain.LedBlue, At: 0},
		{Bay: "Slot A", State: domain.LedRed, At: 5e9},
		{Bay: "Slot A", State: domain.LedOff, At: 65e9},
	}, h.leds.callsFor("Slot A"))
}

func TestScenario_GraceExpiry(t *testing.T) {
	h := newHarness(t, "Slot A")
	h.topUp("U", "5.00")

	b := h.reserve("U", "Slot A")
	h.sweepEverySecond(1, 21)
	assert.Equal(t, domain.BookingGrace, h.booking(b.ID).Status, "20s is still inside the window")

	h.at(21)
	rep := h.sweep()
	assert.Equal(t, 1, rep.Injected["grace_expired"])

	got := h.booking(b.ID)
	assert.Equal(t, domain.BookingCancelled, got.Status)
	assert.True(t, got.GraceEndedAt.Valid)
	assert.Equal(t, "5.00", h.balance("U"))
	_, n := h.parkingDebits("U")
	assert.Zero(t, n)

	expired := h.sink.ofKind(domain.NotifyGraceExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, 21.0, expired[0].At.Seconds())
	calls := h.leds.callsFor("Slot A")
	require.NotEmpty(t, calls)
	assert.Equal(t, ledCall{Bay: "Slot A", State: domain.LedOff, At: 21e9}, calls[len(calls)-1])
}

func TestScenario_SubQuantumParking(t *testing.T) {
	h := newHarness(t, "Slot A")
	h.topUp("U", "5.00")

	b := h.reserve("U", "Slot A")
	h.at(2)
	h.sense("Slot A", true)
	h.sweepEverySecond(3, 27)

	progressive, _ := h.parkingDebits("U")
	assert.True(t, progressive.IsZero(), "no 30s boundary crossed while parked")

	h.at(27)
	h.sense("Slot A", false)

	total, n := h.parkingDebits("U")
	assert.Equal(t, "0.83", total.StringFixed(2))
	assert.Equal(t, 1, n)
	assert.Equal(t, "0.83", h.booking(b.ID).AccumulatedCharge.StringFixed(2))
	assert.Equal(t, "4.17", h.balance("U"))
}

func TestScenario_ExactQuantumBoundary(t *testing.T) {
	t.Run("with ticks", func(t *testing.T) {
		h := newHarness(t, "Slot A")
		h.topUp("U", "5.00")
		b := h.reserve("U", "Slot A")
		h.sense("Slot A", true)
		h.sweepEverySecond(1, 31)
		h.sense("Slot A", false)

		total, n := h.parkingDebits("U")
		assert.Equal(t, "1.00", total.StringFixed(2))
		assert.Equal(t, 1, n, "the final settlement adds nothing at the boundary")
		assert.Equal(t, "1.00", h.booking(b.ID).AccumulatedCharge.StringFixed(2))
	})
	t.Run("settled at departure", func(t *testing.T) {
		h := newHarness(t, "Slot A")
		h.topUp("U", "5.00")
		h.reserve("U", "Slot A")
		h.sense("Slot A", true)
		h.at(30)
		h.sense("Slot A", false)

		total, _ := h.parkingDebits("U")
		assert.Equal(t, "1.00", total.StringFixed(2))
	})
}

func TestScenario_ReserveWhileUserHasActiveBooking(t *testing.T) {
	h := newHarness(t, "Slot A", "Slot B")
	h.topUp("U", "5.00")
	b := h.reserve("U", "Slot A")
	h.at(3)
	h.sense("Slot A", true)
	before := h.booking(b.ID)
	require.Equal(t, domain.BookingParked, before.Status)

	_, err := h.coord.Reserve(h.ctx, "U", "Slot B", "KA-01-U")
	require.Error(t, err)
	assert.Equal(t, KindUserHasActiveBooking, KindOf(err))

	assert.Len(t, h.store.AllBookings(), 1)
	assert.Equal(t, before, h.booking(b.ID))
}

func TestScenario_UnauthorizedParking(t *testing.T) {
	h := newHarness(t, "Slot A")

	h.sense("Slot A", true)
	h.at(1)
	h.sweep()
	h.at(2)
	h.sweep()
	assert.Len(t, h.sink.ofKind(domain.NotifyUnauthorizedParking), 1)
	assert.Empty(t, h.store.AllBookings())

	h.at(10)
	h.sense("Slot A", false)
	h.at(11)
	h.sweep()
	assert.Len(t, h.sink.ofKind(domain.NotifyUnauthorizedParking), 1, "departure does not alert")

	h.at(30)
	h.sense("Slot A", true)
	alerts := h.sink.ofKind(domain.NotifyUnauthorizedParking)
	require.Len(t, alerts, 2, "a new occupancy episode alerts again")
	assert.NotEqual(t, alerts[0].Ref, alerts[1].Ref)
}

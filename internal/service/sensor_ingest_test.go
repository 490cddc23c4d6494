package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"smart_bays/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTransitions struct {
	mu   sync.Mutex
	got  []domain.Transition
	fail bool
}

func (r *recordingTransitions) PostTransition(_ context.Context, t domain.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("lane closed")
	}
	r.got = append(r.got, t)
	return nil
}

func newIngestHarness(t *testing.T) (*harness, *SensorIngest, *recordingTransitions) {
	h := newHarness(t, "Slot A", "Slot B", "Slot C")
	sink := &recordingTransitions{}
	return h, NewSensorIngest(h.store, h.clock, sink, time.Minute), sink
}

func TestIngest_EmitsEdgesInBayOrder(t *testing.T) {
	h, ingest, sink := newIngestHarness(t)

	res, err := ingest.Ingest(h.ctx, domain.SensorReport{
		DeviceID:   "esp32-lot",
		Bays:       map[string]bool{"Slot C": true, "Slot A": true, "Slot B": false},
		ObservedAt: h.clock.Now(),
	})
	require.NoError(t, err)

	require.Len(t, res.Transitions, 2)
	assert.Equal(t, []domain.Transition{
		{Kind: domain.Arrived, BayName: "Slot A", DeviceID: "esp32-lot", ObservedAt: t0},
		{Kind: domain.Arrived, BayName: "Slot C", DeviceID: "esp32-lot", ObservedAt: t0},
	}, sink.got)

	bay, err := h.store.BayByName(h.ctx, "Slot C")
	require.NoError(t, err)
	assert.True(t, bay.Occupied)
	assert.Equal(t, t0, bay.OccupiedSince.Time)

	h.at(5)
	res, err = ingest.Ingest(h.ctx, domain.SensorReport{
		DeviceID:   "esp32-lot",
		Bays:       map[string]bool{"Slot A": false, "Slot C": true},
		ObservedAt: h.clock.Now(),
	})
	require.NoError(t, err)
	require.Len(t, res.Transitions, 1)
	assert.Equal(t, domain.Departed, res.Transitions[0].Kind)
	assert.Equal(t, "Slot A", res.Transitions[0].BayName)
}

func TestIngest_StaleReportIsStoredOnly(t *testing.T) {
	h, ingest, sink := newIngestHarness(t)
	h.at(120)

	res, err := ingest.Ingest(h.ctx, domain.SensorReport{
		DeviceID:   "esp32-lot",
		Bays:       map[string]bool{"Slot A": true},
		ObservedAt: t0,
	})
	require.Error(t, err)
	assert.Equal(t, KindStaleSensor, KindOf(err))
	assert.True(t, res.Stale)
	assert.Empty(t, sink.got)

	snap, err := h.store.LatestSnapshot(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, t0, snap.ObservedAt)
	bay, err := h.store.BayByName(h.ctx, "Slot A")
	require.NoError(t, err)
	assert.False(t, bay.Occupied)
}

func TestIngest_UnknownBaysAndValidation(t *testing.T) {
	h, ingest, sink := newIngestHarness(t)

	res, err := ingest.Ingest(h.ctx, domain.SensorReport{
		DeviceID:   "esp32-lot",
		Bays:       map[string]bool{"Slot Z": true, "Slot B": true},
		ObservedAt: h.clock.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Slot Z"}, res.UnknownBays)
	assert.Len(t, sink.got, 1)

	for _, r := range []domain.SensorReport{
		{Bays: map[string]bool{"Slot A": true}, ObservedAt: t0},
		{DeviceID: "d", Bays: map[string]bool{"Slot A": true}},
		{DeviceID: "d", ObservedAt: t0},
	} {
		_, err := ingest.Ingest(h.ctx, r)
		assert.Equal(t, KindInvalidArgument, KindOf(err))
	}
}

func TestIngest_LostHandOffIsStillCommitted(t *testing.T) {
	h, ingest, sink := newIngestHarness(t)
	sink.fail = true

	res, err := ingest.Ingest(h.ctx, domain.SensorReport{
		DeviceID:   "esp32-lot",
		Bays:       map[string]bool{"Slot A": true},
		ObservedAt: h.clock.Now(),
	})
	require.NoError(t, err)
	assert.Len(t, res.Transitions, 1)
	bay, err := h.store.BayByName(h.ctx, "Slot A")
	require.NoError(t, err)
	assert.True(t, bay.Occupied)
}

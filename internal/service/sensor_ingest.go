package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"smart_bays/internal/clock"
	"smart_bays/internal/domain"
	"smart_bays/internal/metrics"
	"smart_bays/internal/repository"

	"gopkg.in/guregu/null.v4"
)

// TransitionSink receives occupancy edges in the order reports arrived.
type TransitionSink interface {
	PostTransition(ctx context.Context, t domain.Transition) error
}

type IngestResult struct {
	Stale       bool                `json:"stale"`
	Transitions []domain.Transition `json:"transitions"`
	UnknownBays []string            `json:"unknown_bays,omitempty"`
}

// SensorIngest persists sensor reports and turns occupancy changes into
// Arrived / Departed transitions. Reports are processed one at a time so
// transitions leave in arrival order.
type SensorIngest struct {
	mu        sync.Mutex
	store     repository.Store
	clock     clock.Clock
	sink      TransitionSink
	freshness time.Duration
	retry     retryPolicy
}

func NewSensorIngest(store repository.Store, clk clock.Clock, sink TransitionSink, freshness time.Duration) *SensorIngest {
	return &SensorIngest{
		store:     store,
		clock:     clk,
		sink:      sink,
		freshness: freshness,
		retry:     retryPolicy{maxRetries: 3, backoff: 2 * time.Millisecond},
	}
}

func validateReport(r *domain.SensorReport) error {
	r.DeviceID = strings.TrimSpace(r.DeviceID)
	if r.DeviceID == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidArgument)
	}
	if r.ObservedAt.IsZero() {
		return fmt.Errorf("%w: observed_at is required", ErrInvalidArgument)
	}
	if len(r.Bays) == 0 {
		return fmt.Errorf("%w: report names no bays", ErrInvalidArgument)
	}
	return nil
}

// Ingest records r. A stale report is stored but produces no transitions and
// returns ErrStaleSensor. The bay rows and the snapshot commit together; the
// transitions are handed to the sink afterwards, and a lost hand-off is
// repaired by the reconciler from the committed bay rows.
func (s *SensorIngest) Ingest(ctx context.Context, r domain.SensorReport) (IngestResult, error) {
	if err := validateReport(&r); err != nil {
		metrics.SensorReports.WithLabelValues("invalid").Inc()
		return IngestResult{}, fmt.Errorf("SensorIngest.Ingest: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	age := now.Sub(r.ObservedAt)
	stale := age > s.freshness

	names := make([]string, 0, len(r.Bays))
	for name := range r.Bays {
		names = append(names, name)
	}
	sort.Strings(names)

	var res IngestResult
	err := s.retry.do("SensorIngest.Ingest", func() error {
		res = IngestResult{Stale: stale}
		return s.store.WithinTx(ctx, func(q repository.Queries) error {
			snap := &domain.SensorSnapshot{
				DeviceID:   r.DeviceID,
				Bays:       r.Bays,
				ObservedAt: r.ObservedAt.UTC(),
				ReceivedAt: now,
				Battery:    r.Battery,
				RSSI:       r.RSSI,
			}
			if err := q.PutSensorSnapshot(ctx, snap); err != nil {
				return err
			}
			if stale {
				return nil
			}
			for _, name := range names {
				bay, err := q.BayByName(ctx, name)
				if errors.Is(err, repository.ErrNotFound) {
					res.UnknownBays = append(res.UnknownBays, name)
					continue
				}
				if err != nil {
					return err
				}
				occupied := r.Bays[name]
				if bay.Occupied == occupied {
					continue
				}
				kind := domain.Departed
				bay.Occupied = occupied
				bay.OccupiedSince = null.Time{}
				if occupied {
					kind = domain.Arrived
					bay.OccupiedSince = null.TimeFrom(r.ObservedAt.UTC())
				}
				if err := q.UpdateBay(ctx, bay); err != nil {
					return err
				}
				res.Transitions = append(res.Transitions, domain.Transition{
					Kind:       kind,
					BayName:    bay.Name,
					DeviceID:   r.DeviceID,
					ObservedAt: r.ObservedAt.UTC(),
				})
			}
			return nil
		})
	})
	if err != nil {
		metrics.SensorReports.WithLabelValues("error").Inc()
		return IngestResult{}, fmt.Errorf("SensorIngest.Ingest: %w", err)
	}
	if stale {
		metrics.SensorReports.WithLabelValues("stale").Inc()
		log.Printf("SensorIngest: stale report from %s (observed %s ago), stored without transitions", r.DeviceID, age.Truncate(time.Millisecond))
		return res, fmt.Errorf("SensorIngest.Ingest: %w: device %s observed %s ago", ErrStaleSensor, r.DeviceID, age.Truncate(time.Millisecond))
	}
	for _, name := range res.UnknownBays {
		log.Printf("SensorIngest: device %s reported unknown bay %q", r.DeviceID, name)
	}

	for _, t := range res.Transitions {
		metrics.SensorTransitions.WithLabelValues(string(t.Kind)).Inc()
		if s.sink == nil {
			continue
		}
		if err := s.sink.PostTransition(ctx, t); err != nil {
			log.Printf("SensorIngest: hand-off of %s on %s failed, reconciler will recover: %v", t.Kind, t.BayName, err)
		}
	}
	metrics.SensorReports.WithLabelValues("accepted").Inc()
	return res, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"smart_bays/internal/clock"
	"smart_bays/internal/domain"
	"smart_bays/internal/metrics"
	"smart_bays/internal/repository"
)

// SweepReport summarises one reconciler pass.
type SweepReport struct {
	Bays          int
	SensorsOnline bool
	Injected      map[string]int
	Alerts        int
}

// Reconciler periodically compares every bay with its active booking and
// injects the events needed to converge: grace expiry, billing ticks,
// missed sensor edges and LED re-pushes.
type Reconciler struct {
	store     repository.Store
	clock     clock.Clock
	coord     *Coordinator
	interval  time.Duration
	freshness time.Duration

	mu      sync.Mutex
	alerted map[int]time.Time // bay id -> occupied_since of the reported episode
}

func NewReconciler(store repository.Store, clk clock.Clock, coord *Coordinator, interval, freshness time.Duration) *Reconciler {
	return &Reconciler{
		store:     store,
		clock:     clk,
		coord:     coord,
		interval:  interval,
		freshness: freshness,
		alerted:   map[int]time.Time{},
	}
}

// Run sweeps on every clock tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	log.Printf("Reconciler: started, sweeping every %s", r.interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("Reconciler: stopped")
			return ctx.Err()
		case <-ticker.C():
			if _, err := r.Sweep(ctx); err != nil {
				log.Printf("Reconciler: sweep failed: %v", err)
			}
		}
	}
}

func (r *Reconciler) sensorsOnline(ctx context.Context, now time.Time) (bool, error) {
	snap, err := r.store.LatestSnapshot(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return now.Sub(snap.ObservedAt) <= r.freshness, nil
}

// claimEpisode reports whether the bay's current unauthorized occupancy has
// not been alerted by a sweep yet, and marks it alerted.
func (r *Reconciler) claimEpisode(bay *domain.Bay) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	since := bay.OccupiedSince.Time
	if prev, ok := r.alerted[bay.ID]; ok && prev.Equal(since) {
		return false
	}
	r.alerted[bay.ID] = since
	return true
}

func (r *Reconciler) forgetEpisode(bayID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.alerted, bayID)
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	machine := r.coord.Machine()
	now := r.clock.Now()
	rep := SweepReport{Injected: map[string]int{}}

	online, err := r.sensorsOnline(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("Reconciler.Sweep: %w", err)
	}
	rep.SensorsOnline = online
	if online {
		metrics.SensorsOnline.Set(1)
	} else {
		metrics.SensorsOnline.Set(0)
	}

	bays, err := r.store.ListBays(ctx)
	if err != nil {
		return rep, fmt.Errorf("Reconciler.Sweep: %w", err)
	}
	injected := func(event string, ok bool) {
		if ok {
			rep.Injected[event]++
			metrics.ReconcileInjections.WithLabelValues(event).Inc()
		}
	}

	for i := range bays {
		bay := &bays[i]
		rep.Bays++
		b, err := activeFor(ctx, r.store, bay.ID)
		if err != nil {
			return rep, fmt.Errorf("Reconciler.Sweep: bay %s: %w", bay.Name, err)
		}

		if b != nil || !bay.Occupied {
			r.forgetEpisode(bay.ID)
		}

		switch {
		case b == nil:
			if bay.Occupied && online && r.claimEpisode(bay) {
				machine.ReportUnauthorized(bay)
				rep.Alerts++
			}
		case b.Status == domain.BookingGrace && arrivedSinceReservation(bay, b):
			injected("arrived", r.coord.InjectArrived(ctx, bay.Name))
		case b.Status == domain.BookingGrace && now.Sub(b.GraceStartedAt) > machine.Config().GraceWindow:
			injected("grace_expired", r.coord.InjectGraceExpired(ctx, bay.Name, b.ID))
		case b.Status == domain.BookingParked && !bay.Occupied:
			injected("departed", r.coord.InjectDeparted(ctx, bay.Name))
		case b.Status == domain.BookingParked:
			injected("tick", r.coord.InjectTick(ctx, bay.Name, b.ID))
		}

		if machine.NeedsLedSync(bay, b) {
			injected("led_sync", r.coord.InjectLedSync(ctx, bay.Name))
		}
	}
	metrics.ReconcileSweeps.Inc()
	return rep, nil
}

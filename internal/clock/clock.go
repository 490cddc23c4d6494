// Package clock is the only source of time for billing and reconciliation.
package clock

import (
	"sync"
	"time"
)

// Clock exposes wall-clock time, a monotonic reading and tickers.
type Clock interface {
	Now() time.Time
	// Monotonic returns the time elapsed since the clock was created.
	Monotonic() time.Duration
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors time.Ticker so virtual clocks can drive periodic loops.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// System reads the OS clock. Times are returned in UTC.
type System struct {
	start time.Time
}

func NewSystem() *System {
	return &System{start: time.Now()}
}

func (s *System) Now() time.Time { return time.Now().UTC() }

func (s *System) Monotonic() time.Duration { return time.Since(s.start) }

func (s *System) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

type systemTicker struct {
	t *time.Ticker
}

func (t *systemTicker) C() <-chan time.Time { return t.t.C }
func (t *systemTicker) Stop()               { t.t.Stop() }

// Virtual is a manually advanced clock for tests. Tickers created from it
// fire when Advance crosses their next deadline.
type Virtual struct {
	mu      sync.Mutex
	start   time.Time
	now     time.Time
	tickers []*virtualTicker
}

func NewVirtual(start time.Time) *Virtual {
	start = start.UTC()
	return &Virtual{start: start, now: start}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *Virtual) Monotonic() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now.Sub(v.start)
}

// Set jumps to t. Moving backwards is ignored.
func (v *Virtual) Set(t time.Time) {
	v.mu.Lock()
	d := t.UTC().Sub(v.now)
	v.mu.Unlock()
	if d > 0 {
		v.Advance(d)
	}
}

// Advance moves the clock forward and fires any due tickers. A ticker whose
// channel is full drops the tick, like time.Ticker does.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.now = v.now.Add(d)
	live := v.tickers[:0]
	for _, t := range v.tickers {
		if t.stopped {
			continue
		}
		for !t.next.After(v.now) {
			select {
			case t.ch <- t.next:
			default:
			}
			t.next = t.next.Add(t.period)
		}
		live = append(live, t)
	}
	v.tickers = live
}

func (v *Virtual) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker period")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	t := &virtualTicker{owner: v, period: d, next: v.now.Add(d), ch: make(chan time.Time, 1)}
	v.tickers = append(v.tickers, t)
	return t
}

type virtualTicker struct {
	owner   *Virtual
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (t *virtualTicker) C() <-chan time.Time { return t.ch }

func (t *virtualTicker) Stop() {
	t.owner.mu.Lock()
	t.stopped = true
	t.owner.mu.Unlock()
}

package service

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"smart_bays/internal/metrics"

	"github.com/google/uuid"
)

type opKind int

const (
	opCommand opKind = iota
	opArrived
	opDeparted
	opTick
	opGraceExpired
	opLedSync
)

const (
	opPending int32 = iota
	opRunning
	opAbandoned
)

type result struct {
	out Outcome
	err error
}

type op struct {
	kind     opKind
	name     string
	booking  uuid.UUID
	recovery bool // injected by the reconciler rather than observed
	ctx      context.Context
	run      func(ctx context.Context) (Outcome, error)
	state    atomic.Int32
	done     chan result // nil for fire-and-forget ops
}

// lane is the serial queue of one bay. A single worker drains it; pushes
// never block.
type lane struct {
	bay    string
	mu     sync.Mutex
	queue  []*op
	signal chan struct{}
	closed bool

	// pending counts used to coalesce injected events
	arrivals   int
	departures int
	ticks      map[uuid.UUID]bool
	graces     map[uuid.UUID]bool
	ledSync    bool
}

func newLane(bay string) *lane {
	return &lane{
		bay:    bay,
		signal: make(chan struct{}, 1),
		ticks:  map[uuid.UUID]bool{},
		graces: map[uuid.UUID]bool{},
	}
}

// enqueue appends o unless the lane is closed or an equivalent injected
// event is already waiting. A grace expiry is never queued behind a pending
// arrival.
func (l *lane) enqueue(o *op) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	switch o.kind {
	case opArrived, opDeparted:
		if o.recovery && l.arrivals+l.departures > 0 {
			return false
		}
		if o.kind == opArrived {
			l.arrivals++
		} else {
			l.departures++
		}
	case opTick:
		if l.ticks[o.booking] {
			return false
		}
		l.ticks[o.booking] = true
	case opGraceExpired:
		if l.arrivals > 0 || l.graces[o.booking] {
			return false
		}
		l.graces[o.booking] = true
	case opLedSync:
		if l.ledSync {
			return false
		}
		l.ledSync = true
	}
	l.queue = append(l.queue, o)
	metrics.LaneDepth.WithLabelValues(l.bay).Set(float64(len(l.queue)))
	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

func (l *lane) forget(o *op) {
	switch o.kind {
	case opArrived:
		l.arrivals--
	case opDeparted:
		l.departures--
	case opTick:
		delete(l.ticks, o.booking)
	case opGraceExpired:
		delete(l.graces, o.booking)
	case opLedSync:
		l.ledSync = false
	}
}

func (l *lane) next() (*op, bool) {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			o := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.forget(o)
			metrics.LaneDepth.WithLabelValues(l.bay).Set(float64(len(l.queue)))
			l.mu.Unlock()
			return o, true
		}
		if l.closed {
			l.mu.Unlock()
			return nil, false
		}
		l.mu.Unlock()
		<-l.signal
	}
}

// run is the lane worker. An op whose caller gave up before it started is
// skipped; a started op always runs to completion.
func (l *lane) run(done func()) {
	defer done()
	for {
		o, ok := l.next()
		if !ok {
			return
		}
		if !o.state.CompareAndSwap(opPending, opRunning) {
			continue
		}
		out, err := o.run(o.ctx)
		if o.done != nil {
			o.done <- result{out: out, err: err}
			continue
		}
		if err != nil {
			log.Printf("Coordinator: %s on %s failed: %v", o.name, l.bay, err)
		}
	}
}

// close stops the lane after the queued ops drain.
func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

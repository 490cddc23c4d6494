package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"smart_bays/internal/domain"
	"smart_bays/internal/metrics"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var errCoordinatorClosed = errors.New("coordinator closed")

// Coordinator owns one lane per bay and routes every command, sensor edge
// and reconciler event onto it. Reserve additionally holds a per-user lock.
type Coordinator struct {
	machine *BookingMachine
	users   *keyedMutex

	mu     sync.Mutex
	lanes  map[string]*lane
	wg     sync.WaitGroup
	closed bool
}

func NewCoordinator(machine *BookingMachine) *Coordinator {
	return &Coordinator{
		machine: machine,
		users:   newKeyedMutex(),
		lanes:   map[string]*lane{},
	}
}

func (c *Coordinator) Machine() *BookingMachine { return c.machine }

// lane returns the bay's lane, starting its worker on first use. Unknown bays
// get no lane.
func (c *Coordinator) lane(ctx context.Context, bayName string) (*lane, error) {
	bayName = strings.TrimSpace(bayName)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrInternal, errCoordinatorClosed)
	}
	l, ok := c.lanes[bayName]
	c.mu.Unlock()
	if ok {
		return l, nil
	}

	if _, err := loadBay(ctx, c.machine.store, bayName); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: %w", ErrInternal, errCoordinatorClosed)
	}
	if l, ok := c.lanes[bayName]; ok {
		return l, nil
	}
	l = newLane(bayName)
	c.lanes[bayName] = l
	c.wg.Add(1)
	go l.run(c.wg.Done)
	return l, nil
}

// do queues fn on the bay's lane and waits for it. If ctx ends while fn is
// still queued the op is withdrawn and Timeout returned; once fn has started
// it runs to completion and its result is returned.
func (c *Coordinator) do(ctx context.Context, bayName, name string, fn func(ctx context.Context) (Outcome, error)) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, fmt.Errorf("Coordinator.%s: %w: %v", name, ErrTimeout, err)
	}
	l, err := c.lane(ctx, bayName)
	if err != nil {
		return Outcome{}, fmt.Errorf("Coordinator.%s: %w", name, err)
	}
	o := &op{
		kind: opCommand,
		name: name,
		ctx:  context.WithoutCancel(ctx),
		run:  fn,
		done: make(chan result, 1),
	}
	if !l.enqueue(o) {
		return Outcome{}, fmt.Errorf("Coordinator.%s: %w: %w", name, ErrInternal, errCoordinatorClosed)
	}
	select {
	case r := <-o.done:
		return r.out, r.err
	case <-ctx.Done():
		if o.state.CompareAndSwap(opPending, opAbandoned) {
			metrics.LaneTimeouts.WithLabelValues(l.bay).Inc()
			return Outcome{}, fmt.Errorf("Coordinator.%s: %w: queued on %s: %v", name, ErrTimeout, l.bay, ctx.Err())
		}
		r := <-o.done
		return r.out, r.err
	}
}

// inject queues a fire-and-forget op. It reports whether the op was queued.
func (c *Coordinator) inject(ctx context.Context, bayName string, o *op) bool {
	l, err := c.lane(ctx, bayName)
	if err != nil {
		return false
	}
	o.ctx = context.Background()
	return l.enqueue(o)
}

func (c *Coordinator) Reserve(ctx context.Context, userID, bayName, plate string) (Outcome, error) {
	unlock, err := c.users.Lock(ctx, userID)
	if err != nil {
		return Outcome{}, fmt.Errorf("Coordinator.Reserve: %w: waiting for user lock: %v", ErrTimeout, err)
	}
	defer unlock()
	return c.do(ctx, bayName, "Reserve", func(ctx context.Context) (Outcome, error) {
		return c.machine.Reserve(ctx, userID, bayName, plate)
	})
}

func (c *Coordinator) bookingBay(ctx context.Context, id uuid.UUID) (string, error) {
	b, err := loadBooking(ctx, c.machine.store, id)
	if err != nil {
		return "", err
	}
	return b.BayName, nil
}

func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID, actor Actor) (Outcome, error) {
	bay, err := c.bookingBay(ctx, id)
	if err != nil {
		return Outcome{}, fmt.Errorf("Coordinator.Cancel: %w", err)
	}
	return c.do(ctx, bay, "Cancel", func(ctx context.Context) (Outcome, error) {
		return c.machine.Cancel(ctx, id, actor)
	})
}

func (c *Coordinator) AdjustBookingCharge(ctx context.Context, id uuid.UUID, amount decimal.Decimal, note string, actor Actor) (Outcome, error) {
	if !actor.Admin {
		return Outcome{}, fmt.Errorf("Coordinator.AdjustBookingCharge: %w", ErrNotAuthorized)
	}
	bay, err := c.bookingBay(ctx, id)
	if err != nil {
		return Outcome{}, fmt.Errorf("Coordinator.AdjustBookingCharge: %w", err)
	}
	return c.do(ctx, bay, "AdjustBookingCharge", func(ctx context.Context) (Outcome, error) {
		return c.machine.AdjustBookingCharge(ctx, id, amount, note, actor)
	})
}

func (c *Coordinator) SetLed(ctx context.Context, bayName string, state domain.LedState, actor Actor) (Outcome, error) {
	return c.do(ctx, bayName, "SetLed", func(ctx context.Context) (Outcome, error) {
		return c.machine.SetLed(ctx, bayName, state, actor)
	})
}

// Flush waits until every op queued on the bay before the call has run.
func (c *Coordinator) Flush(ctx context.Context, bayName string) error {
	_, err := c.do(ctx, bayName, "Flush", func(context.Context) (Outcome, error) {
		return Outcome{Kind: OutcomeNoop}, nil
	})
	return err
}

// PostTransition queues a sensor edge behind everything already on the bay's
// lane. It does not wait for the transition to run.
func (c *Coordinator) PostTransition(ctx context.Context, t domain.Transition) error {
	l, err := c.lane(ctx, t.BayName)
	if err != nil {
		return fmt.Errorf("Coordinator.PostTransition: %w", err)
	}
	o := &op{name: "ApplyArrived", kind: opArrived, ctx: context.Background()}
	o.run = func(ctx context.Context) (Outcome, error) { return c.machine.ApplyArrived(ctx, t.BayName) }
	if t.Kind == domain.Departed {
		o.name, o.kind = "ApplyDeparted", opDeparted
		o.run = func(ctx context.Context) (Outcome, error) { return c.machine.ApplyDeparted(ctx, t.BayName) }
	}
	if !l.enqueue(o) {
		return fmt.Errorf("Coordinator.PostTransition: %w: %w", ErrInternal, errCoordinatorClosed)
	}
	return nil
}

// InjectTick queues a billing tick unless one is already waiting.
func (c *Coordinator) InjectTick(ctx context.Context, bayName string, id uuid.UUID) bool {
	return c.inject(ctx, bayName, &op{
		kind: opTick, name: "OnTick", booking: id,
		run: func(ctx context.Context) (Outcome, error) { return c.machine.OnTick(ctx, id) },
	})
}

// InjectGraceExpired queues a grace expiry unless an arrival (or the same
// expiry) is already waiting.
func (c *Coordinator) InjectGraceExpired(ctx context.Context, bayName string, id uuid.UUID) bool {
	return c.inject(ctx, bayName, &op{
		kind: opGraceExpired, name: "OnGraceExpired", booking: id,
		run: func(ctx context.Context) (Outcome, error) { return c.machine.OnGraceExpired(ctx, id) },
	})
}

func (c *Coordinator) InjectArrived(ctx context.Context, bayName string) bool {
	return c.inject(ctx, bayName, &op{
		kind: opArrived, name: "RecoverArrived", recovery: true,
		run: func(ctx context.Context) (Outcome, error) { return c.machine.RecoverArrived(ctx, bayName) },
	})
}

func (c *Coordinator) InjectDeparted(ctx context.Context, bayName string) bool {
	return c.inject(ctx, bayName, &op{
		kind: opDeparted, name: "RecoverDeparted", recovery: true,
		run: func(ctx context.Context) (Outcome, error) { return c.machine.RecoverDeparted(ctx, bayName) },
	})
}

func (c *Coordinator) InjectLedSync(ctx context.Context, bayName string) bool {
	return c.inject(ctx, bayName, &op{
		kind: opLedSync, name: "SyncLed",
		run: func(ctx context.Context) (Outcome, error) { return c.machine.SyncLed(ctx, bayName) },
	})
}

// Close stops accepting work, drains every lane and waits for the workers.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	lanes := make([]*lane, 0, len(c.lanes))
	for _, l := range c.lanes {
		lanes = append(lanes, l)
	}
	c.mu.Unlock()
	for _, l := range lanes {
		l.close()
	}
	c.wg.Wait()
}

var _ TransitionSink = (*Coordinator)(nil)

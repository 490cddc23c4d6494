package service

import (
	"context"
	"log"

	"smart_bays/internal/domain"
	"smart_bays/internal/metrics"
)

type ledPush struct {
	bay   string
	state domain.LedState
}

// effects collects the egress a transition wants. They are dispatched only
// after the transaction commits.
type effects struct {
	leds  []ledPush
	notes []domain.Notification
}

func (e *effects) led(bay string, state domain.LedState) {
	e.leds = append(e.leds, ledPush{bay: bay, state: state})
}

func (e *effects) notify(n *domain.Notification) {
	if n != nil {
		e.notes = append(e.notes, *n)
	}
}

type dispatcher struct {
	leds     LedController
	notifier Notifier
	pool     Egress
}

func (d *dispatcher) dispatch(e *effects) {
	for _, p := range e.leds {
		d.pushLed(p.bay, p.state)
	}
	for _, n := range e.notes {
		d.send(n)
	}
}

func (d *dispatcher) pushLed(bay string, state domain.LedState) {
	if d.leds == nil {
		return
	}
	d.pool.Submit("led "+bay, func(ctx context.Context) {
		if err := d.leds.Set(ctx, bay, state); err != nil {
			log.Printf("LedController: set %s=%s failed: %v", bay, state, err)
			metrics.LedPushes.WithLabelValues(string(state), "failed").Inc()
			return
		}
		metrics.LedPushes.WithLabelValues(string(state), "ok").Inc()
	})
}

func (d *dispatcher) send(n domain.Notification) {
	if d.notifier == nil {
		return
	}
	d.pool.Submit("notify "+string(n.Kind), func(ctx context.Context) {
		if err := d.notifier.Send(ctx, n); err != nil {
			log.Printf("Notifier: %s for user %q failed: %v", n.Kind, n.UserID, err)
		}
	})
}

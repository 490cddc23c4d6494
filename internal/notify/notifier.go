// Package notify sends user and operator notifications exactly once per
// event key, fanning out to every configured sink.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"

	"smart_bays/internal/domain"
	"smart_bays/internal/metrics"
)

type Notifier struct {
	dedup Dedup
	sinks []Sink
}

func New(dedup Dedup, sinks ...Sink) *Notifier {
	return &Notifier{dedup: dedup, sinks: sinks}
}

// AddSink registers another channel. Not safe to call after Send is in use.
func (n *Notifier) AddSink(s Sink) {
	n.sinks = append(n.sinks, s)
}

// Send delivers note to every sink unless its key was already sent. If no
// sink accepted it the key is released so a retry can go through. Sink errors
// are returned joined; the caller only logs them.
func (n *Notifier) Send(ctx context.Context, note domain.Notification) error {
	key := note.DedupKey()
	first, err := n.dedup.Claim(ctx, key)
	if err != nil {
		log.Printf("Notifier: dedup unavailable for %s, sending anyway: %v", key, err)
		first = true
	}
	if !first {
		metrics.Notifications.WithLabelValues(string(note.Kind), "duplicate").Inc()
		return nil
	}

	var errs []error
	delivered := 0
	for _, s := range n.sinks {
		if err := s.Deliver(ctx, note); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		delivered++
	}
	if delivered == 0 && len(n.sinks) > 0 {
		if err := n.dedup.Release(ctx, key); err != nil {
			log.Printf("Notifier: release %s: %v", key, err)
		}
		metrics.Notifications.WithLabelValues(string(note.Kind), "failed").Inc()
	} else {
		metrics.Notifications.WithLabelValues(string(note.Kind), "sent").Inc()
	}
	return errors.Join(errs...)
}

package service

import (
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"time"

	"smart_bays/internal/metrics"
	"smart_bays/internal/repository"
)

// retryPolicy reruns a whole transaction on repository.ErrConflict. Each
// attempt reloads its rows, so nothing read by a failed attempt survives.
type retryPolicy struct {
	maxRetries int
	backoff    time.Duration
}

func (p retryPolicy) do(op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, repository.ErrConflict) {
			return err
		}
		metrics.ConflictRetries.WithLabelValues(op).Inc()
		if attempt >= p.maxRetries {
			return fmt.Errorf("%w: %s: conflict persisted after %d retries: %w", ErrInternal, op, p.maxRetries, err)
		}
		log.Printf("%s: conflict, retrying (%d/%d): %v", op, attempt+1, p.maxRetries, err)
		if p.backoff > 0 {
			time.Sleep(p.delay(attempt))
		}
	}
}

func (p retryPolicy) delay(attempt int) time.Duration {
	base := p.backoff << attempt
	return base + rand.N(p.backoff)
}

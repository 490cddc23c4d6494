package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"smart_bays/internal/domain"
)

// Sink delivers a notification to one outbound channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n domain.Notification) error
}

// LogSink writes notifications to the process log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Deliver(_ context.Context, n domain.Notification) error {
	log.Printf("Notifier: %s user=%s booking=%s ref=%s payload=%v",
		n.Kind, n.UserID, bookingRef(n), n.Ref, n.Payload)
	return nil
}

func bookingRef(n domain.Notification) string {
	if n.BookingID.Valid {
		return n.BookingID.UUID.String()
	}
	return "-"
}

// Publisher is the subset of *nats.Conn the NATS sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each notification as JSON on "<subject>.<kind>".
type NATSSink struct {
	conn       Publisher
	subject    string
	maxRetries int
	backoff    time.Duration
}

func NewNATSSink(conn Publisher, subject string, maxRetries int) *NATSSink {
	return &NATSSink{conn: conn, subject: subject, maxRetries: maxRetries, backoff: 100 * time.Millisecond}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Deliver(ctx context.Context, n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("NATSSink: marshal: %w", err)
	}
	subject := s.subject + "." + string(n.Kind)
	for i := 0; i <= s.maxRetries; i++ {
		if err = s.conn.Publish(subject, data); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("NATSSink: publish %s: %w", subject, ctx.Err())
		case <-time.After(time.Duration(i) * s.backoff):
		}
	}
	return fmt.Errorf("NATSSink: publish %s failed after %d retries: %w", subject, s.maxRetries, err)
}

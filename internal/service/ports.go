package service

import (
	"context"

	"smart_bays/internal/domain"
)

// LedController pushes the desired indicator state of a bay to its device
// record. It never reads device state.
type LedController interface {
	Set(ctx context.Context, bayName string, state domain.LedState) error
	// Acknowledged reports the last state the device record accepted for bayName.
	Acknowledged(bayName string) (domain.LedState, bool)
}

type Notifier interface {
	Send(ctx context.Context, n domain.Notification) error
}

// Egress runs best-effort I/O away from the caller. Submit returns false when
// the job was dropped.
type Egress interface {
	Submit(name string, fn func(ctx context.Context)) bool
}

// Actor is the authenticated caller of a command.
type Actor struct {
	UserID string
	Admin  bool
}

func (a Actor) owns(b *domain.Booking) bool {
	return a.Admin || (a.UserID != "" && a.UserID == b.UserID)
}

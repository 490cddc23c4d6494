package domain

import (
	"time"

	"github.com/google/uuid"
)

type NotificationKind string

const (
	NotifyParked              NotificationKind = "parked"
	NotifyReceipt             NotificationKind = "receipt"
	NotifyCancelled           NotificationKind = "cancelled"
	NotifyGraceExpired        NotificationKind = "grace_expired"
	NotifyTopUpAck            NotificationKind = "top_up_ack"
	NotifyNegativeBalance     NotificationKind = "negative_balance"
	NotifyUnauthorizedParking NotificationKind = "unauthorized_parking"
)

// Notification is an outbound user or operator message. BookingID or Ref
// identifies the event the message belongs to.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	UserID    string           `json:"user_id,omitempty"`
	BookingID uuid.NullUUID    `json:"booking_id"`
	Ref       string           `json:"ref,omitempty"`
	Payload   map[string]any   `json:"payload,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// DedupKey identifies the event a notification reports. Two notifications with
// the same key are the same message.
func (n *Notification) DedupKey() string {
	if n.Ref != "" {
		return string(n.Kind) + ":" + n.Ref
	}
	if n.BookingID.Valid {
		return n.BookingID.UUID.String() + ":" + string(n.Kind)
	}
	return string(n.Kind) + ":" + n.UserID + ":" + n.CreatedAt.UTC().Format(time.RFC3339Nano)
}

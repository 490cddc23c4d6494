package domain

import (
	"time"

	"gopkg.in/guregu/null.v4"
)

type LedState string

const (
	LedOff  LedState = "off"
	LedBlue LedState = "blue"
	LedRed  LedState = "red"
)

func (s LedState) Valid() bool {
	switch s {
	case LedOff, LedBlue, LedRed:
		return true
	}
	return false
}

// Bay is a single sensor-monitored parking position. Bays are provisioned once
// from the catalog and never deleted.
type Bay struct {
	ID            int       `json:"id"`
	Name          string    `json:"name"`
	ThingName     string    `json:"thing_name"`
	SlotID        string    `json:"slot_id,omitempty"` // identifier the device uses in slot_status events
	Occupied      bool      `json:"occupied"`
	OccupiedSince null.Time `json:"occupied_since"`
	LedState      LedState  `json:"led_state"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// BayView is what the read API returns: the bay row plus its active booking, if any.
type BayView struct {
	Bay
	ActiveBookingID *string        `json:"active_booking_id,omitempty"`
	ActiveStatus    *BookingStatus `json:"active_status,omitempty"`
}

type SetLedDTO struct {
	State LedState `json:"state" binding:"required"`
}

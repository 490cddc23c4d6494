package domain

import (
	"time"

	"gopkg.in/guregu/null.v4"
)

// SensorReport is one observation from a device: bay name to occupied.
type SensorReport struct {
	DeviceID   string          `json:"device_id" binding:"required"`
	Bays       map[string]bool `json:"bays" binding:"required"`
	ObservedAt time.Time       `json:"observed_at" binding:"required"`
	Battery    null.Float      `json:"battery,omitempty"`
	RSSI       null.Int        `json:"rssi,omitempty"`
}

// SensorSnapshot is the latest report persisted per device.
type SensorSnapshot struct {
	DeviceID   string          `json:"device_id"`
	Bays       map[string]bool `json:"bays"`
	ObservedAt time.Time       `json:"observed_at"`
	ReceivedAt time.Time       `json:"received_at"`
	Battery    null.Float      `json:"battery"`
	RSSI       null.Int        `json:"rssi"`
}

type TransitionKind string

const (
	Arrived  TransitionKind = "arrived"
	Departed TransitionKind = "departed"
)

// Transition is an occupancy edge produced by sensor ingest.
type Transition struct {
	Kind       TransitionKind `json:"kind"`
	BayName    string         `json:"bay_name"`
	DeviceID   string         `json:"device_id"`
	ObservedAt time.Time      `json:"observed_at"`
}

package domain

import (
	"encoding/json"
	"time"
)

// Device message types understood by the ingest pipeline.
const (
	MessageSlotStatus     = "slot_status"
	MessageParkingSummary = "parking_summary"
	MessageSystemStatus   = "system_status"
)

// GenericIoTEvent is the common envelope every device message carries.
type GenericIoTEvent struct {
	DeviceID               string          `json:"device_id"`
	MessageType            string          `json:"message_type"`
	Timestamp              string          `json:"timestamp"`                          // ISO 8601 UTC from the device
	ReceivedMqttTopic      string          `json:"received_mqtt_topic,omitempty"`      // added by the IoT rule
	IotProcessingTimestamp int64           `json:"iot_processing_timestamp,omitempty"` // added by the IoT rule
	ClientIDFromIoT        string          `json:"client_id_iot,omitempty"`
	RawPayload             json.RawMessage `json:"-"`
}

// ThingName prefers the device id and falls back to the client id stamped by the rule.
func (e *GenericIoTEvent) ThingName() string {
	if e.DeviceID != "" {
		return e.DeviceID
	}
	return e.ClientIDFromIoT
}

// ObservedAt parses the device timestamp. Devices without a synced clock send
// an empty or unparsable value; fallback is returned then.
func (e *GenericIoTEvent) ObservedAt(fallback time.Time) time.Time {
	if e.Timestamp == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05Z0700", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, e.Timestamp); err == nil {
			return t.UTC()
		}
	}
	return fallback
}

// DeviceParkingSlotEvent reports a single bay change (message_type slot_status).
type DeviceParkingSlotEvent struct {
	GenericIoTEvent
	SlotID     string `json:"slot_id"`
	IsOccupied bool   `json:"is_occupied"`
	ChangedAt  string `json:"changed_at,omitempty"`
}

// DeviceParkingSummaryEvent reports every bay the device watches.
type DeviceParkingSummaryEvent struct {
	GenericIoTEvent
	TotalSlots    int `json:"total_slots"`
	OccupiedSlots int `json:"occupied_slots"`
	Slots         []struct {
		ID       string `json:"id"`
		Occupied bool   `json:"occupied"`
	} `json:"slots"`
}

// DeviceSystemStatusEvent is the periodic heartbeat.
type DeviceSystemStatusEvent struct {
	GenericIoTEvent
	FirmwareVersion string   `json:"firmware_version"`
	UptimeSeconds   int64    `json:"uptime_seconds"`
	FreeHeap        uint32   `json:"free_heap"`
	WifiRSSI        int      `json:"wifi_rssi"`
	BatteryPercent  *float64 `json:"battery_percent,omitempty"`
	MqttConnected   bool     `json:"mqtt_connected"`
}

// DeviceEventLog is the raw audit row written for every envelope received.
type DeviceEventLog struct {
	ID              int64           `json:"id"`
	ReceivedAt      time.Time       `json:"received_at"`
	ThingName       string          `json:"thing_name"`
	MqttTopic       string          `json:"mqtt_topic"`
	MessageType     string          `json:"message_type"`
	Payload         json.RawMessage `json:"payload"`
	ProcessedStatus string          `json:"processed_status"` // processed, stale, ignored, error
	ProcessingNotes string          `json:"processing_notes,omitempty"`
}

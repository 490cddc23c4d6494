// Package iot connects the bay devices to the booking core: device envelopes
// arrive over SQS or MQTT and become sensor reports, and desired LED state is
// written back to each device's shadow.
package iot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"smart_bays/internal/clock"
	"smart_bays/internal/domain"
	"smart_bays/internal/metrics"
	"smart_bays/internal/repository"
	"smart_bays/internal/service"

	"gopkg.in/guregu/null.v4"
)

// ReportIngester is satisfied by service.SensorIngest.
type ReportIngester interface {
	Ingest(ctx context.Context, r domain.SensorReport) (service.IngestResult, error)
}

// DeviceEventService decodes device envelopes and feeds sensor reports to
// ingest. Every envelope is written to the device event log.
type DeviceEventService struct {
	ingest   ReportIngester
	bays     repository.BayRepository
	eventLog repository.DeviceEventsLogRepository
	clock    clock.Clock
}

func NewDeviceEventService(ingest ReportIngester, bays repository.BayRepository, eventLog repository.DeviceEventsLogRepository, clk clock.Clock) *DeviceEventService {
	return &DeviceEventService{ingest: ingest, bays: bays, eventLog: eventLog, clock: clk}
}

const (
	statusProcessed = "processed"
	statusStale     = "stale"
	statusIgnored   = "ignored"
	statusError     = "error"
)

func (s *DeviceEventService) record(ctx context.Context, entry *domain.DeviceEventLog) {
	metrics.DeviceEvents.WithLabelValues(entry.MessageType, entry.ProcessedStatus).Inc()
	if s.eventLog == nil {
		return
	}
	if err := s.eventLog.Create(ctx, entry); err != nil {
		log.Printf("DeviceEventService: writing device event log failed: %v", err)
	}
}

// HandleDeviceEvent processes one envelope. It returns an error only when the
// message should be redelivered; malformed, stale and unknown messages are
// logged and acknowledged.
func (s *DeviceEventService) HandleDeviceEvent(ctx context.Context, body string) error {
	now := s.clock.Now()
	entry := &domain.DeviceEventLog{ReceivedAt: now, Payload: json.RawMessage(body)}

	var event domain.GenericIoTEvent
	if err := json.Unmarshal([]byte(body), &event); err != nil {
		log.Printf("DeviceEventService: dropping malformed envelope: %v", err)
		entry.Payload, _ = json.Marshal(body)
		entry.ProcessedStatus = statusError
		entry.ProcessingNotes = fmt.Sprintf("unmarshal envelope: %v", err)
		s.record(ctx, entry)
		return nil
	}
	event.RawPayload = json.RawMessage(body)
	entry.ThingName = event.ThingName()
	entry.MqttTopic = event.ReceivedMqttTopic
	entry.MessageType = event.MessageType

	var (
		report *domain.SensorReport
		notes  []string
		err    error
	)
	switch event.MessageType {
	case domain.MessageSlotStatus:
		report, notes, err = s.slotStatus(ctx, event, now)
	case domain.MessageParkingSummary:
		report, notes, err = s.parkingSummary(ctx, event, now)
	case domain.MessageSystemStatus:
		notes, err = s.systemStatus(event)
	default:
		log.Printf("DeviceEventService: ignoring message type %q from %s", event.MessageType, entry.ThingName)
		entry.ProcessedStatus = statusIgnored
		entry.ProcessingNotes = "unhandled message type"
		s.record(ctx, entry)
		return nil
	}
	if err != nil {
		log.Printf("DeviceEventService: %s from %s: %v", event.MessageType, entry.ThingName, err)
		entry.ProcessedStatus = statusError
		entry.ProcessingNotes = err.Error()
		s.record(ctx, entry)
		if errors.Is(err, errMalformed) {
			return nil
		}
		return err
	}

	entry.ProcessedStatus = statusProcessed
	if report != nil {
		res, err := s.ingest.Ingest(ctx, *report)
		switch {
		case errors.Is(err, service.ErrStaleSensor):
			entry.ProcessedStatus = statusStale
		case service.KindOf(err) == service.KindInvalidArgument:
			entry.ProcessedStatus = statusError
			notes = append(notes, err.Error())
		case err != nil:
			entry.ProcessedStatus = statusError
			entry.ProcessingNotes = err.Error()
			s.record(ctx, entry)
			return fmt.Errorf("DeviceEventService.HandleDeviceEvent: %w", err)
		default:
			for _, t := range res.Transitions {
				notes = append(notes, fmt.Sprintf("%s %s", t.BayName, t.Kind))
			}
			for _, name := range res.UnknownBays {
				notes = append(notes, "unknown bay "+name)
			}
		}
	}
	entry.ProcessingNotes = strings.Join(notes, "; ")
	s.record(ctx, entry)
	return nil
}

var errMalformed = errors.New("malformed device message")

// resolveBay maps a device slot identifier to a bay name. Devices may send
// either the bay name itself or their own channel id.
func (s *DeviceEventService) resolveBay(bays []domain.Bay, thing, slotID string) (string, bool) {
	for _, b := range bays {
		if b.Name == slotID {
			return b.Name, true
		}
	}
	for _, b := range bays {
		if b.SlotID != "" && b.SlotID == slotID && (b.ThingName == "" || b.ThingName == thing) {
			return b.Name, true
		}
	}
	return "", false
}

func (s *DeviceEventService) slotStatus(ctx context.Context, event domain.GenericIoTEvent, now time.Time) (*domain.SensorReport, []string, error) {
	var ev domain.DeviceParkingSlotEvent
	if err := json.Unmarshal(event.RawPayload, &ev); err != nil {
		return nil, nil, fmt.Errorf("%w: slot_status: %v", errMalformed, err)
	}
	if ev.SlotID == "" {
		return nil, nil, fmt.Errorf("%w: slot_status without slot_id", errMalformed)
	}
	bays, err := s.bays.ListBays(ctx)
	if err != nil {
		return nil, nil, err
	}
	thing := event.ThingName()
	name, ok := s.resolveBay(bays, thing, ev.SlotID)
	if !ok {
		// let ingest report it as unknown
		name = ev.SlotID
	}
	observed := event.ObservedAt(now)
	if ev.ChangedAt != "" {
		observed = (&domain.GenericIoTEvent{Timestamp: ev.ChangedAt}).ObservedAt(observed)
	}
	return &domain.SensorReport{
		DeviceID:   thing,
		Bays:       map[string]bool{name: ev.IsOccupied},
		ObservedAt: observed,
	}, nil, nil
}

func (s *DeviceEventService) parkingSummary(ctx context.Context, event domain.GenericIoTEvent, now time.Time) (*domain.SensorReport, []string, error) {
	var ev domain.DeviceParkingSummaryEvent
	if err := json.Unmarshal(event.RawPayload, &ev); err != nil {
		return nil, nil, fmt.Errorf("%w: parking_summary: %v", errMalformed, err)
	}
	if len(ev.Slots) == 0 {
		return nil, nil, fmt.Errorf("%w: parking_summary without slots", errMalformed)
	}
	bays, err := s.bays.ListBays(ctx)
	if err != nil {
		return nil, nil, err
	}
	thing := event.ThingName()
	occupancy := make(map[string]bool, len(ev.Slots))
	var notes []string
	for _, slot := range ev.Slots {
		name, ok := s.resolveBay(bays, thing, slot.ID)
		if !ok {
			name = slot.ID
		}
		occupancy[name] = slot.Occupied
	}
	if ev.TotalSlots != 0 && ev.TotalSlots != len(ev.Slots) {
		notes = append(notes, fmt.Sprintf("device counts %d slots, sent %d", ev.TotalSlots, len(ev.Slots)))
	}
	return &domain.SensorReport{
		DeviceID:   thing,
		Bays:       occupancy,
		ObservedAt: event.ObservedAt(now),
	}, notes, nil
}

func (s *DeviceEventService) systemStatus(event domain.GenericIoTEvent) ([]string, error) {
	var ev domain.DeviceSystemStatusEvent
	if err := json.Unmarshal(event.RawPayload, &ev); err != nil {
		return nil, fmt.Errorf("%w: system_status: %v", errMalformed, err)
	}
	battery := null.FloatFromPtr(ev.BatteryPercent)
	log.Printf("DeviceEventService: heartbeat from %s fw=%s uptime=%ds rssi=%d battery=%v mqtt=%t",
		event.ThingName(), ev.FirmwareVersion, ev.UptimeSeconds, ev.WifiRSSI, battery.ValueOrZero(), ev.MqttConnected)
	notes := []string{fmt.Sprintf("heartbeat fw=%s rssi=%d", ev.FirmwareVersion, ev.WifiRSSI)}
	if battery.Valid {
		notes = append(notes, fmt.Sprintf("battery=%.0f%%", battery.Float64))
	}
	return notes, nil
}

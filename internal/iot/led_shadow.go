package iot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"smart_bays/internal/domain"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iotdataplane"
)

// ShadowAPI is the subset of *iotdataplane.Client the LED controller uses.
type ShadowAPI interface {
	UpdateThingShadow(ctx context.Context, params *iotdataplane.UpdateThingShadowInput, optFns ...func(*iotdataplane.Options)) (*iotdataplane.UpdateThingShadowOutput, error)
}

type shadowBay struct {
	Booked   bool            `json:"booked"`
	LedState domain.LedState `json:"led_state"`
}

type shadowDesired struct {
	Bays map[string]shadowBay `json:"bays"`
}

type shadowState struct {
	Desired shadowDesired `json:"desired"`
}

type shadowDocument struct {
	State shadowState `json:"state"`
}

// ShadowPayload is the shadow update that sets one bay's desired indicator.
func ShadowPayload(bayName string, state domain.LedState) ([]byte, error) {
	doc := shadowDocument{State: shadowState{Desired: shadowDesired{Bays: map[string]shadowBay{
		bayName: {Booked: state != domain.LedOff, LedState: state},
	}}}}
	return json.Marshal(doc)
}

// ShadowLedController writes desired LED state into the device shadow of the
// thing that drives each bay. The device polls its shadow; nothing here
// reads device state.
type ShadowLedController struct {
	client       ShadowAPI
	defaultThing string

	mu     sync.Mutex
	things map[string]string
	acked  map[string]domain.LedState
}

func NewShadowLedController(client ShadowAPI, defaultThing string) *ShadowLedController {
	return &ShadowLedController{
		client:       client,
		defaultThing: defaultThing,
		things:       map[string]string{},
		acked:        map[string]domain.LedState{},
	}
}

// Register maps bays to the things that drive them.
func (c *ShadowLedController) Register(bays []domain.Bay) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range bays {
		if b.ThingName != "" {
			c.things[b.Name] = b.ThingName
		}
	}
}

func (c *ShadowLedController) thingFor(bayName string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.things[bayName]; ok {
		return t
	}
	return c.defaultThing
}

// Set is idempotent; repeating a state rewrites the same desired document.
func (c *ShadowLedController) Set(ctx context.Context, bayName string, state domain.LedState) error {
	thing := c.thingFor(bayName)
	if thing == "" {
		return fmt.Errorf("ShadowLedController.Set: no thing registered for bay %q", bayName)
	}
	payload, err := ShadowPayload(bayName, state)
	if err != nil {
		return fmt.Errorf("ShadowLedController.Set: %w", err)
	}
	_, err = c.client.UpdateThingShadow(ctx, &iotdataplane.UpdateThingShadowInput{
		ThingName: aws.String(thing),
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("ShadowLedController.Set: update shadow of %s: %w", thing, err)
	}
	c.mu.Lock()
	c.acked[bayName] = state
	c.mu.Unlock()
	log.Printf("ShadowLedController: %s on %s -> %s", bayName, thing, state)
	return nil
}

func (c *ShadowLedController) Acknowledged(bayName string) (domain.LedState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.acked[bayName]
	return s, ok
}

// LogLedController only logs and acknowledges. It stands in for the shadow
// controller when no AWS endpoint is configured.
type LogLedController struct {
	mu    sync.Mutex
	acked map[string]domain.LedState
}

func NewLogLedController() *LogLedController {
	return &LogLedController{acked: map[string]domain.LedState{}}
}

func (c *LogLedController) Set(_ context.Context, bayName string, state domain.LedState) error {
	c.mu.Lock()
	c.acked[bayName] = state
	c.mu.Unlock()
	log.Printf("LedController: %s -> %s", bayName, state)
	return nil
}

func (c *LogLedController) Acknowledged(bayName string) (domain.LedState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.acked[bayName]
	return s, ok
}

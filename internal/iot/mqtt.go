package iot

import (
	"context"
	"fmt"
	"log"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// MQTTSubscriber consumes device envelopes straight from a broker, for sites
// that run their own broker instead of the AWS IoT rule to SQS path.
type MQTTSubscriber struct {
	client  paho.Client
	topic   string
	handler EventHandler
}

// NewMQTTSubscriber connects to broker. Subscriptions are restored on
// reconnect.
func NewMQTTSubscriber(broker, clientID, topic string, handler EventHandler) (*MQTTSubscriber, error) {
	s := &MQTTSubscriber{topic: topic, handler: handler}
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c paho.Client) {
			if err := s.subscribe(c); err != nil {
				log.Printf("MQTT Subscriber: %v", err)
			}
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("MQTT Subscriber: connection lost: %v", err)
		})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect to %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	s.client = client
	return s, nil
}

func (s *MQTTSubscriber) subscribe(c paho.Client) error {
	// QoS 1 so reports survive a reconnect
	token := c.Subscribe(s.topic, 1, s.onMessage)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe %s: timeout", s.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.topic, err)
	}
	log.Printf("MQTT Subscriber: subscribed to %s", s.topic)
	return nil
}

func (s *MQTTSubscriber) onMessage(_ paho.Client, msg paho.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.handler.HandleDeviceEvent(ctx, string(msg.Payload())); err != nil {
		log.Printf("MQTT Subscriber: message on %s failed: %v", msg.Topic(), err)
	}
}

// Close disconnects from the broker.
func (s *MQTTSubscriber) Close() {
	if s.client != nil {
		s.client.Disconnect(1000)
	}
}

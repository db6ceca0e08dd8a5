// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package notify delivers session notifications to the person at the
// device: the log, an MQTT topic watched by the console, or both.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/presence_keeper/internal/logs"
)

// Kinds of notification.
const (
	KindLogout           = "logout"
	KindHeartbeatFailure = "heartbeat-failure"
)

const publishTimeout = 5 * time.Second

// Notifier is implemented by every sink in this package.
type Notifier interface {
	NotifyLogout(reason, source string)
	NotifyHeartbeatFailure(reason string)
}

// Message is the JSON published for every notification.
type Message struct {
	Kind     string `json:"kind"`
	Reason   string `json:"reason"`
	Source   string `json:"source,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	At       int64  `json:"at_ms"`
}

// Title is the short headline shown for the message.
func (m Message) Title() string {
	switch m.Kind {
	case KindLogout:
		return "Session ended"
	case KindHeartbeatFailure:
		return "Heartbeat failed"
	default:
		return m.Kind
	}
}

// =============================================================================
// LOG
// =============================================================================

// LogNotifier writes notifications to a log sink.
type LogNotifier struct {
	log logs.Sink
}

func NewLogNotifier(log logs.Sink) *LogNotifier {
	if log == nil {
		log = logs.Discard
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) NotifyLogout(reason, source string) {
	n.log.Warn("you have been logged out", map[string]interface{}{
		"reason": reason,
		"source": source,
	})
}

func (n *LogNotifier) NotifyHeartbeatFailure(reason string) {
	n.log.Error("heartbeat failed", map[string]interface{}{"reason": reason})
}

// =============================================================================
// MQTT
// =============================================================================

// Publisher is the part of mqtt.Client used for notifications.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTNotifier publishes a Message per notification. Messages are not
// retained: a console starting later must not show a stale logout.
type MQTTNotifier struct {
	client   Publisher
	topic    string
	deviceID string
	log      logs.Sink
	now      func() time.Time
}

func NewMQTTNotifier(client Publisher, topic, deviceID string, log logs.Sink) *MQTTNotifier {
	if log == nil {
		log = logs.Discard
	}
	return &MQTTNotifier{client: client, topic: topic, deviceID: deviceID, log: log, now: time.Now}
}

func (n *MQTTNotifier) NotifyLogout(reason, source string) {
	n.send(Message{Kind: KindLogout, Reason: reason, Source: source})
}

func (n *MQTTNotifier) NotifyHeartbeatFailure(reason string) {
	n.send(Message{Kind: KindHeartbeatFailure, Reason: reason})
}

func (n *MQTTNotifier) send(m Message) {
	if err := n.Publish(m); err != nil {
		n.log.Warn("notification not published", map[string]interface{}{
			"kind":  m.Kind,
			"error": err.Error(),
		})
	}
}

// Publish sends m and waits for the broker to accept it.
func (n *MQTTNotifier) Publish(m Message) error {
	m.DeviceID = n.deviceID
	if m.At == 0 {
		m.At = n.now().UnixMilli()
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}

	token := n.client.Publish(n.topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("notify: publish to %s timed out", n.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("notify: publish to %s: %w", n.topic, err)
	}
	return nil
}

// =============================================================================
// FANOUT
// =============================================================================

// Fanout forwards every notification to each of its notifiers in order.
type Fanout []Notifier

func (f Fanout) NotifyLogout(reason, source string) {
	for _, n := range f {
		n.NotifyLogout(reason, source)
	}
}

func (f Fanout) NotifyHeartbeatFailure(reason string) {
	for _, n := range f {
		n.NotifyHeartbeatFailure(reason)
	}
}

// Decode parses a Message received from the notification topic.
func Decode(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("notify: %w", err)
	}
	if m.Kind == "" {
		return Message{}, errors.New("notify: message without kind")
	}
	return m, nil
}

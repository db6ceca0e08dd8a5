// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package location

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/presence_keeper/internal/gps"
	"github.com/relabs-tech/presence_keeper/internal/logs"
)

// MaxRelayedFixAge drops relayed fixes older than this. The GPS producer
// publishes retained messages, so a fresh subscriber always receives the
// last one first, however old.
const MaxRelayedFixAge = 2 * time.Minute

// Subscriber is the part of mqtt.Client the provider uses.
type Subscriber interface {
	IsConnected() bool
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// MQTTProvider subscribes to LocationFix JSON published on an MQTT topic,
// typically by the gps_producer running next to the receiver. Concurrent
// watches share one broker subscription, since paho keeps a single handler
// per topic.
type MQTTProvider struct {
	client Subscriber
	topic  string
	log    logs.Sink
	now    func() time.Time

	// subMu serialises subscribe and unsubscribe; mu guards the watchers
	// and is the only lock the message handler takes.
	subMu    sync.Mutex
	mu       sync.Mutex
	watchers map[int]chan Reading
	nextID   int
	last     *gps.LocationFix
}

// NewMQTTProvider creates a provider reading fixes from topic.
func NewMQTTProvider(client Subscriber, topic string, log logs.Sink) *MQTTProvider {
	if log == nil {
		log = logs.Discard
	}
	return &MQTTProvider{
		client:   client,
		topic:    topic,
		log:      log,
		now:      time.Now,
		watchers: make(map[int]chan Reading),
	}
}

func (p *MQTTProvider) Watch(ctx context.Context) (<-chan Reading, error) {
	if !p.client.IsConnected() {
		return nil, fmt.Errorf("%w: MQTT client not connected", ErrPositionUnavailable)
	}

	p.subMu.Lock()
	defer p.subMu.Unlock()

	out := make(chan Reading, 16)
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.watchers[id] = out
	first := len(p.watchers) == 1
	// a later watcher gets no retained message from the broker
	if !first && p.last != nil && p.last.Age(p.now()) <= MaxRelayedFixAge {
		out <- Reading{Fix: *p.last}
	}
	p.mu.Unlock()

	if first {
		token := p.client.Subscribe(p.topic, 0, p.handle)
		token.Wait()
		if err := token.Error(); err != nil {
			p.mu.Lock()
			delete(p.watchers, id)
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: subscribe %s: %v", ErrPositionUnavailable, p.topic, err)
		}
	}

	go func() {
		<-ctx.Done()
		p.release(id)
	}()

	return out, nil
}

// release closes one watcher and drops the broker subscription with the
// last one.
func (p *MQTTProvider) release(id int) {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	p.mu.Lock()
	if out, ok := p.watchers[id]; ok {
		delete(p.watchers, id)
		close(out)
	}
	last := len(p.watchers) == 0
	p.mu.Unlock()

	if !last {
		return
	}
	if t := p.client.Unsubscribe(p.topic); !t.WaitTimeout(2 * time.Second) {
		p.log.Warn("MQTT unsubscribe timed out", map[string]interface{}{"topic": p.topic})
	}
}

func (p *MQTTProvider) handle(_ mqtt.Client, msg mqtt.Message) {
	var fix gps.LocationFix
	if err := json.Unmarshal(msg.Payload(), &fix); err != nil {
		p.log.Debug("relayed fix unmarshal error", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := fix.Validate(); err != nil {
		p.log.Debug("relayed fix rejected", map[string]interface{}{"error": err.Error()})
		return
	}
	if fix.Age(p.now()) > MaxRelayedFixAge {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = &fix
	for _, out := range p.watchers {
		select {
		case out <- Reading{Fix: fix}:
		default:
			// slow consumer; the next fix will do
		}
	}
}

func (p *MQTTProvider) Current(ctx context.Context) (gps.LocationFix, error) {
	return firstFix(ctx, p)
}

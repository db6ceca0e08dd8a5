// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package location

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/presence_keeper/internal/gps"
)

type doneToken struct{ err error }

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{}          { return closedCh }
func (t doneToken) Error() error                   { return t.err }

type fakeMessage struct{ payload []byte }

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return "presence/gps" }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeBroker struct {
	mu           sync.Mutex
	handler      mqtt.MessageHandler
	subscribes   int
	unsubscribes int
}

func (b *fakeBroker) IsConnected() bool { return true }

func (b *fakeBroker) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribes++
	b.handler = cb
	return doneToken{}
}

func (b *fakeBroker) Unsubscribe(topics ...string) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribes++
	b.handler = nil
	return doneToken{}
}

func (b *fakeBroker) publish(t *testing.T, fix gps.LocationFix) {
	t.Helper()
	payload, err := json.Marshal(fix)
	require.NoError(t, err)
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	if h != nil {
		h(nil, fakeMessage{payload: payload})
	}
}

func (b *fakeBroker) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribes, b.unsubscribes
}

func relayed(accuracy float64) gps.LocationFix {
	return gps.LocationFix{Latitude: 47.37, Longitude: 8.54, Accuracy: accuracy, CapturedAt: time.Now().UnixMilli()}
}

func receive(t *testing.T, ch <-chan Reading) Reading {
	t.Helper()
	select {
	case r, ok := <-ch:
		require.True(t, ok, "channel closed")
		return r
	case <-time.After(time.Second):
		t.Fatal("no reading")
		return Reading{}
	}
}

func TestMQTTProvider_OverlappingWatchesShareSubscription(t *testing.T) {
	broker := &fakeBroker{}
	p := NewMQTTProvider(broker, "presence/gps", nil)

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()

	first, err := p.Watch(ctx1)
	require.NoError(t, err)
	second, err := p.Watch(ctx2)
	require.NoError(t, err)

	subs, _ := broker.counts()
	assert.Equal(t, 1, subs)

	broker.publish(t, relayed(12))
	assert.InDelta(t, 12, receive(t, first).Fix.Accuracy, 1e-9)
	assert.InDelta(t, 12, receive(t, second).Fix.Accuracy, 1e-9)

	cancel1()
	select {
	case _, open := <-first:
		require.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("first watch not closed")
	}
	_, unsubs := broker.counts()
	assert.Zero(t, unsubs, "the second watch still needs the topic")

	broker.publish(t, relayed(8))
	assert.InDelta(t, 8, receive(t, second).Fix.Accuracy, 1e-9)

	cancel2()
	require.Eventually(t, func() bool {
		_, unsubs := broker.counts()
		return unsubs == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMQTTProvider_LateWatcherGetsLastFix(t *testing.T) {
	broker := &fakeBroker{}
	p := NewMQTTProvider(broker, "presence/gps", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := p.Watch(ctx)
	require.NoError(t, err)
	broker.publish(t, relayed(20))

	late, err := p.Watch(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 20, receive(t, late).Fix.Accuracy, 1e-9)
}

func TestMQTTProvider_DropsStaleAndInvalidFixes(t *testing.T) {
	broker := &fakeBroker{}
	p := NewMQTTProvider(broker, "presence/gps", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := p.Watch(ctx)
	require.NoError(t, err)

	stale := relayed(10)
	stale.CapturedAt = time.Now().Add(-2 * MaxRelayedFixAge).UnixMilli()
	broker.publish(t, stale)
	broker.publish(t, gps.LocationFix{Latitude: 95, Accuracy: 10, CapturedAt: time.Now().UnixMilli()})

	select {
	case r := <-ch:
		t.Fatalf("unexpected reading %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package heartbeat

import "github.com/relabs-tech/presence_keeper/internal/transport"

// DefaultQueueCapacity bounds the pulses kept while offline.
const DefaultQueueCapacity = 5

// OfflineQueue holds pulses produced while the network is down, oldest
// first. When full, pushing evicts the oldest entry.
//
// OfflineQueue is not safe for concurrent use; the Scheduler guards it.
type OfflineQueue struct {
	capacity int
	items    []transport.Pulse
}

// NewOfflineQueue creates a queue holding at most capacity pulses.
func NewOfflineQueue(capacity int) *OfflineQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &OfflineQueue{
		capacity: capacity,
		items:    make([]transport.Pulse, 0, capacity),
	}
}

// Push appends p and reports whether the oldest entry was evicted.
func (q *OfflineQueue) Push(p transport.Pulse) bool {
	evicted := false
	if len(q.items) == q.capacity {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		evicted = true
	}
	q.items = append(q.items, p)
	return evicted
}

// TakeLatest empties the queue and returns its newest pulse. Older entries
// are dropped.
func (q *OfflineQueue) TakeLatest() (transport.Pulse, bool) {
	if len(q.items) == 0 {
		return transport.Pulse{}, false
	}
	latest := q.items[len(q.items)-1]
	q.Clear()
	return latest, true
}

// Items returns a copy of the queued pulses in insertion order.
func (q *OfflineQueue) Items() []transport.Pulse {
	return append([]transport.Pulse(nil), q.items...)
}

func (q *OfflineQueue) Len() int      { return len(q.items) }
func (q *OfflineQueue) Capacity() int { return q.capacity }

func (q *OfflineQueue) Clear() {
	q.items = q.items[:0]
}

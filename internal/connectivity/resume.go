// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/relabs-tech/presence_keeper/internal/logs"
)

const (
	DefaultResumePeriod    = 5 * time.Second
	DefaultResumeThreshold = 10 * time.Second
)

// sample pairs the wall clock with the monotonic clock. The monotonic clock
// stands still while the machine is suspended; the wall clock does not.
type sample struct {
	wall time.Time
	mono time.Duration
}

// ResumeDetector reports the device waking from suspend, which is the
// agent's equivalent of an app returning to the foreground.
type ResumeDetector struct {
	period    time.Duration
	threshold time.Duration
	log       logs.Sink
	base      time.Time

	mu        sync.Mutex
	prev      sample
	havePrev  bool
	listeners map[int]func()
	nextID    int
}

func NewResumeDetector(period, threshold time.Duration, log logs.Sink) *ResumeDetector {
	if period <= 0 {
		period = DefaultResumePeriod
	}
	if threshold <= 0 {
		threshold = DefaultResumeThreshold
	}
	if log == nil {
		log = logs.Discard
	}
	return &ResumeDetector{
		period:    period,
		threshold: threshold,
		log:       log,
		base:      time.Now(),
		listeners: make(map[int]func()),
	}
}

// OnForeground registers fn for every detected resume.
func (d *ResumeDetector) OnForeground(fn func()) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// Run samples both clocks until ctx is done.
func (d *ResumeDetector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	d.observe(d.sampleNow())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.observe(d.sampleNow())
		}
	}
}

func (d *ResumeDetector) sampleNow() sample {
	// Round(0) drops the monotonic reading so Sub compares wall time
	return sample{wall: time.Now().Round(0), mono: time.Since(d.base)}
}

func (d *ResumeDetector) observe(cur sample) {
	d.mu.Lock()
	prev, havePrev := d.prev, d.havePrev
	d.prev, d.havePrev = cur, true
	if !havePrev {
		d.mu.Unlock()
		return
	}
	gap := cur.wall.Sub(prev.wall) - (cur.mono - prev.mono)
	if gap < d.threshold {
		d.mu.Unlock()
		return
	}
	fns := make([]func(), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	d.log.Info("resumed from suspend", map[string]interface{}{
		"suspended_s": int(gap.Seconds()),
	})
	for _, fn := range fns {
		fn()
	}
}

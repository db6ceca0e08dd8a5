// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package location

import (
	"context"
	"math"
	"time"

	"github.com/relabs-tech/presence_keeper/internal/gps"
)

// MockProvider simulates a receiver warming up: the first readings look like
// a coarse network estimate and the accuracy converges towards a GPS-grade
// fix over a few seconds.
type MockProvider struct {
	lat, lon float64
	interval time.Duration
	warmup   time.Duration
	start    time.Time
}

// NewMockProvider creates a mock source around the given coordinate that
// emits one reading per interval.
func NewMockProvider(lat, lon float64, interval time.Duration) *MockProvider {
	if interval <= 0 {
		interval = time.Second
	}
	return &MockProvider{
		lat:      lat,
		lon:      lon,
		interval: interval,
		warmup:   10 * time.Second,
		start:    time.Now(),
	}
}

func (m *MockProvider) reading(now time.Time) gps.LocationFix {
	elapsed := now.Sub(m.start).Seconds()
	accuracy := 8 + 600*math.Exp(-elapsed/m.warmup.Seconds())

	return gps.LocationFix{
		Latitude:   m.lat + 0.00002*math.Sin(elapsed),
		Longitude:  m.lon + 0.00002*math.Cos(elapsed*0.7),
		Accuracy:   accuracy,
		Altitude:   gps.Float(520 + math.Sin(elapsed*0.1)),
		CapturedAt: now.UnixMilli(),
	}
}

func (m *MockProvider) Watch(ctx context.Context) (<-chan Reading, error) {
	out := make(chan Reading, 1)

	go func() {
		defer close(out)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				select {
				case out <- Reading{Fix: m.reading(now)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (m *MockProvider) Current(ctx context.Context) (gps.LocationFix, error) {
	if err := ctx.Err(); err != nil {
		return gps.LocationFix{}, err
	}
	return m.reading(time.Now()), nil
}

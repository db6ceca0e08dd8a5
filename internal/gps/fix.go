// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package gps

import (
	"errors"
	"fmt"
	"time"
)

// LocationFix is a single positional reading with its accuracy estimate,
// suitable for JSON, MQTT and the heartbeat wire format.
type LocationFix struct {
	Latitude   float64  `json:"lat"`                   // decimal degrees
	Longitude  float64  `json:"lon"`                   // decimal degrees
	Accuracy   float64  `json:"accuracy_m"`            // horizontal, metres
	Altitude   *float64 `json:"altitude_m,omitempty"`  // metres above MSL
	Heading    *float64 `json:"heading_deg,omitempty"` // course over ground
	Speed      *float64 `json:"speed_mps,omitempty"`   // speed over ground
	CapturedAt int64    `json:"captured_at_ms"`        // unix epoch milliseconds
}

var ErrInvalidFix = errors.New("gps: invalid fix")

// Validate checks the invariants every fix must hold.
func (f LocationFix) Validate() error {
	if f.Accuracy < 0 {
		return fmt.Errorf("%w: negative accuracy %.2f", ErrInvalidFix, f.Accuracy)
	}
	if f.Latitude < -90 || f.Latitude > 90 {
		return fmt.Errorf("%w: latitude %.6f out of range", ErrInvalidFix, f.Latitude)
	}
	if f.Longitude < -180 || f.Longitude > 180 {
		return fmt.Errorf("%w: longitude %.6f out of range", ErrInvalidFix, f.Longitude)
	}
	return nil
}

// Usable reports whether the fix is accurate enough for the given ceiling.
func (f LocationFix) Usable(ceilingMeters float64) bool {
	return f.Accuracy < ceilingMeters
}

// Better reports whether f is strictly more accurate than other.
func (f LocationFix) Better(other LocationFix) bool {
	return f.Accuracy < other.Accuracy
}

// CapturedTime returns CapturedAt as a time.Time.
func (f LocationFix) CapturedTime() time.Time {
	return time.UnixMilli(f.CapturedAt)
}

// Age returns how long ago the fix was captured relative to now.
func (f LocationFix) Age(now time.Time) time.Duration {
	return now.Sub(f.CapturedTime())
}

func (f LocationFix) String() string {
	return fmt.Sprintf("lat=%.6f lon=%.6f ±%.1fm", f.Latitude, f.Longitude, f.Accuracy)
}

// Float returns a pointer to v, for the optional fix fields.
func Float(v float64) *float64 {
	return &v
}

// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package heartbeat

import "time"

// NextDue returns when the next regular pulse is due.
//
// The schedule is anchored on the last successful pulse, not on when the
// previous timer fired, so slow sends and throttled timers do not pile up
// delay. Without a prior success the next pulse is one interval from now.
// When lastSuccess+interval has already passed (the device slept, or the
// network was down), the result skips ahead by whole intervals so the
// schedule keeps its phase.
func NextDue(lastSuccess, now time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return now
	}
	if lastSuccess.IsZero() {
		return now.Add(interval)
	}

	due := lastSuccess.Add(interval)
	if due.After(now) {
		return due
	}
	missed := now.Sub(lastSuccess) / interval
	return lastSuccess.Add((missed + 1) * interval)
}

// Overdue reports whether a pulse anchored at lastSuccess is already late.
func Overdue(lastSuccess, now time.Time, interval time.Duration) bool {
	return !lastSuccess.IsZero() && !lastSuccess.Add(interval).After(now)
}

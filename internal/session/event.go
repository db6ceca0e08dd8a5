// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package session

import "time"

// Source names the subsystem that first observed the end of a session.
type Source string

const (
	SourceHeartbeat      Source = "heartbeat"
	SourceBackgroundCall Source = "background-call"
	SourceExplicitLogout Source = "explicit-logout"
	SourceSessionExpiry  Source = "session-expiry"
)

// Ended is the single terminal event of a session.
type Ended struct {
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	Source    Source    `json:"source"`
	At        time.Time `json:"at"`
}

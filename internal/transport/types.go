// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package transport talks to the presence server and normalises every
// response into a Result, whatever went wrong on the way.
package transport

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/presence_keeper/internal/gps"
)

// Operation names a server call.
type Operation string

const (
	OpLogin     Operation = "login"
	OpLogout    Operation = "logout"
	OpHeartbeat Operation = "heartbeat"
	OpVerify    Operation = "verify-session"
	OpCall      Operation = "call"
)

// SessionInfo is the session block the server may attach to a response.
type SessionInfo struct {
	ID                       string `json:"id"`
	Token                    string `json:"token,omitempty"`
	StartedAt                int64  `json:"started_at_ms,omitempty"`
	TimeSinceLastHeartbeatMs int64  `json:"time_since_last_heartbeat_ms,omitempty"`
	Restored                 bool   `json:"restored,omitempty"`
}

// StartedTime returns StartedAt as a time.Time, or the zero time.
func (s SessionInfo) StartedTime() time.Time {
	if s.StartedAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.StartedAt)
}

// SinceLastHeartbeat returns TimeSinceLastHeartbeatMs as a duration.
func (s SessionInfo) SinceLastHeartbeat() time.Duration {
	return time.Duration(s.TimeSinceLastHeartbeatMs) * time.Millisecond
}

// Result is the normalised outcome of one call.
//
// Err is set only when no response was received at all. A response that
// arrived but says no is expressed through HTTPStatus, Success and
// SessionValid.
type Result struct {
	Op           Operation
	HTTPStatus   int
	Success      bool
	SessionValid *bool
	Message      string
	ErrorCode    string
	Err          error
	Session      *SessionInfo
	Latency      time.Duration
}

// NoResponse reports whether the call failed before any response arrived.
func (r Result) NoResponse() bool {
	return r.Err != nil && r.HTTPStatus == 0
}

// SessionInvalidated reports whether the server explicitly flagged the
// session as no longer valid.
func (r Result) SessionInvalidated() bool {
	return r.SessionValid != nil && !*r.SessionValid
}

// session-class status codes used by common gateways besides 401/403
const (
	StatusAuthTimeout  = 419
	StatusLoginTimeout = 440
)

var sessionErrorCodes = map[string]bool{
	"session_invalid":   true,
	"session_expired":   true,
	"session_not_found": true,
	"session_revoked":   true,
	"unauthorized":      true,
}

// SessionRejection reports whether the response says the session is no
// longer valid, and why: an explicit session flag, a session-class status
// or a session error code.
func (r Result) SessionRejection() (string, bool) {
	if r.NoResponse() {
		return "", false
	}
	if r.SessionInvalidated() {
		if r.Message != "" {
			return r.Message, true
		}
		return "session invalidated by server", true
	}
	switch r.HTTPStatus {
	case http.StatusUnauthorized:
		return r.withMessage("unauthorized"), true
	case http.StatusForbidden:
		return r.withMessage("forbidden"), true
	case StatusAuthTimeout, StatusLoginTimeout:
		return r.withMessage("session expired"), true
	}
	if sessionErrorCodes[r.ErrorCode] {
		return r.withMessage(r.ErrorCode), true
	}
	return "", false
}

func (r Result) withMessage(prefix string) string {
	if r.Message == "" {
		return fmt.Sprintf("%s (HTTP %d)", prefix, r.HTTPStatus)
	}
	return fmt.Sprintf("%s: %s", prefix, r.Message)
}

// Pulse is one heartbeat: proof of liveness carrying a fresh fix.
type Pulse struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	DeviceID  string          `json:"device_id"`
	Fix       gps.LocationFix `json:"fix"`
	SentAt    int64           `json:"sent_at_ms"`
}

// NewPulse stamps a pulse for transmission at now.
func NewPulse(sessionID, deviceID string, fix gps.LocationFix, now time.Time) Pulse {
	return Pulse{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		DeviceID:  deviceID,
		Fix:       fix,
		SentAt:    now.UnixMilli(),
	}
}

// Credentials are submitted on login together with a location fix.
type Credentials struct {
	Username string           `json:"username"`
	Password string           `json:"password"`
	DeviceID string           `json:"device_id"`
	Fix      *gps.LocationFix `json:"fix,omitempty"`
}

// Observer sees every Result produced by the client, successful or not.
type Observer interface {
	Observe(op Operation, res Result)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(op Operation, res Result)

func (f ObserverFunc) Observe(op Operation, res Result) { f(op, res) }

// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package heartbeat

import (
	"fmt"

	"github.com/relabs-tech/presence_keeper/internal/transport"
)

// Reason classifies a terminal heartbeat failure.
type Reason string

const (
	// ReasonNoLocationData: no fresh fix and nothing cached to fall back to.
	ReasonNoLocationData Reason = "no-location-data"
	// ReasonTransport: the server could not be reached.
	ReasonTransport Reason = "transport-error"
	// ReasonRejected: the server answered without an explicit success.
	ReasonRejected Reason = "rejected"
	// ReasonSessionInvalid: the server said the session is no longer valid,
	// whether or not the pulse itself was accepted.
	ReasonSessionInvalid Reason = "session-invalid"
)

// Failure is handed to the terminal-failure callback.
type Failure struct {
	Reason Reason
	Detail string
	Result transport.Result
	Err    error
}

func (f Failure) Error() string {
	if f.Detail == "" {
		return string(f.Reason)
	}
	return fmt.Sprintf("%s: %s", f.Reason, f.Detail)
}

func (f Failure) Unwrap() error { return f.Err }

// Evaluate applies the heartbeat failure policy to a transport result. Any
// disqualifying result is terminal; there is no failure counter. Session
// verdicts on heartbeats are decided here, not by the session authority.
func Evaluate(res transport.Result) (Failure, bool) {
	if res.Err != nil {
		return Failure{Reason: ReasonTransport, Detail: res.Err.Error(), Result: res, Err: res.Err}, true
	}
	if reason, rejected := res.SessionRejection(); rejected {
		return Failure{Reason: ReasonSessionInvalid, Detail: reason, Result: res}, true
	}
	if !res.Success {
		return Failure{Reason: ReasonRejected, Detail: detail(res), Result: res}, true
	}
	return Failure{}, false
}

func detail(res transport.Result) string {
	if res.Message != "" {
		return res.Message
	}
	if res.ErrorCode != "" {
		return res.ErrorCode
	}
	return fmt.Sprintf("HTTP %d", res.HTTPStatus)
}

// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package session

import (
	"fmt"

	"github.com/relabs-tech/presence_keeper/internal/transport"
)

// VerdictKind is the outcome of inspecting one server response.
type VerdictKind int

const (
	Valid VerdictKind = iota
	Invalid
	Unknown
)

func (k VerdictKind) String() string {
	switch k {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case Unknown:
		return "unknown"
	default:
		return fmt.Sprintf("VerdictKind(%d)", int(k))
	}
}

// Verdict carries the reason for Invalid and the error for Unknown.
type Verdict struct {
	Kind   VerdictKind
	Reason string
	Err    error
}

// Classify decides what a response says about the session. A call that got
// no response is Unknown: failing to ask is not the server saying no.
func Classify(res transport.Result) Verdict {
	if res.NoResponse() {
		return Verdict{Kind: Unknown, Err: res.Err}
	}
	if reason, rejected := res.SessionRejection(); rejected {
		return Verdict{Kind: Invalid, Reason: reason}
	}
	return Verdict{Kind: Valid}
}

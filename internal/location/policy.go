// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package location

import (
	"time"

	"github.com/relabs-tech/presence_keeper/internal/gps"
)

// Tier accepts a fix more accurate than MaxAccuracy once MinElapsed has
// passed since the acquisition started.
type Tier struct {
	MaxAccuracy float64
	MinElapsed  time.Duration
}

// Policy is the tiered acceptance state machine. Tiers tighten the required
// accuracy early on and relax it as time passes; the hard deadline accepts
// whatever is best so far.
type Policy struct {
	Tiers []Tier
}

// DefaultPolicy: <30 m at once, <50 m after 10 s, <100 m after 30 s.
var DefaultPolicy = Policy{Tiers: []Tier{
	{MaxAccuracy: 30, MinElapsed: 0},
	{MaxAccuracy: 50, MinElapsed: 10 * time.Second},
	{MaxAccuracy: 100, MinElapsed: 30 * time.Second},
}}

// GoodEnoughMeters is the single threshold used by AcquireOnce.
const GoodEnoughMeters = 100.0

// Decision is the outcome of evaluating an attempt.
type Decision int

const (
	Wait Decision = iota
	Accept
	GiveUp
)

func (d Decision) String() string {
	switch d {
	case Wait:
		return "wait"
	case Accept:
		return "accept"
	case GiveUp:
		return "give-up"
	default:
		return "unknown"
	}
}

// Decide evaluates the attempt at the given elapsed time.
func (p Policy) Decide(a *Attempt, elapsed time.Duration) Decision {
	if a.HaveBest {
		for _, t := range p.Tiers {
			if a.Best.Accuracy < t.MaxAccuracy && elapsed >= t.MinElapsed {
				return Accept
			}
		}
	}
	if elapsed >= a.Budget {
		if a.HaveBest {
			return Accept
		}
		return GiveUp
	}
	return Wait
}

// NextCheck returns how long to wait before the decision can change without
// a new reading: the next tier boundary or the deadline, whichever is first.
func (p Policy) NextCheck(elapsed, budget time.Duration) time.Duration {
	next := budget
	for _, t := range p.Tiers {
		if t.MinElapsed > elapsed && t.MinElapsed < next {
			next = t.MinElapsed
		}
	}
	d := next - elapsed
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// Attempt is the in-progress state of one acquisition.
type Attempt struct {
	StartedAt time.Time
	Deadline  time.Time
	Budget    time.Duration
	Best      gps.LocationFix
	HaveBest  bool
	Readings  int
}

// NewAttempt starts tracking an acquisition with the given time budget.
func NewAttempt(start time.Time, budget time.Duration) *Attempt {
	return &Attempt{
		StartedAt: start,
		Deadline:  start.Add(budget),
		Budget:    budget,
	}
}

// Observe records a reading and reports whether it became the best so far.
func (a *Attempt) Observe(fix gps.LocationFix) bool {
	a.Readings++
	if !a.HaveBest || fix.Better(a.Best) {
		a.Best = fix
		a.HaveBest = true
		return true
	}
	return false
}

// Elapsed returns the time since the attempt started.
func (a *Attempt) Elapsed(now time.Time) time.Duration {
	return now.Sub(a.StartedAt)
}

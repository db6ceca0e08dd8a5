// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relabs-tech/presence_keeper/internal/gps"
	"github.com/relabs-tech/presence_keeper/internal/logs"
)

// Acquirer returns the best fix a Provider can deliver within a time budget
// and remembers the last accepted one.
type Acquirer struct {
	provider   Provider
	policy     Policy
	goodEnough float64
	log        logs.Sink
	now        func() time.Time

	mu       sync.RWMutex
	last     gps.LocationFix
	haveLast bool
}

// NewAcquirer creates an acquirer over provider using DefaultPolicy.
func NewAcquirer(provider Provider, log logs.Sink) *Acquirer {
	if log == nil {
		log = logs.Discard
	}
	return &Acquirer{
		provider:   provider,
		policy:     DefaultPolicy,
		goodEnough: GoodEnoughMeters,
		log:        log,
		now:        time.Now,
	}
}

// LastKnownFix returns the most recently accepted fix, for callers that
// cannot wait.
func (a *Acquirer) LastKnownFix() (gps.LocationFix, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last, a.haveLast
}

func (a *Acquirer) remember(fix gps.LocationFix) {
	a.mu.Lock()
	a.last = fix
	a.haveLast = true
	a.mu.Unlock()
}

// AcquireOnce is the lightweight, best-effort acquisition. It accepts the
// first reading under GoodEnoughMeters, or whatever reading is current when
// maxWait elapses. If the subscription never produced anything it falls back
// to a single one-shot request.
func (a *Acquirer) AcquireOnce(ctx context.Context, maxWait time.Duration) (gps.LocationFix, error) {
	if maxWait <= 0 {
		return gps.LocationFix{}, fmt.Errorf("location: maxWait must be positive, got %v", maxWait)
	}

	fix, have, err := a.watchOnce(ctx, maxWait)
	if err != nil {
		return gps.LocationFix{}, err
	}
	if have {
		a.remember(fix)
		a.log.Debug("fix acquired", map[string]interface{}{
			"mode":       "once",
			"accuracy_m": fix.Accuracy,
		})
		return fix, nil
	}

	oneCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	fix, err = a.provider.Current(oneCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrTimeout
		}
		a.log.Warn("one-shot location request failed", map[string]interface{}{
			"error": err.Error(),
		})
		return gps.LocationFix{}, err
	}
	a.remember(fix)
	return fix, nil
}

// watchOnce runs the subscription part of AcquireOnce. A hard error is only
// returned for permission problems; everything else leads to the one-shot
// fallback.
func (a *Acquirer) watchOnce(ctx context.Context, maxWait time.Duration) (gps.LocationFix, bool, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	readings, err := a.provider.Watch(watchCtx)
	if err != nil {
		cancel()
		if errors.Is(err, ErrPermissionDenied) {
			return gps.LocationFix{}, false, err
		}
		a.log.Debug("location subscription unavailable, falling back to one-shot", map[string]interface{}{
			"error": err.Error(),
		})
		return gps.LocationFix{}, false, nil
	}
	defer teardown(cancel, readings)

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	var (
		current gps.LocationFix
		have    bool
	)
	for {
		select {
		case <-ctx.Done():
			return current, have, nil
		case <-timer.C:
			return current, have, nil
		case r, ok := <-readings:
			if !ok {
				return current, have, nil
			}
			if r.Err != nil {
				if errors.Is(r.Err, ErrPermissionDenied) {
					return gps.LocationFix{}, false, r.Err
				}
				continue
			}
			current, have = r.Fix, true
			if r.Fix.Usable(a.goodEnough) {
				return current, true, nil
			}
		}
	}
}

// AcquireHighConfidence tracks the best reading of a continuous subscription
// and returns it as soon as the tiered policy accepts it. When the deadline
// passes the best fix so far is returned even if poor; ErrTimeout is
// returned when there was none. The subscription is torn down before
// returning on every path.
func (a *Acquirer) AcquireHighConfidence(ctx context.Context, deadline time.Duration) (gps.LocationFix, error) {
	if deadline <= 0 {
		return gps.LocationFix{}, fmt.Errorf("location: deadline must be positive, got %v", deadline)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	readings, err := a.provider.Watch(watchCtx)
	if err != nil {
		cancel()
		a.log.Warn("location subscription failed", map[string]interface{}{
			"error": err.Error(),
		})
		return gps.LocationFix{}, err
	}
	defer teardown(cancel, readings)

	attempt := NewAttempt(a.now(), deadline)
	check := time.NewTimer(a.policy.NextCheck(0, deadline))
	defer check.Stop()

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return gps.LocationFix{}, ctx.Err()

		case <-check.C:

		case r, ok := <-readings:
			if !ok {
				if err := ctx.Err(); err != nil {
					return gps.LocationFix{}, err
				}
				// provider ended the subscription on its own
				if attempt.HaveBest {
					return a.accept(attempt, "subscription closed"), nil
				}
				if lastErr != nil {
					return gps.LocationFix{}, lastErr
				}
				return gps.LocationFix{}, ErrPositionUnavailable
			}
			if r.Err != nil {
				if errors.Is(r.Err, ErrPermissionDenied) {
					return gps.LocationFix{}, r.Err
				}
				lastErr = r.Err
				continue
			}
			attempt.Observe(r.Fix)
		}

		elapsed := attempt.Elapsed(a.now())
		switch a.policy.Decide(attempt, elapsed) {
		case Accept:
			return a.accept(attempt, "policy"), nil
		case GiveUp:
			a.log.Warn("no location fix before deadline", map[string]interface{}{
				"deadline_ms": deadline.Milliseconds(),
			})
			return gps.LocationFix{}, ErrTimeout
		}
		check.Reset(a.policy.NextCheck(elapsed, deadline))
	}
}

func (a *Acquirer) accept(attempt *Attempt, why string) gps.LocationFix {
	a.remember(attempt.Best)
	a.log.Debug("fix acquired", map[string]interface{}{
		"mode":       "high-confidence",
		"accuracy_m": attempt.Best.Accuracy,
		"readings":   attempt.Readings,
		"elapsed_ms": attempt.Elapsed(a.now()).Milliseconds(),
		"reason":     why,
	})
	return attempt.Best
}

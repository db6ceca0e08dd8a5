// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package location obtains positional fixes good enough to prove physical
// presence. It subscribes to a continuous stream of readings and filters
// them client-side instead of trusting a single "current position" call,
// which receivers and relays happily answer with a coarse estimate.
package location

import (
	"context"
	"errors"

	"github.com/relabs-tech/presence_keeper/internal/gps"
)

var (
	ErrPermissionDenied    = errors.New("location: permission denied")
	ErrPositionUnavailable = errors.New("location: position unavailable")
	ErrTimeout             = errors.New("location: timed out waiting for a fix")
	ErrUnsupported         = errors.New("location: no location source available")
)

// ErrLocationUnavailable is the name used by callers of AcquireOnce.
var ErrLocationUnavailable = ErrPositionUnavailable

// Reading is one item of a continuous subscription: a fix or an error.
type Reading struct {
	Fix gps.LocationFix
	Err error
}

// Provider is a platform location source.
//
// Watch starts a continuous subscription requesting maximum precision and no
// cached results. The returned channel MUST be closed by the provider once
// ctx is done and every resource behind the subscription has been released;
// callers rely on that to know the subscription is torn down.
//
// Current is a single one-shot request. It may resolve to any accuracy.
type Provider interface {
	Watch(ctx context.Context) (<-chan Reading, error)
	Current(ctx context.Context) (gps.LocationFix, error)
}

// teardown cancels a subscription and waits until the provider has closed it.
func teardown(cancel context.CancelFunc, readings <-chan Reading) {
	cancel()
	for range readings {
	}
}

// firstFix implements Current on top of Watch for providers that have no
// cheaper one-shot path.
func firstFix(ctx context.Context, p Provider) (gps.LocationFix, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	readings, err := p.Watch(watchCtx)
	if err != nil {
		cancel()
		return gps.LocationFix{}, err
	}
	defer teardown(cancel, readings)

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return gps.LocationFix{}, lastErr
			}
			return gps.LocationFix{}, ErrTimeout
		case r, ok := <-readings:
			if !ok {
				if ctx.Err() != nil {
					return gps.LocationFix{}, ErrTimeout
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
			return r.Fix, nil
		}
	}
}

// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package location

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/presence_keeper/internal/gps"
)

type step struct {
	after   time.Duration
	reading Reading
}

// scriptedProvider replays readings with delays and records how many
// subscriptions are still open.
type scriptedProvider struct {
	steps      []step
	watchErr   error
	current    gps.LocationFix
	currentErr error

	mu      sync.Mutex
	open    int
	watches int
	oneShot int
}

func (p *scriptedProvider) Watch(ctx context.Context) (<-chan Reading, error) {
	if p.watchErr != nil {
		return nil, p.watchErr
	}
	p.mu.Lock()
	p.open++
	p.watches++
	p.mu.Unlock()

	out := make(chan Reading)
	go func() {
		defer func() {
			p.mu.Lock()
			p.open--
			p.mu.Unlock()
			close(out)
		}()
		for _, s := range p.steps {
			select {
			case <-time.After(s.after):
			case <-ctx.Done():
				return
			}
			select {
			case out <- s.reading:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return out, nil
}

func (p *scriptedProvider) Current(ctx context.Context) (gps.LocationFix, error) {
	p.mu.Lock()
	p.oneShot++
	p.mu.Unlock()
	return p.current, p.currentErr
}

func (p *scriptedProvider) openSubscriptions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

func fixWith(accuracy float64) Reading {
	return Reading{Fix: gps.LocationFix{Latitude: 47.37, Longitude: 8.54, Accuracy: accuracy}}
}

// scaled policy: same shape as DefaultPolicy, milliseconds instead of seconds
var fastPolicy = Policy{Tiers: []Tier{
	{MaxAccuracy: 30, MinElapsed: 0},
	{MaxAccuracy: 50, MinElapsed: 100 * time.Millisecond},
	{MaxAccuracy: 100, MinElapsed: 300 * time.Millisecond},
}}

func newFastAcquirer(p Provider) *Acquirer {
	a := NewAcquirer(p, nil)
	a.policy = fastPolicy
	return a
}

func TestAcquireHighConfidence_AcceptsAccurateFixImmediately(t *testing.T) {
	p := &scriptedProvider{steps: []step{{after: 10 * time.Millisecond, reading: fixWith(25)}}}
	a := newFastAcquirer(p)

	start := time.Now()
	fix, err := a.AcquireHighConfidence(context.Background(), 600*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, 25.0, fix.Accuracy)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Zero(t, p.openSubscriptions(), "subscription must be torn down")

	last, ok := a.LastKnownFix()
	require.True(t, ok)
	assert.Equal(t, fix, last)
}

func TestAcquireHighConfidence_SecondTierWaitsForBoundary(t *testing.T) {
	p := &scriptedProvider{steps: []step{{after: 10 * time.Millisecond, reading: fixWith(40)}}}
	a := newFastAcquirer(p)

	start := time.Now()
	fix, err := a.AcquireHighConfidence(context.Background(), 600*time.Millisecond)
	require.NoError(t, err)

	elapsed := time.Since(start)
	assert.Equal(t, 40.0, fix.Accuracy)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 300*time.Millisecond)
}

func TestAcquireHighConfidence_BetterReadingBeforeBoundary(t *testing.T) {
	p := &scriptedProvider{steps: []step{
		{after: 10 * time.Millisecond, reading: fixWith(40)},
		{after: 30 * time.Millisecond, reading: fixWith(90)},
		{after: 10 * time.Millisecond, reading: fixWith(18)},
	}}
	a := newFastAcquirer(p)

	start := time.Now()
	fix, err := a.AcquireHighConfidence(context.Background(), 600*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, 18.0, fix.Accuracy)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestAcquireHighConfidence_ReturnsBestPoorFixAtDeadline(t *testing.T) {
	p := &scriptedProvider{steps: []step{
		{after: 10 * time.Millisecond, reading: fixWith(900)},
		{after: 10 * time.Millisecond, reading: fixWith(400)},
		{after: 10 * time.Millisecond, reading: fixWith(700)},
	}}
	a := newFastAcquirer(p)

	deadline := 400 * time.Millisecond
	start := time.Now()
	fix, err := a.AcquireHighConfidence(context.Background(), deadline)
	require.NoError(t, err)

	elapsed := time.Since(start)
	assert.Equal(t, 400.0, fix.Accuracy)
	assert.GreaterOrEqual(t, elapsed, deadline)
	assert.Less(t, elapsed, deadline+150*time.Millisecond)
	assert.Zero(t, p.openSubscriptions())
}

func TestAcquireHighConfidence_TimesOutWithoutReadings(t *testing.T) {
	p := &scriptedProvider{}
	a := newFastAcquirer(p)

	deadline := 200 * time.Millisecond
	start := time.Now()
	_, err := a.AcquireHighConfidence(context.Background(), deadline)

	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), deadline+150*time.Millisecond)
	assert.Zero(t, p.openSubscriptions())

	_, ok := a.LastKnownFix()
	assert.False(t, ok)
}

func TestAcquireHighConfidence_PermissionDenied(t *testing.T) {
	p := &scriptedProvider{steps: []step{
		{after: 5 * time.Millisecond, reading: Reading{Err: ErrPermissionDenied}},
	}}
	a := newFastAcquirer(p)

	_, err := a.AcquireHighConfidence(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.Zero(t, p.openSubscriptions())
}

func TestAcquireHighConfidence_SubscriptionError(t *testing.T) {
	p := &scriptedProvider{watchErr: ErrUnsupported}
	a := newFastAcquirer(p)

	_, err := a.AcquireHighConfidence(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestAcquireHighConfidence_CallerCancel(t *testing.T) {
	p := &scriptedProvider{}
	a := newFastAcquirer(p)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := a.AcquireHighConfidence(ctx, 5*time.Second)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Zero(t, p.openSubscriptions())
}

func TestAcquireHighConfidence_RejectsNonPositiveDeadline(t *testing.T) {
	a := newFastAcquirer(&scriptedProvider{})
	_, err := a.AcquireHighConfidence(context.Background(), 0)
	require.Error(t, err)
}

func TestAcquireOnce_AcceptsFirstGoodEnoughReading(t *testing.T) {
	p := &scriptedProvider{steps: []step{
		{after: 5 * time.Millisecond, reading: fixWith(300)},
		{after: 5 * time.Millisecond, reading: fixWith(80)},
		{after: 5 * time.Millisecond, reading: fixWith(10)},
	}}
	a := NewAcquirer(p, nil)

	fix, err := a.AcquireOnce(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 80.0, fix.Accuracy)
	assert.Zero(t, p.openSubscriptions())
}

func TestAcquireOnce_ReturnsCurrentReadingAtMaxWait(t *testing.T) {
	p := &scriptedProvider{steps: []step{
		{after: 5 * time.Millisecond, reading: fixWith(300)},
		{after: 5 * time.Millisecond, reading: fixWith(450)},
	}}
	a := NewAcquirer(p, nil)

	fix, err := a.AcquireOnce(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 450.0, fix.Accuracy, "the current reading wins, not the best one")
	assert.Zero(t, p.oneShot)
}

func TestAcquireOnce_FallsBackToOneShot(t *testing.T) {
	p := &scriptedProvider{current: gps.LocationFix{Accuracy: 1200}}
	a := NewAcquirer(p, nil)

	fix, err := a.AcquireOnce(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1200.0, fix.Accuracy)
	assert.Equal(t, 1, p.oneShot)

	last, ok := a.LastKnownFix()
	require.True(t, ok)
	assert.Equal(t, 1200.0, last.Accuracy)
}

func TestAcquireOnce_FallsBackWhenSubscriptionUnsupported(t *testing.T) {
	p := &scriptedProvider{watchErr: ErrUnsupported, currentErr: ErrPositionUnavailable}
	a := NewAcquirer(p, nil)

	_, err := a.AcquireOnce(context.Background(), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrLocationUnavailable)
	assert.Equal(t, 1, p.oneShot)
}

func TestAcquireOnce_PermissionDeniedSkipsFallback(t *testing.T) {
	p := &scriptedProvider{watchErr: ErrPermissionDenied}
	a := NewAcquirer(p, nil)

	_, err := a.AcquireOnce(context.Background(), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.Zero(t, p.oneShot)
}

func TestMockProvider_ConvergesAndTearsDown(t *testing.T) {
	m := NewMockProvider(47.37, 8.54, 5*time.Millisecond)
	m.warmup = 20 * time.Millisecond

	a := NewAcquirer(m, nil)
	fix, err := a.AcquireHighConfidence(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Less(t, fix.Accuracy, 30.0)
	assert.InDelta(t, 47.37, fix.Latitude, 0.001)
}

// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/relabs-tech/presence_keeper/internal/gps"
	"github.com/relabs-tech/presence_keeper/internal/transport"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeFixes struct {
	mu   sync.Mutex
	fix  gps.LocationFix
	err  error
	last *gps.LocationFix
}

func (f *fakeFixes) AcquireHighConfidence(ctx context.Context, deadline time.Duration) (gps.LocationFix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return gps.LocationFix{}, f.err
	}
	return f.fix, nil
}

func (f *fakeFixes) LastKnownFix() (gps.LocationFix, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return gps.LocationFix{}, false
	}
	return *f.last, true
}

type fakeSender struct {
	mu      sync.Mutex
	pulses  []transport.Pulse
	results []transport.Result // consumed in order; the last one repeats
	gate    chan struct{}      // when set, each send waits for a value
}

func okResult() transport.Result { return transport.Result{HTTPStatus: 200, Success: true} }

func (s *fakeSender) SendHeartbeat(ctx context.Context, p transport.Pulse) transport.Result {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulses = append(s.pulses, p)
	if len(s.results) == 0 {
		return okResult()
	}
	res := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return res
}

func (s *fakeSender) sent() []transport.Pulse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Pulse(nil), s.pulses...)
}

type fakeNetwork struct {
	mu        sync.Mutex
	online    bool
	listeners map[int]func(bool)
	next      int
}

func newFakeNetwork(online bool) *fakeNetwork {
	return &fakeNetwork{online: online, listeners: map[int]func(bool){}}
}

func (n *fakeNetwork) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *fakeNetwork) OnTransition(fn func(bool)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	n.listeners[id] = fn
	return func() {
		n.mu.Lock()
		delete(n.listeners, id)
		n.mu.Unlock()
	}
}

func (n *fakeNetwork) set(online bool) {
	n.mu.Lock()
	n.online = online
	fns := make([]func(bool), 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}

func (n *fakeNetwork) listenerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.listeners)
}

type failures struct {
	mu   sync.Mutex
	seen []Failure
}

func (f *failures) record(x Failure) {
	f.mu.Lock()
	f.seen = append(f.seen, x)
	f.mu.Unlock()
}

func (f *failures) all() []Failure {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Failure(nil), f.seen...)
}

var testFix = gps.LocationFix{Latitude: 47.37, Longitude: 8.54, Accuracy: 12}

func newTestScheduler(interval time.Duration, fixes *fakeFixes, sender *fakeSender, net *fakeNetwork) *Scheduler {
	deps := Deps{Fixes: fixes, Sender: sender}
	if net != nil {
		deps.Network = net
	}
	s := NewScheduler(Config{Interval: interval, LocationDeadline: time.Second, RequestTimeout: time.Second}, deps)
	s.settleDelay = 10 * time.Millisecond
	return s
}

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

// ============================================================================
// LIFECYCLE
// ============================================================================

func TestStart_SendsImmediatelyThenEveryInterval(t *testing.T) {
	sender := &fakeSender{}
	s := newTestScheduler(60*time.Millisecond, &fakeFixes{fix: testFix}, sender, nil)

	require.NoError(t, s.Start("s1", "d1", nil))
	defer s.Stop()

	require.Eventually(t, func() bool { return len(sender.sent()) >= 1 }, wait, tick)
	first := sender.sent()[0]
	assert.Equal(t, "s1", first.SessionID)
	assert.Equal(t, "d1", first.DeviceID)
	assert.Equal(t, testFix, first.Fix)

	require.Eventually(t, func() bool { return len(sender.sent()) >= 3 }, wait, tick)
	assert.True(t, s.Running())
	assert.False(t, s.State().LastSuccess.IsZero())
}

func TestStart_AlreadyRunning(t *testing.T) {
	s := newTestScheduler(time.Hour, &fakeFixes{fix: testFix}, &fakeSender{}, nil)
	require.NoError(t, s.Start("s1", "d1", nil))
	defer s.Stop()

	err := s.Start("s2", "d1", nil)
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, "s1", s.State().SessionID)
}

func TestStart_RequiresSession(t *testing.T) {
	s := newTestScheduler(time.Hour, &fakeFixes{fix: testFix}, &fakeSender{}, nil)
	require.ErrorIs(t, s.Start("", "d1", nil), ErrNoSession)
	assert.False(t, s.Running())
}

func TestStop_IsIdempotent(t *testing.T) {
	net := newFakeNetwork(true)
	sender := &fakeSender{}
	s := newTestScheduler(time.Hour, &fakeFixes{fix: testFix}, sender, net)

	require.NoError(t, s.Start("s1", "d1", nil))
	require.Eventually(t, func() bool {
		return len(sender.sent()) == 1 && !s.State().InFlight
	}, wait, tick)
	assert.Equal(t, 1, net.listenerCount())

	s.Stop()
	s.Stop()

	assert.False(t, s.Running())
	assert.Zero(t, net.listenerCount())
	st := s.State()
	assert.Empty(t, st.SessionID)
	assert.Zero(t, st.Queued)

	count := len(sender.sent())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, count, len(sender.sent()), "no pulse after stop")
}

func TestTrigger_OnStoppedSchedulerIsNoop(t *testing.T) {
	sender := &fakeSender{}
	s := newTestScheduler(time.Hour, &fakeFixes{fix: testFix}, sender, nil)

	s.Trigger("manual")
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, sender.sent())
}

// ============================================================================
// FAILURE POLICY
// ============================================================================

func TestFailurePolicy(t *testing.T) {
	invalid := false
	cases := []struct {
		name   string
		result transport.Result
		want   Reason
	}{
		{"success flag false", transport.Result{HTTPStatus: 200, Success: false}, ReasonRejected},
		{"server error", transport.Result{HTTPStatus: 500}, ReasonRejected},
		{"session invalid despite success", transport.Result{HTTPStatus: 200, Success: true, SessionValid: &invalid}, ReasonSessionInvalid},
		{"unauthorized", transport.Result{HTTPStatus: 401}, ReasonSessionInvalid},
		{"no response", transport.Result{Err: errors.New("connection refused")}, ReasonTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sender := &fakeSender{results: []transport.Result{tc.result}}
			s := newTestScheduler(20*time.Millisecond, &fakeFixes{fix: testFix}, sender, nil)
			got := &failures{}

			require.NoError(t, s.Start("s1", "d1", got.record))
			require.Eventually(t, func() bool { return len(got.all()) == 1 }, wait, tick)

			assert.False(t, s.Running())
			assert.Equal(t, tc.want, got.all()[0].Reason)

			// no further pulse, no second callback
			time.Sleep(100 * time.Millisecond)
			assert.Len(t, sender.sent(), 1)
			assert.Len(t, got.all(), 1)
		})
	}
}

func TestAcquisitionFailure_FallsBackToLastKnownFix(t *testing.T) {
	cached := gps.LocationFix{Latitude: 1, Longitude: 2, Accuracy: 250}
	sender := &fakeSender{}
	s := newTestScheduler(time.Hour, &fakeFixes{err: errors.New("no fix"), last: &cached}, sender, nil)

	require.NoError(t, s.Start("s1", "d1", nil))
	defer s.Stop()

	require.Eventually(t, func() bool { return len(sender.sent()) == 1 }, wait, tick)
	assert.Equal(t, cached, sender.sent()[0].Fix)
	assert.True(t, s.Running())
}

func TestAcquisitionFailure_WithoutCacheIsTerminal(t *testing.T) {
	sender := &fakeSender{}
	s := newTestScheduler(time.Hour, &fakeFixes{err: errors.New("no fix")}, sender, nil)
	got := &failures{}

	require.NoError(t, s.Start("s1", "d1", got.record))
	require.Eventually(t, func() bool { return len(got.all()) == 1 }, wait, tick)

	assert.Equal(t, ReasonNoLocationData, got.all()[0].Reason)
	assert.Empty(t, sender.sent())
	assert.False(t, s.Running())
}

func TestStopDuringInFlightSend_DoesNotReportOrRearm(t *testing.T) {
	gate := make(chan struct{})
	sender := &fakeSender{gate: gate, results: []transport.Result{{HTTPStatus: 401}}}
	s := newTestScheduler(20*time.Millisecond, &fakeFixes{fix: testFix}, sender, nil)
	got := &failures{}

	require.NoError(t, s.Start("s1", "d1", got.record))
	require.Eventually(t, func() bool { return s.State().InFlight }, wait, tick)

	s.Stop()
	close(gate)

	require.Eventually(t, func() bool { return len(sender.sent()) == 1 }, wait, tick)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, got.all())
	assert.Len(t, sender.sent(), 1)
	assert.False(t, s.Running())
}

func TestInFlightGuard_SkipsOverlappingCycle(t *testing.T) {
	gate := make(chan struct{})
	sender := &fakeSender{gate: gate}
	s := newTestScheduler(time.Hour, &fakeFixes{fix: testFix}, sender, nil)

	require.NoError(t, s.Start("s1", "d1", nil))
	defer s.Stop()
	require.Eventually(t, func() bool { return s.State().InFlight }, wait, tick)

	s.Trigger("manual")
	time.Sleep(50 * time.Millisecond)
	gate <- struct{}{}

	require.Eventually(t, func() bool { return !s.State().InFlight }, wait, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sender.sent(), 1)
}

// ============================================================================
// OFFLINE QUEUE
// ============================================================================

func TestOffline_QueuesInsteadOfSending(t *testing.T) {
	net := newFakeNetwork(false)
	sender := &fakeSender{}
	s := newTestScheduler(10*time.Millisecond, &fakeFixes{fix: testFix}, sender, net)
	got := &failures{}

	require.NoError(t, s.Start("s1", "d1", got.record))
	defer s.Stop()

	require.Eventually(t, func() bool { return s.State().Queued == DefaultQueueCapacity }, wait, tick)
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, DefaultQueueCapacity, s.State().Queued, "queue stays bounded")
	assert.Empty(t, sender.sent())
	assert.Empty(t, got.all())
	assert.True(t, s.Running())
}

// the two manual pulses use up the out-of-band budget; the reconnect pulse
// must still go out
func TestReconnect_FlushesOnlyLatestThenSendsFresh(t *testing.T) {
	net := newFakeNetwork(false)
	sender := &fakeSender{}
	s := newTestScheduler(time.Hour, &fakeFixes{fix: testFix}, sender, net)

	require.NoError(t, s.Start("s1", "d1", nil))
	defer s.Stop()
	require.Eventually(t, func() bool { return s.State().Queued == 1 }, wait, tick)

	s.Trigger("manual")
	require.Eventually(t, func() bool { return s.State().Queued == 2 }, wait, tick)
	s.Trigger("manual")
	require.Eventually(t, func() bool { return s.State().Queued == 3 }, wait, tick)

	s.mu.Lock()
	queued := s.queue.Items()
	s.mu.Unlock()
	latest := queued[len(queued)-1]

	net.set(true)
	require.Eventually(t, func() bool { return len(sender.sent()) == 2 }, wait, tick)

	sent := sender.sent()
	assert.Equal(t, latest.ID, sent[0].ID, "only the newest queued pulse is flushed")
	assert.NotEqual(t, latest.ID, sent[1].ID)
	assert.Zero(t, s.State().Queued)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sender.sent(), 2)
}

func TestReconnect_FlappingLinkIsRateLimited(t *testing.T) {
	net := newFakeNetwork(false)
	sender := &fakeSender{}
	s := newTestScheduler(time.Hour, &fakeFixes{fix: testFix}, sender, net)
	s.reconnects = rate.NewLimiter(rate.Every(time.Hour), 1)

	require.NoError(t, s.Start("s1", "d1", nil))
	defer s.Stop()
	require.Eventually(t, func() bool { return s.State().Queued == 1 }, wait, tick)

	net.set(true)
	require.Eventually(t, func() bool { return len(sender.sent()) == 2 }, wait, tick)
	require.Eventually(t, func() bool { return !s.State().InFlight }, wait, tick)

	net.set(false)
	s.Trigger("manual")
	require.Eventually(t, func() bool { return s.State().Queued == 1 }, wait, tick)

	net.set(true)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, sender.sent(), 2)
	assert.Equal(t, 1, s.State().Queued, "queued until the next successful pulse")
}

func TestReconnect_FlushFailureIsTerminal(t *testing.T) {
	net := newFakeNetwork(false)
	sender := &fakeSender{results: []transport.Result{{HTTPStatus: 403}}}
	s := newTestScheduler(time.Hour, &fakeFixes{fix: testFix}, sender, net)
	got := &failures{}

	require.NoError(t, s.Start("s1", "d1", got.record))
	require.Eventually(t, func() bool { return s.State().Queued == 1 }, wait, tick)

	net.set(true)
	require.Eventually(t, func() bool { return len(got.all()) == 1 }, wait, tick)
	assert.Len(t, sender.sent(), 1)
	assert.False(t, s.Running())
}

// ============================================================================
// SCHEDULING
// ============================================================================

func TestResume_SchedulesFromServerReportedLastPulse(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	sender := &fakeSender{}
	s := newTestScheduler(600_000*time.Millisecond, &fakeFixes{fix: testFix}, sender, nil)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Resume("s1", "d1", 120_000*time.Millisecond, nil))
	defer s.Stop()

	st := s.State()
	assert.Equal(t, now.Add(480_000*time.Millisecond), st.NextDue)
	assert.Equal(t, now.Add(-120_000*time.Millisecond), st.LastSuccess)

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, sender.sent(), "resume does not pulse immediately")
}

func TestResume_OverduePulsesImmediately(t *testing.T) {
	sender := &fakeSender{}
	s := newTestScheduler(time.Minute, &fakeFixes{fix: testFix}, sender, nil)

	require.NoError(t, s.Resume("s1", "d1", 2*time.Minute, nil))
	defer s.Stop()

	require.Eventually(t, func() bool { return len(sender.sent()) == 1 }, wait, tick)
}

func TestNextDue(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	interval := 10 * time.Minute

	assert.Equal(t, base.Add(interval), NextDue(time.Time{}, base, interval), "no prior success")
	assert.Equal(t, base.Add(8*time.Minute), NextDue(base.Add(-2*time.Minute), base, interval))
	assert.Equal(t, base.Add(5*time.Minute), NextDue(base.Add(-25*time.Minute), base, interval), "keeps phase when late")
	assert.Equal(t, base.Add(interval), NextDue(base.Add(-interval), base, interval), "exactly due rolls forward")
}

func TestEvaluate(t *testing.T) {
	valid := true
	_, failed := Evaluate(transport.Result{HTTPStatus: 200, Success: true, SessionValid: &valid})
	assert.False(t, failed)

	f, failed := Evaluate(transport.Result{HTTPStatus: 200, Message: "bad pulse"})
	require.True(t, failed)
	assert.Equal(t, ReasonRejected, f.Reason)
	assert.Equal(t, "rejected: bad pulse", f.Error())

	cause := errors.New("dial tcp: refused")
	f, failed = Evaluate(transport.Result{Err: cause})
	require.True(t, failed)
	assert.ErrorIs(t, f, cause)

	// an accepted pulse still fails when the server drops the session
	invalid := false
	f, failed = Evaluate(transport.Result{HTTPStatus: 200, Success: true, SessionValid: &invalid, Message: "logged in elsewhere"})
	require.True(t, failed)
	assert.Equal(t, ReasonSessionInvalid, f.Reason)
	assert.Equal(t, "logged in elsewhere", f.Detail)

	f, failed = Evaluate(transport.Result{HTTPStatus: 401})
	require.True(t, failed)
	assert.Equal(t, ReasonSessionInvalid, f.Reason)

	f, failed = Evaluate(transport.Result{HTTPStatus: 400, ErrorCode: "session_expired"})
	require.True(t, failed)
	assert.Equal(t, ReasonSessionInvalid, f.Reason)
}

// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package heartbeat drives the periodic liveness pulses of a session.
//
// A Scheduler is Stopped until Start or Resume, Running until Stop or the
// first failed pulse, and Stopped again after that. There is no retry: the
// first disqualifying response ends the loop and reports a Failure.
package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relabs-tech/presence_keeper/internal/gps"
	"github.com/relabs-tech/presence_keeper/internal/logs"
	"github.com/relabs-tech/presence_keeper/internal/transport"
)

var (
	ErrAlreadyRunning = errors.New("heartbeat: scheduler already running")
	ErrNoSession      = errors.New("heartbeat: session id is required")
)

const (
	DefaultInterval         = 30 * time.Minute
	DefaultLocationDeadline = 60 * time.Second
	DefaultRequestTimeout   = 15 * time.Second

	settleDelay = 2 * time.Second
)

// FixSource is what the scheduler needs from the location layer.
type FixSource interface {
	AcquireHighConfidence(ctx context.Context, deadline time.Duration) (gps.LocationFix, error)
	LastKnownFix() (gps.LocationFix, bool)
}

// Sender transmits a pulse.
type Sender interface {
	SendHeartbeat(ctx context.Context, p transport.Pulse) transport.Result
}

// NetworkSignals reports connectivity and its transitions.
type NetworkSignals interface {
	Online() bool
	OnTransition(fn func(online bool)) (unregister func())
}

// ForegroundSignals reports the device coming back to the foreground, e.g.
// resuming from suspend.
type ForegroundSignals interface {
	OnForeground(fn func()) (unregister func())
}

// Config holds the externally tunable timings.
type Config struct {
	Interval         time.Duration
	LocationDeadline time.Duration
	QueueCapacity    int
	RequestTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.LocationDeadline <= 0 {
		c.LocationDeadline = DefaultLocationDeadline
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

// Deps are the collaborators of a Scheduler. Network and Foreground are
// optional; without Network the device is assumed to be online.
type Deps struct {
	Fixes      FixSource
	Sender     Sender
	Network    NetworkSignals
	Foreground ForegroundSignals
	Log        logs.Sink
}

// State is a snapshot of the scheduler.
type State struct {
	Running     bool      `json:"running"`
	SessionID   string    `json:"session_id,omitempty"`
	DeviceID    string    `json:"device_id,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	NextDue     time.Time `json:"next_due,omitempty"`
	InFlight    bool      `json:"in_flight"`
	Queued      int       `json:"queued"`
}

type trigger int

const (
	triggerRegular trigger = iota
	triggerStart
	triggerReconnect
	triggerOutOfBand
)

func (t trigger) String() string {
	switch t {
	case triggerRegular:
		return "timer"
	case triggerStart:
		return "start"
	case triggerReconnect:
		return "reconnect"
	default:
		return "out-of-band"
	}
}

// Scheduler sends a pulse every interval while a session is running.
type Scheduler struct {
	cfg         Config
	deps        Deps
	log         logs.Sink
	now         func() time.Time
	settleDelay time.Duration
	limiter     *rate.Limiter // foreground and manual pulses
	reconnects  *rate.Limiter // reconnect cycles, against a flapping link

	mu          sync.Mutex
	running     bool
	gen         uint64
	ctx         context.Context
	cancel      context.CancelFunc
	sessionID   string
	deviceID    string
	onFailure   func(Failure)
	lastSuccess time.Time
	nextDue     time.Time
	inFlight    bool
	timer       *time.Timer
	settle      *time.Timer
	queue       *OfflineQueue
	unregister  []func()
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(cfg Config, deps Deps) *Scheduler {
	log := deps.Log
	if log == nil {
		log = logs.Discard
	}
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:         cfg,
		deps:        deps,
		log:         log,
		now:         time.Now,
		settleDelay: settleDelay,
		// out-of-band pulses: at most one every 30s, burst of 2
		limiter:    rate.NewLimiter(rate.Every(30*time.Second), 2),
		reconnects: rate.NewLimiter(rate.Every(30*time.Second), 2),
		queue:      NewOfflineQueue(cfg.QueueCapacity),
	}
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// Start begins a session: one pulse right away, then one every interval.
// onFailure is called at most once, synchronously from the failing cycle,
// after the scheduler has already stopped itself.
func (s *Scheduler) Start(sessionID, deviceID string, onFailure func(Failure)) error {
	gen, err := s.begin(sessionID, deviceID, onFailure, time.Time{})
	if err != nil {
		return err
	}
	s.log.Info("heartbeat started", map[string]interface{}{
		"session_id":  sessionID,
		"interval_ms": s.cfg.Interval.Milliseconds(),
	})
	go s.runCycle(gen, triggerStart)
	return nil
}

// Resume continues a session restored from the server, which reported
// sinceLast as the time since its last accepted pulse. No pulse is sent
// right away unless one is already overdue.
func (s *Scheduler) Resume(sessionID, deviceID string, sinceLast time.Duration, onFailure func(Failure)) error {
	if sinceLast < 0 {
		sinceLast = 0
	}
	last := s.now().Add(-sinceLast)
	gen, err := s.begin(sessionID, deviceID, onFailure, last)
	if err != nil {
		return err
	}

	if Overdue(last, s.now(), s.cfg.Interval) {
		s.log.Info("heartbeat resumed, pulse overdue", map[string]interface{}{
			"session_id":    sessionID,
			"since_last_ms": sinceLast.Milliseconds(),
		})
		go s.runCycle(gen, triggerStart)
		return nil
	}

	s.mu.Lock()
	if s.gen == gen {
		s.armLocked(gen)
	}
	due := s.nextDue
	s.mu.Unlock()

	s.log.Info("heartbeat resumed", map[string]interface{}{
		"session_id":    sessionID,
		"since_last_ms": sinceLast.Milliseconds(),
		"next_in_ms":    due.Sub(s.now()).Milliseconds(),
	})
	return nil
}

func (s *Scheduler) begin(sessionID, deviceID string, onFailure func(Failure), lastSuccess time.Time) (uint64, error) {
	if sessionID == "" {
		return 0, ErrNoSession
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn("start ignored, heartbeat already running", map[string]interface{}{
			"session_id": sessionID,
		})
		return 0, ErrAlreadyRunning
	}
	s.running = true
	s.gen++
	gen := s.gen
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.sessionID = sessionID
	s.deviceID = deviceID
	s.onFailure = onFailure
	s.lastSuccess = lastSuccess
	s.nextDue = time.Time{}
	s.inFlight = false
	s.queue = NewOfflineQueue(s.cfg.QueueCapacity)
	s.mu.Unlock()

	regs := s.registerListeners(gen)

	s.mu.Lock()
	if s.gen != gen || !s.running {
		s.mu.Unlock()
		for _, unregister := range regs {
			unregister()
		}
		return gen, nil
	}
	s.unregister = regs
	s.mu.Unlock()
	return gen, nil
}

func (s *Scheduler) registerListeners(gen uint64) []func() {
	var regs []func()
	if s.deps.Network != nil {
		regs = append(regs, s.deps.Network.OnTransition(func(online bool) {
			s.onConnectivity(gen, online)
		}))
	}
	if s.deps.Foreground != nil {
		regs = append(regs, s.deps.Foreground.OnForeground(func() {
			s.outOfBand(gen, "foreground")
		}))
	}
	return regs
}

// Stop ends the session loop. It is idempotent. A pulse already in flight
// may complete, but its result neither re-arms the loop nor reports a
// failure.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	sessionID := s.sessionID
	regs := s.stopLocked()
	s.mu.Unlock()

	for _, unregister := range regs {
		unregister()
	}
	s.log.Info("heartbeat stopped", map[string]interface{}{
		"session_id": sessionID,
	})
}

// stopLocked clears all session state and returns the listeners to
// unregister once the lock is released.
func (s *Scheduler) stopLocked() []func() {
	s.running = false
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.sessionID = ""
	s.deviceID = ""
	s.onFailure = nil
	s.lastSuccess = time.Time{}
	s.nextDue = time.Time{}
	s.inFlight = false
	s.queue.Clear()

	regs := s.unregister
	s.unregister = nil
	return regs
}

// Running reports whether a session loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// State returns a snapshot for status reporting.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Running:     s.running,
		SessionID:   s.sessionID,
		DeviceID:    s.deviceID,
		LastSuccess: s.lastSuccess,
		NextDue:     s.nextDue,
		InFlight:    s.inFlight,
		Queued:      s.queue.Len(),
	}
}

// Trigger requests an immediate out-of-band pulse. On a stopped scheduler
// it only logs a warning.
func (s *Scheduler) Trigger(source string) {
	s.mu.Lock()
	running, gen := s.running, s.gen
	s.mu.Unlock()

	if !running {
		s.log.Warn("pulse requested on stopped heartbeat", map[string]interface{}{
			"source": source,
		})
		return
	}
	s.outOfBand(gen, source)
}

// ============================================================================
// SIGNALS
// ============================================================================

func (s *Scheduler) onConnectivity(gen uint64, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || !s.running {
		return
	}
	if !online {
		if s.settle != nil {
			s.settle.Stop()
			s.settle = nil
		}
		s.log.Info("network offline, pulses will be queued", nil)
		return
	}

	if s.settle != nil {
		s.settle.Stop()
	}
	s.settle = time.AfterFunc(s.settleDelay, func() {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.settle = nil
		s.mu.Unlock()
		if !s.reconnects.Allow() {
			// the queue is flushed after the next successful pulse
			s.log.Info("reconnect pulse rate limited", nil)
			return
		}
		s.runCycle(gen, triggerReconnect)
	})
}

func (s *Scheduler) outOfBand(gen uint64, source string) {
	if !s.limiter.Allow() {
		s.log.Debug("out-of-band pulse rate limited", map[string]interface{}{
			"source": source,
		})
		return
	}
	s.log.Debug("out-of-band pulse", map[string]interface{}{"source": source})
	go s.runCycle(gen, triggerOutOfBand)
}

// ============================================================================
// CYCLE
// ============================================================================

// runCycle is one pulse attempt. Cycles never overlap: a cycle that finds
// another one in flight is skipped.
func (s *Scheduler) runCycle(gen uint64, trig trigger) {
	s.mu.Lock()
	if s.gen != gen || !s.running {
		s.mu.Unlock()
		return
	}
	if trig == triggerRegular {
		s.timer = nil
	}
	if s.inFlight {
		s.mu.Unlock()
		s.log.Info("heartbeat skipped, previous pulse still in flight", map[string]interface{}{
			"trigger": trig.String(),
		})
		return
	}
	s.inFlight = true
	ctx := s.ctx
	sessionID, deviceID := s.sessionID, s.deviceID
	s.mu.Unlock()

	if trig == triggerReconnect {
		if !s.flush(ctx, gen) {
			return
		}
	}

	fix, ok := s.acquire(ctx, gen)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	pulse := transport.NewPulse(sessionID, deviceID, fix, s.now())
	if !s.online() {
		evicted := s.queue.Push(pulse)
		queued := s.queue.Len()
		s.inFlight = false
		s.rearmLocked(gen, trig)
		s.mu.Unlock()
		s.log.Info("offline, pulse queued", map[string]interface{}{
			"queued":  queued,
			"evicted": evicted,
		})
		return
	}
	s.mu.Unlock()

	if !s.transmit(ctx, gen, pulse) {
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.lastSuccess = s.now()
	s.mu.Unlock()

	if !s.flush(ctx, gen) {
		return
	}
	s.finish(gen, trig)
}

func (s *Scheduler) finish(gen uint64, trig trigger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.inFlight = false
	s.rearmLocked(gen, trig)
}

// acquire gets a fresh fix, falling back to the cached one. It reports the
// failure itself when there is nothing to send.
func (s *Scheduler) acquire(ctx context.Context, gen uint64) (gps.LocationFix, bool) {
	fix, err := s.deps.Fixes.AcquireHighConfidence(ctx, s.cfg.LocationDeadline)
	if err == nil {
		return fix, true
	}

	if last, ok := s.deps.Fixes.LastKnownFix(); ok {
		s.log.Warn("location acquisition failed, using last known fix", map[string]interface{}{
			"error":     err.Error(),
			"fix_age_s": int(last.Age(s.now()).Seconds()),
		})
		return last, true
	}

	s.fail(gen, Failure{Reason: ReasonNoLocationData, Detail: err.Error(), Err: err})
	return gps.LocationFix{}, false
}

// transmit sends one pulse and applies the failure policy. The request is
// not cancelled by Stop; its result is then only logged.
func (s *Scheduler) transmit(ctx context.Context, gen uint64, p transport.Pulse) bool {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RequestTimeout)
	defer cancel()

	res := s.deps.Sender.SendHeartbeat(reqCtx, p)
	if f, failed := Evaluate(res); failed {
		s.fail(gen, f)
		return false
	}

	s.log.Debug("pulse accepted", map[string]interface{}{
		"pulse_id":   p.ID,
		"accuracy_m": p.Fix.Accuracy,
		"latency_ms": res.Latency.Milliseconds(),
	})
	return true
}

// flush sends only the newest queued pulse and drops the rest.
func (s *Scheduler) flush(ctx context.Context, gen uint64) bool {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	dropped := s.queue.Len() - 1
	latest, ok := s.queue.TakeLatest()
	s.mu.Unlock()
	if !ok {
		return true
	}

	s.log.Info("flushing offline queue", map[string]interface{}{
		"pulse_id": latest.ID,
		"dropped":  dropped,
	})
	return s.transmit(ctx, gen, latest)
}

// fail stops the loop and reports f, unless the loop was stopped meanwhile.
func (s *Scheduler) fail(gen uint64, f Failure) {
	s.mu.Lock()
	if s.gen != gen || !s.running {
		s.mu.Unlock()
		s.log.Info("result after stop ignored", map[string]interface{}{
			"reason": string(f.Reason),
			"detail": f.Detail,
		})
		return
	}
	onFailure := s.onFailure
	sessionID := s.sessionID
	regs := s.stopLocked()
	s.mu.Unlock()

	for _, unregister := range regs {
		unregister()
	}

	ctx := map[string]interface{}{
		"session_id": sessionID,
		"reason":     string(f.Reason),
		"detail":     f.Detail,
	}
	if f.Result.HTTPStatus != 0 {
		ctx["status"] = f.Result.HTTPStatus
	}
	if f.Reason == ReasonTransport {
		s.log.Error("heartbeat failed, server unreachable", ctx)
	} else {
		s.log.Error("heartbeat failed", ctx)
	}

	if onFailure != nil {
		onFailure(f)
	}
}

// rearmLocked schedules the next regular pulse. Out-of-band cycles leave
// an armed timer alone.
func (s *Scheduler) rearmLocked(gen uint64, trig trigger) {
	if !s.running {
		return
	}
	if trig == triggerOutOfBand || trig == triggerReconnect {
		if s.timer != nil {
			return
		}
	}
	s.armLocked(gen)
}

func (s *Scheduler) armLocked(gen uint64) {
	now := s.now()
	due := NextDue(s.lastSuccess, now, s.cfg.Interval)
	s.nextDue = due
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(due.Sub(now), func() {
		s.runCycle(gen, triggerRegular)
	})
}

func (s *Scheduler) online() bool {
	return s.deps.Network == nil || s.deps.Network.Online()
}

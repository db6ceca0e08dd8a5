// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package session decides when a session is over and announces it exactly
// once, whichever part of the agent noticed first.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/relabs-tech/presence_keeper/internal/heartbeat"
	"github.com/relabs-tech/presence_keeper/internal/logs"
	"github.com/relabs-tech/presence_keeper/internal/transport"
)

var ErrNoSession = errors.New("session: no active session")

const serverLogoutTimeout = 10 * time.Second

// Stopper is the part of the heartbeat scheduler the authority controls.
type Stopper interface {
	Stop()
}

// Notifier shows session events to the user. Calls are fire-and-forget.
type Notifier interface {
	NotifyLogout(reason, source string)
	NotifyHeartbeatFailure(reason string)
}

// ServerLogout tells the server a session is over.
type ServerLogout interface {
	Logout(ctx context.Context, sessionID, reason string) transport.Result
}

// Listener receives the terminal event synchronously.
type Listener func(Ended)

// Deps are the collaborators of an Authority. All are optional.
type Deps struct {
	Notifier Notifier
	Server   ServerLogout
	Clock    SharedClock
	Log      logs.Sink
	// MaxLifetime ends a session that long after its shared start time.
	// Zero disables the limit.
	MaxLifetime time.Duration
}

// Authority owns the "is this session still valid" signal.
type Authority struct {
	deps Deps
	log  logs.Sink
	now  func() time.Time

	mu          sync.Mutex
	active      bool
	sessionID   string
	startedAt   time.Time
	scheduler   Stopper
	expiry      *time.Timer
	clockCancel func()
	listeners   map[int]Listener
	subs        map[int]chan Ended
	nextID      int
	last        *Ended
}

// NewAuthority creates an authority with no active session.
func NewAuthority(deps Deps) *Authority {
	log := deps.Log
	if log == nil {
		log = logs.Discard
	}
	return &Authority{
		deps:      deps,
		log:       log,
		now:       time.Now,
		listeners: make(map[int]Listener),
		subs:      make(map[int]chan Ended),
	}
}

// ============================================================================
// LISTENERS
// ============================================================================

// AddListener registers fn for every future Ended event. fn runs on the
// goroutine that ended the session and must not block.
func (a *Authority) AddListener(fn Listener) (remove func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// Subscribe returns a channel receiving Ended events. A slow reader misses
// events rather than blocking the authority.
func (a *Authority) Subscribe() (<-chan Ended, func()) {
	ch := make(chan Ended, 1)
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.subs[id] = ch
	a.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs, id)
			a.mu.Unlock()
			close(ch)
		})
	}
}

// ============================================================================
// SESSION LIFECYCLE
// ============================================================================

// Begin makes sessionID the active session. startedAt is the server's start
// time; zero means now. The start time is published on the shared clock
// and siblings' updates are followed from then on.
func (a *Authority) Begin(sessionID string, startedAt time.Time) error {
	if sessionID == "" {
		return errors.New("session: session id is required")
	}
	if startedAt.IsZero() {
		startedAt = a.now()
	}

	a.mu.Lock()
	if a.active {
		a.log.Warn("begin replaces a session that never ended", map[string]interface{}{
			"previous_session_id": a.sessionID,
			"session_id":          sessionID,
		})
		a.teardownLocked()
	}
	a.active = true
	a.sessionID = sessionID
	a.startedAt = startedAt
	a.last = nil
	a.armExpiryLocked()
	a.mu.Unlock()

	if a.deps.Clock != nil {
		if err := a.deps.Clock.Publish(Stamp{SessionID: sessionID, Start: startedAt}); err != nil {
			a.log.Warn("failed to publish session start", map[string]interface{}{
				"error": err.Error(),
			})
		}
		cancel, err := a.deps.Clock.Subscribe(func(s Stamp) {
			a.onSharedStart(sessionID, s)
		})
		if err != nil {
			a.log.Warn("failed to follow shared session clock", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			a.mu.Lock()
			if a.active && a.sessionID == sessionID {
				a.clockCancel = cancel
				cancel = nil
			}
			a.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		}
	}

	a.log.Info("session active", map[string]interface{}{
		"session_id": sessionID,
		"started_at": startedAt.UTC().Format(time.RFC3339),
	})
	return nil
}

// AttachScheduler gives the authority the scheduler to stop on logout.
func (a *Authority) AttachScheduler(s Stopper) {
	a.mu.Lock()
	a.scheduler = s
	a.mu.Unlock()
}

// Active reports whether a session is live.
func (a *Authority) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// SessionID returns the live session, or "".
func (a *Authority) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// StartedAt returns the shared start time of the live session.
func (a *Authority) StartedAt() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startedAt, a.active
}

// LastEnded returns the event that ended the previous session, if any.
func (a *Authority) LastEnded() (Ended, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return Ended{}, false
	}
	return *a.last, true
}

func (a *Authority) onSharedStart(sessionID string, s Stamp) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active || a.sessionID != sessionID {
		return
	}
	if s.SessionID != sessionID {
		a.log.Debug("ignoring sibling start for another session", map[string]interface{}{
			"session_id":       sessionID,
			"other_session_id": s.SessionID,
		})
		return
	}
	if s.Start.Equal(a.startedAt) {
		return
	}
	a.startedAt = s.Start
	a.armExpiryLocked()
	a.log.Debug("session start updated by sibling", map[string]interface{}{
		"started_at": s.Start.UTC().Format(time.RFC3339),
	})
}

func (a *Authority) armExpiryLocked() {
	if a.expiry != nil {
		a.expiry.Stop()
		a.expiry = nil
	}
	if a.deps.MaxLifetime <= 0 {
		return
	}
	sessionID := a.sessionID
	remaining := a.startedAt.Add(a.deps.MaxLifetime).Sub(a.now())
	if remaining < 0 {
		remaining = 0
	}
	a.expiry = time.AfterFunc(remaining, func() {
		a.end(sessionID, "maximum session duration reached", SourceSessionExpiry)
	})
}

// ============================================================================
// INVALIDATION
// ============================================================================

// Observe classifies every transport result. It is registered as a
// transport.Observer. Login and logout responses describe a session that
// does not exist yet or is already ending, so they are not classified.
// Heartbeat responses are judged by the scheduler, which reports them
// through HeartbeatFailed.
func (a *Authority) Observe(op transport.Operation, res transport.Result) {
	switch op {
	case transport.OpLogin, transport.OpLogout, transport.OpHeartbeat:
		return
	}

	v := Classify(res)
	switch v.Kind {
	case Invalid:
		a.end("", v.Reason, SourceBackgroundCall)
	case Unknown:
		a.log.Debug("server unreachable, session state unknown", map[string]interface{}{
			"op":    string(op),
			"error": v.Err.Error(),
		})
	}
}

// HeartbeatFailed is the scheduler's terminal-failure callback.
func (a *Authority) HeartbeatFailed(f heartbeat.Failure) {
	if a.deps.Notifier != nil {
		go a.deps.Notifier.NotifyHeartbeatFailure(f.Error())
	}
	a.end("", "heartbeat failed: "+f.Error(), SourceHeartbeat)
}

// Logout ends the session at the user's request and tells the server,
// waiting for it within ctx.
func (a *Authority) Logout(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "logged out"
	}
	ev, ok := a.endLocal("", reason, SourceExplicitLogout)
	if !ok {
		return ErrNoSession
	}
	a.serverLogout(ctx, ev)
	return nil
}

// end collapses any number of concurrent invalidations into one event. An
// empty sessionID matches whatever session is active.
func (a *Authority) end(sessionID, reason string, source Source) {
	ev, ok := a.endLocal(sessionID, reason, source)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), serverLogoutTimeout)
		defer cancel()
		a.serverLogout(ctx, ev)
	}()
}

func (a *Authority) endLocal(sessionID, reason string, source Source) (Ended, bool) {
	a.mu.Lock()
	if !a.active || (sessionID != "" && sessionID != a.sessionID) {
		a.mu.Unlock()
		a.log.Debug("session already ended", map[string]interface{}{
			"reason": reason,
			"source": string(source),
		})
		return Ended{}, false
	}
	ev := Ended{
		SessionID: a.sessionID,
		Reason:    reason,
		Source:    source,
		At:        a.now(),
	}
	a.last = &ev
	scheduler := a.scheduler
	a.teardownLocked()

	listeners := make([]Listener, 0, len(a.listeners))
	for _, l := range a.listeners {
		listeners = append(listeners, l)
	}
	a.mu.Unlock()

	if scheduler != nil {
		scheduler.Stop()
	}

	a.log.Warn("session ended", map[string]interface{}{
		"session_id": ev.SessionID,
		"reason":     reason,
		"source":     string(source),
	})

	for _, l := range listeners {
		l(ev)
	}
	a.mu.Lock()
	for _, ch := range a.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	a.mu.Unlock()

	if a.deps.Notifier != nil {
		go a.deps.Notifier.NotifyLogout(reason, string(source))
	}
	return ev, true
}

func (a *Authority) teardownLocked() {
	a.active = false
	a.sessionID = ""
	a.startedAt = time.Time{}
	if a.expiry != nil {
		a.expiry.Stop()
		a.expiry = nil
	}
	if a.clockCancel != nil {
		cancel := a.clockCancel
		a.clockCancel = nil
		go cancel()
	}
}

func (a *Authority) serverLogout(ctx context.Context, ev Ended) {
	if a.deps.Server == nil {
		return
	}
	res := a.deps.Server.Logout(ctx, ev.SessionID, ev.Reason)
	if res.Err != nil || !res.Success {
		// best effort; the local session is gone either way
		a.log.Info("server logout not confirmed", map[string]interface{}{
			"session_id": ev.SessionID,
			"status":     res.HTTPStatus,
		})
	}
}

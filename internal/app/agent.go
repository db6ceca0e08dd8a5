// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/presence_keeper/internal/config"
	"github.com/relabs-tech/presence_keeper/internal/connectivity"
	"github.com/relabs-tech/presence_keeper/internal/gps"
	"github.com/relabs-tech/presence_keeper/internal/heartbeat"
	"github.com/relabs-tech/presence_keeper/internal/history"
	"github.com/relabs-tech/presence_keeper/internal/identity"
	"github.com/relabs-tech/presence_keeper/internal/location"
	"github.com/relabs-tech/presence_keeper/internal/logs"
	"github.com/relabs-tech/presence_keeper/internal/notify"
	"github.com/relabs-tech/presence_keeper/internal/session"
	"github.com/relabs-tech/presence_keeper/internal/transport"
	"github.com/relabs-tech/presence_keeper/internal/wakelock"
)

// ErrLoginRejected is returned when the server answers a login with a
// refusal rather than a session.
var ErrLoginRejected = errors.New("login rejected")

// Agent is one logged-in device: it owns the location source, the
// transport, the heartbeat scheduler and the session authority, and tears
// everything down when the authority announces the end of the session.
type Agent struct {
	cfg      *config.Config
	recent   *logs.RecentLogs
	log      logs.Sink
	deviceID string

	mqtt      mqtt.Client
	acquirer  *location.Acquirer
	client    *transport.Client
	monitor   *connectivity.Monitor
	resume    *connectivity.ResumeDetector
	scheduler *heartbeat.Scheduler
	authority *session.Authority
	wake      wakelock.Holder
	hub       *Hub
	journal   *history.Journal // nil when HISTORY_DB_FILE is unset

	mu    sync.Mutex
	ended chan session.Ended
}

// NewAgent builds every component from cfg. Nothing talks to the server
// until Login.
func NewAgent(cfg *config.Config, recent *logs.RecentLogs) (*Agent, error) {
	if recent == nil {
		recent = logs.NewRecentLogs(cfg.LogBufferSize)
	}
	recent.SetDebug(cfg.LogDebug)

	a := &Agent{
		cfg:    cfg,
		recent: recent,
		log:    recent.Component("agent"),
		hub:    NewHub(),
	}

	deviceID, err := identity.NewFileIdentity(cfg.DeviceIDFile).DeviceID()
	if err != nil {
		return nil, err
	}
	a.deviceID = deviceID

	if needsMQTT(cfg) {
		client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDAgent)
		if err != nil {
			return nil, err
		}
		a.mqtt = client
	}

	provider, err := newProvider(cfg, a.mqtt, recent.Component("location"))
	if err != nil {
		return nil, err
	}
	a.acquirer = location.NewAcquirer(provider, recent.Component("location"))

	httpClient, err := transport.BuildHTTPClient(cfg.TLSCertPath, cfg.TLSKeyPath, cfg.TLSCAPath, cfg.RequestTimeout())
	if err != nil {
		return nil, err
	}
	a.client = transport.NewClient(cfg.ServerURL, httpClient, recent.Component("transport"))

	a.monitor, err = connectivity.NewMonitor(cfg.ServerURL, cfg.ConnectivityCheckInterval(), recent.Component("connectivity"))
	if err != nil {
		return nil, err
	}
	a.resume = connectivity.NewResumeDetector(connectivity.DefaultResumePeriod, connectivity.DefaultResumeThreshold,
		recent.Component("connectivity"))

	a.wake, err = newWakeLock(cfg.WakeLockGPIO)
	if err != nil {
		return nil, err
	}

	if cfg.HistoryDBFile != "" {
		a.journal, err = history.Open(cfg.HistoryDBFile)
		if err != nil {
			return nil, err
		}
		a.pruneHistory()
	}

	notifiers := notify.Fanout{notify.NewLogNotifier(recent.Component("notify")), a.hub}
	if cfg.NotifyMQTT {
		notifiers = append(notifiers, notify.NewMQTTNotifier(a.mqtt, cfg.TopicNotify, deviceID, recent.Component("notify")))
	}

	var clock session.SharedClock = session.NewMemoryClock()
	if cfg.SessionClockFile != "" {
		clock = session.NewFileClock(cfg.SessionClockFile, recent.Component("session"))
	}

	a.authority = session.NewAuthority(session.Deps{
		Notifier:    notifiers,
		Server:      a.client,
		Clock:       clock,
		Log:         recent.Component("session"),
		MaxLifetime: cfg.MaxSessionDuration(),
	})
	a.scheduler = heartbeat.NewScheduler(heartbeat.Config{
		Interval:         cfg.HeartbeatInterval(),
		LocationDeadline: cfg.LocationDeadline(),
		QueueCapacity:    cfg.OfflineQueueCapacity,
		RequestTimeout:   cfg.RequestTimeout(),
	}, heartbeat.Deps{
		Fixes:      a.acquirer,
		Sender:     a.client,
		Network:    a.monitor,
		Foreground: a.resume,
		Log:        recent.Component("heartbeat"),
	})
	a.authority.AttachScheduler(a.scheduler)

	// journaled before the authority may end the session and clear its id
	if a.journal != nil {
		a.client.AddObserver(transport.ObserverFunc(a.recordHeartbeat))
	}
	// every response is seen by the authority and the connectivity monitor
	a.client.AddObserver(a.authority)
	a.client.AddObserver(a.monitor)
	a.client.AddObserver(transport.ObserverFunc(a.publishHeartbeat))

	a.authority.AddListener(a.onSessionEnded)
	a.resume.OnForeground(a.verifyAfterResume)

	return a, nil
}

func newWakeLock(pin string) (wakelock.Holder, error) {
	if pin == "" {
		return &wakelock.Noop{}, nil
	}
	return wakelock.OpenGPIO(pin)
}

// ============================================================================
// SESSION
// ============================================================================

// Login acquires a high-confidence fix, logs in with it and starts the
// heartbeat. A session the server reports as restored resumes the
// existing heartbeat phase instead of pulsing immediately.
func (a *Agent) Login(ctx context.Context) error {
	if a.authority.Active() {
		return errors.New("already logged in")
	}

	fix, err := a.acquirer.AcquireHighConfidence(ctx, a.cfg.LocationDeadline())
	if err != nil {
		return fmt.Errorf("login needs a location fix: %w", err)
	}

	res := a.client.Login(ctx, transport.Credentials{
		Username: a.cfg.Username,
		Password: a.cfg.Password,
		DeviceID: a.deviceID,
		Fix:      &fix,
	})
	switch {
	case res.Err != nil:
		return fmt.Errorf("login: %w", res.Err)
	case !res.Success:
		return fmt.Errorf("%w: HTTP %d %s", ErrLoginRejected, res.HTTPStatus, res.Message)
	case res.Session == nil || res.Session.ID == "":
		return fmt.Errorf("%w: response carries no session", ErrLoginRejected)
	}

	info := *res.Session
	ended := make(chan session.Ended, 1)
	a.mu.Lock()
	a.ended = ended
	a.mu.Unlock()

	if err := a.authority.Begin(info.ID, info.StartedTime()); err != nil {
		return err
	}

	if a.journal != nil {
		started, _ := a.authority.StartedAt()
		if err := a.journal.SessionStarted(ctx, info.ID, started); err != nil {
			a.log.Warn("history not written", map[string]interface{}{"error": err.Error()})
		}
	}

	// held before the first pulse so an immediate failure releases it
	if err := a.wake.Acquire(); err != nil {
		a.log.Warn("wake lock not acquired", map[string]interface{}{"error": err.Error()})
	}

	if info.Restored {
		err = a.scheduler.Resume(info.ID, a.deviceID, info.SinceLastHeartbeat(), a.authority.HeartbeatFailed)
	} else {
		err = a.scheduler.Start(info.ID, a.deviceID, a.authority.HeartbeatFailed)
	}
	if err != nil {
		_ = a.authority.Logout(ctx, "heartbeat could not start")
		return fmt.Errorf("start heartbeat: %w", err)
	}

	a.log.Info("logged in", map[string]interface{}{
		"session_id": info.ID,
		"restored":   info.Restored,
		"accuracy_m": fix.Accuracy,
	})
	a.hub.Broadcast("session_started", map[string]interface{}{
		"session_id": info.ID,
		"restored":   info.Restored,
	})
	return nil
}

// Logout ends the session at the user's request.
func (a *Agent) Logout(ctx context.Context, reason string) error {
	return a.authority.Logout(ctx, reason)
}

// Call performs an authenticated background request. Its response is
// classified like the heartbeat's, so it can end the session too.
func (a *Agent) Call(ctx context.Context, path string, payload interface{}) transport.Result {
	return a.client.Call(ctx, path, payload)
}

// Ended returns a channel that receives the event ending the current
// session. It is nil before the first Login.
func (a *Agent) Ended() <-chan session.Ended {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ended
}

// Shutdown stops heartbeats without ending the session on the server; the
// next Login on this device restores it.
func (a *Agent) Shutdown() {
	a.scheduler.Stop()
	if err := a.wake.Release(); err != nil {
		a.log.Warn("wake lock not released", map[string]interface{}{"error": err.Error()})
	}
	if a.mqtt != nil {
		a.mqtt.Disconnect(250)
	}
	if a.journal != nil {
		a.journal.Close()
	}
}

// onSessionEnded runs before the server logout is sent. Revoke leaves the
// token usable for that logout and for nothing else.
func (a *Agent) onSessionEnded(ev session.Ended) {
	a.client.Revoke(ev.SessionID)
	if err := a.wake.Release(); err != nil {
		a.log.Warn("wake lock not released", map[string]interface{}{"error": err.Error()})
	}
	a.hub.Broadcast("session_ended", ev)
	if a.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		if err := a.journal.SessionEnded(ctx, ev.SessionID, ev.Reason, string(ev.Source), ev.At); err != nil {
			a.log.Warn("history not written", map[string]interface{}{"error": err.Error()})
		}
		cancel()
	}

	a.mu.Lock()
	ch := a.ended
	a.mu.Unlock()
	if ch != nil {
		select {
		case ch <- ev:
		default:
		}
	}
}

// verifyAfterResume asks the server whether the session survived a suspend.
// The answer is classified by the authority like any other response.
func (a *Agent) verifyAfterResume() {
	sessionID := a.authority.SessionID()
	if sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout())
	defer cancel()
	a.client.VerifySession(ctx, sessionID)
}

func (a *Agent) publishHeartbeat(op transport.Operation, res transport.Result) {
	if op != transport.OpHeartbeat {
		return
	}
	a.hub.Broadcast("heartbeat", map[string]interface{}{
		"success":    res.Success,
		"status":     res.HTTPStatus,
		"latency_ms": res.Latency.Milliseconds(),
		"offline":    res.NoResponse(),
	})
}

// ============================================================================
// HISTORY
// ============================================================================

const historyTimeout = 2 * time.Second

func (a *Agent) recordHeartbeat(op transport.Operation, res transport.Result) {
	if op != transport.OpHeartbeat {
		return
	}
	hb := history.Heartbeat{
		At:        time.Now(),
		SessionID: a.authority.SessionID(),
		Status:    res.HTTPStatus,
		Success:   res.Success,
		Offline:   res.NoResponse(),
		LatencyMs: res.Latency.Milliseconds(),
		Message:   res.Message,
	}
	if res.Err != nil {
		hb.Message = res.Err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := a.journal.RecordHeartbeat(ctx, hb); err != nil {
		a.log.Debug("heartbeat not journaled", map[string]interface{}{"error": err.Error()})
	}
}

func (a *Agent) pruneHistory() {
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	n, err := a.journal.Prune(ctx, time.Now().Add(-a.cfg.HistoryRetentionPeriod()))
	if err != nil {
		a.log.Warn("history not pruned", map[string]interface{}{"error": err.Error()})
		return
	}
	if n > 0 {
		a.log.Info("history pruned", map[string]interface{}{"removed": n})
	}
}

// ============================================================================
// STATUS
// ============================================================================

// Status is the JSON document served at /api/status.
type Status struct {
	DeviceID     string             `json:"device_id"`
	Session      SessionStatus      `json:"session"`
	Heartbeat    heartbeat.State    `json:"heartbeat"`
	Connectivity connectivity.Stats `json:"connectivity"`
	LastFix      *gps.LocationFix   `json:"last_fix,omitempty"`
	WakeLock     bool               `json:"wake_lock"`
	LastEnded    *session.Ended     `json:"last_ended,omitempty"`
	Logs         logs.Stats         `json:"logs"`
	Clients      int                `json:"websocket_clients"`
}

type SessionStatus struct {
	Active    bool      `json:"active"`
	ID        string    `json:"id,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

func (a *Agent) Status() Status {
	st := Status{
		DeviceID:     a.deviceID,
		Heartbeat:    a.scheduler.State(),
		Connectivity: a.monitor.Stats(),
		WakeLock:     a.wake.Held(),
		Logs:         a.recent.Stats(),
		Clients:      a.hub.Clients(),
	}
	if started, ok := a.authority.StartedAt(); ok {
		st.Session = SessionStatus{Active: true, ID: a.authority.SessionID(), StartedAt: started}
	}
	if fix, ok := a.acquirer.LastKnownFix(); ok {
		st.LastFix = &fix
	}
	if ev, ok := a.authority.LastEnded(); ok {
		st.LastEnded = &ev
	}
	return st
}

func (a *Agent) badge() badgeStatus {
	st := a.Status()
	b := badgeStatus{
		Active:  st.Session.Active,
		Online:  st.Connectivity.Online,
		NextDue: st.Heartbeat.NextDue,
		Queued:  st.Heartbeat.Queued,
	}
	if st.LastFix != nil {
		b.Accuracy = st.LastFix.Accuracy
	}
	if st.LastEnded != nil {
		b.Reason = st.LastEnded.Reason
	}
	return b
}

// ============================================================================
// RUN
// ============================================================================

// Run starts the background monitors and the status server, logs in and
// blocks until the session ends or ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	go a.monitor.Run(ctx)
	go a.resume.Run(ctx)

	if a.cfg.WebServerPort > 0 {
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", a.cfg.WebServerPort),
			Handler: a.Handler(),
		}
		go func() {
			log.Printf("status server listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("status server error: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if err := a.Login(ctx); err != nil {
		return err
	}

	select {
	case ev := <-a.Ended():
		log.Printf("session %s ended (%s): %s", ev.SessionID, ev.Source, ev.Reason)
		a.Shutdown()
		return nil
	case <-ctx.Done():
		log.Println("agent: shutting down, session left open for restore")
		a.Shutdown()
		return nil
	}
}

// RunAgent runs the agent with the global configuration until the session
// ends or the process receives SIGINT/SIGTERM.
func RunAgent() error {
	cfg := config.Get()
	if cfg == nil {
		return errors.New("configuration not initialized")
	}

	agent, err := NewAgent(cfg, nil)
	if err != nil {
		return err
	}
	log.Printf("agent: device %s, heartbeat every %v", agent.deviceID, cfg.HeartbeatInterval())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return agent.Run(ctx)
}

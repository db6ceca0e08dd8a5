// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package connectivity tracks whether the presence server is reachable and
// whether the device just came back from suspend.
package connectivity

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/relabs-tech/presence_keeper/internal/logs"
	"github.com/relabs-tech/presence_keeper/internal/transport"
)

const (
	DefaultCheckInterval = 15 * time.Second
	dialTimeout          = 5 * time.Second
	statsWindow          = time.Hour
)

// Call is one observed request or reachability check.
type Call struct {
	Timestamp time.Time
	Success   bool
	Latency   time.Duration
	Error     string
}

// Stats summarises the last hour of calls.
type Stats struct {
	Online       bool      `json:"online"`
	LastChange   time.Time `json:"last_change,omitempty"`
	TotalCalls   int       `json:"total_calls_1h"`
	SuccessRate  float64   `json:"success_rate_1h"`
	LatencyP50Ms int64     `json:"latency_p50_ms"`
	LatencyP95Ms int64     `json:"latency_p95_ms"`
	RecentErrors []string  `json:"recent_errors"`
}

// Monitor decides online/offline from TCP dials and from the outcome of
// real requests, and tells listeners about transitions.
type Monitor struct {
	addr     string
	interval time.Duration
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
	log      logs.Sink

	// notify is held from a state change until its listeners have run, so
	// listeners see transitions in the order they happened.
	notify sync.Mutex

	mu         sync.Mutex
	online     bool
	lastChange time.Time
	calls      []Call
	listeners  map[int]func(bool)
	nextID     int
}

// NewMonitor watches the host behind serverURL. The monitor starts online.
func NewMonitor(serverURL string, interval time.Duration, log logs.Sink) (*Monitor, error) {
	addr, err := dialAddr(serverURL)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	if log == nil {
		log = logs.Discard
	}
	d := &net.Dialer{}
	return &Monitor{
		addr:      addr,
		interval:  interval,
		dial:      d.DialContext,
		log:       log,
		online:    true,
		listeners: make(map[int]func(bool)),
	}, nil
}

func dialAddr(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("connectivity: invalid server url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("connectivity: server url %q has no host", serverURL)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "443"
	if u.Scheme == "http" {
		port = "80"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnTransition registers fn for every online/offline change. Calls to fn
// are never concurrent and always alternate between offline and online.
// fn must not call back into Observe or Check.
func (m *Monitor) OnTransition(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Observe is registered as a transport.Observer. Any answer from the
// server proves connectivity; no answer disproves it.
func (m *Monitor) Observe(op transport.Operation, res transport.Result) {
	call := Call{Timestamp: time.Now().UTC(), Success: !res.NoResponse(), Latency: res.Latency}
	if res.Err != nil {
		call.Error = res.Err.Error()
	}
	m.record(call)
}

// Run checks the server until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check dials the server once and records the outcome.
func (m *Monitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	start := time.Now()
	conn, err := m.dial(ctx, "tcp", m.addr)
	call := Call{Timestamp: start.UTC(), Latency: time.Since(start)}
	if err != nil {
		if ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
			// shutting down, not a connectivity verdict
			return m.Online()
		}
		call.Error = err.Error()
	} else {
		conn.Close()
		call.Success = true
	}
	m.record(call)
	return call.Success
}

func (m *Monitor) record(call Call) {
	m.notify.Lock()
	defer m.notify.Unlock()

	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.pruneLocked(call.Timestamp)

	if call.Success == m.online {
		m.mu.Unlock()
		return
	}
	m.online = call.Success
	m.lastChange = call.Timestamp
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	if call.Success {
		m.log.Info("server reachable again", map[string]interface{}{"addr": m.addr})
	} else {
		m.log.Warn("server unreachable", map[string]interface{}{
			"addr":  m.addr,
			"error": call.Error,
		})
	}
	for _, fn := range fns {
		fn(call.Success)
	}
}

func (m *Monitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-statsWindow)
	for i, c := range m.calls {
		if c.Timestamp.After(cutoff) {
			m.calls = m.calls[i:]
			return
		}
	}
	m.calls = m.calls[:0]
}

// Stats returns the connectivity summary shown on the status page.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{Online: m.online, LastChange: m.lastChange, RecentErrors: []string{}}
	if len(m.calls) == 0 {
		return st
	}

	latencies := make([]float64, 0, len(m.calls))
	ok := 0
	for _, c := range m.calls {
		if c.Success {
			ok++
		} else if len(st.RecentErrors) < 5 {
			st.RecentErrors = append(st.RecentErrors, c.Error)
		}
		latencies = append(latencies, float64(c.Latency.Milliseconds()))
	}
	sort.Float64s(latencies)

	st.TotalCalls = len(m.calls)
	st.SuccessRate = float64(ok) / float64(len(m.calls))
	st.LatencyP50Ms = int64(percentile(latencies, 0.50))
	st.LatencyP95Ms = int64(percentile(latencies, 0.95))
	return st
}

// percentile expects a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/relabs-tech/presence_keeper/internal/logs"
)

const (
	pathLogin     = "/api/login"
	pathLogout    = "/api/logout"
	pathHeartbeat = "/api/heartbeat"
	pathVerify    = "/api/session/verify"

	maxBodyBytes = 1 << 20
)

// envelope is the JSON body every server endpoint answers with.
type envelope struct {
	Success        *bool        `json:"success"`
	SessionValid   *bool        `json:"session_valid"`
	SessionInvalid *bool        `json:"session_invalid"`
	Message        string       `json:"message"`
	Error          string       `json:"error"`
	Session        *SessionInfo `json:"session"`
}

// Client performs server calls and reports every Result to its observers.
type Client struct {
	baseURL string
	http    *http.Client
	log     logs.Sink

	mu        sync.RWMutex
	token     string
	revoked   map[string]string // session id -> token kept for its logout
	observers []Observer
}

// NewClient creates a client for baseURL. httpClient is usually built by
// BuildHTTPClient.
func NewClient(baseURL string, httpClient *http.Client, log logs.Sink) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = logs.Discard
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		log:     log,
		revoked: make(map[string]string),
	}
}

// AddObserver registers o to see every subsequent Result.
func (c *Client) AddObserver(o Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Login submits credentials. A successful response carrying a session token
// makes the client send that token from then on.
func (c *Client) Login(ctx context.Context, creds Credentials) Result {
	res := c.do(ctx, OpLogin, pathLogin, creds)
	if res.Success && res.Session != nil && res.Session.Token != "" {
		c.SetToken(res.Session.Token)
	}
	return res
}

// Revoke makes every later call unauthenticated. The current token is kept
// only for the Logout of sessionID.
func (c *Client) Revoke(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		c.revoked[sessionID] = c.token
	}
	c.token = ""
}

// Logout ends the server-side session, authenticated with the token of
// sessionID if it was revoked. The token is dropped whatever the outcome.
func (c *Client) Logout(ctx context.Context, sessionID, reason string) Result {
	c.mu.Lock()
	token, ok := c.revoked[sessionID]
	delete(c.revoked, sessionID)
	if !ok {
		token = c.token
		c.token = ""
	}
	c.mu.Unlock()

	return c.doAs(ctx, token, OpLogout, pathLogout, map[string]string{
		"session_id": sessionID,
		"reason":     reason,
	})
}

// SendHeartbeat transmits one pulse.
func (c *Client) SendHeartbeat(ctx context.Context, p Pulse) Result {
	return c.do(ctx, OpHeartbeat, pathHeartbeat, p)
}

// VerifySession asks the server whether sessionID is still alive.
func (c *Client) VerifySession(ctx context.Context, sessionID string) Result {
	return c.do(ctx, OpVerify, pathVerify, map[string]string{"session_id": sessionID})
}

// Call performs any other authenticated request. Its outcome is observed
// like every other call, so a background request can end the session too.
func (c *Client) Call(ctx context.Context, path string, payload interface{}) Result {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.do(ctx, OpCall, path, payload)
}

func (c *Client) do(ctx context.Context, op Operation, path string, payload interface{}) Result {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	return c.doAs(ctx, token, op, path, payload)
}

func (c *Client) doAs(ctx context.Context, token string, op Operation, path string, payload interface{}) Result {
	res := c.roundTrip(ctx, token, op, path, payload)

	c.mu.RLock()
	observers := append([]Observer(nil), c.observers...)
	c.mu.RUnlock()
	for _, o := range observers {
		o.Observe(op, res)
	}
	return res
}

func (c *Client) roundTrip(ctx context.Context, token string, op Operation, path string, payload interface{}) Result {
	res := Result{Op: op}

	body, err := json.Marshal(payload)
	if err != nil {
		res.Err = fmt.Errorf("%s: encode request: %w", op, err)
		return res
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		res.Err = fmt.Errorf("%s: build request: %w", op, err)
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.Err = fmt.Errorf("%s: %w", op, err)
		c.log.Warn("request failed", map[string]interface{}{
			"op":    string(op),
			"error": err.Error(),
		})
		return res
	}
	defer resp.Body.Close()

	res.HTTPStatus = resp.StatusCode
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		// status is known, so the call counts as answered
		res.Message = fmt.Sprintf("read body: %v", err)
		return res
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		res.Message = snippet(raw)
	} else {
		applyEnvelope(&res, env)
	}

	ok2xx := resp.StatusCode >= 200 && resp.StatusCode < 300
	res.Success = ok2xx && env.Success != nil && *env.Success

	c.log.Debug("request done", map[string]interface{}{
		"op":         string(op),
		"status":     resp.StatusCode,
		"success":    res.Success,
		"latency_ms": res.Latency.Milliseconds(),
	})
	return res
}

func applyEnvelope(res *Result, env envelope) {
	res.Message = env.Message
	res.ErrorCode = env.Error
	res.Session = env.Session

	switch {
	case env.SessionValid != nil:
		v := *env.SessionValid
		res.SessionValid = &v
	case env.SessionInvalid != nil:
		v := !*env.SessionInvalid
		res.SessionValid = &v
	}
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}

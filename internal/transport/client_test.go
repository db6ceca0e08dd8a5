// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/presence_keeper/internal/gps"
)

type recorder struct {
	mu   sync.Mutex
	seen []Result
}

func (r *recorder) Observe(op Operation, res Result) {
	r.mu.Lock()
	r.seen = append(r.seen, res)
	r.mu.Unlock()
}

func (r *recorder) results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.seen...)
}

func serve(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendHeartbeat_Success(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"success":true,"message":"ok"}`)
	c := NewClient(srv.URL, srv.Client(), nil)

	res := c.SendHeartbeat(context.Background(), NewPulse("s1", "d1", gps.LocationFix{Accuracy: 12}, time.Now()))
	assert.True(t, res.Success)
	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Nil(t, res.SessionValid)
	assert.NoError(t, res.Err)
	assert.Equal(t, OpHeartbeat, res.Op)
}

func TestSendHeartbeat_SuccessFlagRequired(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"message":"accepted?"}`)
	c := NewClient(srv.URL, srv.Client(), nil)

	res := c.SendHeartbeat(context.Background(), Pulse{})
	assert.False(t, res.Success, "2xx without success:true is not a success")
	assert.False(t, res.NoResponse())
}

func TestSessionInvalidFlagIsNormalised(t *testing.T) {
	cases := []struct {
		name string
		body string
		want bool
	}{
		{"session_valid false", `{"success":false,"session_valid":false}`, false},
		{"session_invalid true", `{"success":false,"session_invalid":true}`, false},
		{"session_invalid false", `{"success":true,"session_invalid":false}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := serve(t, http.StatusOK, tc.body)
			c := NewClient(srv.URL, srv.Client(), nil)

			res := c.VerifySession(context.Background(), "s1")
			require.NotNil(t, res.SessionValid)
			assert.Equal(t, tc.want, *res.SessionValid)
			assert.Equal(t, !tc.want, res.SessionInvalidated())
		})
	}
}

func TestNon2xxWithSuccessBodyIsFailure(t *testing.T) {
	srv := serve(t, http.StatusUnauthorized, `{"success":true}`)
	c := NewClient(srv.URL, srv.Client(), nil)

	res := c.SendHeartbeat(context.Background(), Pulse{})
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusUnauthorized, res.HTTPStatus)
}

func TestMalformedBodyKeepsStatus(t *testing.T) {
	srv := serve(t, http.StatusBadGateway, `<html>bad gateway</html>`)
	c := NewClient(srv.URL, srv.Client(), nil)

	res := c.SendHeartbeat(context.Background(), Pulse{})
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusBadGateway, res.HTTPStatus)
	assert.Contains(t, res.Message, "bad gateway")
	assert.NoError(t, res.Err)
}

func TestUnreachableServerIsNoResponse(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	rec := &recorder{}
	c := NewClient(url, &http.Client{Timeout: time.Second}, nil)
	c.AddObserver(rec)

	res := c.SendHeartbeat(context.Background(), Pulse{})
	require.Error(t, res.Err)
	assert.True(t, res.NoResponse())
	assert.False(t, res.Success)

	seen := rec.results()
	require.Len(t, seen, 1)
	assert.True(t, seen[0].NoResponse())
}

func TestObserversSeeEveryCall(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"success":true}`)
	a, b := &recorder{}, &recorder{}
	c := NewClient(srv.URL, srv.Client(), nil)
	c.AddObserver(a)
	c.AddObserver(ObserverFunc(b.Observe))

	c.VerifySession(context.Background(), "s1")
	c.Call(context.Background(), "api/profile", nil)

	assert.Len(t, a.results(), 2)
	assert.Len(t, b.results(), 2)
	assert.Equal(t, OpCall, a.results()[1].Op)
}

func TestLoginStoresToken(t *testing.T) {
	var mu sync.Mutex
	var auth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth = append(auth, r.Header.Get("Authorization"))
		mu.Unlock()
		if r.URL.Path == pathLogin {
			var creds Credentials
			require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
			assert.Equal(t, "alice", creds.Username)
			_, _ = w.Write([]byte(`{"success":true,"session":{"id":"s-42","token":"tok","started_at_ms":1700000000000}}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), nil)
	res := c.Login(context.Background(), Credentials{Username: "alice", Password: "pw", DeviceID: "d1"})
	require.True(t, res.Success)
	require.NotNil(t, res.Session)
	assert.Equal(t, "s-42", res.Session.ID)
	assert.Equal(t, int64(1700000000000), res.Session.StartedTime().UnixMilli())

	c.SendHeartbeat(context.Background(), Pulse{})
	c.Logout(context.Background(), "s-42", "user")
	c.SendHeartbeat(context.Background(), Pulse{})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, auth, 4)
	assert.Equal(t, "", auth[0])
	assert.Equal(t, "Bearer tok", auth[1])
	assert.Equal(t, "Bearer tok", auth[2])
	assert.Equal(t, "", auth[3])
}

func TestRevokeKeepsTokenForLogoutOnly(t *testing.T) {
	var mu sync.Mutex
	auth := map[string][]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth[r.URL.Path] = append(auth[r.URL.Path], r.Header.Get("Authorization"))
		mu.Unlock()
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), nil)
	c.SetToken("tok")
	c.Revoke("s-1")

	c.Call(context.Background(), "/api/reports", nil)
	c.Logout(context.Background(), "s-1", "revoked")
	c.Logout(context.Background(), "s-1", "again")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{""}, auth["/api/reports"])
	assert.Equal(t, []string{"Bearer tok", ""}, auth[pathLogout])
}

func TestPulseEncoding(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	p := NewPulse("s1", "d1", gps.LocationFix{Latitude: 1, Longitude: 2, Accuracy: 3}, now)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, int64(1700000000123), p.SentAt)

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"session_id":"s1"`)
	assert.Contains(t, string(raw), `"accuracy_m":3`)
}

func TestBuildHTTPClient_PartialTLSConfig(t *testing.T) {
	_, err := BuildHTTPClient("cert.pem", "", "", time.Second)
	require.Error(t, err)

	c, err := BuildHTTPClient("", "", "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, c.Timeout)
}

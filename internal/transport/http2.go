// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/http2"
)

// BuildHTTPClient creates the HTTP/2 client used to reach the server.
// With certPath, keyPath and caPath set the client authenticates with mTLS
// 1.3; with none of them set it uses the system roots. Setting only some of
// them is a configuration error.
func BuildHTTPClient(certPath, keyPath, caPath string, timeout time.Duration) (*http.Client, error) {
	set := 0
	for _, p := range []string{certPath, keyPath, caPath} {
		if p != "" {
			set++
		}
	}

	switch set {
	case 0:
		return buildSystemClient(timeout)
	case 3:
		return buildMTLSClient(certPath, keyPath, caPath, timeout)
	default:
		return nil, fmt.Errorf("TLS_CERT_PATH, TLS_KEY_PATH and TLS_CA_PATH must be set together")
	}
}

func buildSystemClient(timeout time.Duration) (*http.Client, error) {
	t1 := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        10,
	}
	t2, err := http2.ConfigureTransports(t1)
	if err != nil {
		return nil, fmt.Errorf("failed to enable HTTP/2: %w", err)
	}
	// a dead connection is noticed by health pings instead of hanging a heartbeat
	t2.ReadIdleTimeout = 30 * time.Second
	t2.PingTimeout = 10 * time.Second

	return &http.Client{Transport: t1, Timeout: timeout}, nil
}

func buildMTLSClient(certPath, keyPath, caPath string, timeout time.Duration) (*http.Client, error) {
	clientCert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	caCert, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	transport := &http2.Transport{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{clientCert},
			RootCAs:      pool,
			MinVersion:   tls.VersionTLS13,
		},
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     10 * time.Second,
	}

	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

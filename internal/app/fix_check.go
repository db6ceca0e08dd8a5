// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/presence_keeper/internal/config"
	"github.com/relabs-tech/presence_keeper/internal/gps"
	"github.com/relabs-tech/presence_keeper/internal/location"
	"github.com/relabs-tech/presence_keeper/internal/logs"
)

// RunFixCheck runs both acquisition modes once against the configured
// location source and prints the results, to check a receiver before
// deploying the agent.
func RunFixCheck() error {
	cfg := config.Get()
	if cfg == nil {
		return errors.New("configuration not initialized")
	}

	var client mqtt.Client
	if cfg.LocationSource == config.SourceMQTT {
		c, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDConsole+"-fixcheck")
		if err != nil {
			return err
		}
		defer c.Disconnect(250)
		client = c
	}

	recent := logs.NewRecentLogs(cfg.LogBufferSize)
	recent.SetDebug(true)
	provider, err := newProvider(cfg, client, recent.Component("location"))
	if err != nil {
		return err
	}
	acquirer := location.NewAcquirer(provider, recent.Component("location"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	modes := []struct {
		name    string
		acquire func(context.Context, time.Duration) (gps.LocationFix, error)
	}{
		{"once", acquirer.AcquireOnce},
		{"high-confidence", acquirer.AcquireHighConfidence},
	}
	for _, m := range modes {
		start := time.Now()
		fix, err := m.acquire(ctx, cfg.LocationDeadline())
		took := time.Since(start).Round(time.Millisecond)
		if err != nil {
			log.Printf("fix check: %s failed after %v: %v", m.name, took, err)
			continue
		}
		fmt.Printf("== %s (%v)\n", m.name, took)
		if err := enc.Encode(fix); err != nil {
			return err
		}
	}
	return nil
}

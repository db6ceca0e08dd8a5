// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/presence_keeper/internal/config"
	"github.com/relabs-tech/presence_keeper/internal/location"
	"github.com/relabs-tech/presence_keeper/internal/logs"
)

// connectMQTT connects to the broker and waits for the session to be up.
func connectMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	log.Printf("connected to MQTT broker at %s as %s", broker, clientID)
	return client, nil
}

// needsMQTT reports whether the agent talks to the broker at all.
func needsMQTT(cfg *config.Config) bool {
	return cfg.LocationSource == config.SourceMQTT || cfg.NotifyMQTT
}

// newProvider builds the location source named by LOCATION_SOURCE. client
// is only used for the mqtt source.
func newProvider(cfg *config.Config, client mqtt.Client, sink logs.Sink) (location.Provider, error) {
	switch cfg.LocationSource {
	case config.SourceSerial:
		return location.NewSerialProvider(cfg.GPSSerialPort, cfg.GPSBaudRate, sink), nil
	case config.SourceMQTT:
		if client == nil {
			return nil, fmt.Errorf("location source %q needs an MQTT connection", cfg.LocationSource)
		}
		return location.NewMQTTProvider(client, cfg.TopicGPS, sink), nil
	case config.SourceMock:
		return location.NewMockProvider(cfg.MockLatitude, cfg.MockLongitude, time.Second), nil
	default:
		return nil, fmt.Errorf("unknown location source %q", cfg.LocationSource)
	}
}

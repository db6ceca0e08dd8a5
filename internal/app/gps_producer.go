package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/presence_keeper/internal/config"
	"github.com/relabs-tech/presence_keeper/internal/gps"
	"github.com/relabs-tech/presence_keeper/internal/location"
	"github.com/relabs-tech/presence_keeper/internal/logs"
)

// RunGPSProducer reads the local receiver and publishes every fix as
// LocationFix JSON, retained, on TOPIC_GPS. Agents with LOCATION_SOURCE=mqtt
// consume it.
func RunGPSProducer() error {
	cfg := config.Get()
	if cfg == nil {
		return errors.New("configuration not initialized")
	}
	if cfg.LocationSource == config.SourceMQTT {
		return errors.New("gps producer cannot read from LOCATION_SOURCE=mqtt")
	}

	// ---- 1) Connect to MQTT broker ----
	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDGPS)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	// ---- 2) Open the location source ----
	recent := logs.NewRecentLogs(cfg.LogBufferSize)
	recent.SetDebug(cfg.LogDebug)
	provider, err := newProvider(cfg, nil, recent.Component("gps"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	readings, err := provider.Watch(ctx)
	if err != nil {
		return err
	}
	log.Printf("GPS producer publishing %s fixes to %s", cfg.LocationSource, cfg.TopicGPS)

	// ---- 3) Publish each fix ----
	for r := range readings {
		if r.Err != nil {
			log.Printf("GPS read error: %v", r.Err)
			if errors.Is(r.Err, location.ErrPermissionDenied) {
				stop()
			}
			continue
		}
		if err := publishFix(client, cfg.TopicGPS, r.Fix); err != nil {
			log.Printf("GPS publish error: %v", err)
			continue
		}
		log.Printf("published GPS fix: %s", r.Fix)
	}

	log.Println("GPS producer: shutting down")
	return nil
}

func publishFix(client mqtt.Client, topic string, fix gps.LocationFix) error {
	payload, err := json.Marshal(fix)
	if err != nil {
		return err
	}
	token := client.Publish(topic, 0, true, payload)
	token.Wait()
	return token.Error()
}

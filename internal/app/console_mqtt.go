package app

import (
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
	"github.com/relabs-tech/presence_keeper/internal/notify"
)

// RunConsoleMQTT prints session notifications and relayed fixes as they
// arrive on the broker.
func RunConsoleMQTT() error {
	cfg := config.Get()
	if cfg == nil {
		return errors.New("configuration not initialized")
	}

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDConsole)
	if err != nil {
		return err
	}
	log.Printf("console: connected to MQTT broker at %s", cfg.MQTTBroker)

	// Subscribe to notifications
	noteToken := client.Subscribe(cfg.TopicNotify, 1, func(_ mqtt.Client, msg mqtt.Message) {
		m, err := notify.Decode(msg.Payload())
		if err != nil {
			log.Printf("console: notification decode error: %v", err)
			return
		}
		fmt.Println(formatNotification(m))
	})
	noteToken.Wait()
	if noteToken.Error() != nil {
		return noteToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicNotify)

	// Subscribe to GPS
	gpsToken := client.Subscribe(cfg.TopicGPS, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var f gps.LocationFix
		if err := json.Unmarshal(msg.Payload(), &f); err != nil {
			log.Printf("console: gps unmarshal error: %v", err)
			return
		}
		fmt.Println(formatFix(f, time.Now()))
	})
	gpsToken.Wait()
	if gpsToken.Error() != nil {
		return gpsToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicGPS)

	// Wait for Ctrl+C
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("console: shutting down")
	client.Disconnect(250)
	return nil
}

func formatNotification(m notify.Message) string {
	at := time.UnixMilli(m.At).Format("15:04:05")
	line := fmt.Sprintf("[NOTE] %s %s: %s", at, m.Title(), m.Reason)
	if m.Source != "" {
		line += " (" + m.Source + ")"
	}
	if m.DeviceID != "" {
		line += " device=" + m.DeviceID
	}
	return line
}

func formatFix(f gps.LocationFix, now time.Time) string {
	return fmt.Sprintf("[GPS ]  lat=%.6f lon=%.6f acc=%.1fm age=%s",
		f.Latitude, f.Longitude, f.Accuracy, f.Age(now).Round(time.Second))
}

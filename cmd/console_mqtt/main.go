package main

import (
	"log"

	"github.com/relabs-tech/presence_keeper/internal/app"
	"github.com/relabs-tech/presence_keeper/internal/config"
)

func main() {
	log.Println("starting presence-keeper console (MQTT subscriber)")

	// Load configuration
	if err := config.InitGlobal("presence_config.txt"); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := app.RunConsoleMQTT(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

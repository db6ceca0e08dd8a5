// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"log"

	"github.com/relabs-tech/presence_keeper/internal/app"
	"github.com/relabs-tech/presence_keeper/internal/config"
)

func main() {
	log.Println("starting presence-keeper agent")

	// Load configuration (file, then environment)
	if err := config.InitGlobal("presence_config.txt"); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := app.RunAgent(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package wakelock keeps the device awake while a session is running.
// On a Pi the lock is a GPIO line held high, wired to the power
// controller's keep-alive input.
package wakelock

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Holder is acquired when heartbeats start and released when they stop.
// Both calls are idempotent.
type Holder interface {
	Acquire() error
	Release() error
	Held() bool
}

// Noop tracks the state without touching hardware.
type Noop struct {
	mu   sync.Mutex
	held bool
}

func (n *Noop) Acquire() error {
	n.mu.Lock()
	n.held = true
	n.mu.Unlock()
	return nil
}

func (n *Noop) Release() error {
	n.mu.Lock()
	n.held = false
	n.mu.Unlock()
	return nil
}

func (n *Noop) Held() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.held
}

// GPIOHolder drives a named GPIO pin high while held.
type GPIOHolder struct {
	pin gpio.PinOut

	mu   sync.Mutex
	held bool
}

// OpenGPIO initializes periph and looks up the pin, e.g. "GPIO17".
func OpenGPIO(name string) (*GPIOHolder, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph: %w", err)
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("wakelock: GPIO pin %q not found", name)
	}
	h := NewGPIOHolder(pin)
	if err := pin.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("wakelock: init %s: %w", name, err)
	}
	return h, nil
}

// NewGPIOHolder wraps an already initialized pin.
func NewGPIOHolder(pin gpio.PinOut) *GPIOHolder {
	return &GPIOHolder{pin: pin}
}

func (g *GPIOHolder) Acquire() error {
	return g.set(true)
}

func (g *GPIOHolder) Release() error {
	return g.set(false)
}

func (g *GPIOHolder) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

func (g *GPIOHolder) set(held bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held == held {
		return nil
	}
	level := gpio.Low
	if held {
		level = gpio.High
	}
	if err := g.pin.Out(level); err != nil {
		return fmt.Errorf("wakelock: %s: %w", g.pin.Name(), err)
	}
	g.held = held
	return nil
}

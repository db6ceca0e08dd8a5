// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package logs provides the structured log sink used by the presence core.
// Entries are mirrored to the standard logger and kept in a bounded buffer
// so the status server can show what happened recently.
package logs

import (
	"log"
	"sync"
	"time"
)

// Level is the severity of a log entry.
type Level string

const (
	LevelError Level = "ERROR"
	LevelWarn  Level = "WARN"
	LevelInfo  Level = "INFO"
	LevelDebug Level = "DEBUG"
)

// Sink is what the core logs through. It is for observability only.
type Sink interface {
	Info(message string, context map[string]interface{})
	Warn(message string, context map[string]interface{})
	Error(message string, context map[string]interface{})
	Debug(message string, context map[string]interface{})
}

// Entry is a single log entry.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     Level                  `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// Stats summarises the buffered entries per level.
type Stats struct {
	Total    int `json:"total_count"`
	Errors   int `json:"errors_count"`
	Warnings int `json:"warnings_count"`
	Info     int `json:"info_count"`
	Debug    int `json:"debug_count"`
	Max      int `json:"max_entries"`
}

// RecentLogs keeps the last N entries and writes every entry to log.Printf.
type RecentLogs struct {
	mu         sync.Mutex
	entries    []Entry
	maxEntries int
	debug      bool
	out        func(format string, v ...interface{})
}

// NewRecentLogs creates a buffer holding at most maxEntries entries.
func NewRecentLogs(maxEntries int) *RecentLogs {
	if maxEntries <= 0 {
		maxEntries = 200
	}
	return &RecentLogs{
		entries:    make([]Entry, 0, maxEntries),
		maxEntries: maxEntries,
		debug:      true,
		out:        log.Printf,
	}
}

// SetDebug toggles mirroring of DEBUG entries to the standard logger.
// Debug entries are always buffered.
func (r *RecentLogs) SetDebug(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.debug = enabled
}

// Component returns a Sink that tags every entry with the component name.
func (r *RecentLogs) Component(name string) Sink {
	return componentSink{logs: r, name: name}
}

func (r *RecentLogs) add(level Level, component, message string, context map[string]interface{}) {
	r.mu.Lock()
	entry := Entry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Component: component,
		Message:   message,
		Context:   context,
	}
	r.entries = append(r.entries, entry)
	if len(r.entries) > r.maxEntries {
		r.entries = r.entries[len(r.entries)-r.maxEntries:]
	}
	mirror := level != LevelDebug || r.debug
	out := r.out
	r.mu.Unlock()

	if !mirror {
		return
	}
	prefix := ""
	if component != "" {
		prefix = component + ": "
	}
	if len(context) == 0 {
		out("[%s] %s%s", level, prefix, message)
		return
	}
	out("[%s] %s%s %v", level, prefix, message, context)
}

func (r *RecentLogs) Info(message string, context map[string]interface{}) {
	r.add(LevelInfo, "", message, context)
}

func (r *RecentLogs) Warn(message string, context map[string]interface{}) {
	r.add(LevelWarn, "", message, context)
}

func (r *RecentLogs) Error(message string, context map[string]interface{}) {
	r.add(LevelError, "", message, context)
}

func (r *RecentLogs) Debug(message string, context map[string]interface{}) {
	r.add(LevelDebug, "", message, context)
}

// Entries returns a copy of the buffered entries, oldest first.
func (r *RecentLogs) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Stats counts the buffered entries per level.
func (r *RecentLogs) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{Total: len(r.entries), Max: r.maxEntries}
	for _, e := range r.entries {
		switch e.Level {
		case LevelError:
			s.Errors++
		case LevelWarn:
			s.Warnings++
		case LevelInfo:
			s.Info++
		case LevelDebug:
			s.Debug++
		}
	}
	return s
}

type componentSink struct {
	logs *RecentLogs
	name string
}

func (c componentSink) Info(message string, context map[string]interface{}) {
	c.logs.add(LevelInfo, c.name, message, context)
}

func (c componentSink) Warn(message string, context map[string]interface{}) {
	c.logs.add(LevelWarn, c.name, message, context)
}

func (c componentSink) Error(message string, context map[string]interface{}) {
	c.logs.add(LevelError, c.name, message, context)
}

func (c componentSink) Debug(message string, context map[string]interface{}) {
	c.logs.add(LevelDebug, c.name, message, context)
}

// Discard drops everything. Useful as a default collaborator.
var Discard Sink = discard{}

type discard struct{}

func (discard) Info(string, map[string]interface{})  {}
func (discard) Warn(string, map[string]interface{})  {}
func (discard) Error(string, map[string]interface{}) {}
func (discard) Debug(string, map[string]interface{}) {}

// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/relabs-tech/presence_keeper/internal/logs"
)

// SharedClock shares the session start time between agent instances on the
// same machine. It is the only state those instances share.
type SharedClock interface {
	Publish(s Stamp) error
	Subscribe(fn func(s Stamp)) (cancel func(), err error)
}

// Stamp is one published session start. The session id lets a reader ignore
// starts that belong to a different session.
type Stamp struct {
	SessionID string
	Start     time.Time
}

// =============================================================================
// MEMORY CLOCK
// =============================================================================

// MemoryClock shares the start time between instances in one process.
type MemoryClock struct {
	mu    sync.Mutex
	stamp Stamp
	subs  map[int]func(Stamp)
	next  int
}

func NewMemoryClock() *MemoryClock {
	return &MemoryClock{subs: make(map[int]func(Stamp))}
}

func (c *MemoryClock) Publish(s Stamp) error {
	c.mu.Lock()
	c.stamp = s
	fns := make([]func(Stamp), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
	return nil
}

func (c *MemoryClock) Subscribe(fn func(Stamp)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}, nil
}

// Load returns the last published stamp.
func (c *MemoryClock) Load() (Stamp, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stamp, !c.stamp.Start.IsZero()
}

// =============================================================================
// FILE CLOCK
// =============================================================================

// FileClock keeps the start time in a small file and watches it for changes
// written by other processes. The file holds one line: the start in unix
// milliseconds, a space, and the session id.
type FileClock struct {
	path string
	log  logs.Sink
}

func NewFileClock(path string, log logs.Sink) *FileClock {
	if log == nil {
		log = logs.Discard
	}
	return &FileClock{path: filepath.Clean(path), log: log}
}

// Publish replaces the file atomically so watchers never read a partial
// value.
func (c *FileClock) Publish(s Stamp) error {
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("session clock: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-clock-*")
	if err != nil {
		return fmt.Errorf("session clock: %w", err)
	}
	defer os.Remove(tmp.Name())

	line := strconv.FormatInt(s.Start.UnixMilli(), 10) + " " + s.SessionID + "\n"
	if _, err := tmp.WriteString(line); err != nil {
		tmp.Close()
		return fmt.Errorf("session clock: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("session clock: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("session clock: %w", err)
	}
	return nil
}

// Load reads the current stamp. A missing file is not an error.
func (c *FileClock) Load() (Stamp, bool, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return Stamp{}, false, nil
	}
	if err != nil {
		return Stamp{}, false, fmt.Errorf("session clock: %w", err)
	}

	raw, sessionID, _ := strings.Cut(strings.TrimSpace(string(data)), " ")
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Stamp{}, false, fmt.Errorf("session clock: invalid content in %s: %w", c.path, err)
	}
	return Stamp{SessionID: strings.TrimSpace(sessionID), Start: time.UnixMilli(ms)}, true, nil
}

// Subscribe watches the directory of the clock file, since Publish replaces
// the file instead of writing into it.
func (c *FileClock) Subscribe(fn func(Stamp)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("session clock: %w", err)
	}
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("session clock: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("session clock: watch %s: %w", dir, err)
	}

	last, _, _ := c.Load()
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != c.path {
					continue
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				stamp, found, err := c.Load()
				if err != nil {
					c.log.Warn("session clock unreadable", map[string]interface{}{
						"path":  c.path,
						"error": err.Error(),
					})
					continue
				}
				if !found || (stamp.SessionID == last.SessionID && stamp.Start.Equal(last.Start)) {
					continue
				}
				last = stamp
				fn(stamp)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.log.Warn("session clock watcher error", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { watcher.Close() })
	}, nil
}

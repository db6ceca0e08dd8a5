// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package identity gives the device a stable id across restarts.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// FileIdentity stores a generated device id in a file. The first call to
// DeviceID creates it; later calls and later processes read it back.
type FileIdentity struct {
	path string

	mu sync.Mutex
	id string
}

func NewFileIdentity(path string) *FileIdentity {
	return &FileIdentity{path: path}
}

// DeviceID returns the persisted id, generating it if needed.
func (f *FileIdentity) DeviceID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.id != "" {
		return f.id, nil
	}

	data, err := os.ReadFile(f.path)
	switch {
	case err == nil:
		id := strings.TrimSpace(string(data))
		if _, perr := uuid.Parse(id); perr != nil {
			return "", fmt.Errorf("identity: %s does not hold a device id: %w", f.path, perr)
		}
		f.id = id
		return id, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("identity: %w", err)
	}

	id := uuid.NewString()
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("identity: %w", err)
		}
	}
	if err := os.WriteFile(f.path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("identity: %w", err)
	}
	f.id = id
	return id, nil
}

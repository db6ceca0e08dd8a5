// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package history keeps a local journal of sessions and heartbeats in
// SQLite, so the status page can show what happened across restarts.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	ended_at   INTEGER,
	reason     TEXT,
	source     TEXT
);
CREATE TABLE IF NOT EXISTS heartbeats (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	at          INTEGER NOT NULL,
	session_id  TEXT,
	status      INTEGER NOT NULL,
	success     INTEGER NOT NULL,
	offline     INTEGER NOT NULL,
	latency_ms  INTEGER NOT NULL,
	message     TEXT
);
CREATE INDEX IF NOT EXISTS heartbeats_at ON heartbeats(at);
`

// Session is one row of the session journal.
type Session struct {
	ID        string     `json:"session_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Source    string     `json:"source,omitempty"`
}

// Heartbeat is one transmitted pulse and its outcome.
type Heartbeat struct {
	At        time.Time `json:"at"`
	SessionID string    `json:"session_id,omitempty"`
	Status    int       `json:"status"`
	Success   bool      `json:"success"`
	Offline   bool      `json:"offline"`
	LatencyMs int64     `json:"latency_ms"`
	Message   string    `json:"message,omitempty"`
}

// Journal is the SQLite-backed history.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal at path. ":memory:" keeps it in memory.
func Open(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	// one writer; also keeps a :memory: database on a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// SessionStarted records a session. A restored session keeps its row.
func (j *Journal) SessionStarted(ctx context.Context, sessionID string, startedAt time.Time) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, started_at) VALUES (?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET started_at = excluded.started_at, ended_at = NULL, reason = NULL, source = NULL`,
		sessionID, startedAt.UnixMilli())
	return wrap(err)
}

// SessionEnded closes the session row.
func (j *Journal) SessionEnded(ctx context.Context, sessionID, reason, source string, at time.Time) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, reason = ?, source = ? WHERE session_id = ?`,
		at.UnixMilli(), reason, source, sessionID)
	return wrap(err)
}

// RecordHeartbeat appends one heartbeat outcome.
func (j *Journal) RecordHeartbeat(ctx context.Context, hb Heartbeat) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO heartbeats (at, session_id, status, success, offline, latency_ms, message)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		hb.At.UnixMilli(), hb.SessionID, hb.Status, hb.Success, hb.Offline, hb.LatencyMs, hb.Message)
	return wrap(err)
}

// Sessions returns the most recent sessions, newest first.
func (j *Journal) Sessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT session_id, started_at, ended_at, reason, source
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	out := []Session{}
	for rows.Next() {
		var (
			s       Session
			started int64
			ended   sql.NullInt64
			reason  sql.NullString
			source  sql.NullString
		)
		if err := rows.Scan(&s.ID, &started, &ended, &reason, &source); err != nil {
			return nil, wrap(err)
		}
		s.StartedAt = time.UnixMilli(started)
		if ended.Valid {
			t := time.UnixMilli(ended.Int64)
			s.EndedAt = &t
		}
		s.Reason = reason.String
		s.Source = source.String
		out = append(out, s)
	}
	return out, wrap(rows.Err())
}

// Heartbeats returns the most recent heartbeats, newest first.
func (j *Journal) Heartbeats(ctx context.Context, limit int) ([]Heartbeat, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT at, session_id, status, success, offline, latency_ms, message
		 FROM heartbeats ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	out := []Heartbeat{}
	for rows.Next() {
		var (
			hb      Heartbeat
			at      int64
			session sql.NullString
			message sql.NullString
		)
		if err := rows.Scan(&at, &session, &hb.Status, &hb.Success, &hb.Offline, &hb.LatencyMs, &message); err != nil {
			return nil, wrap(err)
		}
		hb.At = time.UnixMilli(at)
		hb.SessionID = session.String
		hb.Message = message.String
		out = append(out, hb)
	}
	return out, wrap(rows.Err())
}

// Prune deletes heartbeats older than before and returns how many went.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM heartbeats WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, wrap(err)
	}
	return res.RowsAffected()
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("history: %w", err)
}

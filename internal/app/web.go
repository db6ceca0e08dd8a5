package app

import (
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/relabs-tech/presence_keeper/internal/session"
)

// Handler serves the local status API:
//
//	GET  /api/status     agent status as JSON
//	GET  /api/logs       recent log entries
//	GET  /api/events     websocket stream of session and heartbeat events
//	GET  /api/badge.png  status badge
//	GET  /api/enroll.png QR code for registering the device
//	GET  /api/history    journaled sessions and heartbeats
//	POST /api/logout     end the session
//	POST /api/heartbeat  ask for an out-of-band heartbeat
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, a.Status())
	})

	mux.HandleFunc("/api/logs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"entries": a.recent.Entries(),
			"stats":   a.recent.Stats(),
		})
	})

	mux.HandleFunc("/api/events", a.hub.ServeWS)

	mux.HandleFunc("/api/badge.png", func(w http.ResponseWriter, r *http.Request) {
		img := renderBadge(a.badge(), time.Now())
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		if err := png.Encode(w, img); err != nil {
			log.Printf("badge encode error: %v", err)
		}
	})

	mux.HandleFunc("/api/enroll.png", func(w http.ResponseWriter, r *http.Request) {
		img, err := renderEnrollQR(enrollment{
			DeviceID:  a.deviceID,
			ServerURL: a.cfg.ServerURL,
			Username:  a.cfg.Username,
		}, enrollQRPixels)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		if err := png.Encode(w, img); err != nil {
			log.Printf("enroll encode error: %v", err)
		}
	})

	mux.HandleFunc("/api/history", func(w http.ResponseWriter, r *http.Request) {
		if a.journal == nil {
			http.Error(w, "history disabled", http.StatusNotFound)
			return
		}
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > 1000 {
				http.Error(w, "limit must be 1-1000", http.StatusBadRequest)
				return
			}
			limit = n
		}
		sessions, err := a.journal.Sessions(r.Context(), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		heartbeats, err := a.journal.Heartbeats(r.Context(), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{
			"sessions":   sessions,
			"heartbeats": heartbeats,
		})
	})

	mux.HandleFunc("/api/logout", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), a.cfg.RequestTimeout())
		defer cancel()
		err := a.Logout(ctx, "logged out from status page")
		if errors.Is(err, session.ErrNoSession) {
			http.Error(w, "no active session", http.StatusConflict)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/api/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !a.scheduler.Running() {
			http.Error(w, "heartbeat not running", http.StatusConflict)
			return
		}
		a.scheduler.Trigger("status-page")
		w.WriteHeader(http.StatusAccepted)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("json encode error: %v", err)
	}
}

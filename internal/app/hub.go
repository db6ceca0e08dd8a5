// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // status page is served from the device itself
	},
}

const (
	hubClientBuffer = 16
	hubWriteTimeout = 5 * time.Second
)

// Event is one message pushed to websocket clients.
type Event struct {
	Type string      `json:"type"` // "session_ended", "heartbeat", "notification", "session_started"
	At   int64       `json:"at_ms"`
	Data interface{} `json:"data,omitempty"`
}

// Hub fans events out to every connected websocket client. A client that
// cannot keep up loses events instead of slowing the agent down.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]chan []byte)}
}

// Broadcast sends an event of the given type to all clients.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	payload, err := json.Marshal(Event{Type: eventType, At: time.Now().UnixMilli(), Data: data})
	if err != nil {
		log.Printf("hub: marshal %s: %v", eventType, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// NotifyLogout and NotifyHeartbeatFailure let the hub act as a notifier.
func (h *Hub) NotifyLogout(reason, source string) {
	h.Broadcast("notification", map[string]string{"kind": "logout", "reason": reason, "source": source})
}

func (h *Hub) NotifyHeartbeatFailure(reason string) {
	h.Broadcast("notification", map[string]string{"kind": "heartbeat-failure", "reason": reason})
}

// ServeWS upgrades the request and streams events until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: websocket upgrade error: %v", err)
		return
	}

	ch := make(chan []byte, hubClientBuffer)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for payload := range ch {
			conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("hub: websocket write error: %v", err)
				return
			}
		}
	}()

	// clients only listen; reading is how a close is noticed
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("hub: websocket error: %v", err)
			}
			break
		}
	}

	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	close(ch)
	<-done
	conn.Close()
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/spirock/sml/internal/logging"
)

// AnomalyEvent is one message pushed to /ws/anomalies subscribers, fed by
// the Rule Emitter's per-batch scoring pass.
type AnomalyEvent struct {
	EventHash string  `json:"event_hash"`
	Score     float64 `json:"score"`
	IsAnomaly bool    `json:"is_anomaly"`
}

// Hub fans out AnomalyEvents to every connected websocket client. There is
// no original equivalent to mirror; this exists because gorilla/websocket
// is in the dependency stack and a live feed is the natural consumer for
// a UI watching the Rule Emitter run.
type Hub struct {
	upgrader websocket.Upgrader
	log      *logging.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:     logging.WithComponent("api.ws"),
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// RegisterRoutes attaches the websocket upgrade endpoint.
func (h *Hub) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ws/anomalies", h.handleUpgrade).Methods(http.MethodGet)
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	go h.drainUntilClosed(conn)
}

// drainUntilClosed discards client frames (this feed is push-only) and
// removes the connection from the hub once the client disconnects.
func (h *Hub) drainUntilClosed(conn *websocket.Conn) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// Notify satisfies rules.Notifier, adapting a single scored event into
// an AnomalyEvent broadcast.
func (h *Hub) Notify(eventHash string, score float64, isAnomaly bool) {
	h.Broadcast(AnomalyEvent{EventHash: eventHash, Score: score, IsAnomaly: isAnomaly})
}

// Broadcast pushes ev to every connected client, dropping any connection
// that fails to accept the write.
func (h *Hub) Broadcast(ev AnomalyEvent) {
	blob, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn("failed to marshal anomaly event", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, blob); err != nil {
			_ = conn.Close()
			delete(h.clients, conn)
		}
	}
}

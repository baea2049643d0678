// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api exposes the thin REST surface spec.md §6 names as a
// consumer of the Mode API and a read-only window onto events.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/spirock/sml/internal/ids"
	"github.com/spirock/sml/internal/logging"
	"github.com/spirock/sml/internal/mode"
	"github.com/spirock/sml/internal/store"
)

// ModeController is the Get/Set surface the handlers delegate to.
type ModeController interface {
	Get() (mode.Config, error)
	Set(target mode.Mode, newSession bool) (mode.Config, error)
}

// EventSource is the read-only event query surface.
type EventSource interface {
	Query(opts store.QueryOptions) ([]ids.Event, error)
}

// Handlers wires the REST surface's HTTP handlers to the pipeline.
type Handlers struct {
	modeCtl ModeController
	events  EventSource
	log     *logging.Logger
}

// NewHandlers builds the handler set.
func NewHandlers(modeCtl ModeController, events EventSource) *Handlers {
	return &Handlers{modeCtl: modeCtl, events: events, log: logging.WithComponent("api")}
}

// RegisterRoutes attaches every route to router.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/mode", h.handleGetMode).Methods(http.MethodGet)
	router.HandleFunc("/mode", h.handleSetMode).Methods(http.MethodPost)
	router.HandleFunc("/events", h.handleListEvents).Methods(http.MethodGet)
	router.HandleFunc("/healthz", h.handleHealthz).Methods(http.MethodGet)
}

func (h *Handlers) handleGetMode(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.modeCtl.Get()
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err)
		return
	}
	respondWithJSON(w, http.StatusOK, modeResponse(cfg))
}

type setModeRequest struct {
	Mode      string `json:"mode"`
	NewHash   bool   `json:"new_hash"`
}

func (h *Handlers) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req setModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err)
		return
	}
	target := mode.Mode(req.Mode)
	if !target.Valid() {
		respondWithJSON(w, http.StatusBadRequest, map[string]string{"error": "unrecognized mode: " + req.Mode})
		return
	}
	cfg, err := h.modeCtl.Set(target, req.NewHash)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err)
		return
	}
	respondWithJSON(w, http.StatusOK, modeResponse(cfg))
}

func modeResponse(cfg mode.Config) map[string]any {
	return map[string]any{"mode": string(cfg.Mode), "session_hash": cfg.SessionHash}
}

func (h *Handlers) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	events, err := h.events.Query(store.QueryOptions{Limit: limit})
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err)
		return
	}
	respondWithJSON(w, http.StatusOK, events)
}

func (h *Handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondWithJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, status int, err error) {
	respondWithJSON(w, status, map[string]string{"error": err.Error()})
}

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/classdesk/classchat/internal/broker"
	"github.com/classdesk/classchat/internal/presence"
	"github.com/classdesk/classchat/internal/store"
)

// Handler contains shared dependencies for the operational endpoints.
// The chat routes themselves live in the surrounding application; this
// surface is for probes, scrapes and manual inspection.
type Handler struct {
	ds       store.DataStore
	broker   *broker.Manager
	presence *presence.Tracker
}

// NewHandler creates a Handler.
func NewHandler(ds store.DataStore, mgr *broker.Manager, tracker *presence.Tracker) *Handler {
	return &Handler{ds: ds, broker: mgr, presence: tracker}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// RoomOnline lists users with a live presence lease in a room.
func (h *Handler) RoomOnline(w http.ResponseWriter, r *http.Request) {
	roomKey := chi.URLParam(r, "key")
	if roomKey == "" {
		h.Error(w, http.StatusBadRequest, "room key required")
		return
	}

	users := h.presence.OnlineInRoom(r.Context(), roomKey)
	if users == nil && !h.broker.Available() {
		// Unknown, not empty: don't tell the UI everyone is offline.
		h.Error(w, http.StatusServiceUnavailable, "presence unavailable")
		return
	}
	if users == nil {
		users = []string{}
	}

	h.JSON(w, http.StatusOK, map[string]interface{}{
		"room":   roomKey,
		"online": users,
	})
}

// DeadLetters lists jobs that exhausted their retries, for manual
// inspection.
func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	letters, err := h.ds.ListDeadLetters(r.Context(), limit)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	h.JSON(w, http.StatusOK, map[string]interface{}{
		"count":        len(letters),
		"dead_letters": letters,
	})
}

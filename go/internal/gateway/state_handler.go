package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/go/internal/identity"
	"github.com/pointdeck/pointdeck/go/internal/room"
)

// StateHandler serves read-only room snapshots over plain HTTP, for
// debugging and for clients that cannot hold a WebSocket.
type StateHandler struct {
	registry *room.Registry
	clock    clockwork.Clock
}

// NewStateHandler creates a new state handler.
func NewStateHandler(registry *room.Registry, clock clockwork.Clock) *StateHandler {
	return &StateHandler{
		registry: registry,
		clock:    clock,
	}
}

// HandleGetRoomState handles GET /api/rooms/{code}/state.
func (h *StateHandler) HandleGetRoomState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	code := identity.NormalizeRoomCode(extractRoomCodeFromPath(r.URL.Path))
	if code == "" {
		http.Error(w, "Room code is required", http.StatusBadRequest)
		return
	}

	snapshot, err := h.registry.FindRoom(code)
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			http.NotFound(w, r)
			return
		}
		log.Error().Err(err).Str("room_code", code).Msg("failed to get room state")
		http.Error(w, "Failed to get room state", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(NewRoomState(snapshot, h.clock.Now())); err != nil {
		log.Error().Err(err).Msg("failed to encode room state response")
	}
}

// HandleGetRoomCount handles GET /api/rooms/count.
func (h *StateHandler) HandleGetRoomCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]int{"active_rooms": h.registry.Count()}); err != nil {
		log.Error().Err(err).Msg("failed to encode room count response")
	}
}

// RegisterStateRoutes registers state-related HTTP routes.
func (h *StateHandler) RegisterStateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/rooms/count", h.HandleGetRoomCount)

	mux.HandleFunc("/api/rooms/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/state") {
			h.HandleGetRoomState(w, r)
		} else {
			http.NotFound(w, r)
		}
	})
}

// extractRoomCodeFromPath extracts the code from a path like
// /api/rooms/{code}/state.
func extractRoomCodeFromPath(path string) string {
	const prefix = "/api/rooms/"
	const suffix = "/state"

	if len(path) <= len(prefix)+len(suffix) {
		return ""
	}
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return ""
	}
	return path[len(prefix) : len(path)-len(suffix)]
}

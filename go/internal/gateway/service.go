package gateway

import (
	"context"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/go/internal/room"
	"github.com/pointdeck/pointdeck/go/internal/tracker"
)

// Service ties the connection manager, event handler and HTTP surfaces
// of the room gateway together.
type Service struct {
	connectionManager *ConnectionManager
	handler           *Handler
	wsHandler         *WebSocketHandler
	stateHandler      *StateHandler
}

// Config holds configuration for the room gateway service.
type Config struct {
	ConnectionConfig ConnectionConfig
}

// DefaultConfig returns default configuration for the room gateway.
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
	}
}

// NewService creates a new room gateway service.
func NewService(config Config, registry *room.Registry, tr *tracker.Tracker, clock clockwork.Clock) *Service {
	connectionManager := NewConnectionManager(config.ConnectionConfig)
	handler := NewHandler(registry, tr, connectionManager, clock)
	connectionManager.SetHandler(handler)

	return &Service{
		connectionManager: connectionManager,
		handler:           handler,
		wsHandler:         NewWebSocketHandler(connectionManager),
		stateHandler:      NewStateHandler(registry, clock),
	}
}

// Start runs the broadcast loop until the context is cancelled.
func (s *Service) Start(ctx context.Context) {
	log.Info().Msg("starting room gateway service")
	s.connectionManager.Start(ctx)
	log.Info().Msg("room gateway service stopped")
}

// RegisterRoutes registers the gateway's HTTP routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterStateRoutes(mux)
	log.Info().Msg("room gateway routes registered")
}

// GetStats returns statistics about the gateway service.
func (s *Service) GetStats() map[string]interface{} {
	stats := s.connectionManager.GetConnectionStats()
	stats["service"] = "room_gateway"
	return stats
}

package api

import (
	"github.com/gorilla/websocket"

	"studio-booking-backend/internal/booking"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	svc      *booking.Service
	upgrader websocket.Upgrader
}

// NewHandler creates a new API handler. origins restricts websocket
// upgrades the same way CORS restricts other requests.
func NewHandler(svc *booking.Service, origins []string) *Handler {
	return &Handler{
		svc:      svc,
		upgrader: newUpgrader(origins),
	}
}

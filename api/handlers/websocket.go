package handlers

import (
	"net/http"

	"github.com/hyperfleet/hyperfleet/websocket"
)

// WSHandler upgrades authenticated requests into hub connections.
type WSHandler struct {
	hub *websocket.Hub
}

// Serve upgrades the connection and hands it to the hub.
// @Summary Real-time updates stream
// @Tags websocket
// @Router /ws [get]
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeWS(w, r)
}

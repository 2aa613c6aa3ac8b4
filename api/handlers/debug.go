package handlers

import (
	"net/http"
	"time"

	"github.com/hyperfleet/hyperfleet/scheduler"
	"github.com/hyperfleet/hyperfleet/services"
	"github.com/hyperfleet/hyperfleet/websocket"
)

// DebugHandler surfaces internal state for troubleshooting.
type DebugHandler struct {
	jobs      *services.JobService
	scheduler *scheduler.Scheduler
	hub       *websocket.Hub
	inventory *services.InventoryService
}

// Health reports scheduler, job, hub, and inventory state in one place.
// @Summary System health debug view
// @Tags debug
// @Produce json
// @Success 200 {object} object
// @Router /api/v1/debug/health [get]
func (h *DebugHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.scheduler != nil {
		response["scheduler"] = h.scheduler.Stats()
	}
	if h.jobs != nil {
		response["jobs"] = h.jobs.Stats()
	}
	if h.hub != nil {
		response["websocket_clients"] = h.hub.ClientCount()
	}
	if h.inventory != nil {
		response["inventory"] = map[string]interface{}{
			"ready":        h.inventory.Ready(),
			"last_refresh": h.inventory.LastRefresh(),
		}
	}
	writeJSON(w, http.StatusOK, response)
}

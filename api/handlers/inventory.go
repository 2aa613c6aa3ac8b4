package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hyperfleet/hyperfleet/services"
)

// InventoryHandler serves fleet inventory reads.
type InventoryHandler struct {
	inventory *services.InventoryService
}

// Snapshot returns the full point-in-time inventory.
// @Summary Full inventory snapshot
// @Tags inventory
// @Produce json
// @Success 200 {object} object
// @Router /api/v1/inventory [get]
func (h *InventoryHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.inventory.Snapshot())
}

// ListHosts returns every host record.
// @Summary List hosts
// @Tags inventory
// @Produce json
// @Success 200 {object} object
// @Router /api/v1/hosts [get]
func (h *InventoryHandler) ListHosts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hosts": h.inventory.Hosts(),
	})
}

// ListHostVMs returns the VM set of one host.
// @Summary List VMs on a host
// @Tags inventory
// @Produce json
// @Param hostname path string true "Host name"
// @Success 200 {object} object
// @Failure 404 {object} object
// @Router /api/v1/hosts/{hostname}/vms [get]
func (h *InventoryHandler) ListHostVMs(w http.ResponseWriter, r *http.Request) {
	hostname := mux.Vars(r)["hostname"]
	vms, ok := h.inventory.HostVMs(hostname)
	if !ok {
		writeError(w, http.StatusNotFound, "host not found", hostname)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hostname": hostname,
		"vms":      vms,
	})
}

// ListClusters returns the derived cluster view.
// @Summary List clusters
// @Tags inventory
// @Produce json
// @Success 200 {object} object
// @Router /api/v1/clusters [get]
func (h *InventoryHandler) ListClusters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"clusters": h.inventory.Clusters(),
	})
}

package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hyperfleet/hyperfleet/models"
	"github.com/hyperfleet/hyperfleet/services"
)

// VMHandler serves VM inventory reads and VM lifecycle job submission.
type VMHandler struct {
	jobs      *services.JobService
	inventory *services.InventoryService
}

// List returns every VM in the fleet.
// @Summary List VMs
// @Tags vms
// @Produce json
// @Success 200 {object} object
// @Router /api/v1/vms [get]
func (h *VMHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"vms": h.inventory.VMs(),
	})
}

// Get returns one VM by its (hostname, name) key.
// @Summary Get VM
// @Tags vms
// @Produce json
// @Param hostname path string true "Host name"
// @Param name path string true "VM name"
// @Success 200 {object} object
// @Failure 404 {object} object
// @Router /api/v1/vms/{hostname}/{name} [get]
func (h *VMHandler) Get(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	vm, ok := h.inventory.GetVM(vars["hostname"], vars["name"])
	if !ok {
		writeError(w, http.StatusNotFound, "VM not found", vars["hostname"]+"/"+vars["name"])
		return
	}
	writeJSON(w, http.StatusOK, vm)
}

// GetByID returns one VM by its agent-assigned ID.
// @Summary Get VM by ID
// @Tags vms
// @Produce json
// @Param id path string true "VM ID"
// @Success 200 {object} object
// @Failure 404 {object} object
// @Router /api/v1/vms/by-id/{id} [get]
func (h *VMHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	vm, ok := h.inventory.GetVMByID(id)
	if !ok {
		writeError(w, http.StatusNotFound, "VM not found", id)
		return
	}
	writeJSON(w, http.StatusOK, vm)
}

// Create submits a VM creation job.
// @Summary Create VM
// @Tags vms
// @Accept json
// @Produce json
// @Success 202 {object} object
// @Failure 400 {object} object
// @Router /api/v1/vms/create [post]
func (h *VMHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body models.CreateVMRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	req, err := models.NewCreateVMRequest(body)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	job := h.jobs.SubmitProvisionVM(req)
	writeJSON(w, http.StatusAccepted, job)
}

// Delete submits a VM deletion job.
// @Summary Delete VM
// @Tags vms
// @Accept json
// @Produce json
// @Success 202 {object} object
// @Failure 400 {object} object
// @Router /api/v1/vms/delete [post]
func (h *VMHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var body models.DeleteVMRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	req, err := models.NewDeleteVMRequest(body)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	job := h.jobs.SubmitDeleteVM(req)
	writeJSON(w, http.StatusAccepted, job)
}

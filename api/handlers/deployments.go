package handlers

import (
	"net/http"

	"github.com/hyperfleet/hyperfleet/models"
	"github.com/hyperfleet/hyperfleet/services"
)

// DeploymentHandler serves managed deployment submission.
type DeploymentHandler struct {
	jobs *services.JobService
}

// Create submits a managed deployment: VM creation plus optional disk, NIC,
// and guest initialization steps.
// @Summary Submit managed deployment
// @Tags deployments
// @Accept json
// @Produce json
// @Success 202 {object} object
// @Failure 400 {object} object
// @Router /api/v1/deployments [post]
func (h *DeploymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body models.ManagedDeploymentRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	req, err := models.NewManagedDeploymentRequest(body)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	job := h.jobs.SubmitManagedDeployment(req)
	writeJSON(w, http.StatusAccepted, job)
}

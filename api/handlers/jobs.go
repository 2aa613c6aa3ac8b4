package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hyperfleet/hyperfleet/models"
	"github.com/hyperfleet/hyperfleet/services"
)

// JobHandler serves job reads and the noop-test round-trip.
type JobHandler struct {
	jobs *services.JobService
}

// List returns all jobs with redacted parameters, newest first.
// @Summary List jobs
// @Tags jobs
// @Produce json
// @Success 200 {object} object
// @Router /api/v1/jobs [get]
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": h.jobs.List(),
	})
}

// Get returns one job with redacted parameters.
// @Summary Get job by ID
// @Tags jobs
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} object
// @Failure 404 {object} object
// @Router /api/v1/jobs/{id} [get]
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, ok := h.jobs.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found", id)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// NoopTest submits a noop-test round-trip against a host's agent.
// @Summary Submit noop-test job
// @Tags jobs
// @Accept json
// @Produce json
// @Success 202 {object} object
// @Failure 400 {object} object
// @Router /api/v1/noop-test [post]
func (h *JobHandler) NoopTest(w http.ResponseWriter, r *http.Request) {
	var body models.NoopTestRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	req, err := models.NewNoopTestRequest(body)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	job := h.jobs.SubmitNoopTest(req)
	writeJSON(w, http.StatusAccepted, job)
}

// writeValidationError maps a model validation failure to a 400 carrying the
// offending field.
func writeValidationError(w http.ResponseWriter, err error) {
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   "validation failed",
			"field":   ve.Field,
			"details": ve.Reason,
		})
		return
	}
	writeError(w, http.StatusBadRequest, "validation failed", err.Error())
}

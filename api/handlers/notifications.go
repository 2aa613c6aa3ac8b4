package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/hyperfleet/hyperfleet/services"
)

// NotificationHandler serves notification reads and read-state changes.
type NotificationHandler struct {
	notifications *services.NotificationService
}

// List returns notifications, newest first. ?unread=true filters to unread;
// ?limit=N bounds the result.
// @Summary List notifications
// @Tags notifications
// @Produce json
// @Success 200 {object} object
// @Router /api/v1/notifications [get]
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	var result interface{}
	if r.URL.Query().Get("unread") == "true" {
		result = h.notifications.ListUnread(limit)
	} else {
		result = h.notifications.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": result,
		"unread_count":  h.notifications.UnreadCount(),
	})
}

// MarkRead flags one notification as read.
// @Summary Mark notification read
// @Tags notifications
// @Produce json
// @Param id path string true "Notification ID"
// @Success 200 {object} object
// @Failure 404 {object} object
// @Router /api/v1/notifications/{id}/read [post]
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.notifications.MarkRead(id) {
		writeError(w, http.StatusNotFound, "notification not found", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":           id,
		"read":         true,
		"unread_count": h.notifications.UnreadCount(),
	})
}

// MarkAllRead flags every notification read.
// @Summary Mark all notifications read
// @Tags notifications
// @Produce json
// @Success 200 {object} object
// @Router /api/v1/notifications/read-all [post]
func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	h.notifications.MarkAllRead()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"all_read":     true,
		"unread_count": 0,
	})
}

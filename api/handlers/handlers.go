// Package handlers implements the HTTP handlers behind the API route table.
// Handlers translate between the wire and the services; all policy lives in
// the services themselves.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hyperfleet/hyperfleet/auth"
	"github.com/hyperfleet/hyperfleet/scheduler"
	"github.com/hyperfleet/hyperfleet/services"
	"github.com/hyperfleet/hyperfleet/websocket"
)

// Handlers bundles every handler group for route registration.
type Handlers struct {
	Jobs          *JobHandler
	VMs           *VMHandler
	Deployments   *DeploymentHandler
	Inventory     *InventoryHandler
	Notifications *NotificationHandler
	Auth          *AuthHandler
	Debug         *DebugHandler
	WS            *WSHandler
}

// Deps carries the service handles the handlers operate on.
type Deps struct {
	Jobs          *services.JobService
	Inventory     *services.InventoryService
	Notifications *services.NotificationService
	Scheduler     *scheduler.Scheduler
	Hub           *websocket.Hub
	Auth          AuthDeps
}

// NewHandlers wires the full handler set.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		Jobs:          &JobHandler{jobs: deps.Jobs},
		VMs:           &VMHandler{jobs: deps.Jobs, inventory: deps.Inventory},
		Deployments:   &DeploymentHandler{jobs: deps.Jobs},
		Inventory:     &InventoryHandler{inventory: deps.Inventory},
		Notifications: &NotificationHandler{notifications: deps.Notifications},
		Auth:          NewAuthHandler(deps.Auth),
		Debug:         &DebugHandler{jobs: deps.Jobs, scheduler: deps.Scheduler, hub: deps.Hub, inventory: deps.Inventory},
		WS:            &WSHandler{hub: deps.Hub},
	}
}

type identityContextKey struct{}

// WithIdentity attaches the authenticated identity to the request context.
func WithIdentity(ctx context.Context, identity *auth.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFrom returns the authenticated identity, if any.
func IdentityFrom(ctx context.Context) (*auth.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*auth.Identity)
	return identity, ok
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Error("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, statusCode int, message, details string) {
	writeJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"details":   details,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func decodeBody(r *http.Request, into interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(into)
}

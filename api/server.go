// Package api provides the control-plane HTTP server: route table with
// per-route permission enforcement, CORS/logging middleware, and the
// liveness/readiness endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/hyperfleet/hyperfleet/api/handlers"
	"github.com/hyperfleet/hyperfleet/auth"
)

// Authenticator resolves the caller identity from a request: bearer token
// first, session cookie as fallback. The writer is available so an expired
// session cookie can be cleared in the same response.
type Authenticator interface {
	Authenticate(w http.ResponseWriter, r *http.Request) (*auth.Identity, error)
}

// Config contains server configuration.
type Config struct {
	ListenAddr     string
	Version        string
	Build          string
	AuthEnabled    bool
	AllowedOrigins []string
	Debug          bool
	// ConfigErrors carries startup validation findings; a non-empty list
	// keeps readyz at config_error.
	ConfigErrors []string
	// Ready reports whether the first inventory refresh completed.
	Ready func() bool
}

// Server is the control-plane API server.
type Server struct {
	cfg           Config
	router        *mux.Router
	handlers      *handlers.Handlers
	authenticator Authenticator
	limiter       *rateLimiter
}

// NewServer wires the router. The handler set and authenticator are built by
// the caller so tests can substitute fakes.
func NewServer(cfg Config, h *handlers.Handlers, authenticator Authenticator) (*Server, error) {
	if h == nil {
		return nil, fmt.Errorf("handlers are required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	s := &Server{
		cfg:           cfg,
		router:        mux.NewRouter(),
		handlers:      h,
		authenticator: authenticator,
		limiter:       newRateLimiter(20, time.Minute),
	}
	s.setupRoutes()
	return s, nil
}

// Router exposes the configured handler for tests and embedding. CORS wraps
// the router from the outside so preflight requests are answered even when no
// route matches the OPTIONS method.
func (s *Server) Router() http.Handler { return s.corsMiddleware(s.router) }

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	// Swagger documentation endpoints
	s.router.PathPrefix("/swagger/").Handler(httpSwagger.WrapHandler)

	// Liveness and readiness
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.router.HandleFunc("/readyz", s.handleReadyz).Methods("GET")

	// OIDC browser flow + session query
	authRoutes := s.router.PathPrefix("/auth").Subrouter()
	authRoutes.HandleFunc("/login", s.limitAuth(s.handlers.Auth.Login)).Methods("GET")
	authRoutes.HandleFunc("/callback", s.limitAuth(s.handlers.Auth.Callback)).Methods("GET")
	authRoutes.HandleFunc("/token", s.requirePermission(auth.PermissionReader, s.handlers.Auth.Token)).Methods("GET")
	authRoutes.HandleFunc("/logout", s.handlers.Auth.Logout).Methods("POST")

	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Inventory reads
	api.HandleFunc("/inventory", s.requirePermission(auth.PermissionReader, s.handlers.Inventory.Snapshot)).Methods("GET")
	api.HandleFunc("/hosts", s.requirePermission(auth.PermissionReader, s.handlers.Inventory.ListHosts)).Methods("GET")
	api.HandleFunc("/hosts/{hostname}/vms", s.requirePermission(auth.PermissionReader, s.handlers.Inventory.ListHostVMs)).Methods("GET")
	api.HandleFunc("/clusters", s.requirePermission(auth.PermissionReader, s.handlers.Inventory.ListClusters)).Methods("GET")
	api.HandleFunc("/vms", s.requirePermission(auth.PermissionReader, s.handlers.VMs.List)).Methods("GET")
	api.HandleFunc("/vms/by-id/{id}", s.requirePermission(auth.PermissionReader, s.handlers.VMs.GetByID)).Methods("GET")
	api.HandleFunc("/vms/{hostname}/{name}", s.requirePermission(auth.PermissionReader, s.handlers.VMs.Get)).Methods("GET")

	// Job submission
	api.HandleFunc("/vms/create", s.requirePermission(auth.PermissionWriter, s.handlers.VMs.Create)).Methods("POST")
	api.HandleFunc("/vms/delete", s.requirePermission(auth.PermissionWriter, s.handlers.VMs.Delete)).Methods("POST")
	api.HandleFunc("/deployments", s.requirePermission(auth.PermissionWriter, s.handlers.Deployments.Create)).Methods("POST")
	api.HandleFunc("/noop-test", s.requirePermission(auth.PermissionWriter, s.handlers.Jobs.NoopTest)).Methods("POST")

	// Job reads (redacted)
	api.HandleFunc("/jobs", s.requirePermission(auth.PermissionReader, s.handlers.Jobs.List)).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.requirePermission(auth.PermissionReader, s.handlers.Jobs.Get)).Methods("GET")

	// Notifications
	api.HandleFunc("/notifications", s.requirePermission(auth.PermissionReader, s.handlers.Notifications.List)).Methods("GET")
	api.HandleFunc("/notifications/{id}/read", s.requirePermission(auth.PermissionReader, s.handlers.Notifications.MarkRead)).Methods("POST")
	api.HandleFunc("/notifications/read-all", s.requirePermission(auth.PermissionReader, s.handlers.Notifications.MarkAllRead)).Methods("POST")

	// Debug and troubleshooting
	api.HandleFunc("/debug/health", s.requirePermission(auth.PermissionReader, s.handlers.Debug.Health)).Methods("GET")

	// Real-time updates
	s.router.HandleFunc("/ws", s.requirePermission(auth.PermissionReader, s.handlers.WS.Serve)).Methods("GET")

	log.Info("API routes configured")
}

// requirePermission enforces the route's permission level before the handler
// runs. The resolved identity rides the request context.
func (s *Server) requirePermission(perm auth.Permission, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.ConfigErrors) > 0 {
			writeError(w, http.StatusServiceUnavailable, "configuration invalid", "see /readyz for details")
			return
		}
		if !s.cfg.AuthEnabled {
			identity := &auth.Identity{
				Subject:     "anonymous",
				Type:        auth.IdentityUser,
				Permissions: auth.PermissionSet{auth.PermissionAdmin: true},
			}
			next(w, r.WithContext(handlers.WithIdentity(r.Context(), identity)))
			return
		}

		if s.authenticator == nil {
			writeError(w, http.StatusServiceUnavailable, "authentication unavailable", "")
			return
		}

		identity, err := s.authenticator.Authenticate(w, r)
		if err != nil {
			status := http.StatusUnauthorized
			if authErr, ok := err.(*auth.AuthError); ok {
				status = authErr.Status
			}
			writeError(w, status, "authentication failed", err.Error())
			return
		}
		if !identity.Permissions.Has(perm) {
			writeError(w, http.StatusForbidden, "insufficient permission", fmt.Sprintf("%s required", perm))
			return
		}
		next(w, r.WithContext(handlers.WithIdentity(r.Context(), identity)))
	}
}

// handleHealthz provides the liveness endpoint.
// @Summary Liveness check
// @Description Reports whether the control plane process is up
// @Tags health
// @Produce json
// @Success 200 {object} object
// @Router /healthz [get]
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"version":   s.cfg.Version,
		"build":     s.cfg.Build,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReadyz provides the readiness endpoint: 503 until the first
// inventory refresh completes, and config_error while startup validation
// findings exist.
// @Summary Readiness check
// @Description Reports whether the control plane can serve inventory
// @Tags health
// @Produce json
// @Success 200 {object} object
// @Failure 503 {object} object
// @Router /readyz [get]
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if len(s.cfg.ConfigErrors) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "config_error",
			"errors": s.cfg.ConfigErrors,
		})
		return
	}
	if s.cfg.Ready != nil && !s.cfg.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "waiting_for_inventory",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("listen_addr", s.cfg.ListenAddr).Info("🚀 API server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server shutdown failed: %w", err)
	}
	log.Info("🛑 API server stopped")
	return nil
}

package handlers

import (
	"net/http"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/hyperfleet/hyperfleet/auth"
)

// AuthDeps carries the auth primitives the browser flow needs. A nil OAuth
// config disables the login endpoints.
type AuthDeps struct {
	Enabled       bool
	OAuth         *oauth2.Config
	Validator     *auth.TokenValidator
	Sessions      *auth.SessionManager
	SecureCookies bool
}

// AuthHandler serves the OIDC browser flow and session queries.
type AuthHandler struct {
	deps AuthDeps
}

// NewAuthHandler wires the auth handler group.
func NewAuthHandler(deps AuthDeps) *AuthHandler {
	return &AuthHandler{deps: deps}
}

// Login starts the OIDC authorization-code flow.
// @Summary Start OIDC login
// @Tags auth
// @Success 302
// @Failure 501 {object} object
// @Router /auth/login [get]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if !h.deps.Enabled || h.deps.OAuth == nil {
		writeError(w, http.StatusNotImplemented, "authentication is disabled", "")
		return
	}
	state, err := auth.NewStateToken(w, h.deps.SecureCookies)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to start login", err.Error())
		return
	}
	http.Redirect(w, r, h.deps.OAuth.AuthCodeURL(state), http.StatusFound)
}

// Callback completes the OIDC flow: verify state, exchange the code,
// validate the ID token, and issue the session cookie.
// @Summary OIDC callback
// @Tags auth
// @Success 302
// @Failure 401 {object} object
// @Router /auth/callback [get]
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	if !h.deps.Enabled || h.deps.OAuth == nil {
		writeError(w, http.StatusNotImplemented, "authentication is disabled", "")
		return
	}

	if err := auth.VerifyStateToken(w, r, r.URL.Query().Get("state")); err != nil {
		writeError(w, http.StatusUnauthorized, "login state verification failed", err.Error())
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusUnauthorized, "missing authorization code", "")
		return
	}

	token, err := h.deps.OAuth.Exchange(r.Context(), code)
	if err != nil {
		log.WithField("error", err.Error()).Warn("⚠️ OIDC code exchange failed")
		writeError(w, http.StatusUnauthorized, "code exchange failed", "")
		return
	}

	rawID, err := auth.IDTokenFromExchange(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "login failed", err.Error())
		return
	}

	identity, err := h.deps.Validator.Validate(r.Context(), rawID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "ID token validation failed", err.Error())
		return
	}

	if err := h.deps.Sessions.Issue(w, identity); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue session", err.Error())
		return
	}

	log.WithFields(log.Fields{
		"subject":       identity.Subject,
		"identity_type": identity.Type,
	}).Info("✅ Login completed")
	http.Redirect(w, r, "/", http.StatusFound)
}

// Token returns the authenticated caller's identity.
// @Summary Current identity
// @Tags auth
// @Produce json
// @Success 200 {object} object
// @Failure 401 {object} object
// @Router /auth/token [get]
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated", "")
		return
	}

	permissions := []string{}
	for _, p := range []auth.Permission{auth.PermissionReader, auth.PermissionWriter, auth.PermissionAdmin} {
		if identity.Permissions.Has(p) {
			permissions = append(permissions, string(p))
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subject":       identity.Subject,
		"name":          identity.Name,
		"email":         identity.Email,
		"identity_type": identity.Type,
		"roles":         identity.Roles,
		"permissions":   permissions,
	})
}

// Logout clears the session cookie.
// @Summary Logout
// @Tags auth
// @Produce json
// @Success 200 {object} object
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sessions != nil {
		h.deps.Sessions.Clear(w)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logged_out": true})
}

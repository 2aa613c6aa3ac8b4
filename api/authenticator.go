package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/hyperfleet/hyperfleet/auth"
)

// BearerSessionAuthenticator tries a bearer token first, then falls back to
// the session cookie. An expired session is cleared from the response.
type BearerSessionAuthenticator struct {
	Validator *auth.TokenValidator
	Sessions  *auth.SessionManager
}

// Authenticate resolves the caller identity.
func (a *BearerSessionAuthenticator) Authenticate(w http.ResponseWriter, r *http.Request) (*auth.Identity, error) {
	header := r.Header.Get("Authorization")
	if header != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			return nil, auth.Unauthorized("malformed authorization header")
		}
		return a.Validator.Validate(r.Context(), strings.TrimSpace(header[len(prefix):]))
	}

	identity, err := a.Sessions.Read(r)
	if err != nil {
		if errors.Is(err, auth.ErrSessionExpired) {
			a.Sessions.Clear(w)
			return nil, auth.Unauthorized("session expired")
		}
		if errors.Is(err, auth.ErrNoSession) {
			return nil, auth.Unauthorized("missing credentials")
		}
		return nil, auth.Unauthorized("invalid session: %v", err)
	}
	return identity, nil
}

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SessionCookieName is the cookie carrying the signed session.
const SessionCookieName = "hyperfleet_session"

// ErrSessionExpired reports a session older than the configured max age.
// Callers clear the cookie on this error.
var ErrSessionExpired = errors.New("session expired")

// ErrNoSession reports a request without a session cookie.
var ErrNoSession = errors.New("no session")

// SessionClaims is the minimal identity stored client-side. AuthTimestamp is
// the moment the OIDC flow completed; the max-age check runs against it on
// every read.
type SessionClaims struct {
	Subject       string       `json:"sub"`
	Name          string       `json:"name,omitempty"`
	Email         string       `json:"email,omitempty"`
	Type          IdentityType `json:"identity_type"`
	Roles         []string     `json:"roles"`
	AuthTimestamp time.Time    `json:"auth_timestamp"`
}

// SessionManager issues and verifies HMAC-signed session cookies. The value
// format is base64url(JSON claims) "." base64url(HMAC-SHA256).
type SessionManager struct {
	secret     []byte
	maxAge     time.Duration
	secure     bool
	legacyRole string
}

// NewSessionManager builds a manager. secure controls the cookie Secure flag.
func NewSessionManager(secret []byte, maxAge time.Duration, secure bool, legacyRole string) *SessionManager {
	if maxAge <= 0 {
		maxAge = 8 * time.Hour
	}
	return &SessionManager{secret: secret, maxAge: maxAge, secure: secure, legacyRole: legacyRole}
}

// Issue writes the session cookie for the identity.
func (m *SessionManager) Issue(w http.ResponseWriter, identity *Identity) error {
	claims := SessionClaims{
		Subject:       identity.Subject,
		Name:          identity.Name,
		Email:         identity.Email,
		Type:          identity.Type,
		Roles:         identity.Roles,
		AuthTimestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	value := encoded + "." + m.sign(encoded)

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(m.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Read verifies the session cookie and rebuilds the identity. An expired
// session returns ErrSessionExpired; the caller clears the cookie.
func (m *SessionManager) Read(r *http.Request) (*Identity, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return nil, ErrNoSession
	}

	parts := strings.SplitN(cookie.Value, ".", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed session cookie")
	}
	if !hmac.Equal([]byte(m.sign(parts[0])), []byte(parts[1])) {
		return nil, fmt.Errorf("session signature mismatch")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("malformed session payload: %w", err)
	}
	var claims SessionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("malformed session payload: %w", err)
	}

	if time.Since(claims.AuthTimestamp) > m.maxAge {
		return nil, ErrSessionExpired
	}

	return &Identity{
		Subject:     claims.Subject,
		Name:        claims.Name,
		Email:       claims.Email,
		Type:        claims.Type,
		Roles:       claims.Roles,
		Permissions: PermissionsForRoles(claims.Roles, m.legacyRole),
	}, nil
}

// Clear expires the session cookie.
func (m *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *SessionManager) sign(encoded string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

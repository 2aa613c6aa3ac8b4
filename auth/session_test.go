package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issueAndExtract(t *testing.T, m *SessionManager, identity *Identity) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	require.NoError(t, m.Issue(rec, identity))
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == SessionCookieName {
			return cookie
		}
	}
	t.Fatal("session cookie not set")
	return nil
}

func TestSessionRoundTrip(t *testing.T) {
	m := NewSessionManager([]byte("test-secret"), time.Hour, false, "legacy")
	cookie := issueAndExtract(t, m, &Identity{
		Subject: "user-1",
		Name:    "Alex",
		Type:    IdentityUser,
		Roles:   []string{"writer"},
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)

	identity, err := m.Read(req)
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.Subject)
	assert.Equal(t, []string{"writer"}, identity.Roles)
	assert.True(t, identity.Permissions.Has(PermissionWriter))
}

func TestSessionLegacyRoleApplied(t *testing.T) {
	m := NewSessionManager([]byte("s"), time.Hour, false, "ops")
	cookie := issueAndExtract(t, m, &Identity{Subject: "u", Roles: []string{"ops"}})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)

	identity, err := m.Read(req)
	require.NoError(t, err)
	assert.True(t, identity.Permissions.Has(PermissionWriter))
}

func TestSessionMissing(t *testing.T) {
	m := NewSessionManager([]byte("s"), time.Hour, false, "")
	_, err := m.Read(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSessionTamperedSignatureRejected(t *testing.T) {
	m := NewSessionManager([]byte("s"), time.Hour, false, "")
	cookie := issueAndExtract(t, m, &Identity{Subject: "u"})

	parts := strings.SplitN(cookie.Value, ".", 2)
	cookie.Value = parts[0] + ".AAAA" + parts[1][4:]

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	_, err := m.Read(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature")
}

func TestSessionWrongSecretRejected(t *testing.T) {
	issuer := NewSessionManager([]byte("secret-a"), time.Hour, false, "")
	verifier := NewSessionManager([]byte("secret-b"), time.Hour, false, "")
	cookie := issueAndExtract(t, issuer, &Identity{Subject: "u"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	_, err := verifier.Read(req)
	require.Error(t, err)
}

func TestSessionMaxAgeRejected(t *testing.T) {
	m := NewSessionManager([]byte("s"), time.Millisecond, false, "")
	cookie := issueAndExtract(t, m, &Identity{Subject: "u"})
	time.Sleep(5 * time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	_, err := m.Read(req)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestClearExpiresCookie(t *testing.T) {
	m := NewSessionManager([]byte("s"), time.Hour, false, "")
	rec := httptest.NewRecorder()
	m.Clear(rec)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, SessionCookieName, cookies[0].Name)
	assert.Negative(t, cookies[0].MaxAge)
}

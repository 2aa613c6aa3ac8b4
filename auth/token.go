package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IdentityType distinguishes human users from service principals.
type IdentityType string

const (
	IdentityUser             IdentityType = "user"
	IdentityServicePrincipal IdentityType = "service_principal"
)

// Identity is the validated caller.
type Identity struct {
	Subject     string        `json:"subject"`
	Name        string        `json:"name,omitempty"`
	Email       string        `json:"email,omitempty"`
	Type        IdentityType  `json:"identity_type"`
	Roles       []string      `json:"roles"`
	Permissions PermissionSet `json:"-"`
}

// AuthError carries the HTTP status the failure maps to: 401 for a missing
// or invalid credential, 403 for insufficient permission, 503 when no key
// material was ever obtainable.
type AuthError struct {
	Status int
	Reason string
}

func (e *AuthError) Error() string { return e.Reason }

// Unauthorized builds a 401 AuthError.
func Unauthorized(format string, args ...interface{}) *AuthError {
	return &AuthError{Status: http.StatusUnauthorized, Reason: fmt.Sprintf(format, args...)}
}

// Forbidden builds a 403 AuthError.
func Forbidden(format string, args ...interface{}) *AuthError {
	return &AuthError{Status: http.StatusForbidden, Reason: fmt.Sprintf(format, args...)}
}

// TokenValidatorConfig pins the expected token shape.
type TokenValidatorConfig struct {
	Issuer   string
	Audience string
	// MaxTokenAge clamps iat drift: tokens issued longer ago are rejected
	// even if not yet expired. Zero disables the clamp.
	MaxTokenAge time.Duration
	// LegacyRole grants writer+reader for backward compatibility.
	LegacyRole string
	// RolePrefixes are stripped from URL-shaped role claim values.
	RolePrefixes []string
}

// TokenValidator verifies bearer tokens against the issuer's JWKS and builds
// the caller identity.
type TokenValidator struct {
	cfg  TokenValidatorConfig
	keys *JWKSCache
}

// NewTokenValidator wires a validator over a key cache.
func NewTokenValidator(cfg TokenValidatorConfig, keys *JWKSCache) *TokenValidator {
	return &TokenValidator{cfg: cfg, keys: keys}
}

// Validate checks signature, issuer, audience, and expiry, applies the iat
// max-age clamp, and extracts roles and permissions.
func (v *TokenValidator) Validate(ctx context.Context, raw string) (*Identity, error) {
	keyfunc := func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token carries no key ID")
		}
		return v.keys.Key(ctx, kid)
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, keyfunc,
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, ErrJWKSUnavailable) {
			return nil, &AuthError{Status: http.StatusServiceUnavailable, Reason: "signing keys unavailable"}
		}
		return nil, Unauthorized("token validation failed: %v", err)
	}

	if v.cfg.MaxTokenAge > 0 {
		iat, err := claims.GetIssuedAt()
		if err != nil || iat == nil {
			return nil, Unauthorized("token carries no issued-at claim")
		}
		if time.Since(iat.Time) > v.cfg.MaxTokenAge {
			return nil, Unauthorized("token issued too long ago")
		}
	}

	return v.identityFromClaims(claims), nil
}

func (v *TokenValidator) identityFromClaims(claims jwt.MapClaims) *Identity {
	sub, _ := claims["sub"].(string)
	name, _ := claims["name"].(string)
	email, _ := claims["email"].(string)
	if email == "" {
		email, _ = claims["preferred_username"].(string)
	}

	idType := IdentityUser
	if idtyp, _ := claims["idtyp"].(string); idtyp == "app" {
		idType = IdentityServicePrincipal
	} else if _, ok := claims["appid"]; ok {
		idType = IdentityServicePrincipal
	}

	roles := ExtractRoles(claims, v.cfg.RolePrefixes)
	return &Identity{
		Subject:     sub,
		Name:        name,
		Email:       email,
		Type:        idType,
		Roles:       roles,
		Permissions: PermissionsForRoles(roles, v.cfg.LegacyRole),
	}
}

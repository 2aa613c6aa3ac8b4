package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Permission is one of the three ordered access levels.
type Permission string

const (
	PermissionReader Permission = "reader"
	PermissionWriter Permission = "writer"
	PermissionAdmin  Permission = "admin"
)

// PermissionSet is the granted permission levels. Has applies the hierarchy:
// admin implies writer and reader, writer implies reader.
type PermissionSet map[Permission]bool

// Has reports whether the set grants the permission, directly or through a
// higher level.
func (s PermissionSet) Has(p Permission) bool {
	if s == nil {
		return false
	}
	switch p {
	case PermissionReader:
		return s[PermissionReader] || s[PermissionWriter] || s[PermissionAdmin]
	case PermissionWriter:
		return s[PermissionWriter] || s[PermissionAdmin]
	case PermissionAdmin:
		return s[PermissionAdmin]
	}
	return false
}

// ExtractRoles aggregates role-like claims from the vendor shapes seen in the
// wild: roles and groups as string arrays, scp and scope as space-separated
// strings. Values are lowercased; URL-shaped values are stripped of any
// matching prefix so "https://idp.example.com/roles/admin" maps to "admin".
func ExtractRoles(claims jwt.MapClaims, stripPrefixes []string) []string {
	seen := make(map[string]bool)
	var roles []string
	add := func(raw string) {
		role := strings.ToLower(strings.TrimSpace(raw))
		for _, prefix := range stripPrefixes {
			role = strings.TrimPrefix(role, strings.ToLower(prefix))
		}
		if role == "" || seen[role] {
			return
		}
		seen[role] = true
		roles = append(roles, role)
	}

	for _, claim := range []string{"roles", "groups"} {
		switch v := claims[claim].(type) {
		case []interface{}:
			for _, elem := range v {
				if s, ok := elem.(string); ok {
					add(s)
				}
			}
		case string:
			add(v)
		}
	}
	for _, claim := range []string{"scp", "scope"} {
		if s, ok := claims[claim].(string); ok {
			for _, part := range strings.Fields(s) {
				add(part)
			}
		}
	}
	return roles
}

// PermissionsForRoles maps normalized roles to permission levels. The legacy
// role, when configured, grants writer and reader for deployments predating
// the three-level scheme.
func PermissionsForRoles(roles []string, legacyRole string) PermissionSet {
	set := make(PermissionSet)
	legacy := strings.ToLower(legacyRole)
	for _, role := range roles {
		switch role {
		case string(PermissionAdmin):
			set[PermissionAdmin] = true
		case string(PermissionWriter):
			set[PermissionWriter] = true
		case string(PermissionReader):
			set[PermissionReader] = true
		}
		if legacy != "" && role == legacy {
			set[PermissionWriter] = true
			set[PermissionReader] = true
		}
	}
	return set
}

package auth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
)

func TestExtractRolesFromAllShapes(t *testing.T) {
	claims := jwt.MapClaims{
		"roles":  []interface{}{"Admin", "Reader"},
		"groups": []interface{}{"https://idp.example.com/roles/Writer"},
		"scp":    "inventory.read jobs.write",
		"scope":  "extra",
	}

	roles := ExtractRoles(claims, []string{"https://idp.example.com/roles/"})

	assert.ElementsMatch(t, []string{
		"admin", "reader", "writer", "inventory.read", "jobs.write", "extra",
	}, roles)
}

func TestExtractRolesDeduplicatesAndLowercases(t *testing.T) {
	claims := jwt.MapClaims{
		"roles": []interface{}{"WRITER", "writer", "Writer"},
	}
	assert.Equal(t, []string{"writer"}, ExtractRoles(claims, nil))
}

func TestExtractRolesSingleStringClaim(t *testing.T) {
	claims := jwt.MapClaims{"roles": "admin"}
	assert.Equal(t, []string{"admin"}, ExtractRoles(claims, nil))
}

func TestPermissionHierarchy(t *testing.T) {
	admin := PermissionsForRoles([]string{"admin"}, "")
	assert.True(t, admin.Has(PermissionAdmin))
	assert.True(t, admin.Has(PermissionWriter))
	assert.True(t, admin.Has(PermissionReader))

	writer := PermissionsForRoles([]string{"writer"}, "")
	assert.False(t, writer.Has(PermissionAdmin))
	assert.True(t, writer.Has(PermissionWriter))
	assert.True(t, writer.Has(PermissionReader))

	reader := PermissionsForRoles([]string{"reader"}, "")
	assert.False(t, reader.Has(PermissionWriter))
	assert.True(t, reader.Has(PermissionReader))

	none := PermissionsForRoles([]string{"bystander"}, "")
	assert.False(t, none.Has(PermissionReader))
}

func TestLegacyRoleMapsToWriterAndReader(t *testing.T) {
	set := PermissionsForRoles([]string{"hyperv-operators"}, "hyperv-operators")
	assert.True(t, set.Has(PermissionWriter))
	assert.True(t, set.Has(PermissionReader))
	assert.False(t, set.Has(PermissionAdmin))
}

func TestNilPermissionSet(t *testing.T) {
	var set PermissionSet
	assert.False(t, set.Has(PermissionReader))
}

package auth

import "slices"

// Role is the role carried in a token.
type Role string

// Roles.
const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
)

// Permission represents a named capability.
type Permission string

// Permission constants.
const (
	PermBridgeRead    Permission = "bridge:read"
	PermBridgeControl Permission = "bridge:control"
)

// rolePermissions is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleViewer:   {PermBridgeRead},
	RoleOperator: {PermBridgeRead, PermBridgeControl},
}

// ParseRole returns the role named s.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if _, ok := rolePermissions[r]; !ok {
		return "", ErrUnknownRole
	}
	return r, nil
}

// HasPermission reports whether role grants perm. Unknown roles grant nothing.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}

// PermissionsForRole returns all permissions granted to a role, or nil for
// an unknown role.
func PermissionsForRole(role Role) []Permission {
	return slices.Clone(rolePermissions[role])
}

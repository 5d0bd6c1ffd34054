package rbac

import "strings"

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOwner      = "owner"
	RoleAdmin      = "admin"
	RoleMember     = "member"
	RoleViewer     = "viewer"
	RoleSuperAdmin = "super_admin"
)

// Normalize lowercases role names so "Owner" from older profiles matches RoleOwner.
func Normalize(role string) string { return strings.ToLower(strings.TrimSpace(role)) }

func IsSuperAdmin(role string) bool { return Normalize(role) == RoleSuperAdmin }

// CanManageSettings reports whether role may change tenant settings and credentials.
func CanManageSettings(role string) bool {
	switch Normalize(role) {
	case RoleOwner, RoleAdmin, RoleSuperAdmin:
		return true
	default:
		return false
	}
}

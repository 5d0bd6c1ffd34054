package rbac

import (
	"callboard/internal/apperr"
	"callboard/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireTenant enforces that the caller's identity names a tenant.
// A verified caller without one has an incomplete profile: that is a
// configuration error (400), not an authentication failure.
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := auth.UserID(c.Request.Context()); err != nil {
			apperr.Abort(c, apperr.Authentication("unauthenticated"))
			return
		}
		if _, err := auth.TenantID(c.Request.Context()); err != nil {
			apperr.Abort(c, apperr.Configuration("incomplete profile: tenant missing"))
			return
		}
		c.Next()
	}
}

// RequireAnyRole allows access if the caller has any of the provided roles.
// super_admin bypasses the check.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[Normalize(r)] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil {
			apperr.Abort(c, apperr.Authentication("role required"))
			return
		}
		if IsSuperAdmin(role) {
			c.Next()
			return
		}
		if _, ok := allowedSet[Normalize(role)]; !ok {
			apperr.Abort(c, apperr.Authorization("forbidden"))
			return
		}
		c.Next()
	}
}

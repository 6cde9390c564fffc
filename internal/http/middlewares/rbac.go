package middlewares

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/geocoder89/schoolhub/internal/authz"
	"github.com/geocoder89/schoolhub/internal/domain/user"
)

// RequireRole admits requests whose authenticated role is one of roles. It
// must run after RequireAuth.
func RequireRole(roles ...user.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := IdentityFromContext(c)
		if err := authz.RequireRole(id, roles...); err != nil {
			abortGuard(c, err)
			return
		}
		c.Next()
	}
}

// RequireOwnership admits the user named by the path parameter, or an ADMIN.
func RequireOwnership(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := IdentityFromContext(c)
		if err := authz.RequireOwnership(id, c.Param(param)); err != nil {
			abortGuard(c, err)
			return
		}
		c.Next()
	}
}

func abortGuard(c *gin.Context, err error) {
	if errors.Is(err, authz.ErrUnauthenticated) {
		abortUnauthorized(c, "Missing identity context")
		return
	}
	abortError(c, http.StatusForbidden, "forbidden", "You do not have access to this resource")
}

// Package authz holds the role and ownership predicates. They never parse
// tokens; callers pass the identity that authentication already established.
package authz

import (
	"errors"

	"github.com/geocoder89/schoolhub/internal/auth"
	"github.com/geocoder89/schoolhub/internal/domain/user"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("forbidden")
)

// RequireRole admits id when its role is one of allowed.
func RequireRole(id *auth.Identity, allowed ...user.Role) error {
	if id == nil || id.UserID == "" {
		return ErrUnauthenticated
	}
	for _, r := range allowed {
		if user.Role(id.Role) == r {
			return nil
		}
	}
	return ErrForbidden
}

// RequireOwnership admits the owner of a resource and any ADMIN.
func RequireOwnership(id *auth.Identity, ownerID string) error {
	if id == nil || id.UserID == "" {
		return ErrUnauthenticated
	}
	if user.Role(id.Role) == user.RoleAdmin {
		return nil
	}
	if ownerID == "" || id.UserID != ownerID {
		return ErrForbidden
	}
	return nil
}

package authz

import (
	"errors"
	"testing"

	"github.com/geocoder89/schoolhub/internal/auth"
	"github.com/geocoder89/schoolhub/internal/domain/user"
)

func TestRequireRole(t *testing.T) {
	student := &auth.Identity{UserID: "u1", Role: string(user.RoleStudent)}
	admin := &auth.Identity{UserID: "u2", Role: string(user.RoleAdmin)}

	tests := []struct {
		name    string
		id      *auth.Identity
		allowed []user.Role
		want    error
	}{
		{"nil identity", nil, []user.Role{user.RoleAdmin}, ErrUnauthenticated},
		{"empty user id", &auth.Identity{Role: "ADMIN"}, []user.Role{user.RoleAdmin}, ErrUnauthenticated},
		{"student denied admin", student, []user.Role{user.RoleAdmin}, ErrForbidden},
		{"admin admitted", admin, []user.Role{user.RoleAdmin}, nil},
		{"student in list", student, []user.Role{user.RoleTeacher, user.RoleStudent}, nil},
		{"empty allow list", admin, nil, ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RequireRole(tt.id, tt.allowed...)
			if !errors.Is(err, tt.want) || (tt.want == nil && err != nil) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRequireOwnership(t *testing.T) {
	owner := &auth.Identity{UserID: "u1", Role: string(user.RoleParent)}
	other := &auth.Identity{UserID: "u2", Role: string(user.RoleTeacher)}
	admin := &auth.Identity{UserID: "u3", Role: string(user.RoleAdmin)}

	if err := RequireOwnership(owner, "u1"); err != nil {
		t.Fatalf("owner should pass, got %v", err)
	}
	if err := RequireOwnership(other, "u1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := RequireOwnership(admin, "u1"); err != nil {
		t.Fatalf("admin should bypass ownership, got %v", err)
	}
	if err := RequireOwnership(nil, "u1"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if err := RequireOwnership(owner, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("empty owner must not match, got %v", err)
	}
}

package db

import (
	"context"
	"testing"

	"github.com/geocoder89/schoolhub/internal/config"
	"github.com/geocoder89/schoolhub/internal/domain/user"
	"github.com/geocoder89/schoolhub/internal/repo/memory"
)

type plainHasher struct{ calls int }

func (h *plainHasher) Hash(_ context.Context, plain string) (string, error) {
	h.calls++
	return "hashed:" + plain, nil
}

func TestEnsureAdminUser(t *testing.T) {
	ctx := context.Background()
	users := memory.NewUsersRepo()
	h := &plainHasher{}

	cfg := config.AdminConfig{
		Email:     "Admin@School.test",
		Password:  "Adm1nPassw0rd!",
		FirstName: "School",
		LastName:  "Admin",
	}

	if err := EnsureAdminUser(ctx, users, h, cfg, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	u, err := users.GetByEmail(ctx, "admin@school.test")
	if err != nil {
		t.Fatalf("admin not created: %v", err)
	}
	if u.Role != user.RoleAdmin || u.Status != user.StatusActive || !u.EmailVerified {
		t.Fatalf("unexpected admin state: %+v", u)
	}

	// second run is a no-op
	if err := EnsureAdminUser(ctx, users, h, cfg, nil); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if h.calls != 1 {
		t.Fatalf("expected one hash, got %d", h.calls)
	}
}

func TestEnsureAdminUser_NotConfigured(t *testing.T) {
	users := memory.NewUsersRepo()
	h := &plainHasher{}

	if err := EnsureAdminUser(context.Background(), users, h, config.AdminConfig{}, nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if h.calls != 0 {
		t.Fatal("hasher must not run without admin config")
	}
}

func TestEnsureAdminUser_WeakPassword(t *testing.T) {
	users := memory.NewUsersRepo()

	err := EnsureAdminUser(context.Background(), users, &plainHasher{}, config.AdminConfig{
		Email:    "admin@school.test",
		Password: "short",
	}, nil)
	if err == nil {
		t.Fatal("expected weak admin password to be rejected")
	}
}

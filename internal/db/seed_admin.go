package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/geocoder89/schoolhub/internal/config"
	"github.com/geocoder89/schoolhub/internal/domain/user"
)

// AdminStore is the slice of the user repository seeding needs.
type AdminStore interface {
	GetByEmail(ctx context.Context, email string) (user.User, error)
	Create(ctx context.Context, u user.User) error
}

type PasswordHasher interface {
	Hash(ctx context.Context, plain string) (string, error)
}

// EnsureAdminUser creates the bootstrap ADMIN account when one is
// configured and no user holds its email yet. Admins cannot self-register,
// so this is the only way the first one exists.
func EnsureAdminUser(ctx context.Context, users AdminStore, hasher PasswordHasher, cfg config.AdminConfig, log *slog.Logger) error {
	if cfg.Email == "" || cfg.Password == "" {
		return nil
	}

	email := user.NormalizeEmail(cfg.Email)

	_, err := users.GetByEmail(ctx, email)
	if err == nil {
		return nil
	}
	if !errors.Is(err, user.ErrNotFound) {
		return fmt.Errorf("lookup admin: %w", err)
	}

	if err := user.ValidatePassword(cfg.Password); err != nil {
		return fmt.Errorf("admin password: %w", err)
	}

	hash, err := hasher.Hash(ctx, cfg.Password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	now := time.Now().UTC()

	u := user.User{
		ID:            uuid.NewString(),
		Email:         email,
		PasswordHash:  hash,
		Role:          user.RoleAdmin,
		Status:        user.StatusActive,
		EmailVerified: true,
		Profile: user.Profile{
			FirstName: cfg.FirstName,
			LastName:  cfg.LastName,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := users.Create(ctx, u); err != nil {
		// another instance seeded it first
		if errors.Is(err, user.ErrEmailTaken) {
			return nil
		}
		return fmt.Errorf("create admin: %w", err)
	}

	if log != nil {
		log.InfoContext(ctx, "admin.seeded", "user_id", u.ID, "email", email)
	}
	return nil
}

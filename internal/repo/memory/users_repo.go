package memory

import (
	"context"
	"sync"
	"time"

	"github.com/geocoder89/schoolhub/internal/domain/user"
)

// UsersRepo is the in-process user store used in dev and tests. Every
// conditional update checks and writes under one lock.
type UsersRepo struct {
	mu      sync.RWMutex
	items   map[string]user.User // id -> user
	byEmail map[string]string    // lower(email) -> id
}

func NewUsersRepo() *UsersRepo {
	return &UsersRepo{
		items:   make(map[string]user.User),
		byEmail: make(map[string]string),
	}
}

func (r *UsersRepo) Create(_ context.Context, u user.User) error {
	key := user.NormalizeEmail(u.Email)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byEmail[key]; ok {
		return user.ErrEmailTaken
	}
	r.items[u.ID] = clone(u)
	r.byEmail[key] = u.ID
	return nil
}

func (r *UsersRepo) GetByID(_ context.Context, id string) (user.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.items[id]
	if !ok {
		return user.User{}, user.ErrNotFound
	}
	return clone(u), nil
}

func (r *UsersRepo) GetByEmail(_ context.Context, email string) (user.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[user.NormalizeEmail(email)]
	if !ok {
		return user.User{}, user.ErrNotFound
	}
	return clone(r.items[id]), nil
}

func (r *UsersRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.items[id]
	if !ok {
		return user.ErrNotFound
	}
	delete(r.byEmail, user.NormalizeEmail(u.Email))
	delete(r.items, id)
	return nil
}

func (r *UsersRepo) UpdateStatus(_ context.Context, id string, from, to user.Status) (user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.items[id]
	if !ok {
		return user.User{}, user.ErrNotFound
	}
	if u.Status != from {
		return user.User{}, user.ErrStatusChanged
	}
	if err := u.Transition(to); err != nil {
		return user.User{}, err
	}
	u.UpdatedAt = time.Now().UTC()
	r.items[id] = u
	return clone(u), nil
}

func (r *UsersRepo) UpdatePasswordHash(_ context.Context, id, hash string) error {
	return r.mutate(id, func(u *user.User) {
		u.PasswordHash = hash
		u.ResetTokenHash = nil
		u.ResetExpiresAt = nil
	})
}

func (r *UsersRepo) RecordLogin(_ context.Context, id string, at time.Time) error {
	return r.mutate(id, func(u *user.User) {
		u.LastLoginAt = &at
	})
}

func (r *UsersRepo) SetVerificationToken(_ context.Context, id, hash string, expiresAt time.Time) error {
	return r.mutate(id, func(u *user.User) {
		u.VerificationTokenHash = &hash
		u.VerificationExpiresAt = &expiresAt
	})
}

func (r *UsersRepo) SetResetToken(_ context.Context, id, hash string, expiresAt time.Time) error {
	return r.mutate(id, func(u *user.User) {
		u.ResetTokenHash = &hash
		u.ResetExpiresAt = &expiresAt
	})
}

func (r *UsersRepo) ConsumeVerificationToken(_ context.Context, hash string, now time.Time) (user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, u := range r.items {
		if u.Status != user.StatusPendingVerification || !tokenMatches(u.VerificationTokenHash, u.VerificationExpiresAt, hash, now) {
			continue
		}
		if err := u.Verify(); err != nil {
			return user.User{}, err
		}
		u.UpdatedAt = now
		r.items[id] = u
		return clone(u), nil
	}
	return user.User{}, user.ErrTokenNotFound
}

func (r *UsersRepo) ConsumeResetToken(_ context.Context, hash, newPasswordHash string, now time.Time) (user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, u := range r.items {
		if !tokenMatches(u.ResetTokenHash, u.ResetExpiresAt, hash, now) {
			continue
		}
		u.PasswordHash = newPasswordHash
		u.ResetTokenHash = nil
		u.ResetExpiresAt = nil
		u.UpdatedAt = now
		r.items[id] = u
		return clone(u), nil
	}
	return user.User{}, user.ErrTokenNotFound
}

func (r *UsersRepo) mutate(id string, fn func(u *user.User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.items[id]
	if !ok {
		return user.ErrNotFound
	}
	fn(&u)
	u.UpdatedAt = time.Now().UTC()
	r.items[id] = u
	return nil
}

func tokenMatches(stored *string, expiresAt *time.Time, hash string, now time.Time) bool {
	return stored != nil && expiresAt != nil && *stored == hash && expiresAt.After(now)
}

// clone detaches the attribute map so callers cannot mutate stored state.
func clone(u user.User) user.User {
	if u.Attributes != nil {
		attrs := make(map[string]string, len(u.Attributes))
		for k, v := range u.Attributes {
			attrs[k] = v
		}
		u.Attributes = attrs
	}
	return u
}

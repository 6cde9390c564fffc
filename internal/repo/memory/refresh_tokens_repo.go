package memory

import (
	"context"
	"sync"
	"time"

	"github.com/geocoder89/schoolhub/internal/domain/session"
)

type RefreshTokensRepo struct {
	mu    sync.Mutex
	items map[string]session.RefreshToken
}

func NewRefreshTokensRepo() *RefreshTokensRepo {
	return &RefreshTokensRepo{items: make(map[string]session.RefreshToken)}
}

func (r *RefreshTokensRepo) Save(_ context.Context, t session.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[t.ID] = t
	return nil
}

func (r *RefreshTokensRepo) Rotate(_ context.Context, oldID, presentedHash string, next session.RefreshToken, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.items[oldID]
	if !ok || old.UserID != next.UserID {
		return session.ErrRefreshNotFound
	}
	if err := old.CheckRotatable(presentedHash, now); err != nil {
		return err
	}

	old.RevokedAt = &now
	old.ReplacedBy = &next.ID
	r.items[oldID] = old
	r.items[next.ID] = next
	return nil
}

func (r *RefreshTokensRepo) Revoke(_ context.Context, id, userID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.items[id]
	if !ok || t.UserID != userID {
		return session.ErrRefreshNotFound
	}
	if t.RevokedAt == nil {
		t.RevokedAt = &now
		r.items[id] = t
	}
	return nil
}

func (r *RefreshTokensRepo) RevokeAllForUser(_ context.Context, userID string, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, t := range r.items {
		if t.UserID != userID || t.RevokedAt != nil {
			continue
		}
		t.RevokedAt = &now
		r.items[id] = t
		n++
	}
	return n, nil
}

// DeleteExpired prunes records that can no longer be presented.
func (r *RefreshTokensRepo) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, t := range r.items {
		if t.ExpiresAt.Before(before) {
			delete(r.items, id)
			n++
		}
	}
	return n, nil
}

// Get returns a copy of the record, for tests and diagnostics.
func (r *RefreshTokensRepo) Get(id string) (session.RefreshToken, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.items[id]
	return t, ok
}

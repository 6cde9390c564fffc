package session

import (
	"errors"
	"time"
)

var (
	ErrRefreshNotFound = errors.New("refresh token not found")
	ErrRefreshExpired  = errors.New("refresh token expired")
	// ErrRefreshReused means a rotated or revoked refresh token was presented
	// again.
	ErrRefreshReused = errors.New("refresh token reused")
	// ErrRefreshMismatch means the presented token does not hash to the stored digest.
	ErrRefreshMismatch = errors.New("refresh token mismatch")
)

// RefreshToken is the rotation record kept for every issued refresh token.
// ID is the token's jti.
type RefreshToken struct {
	ID         string
	UserID     string
	TokenHash  string
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy *string
	CreatedAt  time.Time
}

func (r RefreshToken) Revoked() bool { return r.RevokedAt != nil }

// CheckRotatable validates the stored record against the presented digest.
func (r RefreshToken) CheckRotatable(presentedHash string, now time.Time) error {
	if r.Revoked() {
		return ErrRefreshReused
	}
	if !now.Before(r.ExpiresAt) {
		return ErrRefreshExpired
	}
	if r.TokenHash != presentedHash {
		return ErrRefreshMismatch
	}
	return nil
}

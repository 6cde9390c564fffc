package identity

import (
	"context"
	"log/slog"
	"time"

	"github.com/geocoder89/schoolhub/internal/auth"
	"github.com/geocoder89/schoolhub/internal/domain/session"
	"github.com/geocoder89/schoolhub/internal/domain/user"
	"github.com/geocoder89/schoolhub/internal/jobs"
	"github.com/geocoder89/schoolhub/internal/notifications"
)

// UserRepository is the persistence port for accounts. Lookups return
// user.ErrNotFound when nothing matches. The Consume methods are single
// conditional updates: they match the digest and an unexpired deadline and
// clear the token in the same step, returning user.ErrTokenNotFound otherwise.
type UserRepository interface {
	Create(ctx context.Context, u user.User) error
	GetByID(ctx context.Context, id string) (user.User, error)
	GetByEmail(ctx context.Context, email string) (user.User, error)
	Delete(ctx context.Context, id string) error

	// UpdateStatus moves id from one status to another. It returns
	// user.ErrStatusChanged when the stored status is no longer from.
	UpdateStatus(ctx context.Context, id string, from, to user.Status) (user.User, error)
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	RecordLogin(ctx context.Context, id string, at time.Time) error

	SetVerificationToken(ctx context.Context, id, hash string, expiresAt time.Time) error
	SetResetToken(ctx context.Context, id, hash string, expiresAt time.Time) error
	ConsumeVerificationToken(ctx context.Context, hash string, now time.Time) (user.User, error)
	ConsumeResetToken(ctx context.Context, hash, newPasswordHash string, now time.Time) (user.User, error)
}

// RefreshTokenStore keeps one rotation record per issued refresh token.
type RefreshTokenStore interface {
	Save(ctx context.Context, t session.RefreshToken) error
	// Rotate revokes oldID in favour of next in one transaction. It returns
	// session.ErrRefreshReused when oldID was already revoked.
	Rotate(ctx context.Context, oldID, presentedHash string, next session.RefreshToken, now time.Time) error
	Revoke(ctx context.Context, id, userID string, now time.Time) error
	RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error)
}

// AccessDenylist remembers access token ids that were logged out before
// they expired.
type AccessDenylist interface {
	Deny(ctx context.Context, jti string, until time.Time) error
	IsDenied(ctx context.Context, jti string) (bool, error)
}

type PasswordHasher interface {
	Hash(ctx context.Context, plain string) (string, error)
	Verify(ctx context.Context, plain, encoded string) bool
	NeedsRehash(encoded string) bool
}

type TokenIssuer interface {
	IssueAccessToken(id auth.Identity) (string, *auth.Claims, error)
	IssueRefreshToken(id auth.Identity) (string, *auth.Claims, error)
	VerifyRefreshToken(token string) (*auth.Claims, error)
	HashRefreshToken(raw string) string
}

// RedeliveryQueue schedules an out-of-band retry for a failed delivery. Jobs
// carry the user id and the failed token's expiry, never the token; the
// worker mints a fresh one when it runs.
type RedeliveryQueue interface {
	EnqueueDelivery(ctx context.Context, t jobs.JobType, userID string, tokenExpiresAt time.Time) error
}

type Metrics interface {
	ObserveAuth(op, outcome string)
	ObserveDelivery(kind, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveAuth(string, string)     {}
func (noopMetrics) ObserveDelivery(string, string) {}

// Deps are the collaborators of the Service. Denylist, Redeliver and Metrics
// are optional.
type Deps struct {
	Users     UserRepository
	Refresh   RefreshTokenStore
	Denylist  AccessDenylist
	Hasher    PasswordHasher
	Tokens    TokenIssuer
	Notifier  notifications.Notifier
	Redeliver RedeliveryQueue
	Metrics   Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

type Config struct {
	VerificationTTL time.Duration
	ResetTTL        time.Duration
	// StoreTimeout bounds every repository call.
	StoreTimeout time.Duration
	// DeliveryTimeout bounds asynchronous sends started by a request.
	DeliveryTimeout time.Duration
	// BaseURL is the public front-end origin used to build links.
	BaseURL    string
	TokenBytes int
}

func DefaultConfig() Config {
	return Config{
		VerificationTTL: 24 * time.Hour,
		ResetTTL:        time.Hour,
		StoreTimeout:    3 * time.Second,
		DeliveryTimeout: 10 * time.Second,
		BaseURL:         "http://localhost:3000",
		TokenBytes:      32,
	}
}

type RegisterInput struct {
	Email    string
	Password string
	Role     user.Role
	Profile  user.Profile
}

type LogoutInput struct {
	UserID          string
	RefreshToken    string
	AccessJTI       string
	AccessExpiresAt time.Time
}

// AuthResult is returned by every operation that opens or extends a session.
type AuthResult struct {
	User             user.Public
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

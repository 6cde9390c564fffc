package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
	minSecretLen      = 32
)

var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenKind    = errors.New("unexpected token kind")
)

// Identity is what a session token asserts about its bearer.
type Identity struct {
	UserID string
	Email  string
	Role   string
}

// UserID and JTI shadow the registered sub and jti claims.
type Claims struct {
	UserID string `json:"sub"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Kind   Kind   `json:"typ"`
	JTI    string `json:"jti"`
	jwt.RegisteredClaims
}

func (c *Claims) Identity() Identity {
	return Identity{UserID: c.UserID, Email: c.Email, Role: c.Role}
}

func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

type IssuerConfig struct {
	Issuer        string
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// Issuer mints and verifies access and refresh tokens. The two kinds are
// signed with different keys.
type Issuer struct {
	issuer        string
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if len(cfg.AccessSecret) < minSecretLen || len(cfg.RefreshSecret) < minSecretLen {
		return nil, fmt.Errorf("jwt secrets must be at least %d bytes", minSecretLen)
	}
	if hmac.Equal([]byte(cfg.AccessSecret), []byte(cfg.RefreshSecret)) {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "schoolhub"
	}

	return &Issuer{
		issuer:        cfg.Issuer,
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		now:           time.Now,
	}, nil
}

// WithClock swaps the time source, for tests.
func (m *Issuer) WithClock(now func() time.Time) *Issuer {
	cp := *m
	cp.now = now
	return &cp
}

func (m *Issuer) RefreshTTL() time.Duration { return m.refreshTTL }

func (m *Issuer) IssueAccessToken(id Identity) (string, *Claims, error) {
	return m.issue(id, KindAccess)
}

func (m *Issuer) IssueRefreshToken(id Identity) (string, *Claims, error) {
	return m.issue(id, KindRefresh)
}

func (m *Issuer) issue(id Identity, kind Kind) (string, *Claims, error) {
	if id.UserID == "" {
		return "", nil, errors.New("identity without user id")
	}

	now := m.now().UTC()
	ttl := m.accessTTL
	if kind == KindRefresh {
		ttl = m.refreshTTL
	}
	jti := uuid.NewString()

	claims := &Claims{
		UserID: id.UserID,
		Email:  id.Email,
		Role:   id.Role,
		Kind:   kind,
		JTI:    jti,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	raw, err := token.SignedString(m.secretFor(kind))
	if err != nil {
		return "", nil, err
	}
	return raw, claims, nil
}

// Verify checks kind, signature, issuer and expiry, in that order.
func (m *Issuer) Verify(tokenStr string, expected Kind) (*Claims, error) {
	// Peek at the kind first so a token of the other kind reports ErrTokenKind
	// rather than a signature failure.
	var peek Claims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, &peek); err != nil {
		return nil, ErrTokenInvalid
	}
	if peek.Kind != expected {
		return nil, ErrTokenKind
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)

	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secretFor(expected), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !token.Valid || claims.UserID == "" || claims.JTI == "" {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

func (m *Issuer) VerifyAccessToken(tokenStr string) (*Claims, error) {
	return m.Verify(tokenStr, KindAccess)
}

func (m *Issuer) VerifyRefreshToken(tokenStr string) (*Claims, error) {
	return m.Verify(tokenStr, KindRefresh)
}

// Deterministic HMAC hash keyed with the refresh secret.
// Store this in DB (never store raw refresh token).
func (m *Issuer) HashRefreshToken(raw string) string {
	h := hmac.New(sha256.New, m.refreshSecret)
	h.Write([]byte(raw))
	return hex.EncodeToString(h.Sum(nil))
}

func (m *Issuer) secretFor(kind Kind) []byte {
	if kind == KindRefresh {
		return m.refreshSecret
	}
	return m.accessSecret
}

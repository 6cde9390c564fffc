package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/geocoder89/schoolhub/internal/auth"
	"github.com/geocoder89/schoolhub/internal/domain/session"
	"github.com/geocoder89/schoolhub/internal/domain/user"
	"github.com/geocoder89/schoolhub/internal/security"
)

var tracer = otel.Tracer("github.com/geocoder89/schoolhub/internal/identity")

// Service owns every account and session flow: registration, login, token
// refresh and logout, email verification, password recovery and admin status
// changes.
type Service struct {
	users     UserRepository
	refresh   RefreshTokenStore
	denylist  AccessDenylist
	hasher    PasswordHasher
	tokens    TokenIssuer
	notifier  deliverer
	redeliver RedeliveryQueue
	metrics   Metrics
	log       *slog.Logger
	now       func() time.Time
	cfg       Config

	// dummyHash is verified against when the email is unknown so that a
	// missing account costs the same as a wrong password.
	dummyHash string

	inflight sync.WaitGroup
}

func New(deps Deps, cfg Config) (*Service, error) {
	if deps.Users == nil || deps.Refresh == nil || deps.Hasher == nil || deps.Tokens == nil || deps.Notifier == nil {
		return nil, errors.New("identity: users, refresh, hasher, tokens and notifier are required")
	}

	def := DefaultConfig()
	if cfg.VerificationTTL <= 0 {
		cfg.VerificationTTL = def.VerificationTTL
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = def.ResetTTL
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.TokenBytes < security.MinTokenBytes {
		cfg.TokenBytes = def.TokenBytes
	}

	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	dummy, err := deps.Hasher.Hash(context.Background(), "schoolhub-dummy-password-1")
	if err != nil {
		return nil, fmt.Errorf("identity: derive dummy hash: %w", err)
	}

	return &Service{
		users:     deps.Users,
		refresh:   deps.Refresh,
		denylist:  deps.Denylist,
		hasher:    deps.Hasher,
		tokens:    deps.Tokens,
		notifier:  deliverer{n: deps.Notifier},
		redeliver: deps.Redeliver,
		metrics:   deps.Metrics,
		log:       deps.Logger,
		now:       deps.Now,
		cfg:       cfg,
		dummyHash: dummy,
	}, nil
}

// Wait blocks until asynchronous deliveries started by earlier calls finish
// or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (res AuthResult, err error) {
	ctx, span := tracer.Start(ctx, "identity.Register")
	defer func() { s.finish(span, "register", err) }()

	email := user.NormalizeEmail(in.Email)
	if err := s.validateRegistration(email, in); err != nil {
		return AuthResult{}, err
	}

	// fast path; the unique index is the real guard
	_, err = s.getByEmail(ctx, email)
	switch {
	case err == nil:
		return AuthResult{}, ErrEmailTaken
	case !errors.Is(err, user.ErrNotFound):
		return AuthResult{}, internalError(fmt.Errorf("lookup email: %w", err))
	}

	hash, err := s.hasher.Hash(ctx, in.Password)
	if err != nil {
		return AuthResult{}, internalError(fmt.Errorf("hash password: %w", err))
	}

	rawToken, tokenHash, err := s.newOpaqueToken()
	if err != nil {
		return AuthResult{}, internalError(err)
	}

	now := s.now().UTC()
	verifyExp := now.Add(s.cfg.VerificationTTL)

	profile := in.Profile
	profile.FirstName = strings.TrimSpace(profile.FirstName)
	profile.LastName = strings.TrimSpace(profile.LastName)

	u := user.User{
		ID:                    uuid.NewString(),
		Email:                 email,
		PasswordHash:          hash,
		Role:                  in.Role,
		Status:                user.StatusPendingVerification,
		VerificationTokenHash: &tokenHash,
		VerificationExpiresAt: &verifyExp,
		Profile:               profile,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	cctx, cancel := s.storeCtx(ctx)
	err = s.users.Create(cctx, u)
	cancel()
	if err != nil {
		if errors.Is(err, user.ErrEmailTaken) {
			return AuthResult{}, ErrEmailTaken
		}
		return AuthResult{}, internalError(fmt.Errorf("create user: %w", err))
	}

	s.deliverAsync(ctx, deliveryVerification, u, rawToken, verifyExp)

	res, err = s.openSession(ctx, u)
	if err != nil {
		return AuthResult{}, err
	}

	s.log.InfoContext(ctx, "identity.registered", "user_id", u.ID, "role", string(u.Role))
	return res, nil
}

func (s *Service) validateRegistration(email string, in RegisterInput) error {
	verr := &user.ValidationError{}
	collect := func(err error) {
		var v *user.ValidationError
		if errors.As(err, &v) {
			verr.Fields = append(verr.Fields, v.Fields...)
		}
	}

	collect(user.ValidateEmail(email))
	collect(user.ValidatePassword(in.Password))

	if in.Role == user.RoleAdmin {
		verr.Fields = append(verr.Fields, user.FieldError{Field: "role", Message: "ADMIN accounts cannot be self-registered"})
	} else {
		collect(user.ValidateProfile(in.Role, in.Profile))
	}

	if len(verr.Fields) > 0 {
		return validationError(verr)
	}
	return nil
}

func (s *Service) Login(ctx context.Context, email, password string) (res AuthResult, err error) {
	ctx, span := tracer.Start(ctx, "identity.Login")
	defer func() { s.finish(span, "login", err) }()

	email = user.NormalizeEmail(email)

	u, err := s.getByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, user.ErrNotFound) {
			return AuthResult{}, internalError(fmt.Errorf("lookup email: %w", err))
		}
		s.hasher.Verify(ctx, password, s.dummyHash)
		return AuthResult{}, ErrInvalidCredentials
	}

	if !s.hasher.Verify(ctx, password, u.PasswordHash) {
		return AuthResult{}, ErrInvalidCredentials
	}
	if !u.CanAuthenticate() {
		return AuthResult{}, ErrInvalidCredentials
	}

	now := s.now().UTC()

	cctx, cancel := s.storeCtx(ctx)
	if err := s.users.RecordLogin(cctx, u.ID, now); err != nil {
		s.log.WarnContext(ctx, "identity.record_login_failed", "user_id", u.ID, "err", err)
	} else {
		u.LastLoginAt = &now
	}
	cancel()

	if s.hasher.NeedsRehash(u.PasswordHash) {
		s.rehash(ctx, u.ID, password)
	}

	return s.openSession(ctx, u)
}

// rehash upgrades a stored hash to the current parameters. Failures keep the
// old hash, which still verifies.
func (s *Service) rehash(ctx context.Context, userID, password string) {
	hash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		s.log.WarnContext(ctx, "identity.rehash_failed", "user_id", userID, "err", err)
		return
	}

	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.users.UpdatePasswordHash(cctx, userID, hash); err != nil {
		s.log.WarnContext(ctx, "identity.rehash_failed", "user_id", userID, "err", err)
		return
	}
	s.log.InfoContext(ctx, "identity.password_rehashed", "user_id", userID)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (res AuthResult, err error) {
	ctx, span := tracer.Start(ctx, "identity.Refresh")
	defer func() { s.finish(span, "refresh", err) }()

	claims, err := s.tokens.VerifyRefreshToken(refreshToken)
	if err != nil {
		return AuthResult{}, ErrInvalidToken.wrap(err)
	}

	u, err := s.getByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return AuthResult{}, ErrInvalidToken
		}
		return AuthResult{}, internalError(fmt.Errorf("load user: %w", err))
	}
	if !u.CanAuthenticate() {
		return AuthResult{}, ErrInvalidToken
	}

	// the new pair carries the identity asserted by the refresh token
	id := claims.Identity()

	access, accessClaims, err := s.tokens.IssueAccessToken(id)
	if err != nil {
		return AuthResult{}, internalError(fmt.Errorf("issue access token: %w", err))
	}
	next, nextClaims, err := s.tokens.IssueRefreshToken(id)
	if err != nil {
		return AuthResult{}, internalError(fmt.Errorf("issue refresh token: %w", err))
	}

	now := s.now().UTC()
	record := session.RefreshToken{
		ID:        nextClaims.JTI,
		UserID:    u.ID,
		TokenHash: s.tokens.HashRefreshToken(next),
		ExpiresAt: nextClaims.Expiry(),
		CreatedAt: now,
	}

	cctx, cancel := s.storeCtx(ctx)
	err = s.refresh.Rotate(cctx, claims.JTI, s.tokens.HashRefreshToken(refreshToken), record, now)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRefreshReused):
			s.revokeAll(ctx, u.ID, "refresh_reuse")
			s.log.WarnContext(ctx, "identity.refresh_reuse_detected", "user_id", u.ID, "jti", claims.JTI)
			return AuthResult{}, ErrInvalidToken.wrap(err)
		case errors.Is(err, session.ErrRefreshNotFound),
			errors.Is(err, session.ErrRefreshExpired),
			errors.Is(err, session.ErrRefreshMismatch):
			return AuthResult{}, ErrInvalidToken.wrap(err)
		default:
			return AuthResult{}, internalError(fmt.Errorf("rotate refresh token: %w", err))
		}
	}

	return AuthResult{
		User:             u.Public(),
		AccessToken:      access,
		AccessExpiresAt:  accessClaims.Expiry(),
		RefreshToken:     next,
		RefreshExpiresAt: nextClaims.Expiry(),
	}, nil
}

// Logout never fails. It revokes the presented refresh token when it belongs
// to the caller and denylists the access token until it would have expired.
func (s *Service) Logout(ctx context.Context, in LogoutInput) {
	ctx, span := tracer.Start(ctx, "identity.Logout")
	defer s.finish(span, "logout", nil)

	now := s.now().UTC()

	if in.RefreshToken != "" {
		claims, err := s.tokens.VerifyRefreshToken(in.RefreshToken)
		switch {
		case err != nil:
			s.log.DebugContext(ctx, "identity.logout_refresh_invalid", "user_id", in.UserID)
		case claims.UserID != in.UserID:
			s.log.WarnContext(ctx, "identity.logout_refresh_foreign", "user_id", in.UserID)
		default:
			cctx, cancel := s.storeCtx(ctx)
			if err := s.refresh.Revoke(cctx, claims.JTI, in.UserID, now); err != nil && !errors.Is(err, session.ErrRefreshNotFound) {
				s.log.WarnContext(ctx, "identity.logout_revoke_failed", "user_id", in.UserID, "err", err)
			}
			cancel()
		}
	}

	if s.denylist != nil && in.AccessJTI != "" && in.AccessExpiresAt.After(now) {
		cctx, cancel := s.storeCtx(ctx)
		if err := s.denylist.Deny(cctx, in.AccessJTI, in.AccessExpiresAt); err != nil {
			s.log.WarnContext(ctx, "identity.logout_deny_failed", "user_id", in.UserID, "err", err)
		}
		cancel()
	}

	s.log.InfoContext(ctx, "identity.logged_out", "user_id", in.UserID)
}

// IsAccessDenied reports whether an access token id was logged out. Without a
// denylist nothing is denied.
func (s *Service) IsAccessDenied(ctx context.Context, jti string) (bool, error) {
	if s.denylist == nil || jti == "" {
		return false, nil
	}
	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.denylist.IsDenied(cctx, jti)
}

func (s *Service) GetCurrentUser(ctx context.Context, userID string) (user.Public, error) {
	u, err := s.getByID(ctx, userID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return user.Public{}, ErrUserNotFound
		}
		return user.Public{}, internalError(fmt.Errorf("load user: %w", err))
	}
	return u.Public(), nil
}

// openSession issues an access/refresh pair and stores the refresh rotation
// record.
func (s *Service) openSession(ctx context.Context, u user.User) (AuthResult, error) {
	id := auth.Identity{UserID: u.ID, Email: u.Email, Role: string(u.Role)}

	access, accessClaims, err := s.tokens.IssueAccessToken(id)
	if err != nil {
		return AuthResult{}, internalError(fmt.Errorf("issue access token: %w", err))
	}
	refresh, refreshClaims, err := s.tokens.IssueRefreshToken(id)
	if err != nil {
		return AuthResult{}, internalError(fmt.Errorf("issue refresh token: %w", err))
	}

	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	err = s.refresh.Save(cctx, session.RefreshToken{
		ID:        refreshClaims.JTI,
		UserID:    u.ID,
		TokenHash: s.tokens.HashRefreshToken(refresh),
		ExpiresAt: refreshClaims.Expiry(),
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return AuthResult{}, internalError(fmt.Errorf("save refresh token: %w", err))
	}

	return AuthResult{
		User:             u.Public(),
		AccessToken:      access,
		AccessExpiresAt:  accessClaims.Expiry(),
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshClaims.Expiry(),
	}, nil
}

func (s *Service) revokeAll(ctx context.Context, userID, reason string) {
	cctx, cancel := s.storeCtx(ctx)
	defer cancel()

	n, err := s.refresh.RevokeAllForUser(cctx, userID, s.now().UTC())
	if err != nil {
		s.log.ErrorContext(ctx, "identity.revoke_all_failed", "user_id", userID, "reason", reason, "err", err)
		return
	}
	s.log.InfoContext(ctx, "identity.sessions_revoked", "user_id", userID, "reason", reason, "count", n)
}

func (s *Service) getByEmail(ctx context.Context, email string) (user.User, error) {
	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.users.GetByEmail(cctx, email)
}

func (s *Service) getByID(ctx context.Context, id string) (user.User, error) {
	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.users.GetByID(cctx, id)
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

func (s *Service) newOpaqueToken() (raw, digest string, err error) {
	raw, err = security.GenerateToken(s.cfg.TokenBytes)
	if err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	return raw, security.HashToken(raw), nil
}

// finish records the outcome of op on its span and in metrics.
func (s *Service) finish(span trace.Span, op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
		span.SetStatus(codes.Error, outcome)
		if KindOf(err) == KindInternal {
			span.RecordError(err)
		}
	}
	s.metrics.ObserveAuth(op, outcome)
	span.End()
}

package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/geocoder89/schoolhub/internal/domain/user"
	"github.com/geocoder89/schoolhub/internal/security"
)

// ForgotPassword always succeeds from the caller's point of view. The lookup,
// token write and send all happen in the background, so known and unknown
// emails return after the same work.
func (s *Service) ForgotPassword(ctx context.Context, email string) {
	ctx, span := tracer.Start(ctx, "identity.ForgotPassword")
	defer s.finish(span, "forgot_password", nil)

	email = user.NormalizeEmail(email)
	s.background(ctx, func(ctx context.Context) {
		s.issueReset(ctx, email)
	})
}

func (s *Service) issueReset(ctx context.Context, email string) {
	u, err := s.getByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, user.ErrNotFound) {
			s.log.ErrorContext(ctx, "identity.forgot_password_lookup_failed", "err", err)
		}
		return
	}

	raw, digest, err := s.newOpaqueToken()
	if err != nil {
		s.log.ErrorContext(ctx, "identity.forgot_password_token_failed", "err", err)
		return
	}
	expiresAt := s.now().UTC().Add(s.cfg.ResetTTL)

	cctx, cancel := s.storeCtx(ctx)
	err = s.users.SetResetToken(cctx, u.ID, digest, expiresAt)
	cancel()
	if err != nil {
		s.log.ErrorContext(ctx, "identity.forgot_password_store_failed", "user_id", u.ID, "err", err)
		return
	}

	s.sendOrQueue(ctx, deliveryPasswordReset, u, raw, expiresAt)
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) (err error) {
	ctx, span := tracer.Start(ctx, "identity.ResetPassword")
	defer func() { s.finish(span, "reset_password", err) }()

	if token == "" {
		return ErrInvalidOrExpiredToken
	}
	if err := user.ValidatePassword(newPassword); err != nil {
		return validationError(err)
	}

	hash, err := s.hasher.Hash(ctx, newPassword)
	if err != nil {
		return internalError(fmt.Errorf("hash password: %w", err))
	}

	cctx, cancel := s.storeCtx(ctx)
	u, err := s.users.ConsumeResetToken(cctx, security.HashToken(token), hash, s.now().UTC())
	cancel()
	if err != nil {
		if errors.Is(err, user.ErrTokenNotFound) {
			return ErrInvalidOrExpiredToken
		}
		return internalError(fmt.Errorf("consume reset token: %w", err))
	}

	s.revokeAll(ctx, u.ID, "password_reset")
	s.log.InfoContext(ctx, "identity.password_reset", "user_id", u.ID)
	return nil
}

func (s *Service) VerifyEmail(ctx context.Context, token string) (_ user.Public, err error) {
	ctx, span := tracer.Start(ctx, "identity.VerifyEmail")
	defer func() { s.finish(span, "verify_email", err) }()

	if token == "" {
		return user.Public{}, ErrInvalidOrExpiredToken
	}

	cctx, cancel := s.storeCtx(ctx)
	u, err := s.users.ConsumeVerificationToken(cctx, security.HashToken(token), s.now().UTC())
	cancel()
	if err != nil {
		if errors.Is(err, user.ErrTokenNotFound) {
			return user.Public{}, ErrInvalidOrExpiredToken
		}
		return user.Public{}, internalError(fmt.Errorf("consume verification token: %w", err))
	}

	s.log.InfoContext(ctx, "identity.email_verified", "user_id", u.ID)
	return u.Public(), nil
}

// ResendVerification answers like ForgotPassword. Only accounts still waiting
// for verification get a new link, and the new token replaces the old one.
func (s *Service) ResendVerification(ctx context.Context, email string) {
	ctx, span := tracer.Start(ctx, "identity.ResendVerification")
	defer s.finish(span, "resend_verification", nil)

	email = user.NormalizeEmail(email)
	s.background(ctx, func(ctx context.Context) {
		s.reissueVerification(ctx, email)
	})
}

func (s *Service) reissueVerification(ctx context.Context, email string) {
	u, err := s.getByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, user.ErrNotFound) {
			s.log.ErrorContext(ctx, "identity.resend_lookup_failed", "err", err)
		}
		return
	}
	if u.Status != user.StatusPendingVerification {
		return
	}

	raw, digest, err := s.newOpaqueToken()
	if err != nil {
		s.log.ErrorContext(ctx, "identity.resend_token_failed", "err", err)
		return
	}
	expiresAt := s.now().UTC().Add(s.cfg.VerificationTTL)

	cctx, cancel := s.storeCtx(ctx)
	err = s.users.SetVerificationToken(cctx, u.ID, digest, expiresAt)
	cancel()
	if err != nil {
		s.log.ErrorContext(ctx, "identity.resend_store_failed", "user_id", u.ID, "err", err)
		return
	}

	s.sendOrQueue(ctx, deliveryVerification, u, raw, expiresAt)
}

// RedeliverVerification is run by the delivery worker. It mints a fresh token
// so raw tokens never sit in the job queue, and stores it only after the
// provider accepted the message, so a failed attempt leaves the state the job
// was queued against. failedExpiry is the expiry of the token whose delivery
// failed; a stored token expiring later came from a newer request and is left
// alone. A returned error asks the worker to retry; nil with nothing sent
// means the job is obsolete.
func (s *Service) RedeliverVerification(ctx context.Context, userID string, failedExpiry time.Time) error {
	u, err := s.getByID(ctx, userID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load user: %w", err)
	}
	if u.Status != user.StatusPendingVerification || supersedes(u.VerificationExpiresAt, failedExpiry) {
		s.log.DebugContext(ctx, "identity.redelivery_skipped", "kind", string(deliveryVerification), "user_id", userID)
		return nil
	}

	raw, digest, err := s.newOpaqueToken()
	if err != nil {
		return err
	}
	expiresAt := s.now().UTC().Add(s.cfg.VerificationTTL)

	if err := s.deliverNow(ctx, deliveryVerification, u, raw, expiresAt); err != nil {
		return err
	}

	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.users.SetVerificationToken(cctx, u.ID, digest, expiresAt); err != nil {
		return fmt.Errorf("store verification token: %w", err)
	}
	return nil
}

// RedeliverPasswordReset resends a reset link unless the request it served is
// gone: the token was redeemed or a newer reset was requested.
func (s *Service) RedeliverPasswordReset(ctx context.Context, userID string, failedExpiry time.Time) error {
	u, err := s.getByID(ctx, userID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load user: %w", err)
	}
	if u.ResetTokenHash == nil || supersedes(u.ResetExpiresAt, failedExpiry) {
		s.log.DebugContext(ctx, "identity.redelivery_skipped", "kind", string(deliveryPasswordReset), "user_id", userID)
		return nil
	}

	raw, digest, err := s.newOpaqueToken()
	if err != nil {
		return err
	}
	expiresAt := s.now().UTC().Add(s.cfg.ResetTTL)

	if err := s.deliverNow(ctx, deliveryPasswordReset, u, raw, expiresAt); err != nil {
		return err
	}

	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.users.SetResetToken(cctx, u.ID, digest, expiresAt); err != nil {
		return fmt.Errorf("store reset token: %w", err)
	}
	return nil
}

// supersedes reports whether the stored token expiry belongs to a token issued
// after the one whose delivery failed. A zero failedExpiry never matches.
func supersedes(stored *time.Time, failedExpiry time.Time) bool {
	return stored != nil && !failedExpiry.IsZero() && stored.After(failedExpiry)
}

package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/geocoder89/schoolhub/internal/auth"
	"github.com/geocoder89/schoolhub/internal/authz"
	"github.com/geocoder89/schoolhub/internal/domain/user"
)

// ChangeStatus applies an admin status change. Leaving ACTIVE ends every
// session of the target user.
func (s *Service) ChangeStatus(ctx context.Context, actor *auth.Identity, userID string, to user.Status) (_ user.Public, err error) {
	ctx, span := tracer.Start(ctx, "identity.ChangeStatus")
	defer func() { s.finish(span, "change_status", err) }()

	if err := s.requireAdmin(actor); err != nil {
		return user.Public{}, err
	}
	if actor.UserID == userID {
		return user.Public{}, ErrForbidden
	}
	if !to.IsValid() {
		return user.Public{}, invalidField("status", "must be one of PENDING_VERIFICATION ACTIVE SUSPENDED INACTIVE")
	}

	current, err := s.getByID(ctx, userID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return user.Public{}, ErrUserNotFound
		}
		return user.Public{}, internalError(fmt.Errorf("load user: %w", err))
	}

	// activation is earned through the emailed link, whatever the path
	if to == user.StatusActive && !current.EmailVerified {
		return user.Public{}, ErrInvalidTransition.wrap(user.ErrEmailUnverified)
	}

	next := current
	if err := next.Transition(to); err != nil {
		return user.Public{}, ErrInvalidTransition.wrap(err)
	}

	cctx, cancel := s.storeCtx(ctx)
	updated, err := s.users.UpdateStatus(cctx, userID, current.Status, to)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, user.ErrNotFound):
			return user.Public{}, ErrUserNotFound
		case errors.Is(err, user.ErrStatusChanged), errors.Is(err, user.ErrInvalidTransition):
			return user.Public{}, ErrInvalidTransition.wrap(err)
		default:
			return user.Public{}, internalError(fmt.Errorf("update status: %w", err))
		}
	}

	if current.Status == user.StatusActive {
		s.revokeAll(ctx, userID, "status_"+string(to))
	}

	s.log.InfoContext(ctx, "identity.status_changed",
		"user_id", userID,
		"actor_id", actor.UserID,
		"from", string(current.Status),
		"to", string(to),
	)
	return updated.Public(), nil
}

// GetUser returns a profile to its owner or to an admin.
func (s *Service) GetUser(ctx context.Context, actor *auth.Identity, userID string) (user.Public, error) {
	if err := authz.RequireOwnership(actor, userID); err != nil {
		return user.Public{}, fromGuard(err)
	}
	return s.GetCurrentUser(ctx, userID)
}

// DeleteUser removes an account and its sessions. Admins cannot delete
// themselves.
func (s *Service) DeleteUser(ctx context.Context, actor *auth.Identity, userID string) (err error) {
	ctx, span := tracer.Start(ctx, "identity.DeleteUser")
	defer func() { s.finish(span, "delete_user", err) }()

	if err := s.requireAdmin(actor); err != nil {
		return err
	}
	if actor.UserID == userID {
		return ErrForbidden
	}

	s.revokeAll(ctx, userID, "deleted")

	cctx, cancel := s.storeCtx(ctx)
	err = s.users.Delete(cctx, userID)
	cancel()
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return ErrUserNotFound
		}
		return internalError(fmt.Errorf("delete user: %w", err))
	}

	s.log.InfoContext(ctx, "identity.user_deleted", "user_id", userID, "actor_id", actor.UserID)
	return nil
}

func (s *Service) requireAdmin(actor *auth.Identity) error {
	if err := authz.RequireRole(actor, user.RoleAdmin); err != nil {
		return fromGuard(err)
	}
	return nil
}

func fromGuard(err error) error {
	switch {
	case errors.Is(err, authz.ErrUnauthenticated):
		return ErrUnauthenticated
	case errors.Is(err, authz.ErrForbidden):
		return ErrForbidden
	default:
		return internalError(err)
	}
}

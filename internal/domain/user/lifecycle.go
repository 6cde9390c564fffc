package user

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid user status transition")
	ErrEmailUnverified   = errors.New("email address not verified")
)

// transitions lists every legal status move. PENDING_VERIFICATION is only ever
// left, never re-entered.
var transitions = map[Status][]Status{
	StatusPendingVerification: {StatusActive, StatusInactive},
	StatusActive:              {StatusSuspended, StatusInactive},
	StatusSuspended:           {StatusActive, StatusInactive},
	StatusInactive:            {StatusActive},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves u to the target status or returns ErrInvalidTransition.
// Reaching ACTIVE requires a verified email; only Verify sets that flag.
func (u *User) Transition(to Status) error {
	if !to.IsValid() || !CanTransition(u.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, u.Status, to)
	}
	if to == StatusActive && !u.EmailVerified {
		return fmt.Errorf("%w: %w", ErrInvalidTransition, ErrEmailUnverified)
	}

	u.Status = to
	return nil
}

// Verify records a redeemed verification token: the email is marked verified,
// the token is dropped and the account becomes ACTIVE.
func (u *User) Verify() error {
	if u.Status != StatusPendingVerification {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, u.Status, StatusActive)
	}

	u.EmailVerified = true
	u.VerificationTokenHash = nil
	u.VerificationExpiresAt = nil
	u.Status = StatusActive
	return nil
}

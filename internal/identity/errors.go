package identity

import (
	"errors"

	"github.com/geocoder89/schoolhub/internal/domain/user"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindConflict
	KindNotFound
	KindInvalidToken
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindInvalidToken:
		return "invalid_token"
	default:
		return "internal"
	}
}

// Error is the only error type the service hands to the transport layer.
// Message is safe to show to callers; Err carries the internal cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Fields  []user.FieldError
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind and code, so a sentinel still compares equal after wrap.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func (e *Error) wrap(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

var (
	ErrInvalidCredentials = &Error{
		Kind:    KindAuthentication,
		Code:    "invalid_credentials",
		Message: "Email or password is incorrect, or the account is not active.",
	}
	ErrUnauthenticated = &Error{
		Kind:    KindAuthentication,
		Code:    "unauthorized",
		Message: "Authentication required.",
	}
	ErrInvalidToken = &Error{
		Kind:    KindAuthentication,
		Code:    "invalid_token",
		Message: "Invalid or expired token.",
	}
	ErrInvalidOrExpiredToken = &Error{
		Kind:    KindInvalidToken,
		Code:    "invalid_or_expired_token",
		Message: "Invalid or expired token.",
	}
	ErrEmailTaken = &Error{
		Kind:    KindConflict,
		Code:    "email_taken",
		Message: "Email is already in use.",
	}
	ErrInvalidTransition = &Error{
		Kind:    KindConflict,
		Code:    "invalid_transition",
		Message: "The requested status change is not allowed.",
	}
	ErrUserNotFound = &Error{
		Kind:    KindNotFound,
		Code:    "not_found",
		Message: "User not found.",
	}
	ErrForbidden = &Error{
		Kind:    KindAuthorization,
		Code:    "forbidden",
		Message: "You do not have permission to perform this action.",
	}
)

func internalError(cause error) error {
	return &Error{Kind: KindInternal, Code: "internal_error", Message: "internal error", Err: cause}
}

func validationError(cause error) error {
	e := &Error{Kind: KindValidation, Code: "invalid_request", Message: "Invalid request", Err: cause}

	var verr *user.ValidationError
	if errors.As(cause, &verr) {
		e.Fields = verr.Fields
	}
	return e
}

func invalidField(field, msg string) error {
	return validationError(&user.ValidationError{Fields: []user.FieldError{{Field: field, Message: msg}}})
}

// KindOf reports the kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

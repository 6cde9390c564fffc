package user

import (
	"errors"
	"time"
)

type Role string

const (
	RoleStudent Role = "STUDENT"
	RoleTeacher Role = "TEACHER"
	RoleAdmin   Role = "ADMIN"
	RoleParent  Role = "PARENT"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleAdmin, RoleParent:
		return true
	default:
		return false
	}
}

type Status string

const (
	StatusPendingVerification Status = "PENDING_VERIFICATION"
	StatusActive              Status = "ACTIVE"
	StatusSuspended           Status = "SUSPENDED"
	StatusInactive            Status = "INACTIVE"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPendingVerification, StatusActive, StatusSuspended, StatusInactive:
		return true
	default:
		return false
	}
}

var (
	ErrNotFound   = errors.New("user not found")
	ErrEmailTaken = errors.New("email already in use")
	// ErrStatusChanged is returned by conditional status updates when the
	// stored status no longer matches the expected one.
	ErrStatusChanged = errors.New("user status changed concurrently")
	// ErrTokenNotFound is returned when no user holds a matching, unexpired
	// verification or reset token digest.
	ErrTokenNotFound = errors.New("token not found")
)

type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"` // never expose hash in JSON
	Role         Role   `json:"role"`
	Status       Status `json:"status"`

	EmailVerified         bool       `json:"emailVerified"`
	VerificationTokenHash *string    `json:"-"`
	VerificationExpiresAt *time.Time `json:"-"`
	ResetTokenHash        *string    `json:"-"`
	ResetExpiresAt        *time.Time `json:"-"`

	Profile

	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type Profile struct {
	FirstName  string            `json:"firstName"`
	LastName   string            `json:"lastName"`
	Phone      string            `json:"phone,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// CanAuthenticate reports whether the account may obtain a session.
func (u User) CanAuthenticate() bool {
	return u.Status == StatusActive
}

// Public is the projection returned to API callers. It never carries the
// password hash or any token digest.
type Public struct {
	ID            string            `json:"id"`
	Email         string            `json:"email"`
	Role          Role              `json:"role"`
	Status        Status            `json:"status"`
	EmailVerified bool              `json:"emailVerified"`
	FirstName     string            `json:"firstName"`
	LastName      string            `json:"lastName"`
	Phone         string            `json:"phone,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	LastLoginAt   *time.Time        `json:"lastLoginAt,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

func (u User) Public() Public {
	var attrs map[string]string
	if len(u.Attributes) > 0 {
		attrs = make(map[string]string, len(u.Attributes))
		for k, v := range u.Attributes {
			attrs[k] = v
		}
	}

	return Public{
		ID:            u.ID,
		Email:         u.Email,
		Role:          u.Role,
		Status:        u.Status,
		EmailVerified: u.EmailVerified,
		FirstName:     u.FirstName,
		LastName:      u.LastName,
		Phone:         u.Phone,
		Attributes:    attrs,
		LastLoginAt:   u.LastLoginAt,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

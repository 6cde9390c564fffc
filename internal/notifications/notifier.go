package notifications

import (
	"context"
	"time"
)

// LinkMessage carries a single use link to one recipient. Link embeds the raw
// token, so implementations must not log it.
type LinkMessage struct {
	Email     string
	Name      string
	Link      string
	ExpiresAt time.Time
}

// Notifier is the delivery gateway for account emails.
type Notifier interface {
	SendVerificationLink(ctx context.Context, msg LinkMessage) error
	SendPasswordResetLink(ctx context.Context, msg LinkMessage) error
}

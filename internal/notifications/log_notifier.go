package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// LogNotifier stands in for a real provider in dev. It logs recipients only.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier { return &LogNotifier{log: log} }

func (n *LogNotifier) SendVerificationLink(ctx context.Context, msg LinkMessage) error {
	return n.send(ctx, "verification", msg)
}

func (n *LogNotifier) SendPasswordResetLink(ctx context.Context, msg LinkMessage) error {
	return n.send(ctx, "password_reset", msg)
}

func (n *LogNotifier) send(ctx context.Context, kind string, msg LinkMessage) error {
	// Optional: simulate slow provider
	if msStr := os.Getenv("NOTIFIER_SLEEP_MS"); msStr != "" {
		ms, _ := strconv.Atoi(msStr)
		if ms > 0 {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	// Optional: simulate provider outage
	if os.Getenv("NOTIFIER_FAIL") == "1" {
		return fmt.Errorf("provider down (simulated)")
	}

	n.log.DebugContext(ctx, "notification.sent",
		"kind", kind,
		"email", msg.Email,
		"expires_at", msg.ExpiresAt,
	)
	return nil
}

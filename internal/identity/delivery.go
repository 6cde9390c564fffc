package identity

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/geocoder89/schoolhub/internal/domain/user"
	"github.com/geocoder89/schoolhub/internal/jobs"
	"github.com/geocoder89/schoolhub/internal/notifications"
)

type deliveryKind string

const (
	deliveryVerification  deliveryKind = "verification"
	deliveryPasswordReset deliveryKind = "password_reset"
)

func (k deliveryKind) path() string {
	if k == deliveryPasswordReset {
		return "/reset-password"
	}
	return "/verify-email"
}

func (k deliveryKind) jobType() jobs.JobType {
	if k == deliveryPasswordReset {
		return jobs.JobSendPasswordResetEmail
	}
	return jobs.JobSendVerificationEmail
}

type deliverer struct {
	n notifications.Notifier
}

func (d deliverer) send(ctx context.Context, kind deliveryKind, msg notifications.LinkMessage) error {
	if kind == deliveryPasswordReset {
		return d.n.SendPasswordResetLink(ctx, msg)
	}
	return d.n.SendVerificationLink(ctx, msg)
}

func (s *Service) link(kind deliveryKind, raw string) string {
	return s.cfg.BaseURL + kind.path() + "?token=" + url.QueryEscape(raw)
}

func (s *Service) message(kind deliveryKind, u user.User, raw string, expiresAt time.Time) notifications.LinkMessage {
	return notifications.LinkMessage{
		Email:     u.Email,
		Name:      strings.TrimSpace(u.FirstName + " " + u.LastName),
		Link:      s.link(kind, raw),
		ExpiresAt: expiresAt,
	}
}

// background runs fn on a tracked goroutine detached from the request's
// cancellation. Wait blocks until every such goroutine is done.
func (s *Service) background(ctx context.Context, fn func(ctx context.Context)) {
	bg := context.WithoutCancel(ctx)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		fn(bg)
	}()
}

// deliverAsync sends in the background. A failed send is queued for
// redelivery.
func (s *Service) deliverAsync(ctx context.Context, kind deliveryKind, u user.User, raw string, expiresAt time.Time) {
	s.background(ctx, func(ctx context.Context) {
		s.sendOrQueue(ctx, kind, u, raw, expiresAt)
	})
}

func (s *Service) sendOrQueue(ctx context.Context, kind deliveryKind, u user.User, raw string, expiresAt time.Time) {
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	defer cancel()

	err := s.notifier.send(sendCtx, kind, s.message(kind, u, raw, expiresAt))
	if err == nil {
		s.metrics.ObserveDelivery(string(kind), "sent")
		return
	}

	s.metrics.ObserveDelivery(string(kind), "failed")
	s.log.WarnContext(ctx, "identity.delivery_failed", "kind", string(kind), "user_id", u.ID, "err", err)
	s.enqueueRedelivery(ctx, kind, u.ID, expiresAt)
}

// deliverNow sends synchronously and reports the error to the caller.
func (s *Service) deliverNow(ctx context.Context, kind deliveryKind, u user.User, raw string, expiresAt time.Time) error {
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	defer cancel()

	err := s.notifier.send(sendCtx, kind, s.message(kind, u, raw, expiresAt))
	if err != nil {
		s.metrics.ObserveDelivery(string(kind), "failed")
		return err
	}
	s.metrics.ObserveDelivery(string(kind), "sent")
	return nil
}

func (s *Service) enqueueRedelivery(ctx context.Context, kind deliveryKind, userID string, tokenExpiresAt time.Time) {
	if s.redeliver == nil {
		return
	}

	cctx, cancel := s.storeCtx(ctx)
	defer cancel()

	if err := s.redeliver.EnqueueDelivery(cctx, kind.jobType(), userID, tokenExpiresAt); err != nil {
		s.log.ErrorContext(ctx, "identity.redelivery_enqueue_failed", "kind", string(kind), "user_id", userID, "err", err)
		return
	}
	s.metrics.ObserveDelivery(string(kind), "queued")
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/geocoder89/schoolhub/internal/domain/job"
)

type Creator interface {
	Create(ctx context.Context, req job.CreateRequest) (job.Job, error)
}

// Enqueuer turns failed deliveries into retry jobs.
type Enqueuer struct {
	repo Creator
	// Delay before the first retry.
	Delay time.Duration
	now   func() time.Time
}

func NewEnqueuer(repo Creator) *Enqueuer {
	return &Enqueuer{
		repo:  repo,
		Delay: 30 * time.Second,
		now:   time.Now,
	}
}

// EnqueueDelivery queues one retry per issued token: repeated enqueues for the
// same token collapse into a single job.
func (e *Enqueuer) EnqueueDelivery(ctx context.Context, t JobType, userID string, tokenExpiresAt time.Time) error {
	payload, err := EncodePayload(t, DeliveryPayload{UserID: userID, TokenExpiresAt: tokenExpiresAt.UTC()})
	if err != nil {
		return err
	}

	now := e.now().UTC()
	key := fmt.Sprintf("%s:%s:%d", t, userID, tokenExpiresAt.UnixNano())

	_, err = e.repo.Create(ctx, job.CreateRequest{
		Type:           string(t),
		Payload:        payload,
		RunAt:          now.Add(e.Delay),
		IdempotencyKey: &key,
		UserID:         &userID,
	})
	if errors.Is(err, job.ErrDuplicate) {
		return nil
	}
	return err
}

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/geocoder89/schoolhub/internal/domain/job"
)

func TestJobsRepo_IdempotencyAndClaim(t *testing.T) {
	r := NewJobsRepo()
	ctx := context.Background()
	key := "send_verification_email:u1:0"

	j, err := r.Create(ctx, job.CreateRequest{Type: "send_verification_email", Payload: []byte(`{"userId":"u1"}`), IdempotencyKey: &key})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Create(ctx, job.CreateRequest{Type: "send_verification_email", IdempotencyKey: &key}); !errors.Is(err, job.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	claimed, err := r.ClaimNext(ctx, "w1")
	if err != nil || claimed.ID != j.ID {
		t.Fatalf("ClaimNext: %v %v", claimed.ID, err)
	}
	if _, err := r.ClaimNext(ctx, "w2"); !errors.Is(err, job.ErrJobNotFound) {
		t.Fatalf("claimed job must not be handed out twice, got %v", err)
	}
}

func TestJobsRepo_FutureJobsWait(t *testing.T) {
	r := NewJobsRepo()
	ctx := context.Background()

	_, _ = r.Create(ctx, job.CreateRequest{Type: "t", RunAt: time.Now().Add(time.Hour)})
	if _, err := r.ClaimNext(ctx, "w1"); !errors.Is(err, job.ErrJobNotFound) {
		t.Fatalf("expected no ready job, got %v", err)
	}
}

func TestJobsRepo_RequeueStale(t *testing.T) {
	r := NewJobsRepo()
	ctx := context.Background()

	_, _ = r.Create(ctx, job.CreateRequest{Type: "t"})
	if _, err := r.ClaimNext(ctx, "w1"); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, _ := r.RequeueStaleProcessing(ctx, time.Minute)
	if n != 1 {
		t.Fatalf("expected 1 requeued, got %d", n)
	}
}

func TestJobsRepo_RetryFailed(t *testing.T) {
	r := NewJobsRepo()
	ctx := context.Background()

	j, _ := r.Create(ctx, job.CreateRequest{Type: "t"})
	if err := r.Retry(ctx, j.ID); !errors.Is(err, job.ErrJobNotFailed) {
		t.Fatalf("expected ErrJobNotFailed, got %v", err)
	}

	_ = r.MarkFailed(ctx, j.ID, "smtp down")
	if err := r.Retry(ctx, j.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	got, _ := r.GetByID(ctx, j.ID)
	if got.Status != job.StatusPending || got.Attempts != 0 || got.LastError != nil {
		t.Fatalf("job not reset: %+v", got)
	}

	if err := r.Retry(ctx, "missing"); !errors.Is(err, job.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobsRepo_ListCursorPages(t *testing.T) {
	r := NewJobsRepo()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = r.Create(ctx, job.CreateRequest{Type: "t"})
	}

	far := time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	page, next, more, err := r.ListCursor(ctx, nil, 2, far, "ffffffff-ffff-ffff-ffff-ffffffffffff")
	if err != nil || len(page) != 2 || !more || next == nil {
		t.Fatalf("first page: len=%d more=%v next=%v err=%v", len(page), more, next, err)
	}

	last := page[1]
	rest, _, more, err := r.ListCursor(ctx, nil, 2, last.UpdatedAt, last.ID)
	if err != nil || len(rest) != 1 || more {
		t.Fatalf("second page: len=%d more=%v err=%v", len(rest), more, err)
	}
	if rest[0].ID == page[0].ID || rest[0].ID == page[1].ID {
		t.Fatal("pages overlap")
	}
}

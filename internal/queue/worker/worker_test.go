package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/geocoder89/schoolhub/internal/domain/job"
)

type fakeRepo struct {
	mu          sync.Mutex
	queue       []job.Job
	done        []string
	failed      map[string]string
	rescheduled map[string]time.Time
}

func newFakeRepo(jobs ...job.Job) *fakeRepo {
	return &fakeRepo{
		queue:       jobs,
		failed:      make(map[string]string),
		rescheduled: make(map[string]time.Time),
	}
}

func (r *fakeRepo) ClaimNext(_ context.Context, workerID string) (job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queue) == 0 {
		return job.Job{}, job.ErrJobNotFound
	}
	j := r.queue[0]
	r.queue = r.queue[1:]
	j.Status = job.StatusProcessing
	j.LockedBy = &workerID
	return j, nil
}

func (r *fakeRepo) MarkDone(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = append(r.done, id)
	return nil
}

func (r *fakeRepo) MarkFailed(_ context.Context, id, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[id] = msg
	return nil
}

func (r *fakeRepo) Reschedule(_ context.Context, id string, runAt time.Time, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rescheduled[id] = runAt
	return nil
}

func (r *fakeRepo) RequeueStaleProcessing(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func newTestWorker(repo JobsRepository) *Worker {
	w := New(Config{WorkerID: "test"}, repo, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	w.backoff = func(int) time.Duration { return time.Minute }
	return w
}

func TestProcessOne_Empty(t *testing.T) {
	w := newTestWorker(newFakeRepo())

	processed, err := w.ProcessOne(context.Background())
	if err != nil || processed {
		t.Fatalf("expected nothing processed, got processed=%v err=%v", processed, err)
	}
}

func TestProcessOne_Success(t *testing.T) {
	j := job.New(job.CreateRequest{Type: "send_verification_email", Payload: []byte(`{"userId":"u1"}`)})
	repo := newFakeRepo(j)
	w := newTestWorker(repo)

	var got string
	w.Handle("send_verification_email", func(_ context.Context, j job.Job) error {
		got = string(j.Payload)
		return nil
	})

	processed, err := w.ProcessOne(context.Background())
	if err != nil || !processed {
		t.Fatalf("expected processed, got processed=%v err=%v", processed, err)
	}
	if got != `{"userId":"u1"}` {
		t.Fatalf("handler saw payload %q", got)
	}
	if len(repo.done) != 1 || repo.done[0] != j.ID {
		t.Fatalf("expected job marked done, got %v", repo.done)
	}
	if w.Metrics().Snapshot().Done != 1 {
		t.Fatalf("expected done metric 1")
	}
}

func TestProcessOne_RetryThenFail(t *testing.T) {
	j := job.New(job.CreateRequest{Type: "flaky", Payload: []byte(`{}`), MaxAttempts: 2})
	repo := newFakeRepo(j)
	w := newTestWorker(repo)
	w.Handle("flaky", func(context.Context, job.Job) error { return errors.New("smtp down") })

	if _, err := w.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if _, ok := repo.rescheduled[j.ID]; !ok {
		t.Fatalf("expected first failure to reschedule")
	}

	// second and last attempt
	j.Attempts = 1
	repo.queue = append(repo.queue, j)
	if _, err := w.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if msg := repo.failed[j.ID]; msg != "smtp down" {
		t.Fatalf("expected job failed with cause, got %q", msg)
	}
}

func TestProcessOne_UnknownTypeFailsPermanently(t *testing.T) {
	j := job.New(job.CreateRequest{Type: "nobody_handles_this", Payload: []byte(`{}`)})
	repo := newFakeRepo(j)
	w := newTestWorker(repo)

	if _, err := w.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if _, ok := repo.failed[j.ID]; !ok {
		t.Fatalf("expected unknown job type to fail without retry")
	}
	if len(repo.rescheduled) != 0 {
		t.Fatalf("unexpected reschedule")
	}
}

func TestProcessOne_PanicIsContained(t *testing.T) {
	j := job.New(job.CreateRequest{Type: "boom", Payload: []byte(`{}`)})
	repo := newFakeRepo(j)
	w := newTestWorker(repo)
	w.Handle("boom", func(context.Context, job.Job) error { panic("bad payload") })

	if _, err := w.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if _, ok := repo.failed[j.ID]; !ok {
		t.Fatalf("expected panicking job to be failed")
	}
}

func TestExponentialBackoff_Capped(t *testing.T) {
	if d := ExponentialBackoff(0); d < 2*time.Second || d >= 2*time.Second+250*time.Millisecond {
		t.Fatalf("attempt 0: unexpected delay %v", d)
	}
	if d := ExponentialBackoff(30); d > 5*time.Minute+250*time.Millisecond {
		t.Fatalf("attempt 30: delay %v exceeds cap", d)
	}
}

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/geocoder89/schoolhub/internal/domain/job"
	"github.com/geocoder89/schoolhub/internal/utils"
)

// JobsRepo is an in-process job queue with the same claim semantics as the
// postgres one, used when the service runs without a database.
type JobsRepo struct {
	mu    sync.Mutex
	items map[string]job.Job
	keys  map[string]string // idempotency key -> id
	now   func() time.Time
}

func NewJobsRepo() *JobsRepo {
	return &JobsRepo{
		items: make(map[string]job.Job),
		keys:  make(map[string]string),
		now:   time.Now,
	}
}

func (r *JobsRepo) Create(_ context.Context, req job.CreateRequest) (job.Job, error) {
	j := job.New(req)

	r.mu.Lock()
	defer r.mu.Unlock()

	if req.IdempotencyKey != nil {
		if _, ok := r.keys[*req.IdempotencyKey]; ok {
			return job.Job{}, job.ErrDuplicate
		}
		r.keys[*req.IdempotencyKey] = j.ID
	}
	r.items[j.ID] = j
	return j, nil
}

func (r *JobsRepo) ClaimNext(_ context.Context, workerID string) (job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	var ready []job.Job
	for _, j := range r.items {
		if j.Status == job.StatusPending && !j.RunAt.After(now) && j.Attempts < j.MaxAttempts {
			ready = append(ready, j)
		}
	}
	if len(ready) == 0 {
		return job.Job{}, job.ErrJobNotFound
	}

	sort.Slice(ready, func(a, b int) bool {
		if !ready[a].RunAt.Equal(ready[b].RunAt) {
			return ready[a].RunAt.Before(ready[b].RunAt)
		}
		return ready[a].CreatedAt.Before(ready[b].CreatedAt)
	})

	j := ready[0]
	j.Status = job.StatusProcessing
	j.LockedAt = &now
	j.LockedBy = &workerID
	j.UpdatedAt = now
	r.items[j.ID] = j
	return j, nil
}

func (r *JobsRepo) MarkDone(_ context.Context, id string) error {
	return r.update(id, func(j *job.Job) {
		j.Status = job.StatusDone
		j.LastError = nil
	})
}

func (r *JobsRepo) MarkFailed(_ context.Context, id, errMsg string) error {
	return r.update(id, func(j *job.Job) {
		j.Status = job.StatusFailed
		j.Attempts++
		j.LastError = &errMsg
	})
}

func (r *JobsRepo) Reschedule(_ context.Context, id string, runAt time.Time, errMsg string) error {
	return r.update(id, func(j *job.Job) {
		j.Status = job.StatusPending
		j.Attempts++
		j.RunAt = runAt
		j.LastError = &errMsg
	})
}

func (r *JobsRepo) RequeueStaleProcessing(_ context.Context, lockTTL time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().UTC().Add(-lockTTL)
	var n int64
	for id, j := range r.items {
		if j.Status == job.StatusProcessing && j.LockedAt != nil && j.LockedAt.Before(cutoff) {
			j.Status = job.StatusPending
			j.LockedAt = nil
			j.LockedBy = nil
			r.items[id] = j
			n++
		}
	}
	return n, nil
}

func (r *JobsRepo) GetByID(_ context.Context, id string) (job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.items[id]
	if !ok {
		return job.Job{}, job.ErrJobNotFound
	}
	return j, nil
}

// ListCursor pages jobs by (UpdatedAt, ID) descending.
func (r *JobsRepo) ListCursor(
	_ context.Context,
	status *string,
	limit int,
	afterUpdatedAt time.Time,
	afterID string,
) ([]job.Job, *string, bool, error) {
	r.mu.Lock()
	var out []job.Job
	for _, j := range r.items {
		if status != nil && string(j.Status) != *status {
			continue
		}
		if j.UpdatedAt.After(afterUpdatedAt) || (j.UpdatedAt.Equal(afterUpdatedAt) && j.ID >= afterID) {
			continue
		}
		out = append(out, j)
	}
	r.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if !out[a].UpdatedAt.Equal(out[b].UpdatedAt) {
			return out[a].UpdatedAt.After(out[b].UpdatedAt)
		}
		return out[a].ID > out[b].ID
	})

	if len(out) <= limit {
		return out, nil, false, nil
	}

	out = out[:limit]
	last := out[len(out)-1]
	cur, err := utils.EncodeJobCursor(last.UpdatedAt, last.ID)
	if err != nil {
		return nil, nil, false, err
	}
	return out, &cur, true, nil
}

func (r *JobsRepo) Retry(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.items[id]
	if !ok {
		return job.ErrJobNotFound
	}
	if j.Status != job.StatusFailed {
		return job.ErrJobNotFailed
	}
	r.items[id] = r.requeued(j)
	return nil
}

func (r *JobsRepo) RetryManyFailed(_ context.Context, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, j := range r.items {
		if int(n) >= limit {
			break
		}
		if j.Status == job.StatusFailed {
			r.items[id] = r.requeued(j)
			n++
		}
	}
	return n, nil
}

func (r *JobsRepo) requeued(j job.Job) job.Job {
	now := r.now().UTC()
	j.Status = job.StatusPending
	j.Attempts = 0
	j.RunAt = now
	j.LastError = nil
	j.LockedAt = nil
	j.LockedBy = nil
	j.UpdatedAt = now
	return j
}

// List returns every job, oldest first.
func (r *JobsRepo) List() []job.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]job.Job, 0, len(r.items))
	for _, j := range r.items {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

func (r *JobsRepo) update(id string, fn func(j *job.Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.items[id]
	if !ok {
		return job.ErrJobNotFound
	}
	fn(&j)
	j.LockedAt = nil
	j.LockedBy = nil
	j.UpdatedAt = r.now().UTC()
	r.items[id] = j
	return nil
}

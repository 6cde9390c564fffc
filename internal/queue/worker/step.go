package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/geocoder89/schoolhub/internal/domain/job"
)

// ProcessOne claims and runs at most one job. It reports whether a job was
// claimed.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	claimCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	j, err := w.repo.ClaimNext(claimCtx, w.cfg.WorkerID)
	cancel()

	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			return false, nil
		}
		return false, err
	}
	w.metrics.IncClaimed()

	start := time.Now()
	err = w.execute(ctx, j)
	elapsed := time.Since(start)
	w.metrics.ObserveDuration(elapsed)

	if err != nil {
		result := w.handleFailure(ctx, j, err)
		w.observe(j.Type, result, elapsed)
		return true, nil
	}

	if err := w.repo.MarkDone(ctx, j.ID); err != nil {
		_ = w.repo.MarkFailed(ctx, j.ID, "mark_done_failed: "+err.Error())
		return true, err
	}

	w.metrics.IncDone()
	w.observe(j.Type, "done", elapsed)
	w.log.Info("worker.job_done", "job_id", j.ID, "type", j.Type, "attempt", j.Attempts+1)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, j job.Job) (err error) {
	h, ok := w.handlers[j.Type]
	if !ok {
		return fmt.Errorf("%w: no handler for %q", ErrPermanent, j.Type)
	}

	if w.prom != nil {
		w.prom.JobsInFlight.Inc()
		defer w.prom.JobsInFlight.Dec()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrPermanent, r)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	return h(runCtx, j)
}

// handleFailure reschedules with backoff, or fails the job for good when it
// is permanent or out of attempts. It returns the metric result label.
func (w *Worker) handleFailure(ctx context.Context, j job.Job, cause error) string {
	msg := cause.Error()

	if errors.Is(cause, ErrPermanent) || j.Exhausted() {
		w.metrics.IncFailed()
		w.metrics.IncDeadLettered()
		if err := w.repo.MarkFailed(ctx, j.ID, msg); err != nil {
			w.log.Error("worker.mark_failed_error", "job_id", j.ID, "err", err)
		}
		w.log.Error("worker.job_failed", "job_id", j.ID, "type", j.Type, "attempts", j.Attempts+1, "err", msg)
		return "failed"
	}

	w.metrics.IncRetried()
	runAt := time.Now().UTC().Add(w.backoff(j.Attempts))
	if err := w.repo.Reschedule(ctx, j.ID, runAt, msg); err != nil {
		w.log.Error("worker.reschedule_error", "job_id", j.ID, "err", err)
	}
	w.log.Warn("worker.job_retry", "job_id", j.ID, "type", j.Type, "attempt", j.Attempts+1, "run_at", runAt, "err", msg)
	return "retry"
}

func (w *Worker) observe(jobType, result string, d time.Duration) {
	if w.prom == nil {
		return
	}
	w.prom.JobResults.WithLabelValues(jobType, result).Inc()
	w.prom.JobDuration.WithLabelValues(jobType, result).Observe(d.Seconds())
}

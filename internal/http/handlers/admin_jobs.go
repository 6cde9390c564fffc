package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/geocoder89/schoolhub/internal/domain/job"
	"github.com/geocoder89/schoolhub/internal/http/middlewares"
	"github.com/geocoder89/schoolhub/internal/utils"
)

// AdminJobsRepo is the operator view of the delivery retry queue.
type AdminJobsRepo interface {
	ListCursor(
		ctx context.Context,
		status *string,
		limit int,
		afterUpdatedAt time.Time,
		afterID string,
	) (items []job.Job, nextCursor *string, hasMore bool, err error)
	GetByID(ctx context.Context, id string) (job.Job, error)
	Retry(ctx context.Context, id string) error
	RetryManyFailed(ctx context.Context, limit int) (int64, error)
}

type AdminJobsHandler struct {
	repo AdminJobsRepo
	log  *slog.Logger
}

func NewAdminJobsHandler(repo AdminJobsRepo, log *slog.Logger) *AdminJobsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AdminJobsHandler{repo: repo, log: log}
}

// first page sentinel for the DESC keyset
var (
	cursorStartTime = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
	cursorStartID   = "ffffffff-ffff-ffff-ffff-ffffffffffff"
)

// GET /admin/jobs?status=failed&limit=50&cursor=...
func (h *AdminJobsHandler) List(ctx *gin.Context) {
	limit, err := parseLimit(ctx.Query("limit"), 20, 100)
	if err != nil {
		RespondBadRequest(ctx, "limit must be between 1 and 100", nil)
		return
	}

	var statusPtr *string
	if s := ctx.Query("status"); s != "" {
		switch job.Status(s) {
		case job.StatusPending, job.StatusProcessing, job.StatusDone, job.StatusFailed:
		default:
			RespondBadRequest(ctx, "status must be one of pending, processing, done, failed", nil)
			return
		}
		statusPtr = &s
	}

	afterUpdatedAt, afterID := cursorStartTime, cursorStartID
	if cursor := ctx.Query("cursor"); cursor != "" {
		cur, err := utils.DecodeJobCursor(cursor)
		if err != nil {
			RespondBadRequest(ctx, "cursor is invalid", nil)
			return
		}
		afterUpdatedAt, afterID = cur.UpdatedAt, cur.ID
	}

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	items, next, hasMore, err := h.repo.ListCursor(cctx, statusPtr, limit, afterUpdatedAt, afterID)
	if err != nil {
		h.log.ErrorContext(ctx.Request.Context(), "admin.jobs.list_failed", "err", err)
		RespondInternal(ctx, "Could not list jobs")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"limit":      limit,
		"count":      len(items),
		"items":      items,
		"hasMore":    hasMore,
		"nextCursor": next,
	})
}

// GET /admin/jobs/:id
func (h *AdminJobsHandler) GetByID(ctx *gin.Context) {
	id, ok := jobIDParam(ctx)
	if !ok {
		return
	}

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	j, err := h.repo.GetByID(cctx, id)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			RespondNotFound(ctx, "Job not found")
			return
		}
		h.log.ErrorContext(ctx.Request.Context(), "admin.jobs.get_failed", "err", err, "job_id", id)
		RespondInternal(ctx, "Could not fetch job")
		return
	}

	ctx.JSON(http.StatusOK, j)
}

// POST /admin/jobs/:id/retry
func (h *AdminJobsHandler) Retry(ctx *gin.Context) {
	id, ok := jobIDParam(ctx)
	if !ok {
		return
	}

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.repo.Retry(cctx, id); err != nil {
		switch {
		case errors.Is(err, job.ErrJobNotFound):
			RespondNotFound(ctx, "Job not found")
		case errors.Is(err, job.ErrJobNotFailed):
			RespondConflict(ctx, "job_not_failed", "Only failed jobs can be retried")
		default:
			h.log.ErrorContext(ctx.Request.Context(), "admin.jobs.retry_failed", "err", err, "job_id", id)
			RespondInternal(ctx, "Could not retry job")
		}
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"jobId":  id,
		"status": job.StatusPending,
	})
}

// POST /admin/jobs/reprocess-dead?limit=50
func (h *AdminJobsHandler) ReprocessDead(ctx *gin.Context) {
	limit, err := parseLimit(ctx.Query("limit"), 50, 500)
	if err != nil {
		RespondBadRequest(ctx, "limit must be between 1 and 500", nil)
		return
	}

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 3*time.Second)
	defer cancel()

	n, err := h.repo.RetryManyFailed(cctx, limit)
	if err != nil {
		h.log.ErrorContext(ctx.Request.Context(), "admin.jobs.reprocess_failed", "err", err)
		RespondInternal(ctx, "Could not reprocess dead jobs")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"requeued": n})
}

func jobIDParam(ctx *gin.Context) (string, bool) {
	id := ctx.Param("id")
	ctx.Set(middlewares.CtxJobID, id)

	if !utils.IsUUID(id) {
		RespondBadRequest(ctx, "invalid job id", nil)
		return "", false
	}
	return id, true
}

func parseLimit(s string, fallback, max int) (int, error) {
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 1 || n > max {
		return 0, errors.New("limit out of range")
	}
	return n, nil
}

package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/geocoder89/schoolhub/internal/actorctx"
	"github.com/geocoder89/schoolhub/internal/auth"
	"github.com/geocoder89/schoolhub/internal/domain/user"
	"github.com/geocoder89/schoolhub/internal/identity"
	"github.com/geocoder89/schoolhub/internal/utils"
)

type UserService interface {
	GetUser(ctx context.Context, actor *auth.Identity, userID string) (user.Public, error)
	ChangeStatus(ctx context.Context, actor *auth.Identity, userID string, to user.Status) (user.Public, error)
	DeleteUser(ctx context.Context, actor *auth.Identity, userID string) error
}

type UsersHandler struct {
	svc UserService
	log *slog.Logger
}

func NewUsersHandler(svc UserService, log *slog.Logger) *UsersHandler {
	if log == nil {
		log = slog.Default()
	}
	return &UsersHandler{svc: svc, log: log}
}

type ChangeStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=PENDING_VERIFICATION ACTIVE SUSPENDED INACTIVE"`
}

// GET /users/:id
func (h *UsersHandler) Get(ctx *gin.Context) {
	actor, id, ok := h.target(ctx)
	if !ok {
		return
	}

	u, err := h.svc.GetUser(ctx.Request.Context(), actor, id)
	if err != nil {
		RespondIdentityError(ctx, h.log, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"user": u})
}

// PATCH /admin/users/:id/status
func (h *UsersHandler) ChangeStatus(ctx *gin.Context) {
	actor, id, ok := h.target(ctx)
	if !ok {
		return
	}

	var req ChangeStatusRequest
	if !BindJSON(ctx, &req) {
		return
	}

	u, err := h.svc.ChangeStatus(ctx.Request.Context(), actor, id, user.Status(req.Status))
	if err != nil {
		RespondIdentityError(ctx, h.log, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"user": u})
}

// DELETE /admin/users/:id
func (h *UsersHandler) Delete(ctx *gin.Context) {
	actor, id, ok := h.target(ctx)
	if !ok {
		return
	}

	if err := h.svc.DeleteUser(ctx.Request.Context(), actor, id); err != nil {
		RespondIdentityError(ctx, h.log, err)
		return
	}

	ctx.Status(http.StatusNoContent)
}

// target resolves the caller and the :id path parameter. Ids that are not
// UUIDs cannot exist and answer 404.
func (h *UsersHandler) target(ctx *gin.Context) (*auth.Identity, string, bool) {
	actor, ok := actorctx.IdentityFrom(ctx.Request.Context())
	if !ok {
		RespondUnAuthorized(ctx, "unauthorized", "Authentication required.")
		return nil, "", false
	}

	id := ctx.Param("id")
	if !utils.IsUUID(id) {
		RespondIdentityError(ctx, h.log, identity.ErrUserNotFound)
		return nil, "", false
	}

	return &actor, id, true
}

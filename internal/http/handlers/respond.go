package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/geocoder89/schoolhub/internal/http/middlewares"
	"github.com/geocoder89/schoolhub/internal/identity"
)

type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
	Details   any    `json:"details,omitempty"`
}

func RespondError(ctx *gin.Context, status int, code, message string, details any) {
	ctx.JSON(status, gin.H{
		"error": APIError{
			Code:      code,
			Message:   message,
			RequestID: middlewares.RequestIDFrom(ctx),
			Details:   details,
		},
	})
}

func RespondBadRequest(ctx *gin.Context, message string, details any) {
	RespondError(ctx, http.StatusBadRequest, "invalid_request", message, details)
}

func RespondUnAuthorized(ctx *gin.Context, code, message string) {
	RespondError(ctx, http.StatusUnauthorized, code, message, nil)
}

func RespondNotFound(ctx *gin.Context, message string) {
	RespondError(ctx, http.StatusNotFound, "not_found", message, nil)
}

func RespondInternal(ctx *gin.Context, message string) {
	RespondError(ctx, http.StatusInternalServerError, "internal_error", message, nil)
}

func RespondConflict(ctx *gin.Context, code, message string) {
	RespondError(ctx, http.StatusConflict, code, message, nil)
}

var kindStatus = map[identity.Kind]int{
	identity.KindValidation:     http.StatusBadRequest,
	identity.KindAuthentication: http.StatusUnauthorized,
	identity.KindAuthorization:  http.StatusForbidden,
	identity.KindConflict:       http.StatusConflict,
	identity.KindNotFound:       http.StatusNotFound,
	identity.KindInvalidToken:   http.StatusBadRequest,
}

// RespondIdentityError translates a service error into the response
// envelope. Anything that is not a typed service error is logged and
// reported as a generic 500.
func RespondIdentityError(ctx *gin.Context, log *slog.Logger, err error) {
	var ierr *identity.Error
	if !errors.As(err, &ierr) || ierr.Kind == identity.KindInternal {
		log.ErrorContext(ctx.Request.Context(), "request failed",
			"err", err,
			"route", ctx.FullPath(),
		)
		RespondInternal(ctx, "Something went wrong")
		return
	}

	status, ok := kindStatus[ierr.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	var details any
	if len(ierr.Fields) > 0 {
		details = gin.H{"fields": ierr.Fields}
	}

	RespondError(ctx, status, ierr.Code, ierr.Message, details)
}

package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// gin context keys
const (
	CtxRequestID = "request_id"
	CtxJobID     = "job_id"
	ctxClaimsKey = "auth.claims"
)

func RequestIDFrom(c *gin.Context) string {
	if v, ok := c.Get(CtxRequestID); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return c.GetHeader(requestIDHeader)
}

func abortError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"code":      code,
			"message":   message,
			"requestId": RequestIDFrom(c),
		},
	})
}

func abortUnauthorized(c *gin.Context, message string) {
	abortError(c, http.StatusUnauthorized, "unauthorized", message)
}

package middlewares

import (
	"context"
	"log/slog"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/geocoder89/schoolhub/internal/actorctx"
	"github.com/geocoder89/schoolhub/internal/auth"
)

type TokenVerifier interface {
	VerifyAccessToken(token string) (*auth.Claims, error)
}

// DenyChecker reports whether an access token was revoked by logout.
type DenyChecker interface {
	IsAccessDenied(ctx context.Context, jti string) (bool, error)
}

type AuthMiddleware struct {
	jwt  TokenVerifier
	deny DenyChecker
	log  *slog.Logger
	// onDenyErr counts denylist lookups that failed open.
	onDenyErr func()
}

func NewAuthMiddleware(jwt TokenVerifier, deny DenyChecker, log *slog.Logger, onDenyErr func()) *AuthMiddleware {
	if log == nil {
		log = slog.Default()
	}
	if onDenyErr == nil {
		onDenyErr = func() {}
	}
	return &AuthMiddleware{jwt: jwt, deny: deny, log: log, onDenyErr: onDenyErr}
}

// RequireAuth verifies the bearer access token and stores its claims on the
// gin context and the identity on the request context.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			abortUnauthorized(c, "Missing or invalid Authorization header")
			return
		}

		raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer"))
		if raw == "" {
			abortUnauthorized(c, "Missing or invalid access token")
			return
		}

		claims, err := m.jwt.VerifyAccessToken(raw)
		if err != nil {
			abortUnauthorized(c, "Invalid or expired access token")
			return
		}

		if m.deny != nil {
			denied, err := m.deny.IsAccessDenied(c.Request.Context(), claims.JTI)
			switch {
			case err != nil:
				// fail open, the token is still signed and unexpired
				m.onDenyErr()
				m.log.WarnContext(c.Request.Context(), "auth.denylist_unavailable", "err", err)
			case denied:
				abortUnauthorized(c, "Invalid or expired access token")
				return
			}
		}

		c.Set(ctxClaimsKey, claims)
		c.Request = c.Request.WithContext(actorctx.WithIdentity(c.Request.Context(), claims.Identity()))

		c.Next()
	}
}

func ClaimsFromContext(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(ctxClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok && claims != nil
}

// IdentityFromContext returns the identity RequireAuth placed on the request
// context.
func IdentityFromContext(c *gin.Context) (*auth.Identity, bool) {
	id, ok := actorctx.IdentityFrom(c.Request.Context())
	if !ok {
		return nil, false
	}
	return &id, true
}

func UserIDFromContext(c *gin.Context) (string, bool) {
	return actorctx.UserIDFrom(c.Request.Context())
}

package middlewares

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/geocoder89/schoolhub/internal/actorctx"
	"github.com/geocoder89/schoolhub/internal/auth"
	"github.com/geocoder89/schoolhub/internal/domain/user"
)

type fakeDeny struct {
	denied map[string]bool
	err    error
}

func (f fakeDeny) IsAccessDenied(_ context.Context, jti string) (bool, error) {
	return f.denied[jti], f.err
}

func newIssuer(t *testing.T) *auth.Issuer {
	t.Helper()
	iss, err := auth.NewIssuer(auth.IssuerConfig{
		AccessSecret:  strings.Repeat("a", 32),
		RefreshSecret: strings.Repeat("r", 32),
	})
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	return iss
}

func protectedRouter(m *AuthMiddleware, extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())

	handlers := append([]gin.HandlerFunc{m.RequireAuth()}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		id, ok := actorctx.IdentityFrom(c.Request.Context())
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, id.UserID)
	})
	r.GET("/users/:id", handlers...)
	return r
}

func get(r http.Handler, path, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRequireAuth(t *testing.T) {
	iss := newIssuer(t)

	access, claims, err := iss.IssueAccessToken(auth.Identity{UserID: "u1", Role: string(user.RoleStudent)})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	refresh, _, _ := iss.IssueRefreshToken(auth.Identity{UserID: "u1", Role: string(user.RoleStudent)})

	t.Run("missing header", func(t *testing.T) {
		w := get(protectedRouter(NewAuthMiddleware(iss, nil, nil, nil)), "/users/u1", "")
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})

	t.Run("refresh token rejected", func(t *testing.T) {
		w := get(protectedRouter(NewAuthMiddleware(iss, nil, nil, nil)), "/users/u1", refresh)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})

	t.Run("valid token", func(t *testing.T) {
		w := get(protectedRouter(NewAuthMiddleware(iss, nil, nil, nil)), "/users/u1", access)
		if w.Code != http.StatusOK || w.Body.String() != "u1" {
			t.Fatalf("expected 200 u1, got %d %q", w.Code, w.Body.String())
		}
	})

	t.Run("denied jti", func(t *testing.T) {
		deny := fakeDeny{denied: map[string]bool{claims.JTI: true}}
		w := get(protectedRouter(NewAuthMiddleware(iss, deny, nil, nil)), "/users/u1", access)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})

	t.Run("denylist error fails open", func(t *testing.T) {
		failures := 0
		deny := fakeDeny{err: errors.New("redis down")}
		m := NewAuthMiddleware(iss, deny, nil, func() { failures++ })

		w := get(protectedRouter(m), "/users/u1", access)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if failures != 1 {
			t.Fatalf("expected failure to be counted once, got %d", failures)
		}
	})
}

func TestRBAC(t *testing.T) {
	iss := newIssuer(t)
	m := NewAuthMiddleware(iss, nil, nil, nil)

	student, _, _ := iss.IssueAccessToken(auth.Identity{UserID: "u1", Role: string(user.RoleStudent)})
	admin, _, _ := iss.IssueAccessToken(auth.Identity{UserID: "a1", Role: string(user.RoleAdmin)})

	adminOnly := protectedRouter(m, RequireRole(user.RoleAdmin))
	if w := get(adminOnly, "/users/u1", student); w.Code != http.StatusForbidden {
		t.Fatalf("student: expected 403, got %d", w.Code)
	}
	if w := get(adminOnly, "/users/u1", admin); w.Code != http.StatusOK {
		t.Fatalf("admin: expected 200, got %d", w.Code)
	}

	owned := protectedRouter(m, RequireOwnership("id"))
	if w := get(owned, "/users/u1", student); w.Code != http.StatusOK {
		t.Fatalf("owner: expected 200, got %d", w.Code)
	}
	if w := get(owned, "/users/u2", student); w.Code != http.StatusForbidden {
		t.Fatalf("other user: expected 403, got %d", w.Code)
	}
	if w := get(owned, "/users/u2", admin); w.Code != http.StatusOK {
		t.Fatalf("admin bypass: expected 200, got %d", w.Code)
	}
}

func TestRequireJSONAndMaxBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(MaxBodyBytes(16), RequireJSON())
	r.POST("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	tests := []struct {
		name string
		body string
		ct   string
		want int
	}{
		{"json", `{"a":1}`, "application/json; charset=utf-8", http.StatusNoContent},
		{"form", `a=1`, "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType},
		{"empty body", ``, "", http.StatusNoContent},
		{"too large", `{"a":"0123456789abcdef"}`, "application/json", http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(tt.body))
			if tt.ct != "" {
				req.Header.Set("Content-Type", tt.ct)
			}
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), SecurityHeaders(true))
	r.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, RequestIDFrom(c)) })

	w := get(r, "/x", "")
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing nosniff")
	}
	if w.Header().Get("Strict-Transport-Security") == "" {
		t.Fatal("missing HSTS")
	}
	if id := w.Header().Get("X-Request-Id"); id == "" || id != w.Body.String() {
		t.Fatalf("request id header %q does not match context %q", id, w.Body.String())
	}
}

func TestRequestID_ReachesRequestContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, actorctx.RequestIDFrom(c.Request.Context())) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-Id", "req-abc")
	r.ServeHTTP(w, req)

	if w.Body.String() != "req-abc" {
		t.Fatalf("expected request id on the request context, got %q", w.Body.String())
	}
}

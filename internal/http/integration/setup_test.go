package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/geocoder89/schoolhub/internal/auth"
	"github.com/geocoder89/schoolhub/internal/cache"
	"github.com/geocoder89/schoolhub/internal/config"
	"github.com/geocoder89/schoolhub/internal/db"
	apphttp "github.com/geocoder89/schoolhub/internal/http"
	"github.com/geocoder89/schoolhub/internal/http/handlers"
	"github.com/geocoder89/schoolhub/internal/http/middlewares"
	"github.com/geocoder89/schoolhub/internal/identity"
	"github.com/geocoder89/schoolhub/internal/jobs"
	"github.com/geocoder89/schoolhub/internal/notifications"
	"github.com/geocoder89/schoolhub/internal/repo/memory"
	"github.com/geocoder89/schoolhub/internal/repo/postgres"
	"github.com/geocoder89/schoolhub/internal/security"
)

const (
	adminEmail    = "admin@school.example"
	adminPassword = "AdminPass123"
)

type outbox struct {
	mu   sync.Mutex
	sent map[string][]notifications.LinkMessage // email -> messages
	fail bool
}

func (o *outbox) record(msg notifications.LinkMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail {
		return errors.New("provider down")
	}
	if o.sent == nil {
		o.sent = make(map[string][]notifications.LinkMessage)
	}
	o.sent[msg.Email] = append(o.sent[msg.Email], msg)
	return nil
}

func (o *outbox) SendVerificationLink(_ context.Context, msg notifications.LinkMessage) error {
	return o.record(msg)
}

func (o *outbox) SendPasswordResetLink(_ context.Context, msg notifications.LinkMessage) error {
	return o.record(msg)
}

func (o *outbox) count(email string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sent[email])
}

// lastToken returns the token carried by the newest link sent to email.
func (o *outbox) lastToken(t *testing.T, email string) string {
	t.Helper()
	o.mu.Lock()
	msgs := o.sent[email]
	o.mu.Unlock()

	if len(msgs) == 0 {
		t.Fatalf("no message sent to %s", email)
	}
	u, err := url.Parse(msgs[len(msgs)-1].Link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	return u.Query().Get("token")
}

type testEnv struct {
	router http.Handler
	svc    *identity.Service
	outbox *outbox
	jobs   *memory.JobsRepo
}

// wait lets asynchronous deliveries land before a test reads the outbox.
func (e *testEnv) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.svc.Wait(ctx); err != nil {
		t.Fatalf("waiting for deliveries: %v", err)
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.App.Env = "test"
	cfg.App.Storage = "memory"
	cfg.App.BaseURL = "https://school.example"
	cfg.JWT.AccessSecret = "test-access-secret-test-access-secret"
	cfg.JWT.RefreshSecret = "test-refresh-secret-test-refresh-secret"
	cfg.Admin = config.AdminConfig{Email: adminEmail, Password: adminPassword, FirstName: "Test", LastName: "Admin"}
	return cfg
}

type envOption func(*apphttp.RouterDeps)

func withLimiter(l *middlewares.RateLimiter) envOption {
	return func(d *apphttp.RouterDeps) { d.Limiter = l }
}

func withSessionLimiter(l *middlewares.RateLimiter) envOption {
	return func(d *apphttp.RouterDeps) { d.SessionLimiter = l }
}

func withCheck(name string, c handlers.Check) envOption {
	return func(d *apphttp.RouterDeps) {
		if d.Checks == nil {
			d.Checks = map[string]handlers.Check{}
		}
		d.Checks[name] = c
	}
}

// setupRouter builds the full router over in-memory stores. When TEST_DB_DSN
// is set, users and refresh tokens live in Postgres instead.
func setupRouter(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := testConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var (
		users   identity.UserRepository    = memory.NewUsersRepo()
		refresh identity.RefreshTokenStore = memory.NewRefreshTokensRepo()
	)
	if pool := testPool(t); pool != nil {
		users = postgres.NewUsersRepo(pool, nil)
		refresh = postgres.NewRefreshTokensRepo(pool, nil)
	}

	tokens, err := auth.NewIssuer(auth.IssuerConfig{
		AccessSecret:  cfg.JWT.AccessSecret,
		RefreshSecret: cfg.JWT.RefreshSecret,
	})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	hasher := security.NewHasher(security.HasherConfig{Time: 1, MemoryKiB: 8 * 1024, Threads: 1, KeyLen: 32, Concurrency: 4})
	box := &outbox{}
	jobsRepo := memory.NewJobsRepo()

	svc, err := identity.New(identity.Deps{
		Users:     users,
		Refresh:   refresh,
		Denylist:  cache.New(),
		Hasher:    hasher,
		Tokens:    tokens,
		Notifier:  box,
		Redeliver: jobs.NewEnqueuer(jobsRepo),
		Logger:    logger,
	}, identity.Config{BaseURL: cfg.App.BaseURL})
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}

	if err := db.EnsureAdminUser(context.Background(), users, hasher, cfg.Admin, logger); err != nil {
		t.Fatalf("EnsureAdminUser: %v", err)
	}

	deps := apphttp.RouterDeps{
		Config:  cfg,
		Log:     logger,
		Service: svc,
		Tokens:  tokens,
		Jobs:    jobsRepo,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	return &testEnv{
		router: apphttp.NewRouter(deps),
		svc:    svc,
		outbox: box,
		jobs:   jobsRepo,
	}
}

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		return nil
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, config.DBConfig{URL: dsn, MaxConns: 5})
	if err != nil {
		t.Fatalf("failed to connect to test db: %v", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	truncate := func() {
		if _, err := pool.Exec(context.Background(), `TRUNCATE refresh_tokens, users, jobs CASCADE`); err != nil {
			t.Fatalf("failed to truncate tables: %v", err)
		}
	}
	truncate()
	t.Cleanup(func() {
		truncate()
		pool.Close()
	})
	return pool
}

type request struct {
	method  string
	path    string
	body    string
	bearer  string
	cookies []*http.Cookie
	header  map[string]string
}

func doRequest(router http.Handler, r request) (*httptest.ResponseRecorder, *http.Response) {
	req := httptest.NewRequest(r.method, r.path, bytes.NewBufferString(r.body))

	if r.body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.bearer)
	}
	for k, v := range r.header {
		req.Header.Set(k, v)
	}
	for _, c := range r.cookies {
		req.AddCookie(c)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	return w, w.Result()
}

func mustReadJSON[T any](t *testing.T, w *httptest.ResponseRecorder, out *T) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("failed to unmarshal json: %v, body=%s", err, w.Body.String())
	}
}

func expectStatus(t *testing.T, step string, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("%s: got status %d, want %d, body=%s", step, w.Code, want, w.Body.String())
	}
}

func refreshCookie(t *testing.T, response *http.Response) *http.Cookie {
	t.Helper()
	for _, c := range response.Cookies() {
		if c.Name == "refresh_token" && c.Value != "" {
			return c
		}
	}
	t.Fatalf("refresh_token cookie not found in response")
	return nil
}

type sessionBody struct {
	User struct {
		ID     string `json:"id"`
		Email  string `json:"email"`
		Role   string `json:"role"`
		Status string `json:"status"`
	} `json:"user"`
	AccessToken string `json:"accessToken"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details struct {
			Fields []struct {
				Field string `json:"field"`
			} `json:"fields"`
		} `json:"details"`
	} `json:"error"`
}

func login(t *testing.T, env *testEnv, email, password string) (sessionBody, *http.Cookie) {
	t.Helper()
	w, resp := doRequest(env.router, request{
		method: http.MethodPost,
		path:   "/auth/login",
		body:   `{"email":"` + email + `","password":"` + password + `"}`,
	})
	expectStatus(t, "login "+email, w, http.StatusOK)

	var s sessionBody
	mustReadJSON(t, w, &s)
	return s, refreshCookie(t, resp)
}

// registerVerified registers through the API and follows the emailed link.
func registerVerified(t *testing.T, env *testEnv, body, email string) string {
	t.Helper()
	w, _ := doRequest(env.router, request{method: http.MethodPost, path: "/auth/register", body: body})
	expectStatus(t, "register "+email, w, http.StatusCreated)

	var s sessionBody
	mustReadJSON(t, w, &s)

	env.wait(t)
	w, _ = doRequest(env.router, request{
		method: http.MethodPost,
		path:   "/auth/verify-email",
		body:   `{"token":"` + env.outbox.lastToken(t, email) + `"}`,
	})
	expectStatus(t, "verify "+email, w, http.StatusOK)
	return s.User.ID
}

package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/geocoder89/schoolhub/internal/config"
	"github.com/geocoder89/schoolhub/internal/domain/user"
	"github.com/geocoder89/schoolhub/internal/http/handlers"
	"github.com/geocoder89/schoolhub/internal/http/middlewares"
	"github.com/geocoder89/schoolhub/internal/identity"
	"github.com/geocoder89/schoolhub/internal/observability"
)

type RouterDeps struct {
	Config  config.Config
	Log     *slog.Logger
	Prom    *observability.Prom
	Service *identity.Service
	Tokens  middlewares.TokenVerifier
	// Limiter guards the unauthenticated credential endpoints by client IP.
	Limiter *middlewares.RateLimiter
	// SessionLimiter guards logout and /auth/me per authenticated user.
	SessionLimiter *middlewares.RateLimiter
	// Jobs enables the admin job endpoints when set.
	Jobs    handlers.AdminJobsRepo
	Checks  map[string]handlers.Check
	Metrics http.Handler
}

func NewRouter(d RouterDeps) *gin.Engine {
	if !d.Config.IsDev() {
		gin.SetMode(gin.ReleaseMode)
	}

	log := d.Log
	if log == nil {
		log = slog.Default()
	}

	r := gin.New()
	r.ContextWithFallback = true

	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("schoolhub-api"))
	r.Use(middlewares.RequestID())
	r.Use(middlewares.RequestLogger(log))
	if d.Prom != nil {
		r.Use(d.Prom.GinHandleMiddleware())
	}
	r.Use(middlewares.SecurityHeaders(!d.Config.IsDev()))
	r.Use(middlewares.CORSMiddleware(d.Config.App.AllowedOrigins))
	r.Use(middlewares.MaxBodyBytes(d.Config.App.MaxBodyBytes))
	r.Use(middlewares.RequireJSON())

	health := handlers.NewHealthHandler(d.Checks)
	r.GET("/healthz", health.Healthz)
	r.GET("/readyz", health.Readyz)
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics))
	}

	var onDenyErr func()
	if d.Prom != nil {
		onDenyErr = d.Prom.ObserveDenylistError
		for _, l := range []*middlewares.RateLimiter{d.Limiter, d.SessionLimiter} {
			if l != nil {
				l.OnLimited = d.Prom.ObserveRateLimited
			}
		}
	}

	authMW := middlewares.NewAuthMiddleware(d.Tokens, d.Service, log, onDenyErr)
	requireAuth := authMW.RequireAuth()

	limit := func(c *gin.Context) { c.Next() }
	if d.Limiter != nil {
		limit = d.Limiter.RateLimiterMiddleware(middlewares.KeyByIP)
	}
	// runs after requireAuth so the key is the caller's user id
	sessionLimit := func(c *gin.Context) { c.Next() }
	if d.SessionLimiter != nil {
		sessionLimit = d.SessionLimiter.RateLimiterMiddleware(middlewares.KeyByUserOrIP)
	}

	authH := handlers.NewAuthHandler(d.Service, log, !d.Config.IsDev())

	a := r.Group("/auth")
	{
		a.POST("/register", limit, authH.Register)
		a.POST("/login", limit, authH.Login)
		a.POST("/refresh", limit, authH.Refresh)
		a.POST("/forgot-password", limit, authH.ForgotPassword)
		a.POST("/reset-password", limit, authH.ResetPassword)
		a.POST("/verify-email", limit, authH.VerifyEmail)
		a.POST("/resend-verification", limit, authH.ResendVerification)

		a.POST("/logout", requireAuth, sessionLimit, authH.Logout)
		a.GET("/me", requireAuth, sessionLimit, authH.Me)
	}

	usersH := handlers.NewUsersHandler(d.Service, log)
	r.GET("/users/:id", requireAuth, middlewares.RequireOwnership("id"), usersH.Get)

	admin := r.Group("/admin", requireAuth, middlewares.RequireRole(user.RoleAdmin))
	{
		admin.PATCH("/users/:id/status", usersH.ChangeStatus)
		admin.DELETE("/users/:id", usersH.Delete)

		if d.Jobs != nil {
			jobsH := handlers.NewAdminJobsHandler(d.Jobs, log)
			admin.GET("/jobs", jobsH.List)
			admin.GET("/jobs/:id", jobsH.GetByID)
			admin.POST("/jobs/:id/retry", jobsH.Retry)
			admin.POST("/jobs/reprocess-dead", jobsH.ReprocessDead)
		}
	}

	return r
}

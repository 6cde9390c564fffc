package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/geocoder89/schoolhub/internal/app"
	"github.com/geocoder89/schoolhub/internal/cache"
	"github.com/geocoder89/schoolhub/internal/config"
	"github.com/geocoder89/schoolhub/internal/db"
	httpx "github.com/geocoder89/schoolhub/internal/http"
	"github.com/geocoder89/schoolhub/internal/http/handlers"
	"github.com/geocoder89/schoolhub/internal/http/middlewares"
	"github.com/geocoder89/schoolhub/internal/identity"
	"github.com/geocoder89/schoolhub/internal/observability"
	"github.com/geocoder89/schoolhub/internal/repo/redisstore"
)

func main() {
	if err := run(); err != nil {
		slog.Error("api exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := observability.NewLogger(cfg.App.Env)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Otel.Enabled {
		shutdown, err := observability.InitTracer(ctx, observability.TracerConfig{
			ServiceName: "schoolhub-api",
			Environment: cfg.App.Env,
			Endpoint:    cfg.Otel.Endpoint,
			SampleRatio: cfg.Otel.SampleRatio,
		})
		if err != nil {
			log.Warn("tracing disabled", "err", err)
		} else {
			defer func() {
				sctx, cancel := config.WithTimeout(5 * time.Second)
				defer cancel()
				_ = shutdown(sctx)
			}()
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := observability.NewProm(reg)

	stores, err := app.OpenStores(ctx, cfg, prom, log)
	if err != nil {
		return err
	}
	defer stores.Close()

	checks := map[string]handlers.Check{"db": stores.Ping}

	var denylist identity.AccessDenylist
	if cfg.Redis.Addr != "" {
		rc := redisstore.New(cfg.Redis)
		defer rc.Close()

		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rc.Ping(pctx)
		cancel()
		if err != nil && !cfg.IsDev() {
			return fmt.Errorf("redis: %w", err)
		}
		if err == nil {
			denylist = redisstore.NewDenylist(rc)
			checks["redis"] = rc.Ping
		} else {
			log.Warn("redis unreachable; using in-process denylist", "err", err)
		}
	}
	if denylist == nil {
		local := cache.New()
		go local.Run(ctx, time.Minute)
		denylist = local
	}

	hasher := app.NewHasher(cfg.Hasher)

	issuer, err := app.NewIssuer(cfg, log)
	if err != nil {
		return err
	}

	notifier, err := app.NewNotifier(cfg, log)
	if err != nil {
		return err
	}

	svc, err := app.NewIdentityService(cfg, app.ServiceDeps{
		Stores:   stores,
		Denylist: denylist,
		Hasher:   hasher,
		Tokens:   issuer,
		Notifier: notifier,
		Prom:     prom,
		Log:      log,
	})
	if err != nil {
		return err
	}

	if err := db.EnsureAdminUser(ctx, stores.Users, hasher, cfg.Admin, log); err != nil {
		return err
	}

	// without a database there is no separate worker process to drain retries
	if stores.Pool == nil {
		w := app.NewWorker(cfg, stores.Jobs, svc, log, prom)
		go func() {
			if err := w.Run(ctx); err != nil {
				log.Error("in-process worker stopped", "err", err)
			}
		}()
		go stores.RunRefreshJanitor(ctx, time.Hour, log)
	}

	limiter := middlewares.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window, cfg.RateLimit.MaxKeys)
	go limiter.Run(ctx)
	sessionLimiter := middlewares.NewRateLimiter(cfg.RateLimit.SessionLimit, cfg.RateLimit.Window, cfg.RateLimit.MaxKeys)
	go sessionLimiter.Run(ctx)

	router := httpx.NewRouter(httpx.RouterDeps{
		Config:         cfg,
		Log:            log,
		Prom:           prom,
		Service:        svc,
		Tokens:         issuer,
		Limiter:        limiter,
		SessionLimiter: sessionLimiter,
		Jobs:           stores.Jobs,
		Checks:         checks,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "port", cfg.App.Port, "env", cfg.App.Env, "storage", cfg.App.Storage)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("server shutting down")

	sctx, cancel := config.WithTimeout(10 * time.Second)
	defer cancel()

	if err := srv.Shutdown(sctx); err != nil {
		log.Error("graceful shutdown failed", "err", err)
	}

	// let in-flight email deliveries finish or hand off to the retry queue
	if err := svc.Wait(sctx); err != nil {
		log.Warn("pending deliveries abandoned", "err", err)
	}

	log.Info("shutdown complete")
	return nil
}

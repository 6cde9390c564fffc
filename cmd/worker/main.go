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
	"github.com/geocoder89/schoolhub/internal/config"
	"github.com/geocoder89/schoolhub/internal/observability"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.App.Storage != "postgres" {
		return errors.New("the worker needs postgres storage; memory mode runs retries inside the api")
	}

	log := observability.NewLogger(cfg.App.Env).With("component", "worker")
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Otel.Enabled {
		shutdown, err := observability.InitTracer(ctx, observability.TracerConfig{
			ServiceName: "schoolhub-worker",
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

	issuer, err := app.NewIssuer(cfg, log)
	if err != nil {
		return err
	}

	notifier, err := app.NewNotifier(cfg, log)
	if err != nil {
		return err
	}

	// the worker only redelivers, so it needs no denylist
	svc, err := app.NewIdentityService(cfg, app.ServiceDeps{
		Stores:   stores,
		Hasher:   app.NewHasher(cfg.Hasher),
		Tokens:   issuer,
		Notifier: notifier,
		Prom:     prom,
		Log:      log,
	})
	if err != nil {
		return err
	}

	w := app.NewWorker(cfg, stores.Jobs, svc, log, prom)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Worker.Port),
		Handler:           w.HealthHandler(stores.Pool, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("worker health server failed", "err", err)
		}
	}()

	go stores.RunRefreshJanitor(ctx, time.Hour, log)

	log.Info("worker started", "concurrency", cfg.Worker.Concurrency)

	if err := w.Run(ctx); err != nil {
		log.Error("worker stopped with error", "err", err)
	}

	sctx, cancel := config.WithTimeout(5 * time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)

	log.Info("worker shutdown complete")
	return nil
}

// Package app wires configuration into the concrete components shared by
// the api and worker binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/geocoder89/schoolhub/internal/auth"
	"github.com/geocoder89/schoolhub/internal/config"
	"github.com/geocoder89/schoolhub/internal/db"
	"github.com/geocoder89/schoolhub/internal/domain/job"
	"github.com/geocoder89/schoolhub/internal/http/handlers"
	"github.com/geocoder89/schoolhub/internal/identity"
	"github.com/geocoder89/schoolhub/internal/jobs"
	"github.com/geocoder89/schoolhub/internal/notifications"
	"github.com/geocoder89/schoolhub/internal/observability"
	"github.com/geocoder89/schoolhub/internal/queue/worker"
	"github.com/geocoder89/schoolhub/internal/repo/memory"
	"github.com/geocoder89/schoolhub/internal/repo/postgres"
	"github.com/geocoder89/schoolhub/internal/security"
)

// JobStore is everything the binaries do with the retry queue.
type JobStore interface {
	worker.JobsRepository
	handlers.AdminJobsRepo
	Create(ctx context.Context, req job.CreateRequest) (job.Job, error)
}

type Stores struct {
	Users   identity.UserRepository
	Refresh identity.RefreshTokenStore
	Jobs    JobStore
	// Pool is nil for memory storage.
	Pool *pgxpool.Pool
	// expired prunes dead refresh records.
	expired func(ctx context.Context, before time.Time) (int64, error)
}

func (s Stores) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// Ping checks the database; memory storage is always up.
func (s Stores) Ping(ctx context.Context) error {
	if s.Pool == nil {
		return nil
	}
	return s.Pool.Ping(ctx)
}

func OpenStores(ctx context.Context, cfg config.Config, prom *observability.Prom, log *slog.Logger) (Stores, error) {
	if cfg.App.Storage == "memory" {
		log.Warn("using in-memory storage; data is lost on restart")
		refresh := memory.NewRefreshTokensRepo()
		return Stores{
			Users:   memory.NewUsersRepo(),
			Refresh: refresh,
			Jobs:    memory.NewJobsRepo(),
			expired: refresh.DeleteExpired,
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DB)
	if err != nil {
		return Stores{}, fmt.Errorf("connect db: %w", err)
	}

	if cfg.DB.AutoMigrate {
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return Stores{}, err
		}
	}

	refresh := postgres.NewRefreshTokensRepo(pool, prom)

	return Stores{
		Users:   postgres.NewUsersRepo(pool, prom),
		Refresh: refresh,
		Jobs:    postgres.NewJobsRepo(pool, prom),
		Pool:    pool,
		expired: refresh.DeleteExpired,
	}, nil
}

// RunRefreshJanitor deletes expired refresh records every interval until
// ctx is done.
func (s Stores) RunRefreshJanitor(ctx context.Context, interval time.Duration, log *slog.Logger) {
	if s.expired == nil {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.expired(ctx, time.Now().UTC())
			if err != nil {
				log.WarnContext(ctx, "refresh_tokens.prune_failed", "err", err)
				continue
			}
			if n > 0 {
				log.InfoContext(ctx, "refresh_tokens.pruned", "count", n)
			}
		}
	}
}

func NewHasher(cfg config.HasherConfig) *security.Hasher {
	return security.NewHasher(security.HasherConfig{
		Time:        cfg.Time,
		MemoryKiB:   cfg.MemoryKiB,
		Threads:     cfg.Threads,
		KeyLen:      cfg.KeyLen,
		Concurrency: cfg.Concurrency,
	})
}

// NewIssuer builds the token issuer. In dev and test, missing secrets are
// replaced with random ones so sessions last until the process restarts.
func NewIssuer(cfg config.Config, log *slog.Logger) (*auth.Issuer, error) {
	jc := cfg.JWT

	if cfg.IsDev() {
		var err error
		if jc.AccessSecret == "" {
			if jc.AccessSecret, err = security.GenerateToken(32); err != nil {
				return nil, err
			}
			log.Warn("jwt.access_secret not set; using a random secret")
		}
		if jc.RefreshSecret == "" {
			if jc.RefreshSecret, err = security.GenerateToken(32); err != nil {
				return nil, err
			}
			log.Warn("jwt.refresh_secret not set; using a random secret")
		}
	}

	return auth.NewIssuer(auth.IssuerConfig{
		Issuer:        jc.Issuer,
		AccessSecret:  jc.AccessSecret,
		RefreshSecret: jc.RefreshSecret,
		AccessTTL:     jc.AccessTTL,
		RefreshTTL:    jc.RefreshTTL,
	})
}

// NewNotifier picks SMTP when a host is configured and the log notifier
// otherwise, behind the circuit breaker either way.
func NewNotifier(cfg config.Config, log *slog.Logger) (*notifications.ProtectedNotifier, error) {
	var inner notifications.Notifier

	if cfg.SMTP.Host != "" {
		smtpN, err := notifications.NewSMTPNotifier(notifications.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			UseTLS:   cfg.SMTP.TLS,
		})
		if err != nil {
			return nil, fmt.Errorf("smtp notifier: %w", err)
		}
		inner = smtpN
	} else {
		log.Warn("smtp.host not set; account emails are only logged")
		inner = notifications.NewLogNotifier(log)
	}

	return notifications.NewProtectedNotifier(inner, notifications.ProtectedNotifierConfig{
		Timeout:          cfg.Notifier.Timeout,
		FailureThreshold: cfg.Notifier.FailureThreshold,
		Cooldown:         cfg.Notifier.Cooldown,
	}), nil
}

type ServiceDeps struct {
	Stores   Stores
	Denylist identity.AccessDenylist
	Hasher   identity.PasswordHasher
	Tokens   identity.TokenIssuer
	Notifier notifications.Notifier
	Prom     *observability.Prom
	Log      *slog.Logger
}

func NewIdentityService(cfg config.Config, d ServiceDeps) (*identity.Service, error) {
	var metrics identity.Metrics
	if d.Prom != nil {
		metrics = d.Prom
	}

	return identity.New(identity.Deps{
		Users:     d.Stores.Users,
		Refresh:   d.Stores.Refresh,
		Denylist:  d.Denylist,
		Hasher:    d.Hasher,
		Tokens:    d.Tokens,
		Notifier:  d.Notifier,
		Redeliver: jobs.NewEnqueuer(d.Stores.Jobs),
		Metrics:   metrics,
		Logger:    d.Log,
	}, identity.Config{
		VerificationTTL: cfg.Tokens.VerificationTTL,
		ResetTTL:        cfg.Tokens.ResetTTL,
		StoreTimeout:    cfg.Tokens.StoreTimeout,
		DeliveryTimeout: cfg.Notifier.Timeout * 2,
		BaseURL:         cfg.App.BaseURL,
	})
}

// Redeliverer resends account emails by user id.
type Redeliverer interface {
	RedeliverVerification(ctx context.Context, userID string, failedExpiry time.Time) error
	RedeliverPasswordReset(ctx context.Context, userID string, failedExpiry time.Time) error
}

func NewWorker(cfg config.Config, store worker.JobsRepository, svc Redeliverer, log *slog.Logger, prom *observability.Prom) *worker.Worker {
	w := worker.New(worker.Config{
		PollInterval: cfg.Worker.PollInterval,
		Concurrency:  cfg.Worker.Concurrency,
	}, store, log, prom)

	w.Handle(string(jobs.JobSendVerificationEmail), deliveryHandler(svc.RedeliverVerification))
	w.Handle(string(jobs.JobSendPasswordResetEmail), deliveryHandler(svc.RedeliverPasswordReset))
	return w
}

func deliveryHandler(send func(ctx context.Context, userID string, failedExpiry time.Time) error) worker.HandlerFunc {
	return func(ctx context.Context, j job.Job) error {
		p, err := jobs.DecodePayload(j)
		if err != nil {
			return fmt.Errorf("%w: %v", worker.ErrPermanent, err)
		}
		return send(ctx, p.UserID, p.TokenExpiresAt)
	}
}

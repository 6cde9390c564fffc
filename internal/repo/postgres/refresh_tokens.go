package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/geocoder89/schoolhub/internal/domain/session"
	"github.com/geocoder89/schoolhub/internal/observability"
)

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type RefreshTokensRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewRefreshTokensRepo(pool *pgxpool.Pool, prom *observability.Prom) *RefreshTokensRepo {
	return &RefreshTokensRepo{pool: pool, prom: prom}
}

func (r *RefreshTokensRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func (r *RefreshTokensRepo) Save(ctx context.Context, t session.RefreshToken) error {
	return r.observe("refresh_tokens.save", func() error {
		return insertRefresh(ctx, r.pool, t)
	})
}

func insertRefresh(ctx context.Context, db execer, t session.RefreshToken) error {
	_, err := db.Exec(ctx,
		`INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, revoked_at, replaced_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		`,
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.RevokedAt, t.ReplacedBy, t.CreatedAt,
	)
	return err
}

// Rotate locks the old record, checks it, revokes it in favour of next and
// inserts next, all in one transaction. Two concurrent rotations of the same
// token serialize on the row lock and the loser sees ErrRefreshReused.
func (r *RefreshTokensRepo) Rotate(ctx context.Context, oldID, presentedHash string, next session.RefreshToken, now time.Time) error {
	// rejections are outcomes, not DB errors
	var rejected error

	err := r.observe("refresh_tokens.rotate", func() error {
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		old, err := getForUpdate(ctx, tx, oldID)
		if errors.Is(err, session.ErrRefreshNotFound) {
			rejected = err
			return nil
		}
		if err != nil {
			return err
		}
		if old.UserID != next.UserID {
			rejected = session.ErrRefreshNotFound
			return nil
		}
		if err := old.CheckRotatable(presentedHash, now); err != nil {
			rejected = err
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE refresh_tokens
			SET revoked_at = $2, replaced_by = $3
			WHERE id = $1
		`, oldID, now, next.ID); err != nil {
			return fmt.Errorf("revoke old refresh token: %w", err)
		}

		if err := insertRefresh(ctx, tx, next); err != nil {
			return fmt.Errorf("insert refresh token: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return err
	}
	return rejected
}

// getForUpdate locks the row to prevent concurrent refresh races.
func getForUpdate(ctx context.Context, tx pgx.Tx, id string) (session.RefreshToken, error) {
	var t session.RefreshToken

	err := tx.QueryRow(ctx, `
		SELECT id, user_id, token_hash, expires_at, revoked_at, replaced_by, created_at
		FROM refresh_tokens
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(
		&t.ID,
		&t.UserID,
		&t.TokenHash,
		&t.ExpiresAt,
		&t.RevokedAt,
		&t.ReplacedBy,
		&t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.RefreshToken{}, session.ErrRefreshNotFound
		}
		return session.RefreshToken{}, err
	}

	return t, nil
}

func (r *RefreshTokensRepo) Revoke(ctx context.Context, id, userID string, now time.Time) error {
	var tag pgconn.CommandTag

	err := r.observe("refresh_tokens.revoke", func() error {
		var err error
		tag, err = r.pool.Exec(ctx, `
			UPDATE refresh_tokens
			SET revoked_at = COALESCE(revoked_at, $3)
			WHERE id = $1 AND user_id = $2
		`, id, userID, now)
		return err
	})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return session.ErrRefreshNotFound
	}
	return nil
}

func (r *RefreshTokensRepo) RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	var tag pgconn.CommandTag

	err := r.observe("refresh_tokens.revoke_all", func() error {
		var err error
		tag, err = r.pool.Exec(ctx, `
			UPDATE refresh_tokens
			SET revoked_at = $2
			WHERE user_id = $1 AND revoked_at IS NULL
		`, userID, now)
		return err
	})
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteExpired prunes records that can no longer be presented.
func (r *RefreshTokensRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	var tag pgconn.CommandTag

	err := r.observe("refresh_tokens.delete_expired", func() error {
		var err error
		tag, err = r.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, before)
		return err
	})
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

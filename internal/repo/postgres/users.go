package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/geocoder89/schoolhub/internal/domain/user"
	"github.com/geocoder89/schoolhub/internal/observability"
)

const userColumns = `id, email, password_hash, role, status, email_verified,
	verification_token_hash, verification_expires_at,
	reset_token_hash, reset_expires_at,
	first_name, last_name, phone, attributes,
	last_login_at, created_at, updated_at`

type UsersRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewUsersRepo(pool *pgxpool.Pool, prom *observability.Prom) *UsersRepo {
	return &UsersRepo{pool: pool, prom: prom}
}

func (r *UsersRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func scanUser(row pgx.Row) (user.User, error) {
	var (
		u      user.User
		role   string
		status string
	)

	err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &role, &status, &u.EmailVerified,
		&u.VerificationTokenHash, &u.VerificationExpiresAt,
		&u.ResetTokenHash, &u.ResetExpiresAt,
		&u.FirstName, &u.LastName, &u.Phone, &u.Attributes,
		&u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return user.User{}, user.ErrNotFound
		}
		return user.User{}, err
	}

	u.Role = user.Role(role)
	u.Status = user.Status(status)
	return u, nil
}

func (r *UsersRepo) Create(ctx context.Context, u user.User) error {
	attrs := u.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}

	err := r.observe("users.create", func() error {
		_, err := r.pool.Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		`,
			u.ID, user.NormalizeEmail(u.Email), u.PasswordHash, string(u.Role), string(u.Status), u.EmailVerified,
			u.VerificationTokenHash, u.VerificationExpiresAt,
			u.ResetTokenHash, u.ResetExpiresAt,
			u.FirstName, u.LastName, u.Phone, attrs,
			u.LastLoginAt, u.CreatedAt, u.UpdatedAt,
		)
		return err
	})

	if IsUniqueViolation(err) {
		return user.ErrEmailTaken
	}
	return err
}

func (r *UsersRepo) GetByID(ctx context.Context, id string) (user.User, error) {
	var u user.User

	err := r.observe("users.get_by_id", func() error {
		var err error
		u, err = scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
		return err
	})
	if err != nil {
		return user.User{}, err
	}
	return u, nil
}

func (r *UsersRepo) GetByEmail(ctx context.Context, email string) (user.User, error) {
	var u user.User

	err := r.observe("users.get_by_email", func() error {
		var err error
		u, err = scanUser(r.pool.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE lower(email) = $1`,
			user.NormalizeEmail(email),
		))
		return err
	})
	if err != nil {
		return user.User{}, err
	}
	return u, nil
}

func (r *UsersRepo) Delete(ctx context.Context, id string) error {
	var tag pgconn.CommandTag

	err := r.observe("users.delete", func() error {
		var err error
		tag, err = r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return user.ErrNotFound
	}
	return nil
}

// UpdateStatus only applies when the stored status still equals from.
// Activation additionally requires a verified email.
func (r *UsersRepo) UpdateStatus(ctx context.Context, id string, from, to user.Status) (user.User, error) {
	var u user.User

	err := r.observe("users.update_status", func() error {
		var err error
		u, err = scanUser(r.pool.QueryRow(ctx, `
		UPDATE users
		SET status = $3,
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
		  AND ($3 <> 'ACTIVE' OR email_verified)
		RETURNING `+userColumns,
			id, string(from), string(to),
		))
		return err
	})
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, user.ErrNotFound) {
		return user.User{}, err
	}

	// nothing updated: gone, moved by someone else, or refused by the
	// verified-email guard
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return user.User{}, err
	}
	if current.Status == from {
		if err := current.Transition(to); err != nil {
			return user.User{}, err
		}
	}
	return user.User{}, user.ErrStatusChanged
}

func (r *UsersRepo) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	return r.execOne(ctx, "users.update_password", `
		UPDATE users
		SET password_hash = $2,
		    reset_token_hash = NULL,
		    reset_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`, id, hash)
}

func (r *UsersRepo) RecordLogin(ctx context.Context, id string, at time.Time) error {
	return r.execOne(ctx, "users.record_login",
		`UPDATE users SET last_login_at = $2 WHERE id = $1`, id, at)
}

func (r *UsersRepo) SetVerificationToken(ctx context.Context, id, hash string, expiresAt time.Time) error {
	return r.execOne(ctx, "users.set_verification_token", `
		UPDATE users
		SET verification_token_hash = $2, verification_expires_at = $3, updated_at = NOW()
		WHERE id = $1
	`, id, hash, expiresAt)
}

func (r *UsersRepo) SetResetToken(ctx context.Context, id, hash string, expiresAt time.Time) error {
	return r.execOne(ctx, "users.set_reset_token", `
		UPDATE users
		SET reset_token_hash = $2, reset_expires_at = $3, updated_at = NOW()
		WHERE id = $1
	`, id, hash, expiresAt)
}

// ConsumeVerificationToken activates the pending user holding the digest in a
// single statement, so a token can be redeemed once.
func (r *UsersRepo) ConsumeVerificationToken(ctx context.Context, hash string, now time.Time) (user.User, error) {
	var u user.User

	err := r.observe("users.consume_verification_token", func() error {
		var err error
		u, err = scanUser(r.pool.QueryRow(ctx, `
		UPDATE users
		SET status = 'ACTIVE',
		    email_verified = TRUE,
		    verification_token_hash = NULL,
		    verification_expires_at = NULL,
		    updated_at = $2
		WHERE verification_token_hash = $1
		  AND verification_expires_at > $2
		  AND status = 'PENDING_VERIFICATION'
		RETURNING `+userColumns,
			hash, now,
		))
		return err
	})
	if errors.Is(err, user.ErrNotFound) {
		return user.User{}, user.ErrTokenNotFound
	}
	if err != nil {
		return user.User{}, err
	}
	return u, nil
}

func (r *UsersRepo) ConsumeResetToken(ctx context.Context, hash, newPasswordHash string, now time.Time) (user.User, error) {
	var u user.User

	err := r.observe("users.consume_reset_token", func() error {
		var err error
		u, err = scanUser(r.pool.QueryRow(ctx, `
		UPDATE users
		SET password_hash = $3,
		    reset_token_hash = NULL,
		    reset_expires_at = NULL,
		    updated_at = $2
		WHERE reset_token_hash = $1
		  AND reset_expires_at > $2
		RETURNING `+userColumns,
			hash, now, newPasswordHash,
		))
		return err
	})
	if errors.Is(err, user.ErrNotFound) {
		return user.User{}, user.ErrTokenNotFound
	}
	if err != nil {
		return user.User{}, err
	}
	return u, nil
}

func (r *UsersRepo) execOne(ctx context.Context, op, sql string, args ...any) error {
	var tag pgconn.CommandTag

	err := r.observe(op, func() error {
		var err error
		tag, err = r.pool.Exec(ctx, sql, args...)
		return err
	})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return user.ErrNotFound
	}
	return nil
}

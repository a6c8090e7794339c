package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/portfolio-auth/internal/errs"
	"github.com/and161185/portfolio-auth/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// UserRepo implements UserRepository using PostgreSQL.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

const userColumns = `id, email, full_name, password_hash, password_reset_token_hash,
password_reset_expiration, last_password_reset_request, created_at`

// Create inserts a new user row.
func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	const q = `
INSERT INTO users (id, email, full_name, password_hash, password_reset_token_hash)
VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.Pool.Exec(ctx, q, u.ID, model.NormalizeEmail(u.Email), u.FullName, nonNil(u.PasswordHash), nonNil(u.PasswordResetTokenHash))
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByID selects a user by ID.
func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE id=$1`
	return scanUser(r.db.Pool.QueryRow(ctx, q, id))
}

// GetByEmail selects a user by normalized email.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE email=$1`
	return scanUser(r.db.Pool.QueryRow(ctx, q, model.NormalizeEmail(email)))
}

// Update writes the mutable user fields.
func (r *UserRepo) Update(ctx context.Context, u *model.User) error {
	const q = `
UPDATE users
SET full_name = $2, password_hash = $3, password_reset_token_hash = $4,
    password_reset_expiration = $5, last_password_reset_request = $6
WHERE id = $1`
	tag, err := r.db.Pool.Exec(ctx, q, u.ID, u.FullName, nonNil(u.PasswordHash), nonNil(u.PasswordResetTokenHash),
		nullTime(u.PasswordResetExpiration), nullTime(u.LastPasswordResetRequest))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (*model.User, error) {
	var (
		u            model.User
		resetExp     *time.Time
		lastResetReq *time.Time
	)
	err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.PasswordHash, &u.PasswordResetTokenHash,
		&resetExp, &lastResetReq, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	u.PasswordResetExpiration = fromNull(resetExp)
	u.LastPasswordResetRequest = fromNull(lastResetReq)
	return &u, nil
}

// nonNil keeps NOT NULL bytea columns happy for unset hashes.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/portfolio-auth/internal/errs"
	"github.com/and161185/portfolio-auth/internal/model"
	"github.com/and161185/portfolio-auth/internal/repository"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// RefreshTokenRepo implements RefreshTokenRepository using PostgreSQL.
type RefreshTokenRepo struct{ db *DB }

// NewRefreshTokenRepo constructs a refresh token repository.
func NewRefreshTokenRepo(db *DB) *RefreshTokenRepo { return &RefreshTokenRepo{db: db} }

const insValue = `
INSERT INTO refresh_token_values (id, token_id, created_at, expires_at, token_hash)
VALUES ($1, $2, $3, $4, $5)`

// Create inserts the lineage row and its initial values in one transaction.
// The newest value becomes the lineage's active value.
func (r *RefreshTokenRepo) Create(ctx context.Context, t *model.RefreshToken) error {
	const ins = `
INSERT INTO refresh_tokens (id, user_id, created_at, active_value_id)
VALUES ($1, $2, $3, $4)`
	if len(t.Values) == 0 {
		return fmt.Errorf("%w: lineage without values", errs.ErrInvalidInput)
	}
	newest := t.Values[len(t.Values)-1].ID

	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, ins, t.ID, t.UserID, t.CreationDate(), newest); err != nil {
			if isUniqueViolation(err) {
				return errs.ErrAlreadyExists
			}
			return err
		}
		for i, v := range t.Values {
			if _, err := tx.Exec(ctx, insValue, v.ID, t.ID, v.CreatedAt, v.ExpiresAt, v.TokenHash); err != nil {
				return fmt.Errorf("value[%d]: %w", i, err)
			}
		}
		return nil
	})
}

// GetByID loads the lineage and its values, oldest first.
func (r *RefreshTokenRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.RefreshToken, error) {
	const selToken = `SELECT id, user_id FROM refresh_tokens WHERE id=$1`
	const selValues = `
SELECT id, token_id, created_at, expires_at, token_hash
FROM refresh_token_values
WHERE token_id=$1
ORDER BY created_at ASC, id ASC`

	var t model.RefreshToken
	if err := r.db.Pool.QueryRow(ctx, selToken, id).Scan(&t.ID, &t.UserID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}

	rows, err := r.db.Pool.Query(ctx, selValues, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var v model.RefreshTokenValue
		if err = rows.Scan(&v.ID, &v.TokenID, &v.CreatedAt, &v.ExpiresAt, &v.TokenHash); err != nil {
			return nil, err
		}
		t.Values = append(t.Values, v)
	}
	return &t, rows.Err()
}

// Exists reports whether the lineage row is present.
func (r *RefreshTokenRepo) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM refresh_tokens WHERE id=$1)`
	var ok bool
	if err := r.db.Pool.QueryRow(ctx, q, id).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// ListByOwner returns lineage summaries with dates derived from their values.
func (r *RefreshTokenRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]model.RefreshTokenInfo, error) {
	const q = `
SELECT t.id, MIN(v.created_at), MAX(v.expires_at)
FROM refresh_tokens t
JOIN refresh_token_values v ON v.token_id = t.id
WHERE t.user_id=$1
GROUP BY t.id
ORDER BY MIN(v.created_at) ASC`
	rows, err := r.db.Pool.Query(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RefreshTokenInfo
	for rows.Next() {
		var info model.RefreshTokenInfo
		if err = rows.Scan(&info.ID, &info.CreatedAt, &info.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Rotate locks the lineage and proceeds only if rot.ActiveValueID is still
// the lineage's active value and has not expired by rot.At. It then expires
// that value, appends rot.Next and makes it active. Losing the race yields
// ErrVersionConflict.
func (r *RefreshTokenRepo) Rotate(ctx context.Context, rot repository.Rotation) error {
	const lock = `SELECT active_value_id FROM refresh_tokens WHERE id=$1 FOR UPDATE`
	const expire = `
UPDATE refresh_token_values SET expires_at=$3
WHERE id=$1 AND token_id=$2 AND expires_at > $3`
	const rehash = `UPDATE refresh_token_values SET token_hash=$2 WHERE id=$1`
	const advance = `UPDATE refresh_tokens SET active_value_id=$2 WHERE id=$1`

	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		var current uuid.UUID
		if err := tx.QueryRow(ctx, lock, rot.TokenID).Scan(&current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrNotFound
			}
			return err
		}
		if current != rot.ActiveValueID {
			return errs.ErrVersionConflict
		}

		tag, err := tx.Exec(ctx, expire, rot.ActiveValueID, rot.TokenID, rot.At)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.ErrVersionConflict
		}

		if len(rot.Rehash) > 0 {
			if _, err := tx.Exec(ctx, rehash, rot.ActiveValueID, rot.Rehash); err != nil {
				return err
			}
		}

		n := rot.Next
		if _, err := tx.Exec(ctx, insValue, n.ID, rot.TokenID, n.CreatedAt, n.ExpiresAt, n.TokenHash); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, advance, rot.TokenID, n.ID)
		return err
	})
}

// Delete removes the lineage if owned by ownerID; values go with it via cascade.
func (r *RefreshTokenRepo) Delete(ctx context.Context, ownerID, tokenID uuid.UUID) (bool, error) {
	const q = `DELETE FROM refresh_tokens WHERE id=$1 AND user_id=$2`
	tag, err := r.db.Pool.Exec(ctx, q, tokenID, ownerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteAllByOwner removes all lineages of the user.
func (r *RefreshTokenRepo) DeleteAllByOwner(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	const q = `DELETE FROM refresh_tokens WHERE user_id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, ownerID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

var (
	_ repository.RefreshTokenRepository = (*RefreshTokenRepo)(nil)
	_ repository.UserRepository         = (*UserRepo)(nil)
)

package repository

import (
	"context"
	"time"

	"github.com/and161185/portfolio-auth/internal/model"
	"github.com/gofrs/uuid/v5"
)

// Rotation describes one refresh token rotation: the active value is expired
// at At and Next becomes the new active value.
type Rotation struct {
	TokenID       uuid.UUID
	ActiveValueID uuid.UUID
	At            time.Time
	// Rehash, when non-empty, replaces the hash of the value being expired.
	Rehash []byte
	Next   model.RefreshTokenValue
}

// RefreshTokenRepository stores refresh token lineages and their values.
type RefreshTokenRepository interface {
	// Create inserts a lineage together with its values.
	Create(ctx context.Context, t *model.RefreshToken) error

	// GetByID loads a lineage with all values ordered by creation time.
	GetByID(ctx context.Context, id uuid.UUID) (*model.RefreshToken, error)

	// Exists reports whether the lineage is still present.
	Exists(ctx context.Context, id uuid.UUID) (bool, error)

	// ListByOwner returns summaries of every lineage owned by the user.
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]model.RefreshTokenInfo, error)

	// Rotate applies r atomically. It returns errs.ErrVersionConflict when the
	// active value was already expired by a concurrent writer, and
	// errs.ErrNotFound when the lineage is gone.
	Rotate(ctx context.Context, r Rotation) error

	// Delete removes the lineage and its history if owned by ownerID.
	Delete(ctx context.Context, ownerID, tokenID uuid.UUID) (bool, error)

	// DeleteAllByOwner removes every lineage of the user and returns how many were removed.
	DeleteAllByOwner(ctx context.Context, ownerID uuid.UUID) (int64, error)
}

// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/portfolio-auth/internal/model"
	"github.com/gofrs/uuid/v5"
)

// UserRepository provides CRUD access for users. Emails are stored and looked
// up in normalized form.
type UserRepository interface {
	// Create inserts a new user. Returns errs.ErrAlreadyExists if the email is taken.
	Create(ctx context.Context, u *model.User) error
	// GetByID loads a user by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	// GetByEmail loads a user by email.
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	// Update persists the mutable fields of u (name, password and reset state).
	Update(ctx context.Context, u *model.User) error
}

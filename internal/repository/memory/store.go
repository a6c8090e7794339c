// Package memory provides an in-process implementation of the repository
// interfaces. It is used by tests and by the CLI's local mode.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/and161185/portfolio-auth/internal/errs"
	"github.com/and161185/portfolio-auth/internal/model"
	"github.com/and161185/portfolio-auth/internal/repository"
	"github.com/gofrs/uuid/v5"
)

// Store keeps users and refresh token lineages in maps guarded by one mutex.
// Every read returns a deep copy, so callers never share state with the store.
type Store struct {
	mu      sync.Mutex
	users   map[uuid.UUID]model.User
	byEmail map[string]uuid.UUID
	tokens  map[uuid.UUID]model.RefreshToken
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:   make(map[uuid.UUID]model.User),
		byEmail: make(map[string]uuid.UUID),
		tokens:  make(map[uuid.UUID]model.RefreshToken),
	}
}

var (
	_ repository.UserRepository         = (*Users)(nil)
	_ repository.RefreshTokenRepository = (*Tokens)(nil)
)

// Users is the user view of a Store.
type Users struct{ s *Store }

// Tokens is the refresh token view of a Store.
type Tokens struct{ s *Store }

// Users returns the UserRepository backed by s.
func (s *Store) Users() *Users { return &Users{s: s} }

// Tokens returns the RefreshTokenRepository backed by s.
func (s *Store) Tokens() *Tokens { return &Tokens{s: s} }

func copyUser(u model.User) *model.User {
	u.PasswordHash = slices.Clone(u.PasswordHash)
	u.PasswordResetTokenHash = slices.Clone(u.PasswordResetTokenHash)
	return &u
}

func copyToken(t model.RefreshToken) *model.RefreshToken {
	vals := make([]model.RefreshTokenValue, len(t.Values))
	for i, v := range t.Values {
		v.TokenHash = slices.Clone(v.TokenHash)
		vals[i] = v
	}
	t.Values = vals
	return &t
}

// Create inserts u.
func (r *Users) Create(ctx context.Context, u *model.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	email := model.NormalizeEmail(u.Email)
	if _, ok := r.s.byEmail[email]; ok {
		return errs.ErrAlreadyExists
	}
	if _, ok := r.s.users[u.ID]; ok {
		return errs.ErrAlreadyExists
	}
	stored := *copyUser(*u)
	stored.Email = email
	r.s.users[u.ID] = stored
	r.s.byEmail[email] = u.ID
	return nil
}

// GetByID loads a user by ID.
func (r *Users) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return copyUser(u), nil
}

// GetByEmail loads a user by normalized email.
func (r *Users) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	id, ok := r.s.byEmail[model.NormalizeEmail(email)]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return copyUser(r.s.users[id]), nil
}

// Update overwrites the mutable fields of the stored user.
func (r *Users) Update(ctx context.Context, u *model.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cur, ok := r.s.users[u.ID]
	if !ok {
		return errs.ErrNotFound
	}
	next := copyUser(*u)
	cur.FullName = next.FullName
	cur.PasswordHash = next.PasswordHash
	cur.PasswordResetTokenHash = next.PasswordResetTokenHash
	cur.PasswordResetExpiration = next.PasswordResetExpiration
	cur.LastPasswordResetRequest = next.LastPasswordResetRequest
	r.s.users[u.ID] = cur
	return nil
}

// Create inserts a lineage. The owner must exist.
func (r *Tokens) Create(ctx context.Context, t *model.RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.users[t.UserID]; !ok {
		return errs.ErrNotFound
	}
	if _, ok := r.s.tokens[t.ID]; ok {
		return errs.ErrAlreadyExists
	}
	stored := *copyToken(*t)
	for i := range stored.Values {
		stored.Values[i].TokenID = t.ID
	}
	r.s.tokens[t.ID] = stored
	return nil
}

// GetByID loads a lineage with its values ordered by creation time.
func (r *Tokens) GetByID(ctx context.Context, id uuid.UUID) (*model.RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.tokens[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return copyToken(t), nil
}

// Exists reports whether the lineage is present.
func (r *Tokens) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	_, ok := r.s.tokens[id]
	return ok, nil
}

// ListByOwner returns summaries ordered by creation date.
func (r *Tokens) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]model.RefreshTokenInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []model.RefreshTokenInfo
	for _, t := range r.s.tokens {
		if t.UserID == ownerID && len(t.Values) > 0 {
			out = append(out, t.Info())
		}
	}
	slices.SortFunc(out, func(a, b model.RefreshTokenInfo) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// Rotate expires the active value and appends rot.Next under the store lock.
// Only the newest value of the lineage can be rotated, whatever rot.At says,
// so a writer holding an older snapshot loses.
func (r *Tokens) Rotate(ctx context.Context, rot repository.Rotation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.tokens[rot.TokenID]
	if !ok {
		return errs.ErrNotFound
	}
	idx := slices.IndexFunc(t.Values, func(v model.RefreshTokenValue) bool { return v.ID == rot.ActiveValueID })
	if idx < 0 || idx != len(t.Values)-1 || !t.Values[idx].Active(rot.At) {
		return errs.ErrVersionConflict
	}

	vals := slices.Clone(t.Values)
	vals[idx].ExpiresAt = rot.At
	if len(rot.Rehash) > 0 {
		vals[idx].TokenHash = slices.Clone(rot.Rehash)
	}
	next := rot.Next
	next.TokenID = rot.TokenID
	next.TokenHash = slices.Clone(next.TokenHash)
	t.Values = append(vals, next)
	r.s.tokens[rot.TokenID] = t
	return nil
}

// Delete removes the lineage if owned by ownerID.
func (r *Tokens) Delete(ctx context.Context, ownerID, tokenID uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.tokens[tokenID]
	if !ok || t.UserID != ownerID {
		return false, nil
	}
	delete(r.s.tokens, tokenID)
	return true, nil
}

// DeleteAllByOwner removes all lineages of ownerID.
func (r *Tokens) DeleteAllByOwner(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for id, t := range r.s.tokens {
		if t.UserID == ownerID {
			delete(r.s.tokens, id)
			n++
		}
	}
	return n, nil
}

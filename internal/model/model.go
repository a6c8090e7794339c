// Package model defines domain entities used by services and repositories.
package model

import (
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// User is an account that authenticates with a password. Hash fields hold
// versioned blobs produced by the crypto engine; an empty blob means unset.
type User struct {
	ID                       uuid.UUID
	Email                    string // normalized, see NormalizeEmail
	FullName                 string
	PasswordHash             []byte
	PasswordResetTokenHash   []byte
	PasswordResetExpiration  time.Time
	LastPasswordResetRequest time.Time
	CreatedAt                time.Time
}

// NormalizeEmail trims and lowercases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RefreshToken is one session lineage: an identity plus its rotation history.
type RefreshToken struct {
	ID     uuid.UUID
	UserID uuid.UUID
	Values []RefreshTokenValue // ordered by CreatedAt, oldest first
}

// RefreshTokenValue is one rotation instance of a lineage. Once expired it is
// never modified again.
type RefreshTokenValue struct {
	ID        uuid.UUID
	TokenID   uuid.UUID
	CreatedAt time.Time
	ExpiresAt time.Time
	TokenHash []byte
}

// Active reports whether v has not expired at now.
func (v RefreshTokenValue) Active(now time.Time) bool { return v.ExpiresAt.After(now) }

// ActiveValue returns the value that is still valid at now. Rotation keeps at
// most one such value per lineage.
func (t *RefreshToken) ActiveValue(now time.Time) (*RefreshTokenValue, bool) {
	for i := len(t.Values) - 1; i >= 0; i-- {
		if t.Values[i].Active(now) {
			return &t.Values[i], true
		}
	}
	return nil, false
}

// History returns the values that already expired at now, oldest first.
func (t *RefreshToken) History(now time.Time) []RefreshTokenValue {
	out := make([]RefreshTokenValue, 0, len(t.Values))
	for _, v := range t.Values {
		if !v.Active(now) {
			out = append(out, v)
		}
	}
	return out
}

// ExpirationDate is the latest value expiration, zero for an empty lineage.
func (t *RefreshToken) ExpirationDate() time.Time {
	var exp time.Time
	for _, v := range t.Values {
		if v.ExpiresAt.After(exp) {
			exp = v.ExpiresAt
		}
	}
	return exp
}

// CreationDate is the earliest value creation, zero for an empty lineage.
func (t *RefreshToken) CreationDate() time.Time {
	var created time.Time
	for i, v := range t.Values {
		if i == 0 || v.CreatedAt.Before(created) {
			created = v.CreatedAt
		}
	}
	return created
}

// Info projects the lineage for listings.
func (t *RefreshToken) Info() RefreshTokenInfo {
	return RefreshTokenInfo{ID: t.ID, CreatedAt: t.CreationDate(), ExpiresAt: t.ExpirationDate()}
}

// RefreshTokenInfo is a lineage summary safe to show to its owner.
type RefreshTokenInfo struct {
	ID        uuid.UUID
	CreatedAt time.Time
	ExpiresAt time.Time
}

// RefreshTokenData is handed to the client once; Secret is never stored.
type RefreshTokenData struct {
	Secret    string
	TokenID   uuid.UUID // lineage id, stable across rotations
	ValueID   uuid.UUID // changes on every rotation
	ExpiresAt time.Time
}

// AccessGrant is the result of a successful refresh.
type AccessGrant struct {
	AccessToken     string
	AccessExpiresAt time.Time
	Refresh         RefreshTokenData
}

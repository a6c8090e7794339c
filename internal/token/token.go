// Package token issues and parses the short-lived HS256 access tokens handed
// out on refresh.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails signature, claim or
// lifetime checks.
var ErrInvalidToken = errors.New("invalid access token")

// Claims asserts the user's identity and the refresh token lineage the access
// token was minted from.
type Claims struct {
	Email          string `json:"email"`
	Name           string `json:"name,omitempty"`
	RefreshTokenID string `json:"rtid"`
	jwt.RegisteredClaims
}

// Subject carries the parsed identity of a valid access token.
type Subject struct {
	UserID         uuid.UUID
	Email          string
	Name           string
	RefreshTokenID uuid.UUID
	ExpiresAt      time.Time
}

// Issuer signs and validates access tokens with a shared HS256 key.
type Issuer struct {
	signKey  []byte
	issuer   string
	audience string
	ttl      time.Duration
	leeway   time.Duration
	now      func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock sets the clock used to validate token lifetimes.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer constructs an Issuer. signKey must be non-empty.
func NewIssuer(signKey []byte, issuer, audience string, ttl time.Duration, opts ...Option) (*Issuer, error) {
	if len(signKey) == 0 {
		return nil, errors.New("token: empty signing key")
	}
	if ttl <= 0 {
		return nil, errors.New("token: ttl must be positive")
	}
	i := &Issuer{
		signKey:  signKey,
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		leeway:   30 * time.Second,
		now:      time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	return i, nil
}

// TTL returns the configured access token lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue signs a token for the subject. The expiry is capped at notAfter when
// that comes before now+TTL.
func (i *Issuer) Issue(sub Subject, now, notAfter time.Time) (string, time.Time, error) {
	exp := now.Add(i.ttl)
	if !notAfter.IsZero() && notAfter.Before(exp) {
		exp = notAfter
	}

	jti, err := uuid.NewV4()
	if err != nil {
		return "", time.Time{}, err
	}
	claims := Claims{
		Email:          sub.Email,
		Name:           sub.Name,
		RefreshTokenID: sub.RefreshTokenID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti.String(),
			Subject:   sub.UserID.String(),
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	if i.audience != "" {
		claims.Audience = jwt.ClaimStrings{i.audience}
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign: %w", err)
	}
	return signed, exp, nil
}

// Parse validates raw and returns its subject.
func (i *Issuer) Parse(raw string) (*Subject, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(i.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}
	if i.audience != "" {
		opts = append(opts, jwt.WithAudience(i.audience))
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return i.signKey, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID, err := uuid.FromString(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	rtid, err := uuid.FromString(claims.RefreshTokenID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad rtid", ErrInvalidToken)
	}
	return &Subject{
		UserID:         userID,
		Email:          claims.Email,
		Name:           claims.Name,
		RefreshTokenID: rtid,
		ExpiresAt:      claims.ExpiresAt.Time,
	}, nil
}

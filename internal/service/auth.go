// Package service contains the authentication manager: login, refresh token
// rotation, revocation and password reset.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/portfolio-auth/internal/crypto"
	"github.com/and161185/portfolio-auth/internal/errs"
	"github.com/and161185/portfolio-auth/internal/model"
	"github.com/and161185/portfolio-auth/internal/repository"
	"github.com/and161185/portfolio-auth/internal/token"
)

// AuthService defines the authentication operations exposed to transports.
type AuthService interface {
	// Login verifies credentials and opens a new refresh token lineage.
	Login(ctx context.Context, email, password string) (*model.RefreshTokenData, error)
	// IssueAccessToken rotates the lineage's refresh secret and mints an access token.
	IssueAccessToken(ctx context.Context, email string, tokenID uuid.UUID, secret string) (*model.AccessGrant, error)
	// Authenticate validates an access token and returns its user and lineage.
	Authenticate(ctx context.Context, accessToken string) (*model.User, uuid.UUID, error)
	// ListRefreshTokens lists the owner's lineages.
	ListRefreshTokens(ctx context.Context, ownerID uuid.UUID) ([]model.RefreshTokenInfo, error)
	// RevokeRefreshToken deletes one lineage owned by ownerID.
	RevokeRefreshToken(ctx context.Context, ownerID, tokenID uuid.UUID) (bool, error)
	// RevokeAllRefreshTokens deletes every lineage owned by ownerID.
	RevokeAllRefreshTokens(ctx context.Context, ownerID uuid.UUID) error
	// BeginPasswordReset issues and mails a reset code unless the cooldown runs.
	BeginPasswordReset(ctx context.Context, userID uuid.UUID) (time.Duration, error)
	// CompletePasswordReset replaces the password when code is valid.
	CompletePasswordReset(ctx context.Context, userID uuid.UUID, code, newPassword string, revokeAll bool) error
	// SeedUser makes sure a user with email exists and has a password.
	SeedUser(ctx context.Context, email, fullName string) (string, error)
}

// Hasher is the secret hashing engine.
type Hasher interface {
	HashString(secret string) ([]byte, error)
	VerifyString(secret string, blob []byte) (crypto.Result, error)
}

// AccessTokenIssuer signs and parses access tokens.
type AccessTokenIssuer interface {
	Issue(sub token.Subject, now, notAfter time.Time) (string, time.Time, error)
	Parse(raw string) (*token.Subject, error)
}

// ReplayDetector receives refresh secrets that failed against the active value.
type ReplayDetector interface {
	EnqueueInvalidAccessTokenUsage(tokenID uuid.UUID, secret string)
}

// ResetNotifier delivers reset codes out of band.
type ResetNotifier interface {
	SendPasswordReset(u model.User, code string, ttl time.Duration)
}

// Options configure token lifetimes and password policy.
type Options struct {
	RefreshTTL           time.Duration
	RefreshSecretLength  int
	ResetCodeLength      int
	ResetCodeTTL         time.Duration
	ResetCooldown        time.Duration
	MinPasswordLength    int
	StrongPasswordLength int
	Now                  func() time.Time
}

// DefaultOptions mirror the configuration defaults.
func DefaultOptions() Options {
	return Options{
		RefreshTTL:           72 * time.Hour,
		RefreshSecretLength:  64,
		ResetCodeLength:      6,
		ResetCodeTTL:         15 * time.Minute,
		ResetCooldown:        2 * time.Minute,
		MinPasswordLength:    7,
		StrongPasswordLength: 12,
		Now:                  time.Now,
	}
}

type AuthServiceImpl struct {
	users    repository.UserRepository
	tokens   repository.RefreshTokenRepository
	hasher   Hasher
	issuer   AccessTokenIssuer
	detector ReplayDetector
	notifier ResetNotifier
	opts     Options
	log      *zap.Logger
}

var _ AuthService = (*AuthServiceImpl)(nil)

// NewAuthService constructs AuthService with required dependencies. Zero
// option fields fall back to DefaultOptions.
func NewAuthService(
	users repository.UserRepository,
	tokens repository.RefreshTokenRepository,
	hasher Hasher,
	issuer AccessTokenIssuer,
	detector ReplayDetector,
	notifier ResetNotifier,
	opts Options,
	log *zap.Logger,
) *AuthServiceImpl {
	def := DefaultOptions()
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = def.RefreshTTL
	}
	if opts.RefreshSecretLength <= 0 {
		opts.RefreshSecretLength = def.RefreshSecretLength
	}
	if opts.ResetCodeLength <= 0 {
		opts.ResetCodeLength = def.ResetCodeLength
	}
	if opts.ResetCodeTTL <= 0 {
		opts.ResetCodeTTL = def.ResetCodeTTL
	}
	if opts.MinPasswordLength <= 0 {
		opts.MinPasswordLength = def.MinPasswordLength
	}
	if opts.StrongPasswordLength <= 0 {
		opts.StrongPasswordLength = def.StrongPasswordLength
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthServiceImpl{
		users:    users,
		tokens:   tokens,
		hasher:   hasher,
		issuer:   issuer,
		detector: detector,
		notifier: notifier,
		opts:     opts,
		log:      log.Named("auth"),
	}
}

// Login authenticates by email and password and returns a new lineage's
// first refresh secret.
func (s *AuthServiceImpl) Login(ctx context.Context, email, password string) (*model.RefreshTokenData, error) {
	now := s.opts.Now()

	u, err := s.userByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	res, err := s.hasher.VerifyString(password, u.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if res == crypto.Failed {
		s.log.Debug("login rejected", zap.Stringer("user_id", u.ID))
		return nil, errs.ErrUnauthorized
	}

	data, err := s.openLineage(ctx, u.ID, now)
	if err != nil {
		return nil, err
	}

	// The upgrade is a separate write after the session exists. If it fails
	// the old hash still verifies and the next login retries it.
	if res == crypto.SuccessRehashNeeded {
		if err := s.rehashPassword(ctx, u, password); err != nil {
			s.log.Warn("password hash upgrade failed", zap.Stringer("user_id", u.ID), zap.Error(err))
		}
	}
	s.log.Info("login", zap.Stringer("user_id", u.ID), zap.Stringer("token_id", data.TokenID))
	return data, nil
}

// IssueAccessToken checks secret against the lineage's active value, rotates
// the lineage and returns a fresh access token with the next refresh secret.
// A secret that does not match, or loses a concurrent rotation, is handed to
// the replay detector.
func (s *AuthServiceImpl) IssueAccessToken(ctx context.Context, email string, tokenID uuid.UUID, secret string) (*model.AccessGrant, error) {
	now := s.opts.Now()

	u, err := s.userByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	tok, err := s.tokens.GetByID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.ErrUnauthorized
		}
		return nil, fmt.Errorf("load refresh token: %w", err)
	}
	if tok.UserID != u.ID {
		return nil, errs.ErrUnauthorized
	}

	active, ok := tok.ActiveValue(now)
	if !ok {
		return nil, errs.ErrUnauthorized
	}

	res, err := s.hasher.VerifyString(secret, active.TokenHash)
	if err != nil {
		return nil, fmt.Errorf("verify refresh secret: %w", err)
	}
	if res == crypto.Failed {
		s.suspect(tok, secret, "secret mismatch")
		return nil, errs.ErrUnauthorized
	}

	var rehash []byte
	if res == crypto.SuccessRehashNeeded {
		if rehash, err = s.hasher.HashString(secret); err != nil {
			return nil, fmt.Errorf("rehash refresh secret: %w", err)
		}
	}

	next, nextSecret, err := s.newValue(tok.ID, now)
	if err != nil {
		return nil, err
	}
	err = s.tokens.Rotate(ctx, repository.Rotation{
		TokenID:       tok.ID,
		ActiveValueID: active.ID,
		At:            now,
		Rehash:        rehash,
		Next:          next,
	})
	switch {
	case errors.Is(err, errs.ErrVersionConflict):
		s.suspect(tok, secret, "lost rotation race")
		return nil, errs.ErrUnauthorized
	case errors.Is(err, errs.ErrNotFound):
		return nil, errs.ErrUnauthorized
	case err != nil:
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	access, accessExp, err := s.issuer.Issue(token.Subject{
		UserID:         u.ID,
		Email:          u.Email,
		Name:           u.FullName,
		RefreshTokenID: tok.ID,
	}, now, next.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}

	s.log.Debug("refresh token rotated", zap.Stringer("token_id", tok.ID), zap.Stringer("value_id", next.ID))
	return &model.AccessGrant{
		AccessToken:     access,
		AccessExpiresAt: accessExp,
		Refresh: model.RefreshTokenData{
			Secret:    nextSecret,
			TokenID:   tok.ID,
			ValueID:   next.ID,
			ExpiresAt: next.ExpiresAt,
		},
	}, nil
}

// Authenticate parses accessToken and checks that its lineage was not revoked.
func (s *AuthServiceImpl) Authenticate(ctx context.Context, accessToken string) (*model.User, uuid.UUID, error) {
	sub, err := s.issuer.Parse(accessToken)
	if err != nil {
		return nil, uuid.Nil, errs.ErrUnauthorized
	}

	ok, err := s.tokens.Exists(ctx, sub.RefreshTokenID)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("check refresh token: %w", err)
	}
	if !ok {
		return nil, uuid.Nil, errs.ErrUnauthorized
	}

	u, err := s.users.GetByID(ctx, sub.UserID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, uuid.Nil, errs.ErrUnauthorized
		}
		return nil, uuid.Nil, fmt.Errorf("load user: %w", err)
	}
	return u, sub.RefreshTokenID, nil
}

// ListRefreshTokens returns the owner's lineages.
func (s *AuthServiceImpl) ListRefreshTokens(ctx context.Context, ownerID uuid.UUID) ([]model.RefreshTokenInfo, error) {
	list, err := s.tokens.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list refresh tokens: %w", err)
	}
	return list, nil
}

// RevokeRefreshToken deletes the lineage and its history. It reports false
// when no lineage with that id belongs to ownerID.
func (s *AuthServiceImpl) RevokeRefreshToken(ctx context.Context, ownerID, tokenID uuid.UUID) (bool, error) {
	ok, err := s.tokens.Delete(ctx, ownerID, tokenID)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	if ok {
		s.log.Info("refresh token revoked", zap.Stringer("user_id", ownerID), zap.Stringer("token_id", tokenID))
	}
	return ok, nil
}

// RevokeAllRefreshTokens deletes all lineages of ownerID.
func (s *AuthServiceImpl) RevokeAllRefreshTokens(ctx context.Context, ownerID uuid.UUID) error {
	n, err := s.tokens.DeleteAllByOwner(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("revoke all refresh tokens: %w", err)
	}
	s.log.Info("all refresh tokens revoked", zap.Stringer("user_id", ownerID), zap.Int64("count", n))
	return nil
}

func (s *AuthServiceImpl) userByEmail(ctx context.Context, email string) (*model.User, error) {
	u, err := s.users.GetByEmail(ctx, model.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.ErrUnauthorized
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}

func (s *AuthServiceImpl) rehashPassword(ctx context.Context, u *model.User, password string) error {
	h, err := s.hasher.HashString(password)
	if err != nil {
		return fmt.Errorf("rehash password: %w", err)
	}
	u.PasswordHash = h
	if err := s.users.Update(ctx, u); err != nil {
		return fmt.Errorf("store rehashed password: %w", err)
	}
	s.log.Info("password hash upgraded", zap.Stringer("user_id", u.ID))
	return nil
}

func (s *AuthServiceImpl) openLineage(ctx context.Context, userID uuid.UUID, now time.Time) (*model.RefreshTokenData, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	v, secret, err := s.newValue(id, now)
	if err != nil {
		return nil, err
	}

	tok := &model.RefreshToken{ID: id, UserID: userID, Values: []model.RefreshTokenValue{v}}
	if err := s.tokens.Create(ctx, tok); err != nil {
		return nil, fmt.Errorf("create refresh token: %w", err)
	}
	return &model.RefreshTokenData{Secret: secret, TokenID: id, ValueID: v.ID, ExpiresAt: v.ExpiresAt}, nil
}

// newValue draws a fresh refresh secret and returns its stored form. The
// secret is alphanumeric so it survives query strings and headers unescaped.
func (s *AuthServiceImpl) newValue(tokenID uuid.UUID, now time.Time) (model.RefreshTokenValue, string, error) {
	secret, err := crypto.GenerateRandomString(s.opts.RefreshSecretLength, crypto.AlphaNumeric)
	if err != nil {
		return model.RefreshTokenValue{}, "", fmt.Errorf("generate refresh secret: %w", err)
	}
	h, err := s.hasher.HashString(secret)
	if err != nil {
		return model.RefreshTokenValue{}, "", fmt.Errorf("hash refresh secret: %w", err)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return model.RefreshTokenValue{}, "", err
	}
	return model.RefreshTokenValue{
		ID:        id,
		TokenID:   tokenID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.opts.RefreshTTL),
		TokenHash: h,
	}, secret, nil
}

func (s *AuthServiceImpl) suspect(tok *model.RefreshToken, secret, reason string) {
	s.log.Info("refresh rejected, queued for replay check",
		zap.Stringer("token_id", tok.ID),
		zap.Stringer("user_id", tok.UserID),
		zap.String("reason", reason),
	)
	if s.detector != nil {
		s.detector.EnqueueInvalidAccessTokenUsage(tok.ID, secret)
	}
}

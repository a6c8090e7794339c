package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/portfolio-auth/internal/crypto"
	"github.com/and161185/portfolio-auth/internal/errs"
	"github.com/and161185/portfolio-auth/internal/model"
)

// BeginPasswordReset stores a fresh reset code hash and mails the code. While
// the cooldown since the previous request runs it changes nothing and returns
// the remaining wait with errs.ErrRateLimited.
func (s *AuthServiceImpl) BeginPasswordReset(ctx context.Context, userID uuid.UUID) (time.Duration, error) {
	now := s.opts.Now()

	u, err := s.userByID(ctx, userID)
	if err != nil {
		return 0, err
	}

	if !u.LastPasswordResetRequest.IsZero() {
		if until := u.LastPasswordResetRequest.Add(s.opts.ResetCooldown); now.Before(until) {
			return until.Sub(now), errs.ErrRateLimited
		}
	}

	code, err := crypto.GenerateRandomString(s.opts.ResetCodeLength, crypto.ResetCodeCharacters)
	if err != nil {
		return 0, fmt.Errorf("generate reset code: %w", err)
	}
	h, err := s.hasher.HashString(code)
	if err != nil {
		return 0, fmt.Errorf("hash reset code: %w", err)
	}

	u.PasswordResetTokenHash = h
	u.PasswordResetExpiration = now.Add(s.opts.ResetCodeTTL)
	u.LastPasswordResetRequest = now
	if err := s.users.Update(ctx, u); err != nil {
		return 0, fmt.Errorf("store reset code: %w", err)
	}

	s.log.Info("password reset requested", zap.Stringer("user_id", u.ID))
	if s.notifier != nil {
		s.notifier.SendPasswordReset(*u, code, s.opts.ResetCodeTTL)
	}
	return 0, nil
}

// CompletePasswordReset replaces the password if code matches the stored
// reset hash. A weak password yields errs.ErrWeakPassword; every other
// rejection is errs.ErrUnauthorized. With revokeAll every refresh token of
// the user is revoked afterwards.
func (s *AuthServiceImpl) CompletePasswordReset(ctx context.Context, userID uuid.UUID, code, newPassword string, revokeAll bool) error {
	if !s.strongEnough(newPassword) {
		return errs.ErrWeakPassword
	}
	now := s.opts.Now()

	u, err := s.userByID(ctx, userID)
	if err != nil {
		return err
	}
	if len(u.PasswordResetTokenHash) == 0 {
		return errs.ErrUnauthorized
	}

	if !now.Before(u.PasswordResetExpiration) {
		clearReset(u)
		if err := s.users.Update(ctx, u); err != nil {
			return fmt.Errorf("clear expired reset code: %w", err)
		}
		return errs.ErrUnauthorized
	}

	res, err := s.hasher.VerifyString(code, u.PasswordResetTokenHash)
	if err != nil {
		return fmt.Errorf("verify reset code: %w", err)
	}
	if !res.Matched() {
		return errs.ErrUnauthorized
	}

	h, err := s.hasher.HashString(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	u.PasswordHash = h
	clearReset(u)
	if err := s.users.Update(ctx, u); err != nil {
		return fmt.Errorf("store password: %w", err)
	}
	s.log.Info("password reset completed", zap.Stringer("user_id", u.ID), zap.Bool("revoke_all", revokeAll))

	if revokeAll {
		return s.RevokeAllRefreshTokens(ctx, u.ID)
	}
	return nil
}

// SeedUser creates the user if missing and, when it has no password yet,
// sets a generated one and returns it. An empty result means nothing changed.
func (s *AuthServiceImpl) SeedUser(ctx context.Context, email, fullName string) (string, error) {
	email = model.NormalizeEmail(email)
	if email == "" {
		return "", fmt.Errorf("seed: %w: empty email", errs.ErrInvalidInput)
	}

	u, err := s.users.GetByEmail(ctx, email)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		id, err := uuid.NewV4()
		if err != nil {
			return "", err
		}
		u = &model.User{ID: id, Email: email, FullName: fullName, CreatedAt: s.opts.Now()}
		if err := s.users.Create(ctx, u); err != nil {
			return "", fmt.Errorf("seed user: %w", err)
		}
		s.log.Info("seed user created", zap.Stringer("user_id", u.ID))
	case err != nil:
		return "", fmt.Errorf("load seed user: %w", err)
	}

	if len(u.PasswordHash) > 0 {
		return "", nil
	}

	pw, err := crypto.GenerateStrongPassword(s.opts.StrongPasswordLength)
	if err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	if u.PasswordHash, err = s.hasher.HashString(pw); err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.Update(ctx, u); err != nil {
		return "", fmt.Errorf("store seed password: %w", err)
	}
	return pw, nil
}

// strongEnough requires the minimum length plus an ASCII lowercase letter,
// an uppercase letter and a digit.
func (s *AuthServiceImpl) strongEnough(pw string) bool {
	return len(pw) >= s.opts.MinPasswordLength &&
		strings.ContainsAny(pw, crypto.LowerAlpha) &&
		strings.ContainsAny(pw, crypto.UpperAlpha) &&
		strings.ContainsAny(pw, crypto.Numeric)
}

func (s *AuthServiceImpl) userByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.ErrUnauthorized
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}

func clearReset(u *model.User) {
	u.PasswordResetTokenHash = nil
	u.PasswordResetExpiration = time.Time{}
}

// Package app assembles the authentication service graph from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/portfolio-auth/internal/config"
	"github.com/and161185/portfolio-auth/internal/crypto"
	"github.com/and161185/portfolio-auth/internal/intruder"
	"github.com/and161185/portfolio-auth/internal/mail"
	"github.com/and161185/portfolio-auth/internal/repository"
	"github.com/and161185/portfolio-auth/internal/service"
	"github.com/and161185/portfolio-auth/internal/token"
)

// App owns the long-lived background workers next to the service.
type App struct {
	Auth     *service.AuthServiceImpl
	Issuer   *token.Issuer
	Detector *intruder.Detector
	Mailer   *mail.Dispatcher

	log *zap.Logger
}

// New wires the crypto engine, token issuer, replay detector and mail
// dispatcher around users and tokens.
func New(cfg *config.Config, users repository.UserRepository, tokens repository.RefreshTokenRepository, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}

	engine, err := crypto.NewEngine(cfg.Crypto.Params())
	if err != nil {
		return nil, fmt.Errorf("crypto engine: %w", err)
	}

	issuer, err := token.NewIssuer([]byte(cfg.Auth.Secret), cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("token issuer: %w", err)
	}

	sender, err := NewSender(cfg.Email, log)
	if err != nil {
		return nil, err
	}
	mailer := mail.NewDispatcher(sender, cfg.Email.From, log,
		mail.WithAttempts(cfg.Email.Attempts),
		mail.WithBackoff(cfg.Email.Backoff),
	)

	det := intruder.New(tokens, engine, tokens.Delete, intruder.Options{
		MaxHistory:  cfg.Detector.MaxHistory,
		ItemTimeout: cfg.Detector.ItemTimeout,
	}, log)

	auth := service.NewAuthService(users, tokens, engine, issuer, det, mailer, service.Options{
		RefreshTTL:           cfg.Auth.RefreshTokenTTL,
		RefreshSecretLength:  cfg.Auth.RefreshTokenLength,
		ResetCodeLength:      cfg.Auth.ResetCodeLength,
		ResetCodeTTL:         cfg.Auth.ResetCodeTTL,
		ResetCooldown:        cfg.Auth.ResetCooldown,
		MinPasswordLength:    cfg.Auth.MinPasswordLength,
		StrongPasswordLength: cfg.Crypto.StrongPasswordLength,
	}, log)

	return &App{Auth: auth, Issuer: issuer, Detector: det, Mailer: mailer, log: log}, nil
}

// NewSender picks Resend when an API key is configured and the pickup
// directory otherwise.
func NewSender(cfg config.Email, log *zap.Logger) (mail.Sender, error) {
	if cfg.ResendAPIKey != "" {
		log.Info("email via resend")
		return mail.NewResendSender(cfg.ResendAPIKey), nil
	}
	pickup, err := mail.NewPickupSender(cfg.PickupDir)
	if err != nil {
		return nil, fmt.Errorf("email pickup: %w", err)
	}
	log.Info("email via pickup directory", zap.String("dir", pickup.Dir()))
	return pickup, nil
}

// Seed makes sure the configured seed user exists. A generated password is
// logged once, at warn level.
func (a *App) Seed(ctx context.Context, cfg config.Seed) error {
	if cfg.Email == "" {
		return nil
	}
	pw, err := a.Auth.SeedUser(ctx, cfg.Email, cfg.FullName)
	if err != nil {
		return fmt.Errorf("seed user: %w", err)
	}
	if pw != "" {
		a.log.Warn("seed user created, change the password", zap.String("email", cfg.Email), zap.String("password", pw))
	}
	return nil
}

// Close stops the detector and flushes queued emails.
func (a *App) Close(ctx context.Context) error {
	return errors.Join(a.Detector.Stop(ctx), a.Mailer.Close(ctx))
}

package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/portfolio-auth/internal/config"
	"github.com/and161185/portfolio-auth/internal/errs"
	"github.com/and161185/portfolio-auth/internal/mail"
	"github.com/and161185/portfolio-auth/internal/repository/memory"
)

func testConfig(t *testing.T, extra map[string]string) *config.Config {
	t.Helper()
	environ := map[string]string{
		"AUTH_SECRET":       "test-secret",
		"CRYPTO_ITERATIONS": "1",
		"CRYPTO_MEMORY_KB":  "64",
		"EMAIL_PICKUP_DIR":  t.TempDir(),
	}
	for k, v := range extra {
		environ[k] = v
	}
	cfg, err := config.Parse(environ)
	require.NoError(t, err)
	return cfg
}

func TestNewSender(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, nil)
	s, err := NewSender(cfg.Email, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.IsType(t, &mail.PickupSender{}, s)

	cfg.Email.ResendAPIKey = "re_test"
	s, err = NewSender(cfg.Email, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.IsType(t, &mail.ResendSender{}, s)
}

func TestSeed_OnlyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := testConfig(t, map[string]string{"SEED_EMAIL": "Admin@Example.com"})
	store := memory.New()
	a, err := New(cfg, store.Users(), store.Tokens(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	require.NoError(t, a.Seed(ctx, cfg.Seed))
	u, err := store.Users().GetByEmail(ctx, "admin@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, u.PasswordHash)
	require.Equal(t, "Administrator", u.FullName)

	require.NoError(t, a.Seed(ctx, cfg.Seed))
	again, err := store.Users().GetByEmail(ctx, "admin@example.com")
	require.NoError(t, err)
	require.Equal(t, u.PasswordHash, again.PasswordHash)

	require.NoError(t, a.Seed(ctx, config.Seed{}), "no seed email is a no-op")
}

func TestApp_ReplayRevokesThroughRepository(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := testConfig(t, nil)
	store := memory.New()
	a, err := New(cfg, store.Users(), store.Tokens(), zaptest.NewLogger(t))
	require.NoError(t, err)

	pw, err := a.Auth.SeedUser(ctx, "a@b.com", "A")
	require.NoError(t, err)
	data, err := a.Auth.Login(ctx, "a@b.com", pw)
	require.NoError(t, err)
	_, err = a.Auth.IssueAccessToken(ctx, "a@b.com", data.TokenID, data.Secret)
	require.NoError(t, err)

	_, err = a.Auth.IssueAccessToken(ctx, "a@b.com", data.TokenID, data.Secret)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	a.Detector.Wait()
	ok, err := store.Tokens().Exists(ctx, data.TokenID)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, int64(1), a.Detector.Stats().Revoked)

	require.NoError(t, a.Close(ctx))
}

func TestNew_RejectsBadParams(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, nil)
	cfg.Crypto.KeySize = 8
	_, err := New(cfg, memory.New().Users(), memory.New().Tokens(), nil)
	require.Error(t, err)
}

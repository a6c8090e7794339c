package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/portfolio-auth/internal/app"
	"github.com/and161185/portfolio-auth/internal/config"
	"github.com/and161185/portfolio-auth/internal/errs"
	"github.com/and161185/portfolio-auth/internal/model"
	"github.com/and161185/portfolio-auth/internal/repository/memory"
)

type testEnv struct {
	cli    *cli
	app    *app.App
	out    *bytes.Buffer
	pickup string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	pickup := t.TempDir()
	cfg, err := config.Parse(map[string]string{
		"AUTH_SECRET":         "test-secret",
		"CRYPTO_ITERATIONS":   "1",
		"CRYPTO_MEMORY_KB":    "64",
		"EMAIL_PICKUP_DIR":    pickup,
		"EMAIL_BACKOFF":       "1ms",
		"AUTH_RESET_COOLDOWN": "0s",
	})
	require.NoError(t, err)

	store := memory.New()
	a, err := app.New(cfg, store.Users(), store.Tokens(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	out := &bytes.Buffer{}
	return &testEnv{
		cli: &cli{
			auth:    a.Auth,
			users:   store.Users(),
			session: filepath.Join(t.TempDir(), "session.json"),
			now:     time.Now,
			out:     out,
		},
		app:    a,
		out:    out,
		pickup: pickup,
	}
}

// exec runs one subcommand and decodes its JSON output into v when non-nil.
func (e *testEnv) exec(t *testing.T, v any, args ...string) error {
	t.Helper()
	e.out.Reset()
	err := e.cli.run(context.Background(), args)
	if err == nil && v != nil {
		require.NoError(t, json.Unmarshal(e.out.Bytes(), v), e.out.String())
	}
	return err
}

func (e *testEnv) seed(t *testing.T, email string) string {
	t.Helper()
	var res struct {
		CreatedPassword string `json:"created_password"`
	}
	require.NoError(t, e.exec(t, &res, "seed", "-email", email, "-name", "Ada"))
	require.NotEmpty(t, res.CreatedPassword)
	return res.CreatedPassword
}

func Test_session_SaveLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "session.json")
	now := time.Now()

	_, err := loadSession(path, now)
	require.Error(t, err)

	s := newSession("a@b.com", &model.RefreshTokenData{
		Secret: "s3cret", TokenID: uuid.Must(uuid.NewV4()), ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, saveSession(path, s))

	st, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	got, err := loadSession(path, now)
	require.NoError(t, err)
	require.Equal(t, s.TokenID, got.TokenID)
	require.Equal(t, "s3cret", got.Secret)

	_, err = loadSession(path, now.Add(2*time.Hour))
	require.Error(t, err, "expired session must be rejected")
}

func Test_cfgDir_FollowsXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	require.Equal(t, filepath.Join(dir, "portfolio-auth"), cfgDir())
	require.Equal(t, filepath.Join(dir, "portfolio-auth", "session.json"), sessionPath())
}

func Test_run_LoginRefreshWhoami(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	pw := e.seed(t, "Ada@Example.com")

	var login struct {
		TokenID uuid.UUID `json:"token_id"`
	}
	require.NoError(t, e.exec(t, &login, "login", "-email", "ada@example.com", "-password", pw))

	var grant struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, e.exec(t, &grant, "refresh"))
	require.NotEmpty(t, grant.AccessToken)

	var me struct {
		Email   string    `json:"email"`
		TokenID uuid.UUID `json:"token_id"`
	}
	require.NoError(t, e.exec(t, &me, "whoami"))
	require.Equal(t, "ada@example.com", me.Email)
	require.Equal(t, login.TokenID, me.TokenID)

	// the session file carries the rotated secret, so a second refresh works
	require.NoError(t, e.exec(t, nil, "refresh"))

	var list []struct {
		ID uuid.UUID `json:"ID"`
	}
	require.NoError(t, e.exec(t, &list, "list", "-email", "ada@example.com"))
	require.Len(t, list, 1)
	require.Equal(t, login.TokenID, list[0].ID)
}

func Test_run_RevokeAllEndsSession(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	pw := e.seed(t, "a@b.com")

	require.NoError(t, e.exec(t, nil, "login", "-email", "a@b.com", "-password", pw))
	require.NoError(t, e.exec(t, nil, "revoke-all", "-email", "a@b.com"))

	err := e.exec(t, nil, "refresh")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func Test_run_RevokeOne(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	pw := e.seed(t, "a@b.com")

	var login struct {
		TokenID uuid.UUID `json:"token_id"`
	}
	require.NoError(t, e.exec(t, &login, "login", "-email", "a@b.com", "-password", pw))

	var res struct {
		Revoked bool `json:"revoked"`
	}
	require.NoError(t, e.exec(t, &res, "revoke", "-email", "a@b.com", "-id", login.TokenID.String()))
	require.True(t, res.Revoked)
	require.NoError(t, e.exec(t, &res, "revoke", "-email", "a@b.com", "-id", login.TokenID.String()))
	require.False(t, res.Revoked)

	require.ErrorIs(t, e.exec(t, nil, "revoke", "-email", "a@b.com", "-id", "nope"), errs.ErrInvalidInput)
}

var codeRe = regexp.MustCompile(`<b>([a-z0-9]+)</b>`)

func Test_run_PasswordResetViaPickup(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	e.seed(t, "a@b.com")

	require.NoError(t, e.exec(t, nil, "reset-begin", "-email", "a@b.com"))
	e.app.Mailer.Wait()

	files, err := filepath.Glob(filepath.Join(e.pickup, "*.eml"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	body, err := os.ReadFile(files[0])
	require.NoError(t, err)
	m := codeRe.FindSubmatch(body)
	require.NotNil(t, m, string(body))

	err = e.exec(t, nil, "reset-complete", "-email", "a@b.com", "-code", string(m[1]), "-password", "weak")
	require.ErrorIs(t, err, errs.ErrWeakPassword)

	require.NoError(t, e.exec(t, nil, "reset-complete", "-email", "a@b.com", "-code", string(m[1]), "-password", "NewSecret1"))
	require.NoError(t, e.exec(t, nil, "login", "-email", "a@b.com", "-password", "NewSecret1"))
}

func Test_run_Errors(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	require.True(t, errors.Is(e.exec(t, nil), errUsage))
	require.True(t, errors.Is(e.exec(t, nil, "bogus"), errUsage))
	require.ErrorIs(t, e.exec(t, nil, "list"), errs.ErrInvalidInput)
	require.ErrorIs(t, e.exec(t, nil, "list", "-email", "ghost@b.com"), errs.ErrNotFound)
	require.ErrorIs(t, e.exec(t, nil, "login", "-email", "ghost@b.com", "-password", "x"), errs.ErrUnauthorized)
	require.Error(t, e.exec(t, nil, "refresh"), "no session yet")
	require.Error(t, e.exec(t, nil, "login", "-unknown-flag"))
}

func Test_run_LoginPromptsForPassword(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	pw := e.seed(t, "a@b.com")

	var asked []string
	e.cli.prompt = func(label string) (string, error) {
		asked = append(asked, label)
		return pw, nil
	}
	require.NoError(t, e.exec(t, nil, "login", "-email", "a@b.com"))
	require.Equal(t, []string{"Password: "}, asked)

	e.cli.prompt = func(string) (string, error) { return "", errors.New("no tty") }
	require.Error(t, e.exec(t, nil, "login", "-email", "a@b.com"))
}

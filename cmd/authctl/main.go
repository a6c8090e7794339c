// Command authctl drives the authentication service directly against its
// database: logins, refresh rotation, session revocation and password reset.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/and161185/portfolio-auth/internal/app"
	"github.com/and161185/portfolio-auth/internal/config"
	"github.com/and161185/portfolio-auth/internal/errs"
	"github.com/and161185/portfolio-auth/internal/migrate"
	"github.com/and161185/portfolio-auth/internal/model"
	"github.com/and161185/portfolio-auth/internal/repository"
	"github.com/and161185/portfolio-auth/internal/repository/postgres"
	"github.com/and161185/portfolio-auth/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

var errUsage = errors.New("usage")

const usageText = `authctl
Usage:
  authctl [-env file] [-session file] <cmd> [args]

Commands:
  version
  seed           -email <addr> [-name <full name>]   (prints a generated password)
  login          -email <addr> [-password <pw>]      (saves session; prompts without -password)
  refresh                                            (rotates session, prints access token)
  whoami         [-token <access token>]
  list           -email <addr>
  revoke         -email <addr> -id <token uuid>
  revoke-all     -email <addr>
  reset-begin    -email <addr>
  reset-complete -email <addr> -code <code> [-password <pw>] [-revoke-all]
`

// cli carries what subcommands need; tests build it over the memory store.
type cli struct {
	auth    service.AuthService
	users   repository.UserRepository
	session string
	now     func() time.Time
	out     io.Writer
	prompt  func(label string) (string, error)
}

// main loads configuration, opens the database and dispatches one subcommand.
func main() {
	envFile := flag.String("env", ".env", "dotenv file")
	sessFile := flag.String("session", sessionPath(), "session file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	if flag.Arg(0) == "version" {
		fmt.Printf("authctl %s (%s)\n", version, buildDate)
		return
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		fail(err)
	}
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(cfg.Level())
	logger, err := zcfg.Build()
	if err != nil {
		fail(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := migrate.Up(ctx, cfg.DSN, logger); err != nil {
		fail(err)
	}
	db, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		fail(err)
	}
	defer db.Close()

	users := postgres.NewUserRepo(db)
	a, err := app.New(cfg, users, postgres.NewRefreshTokenRepo(db), logger)
	if err != nil {
		fail(err)
	}

	c := &cli{auth: a.Auth, users: users, session: *sessFile, now: time.Now, out: os.Stdout, prompt: terminalPrompt}
	runErr := c.run(ctx, flag.Args())

	// replay checks and emails queued by this command finish before exit
	a.Detector.Wait()
	if err := a.Close(ctx); err != nil {
		logger.Warn("close", zap.Error(err))
	}

	if errors.Is(runErr, errUsage) {
		flag.Usage()
		os.Exit(2)
	}
	if runErr != nil {
		fail(runErr)
	}
}

func (c *cli) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	email := fs.String("email", "", "user email")

	switch cmd {
	case "seed":
		name := fs.String("name", "Administrator", "full name")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		pw, err := c.auth.SeedUser(ctx, *email, *name)
		if err != nil {
			return err
		}
		return printJSON(c.out, map[string]any{"email": model.NormalizeEmail(*email), "created_password": pw})

	case "login":
		password := fs.String("password", "", "password")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if err := c.askPassword(password, "Password: "); err != nil {
			return err
		}
		data, err := c.auth.Login(ctx, *email, *password)
		if err != nil {
			return err
		}
		if err := saveSession(c.session, newSession(model.NormalizeEmail(*email), data)); err != nil {
			return err
		}
		return printJSON(c.out, map[string]any{"token_id": data.TokenID, "expires_at": data.ExpiresAt})

	case "refresh":
		s, err := loadSession(c.session, c.now())
		if err != nil {
			return err
		}
		grant, err := c.auth.IssueAccessToken(ctx, s.Email, s.TokenID, s.Secret)
		if err != nil {
			return err
		}
		s.apply(grant)
		if err := saveSession(c.session, s); err != nil {
			return err
		}
		return printJSON(c.out, map[string]any{"access_token": grant.AccessToken, "expires_at": grant.AccessExpiresAt})

	case "whoami":
		raw := fs.String("token", "", "access token (default: from session)")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *raw == "" {
			s, err := loadSession(c.session, c.now())
			if err != nil {
				return err
			}
			*raw = s.AccessToken
		}
		u, tokenID, err := c.auth.Authenticate(ctx, *raw)
		if err != nil {
			return err
		}
		return printJSON(c.out, map[string]any{"user_id": u.ID, "email": u.Email, "name": u.FullName, "token_id": tokenID})

	case "list":
		if err := fs.Parse(rest); err != nil {
			return err
		}
		u, err := c.user(ctx, *email)
		if err != nil {
			return err
		}
		infos, err := c.auth.ListRefreshTokens(ctx, u.ID)
		if err != nil {
			return err
		}
		return printJSON(c.out, infos)

	case "revoke":
		id := fs.String("id", "", "token id")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		tokenID, err := uuid.FromString(*id)
		if err != nil {
			return fmt.Errorf("%w: bad token id", errs.ErrInvalidInput)
		}
		u, err := c.user(ctx, *email)
		if err != nil {
			return err
		}
		ok, err := c.auth.RevokeRefreshToken(ctx, u.ID, tokenID)
		if err != nil {
			return err
		}
		return printJSON(c.out, map[string]any{"revoked": ok})

	case "revoke-all":
		if err := fs.Parse(rest); err != nil {
			return err
		}
		u, err := c.user(ctx, *email)
		if err != nil {
			return err
		}
		return c.auth.RevokeAllRefreshTokens(ctx, u.ID)

	case "reset-begin":
		if err := fs.Parse(rest); err != nil {
			return err
		}
		u, err := c.user(ctx, *email)
		if err != nil {
			return err
		}
		wait, err := c.auth.BeginPasswordReset(ctx, u.ID)
		if errors.Is(err, errs.ErrRateLimited) {
			return fmt.Errorf("%w: retry in %s", err, wait.Round(time.Second))
		}
		if err != nil {
			return err
		}
		return printJSON(c.out, map[string]any{"sent": true})

	case "reset-complete":
		code := fs.String("code", "", "reset code")
		password := fs.String("password", "", "new password")
		revokeAll := fs.Bool("revoke-all", false, "revoke every session")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if err := c.askPassword(password, "New password: "); err != nil {
			return err
		}
		u, err := c.user(ctx, *email)
		if err != nil {
			return err
		}
		return c.auth.CompletePasswordReset(ctx, u.ID, *code, *password, *revokeAll)

	default:
		return errUsage
	}
}

func (c *cli) user(ctx context.Context, email string) (*model.User, error) {
	if email == "" {
		return nil, fmt.Errorf("%w: -email is required", errs.ErrInvalidInput)
	}
	return c.users.GetByEmail(ctx, model.NormalizeEmail(email))
}

// askPassword fills *pw from the prompt when the flag was not given.
func (c *cli) askPassword(pw *string, label string) error {
	if *pw != "" || c.prompt == nil {
		return nil
	}
	v, err := c.prompt(label)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	*pw = v
	return nil
}

// terminalPrompt reads a line from stdin without echo.
func terminalPrompt(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal, pass -password")
	}
	fmt.Fprint(os.Stderr, label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/portfolio-auth/internal/model"
)

// session is the client side of a login: the refresh secret is stored only
// here and never on the server.
type session struct {
	Email           string    `json:"email"`
	TokenID         uuid.UUID `json:"token_id"`
	Secret          string    `json:"secret"`
	ExpiresAt       time.Time `json:"expires_at"`
	AccessToken     string    `json:"access_token,omitempty"`
	AccessExpiresAt time.Time `json:"access_expires_at,omitzero"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "portfolio-auth")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "portfolio-auth")
}

func sessionPath() string { return filepath.Join(cfgDir(), "session.json") }

func newSession(email string, d *model.RefreshTokenData) session {
	return session{Email: email, TokenID: d.TokenID, Secret: d.Secret, ExpiresAt: d.ExpiresAt}
}

// apply records a rotation result.
func (s *session) apply(g *model.AccessGrant) {
	s.TokenID = g.Refresh.TokenID
	s.Secret = g.Refresh.Secret
	s.ExpiresAt = g.Refresh.ExpiresAt
	s.AccessToken = g.AccessToken
	s.AccessExpiresAt = g.AccessExpiresAt
}

func saveSession(path string, s session) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func loadSession(path string, now time.Time) (session, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return session{}, errors.New("no session (login required)")
		}
		return session{}, err
	}
	var s session
	if err := json.Unmarshal(b, &s); err != nil {
		return session{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if s.Secret == "" || !now.Before(s.ExpiresAt) {
		return session{}, errors.New("session expired (login required)")
	}
	return s, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/portfolio-auth/internal/crypto"
	"github.com/and161185/portfolio-auth/internal/model"
	"github.com/and161185/portfolio-auth/internal/repository"
	"github.com/and161185/portfolio-auth/internal/repository/memory"
	"github.com/and161185/portfolio-auth/internal/token"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// tickingClock moves forward by step on every reading, so concurrent callers
// take distinct snapshots.
type tickingClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

type suspicion struct {
	tokenID uuid.UUID
	secret  string
}

type recordingDetector struct {
	mu    sync.Mutex
	items []suspicion
}

func (d *recordingDetector) EnqueueInvalidAccessTokenUsage(tokenID uuid.UUID, secret string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, suspicion{tokenID, secret})
}

func (d *recordingDetector) all() []suspicion {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]suspicion(nil), d.items...)
}

type sentCode struct {
	userID uuid.UUID
	code   string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentCode
}

func (n *fakeNotifier) SendPasswordReset(u model.User, code string, _ time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentCode{u.ID, code})
}

func (n *fakeNotifier) last(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.sent)
	return n.sent[len(n.sent)-1].code
}

func testParams(iterations uint32) crypto.Params {
	return crypto.Params{KeySize: 32, SaltSize: 16, Iterations: iterations, MemoryKB: 8, Parallelism: 1}
}

func newEngine(t *testing.T, iterations uint32) *crypto.Engine {
	t.Helper()
	e, err := crypto.NewEngine(testParams(iterations))
	require.NoError(t, err)
	return e
}

type harness struct {
	store    *memory.Store
	users    repository.UserRepository
	engine   *crypto.Engine
	issuer   *token.Issuer
	clock    *fakeClock
	detector *recordingDetector
	notifier *fakeNotifier
	svc      *AuthServiceImpl
}

func testOptions(c *fakeClock) Options {
	return Options{
		RefreshTTL:          time.Hour,
		RefreshSecretLength: 32,
		ResetCodeLength:     6,
		ResetCodeTTL:        15 * time.Minute,
		ResetCooldown:       2 * time.Minute,
		MinPasswordLength:   7,
		Now:                 c.Now,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    memory.New(),
		engine:   newEngine(t, 1),
		clock:    newClock(),
		detector: &recordingDetector{},
		notifier: &fakeNotifier{},
	}
	h.users = h.store.Users()
	iss, err := token.NewIssuer([]byte("test-key"), "portfolio", "portfolio", time.Minute, token.WithClock(h.clock.Now))
	require.NoError(t, err)
	h.issuer = iss
	h.svc = NewAuthService(h.users, h.store.Tokens(), h.engine, h.issuer, h.detector, h.notifier,
		testOptions(h.clock), zaptest.NewLogger(t))
	return h
}

func (h *harness) addUser(t *testing.T, email, password string) *model.User {
	t.Helper()
	var hash []byte
	if password != "" {
		var err error
		hash, err = h.engine.HashString(password)
		require.NoError(t, err)
	}
	u := &model.User{ID: uuid.Must(uuid.NewV4()), Email: email, FullName: "Test User", PasswordHash: hash}
	require.NoError(t, h.users.Create(context.Background(), u))
	return u
}

// serviceWith builds a second service over the harness stores with its own
// clock and hasher.
func (h *harness) serviceWith(t *testing.T, now func() time.Time, hasher Hasher) *AuthServiceImpl {
	t.Helper()
	opts := testOptions(h.clock)
	opts.Now = now
	return NewAuthService(h.users, h.store.Tokens(), hasher, h.issuer, h.detector, h.notifier, opts, zaptest.NewLogger(t))
}

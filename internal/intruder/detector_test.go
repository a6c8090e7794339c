package intruder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/portfolio-auth/internal/crypto"
	"github.com/and161185/portfolio-auth/internal/errs"
	"github.com/and161185/portfolio-auth/internal/model"
)

type fakeHistory struct {
	mu     sync.Mutex
	tokens map[uuid.UUID]*model.RefreshToken
	err    error
}

func (f *fakeHistory) GetByID(_ context.Context, id uuid.UUID) (*model.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t, ok := f.tokens[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// plainVerifier treats the blob as the secret itself and records concurrency.
type plainVerifier struct {
	calls    atomic.Int64
	inflight atomic.Int64
	maxSeen  atomic.Int64
	gate     chan struct{} // when set, every call blocks until it can receive
	entered  chan struct{}
}

func (v *plainVerifier) Verify(secret, blob []byte) (crypto.Result, error) {
	n := v.inflight.Add(1)
	defer v.inflight.Add(-1)
	for {
		m := v.maxSeen.Load()
		if n <= m || v.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	v.calls.Add(1)
	if v.entered != nil {
		v.entered <- struct{}{}
	}
	if v.gate != nil {
		<-v.gate
	}
	if bytes.Equal(secret, blob) {
		return crypto.Success, nil
	}
	return crypto.Failed, nil
}

type revokeRecorder struct {
	mu    sync.Mutex
	calls [][2]uuid.UUID
}

func (r *revokeRecorder) revoke(_ context.Context, owner, token uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, [2]uuid.UUID{owner, token})
	return true, nil
}

func (r *revokeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// lineage builds a token whose values have secrets "s0".."s{n-1}"; the last
// one is active, all others are expired.
func lineage(n int) *model.RefreshToken {
	t := &model.RefreshToken{ID: uuid.Must(uuid.NewV4()), UserID: uuid.Must(uuid.NewV4())}
	for i := 0; i < n; i++ {
		created := now.Add(time.Duration(i-n) * time.Minute)
		exp := created.Add(time.Minute)
		if i == n-1 {
			exp = now.Add(time.Hour)
		}
		t.Values = append(t.Values, model.RefreshTokenValue{
			ID: uuid.Must(uuid.NewV4()), TokenID: t.ID,
			CreatedAt: created, ExpiresAt: exp,
			TokenHash: []byte(fmt.Sprintf("s%d", i)),
		})
	}
	return t
}

func newDetector(t *testing.T, hist *fakeHistory, v Verifier, rec *revokeRecorder, opts Options) *Detector {
	t.Helper()
	opts.Now = func() time.Time { return now }
	d := New(hist, v, rec.revoke, opts, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = d.Stop(context.Background()) })
	return d
}

func TestDetector_HistoricalMatchRevokesLineage(t *testing.T) {
	t.Parallel()
	tok := lineage(3)
	hist := &fakeHistory{tokens: map[uuid.UUID]*model.RefreshToken{tok.ID: tok}}
	rec := &revokeRecorder{}
	d := newDetector(t, hist, &plainVerifier{}, rec, Options{})

	d.EnqueueInvalidAccessTokenUsage(tok.ID, "s0")
	d.Wait()

	require.Equal(t, [][2]uuid.UUID{{tok.UserID, tok.ID}}, rec.calls)
	require.Equal(t, Stats{Processed: 1, Revoked: 1}, d.Stats())
}

func TestDetector_NoMatchIsIgnored(t *testing.T) {
	t.Parallel()
	tok := lineage(3)
	hist := &fakeHistory{tokens: map[uuid.UUID]*model.RefreshToken{tok.ID: tok}}
	rec := &revokeRecorder{}
	v := &plainVerifier{}
	d := newDetector(t, hist, v, rec, Options{})

	d.EnqueueInvalidAccessTokenUsage(tok.ID, "garbage")
	// the active value is never part of the scan
	d.EnqueueInvalidAccessTokenUsage(tok.ID, "s2")
	d.EnqueueInvalidAccessTokenUsage(uuid.Must(uuid.NewV4()), "s0")
	d.Wait()

	require.Zero(t, rec.count())
	require.Equal(t, int64(4), v.calls.Load(), "two expired values per known lineage")
	require.Equal(t, int64(3), d.Stats().Processed)
}

func TestDetector_ScanIsBounded(t *testing.T) {
	t.Parallel()
	tok := lineage(16) // 15 expired
	hist := &fakeHistory{tokens: map[uuid.UUID]*model.RefreshToken{tok.ID: tok}}
	rec := &revokeRecorder{}
	v := &plainVerifier{}
	d := newDetector(t, hist, v, rec, Options{MaxHistory: 10})

	// s0..s4 fall outside the 10 most recent expired values
	d.EnqueueInvalidAccessTokenUsage(tok.ID, "s4")
	d.Wait()
	require.Zero(t, rec.count())
	require.Equal(t, int64(10), v.calls.Load())

	d.EnqueueInvalidAccessTokenUsage(tok.ID, "s5")
	d.Wait()
	require.Equal(t, 1, rec.count())
	require.Equal(t, int64(11), v.calls.Load(), "s5 is the oldest candidate in range")
}

func TestDetector_SingleWorkerAndRestart(t *testing.T) {
	t.Parallel()
	tok := lineage(6)
	hist := &fakeHistory{tokens: map[uuid.UUID]*model.RefreshToken{tok.ID: tok}}
	rec := &revokeRecorder{}
	v := &plainVerifier{}
	d := newDetector(t, hist, v, rec, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.EnqueueInvalidAccessTokenUsage(tok.ID, "nope")
		}()
	}
	wg.Wait()
	d.Wait()

	require.Equal(t, int64(50), d.Stats().Processed)
	require.Equal(t, int64(1), v.maxSeen.Load(), "verifications must never overlap")
	require.Zero(t, d.Pending())

	// worker exited; the next enqueue starts a fresh one
	d.EnqueueInvalidAccessTokenUsage(tok.ID, "s1")
	d.Wait()
	require.Equal(t, int64(51), d.Stats().Processed)
	require.Equal(t, 1, rec.count())
}

func TestDetector_StopCancelsBetweenComparisons(t *testing.T) {
	t.Parallel()
	tok := lineage(6)
	hist := &fakeHistory{tokens: map[uuid.UUID]*model.RefreshToken{tok.ID: tok}}
	rec := &revokeRecorder{}
	v := &plainVerifier{gate: make(chan struct{}), entered: make(chan struct{})}
	d := newDetector(t, hist, v, rec, Options{})

	d.EnqueueInvalidAccessTokenUsage(tok.ID, "s4")
	d.EnqueueInvalidAccessTokenUsage(tok.ID, "s3")
	<-v.entered // first comparison in flight

	stopped := make(chan error, 1)
	go func() { stopped <- d.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a comparison was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(v.gate) // let the in-flight comparison finish
	require.NoError(t, <-stopped)

	require.Equal(t, int64(1), v.calls.Load(), "scan aborted after the current comparison")
	require.Zero(t, rec.count())
	require.Equal(t, int64(1), d.Stats().Dropped, "backlog discarded")

	d.EnqueueInvalidAccessTokenUsage(tok.ID, "s0")
	require.Zero(t, d.Pending())
	require.Equal(t, int64(2), d.Stats().Dropped)
}

func TestDetector_StopHonoursContext(t *testing.T) {
	t.Parallel()
	tok := lineage(3)
	hist := &fakeHistory{tokens: map[uuid.UUID]*model.RefreshToken{tok.ID: tok}}
	v := &plainVerifier{gate: make(chan struct{}), entered: make(chan struct{})}
	d := New(hist, v, (&revokeRecorder{}).revoke, Options{Now: func() time.Time { return now }}, zaptest.NewLogger(t))

	d.EnqueueInvalidAccessTokenUsage(tok.ID, "x")
	<-v.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Stop(ctx), context.DeadlineExceeded)

	close(v.gate)
	d.Wait()
}

func TestDetector_StoreErrorsAreContained(t *testing.T) {
	t.Parallel()
	hist := &fakeHistory{err: errors.New("db down")}
	rec := &revokeRecorder{}
	d := newDetector(t, hist, &plainVerifier{}, rec, Options{})

	d.EnqueueInvalidAccessTokenUsage(uuid.Must(uuid.NewV4()), "x")
	d.Wait()
	require.Zero(t, rec.count())
	require.Equal(t, int64(1), d.Stats().Processed)
}

func TestDetector_WithRealEngine_RehashNeededCountsAsMatch(t *testing.T) {
	t.Parallel()
	weak := crypto.Params{KeySize: 32, SaltSize: 16, Iterations: 1, MemoryKB: 8, Parallelism: 1}
	old, err := crypto.NewEngine(weak)
	require.NoError(t, err)
	weak.Iterations = 2
	current, err := crypto.NewEngine(weak)
	require.NoError(t, err)

	blob, err := old.HashString("stolen")
	require.NoError(t, err)
	tok := lineage(2)
	tok.Values[0].TokenHash = blob

	hist := &fakeHistory{tokens: map[uuid.UUID]*model.RefreshToken{tok.ID: tok}}
	rec := &revokeRecorder{}
	d := newDetector(t, hist, current, rec, Options{})

	d.EnqueueInvalidAccessTokenUsage(tok.ID, "stolen")
	d.Wait()
	require.Equal(t, 1, rec.count())
}

// Package intruder runs the background refresh token replay check.
//
// A refresh request whose secret does not match the active value of its
// lineage is queued here. The worker compares that secret against the
// lineage's expired values; a match means a rotated-out secret is being
// reused, and the whole lineage is revoked.
package intruder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/portfolio-auth/internal/crypto"
	"github.com/and161185/portfolio-auth/internal/errs"
	"github.com/and161185/portfolio-auth/internal/model"
)

// DefaultMaxHistory is the number of most recent expired values scanned per item.
const DefaultMaxHistory = 10

// TokenHistory loads a lineage with its values ordered by creation time.
type TokenHistory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.RefreshToken, error)
}

// Verifier checks a secret against a stored hash blob.
type Verifier interface {
	Verify(secret, blob []byte) (crypto.Result, error)
}

// RevokeFunc removes a lineage owned by ownerID.
type RevokeFunc func(ctx context.Context, ownerID, tokenID uuid.UUID) (bool, error)

// Options tune the detector.
type Options struct {
	// MaxHistory bounds how many expired values are compared per item.
	MaxHistory int
	// ItemTimeout bounds the time spent on one item; zero means no limit.
	ItemTimeout time.Duration
	// RevokeTimeout bounds the revocation call after a match.
	RevokeTimeout time.Duration
	// Now is the clock used to split active from expired values.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxHistory <= 0 {
		o.MaxHistory = DefaultMaxHistory
	}
	if o.RevokeTimeout <= 0 {
		o.RevokeTimeout = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Stats are cumulative counters since construction.
type Stats struct {
	Processed int64
	Revoked   int64
	Dropped   int64
}

type workItem struct {
	tokenID uuid.UUID
	secret  []byte
}

// Detector is a single-worker queue consumer. The worker goroutine exists only
// while there is work; Enqueue starts it when idle.
type Detector struct {
	store    TokenHistory
	verifier Verifier
	revoke   RevokeFunc
	opts     Options
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []workItem
	running bool
	stopped bool
	done    chan struct{} // closed when the current worker exits

	processed atomic.Int64
	revoked   atomic.Int64
	dropped   atomic.Int64
}

// New constructs an idle detector.
func New(store TokenHistory, verifier Verifier, revoke RevokeFunc, opts Options, log *zap.Logger) *Detector {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Detector{
		store:    store,
		verifier: verifier,
		revoke:   revoke,
		opts:     opts.withDefaults(),
		log:      log.Named("intruder"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// EnqueueInvalidAccessTokenUsage queues a replay check for the rejected secret
// presented against tokenID. It never blocks on the worker.
func (d *Detector) EnqueueInvalidAccessTokenUsage(tokenID uuid.UUID, secret string) {
	item := workItem{tokenID: tokenID, secret: []byte(secret)}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		clear(item.secret)
		d.dropped.Add(1)
		d.log.Debug("detector stopped, check dropped", zap.Stringer("token_id", tokenID))
		return
	}

	d.queue = append(d.queue, item)
	if !d.running {
		d.running = true
		d.done = make(chan struct{})
		go d.run(d.done)
	}
}

// Pending returns the number of queued items not yet picked up by the worker.
func (d *Detector) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Stats returns the cumulative counters.
func (d *Detector) Stats() Stats {
	return Stats{
		Processed: d.processed.Load(),
		Revoked:   d.revoked.Load(),
		Dropped:   d.dropped.Load(),
	}
}

// Wait blocks until the queue is drained and the worker has exited.
func (d *Detector) Wait() {
	for {
		d.mu.Lock()
		if !d.running {
			d.mu.Unlock()
			return
		}
		done := d.done
		d.mu.Unlock()
		<-done
	}
}

// Stop refuses new work, cancels the in-flight scan between comparisons and
// waits for the worker to exit or ctx to end. Queued items are discarded.
func (d *Detector) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	d.cancel()
	running, done := d.running, d.done
	d.mu.Unlock()

	if !running {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Detector) run(done chan struct{}) {
	defer close(done)
	for {
		item, ok := d.next()
		if !ok {
			return
		}
		d.process(item)
		clear(item.secret)
	}
}

// next pops the head of the queue, or marks the worker idle and discards the
// backlog after cancellation.
func (d *Detector) next() (workItem, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx.Err() != nil {
		for i := range d.queue {
			clear(d.queue[i].secret)
		}
		d.dropped.Add(int64(len(d.queue)))
		d.queue = nil
	}
	if len(d.queue) == 0 {
		d.running = false
		return workItem{}, false
	}

	item := d.queue[0]
	d.queue[0] = workItem{}
	d.queue = d.queue[1:]
	return item, true
}

func (d *Detector) process(item workItem) {
	defer d.processed.Add(1)

	ctx := d.ctx
	if d.opts.ItemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.ItemTimeout)
		defer cancel()
	}
	log := d.log.With(zap.Stringer("token_id", item.tokenID))

	tok, err := d.store.GetByID(ctx, item.tokenID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			log.Debug("lineage not found")
			return
		}
		log.Error("load lineage", zap.Error(err))
		return
	}

	history := tok.History(d.opts.Now())
	if n := len(history); n > d.opts.MaxHistory {
		history = history[n-d.opts.MaxHistory:]
	}

	for _, v := range history {
		if err := ctx.Err(); err != nil {
			log.Info("replay check interrupted", zap.Error(err))
			return
		}

		res, err := d.verifier.Verify(item.secret, v.TokenHash)
		if err != nil {
			log.Error("verify historical value", zap.Stringer("value_id", v.ID), zap.Error(err))
			continue
		}
		if !res.Matched() {
			continue
		}

		log.Warn("refresh token replay detected, revoking lineage",
			zap.Stringer("user_id", tok.UserID),
			zap.Stringer("value_id", v.ID),
		)
		d.revokeLineage(log, tok)
		return
	}
	log.Debug("no historical match")
}

// revokeLineage runs outside the worker's cancellation so a confirmed replay
// is acted on even during shutdown.
func (d *Detector) revokeLineage(log *zap.Logger, tok *model.RefreshToken) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(d.ctx), d.opts.RevokeTimeout)
	defer cancel()

	ok, err := d.revoke(ctx, tok.UserID, tok.ID)
	if err != nil {
		log.Error("revoke lineage", zap.Error(err))
		return
	}
	if ok {
		d.revoked.Add(1)
	}
}

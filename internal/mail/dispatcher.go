package mail

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/portfolio-auth/internal/model"
)

// DefaultAttempts is how many times a message is tried before giving up.
const DefaultAttempts = 3

// Dispatcher sends reset emails in the background. Failures are logged and
// never reported to the caller.
type Dispatcher struct {
	sender   Sender
	from     string
	attempts int
	backoff  time.Duration
	timeout  time.Duration
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool // set by Close; wg.Add only happens under mu while false
	wg     sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithAttempts overrides the number of delivery attempts.
func WithAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.attempts = n
		}
	}
}

// WithBackoff sets the pause between attempts.
func WithBackoff(b time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.backoff = b }
}

// WithSendTimeout bounds a single delivery attempt.
func WithSendTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = t }
}

// NewDispatcher constructs a Dispatcher sending as from.
func NewDispatcher(sender Sender, from string, log *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sender:   sender,
		from:     from,
		attempts: DefaultAttempts,
		backoff:  time.Second,
		timeout:  10 * time.Second,
		log:      log.Named("mail"),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// SendPasswordReset renders and queues the reset email for u.
func (d *Dispatcher) SendPasswordReset(u model.User, code string, ttl time.Duration) {
	msg, err := RenderPasswordReset(d.from, u, code, ttl)
	if err != nil {
		d.log.Error("render reset email", zap.Stringer("user_id", u.ID), zap.Error(err))
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.log.Warn("dispatcher closed, reset email dropped", zap.Stringer("user_id", u.ID))
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(msg, u.ID.String())
	}()
}

func (d *Dispatcher) deliver(msg Message, userID string) {
	log := d.log.With(zap.String("user_id", userID), zap.String("subject", msg.Subject))
	for attempt := 1; attempt <= d.attempts; attempt++ {
		ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
		err := d.sender.Send(ctx, msg)
		cancel()
		if err == nil {
			log.Info("email sent", zap.Int("attempt", attempt))
			return
		}
		log.Error("send email", zap.Int("attempt", attempt), zap.Error(err))
		if errors.Is(err, context.Canceled) || attempt == d.attempts {
			break
		}

		select {
		case <-d.ctx.Done():
			return
		case <-time.After(d.backoff):
		}
	}
	log.Error("email given up", zap.Int("attempts", d.attempts))
}

// Close waits for queued deliveries. If ctx ends first, pending retries are
// cancelled and Close returns ctx.Err once the goroutines have exited.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// Wait blocks until all queued deliveries finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker stops calling a failing service after Threshold consecutive
// retryable failures, and lets a single trial call through after Cooldown.
// Callers arriving while it is open wait out the cooldown instead of failing.
// Non-retryable errors (bad request, schema mismatch on one record) do not
// count against the service.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu            sync.Mutex
	state         BreakerState
	failures      int
	openedAt      time.Time
	trialInFlight bool
	changed       chan struct{}

	now func() time.Time
}

// NewBreaker creates a closed breaker. Non-positive values fall back to 5
// failures and 30s.
func NewBreaker(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		changed:   make(chan struct{}),
		now:       time.Now,
	}
}

// Guard runs fn through b and returns its value. While b is open, or a
// half-open trial call is in flight, Guard blocks until fn may run or ctx ends.
func Guard[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.admit(ctx); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	b.record(ctx, err)
	return val, err
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

func (b *Breaker) admit(ctx context.Context) error {
	for {
		wait, changed, ok := b.tryAdmit()
		if ok {
			return nil
		}
		if err := b.await(ctx, wait, changed); err != nil {
			return err
		}
	}
}

// tryAdmit admits the caller or returns how long to wait (zero means until
// the in-flight trial call reports) and the channel closed on the next record.
func (b *Breaker) tryAdmit() (time.Duration, <-chan struct{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if left := b.cooldown - b.now().Sub(b.openedAt); left > 0 {
			return left, b.changed, false
		}
		b.setState(BreakerHalfOpen)
		b.trialInFlight = true
		return 0, nil, true
	case BreakerHalfOpen:
		if b.trialInFlight {
			return 0, b.changed, false
		}
		b.trialInFlight = true
		return 0, nil, true
	default:
		return 0, nil, true
	}
}

func (b *Breaker) await(ctx context.Context, wait time.Duration, changed <-chan struct{}) error {
	var timeout <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ctx.Done():
		return eris.Wrapf(ctx.Err(), "%s: waiting for circuit breaker", b.name)
	case <-timeout:
	case <-changed:
	}
	return nil
}

func (b *Breaker) record(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trialInFlight = false
	close(b.changed)
	b.changed = make(chan struct{})

	counts := err != nil && ctx.Err() == nil && IsTransient(err)
	if !counts {
		b.failures = 0
		if b.state == BreakerHalfOpen {
			b.setState(BreakerClosed)
		}
		return
	}

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.openedAt = b.now()
		b.setState(BreakerOpen)
	}
}

func (b *Breaker) setState(to BreakerState) {
	if b.state == to {
		return
	}
	zap.L().Warn("resilience: circuit breaker state change",
		zap.String("service", b.name),
		zap.Stringer("from", b.state),
		zap.Stringer("to", to),
	)
	b.state = to
}

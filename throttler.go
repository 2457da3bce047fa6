package msgr

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Throttler is a bounded semaphore over bytes, used to cap memory held by
// pending messages. Two throttlers apply to every message: a
// per-peer-type policy throttler (charge held until the dispatcher
// releases the message) and a single global dispatch throttler (released
// once the dispatch goroutine's call to Dispatch returns).
//
// The policy throttler must be acquired first, and acquire must never be
// called while holding a Pipe or Messenger lock — it can block
// arbitrarily long waiting for memory to free up.
type Throttler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	current int64
	max     int64

	// limiter optionally rate-shapes admission in addition to the bound
	// above. Nil when no rate limit is configured.
	limiter *rate.Limiter

	closed bool
}

// NewThrottler creates a Throttler with the given byte maximum. max <= 0
// means unbounded (acquire never blocks on the semaphore).
func NewThrottler(max int64) *Throttler {
	t := &Throttler{max: max}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// NewPolicyThrottle builds the policy-scope Throttler for a Policy from
// a Config's throttle knobs: PolicyThrottleBytes bounds outstanding
// memory, and a positive RateLimitBytesPerSec additionally shapes
// admission throughput. Returns nil if PolicyThrottleBytes is <= 0,
// meaning that peer type runs unthrottled at the policy scope.
func NewPolicyThrottle(cfg Config) *Throttler {
	if cfg.PolicyThrottleBytes <= 0 {
		return nil
	}
	t := NewThrottler(cfg.PolicyThrottleBytes)
	if cfg.RateLimitBytesPerSec > 0 {
		t = t.WithRateLimit(cfg.RateLimitBytesPerSec, cfg.RateLimitBurst)
	}
	return t
}

// WithRateLimit attaches a token-bucket rate limit (bytes/sec, burst in
// bytes) to the throttler. Tokens are charged on Acquire and never
// refunded by Release — the limiter shapes throughput, not outstanding
// memory.
func (t *Throttler) WithRateLimit(bytesPerSecond float64, burst int) *Throttler {
	t.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
	return t
}

// Acquire blocks until current+n <= max, then charges n. It returns early
// with an error if the throttler is closed or ctx is cancelled while
// waiting.
func (t *Throttler) Acquire(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}

	t.mu.Lock()
	for t.max > 0 && t.current+n > t.max && !t.closed {
		if !t.waitCond(ctx) {
			t.mu.Unlock()
			return ctx.Err()
		}
	}
	if t.closed {
		t.mu.Unlock()
		return ErrShutdownRequested
	}
	t.current += n
	t.mu.Unlock()

	if t.limiter != nil {
		if err := t.limiter.WaitN(ctx, int(n)); err != nil {
			t.Release(n)
			return err
		}
	}
	return nil
}

// waitCond blocks on the condition variable, honoring ctx cancellation:
// sync.Cond has no native context support, so a context.AfterFunc
// callback broadcasts on cancellation to wake the waiter.
func (t *Throttler) waitCond(ctx context.Context) bool {
	if ctx.Done() == nil {
		t.cond.Wait()
		return true
	}
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
		close(done)
	})
	defer stop()
	t.cond.Wait()
	select {
	case <-ctx.Done():
		return false
	default:
		return true
	}
}

// Release returns n bytes of charge to the throttler and wakes any
// waiters that might now fit.
func (t *Throttler) Release(n int64) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	t.current -= n
	if t.current < 0 {
		t.current = 0
	}
	t.cond.Broadcast()
	t.mu.Unlock()
}

// Current returns the bytes currently charged against the throttler.
func (t *Throttler) Current() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Close wakes every blocked Acquire with ErrShutdownRequested. Idempotent.
func (t *Throttler) Close() {
	t.mu.Lock()
	t.closed = true
	t.cond.Broadcast()
	t.mu.Unlock()
}

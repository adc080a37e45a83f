// Package delivery sends agent replies to the messaging gateway with
// bounded retries and exponential backoff.
package delivery

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MarcIAFull/dish-data-hub-sub002/pkg/observability"
)

// Default retry policy values.
const (
	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 15 * time.Second
	DefaultBaseDelay      = 1000 * time.Millisecond
	DefaultMaxDelay       = 10000 * time.Millisecond

	// jitterFraction is the upper bound of the additive jitter, as a
	// fraction of the exponential delay.
	jitterFraction = 0.3
)

// Gateway is the messaging-gateway surface. Send returns an HTTP-like
// status code; transport-level failures return status 0 and an error.
type Gateway interface {
	Send(ctx context.Context, recipient, text string) (status int, err error)
}

// Result reports the outcome of a delivery.
type Result struct {
	Success  bool
	Attempts int
	Err      error
}

// Sender delivers messages through a Gateway with retries.
type Sender struct {
	gateway        Gateway
	limiter        *rate.Limiter
	maxAttempts    int
	attemptTimeout time.Duration
	baseDelay      time.Duration
	maxDelay       time.Duration

	mu  sync.Mutex
	rng *rand.Rand

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Sender.
type Option func(*Sender)

// WithRand injects the randomness source for jitter, making retry delays
// deterministic under test.
func WithRand(rng *rand.Rand) Option {
	return func(s *Sender) {
		s.rng = rng
	}
}

// WithLimiter paces gateway sends to stay under the gateway's rate limits.
func WithLimiter(l *rate.Limiter) Option {
	return func(s *Sender) {
		s.limiter = l
	}
}

// WithAttemptTimeout overrides the per-attempt timeout.
func WithAttemptTimeout(d time.Duration) Option {
	return func(s *Sender) {
		s.attemptTimeout = d
	}
}

// WithMaxAttempts overrides the retry attempt count.
func WithMaxAttempts(n int) Option {
	return func(s *Sender) {
		s.maxAttempts = n
	}
}

// NewSender creates a Sender over the given gateway.
func NewSender(gateway Gateway, opts ...Option) *Sender {
	s := &Sender{
		gateway:        gateway,
		maxAttempts:    DefaultMaxAttempts,
		attemptTimeout: DefaultAttemptTimeout,
		baseDelay:      DefaultBaseDelay,
		maxDelay:       DefaultMaxDelay,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send delivers text to recipient, retrying transient failures up to the
// attempt limit. Non-retryable gateway rejections (4xx other than 429)
// fail immediately without consuming remaining attempts.
func (s *Sender) Send(ctx context.Context, recipient, text string) Result {
	var lastErr error

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := s.backoffDelay(attempt - 1)
			if err := s.sleep(ctx, delay); err != nil {
				return Result{Attempts: attempt, Err: err}
			}
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return Result{Attempts: attempt, Err: err}
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
		status, err := s.gateway.Send(attemptCtx, recipient, text)
		cancel()

		switch {
		case err == nil && status < 400:
			observability.RecordDeliveryAttempt("success")
			return Result{Success: true, Attempts: attempt + 1}

		case status == 429 || status >= 500:
			observability.RecordDeliveryAttempt("retryable")
			lastErr = fmt.Errorf("gateway status %d", status)
			if err != nil {
				lastErr = fmt.Errorf("gateway status %d: %w", status, err)
			}
			log.Printf("[DELIVERY] attempt %d to %s failed: %v", attempt+1, recipient, lastErr)

		case status >= 400:
			// Client errors other than rate limiting are permanent.
			observability.RecordDeliveryAttempt("permanent")
			permErr := fmt.Errorf("permanent gateway rejection: status %d", status)
			if err != nil {
				permErr = fmt.Errorf("permanent gateway rejection: status %d: %w", status, err)
			}
			return Result{Attempts: attempt + 1, Err: permErr}

		default:
			// Transport-level failure: timeout, abort, connection refused.
			observability.RecordDeliveryAttempt("retryable")
			lastErr = err
			log.Printf("[DELIVERY] attempt %d to %s failed: %v", attempt+1, recipient, err)
		}
	}

	return Result{Attempts: s.maxAttempts, Err: lastErr}
}

// backoffDelay computes min(base * 2^attempt + jitter, max), where jitter
// is uniform in [0, 30% of the exponential delay). The jitter is strictly
// additive, never negative.
func (s *Sender) backoffDelay(attempt int) time.Duration {
	exp := float64(s.baseDelay) * float64(uint64(1)<<uint(attempt))

	s.mu.Lock()
	jitter := s.rng.Float64() * jitterFraction * exp
	s.mu.Unlock()

	delay := time.Duration(exp + jitter)
	if delay > s.maxDelay {
		delay = s.maxDelay
	}
	return delay
}

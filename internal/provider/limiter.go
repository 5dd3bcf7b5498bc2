package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/timmy/exposcan/internal/domain"
	"github.com/timmy/exposcan/internal/logger"
)

// rateLimited throttles outbound calls to a single provider.
type rateLimited struct {
	next    Adapter
	limiter *rate.Limiter
}

// WithRateLimit wraps adapter so that calls never exceed perSecond with the given burst.
// A non-positive perSecond returns adapter unchanged.
func WithRateLimit(adapter Adapter, perSecond float64, burst int) Adapter {
	if perSecond <= 0 {
		return adapter
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{next: adapter, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *rateLimited) ID() domain.ProviderID {
	return r.next.ID()
}

func (r *rateLimited) Invoke(ctx context.Context, target domain.Target) (*Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		// Waiting past the deadline is a timeout from the caller's perspective.
		return nil, NewTransient(r.next.ID(), err)
	}
	return r.next.Invoke(ctx, target)
}

// BreakerState is the position of a provider's circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes WithCircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it again.
	SuccessThreshold int
	// Cooldown is how long an open circuit rejects calls before probing.
	Cooldown time.Duration
	Now      func() time.Time
}

// DefaultBreakerConfig returns the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, Cooldown: time.Minute}
}

// circuitBreaker stops calling a provider that keeps failing transiently.
// Permanent failures say nothing about provider health and leave it unchanged.
type circuitBreaker struct {
	next Adapter
	cfg  BreakerConfig

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openUntil time.Time
}

// WithCircuitBreaker wraps adapter with a closed/open/half-open breaker. While
// open, calls fail with an Unavailable error without reaching the provider.
// Zero config fields take their defaults.
func WithCircuitBreaker(adapter Adapter, cfg BreakerConfig) Adapter {
	if adapter == nil {
		return nil
	}
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &circuitBreaker{next: adapter, cfg: cfg, state: BreakerClosed}
}

func (b *circuitBreaker) ID() domain.ProviderID {
	return b.next.ID()
}

func (b *circuitBreaker) Invoke(ctx context.Context, target domain.Target) (*Result, error) {
	if err := b.allow(ctx); err != nil {
		return nil, err
	}
	res, err := b.next.Invoke(ctx, target)
	switch {
	case err == nil:
		b.record(ctx, true)
	case errors.Is(ctx.Err(), context.Canceled):
		// The caller gave up; that is not the provider's fault.
	case IsTransient(err):
		b.record(ctx, false)
	}
	return res, err
}

// State reports the breaker position, moving an expired open circuit to half-open.
func (b *circuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(context.Background())
	return b.state
}

func (b *circuitBreaker) allow(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(ctx)
	if b.state == BreakerOpen {
		return NewUnavailable(b.next.ID(), fmt.Sprintf("circuit open until %s", b.openUntil.Format(time.RFC3339)))
	}
	return nil
}

func (b *circuitBreaker) expireLocked(ctx context.Context) {
	if b.state == BreakerOpen && !b.cfg.Now().Before(b.openUntil) {
		b.moveLocked(ctx, BreakerHalfOpen)
	}
}

func (b *circuitBreaker) record(ctx context.Context, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		b.failures = 0
		if b.state == BreakerHalfOpen {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.moveLocked(ctx, BreakerClosed)
			}
		}
		return
	}

	b.successes = 0
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.openUntil = b.cfg.Now().Add(b.cfg.Cooldown)
		b.moveLocked(ctx, BreakerOpen)
	}
}

func (b *circuitBreaker) moveLocked(ctx context.Context, to BreakerState) {
	if b.state == to {
		return
	}
	logger.With(logger.Fields{
		logger.FieldProvider: string(b.next.ID()),
		"from":               string(b.state),
		"to":                 string(to),
	}).Warn(ctx, "Circuit breaker moved")
	b.state = to
	b.failures = 0
	b.successes = 0
}

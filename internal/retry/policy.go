// Package retry wraps calls with bounded exponential backoff and jitter.
package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/timmy/exposcan/internal/provider"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the real Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Policy retries classified-transient failures.
// Delay before attempt n+1 is BaseDelay*2^(n-1) adjusted by ±JitterPercent and capped at MaxDelay.
type Policy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64

	// Sleep defaults to SleepContext.
	Sleep Sleeper
	// Retryable defaults to provider.IsTransient.
	Retryable func(error) bool
}

// DefaultPolicy returns 3 attempts starting at 500ms with 30% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		JitterPercent: 30,
	}
}

// Attempt is invoked once per try; attempt is 1-based.
type Attempt func(ctx context.Context, attempt int) error

// OnRetry is called after a failed attempt that will be retried.
type OnRetry func(attempt int, err error, delay time.Duration)

// backoff builds a fresh go-retry backoff for one Do call.
func (p Policy) backoff() goretry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	b := goretry.NewExponential(base)
	if p.JitterPercent > 0 {
		b = goretry.WithJitterPercent(p.JitterPercent, b)
	}
	if p.MaxDelay > 0 {
		b = goretry.WithCappedDuration(p.MaxDelay, b)
	}
	return goretry.WithMaxRetries(uint64(p.maxAttempts()-1), b)
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Do runs fn until it succeeds, fails permanently, the attempt budget is spent,
// or ctx is done. ctx only gates retries; fn receives it unchanged.
// Parameters:
//   - ctx: cancellation signal for further attempts and backoff sleeps.
//   - fn: the call to make.
//   - onRetry: optional hook invoked before each backoff sleep.
// Returns:
//   - int: number of attempts made, never more than MaxAttempts.
//   - error: the last error, or nil on success.
func (p Policy) Do(ctx context.Context, fn Attempt, onRetry OnRetry) (int, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = provider.IsTransient
	}
	b := p.backoff()

	attempt := 0
	for {
		attempt++
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return attempt, err
		}
		delay, stop := b.Next()
		if stop || attempt >= p.maxAttempts() {
			return attempt, err
		}
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return attempt, err
		}
	}
}

package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/exposcan/internal/provider"
)

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func TestPolicy_RetryBound(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("max_%d", n), func(t *testing.T) {
			rec := &recordingSleeper{}
			p := Policy{MaxAttempts: n, BaseDelay: 10 * time.Millisecond, Sleep: rec.sleep}

			calls := 0
			attempts, err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
				calls++
				return provider.NewTransient("hibp", errors.New("timeout"))
			}, nil)

			require.Error(t, err)
			assert.Equal(t, n, calls)
			assert.Equal(t, n, attempts)
			assert.Len(t, rec.delays, n-1)
		})
	}
}

func TestPolicy_ExponentialDelaysWithoutJitter(t *testing.T) {
	rec := &recordingSleeper{}
	p := Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, Sleep: rec.sleep}

	_, _ = p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return provider.NewTransient("hibp", errors.New("503"))
	}, nil)

	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, rec.delays)
}

func TestPolicy_JitterStaysInBounds(t *testing.T) {
	rec := &recordingSleeper{}
	p := Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, JitterPercent: 30, Sleep: rec.sleep}

	_, _ = p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return provider.NewTransient("hibp", errors.New("503"))
	}, nil)

	require.Len(t, rec.delays, 2)
	assert.InDelta(t, float64(100*time.Millisecond), float64(rec.delays[0]), float64(30*time.Millisecond))
	assert.InDelta(t, float64(200*time.Millisecond), float64(rec.delays[1]), float64(60*time.Millisecond))
}

func TestPolicy_CapsDelay(t *testing.T) {
	rec := &recordingSleeper{}
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 2 * time.Second, Sleep: rec.sleep}

	_, _ = p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return provider.NewTransient("hibp", errors.New("503"))
	}, nil)

	for _, d := range rec.delays {
		assert.LessOrEqual(t, d, 2*time.Second)
	}
}

func TestPolicy_PermanentErrorIsNotRetried(t *testing.T) {
	rec := &recordingSleeper{}
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Sleep: rec.sleep}

	attempts, err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return provider.NewPermanent("hibp", errors.New("bad credentials"))
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, rec.delays)
}

func TestPolicy_SucceedsAfterTransientFailures(t *testing.T) {
	var retries []int
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Sleep: (&recordingSleeper{}).sleep}

	attempts, err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		if attempt < 3 {
			return provider.NewTransient("hibp", errors.New("timeout"))
		}
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		retries = append(retries, attempt)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestPolicy_CancelledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, Sleep: (&recordingSleeper{}).sleep}

	attempts, err := p.Do(ctx, func(ctx context.Context, attempt int) error {
		cancel()
		return provider.NewTransient("hibp", errors.New("timeout"))
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}

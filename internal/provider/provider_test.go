package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/exposcan/internal/domain"
)

type stubAdapter struct {
	id    domain.ProviderID
	calls int
}

func (s *stubAdapter) ID() domain.ProviderID { return s.id }

func (s *stubAdapter) Invoke(ctx context.Context, target domain.Target) (*Result, error) {
	s.calls++
	return &Result{Provider: s.id}, nil
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusInternalServerError, Transient},
		{http.StatusServiceUnavailable, Transient},
		{http.StatusGatewayTimeout, Transient},
		{http.StatusRequestTimeout, Transient},
		{http.StatusTooManyRequests, Transient},
		{http.StatusBadRequest, Permanent},
		{http.StatusUnauthorized, Permanent},
		{http.StatusForbidden, Permanent},
		{http.StatusNotFound, Permanent},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			err := ClassifyStatus("hibp", tt.status, "")
			assert.Equal(t, tt.want, err.Kind)
			assert.Equal(t, tt.status, err.StatusCode)
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Transient, KindOf(fmt.Errorf("wrapped: %w", NewTransient("x", errors.New("boom")))))
	assert.Equal(t, Permanent, KindOf(NewPermanent("x", errors.New("bad key"))))
	assert.Equal(t, Unavailable, KindOf(NewUnavailable("x", "not configured")))
	assert.Equal(t, Transient, KindOf(context.DeadlineExceeded))
	assert.Equal(t, Permanent, KindOf(errors.New("anything else")))
	assert.False(t, IsTransient(nil))
}

func TestRegistry_Availability(t *testing.T) {
	specs := DefaultSpecs()
	r := NewRegistry(specs...)

	assert.False(t, r.Available("maigret"), "spec without adapter is not available")

	require.NoError(t, r.Bind(&stubAdapter{id: "maigret"}))
	assert.True(t, r.Available("maigret"))

	spec, ok := r.Spec("maigret")
	require.True(t, ok)
	spec.Enabled = false
	require.NoError(t, r.Register(spec, &stubAdapter{id: "maigret"}))
	assert.False(t, r.Available("maigret"), "disabled provider is not available")

	assert.Error(t, r.Bind(&stubAdapter{id: "nope"}))
	assert.Error(t, r.Register(Spec{ID: "a"}, &stubAdapter{id: "b"}))
}

func TestRegistry_Pricing(t *testing.T) {
	r := NewRegistry(DefaultSpecs()...)

	cost, tier, ok := r.Pricing("darkweb")
	require.True(t, ok)
	assert.Equal(t, int64(5), cost)
	assert.Equal(t, domain.TierPremium, tier)

	_, _, ok = r.Pricing("unknown")
	assert.False(t, ok)
}

func TestSpec_Supports(t *testing.T) {
	r := NewRegistry(DefaultSpecs()...)
	spec, _ := r.Spec("ipgeo")
	assert.True(t, spec.Supports(domain.TargetIP))
	assert.False(t, spec.Supports(domain.TargetEmail))
}

func TestWithRateLimit(t *testing.T) {
	inner := &stubAdapter{id: "hibp"}
	assert.Same(t, Adapter(inner), WithRateLimit(inner, 0, 0))

	limited := WithRateLimit(inner, 1, 1)
	assert.Equal(t, domain.ProviderID("hibp"), limited.ID())

	_, err := limited.Invoke(context.Background(), domain.Target{})
	require.NoError(t, err)

	// The bucket is empty now; a short deadline cannot be met.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = limited.Invoke(ctx, domain.Target{})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 1, inner.calls)
}

type flakyAdapter struct {
	id    domain.ProviderID
	calls int
	err   error
}

func (f *flakyAdapter) ID() domain.ProviderID { return f.id }

func (f *flakyAdapter) Invoke(context.Context, domain.Target) (*Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &Result{Provider: f.id}, nil
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Unix(1700000000, 0)
	inner := &flakyAdapter{id: "hibp"}
	adapter := WithCircuitBreaker(inner, BreakerConfig{Cooldown: time.Minute, Now: func() time.Time { return now }})
	cb := adapter.(*circuitBreaker)
	ctx := context.Background()
	target := domain.Target{Type: domain.TargetEmail, Value: "a@example.com"}

	inner.err = NewPermanent("hibp", errors.New("rejected target"))
	for i := 0; i < 10; i++ {
		_, _ = adapter.Invoke(ctx, target)
	}
	assert.Equal(t, BreakerClosed, cb.State(), "permanent failures do not trip the breaker")

	inner.err = NewTransient("hibp", errors.New("503"))
	for i := 0; i < 4; i++ {
		_, _ = adapter.Invoke(ctx, target)
	}
	assert.Equal(t, BreakerClosed, cb.State())
	_, _ = adapter.Invoke(ctx, target)
	assert.Equal(t, BreakerOpen, cb.State())

	calls := inner.calls
	_, err := adapter.Invoke(ctx, target)
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, calls, inner.calls, "open circuit does not reach the provider")

	now = now.Add(time.Minute)
	assert.Equal(t, BreakerHalfOpen, cb.State())
	_, err = adapter.Invoke(ctx, target)
	assert.True(t, IsTransient(err))
	assert.Equal(t, BreakerOpen, cb.State(), "a half-open failure reopens at once")

	now = now.Add(time.Minute)
	inner.err = nil
	_, err = adapter.Invoke(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, BreakerHalfOpen, cb.State())
	_, err = adapter.Invoke(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	inner := &flakyAdapter{id: "maigret"}
	adapter := WithCircuitBreaker(inner, BreakerConfig{FailureThreshold: 3})
	target := domain.Target{Type: domain.TargetUsername, Value: "alice"}

	for round := 0; round < 3; round++ {
		inner.err = NewTransient("maigret", errors.New("timeout"))
		_, _ = adapter.Invoke(context.Background(), target)
		_, _ = adapter.Invoke(context.Background(), target)
		inner.err = nil
		_, err := adapter.Invoke(context.Background(), target)
		require.NoError(t, err)
	}
	assert.Equal(t, BreakerClosed, adapter.(*circuitBreaker).State())
	assert.Nil(t, WithCircuitBreaker(nil, BreakerConfig{}))
}

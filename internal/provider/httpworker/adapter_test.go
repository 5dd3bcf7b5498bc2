package httpworker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/exposcan/internal/domain"
	"github.com/timmy/exposcan/internal/provider"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := NewAdapter(&Config{
		Provider:     "maigret",
		BaseURL:      srv.URL,
		APIKey:       "secret",
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return a
}

func TestAdapter_SynchronousResult(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req lookupRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "username", req.TargetType)
		assert.Equal(t, "alice", req.Value)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"completed","result":{"profiles":[{"site":"github","url":"https://github.com/alice","username":"alice","match":"exact"}],"reuse_count":3}}`))
	})

	res, err := a.Invoke(context.Background(), domain.Target{Type: domain.TargetUsername, Value: "alice"})
	require.NoError(t, err)
	require.Len(t, res.Profiles, 1)
	assert.Equal(t, "github", res.Profiles[0].Site)
	assert.Equal(t, provider.MatchExact, res.Profiles[0].Match)
	assert.Equal(t, 3, res.ReuseCount)
	assert.Equal(t, domain.ProviderID("maigret"), res.Provider)
}

func TestAdapter_PollsAcceptedLookup(t *testing.T) {
	var polls int32
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"id":"lk-1","status":"pending"}`))
			return
		}
		assert.Equal(t, "/lookups/lk-1", r.URL.Path)
		if atomic.AddInt32(&polls, 1) < 3 {
			_, _ = w.Write([]byte(`{"id":"lk-1","status":"running"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"lk-1","status":"completed","result":{"breaches":[{"name":"Adobe","verified":true}]}}`))
	})

	res, err := a.Invoke(context.Background(), domain.Target{Type: domain.TargetEmail, Value: "a@b.com"})
	require.NoError(t, err)
	require.Len(t, res.Breaches, 1)
	assert.Equal(t, int32(3), atomic.LoadInt32(&polls))
}

func TestAdapter_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   provider.ErrorKind
	}{
		{name: "server error", status: http.StatusBadGateway, body: `{"error":"upstream"}`, want: provider.Transient},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{}`, want: provider.Transient},
		{name: "auth failure", status: http.StatusUnauthorized, body: `{"error":"bad key"}`, want: provider.Permanent},
		{name: "bad target", status: http.StatusUnprocessableEntity, body: `{"error":"bad format"}`, want: provider.Permanent},
		{name: "worker unavailable", status: http.StatusOK, body: `{"status":"unavailable"}`, want: provider.Transient},
		{name: "worker rejected", status: http.StatusOK, body: `{"status":"rejected","error":"nope"}`, want: provider.Permanent},
		{name: "mistyped body", status: http.StatusOK, body: `{"status":5}`, want: provider.Permanent},
		{name: "malformed body", status: http.StatusOK, body: `{"status":`, want: provider.Permanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := a.Invoke(context.Background(), domain.Target{Type: domain.TargetEmail, Value: "a@b.com"})
			require.Error(t, err)
			assert.Equal(t, tt.want, provider.KindOf(err))
		})
	}
}

func TestAdapter_DecodesLooseDates(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"completed","result":{
			"breaches":[{"name":"Adobe","breach_date":"2013-10-04"}],
			"profiles":[{"site":"github","last_active":"2021-06-01","match":"exact"},{"site":"gitlab","last_active":"last week"}],
			"mentions":[{"source":"paste","seen_at":"2020-02-03T04:05:06Z"}]}}`))
	})

	res, err := a.Invoke(context.Background(), domain.Target{Type: domain.TargetEmail, Value: "a@b.com"})
	require.NoError(t, err)
	require.Len(t, res.Breaches, 1)
	assert.Equal(t, time.Date(2013, 10, 4, 0, 0, 0, 0, time.UTC), res.Breaches[0].BreachDate)
	require.Len(t, res.Profiles, 2)
	assert.Equal(t, time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC), res.Profiles[0].LastActive)
	assert.True(t, res.Profiles[1].LastActive.IsZero(), "unparseable dates are dropped")
	assert.Equal(t, "gitlab", res.Profiles[1].Site)
	require.Len(t, res.Mentions, 1)
	assert.Equal(t, time.Date(2020, 2, 3, 4, 5, 6, 0, time.UTC), res.Mentions[0].SeenAt)
}

func TestParseDate(t *testing.T) {
	tests := map[string]time.Time{
		"2013-10-04":                time.Date(2013, 10, 4, 0, 0, 0, 0, time.UTC),
		"2013-10":                   time.Date(2013, 10, 1, 0, 0, 0, 0, time.UTC),
		"2013-10-04 08:30:00":       time.Date(2013, 10, 4, 8, 30, 0, 0, time.UTC),
		"2013-10-04T08:30:00+02:00": time.Date(2013, 10, 4, 6, 30, 0, 0, time.UTC),
		"":                          {},
		"yesterday":                 {},
	}
	for raw, want := range tests {
		assert.True(t, want.Equal(parseDate(raw)), raw)
	}
}

func TestAdapter_PollTimeoutIsTransient(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"id":"lk-2"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"lk-2","status":"running"}`))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Invoke(ctx, domain.Target{Type: domain.TargetEmail, Value: "a@b.com"})
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))
}

func TestNewAdapter_RequiresBaseURL(t *testing.T) {
	_, err := NewAdapter(&Config{Provider: "x"})
	assert.Error(t, err)
}

package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/exposcan/internal/domain"
)

func TestSuggestionService_Suggest(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"alice_smith\nalice.smith\nalicesmith"}}]}`))
	}))
	defer srv.Close()

	svc := NewSuggestionService(&SuggestionConfig{Enabled: true, Model: "m", APIKey: "key", BaseURL: srv.URL + "/v1/"})
	out, err := svc.Suggest(context.Background(), domain.Target{Type: domain.TargetUsername, Value: "alicesmith"})
	require.NoError(t, err)

	assert.Equal(t, []string{"alice_smith", "alice.smith"}, out)
	assert.Equal(t, "m", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Contains(t, got.Messages[1].Content, "alicesmith")
}

func TestSuggestionService_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	svc := NewSuggestionService(&SuggestionConfig{Enabled: true, BaseURL: srv.URL})
	_, err := svc.Suggest(context.Background(), domain.Target{Type: domain.TargetEmail, Value: "a@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestSuggestionService_SkipsWithoutCalling(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	defer srv.Close()

	disabled := NewSuggestionService(nil)
	out, err := disabled.Suggest(context.Background(), domain.Target{Type: domain.TargetUsername, Value: "x"})
	assert.NoError(t, err)
	assert.Nil(t, out)
	assert.False(t, disabled.IsEnabled())

	enabled := NewSuggestionService(&SuggestionConfig{Enabled: true, BaseURL: srv.URL})
	out, err = enabled.Suggest(context.Background(), domain.Target{Type: domain.TargetIP, Value: "1.1.1.1"})
	assert.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, 0, calls)
}

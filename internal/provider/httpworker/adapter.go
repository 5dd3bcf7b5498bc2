// Package httpworker talks to external lookup workers over HTTP.
//
// A worker either answers a lookup synchronously or accepts it and hands back a
// lookup id that is polled until it reaches a terminal status.
package httpworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/timmy/exposcan/internal/domain"
	"github.com/timmy/exposcan/internal/logger"
	"github.com/timmy/exposcan/internal/provider"
)

// Worker lookup statuses.
const (
	statusPending     = "pending"
	statusRunning     = "running"
	statusCompleted   = "completed"
	statusFailed      = "failed"
	statusRejected    = "rejected"
	statusUnavailable = "unavailable"
)

// Config holds configuration for one worker-backed provider.
type Config struct {
	Provider     domain.ProviderID
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
	Timeout      time.Duration
}

// Adapter implements provider.Adapter against an HTTP lookup worker.
type Adapter struct {
	id           domain.ProviderID
	client       *resty.Client
	pollInterval time.Duration
	now          func() time.Time
}

// NewAdapter creates a worker adapter.
// Parameters:
//   - cfg: worker endpoint and credentials.
// Returns:
//   - *Adapter: initialized adapter.
//   - error: non-nil if the configuration is unusable.
func NewAdapter(cfg *Config) (*Adapter, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("worker base url is required")
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/"))
	client.SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}

	return &Adapter{
		id:           cfg.Provider,
		client:       client,
		pollInterval: poll,
		now:          time.Now,
	}, nil
}

// ID returns the provider this adapter serves.
func (a *Adapter) ID() domain.ProviderID {
	return a.id
}

type lookupRequest struct {
	TargetType string `json:"target_type"`
	Value      string `json:"value"`
}

type lookupResponse struct {
	ID     string        `json:"id"`
	Status string        `json:"status"`
	Error  string        `json:"error,omitempty"`
	Result *workerResult `json:"result,omitempty"`
}

// Invoke starts a lookup and waits for its result.
func (a *Adapter) Invoke(ctx context.Context, target domain.Target) (*provider.Result, error) {
	var resp lookupResponse
	httpResp, err := a.client.R().
		SetContext(ctx).
		SetBody(lookupRequest{TargetType: string(target.Type), Value: target.Value}).
		SetResult(&resp).
		SetError(&resp).
		Post("/lookups")
	if err != nil {
		return nil, a.transportError(err)
	}

	switch httpResp.StatusCode() {
	case http.StatusOK:
		return a.settle(&resp)
	case http.StatusAccepted:
		if resp.ID == "" {
			return nil, provider.NewPermanent(a.id, errors.New("worker accepted lookup without an id"))
		}
		return a.poll(ctx, resp.ID)
	default:
		return nil, provider.ClassifyStatus(a.id, httpResp.StatusCode(), resp.Error)
	}
}

// poll waits for an accepted lookup to finish.
func (a *Adapter) poll(ctx context.Context, lookupID string) (*provider.Result, error) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, provider.NewTransient(a.id, fmt.Errorf("lookup %s did not finish: %w", lookupID, ctx.Err()))
		case <-ticker.C:
		}

		var resp lookupResponse
		httpResp, err := a.client.R().
			SetContext(ctx).
			SetResult(&resp).
			SetError(&resp).
			SetPathParam("id", lookupID).
			Get("/lookups/{id}")
		if err != nil {
			return nil, a.transportError(err)
		}
		if httpResp.StatusCode() != http.StatusOK {
			return nil, provider.ClassifyStatus(a.id, httpResp.StatusCode(), resp.Error)
		}

		switch resp.Status {
		case statusPending, statusRunning:
			logger.CtxDebug(ctx, "Lookup %s is %s", lookupID, resp.Status)
			continue
		default:
			return a.settle(&resp)
		}
	}
}

// settle turns a terminal worker response into a result or a classified error.
func (a *Adapter) settle(resp *lookupResponse) (*provider.Result, error) {
	switch resp.Status {
	case statusCompleted, "":
	case statusFailed:
		return nil, provider.NewTransient(a.id, fmt.Errorf("worker failed: %s", resp.Error))
	case statusRejected:
		return nil, provider.NewPermanent(a.id, fmt.Errorf("worker rejected target: %s", resp.Error))
	case statusUnavailable:
		return nil, provider.NewTransient(a.id, errors.New("worker unavailable"))
	default:
		return nil, provider.NewPermanent(a.id, fmt.Errorf("unknown worker status %q", resp.Status))
	}

	result := &provider.Result{Provider: a.id, ReceivedAt: a.now()}
	if resp.Result != nil {
		resp.Result.fill(result)
	}
	return result, nil
}

// transportError classifies a failed request. A body that does not decode will
// not decode on retry either.
func (a *Adapter) transportError(err error) error {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return provider.NewPermanent(a.id, fmt.Errorf("undecodable worker response: %w", err))
	}
	return provider.NewTransient(a.id, fmt.Errorf("worker request failed: %w", err))
}

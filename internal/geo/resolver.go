// Package geo resolves IP addresses to coordinates through an ip-api compatible
// HTTP service.
package geo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/timmy/exposcan/internal/domain"
	"github.com/timmy/exposcan/internal/provider"
)

const lookupFields = "status,message,country,city,lat,lon,isp,query"

// Config holds geolocation service settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Location is the full answer for one address.
type Location struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Country   string  `json:"country"`
	City      string  `json:"city"`
	ISP       string  `json:"isp"`
}

type lookupResponse struct {
	Location
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Resolver looks up IP addresses.
type Resolver struct {
	client *resty.Client
	apiKey string
}

// NewResolver creates a Resolver.
// Parameters:
//   - cfg: service endpoint; empty BaseURL uses http://ip-api.com.
// Returns:
//   - *Resolver: initialized resolver.
func NewResolver(cfg Config) *Resolver {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = "http://ip-api.com"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &Resolver{client: client, apiKey: cfg.APIKey}
}

// Lookup returns the location of ip, or domain.ErrLocationNotFound for private,
// reserved or unknown addresses.
func (r *Resolver) Lookup(ctx context.Context, ip string) (*Location, error) {
	var body lookupResponse
	req := r.client.R().
		SetContext(ctx).
		SetPathParam("ip", ip).
		SetQueryParam("fields", lookupFields).
		SetResult(&body)
	if r.apiKey != "" {
		req.SetQueryParam("key", r.apiKey)
	}

	resp, err := req.Get("/json/{ip}")
	if err != nil {
		return nil, fmt.Errorf("geolocation request failed: %w", err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, domain.ErrLocationNotFound
	case resp.StatusCode() != http.StatusOK:
		return nil, fmt.Errorf("geolocation service returned status %d", resp.StatusCode())
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("%w: %s", domain.ErrLocationNotFound, body.Message)
	}
	loc := body.Location
	return &loc, nil
}

// Resolve implements ingest.Resolver.
func (r *Resolver) Resolve(ctx context.Context, ip string) (domain.Coordinates, error) {
	loc, err := r.Lookup(ctx, ip)
	if err != nil {
		return domain.Coordinates{}, err
	}
	return domain.Coordinates{
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Country:   loc.Country,
		City:      loc.City,
	}, nil
}

// ProviderID is the registry id of the geolocation provider.
const ProviderID domain.ProviderID = "ipgeo"

// Adapter exposes the resolver as a scan provider for IP targets.
type Adapter struct {
	resolver *Resolver
	now      func() time.Time
}

// NewAdapter wraps resolver as a provider.Adapter.
func NewAdapter(resolver *Resolver) *Adapter {
	return &Adapter{resolver: resolver, now: time.Now}
}

func (a *Adapter) ID() domain.ProviderID {
	return ProviderID
}

// Invoke resolves the target address. An address without a location is a
// successful empty lookup, not an error.
func (a *Adapter) Invoke(ctx context.Context, target domain.Target) (*provider.Result, error) {
	if target.Type != domain.TargetIP {
		return nil, provider.NewPermanent(ProviderID, fmt.Errorf("unsupported target type %s", target.Type))
	}
	res := &provider.Result{Provider: ProviderID, ReceivedAt: a.now()}

	loc, err := a.resolver.Lookup(ctx, target.Value)
	if err != nil {
		if errors.Is(err, domain.ErrLocationNotFound) {
			return res, nil
		}
		return nil, provider.NewTransient(ProviderID, err)
	}
	res.Location = &provider.LocationRecord{
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Country:   loc.Country,
		City:      loc.City,
		ISP:       loc.ISP,
	}
	return res, nil
}

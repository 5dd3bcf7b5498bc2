package config

import (
	"fmt"
	"os"
	"time"

	"github.com/timmy/exposcan/internal/domain"
	"github.com/timmy/exposcan/internal/provider"
)

// ProviderConfig configures one provider's worker endpoint and catalogue entry.
// Zero values for Cost, MinTier and TargetTypes keep the built-in catalogue values.
type ProviderConfig struct {
	Enabled          *bool         `mapstructure:"enabled"`
	BaseURL          string        `mapstructure:"base_url"`
	BaseURLEnv       string        `mapstructure:"base_url_env"`
	APIKey           string        `mapstructure:"api_key"`
	APIKeyEnv        string        `mapstructure:"api_key_env"`
	RatePerSecond    float64       `mapstructure:"rate_per_second"`
	Burst            int           `mapstructure:"burst"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	Cost             int64         `mapstructure:"cost"`
	MinTier          string        `mapstructure:"min_tier"`
	TargetTypes      []string      `mapstructure:"target_types"`
	BreakerFailures  int           `mapstructure:"breaker_failures"`
	BreakerSuccesses int           `mapstructure:"breaker_successes"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// Breaker returns the circuit breaker settings; zero values take the defaults.
func (c ProviderConfig) Breaker() provider.BreakerConfig {
	return provider.BreakerConfig{
		FailureThreshold: c.BreakerFailures,
		SuccessThreshold: c.BreakerSuccesses,
		Cooldown:         c.BreakerCooldown,
	}
}

// ResolveEnvVars loads APIKey and BaseURL from the named environment variables.
// Direct values take precedence.
func (c *ProviderConfig) ResolveEnvVars() {
	if c.APIKeyEnv != "" && c.APIKey == "" {
		if val := os.Getenv(c.APIKeyEnv); val != "" {
			c.APIKey = val
		}
	}
	if c.BaseURLEnv != "" && c.BaseURL == "" {
		if val := os.Getenv(c.BaseURLEnv); val != "" {
			c.BaseURL = val
		}
	}
}

// Configured reports whether the provider has a worker to call.
func (c *ProviderConfig) Configured() bool {
	return c.BaseURL != ""
}

// Validate checks the overrides against the known tiers and target types.
func (c *ProviderConfig) Validate(id string) error {
	if c.Cost < 0 {
		return fmt.Errorf("provider %q: cost must not be negative", id)
	}
	if c.MinTier != "" {
		switch domain.Tier(c.MinTier) {
		case domain.TierFree, domain.TierPro, domain.TierBusiness, domain.TierPremium:
		default:
			return fmt.Errorf("provider %q: unknown min_tier %q", id, c.MinTier)
		}
	}
	for _, t := range c.TargetTypes {
		if _, err := domain.ParseTargetType(t); err != nil {
			return fmt.Errorf("provider %q: %w", id, err)
		}
	}
	if c.RatePerSecond < 0 {
		return fmt.Errorf("provider %q: rate_per_second must not be negative", id)
	}
	return nil
}

// Apply overlays the configured values on a catalogue spec.
func (c *ProviderConfig) Apply(spec provider.Spec) provider.Spec {
	if c.Enabled != nil {
		spec.Enabled = *c.Enabled
	}
	if c.Cost > 0 {
		spec.Cost = c.Cost
	}
	if c.MinTier != "" {
		spec.MinTier = domain.Tier(c.MinTier)
	}
	if len(c.TargetTypes) > 0 {
		types := make([]domain.TargetType, 0, len(c.TargetTypes))
		for _, t := range c.TargetTypes {
			if tt, err := domain.ParseTargetType(t); err == nil {
				types = append(types, tt)
			}
		}
		spec.TargetTypes = types
	}
	return spec
}

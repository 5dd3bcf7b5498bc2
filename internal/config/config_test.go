package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/exposcan/internal/domain"
	"github.com/timmy/exposcan/internal/provider"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Scan.WorkersPerJob)
	assert.Equal(t, 10, cfg.Scan.GlobalConcurrency)
	assert.Equal(t, 30*time.Second, cfg.Scan.TaskTimeout)
	assert.Equal(t, 256, cfg.Scan.RetainFinished)

	policy := cfg.Scan.Retry.Policy()
	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, policy.BaseDelay)
	assert.Equal(t, 10*time.Second, policy.MaxDelay)
	assert.Equal(t, uint64(30), policy.JitterPercent)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoad_ProvidersResolveEnv(t *testing.T) {
	t.Setenv("TEST_MAIGRET_KEY", "secret")
	path := writeConfig(t, `
providers:
  maigret:
    base_url: http://maigret:8000
    api_key_env: TEST_MAIGRET_KEY
    rate_per_second: 2
    cost: 4
    target_types: [username, email]
    breaker_failures: 3
    breaker_cooldown: 30s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	p, ok := cfg.Providers["maigret"]
	require.True(t, ok)
	assert.Equal(t, "secret", p.APIKey)
	assert.True(t, p.Configured())

	spec := p.Apply(provider.Spec{ID: "maigret", Cost: 1, Enabled: true, TargetTypes: []domain.TargetType{domain.TargetUsername}})
	assert.Equal(t, int64(4), spec.Cost)
	assert.True(t, spec.Enabled)
	assert.Equal(t, []domain.TargetType{domain.TargetUsername, domain.TargetEmail}, spec.TargetTypes)

	breaker := p.Breaker()
	assert.Equal(t, 3, breaker.FailureThreshold)
	assert.Equal(t, 0, breaker.SuccessThreshold, "left to the breaker default")
	assert.Equal(t, 30*time.Second, breaker.Cooldown)
}

func TestLoad_RejectsInvalidSettings(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"zero workers", "scan:\n  workers_per_job: 0\n"},
		{"bad tier", "providers:\n  x:\n    min_tier: gold\n"},
		{"bad target type", "providers:\n  x:\n    target_types: [fax]\n"},
		{"sqs without queue", "progress:\n  sqs:\n    enabled: true\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestProviderConfig_DisableOverride(t *testing.T) {
	off := false
	p := ProviderConfig{Enabled: &off}
	spec := p.Apply(provider.Spec{ID: "hibp", Enabled: true, Cost: 2})
	assert.False(t, spec.Enabled)
	assert.Equal(t, int64(2), spec.Cost)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", DBName: "scans", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=scans sslmode=disable", pg.DSN())

	pg.URL = "postgres://u:p@db/scans"
	assert.Equal(t, "postgres://u:p@db/scans", pg.DSN())

	assert.Equal(t, "./x.db", (&DatabaseConfig{Driver: "sqlite", Path: "./x.db"}).DSN())
}

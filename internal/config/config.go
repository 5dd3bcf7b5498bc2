package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/timmy/exposcan/internal/retry"
)

type Config struct {
	Server     ServerConfig              `mapstructure:"server"`
	Database   DatabaseConfig            `mapstructure:"database"`
	Scan       ScanConfig                `mapstructure:"scan"`
	Credits    CreditsConfig             `mapstructure:"credits"`
	Providers  map[string]ProviderConfig `mapstructure:"providers"`
	Geo        GeoConfig                 `mapstructure:"geo"`
	Suggestion SuggestionConfig          `mapstructure:"suggestion"`
	Storage    StorageConfig             `mapstructure:"storage"`
	Progress   ProgressConfig            `mapstructure:"progress"`
	Ingest     IngestConfig              `mapstructure:"ingest"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

// DatabaseConfig selects the driver and its connection settings.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	URL             string        `mapstructure:"url"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogQueries      bool          `mapstructure:"log_queries"`
}

// DSN returns the connection string for the configured driver.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		if c.URL != "" {
			return c.URL
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	}
	if c.Path == "" {
		return "file::memory:?cache=shared"
	}
	return c.Path
}

type ScanConfig struct {
	WorkersPerJob           int           `mapstructure:"workers_per_job"`
	GlobalConcurrency       int           `mapstructure:"global_concurrency"`
	PerWorkspaceConcurrency int           `mapstructure:"per_workspace_concurrency"`
	TaskTimeout             time.Duration `mapstructure:"task_timeout"`
	SuggestionTimeout       time.Duration `mapstructure:"suggestion_timeout"`
	ShutdownTimeout         time.Duration `mapstructure:"shutdown_timeout"`
	RetainFinished          int           `mapstructure:"retain_finished"`
	Retry                   RetryConfig   `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	JitterPercent uint64        `mapstructure:"jitter_percent"`
}

// Policy converts the retry settings into a retry.Policy.
func (c RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:   c.MaxAttempts,
		BaseDelay:     c.BaseDelay,
		MaxDelay:      c.MaxDelay,
		JitterPercent: c.JitterPercent,
	}
}

// CreditsConfig configures admission control.
type CreditsConfig struct {
	DefaultTier    string `mapstructure:"default_tier"`
	StartingCredit int64  `mapstructure:"starting_credit"`
}

type GeoConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	Workers int           `mapstructure:"workers"`
}

type SuggestionConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Model   string        `mapstructure:"model"`
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StorageConfig configures the S3-compatible report archive.
type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Type      string `mapstructure:"type"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
	Prefix    string `mapstructure:"prefix"`
}

type ProgressConfig struct {
	SubscriberBuffer int       `mapstructure:"subscriber_buffer"`
	SinkBuffer       int       `mapstructure:"sink_buffer"`
	RetainFinished   int       `mapstructure:"retain_finished"`
	SQS              SQSConfig `mapstructure:"sqs"`
}

type SQSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	QueueURL string `mapstructure:"queue_url"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

type IngestConfig struct {
	MaxRows int `mapstructure:"max_rows"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("suggestion.api_key", "OPENAI_API_KEY")
	v.BindEnv("suggestion.base_url", "OPENAI_BASE_URL")
	v.BindEnv("suggestion.model", "SUGGESTION_MODEL")
	v.BindEnv("geo.api_key", "GEO_API_KEY")
	v.BindEnv("progress.sqs.queue_url", "PROGRESS_SQS_QUEUE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/exposcan.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("scan.workers_per_job", 5)
	v.SetDefault("scan.global_concurrency", 10)
	v.SetDefault("scan.per_workspace_concurrency", 0)
	v.SetDefault("scan.task_timeout", 30*time.Second)
	v.SetDefault("scan.suggestion_timeout", 10*time.Second)
	v.SetDefault("scan.shutdown_timeout", 30*time.Second)
	v.SetDefault("scan.retain_finished", 256)
	v.SetDefault("scan.retry.max_attempts", 3)
	v.SetDefault("scan.retry.base_delay", 500*time.Millisecond)
	v.SetDefault("scan.retry.max_delay", 10*time.Second)
	v.SetDefault("scan.retry.jitter_percent", 30)
	v.SetDefault("credits.default_tier", "free")
	v.SetDefault("credits.starting_credit", 0)
	v.SetDefault("geo.enabled", true)
	v.SetDefault("geo.base_url", "http://ip-api.com")
	v.SetDefault("geo.timeout", 5*time.Second)
	v.SetDefault("geo.workers", 4)
	v.SetDefault("suggestion.enabled", false)
	v.SetDefault("suggestion.model", "gpt-4o-mini")
	v.SetDefault("suggestion.base_url", "https://api.openai.com/v1")
	v.SetDefault("suggestion.timeout", 10*time.Second)
	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.type", "s3compatible")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.bucket", "scan-reports")
	v.SetDefault("progress.subscriber_buffer", 64)
	v.SetDefault("progress.sink_buffer", 1024)
	v.SetDefault("progress.retain_finished", 256)
	v.SetDefault("progress.sqs.enabled", false)
	v.SetDefault("progress.sqs.region", "us-east-1")
	v.SetDefault("ingest.max_rows", 10000)
}

// Validate resolves provider env references and checks the scan settings.
func (c *Config) Validate() error {
	if c.Scan.WorkersPerJob <= 0 {
		return fmt.Errorf("scan.workers_per_job must be positive")
	}
	if c.Scan.GlobalConcurrency <= 0 {
		return fmt.Errorf("scan.global_concurrency must be positive")
	}
	if c.Scan.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("scan.retry.max_attempts must be positive")
	}
	if c.Scan.Retry.JitterPercent > 100 {
		return fmt.Errorf("scan.retry.jitter_percent must be at most 100")
	}
	for id, p := range c.Providers {
		p.ResolveEnvVars()
		if err := p.Validate(id); err != nil {
			return err
		}
		c.Providers[id] = p
	}
	if c.Progress.SQS.Enabled && c.Progress.SQS.QueueURL == "" {
		return fmt.Errorf("progress.sqs.queue_url is required when sqs is enabled")
	}
	return nil
}

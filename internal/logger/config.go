package logger

import (
	"io"
	"os"
	"strconv"
)

// EnvConfig is the logger configuration read from LOG_* environment variables.
type EnvConfig struct {
	Level       string
	Format      string
	Output      io.Writer // overrides stdout/file selection when set
	ServiceName string
	Environment string // local, dev, prod

	LogFile     string
	LogFileOnly bool

	// lumberjack rotation
	MaxSize    int // MB
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// LoadFromEnv reads EnvConfig from the environment.
func LoadFromEnv() *EnvConfig {
	return &EnvConfig{
		Level:       envString("LOG_LEVEL", "info"),
		Format:      envString("LOG_FORMAT", "json"),
		ServiceName: envString("SERVICE_NAME", "exposcan"),
		Environment: envString("APP_ENV", "local"),
		LogFile:     envString("LOG_FILE", "/var/log/exposcan/app.log"),
		LogFileOnly: envParse("LOG_FILE_ONLY", false, strconv.ParseBool),
		MaxSize:     envParse("LOG_MAX_SIZE", 100, strconv.Atoi),
		MaxBackups:  envParse("LOG_MAX_BACKUPS", 7, strconv.Atoi),
		MaxAge:      envParse("LOG_MAX_AGE", 30, strconv.Atoi),
		Compress:    envParse("LOG_COMPRESS", true, strconv.ParseBool),
	}
}

func envString(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envParse[T any](key string, fallback T, parse func(string) (T, error)) T {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	v, err := parse(val)
	if err != nil {
		return fallback
	}
	return v
}

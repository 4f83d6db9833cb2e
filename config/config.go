package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env      string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port     string `env:"PORT" envDefault:"8080" validate:"required"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`

	MaxConcurrentJobs       int    `env:"MAX_CONCURRENT_JOBS" envDefault:"4" validate:"min=1,max=64"`
	JobPollIntervalSec      int    `env:"JOB_POLL_INTERVAL_S" envDefault:"2" validate:"min=1,max=60"`
	HeartbeatIntervalSec    int    `env:"HEARTBEAT_INTERVAL_S" envDefault:"60" validate:"min=5"`
	RecoveryScanIntervalSec int    `env:"RECOVERY_SCAN_INTERVAL_S" envDefault:"30" validate:"min=5"`
	StaleJobThresholdSec    int    `env:"STALE_JOB_THRESHOLD_S" envDefault:"300" validate:"min=30"`
	MaxJobAttempts          int    `env:"MAX_JOB_ATTEMPTS" envDefault:"3" validate:"min=1,max=10"`
	BisectTimeoutSec        int    `env:"BISECT_TIMEOUT_S" envDefault:"0" validate:"min=0"`
	BisectWorkDir           string `env:"BISECT_WORK_DIR"`

	StreamBufferSize int `env:"STREAM_BUFFER_SIZE" envDefault:"1000" validate:"min=10"`
	StreamGraceSec   int `env:"STREAM_GRACE_SECONDS" envDefault:"300" validate:"min=0"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`

	JWTSecret string `env:"JWT_SECRET,required" validate:"required,min=32"`

	GithubAppID          string `env:"GITHUB_APP_ID"           validate:"required_with=GithubPrivateKeyPath"`
	GithubPrivateKeyPath string `env:"GITHUB_PRIVATE_KEY_PATH" validate:"required_with=GithubAppID"`
	GithubAPIURL         string `env:"GITHUB_API_URL" envDefault:"https://api.github.com" validate:"url"`

	ResendAPIKey string `env:"RESEND_API_KEY" validate:"required_if=Env production,required_if=Env staging"`
	ResendFrom   string `env:"RESEND_FROM"    validate:"required_if=Env production,required_if=Env staging"`

	RetentionCron string `env:"RETENTION_CRON" envDefault:"0 3 * * *" validate:"required"`
	RetentionDays int    `env:"RETENTION_DAYS" envDefault:"90" validate:"min=1"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Stale detection must tolerate at least two missed heartbeats.
	if cfg.StaleJobThresholdSec <= 2*cfg.HeartbeatIntervalSec {
		return nil, fmt.Errorf("invalid config: STALE_JOB_THRESHOLD_S (%d) must exceed twice HEARTBEAT_INTERVAL_S (%d)",
			cfg.StaleJobThresholdSec, cfg.HeartbeatIntervalSec)
	}

	return cfg, nil
}

// GithubAppConfigured reports whether clone URLs should come from a GitHub
// App installation rather than anonymous HTTPS.
func (c *Config) GithubAppConfigured() bool {
	return c.GithubAppID != "" && c.GithubPrivateKeyPath != ""
}

func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

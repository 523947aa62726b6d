// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrNoProviderConfigured is returned when no generation provider has credentials.
	ErrNoProviderConfigured = errors.New("config: at least one of RUNWAY_API_KEY, RUNPOD_API_KEY or BEAM_TOKEN is required")
	// ErrRunPodEndpointIDRequired is returned when RUNPOD_API_KEY is set without RUNPOD_ENDPOINT_ID.
	ErrRunPodEndpointIDRequired = errors.New("config: RUNPOD_ENDPOINT_ID is required")
	// ErrBeamQueueURLRequired is returned when BEAM_TOKEN is set without BEAM_QUEUE_URL.
	ErrBeamQueueURLRequired = errors.New("config: BEAM_QUEUE_URL is required")
	// ErrS3RegionRequired is returned when S3_BUCKET is set without S3_REGION.
	ErrS3RegionRequired = errors.New("config: S3_REGION is required when S3_BUCKET is set")
	// ErrInvalidAuthTokens is returned when AUTH_TOKENS is not a list of token:user pairs.
	ErrInvalidAuthTokens = errors.New("config: AUTH_TOKENS must be comma separated token:user pairs")
	// ErrInvalidDuration is returned for non-positive intervals and ceilings.
	ErrInvalidDuration = errors.New("config: durations must be positive")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// Persistence. Empty keeps everything in memory.
	DatabasePath string `env:"DATABASE_PATH" json:"database_path,omitempty"`

	// Reconciliation settings
	PollInterval         time.Duration `env:"POLL_INTERVAL, default=30s" json:"poll_interval"`
	ReconcileConcurrency int           `env:"RECONCILE_CONCURRENCY, default=4" json:"reconcile_concurrency"`
	ClaimTTL             time.Duration `env:"CLAIM_TTL, default=2m" json:"claim_ttl"`
	MaxRetries           int           `env:"MAX_RETRIES, default=3" json:"max_retries"`

	// Runway settings (text to video)
	RunwayAPIKey  string `env:"RUNWAY_API_KEY" json:"-"` // Masked in JSON
	RunwayBaseURL string `env:"RUNWAY_BASE_URL" json:"runway_base_url,omitempty"`

	// RunPod settings (avatar)
	RunPodAPIKey     string `env:"RUNPOD_API_KEY" json:"-"` // Masked in JSON
	RunPodEndpointID string `env:"RUNPOD_ENDPOINT_ID" json:"runpod_endpoint_id,omitempty"`

	// Beam settings (avatar)
	BeamToken    string `env:"BEAM_TOKEN" json:"-"` // Masked in JSON
	BeamQueueURL string `env:"BEAM_QUEUE_URL" json:"beam_queue_url,omitempty"`

	// Provider timing
	TextMinGrace        time.Duration `env:"TEXT_MIN_GRACE, default=20s" json:"text_min_grace"`
	TextMaxProcessing   time.Duration `env:"TEXT_MAX_PROCESSING, default=5m" json:"text_max_processing"`
	AvatarMinGrace      time.Duration `env:"AVATAR_MIN_GRACE, default=60s" json:"avatar_min_grace"`
	AvatarMaxProcessing time.Duration `env:"AVATAR_MAX_PROCESSING, default=30m" json:"avatar_max_processing"`

	// Storage settings
	TempDir       string `env:"TEMP_DIR, default=/tmp/videogen" json:"temp_dir"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL" json:"public_base_url,omitempty"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	S3Prefix           string `env:"S3_PREFIX" json:"s3_prefix,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Events
	NATSURL           string `env:"NATS_URL" json:"nats_url,omitempty"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX, default=videogen" json:"nats_subject_prefix"`

	// Billing and auth
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET" json:"-"` // Masked in JSON
	AuthTokens          string `env:"AUTH_TOKENS" json:"-"`           // Masked in JSON

	// Media
	FFmpegPath  string `env:"FFMPEG_PATH" json:"ffmpeg_path,omitempty"`
	FFprobePath string `env:"FFPROBE_PATH" json:"ffprobe_path,omitempty"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != ""
}

// RunwayEnabled returns true if the Runway provider is configured.
func (c *Config) RunwayEnabled() bool {
	return c.RunwayAPIKey != ""
}

// RunPodEnabled returns true if the RunPod provider is configured.
func (c *Config) RunPodEnabled() bool {
	return c.RunPodAPIKey != ""
}

// BeamEnabled returns true if the Beam provider is configured.
func (c *Config) BeamEnabled() bool {
	return c.BeamToken != ""
}

// EventsEnabled returns true if job events are published to NATS.
func (c *Config) EventsEnabled() bool {
	return c.NATSURL != ""
}

// Load reads configuration from environment variables using go-envconfig
// and validates it.
func Load() (*Config, error) {
	return load(envconfig.OsLookuper())
}

func load(l envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}

	if err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   cfg,
		Lookuper: l,
	}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	if !c.RunwayEnabled() && !c.RunPodEnabled() && !c.BeamEnabled() {
		return ErrNoProviderConfigured
	}
	if c.RunPodEnabled() && c.RunPodEndpointID == "" {
		return ErrRunPodEndpointIDRequired
	}
	if c.BeamEnabled() && c.BeamQueueURL == "" {
		return ErrBeamQueueURLRequired
	}
	if c.S3Bucket != "" && c.S3Region == "" {
		return ErrS3RegionRequired
	}
	for _, d := range []time.Duration{c.PollInterval, c.ClaimTTL, c.TextMaxProcessing, c.AvatarMaxProcessing} {
		if d <= 0 {
			return ErrInvalidDuration
		}
	}
	if _, err := c.Tokens(); err != nil {
		return err
	}
	return nil
}

// Tokens parses AUTH_TOKENS ("token1:user1,token2:user2") into a token to
// user map.
func (c *Config) Tokens() (map[string]string, error) {
	tokens := make(map[string]string)
	if strings.TrimSpace(c.AuthTokens) == "" {
		return tokens, nil
	}
	for _, pair := range strings.Split(c.AuthTokens, ",") {
		token, user, ok := strings.Cut(strings.TrimSpace(pair), ":")
		token, user = strings.TrimSpace(token), strings.TrimSpace(user)
		if !ok || token == "" || user == "" {
			return nil, ErrInvalidAuthTokens
		}
		tokens[token] = user
	}
	return tokens, nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, DatabasePath: %s, PollInterval: %s, Runway: %t, RunPod: %t, Beam: %t, TempDir: %s, S3Bucket: %s, S3Region: %s, NATSURL: %s, Stripe: %t, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.DatabasePath,
		c.PollInterval,
		c.RunwayEnabled(),
		c.RunPodEnabled(),
		c.BeamEnabled(),
		c.TempDir,
		c.S3Bucket,
		c.S3Region,
		c.NATSURL,
		c.StripeWebhookSecret != "",
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

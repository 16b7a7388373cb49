package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// envPrefix is prepended to every variable name below, so the full
// names read KOLMODIN_PORT, KOLMODIN_TWITCH__CLIENT_ID, and so on.
// Nested sections use "__" as the separator, lists use ",".
const envPrefix = "KOLMODIN_"

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name (after the KOLMODIN_ prefix)
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Port        int    `env:"PORT" envDefault:"8080"`
	AdminAPIKey string `env:"ADMIN_API_KEY"`

	// CORS. An empty list allows every origin; set explicit origins in
	// production.
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	Twitch  TwitchConfig  `envPrefix:"TWITCH__"`
	Games   GamesConfig   `envPrefix:"GAMES__"`
	Content ContentConfig `envPrefix:"CONTENT__"`
	YouTube YouTubeConfig `envPrefix:"YOUTUBE__"`

	// Capacity
	MaxConnections int `env:"MAX_CONNECTIONS" envDefault:"500"`
	MaxGoroutines  int `env:"MAX_GOROUTINES" envDefault:"5000"`

	// Admission thresholds, relative to the container allocation when
	// running under cgroups, host otherwise.
	CPURejectThreshold float64 `env:"CPU_REJECT_THRESHOLD" envDefault:"85.0"`
	MemoryLimit        int64   `env:"MEMORY_LIMIT" envDefault:"536870912"` // 512MB

	// Rate limiting on the upgrade path
	ConnRatePerIP  float64 `env:"CONN_RATE_PER_IP" envDefault:"5.0"`
	ConnRateGlobal float64 `env:"CONN_RATE_GLOBAL" envDefault:"100.0"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// TwitchConfig carries the app credentials used for the
// client_credentials token flow. Both values are required.
type TwitchConfig struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
}

// GamesConfig selects which game types /api/create-lobby may build.
type GamesConfig struct {
	Enabled []string `env:"ENABLED" envSeparator:"," envDefault:"quiz,describe,clipqueue"`
	Default string   `env:"DEFAULT" envDefault:"quiz"`
}

// ContentConfig points at the JSON content pack (channel allow-list,
// quiz questions). Empty means built-in defaults.
type ContentConfig struct {
	Source string `env:"SOURCE"`
}

// YouTubeConfig is only required when the clipqueue game is enabled
// and requested.
type YouTubeConfig struct {
	APIKey string `env:"API_KEY"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
//
// Optional logger parameter for structured logging. If nil, stays quiet.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production supplies real
	// environment variables and has no file.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors. Required values have no
// defaults and fail here, before anything starts.
func (c *Config) Validate() error {
	if c.AdminAPIKey == "" {
		return fmt.Errorf("KOLMODIN_ADMIN_API_KEY is required")
	}
	if c.Twitch.ClientID == "" {
		return fmt.Errorf("KOLMODIN_TWITCH__CLIENT_ID is required")
	}
	if c.Twitch.ClientSecret == "" {
		return fmt.Errorf("KOLMODIN_TWITCH__CLIENT_SECRET is required")
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("KOLMODIN_PORT must be 1-65535, got %d", c.Port)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("KOLMODIN_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxGoroutines < 1 {
		return fmt.Errorf("KOLMODIN_MAX_GOROUTINES must be > 0, got %d", c.MaxGoroutines)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("KOLMODIN_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if len(c.Games.Enabled) == 0 {
		return fmt.Errorf("KOLMODIN_GAMES__ENABLED must list at least one game type")
	}
	if c.Games.Default == "" {
		return fmt.Errorf("KOLMODIN_GAMES__DEFAULT must not be empty")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("KOLMODIN_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("KOLMODIN_LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Addr returns the listen address derived from Port.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// GameEnabled reports whether a game-type tag appears in the enabled set.
func (c *Config) GameEnabled(tag string) bool {
	for _, g := range c.Games.Enabled {
		if g == tag {
			return true
		}
	}
	return false
}

// LogConfig logs the effective configuration. Secrets are reported as
// present/absent, never echoed.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Int("port", c.Port).
		Bool("admin_api_key_set", c.AdminAPIKey != "").
		Bool("twitch_client_id_set", c.Twitch.ClientID != "").
		Bool("twitch_client_secret_set", c.Twitch.ClientSecret != "").
		Bool("youtube_api_key_set", c.YouTube.APIKey != "").
		Strs("cors_allowed_origins", c.CORSAllowedOrigins).
		Strs("games_enabled", c.Games.Enabled).
		Str("games_default", c.Games.Default).
		Str("content_source", c.Content.Source).
		Int("max_connections", c.MaxConnections).
		Int("max_goroutines", c.MaxGoroutines).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Float64("conn_rate_per_ip", c.ConnRatePerIP).
		Float64("conn_rate_global", c.ConnRateGlobal).
		Dur("metrics_interval", c.MetricsInterval).
		Dur("shutdown_timeout", c.ShutdownTimeout).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}

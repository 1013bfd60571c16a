package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Gateway   GatewayConfig
	Terminal  TerminalConfig
	Auth      AuthConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8600"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// GatewayConfig holds upstream gateway connection configuration.
type GatewayConfig struct {
	URL            string        `envconfig:"GATEWAY_URL" default:"ws://localhost:18789/ws"`
	Token          string        `envconfig:"GATEWAY_TOKEN" default:""`
	CallTimeout    time.Duration `envconfig:"GATEWAY_CALL_TIMEOUT" default:"120s"`
	RunTimeout     time.Duration `envconfig:"GATEWAY_RUN_TIMEOUT" default:"180s"`
	DialTimeout    time.Duration `envconfig:"GATEWAY_DIAL_TIMEOUT" default:"10s"`
	ReconnectDelay time.Duration `envconfig:"GATEWAY_RECONNECT_DELAY" default:"2s"`
}

// TerminalConfig holds terminal session configuration.
type TerminalConfig struct {
	Shell        string        `envconfig:"TERMINAL_SHELL" default:""`
	PingInterval time.Duration `envconfig:"TERMINAL_PING_INTERVAL" default:"15s"`
	MaxSessions  int           `envconfig:"TERMINAL_MAX_SESSIONS" default:"32"`
}

// AuthConfig holds the dashboard session gate configuration.
type AuthConfig struct {
	Token   string `envconfig:"AUTH_TOKEN" default:""`
	Enabled bool   `envconfig:"AUTH_ENABLED" default:"false"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"50"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"100"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8600",
			Host: "0.0.0.0",
		},
		Gateway: GatewayConfig{
			URL:            "ws://localhost:18789/ws",
			CallTimeout:    120 * time.Second,
			RunTimeout:     180 * time.Second,
			DialTimeout:    10 * time.Second,
			ReconnectDelay: 2 * time.Second,
		},
		Terminal: TerminalConfig{
			PingInterval: 15 * time.Second,
			MaxSessions:  32,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           true,
		},
	}
}

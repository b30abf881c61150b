// Package config loads the gateway's configuration from a YAML file
// with environment variable overrides, following the layered
// file-then-env pattern used throughout the example pack's config
// loaders.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// SecurityConfig holds the accepted api-keys.
type SecurityConfig struct {
	Tokens []string `yaml:"tokens" env:"GATEWAY_SECURITY_TOKENS" envSeparator:","`
}

// RouterConfig controls C8's dispatch behavior.
type RouterConfig struct {
	HeartbeatTimeout      time.Duration `yaml:"heartbeat_timeout" env:"GATEWAY_ROUTER_HEARTBEAT_TIMEOUT"`
	RequestTimeout        time.Duration `yaml:"request_timeout" env:"GATEWAY_ROUTER_REQUEST_TIMEOUT"`
	// RetryAttempts is parsed for config-surface compatibility but is
	// not consulted anywhere: the router is a single-attempt
	// dispatcher. See DESIGN.md Open Question (b).
	RetryAttempts         int `yaml:"retry_attempts" env:"GATEWAY_ROUTER_RETRY_ATTEMPTS"`
	MaxConcurrentRequests int `yaml:"max_concurrent_requests" env:"GATEWAY_ROUTER_MAX_CONCURRENT_REQUESTS"`
}

// ConnectionPoolConfig controls C2, the forward channel pool.
type ConnectionPoolConfig struct {
	MaxConnections  int           `yaml:"max_connections" env:"GATEWAY_POOL_MAX_CONNECTIONS"`
	ConnectionTTL   time.Duration `yaml:"connection_ttl" env:"GATEWAY_POOL_CONNECTION_TTL"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"GATEWAY_POOL_IDLE_TIMEOUT"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"GATEWAY_POOL_CLEANUP_INTERVAL"`
}

// ServerConfig controls the gateway's two listeners and log verbosity:
// a gRPC address for backend registration/tunnels (C7), and an HTTP/2
// cleartext address for client requests (C8).
type ServerConfig struct {
	Address     string `yaml:"address" env:"GATEWAY_SERVER_ADDRESS"`
	HTTPAddress string `yaml:"http_address" env:"GATEWAY_SERVER_HTTP_ADDRESS"`
	LogLevel    string `yaml:"log_level" env:"GATEWAY_SERVER_LOG_LEVEL"`
}

// ReverseConnectionConfig controls C5, the reverse manager.
type ReverseConnectionConfig struct {
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout" env:"GATEWAY_REVERSE_HEARTBEAT_TIMEOUT"`
	RequestTimeout    time.Duration `yaml:"request_timeout" env:"GATEWAY_REVERSE_REQUEST_TIMEOUT"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval" env:"GATEWAY_REVERSE_CLEANUP_INTERVAL"`
	MaxPendingRequests int          `yaml:"max_pending_requests" env:"GATEWAY_REVERSE_MAX_PENDING_REQUESTS"`
	MaxBodySize        int64        `yaml:"max_body_size" env:"GATEWAY_REVERSE_MAX_BODY_SIZE"`
}

// EventConfig controls C6, the event bus.
type EventConfig struct {
	MaxSubscribersPerType int  `yaml:"max_subscribers_per_type" env:"GATEWAY_EVENT_MAX_SUBSCRIBERS_PER_TYPE"`
	ChannelCapacity       int  `yaml:"channel_capacity" env:"GATEWAY_EVENT_CHANNEL_CAPACITY"`
	EnableMetrics         bool `yaml:"enable_metrics" env:"GATEWAY_EVENT_ENABLE_METRICS"`
}

// Config is the full configuration surface from spec.md §6.
type Config struct {
	Security         SecurityConfig         `yaml:"security"`
	Router           RouterConfig           `yaml:"router"`
	ConnectionPool   ConnectionPoolConfig   `yaml:"connection_pool"`
	Server           ServerConfig           `yaml:"server"`
	ReverseConnection ReverseConnectionConfig `yaml:"reverse_connection"`
	Event            EventConfig            `yaml:"event"`
}

// Default returns the configuration with every documented default
// applied, grounded on original_source/src/services/connection/types.rs's
// ReverseConnectionConfig::default() and config.rs's per-section defaults.
func Default() *Config {
	return &Config{
		Router: RouterConfig{
			HeartbeatTimeout:      120 * time.Second,
			RequestTimeout:        30 * time.Second,
			RetryAttempts:         0,
			MaxConcurrentRequests: 1000,
		},
		ConnectionPool: ConnectionPoolConfig{
			MaxConnections:  500,
			ConnectionTTL:   10 * time.Minute,
			IdleTimeout:     2 * time.Minute,
			CleanupInterval: time.Minute,
		},
		Server: ServerConfig{
			Address:     "0.0.0.0:50051",
			HTTPAddress: "0.0.0.0:8080",
			LogLevel:    "info",
		},
		ReverseConnection: ReverseConnectionConfig{
			HeartbeatTimeout:   120 * time.Second,
			RequestTimeout:     30 * time.Second,
			CleanupInterval:    60 * time.Second,
			MaxPendingRequests: 1000,
			MaxBodySize:        100 << 20, // 100 MiB, original_source handler.rs MAX_BODY_SIZE
		},
		Event: EventConfig{
			MaxSubscribersPerType: 100,
			ChannelCapacity:       256,
			EnableMetrics:         false,
		},
	}
}

// Load reads path (if non-empty and present) over the defaults, then
// applies environment variable overrides. A missing path is not an
// error: the gateway can run on defaults plus env vars alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: apply env overrides: %w", err)
	}

	return cfg, nil
}

// ValidateToken reports whether apiKey is one of the accepted tokens.
func (c *Config) ValidateToken(apiKey string) bool {
	if apiKey == "" {
		return false
	}
	for _, t := range c.Security.Tokens {
		if strings.TrimSpace(t) == apiKey {
			return true
		}
	}
	return false
}

// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	Site      SiteConfig      `yaml:"site"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// CryptoConfig holds the at-rest encryption key.
type CryptoConfig struct {
	EncryptionKey string `yaml:"encryption_key"` // 64 hex chars (32 bytes)
}

// SiteConfig holds deployment URLs and CORS settings.
type SiteConfig struct {
	// SiteURL is the public base URL of this gateway, used to build the
	// OAuth redirect URL.
	SiteURL string `yaml:"site_url"`
	// ClientURLs is the comma-separated list of dashboard origins allowed
	// to call the session-gated endpoints.
	ClientURLs string `yaml:"client_urls"`
	// SessionEndpoint is the external endpoint that validates a dashboard
	// session; cookie and Authorization headers are forwarded to it.
	SessionEndpoint string `yaml:"session_endpoint"`
	// CORSAllowedOrigins optionally restricts API CORS. Empty means "*".
	CORSAllowedOrigins string `yaml:"cors_allowed_origins"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ClientURLList returns the parsed dashboard origins.
func (s SiteConfig) ClientURLList() []string {
	return splitCSV(s.ClientURLs)
}

// CORSOrigins returns the configured CORS allow-list, or nil for "allow any".
func (s SiteConfig) CORSOrigins() []string {
	return splitCSV(s.CORSAllowedOrigins)
}

// OAuthRedirectURL is the callback registered with the OAuth provider.
func (s SiteConfig) OAuthRedirectURL() string {
	return strings.TrimSuffix(s.SiteURL, "/") + "/api/oauth/callback"
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    300 * time.Second, // streams stay open for minutes
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "strider.db",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the required fields a running gateway cannot do without.
func (c *Config) Validate() error {
	key, err := hex.DecodeString(c.Crypto.EncryptionKey)
	if err != nil || len(key) != 32 {
		return fmt.Errorf("config: crypto.encryption_key must be 64 hex characters")
	}
	if c.Site.SiteURL == "" {
		return fmt.Errorf("config: site.site_url is required")
	}
	if len(c.Site.ClientURLList()) == 0 {
		return fmt.Errorf("config: site.client_urls is required")
	}
	return nil
}

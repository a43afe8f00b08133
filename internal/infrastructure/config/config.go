// Package config loads server configuration from the environment, with an
// optional YAML file overlaying the parsed values.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Transport names accepted by the serve command.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportSSE   = "sse"
	TransportWS    = "ws"
)

// Config is the full server configuration.
type Config struct {
	BaseURL string `env:"OPENPROJECT_BASE_URL" yaml:"base_url"`
	APIKey  string `env:"OPENPROJECT_API_KEY" yaml:"api_key"`

	MaxConnections int           `env:"OPMCP_MAX_CONNECTIONS" envDefault:"10" yaml:"max_connections"`
	Timeout        time.Duration `env:"OPMCP_TIMEOUT" envDefault:"30s" yaml:"timeout"`
	ToolTimeout    time.Duration `env:"OPMCP_TOOL_TIMEOUT" envDefault:"60s" yaml:"tool_timeout"`

	Transport string `env:"OPMCP_TRANSPORT" envDefault:"stdio" yaml:"transport"`
	Addr      string `env:"OPMCP_ADDR" envDefault:":8080" yaml:"addr"`
	AuthToken string `env:"OPMCP_AUTH_TOKEN" yaml:"auth_token"`

	Debug bool `env:"DEBUG" yaml:"debug"`
}

// Load parses the environment and, when path is non-empty, overlays the
// YAML file on top. File values win only where they are set, so a sparse
// file can override a single field without clobbering env defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("unmarshal config file: %w", err)
	}

	if file.BaseURL != "" {
		cfg.BaseURL = file.BaseURL
	}
	if file.APIKey != "" {
		cfg.APIKey = file.APIKey
	}
	if file.MaxConnections != 0 {
		cfg.MaxConnections = file.MaxConnections
	}
	if file.Timeout != 0 {
		cfg.Timeout = file.Timeout
	}
	if file.ToolTimeout != 0 {
		cfg.ToolTimeout = file.ToolTimeout
	}
	if file.Transport != "" {
		cfg.Transport = file.Transport
	}
	if file.Addr != "" {
		cfg.Addr = file.Addr
	}
	if file.AuthToken != "" {
		cfg.AuthToken = file.AuthToken
	}
	if file.Debug {
		cfg.Debug = true
	}
	return nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("OPENPROJECT_BASE_URL is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("OPENPROJECT_BASE_URL %q is not an http(s) URL", c.BaseURL)
	}
	if c.APIKey == "" {
		return fmt.Errorf("OPENPROJECT_API_KEY is required")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("OPMCP_MAX_CONNECTIONS must be positive, got %d", c.MaxConnections)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("OPMCP_TIMEOUT must be positive, got %s", c.Timeout)
	}
	switch c.Transport {
	case TransportStdio, TransportHTTP, TransportSSE, TransportWS:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	return nil
}

// String renders the config for logs with the secret redacted.
func (c *Config) String() string {
	return fmt.Sprintf("base_url=%s api_key=%s transport=%s addr=%s max_connections=%d timeout=%s",
		c.BaseURL, redact(c.APIKey), c.Transport, c.Addr, c.MaxConnections, c.Timeout)
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "***"
	}
	return "***" + secret[len(secret)-4:]
}

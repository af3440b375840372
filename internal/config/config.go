// Package config loads and validates the gateway configuration. Every check
// happens at load time: an invalid configuration is a startup error, never a
// per-request one.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/microshop/gateway/internal/ratelimit"
)

// Config is the full gateway configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	CORS      CORSConfig      `yaml:"cors"`
	Identity  IdentityConfig  `yaml:"identity"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Health    HealthConfig    `yaml:"health"`
	Shutdown  ShutdownConfig  `yaml:"shutdown"`
	Backends  []BackendConfig `yaml:"backends"`
	Routes    []RouteConfig   `yaml:"routes"`
}

// CORSConfig controls cross-origin handling on the inbound surface.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// IdentityConfig points at the identity service's verification endpoint.
type IdentityConfig struct {
	VerifyURL string        `yaml:"verify_url"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	CacheSize int           `yaml:"cache_size"`
}

// RateLimitConfig is the admission policy.
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
	Burst    int           `yaml:"burst"`
	Scope    string        `yaml:"scope"`
	IdleTTL  time.Duration `yaml:"idle_ttl"`
}

// BreakerConfig tunes the per-backend circuit breakers.
type BreakerConfig struct {
	FailureRatio   float64       `yaml:"failure_ratio"`
	MinSamples     int           `yaml:"min_samples"`
	Interval       time.Duration `yaml:"interval"`
	CoolDown       time.Duration `yaml:"cool_down"`
	HalfOpenProbes int           `yaml:"half_open_probes"`
}

// HealthConfig tunes backend health probing.
type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ShutdownConfig bounds the drain period on termination.
type ShutdownConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}

// BackendConfig describes one downstream service.
type BackendConfig struct {
	Name       string        `yaml:"name"`
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	HealthPath string        `yaml:"health_path"`
	Enabled    *bool         `yaml:"enabled"`
}

// IsEnabled reports the enabled flag, defaulting to true when omitted.
func (b BackendConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// RouteConfig describes one inbound route.
type RouteConfig struct {
	Pattern      string `yaml:"pattern"`
	Method       string `yaml:"method"`
	Backend      string `yaml:"backend"`
	StripPrefix  bool   `yaml:"strip_prefix"`
	AuthRequired bool   `yaml:"auth_required"`
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse defaults and validates configuration from raw YAML.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Identity.Timeout <= 0 {
		c.Identity.Timeout = 5 * time.Second
	}
	if c.Identity.CacheTTL <= 0 {
		c.Identity.CacheTTL = 5 * time.Minute
	}
	if c.Identity.CacheSize <= 0 {
		c.Identity.CacheSize = 1024
	}
	if c.RateLimit.Scope == "" {
		c.RateLimit.Scope = string(ratelimit.ScopePerIP)
	}
	if c.Breaker.FailureRatio <= 0 {
		c.Breaker.FailureRatio = 0.6
	}
	if c.Breaker.MinSamples <= 0 {
		c.Breaker.MinSamples = 3
	}
	if c.Breaker.Interval <= 0 {
		c.Breaker.Interval = 10 * time.Second
	}
	if c.Breaker.CoolDown <= 0 {
		c.Breaker.CoolDown = 30 * time.Second
	}
	if c.Breaker.HalfOpenProbes <= 0 {
		c.Breaker.HalfOpenProbes = 3
	}
	if c.Health.Interval <= 0 {
		c.Health.Interval = 30 * time.Second
	}
	if c.Health.Timeout <= 0 {
		c.Health.Timeout = 5 * time.Second
	}
	if c.Shutdown.GracePeriod <= 0 {
		c.Shutdown.GracePeriod = 15 * time.Second
	}
	for i := range c.Backends {
		if c.Backends[i].Timeout <= 0 {
			c.Backends[i].Timeout = 10 * time.Second
		}
		if c.Backends[i].HealthPath == "" {
			c.Backends[i].HealthPath = "/health"
		}
	}
}

// Validate rejects any configuration the gateway cannot serve correctly.
func (c *Config) Validate() error {
	if err := c.RateLimitPolicy().Validate(); err != nil {
		return err
	}
	if c.Breaker.FailureRatio > 1 {
		return fmt.Errorf("breaker failure_ratio must be in (0, 1], got %v", c.Breaker.FailureRatio)
	}

	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend must be configured")
	}
	names := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend name must not be empty")
		}
		if names[b.Name] {
			return fmt.Errorf("duplicate backend %q", b.Name)
		}
		names[b.Name] = true

		u, err := url.Parse(b.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("backend %q: invalid url %q", b.Name, b.URL)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("backend %q: unsupported scheme %q", b.Name, u.Scheme)
		}
		if !strings.HasPrefix(b.HealthPath, "/") {
			return fmt.Errorf("backend %q: health_path must start with /", b.Name)
		}
	}

	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one route must be configured")
	}
	authRequired := false
	for _, rt := range c.Routes {
		if !strings.HasPrefix(rt.Pattern, "/") {
			return fmt.Errorf("route pattern %q must start with /", rt.Pattern)
		}
		if !names[rt.Backend] {
			return fmt.Errorf("route %q references unknown backend %q", rt.Pattern, rt.Backend)
		}
		if rt.AuthRequired {
			authRequired = true
		}
	}

	if authRequired {
		if c.Identity.VerifyURL == "" {
			return fmt.Errorf("identity verify_url is required when any route has auth_required")
		}
		if _, err := url.ParseRequestURI(c.Identity.VerifyURL); err != nil {
			return fmt.Errorf("identity verify_url: %w", err)
		}
	}
	return nil
}

// RateLimitPolicy converts the YAML section to the limiter's config type.
func (c *Config) RateLimitPolicy() ratelimit.Config {
	return ratelimit.Config{
		Enabled:  c.RateLimit.Enabled,
		Requests: c.RateLimit.Requests,
		Window:   c.RateLimit.Window,
		Burst:    c.RateLimit.Burst,
		Scope:    ratelimit.Scope(c.RateLimit.Scope),
		IdleTTL:  c.RateLimit.IdleTTL,
	}
}

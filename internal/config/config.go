// Package config provides gateway configuration management using Viper.
// Configuration is loaded once at startup from environment variables and an
// optional config file; the resulting value is immutable and passed by
// reference to every component.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all gateway configuration.
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Auth      AuthConfig
	Admin     AdminConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
	Breaker   BreakerConfig
	Proxy     ProxyConfig
	Health    HealthConfig

	// Services statically registered at startup.
	Services []ServiceConfig
	// Routes mapped onto services by path prefix.
	Routes []RouteConfig
	// CriticalServices must each have a healthy instance for readiness.
	CriticalServices []string
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host        string
	Port        int
	Environment string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	ShutdownTimeout time.Duration
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// AuthConfig holds token verification settings.
type AuthConfig struct {
	// SigningKey is the shared secret used to verify bearer tokens.
	SigningKey string
	// Algorithm is the expected signing algorithm (HS256, HS384, HS512).
	Algorithm string
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	// KeyHash is the bcrypt hash of the operator key accepted in
	// X-Admin-Key as an alternative to an operator-role token.
	KeyHash string
	// Roles allowed to call mutating admin endpoints.
	Roles []string
}

// CORSConfig holds cross-origin settings for proxied routes.
type CORSConfig struct {
	// Origins is the allowed origin list; "*" permits any origin.
	Origins []string
	MaxAge  time.Duration
}

// RatePolicyConfig holds one rate-limit policy.
type RatePolicyConfig struct {
	Requests int
	Window   time.Duration
}

// RateLimitConfig holds the two route-group policies.
type RateLimitConfig struct {
	// General applies to ordinary proxied routes.
	General RatePolicyConfig
	// Auth applies to auth-endpoint route groups and counts only failures.
	Auth RatePolicyConfig
	// TrustedProxies is the number of proxy hops in front of the gateway
	// whose X-Forwarded-For entries are trusted.
	TrustedProxies int
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	VolumeThreshold        int
	ErrorThresholdFraction float64
	ResetTimeout           time.Duration
	WindowDuration         time.Duration
	WindowSize             int
}

// ProxyConfig holds forwarding settings.
type ProxyConfig struct {
	// MaxBodyBytes is the hard request body cap.
	MaxBodyBytes int64
	// UpstreamTimeout is the default per-service request timeout.
	UpstreamTimeout time.Duration
	// MaxConcurrentPerService caps in-flight upstream calls per service.
	MaxConcurrentPerService int

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// HealthConfig holds prober settings.
type HealthConfig struct {
	ProbeInterval   time.Duration
	ProbeTimeout    time.Duration
	ShutdownGrace   time.Duration
	HeartbeatExpiry time.Duration
}

// ServiceConfig describes one statically registered service.
type ServiceConfig struct {
	Name            string        `mapstructure:"name"`
	URL             string        `mapstructure:"url"`
	HealthCheckPath string        `mapstructure:"health_check_path"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Version         string        `mapstructure:"version"`
}

// RouteConfig maps a path prefix onto a service.
type RouteConfig struct {
	Prefix  string `mapstructure:"prefix"`
	Service string `mapstructure:"service"`
	// Rewrite, when set, replaces Prefix on the upstream path (single pass).
	Rewrite string `mapstructure:"rewrite"`
	// Auth is one of "public", "optional", "required".
	Auth string `mapstructure:"auth"`
	// RatePolicy is one of "general", "auth".
	RatePolicy string `mapstructure:"rate_policy"`
}

// Auth policy names accepted in RouteConfig.Auth.
const (
	AuthPublic   = "public"
	AuthOptional = "optional"
	AuthRequired = "required"
)

// Rate policy names accepted in RouteConfig.RatePolicy.
const (
	RatePolicyGeneral = "general"
	RatePolicyAuth    = "auth"
)

// Load reads configuration from environment variables and config files.
// Environment variables take precedence over config file values.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/kestrel")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Port:            v.GetInt("server.port"),
			Environment:     v.GetString("server.env"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			IdleTimeout:     v.GetDuration("server.idle_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Auth: AuthConfig{
			SigningKey: v.GetString("auth.signing_key"),
			Algorithm:  v.GetString("auth.algorithm"),
		},
		Admin: AdminConfig{
			KeyHash: v.GetString("admin.key_hash"),
			Roles:   v.GetStringSlice("admin.roles"),
		},
		CORS: CORSConfig{
			Origins: splitAndTrim(v.GetString("cors.origins")),
			MaxAge:  v.GetDuration("cors.max_age"),
		},
		RateLimit: RateLimitConfig{
			General: RatePolicyConfig{
				Requests: v.GetInt("rate_limit.general.requests"),
				Window:   v.GetDuration("rate_limit.general.window"),
			},
			Auth: RatePolicyConfig{
				Requests: v.GetInt("rate_limit.auth.requests"),
				Window:   v.GetDuration("rate_limit.auth.window"),
			},
			TrustedProxies: v.GetInt("rate_limit.trusted_proxies"),
		},
		Breaker: BreakerConfig{
			VolumeThreshold:        v.GetInt("breaker.volume_threshold"),
			ErrorThresholdFraction: v.GetFloat64("breaker.error_threshold"),
			ResetTimeout:           v.GetDuration("breaker.reset_timeout"),
			WindowDuration:         v.GetDuration("breaker.window_duration"),
			WindowSize:             v.GetInt("breaker.window_size"),
		},
		Proxy: ProxyConfig{
			MaxBodyBytes:            v.GetInt64("proxy.max_body_bytes"),
			UpstreamTimeout:         v.GetDuration("proxy.upstream_timeout"),
			MaxConcurrentPerService: v.GetInt("proxy.max_concurrent_per_service"),
			MaxIdleConns:            v.GetInt("proxy.max_idle_conns"),
			MaxIdleConnsPerHost:     v.GetInt("proxy.max_idle_conns_per_host"),
			IdleConnTimeout:         v.GetDuration("proxy.idle_conn_timeout"),
		},
		Health: HealthConfig{
			ProbeInterval:   v.GetDuration("health.probe_interval"),
			ProbeTimeout:    v.GetDuration("health.probe_timeout"),
			ShutdownGrace:   v.GetDuration("health.shutdown_grace"),
			HeartbeatExpiry: v.GetDuration("health.heartbeat_expiry"),
		},
		CriticalServices: v.GetStringSlice("critical_services"),
	}

	if err := v.UnmarshalKey("services", &cfg.Services); err != nil {
		return nil, fmt.Errorf("invalid services config: %w", err)
	}
	if err := v.UnmarshalKey("routes", &cfg.Routes); err != nil {
		return nil, fmt.Errorf("invalid routes config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.env", "development")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("auth.algorithm", "HS256")

	v.SetDefault("admin.roles", []string{"operator", "admin"})

	v.SetDefault("cors.origins", "*")
	v.SetDefault("cors.max_age", "5m")

	v.SetDefault("rate_limit.general.requests", 100)
	v.SetDefault("rate_limit.general.window", "15m")
	v.SetDefault("rate_limit.auth.requests", 5)
	v.SetDefault("rate_limit.auth.window", "15m")
	v.SetDefault("rate_limit.trusted_proxies", 0)

	v.SetDefault("breaker.volume_threshold", 20)
	v.SetDefault("breaker.error_threshold", 0.5)
	v.SetDefault("breaker.reset_timeout", "30s")
	v.SetDefault("breaker.window_duration", "10s")
	v.SetDefault("breaker.window_size", 100)

	v.SetDefault("proxy.max_body_bytes", 10<<20)
	v.SetDefault("proxy.upstream_timeout", "5s")
	v.SetDefault("proxy.max_concurrent_per_service", 64)
	v.SetDefault("proxy.max_idle_conns", 100)
	v.SetDefault("proxy.max_idle_conns_per_host", 20)
	v.SetDefault("proxy.idle_conn_timeout", "90s")

	v.SetDefault("health.probe_interval", "30s")
	v.SetDefault("health.probe_timeout", "5s")
	v.SetDefault("health.shutdown_grace", "5s")
	v.SetDefault("health.heartbeat_expiry", "90s")
}

// Validate checks that required values are present and cross-references
// routes against services. Validation failures are fatal at startup.
func (c *Config) Validate() error {
	var missing []string

	if c.Auth.SigningKey == "" {
		missing = append(missing, "AUTH_SIGNING_KEY")
	}
	switch c.Auth.Algorithm {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("unsupported auth algorithm: %s", c.Auth.Algorithm)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	names := make(map[string]bool, len(c.Services))
	for i, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("services[%d]: name is required", i)
		}
		if _, err := url.ParseRequestURI(svc.URL); err != nil {
			return fmt.Errorf("services[%d] %q: invalid url: %w", i, svc.Name, err)
		}
		if svc.HealthCheckPath == "" {
			return fmt.Errorf("services[%d] %q: health_check_path is required", i, svc.Name)
		}
		names[svc.Name] = true
	}

	for i, rt := range c.Routes {
		if !strings.HasPrefix(rt.Prefix, "/") {
			return fmt.Errorf("routes[%d]: prefix must start with /", i)
		}
		if rt.Service == "" {
			return fmt.Errorf("routes[%d] %q: service is required", i, rt.Prefix)
		}
		switch rt.Auth {
		case "", AuthPublic, AuthOptional, AuthRequired:
		default:
			return fmt.Errorf("routes[%d] %q: unknown auth policy %q", i, rt.Prefix, rt.Auth)
		}
		switch rt.RatePolicy {
		case "", RatePolicyGeneral, RatePolicyAuth:
		default:
			return fmt.Errorf("routes[%d] %q: unknown rate policy %q", i, rt.Prefix, rt.RatePolicy)
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

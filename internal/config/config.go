// Package config provides configuration loading and validation for the
// auth gateway.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level gateway configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" json:"server"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty"`

	// Keycloak configures the identity provider integration.
	Keycloak KeycloakConfig `yaml:"keycloak" json:"keycloak"`

	// RateLimit configures request rate limiting.
	RateLimit RateLimitConfig `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`

	// Metrics configures the Prometheus metrics endpoint.
	Metrics MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Address is the listen address (host, optional).
	Address string `yaml:"address,omitempty" json:"address,omitempty"`

	// Port is the listen port.
	Port int `yaml:"port" json:"port"`

	// ReadTimeout is the maximum duration for reading a request.
	ReadTimeout Duration `yaml:"readTimeout,omitempty" json:"readTimeout,omitempty"`

	// WriteTimeout is the maximum duration for writing a response.
	WriteTimeout Duration `yaml:"writeTimeout,omitempty" json:"writeTimeout,omitempty"`

	// IdleTimeout is the maximum idle time for keep-alive connections.
	IdleTimeout Duration `yaml:"idleTimeout,omitempty" json:"idleTimeout,omitempty"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level,omitempty" json:"level,omitempty"`

	// Format is the log format (json, console).
	Format string `yaml:"format,omitempty" json:"format,omitempty"`

	// Output is the log destination (stdout, stderr).
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// ClientCredentials holds an OAuth2 client id/secret pair.
type ClientCredentials struct {
	// ClientID is the OAuth2 client identifier.
	ClientID string `yaml:"clientId" json:"clientId"`

	// ClientSecret is the OAuth2 client secret.
	ClientSecret string `yaml:"clientSecret,omitempty" json:"clientSecret,omitempty"`
}

// KeycloakConfig holds identity provider settings.
type KeycloakConfig struct {
	// ServerURI is the base URI of the Keycloak server.
	ServerURI string `yaml:"serverUri" json:"serverUri"`

	// Realm is the Keycloak realm name.
	Realm string `yaml:"realm" json:"realm"`

	// Client is the user-facing OAuth2 client, used for password grants.
	Client ClientCredentials `yaml:"client" json:"client"`

	// AdminClient is the privileged OAuth2 client, used for
	// client-credentials grants, user administration and introspection.
	AdminClient ClientCredentials `yaml:"adminClient" json:"adminClient"`

	// RequestTimeout bounds outbound calls to the provider.
	RequestTimeout Duration `yaml:"requestTimeout,omitempty" json:"requestTimeout,omitempty"`

	// InitTimeout bounds the best-effort startup discovery.
	InitTimeout Duration `yaml:"initTimeout,omitempty" json:"initTimeout,omitempty"`

	// Breaker configures the circuit breaker for provider calls.
	Breaker BreakerConfig `yaml:"breaker,omitempty" json:"breaker,omitempty"`
}

// BreakerConfig holds circuit breaker settings for outbound provider calls.
type BreakerConfig struct {
	// Enabled enables the circuit breaker.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Threshold is the request count before the failure ratio is evaluated.
	Threshold int `yaml:"threshold,omitempty" json:"threshold,omitempty"`

	// Timeout is how long the breaker stays open before probing.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	// Enabled enables rate limiting.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// RPS is the allowed requests per second.
	RPS int `yaml:"rps,omitempty" json:"rps,omitempty"`

	// Burst is the allowed burst size.
	Burst int `yaml:"burst,omitempty" json:"burst,omitempty"`

	// PerClient applies the limit per client IP instead of globally.
	PerClient bool `yaml:"perClient,omitempty" json:"perClient,omitempty"`
}

// MetricsConfig holds metrics endpoint settings.
type MetricsConfig struct {
	// Enabled enables the metrics endpoint.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Path is the metrics endpoint path.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// DefaultConfig returns a Config with default values. Keycloak settings
// have no defaults; they are required and validated explicitly.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(30 * time.Second),
			IdleTimeout:  Duration(120 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Keycloak: KeycloakConfig{
			RequestTimeout: Duration(30 * time.Second),
			InitTimeout:    Duration(10 * time.Second),
			Breaker: BreakerConfig{
				Threshold: 5,
				Timeout:   Duration(30 * time.Second),
			},
		},
		RateLimit: RateLimitConfig{
			RPS:   100,
			Burst: 200,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// applyDefaults fills zero values with defaults after unmarshalling.
func (c *Config) applyDefaults() {
	d := DefaultConfig()

	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = d.Server.ReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = d.Server.WriteTimeout
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = d.Server.IdleTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
	if c.Logging.Output == "" {
		c.Logging.Output = d.Logging.Output
	}
	if c.Keycloak.RequestTimeout == 0 {
		c.Keycloak.RequestTimeout = d.Keycloak.RequestTimeout
	}
	if c.Keycloak.InitTimeout == 0 {
		c.Keycloak.InitTimeout = d.Keycloak.InitTimeout
	}
	if c.Keycloak.Breaker.Threshold == 0 {
		c.Keycloak.Breaker.Threshold = d.Keycloak.Breaker.Threshold
	}
	if c.Keycloak.Breaker.Timeout == 0 {
		c.Keycloak.Breaker.Timeout = d.Keycloak.Breaker.Timeout
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = d.RateLimit.RPS
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = d.RateLimit.Burst
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = d.Metrics.Path
	}
}

// Validate checks that the configuration is complete. Required identity
// provider settings are validated here so the process fails at startup,
// not at first use.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}
	if err := c.Keycloak.Validate(); err != nil {
		return fmt.Errorf("keycloak: %w", err)
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("rateLimit: rps must be positive")
	}
	return nil
}

// Validate checks the identity provider settings.
func (k *KeycloakConfig) Validate() error {
	if k.ServerURI == "" {
		return fmt.Errorf("serverUri is required")
	}
	if k.Realm == "" {
		return fmt.Errorf("realm is required")
	}
	if k.Client.ClientID == "" {
		return fmt.Errorf("client.clientId is required")
	}
	if k.AdminClient.ClientID == "" {
		return fmt.Errorf("adminClient.clientId is required")
	}
	if k.AdminClient.ClientSecret == "" {
		return fmt.Errorf("adminClient.clientSecret is required")
	}
	return nil
}

package keycloak

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mvhysko/authgw/internal/observability"
)

// BreakerConfig controls the circuit breaker on provider HTTP traffic.
type BreakerConfig struct {
	Enabled   bool
	Threshold int
	Timeout   time.Duration
}

// Config carries everything the gateway needs to talk to a Keycloak
// realm.
type Config struct {
	ServerURI   string
	Realm       string
	Client      Credentials
	AdminClient Credentials

	RequestTimeout time.Duration
	InitTimeout    time.Duration
	Breaker        BreakerConfig
}

// Gateway is the facade over discovery, key caching, token acquisition,
// verification, registration and introspection for a single realm.
type Gateway struct {
	cfg Config

	discovery     *Discovery
	keys          *Keys
	tokens        *TokenClient
	verifier      *Verifier
	admin         *AdminClient
	introspection *IntrospectionClient

	logger  observability.Logger
	metrics *Metrics
}

// GatewayOption is a functional option for the gateway.
type GatewayOption func(*Gateway)

// WithGatewayLogger sets the logger.
func WithGatewayLogger(logger observability.Logger) GatewayOption {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithGatewayMetrics sets the metrics.
func WithGatewayMetrics(metrics *Metrics) GatewayOption {
	return func(g *Gateway) {
		g.metrics = metrics
	}
}

// New creates a gateway for the configured realm. Missing server URI,
// realm or client credentials fail immediately rather than at first use.
func New(cfg Config, opts ...GatewayOption) (*Gateway, error) {
	if cfg.ServerURI == "" {
		return nil, NewConfigError("serverUri", "server URI is required")
	}
	if cfg.Realm == "" {
		return nil, NewConfigError("realm", "realm is required")
	}
	if cfg.Client.ClientID == "" {
		return nil, NewConfigError("client.clientId", "client id is required")
	}
	if cfg.AdminClient.ClientID == "" {
		return nil, NewConfigError("adminClient.clientId", "admin client id is required")
	}
	if cfg.AdminClient.ClientSecret == "" {
		return nil, NewConfigError("adminClient.clientSecret", "admin client secret is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 10 * time.Second
	}

	g := &Gateway{
		cfg:    cfg,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.metrics == nil {
		g.metrics = NewMetrics("authgw")
	}

	var transport http.RoundTripper = http.DefaultTransport
	if cfg.Breaker.Enabled {
		transport = newBreakerTransport(nil, cfg.Breaker.Threshold, cfg.Breaker.Timeout, g.logger)
	}
	httpClient := &http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: transport,
	}

	var err error
	g.discovery, err = NewDiscovery(cfg.ServerURI, cfg.Realm,
		WithDiscoveryHTTPClient(httpClient),
		WithDiscoveryLogger(g.logger),
		WithDiscoveryMetrics(g.metrics),
	)
	if err != nil {
		return nil, err
	}

	g.keys, err = NewKeys(g.discovery,
		WithKeysHTTPClient(httpClient),
		WithKeysLogger(g.logger),
		WithKeysMetrics(g.metrics),
	)
	if err != nil {
		return nil, err
	}

	g.tokens, err = NewTokenClient(g.discovery, cfg.Client, cfg.AdminClient,
		WithTokenHTTPClient(httpClient),
		WithTokenLogger(g.logger),
		WithTokenMetrics(g.metrics),
	)
	if err != nil {
		return nil, err
	}

	g.verifier, err = NewVerifier(g.discovery, g.keys,
		WithVerifierLogger(g.logger),
		WithVerifierMetrics(g.metrics),
	)
	if err != nil {
		return nil, err
	}

	g.admin, err = NewAdminClient(cfg.ServerURI, cfg.Realm, g.tokens,
		WithAdminHTTPClient(httpClient),
		WithAdminLogger(g.logger),
		WithAdminMetrics(g.metrics),
	)
	if err != nil {
		return nil, err
	}

	g.introspection, err = NewIntrospectionClient(g.discovery, g.tokens,
		WithIntrospectionHTTPClient(httpClient),
		WithIntrospectionLogger(g.logger),
		WithIntrospectionMetrics(g.metrics),
	)
	if err != nil {
		return nil, err
	}

	return g, nil
}

// Initialize warms the discovery and key caches. Failures are logged and
// swallowed so a temporarily unreachable provider does not block startup;
// verification stays unavailable until a later refresh succeeds.
func (g *Gateway) Initialize(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.InitTimeout)
	defer cancel()

	if _, err := g.discovery.Refresh(ctx); err != nil {
		g.logger.Warn("discovery warm-up failed, continuing without cached metadata",
			observability.Error(err),
		)
		return
	}

	if err := g.keys.Refresh(ctx); err != nil {
		g.logger.Warn("key cache warm-up failed, continuing without cached keys",
			observability.Error(err),
		)
	}
}

// GenerateToken acquires a token from the provider. See
// TokenClient.GenerateToken for grant selection.
func (g *Gateway) GenerateToken(ctx context.Context, user *UserCredentials) (*Token, error) {
	return g.tokens.GenerateToken(ctx, user)
}

// VerifyToken verifies a serialized token against the cached key set.
// When keyID is empty it is taken from the token header. An unknown key
// id triggers one key cache refresh and a single retry, which absorbs
// provider key rotation without restarting.
func (g *Gateway) VerifyToken(ctx context.Context, token, keyID string) (*Claims, error) {
	if keyID == "" {
		kid, err := KeyIDFromToken(token)
		if err != nil {
			return nil, err
		}
		keyID = kid
	}

	claims, err := g.verifier.Verify(ctx, token, keyID)
	if err == nil || !errors.Is(err, ErrKeyNotFound) {
		return claims, err
	}

	if refreshErr := g.keys.Refresh(ctx); refreshErr != nil {
		g.logger.Warn("key cache refresh after unknown key id failed",
			observability.Error(refreshErr),
		)
		return nil, err
	}

	return g.verifier.Verify(ctx, token, keyID)
}

// RegisterUser creates a user in the realm through the admin API.
func (g *Gateway) RegisterUser(ctx context.Context, reg UserRegistration) error {
	return g.admin.RegisterUser(ctx, reg)
}

// IntrospectToken queries the provider's introspection endpoint.
func (g *Gateway) IntrospectToken(ctx context.Context, token string) (map[string]interface{}, error) {
	return g.introspection.IntrospectToken(ctx, token)
}

// RefreshDiscovery reloads the discovery document.
func (g *Gateway) RefreshDiscovery(ctx context.Context) (*Metadata, error) {
	return g.discovery.Refresh(ctx)
}

// RefreshKeys reloads the key set from the discovered JWKS endpoint.
func (g *Gateway) RefreshKeys(ctx context.Context) error {
	return g.keys.Refresh(ctx)
}

// Discovery exposes the discovery cache.
func (g *Gateway) Discovery() *Discovery {
	return g.discovery
}

// Keys exposes the key cache.
func (g *Gateway) Keys() *Keys {
	return g.keys
}

// Metrics exposes the gateway metrics.
func (g *Gateway) Metrics() *Metrics {
	return g.metrics
}

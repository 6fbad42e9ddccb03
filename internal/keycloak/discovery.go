package keycloak

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mvhysko/authgw/internal/observability"
)

// maxResponseBytes bounds provider response bodies.
const maxResponseBytes = 1 << 20

// Metadata is the provider's OIDC discovery document. It is an immutable
// snapshot: a refresh replaces it wholesale, never mutates it in place.
type Metadata struct {
	// Issuer is the issuer identifier.
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the authorization endpoint URL.
	AuthorizationEndpoint string `json:"authorization_endpoint,omitempty"`

	// TokenEndpoint is the token endpoint URL.
	TokenEndpoint string `json:"token_endpoint,omitempty"`

	// JWKSURI is the JWKS endpoint URL.
	JWKSURI string `json:"jwks_uri,omitempty"`

	// IntrospectionEndpoint is the token introspection endpoint URL.
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`

	// UserinfoEndpoint is the userinfo endpoint URL.
	UserinfoEndpoint string `json:"userinfo_endpoint,omitempty"`

	// EndSessionEndpoint is the end session endpoint URL.
	EndSessionEndpoint string `json:"end_session_endpoint,omitempty"`
}

// Discovery fetches and caches the provider's discovery document. The
// cached value is replaced atomically, so concurrent refreshes commute and
// readers always observe a complete snapshot.
type Discovery struct {
	url        string
	httpClient *http.Client
	logger     observability.Logger
	metrics    *Metrics
	current    atomic.Pointer[Metadata]
}

// DiscoveryOption is a functional option for the discovery cache.
type DiscoveryOption func(*Discovery)

// WithDiscoveryHTTPClient sets the HTTP client.
func WithDiscoveryHTTPClient(client *http.Client) DiscoveryOption {
	return func(d *Discovery) {
		d.httpClient = client
	}
}

// WithDiscoveryLogger sets the logger.
func WithDiscoveryLogger(logger observability.Logger) DiscoveryOption {
	return func(d *Discovery) {
		d.logger = logger
	}
}

// WithDiscoveryMetrics sets the metrics.
func WithDiscoveryMetrics(metrics *Metrics) DiscoveryOption {
	return func(d *Discovery) {
		d.metrics = metrics
	}
}

// NewDiscovery creates a discovery cache for the given server and realm.
func NewDiscovery(serverURI, realm string, opts ...DiscoveryOption) (*Discovery, error) {
	if serverURI == "" {
		return nil, NewConfigError("serverUri", "server URI is required")
	}
	if realm == "" {
		return nil, NewConfigError("realm", "realm is required")
	}

	d := &Discovery{
		url: fmt.Sprintf("%s/realms/%s/.well-known/openid-configuration",
			strings.TrimRight(serverURI, "/"), realm),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.metrics == nil {
		d.metrics = NewMetrics("authgw")
	}

	return d, nil
}

// URL returns the discovery document URL.
func (d *Discovery) URL() string {
	return d.url
}

// Metadata returns the cached discovery document. It reports a ConfigError
// when discovery has not yet succeeded.
func (d *Discovery) Metadata() (*Metadata, error) {
	md := d.current.Load()
	if md == nil {
		return nil, NewConfigError("discovery", "discovery document not loaded")
	}
	return md, nil
}

// Loaded reports whether a discovery document is cached.
func (d *Discovery) Loaded() bool {
	return d.current.Load() != nil
}

// Refresh fetches the discovery document and atomically replaces the
// cached value. On failure the previous value stays intact.
func (d *Discovery) Refresh(ctx context.Context) (*Metadata, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, http.NoBody)
	if err != nil {
		d.metrics.RecordDiscovery("error")
		return nil, NewTransportError("discovery", 0, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.metrics.RecordDiscovery("error")
		return nil, NewTransportError("discovery", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		d.metrics.RecordDiscovery("error")
		return nil, NewTransportError("discovery", resp.StatusCode, nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		d.metrics.RecordDiscovery("error")
		return nil, NewTransportError("discovery", 0, err)
	}

	var md Metadata
	if err := json.Unmarshal(body, &md); err != nil {
		d.metrics.RecordDiscovery("error")
		return nil, NewUpstreamError("discovery", "malformed discovery document", err)
	}

	if md.Issuer == "" {
		d.metrics.RecordDiscovery("error")
		return nil, NewUpstreamError("discovery", "discovery document has no issuer", nil)
	}

	d.current.Store(&md)

	d.metrics.RecordDiscovery("success")
	d.logger.Debug("discovery document refreshed",
		observability.String("issuer", md.Issuer),
		observability.Duration("duration", time.Since(start)),
	)

	return &md, nil
}

package keycloak

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mvhysko/authgw/internal/observability"
)

// IntrospectionClient queries the provider's token introspection endpoint
// with an admin token.
type IntrospectionClient struct {
	discovery  *Discovery
	tokens     *TokenClient
	httpClient *http.Client
	logger     observability.Logger
	metrics    *Metrics
}

// IntrospectionClientOption is a functional option for the introspection
// client.
type IntrospectionClientOption func(*IntrospectionClient)

// WithIntrospectionHTTPClient sets the HTTP client.
func WithIntrospectionHTTPClient(client *http.Client) IntrospectionClientOption {
	return func(c *IntrospectionClient) {
		c.httpClient = client
	}
}

// WithIntrospectionLogger sets the logger.
func WithIntrospectionLogger(logger observability.Logger) IntrospectionClientOption {
	return func(c *IntrospectionClient) {
		c.logger = logger
	}
}

// WithIntrospectionMetrics sets the metrics.
func WithIntrospectionMetrics(metrics *Metrics) IntrospectionClientOption {
	return func(c *IntrospectionClient) {
		c.metrics = metrics
	}
}

// NewIntrospectionClient creates an introspection client backed by the
// given discovery cache and token client.
func NewIntrospectionClient(
	discovery *Discovery,
	tokens *TokenClient,
	opts ...IntrospectionClientOption,
) (*IntrospectionClient, error) {
	if discovery == nil {
		return nil, NewConfigError("discovery", "discovery cache is required")
	}
	if tokens == nil {
		return nil, NewConfigError("tokens", "token client is required")
	}

	c := &IntrospectionClient{
		discovery:  discovery,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.metrics == nil {
		c.metrics = NewMetrics("authgw")
	}

	return c, nil
}

// IntrospectToken submits the token to the provider's introspection
// endpoint and returns the raw introspection document. The endpoint is
// resolved from the discovery cache before any credentials are spent, so
// a cold or incomplete cache fails without network traffic.
func (c *IntrospectionClient) IntrospectToken(ctx context.Context, token string) (map[string]interface{}, error) {
	md, err := c.discovery.Metadata()
	if err != nil {
		c.metrics.RecordIntrospection("error")
		return nil, err
	}
	if md.IntrospectionEndpoint == "" {
		c.metrics.RecordIntrospection("error")
		return nil, NewConfigError("introspection_endpoint", "discovery document has no introspection endpoint")
	}

	adminToken, err := c.tokens.GenerateToken(ctx, nil)
	if err != nil {
		c.metrics.RecordIntrospection("error")
		c.logger.Error("admin token acquisition failed", observability.Error(err))
		return nil, err
	}

	form := url.Values{}
	form.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		md.IntrospectionEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		c.metrics.RecordIntrospection("error")
		return nil, NewTransportError("introspect", 0, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+adminToken.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordIntrospection("error")
		c.logger.Error("introspection request failed", observability.Error(err))
		return nil, NewTransportError("introspect", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.metrics.RecordIntrospection("error")
		return nil, NewTransportError("introspect", resp.StatusCode, nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.metrics.RecordIntrospection("error")
		return nil, NewTransportError("introspect", resp.StatusCode, err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		c.metrics.RecordIntrospection("error")
		return nil, NewUpstreamError("introspect", "failed to parse introspection response", err)
	}

	c.metrics.RecordIntrospection("success")

	return result, nil
}

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

// OAuth2 grant type constants.
const (
	GrantPassword          = "password"
	GrantClientCredentials = "client_credentials"
)

// Credentials holds an OAuth2 client id/secret pair.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// UserCredentials holds resource-owner credentials for a password grant.
type UserCredentials struct {
	Username string
	Password string
}

// Token is a token endpoint response. It is owned by the caller; the
// gateway does not retain it.
type Token struct {
	// TokenType is the type of token (usually "Bearer").
	TokenType string `json:"token_type"`

	// AccessToken is the access token.
	AccessToken string `json:"access_token"`

	// RefreshToken is the refresh token (optional).
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// RefreshExpiresIn is the refresh token lifetime in seconds.
	RefreshExpiresIn int64 `json:"refresh_expires_in,omitempty"`

	// Scope is the granted scope.
	Scope string `json:"scope,omitempty"`
}

// TokenClient issues token requests against the discovered token endpoint.
// A password grant uses the user-facing client; a client-credentials grant
// uses the admin client.
type TokenClient struct {
	discovery   *Discovery
	userClient  Credentials
	adminClient Credentials
	httpClient  *http.Client
	logger      observability.Logger
	metrics     *Metrics
}

// TokenClientOption is a functional option for the token client.
type TokenClientOption func(*TokenClient)

// WithTokenHTTPClient sets the HTTP client.
func WithTokenHTTPClient(client *http.Client) TokenClientOption {
	return func(c *TokenClient) {
		c.httpClient = client
	}
}

// WithTokenLogger sets the logger.
func WithTokenLogger(logger observability.Logger) TokenClientOption {
	return func(c *TokenClient) {
		c.logger = logger
	}
}

// WithTokenMetrics sets the metrics.
func WithTokenMetrics(metrics *Metrics) TokenClientOption {
	return func(c *TokenClient) {
		c.metrics = metrics
	}
}

// NewTokenClient creates a token client.
func NewTokenClient(
	discovery *Discovery,
	userClient, adminClient Credentials,
	opts ...TokenClientOption,
) (*TokenClient, error) {
	if discovery == nil {
		return nil, NewConfigError("discovery", "discovery cache is required")
	}
	if userClient.ClientID == "" {
		return nil, NewConfigError("client.clientId", "user client id is required")
	}
	if adminClient.ClientID == "" {
		return nil, NewConfigError("adminClient.clientId", "admin client id is required")
	}

	c := &TokenClient{
		discovery:   discovery,
		userClient:  userClient,
		adminClient: adminClient,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.metrics == nil {
		c.metrics = NewMetrics("authgw")
	}

	return c, nil
}

// GenerateToken requests a token from the provider. With user credentials
// it issues a password grant through the user-facing client; without, a
// client-credentials grant through the admin client. Provider failures
// propagate unmodified; retry policy belongs to the caller.
func (c *TokenClient) GenerateToken(ctx context.Context, user *UserCredentials) (*Token, error) {
	grantType := GrantClientCredentials
	if user != nil {
		grantType = GrantPassword
	}

	start := time.Now()

	md, err := c.discovery.Metadata()
	if err != nil {
		c.metrics.RecordTokenRequest("error", grantType, time.Since(start))
		return nil, err
	}
	if md.TokenEndpoint == "" {
		c.metrics.RecordTokenRequest("error", grantType, time.Since(start))
		return nil, NewConfigError("token_endpoint", "not present in discovery document")
	}

	data := url.Values{}
	data.Set("grant_type", grantType)
	if user != nil {
		data.Set("username", user.Username)
		data.Set("password", user.Password)
		data.Set("client_id", c.userClient.ClientID)
		if c.userClient.ClientSecret != "" {
			data.Set("client_secret", c.userClient.ClientSecret)
		}
	} else {
		data.Set("client_id", c.adminClient.ClientID)
		data.Set("client_secret", c.adminClient.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, md.TokenEndpoint,
		strings.NewReader(data.Encode()))
	if err != nil {
		c.metrics.RecordTokenRequest("error", grantType, time.Since(start))
		return nil, NewTransportError("token", 0, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordTokenRequest("error", grantType, time.Since(start))
		return nil, NewTransportError("token", 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.metrics.RecordTokenRequest("error", grantType, time.Since(start))
		return nil, NewTransportError("token", 0, err)
	}

	if resp.StatusCode != http.StatusOK {
		c.metrics.RecordTokenRequest("error", grantType, time.Since(start))
		c.logger.Debug("token request rejected",
			observability.String("grantType", grantType),
			observability.Int("status", resp.StatusCode),
		)
		return nil, NewTransportError("token", resp.StatusCode, nil)
	}

	var token Token
	if err := json.Unmarshal(body, &token); err != nil {
		c.metrics.RecordTokenRequest("error", grantType, time.Since(start))
		return nil, NewUpstreamError("token", "malformed token response", err)
	}
	if token.AccessToken == "" {
		c.metrics.RecordTokenRequest("error", grantType, time.Since(start))
		return nil, NewUpstreamError("token", "token response has no access token", nil)
	}

	c.metrics.RecordTokenRequest("success", grantType, time.Since(start))
	c.logger.Debug("token issued",
		observability.String("grantType", grantType),
		observability.String("tokenType", token.TokenType),
	)

	return &token, nil
}

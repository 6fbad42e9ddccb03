package keycloak

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mvhysko/authgw/internal/observability"
)

// UserRegistration holds the fields for creating a provider user.
type UserRegistration struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Password  string `json:"password"`
}

// userPayload is the Keycloak admin API user-creation body. The email
// doubles as the username.
type userPayload struct {
	FirstName   string           `json:"firstName"`
	LastName    string           `json:"lastName"`
	Email       string           `json:"email"`
	Enabled     bool             `json:"enabled"`
	Username    string           `json:"username"`
	Credentials []credentialRepr `json:"credentials"`
}

type credentialRepr struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

// AdminClient performs privileged operations through the Keycloak admin
// API using a client-credentials token.
type AdminClient struct {
	usersURL   string
	tokens     *TokenClient
	httpClient *http.Client
	logger     observability.Logger
	metrics    *Metrics
}

// AdminClientOption is a functional option for the admin client.
type AdminClientOption func(*AdminClient)

// WithAdminHTTPClient sets the HTTP client.
func WithAdminHTTPClient(client *http.Client) AdminClientOption {
	return func(c *AdminClient) {
		c.httpClient = client
	}
}

// WithAdminLogger sets the logger.
func WithAdminLogger(logger observability.Logger) AdminClientOption {
	return func(c *AdminClient) {
		c.logger = logger
	}
}

// WithAdminMetrics sets the metrics.
func WithAdminMetrics(metrics *Metrics) AdminClientOption {
	return func(c *AdminClient) {
		c.metrics = metrics
	}
}

// NewAdminClient creates an admin client for the given server and realm.
func NewAdminClient(
	serverURI, realm string,
	tokens *TokenClient,
	opts ...AdminClientOption,
) (*AdminClient, error) {
	if serverURI == "" {
		return nil, NewConfigError("serverUri", "server URI is required")
	}
	if realm == "" {
		return nil, NewConfigError("realm", "realm is required")
	}
	if tokens == nil {
		return nil, NewConfigError("tokens", "token client is required")
	}

	c := &AdminClient{
		usersURL:   fmt.Sprintf("%s/admin/realms/%s/users", strings.TrimRight(serverURI, "/"), realm),
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

// RegisterUser creates a user in the provider realm. It acquires an admin
// token first; token or provider errors propagate to the caller after
// being logged. The provider is the source of truth for duplicate emails,
// so there is no partial-success state on this side.
func (c *AdminClient) RegisterUser(ctx context.Context, reg UserRegistration) error {
	if reg.Email == "" {
		return NewConfigError("email", "email is required")
	}

	token, err := c.tokens.GenerateToken(ctx, nil)
	if err != nil {
		c.metrics.RecordRegistration("error")
		c.logger.Error("admin token acquisition failed", observability.Error(err))
		return err
	}

	payload := userPayload{
		FirstName: reg.FirstName,
		LastName:  reg.LastName,
		Email:     reg.Email,
		Enabled:   true,
		Username:  reg.Email,
		Credentials: []credentialRepr{{
			Type:      "password",
			Value:     reg.Password,
			Temporary: false,
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		c.metrics.RecordRegistration("error")
		return fmt.Errorf("failed to encode user payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.usersURL, bytes.NewReader(body))
	if err != nil {
		c.metrics.RecordRegistration("error")
		return NewTransportError("register", 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordRegistration("error")
		c.logger.Error("user registration request failed", observability.Error(err))
		return NewTransportError("register", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		c.metrics.RecordRegistration("error")
		c.logger.Error("user registration rejected",
			observability.Int("status", resp.StatusCode),
			observability.String("email", reg.Email),
		)
		return NewTransportError("register", resp.StatusCode, nil)
	}

	c.metrics.RecordRegistration("success")
	c.logger.Info("user registered",
		observability.String("email", reg.Email),
	)

	return nil
}

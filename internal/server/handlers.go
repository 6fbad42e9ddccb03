package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mvhysko/authgw/internal/keycloak"
	"github.com/mvhysko/authgw/internal/middleware"
	"github.com/mvhysko/authgw/internal/observability"
)

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerRequest struct {
	Email     string `json:"email" binding:"required"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Password  string `json:"password" binding:"required"`
}

type introspectRequest struct {
	Token string `json:"token" binding:"required"`
}

type verifyResponse struct {
	Subject   string                 `json:"subject"`
	Issuer    string                 `json:"issuer"`
	Audience  []string               `json:"audience,omitempty"`
	ExpiresAt int64                  `json:"expiresAt"`
	Claims    map[string]interface{} `json:"claims"`
}

// handleToken issues a token. With both username and password present it
// uses the password grant; an empty body falls back to the
// client-credentials grant.
func (s *Server) handleToken(c *gin.Context) {
	var req tokenRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeBadRequest(c, "invalid request body")
			return
		}
	}

	var user *keycloak.UserCredentials
	if req.Username != "" || req.Password != "" {
		if req.Username == "" || req.Password == "" {
			s.writeBadRequest(c, "username and password must be provided together")
			return
		}
		user = &keycloak.UserCredentials{Username: req.Username, Password: req.Password}
	}

	token, err := s.gateway.GenerateToken(c.Request.Context(), user)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, token)
}

// handleVerify validates the bearer token from the Authorization header.
func (s *Server) handleVerify(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		s.writeBadRequest(c, "missing bearer token")
		return
	}

	claims, err := s.gateway.VerifyToken(c.Request.Context(), token, "")
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, verifyResponse{
		Subject:   claims.Subject,
		Issuer:    claims.Issuer,
		Audience:  claims.Audience,
		ExpiresAt: claims.ExpiresAt.Unix(),
		Claims:    claims.Raw,
	})
}

// handleIntrospect forwards the token to the provider's introspection
// endpoint.
func (s *Server) handleIntrospect(c *gin.Context) {
	var req introspectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeBadRequest(c, "token is required")
		return
	}

	result, err := s.gateway.IntrospectToken(c.Request.Context(), req.Token)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// handleRegisterUser creates a user in the provider realm.
func (s *Server) handleRegisterUser(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeBadRequest(c, "email and password are required")
		return
	}

	err := s.gateway.RegisterUser(c.Request.Context(), keycloak.UserRegistration{
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Password:  req.Password,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"status": "created"})
}

// handleHealth reports process liveness and cache state.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"discovery_loaded": s.gateway.Discovery().Loaded(),
		"keys_loaded":      s.gateway.Keys().Loaded(),
	})
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (s *Server) writeBadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":      msg,
		"request_id": middleware.GetRequestID(c),
	})
}

// writeError maps gateway errors to HTTP statuses. Provider statuses are
// passed through where they are meaningful to the caller (409 on
// duplicate registration, 401 on rejected credentials); everything else
// collapses to 502 or 503.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusBadGateway

	var unauthorized *keycloak.UnauthorizedError
	var cfgErr *keycloak.ConfigError
	var transport *keycloak.TransportError

	switch {
	case errors.As(err, &unauthorized):
		status = http.StatusUnauthorized
	case errors.As(err, &cfgErr):
		status = http.StatusServiceUnavailable
	case errors.As(err, &transport):
		switch transport.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden,
			http.StatusConflict, http.StatusBadRequest:
			status = transport.StatusCode
		case 0:
			status = http.StatusBadGateway
		default:
			status = http.StatusBadGateway
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			observability.String("requestID", middleware.GetRequestID(c)),
			observability.Error(err),
		)
	}

	c.JSON(status, gin.H{
		"error":      publicErrorMessage(status),
		"request_id": middleware.GetRequestID(c),
	})
}

// publicErrorMessage keeps provider internals out of responses.
func publicErrorMessage(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusConflict:
		return "conflict"
	case http.StatusBadRequest:
		return "bad request"
	case http.StatusServiceUnavailable:
		return "identity provider not available"
	default:
		return "upstream error"
	}
}

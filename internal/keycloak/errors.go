package keycloak

import (
	"errors"
	"fmt"
)

// Sentinel errors for gateway operations.
var (
	// ErrUnauthorized is the common cause of all verification failures.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrKeyNotFound indicates that no cached signing key matches the key id.
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrInvalidSignature indicates that the token signature is invalid.
	ErrInvalidSignature = errors.New("token signature is invalid")

	// ErrIssuerMismatch indicates that the token issuer does not match the
	// discovered issuer.
	ErrIssuerMismatch = errors.New("token issuer mismatch")

	// ErrTokenExpired indicates that the token has expired or is not yet valid.
	ErrTokenExpired = errors.New("token is expired or not yet valid")

	// ErrUnsupportedAlgorithm indicates a signing algorithm outside the
	// allowed asymmetric families.
	ErrUnsupportedAlgorithm = errors.New("signing algorithm is not supported")
)

// ConfigError indicates a missing required setting or a cached provider
// field that is not (yet) available. It is fatal at construction and
// reported per-call afterwards.
type ConfigError struct {
	Setting string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("keycloak config error (%s): %s", e.Setting, e.Message)
}

// NewConfigError creates a new ConfigError.
func NewConfigError(setting, message string) *ConfigError {
	return &ConfigError{Setting: setting, Message: message}
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// TransportError indicates a network or HTTP failure talking to the
// provider. It is propagated to the caller unmodified; retry policy is the
// caller's decision.
type TransportError struct {
	Op         string
	StatusCode int
	Cause      error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("keycloak transport error (%s): provider returned status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("keycloak transport error (%s): %v", e.Op, e.Cause)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// NewTransportError creates a new TransportError.
func NewTransportError(op string, statusCode int, cause error) *TransportError {
	return &TransportError{Op: op, StatusCode: statusCode, Cause: cause}
}

// IsTransportError checks if an error is a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// UnauthorizedError indicates a verification failure (unknown key, bad
// signature, issuer mismatch, expiry). It always reports Unauthorized to
// the caller and never carries partially validated claims.
type UnauthorizedError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *UnauthorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("keycloak unauthorized: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("keycloak unauthorized: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *UnauthorizedError) Unwrap() error {
	return e.Cause
}

// Is reports a match for ErrUnauthorized in addition to the cause chain.
func (e *UnauthorizedError) Is(target error) bool {
	if target == ErrUnauthorized {
		return true
	}
	_, ok := target.(*UnauthorizedError)
	return ok
}

// NewUnauthorizedError creates a new UnauthorizedError.
func NewUnauthorizedError(message string, cause error) *UnauthorizedError {
	return &UnauthorizedError{Message: message, Cause: cause}
}

// IsUnauthorized checks if an error indicates a verification failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// UpstreamError indicates a malformed provider response, e.g. a JWKS
// document without a key list.
type UpstreamError struct {
	Op      string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("keycloak upstream error (%s): %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("keycloak upstream error (%s): %s", e.Op, e.Message)
}

// Unwrap returns the underlying error.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// NewUpstreamError creates a new UpstreamError.
func NewUpstreamError(op, message string, cause error) *UpstreamError {
	return &UpstreamError{Op: op, Message: message, Cause: cause}
}

// IsUpstreamError checks if an error is an UpstreamError.
func IsUpstreamError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// Package keycloak implements an OIDC client gateway for a single
// Keycloak realm. It caches the provider's discovery document and JWKS
// key set in atomically swapped snapshots, acquires tokens through the
// password and client-credentials grants, verifies tokens locally with
// the signature algorithm pinned to the cached key, and reaches the
// admin API for user registration and token introspection.
//
// The Gateway type wires the individual clients together; each client is
// also usable on its own. All network calls go through a shared HTTP
// client, optionally wrapped by a circuit breaker.
package keycloak

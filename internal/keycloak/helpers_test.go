package keycloak

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"
)

const testKeyID = "test-key-1"

// newTestSigningKey generates an RSA signing key with a kid and declared
// algorithm, plus the JWKS body a provider would serve for it.
func newTestSigningKey(t *testing.T) (jwk.Key, []byte) {
	t.Helper()
	return newSigningKeyWithID(t, testKeyID)
}

func newSigningKeyWithID(t *testing.T, kid string) (jwk.Key, []byte) {
	t.Helper()

	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	priv, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.KeyIDKey, kid))
	require.NoError(t, priv.Set(jwk.AlgorithmKey, jwa.RS256))

	pub, err := jwk.PublicKeyOf(priv)
	require.NoError(t, err)

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))

	jwks, err := json.Marshal(set)
	require.NoError(t, err)

	return priv, jwks
}

// signTestToken signs a token with the given issuer and extra claims.
func signTestToken(t *testing.T, priv jwk.Key, issuer string, mutate func(b *jwt.Builder) *jwt.Builder) string {
	t.Helper()

	b := jwt.NewBuilder().
		Issuer(issuer).
		Subject("alice").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour))
	if mutate != nil {
		b = mutate(b)
	}

	tok, err := b.Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, priv))
	require.NoError(t, err)

	return string(signed)
}

// providerServer is a fake Keycloak realm for tests.
type providerServer struct {
	*httptest.Server

	jwks       []byte
	tokenFn    http.HandlerFunc
	usersFn    http.HandlerFunc
	introFn    http.HandlerFunc
	jwksCalls  atomic.Int64
	discoCalls atomic.Int64
}

// newProviderServer starts a fake provider. The discovery document is
// generated against the server's own URL so the issuer matches.
func newProviderServer(t *testing.T, jwks []byte) *providerServer {
	t.Helper()

	p := &providerServer{jwks: jwks}

	mux := http.NewServeMux()
	mux.HandleFunc("/realms/demo/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		p.discoCalls.Add(1)
		base := "http://" + r.Host
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 base + "/realms/demo",
			"token_endpoint":         base + "/realms/demo/protocol/openid-connect/token",
			"jwks_uri":               base + "/realms/demo/protocol/openid-connect/certs",
			"introspection_endpoint": base + "/realms/demo/protocol/openid-connect/token/introspect",
			"userinfo_endpoint":      base + "/realms/demo/protocol/openid-connect/userinfo",
		})
	})
	mux.HandleFunc("/realms/demo/protocol/openid-connect/certs", func(w http.ResponseWriter, _ *http.Request) {
		p.jwksCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(p.jwks)
	})
	mux.HandleFunc("/realms/demo/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		if p.tokenFn != nil {
			p.tokenFn(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token_type":   "Bearer",
			"access_token": "stub-access-token",
			"expires_in":   300,
		})
	})
	mux.HandleFunc("/admin/realms/demo/users", func(w http.ResponseWriter, r *http.Request) {
		if p.usersFn != nil {
			p.usersFn(w, r)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/realms/demo/protocol/openid-connect/token/introspect", func(w http.ResponseWriter, r *http.Request) {
		if p.introFn != nil {
			p.introFn(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"active": true})
	})

	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)

	return p
}

// Issuer returns the issuer the fake provider advertises.
func (p *providerServer) Issuer() string {
	return p.URL + "/realms/demo"
}

// loadedDiscovery builds a discovery cache already warmed against the
// fake provider.
func loadedDiscovery(t *testing.T, p *providerServer) *Discovery {
	t.Helper()

	d, err := NewDiscovery(p.URL, "demo")
	require.NoError(t, err)

	_, err = d.Refresh(context.Background())
	require.NoError(t, err)

	return d
}

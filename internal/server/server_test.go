package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvhysko/authgw/internal/config"
	"github.com/mvhysko/authgw/internal/keycloak"
)

// fakeProvider is a minimal Keycloak stand-in for handler tests.
type fakeProvider struct {
	*httptest.Server

	priv    jwk.Key
	jwks    []byte
	usersFn http.HandlerFunc
	tokenFn http.HandlerFunc
	introFn http.HandlerFunc
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()

	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	priv, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.KeyIDKey, "srv-key"))
	require.NoError(t, priv.Set(jwk.AlgorithmKey, jwa.RS256))

	pub, err := jwk.PublicKeyOf(priv)
	require.NoError(t, err)
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	jwks, err := json.Marshal(set)
	require.NoError(t, err)

	p := &fakeProvider{priv: priv, jwks: jwks}

	mux := http.NewServeMux()
	mux.HandleFunc("/realms/demo/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		base := "http://" + r.Host
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 base + "/realms/demo",
			"token_endpoint":         base + "/token",
			"jwks_uri":               base + "/certs",
			"introspection_endpoint": base + "/introspect",
		})
	})
	mux.HandleFunc("/certs", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(p.jwks)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if p.tokenFn != nil {
			p.tokenFn(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token_type":   "Bearer",
			"access_token": "issued-token",
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
	mux.HandleFunc("/introspect", func(w http.ResponseWriter, r *http.Request) {
		if p.introFn != nil {
			p.introFn(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"active": true})
	})

	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)

	return p
}

func (p *fakeProvider) signToken(t *testing.T) string {
	t.Helper()

	tok, err := jwt.NewBuilder().
		Issuer(p.URL+"/realms/demo").
		Subject("alice").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour)).
		Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, p.priv))
	require.NoError(t, err)

	return string(signed)
}

func newTestServer(t *testing.T, p *fakeProvider, mutate func(cfg *config.Config)) *Server {
	t.Helper()

	gw, err := keycloak.New(keycloak.Config{
		ServerURI:   p.URL,
		Realm:       "demo",
		Client:      keycloak.Credentials{ClientID: "web-app"},
		AdminClient: keycloak.Credentials{ClientID: "admin-cli", ClientSecret: "secret"},
	})
	require.NoError(t, err)
	gw.Initialize(context.Background())

	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	return New(cfg, gw, nil)
}

func postJSON(s *Server, path string, body interface{}) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	s.Engine().ServeHTTP(w, req)
	return w
}

func TestHandleTokenPasswordGrant(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	var grantType string
	p.tokenFn = func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		grantType = r.PostForm.Get("grant_type")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "t"})
	}

	s := newTestServer(t, p, nil)

	w := postJSON(s, "/api/auth/token", map[string]string{"username": "alice", "password": "pw"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "password", grantType)
	assert.Contains(t, w.Body.String(), "access_token")
}

func TestHandleTokenClientCredentials(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	var grantType string
	p.tokenFn = func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		grantType = r.PostForm.Get("grant_type")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "t"})
	}

	s := newTestServer(t, p, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/token", nil)
	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "client_credentials", grantType)
}

func TestHandleTokenPartialCredentials(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	s := newTestServer(t, p, nil)

	w := postJSON(s, "/api/auth/token", map[string]string{"username": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "request_id")
}

func TestHandleTokenRejectedCredentials(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	p.tokenFn = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}

	s := newTestServer(t, p, nil)

	w := postJSON(s, "/api/auth/token", map[string]string{"username": "alice", "password": "bad"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleVerify(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	s := newTestServer(t, p, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/auth/verify", nil)
	req.Header.Set("Authorization", "Bearer "+p.signToken(t))
	s.Engine().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp["subject"])
}

func TestHandleVerifyMissingToken(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	s := newTestServer(t, p, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/auth/verify", nil)
	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleVerifyInvalidToken(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	s := newTestServer(t, p, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/auth/verify", nil)
	req.Header.Set("Authorization", "Bearer not.a.token")
	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "unauthorized")
}

func TestHandleRegisterUser(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	s := newTestServer(t, p, nil)

	w := postJSON(s, "/api/users", map[string]string{
		"email":    "alice@example.com",
		"password": "pw",
	})
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestHandleRegisterUserConflict(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	p.usersFn = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}

	s := newTestServer(t, p, nil)

	w := postJSON(s, "/api/users", map[string]string{
		"email":    "alice@example.com",
		"password": "pw",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandleRegisterUserMissingFields(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	s := newTestServer(t, p, nil)

	w := postJSON(s, "/api/users", map[string]string{"firstName": "Alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleIntrospect(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	s := newTestServer(t, p, nil)

	w := postJSON(s, "/api/auth/introspect", map[string]string{"token": "some-token"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "active")
}

func TestHandleIntrospectProviderUnavailable(t *testing.T) {
	t.Parallel()

	// A gateway whose discovery never loaded reports 503 without
	// touching the network.
	gw, err := keycloak.New(keycloak.Config{
		ServerURI:   "http://127.0.0.1:1",
		Realm:       "demo",
		Client:      keycloak.Credentials{ClientID: "web-app"},
		AdminClient: keycloak.Credentials{ClientID: "admin-cli", ClientSecret: "secret"},
	})
	require.NoError(t, err)

	s := New(config.DefaultConfig(), gw, nil)

	w := postJSON(s, "/api/auth/introspect", map[string]string{"token": "some-token"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	s := newTestServer(t, p, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.Engine().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, true, resp["discovery_loaded"])
	assert.Equal(t, true, resp["keys_loaded"])
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	s := newTestServer(t, p, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "authgw_keycloak_discovery_total")
}

func TestMetricsDisabled(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	s := newTestServer(t, p, func(cfg *config.Config) {
		cfg.Metrics.Enabled = false
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimitApplied(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	s := newTestServer(t, p, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.RPS = 1
		cfg.RateLimit.Burst = 1
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

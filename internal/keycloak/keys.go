package keycloak

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/mvhysko/authgw/internal/observability"
)

// keySnapshot is an immutable kid-to-key mapping. A refresh builds a new
// snapshot and swaps it in with a single atomic store; the old snapshot is
// never mutated.
type keySnapshot struct {
	byID      map[string]jwk.Key
	fetchedAt time.Time
}

// Keys fetches and caches the provider's signing keys, keyed by key id.
// The JWKS URL comes from the discovery cache, so discovery must succeed
// before the first key refresh.
type Keys struct {
	discovery  *Discovery
	httpClient *http.Client
	logger     observability.Logger
	metrics    *Metrics
	current    atomic.Pointer[keySnapshot]
}

// KeysOption is a functional option for the key cache.
type KeysOption func(*Keys)

// WithKeysHTTPClient sets the HTTP client.
func WithKeysHTTPClient(client *http.Client) KeysOption {
	return func(k *Keys) {
		k.httpClient = client
	}
}

// WithKeysLogger sets the logger.
func WithKeysLogger(logger observability.Logger) KeysOption {
	return func(k *Keys) {
		k.logger = logger
	}
}

// WithKeysMetrics sets the metrics.
func WithKeysMetrics(metrics *Metrics) KeysOption {
	return func(k *Keys) {
		k.metrics = metrics
	}
}

// NewKeys creates a key cache backed by the given discovery cache.
func NewKeys(discovery *Discovery, opts ...KeysOption) (*Keys, error) {
	if discovery == nil {
		return nil, NewConfigError("discovery", "discovery cache is required")
	}

	k := &Keys{
		discovery:  discovery,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(k)
	}

	if k.metrics == nil {
		k.metrics = NewMetrics("authgw")
	}

	return k, nil
}

// Loaded reports whether a key set is cached.
func (k *Keys) Loaded() bool {
	return k.current.Load() != nil
}

// Lookup returns the key matching the key id, or ErrKeyNotFound when the
// id is unknown or no key set has been fetched yet.
func (k *Keys) Lookup(kid string) (jwk.Key, error) {
	snap := k.current.Load()
	if snap == nil {
		return nil, ErrKeyNotFound
	}

	key, ok := snap.byID[kid]
	if !ok {
		return nil, ErrKeyNotFound
	}

	return key, nil
}

// LastRefresh returns the time of the last successful refresh.
func (k *Keys) LastRefresh() time.Time {
	if snap := k.current.Load(); snap != nil {
		return snap.fetchedAt
	}
	return time.Time{}
}

// Refresh fetches the JWKS from the discovered jwks_uri and atomically
// replaces the cached key set. Prior keys are not merged in; replacement
// is total.
func (k *Keys) Refresh(ctx context.Context) error {
	md, err := k.discovery.Metadata()
	if err != nil {
		k.metrics.RecordKeyRefresh("error")
		return err
	}
	if md.JWKSURI == "" {
		k.metrics.RecordKeyRefresh("error")
		return NewConfigError("jwks_uri", "not present in discovery document")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, md.JWKSURI, http.NoBody)
	if err != nil {
		k.metrics.RecordKeyRefresh("error")
		return NewTransportError("jwks", 0, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := k.httpClient.Do(req)
	if err != nil {
		k.metrics.RecordKeyRefresh("error")
		return NewTransportError("jwks", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		k.metrics.RecordKeyRefresh("error")
		return NewTransportError("jwks", resp.StatusCode, nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		k.metrics.RecordKeyRefresh("error")
		return NewTransportError("jwks", 0, err)
	}

	set, err := jwk.Parse(body)
	if err != nil {
		k.metrics.RecordKeyRefresh("error")
		return NewUpstreamError("jwks", "malformed key set", err)
	}
	if set.Len() == 0 {
		k.metrics.RecordKeyRefresh("error")
		return NewUpstreamError("jwks", "key set has no keys", nil)
	}

	byID := make(map[string]jwk.Key, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		byID[key.KeyID()] = key
	}

	k.current.Store(&keySnapshot{
		byID:      byID,
		fetchedAt: time.Now(),
	})

	k.metrics.RecordKeyRefresh("success")
	k.logger.Debug("signing keys refreshed",
		observability.String("url", md.JWKSURI),
		observability.Int("keyCount", len(byID)),
	)

	return nil
}

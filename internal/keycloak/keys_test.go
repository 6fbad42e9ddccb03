package keycloak

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeysLookupBeforeRefresh(t *testing.T) {
	t.Parallel()

	_, jwks := newTestSigningKey(t)
	p := newProviderServer(t, jwks)

	k, err := NewKeys(loadedDiscovery(t, p))
	require.NoError(t, err)

	assert.False(t, k.Loaded())
	assert.True(t, k.LastRefresh().IsZero())

	_, err = k.Lookup(testKeyID)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestKeysRefreshAndLookup(t *testing.T) {
	t.Parallel()

	_, jwks := newTestSigningKey(t)
	p := newProviderServer(t, jwks)

	k, err := NewKeys(loadedDiscovery(t, p))
	require.NoError(t, err)

	require.NoError(t, k.Refresh(context.Background()))
	assert.True(t, k.Loaded())
	assert.False(t, k.LastRefresh().IsZero())

	key, err := k.Lookup(testKeyID)
	require.NoError(t, err)
	assert.Equal(t, testKeyID, key.KeyID())

	_, err = k.Lookup("unknown-kid")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestKeysRefreshRequiresDiscovery(t *testing.T) {
	t.Parallel()

	d, err := NewDiscovery("https://auth.example.com", "demo")
	require.NoError(t, err)

	k, err := NewKeys(d)
	require.NoError(t, err)

	err = k.Refresh(context.Background())
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestKeysRefreshReplacesSnapshot(t *testing.T) {
	t.Parallel()

	_, jwks := newTestSigningKey(t)
	p := newProviderServer(t, jwks)

	k, err := NewKeys(loadedDiscovery(t, p))
	require.NoError(t, err)
	require.NoError(t, k.Refresh(context.Background()))

	_, err = k.Lookup(testKeyID)
	require.NoError(t, err)

	// Rotate the provider key set. The old kid must disappear after the
	// next refresh; replacement is total, not a merge.
	_, rotatedJWKS := newSigningKeyWithID(t, "rotated-key")
	p.jwks = rotatedJWKS

	require.NoError(t, k.Refresh(context.Background()))

	_, err = k.Lookup(testKeyID)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	key, err := k.Lookup("rotated-key")
	require.NoError(t, err)
	assert.Equal(t, "rotated-key", key.KeyID())
}

func TestKeysRefreshErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		jwks  []byte
		fail  bool
		check func(t *testing.T, err error)
	}{
		{
			name: "server error",
			fail: true,
			check: func(t *testing.T, err error) {
				var tErr *TransportError
				require.ErrorAs(t, err, &tErr)
			},
		},
		{
			name: "malformed key set",
			jwks: []byte("{not json"),
			check: func(t *testing.T, err error) {
				var uErr *UpstreamError
				require.ErrorAs(t, err, &uErr)
			},
		},
		{
			name: "empty key set",
			jwks: []byte(`{"keys":[]}`),
			check: func(t *testing.T, err error) {
				var uErr *UpstreamError
				require.ErrorAs(t, err, &uErr)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, jwks := newTestSigningKey(t)
			p := newProviderServer(t, jwks)
			d := loadedDiscovery(t, p)

			k, err := NewKeys(d)
			require.NoError(t, err)

			// Warm the cache; the failing refresh must not clear it.
			require.NoError(t, k.Refresh(context.Background()))
			before := k.LastRefresh()

			if tt.fail {
				p.Close()
			} else {
				p.jwks = tt.jwks
			}

			err = k.Refresh(context.Background())
			require.Error(t, err)
			tt.check(t, err)

			_, lookupErr := k.Lookup(testKeyID)
			assert.NoError(t, lookupErr)
			assert.Equal(t, before, k.LastRefresh())
		})
	}
}

func TestKeysRefreshWithoutJWKSURI(t *testing.T) {
	t.Parallel()

	_, jwks := newTestSigningKey(t)
	p := newProviderServer(t, jwks)

	d := loadedDiscovery(t, p)
	md, err := d.Metadata()
	require.NoError(t, err)

	// Simulate a provider whose discovery document omits jwks_uri.
	trimmed := *md
	trimmed.JWKSURI = ""
	d.current.Store(&trimmed)

	k, err := NewKeys(d)
	require.NoError(t, err)

	err = k.Refresh(context.Background())
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "jwks_uri", cfgErr.Setting)
}

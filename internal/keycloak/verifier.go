package keycloak

import (
	"context"
	"errors"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/mvhysko/authgw/internal/observability"
)

// allowedAlgorithms is the closed set of accepted signature algorithms.
// Symmetric families (HS*) are excluded: accepting them would let an
// attacker present a public key as an HMAC secret.
var allowedAlgorithms = map[jwa.SignatureAlgorithm]struct{}{
	jwa.RS256: {},
	jwa.RS384: {},
	jwa.RS512: {},
	jwa.PS256: {},
	jwa.PS384: {},
	jwa.PS512: {},
	jwa.ES256: {},
	jwa.ES384: {},
	jwa.ES512: {},
	jwa.EdDSA: {},
}

// Claims holds the validated claims of a verified token. It is only ever
// returned after signature and issuer checks pass in full.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Raw       map[string]interface{}
}

// Verifier validates token signatures and issuer claims using the key
// cache and the discovery cache.
type Verifier struct {
	discovery *Discovery
	keys      *Keys
	clockSkew time.Duration
	logger    observability.Logger
	metrics   *Metrics
}

// VerifierOption is a functional option for the verifier.
type VerifierOption func(*Verifier)

// WithVerifierLogger sets the logger.
func WithVerifierLogger(logger observability.Logger) VerifierOption {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// WithVerifierMetrics sets the metrics.
func WithVerifierMetrics(metrics *Metrics) VerifierOption {
	return func(v *Verifier) {
		v.metrics = metrics
	}
}

// WithClockSkew sets the allowed clock skew for expiry checks.
func WithClockSkew(skew time.Duration) VerifierOption {
	return func(v *Verifier) {
		v.clockSkew = skew
	}
}

// NewVerifier creates a token verifier.
func NewVerifier(discovery *Discovery, keys *Keys, opts ...VerifierOption) (*Verifier, error) {
	if discovery == nil {
		return nil, NewConfigError("discovery", "discovery cache is required")
	}
	if keys == nil {
		return nil, NewConfigError("keys", "key cache is required")
	}

	v := &Verifier{
		discovery: discovery,
		keys:      keys,
		clockSkew: 30 * time.Second,
		logger:    observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(v)
	}

	if v.metrics == nil {
		v.metrics = NewMetrics("authgw")
	}

	return v, nil
}

// KeyIDFromToken extracts the key id from a serialized token's protected
// header without verifying the signature.
func KeyIDFromToken(token string) (string, error) {
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return "", NewUnauthorizedError("malformed token", err)
	}
	sigs := msg.Signatures()
	if len(sigs) == 0 {
		return "", NewUnauthorizedError("token has no signature", nil)
	}
	return sigs[0].ProtectedHeaders().KeyID(), nil
}

// Verify checks the token's signature and issuer claim. The key id is
// resolved against the key cache first; an unknown id fails Unauthorized
// before any signature work, which also covers a stale cache after key
// rotation (the caller may refresh the key cache and retry once). The
// signature algorithm is pinned to the cached key's declared algorithm,
// and the token's header algorithm must match it exactly.
func (v *Verifier) Verify(ctx context.Context, token, keyID string) (*Claims, error) {
	start := time.Now()

	if token == "" {
		v.metrics.RecordVerification("empty_token", time.Since(start))
		return nil, NewUnauthorizedError("empty token", nil)
	}

	key, err := v.keys.Lookup(keyID)
	if err != nil {
		v.metrics.RecordVerification("unknown_key", time.Since(start))
		return nil, NewUnauthorizedError("unknown signing key "+keyID, ErrKeyNotFound)
	}

	alg, err := pinnedAlgorithm(key)
	if err != nil {
		v.metrics.RecordVerification("bad_algorithm", time.Since(start))
		return nil, err
	}

	if err := v.checkHeaderAlgorithm(token, alg); err != nil {
		v.metrics.RecordVerification("bad_algorithm", time.Since(start))
		return nil, err
	}

	md, err := v.discovery.Metadata()
	if err != nil {
		v.metrics.RecordVerification("not_configured", time.Since(start))
		return nil, err
	}

	parsed, err := jwt.Parse([]byte(token),
		jwt.WithKey(alg, key),
		jwt.WithValidate(true),
		jwt.WithIssuer(md.Issuer),
		jwt.WithAcceptableSkew(v.clockSkew),
	)
	if err != nil {
		v.metrics.RecordVerification("invalid", time.Since(start))
		return nil, mapValidationError(err)
	}

	raw, err := parsed.AsMap(ctx)
	if err != nil {
		v.metrics.RecordVerification("invalid", time.Since(start))
		return nil, NewUnauthorizedError("failed to read claims", err)
	}

	claims := &Claims{
		Subject:   parsed.Subject(),
		Issuer:    parsed.Issuer(),
		Audience:  parsed.Audience(),
		ExpiresAt: parsed.Expiration(),
		IssuedAt:  parsed.IssuedAt(),
		Raw:       raw,
	}

	v.metrics.RecordVerification("success", time.Since(start))
	v.logger.Debug("token verified",
		observability.String("subject", claims.Subject),
		observability.String("kid", keyID),
	)

	return claims, nil
}

// checkHeaderAlgorithm rejects tokens whose protected header declares a
// different algorithm than the one pinned from the cached key.
func (v *Verifier) checkHeaderAlgorithm(token string, expected jwa.SignatureAlgorithm) error {
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return NewUnauthorizedError("malformed token", err)
	}
	sigs := msg.Signatures()
	if len(sigs) == 0 {
		return NewUnauthorizedError("token has no signature", nil)
	}
	if got := sigs[0].ProtectedHeaders().Algorithm(); got != expected {
		return NewUnauthorizedError(
			"token algorithm "+got.String()+" does not match key algorithm "+expected.String(),
			ErrUnsupportedAlgorithm,
		)
	}
	return nil
}

// pinnedAlgorithm resolves the signature algorithm to verify with from the
// cached key. The key's declared algorithm wins; without one the algorithm
// is inferred from the key type. Symmetric key material is rejected.
func pinnedAlgorithm(key jwk.Key) (jwa.SignatureAlgorithm, error) {
	if alg, ok := key.Algorithm().(jwa.SignatureAlgorithm); ok && alg != "" {
		if _, allowed := allowedAlgorithms[alg]; !allowed {
			return "", NewUnauthorizedError(
				"key declares non-asymmetric algorithm "+alg.String(),
				ErrUnsupportedAlgorithm,
			)
		}
		return alg, nil
	}

	switch key.KeyType() {
	case jwa.RSA:
		return jwa.RS256, nil
	case jwa.EC:
		if crv, ok := key.Get(jwk.ECDSACrvKey); ok {
			switch crv {
			case jwa.P384:
				return jwa.ES384, nil
			case jwa.P521:
				return jwa.ES512, nil
			}
		}
		return jwa.ES256, nil
	case jwa.OKP:
		return jwa.EdDSA, nil
	default:
		return "", NewUnauthorizedError(
			"key type "+key.KeyType().String()+" is not usable for verification",
			ErrUnsupportedAlgorithm,
		)
	}
}

// mapValidationError folds jwx validation errors into the gateway's
// Unauthorized taxonomy.
func mapValidationError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired()), errors.Is(err, jwt.ErrTokenNotYetValid()):
		return NewUnauthorizedError("token expired", ErrTokenExpired)
	case errors.Is(err, jwt.ErrInvalidIssuer()):
		return NewUnauthorizedError("issuer mismatch", ErrIssuerMismatch)
	default:
		return NewUnauthorizedError("signature verification failed", ErrInvalidSignature)
	}
}

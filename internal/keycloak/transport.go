package keycloak

import (
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mvhysko/authgw/internal/observability"
)

// breakerTransport wraps an http.RoundTripper with a circuit breaker so a
// flapping provider does not pile up blocked requests. Responses with a
// 5xx status count as failures; 4xx responses are the caller's problem.
type breakerTransport struct {
	base http.RoundTripper
	cb   *gobreaker.CircuitBreaker
}

// newBreakerTransport creates a circuit-breaking RoundTripper.
func newBreakerTransport(
	base http.RoundTripper,
	threshold int,
	timeout time.Duration,
	logger observability.Logger,
) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}

	thresholdU32 := uint32(1)
	if threshold > 0 {
		thresholdU32 = uint32(threshold) //nolint:gosec // positive, bounded by config
	}

	settings := gobreaker.Settings{
		Name:        "keycloak",
		MaxRequests: thresholdU32,
		Interval:    timeout,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= thresholdU32 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("provider circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	}

	return &breakerTransport{
		base: base,
		cb:   gobreaker.NewCircuitBreaker(settings),
	}
}

// RoundTrip implements http.RoundTripper.
func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	result, err := t.cb.Execute(func() (interface{}, error) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, fmt.Errorf("provider returned status %d", resp.StatusCode)
		}
		return resp, nil
	})

	// The breaker reports the failure but the response, when present, is
	// still handed to the caller so status handling stays in one place.
	if resp, ok := result.(*http.Response); ok && resp != nil {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("no response")
}

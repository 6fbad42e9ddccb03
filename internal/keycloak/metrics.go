package keycloak

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for gateway operations.
type Metrics struct {
	discoveryTotal       *prometheus.CounterVec
	keyRefreshTotal      *prometheus.CounterVec
	tokenRequestTotal    *prometheus.CounterVec
	tokenRequestDuration *prometheus.HistogramVec
	verificationTotal    *prometheus.CounterVec
	verificationDuration *prometheus.HistogramVec
	registrationTotal    *prometheus.CounterVec
	introspectionTotal   *prometheus.CounterVec
	registry             *prometheus.Registry
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "authgw"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.discoveryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keycloak",
			Name:      "discovery_total",
			Help:      "Total number of discovery document fetches",
		},
		[]string{"status"},
	)

	m.keyRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keycloak",
			Name:      "key_refresh_total",
			Help:      "Total number of JWKS refreshes",
		},
		[]string{"status"},
	)

	m.tokenRequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keycloak",
			Name:      "token_request_total",
			Help:      "Total number of token requests",
		},
		[]string{"status", "grant_type"},
	)

	m.tokenRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "keycloak",
			Name:      "token_request_duration_seconds",
			Help:      "Token request duration in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"status", "grant_type"},
	)

	m.verificationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keycloak",
			Name:      "verification_total",
			Help:      "Total number of token verification attempts",
		},
		[]string{"status"},
	)

	m.verificationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "keycloak",
			Name:      "verification_duration_seconds",
			Help:      "Token verification duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"status"},
	)

	m.registrationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keycloak",
			Name:      "registration_total",
			Help:      "Total number of user registration requests",
		},
		[]string{"status"},
	)

	m.introspectionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keycloak",
			Name:      "introspection_total",
			Help:      "Total number of token introspection requests",
		},
		[]string{"status"},
	)

	m.registry.MustRegister(
		m.discoveryTotal,
		m.keyRefreshTotal,
		m.tokenRequestTotal,
		m.tokenRequestDuration,
		m.verificationTotal,
		m.verificationDuration,
		m.registrationTotal,
		m.introspectionTotal,
	)

	return m
}

// RecordDiscovery records a discovery fetch.
func (m *Metrics) RecordDiscovery(status string) {
	m.discoveryTotal.WithLabelValues(status).Inc()
}

// RecordKeyRefresh records a JWKS refresh.
func (m *Metrics) RecordKeyRefresh(status string) {
	m.keyRefreshTotal.WithLabelValues(status).Inc()
}

// RecordTokenRequest records a token request.
func (m *Metrics) RecordTokenRequest(status, grantType string, duration time.Duration) {
	m.tokenRequestTotal.WithLabelValues(status, grantType).Inc()
	m.tokenRequestDuration.WithLabelValues(status, grantType).Observe(duration.Seconds())
}

// RecordVerification records a token verification attempt.
func (m *Metrics) RecordVerification(status string, duration time.Duration) {
	m.verificationTotal.WithLabelValues(status).Inc()
	m.verificationDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordRegistration records a user registration request.
func (m *Metrics) RecordRegistration(status string) {
	m.registrationTotal.WithLabelValues(status).Inc()
}

// RecordIntrospection records a token introspection request.
func (m *Metrics) RecordIntrospection(status string) {
	m.introspectionTotal.WithLabelValues(status).Inc()
}

// Registry returns the Prometheus registry holding the gateway metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister registers the metrics with an external registry.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(
		m.discoveryTotal,
		m.keyRefreshTotal,
		m.tokenRequestTotal,
		m.tokenRequestDuration,
		m.verificationTotal,
		m.verificationDuration,
		m.registrationTotal,
		m.introspectionTotal,
	)
}

// Package metrics exposes Prometheus metrics for certificate lookups and
// message composition.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Aikoze/b2-smime-service/pkg/certstore"
	"github.com/Aikoze/b2-smime-service/pkg/directory"
)

// Fetch outcomes
const (
	OutcomeOK          = "ok"
	OutcomeNotFound    = "not_found"
	OutcomeTimeout     = "timeout"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
)

// Metrics holds the service collectors on a dedicated registry.
// It implements certstore.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	CertificateLookups *prometheus.CounterVec
	DirectoryFetches   *prometheus.HistogramVec
	MessagesComposed   *prometheus.CounterVec
}

var _ certstore.Recorder = (*Metrics)(nil)

// New creates a new Metrics instance with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		CertificateLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "b2smime_certificate_lookups_total",
			Help: "Certificate lookups by the cache tier that answered them",
		}, []string{"tier"}),
		DirectoryFetches: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "b2smime_directory_fetch_duration_seconds",
			Help:    "Duration of LDAP annuaire certificate fetches",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
		MessagesComposed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "b2smime_messages_total",
			Help: "Encrypted messages produced, by mode and outcome",
		}, []string{"mode", "outcome"}),
	}
}

// RecordHit counts a lookup answered by tier.
func (m *Metrics) RecordHit(tier certstore.Tier) {
	m.CertificateLookups.WithLabelValues(string(tier)).Inc()
}

// RecordFetch records the duration and outcome of a directory fetch.
func (m *Metrics) RecordFetch(elapsed time.Duration, err error) {
	m.DirectoryFetches.WithLabelValues(FetchOutcome(err)).Observe(elapsed.Seconds())
}

// RecordMessage counts a composed message. mode is "direct" or "full".
func (m *Metrics) RecordMessage(mode string, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.MessagesComposed.WithLabelValues(mode, outcome).Inc()
}

// WatchCache exposes the number of cached certificates as a gauge.
func (m *Metrics) WatchCache(size func() int) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "b2smime_certificates_cached",
		Help: "Certificates held in the memory tier",
	}, func() float64 { return float64(size()) })
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// FetchOutcome classifies a directory fetch error.
func FetchOutcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, directory.ErrCertificateNotFound):
		return OutcomeNotFound
	case errors.Is(err, directory.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, directory.ErrDirectoryUnavailable):
		return OutcomeUnavailable
	default:
		return OutcomeError
	}
}

// Package metrics defines the service's Prometheus collectors.
//
// Collectors are registered on a private registry owned by Metrics, never
// on the global default registry, so tests can build as many as they like.
// All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "serveml"

// Inference outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// Metrics holds every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	productsActive    prometheus.Gauge
	productsAdded     prometheus.Counter
	productsRemoved   prometheus.Counter
	inferences        *prometheus.CounterVec
	inferenceDuration prometheus.Histogram
	recoverySkipped   prometheus.Counter
	storeDrift        *prometheus.GaugeVec
	httpRequests      *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		productsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "products_active",
			Help:      "Products currently registered.",
		}),
		productsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "products_added_total",
			Help:      "Products registered since start.",
		}),
		productsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "products_removed_total",
			Help:      "Products removed since start.",
		}),
		inferences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inferences_total",
			Help:      "Inference requests by outcome.",
		}, []string{"outcome"}),
		inferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Time spent validating and running a model.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		recoverySkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_skipped_total",
			Help:      "Persisted objects skipped during startup recovery.",
		}),
		storeDrift: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_drift_keys",
			Help:      "Keys that differ between memory and the store at the last audit.",
		}, []string{"kind"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}

	m.registry.MustRegister(
		m.productsActive,
		m.productsAdded,
		m.productsRemoved,
		m.inferences,
		m.inferenceDuration,
		m.recoverySkipped,
		m.storeDrift,
		m.httpRequests,
		collectors.NewGoCollector(),
		newProcessCollector(),
	)

	// Pre-create label values so they are exported as zero.
	for _, o := range []string{OutcomeOK, OutcomeRejected, OutcomeNotFound, OutcomeError} {
		m.inferences.WithLabelValues(o)
	}
	m.storeDrift.WithLabelValues("missing_on_disk")
	m.storeDrift.WithLabelValues("unknown_on_disk")
	return m
}

// Registry exposes the underlying registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.productsActive.Set(float64(n))
}

func (m *Metrics) ProductAdded() {
	if m == nil {
		return
	}
	m.productsAdded.Inc()
	m.productsActive.Inc()
}

func (m *Metrics) ProductRemoved() {
	if m == nil {
		return
	}
	m.productsRemoved.Inc()
	m.productsActive.Dec()
}

// Inference records one inference request.
func (m *Metrics) Inference(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.inferences.WithLabelValues(outcome).Inc()
	if outcome == OutcomeOK || outcome == OutcomeError {
		m.inferenceDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) RecoverySkipped() {
	if m == nil {
		return
	}
	m.recoverySkipped.Inc()
}

// Drift records the result of the last consistency audit.
func (m *Metrics) Drift(missingOnDisk, unknownOnDisk int) {
	if m == nil {
		return
	}
	m.storeDrift.WithLabelValues("missing_on_disk").Set(float64(missingOnDisk))
	m.storeDrift.WithLabelValues("unknown_on_disk").Set(float64(unknownOnDisk))
}

// HTTPRequest counts one served request.
func (m *Metrics) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, statusLabel(code)).Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

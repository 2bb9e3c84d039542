// Package metrics holds the Prometheus instruments of the relay server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "revvoice"

// Metrics contains all Prometheus metrics for the relay
type Metrics struct {
	gatherer prometheus.Gatherer

	// Turn metrics
	ActiveTurns  prometheus.Gauge
	TurnsTotal   *prometheus.CounterVec
	TurnDuration *prometheus.HistogramVec

	// Audio metrics
	AudioBytes  *prometheus.CounterVec
	AudioChunks *prometheus.CounterVec

	// Model metrics
	ModelErrors *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers all metrics on reg. Use a fresh prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: reg,

		ActiveTurns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_turns",
			Help:      "Current number of conversation turns in progress",
		}),
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of conversation turns",
		}, []string{"transport", "outcome"}),
		TurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Duration of conversation turns in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~1 minute
		}, []string{"transport"}),

		AudioBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes relayed",
		}, []string{"direction"}),
		AudioChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_total",
			Help:      "Audio chunks relayed",
		}, []string{"direction"}),

		ModelErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_errors_total",
			Help:      "Errors returned by the speech and language models",
		}, []string{"operation"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"method", "path"}),
	}
}

// Audio directions
const (
	DirectionUp   = "up"
	DirectionDown = "down"
)

// Turn outcomes
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// TurnStarted records a new turn and returns the function that finishes it.
func (m *Metrics) TurnStarted(transport string) func(outcome string) {
	m.ActiveTurns.Inc()
	start := time.Now()
	return func(outcome string) {
		m.ActiveTurns.Dec()
		m.TurnsTotal.WithLabelValues(transport, outcome).Inc()
		m.TurnDuration.WithLabelValues(transport).Observe(time.Since(start).Seconds())
	}
}

// RecordAudio counts one relayed audio chunk
func (m *Metrics) RecordAudio(direction string, size int) {
	m.AudioChunks.WithLabelValues(direction).Inc()
	m.AudioBytes.WithLabelValues(direction).Add(float64(size))
}

// RecordModelError counts a failed model call
func (m *Metrics) RecordModelError(operation string) {
	m.ModelErrors.WithLabelValues(operation).Inc()
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency per route
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}

			m.HTTPRequests.WithLabelValues(c.Request().Method, path, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(c.Request().Method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

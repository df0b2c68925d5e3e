// Package metrics exposes the scheduler, bus and HTTP measurements in
// Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "recserve"

// Metrics holds all application metrics on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	// Batch metrics
	BatchSize     prometheus.Histogram
	BatchAssembly prometheus.Histogram
	QueueDepth    prometheus.Gauge

	// Scoring metrics
	ScoringLatency prometheus.Histogram
	ScoredRows     prometheus.Counter
	ScoringErrors  prometheus.Counter

	// Request metrics
	Outcomes       *prometheus.CounterVec // labels: code
	RequestLatency prometheus.Histogram
	Abandoned      prometheus.Counter

	// Impression metrics, fed from batch events
	Impressions prometheus.Counter
	ItemsServed prometheus.Histogram
	BatchesSeen prometheus.Counter

	// Bus metrics
	BusEventsPublished *prometheus.CounterVec   // labels: topic
	BusEventLatency    *prometheus.HistogramVec // labels: topic
	BusErrors          *prometheus.CounterVec   // labels: topic

	// HTTP metrics
	HTTPRequests         *prometheus.CounterVec   // labels: method, path, status
	HTTPDuration         *prometheus.HistogramVec // labels: method, path
	HTTPRequestsInFlight prometheus.Gauge
}

// New creates a metrics instance registered on a fresh registry, together
// with the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers all metrics on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,

		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Requests per dispatched batch.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		}),
		BatchAssembly: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_assembly_seconds",
			Help:      "Time from the first claim of a batch to its dispatch.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Requests waiting in the intake queue.",
		}),

		ScoringLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scoring_duration_seconds",
			Help:      "Duration of one batched scoring call.",
			Buckets:   prometheus.DefBuckets,
		}),
		ScoredRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scored_rows_total",
			Help:      "Feature rows sent to the scorer.",
		}),
		ScoringErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scoring_errors_total",
			Help:      "Failed scoring calls.",
		}),

		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Resolved recommendation requests by outcome code.",
		}, []string{"code"}),
		RequestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from enqueue to resolution.",
			Buckets:   prometheus.DefBuckets,
		}),
		Abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_abandoned_total",
			Help:      "Requests whose caller stopped waiting before resolution.",
		}),

		Impressions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "impressions_total",
			Help:      "Item impressions returned to callers.",
		}),
		ItemsServed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "items_served",
			Help:      "Items returned per successful request.",
			Buckets:   []float64{0, 1, 5, 10, 20, 50, 100},
		}),
		BatchesSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_events_total",
			Help:      "Batch events received from the bus.",
		}),

		BusEventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_published_total",
			Help:      "Events published on the bus.",
		}, []string{"topic"}),
		BusEventLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_publish_duration_seconds",
			Help:      "Bus publish latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
		BusErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_errors_total",
			Help:      "Failed bus publishes.",
		}, []string{"topic"}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPRequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served.",
		}),
	}

	reg.MustRegister(
		m.BatchSize, m.BatchAssembly, m.QueueDepth,
		m.ScoringLatency, m.ScoredRows, m.ScoringErrors,
		m.Outcomes, m.RequestLatency, m.Abandoned,
		m.Impressions, m.ItemsServed, m.BatchesSeen,
		m.BusEventsPublished, m.BusEventLatency, m.BusErrors,
		m.HTTPRequests, m.HTTPDuration, m.HTTPRequestsInFlight,
	)

	return m
}

// Handler returns an HTTP handler that serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordBatch records one dispatched batch.
func (m *Metrics) RecordBatch(size int, assembly time.Duration) {
	m.BatchSize.Observe(float64(size))
	m.BatchAssembly.Observe(assembly.Seconds())
}

// RecordScoring records one scoring call.
func (m *Metrics) RecordScoring(rows int, latency time.Duration, err error) {
	m.ScoredRows.Add(float64(rows))
	m.ScoringLatency.Observe(latency.Seconds())
	if err != nil {
		m.ScoringErrors.Inc()
	}
}

// RecordOutcome records the resolution of one request. code is "ok" on success.
func (m *Metrics) RecordOutcome(code string, latency time.Duration) {
	if code == "" {
		code = "unknown"
	}
	m.Outcomes.WithLabelValues(code).Inc()
	if latency > 0 {
		m.RequestLatency.Observe(latency.Seconds())
	}
}

// RecordQueueDepth sets the intake queue depth.
func (m *Metrics) RecordQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// RecordAbandoned counts a caller that stopped waiting.
func (m *Metrics) RecordAbandoned() {
	m.Abandoned.Inc()
}

// RecordBusPublish records a bus publish.
func (m *Metrics) RecordBusPublish(topic string, latency time.Duration, err error) {
	m.BusEventsPublished.WithLabelValues(topic).Inc()
	m.BusEventLatency.WithLabelValues(topic).Observe(latency.Seconds())
	if err != nil {
		m.BusErrors.WithLabelValues(topic).Inc()
	}
}

// RecordHTTP records one HTTP request.
func (m *Metrics) RecordHTTP(method, path string, status int, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(method, path, statusCode(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

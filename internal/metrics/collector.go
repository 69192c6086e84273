// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records discovery-engine metrics.
type Collector struct {
	// Registry metrics
	registrationsTotal   *prometheus.CounterVec
	unregistrationsTotal prometheus.Counter
	registeredAgents     prometheus.Gauge
	indexOutcomesTotal   *prometheus.CounterVec

	// Search metrics
	searchesTotal  *prometheus.CounterVec
	searchDuration *prometheus.HistogramVec
	searchResults  *prometheus.HistogramVec

	// Embedding metrics
	embeddingRequestsTotal *prometheus.CounterVec
	embeddingDuration      *prometheus.HistogramVec

	// Cache metrics
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// Vector store metrics
	vectorStoreOpsTotal *prometheus.CounterVec
	vectorStoreDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a metrics collector under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// Registry metrics
	c.registrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Total number of agent registrations by outcome",
		},
		[]string{"outcome"},
	)

	c.unregistrationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unregistrations_total",
			Help:      "Total number of agent unregistrations",
		},
	)

	c.registeredAgents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_agents",
			Help:      "Number of live agent registrations",
		},
	)

	c.indexOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_outcomes_total",
			Help:      "Total number of vector indexing attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Search metrics
	c.searchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_total",
			Help:      "Total number of capability searches by mode",
		},
		[]string{"mode"},
	)

	c.searchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Capability search duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"mode"},
	)

	c.searchResults = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_results",
			Help:      "Number of results returned per search",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
		},
		[]string{"mode"},
	)

	// Embedding metrics
	c.embeddingRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_requests_total",
			Help:      "Total number of embedding requests",
		},
		[]string{"provider", "status"},
	)

	c.embeddingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embedding_request_duration_seconds",
			Help:      "Embedding request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	// Cache metrics
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// Vector store metrics
	c.vectorStoreOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vector_store_operations_total",
			Help:      "Total number of vector store operations by status",
		},
		[]string{"operation", "status"},
	)

	c.vectorStoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vector_store_operation_duration_seconds",
			Help:      "Vector store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordRegistration records a registration attempt outcome
// (registered, duplicate, rejected, invalid).
func (c *Collector) RecordRegistration(outcome string) {
	c.registrationsTotal.WithLabelValues(outcome).Inc()
}

// RecordUnregistration records one unregistration.
func (c *Collector) RecordUnregistration() {
	c.unregistrationsTotal.Inc()
}

// SetRegisteredAgents updates the live registration gauge.
func (c *Collector) SetRegisteredAgents(n int) {
	c.registeredAgents.Set(float64(n))
}

// RecordIndexOutcome records a vector indexing attempt (indexed, failed, removed).
func (c *Collector) RecordIndexOutcome(outcome string) {
	c.indexOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordSearch records one capability search. Mode is semantic,
// exact or jaccard.
func (c *Collector) RecordSearch(mode string, duration time.Duration, results int) {
	c.searchesTotal.WithLabelValues(mode).Inc()
	c.searchDuration.WithLabelValues(mode).Observe(duration.Seconds())
	c.searchResults.WithLabelValues(mode).Observe(float64(results))
}

// RecordEmbeddingRequest records one embedding provider call.
func (c *Collector) RecordEmbeddingRequest(provider, status string, duration time.Duration) {
	c.embeddingRequestsTotal.WithLabelValues(provider, status).Inc()
	c.embeddingDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordCacheHit records a cache hit.
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordVectorStoreOp records one vector store operation.
func (c *Collector) RecordVectorStoreOp(operation, status string, duration time.Duration) {
	c.vectorStoreOpsTotal.WithLabelValues(operation, status).Inc()
	c.vectorStoreDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

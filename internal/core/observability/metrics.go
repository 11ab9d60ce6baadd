// Package observability records the engine's Prometheus metrics.
package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu      sync.RWMutex
	enabled bool

	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	providerLatencySeconds     *prometheus.HistogramVec
	layerFetchTotal            *prometheus.CounterVec
	layerGeneration            *prometheus.GaugeVec
	viewportEventsTotal        *prometheus.CounterVec
	featureStateWritesTotal    *prometheus.CounterVec
	featureStateUnresolved     *prometheus.CounterVec
	surfaceOpsTotal            *prometheus.CounterVec
	cacheOpTotal               *prometheus.CounterVec
	cacheOpDurationSeconds     *prometheus.HistogramVec
	notifyDroppedTotal         prometheus.Counter
	invalidationsTotal         *prometheus.CounterVec
	invalidationDuration       *prometheus.HistogramVec
	kafkaConsumerErrors        *prometheus.CounterVec
	buildInfo                  *prometheus.GaugeVec
)

// Init builds the collectors and registers them on reg. With on=false every
// Observe/Inc call is a no-op.
func Init(reg prometheus.Registerer, on bool) {
	mu.Lock()
	defer mu.Unlock()

	enabled = on
	if !on {
		return
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)
	providerLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_latency_seconds",
			Help:    "Latency of data provider calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"endpoint"},
	)
	layerFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "layer_fetch_total",
			Help: "Layer data requests by outcome.",
		},
		[]string{"layer", "outcome"},
	)
	layerGeneration = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "layer_generation",
			Help: "Current generation id per layer.",
		},
		[]string{"layer"},
	)
	viewportEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewport_events_total",
			Help: "Raw viewport events by outcome.",
		},
		[]string{"outcome"},
	)
	featureStateWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feature_state_writes_total",
			Help: "Per-feature visual state writes.",
		},
		[]string{"layer"},
	)
	featureStateUnresolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feature_state_unresolved_total",
			Help: "Business keys not present in the current generation.",
		},
		[]string{"layer"},
	)
	surfaceOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surface_ops_total",
			Help: "Native render surface mutations by operation.",
		},
		[]string{"op"},
	)
	cacheOpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Shared response cache operations by result.",
		},
		[]string{"op", "result"},
	)
	cacheOpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Duration of redis operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)
	notifyDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_dropped_total",
			Help: "Notifications dropped because the publish queue was full.",
		},
	)
	invalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "layer_invalidations_total",
			Help: "Upstream change events applied, by op, layer and result.",
		},
		[]string{"op", "layer", "result"},
	)
	invalidationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "layer_invalidation_duration_seconds",
			Help:    "Time to apply one change event.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)
	kafkaConsumerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_consumer_errors_total",
			Help: "Change events the consumer could not use, by kind.",
		},
		[]string{"kind"},
	)
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mapsync_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)

	reg.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		providerLatencySeconds,
		layerFetchTotal,
		layerGeneration,
		viewportEventsTotal,
		featureStateWritesTotal,
		featureStateUnresolved,
		surfaceOpsTotal,
		cacheOpTotal,
		cacheOpDurationSeconds,
		notifyDroppedTotal,
		invalidationsTotal,
		invalidationDuration,
		kafkaConsumerErrors,
		buildInfo,
	)
}

func on() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	if !on() {
		return
	}
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveProviderLatency(endpoint string, durationSeconds float64) {
	if !on() {
		return
	}
	providerLatencySeconds.WithLabelValues(endpoint).Observe(durationSeconds)
}

// outcome is one of ok, error, superseded, cache_hit, current.
func IncLayerFetch(layer, outcome string) {
	if !on() {
		return
	}
	layerFetchTotal.WithLabelValues(layer, outcome).Inc()
}

func SetLayerGeneration(layer string, id uint64) {
	if !on() {
		return
	}
	layerGeneration.WithLabelValues(layer).Set(float64(id))
}

// outcome is one of settled, suppressed, malformed.
func IncViewportEvent(outcome string) {
	if !on() {
		return
	}
	viewportEventsTotal.WithLabelValues(outcome).Inc()
}

func AddFeatureStateWrites(layer string, n int) {
	if !on() || n <= 0 {
		return
	}
	featureStateWritesTotal.WithLabelValues(layer).Add(float64(n))
}

func AddFeatureStateUnresolved(layer string, n int) {
	if !on() || n <= 0 {
		return
	}
	featureStateUnresolved.WithLabelValues(layer).Add(float64(n))
}

func IncSurfaceOp(op string) {
	if !on() {
		return
	}
	surfaceOpsTotal.WithLabelValues(op).Inc()
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	if !on() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	cacheOpTotal.WithLabelValues(op, result).Inc()
	cacheOpDurationSeconds.WithLabelValues(op).Observe(durationSeconds)
}

func IncCacheResult(op string, hit bool) {
	if !on() {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheOpTotal.WithLabelValues(op, result).Inc()
}

func IncNotifyDropped() {
	if !on() {
		return
	}
	notifyDroppedTotal.Inc()
}

func ObserveInvalidation(op, layer string, dur time.Duration, err error) {
	if !on() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	invalidationsTotal.WithLabelValues(op, layer, result).Inc()
	invalidationDuration.WithLabelValues(op).Observe(dur.Seconds())
}

// kind is one of decode, invalid, unknown_layer.
func IncKafkaConsumerError(kind string) {
	if !on() {
		return
	}
	kafkaConsumerErrors.WithLabelValues(kind).Inc()
}

func ExposeBuildInfo(version string) {
	if !on() {
		return
	}
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}

package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tributary-ai/llm-router-resilience/internal/types"
)

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "llm_router",
	}
}

// Metrics holds the Prometheus collectors mirrored by the aggregator.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ProviderRequests *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	ProviderCost     *prometheus.CounterVec
	ProviderTokens   *prometheus.CounterVec
	RateLimited      *prometheus.CounterVec
	Fallbacks        *prometheus.CounterVec
	CircuitState     *prometheus.GaugeVec

	CacheHitRatio prometheus.Gauge
	CacheEntries  prometheus.Gauge
	CacheMemory   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. It returns nil
// when metrics are disabled.
func NewMetrics(config MetricsConfig, reg prometheus.Registerer) *Metrics {
	if !config.Enabled {
		return nil
	}

	m := &Metrics{
		ProviderRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "provider_requests_total",
				Help:      "Total number of provider calls by outcome",
			},
			[]string{"provider", "status"},
		),
		ProviderErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "provider_errors_total",
				Help:      "Total number of failed provider calls by error class",
			},
			[]string{"provider", "class"},
		),
		ProviderLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "provider_request_duration_seconds",
				Help:      "Provider call duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		ProviderCost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "provider_cost_total",
				Help:      "Accumulated provider cost",
			},
			[]string{"provider"},
		),
		ProviderTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "provider_tokens_total",
				Help:      "Accumulated tokens reported by providers",
			},
			[]string{"provider"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "rate_limited_total",
				Help:      "Provider calls refused by the local rate limiter",
			},
			[]string{"provider"},
		),
		Fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "fallbacks_total",
				Help:      "Requests served by a provider other than the primary",
			},
			[]string{"from", "to"},
		),
		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_state",
				Help:      "Circuit breaker state per provider (0 closed, 1 half-open, 2 open)",
			},
			[]string{"provider"},
		),
		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_hit_ratio",
				Help:      "Cache hit ratio (0-1)",
			},
		),
		CacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_entries",
				Help:      "Number of cache entries tracked",
			},
		),
		CacheMemory: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_memory_bytes",
				Help:      "Approximate bytes held by cache entries",
			},
		),
	}

	reg.MustRegister(
		m.ProviderRequests,
		m.ProviderErrors,
		m.ProviderLatency,
		m.ProviderCost,
		m.ProviderTokens,
		m.RateLimited,
		m.Fallbacks,
		m.CircuitState,
		m.CacheHitRatio,
		m.CacheEntries,
		m.CacheMemory,
	)

	return m
}

func (m *Metrics) observeSuccess(provider string, latency time.Duration, cost float64, tokens int) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(provider, "success").Inc()
	m.ProviderLatency.WithLabelValues(provider).Observe(latency.Seconds())
	if cost > 0 {
		m.ProviderCost.WithLabelValues(provider).Add(cost)
	}
	if tokens > 0 {
		m.ProviderTokens.WithLabelValues(provider).Add(float64(tokens))
	}
}

func (m *Metrics) observeFailure(provider string, class types.ErrorClass, latency time.Duration) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(provider, "error").Inc()
	m.ProviderErrors.WithLabelValues(provider, string(class)).Inc()
	if latency > 0 {
		m.ProviderLatency.WithLabelValues(provider).Observe(latency.Seconds())
	}
}

func (m *Metrics) observeRateLimited(provider string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(provider).Inc()
}

func (m *Metrics) observeFallback(from, to string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(from, to).Inc()
}

func (m *Metrics) observeCache(stats CacheStats) {
	if m == nil {
		return
	}
	m.CacheHitRatio.Set(stats.HitRate)
	m.CacheEntries.Set(float64(stats.Entries))
	m.CacheMemory.Set(float64(stats.MemoryBytes))
}

func (m *Metrics) observeCircuit(provider, state string) {
	if m == nil {
		return
	}
	var value float64
	switch state {
	case "half-open":
		value = 1
	case "open":
		value = 2
	}
	m.CircuitState.WithLabelValues(provider).Set(value)
}

package monitoring

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-router-resilience/internal/types"
)

const (
	// LatencyWindow is how many recent latencies feed p95 and mean
	LatencyWindow = 100
	// MaxErrorExamples caps the sample messages kept per error class
	MaxErrorExamples = 5
)

// ErrorBucket counts failures of one class
type ErrorBucket struct {
	Count    int64    `json:"count"`
	Examples []string `json:"examples"`
}

// ProviderStats is a point-in-time copy of one provider's counters
type ProviderStats struct {
	Provider      string                           `json:"provider"`
	Requests      int64                            `json:"requests"`
	Errors        int64                            `json:"errors"`
	ErrorRate     float64                          `json:"error_rate"`
	RateLimited   int64                            `json:"rate_limited"`
	P95Latency    time.Duration                    `json:"p95_latency"`
	MeanLatency   time.Duration                    `json:"mean_latency"`
	TotalCost     float64                          `json:"total_cost"`
	TotalTokens   int64                            `json:"total_tokens"`
	ErrorsByClass map[types.ErrorClass]ErrorBucket `json:"errors_by_class"`
	LastRequest   time.Time                        `json:"last_request"`
}

// CacheStats is the cache summary last reported to the aggregator
type CacheStats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Entries     int     `json:"entries"`
	MemoryBytes int64   `json:"memory_bytes"`
}

// Snapshot is the read-only view returned by Aggregator.Snapshot
type Snapshot struct {
	Providers     map[string]ProviderStats `json:"providers"`
	TotalRequests int64                    `json:"total_requests"`
	TotalErrors   int64                    `json:"total_errors"`
	TotalCost     float64                  `json:"total_cost"`
	Fallbacks     int64                    `json:"fallbacks"`
	Cache         CacheStats               `json:"cache"`
	GeneratedAt   time.Time                `json:"generated_at"`
}

type providerStats struct {
	mu          sync.Mutex
	requests    int64
	errors      int64
	rateLimited int64
	latencies   [LatencyWindow]time.Duration
	next        int
	filled      int
	cost        float64
	tokens      int64
	byClass     map[types.ErrorClass]*ErrorBucket
	lastRequest time.Time
}

func (s *providerStats) observe(latency time.Duration) {
	if latency <= 0 {
		return
	}
	s.latencies[s.next] = latency
	s.next = (s.next + 1) % LatencyWindow
	if s.filled < LatencyWindow {
		s.filled++
	}
}

// Aggregator collects per-provider outcomes reported by the executor
type Aggregator struct {
	mu        sync.RWMutex
	providers map[string]*providerStats
	cache     CacheStats
	fallbacks int64

	metrics *Metrics
	logger  *logrus.Logger
	now     func() time.Time
}

// NewAggregator creates an aggregator. metrics may be nil.
func NewAggregator(metrics *Metrics, logger *logrus.Logger) *Aggregator {
	return &Aggregator{
		providers: make(map[string]*providerStats),
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

func (a *Aggregator) stats(provider string) *providerStats {
	a.mu.RLock()
	s, ok := a.providers[provider]
	a.mu.RUnlock()
	if ok {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok = a.providers[provider]; !ok {
		s = &providerStats{byClass: make(map[types.ErrorClass]*ErrorBucket)}
		a.providers[provider] = s
	}
	return s
}

// RecordSuccess records a completed provider call
func (a *Aggregator) RecordSuccess(provider string, latency time.Duration, cost float64, tokens int) {
	s := a.stats(provider)
	s.mu.Lock()
	s.requests++
	s.observe(latency)
	s.cost += cost
	s.tokens += int64(tokens)
	s.lastRequest = a.now()
	s.mu.Unlock()

	a.metrics.observeSuccess(provider, latency, cost, tokens)
}

// RecordFailure records a failed provider call
func (a *Aggregator) RecordFailure(provider string, class types.ErrorClass, latency time.Duration, err error) {
	s := a.stats(provider)
	s.mu.Lock()
	s.requests++
	s.errors++
	s.observe(latency)
	s.lastRequest = a.now()

	bucket, ok := s.byClass[class]
	if !ok {
		bucket = &ErrorBucket{}
		s.byClass[class] = bucket
	}
	bucket.Count++
	if err != nil && len(bucket.Examples) < MaxErrorExamples {
		bucket.Examples = append(bucket.Examples, err.Error())
	}
	s.mu.Unlock()

	a.metrics.observeFailure(provider, class, latency)
}

// RecordRateLimited counts a call the local rate limiter refused. No request
// reached the provider, so requests and error rate are left alone.
func (a *Aggregator) RecordRateLimited(provider string) {
	s := a.stats(provider)
	s.mu.Lock()
	s.rateLimited++
	s.mu.Unlock()

	a.metrics.observeRateLimited(provider)
}

// RecordFallback counts a request served by a provider other than the primary
func (a *Aggregator) RecordFallback(from, to string) {
	a.mu.Lock()
	a.fallbacks++
	a.mu.Unlock()

	a.metrics.observeFallback(from, to)
}

// RecordCacheStats stores the latest cache summary
func (a *Aggregator) RecordCacheStats(stats CacheStats) {
	a.mu.Lock()
	a.cache = stats
	a.mu.Unlock()

	a.metrics.observeCache(stats)
}

// RecordCircuitState mirrors a breaker state into the metrics gauge
func (a *Aggregator) RecordCircuitState(provider string, state string) {
	a.metrics.observeCircuit(provider, state)
}

// Provider returns one provider's stats
func (a *Aggregator) Provider(name string) (ProviderStats, bool) {
	a.mu.RLock()
	s, ok := a.providers[name]
	a.mu.RUnlock()
	if !ok {
		return ProviderStats{}, false
	}
	return s.snapshot(name), true
}

// Snapshot returns a copy of everything collected so far
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	names := make([]string, 0, len(a.providers))
	for name := range a.providers {
		names = append(names, name)
	}
	snap := Snapshot{
		Providers:   make(map[string]ProviderStats, len(names)),
		Fallbacks:   a.fallbacks,
		Cache:       a.cache,
		GeneratedAt: a.now(),
	}
	stats := make([]*providerStats, len(names))
	for i, name := range names {
		stats[i] = a.providers[name]
	}
	a.mu.RUnlock()

	for i, name := range names {
		ps := stats[i].snapshot(name)
		snap.Providers[name] = ps
		snap.TotalRequests += ps.Requests
		snap.TotalErrors += ps.Errors
		snap.TotalCost += ps.TotalCost
	}
	return snap
}

// LogSummary writes one line per provider at info level
func (a *Aggregator) LogSummary() {
	snap := a.Snapshot()
	for name, ps := range snap.Providers {
		a.logger.WithFields(logrus.Fields{
			"provider":   name,
			"requests":   ps.Requests,
			"errors":     ps.Errors,
			"error_rate": ps.ErrorRate,
			"throttled":  ps.RateLimited,
			"p95_ms":     ps.P95Latency.Milliseconds(),
			"mean_ms":    ps.MeanLatency.Milliseconds(),
			"cost":       ps.TotalCost,
			"tokens":     ps.TotalTokens,
		}).Info("Provider stats")
	}
	a.logger.WithFields(logrus.Fields{
		"hits":      snap.Cache.Hits,
		"misses":    snap.Cache.Misses,
		"hit_rate":  snap.Cache.HitRate,
		"entries":   snap.Cache.Entries,
		"fallbacks": snap.Fallbacks,
	}).Info("Cache stats")
}

func (s *providerStats) snapshot(name string) ProviderStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps := ProviderStats{
		Provider:      name,
		Requests:      s.requests,
		Errors:        s.errors,
		RateLimited:   s.rateLimited,
		TotalCost:     s.cost,
		TotalTokens:   s.tokens,
		LastRequest:   s.lastRequest,
		ErrorsByClass: make(map[types.ErrorClass]ErrorBucket, len(s.byClass)),
	}
	if s.requests > 0 {
		ps.ErrorRate = float64(s.errors) / float64(s.requests) * 100
	}
	for class, bucket := range s.byClass {
		ps.ErrorsByClass[class] = ErrorBucket{
			Count:    bucket.Count,
			Examples: append([]string(nil), bucket.Examples...),
		}
	}

	window := append([]time.Duration(nil), s.latencies[:s.filled]...)
	ps.P95Latency, ps.MeanLatency = summarize(window)
	return ps
}

// summarize returns the p95 (nearest rank) and mean of the window
func summarize(window []time.Duration) (p95, mean time.Duration) {
	if len(window) == 0 {
		return 0, 0
	}

	var total time.Duration
	for _, d := range window {
		total += d
	}
	mean = total / time.Duration(len(window))

	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	idx := int(math.Ceil(0.95*float64(len(window)))) - 1
	if idx < 0 {
		idx = 0
	}
	return window[idx], mean
}

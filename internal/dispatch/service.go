package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-router-resilience/internal/breaker"
	"github.com/tributary-ai/llm-router-resilience/internal/cache"
	"github.com/tributary-ai/llm-router-resilience/internal/events"
	"github.com/tributary-ai/llm-router-resilience/internal/executor"
	"github.com/tributary-ai/llm-router-resilience/internal/monitoring"
	"github.com/tributary-ai/llm-router-resilience/internal/providers"
	"github.com/tributary-ai/llm-router-resilience/internal/ratelimit"
	"github.com/tributary-ai/llm-router-resilience/internal/registry"
	"github.com/tributary-ai/llm-router-resilience/internal/routing"
	"github.com/tributary-ai/llm-router-resilience/internal/scheduler"
	"github.com/tributary-ai/llm-router-resilience/internal/store"
	"github.com/tributary-ai/llm-router-resilience/internal/types"
)

// MaintenanceConfig holds the background task intervals
type MaintenanceConfig struct {
	Enabled          bool          `yaml:"enabled"`
	HealthInterval   time.Duration `yaml:"health_interval"`
	OptimizeInterval time.Duration `yaml:"optimize_interval"`
	StatsInterval    time.Duration `yaml:"stats_interval"`
	PreloadInterval  time.Duration `yaml:"preload_interval"`
}

// Config holds the settings of every component the service owns
type Config struct {
	DefaultMode     types.OptimizationMode
	DefaultCapacity int
	Registry        registry.Config
	Breaker         breaker.Config
	RateLimit       ratelimit.Config
	Executor        executor.Config
	Cache           cache.Config
	Events          events.Config
	Metrics         monitoring.MetricsConfig
	Maintenance     MaintenanceConfig
}

// DefaultConfig returns production defaults for every component
func DefaultConfig() Config {
	return Config{
		DefaultMode:     types.OptimizeBalanced,
		DefaultCapacity: 10,
		Registry:        registry.Config{MinHealthScore: 50, ProbeTimeout: 10 * time.Second},
		Breaker:         breaker.DefaultConfig(),
		RateLimit:       ratelimit.Config{Enabled: true, CleanupInterval: 5 * time.Minute},
		Executor:        executor.DefaultConfig(),
		Cache:           cache.DefaultConfig(),
		Events:          events.Config{BufferSize: 1000},
		Metrics:         monitoring.DefaultMetricsConfig(),
		Maintenance: MaintenanceConfig{
			Enabled:          true,
			HealthInterval:   30 * time.Second,
			OptimizeInterval: 5 * time.Minute,
			StatsInterval:    60 * time.Second,
			PreloadInterval:  10 * time.Minute,
		},
	}
}

// Deps are the external resources the service runs on
type Deps struct {
	// Store backs the cache and rate limiter; an in-process store is used when nil
	Store store.Store
	// Registerer receives the Prometheus collectors; metrics are off when nil
	Registerer prometheus.Registerer
	Logger     *logrus.Logger
}

// Stats is the combined view served by the ops API
type Stats struct {
	Providers       []types.ProviderSnapshot `json:"providers"`
	Breakers        []breaker.Snapshot       `json:"breakers"`
	Monitoring      monitoring.Snapshot      `json:"monitoring"`
	Cache           cache.Stats              `json:"cache"`
	Tasks           []scheduler.TaskStats    `json:"tasks"`
	EventsPublished int64                    `json:"events_published"`
	EventsDropped   int64                    `json:"events_dropped"`
}

// Service is the inbound entry point: it validates a request, serves it from
// cache when possible and otherwise routes and executes it
type Service struct {
	config Config
	logger *logrus.Logger

	store      store.Store
	breaker    *breaker.Breaker
	load       *registry.InFlightLoad
	registry   *registry.Registry
	router     *routing.Router
	limiter    *ratelimit.Limiter
	executor   *executor.Executor
	cache      *cache.Cache
	aggregator *monitoring.Aggregator
	bus        *events.Bus
	scheduler  *scheduler.Scheduler
	validate   *validator.Validate
}

// New wires every component. Call Start to begin background work.
func New(config Config, deps Deps) (*Service, error) {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	s := deps.Store
	if s == nil {
		s = store.NewMemoryStore()
	}
	if config.DefaultMode == "" {
		config.DefaultMode = types.OptimizeBalanced
	}
	if config.DefaultCapacity <= 0 {
		config.DefaultCapacity = DefaultConfig().DefaultCapacity
	}

	var metrics *monitoring.Metrics
	if deps.Registerer != nil {
		metrics = monitoring.NewMetrics(config.Metrics, deps.Registerer)
	}

	svc := &Service{
		config:     config,
		logger:     logger,
		store:      s,
		breaker:    breaker.New(config.Breaker, logger),
		load:       registry.NewInFlightLoad(config.DefaultCapacity),
		cache:      cache.New(s, config.Cache, logger),
		aggregator: monitoring.NewAggregator(metrics, logger),
		bus:        events.New(config.Events, logger),
		scheduler:  scheduler.New(logger),
		validate:   validator.New(),
	}

	svc.registry = registry.New(config.Registry, svc.breaker, svc.load, logger)
	svc.router = routing.NewRouter(svc.registry, logger)
	svc.limiter = ratelimit.New(s, config.RateLimit, logger)
	svc.executor = executor.New(config.Executor, executor.Deps{
		Providers: svc.registry,
		Breaker:   svc.breaker,
		Limiter:   svc.limiter,
		Load:      svc.load,
		Recorder:  svc.aggregator,
	}, logger)

	svc.breaker.OnTransition(svc.onCircuitTransition)

	if err := svc.addMaintenanceTasks(); err != nil {
		svc.limiter.Stop()
		return nil, err
	}
	return svc, nil
}

// RegisterProvider adds a provider; capacity bounds its in-flight load (0 uses the default)
func (s *Service) RegisterProvider(profile types.ProviderProfile, provider providers.CompletionProvider, capacity int) error {
	if err := s.registry.Register(profile, provider); err != nil {
		return err
	}
	if capacity > 0 {
		s.load.SetCapacity(profile.Name, capacity)
	}
	return nil
}

// Start warms the cache index and launches event delivery and maintenance
func (s *Service) Start(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	if s.config.Cache.Enabled {
		if _, err := s.cache.Warm(ctx); err != nil {
			s.logger.WithError(err).Warn("Failed to warm cache index")
		}
	}

	s.bus.Start()
	if s.config.Maintenance.Enabled {
		s.scheduler.Start(ctx)
	}

	s.logger.WithFields(logrus.Fields{
		"providers":   s.registry.Names(),
		"cache":       s.config.Cache.Enabled,
		"maintenance": s.config.Maintenance.Enabled,
	}).Info("Dispatch service started")
	return nil
}

// Close stops background work, flushes pending events and closes the store
func (s *Service) Close() error {
	s.scheduler.Stop()
	s.limiter.Stop()
	s.bus.Close()

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	s.logger.Info("Dispatch service stopped")
	return nil
}

// SubmitRequest serves one generation request
func (s *Service) SubmitRequest(ctx context.Context, opts types.SubmitOptions) (*types.Response, error) {
	start := time.Now()

	if err := validateStruct(s.validate, opts); err != nil {
		return nil, err
	}
	if opts.RequestID == "" {
		opts.RequestID = uuid.New().String()
	}

	logger := s.logger.WithFields(logrus.Fields{
		"request_id": opts.RequestID,
		"capability": opts.Capability,
	})

	useCache := s.cacheEnabled(opts)
	var key string
	if useCache {
		key = cacheKey(opts)
		if resp, ok := s.fromCache(ctx, key, opts.RequestID, start); ok {
			logger.WithField("provider", resp.Provider).Debug("Served from cache")
			s.publishCompleted(resp)
			return resp, nil
		}
	}

	task := s.task(opts)
	decision, err := s.router.Route(ctx, task, opts.FallbackProviders)
	if err != nil {
		s.publishFailed(opts, err)
		return nil, err
	}

	req := executor.Request{
		RequestID:  opts.RequestID,
		Prompt:     opts.Prompt,
		Capability: opts.Capability,
		Options: types.CompletionOptions{
			MaxTokens:   task.MaxTokens,
			Temperature: opts.Temperature,
		},
		MaxRetries: opts.MaxRetries,
		Timeout:    time.Duration(opts.TimeoutMs) * time.Millisecond,
	}

	resp, err := s.executor.Execute(ctx, decision.Chain(), req)
	if err != nil {
		s.publishFailed(opts, err)
		return nil, err
	}

	if resp.Provider != decision.SelectedProvider {
		s.aggregator.RecordFallback(decision.SelectedProvider, resp.Provider)
		s.bus.Publish(events.FallbackUsed, resp.Provider, opts.RequestID, map[string]interface{}{
			"primary":     decision.SelectedProvider,
			"retry_count": resp.RetryCount,
		})
		logger.WithFields(logrus.Fields{
			"primary":  decision.SelectedProvider,
			"provider": resp.Provider,
		}).Info("Request served by fallback provider")
	}

	if useCache {
		s.cacheResponse(ctx, key, opts, resp)
	}

	s.publishCompleted(resp)
	return resp, nil
}

// RouteOnly returns the routing decision for opts without calling a provider
func (s *Service) RouteOnly(ctx context.Context, opts types.SubmitOptions) (*types.RoutingDecision, error) {
	if err := validateStruct(s.validate, opts); err != nil {
		return nil, err
	}
	return s.router.Route(ctx, s.task(opts), opts.FallbackProviders)
}

// Stats returns the combined state of every component
func (s *Service) Stats() Stats {
	return Stats{
		Providers:       s.registry.Snapshots(),
		Breakers:        s.breaker.Snapshots(),
		Monitoring:      s.aggregator.Snapshot(),
		Cache:           s.cache.Stats(),
		Tasks:           s.scheduler.Stats(),
		EventsPublished: s.bus.Published(),
		EventsDropped:   s.bus.Dropped(),
	}
}

// RateLimits reports the remaining request budget of provider for every
// capability it serves, without consuming any of it
func (s *Service) RateLimits(ctx context.Context, provider string) (map[types.Capability]*ratelimit.Result, error) {
	snap, ok := s.registry.Get(provider)
	if !ok {
		return nil, fmt.Errorf("provider %s not registered", provider)
	}

	out := make(map[types.Capability]*ratelimit.Result, len(snap.Capabilities))
	for capability := range snap.Capabilities {
		result, err := s.limiter.Peek(ctx, provider, string(capability), snap.RateLimits.RequestsPerMinute, s.executor.RateLimitWindow())
		if err != nil {
			return nil, fmt.Errorf("failed to read rate limit for %s/%s: %w", provider, capability, err)
		}
		out[capability] = result
	}
	return out, nil
}

// Ping checks the backing store
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Registry exposes the provider registry to the ops API
func (s *Service) Registry() *registry.Registry { return s.registry }

// Breaker exposes the circuit breaker to the ops API
func (s *Service) Breaker() *breaker.Breaker { return s.breaker }

// Cache exposes the response cache to the ops API
func (s *Service) Cache() *cache.Cache { return s.cache }

// Limiter exposes the rate limiter so the ops API can share it
func (s *Service) Limiter() *ratelimit.Limiter { return s.limiter }

// Events exposes the bus for subscribers
func (s *Service) Events() *events.Bus { return s.bus }

func (s *Service) task(opts types.SubmitOptions) types.Task {
	mode := opts.OptimizationMode
	if mode == "" {
		mode = s.config.DefaultMode
	}
	maxTokens := 0
	if opts.MaxTokens != nil {
		maxTokens = *opts.MaxTokens
	}
	return types.Task{
		Type:             opts.Capability,
		OptimizationMode: mode,
		PromptSize:       len(opts.Prompt),
		MaxTokens:        maxTokens,
	}
}

func (s *Service) cacheEnabled(opts types.SubmitOptions) bool {
	if !s.config.Cache.Enabled {
		return false
	}
	return opts.CacheOptions == nil || opts.CacheOptions.Enabled
}

func cacheKey(opts types.SubmitOptions) string {
	return cache.RequestFingerprint(opts.Prompt, string(opts.Capability), opts.MaxTokens, opts.Temperature)
}

// fromCache treats any cache failure as a miss
func (s *Service) fromCache(ctx context.Context, key, requestID string, start time.Time) (*types.Response, bool) {
	var cached types.Response
	hit, err := s.cache.Get(ctx, key, &cached)
	if err != nil {
		s.logger.WithError(err).WithField("request_id", requestID).Warn("Cache lookup failed, continuing without cache")
		return nil, false
	}
	if !hit {
		return nil, false
	}

	cached.RequestID = requestID
	cached.Cached = true
	cached.Cost = 0
	cached.RetryCount = 0
	cached.LatencyMs = time.Since(start).Milliseconds()
	return &cached, true
}

func (s *Service) cacheResponse(ctx context.Context, key string, opts types.SubmitOptions, resp *types.Response) {
	setOpts := cache.SetOptions{
		Priority: opts.Priority.CachePriority(),
		Provider: resp.Provider,
		Tags:     []string{"capability:" + string(opts.Capability), "provider:" + resp.Provider},
	}
	if co := opts.CacheOptions; co != nil {
		setOpts.TTL = time.Duration(co.TTLSeconds) * time.Second
		setOpts.Tags = append(setOpts.Tags, co.Tags...)
	}

	if err := s.cache.Set(ctx, key, resp, setOpts); err != nil {
		s.logger.WithError(err).WithField("request_id", opts.RequestID).Warn("Failed to cache response")
	}
}

func (s *Service) publishCompleted(resp *types.Response) {
	s.bus.Publish(events.TaskCompleted, resp.Provider, resp.RequestID, map[string]interface{}{
		"tokens":      resp.TokensUsed,
		"cost":        resp.Cost,
		"latency_ms":  resp.LatencyMs,
		"retry_count": resp.RetryCount,
		"cached":      resp.Cached,
	})
}

func (s *Service) publishFailed(opts types.SubmitOptions, err error) {
	data := map[string]interface{}{
		"capability": opts.Capability,
		"error":      err.Error(),
	}
	var exhausted *types.AllProvidersExhaustedError
	if errors.As(err, &exhausted) {
		data["attempts"] = exhausted.Attempts
	}
	s.bus.Publish(events.TaskFailed, "", opts.RequestID, data)

	s.logger.WithFields(logrus.Fields{
		"request_id": opts.RequestID,
		"capability": opts.Capability,
	}).WithError(err).Error("Request failed")
}

func (s *Service) onCircuitTransition(provider string, from, to breaker.State) {
	s.aggregator.RecordCircuitState(provider, string(to))

	data := map[string]interface{}{"from": string(from), "to": string(to)}
	switch to {
	case breaker.StateOpen:
		s.bus.Publish(events.ProviderCircuitOpen, provider, "", data)
	case breaker.StateClosed:
		s.bus.Publish(events.ProviderCircuitClose, provider, "", data)
	}
}

package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-router-resilience/internal/providers"
	"github.com/tributary-ai/llm-router-resilience/internal/types"
)

const (
	initialHealthScore = 100.0
	healthyProbeDelta  = 1.0
	failedProbeDelta   = -10.0
)

// BreakerView is the read-only circuit state the registry filters on
type BreakerView interface {
	IsOpen(provider string) bool
}

// Config holds registry settings
type Config struct {
	MinHealthScore float64       `yaml:"min_health_score"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
}

type entry struct {
	mu          sync.Mutex
	profile     types.ProviderProfile
	adapter     *providers.Adapter
	status      types.ProviderStatus
	metrics     types.ProviderMetrics
	costs       types.ProviderCosts
	health      types.HealthStatus
	healthScore float64
	active      bool
	spendDay    string
}

// Registry holds the static profile and live status of every provider.
// Providers are never removed at runtime, only deactivated.
type Registry struct {
	config  Config
	breaker BreakerView
	load    LoadSource
	logger  *logrus.Logger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

// New creates an empty registry. breaker and load may be nil.
func New(config Config, breaker BreakerView, load LoadSource, logger *logrus.Logger) *Registry {
	if config.MinHealthScore <= 0 {
		config.MinHealthScore = 50
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 10 * time.Second
	}

	return &Registry{
		config:  config,
		breaker: breaker,
		load:    load,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Register adds a provider. Its optional methods are resolved here, once.
func (r *Registry) Register(profile types.ProviderProfile, provider providers.CompletionProvider) error {
	if profile.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if len(profile.Capabilities) == 0 {
		return fmt.Errorf("provider %s defines no capabilities", profile.Name)
	}
	for c := range profile.Capabilities {
		if !c.Valid() {
			return fmt.Errorf("provider %s: unknown capability %q", profile.Name, c)
		}
	}

	adapter, err := providers.Resolve(profile.Name, provider)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[profile.Name]; exists {
		return fmt.Errorf("provider %s already registered", profile.Name)
	}

	r.entries[profile.Name] = &entry{
		profile: profile,
		adapter: adapter,
		status:  types.ProviderStatus{Available: true},
		metrics: types.ProviderMetrics{Uptime: 100},
		costs:   profile.Costs,
		health: types.HealthStatus{
			Status:      "unknown",
			LastChecked: r.now().Unix(),
		},
		healthScore: initialHealthScore,
		active:      true,
		spendDay:    r.now().UTC().Format(time.DateOnly),
	}
	r.order = append(r.order, profile.Name)

	r.logger.WithFields(logrus.Fields{
		"provider":     profile.Name,
		"capabilities": len(profile.Capabilities),
		"code":         adapter.Specialised(types.CapabilityCode),
		"creative":     adapter.Specialised(types.CapabilityCreative),
		"analysis":     adapter.Specialised(types.CapabilityAnalysis),
		"health_check": adapter.Health != nil,
	}).Info("Registered provider")

	return nil
}

func (r *Registry) entry(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

func (r *Registry) ordered() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}
	return out
}

// ListCapable returns, in registration order, the providers that define
// capability c and are active, available, under budget and not circuit-open
func (r *Registry) ListCapable(c types.Capability) []types.ProviderSnapshot {
	var out []types.ProviderSnapshot
	for _, e := range r.ordered() {
		snap := r.snapshot(e)
		if _, ok := snap.Capabilities[c]; !ok {
			continue
		}
		if !snap.Active || !snap.Status.Available {
			continue
		}
		if overBudget(snap.Costs) {
			continue
		}
		if r.breaker != nil && r.breaker.IsOpen(snap.Name) {
			continue
		}
		out = append(out, snap)
	}
	return out
}

func overBudget(c types.ProviderCosts) bool {
	return c.MonthlyLimit > 0 && c.DailySpent >= c.MonthlyLimit/30
}

// Get returns a snapshot of the named provider
func (r *Registry) Get(name string) (types.ProviderSnapshot, bool) {
	e, ok := r.entry(name)
	if !ok {
		return types.ProviderSnapshot{}, false
	}
	return r.snapshot(e), true
}

// Snapshots returns every provider in registration order
func (r *Registry) Snapshots() []types.ProviderSnapshot {
	entries := r.ordered()
	out := make([]types.ProviderSnapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, r.snapshot(e))
	}
	return out
}

// Names returns provider names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Adapter returns the resolved adapter for the named provider
func (r *Registry) Adapter(name string) (*providers.Adapter, bool) {
	e, ok := r.entry(name)
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// Health returns the result of the last probe of the named provider
func (r *Registry) Health(name string) (types.HealthStatus, bool) {
	e, ok := r.entry(name)
	if !ok {
		return types.HealthStatus{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health, true
}

// Activate puts a deactivated provider back into rotation
func (r *Registry) Activate(name string) error {
	return r.setActive(name, true)
}

// Deactivate takes a provider out of rotation without removing it
func (r *Registry) Deactivate(name string) error {
	return r.setActive(name, false)
}

func (r *Registry) setActive(name string, active bool) error {
	e, ok := r.entry(name)
	if !ok {
		return fmt.Errorf("provider %s not registered", name)
	}
	e.mu.Lock()
	e.active = active
	e.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"provider": name,
		"active":   active,
	}).Info("Provider activation changed")
	return nil
}

// RecordResult folds the outcome of one provider call into its live metrics
func (r *Registry) RecordResult(name string, success bool, latency time.Duration, cost float64) {
	e, ok := r.entry(name)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m := &e.metrics
	m.TotalRequests++
	if success {
		m.SuccessfulRequests++
	} else {
		m.FailedRequests++
	}
	m.AvgResponseTime += (latency - m.AvgResponseTime) / time.Duration(m.TotalRequests)
	m.Uptime = float64(m.SuccessfulRequests) / float64(m.TotalRequests) * 100

	e.status.ResponseTime = latency
	e.status.ErrorRate = float64(m.FailedRequests) / float64(m.TotalRequests) * 100

	r.rollSpend(e)
	e.costs.DailySpent += cost
}

// rollSpend resets daily spend when the UTC day changes. Caller holds e.mu.
func (r *Registry) rollSpend(e *entry) {
	today := r.now().UTC().Format(time.DateOnly)
	if e.spendDay != today {
		e.spendDay = today
		e.costs.DailySpent = 0
	}
}

// RecordProbe applies a health probe result: +1 when healthy, -10 when not,
// clamped to [0,100]. Availability follows the minimum health score.
func (r *Registry) RecordProbe(name string, probeErr error, latency time.Duration) {
	e, ok := r.entry(name)
	if !ok {
		return
	}

	e.mu.Lock()
	before := e.status.Available
	if probeErr == nil {
		e.healthScore = min(100, e.healthScore+healthyProbeDelta)
		e.health = types.HealthStatus{Status: "healthy"}
	} else {
		e.healthScore = max(0, e.healthScore+failedProbeDelta)
		e.health = types.HealthStatus{Status: "unhealthy", ErrorMessage: probeErr.Error()}
	}
	e.health.ResponseTime = latency.Milliseconds()
	e.health.LastChecked = r.now().Unix()
	e.status.Available = e.healthScore >= r.config.MinHealthScore
	after := e.status.Available
	score := e.healthScore
	e.mu.Unlock()

	if before != after {
		r.logger.WithFields(logrus.Fields{
			"provider":     name,
			"available":    after,
			"health_score": score,
		}).Warn("Provider availability changed")
	}
}

// ProbeAll health-checks every active provider concurrently
func (r *Registry) ProbeAll(ctx context.Context) map[string]types.HealthStatus {
	entries := r.ordered()

	var wg sync.WaitGroup
	for _, e := range entries {
		e.mu.Lock()
		active := e.active
		name := e.profile.Name
		adapter := e.adapter
		e.mu.Unlock()
		if !active {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, r.config.ProbeTimeout)
			defer cancel()

			start := time.Now()
			err := adapter.HealthCheck(probeCtx)
			r.RecordProbe(name, err, time.Since(start))

			if err != nil {
				r.logger.WithError(err).WithField("provider", name).Warn("Provider health check failed")
			}
		}()
	}
	wg.Wait()

	out := make(map[string]types.HealthStatus, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out[e.profile.Name] = e.health
		e.mu.Unlock()
	}
	return out
}

func (r *Registry) snapshot(e *entry) types.ProviderSnapshot {
	e.mu.Lock()
	r.rollSpend(e)
	snap := types.ProviderSnapshot{
		Name:         e.profile.Name,
		Capabilities: make(map[types.Capability]types.CapabilityScores, len(e.profile.Capabilities)),
		Status:       e.status,
		Metrics:      e.metrics,
		Costs:        e.costs,
		RateLimits:   e.profile.RateLimits,
		HealthScore:  e.healthScore,
		Active:       e.active,
	}
	for c, s := range e.profile.Capabilities {
		snap.Capabilities[c] = s
	}
	e.mu.Unlock()

	if r.load != nil {
		snap.Status.CurrentLoad = r.load.Load(snap.Name)
	}
	return snap
}

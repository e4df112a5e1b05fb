package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-router-resilience/internal/providers"
	"github.com/tributary-ai/llm-router-resilience/internal/ratelimit"
	"github.com/tributary-ai/llm-router-resilience/internal/types"
)

// Breaker is the circuit breaker as seen by the executor
type Breaker interface {
	AllowRequest(provider string) bool
	RecordResult(provider string, success bool)
}

// Limiter is the rate limiter as seen by the executor
type Limiter interface {
	CheckAndConsume(ctx context.Context, provider, endpoint string, limit int, window time.Duration) (*ratelimit.Result, error)
}

// ProviderSource resolves providers and receives their call outcomes
type ProviderSource interface {
	Adapter(name string) (*providers.Adapter, bool)
	Get(name string) (types.ProviderSnapshot, bool)
	RecordResult(name string, success bool, latency time.Duration, cost float64)
}

// LoadTracker is told when a provider call starts and ends
type LoadTracker interface {
	Begin(provider string)
	End(provider string)
}

// Recorder receives per-attempt outcomes for monitoring
type Recorder interface {
	RecordSuccess(provider string, latency time.Duration, cost float64, tokens int)
	RecordFailure(provider string, class types.ErrorClass, latency time.Duration, err error)
	RecordRateLimited(provider string)
}

// Config holds executor settings
type Config struct {
	MaxRetries      int           `yaml:"max_retries"`
	AttemptTimeout  time.Duration `yaml:"attempt_timeout"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	Backoff         Policy        `yaml:"backoff"`
}

// DefaultConfig returns 3 retries per provider, 30s per attempt and a
// one-minute rate limit window
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		AttemptTimeout:  30 * time.Second,
		RateLimitWindow: time.Minute,
		Backoff:         DefaultPolicy(),
	}
}

// Deps are the collaborators of an Executor. Limiter, Load, Recorder and
// Classifier are optional.
type Deps struct {
	Providers  ProviderSource
	Breaker    Breaker
	Limiter    Limiter
	Load       LoadTracker
	Recorder   Recorder
	Classifier Classifier
}

// Request is one generation to run against a provider chain
type Request struct {
	RequestID  string
	Prompt     string
	Capability types.Capability
	Options    types.CompletionOptions
	MaxRetries *int
	Timeout    time.Duration
}

// Executor walks a ranked provider chain with retries and backoff
type Executor struct {
	config Config
	deps   Deps
	logger *logrus.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates an executor
func New(config Config, deps Deps, logger *logrus.Logger) *Executor {
	defaults := DefaultConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = defaults.AttemptTimeout
	}
	if config.RateLimitWindow <= 0 {
		config.RateLimitWindow = defaults.RateLimitWindow
	}
	if config.Backoff.Multiplier < 1 {
		config.Backoff = defaults.Backoff
	}
	if deps.Classifier == nil {
		deps.Classifier = NewPatternClassifier()
	}

	return &Executor{
		config: config,
		deps:   deps,
		logger: logger,
		sleep:  sleepContext,
	}
}

// Execute tries each provider in chain order. Attempts on a provider are
// sequential; a provider is abandoned on a non-retryable error, a local rate
// limit, or once its retries are spent. Only chain exhaustion and caller
// cancellation are returned as errors.
func (e *Executor) Execute(ctx context.Context, chain []string, req Request) (*types.Response, error) {
	maxRetries := e.config.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = max(0, *req.MaxRetries)
	}
	timeout := e.config.AttemptTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	var (
		attempts   []types.Attempt
		lastErr    error
		retryCount int
	)

	for _, name := range chain {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("request %s cancelled: %w", req.RequestID, err)
		}

		adapter, ok := e.deps.Providers.Adapter(name)
		if !ok {
			attempts = append(attempts, types.Attempt{Provider: name, Class: types.ErrorUnknown, Reason: "provider not registered", Skipped: true})
			continue
		}
		if !e.deps.Breaker.AllowRequest(name) {
			attempts = append(attempts, types.Attempt{Provider: name, Class: types.ErrorUnknown, Reason: "circuit open", Skipped: true})
			continue
		}

		snap, _ := e.deps.Providers.Get(name)
		call := adapter.For(req.Capability)
		record := types.Attempt{Provider: name}

		for attempt := 0; attempt <= maxRetries; attempt++ {
			if limited := e.checkRateLimit(ctx, name, req.Capability, snap.RateLimits.RequestsPerMinute); limited != nil {
				lastErr = limited
				record.Class = types.ErrorRateLimit
				record.Reason = limited.Error()
				if e.deps.Recorder != nil {
					e.deps.Recorder.RecordRateLimited(name)
				}
				if record.Tries > 0 {
					// earlier calls on this provider failed
					e.deps.Breaker.RecordResult(name, false)
				}
				break
			}

			record.Tries++
			completion, latency, err := e.attempt(ctx, name, call, req, timeout)
			if err == nil {
				return e.succeed(name, snap, completion, latency, retryCount, req), nil
			}

			if ctx.Err() != nil {
				return nil, fmt.Errorf("request %s cancelled: %w", req.RequestID, ctx.Err())
			}

			class := e.deps.Classifier.Classify(err)
			lastErr = asProviderError(name, class, err)
			retryCount++
			record.Class = class
			record.Reason = err.Error()

			e.deps.Providers.RecordResult(name, false, latency, 0)
			if e.deps.Recorder != nil {
				e.deps.Recorder.RecordFailure(name, class, latency, err)
			}

			if class.Fatal() {
				e.deps.Breaker.RecordResult(name, false)
				e.logger.WithFields(logrus.Fields{
					"request_id": req.RequestID,
					"provider":   name,
					"class":      class,
				}).WithError(err).Error("Provider rejected the request, check credentials and quota")
				break
			}
			if !class.Retryable() || attempt == maxRetries {
				e.deps.Breaker.RecordResult(name, false)
				break
			}

			delay := e.config.Backoff.WithJitter(e.config.Backoff.Delay(attempt+1, class))
			e.logger.WithFields(logrus.Fields{
				"request_id": req.RequestID,
				"provider":   name,
				"class":      class,
				"attempt":    attempt + 1,
				"delay_ms":   delay.Milliseconds(),
			}).Warn("Provider call failed, retrying")

			if err := e.sleep(ctx, delay); err != nil {
				// the failed call was already counted against the provider
				e.deps.Breaker.RecordResult(name, false)
				return nil, fmt.Errorf("request %s cancelled: %w", req.RequestID, err)
			}
		}

		attempts = append(attempts, record)
		e.logger.WithFields(logrus.Fields{
			"request_id": req.RequestID,
			"provider":   name,
			"class":      record.Class,
			"tries":      record.Tries,
		}).Warn("Provider abandoned, falling back")
	}

	if lastErr == nil {
		lastErr = &types.NoProviderAvailableError{Capability: req.Capability, Reason: "every provider in the chain was skipped"}
	}

	e.logger.WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"chain":      chain,
		"retries":    retryCount,
	}).WithError(lastErr).Error("All providers exhausted")

	return nil, &types.AllProvidersExhaustedError{Attempts: attempts, LastError: lastErr}
}

// RateLimitWindow is the window provider request budgets are counted over
func (e *Executor) RateLimitWindow() time.Duration {
	return e.config.RateLimitWindow
}

func (e *Executor) checkRateLimit(ctx context.Context, name string, capability types.Capability, limit int) *types.ProviderError {
	if e.deps.Limiter == nil || limit <= 0 {
		return nil
	}

	result, err := e.deps.Limiter.CheckAndConsume(ctx, name, string(capability), limit, e.config.RateLimitWindow)
	if err != nil {
		e.logger.WithError(err).WithField("provider", name).Warn("Rate limit check failed, allowing request")
		return nil
	}
	if result.Allowed {
		return nil
	}
	return types.NewRateLimitedError(name, result.ResetTime)
}

type callResult struct {
	completion *types.Completion
	err        error
}

// attempt runs one call under timeout. A call that outlives its timeout keeps
// running, but its result lands in a buffered channel nobody reads.
func (e *Executor) attempt(ctx context.Context, name string, call providers.GenerateFunc, req Request, timeout time.Duration) (*types.Completion, time.Duration, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	results := make(chan callResult, 1)

	if e.deps.Load != nil {
		e.deps.Load.Begin(name)
	}
	go func() {
		completion, err := call(attemptCtx, req.Prompt, req.Options)
		if e.deps.Load != nil {
			e.deps.Load.End(name)
		}
		results <- callResult{completion: completion, err: err}
	}()

	select {
	case r := <-results:
		latency := time.Since(start)
		if r.err == nil && r.completion == nil {
			return nil, latency, &types.ProviderError{Provider: name, Class: types.ErrorModel, Err: errors.New("provider returned no completion")}
		}
		return r.completion, latency, r.err
	case <-attemptCtx.Done():
		latency := time.Since(start)
		if ctx.Err() != nil {
			return nil, latency, ctx.Err()
		}
		return nil, latency, types.NewTimeoutError(name, timeout)
	}
}

func (e *Executor) succeed(name string, snap types.ProviderSnapshot, completion *types.Completion, latency time.Duration, retryCount int, req Request) *types.Response {
	cost := snap.Costs.CostPerRequest + float64(completion.TokensUsed)*snap.Costs.CostPerToken

	e.deps.Providers.RecordResult(name, true, latency, cost)
	e.deps.Breaker.RecordResult(name, true)
	if e.deps.Recorder != nil {
		e.deps.Recorder.RecordSuccess(name, latency, cost, completion.TokensUsed)
	}

	e.logger.WithFields(logrus.Fields{
		"request_id":  req.RequestID,
		"provider":    name,
		"tokens":      completion.TokensUsed,
		"cost":        cost,
		"retries":     retryCount,
		"duration_ms": latency.Milliseconds(),
	}).Info("Provider call succeeded")

	return &types.Response{
		RequestID:  req.RequestID,
		Content:    completion.Content,
		Provider:   name,
		TokensUsed: completion.TokensUsed,
		LatencyMs:  latency.Milliseconds(),
		Cost:       cost,
		Cached:     false,
		RetryCount: retryCount,
	}
}

func asProviderError(name string, class types.ErrorClass, err error) error {
	var pe *types.ProviderError
	if errors.As(err, &pe) && pe.Class == class {
		return err
	}
	return &types.ProviderError{Provider: name, Class: class, Err: err}
}

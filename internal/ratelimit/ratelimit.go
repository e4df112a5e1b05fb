package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-router-resilience/internal/store"
)

const keyPrefix = "limit:ratelimit:"

// Result contains the result of a rate limit check
type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetTime  time.Time     `json:"reset_time"`
	RetryAfter time.Duration `json:"retry_after"`
}

// Window is the persisted state of one (provider, endpoint) budget. A window
// is replaced, never mutated, once it has expired.
type Window struct {
	Count        int   `json:"count"`
	WindowStart  int64 `json:"window_start"` // unix ms
	WindowSizeMs int64 `json:"window_size_ms"`
	Limit        int   `json:"limit"`
	ResetTime    int64 `json:"reset_time"` // unix ms
}

func (w *Window) expired(now time.Time) bool {
	return now.UnixMilli()-w.WindowStart >= w.WindowSizeMs
}

// Config holds rate limiting configuration
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type keyLock struct {
	mu       sync.Mutex
	lastUsed time.Time
}

// Limiter is a fixed-window limiter whose windows live in a store.Store so
// they survive restarts when the store is durable. If the store cannot be
// reached the limiter fails open.
type Limiter struct {
	store  store.Store
	config Config
	logger *logrus.Logger
	now    func() time.Time

	mutex sync.Mutex
	locks map[string]*keyLock

	cleanupTicker *time.Ticker
	stopCleanup   chan bool
	stopped       bool
}

// New creates a limiter over s
func New(s store.Store, config Config, logger *logrus.Logger) *Limiter {
	if config.CleanupInterval == 0 {
		config.CleanupInterval = 5 * time.Minute
	}

	l := &Limiter{
		store:       s,
		config:      config,
		logger:      logger,
		now:         time.Now,
		locks:       make(map[string]*keyLock),
		stopCleanup: make(chan bool),
	}

	l.startCleanup()
	return l
}

// Key returns the store key for a (provider, endpoint) window
func Key(provider, endpoint string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, provider, endpoint)
}

// CheckAndConsume consumes one unit of the (provider, endpoint) budget if any
// is left. A non-positive limit means unlimited. The read and increment run as
// one store.Update, so instances sharing a Redis store never admit more than
// limit between them.
func (l *Limiter) CheckAndConsume(ctx context.Context, provider, endpoint string, limit int, window time.Duration) (*Result, error) {
	now := l.now()
	if !l.config.Enabled || limit <= 0 {
		return &Result{Allowed: true, Remaining: limit, ResetTime: now.Add(window)}, nil
	}
	if window <= 0 {
		return nil, fmt.Errorf("rate limit window must be positive, got %s", window)
	}

	key := Key(provider, endpoint)
	lock := l.lockFor(key, now)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	var result *Result
	err := l.store.Update(ctx, key, func(current []byte) ([]byte, time.Duration, bool, error) {
		w := l.decode(key, current)
		if w == nil || w.expired(now) {
			w = &Window{
				Count:        0,
				WindowStart:  now.UnixMilli(),
				WindowSizeMs: window.Milliseconds(),
				Limit:        limit,
				ResetTime:    now.Add(window).UnixMilli(),
			}
		}

		resetTime := time.UnixMilli(w.ResetTime)
		if w.Count >= limit {
			result = &Result{
				Allowed:    false,
				Remaining:  0,
				ResetTime:  resetTime,
				RetryAfter: resetTime.Sub(now),
			}
			return nil, 0, false, nil
		}

		next := *w
		next.Count++
		next.Limit = limit
		data, err := json.Marshal(&next)
		if err != nil {
			return nil, 0, false, err
		}

		result = &Result{
			Allowed:   true,
			Remaining: limit - next.Count,
			ResetTime: resetTime,
		}
		return data, max(resetTime.Sub(now), time.Millisecond), true, nil
	})
	if err != nil {
		return l.failOpen(key, limit, window, now, err), nil
	}

	if !result.Allowed {
		l.logger.WithFields(logrus.Fields{
			"provider":    provider,
			"endpoint":    endpoint,
			"limit":       limit,
			"retry_after": result.RetryAfter,
		}).Warn("Rate limit exceeded")
	}
	return result, nil
}

// Peek returns the current budget without consuming it
func (l *Limiter) Peek(ctx context.Context, provider, endpoint string, limit int, window time.Duration) (*Result, error) {
	now := l.now()
	if limit <= 0 {
		return &Result{Allowed: true, Remaining: limit, ResetTime: now.Add(window)}, nil
	}

	w, err := l.load(ctx, Key(provider, endpoint))
	if err != nil {
		return nil, err
	}
	if w == nil || w.expired(now) {
		return &Result{Allowed: true, Remaining: limit, ResetTime: now.Add(window)}, nil
	}

	remaining := max(0, limit-w.Count)
	result := &Result{
		Allowed:   remaining > 0,
		Remaining: remaining,
		ResetTime: time.UnixMilli(w.ResetTime),
	}
	if !result.Allowed {
		result.RetryAfter = result.ResetTime.Sub(now)
	}
	return result, nil
}

// Reset clears the (provider, endpoint) window
func (l *Limiter) Reset(ctx context.Context, provider, endpoint string) error {
	key := Key(provider, endpoint)
	if _, err := l.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to reset rate limit %s: %w", key, err)
	}

	l.logger.WithField("key", key).Info("Rate limit reset")
	return nil
}

func (l *Limiter) load(ctx context.Context, key string) (*Window, error) {
	data, err := l.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l.decode(key, data), nil
}

// decode parses a stored window; nil data or a corrupt window reads as absent
func (l *Limiter) decode(key string, data []byte) *Window {
	if data == nil {
		return nil
	}
	var w Window
	if err := json.Unmarshal(data, &w); err != nil {
		l.logger.WithError(err).WithField("key", key).Warn("Discarding unreadable rate limit window")
		return nil
	}
	return &w
}

func (l *Limiter) failOpen(key string, limit int, window time.Duration, now time.Time, err error) *Result {
	l.logger.WithError(err).WithField("key", key).Warn("Rate limit store unavailable, allowing request")
	return &Result{
		Allowed:   true,
		Remaining: limit,
		ResetTime: now.Add(window),
	}
}

func (l *Limiter) lockFor(key string, now time.Time) *keyLock {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	lock, ok := l.locks[key]
	if !ok {
		lock = &keyLock{}
		l.locks[key] = lock
	}
	lock.lastUsed = now
	return lock
}

// startCleanup starts the cleanup goroutine to remove idle key locks
func (l *Limiter) startCleanup() {
	l.cleanupTicker = time.NewTicker(l.config.CleanupInterval)

	go func() {
		for {
			select {
			case <-l.cleanupTicker.C:
				l.cleanup()
			case <-l.stopCleanup:
				return
			}
		}
	}()
}

func (l *Limiter) cleanup() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	cutoff := l.now().Add(-2 * l.config.CleanupInterval)

	removed := 0
	for key, lock := range l.locks {
		if !lock.mu.TryLock() {
			continue
		}
		if lock.lastUsed.Before(cutoff) {
			delete(l.locks, key)
			removed++
		}
		lock.mu.Unlock()
	}

	if removed > 0 {
		l.logger.WithField("removed_locks", removed).Debug("Rate limit cleanup completed")
	}
}

// Stop stops the cleanup goroutine
func (l *Limiter) Stop() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.stopped {
		return
	}

	l.stopped = true
	if l.cleanupTicker != nil {
		l.cleanupTicker.Stop()
	}
	close(l.stopCleanup)
}

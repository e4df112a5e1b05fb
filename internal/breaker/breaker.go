package breaker

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the state of a single circuit
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds circuit breaker thresholds
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	ReopenTimeout    time.Duration `yaml:"reopen_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

// DefaultConfig returns the standard thresholds: open after 5 failures for
// 60s, 120s after a failed probe, close after 3 probe successes
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
		ReopenTimeout:    120 * time.Second,
		SuccessThreshold: 3,
	}
}

// Snapshot is a point-in-time copy of one circuit
type Snapshot struct {
	Provider     string     `json:"provider"`
	State        State      `json:"state"`
	Failures     int        `json:"failures"`
	LastFailure  *time.Time `json:"last_failure,omitempty"`
	SuccessCount int        `json:"success_count"`
	NextAttempt  *time.Time `json:"next_attempt,omitempty"`
}

// TransitionFunc is called after a circuit changes state, outside its lock
type TransitionFunc func(provider string, from, to State)

type circuit struct {
	mu           sync.Mutex
	state        State
	failures     int
	lastFailure  *time.Time
	successCount int
	nextAttempt  *time.Time
}

// Breaker tracks one circuit per provider
type Breaker struct {
	config Config
	logger *logrus.Logger
	now    func() time.Time

	mu           sync.RWMutex
	circuits     map[string]*circuit
	onTransition []TransitionFunc
}

// New creates a circuit breaker
func New(config Config, logger *logrus.Logger) *Breaker {
	defaults := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = defaults.OpenTimeout
	}
	if config.ReopenTimeout <= 0 {
		config.ReopenTimeout = defaults.ReopenTimeout
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}

	return &Breaker{
		config:   config,
		logger:   logger,
		now:      time.Now,
		circuits: make(map[string]*circuit),
	}
}

// OnTransition registers a hook for state changes
func (b *Breaker) OnTransition(fn TransitionFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = append(b.onTransition, fn)
}

func (b *Breaker) get(provider string) *circuit {
	b.mu.RLock()
	c, ok := b.circuits[provider]
	b.mu.RUnlock()
	if ok {
		return c
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok = b.circuits[provider]; ok {
		return c
	}
	c = &circuit{state: StateClosed}
	b.circuits[provider] = c
	return c
}

// AllowRequest reports whether a call to provider may proceed. An open circuit
// whose cooldown has elapsed moves to half-open and allows the call.
func (b *Breaker) AllowRequest(provider string) bool {
	c := b.get(provider)

	c.mu.Lock()
	allowed := true
	transitioned := false
	if c.state == StateOpen {
		if c.nextAttempt != nil && !b.now().Before(*c.nextAttempt) {
			c.state = StateHalfOpen
			c.successCount = 0
			transitioned = true
		} else {
			allowed = false
		}
	}
	c.mu.Unlock()

	if transitioned {
		b.notify(provider, StateOpen, StateHalfOpen)
	}
	return allowed
}

// RecordResult drives the state machine with the outcome of a call
func (b *Breaker) RecordResult(provider string, success bool) {
	c := b.get(provider)
	now := b.now()

	c.mu.Lock()
	from := c.state
	switch c.state {
	case StateClosed:
		if success {
			c.failures = max(0, c.failures-1)
			break
		}
		c.failures++
		c.lastFailure = &now
		if c.failures >= b.config.FailureThreshold {
			c.open(now.Add(b.config.OpenTimeout))
		}

	case StateHalfOpen:
		if !success {
			c.failures++
			c.lastFailure = &now
			c.open(now.Add(b.config.ReopenTimeout))
			break
		}
		c.successCount++
		if c.successCount >= b.config.SuccessThreshold {
			c.state = StateClosed
			c.failures = 0
			c.successCount = 0
			c.nextAttempt = nil
		}

	case StateOpen:
		// late results from calls started before the circuit opened
		if !success {
			c.failures++
			c.lastFailure = &now
		}
	}
	to := c.state
	failures := c.failures
	c.mu.Unlock()

	if from != to {
		b.logger.WithFields(logrus.Fields{
			"provider": provider,
			"from":     from,
			"to":       to,
			"failures": failures,
		}).Warn("Circuit breaker state changed")
		b.notify(provider, from, to)
	}
}

func (c *circuit) open(next time.Time) {
	c.state = StateOpen
	c.successCount = 0
	c.nextAttempt = &next
}

// State returns the current state of provider's circuit without side effects
func (b *Breaker) State(provider string) State {
	c := b.get(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsOpen reports whether provider's circuit is open and still cooling down
func (b *Breaker) IsOpen(provider string) bool {
	c := b.get(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen && c.nextAttempt != nil && b.now().Before(*c.nextAttempt)
}

// Snapshot returns a copy of provider's circuit
func (b *Breaker) Snapshot(provider string) Snapshot {
	c := b.get(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Provider:     provider,
		State:        c.state,
		Failures:     c.failures,
		LastFailure:  copyTime(c.lastFailure),
		SuccessCount: c.successCount,
		NextAttempt:  copyTime(c.nextAttempt),
	}
}

// Snapshots returns copies of every known circuit, sorted by provider
func (b *Breaker) Snapshots() []Snapshot {
	b.mu.RLock()
	names := make([]string, 0, len(b.circuits))
	for name := range b.circuits {
		names = append(names, name)
	}
	b.mu.RUnlock()

	sort.Strings(names)
	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		out = append(out, b.Snapshot(name))
	}
	return out
}

// Reset forces provider's circuit back to closed
func (b *Breaker) Reset(provider string) {
	c := b.get(provider)
	c.mu.Lock()
	from := c.state
	c.state = StateClosed
	c.failures = 0
	c.successCount = 0
	c.lastFailure = nil
	c.nextAttempt = nil
	c.mu.Unlock()

	if from != StateClosed {
		b.notify(provider, from, StateClosed)
	}
}

func (b *Breaker) notify(provider string, from, to State) {
	b.mu.RLock()
	hooks := b.onTransition
	b.mu.RUnlock()
	for _, fn := range hooks {
		fn(provider, from, to)
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

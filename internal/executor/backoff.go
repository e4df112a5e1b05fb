package executor

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/tributary-ai/llm-router-resilience/internal/types"
)

// Policy is an exponential backoff schedule
type Policy struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	Multiplier float64       `yaml:"multiplier"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	MaxJitter  time.Duration `yaml:"max_jitter"`
}

// DefaultPolicy returns 1s base, x2 growth, 30s cap and up to 1s jitter
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  time.Second,
		Multiplier: 2,
		MaxDelay:   30 * time.Second,
		MaxJitter:  time.Second,
	}
}

// Delay returns the wait before retry number attempt (1-based), without
// jitter: min(base * multiplier^(attempt-1), max). Rate limit errors start
// from twice the base delay.
func (p Policy) Delay(attempt int, class types.ErrorClass) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(p.BaseDelay)
	if class == types.ErrorRateLimit {
		base *= 2
	}

	delay := base * math.Pow(p.Multiplier, float64(attempt-1))

	// Cap delay at MaxDelay
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// WithJitter adds uniform jitter in [0, MaxJitter) and keeps the result
// within MaxDelay
func (p Policy) WithJitter(d time.Duration) time.Duration {
	if p.MaxJitter > 0 {
		d += time.Duration(rand.Int64N(int64(p.MaxJitter)))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorClass_Retryable(t *testing.T) {
	tests := []struct {
		class     ErrorClass
		retryable bool
		fatal     bool
	}{
		{ErrorTimeout, true, false},
		{ErrorRateLimit, true, false},
		{ErrorServer, true, false},
		{ErrorNetwork, true, false},
		{ErrorAuthentication, false, true},
		{ErrorQuotaExceeded, false, true},
		{ErrorModel, false, false},
		{ErrorUnknown, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.class.Retryable())
			assert.Equal(t, tt.fatal, tt.class.Fatal())
		})
	}
}

func TestNoProviderAvailableError_Is(t *testing.T) {
	err := fmt.Errorf("route: %w", &NoProviderAvailableError{Capability: CapabilityCode})

	assert.True(t, errors.Is(err, ErrNoProviderAvailable))
	assert.Contains(t, err.Error(), "code")
}

func TestAllProvidersExhaustedError(t *testing.T) {
	last := &ProviderError{Provider: "b", Class: ErrorServer, StatusCode: 503, Err: errors.New("overloaded")}
	err := &AllProvidersExhaustedError{
		Attempts: []Attempt{
			{Provider: "a", Class: ErrorAuthentication, Reason: "bad key", Tries: 1},
			{Provider: "b", Class: ErrorServer, Reason: "overloaded", Tries: 3},
		},
		LastError: last,
	}

	assert.True(t, errors.Is(err, ErrAllProvidersExhausted))
	assert.Contains(t, err.Error(), "a=authentication")
	assert.Contains(t, err.Error(), "b=server_error")

	var pe *ProviderError
	assert.True(t, errors.As(err, &pe))
	assert.Equal(t, 503, pe.StatusCode)
}

func TestNewRateLimitedError(t *testing.T) {
	reset := time.Now().Add(time.Minute)
	err := NewRateLimitedError("openai", reset)

	assert.Equal(t, ErrorRateLimit, err.Class)
	assert.Equal(t, reset, err.ResetTime)
	assert.Contains(t, err.Error(), "openai: rate_limit")
}

func TestPriority_CachePriority(t *testing.T) {
	assert.Equal(t, 1, PriorityLow.CachePriority())
	assert.Equal(t, 3, PriorityMedium.CachePriority())
	assert.Equal(t, 3, Priority("").CachePriority())
	assert.Equal(t, 4, PriorityHigh.CachePriority())
	assert.Equal(t, 5, PriorityCritical.CachePriority())
}

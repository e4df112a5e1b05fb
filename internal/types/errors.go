package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNoProviderAvailable is matched by every NoProviderAvailableError
	ErrNoProviderAvailable = errors.New("no provider available")

	// ErrAllProvidersExhausted is matched by every AllProvidersExhaustedError
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
)

// ErrorClass is the classification of a failed provider attempt
type ErrorClass string

const (
	ErrorTimeout        ErrorClass = "timeout"
	ErrorRateLimit      ErrorClass = "rate_limit"
	ErrorServer         ErrorClass = "server_error"
	ErrorNetwork        ErrorClass = "network_error"
	ErrorAuthentication ErrorClass = "authentication"
	ErrorQuotaExceeded  ErrorClass = "quota_exceeded"
	ErrorModel          ErrorClass = "model_error"
	ErrorUnknown        ErrorClass = "unknown"
)

// Retryable reports whether the same provider may be tried again
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrorTimeout, ErrorRateLimit, ErrorServer, ErrorNetwork:
		return true
	}
	return false
}

// Fatal reports whether the provider must be abandoned for this request
func (c ErrorClass) Fatal() bool {
	return c == ErrorAuthentication || c == ErrorQuotaExceeded
}

// NoProviderAvailableError is returned when no candidate can serve a task
type NoProviderAvailableError struct {
	Capability Capability
	Reason     string
}

func (e *NoProviderAvailableError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("no provider available for capability %s", e.Capability)
	}
	return fmt.Sprintf("no provider available for capability %s: %s", e.Capability, e.Reason)
}

func (e *NoProviderAvailableError) Is(target error) bool {
	return target == ErrNoProviderAvailable
}

// ProviderError is a classified failure of a single provider attempt
type ProviderError struct {
	Provider   string
	Class      ErrorClass
	StatusCode int
	ResetTime  time.Time // set for rate_limit
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	if e.Class != "" {
		b.WriteString(string(e.Class))
	} else {
		b.WriteString("provider error")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status=%d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewRateLimitedError reports that the local budget for provider is spent
func NewRateLimitedError(provider string, resetTime time.Time) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Class:     ErrorRateLimit,
		ResetTime: resetTime,
		Err:       fmt.Errorf("rate limited until %s", resetTime.Format(time.RFC3339)),
	}
}

// NewTimeoutError reports that an attempt did not finish within timeout
func NewTimeoutError(provider string, timeout time.Duration) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Class:    ErrorTimeout,
		Err:      fmt.Errorf("attempt timed out after %s", timeout),
	}
}

// Attempt records the last failure of one provider in a chain
type Attempt struct {
	Provider string     `json:"provider"`
	Class    ErrorClass `json:"class"`
	Reason   string     `json:"reason"`
	Tries    int        `json:"tries"`
	Skipped  bool       `json:"skipped,omitempty"`
}

// AllProvidersExhaustedError is returned when every provider in the chain failed
type AllProvidersExhaustedError struct {
	Attempts  []Attempt
	LastError error
}

func (e *AllProvidersExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s=%s", a.Provider, a.Class))
	}
	msg := fmt.Sprintf("all providers exhausted [%s]", strings.Join(parts, ", "))
	if e.LastError != nil {
		msg += ": " + e.LastError.Error()
	}
	return msg
}

func (e *AllProvidersExhaustedError) Unwrap() error {
	return e.LastError
}

func (e *AllProvidersExhaustedError) Is(target error) bool {
	return target == ErrAllProvidersExhausted
}

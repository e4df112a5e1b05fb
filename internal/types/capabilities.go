package types

import (
	"time"
)

// Capability is the kind of generation work a provider can be asked to do
type Capability string

const (
	CapabilityCode       Capability = "code"
	CapabilityCreative   Capability = "creative"
	CapabilityAnalysis   Capability = "analysis"
	CapabilityCompletion Capability = "completion"
)

// Valid reports whether c is one of the known capabilities
func (c Capability) Valid() bool {
	switch c {
	case CapabilityCode, CapabilityCreative, CapabilityAnalysis, CapabilityCompletion:
		return true
	}
	return false
}

// CapabilityScores is the static 0-100 rating of a provider for one capability
type CapabilityScores struct {
	Quality        float64 `json:"quality" yaml:"quality"`
	Speed          float64 `json:"speed" yaml:"speed"`
	Reliability    float64 `json:"reliability" yaml:"reliability"`
	CostEfficiency float64 `json:"cost_efficiency" yaml:"cost_efficiency"`
}

// ProviderStatus is the live view of a provider
type ProviderStatus struct {
	Available    bool          `json:"available"`
	CurrentLoad  float64       `json:"current_load"` // 0-100
	ResponseTime time.Duration `json:"response_time"`
	ErrorRate    float64       `json:"error_rate"` // percent
}

// ProviderMetrics accumulates request outcomes for a provider
type ProviderMetrics struct {
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	AvgResponseTime    time.Duration `json:"avg_response_time"`
	Uptime             float64       `json:"uptime"` // percent
}

// ProviderCosts holds pricing and spend tracking
type ProviderCosts struct {
	CostPerRequest float64 `json:"cost_per_request" yaml:"cost_per_request"`
	CostPerToken   float64 `json:"cost_per_token" yaml:"cost_per_token"`
	DailySpent     float64 `json:"daily_spent" yaml:"-"`
	MonthlyLimit   float64 `json:"monthly_limit" yaml:"monthly_limit"`
}

// RateLimits holds the request budgets a provider enforces
type RateLimits struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	TokensPerMinute   int `json:"tokens_per_minute" yaml:"tokens_per_minute"`
	RequestsPerDay    int `json:"requests_per_day" yaml:"requests_per_day"`
}

// ProviderProfile is the static configuration a provider is registered with
type ProviderProfile struct {
	Name         string                          `json:"name" yaml:"name"`
	Capabilities map[Capability]CapabilityScores `json:"capabilities" yaml:"capabilities"`
	Costs        ProviderCosts                   `json:"costs" yaml:"costs"`
	RateLimits   RateLimits                      `json:"rate_limits" yaml:"rate_limits"`
}

// Supports reports whether the profile defines a capability vector for c
func (p ProviderProfile) Supports(c Capability) bool {
	_, ok := p.Capabilities[c]
	return ok
}

// ProviderSnapshot is a point-in-time copy of a registered provider
type ProviderSnapshot struct {
	Name         string                          `json:"name"`
	Capabilities map[Capability]CapabilityScores `json:"capabilities"`
	Status       ProviderStatus                  `json:"status"`
	Metrics      ProviderMetrics                 `json:"metrics"`
	Costs        ProviderCosts                   `json:"costs"`
	RateLimits   RateLimits                      `json:"rate_limits"`
	HealthScore  float64                         `json:"health_score"`
	Active       bool                            `json:"active"`
}

// HealthStatus is the result of the last health probe
type HealthStatus struct {
	Status       string `json:"status"` // "healthy", "unhealthy", "unknown"
	ResponseTime int64  `json:"response_time_ms"`
	LastChecked  int64  `json:"last_checked"`
	ErrorMessage string `json:"error_message,omitempty"`
}

package types

// OptimizationMode re-weights provider scoring
type OptimizationMode string

const (
	OptimizeCost     OptimizationMode = "cost"
	OptimizeSpeed    OptimizationMode = "speed"
	OptimizeQuality  OptimizationMode = "quality"
	OptimizeBalanced OptimizationMode = "balanced"
)

// Priority is the caller-declared importance of a request
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// CachePriority maps a request priority onto the 1-5 cache entry priority
func (p Priority) CachePriority() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityHigh:
		return 4
	case PriorityCritical:
		return 5
	default:
		return 3
	}
}

// CacheOptions controls how a request interacts with the response cache
type CacheOptions struct {
	Enabled    bool     `json:"enabled"`
	TTLSeconds int      `json:"ttl_seconds" validate:"gte=0"`
	Tags       []string `json:"tags,omitempty" validate:"dive,required"`
}

// SubmitOptions is the inbound generation request
type SubmitOptions struct {
	Prompt            string           `json:"prompt" validate:"required"`
	Capability        Capability       `json:"capability" validate:"required,oneof=code creative analysis completion"`
	MaxTokens         *int             `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
	Temperature       *float64         `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	Priority          Priority         `json:"priority,omitempty" validate:"omitempty,oneof=low medium high critical"`
	OptimizationMode  OptimizationMode `json:"optimization_mode,omitempty" validate:"omitempty,oneof=cost speed quality balanced"`
	TimeoutMs         int              `json:"timeout_ms,omitempty" validate:"gte=0"`
	MaxRetries        *int             `json:"max_retries,omitempty" validate:"omitempty,gte=0,lte=10"`
	FallbackProviders []string         `json:"fallback_providers,omitempty"`
	CacheOptions      *CacheOptions    `json:"cache_options,omitempty"`

	// Set by the dispatcher when empty
	RequestID string `json:"request_id,omitempty"`
}

// Task is the routing view of a request
type Task struct {
	Type             Capability       `json:"type"`
	OptimizationMode OptimizationMode `json:"optimization_mode"`
	PromptSize       int              `json:"prompt_size"`
	MaxTokens        int              `json:"max_tokens"`
}

// CompletionOptions is what a provider adapter receives alongside the prompt
type CompletionOptions struct {
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Model       string   `json:"model,omitempty"`
}

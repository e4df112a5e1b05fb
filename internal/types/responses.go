package types

import (
	"time"
)

// Completion is what a provider adapter returns
type Completion struct {
	Content    string                 `json:"content"`
	TokensUsed int                    `json:"tokens_used"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Response is the result of a dispatched request
type Response struct {
	RequestID  string  `json:"request_id"`
	Content    string  `json:"content"`
	Provider   string  `json:"provider"`
	TokensUsed int     `json:"tokens_used"`
	LatencyMs  int64   `json:"latency_ms"`
	Cost       float64 `json:"cost"`
	Cached     bool    `json:"cached"`
	RetryCount int     `json:"retry_count"`
}

// RoutingDecision describes which provider a request goes to first and what
// follows it
type RoutingDecision struct {
	SelectedProvider string             `json:"selected_provider"`
	Confidence       float64            `json:"confidence"`
	Reasoning        []string           `json:"reasoning"`
	FallbackChain    []string           `json:"fallback_chain"`
	EstimatedCost    float64            `json:"estimated_cost"`
	EstimatedTime    time.Duration      `json:"estimated_time"`
	Scores           map[string]float64 `json:"scores,omitempty"`
}

// Chain returns the full ordered provider list, primary first
func (d *RoutingDecision) Chain() []string {
	chain := make([]string, 0, len(d.FallbackChain)+1)
	chain = append(chain, d.SelectedProvider)
	return append(chain, d.FallbackChain...)
}

// ErrorResponse is the JSON error body of the ops API
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message  string            `json:"message"`
	Type     string            `json:"type"`
	Code     int               `json:"code,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	Attempts []Attempt         `json:"attempts,omitempty"`
}

package routing

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-router-resilience/internal/types"
)

// CandidateSource lists the providers eligible for a capability
type CandidateSource interface {
	ListCapable(c types.Capability) []types.ProviderSnapshot
}

// Router ranks eligible providers for a task
type Router struct {
	candidates CandidateSource
	logger     *logrus.Logger
}

// NewRouter creates a new router instance
func NewRouter(candidates CandidateSource, logger *logrus.Logger) *Router {
	return &Router{
		candidates: candidates,
		logger:     logger,
	}
}

// Route picks the primary provider for task and orders the rest as its
// fallback chain. When preferred is non-empty it replaces the ranked chain,
// keeping the caller's order and dropping ineligible names.
func (r *Router) Route(ctx context.Context, task types.Task, preferred []string) (*types.RoutingDecision, error) {
	start := time.Now()

	if task.OptimizationMode == "" {
		task.OptimizationMode = types.OptimizeBalanced
	}

	candidates := r.candidates.ListCapable(task.Type)
	if len(candidates) == 0 {
		return nil, &types.NoProviderAvailableError{
			Capability: task.Type,
			Reason:     "no active, healthy, closed-circuit provider supports it",
		}
	}

	ranked := Rank(candidates, task.Type, task.OptimizationMode)
	decision := buildDecision(task, ranked)

	if len(preferred) > 0 {
		if chain := filterFallbackChain(preferred, ranked, decision.SelectedProvider); len(chain) > 0 {
			decision.FallbackChain = chain
			decision.Reasoning = append(decision.Reasoning, "fallback chain taken from caller preference")
		}
	}

	r.logger.WithFields(logrus.Fields{
		"capability":     task.Type,
		"mode":           task.OptimizationMode,
		"provider":       decision.SelectedProvider,
		"confidence":     decision.Confidence,
		"fallback_chain": decision.FallbackChain,
		"candidates":     len(candidates),
		"duration_ms":    time.Since(start).Milliseconds(),
	}).Debug("Request routed")

	return decision, nil
}

// filterFallbackChain keeps preferred names that are eligible candidates,
// skipping the primary and duplicates
func filterFallbackChain(preferred []string, ranked []ScoredProvider, primary string) []string {
	eligible := make(map[string]bool, len(ranked))
	for _, sp := range ranked {
		eligible[sp.Provider.Name] = true
	}

	var filtered []string
	seen := make(map[string]bool)
	for _, name := range preferred {
		if !eligible[name] || name == primary || seen[name] {
			continue
		}
		seen[name] = true
		filtered = append(filtered, name)
	}
	return filtered
}

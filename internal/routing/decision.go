package routing

import (
	"fmt"
	"time"

	"github.com/tributary-ai/llm-router-resilience/internal/types"
)

// charsPerToken is the rough prompt-size-to-token ratio used for estimates
const charsPerToken = 4

func buildDecision(task types.Task, ranked []ScoredProvider) *types.RoutingDecision {
	primary := ranked[0]

	decision := &types.RoutingDecision{
		SelectedProvider: primary.Provider.Name,
		Confidence:       primary.Score / 100,
		FallbackChain:    make([]string, 0, len(ranked)-1),
		EstimatedCost:    estimateCost(primary.Provider, task),
		EstimatedTime:    estimateLatency(primary.Provider),
		Scores:           make(map[string]float64, len(ranked)),
	}

	for i, sp := range ranked {
		decision.Scores[sp.Provider.Name] = sp.Score
		if i > 0 {
			decision.FallbackChain = append(decision.FallbackChain, sp.Provider.Name)
		}
	}

	decision.Reasoning = append(decision.Reasoning, fmt.Sprintf(
		"%s ranked first of %d for %s in %s mode with score %.1f",
		primary.Provider.Name, len(ranked), task.Type, task.OptimizationMode, primary.Score,
	))
	for _, adj := range primary.Adjustments {
		decision.Reasoning = append(decision.Reasoning, fmt.Sprintf("%s adjustment x%.3f", adj.Reason, adj.Factor))
	}
	if len(ranked) > 1 {
		decision.Reasoning = append(decision.Reasoning, fmt.Sprintf(
			"runner-up %s scored %.1f", ranked[1].Provider.Name, ranked[1].Score,
		))
	}

	return decision
}

// estimateCost prices the request against the provider's per-request and
// per-token rates
func estimateCost(p types.ProviderSnapshot, task types.Task) float64 {
	tokens := task.PromptSize/charsPerToken + task.MaxTokens
	return p.Costs.CostPerRequest + float64(tokens)*p.Costs.CostPerToken
}

func estimateLatency(p types.ProviderSnapshot) time.Duration {
	if p.Metrics.AvgResponseTime > 0 {
		return p.Metrics.AvgResponseTime
	}
	return p.Status.ResponseTime
}

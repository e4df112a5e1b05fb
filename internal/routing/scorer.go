package routing

import (
	"sort"

	"github.com/tributary-ai/llm-router-resilience/internal/types"
)

// Weights are the per-dimension multipliers of the provider score
type Weights struct {
	Quality        float64
	Speed          float64
	Reliability    float64
	CostEfficiency float64
}

// BaseWeights apply in balanced mode. Each other mode raises one weight and
// leaves the rest at base.
var BaseWeights = Weights{Quality: 0.3, Speed: 0.2, Reliability: 0.2, CostEfficiency: 0.1}

// WeightsFor returns the weights for an optimization mode
func WeightsFor(mode types.OptimizationMode) Weights {
	w := BaseWeights
	switch mode {
	case types.OptimizeQuality:
		w.Quality = 0.5
	case types.OptimizeSpeed:
		w.Speed = 0.4
	case types.OptimizeCost:
		w.CostEfficiency = 0.3
	}
	return w
}

// Adjustment records a multiplier applied after the weighted sum
type Adjustment struct {
	Reason string  `json:"reason"`
	Factor float64 `json:"factor"`
}

// ScoredProvider is a candidate with its computed score
type ScoredProvider struct {
	Provider    types.ProviderSnapshot
	Base        float64
	Score       float64
	Adjustments []Adjustment
}

// Score computes a provider's 0-100 score for a capability. A provider with no
// vector for the capability scores 0.
func Score(p types.ProviderSnapshot, capability types.Capability, mode types.OptimizationMode) ScoredProvider {
	caps, ok := p.Capabilities[capability]
	if !ok {
		return ScoredProvider{Provider: p}
	}

	w := WeightsFor(mode)
	base := caps.Quality*w.Quality +
		caps.Speed*w.Speed +
		caps.Reliability*w.Reliability +
		caps.CostEfficiency*w.CostEfficiency

	sp := ScoredProvider{Provider: p, Base: base}
	score := base

	// Applied in order: load, uptime, error rate
	if p.Status.CurrentLoad > 0 {
		f := 1 - p.Status.CurrentLoad/100*0.3
		score *= f
		sp.Adjustments = append(sp.Adjustments, Adjustment{Reason: "load", Factor: f})
	}
	if p.Metrics.Uptime > 95 {
		score *= 1.1
		sp.Adjustments = append(sp.Adjustments, Adjustment{Reason: "uptime", Factor: 1.1})
	}
	if p.Status.ErrorRate > 10 {
		f := 1 - p.Status.ErrorRate/200
		score *= f
		sp.Adjustments = append(sp.Adjustments, Adjustment{Reason: "error_rate", Factor: f})
	}

	sp.Score = min(100, max(0, score))
	return sp
}

// Rank scores every candidate and sorts them best first. Equal scores keep
// the candidates' input order.
func Rank(candidates []types.ProviderSnapshot, capability types.Capability, mode types.OptimizationMode) []ScoredProvider {
	ranked := make([]ScoredProvider, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, Score(c, capability, mode))
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

package providers

import (
	"context"
	"fmt"

	"github.com/tributary-ai/llm-router-resilience/internal/types"
)

// Core provider interface - all providers must implement
type CompletionProvider interface {
	GenerateCompletion(ctx context.Context, prompt string, opts types.CompletionOptions) (*types.Completion, error)
}

// Optional specialised interfaces
type CodeGenerator interface {
	GenerateCode(ctx context.Context, prompt string, opts types.CompletionOptions) (*types.Completion, error)
}

type CreativeGenerator interface {
	GenerateCreative(ctx context.Context, prompt string, opts types.CompletionOptions) (*types.Completion, error)
}

type AnalysisGenerator interface {
	GenerateAnalysis(ctx context.Context, prompt string, opts types.CompletionOptions) (*types.Completion, error)
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// GenerateFunc is a single provider generation call
type GenerateFunc func(ctx context.Context, prompt string, opts types.CompletionOptions) (*types.Completion, error)

// Adapter is a provider with its optional methods resolved. A nil field means
// the provider does not implement that method.
type Adapter struct {
	Name       string
	Completion GenerateFunc
	Code       GenerateFunc
	Creative   GenerateFunc
	Analysis   GenerateFunc
	Health     func(ctx context.Context) error
}

// Resolve inspects p once and records which optional methods it implements
func Resolve(name string, p CompletionProvider) (*Adapter, error) {
	if p == nil {
		return nil, fmt.Errorf("provider %s is nil", name)
	}

	a := &Adapter{
		Name:       name,
		Completion: p.GenerateCompletion,
	}
	if g, ok := p.(CodeGenerator); ok {
		a.Code = g.GenerateCode
	}
	if g, ok := p.(CreativeGenerator); ok {
		a.Creative = g.GenerateCreative
	}
	if g, ok := p.(AnalysisGenerator); ok {
		a.Analysis = g.GenerateAnalysis
	}
	if h, ok := p.(HealthChecker); ok {
		a.Health = h.HealthCheck
	}
	return a, nil
}

// For returns the call to use for capability c, falling back to
// GenerateCompletion when the specialised method is absent
func (a *Adapter) For(c types.Capability) GenerateFunc {
	var fn GenerateFunc
	switch c {
	case types.CapabilityCode:
		fn = a.Code
	case types.CapabilityCreative:
		fn = a.Creative
	case types.CapabilityAnalysis:
		fn = a.Analysis
	}
	if fn == nil {
		return a.Completion
	}
	return fn
}

// Specialised reports whether capability c has a dedicated method
func (a *Adapter) Specialised(c types.Capability) bool {
	switch c {
	case types.CapabilityCode:
		return a.Code != nil
	case types.CapabilityCreative:
		return a.Creative != nil
	case types.CapabilityAnalysis:
		return a.Analysis != nil
	}
	return false
}

// HealthCheck runs the provider's health check, or reports healthy when the
// provider has none
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if a.Health == nil {
		return nil
	}
	return a.Health(ctx)
}

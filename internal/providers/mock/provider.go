package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tributary-ai/llm-router-resilience/internal/types"
)

// Step is one scripted outcome. Steps are consumed in order; once the script
// runs out the provider answers with its default response.
type Step struct {
	Content string
	Tokens  int
	Err     error
	Delay   time.Duration
}

// Provider returns deterministic responses for local runs and tests
type Provider struct {
	name            string
	defaultResponse string
	latency         time.Duration

	mu        sync.Mutex
	script    []Step
	calls     int
	prompts   []string
	healthErr error
}

// New creates a mock provider with a default response
func New(name string) *Provider {
	return &Provider{
		name:            name,
		defaultResponse: "mock response:",
	}
}

// NewScripted creates a mock provider that plays back steps in order
func NewScripted(name string, steps ...Step) *Provider {
	p := New(name)
	p.script = steps
	return p
}

// WithLatency adds a fixed delay to every unscripted call
func (p *Provider) WithLatency(d time.Duration) *Provider {
	p.latency = d
	return p
}

// Name returns the provider identifier
func (p *Provider) Name() string {
	return p.name
}

// Enqueue appends steps to the script
func (p *Provider) Enqueue(steps ...Step) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, steps...)
}

// SetHealth sets the error returned by HealthCheck
func (p *Provider) SetHealth(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthErr = err
}

// Calls returns the number of generation calls received
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Prompts returns the prompts received so far
func (p *Provider) Prompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.prompts))
	copy(out, p.prompts)
	return out
}

// GenerateCompletion implements providers.CompletionProvider
func (p *Provider) GenerateCompletion(ctx context.Context, prompt string, opts types.CompletionOptions) (*types.Completion, error) {
	p.mu.Lock()
	p.calls++
	p.prompts = append(p.prompts, prompt)
	step := Step{
		Content: fmt.Sprintf("%s\n%s", p.defaultResponse, prompt),
		Delay:   p.latency,
	}
	if len(p.script) > 0 {
		step = p.script[0]
		p.script = p.script[1:]
	}
	p.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}

	tokens := step.Tokens
	if tokens == 0 {
		tokens = len(strings.Fields(prompt)) + len(strings.Fields(step.Content))
	}
	return &types.Completion{
		Content:    step.Content,
		TokensUsed: tokens,
		Metadata:   map[string]interface{}{"model": "mock-1"},
	}, nil
}

// HealthCheck implements providers.HealthChecker
func (p *Provider) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthErr
}

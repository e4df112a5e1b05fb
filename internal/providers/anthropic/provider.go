package anthropic

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-router-resilience/internal/providers"
	"github.com/tributary-ai/llm-router-resilience/internal/types"
)

const (
	DefaultModel     = "claude-3-5-haiku-latest"
	DefaultMaxTokens = 1024

	creativeSystemPrompt = "You are a creative writer. Favour vivid, original output over safe phrasing."
	analysisSystemPrompt = "You are a careful analyst. Reason step by step and state conclusions plainly."
)

// AnthropicProvider adapts the Anthropic Messages API to the completion contract
type AnthropicProvider struct {
	client *anthropic.Client
	config *AnthropicConfig
	logger *logrus.Logger
}

// AnthropicConfig holds Anthropic-specific configuration
type AnthropicConfig struct {
	Name    string        `yaml:"name"`
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// NewAnthropicProvider creates a new Anthropic provider instance
func NewAnthropicProvider(config *AnthropicConfig, logger *logrus.Logger) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		// retries are owned by the executor
		option.WithMaxRetries(0),
	}

	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Name == "" {
		config.Name = "anthropic"
	}

	client := anthropic.NewClient(opts...)

	return &AnthropicProvider{
		client: &client,
		config: config,
		logger: logger,
	}
}

// GetProviderName returns the provider name
func (p *AnthropicProvider) GetProviderName() string {
	return p.config.Name
}

// GenerateCompletion implements providers.CompletionProvider
func (p *AnthropicProvider) GenerateCompletion(ctx context.Context, prompt string, opts types.CompletionOptions) (*types.Completion, error) {
	return p.message(ctx, "", prompt, opts)
}

// GenerateCreative implements providers.CreativeGenerator
func (p *AnthropicProvider) GenerateCreative(ctx context.Context, prompt string, opts types.CompletionOptions) (*types.Completion, error) {
	return p.message(ctx, creativeSystemPrompt, prompt, opts)
}

// GenerateAnalysis implements providers.AnalysisGenerator
func (p *AnthropicProvider) GenerateAnalysis(ctx context.Context, prompt string, opts types.CompletionOptions) (*types.Completion, error) {
	return p.message(ctx, analysisSystemPrompt, prompt, opts)
}

// HealthCheck performs a health check on the Anthropic API
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	// Simple health check using a minimal message
	_, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model: anthropic.Model(p.config.Model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
		MaxTokens: 1,
	})
	if err != nil {
		p.logger.WithError(err).WithField("provider", p.config.Name).Error("Anthropic health check failed")
		return p.wrapError(err)
	}

	p.logger.WithField("provider", p.config.Name).Debug("Anthropic health check passed")
	return nil
}

func (p *AnthropicProvider) message(ctx context.Context, system, prompt string, opts types.CompletionOptions) (*types.Completion, error) {
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	params := p.buildParams(system, prompt, opts)

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"provider": p.config.Name,
			"model":    params.Model,
		}).Warn("Anthropic API call failed")
		return nil, p.wrapError(err)
	}

	// Claude returns a list of content blocks; only text is relevant here
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &types.Completion{
		Content:    content.String(),
		TokensUsed: int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		Metadata: map[string]interface{}{
			"model":       string(resp.Model),
			"stop_reason": string(resp.StopReason),
			"id":          resp.ID,
		},
	}, nil
}

func (p *AnthropicProvider) buildParams(system, prompt string, opts types.CompletionOptions) anthropic.MessageNewParams {
	model := opts.Model
	if model == "" {
		model = p.config.Model
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model: anthropic.Model(model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if opts.Temperature != nil {
		// Claude caps temperature at 1.0
		params.Temperature = anthropic.Float(min(*opts.Temperature, 1.0))
	}
	return params
}

func (p *AnthropicProvider) wrapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return providers.WrapError(p.config.Name, apiErr.StatusCode, err)
	}
	return providers.WrapError(p.config.Name, 0, err)
}

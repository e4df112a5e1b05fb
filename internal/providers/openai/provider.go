package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-router-resilience/internal/providers"
	"github.com/tributary-ai/llm-router-resilience/internal/types"
)

const (
	DefaultModel         = "gpt-4o-mini"
	DeepSeekBaseURL      = "https://api.deepseek.com/v1"
	DeepSeekDefaultModel = "deepseek-chat"

	codeSystemPrompt = "You are an expert software engineer. Respond with working code and brief explanations only where needed."
)

// OpenAIProvider adapts an OpenAI-compatible chat API to the completion contract
type OpenAIProvider struct {
	client *openai.Client
	config *OpenAIConfig
	logger *logrus.Logger
}

// OpenAIConfig holds OpenAI-specific configuration
type OpenAIConfig struct {
	Name    string        `yaml:"name"`
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	OrgID   string        `yaml:"org_id"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// NewOpenAIProvider creates a new OpenAI provider instance
func NewOpenAIProvider(config *OpenAIConfig, logger *logrus.Logger) *OpenAIProvider {
	clientConfig := openai.DefaultConfig(config.APIKey)

	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.OrgID != "" {
		clientConfig.OrgID = config.OrgID
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Name == "" {
		config.Name = "openai"
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger,
	}
}

// NewDeepSeekProvider creates a provider for DeepSeek's OpenAI-compatible API
func NewDeepSeekProvider(config *OpenAIConfig, logger *logrus.Logger) *OpenAIProvider {
	if config.BaseURL == "" {
		config.BaseURL = DeepSeekBaseURL
	}
	if config.Model == "" {
		config.Model = DeepSeekDefaultModel
	}
	if config.Name == "" {
		config.Name = "deepseek"
	}
	return NewOpenAIProvider(config, logger)
}

// GetProviderName returns the provider name
func (p *OpenAIProvider) GetProviderName() string {
	return p.config.Name
}

// GenerateCompletion implements providers.CompletionProvider
func (p *OpenAIProvider) GenerateCompletion(ctx context.Context, prompt string, opts types.CompletionOptions) (*types.Completion, error) {
	return p.chat(ctx, "", prompt, opts)
}

// GenerateCode implements providers.CodeGenerator
func (p *OpenAIProvider) GenerateCode(ctx context.Context, prompt string, opts types.CompletionOptions) (*types.Completion, error) {
	return p.chat(ctx, codeSystemPrompt, prompt, opts)
}

// HealthCheck performs a health check on the OpenAI API
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	// Simple health check using models endpoint
	_, err := p.client.ListModels(ctx)
	if err != nil {
		p.logger.WithError(err).WithField("provider", p.config.Name).Error("OpenAI health check failed")
		return fmt.Errorf("openai health check failed: %w", p.wrapError(err))
	}

	p.logger.WithField("provider", p.config.Name).Debug("OpenAI health check passed")
	return nil
}

func (p *OpenAIProvider) chat(ctx context.Context, system, prompt string, opts types.CompletionOptions) (*types.Completion, error) {
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	req := p.buildRequest(system, prompt, opts)

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"provider": p.config.Name,
			"model":    req.Model,
		}).Warn("OpenAI API call failed")
		return nil, p.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &types.ProviderError{
			Provider: p.config.Name,
			Class:    types.ErrorModel,
			Err:      errors.New("response contained no choices"),
		}
	}

	return &types.Completion{
		Content:    resp.Choices[0].Message.Content,
		TokensUsed: resp.Usage.TotalTokens,
		Metadata: map[string]interface{}{
			"model":         resp.Model,
			"finish_reason": string(resp.Choices[0].FinishReason),
			"id":            resp.ID,
		},
	}, nil
}

func (p *OpenAIProvider) buildRequest(system, prompt string, opts types.CompletionOptions) openai.ChatCompletionRequest {
	model := opts.Model
	if model == "" {
		model = p.config.Model
	}

	var messages []openai.ChatCompletionMessage
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: opts.MaxTokens,
	}
	if opts.Temperature != nil {
		req.Temperature = float32(*opts.Temperature)
	}
	return req
}

// wrapError attaches the upstream status code so the executor can classify it
func (p *OpenAIProvider) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Type == "insufficient_quota" {
			return &types.ProviderError{
				Provider:   p.config.Name,
				Class:      types.ErrorQuotaExceeded,
				StatusCode: apiErr.HTTPStatusCode,
				Err:        err,
			}
		}
		return providers.WrapError(p.config.Name, apiErr.HTTPStatusCode, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return providers.WrapError(p.config.Name, reqErr.HTTPStatusCode, err)
	}

	return providers.WrapError(p.config.Name, 0, err)
}

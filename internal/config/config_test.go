package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tributary-ai/llm-router-resilience/internal/cache"
	"github.com/tributary-ai/llm-router-resilience/internal/types"
)

var envVars = []string{
	"OPENAI_API_KEY",
	"ANTHROPIC_API_KEY",
	"DEEPSEEK_API_KEY",
	"LLM_ROUTER_PORT",
	"LLM_ROUTER_API_KEYS",
	"LLM_ROUTER_LOG_LEVEL",
	"LLM_ROUTER_LOG_FORMAT",
	"LLM_ROUTER_LOG_OUTPUT",
	"LLM_ROUTER_DEFAULT_MODE",
	"LLM_ROUTER_REDIS_ADDR",
	"LLM_ROUTER_REDIS_PASSWORD",
	"LLM_ROUTER_CACHE_ENABLED",
	"LLM_ROUTER_METRICS_ENABLED",
	"LLM_ROUTER_MAINTENANCE_ENABLED",
	"LLM_ROUTER_MAX_RETRIES",
	"LLM_ROUTER_ATTEMPT_TIMEOUT",
}

// clearEnv blanks every variable the loader reads for the duration of the test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range envVars {
		t.Setenv(name, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "test-openai-key")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("Expected default port '8080', got %s", cfg.Server.Port)
	}
	if cfg.Router.DefaultMode != "balanced" {
		t.Errorf("Expected default mode 'balanced', got %s", cfg.Router.DefaultMode)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected default log level 'info', got %s", cfg.Logging.Level)
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("Expected 3 retries, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("Expected failure threshold 5, got %d", cfg.Breaker.FailureThreshold)
	}
	if cfg.Cache.EvictionPolicy != cache.PolicyLRU {
		t.Errorf("Expected lru eviction, got %s", cfg.Cache.EvictionPolicy)
	}
	if cfg.Maintenance.HealthInterval != 30*time.Second {
		t.Errorf("Expected health interval 30s, got %v", cfg.Maintenance.HealthInterval)
	}

	if len(cfg.Providers) != 1 {
		t.Fatalf("Expected one provider from the environment, got %d", len(cfg.Providers))
	}
	p := cfg.Providers[0]
	if p.Name != "openai" || p.APIKey != "test-openai-key" {
		t.Errorf("Expected openai provider with env key, got %s/%s", p.Name, p.APIKey)
	}
	if !p.Profile().Supports(types.CapabilityCode) {
		t.Error("Default openai profile should support code")
	}
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_ROUTER_PORT", "9090")
	t.Setenv("ANTHROPIC_API_KEY", "test-anthropic-key")
	t.Setenv("DEEPSEEK_API_KEY", "test-deepseek-key")
	t.Setenv("LLM_ROUTER_LOG_LEVEL", "debug")
	t.Setenv("LLM_ROUTER_LOG_FORMAT", "text")
	t.Setenv("LLM_ROUTER_DEFAULT_MODE", "cost")
	t.Setenv("LLM_ROUTER_REDIS_ADDR", "redis:6379")
	t.Setenv("LLM_ROUTER_API_KEYS", "key-a, key-b,")
	t.Setenv("LLM_ROUTER_CACHE_ENABLED", "false")
	t.Setenv("LLM_ROUTER_MAX_RETRIES", "1")
	t.Setenv("LLM_ROUTER_ATTEMPT_TIMEOUT", "5s")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Expected port '9090', got %s", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level 'debug', got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected log format 'text', got %s", cfg.Logging.Format)
	}
	if cfg.Router.DefaultMode != "cost" {
		t.Errorf("Expected mode 'cost', got %s", cfg.Router.DefaultMode)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("Expected redis addr 'redis:6379', got %s", cfg.Redis.Addr)
	}
	if strings.Join(cfg.Server.APIKeys, "|") != "key-a|key-b" {
		t.Errorf("Expected api keys [key-a key-b], got %v", cfg.Server.APIKeys)
	}
	if cfg.Cache.Enabled {
		t.Error("Expected cache to be disabled")
	}
	if cfg.Retry.MaxRetries != 1 {
		t.Errorf("Expected 1 retry, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.AttemptTimeout != 5*time.Second {
		t.Errorf("Expected attempt timeout 5s, got %v", cfg.Retry.AttemptTimeout)
	}

	names := cfg.GetEnabledProviders()
	if strings.Join(names, ",") != "anthropic,deepseek" {
		t.Errorf("Expected providers anthropic,deepseek, got %v", names)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		env    map[string]string
		errMsg string
	}{
		{
			name:   "No providers",
			env:    map[string]string{},
			errMsg: "at least one provider must be configured",
		},
		{
			name:   "Invalid log level",
			env:    map[string]string{"OPENAI_API_KEY": "k", "LLM_ROUTER_LOG_LEVEL": "invalid"},
			errMsg: "invalid log level",
		},
		{
			name:   "Invalid mode",
			env:    map[string]string{"OPENAI_API_KEY": "k", "LLM_ROUTER_DEFAULT_MODE": "fastest"},
			errMsg: "invalid default mode",
		},
		{
			name:   "Malformed boolean",
			env:    map[string]string{"OPENAI_API_KEY": "k", "LLM_ROUTER_CACHE_ENABLED": "sometimes"},
			errMsg: "LLM_ROUTER_CACHE_ENABLED",
		},
		{
			name:   "Too many retries",
			env:    map[string]string{"OPENAI_API_KEY": "k", "LLM_ROUTER_MAX_RETRIES": "11"},
			errMsg: "max retries must be within 0-10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadConfig("")
			if err == nil {
				t.Fatal("Expected error but got none")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Expected error containing %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestLoadConfig_FileLoading(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "env-openai-key")

	path := writeConfig(t, `
server:
  port: "3000"
  read_timeout: 60s
  api_keys: ["ops-key"]

router:
  default_mode: quality

retry:
  max_retries: 2
  backoff:
    base_delay: 500ms
    multiplier: 3
    max_delay: 10s

breaker:
  failure_threshold: 3

cache:
  enabled: true
  default_ttl: 30m
  max_memory: 1048576
  eviction_policy: lfu

logging:
  level: warn
  format: text

providers:
  - name: primary
    type: openai
    model: gpt-4o
    max_concurrent: 4
    capabilities:
      code: {quality: 90, speed: 70, reliability: 95, cost_efficiency: 50}
    costs:
      cost_per_token: 0.00002
    rate_limits:
      requests_per_minute: 100
  - name: local
    type: mock
    capabilities:
      completion: {quality: 40, speed: 100, reliability: 100, cost_efficiency: 100}
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != "3000" {
		t.Errorf("Expected port '3000', got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 60*time.Second {
		t.Errorf("Expected read timeout 60s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Router.DefaultMode != "quality" {
		t.Errorf("Expected mode 'quality', got %s", cfg.Router.DefaultMode)
	}
	if cfg.Retry.Backoff.BaseDelay != 500*time.Millisecond || cfg.Retry.Backoff.Multiplier != 3 {
		t.Errorf("Unexpected backoff %+v", cfg.Retry.Backoff)
	}
	if cfg.Breaker.FailureThreshold != 3 {
		t.Errorf("Expected failure threshold 3, got %d", cfg.Breaker.FailureThreshold)
	}
	// unset fields keep their defaults
	if cfg.Breaker.OpenTimeout != 60*time.Second {
		t.Errorf("Expected default open timeout, got %v", cfg.Breaker.OpenTimeout)
	}
	if cfg.Cache.EvictionPolicy != cache.PolicyLFU {
		t.Errorf("Expected lfu eviction, got %s", cfg.Cache.EvictionPolicy)
	}

	if len(cfg.Providers) != 2 {
		t.Fatalf("Expected 2 providers, got %d", len(cfg.Providers))
	}
	primary := cfg.Providers[0]
	if primary.APIKey != "env-openai-key" {
		t.Errorf("Expected env key to fill provider, got %q", primary.APIKey)
	}
	profile := primary.Profile()
	if profile.RateLimits.RequestsPerMinute != 100 {
		t.Errorf("Expected 100 rpm, got %d", profile.RateLimits.RequestsPerMinute)
	}
	if profile.Capabilities[types.CapabilityCode].Reliability != 95 {
		t.Errorf("Expected code reliability 95, got %v", profile.Capabilities[types.CapabilityCode].Reliability)
	}

	dc := cfg.ToDispatchConfig()
	if dc.DefaultMode != types.OptimizeQuality {
		t.Errorf("Expected dispatch mode quality, got %s", dc.DefaultMode)
	}
	if dc.Executor.MaxRetries != 2 {
		t.Errorf("Expected dispatch retries 2, got %d", dc.Executor.MaxRetries)
	}
	if dc.Cache.DefaultTTL != 30*time.Minute {
		t.Errorf("Expected cache TTL 30m, got %v", dc.Cache.DefaultTTL)
	}
}

func TestProviderConfig_Validate(t *testing.T) {
	valid := DefaultProvider(ProviderMock)

	tests := []struct {
		name   string
		mutate func(p *ProviderConfig)
		errMsg string
	}{
		{"valid mock", func(p *ProviderConfig) {}, ""},
		{"missing name", func(p *ProviderConfig) { p.Name = "" }, "name cannot be empty"},
		{"unknown type", func(p *ProviderConfig) { p.Type = "llama" }, "unknown type"},
		{"missing key", func(p *ProviderConfig) { p.Type = ProviderAnthropic }, "API key is required"},
		{"no capabilities", func(p *ProviderConfig) { p.Capabilities = nil }, "at least one capability"},
		{"unknown capability", func(p *ProviderConfig) {
			p.Capabilities = map[types.Capability]types.CapabilityScores{"poetry": {}}
		}, "unknown capability"},
		{"score out of range", func(p *ProviderConfig) {
			p.Capabilities = map[types.Capability]types.CapabilityScores{types.CapabilityCode: {Quality: 120}}
		}, "within 0-100"},
		{"negative cost", func(p *ProviderConfig) { p.Costs.CostPerToken = -1 }, "cannot be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			p.Capabilities = valid.Profile().Capabilities
			tt.mutate(&p)

			err := p.validate()
			if tt.errMsg == "" {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Expected error containing %q, got %v", tt.errMsg, err)
			}
		})
	}
}

func TestConfig_DuplicateProviders(t *testing.T) {
	cfg := &Config{}
	cfg.setDefaults()
	cfg.Providers = []ProviderConfig{DefaultProvider(ProviderMock), DefaultProvider(ProviderMock)}

	err := cfg.validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate provider name") {
		t.Errorf("Expected duplicate provider error, got %v", err)
	}
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("DEEPSEEK_API_KEY=from-dotenv\nLLM_ROUTER_PORT=7070\n"), 0600); err != nil {
		t.Fatalf("Failed to write .env: %v", err)
	}
	// variables already set win over the file
	t.Setenv("LLM_ROUTER_PORT", "6060")
	os.Unsetenv("DEEPSEEK_API_KEY")

	if err := loadEnvFile(path); err != nil {
		t.Fatalf("loadEnvFile failed: %v", err)
	}
	if got := os.Getenv("DEEPSEEK_API_KEY"); got != "from-dotenv" {
		t.Errorf("Expected key from .env, got %q", got)
	}
	if got := os.Getenv("LLM_ROUTER_PORT"); got != "6060" {
		t.Errorf("Expected existing port to win, got %q", got)
	}

	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("Missing .env should be ignored, got %v", err)
	}
}

func TestConfig_SaveToFile(t *testing.T) {
	cfg := &Config{}
	cfg.setDefaults()
	cfg.Server.Port = "4000"

	path := filepath.Join(t.TempDir(), "saved.yaml")
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read saved file: %v", err)
	}

	content := string(data)
	if !strings.Contains(content, `port: "4000"`) {
		t.Error("Saved config should contain the custom port")
	}
	if !strings.Contains(content, "default_mode: balanced") {
		t.Error("Saved config should contain the default mode")
	}
}

func BenchmarkLoadConfig_Defaults(b *testing.B) {
	b.Setenv("OPENAI_API_KEY", "test-key")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = LoadConfig("")
	}
}

func TestConfig_ToServerConfig(t *testing.T) {
	cfg := &Config{}
	cfg.setDefaults()
	cfg.Server.Port = "9999"
	cfg.Server.ReadTimeout = 45 * time.Second
	cfg.Server.APIKeys = []string{"k"}
	cfg.Server.RateLimit.Enabled = true

	serverConfig := cfg.ToServerConfig()

	if serverConfig.Port != "9999" {
		t.Errorf("Expected port '9999', got %s", serverConfig.Port)
	}
	if serverConfig.ReadTimeout != 45*time.Second {
		t.Errorf("Expected read timeout 45s, got %v", serverConfig.ReadTimeout)
	}
	if len(serverConfig.APIKeys) != 1 {
		t.Errorf("Expected one API key, got %v", serverConfig.APIKeys)
	}
	if !serverConfig.RateLimit.Enabled || serverConfig.RateLimit.RequestsPerMinute != 120 {
		t.Errorf("Unexpected rate limit %+v", serverConfig.RateLimit)
	}
}

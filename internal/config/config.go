package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/llm-router-resilience/internal/breaker"
	"github.com/tributary-ai/llm-router-resilience/internal/cache"
	"github.com/tributary-ai/llm-router-resilience/internal/dispatch"
	"github.com/tributary-ai/llm-router-resilience/internal/events"
	"github.com/tributary-ai/llm-router-resilience/internal/executor"
	"github.com/tributary-ai/llm-router-resilience/internal/monitoring"
	"github.com/tributary-ai/llm-router-resilience/internal/ratelimit"
	"github.com/tributary-ai/llm-router-resilience/internal/registry"
	"github.com/tributary-ai/llm-router-resilience/internal/server"
	"github.com/tributary-ai/llm-router-resilience/internal/store"
	"github.com/tributary-ai/llm-router-resilience/internal/types"
)

// Provider types understood by the command
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderDeepSeek  = "deepseek"
	ProviderMock      = "mock"
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig               `yaml:"server"`
	Router      RouterConfig               `yaml:"router"`
	Retry       executor.Config            `yaml:"retry"`
	Breaker     breaker.Config             `yaml:"breaker"`
	Cache       cache.Config               `yaml:"cache"`
	Redis       store.RedisConfig          `yaml:"redis"`
	Maintenance dispatch.MaintenanceConfig `yaml:"maintenance"`
	Metrics     monitoring.MetricsConfig   `yaml:"metrics"`
	Logging     LoggingConfig              `yaml:"logging"`
	Providers   []ProviderConfig           `yaml:"providers"`
}

// ServerConfig holds ops API configuration
type ServerConfig struct {
	Port           string          `yaml:"port"`
	ReadTimeout    time.Duration   `yaml:"read_timeout"`
	WriteTimeout   time.Duration   `yaml:"write_timeout"`
	MaxHeaderBytes int             `yaml:"max_header_bytes"`
	APIKeys        []string        `yaml:"api_keys"`
	RateLimit      ServerRateLimit `yaml:"rate_limit"`
}

// ServerRateLimit throttles ops API clients by IP
type ServerRateLimit struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Window            time.Duration `yaml:"window"`
}

// RouterConfig holds routing and provider bookkeeping settings
type RouterConfig struct {
	DefaultMode      string        `yaml:"default_mode"`
	DefaultCapacity  int           `yaml:"default_capacity"`
	MinHealthScore   float64       `yaml:"min_health_score"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	RateLimitEnabled bool          `yaml:"rate_limit_enabled"`
	RateLimitCleanup time.Duration `yaml:"rate_limit_cleanup"`
	EventBufferSize  int           `yaml:"event_buffer_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// ProviderConfig describes one upstream provider and its routing profile
type ProviderConfig struct {
	Name          string                                      `yaml:"name"`
	Type          string                                      `yaml:"type"`
	APIKey        string                                      `yaml:"api_key"`
	BaseURL       string                                      `yaml:"base_url"`
	Model         string                                      `yaml:"model"`
	Timeout       time.Duration                               `yaml:"timeout"`
	MaxConcurrent int                                         `yaml:"max_concurrent"`
	Capabilities  map[types.Capability]types.CapabilityScores `yaml:"capabilities"`
	Costs         types.ProviderCosts                         `yaml:"costs"`
	RateLimits    types.RateLimits                            `yaml:"rate_limits"`
}

// Profile returns the registry profile for the provider
func (p ProviderConfig) Profile() types.ProviderProfile {
	caps := make(map[types.Capability]types.CapabilityScores, len(p.Capabilities))
	for c, s := range p.Capabilities {
		caps[c] = s
	}
	return types.ProviderProfile{
		Name:         p.Name,
		Capabilities: caps,
		Costs:        p.Costs,
		RateLimits:   p.RateLimits,
	}
}

// LoadConfig loads configuration from file, .env and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	config.setDefaults()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadEnvFile(".env"); err != nil {
		return nil, err
	}

	if err := config.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	config.addProvidersFromEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	defaults := dispatch.DefaultConfig()

	c.Server = ServerConfig{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
		APIKeys:        []string{},
		RateLimit: ServerRateLimit{
			Enabled:           false,
			RequestsPerMinute: 120,
			Window:            time.Minute,
		},
	}

	c.Router = RouterConfig{
		DefaultMode:      string(defaults.DefaultMode),
		DefaultCapacity:  defaults.DefaultCapacity,
		MinHealthScore:   defaults.Registry.MinHealthScore,
		ProbeTimeout:     defaults.Registry.ProbeTimeout,
		RateLimitEnabled: defaults.RateLimit.Enabled,
		RateLimitCleanup: defaults.RateLimit.CleanupInterval,
		EventBufferSize:  defaults.Events.BufferSize,
	}

	c.Retry = defaults.Executor
	c.Breaker = defaults.Breaker
	c.Cache = defaults.Cache
	c.Redis = store.RedisConfig{PoolSize: 10}
	c.Maintenance = defaults.Maintenance
	c.Metrics = defaults.Metrics

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() error {
	if port := os.Getenv("LLM_ROUTER_PORT"); port != "" {
		c.Server.Port = port
	}
	if keys := os.Getenv("LLM_ROUTER_API_KEYS"); keys != "" {
		c.Server.APIKeys = splitList(keys)
	}

	if level := os.Getenv("LLM_ROUTER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("LLM_ROUTER_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if output := os.Getenv("LLM_ROUTER_LOG_OUTPUT"); output != "" {
		c.Logging.Output = output
	}

	if mode := os.Getenv("LLM_ROUTER_DEFAULT_MODE"); mode != "" {
		c.Router.DefaultMode = mode
	}

	if addr := os.Getenv("LLM_ROUTER_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if password := os.Getenv("LLM_ROUTER_REDIS_PASSWORD"); password != "" {
		c.Redis.Password = password
	}

	if err := envBool("LLM_ROUTER_CACHE_ENABLED", &c.Cache.Enabled); err != nil {
		return err
	}
	if err := envBool("LLM_ROUTER_METRICS_ENABLED", &c.Metrics.Enabled); err != nil {
		return err
	}
	if err := envBool("LLM_ROUTER_MAINTENANCE_ENABLED", &c.Maintenance.Enabled); err != nil {
		return err
	}
	if err := envInt("LLM_ROUTER_MAX_RETRIES", &c.Retry.MaxRetries); err != nil {
		return err
	}
	if err := envDuration("LLM_ROUTER_ATTEMPT_TIMEOUT", &c.Retry.AttemptTimeout); err != nil {
		return err
	}

	// API keys fill configured providers that do not carry their own
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.APIKey != "" {
			continue
		}
		if key := os.Getenv(apiKeyEnv(p.Type)); key != "" {
			p.APIKey = key
		}
	}

	return nil
}

// addProvidersFromEnv registers the default profile of every provider type
// with an API key in the environment, when the file configured none
func (c *Config) addProvidersFromEnv() {
	if len(c.Providers) > 0 {
		return
	}
	for _, kind := range []string{ProviderOpenAI, ProviderAnthropic, ProviderDeepSeek} {
		key := os.Getenv(apiKeyEnv(kind))
		if key == "" {
			continue
		}
		p := DefaultProvider(kind)
		p.APIKey = key
		c.Providers = append(c.Providers, p)
	}
}

func apiKeyEnv(kind string) string {
	switch kind {
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderDeepSeek:
		return "DEEPSEEK_API_KEY"
	}
	return ""
}

// DefaultProvider returns the built-in profile for a provider type
func DefaultProvider(kind string) ProviderConfig {
	p := ProviderConfig{
		Name:          kind,
		Type:          kind,
		Timeout:       120 * time.Second,
		MaxConcurrent: 10,
	}

	switch kind {
	case ProviderOpenAI:
		p.Capabilities = map[types.Capability]types.CapabilityScores{
			types.CapabilityCode:       {Quality: 88, Speed: 75, Reliability: 90, CostEfficiency: 60},
			types.CapabilityCreative:   {Quality: 85, Speed: 75, Reliability: 90, CostEfficiency: 60},
			types.CapabilityAnalysis:   {Quality: 87, Speed: 72, Reliability: 90, CostEfficiency: 60},
			types.CapabilityCompletion: {Quality: 85, Speed: 80, Reliability: 90, CostEfficiency: 65},
		}
		p.Costs = types.ProviderCosts{CostPerToken: 0.00001, MonthlyLimit: 500}
		p.RateLimits = types.RateLimits{RequestsPerMinute: 500, TokensPerMinute: 150000}
	case ProviderAnthropic:
		p.Capabilities = map[types.Capability]types.CapabilityScores{
			types.CapabilityCode:       {Quality: 90, Speed: 70, Reliability: 92, CostEfficiency: 55},
			types.CapabilityCreative:   {Quality: 93, Speed: 70, Reliability: 92, CostEfficiency: 55},
			types.CapabilityAnalysis:   {Quality: 92, Speed: 68, Reliability: 92, CostEfficiency: 55},
			types.CapabilityCompletion: {Quality: 88, Speed: 72, Reliability: 92, CostEfficiency: 55},
		}
		p.Costs = types.ProviderCosts{CostPerToken: 0.000015, MonthlyLimit: 500}
		p.RateLimits = types.RateLimits{RequestsPerMinute: 50, TokensPerMinute: 40000}
	case ProviderDeepSeek:
		p.Capabilities = map[types.Capability]types.CapabilityScores{
			types.CapabilityCode:       {Quality: 84, Speed: 80, Reliability: 85, CostEfficiency: 95},
			types.CapabilityAnalysis:   {Quality: 80, Speed: 80, Reliability: 85, CostEfficiency: 95},
			types.CapabilityCompletion: {Quality: 80, Speed: 82, Reliability: 85, CostEfficiency: 95},
		}
		p.Costs = types.ProviderCosts{CostPerToken: 0.000002, MonthlyLimit: 100}
		p.RateLimits = types.RateLimits{RequestsPerMinute: 60}
	case ProviderMock:
		p.Timeout = 5 * time.Second
		p.Capabilities = map[types.Capability]types.CapabilityScores{
			types.CapabilityCode:       {Quality: 50, Speed: 100, Reliability: 100, CostEfficiency: 100},
			types.CapabilityCreative:   {Quality: 50, Speed: 100, Reliability: 100, CostEfficiency: 100},
			types.CapabilityAnalysis:   {Quality: 50, Speed: 100, Reliability: 100, CostEfficiency: 100},
			types.CapabilityCompletion: {Quality: 50, Speed: 100, Reliability: 100, CostEfficiency: 100},
		}
	}
	return p
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("server rate limit must allow at least one request per minute")
	}

	switch types.OptimizationMode(c.Router.DefaultMode) {
	case types.OptimizeCost, types.OptimizeSpeed, types.OptimizeQuality, types.OptimizeBalanced:
	default:
		return fmt.Errorf("invalid default mode: %s", c.Router.DefaultMode)
	}
	if c.Router.MinHealthScore < 0 || c.Router.MinHealthScore > 100 {
		return fmt.Errorf("min health score must be within 0-100, got %v", c.Router.MinHealthScore)
	}

	if c.Retry.MaxRetries < 0 || c.Retry.MaxRetries > 10 {
		return fmt.Errorf("max retries must be within 0-10, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.Backoff.Multiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1, got %v", c.Retry.Backoff.Multiplier)
	}
	if c.Retry.Backoff.MaxDelay < c.Retry.Backoff.BaseDelay {
		return fmt.Errorf("backoff max delay %s is below base delay %s", c.Retry.Backoff.MaxDelay, c.Retry.Backoff.BaseDelay)
	}

	if c.Breaker.FailureThreshold <= 0 || c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("circuit breaker thresholds must be positive")
	}

	if c.Cache.Enabled {
		if !c.Cache.EvictionPolicy.Valid() {
			return fmt.Errorf("invalid eviction policy: %s", c.Cache.EvictionPolicy)
		}
		if c.Cache.MaxMemory <= 0 {
			return fmt.Errorf("cache max memory must be positive")
		}
		if c.Cache.DefaultTTL <= 0 {
			return fmt.Errorf("cache default TTL must be positive")
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if err := p.validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name: %s", p.Name)
		}
		seen[p.Name] = true
	}

	return nil
}

func (p ProviderConfig) validate() error {
	if p.Name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	switch p.Type {
	case ProviderOpenAI, ProviderAnthropic, ProviderDeepSeek:
		if p.APIKey == "" {
			return fmt.Errorf("provider %s: API key is required for type %s", p.Name, p.Type)
		}
	case ProviderMock:
	default:
		return fmt.Errorf("provider %s: unknown type %q", p.Name, p.Type)
	}

	if len(p.Capabilities) == 0 {
		return fmt.Errorf("provider %s must declare at least one capability", p.Name)
	}
	for capability, s := range p.Capabilities {
		if !capability.Valid() {
			return fmt.Errorf("provider %s: unknown capability %q", p.Name, capability)
		}
		for _, v := range []float64{s.Quality, s.Speed, s.Reliability, s.CostEfficiency} {
			if v < 0 || v > 100 {
				return fmt.Errorf("provider %s: %s scores must be within 0-100", p.Name, capability)
			}
		}
	}
	if p.Costs.CostPerRequest < 0 || p.Costs.CostPerToken < 0 || p.Costs.MonthlyLimit < 0 {
		return fmt.Errorf("provider %s: costs cannot be negative", p.Name)
	}
	return nil
}

// ToDispatchConfig converts to dispatch.Config
func (c *Config) ToDispatchConfig() dispatch.Config {
	return dispatch.Config{
		DefaultMode:     types.OptimizationMode(c.Router.DefaultMode),
		DefaultCapacity: c.Router.DefaultCapacity,
		Registry: registry.Config{
			MinHealthScore: c.Router.MinHealthScore,
			ProbeTimeout:   c.Router.ProbeTimeout,
		},
		Breaker: c.Breaker,
		RateLimit: ratelimit.Config{
			Enabled:         c.Router.RateLimitEnabled,
			CleanupInterval: c.Router.RateLimitCleanup,
		},
		Executor:    c.Retry,
		Cache:       c.Cache,
		Events:      events.Config{BufferSize: c.Router.EventBufferSize},
		Metrics:     c.Metrics,
		Maintenance: c.Maintenance,
	}
}

// ToServerConfig converts to server.ServerConfig
func (c *Config) ToServerConfig() *server.ServerConfig {
	return &server.ServerConfig{
		Port:           c.Server.Port,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		MaxHeaderBytes: c.Server.MaxHeaderBytes,
		APIKeys:        c.Server.APIKeys,
		RateLimit: server.RateLimitConfig{
			Enabled:           c.Server.RateLimit.Enabled,
			RequestsPerMinute: c.Server.RateLimit.RequestsPerMinute,
			Window:            c.Server.RateLimit.Window,
		},
	}
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetEnabledProviders returns the configured provider names
func (c *Config) GetEnabledProviders() []string {
	names := make([]string, 0, len(c.Providers))
	for _, p := range c.Providers {
		names = append(names, p.Name)
	}
	return names
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envBool(name string, dst *bool) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = b
	return nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}

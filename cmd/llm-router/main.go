package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tributary-ai/llm-router-resilience/internal/config"
	"github.com/tributary-ai/llm-router-resilience/internal/dispatch"
	"github.com/tributary-ai/llm-router-resilience/internal/providers"
	"github.com/tributary-ai/llm-router-resilience/internal/providers/anthropic"
	"github.com/tributary-ai/llm-router-resilience/internal/providers/mock"
	"github.com/tributary-ai/llm-router-resilience/internal/providers/openai"
	"github.com/tributary-ai/llm-router-resilience/internal/server"
	"github.com/tributary-ai/llm-router-resilience/internal/store"
	"github.com/tributary-ai/llm-router-resilience/internal/types"
)

const version = "1.0.0"

var configFile string

// Application represents the main application
type Application struct {
	config  *config.Config
	service *dispatch.Service
	server  *server.Server
	logger  *logrus.Logger
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"providers": cfg.GetEnabledProviders(),
		"redis":     cfg.Redis.Addr != "",
		"port":      cfg.Server.Port,
	}).Info("Configuration loaded")

	var backing store.Store
	if cfg.Redis.Addr != "" {
		redisStore, err := store.NewRedisStore(cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect store: %w", err)
		}
		backing = redisStore
	} else {
		logger.Warn("No Redis address configured, cache and rate limits are process-local")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	service, err := dispatch.New(cfg.ToDispatchConfig(), dispatch.Deps{
		Store:      backing,
		Registerer: registry,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch service: %w", err)
	}

	if err := registerProviders(service, cfg, logger); err != nil {
		_ = service.Close()
		return nil, fmt.Errorf("failed to register providers: %w", err)
	}

	return &Application{
		config:  cfg,
		service: service,
		server:  server.NewServer(service, cfg.ToServerConfig(), registry, logger),
		logger:  logger,
	}, nil
}

// Run starts the application and blocks until a shutdown signal
func (app *Application) Run() error {
	app.logger.Info("Starting LLM Router")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatch service: %w", err)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		app.logger.WithField("address", ":"+app.config.Server.Port).Info("HTTP server starting")
		if err := app.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	app.logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		runErr = errors.Join(runErr, fmt.Errorf("server shutdown failed: %w", err))
	}
	if err := app.service.Close(); err != nil {
		app.logger.WithError(err).Error("Dispatch service shutdown error")
		runErr = errors.Join(runErr, err)
	}

	app.logger.Info("Graceful shutdown completed")
	return runErr
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, config config.LoggingConfig) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	switch config.Output {
	case "stdout", "":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		// Assume it's a file path
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

// registerProviders builds and registers every configured provider
func registerProviders(service *dispatch.Service, cfg *config.Config, logger *logrus.Logger) error {
	for _, pc := range cfg.Providers {
		provider, err := buildProvider(pc, logger)
		if err != nil {
			return err
		}
		if err := service.RegisterProvider(pc.Profile(), provider, pc.MaxConcurrent); err != nil {
			return fmt.Errorf("failed to register provider %s: %w", pc.Name, err)
		}

		capabilities := make([]types.Capability, 0, len(pc.Capabilities))
		for c := range pc.Capabilities {
			capabilities = append(capabilities, c)
		}
		logger.WithFields(logrus.Fields{
			"provider":     pc.Name,
			"type":         pc.Type,
			"model":        pc.Model,
			"capabilities": capabilities,
		}).Info("Provider registered")
	}

	logger.WithField("count", len(cfg.Providers)).Info("Provider registration completed")
	return nil
}

func buildProvider(pc config.ProviderConfig, logger *logrus.Logger) (providers.CompletionProvider, error) {
	switch pc.Type {
	case config.ProviderOpenAI:
		return openai.NewOpenAIProvider(&openai.OpenAIConfig{
			Name:    pc.Name,
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Model:   pc.Model,
			Timeout: pc.Timeout,
		}, logger), nil
	case config.ProviderDeepSeek:
		return openai.NewDeepSeekProvider(&openai.OpenAIConfig{
			Name:    pc.Name,
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Model:   pc.Model,
			Timeout: pc.Timeout,
		}, logger), nil
	case config.ProviderAnthropic:
		return anthropic.NewAnthropicProvider(&anthropic.AnthropicConfig{
			Name:    pc.Name,
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Model:   pc.Model,
			Timeout: pc.Timeout,
		}, logger), nil
	case config.ProviderMock:
		return mock.New(pc.Name), nil
	}
	return nil, fmt.Errorf("unknown provider type %q for %s", pc.Type, pc.Name)
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "llm-router",
		Short: "Resilient routing of generation requests across LLM providers",
		Long: `llm-router scores registered LLM providers per request, runs the request
against the best one with retries, circuit breaking and rate limiting, falls
back down the ranked chain on failure, and caches successful responses.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to configuration file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(providersCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ops API and background maintenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApplication(configFile)
			if err != nil {
				return err
			}
			return app.Run()
		},
	}
}

// requestFlags are shared by the commands that build a request
type requestFlags struct {
	capability string
	mode       string
	fallbacks  []string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.capability, "capability", string(types.CapabilityCompletion), "capability: code, creative, analysis or completion")
	cmd.Flags().StringVar(&f.mode, "mode", "", "optimization mode: cost, speed, quality or balanced")
	cmd.Flags().StringSliceVar(&f.fallbacks, "fallback", nil, "preferred fallback providers, in order")
}

func (f *requestFlags) options(prompt string) types.SubmitOptions {
	return types.SubmitOptions{
		Prompt:            prompt,
		Capability:        types.Capability(f.capability),
		OptimizationMode:  types.OptimizationMode(f.mode),
		FallbackProviders: f.fallbacks,
	}
}

func routeCmd() *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "route [prompt]",
		Short: "Show the routing decision for a prompt without calling a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApplication(configFile)
			if err != nil {
				return err
			}
			defer app.service.Close()

			decision, err := app.service.RouteOnly(cmd.Context(), flags.options(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd, decision)
		},
	}
	flags.register(cmd)
	return cmd
}

func generateCmd() *cobra.Command {
	var (
		flags      requestFlags
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Dispatch a single prompt and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApplication(configFile)
			if err != nil {
				return err
			}
			defer app.service.Close()

			if err := app.service.Start(cmd.Context()); err != nil {
				return err
			}

			opts := flags.options(args[0])
			if cmd.Flags().Changed("retries") {
				opts.MaxRetries = &maxRetries
			}

			resp, err := app.service.SubmitRequest(cmd.Context(), opts)
			if err != nil {
				var exhausted *types.AllProvidersExhaustedError
				if errors.As(err, &exhausted) {
					_ = printJSON(cmd, exhausted.Attempts)
				}
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&maxRetries, "retries", 0, "retries per provider (overrides configuration)")
	return cmd
}

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List configured providers and their profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApplication(configFile)
			if err != nil {
				return err
			}
			defer app.service.Close()
			return printJSON(cmd, app.service.Registry().Snapshots())
		},
	}
}

func configCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write the effective configuration (defaults, file, .env and environment merged) to a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if err := cfg.SaveToFile(output); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote configuration with %d providers to %s\n", len(cfg.Providers), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write (created with mode 0600, it contains API keys)")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "LLM Router v%s\n", version)
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

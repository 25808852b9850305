package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/gateway"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/provider"
	"github.com/haasonsaas/conductor/internal/pubsub"
	"github.com/haasonsaas/conductor/internal/store"
	"github.com/haasonsaas/conductor/internal/tools"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Conductor server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default conductor.yaml; or set CONDUCTOR_CONFIG)")
	return cmd
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("CONDUCTOR_CONFIG"); env != "" {
		return env
	}
	return "conductor.yaml"
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	tracer, shutdownTracer, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    "conductor",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown error", "error", err)
		}
	}()

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var sweeper *store.RetentionSweeper
	if cfg.Database.Retention > 0 {
		sweeper = store.NewRetentionSweeper(st, cfg.Database.Retention, cfg.Database.RetentionSchedule, logger)
		if err := sweeper.Start(); err != nil {
			return fmt.Errorf("retention sweeper: %w", err)
		}
		defer sweeper.Stop()
	}

	policy := pubsub.PolicyBlock
	if cfg.Limits.OverflowPolicy == "drop" {
		policy = pubsub.PolicyDrop
	}
	publisher := pubsub.New(pubsub.Config{
		BufferSize: cfg.Limits.SubscriberBuffer,
		Policy:     policy,
		Logger:     logger,
	})
	defer publisher.Close()

	toolRegistry := tools.NewRegistry()
	filter := tools.NewFilter(cfg.FilterConfig())
	executor := tools.NewExecutor(toolRegistry, tools.ExecutorConfig{
		MaxConcurrency: cfg.Tools.MaxConcurrency,
		Timeout:        cfg.Tools.Timeout,
		Stats:          metrics,
		Tracer:         tracer,
		Logger:         logger,
	})

	watcher := config.NewFilterWatcher(configPath, filter, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("filter hot-reload disabled", "error", err)
	} else {
		defer watcher.Stop()
	}

	llm, err := buildProvider(cfg)
	if err != nil {
		return err
	}
	logger.Info("provider configured", "provider", llm.Name())

	manager := agent.NewManager(ctx, func(threadID, sessionID string) *agent.Loop {
		session := &store.Session{
			ID:             sessionID,
			ConversationID: threadID,
			StartTime:      time.Now().UnixMilli(),
			Status:         store.SessionActive,
		}
		if err := st.CreateSession(context.Background(), session); err != nil {
			logger.Warn("session row not created", "session_id", sessionID, "error", err)
		}
		return agent.NewLoop(agent.Config{
			ThreadID:       threadID,
			SessionID:      sessionID,
			Provider:       llm,
			Publisher:      publisher,
			Registry:       toolRegistry,
			Filter:         filter,
			Executor:       executor,
			Recorder:       st,
			Stats:          metrics,
			Tracer:         tracer,
			MaxTurnsPerRun: cfg.Limits.MaxTurnsPerRun,
			InputBuffer:    cfg.Limits.InputBuffer,
			RejectWhenFull: cfg.Limits.RejectWhenFull,
			Logger:         logger,
		})
	})
	defer manager.Close()

	server := gateway.NewServer(gateway.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
	}, manager, publisher, metrics, registry, logger)

	if err := server.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return store.NewPostgresStoreFromDSN(cfg.Database.DSN, nil)
	default:
		return store.NewSQLiteStore(&store.SQLiteConfig{
			Path:         cfg.Database.Path,
			MaxOpenConns: cfg.Database.MaxOpenConns,
		})
	}
}

func buildProvider(cfg *config.Config) (provider.Provider, error) {
	name := cfg.Providers.Default
	pc := cfg.Providers.Providers[name]

	switch name {
	case "anthropic":
		apiKey := pc.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return provider.NewAnthropic(provider.AnthropicConfig{
			APIKey:       apiKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		}), nil
	case "openai":
		apiKey := pc.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return provider.NewOpenAI(provider.OpenAIConfig{
			APIKey:       apiKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

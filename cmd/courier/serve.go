package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/courier/internal/bindings"
	"github.com/haasonsaas/courier/internal/channels"
	emailchannel "github.com/haasonsaas/courier/internal/channels/email"
	slackchannel "github.com/haasonsaas/courier/internal/channels/slack"
	"github.com/haasonsaas/courier/internal/config"
	"github.com/haasonsaas/courier/internal/cron"
	"github.com/haasonsaas/courier/internal/executor"
	"github.com/haasonsaas/courier/internal/gateway"
	"github.com/haasonsaas/courier/internal/observability"
	"github.com/haasonsaas/courier/internal/replytoken"
	"github.com/haasonsaas/courier/internal/router"
	"github.com/haasonsaas/courier/internal/runs"
	"github.com/haasonsaas/courier/internal/sessions"
	"github.com/haasonsaas/courier/internal/webhook"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the intake gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "courier.yaml", "Path to configuration file")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := buildLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDB(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	bindingStore, err := bindings.NewSQLStore(db, logger)
	if err != nil {
		return fmt.Errorf("binding store: %w", err)
	}
	sessionStore, err := sessions.NewSQLStore(db, logger)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	emailStore, err := sessions.NewSQLEmailStore(db)
	if err != nil {
		return fmt.Errorf("email session store: %w", err)
	}
	runStore, err := runs.NewSQLStore(db, logger)
	if err != nil {
		return fmt.Errorf("run store: %w", err)
	}

	secrets, err := runs.NewSecretBox([]byte(cfg.Runs.SecretKey))
	if err != nil {
		return fmt.Errorf("secret box: %w", err)
	}

	executorClient := executor.NewClient(cfg.Executor.BaseURL, cfg.Executor.Token)
	coordinator := runs.NewCoordinator(runStore, executorClient, executorClient, secrets, logger, runs.WaitOptions{
		Timeout:      cfg.Runs.WaitTimeout,
		PollInterval: cfg.Runs.PollInterval,
	})

	rt := router.New(logger, classifierOptions(cfg.Classifier, logger)...)

	registry := channels.NewRegistry()
	if cfg.Channels.Slack.Enabled {
		registry.Register(slackchannel.NewAdapter(slackchannel.Config{
			BotToken: cfg.Channels.Slack.BotToken,
			AppToken: cfg.Channels.Slack.AppToken,
			Logger:   logger,
		}))
	}
	if cfg.Channels.Email.Enabled {
		emailAdapter, err := emailchannel.NewAdapter(emailchannel.Config{
			Domain:   cfg.Channels.Email.Domain,
			SMTPHost: cfg.Channels.Email.SMTP.Host,
			SMTPPort: cfg.Channels.Email.SMTP.Port,
			Username: cfg.Channels.Email.SMTP.Username,
			Password: cfg.Channels.Email.SMTP.Password,
			From:     cfg.Channels.Email.SMTP.From,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("email adapter: %w", err)
		}
		registry.Register(emailAdapter)
	}

	metrics := observability.NewMetrics()
	callbackURL := strings.TrimRight(cfg.Server.PublicBaseURL, "/") + "/callbacks/runs"

	pipeline := gateway.NewPipeline(gateway.PipelineConfig{
		Bindings:    bindingStore,
		Sessions:    sessionStore,
		Emails:      emailStore,
		Router:      rt,
		Coordinator: coordinator,
		Tokens:      replytoken.NewCodec([]byte(cfg.Channels.Email.TokenKey)),
		Registry:    registry,
		Metrics:     metrics,
		Logger:      logger,
		CallbackURL: callbackURL,
		EmailDomain: cfg.Channels.Email.Domain,
	})

	callbackHandler := runs.NewCallbackHandler(runStore, secrets, webhook.NewVerifier(),
		gateway.NewNotifier(pipeline), logger)

	server := gateway.NewServer(gateway.ServerConfig{
		Addr:            fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Pipeline:        pipeline,
		Callbacks:       callbackHandler,
		Verifier:        webhook.NewVerifier(),
		WorkspaceSecret: []byte(cfg.Channels.Slack.SigningSecret),
		EmailSecret:     []byte(cfg.Channels.Email.WebhookSecret),
		Metrics:         metrics,
		Logger:          logger,
	})

	if err := registry.StartAll(ctx); err != nil {
		return fmt.Errorf("start channel adapters: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return err
	}

	// Socket-mode chat messages flow through the same pipeline as
	// webhook-delivered ones.
	go func() {
		for msg := range registry.AggregateMessages(ctx) {
			go pipeline.HandleChat(ctx, msg)
		}
	}()

	scheduler := cron.NewScheduler(cfg.Schedules, coordinator, callbackURL, logger)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	cron.NewSweeper(runStore, cfg.Runs.HeartbeatTTL, 0, logger).Start(ctx)

	logger.Info("courier started",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"slack", cfg.Channels.Slack.Enabled,
		"email", cfg.Channels.Email.Enabled,
		"schedules", len(cfg.Schedules))

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", "error", err)
	}
	if err := registry.StopAll(shutdownCtx); err != nil {
		logger.Warn("adapter shutdown error", "error", err)
	}
	return nil
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func openDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func classifierOptions(cfg config.ClassifierConfig, logger *slog.Logger) []router.Option {
	if !cfg.Enabled {
		return nil
	}
	var c router.Classifier
	switch cfg.Provider {
	case "anthropic":
		c = router.NewAnthropicClassifier(cfg.APIKey, cfg.Model)
	default:
		c = router.NewOpenAIClassifier(cfg.APIKey, cfg.Model, cfg.BaseURL)
	}
	logger.Info("classifier enabled", "provider", cfg.Provider, "model", cfg.Model)
	return []router.Option{router.WithClassifier(c, cfg.Timeout)}
}

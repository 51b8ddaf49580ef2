// Package main is the entry point for the TALK2Me chat backend server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/talk2me/talk2me/internal/api"
	"github.com/talk2me/talk2me/internal/chat"
	"github.com/talk2me/talk2me/internal/config"
	"github.com/talk2me/talk2me/internal/llm"
	"github.com/talk2me/talk2me/internal/memory"
	"github.com/talk2me/talk2me/internal/memory/providers"
	"github.com/talk2me/talk2me/internal/observability"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfgManager, err := config.NewManager(*configPath, bootLogger)
	if err != nil {
		bootLogger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      logLevel(cfg.Logging.Level),
		Output:     os.Stdout,
		JSONFormat: cfg.Logging.Format != "text",
	}, observability.NewRedactor())
	slog.SetDefault(logger.Slog())

	logger.RedactedInfo("starting talk2me backend", "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.RedactedWarn("config hot-reload disabled", "error", err)
	}
	defer func() { _ = cfgManager.Close() }()

	registry := providers.NewRegistry()
	router := memory.NewRouter(registry, cfgManager, logger)
	if err := router.Initialize(ctx); err != nil {
		logger.RedactedError("memory router initialization failed", "error", err)
		os.Exit(1)
	}
	logger.RedactedInfo("memory router ready", "active_provider", router.ActiveName())

	// Re-run provider selection on every config change. In-flight requests
	// finish against the provider they already hold.
	cfgManager.OnChange(func(*config.Config) {
		reloadCtx, reloadCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer reloadCancel()
		if err := router.Reload(reloadCtx); err != nil {
			logger.RedactedError("memory router reload failed", "error", err)
		}
	})

	llmClient, err := llm.NewClient(cfg.LLM, logger)
	if err != nil {
		logger.RedactedError("llm client initialization failed", "error", err)
		os.Exit(1)
	}

	chatService := chat.NewService(router, llmClient, cfgManager, logger)
	handler := api.NewHandler(router, chatService, cfgManager, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.RedactedInfo("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.RedactedError("http server failed", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
		logger.RedactedInfo("shutdown signal received")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.RedactedError("http server shutdown failed", "error", err)
	}

	logger.RedactedInfo("talk2me backend stopped")
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

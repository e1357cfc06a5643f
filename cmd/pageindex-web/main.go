// PageIndex web backend — accepts document uploads, supervises the indexing
// subprocess, and serves index-grounded chat over HTTP/SSE.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pageindex/pageindex-web/pkg/api"
	"github.com/pageindex/pageindex-web/pkg/chat"
	"github.com/pageindex/pageindex-web/pkg/config"
	"github.com/pageindex/pageindex-web/pkg/events"
	"github.com/pageindex/pageindex-web/pkg/jobs"
	"github.com/pageindex/pageindex-web/pkg/llm"
	"github.com/pageindex/pageindex-web/pkg/store"
)

func installLogger() {
	level := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func main() {
	if err := godotenv.Load(); err != nil {
		// a missing .env is fine; the environment may carry everything
		slog.Debug("No .env file loaded", "error", err)
	}
	installLogger()

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting pageindex-web",
		"root", cfg.Jobs.RootDir,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port)

	st, err := store.New(cfg.Jobs.RootDir)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}

	jobBroker := events.NewBroker(cfg.Jobs.SubscriberQueueSize)
	jobManager, err := jobs.NewManager(cfg.Jobs, st, jobBroker)
	if err != nil {
		slog.Error("Failed to initialize job manager", "error", err)
		os.Exit(1)
	}
	slog.Info("Job manager ready")

	llmClient := llm.NewOpenAIClient(cfg.Chat.APIKey, cfg.Chat.BaseURL)
	chatBroker := events.NewBroker(cfg.Chat.SubscriberQueueSize)
	chatManager, err := chat.NewManager(cfg.Chat, st, chatBroker, jobManager, chat.NewEngine(llmClient))
	if err != nil {
		slog.Error("Failed to initialize chat manager", "error", err)
		os.Exit(1)
	}
	slog.Info("Chat manager ready")

	server := api.NewServer(cfg.Server, jobManager, chatManager)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("Shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}

	chatCtx, cancelChat := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelChat()
	if err := chatManager.Stop(chatCtx); err != nil {
		slog.Warn("Chat runs still in flight at shutdown", "error", err)
	}

	jobsCtx, cancelJobs := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelJobs()
	if err := jobManager.Stop(jobsCtx); err != nil {
		slog.Warn("Jobs still in flight at shutdown", "error", err)
	}

	slog.Info("Shutdown complete")
}

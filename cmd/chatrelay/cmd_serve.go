package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/chatrelay/internal/dispatch"
	"github.com/user/chatrelay/internal/httpapi"
	"github.com/user/chatrelay/internal/identity"
	"github.com/user/chatrelay/internal/janitor"
	"github.com/user/chatrelay/internal/persist"
	"github.com/user/chatrelay/internal/prompt"
	"github.com/user/chatrelay/internal/ratelimit"
	"github.com/user/chatrelay/internal/state"
	"github.com/user/chatrelay/internal/telegram"
	"github.com/user/chatrelay/pkg/llm"
	"github.com/user/chatrelay/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chatrelay daemon",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Chat persistence
	chats, err := persist.Open(filepath.Join(cfg.DataDir, "chats.db"))
	if err != nil {
		return fmt.Errorf("open chat store: %w", err)
	}
	defer chats.Close()

	// Conversation state
	store := state.NewConversationStore(chats)

	// Model provider
	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		VisionModel: cfg.LLM.VisionModel,
		MaxTokens:   cfg.LLM.MaxTokens,
	})

	// Projection engine
	engine, err := prompt.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return fmt.Errorf("create projection engine: %w", err)
	}

	// Rate gate
	gate := ratelimit.New(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)

	// Dispatcher
	dispatcher := dispatch.New(store, gate, provider, engine, int64(cfg.MaxConcurrent))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	// HTTP API
	resolver := identity.NewStatic(cfg.HTTP.AuthToken, cfg.HTTP.Owner)
	api := httpapi.NewServer(dispatcher, store, resolver)
	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: api}
	go func() {
		slog.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
		}
	}()

	// Telegram adapter
	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, dispatcher, store)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	// Maintenance jobs
	jan := janitor.New()
	idleAge := time.Duration(cfg.Janitor.IdleHours) * time.Hour
	if err := jan.Add("retry-persistence", cfg.Janitor.RetrySchedule, func() {
		if n := store.RetryDirty(context.Background()); n > 0 {
			slog.Info("flushed dirty sessions", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule retry-persistence: %w", err)
	}
	if err := jan.Add("prune", cfg.Janitor.PruneSchedule, func() {
		store.PruneIdle(idleAge)
		api.PruneTurns()
	}); err != nil {
		return fmt.Errorf("schedule prune: %w", err)
	}
	jan.Start()
	defer jan.Stop()

	slog.Info("chatrelay started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"llm_model", cfg.LLM.Model,
		"rate_per_minute", cfg.RateLimit.PerMinute,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown failed", "error", err)
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/chatrelay/internal/dataurl"
	"github.com/user/chatrelay/internal/dispatch"
	"github.com/user/chatrelay/internal/persist"
	"github.com/user/chatrelay/internal/prompt"
	"github.com/user/chatrelay/internal/ratelimit"
	"github.com/user/chatrelay/internal/state"
	"github.com/user/chatrelay/internal/stream"
	"github.com/user/chatrelay/internal/types"
	"github.com/user/chatrelay/pkg/llm"
	"github.com/user/chatrelay/pkg/llm/openai"
)

var (
	chatSession string
	chatAttach  string
)

func init() {
	chatCmd.Flags().StringVar(&chatSession, "session", "", "session ID to continue (default: new session)")
	chatCmd.Flags().StringVar(&chatAttach, "attach", "", "path to an image to describe instead of sending text")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Run a single chat turn from the terminal",
	RunE:  runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if chatAttach == "" && len(args) == 0 {
		return fmt.Errorf("provide a message or --attach")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	chats, err := persist.Open(filepath.Join(cfg.DataDir, "chats.db"))
	if err != nil {
		return fmt.Errorf("open chat store: %w", err)
	}
	defer chats.Close()

	store := state.NewConversationStore(chats)
	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		VisionModel: cfg.LLM.VisionModel,
		MaxTokens:   cfg.LLM.MaxTokens,
	})
	engine, err := prompt.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return fmt.Errorf("create projection engine: %w", err)
	}
	gate := ratelimit.New(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)

	dispatcher := dispatch.New(store, gate, provider, engine, int64(cfg.MaxConcurrent))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	sessionID := types.SessionID(chatSession)
	if sessionID == "" {
		sessionID = types.NewSessionID()
	}
	store.Ensure(ctx, sessionID, cfg.HTTP.Owner)

	var handle *dispatch.TurnHandle
	if chatAttach != "" {
		payload, err := encodeAttachment(chatAttach)
		if err != nil {
			return err
		}
		handle = dispatcher.SubmitAttachment(sessionID, payload)
	} else {
		handle = dispatcher.SubmitText(sessionID, strings.Join(args, " "))
	}

	if err := streamToStdout(ctx, handle.Content); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "\nsession: %s\n", sessionID)
	return nil
}

// streamToStdout prints a content channel incrementally. Values are
// whole accumulated texts, so only the suffix past what was already
// printed is written.
func streamToStdout(ctx context.Context, content stream.Observer) error {
	printed := 0
	for snap := range content.Watch(ctx) {
		if snap.State == stream.StateErrored {
			return fmt.Errorf("%s", snap.Err)
		}
		if len(snap.Value) > printed {
			fmt.Print(snap.Value[printed:])
			printed = len(snap.Value)
		}
		if snap.Terminal() {
			break
		}
	}
	fmt.Println()
	return nil
}

func encodeAttachment(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read attachment: %w", err)
	}
	return dataurl.Encode(http.DetectContentType(data), data), nil
}

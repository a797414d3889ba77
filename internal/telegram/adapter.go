package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/chatrelay/internal/dataurl"
	"github.com/user/chatrelay/internal/dispatch"
	"github.com/user/chatrelay/internal/state"
	"github.com/user/chatrelay/internal/stream"
	"github.com/user/chatrelay/internal/types"
)

const (
	maxTelegramMessage = 4096
	maxPhotoBytes      = 10 << 20
	editInterval       = 900 * time.Millisecond
)

// Adapter bridges Telegram to the turn dispatcher. A text message
// becomes a text turn whose streamed content edits the in-flight reply
// message in place; a photo becomes an attachment turn.
type Adapter struct {
	bot        *tgbotapi.BotAPI
	dispatcher *dispatch.Dispatcher
	store      *state.ConversationStore
}

// New creates a Telegram adapter.
func New(token string, dispatcher *dispatch.Dispatcher, store *state.ConversationStore) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Adapter{
		bot:        bot,
		dispatcher: dispatcher,
		store:      store,
	}, nil
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	sessionID := sessionFor(msg.From.ID, msg.Chat.ID)
	a.store.Ensure(ctx, sessionID, strconv.FormatInt(msg.From.ID, 10))

	switch {
	case len(msg.Photo) > 0:
		payload, err := a.fetchPhoto(ctx, msg.Photo)
		if err != nil {
			slog.Error("fetch photo failed", "error", err)
			a.send(msg.Chat.ID, "Sorry, I couldn't download that photo.")
			return
		}
		handle := a.dispatcher.SubmitAttachment(sessionID, payload)
		go a.streamReply(ctx, msg.Chat.ID, handle)

	case msg.Text != "":
		handle := a.dispatcher.SubmitText(sessionID, msg.Text)
		go a.streamReply(ctx, msg.Chat.ID, handle)
	}
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		a.send(chatID, "Hello! Send me a message or a photo to get started.")

	case "new":
		a.store.Reset(ctx, sessionFor(msg.From.ID, msg.Chat.ID))
		a.send(chatID, "Starting a new conversation.")

	case "status":
		st, err := a.store.Read(ctx, sessionFor(msg.From.ID, msg.Chat.ID))
		if err != nil {
			a.send(chatID, "Error fetching status.")
			return
		}
		a.send(chatID, fmt.Sprintf("Session: %s\nMessages: %d", st.SessionID, len(st.Messages)))

	default:
		a.send(chatID, "Unknown command. Available: /start, /new, /status")
	}
}

// streamReply sends a placeholder message and edits it with the
// accumulated content as the turn streams. The content channel carries
// latest-value semantics, so each edit simply replaces the message text
// with whatever is newest; edits are throttled to stay under Telegram's
// rate limits.
func (a *Adapter) streamReply(ctx context.Context, chatID int64, handle *dispatch.TurnHandle) {
	sent, err := a.bot.Send(tgbotapi.NewMessage(chatID, "…"))
	if err != nil {
		slog.Error("send placeholder failed", "error", err)
		return
	}

	updates := handle.Content.Watch(ctx)
	ticker := time.NewTicker(editInterval)
	defer ticker.Stop()

	var latest, shown string
	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				a.finishReply(chatID, sent.MessageID, latest, shown)
				return
			}
			if snap.State == stream.StateErrored {
				a.edit(chatID, sent.MessageID, snap.Err.Error())
				return
			}
			if snap.Value != "" {
				latest = snap.Value
			}
			if snap.Terminal() {
				a.finishReply(chatID, sent.MessageID, latest, shown)
				return
			}
		case <-ticker.C:
			if latest != "" && latest != shown {
				a.edit(chatID, sent.MessageID, latest)
				shown = latest
			}
		case <-ctx.Done():
			return
		}
	}
}

// finishReply writes the final accumulated text, splitting overflow
// into follow-up messages when it exceeds Telegram's limit.
func (a *Adapter) finishReply(chatID int64, messageID int, latest, shown string) {
	if latest == "" {
		if shown == "" {
			a.edit(chatID, messageID, "(no response)")
		}
		return
	}
	rendered := renderForChat(latest)
	parts := splitMessage(rendered)
	a.edit(chatID, messageID, parts[0])
	for _, part := range parts[1:] {
		a.send(chatID, part)
	}
}

func (a *Adapter) edit(chatID int64, messageID int, text string) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := a.bot.Send(edit); err != nil {
		slog.Warn("edit message failed", "error", err)
	}
}

func (a *Adapter) send(chatID int64, text string) {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.bot.Send(msg); err != nil {
				slog.Error("send message failed", "error", err)
			}
		}
	}
}

// fetchPhoto downloads the largest rendition of a photo and wraps it as
// a data URI for the attachment dispatcher.
func (a *Adapter) fetchPhoto(ctx context.Context, sizes []tgbotapi.PhotoSize) (string, error) {
	fileID := sizes[len(sizes)-1].FileID
	url, err := a.bot.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("resolve file URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download photo: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes))
	if err != nil {
		return "", fmt.Errorf("read photo: %w", err)
	}

	return dataurl.Encode(http.DetectContentType(data), data), nil
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func sessionFor(userID, chatID int64) types.SessionID {
	return types.SessionID(types.NewSessionKey("telegram",
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(chatID, 10),
	))
}

// internal/dispatch/dispatcher.go
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/user/chatrelay/internal/stream"
	"github.com/user/chatrelay/internal/types"
	"github.com/user/chatrelay/pkg/llm"
)

// Projector maps conversation state into the message sequence sent to
// the model service.
type Projector interface {
	Project(state types.ConversationState) ([]llm.Message, error)
}

// replyTemperature is the sampling temperature for assistant replies.
// Kept low so repeated runs over the same history stay reproducible.
const replyTemperature = 0.3

// RateLimitedMessage is the single user-facing message every failed
// turn surfaces, regardless of the underlying cause. The original error
// is logged, never exposed to observers.
const RateLimitedMessage = "The AI got rate limited, please try again later."

// Dispatcher drives one model call per turn: admission, history
// projection, stream consumption, and the single commit into the state
// store. Each turn runs as a detached goroutine owning the write side
// of its channels; submission returns a TurnHandle without blocking.
type Dispatcher struct {
	store    types.StateStore
	gate     types.RateGate
	provider llm.Provider
	engine   Projector
	sem      *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Dispatcher with the given collaborators and concurrency
// limit for simultaneous model calls.
func New(store types.StateStore, gate types.RateGate, provider llm.Provider, engine Projector, maxConcurrent ...int64) *Dispatcher {
	var concurrency int64 = 4
	if len(maxConcurrent) > 0 && maxConcurrent[0] > 0 {
		concurrency = maxConcurrent[0]
	}
	return &Dispatcher{
		store:    store,
		gate:     gate,
		provider: provider,
		engine:   engine,
		sem:      semaphore.NewWeighted(concurrency),
	}
}

// Start initialises the dispatcher's background context. Must be called
// before any Submit.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
}

// Stop cancels the background context and waits for in-flight turns to
// reach a terminal state.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// SubmitText dispatches a text turn against a session and returns its
// handle immediately. Channel population continues in the background;
// callers only ever observe channel state, no error escapes this call.
func (d *Dispatcher) SubmitText(sessionID types.SessionID, content string) *TurnHandle {
	mux := stream.NewMux()
	handle := newHandle(mux)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runText(handle.ID, sessionID, content, mux)
	}()
	return handle
}

// runText is the per-turn state machine for text turns:
// Admitted -> HistoryLoaded -> ModelStreaming -> Committing.
func (d *Dispatcher) runText(turnID types.TurnID, sessionID types.SessionID, content string, mux *stream.Mux) {
	ctx := d.background()

	// Admitted: the gate is consulted before anything else; denial
	// leaves the store untouched.
	if err := d.gate.Admit(); err != nil {
		d.failTurn(turnID, sessionID, mux, err)
		return
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.failTurn(turnID, sessionID, mux, err)
		return
	}
	defer d.sem.Release(1)

	// HistoryLoaded: stage the user message on a copy of the committed
	// state. Nothing is written back until the whole turn succeeds, so
	// a failed turn leaves the store at its pre-turn snapshot.
	snapshot, err := d.store.Read(ctx, sessionID)
	if err != nil {
		d.failTurn(turnID, sessionID, mux, err)
		return
	}
	staged := snapshot.Clone()
	staged.Messages = append(staged.Messages, types.Message{
		ID:      types.NewMessageID(),
		Role:    types.RoleUser,
		Content: foldArtifacts(staged.PendingArtifacts, content),
	})
	staged.PendingArtifacts = nil

	messages, err := d.engine.Project(staged)
	if err != nil {
		d.failTurn(turnID, sessionID, mux, err)
		return
	}

	// ModelStreaming: one streaming call, no retries. The accumulator
	// holds the full text so far; every delta pushes the whole
	// accumulated value, not just the newest fragment.
	deltas, err := d.provider.Stream(ctx, messages, replyTemperature)
	if err != nil {
		d.failTurn(turnID, sessionID, mux, err)
		return
	}

	var acc strings.Builder
	spinnerUp := true
	for delta := range deltas {
		if delta.Err != nil {
			d.failTurn(turnID, sessionID, mux, delta.Err)
			return
		}
		if delta.Content == "" {
			continue
		}
		if spinnerUp {
			// Spinner dismissed on first byte of real output, not on
			// stream completion.
			_ = mux.Status.Complete()
			spinnerUp = false
		}
		acc.WriteString(delta.Content)
		_ = mux.Content.Update(acc.String())
	}

	// Committing: exactly one assistant message per successful turn.
	staged.Messages = append(staged.Messages, types.Message{
		ID:      types.NewMessageID(),
		Role:    types.RoleAssistant,
		Content: acc.String(),
	})
	if err := d.store.Finalize(ctx, sessionID, snapshot.Version, staged); err != nil {
		d.failTurn(turnID, sessionID, mux, err)
		return
	}

	mux.CompleteAll()
	slog.Debug("turn completed",
		"turn_id", string(turnID),
		"session_id", string(sessionID),
		"reply_len", acc.Len(),
	)
}

// foldArtifacts prefixes buffered side-channel outputs onto the user
// input, joined with blank-line separation.
func foldArtifacts(artifacts []string, content string) string {
	if len(artifacts) == 0 {
		return content
	}
	return strings.Join(artifacts, "\n\n") + "\n\n" + content
}

// failTurn converts any error during a turn into the single normalized
// user-facing failure: the original is logged, every still-open channel
// is driven to Errored, and the store keeps its pre-turn snapshot.
func (d *Dispatcher) failTurn(turnID types.TurnID, sessionID types.SessionID, mux *stream.Mux, err error) {
	slog.Error("turn failed",
		"turn_id", string(turnID),
		"session_id", string(sessionID),
		"error", err,
	)
	mux.FailAll(errors.New(RateLimitedMessage))
}

func (d *Dispatcher) background() context.Context {
	if d.ctx != nil {
		return d.ctx
	}
	return context.Background()
}

package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/chatrelay/internal/state"
	"github.com/user/chatrelay/internal/stream"
	"github.com/user/chatrelay/internal/types"
	"github.com/user/chatrelay/pkg/llm"
)

type fakeGate struct {
	denied bool
	calls  int32
}

func (g *fakeGate) Admit() error {
	atomic.AddInt32(&g.calls, 1)
	if g.denied {
		return errors.New("rate limit exceeded")
	}
	return nil
}

type fakeProvider struct {
	fragments []string
	streamErr error // returned before any delta
	midErr    error // delivered as the last delta

	describeText string
	describeErr  error

	streamCalls   int32
	describeCalls int32
}

func (p *fakeProvider) Stream(_ context.Context, _ []llm.Message, _ float32) (<-chan llm.Delta, error) {
	atomic.AddInt32(&p.streamCalls, 1)
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	out := make(chan llm.Delta)
	go func() {
		defer close(out)
		for _, f := range p.fragments {
			out <- llm.Delta{Content: f}
		}
		if p.midErr != nil {
			out <- llm.Delta{Err: p.midErr}
		}
	}()
	return out, nil
}

func (p *fakeProvider) Describe(_ context.Context, _ string, _ llm.Media) (*llm.Response, error) {
	atomic.AddInt32(&p.describeCalls, 1)
	if p.describeErr != nil {
		return nil, p.describeErr
	}
	return &llm.Response{Content: p.describeText}, nil
}

// recordingProjector maps messages one-to-one and remembers the last
// state it projected.
type recordingProjector struct {
	mu   sync.Mutex
	last types.ConversationState
	err  error
}

func (p *recordingProjector) Project(st types.ConversationState) ([]llm.Message, error) {
	p.mu.Lock()
	p.last = st
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	messages := make([]llm.Message, 0, len(st.Messages))
	for _, m := range st.Messages {
		messages = append(messages, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return messages, nil
}

func (p *recordingProjector) lastState() types.ConversationState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func newTestDispatcher(t *testing.T, gate *fakeGate, provider *fakeProvider) (*Dispatcher, *state.ConversationStore, *recordingProjector) {
	t.Helper()
	store := state.NewConversationStore(nil)
	projector := &recordingProjector{}
	d := New(store, gate, provider, projector, 2)
	d.Start(context.Background())
	t.Cleanup(d.Stop)
	return d, store, projector
}

func waitTerminal(t *testing.T, handle *TurnHandle) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !handle.Terminal() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for turn to finish")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTextTurnCommitsUserAndAssistant(t *testing.T) {
	provider := &fakeProvider{fragments: []string{"Hel", "lo ", "there"}}
	d, store, _ := newTestDispatcher(t, &fakeGate{}, provider)

	sessionID := types.SessionID("s1")
	handle := d.SubmitText(sessionID, "hi")
	waitTerminal(t, handle)

	if handle.Content.State() != stream.StateDone {
		t.Fatalf("expected content done, got %s (%v)", handle.Content.State(), handle.Content.Err())
	}
	if handle.Content.Value() != "Hello there" {
		t.Errorf("expected accumulated content, got %q", handle.Content.Value())
	}
	if handle.Status.State() != stream.StateDone {
		t.Errorf("expected status done, got %s", handle.Status.State())
	}

	st, err := store.Read(context.Background(), sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Messages) != 2 {
		t.Fatalf("expected 2 committed messages, got %d", len(st.Messages))
	}
	if st.Messages[0].Role != types.RoleUser || st.Messages[0].Content != "hi" {
		t.Errorf("unexpected user message: %+v", st.Messages[0])
	}
	if st.Messages[1].Role != types.RoleAssistant || st.Messages[1].Content != "Hello there" {
		t.Errorf("unexpected assistant message: %+v", st.Messages[1])
	}
	if st.Version != 1 {
		t.Errorf("expected one commit, got version %d", st.Version)
	}
}

func TestMidStreamFailureLeavesStateUnchanged(t *testing.T) {
	provider := &fakeProvider{
		fragments: []string{"partial "},
		midErr:    errors.New("upstream reset"),
	}
	d, store, _ := newTestDispatcher(t, &fakeGate{}, provider)

	sessionID := types.SessionID("s1")
	handle := d.SubmitText(sessionID, "hi")
	waitTerminal(t, handle)

	if handle.Content.State() != stream.StateErrored {
		t.Fatalf("expected content errored, got %s", handle.Content.State())
	}
	// The caller sees the normalized message, never the upstream error.
	if handle.Content.Err().Error() != RateLimitedMessage {
		t.Errorf("expected normalized failure message, got %q", handle.Content.Err())
	}

	st, err := store.Read(context.Background(), sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Messages) != 0 || st.Version != 0 {
		t.Errorf("failed turn committed state: version %d, %d messages", st.Version, len(st.Messages))
	}
}

func TestStreamSetupFailureErrorsAllChannels(t *testing.T) {
	provider := &fakeProvider{streamErr: errors.New("connection refused")}
	d, store, _ := newTestDispatcher(t, &fakeGate{}, provider)

	handle := d.SubmitText("s1", "hi")
	waitTerminal(t, handle)

	for name, obs := range map[string]stream.Observer{
		"status":   handle.Status,
		"content":  handle.Content,
		"artifact": handle.Artifact,
	} {
		if obs.State() != stream.StateErrored {
			t.Errorf("expected %s errored, got %s", name, obs.State())
		}
	}

	st, _ := store.Read(context.Background(), "s1")
	if len(st.Messages) != 0 {
		t.Errorf("failed turn committed %d messages", len(st.Messages))
	}
}

func TestRateDenialSkipsModelCall(t *testing.T) {
	provider := &fakeProvider{fragments: []string{"never"}}
	d, store, _ := newTestDispatcher(t, &fakeGate{denied: true}, provider)

	handle := d.SubmitText("s1", "hi")
	waitTerminal(t, handle)

	if atomic.LoadInt32(&provider.streamCalls) != 0 {
		t.Error("denied turn still reached the model service")
	}
	if handle.Content.State() != stream.StateErrored {
		t.Errorf("expected content errored, got %s", handle.Content.State())
	}
	if handle.Status.State() != stream.StateErrored {
		t.Errorf("expected status errored, got %s", handle.Status.State())
	}

	st, _ := store.Read(context.Background(), "s1")
	if len(st.Messages) != 0 {
		t.Errorf("denied turn committed %d messages", len(st.Messages))
	}
}

func TestProjectionFailureFailsTurn(t *testing.T) {
	provider := &fakeProvider{fragments: []string{"never"}}
	d, _, projector := newTestDispatcher(t, &fakeGate{}, provider)
	projector.err = errors.New("context overflow")

	handle := d.SubmitText("s1", strings.Repeat("x", 100))
	waitTerminal(t, handle)

	if atomic.LoadInt32(&provider.streamCalls) != 0 {
		t.Error("oversized turn still reached the model service")
	}
	if handle.Content.State() != stream.StateErrored {
		t.Errorf("expected content errored, got %s", handle.Content.State())
	}
}

func TestSequentialTurnsAppendInOrder(t *testing.T) {
	provider := &fakeProvider{fragments: []string{"reply"}}
	d, store, projector := newTestDispatcher(t, &fakeGate{}, provider)

	sessionID := types.SessionID("s1")
	first := d.SubmitText(sessionID, "turn A")
	waitTerminal(t, first)
	second := d.SubmitText(sessionID, "turn B")
	waitTerminal(t, second)

	// Turn B's model request carries turn A's committed exchange.
	projected := projector.lastState()
	if len(projected.Messages) != 3 {
		t.Fatalf("expected 3 projected messages for turn B, got %d", len(projected.Messages))
	}
	if projected.Messages[0].Content != "turn A" || projected.Messages[1].Content != "reply" {
		t.Errorf("turn B projection missing turn A history: %+v", projected.Messages)
	}

	st, err := store.Read(context.Background(), sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Messages) != 4 {
		t.Fatalf("expected 4 messages after 2 turns, got %d", len(st.Messages))
	}
	if st.Messages[0].Content != "turn A" || st.Messages[2].Content != "turn B" {
		t.Errorf("turns committed out of order: %q then %q",
			st.Messages[0].Content, st.Messages[2].Content)
	}
	if st.Version != 2 {
		t.Errorf("expected version 2, got %d", st.Version)
	}
}

func TestPendingArtifactsFoldIntoNextTurn(t *testing.T) {
	provider := &fakeProvider{fragments: []string{"ok"}}
	d, store, projector := newTestDispatcher(t, &fakeGate{}, provider)

	sessionID := types.SessionID("s1")
	seeded := types.ConversationState{
		SessionID:        sessionID,
		PendingArtifacts: []string{"A photo of a dog."},
	}
	if err := store.Replace(context.Background(), sessionID, 0, seeded); err != nil {
		t.Fatal(err)
	}

	handle := d.SubmitText(sessionID, "what breed is it?")
	waitTerminal(t, handle)

	projected := projector.lastState()
	want := "A photo of a dog.\n\nwhat breed is it?"
	if len(projected.Messages) == 0 || projected.Messages[0].Content != want {
		t.Fatalf("expected folded user message %q, got %+v", want, projected.Messages)
	}

	st, _ := store.Read(context.Background(), sessionID)
	if len(st.PendingArtifacts) != 0 {
		t.Errorf("pending artifacts not cleared after commit: %v", st.PendingArtifacts)
	}
	if st.Messages[0].Content != want {
		t.Errorf("committed user message lost the folded artifact: %q", st.Messages[0].Content)
	}
}

func TestConcurrentTurnsOneWinner(t *testing.T) {
	provider := &fakeProvider{fragments: []string{"reply"}}
	d, store, _ := newTestDispatcher(t, &fakeGate{}, provider)

	sessionID := types.SessionID("s1")
	a := d.SubmitText(sessionID, "racer A")
	b := d.SubmitText(sessionID, "racer B")
	waitTerminal(t, a)
	waitTerminal(t, b)

	// Both read version 0; compare-and-swap lets exactly one commit.
	st, err := store.Read(context.Background(), sessionID)
	if err != nil {
		t.Fatal(err)
	}
	done := 0
	for _, h := range []*TurnHandle{a, b} {
		if h.Content.State() == stream.StateDone {
			done++
		}
	}
	if done == 2 && st.Version != 2 {
		t.Errorf("both turns done but version is %d", st.Version)
	}
	if done == 1 && (st.Version != 1 || len(st.Messages) != 2) {
		t.Errorf("one winner expected version 1 with 2 messages, got version %d with %d",
			st.Version, len(st.Messages))
	}
	if done == 0 {
		t.Error("no turn committed")
	}
}

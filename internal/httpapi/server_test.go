package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/user/chatrelay/internal/dispatch"
	"github.com/user/chatrelay/internal/identity"
	"github.com/user/chatrelay/internal/state"
	"github.com/user/chatrelay/internal/types"
	"github.com/user/chatrelay/pkg/llm"
)

type stubProvider struct {
	reply    string
	describe string
}

func (p *stubProvider) Stream(_ context.Context, _ []llm.Message, _ float32) (<-chan llm.Delta, error) {
	out := make(chan llm.Delta, 1)
	out <- llm.Delta{Content: p.reply}
	close(out)
	return out, nil
}

func (p *stubProvider) Describe(_ context.Context, _ string, _ llm.Media) (*llm.Response, error) {
	return &llm.Response{Content: p.describe}, nil
}

type openGate struct{}

func (openGate) Admit() error { return nil }

type passProjector struct{}

func (passProjector) Project(st types.ConversationState) ([]llm.Message, error) {
	messages := make([]llm.Message, 0, len(st.Messages))
	for _, m := range st.Messages {
		messages = append(messages, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return messages, nil
}

func setupServer(t *testing.T, token string) (*Server, *state.ConversationStore) {
	t.Helper()
	store := state.NewConversationStore(nil)
	d := dispatch.New(store, openGate{}, &stubProvider{reply: "hello!", describe: "a photo"}, passProjector{})
	d.Start(context.Background())
	t.Cleanup(d.Stop)
	return NewServer(d, store, identity.NewStatic(token, "owner-1")), store
}

func submitTurn(t *testing.T, srv *Server, token, body string) turnResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/turns", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp turnResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func waitForTurn(t *testing.T, srv *Server, id string) *dispatch.TurnHandle {
	t.Helper()
	handle, ok := srv.lookup(types.TurnID(id))
	if !ok {
		t.Fatalf("turn %s not registered", id)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !handle.Terminal() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for turn")
		}
		time.Sleep(time.Millisecond)
	}
	return handle
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestSubmitRequiresAuth(t *testing.T) {
	srv, _ := setupServer(t, "secret")

	req := httptest.NewRequest(http.MethodPost, "/v1/turns",
		strings.NewReader(`{"content":"hi"}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", w.Code)
	}
}

func TestSubmitTextTurn(t *testing.T) {
	srv, store := setupServer(t, "secret")

	resp := submitTurn(t, srv, "secret", `{"content":"hi there"}`)
	if resp.TurnID == "" {
		t.Fatal("expected a turn ID")
	}
	if resp.SessionID == "" {
		t.Fatal("expected a generated session ID")
	}

	waitForTurn(t, srv, resp.TurnID)

	st, err := store.Read(context.Background(), types.SessionID(resp.SessionID))
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Messages) != 2 {
		t.Fatalf("expected 2 committed messages, got %d", len(st.Messages))
	}
	if st.Messages[1].Content != "hello!" {
		t.Errorf("expected assistant reply, got %q", st.Messages[1].Content)
	}
}

func TestSubmitReusesSession(t *testing.T) {
	srv, _ := setupServer(t, "")

	first := submitTurn(t, srv, "", `{"content":"one"}`)
	waitForTurn(t, srv, first.TurnID)

	second := submitTurn(t, srv, "",
		`{"session_id":"`+first.SessionID+`","content":"two"}`)
	if second.SessionID != first.SessionID {
		t.Errorf("expected session reuse, got %s vs %s", second.SessionID, first.SessionID)
	}
}

func TestSubmitRejectsEmptyBody(t *testing.T) {
	srv, _ := setupServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/turns", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for missing content, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/turns", strings.NewReader(`not json`))
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for invalid JSON, got %d", w.Code)
	}
}

func TestTurnEventsStream(t *testing.T) {
	srv, _ := setupServer(t, "")

	resp := submitTurn(t, srv, "", `{"content":"hi"}`)
	waitForTurn(t, srv, resp.TurnID)

	req := httptest.NewRequest(http.MethodGet, "/v1/turns/"+resp.TurnID+"/events", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %q", ct)
	}
	body := w.Body.String()
	for _, name := range []string{"event: status", "event: content", "event: artifact"} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %q in SSE body:\n%s", name, body)
		}
	}
	if !strings.Contains(body, `"state":"done"`) {
		t.Errorf("expected terminal done state in SSE body:\n%s", body)
	}
	if !strings.Contains(body, "hello!") {
		t.Errorf("expected streamed content in SSE body:\n%s", body)
	}
}

func TestTurnEventsUnknownTurn(t *testing.T) {
	srv, _ := setupServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/v1/turns/ghost/events", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	srv, _ := setupServer(t, "")

	resp := submitTurn(t, srv, "", `{"content":"hi"}`)
	waitForTurn(t, srv, resp.TurnID)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var sessions []state.SessionInfo
	if err := json.NewDecoder(w.Body).Decode(&sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if string(sessions[0].SessionID) != resp.SessionID {
		t.Errorf("expected session %s, got %s", resp.SessionID, sessions[0].SessionID)
	}
}

func TestPruneTurns(t *testing.T) {
	srv, _ := setupServer(t, "")

	resp := submitTurn(t, srv, "", `{"content":"hi"}`)
	waitForTurn(t, srv, resp.TurnID)

	if n := srv.PruneTurns(); n != 1 {
		t.Fatalf("expected 1 pruned turn, got %d", n)
	}
	if _, ok := srv.lookup(types.TurnID(resp.TurnID)); ok {
		t.Error("pruned turn still resolvable")
	}
}

// internal/httpapi/server.go
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/user/chatrelay/internal/dispatch"
	"github.com/user/chatrelay/internal/identity"
	"github.com/user/chatrelay/internal/state"
	"github.com/user/chatrelay/internal/types"
)

// Server is the HTTP surface for submitting turns and observing their
// channels. Submission returns immediately with a turn ID; progress is
// observed on the events endpoint.
type Server struct {
	dispatcher *dispatch.Dispatcher
	store      *state.ConversationStore
	identity   types.Identity
	mux        *http.ServeMux

	turnsMu sync.RWMutex
	turns   map[types.TurnID]*dispatch.TurnHandle
}

// NewServer creates the HTTP server wired to the given dispatcher,
// store, and identity resolver.
func NewServer(dispatcher *dispatch.Dispatcher, store *state.ConversationStore, id types.Identity) *Server {
	s := &Server{
		dispatcher: dispatcher,
		store:      store,
		identity:   id,
		mux:        http.NewServeMux(),
		turns:      make(map[types.TurnID]*dispatch.TurnHandle),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /v1/turns", s.handleSubmitText)
	s.mux.HandleFunc("POST /v1/turns/attachment", s.handleSubmitAttachment)
	s.mux.HandleFunc("GET /v1/turns/{id}/events", s.handleTurnEvents)
	s.mux.HandleFunc("GET /v1/sessions", s.handleSessions)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// authenticate resolves the bearer token to an owner ID.
func (s *Server) authenticate(r *http.Request) (string, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return s.identity.Resolve(r.Context(), token)
}

// turnRequest is the JSON body for both submission endpoints: Content
// for text turns, Payload (a data URI) for attachment turns.
type turnRequest struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content,omitempty"`
	Payload   string `json:"payload,omitempty"`
}

type turnResponse struct {
	TurnID    string `json:"turn_id"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleSubmitText(w http.ResponseWriter, r *http.Request) {
	s.handleSubmit(w, r, false)
}

func (s *Server) handleSubmitAttachment(w http.ResponseWriter, r *http.Request) {
	s.handleSubmit(w, r, true)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, attachment bool) {
	owner, err := s.authenticate(r)
	if err != nil {
		if errors.Is(err, identity.ErrUnauthenticated) {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		slog.Error("identity resolution failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	input := req.Content
	if attachment {
		input = req.Payload
	}
	if input == "" {
		http.Error(w, `{"error":"content or payload is required"}`, http.StatusBadRequest)
		return
	}

	sessionID := types.SessionID(req.SessionID)
	if sessionID == "" {
		sessionID = types.NewSessionID()
	}
	s.store.Ensure(r.Context(), sessionID, owner)

	var handle *dispatch.TurnHandle
	if attachment {
		handle = s.dispatcher.SubmitAttachment(sessionID, input)
	} else {
		handle = s.dispatcher.SubmitText(sessionID, input)
	}
	s.register(handle)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(turnResponse{
		TurnID:    string(handle.ID),
		SessionID: string(sessionID),
	})
}

func (s *Server) register(handle *dispatch.TurnHandle) {
	s.turnsMu.Lock()
	defer s.turnsMu.Unlock()
	s.turns[handle.ID] = handle
}

func (s *Server) lookup(id types.TurnID) (*dispatch.TurnHandle, bool) {
	s.turnsMu.RLock()
	defer s.turnsMu.RUnlock()
	handle, ok := s.turns[id]
	return handle, ok
}

// PruneTurns drops handles whose channels have all finished. Returns
// the number pruned.
func (s *Server) PruneTurns() int {
	s.turnsMu.Lock()
	defer s.turnsMu.Unlock()
	pruned := 0
	for id, handle := range s.turns {
		if handle.Terminal() {
			delete(s.turns, id)
			pruned++
		}
	}
	return pruned
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	sessions := s.store.Sessions(r.Context())
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessions)
}

// internal/state/conversation.go
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/chatrelay/internal/types"
)

// ErrVersionConflict is returned by Replace/Finalize when the expected
// version no longer matches the committed state, i.e. another turn
// committed first.
var ErrVersionConflict = errors.New("conversation version conflict")

// entry is one session's committed state plus bookkeeping.
type entry struct {
	state     types.ConversationState
	owner     string
	dirty     bool
	createdAt time.Time
	updatedAt time.Time
}

// ConversationStore is the in-memory authoritative store of
// conversation state, one versioned record per session. Every mutation
// goes through compare-and-swap replacement so overlapping turns on the
// same session fail fast instead of silently discarding each other's
// commit.
type ConversationStore struct {
	mu       sync.RWMutex
	sessions map[types.SessionID]*entry
	chats    types.ChatStore
}

// NewConversationStore creates a store. chats may be nil, in which case
// Finalize commits in memory only.
func NewConversationStore(chats types.ChatStore) *ConversationStore {
	return &ConversationStore{
		sessions: make(map[types.SessionID]*entry),
		chats:    chats,
	}
}

// Ensure registers a session with its owning identity, creating it at
// version zero if needed. An empty owner means the session is
// unauthenticated and will never be persisted.
func (s *ConversationStore) Ensure(_ context.Context, id types.SessionID, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[id]; ok {
		if e.owner == "" && owner != "" {
			e.owner = owner
		}
		return
	}
	now := time.Now()
	s.sessions[id] = &entry{
		state:     types.ConversationState{SessionID: id},
		owner:     owner,
		createdAt: now,
		updatedAt: now,
	}
}

// Read returns a copy of the most recently committed state. An unknown
// session yields an empty state at version zero.
func (s *ConversationStore) Read(_ context.Context, id types.SessionID) (types.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok {
		return types.ConversationState{SessionID: id}, nil
	}
	return e.state.Clone(), nil
}

// Replace commits next iff the committed version still equals
// expectedVersion. The stored version becomes expectedVersion+1.
func (s *ConversationStore) Replace(_ context.Context, id types.SessionID, expectedVersion int64, next types.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceLocked(id, expectedVersion, next)
}

func (s *ConversationStore) replaceLocked(id types.SessionID, expectedVersion int64, next types.ConversationState) error {
	e, ok := s.sessions[id]
	if !ok {
		if expectedVersion != 0 {
			return fmt.Errorf("session %s at version 0: %w", id, ErrVersionConflict)
		}
		now := time.Now()
		e = &entry{createdAt: now}
		s.sessions[id] = e
	}
	if e.state.Version != expectedVersion {
		return fmt.Errorf("session %s at version %d, expected %d: %w",
			id, e.state.Version, expectedVersion, ErrVersionConflict)
	}
	committed := next.Clone()
	committed.SessionID = id
	committed.Version = expectedVersion + 1
	e.state = committed
	e.updatedAt = time.Now()
	return nil
}

// Finalize is Replace plus a persistence trigger: the full updated
// message log is handed to the chat persistence collaborator. A failed
// save leaves the in-memory copy as the new baseline and marks the
// session dirty so the save is retried later; it is never surfaced as a
// turn failure.
func (s *ConversationStore) Finalize(ctx context.Context, id types.SessionID, expectedVersion int64, next types.ConversationState) error {
	s.mu.Lock()
	if err := s.replaceLocked(id, expectedVersion, next); err != nil {
		s.mu.Unlock()
		return err
	}
	e := s.sessions[id]
	record := s.recordLocked(id, e)
	s.mu.Unlock()

	if record == nil {
		return nil
	}
	if err := s.chats.Save(ctx, record); err != nil {
		slog.Error("chat save failed, will retry", "session_id", string(id), "error", err)
		s.markDirty(id, true)
		return nil
	}
	s.markDirty(id, false)
	return nil
}

// recordLocked builds the persistence payload for a session, or nil if
// the session should not be persisted (no chat store, no owner, or no
// messages yet). Caller must hold s.mu.
func (s *ConversationStore) recordLocked(id types.SessionID, e *entry) *types.ChatRecord {
	if s.chats == nil || e.owner == "" || len(e.state.Messages) == 0 {
		return nil
	}
	msgs := make([]types.Message, len(e.state.Messages))
	copy(msgs, e.state.Messages)
	return &types.ChatRecord{
		ID:        id,
		Title:     e.state.Title(),
		OwnerID:   e.owner,
		CreatedAt: e.createdAt,
		Messages:  msgs,
		Path:      "/chat/" + string(id),
	}
}

func (s *ConversationStore) markDirty(id types.SessionID, dirty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[id]; ok {
		e.dirty = dirty
	}
}

// RetryDirty re-attempts persistence for every session whose last save
// failed. Returns the number of sessions successfully flushed.
func (s *ConversationStore) RetryDirty(ctx context.Context) int {
	s.mu.RLock()
	pending := make(map[types.SessionID]*types.ChatRecord)
	for id, e := range s.sessions {
		if e.dirty {
			if record := s.recordLocked(id, e); record != nil {
				pending[id] = record
			}
		}
	}
	s.mu.RUnlock()

	flushed := 0
	for id, record := range pending {
		if err := s.chats.Save(ctx, record); err != nil {
			slog.Warn("chat save retry failed", "session_id", string(id), "error", err)
			continue
		}
		s.markDirty(id, false)
		flushed++
	}
	return flushed
}

// SessionInfo is a read-only summary of one in-memory session.
type SessionInfo struct {
	SessionID types.SessionID `json:"session_id"`
	OwnerID   string          `json:"owner_id,omitempty"`
	Version   int64           `json:"version"`
	Messages  int             `json:"messages"`
	Dirty     bool            `json:"dirty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Sessions lists all in-memory sessions.
func (s *ConversationStore) Sessions(_ context.Context) []SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for id, e := range s.sessions {
		out = append(out, SessionInfo{
			SessionID: id,
			OwnerID:   e.owner,
			Version:   e.state.Version,
			Messages:  len(e.state.Messages),
			Dirty:     e.dirty,
			CreatedAt: e.createdAt,
			UpdatedAt: e.updatedAt,
		})
	}
	return out
}

// Reset drops a session's in-memory state. The persisted chat record,
// if any, is untouched.
func (s *ConversationStore) Reset(_ context.Context, id types.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// PruneIdle drops clean sessions not touched for at least maxAge.
// Dirty sessions are kept so their pending save is not lost. Returns
// the number of sessions dropped.
func (s *ConversationStore) PruneIdle(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	pruned := 0
	for id, e := range s.sessions {
		if !e.dirty && e.updatedAt.Before(cutoff) {
			delete(s.sessions, id)
			pruned++
		}
	}
	return pruned
}

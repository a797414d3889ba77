// internal/types/models.go
package types

import "time"

// Role is the closed set of message roles a conversation can carry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleFunction  Role = "function"
	RoleTool      Role = "tool"
	RoleData      Role = "data"
)

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleFunction, RoleTool, RoleData:
		return true
	}
	return false
}

// Message is one immutable entry in a conversation. Corrections are
// modeled as new messages, never in-place edits.
type Message struct {
	ID      MessageID `json:"id"`
	Role    Role      `json:"role"`
	Content string    `json:"content"`
}

// ConversationState is the authoritative per-session message log.
// Messages ordering is the sole source of truth for what the model has
// seen. PendingArtifacts holds side-channel outputs (e.g. image
// descriptions) that are folded into the next user message. Version
// increments on every committed mutation and guards compare-and-swap
// replacement.
type ConversationState struct {
	SessionID        SessionID `json:"session_id"`
	Version          int64     `json:"version"`
	Messages         []Message `json:"messages"`
	PendingArtifacts []string  `json:"pending_artifacts,omitempty"`
}

// Clone returns a deep copy so callers can stage mutations without
// touching the committed state.
func (s ConversationState) Clone() ConversationState {
	out := s
	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		copy(out.Messages, s.Messages)
	}
	if s.PendingArtifacts != nil {
		out.PendingArtifacts = make([]string, len(s.PendingArtifacts))
		copy(out.PendingArtifacts, s.PendingArtifacts)
	}
	return out
}

const titleLimit = 100

// Title derives the persisted chat title: the first 100 characters of
// the first message.
func (s ConversationState) Title() string {
	if len(s.Messages) == 0 {
		return ""
	}
	title := s.Messages[0].Content
	if len(title) > titleLimit {
		title = title[:titleLimit]
	}
	return title
}

// ChatRecord is the payload handed to the chat persistence collaborator
// once per successfully completed turn.
type ChatRecord struct {
	ID        SessionID `json:"id"`
	Title     string    `json:"title"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages"`
	Path      string    `json:"path"`
}

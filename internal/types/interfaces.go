// internal/types/interfaces.go
package types

import "context"

// StateStore holds the authoritative conversation state per session.
// Replace is compare-and-swap: it fails with a version-conflict error
// when expectedVersion no longer matches the committed state, so
// overlapping turns on one session fail fast instead of silently
// clobbering each other.
type StateStore interface {
	// Read returns a copy of the most recently committed state. An
	// unknown session yields an empty state at version zero.
	Read(ctx context.Context, id SessionID) (ConversationState, error)

	// Replace commits next as the new state iff the committed version
	// still equals expectedVersion.
	Replace(ctx context.Context, id SessionID, expectedVersion int64, next ConversationState) error

	// Finalize is Replace plus a persistence trigger: the full updated
	// state is handed to the chat persistence collaborator. A failed
	// save never corrupts the in-memory copy; it is retried later.
	Finalize(ctx context.Context, id SessionID, expectedVersion int64, next ConversationState) error
}

// RateGate is the admission check invoked before any model call.
// A nil return grants admission.
type RateGate interface {
	Admit() error
}

// ChatStore is the external chat-history collaborator.
type ChatStore interface {
	Save(ctx context.Context, record *ChatRecord) error
	Get(ctx context.Context, id SessionID) (*ChatRecord, error)
	List(ctx context.Context) ([]*ChatRecord, error)
}

// Identity resolves a caller credential to an owner ID. Unauthenticated
// callers receive no state and no persistence.
type Identity interface {
	Resolve(ctx context.Context, token string) (string, error)
}

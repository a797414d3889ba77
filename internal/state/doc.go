// Package state provides the in-memory, versioned conversation store.
package state

import "github.com/user/chatrelay/internal/types"

// Compile-time interface compliance check.
var _ types.StateStore = (*ConversationStore)(nil)

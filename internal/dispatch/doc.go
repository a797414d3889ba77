// Package dispatch runs chat turns: admission through the rate gate,
// history projection, the single model call, and the commit of the
// turn's messages into the conversation store. Each turn is a detached
// goroutine owning the write side of its stream channels.
package dispatch

import "github.com/user/chatrelay/internal/prompt"

// Compile-time interface compliance check.
var _ Projector = (*prompt.Engine)(nil)

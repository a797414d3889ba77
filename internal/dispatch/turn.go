// internal/dispatch/turn.go
package dispatch

import (
	"github.com/user/chatrelay/internal/stream"
	"github.com/user/chatrelay/internal/types"
)

// TurnHandle is returned to the caller immediately upon dispatch. It
// carries read-only observers for the turn's three channels; the
// background turn owns the write side, so the handle can outlive any
// interest the caller has in it without keeping the turn alive.
type TurnHandle struct {
	ID       types.TurnID
	Status   stream.Observer
	Content  stream.Observer
	Artifact stream.Observer
}

func newHandle(mux *stream.Mux) *TurnHandle {
	return &TurnHandle{
		ID:       types.NewTurnID(),
		Status:   mux.Status,
		Content:  mux.Content,
		Artifact: mux.Artifact,
	}
}

// Terminal reports whether every channel of the turn has finished.
func (h *TurnHandle) Terminal() bool {
	return h.Status.State().Terminal() &&
		h.Content.State().Terminal() &&
		h.Artifact.State().Terminal()
}

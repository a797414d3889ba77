// internal/httpapi/sse.go
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/user/chatrelay/internal/stream"
	"github.com/user/chatrelay/internal/types"
)

// eventPayload is the JSON body of one SSE event.
type eventPayload struct {
	State string `json:"state"`
	Value string `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

// handleTurnEvents streams a turn's three channels over SSE. Each
// update arrives as an event named status, content, or artifact whose
// data is the channel's full current value; the stream ends once every
// channel has reached a terminal state.
func (s *Server) handleTurnEvents(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	handle, ok := s.lookup(types.TurnID(r.PathValue("id")))
	if !ok {
		http.Error(w, `{"error":"turn not found"}`, http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	status := handle.Status.Watch(ctx)
	content := handle.Content.Watch(ctx)
	artifact := handle.Artifact.Watch(ctx)

	for status != nil || content != nil || artifact != nil {
		select {
		case snap, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			writeEvent(w, "status", snap)
			flusher.Flush()
		case snap, ok := <-content:
			if !ok {
				content = nil
				continue
			}
			writeEvent(w, "content", snap)
			flusher.Flush()
		case snap, ok := <-artifact:
			if !ok {
				artifact = nil
				continue
			}
			writeEvent(w, "artifact", snap)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeEvent(w io.Writer, name string, snap stream.Snapshot) {
	payload := eventPayload{State: string(snap.State), Value: snap.Value}
	if snap.Err != nil {
		payload.Error = snap.Err.Error()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}

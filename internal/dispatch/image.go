// internal/dispatch/image.go
package dispatch

import (
	"fmt"
	"html"
	"log/slog"

	"github.com/user/chatrelay/internal/dataurl"
	"github.com/user/chatrelay/internal/stream"
	"github.com/user/chatrelay/internal/types"
	"github.com/user/chatrelay/pkg/llm"
)

// describePrompt is the fixed instruction for attachment turns.
const describePrompt = "Describe this photo."

// SubmitAttachment dispatches an image turn: one non-streaming describe
// call instead of a token stream. The description lands in the
// session's pending artifacts and is folded into the next text turn's
// user message; the artifact channel terminates with a rendering of the
// original attachment.
func (d *Dispatcher) SubmitAttachment(sessionID types.SessionID, encodedPayload string) *TurnHandle {
	mux := stream.NewMux()
	handle := newHandle(mux)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runAttachment(handle.ID, sessionID, encodedPayload, mux)
	}()
	return handle
}

func (d *Dispatcher) runAttachment(turnID types.TurnID, sessionID types.SessionID, encodedPayload string, mux *stream.Mux) {
	ctx := d.background()

	if err := d.gate.Admit(); err != nil {
		d.failTurn(turnID, sessionID, mux, err)
		return
	}

	// Malformed payloads are a local parse failure; the model service
	// is never called for them.
	attachment, err := dataurl.Parse(encodedPayload)
	if err != nil {
		d.failTurn(turnID, sessionID, mux, err)
		return
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.failTurn(turnID, sessionID, mux, err)
		return
	}
	defer d.sem.Release(1)

	snapshot, err := d.store.Read(ctx, sessionID)
	if err != nil {
		d.failTurn(turnID, sessionID, mux, err)
		return
	}

	resp, err := d.provider.Describe(ctx, describePrompt, llm.Media{
		MediaType: attachment.MediaType,
		Data:      attachment.Data,
	})
	if err != nil {
		d.failTurn(turnID, sessionID, mux, err)
		return
	}

	_ = mux.Status.Complete()
	_ = mux.Content.Update(resp.Content)

	// The description is a side-channel outcome, not a message: it
	// rides along until the next text turn commits it into history.
	staged := snapshot.Clone()
	staged.PendingArtifacts = append(staged.PendingArtifacts, resp.Content)
	if err := d.store.Replace(ctx, sessionID, snapshot.Version, staged); err != nil {
		d.failTurn(turnID, sessionID, mux, err)
		return
	}

	_ = mux.Artifact.Complete(attachmentCard(attachment))
	_ = mux.Content.Complete()
	slog.Debug("attachment turn completed",
		"turn_id", string(turnID),
		"session_id", string(sessionID),
		"media_type", attachment.MediaType,
	)
}

// attachmentCard renders the terminal artifact value: an HTML card
// embedding the original attachment.
func attachmentCard(attachment *dataurl.Attachment) string {
	return fmt.Sprintf(`<figure class="attachment"><img src="%s" alt="attachment"></figure>`,
		html.EscapeString(attachment.Raw))
}

// internal/stream/mux.go
package stream

// StatusThinking is the value the status channel is pre-seeded with
// while a turn waits for its first model output.
const StatusThinking = "thinking"

// Mux owns the lifecycle of the three channels of a single turn:
// status (busy indicator, completed on the first byte of real output),
// content (accumulated model text), and artifact (a single terminal
// rich result for attachment turns).
type Mux struct {
	Status   *Channel
	Content  *Channel
	Artifact *Channel
}

// NewMux creates the channel bundle for one turn, with the status
// channel seeded as busy.
func NewMux() *Mux {
	return &Mux{
		Status:   New(StatusThinking),
		Content:  New(),
		Artifact: New(),
	}
}

// FailAll drives every channel that has not yet reached a terminal
// state to Errored. Channels already terminal are left as they are, so
// no channel is ever left dangling open after a turn fails.
func (m *Mux) FailAll(err error) {
	for _, c := range m.channels() {
		// ErrTerminal here just means the channel finished first.
		_ = c.Fail(err)
	}
}

// CompleteAll drives every still-open channel to Done.
func (m *Mux) CompleteAll() {
	for _, c := range m.channels() {
		_ = c.Complete()
	}
}

// Terminal reports whether all three channels have finished.
func (m *Mux) Terminal() bool {
	for _, c := range m.channels() {
		if !c.State().Terminal() {
			return false
		}
	}
	return true
}

func (m *Mux) channels() []*Channel {
	return []*Channel{m.Status, m.Content, m.Artifact}
}

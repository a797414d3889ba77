// internal/stream/channel.go
package stream

import (
	"context"
	"errors"
	"sync"
)

// State is the lifecycle state of a Channel.
type State string

const (
	StateOpen    State = "open"
	StateDone    State = "done"
	StateErrored State = "errored"
)

// Terminal reports whether the state accepts no further writes.
func (s State) Terminal() bool {
	return s == StateDone || s == StateErrored
}

// ErrTerminal is returned by Update, Complete, and Fail once a channel
// has reached a terminal state.
var ErrTerminal = errors.New("channel is in a terminal state")

// Snapshot is one observed value of a channel: the current value, the
// state it was published in, and the error for an errored channel.
type Snapshot struct {
	State State
	Value string
	Err   error
}

// Terminal reports whether this snapshot is the last one a watcher will see.
func (s Snapshot) Terminal() bool {
	return s.State.Terminal()
}

// Observer is the read side of a Channel, handed to callers who must
// not be able to write.
type Observer interface {
	State() State
	Value() string
	Err() error
	Watch(ctx context.Context) <-chan Snapshot
}

// Channel is a write-once-then-closed observable value with
// latest-value semantics: Update replaces the current value rather than
// appending to a log, so a slow watcher re-renders from whatever value
// is newest instead of reconciling deltas.
type Channel struct {
	mu      sync.Mutex
	state   State
	value   string
	err     error
	subs    map[int]chan Snapshot
	nextSub int
}

// New creates an open channel, optionally pre-seeded with an initial
// value (e.g. a busy indicator).
func New(initial ...string) *Channel {
	c := &Channel{
		state: StateOpen,
		subs:  make(map[int]chan Snapshot),
	}
	if len(initial) > 0 {
		c.value = initial[0]
	}
	return c
}

// Update replaces the current value. Legal only while the channel is open.
func (c *Channel) Update(value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return ErrTerminal
	}
	c.value = value
	c.publish()
	return nil
}

// Complete transitions the channel to Done, optionally replacing the
// value one last time. No further writes are accepted.
func (c *Channel) Complete(final ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return ErrTerminal
	}
	if len(final) > 0 {
		c.value = final[0]
	}
	c.state = StateDone
	c.publish()
	return nil
}

// Fail transitions the channel to Errored, carrying an opaque error
// description. Terminal.
func (c *Channel) Fail(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return ErrTerminal
	}
	if err == nil {
		err = errors.New("stream failed")
	}
	c.err = err
	c.state = StateErrored
	c.publish()
	return nil
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Value returns the most recently published value.
func (c *Channel) Value() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Err returns the error for an errored channel, nil otherwise.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Watch subscribes to the channel. The returned stream immediately
// yields the current snapshot, then every subsequent published value.
// Intermediate values may be dropped for a slow receiver; the newest
// value is always deliverable. The stream is closed after a terminal
// snapshot, or when ctx is cancelled.
func (c *Channel) Watch(ctx context.Context) <-chan Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Snapshot, 1)
	ch <- c.snapshot()
	if c.state.Terminal() {
		close(ch)
		return ch
	}

	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			c.unsubscribe(id)
		}()
	}
	return ch
}

func (c *Channel) unsubscribe(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.subs[id]; ok {
		delete(c.subs, id)
		close(ch)
	}
}

// snapshot returns the current state. Caller must hold c.mu.
func (c *Channel) snapshot() Snapshot {
	return Snapshot{State: c.state, Value: c.value, Err: c.err}
}

// publish fans the current snapshot out to all subscribers, replacing
// any undelivered previous snapshot. On a terminal snapshot every
// subscription is closed. Caller must hold c.mu.
func (c *Channel) publish() {
	snap := c.snapshot()
	for _, ch := range c.subs {
		// All sends happen under c.mu, so draining one slot is enough
		// to guarantee the buffered send below succeeds.
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
	if snap.Terminal() {
		for id, ch := range c.subs {
			delete(c.subs, id)
			close(ch)
		}
	}
}

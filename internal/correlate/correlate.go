// Package correlate maps generated request ids to pending-response handles.
//
// Every component that talks to a child process over an asynchronous message
// channel tags outbound requests with an id from a Correlator and parks the
// caller on the returned channel. Inbound responses are resolved against the
// correlator; process death rejects everything at once so no caller waits
// forever on a dead process.
package correlate

import (
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
)

// Outcome is the terminal result of a correlated request: either a payload
// or an error, never both.
type Outcome struct {
	Payload json.RawMessage
	Err     error
}

// Correlator tracks in-flight requests for a single process bridge.
// It is owned by exactly one bridge and never shared across processes.
type Correlator struct {
	seq     atomic.Int64
	mu      sync.Mutex
	pending map[string]chan Outcome
}

// New creates an empty correlator.
func New() *Correlator {
	return &Correlator{
		pending: make(map[string]chan Outcome),
	}
}

// NextID returns a fresh request id, unique within this correlator.
func (c *Correlator) NextID() string {
	return strconv.FormatInt(c.seq.Add(1), 10)
}

// Register records a pending request and returns the channel its outcome
// will be delivered on. The channel is buffered so resolution never blocks.
func (c *Correlator) Register(id string) <-chan Outcome {
	ch := make(chan Outcome, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

// Resolve delivers a response payload to the matching pending request and
// removes it. Unknown ids are a no-op (already resolved or never
// registered) and return false.
func (c *Correlator) Resolve(id string, payload json.RawMessage) bool {
	return c.complete(id, Outcome{Payload: payload})
}

// Reject delivers an error to the matching pending request and removes it.
// Unknown ids are a no-op and return false.
func (c *Correlator) Reject(id string, err error) bool {
	return c.complete(id, Outcome{Err: err})
}

// Cancel removes a pending request without delivering anything. Used when
// the caller stops waiting (context cancellation, timeout).
func (c *Correlator) Cancel(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// RejectAll resolves every pending request with err and clears the map.
// Called when the underlying process exits or the bridge is disposed.
func (c *Correlator) RejectAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan Outcome)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- Outcome{Err: err}
	}
}

// Pending returns the number of in-flight requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) complete(id string, out Outcome) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- out
	return true
}

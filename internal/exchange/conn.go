package exchange

import (
	"sync"

	"perpgrid/pkg/types"
)

// maxReconnectFailures is how many consecutive reconnect failures a stream
// tolerates before transitioning to FAILED.
const maxReconnectFailures = 5

// StateFunc is invoked on every connection state transition.
type StateFunc func(state types.ConnState)

// connTracker implements the per-connection state machine:
// DISCONNECTED → CONNECTING → CONNECTED → RECONNECTING → CONNECTED | FAILED.
type connTracker struct {
	mu       sync.Mutex
	state    types.ConnState
	failures int // consecutive reconnection failures
	notify   StateFunc
}

func newConnTracker(notify StateFunc) *connTracker {
	return &connTracker{state: types.ConnDisconnected, notify: notify}
}

func (c *connTracker) set(state types.ConnState) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	if state == types.ConnConnected {
		c.failures = 0
	}
	notify := c.notify
	c.mu.Unlock()

	if changed && notify != nil {
		notify(state)
	}
}

// fail records one reconnection failure; returns true once the failure budget
// is exhausted and the connection must be declared FAILED.
func (c *connTracker) fail() bool {
	c.mu.Lock()
	c.failures++
	exhausted := c.failures >= maxReconnectFailures
	c.mu.Unlock()

	if exhausted {
		c.set(types.ConnFailed)
	}
	return exhausted
}

func (c *connTracker) current() types.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

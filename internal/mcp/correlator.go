package mcp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// slot is a single-resolution result holder for one pending request.
// The channel is buffered so Resolve never blocks, and the resolved flag
// (guarded by the correlator mutex) guarantees at most one send.
type slot struct {
	ch       chan *Response
	done     chan struct{} // closed on resolution
	resolved bool
}

// Correlator matches responses to requests by JSON-RPC id for one
// connection. Ids are drawn from a single monotonic counter starting at
// 1, so the handshake and every later request share one id space and
// can never collide.
//
// A slot lives from Allocate until Release. When Await gives up on a
// timeout the slot is still registered, so a late response can resolve
// it; nobody reads that value, and the caller's Release discards it.
type Correlator struct {
	next atomic.Int64

	mu      sync.Mutex
	pending map[int64]*slot

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewCorrelator creates an empty correlator whose first id is 1.
func NewCorrelator() *Correlator {
	return &Correlator{
		pending: make(map[int64]*slot),
		closed:  make(chan struct{}),
	}
}

// Allocate reserves the next id and registers an unresolved slot for it.
// The slot exists before the request is written, so a fast response can
// never arrive ahead of its registration.
func (c *Correlator) Allocate() int64 {
	id := c.next.Add(1)

	c.mu.Lock()
	c.pending[id] = &slot{ch: make(chan *Response, 1), done: make(chan struct{})}
	c.mu.Unlock()

	return id
}

// Resolve delivers resp to the slot for id. It returns false if the id is
// unknown, already released, or already resolved; a second resolution of
// the same id is always a no-op.
func (c *Correlator) Resolve(id int64, resp *Response) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.pending[id]
	if !ok || s.resolved {
		return false
	}
	s.resolved = true
	s.ch <- resp
	close(s.done)
	return true
}

// Resolved returns a channel that is closed once id has been resolved.
// Unlike Await it does not consume the response. The channel is nil,
// and so never ready, for an unknown id.
func (c *Correlator) Resolved(id int64) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.pending[id]; ok {
		return s.done
	}
	return nil
}

// Await blocks until the slot for id is resolved, the timeout elapses,
// ctx is done, or the correlator is shut down. A timeout of zero waits
// without a budget. Await does not release the slot.
func (c *Correlator) Await(ctx context.Context, id int64, timeout time.Duration) (*Response, error) {
	c.mu.Lock()
	s, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return nil, newError(ErrProtocol, "no pending request with id %d", id)
	}

	// An already-resolved slot wins over an expired budget.
	select {
	case resp := <-s.ch:
		return resp, nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case resp := <-s.ch:
		return resp, nil
	case <-c.closed:
		// A response may have landed just before shutdown.
		select {
		case resp := <-s.ch:
			return resp, nil
		default:
		}
		return nil, c.closeErr
	case <-expired:
		return nil, newError(ErrTimeout, "no response to request %d within %s", id, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release removes the slot for id. Later resolutions of that id are
// no-ops.
func (c *Correlator) Release(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Shutdown wakes every current and future waiter with err. Only the
// first call has an effect.
func (c *Correlator) Shutdown(err error) {
	c.closeOnce.Do(func() {
		if err == nil {
			err = ErrTransportClosed
		}
		c.closeErr = err
		close(c.closed)
	})
}

// Done is closed once Shutdown has been called.
func (c *Correlator) Done() <-chan struct{} {
	return c.closed
}

// Err returns the shutdown error, or nil while the correlator is open.
func (c *Correlator) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// Pending returns the number of registered slots.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// LastID returns the most recently allocated id, or 0 if none.
func (c *Correlator) LastID() int64 {
	return c.next.Load()
}

package cacheobj

import "sync"

// Handler is registered against a Condition and invoked on signal/abort.
// status is 0 on ordinary progress, positive on clean completion,
// negative on abort. Returning true unregisters the handler.
type Handler func(status int, data interface{}) (done bool)

type waiter struct {
	handler Handler
	data    interface{}
}

// Condition is an ordered list of pending handlers notified on progress
// or abort, the waiter-side counterpart of an in-flight CachedObject.
// New handlers registered during Signal run on the *next* Signal, never
// the one in progress -- this mirrors the "in_signal" recursion guard a
// single-threaded event loop would need, expressed here as a pending
// queue swapped in only after the current pass completes.
type Condition struct {
	mu        sync.Mutex
	waiters   []waiter
	pending   []waiter
	inSignal  bool
}

func newCondition() *Condition {
	return &Condition{}
}

// Wait registers handler to be invoked on the next Signal or Abort.
func (c *Condition) Wait(handler Handler, data interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := waiter{handler: handler, data: data}
	if c.inSignal {
		c.pending = append(c.pending, w)
		return
	}
	c.waiters = append(c.waiters, w)
}

// Signal invokes every pending handler once, in registration order,
// keeping only those that did not report done.
func (c *Condition) Signal(status int) {
	c.mu.Lock()
	if c.inSignal {
		// A handler-triggered re-entrant signal; defer to the outer pass
		// by just leaving waiters as-is -- the outer Signal will pick up
		// anything newly queued via c.pending once it finishes.
		c.mu.Unlock()
		return
	}
	current := c.waiters
	c.waiters = nil
	c.inSignal = true
	c.mu.Unlock()

	kept := current[:0]
	for _, w := range current {
		if !w.handler(status, w.data) {
			kept = append(kept, w)
		}
	}

	c.mu.Lock()
	c.inSignal = false
	c.waiters = append(kept, c.pending...)
	c.pending = nil
	c.mu.Unlock()
}

// Abort signals every handler with a negative status, conventionally -1.
func (c *Condition) Abort() {
	c.Signal(-1)
}

// Len reports the number of currently pending waiters.
func (c *Condition) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

package zeo

import "sync"

// Completion is a single-shot value carrying either a success payload
// or a failure reason, observed by at least one callback. Two variants
// exist (spec.md §3): the ordinary completion below (used to hop
// results back to outside callers across the Runner boundary, via
// Wait), and syncCompletion (completion_sync.go). A Completion's
// OnResult callbacks are not deferred either: they run inline, on the
// goroutine that resolves it, before SetResult/SetException returns.
// Resolving a Completion more than once is a no-op after
// the first call — "a completion is resolved exactly once" is an
// invariant every call site must already respect, not something this
// type needs to re-derive by panicking.
type Completion struct {
	mu        sync.Mutex
	done      bool
	value     interface{}
	err       error
	waiters   []chan struct{}
	observers []func(interface{}, error)
}

// NewCompletion returns an unresolved Completion.
func NewCompletion() *Completion { return &Completion{} }

// OnResult registers a callback invoked once, when the Completion
// resolves. If it is already resolved, the callback fires synchronously
// from OnResult itself. Every registered callback fires on resolve —
// spec.md §4.2's readiness completion is parked on by every call that
// arrives while the Client is not yet Ready, so a single most-recent-
// wins slot would strand every caller but the last one, the same way
// the Python original's add_done_callback supports multiple observers.
func (c *Completion) OnResult(fn func(interface{}, error)) {
	c.mu.Lock()
	if c.done {
		v, e := c.value, c.err
		c.mu.Unlock()
		fn(v, e)
		return
	}
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// SetResult resolves the Completion with a success value.
func (c *Completion) SetResult(v interface{}) { c.resolve(v, nil) }

// SetException resolves the Completion with a failure.
func (c *Completion) SetException(err error) { c.resolve(nil, err) }

func (c *Completion) resolve(v interface{}, err error) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.value, c.err = v, err
	observers := c.observers
	c.observers = nil
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, fn := range observers {
		fn(v, err)
	}
	for _, w := range waiters {
		close(w)
	}
}

// Done reports whether the Completion has resolved.
func (c *Completion) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Wait blocks the calling goroutine until the Completion resolves, then
// returns its result. This is the only blocking accessor; the Runner is
// the sole caller expected to use it, since every other consumer in
// this package lives on the single I/O thread and uses OnResult.
func (c *Completion) Wait() (interface{}, error) {
	c.mu.Lock()
	if c.done {
		v, e := c.value, c.err
		c.mu.Unlock()
		return v, e
	}
	ch := make(chan struct{})
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()
	<-ch
	c.mu.Lock()
	v, e := c.value, c.err
	c.mu.Unlock()
	return v, e
}

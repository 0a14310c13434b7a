package zeo

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Runner pins all Protocol and Client state to a single executor
// goroutine (spec.md §4.3/§5: "the I/O thread") and is the only
// thread-safe surface outside callers may use. It plays the role the
// teacher's Client.waitBrokers/metawait machinery plays for
// kgo.Client: hopping caller goroutines onto a single owning goroutine
// and back via channels instead of locks.
type Runner struct {
	cl *Client

	workCh chan func()
	stopCh chan struct{} // closed by Close to stop the executor loop
	done   chan struct{} // closed when the executor goroutine returns

	startedCh chan struct{}
	startErr  error

	defaultTimeout time.Duration
	logger         Logger
}

// NewRunner starts the I/O executor goroutine, builds the Client on
// it, and blocks until startup completes (spec.md §4.3: "Startup is
// signaled via a one-shot event the constructor waits on; construction
// failures inside the thread are surfaced back to the caller.").
func NewRunner(opts ...ClientOpt) (*Runner, error) {
	c := defaultCfg()
	for _, opt := range opts {
		opt(c)
	}

	r := &Runner{
		workCh:         make(chan func(), c.runnerQueueDepth),
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
		startedCh:      make(chan struct{}),
		defaultTimeout: c.defaultCallTimeout,
		logger:         c.logger,
	}
	go r.run(c)
	<-r.startedCh
	if r.startErr != nil {
		return nil, r.startErr
	}
	return r, nil
}

// run is the executor loop. Everything that ever mutates Protocol or
// Client state happens here; every other goroutine in this package
// only ever reaches this one through schedule.
func (r *Runner) run(c *cfg) {
	defer close(r.done)
	defer func() {
		if rec := recover(); rec != nil {
			if r.cl == nil {
				// Client construction itself failed: surface it to
				// NewRunner, which is still waiting on startedCh.
				r.startErr = fmt.Errorf("zeo: runner startup failed: %v", rec)
				close(r.startedCh)
			}
			if r.cl != nil {
				wasReady := atomic.LoadInt32(&r.cl.ready) == 1
				r.cl.setState(NotReady)
				if wasReady {
					r.cl.cfg.embedder.NotifyDisconnected()
				}
			}
			r.logger.Log(LogLevelError, "executor exited unexpectedly", "panic", fmt.Sprint(rec))
		}
	}()

	r.cl = newClient(c, r)
	close(r.startedCh)
	r.cl.start()

	for {
		select {
		case fn := <-r.workCh:
			fn()
		case <-r.stopCh:
			return
		}
	}
}

// schedule hops fn onto the I/O thread, per spec.md §5's "schedule
// this callable on the I/O thread" primitive. It blocks until fn is
// enqueued or the executor has already exited, so call sites never
// need to know whether the Runner is still alive.
func (r *Runner) schedule(fn func()) {
	select {
	case r.workCh <- fn:
	case <-r.done:
	}
}

// Call is the synchronous, thread-safe entry point outside callers
// use (spec.md §4.3): it allocates a cross-thread Completion, hops
// method(args...) onto the I/O thread via Client.CallThreadsafe, and
// blocks until a result, an error, or ctx's deadline (falling back to
// the Runner's default timeout) arrives.
func (r *Runner) Call(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	select {
	case <-r.done:
		return nil, errRunnerClosed
	default:
	}

	out := NewCompletion()
	r.schedule(func() { r.cl.CallThreadsafe(out, method, args...) })
	return r.await(ctx, out)
}

// CallAsync is the fire-and-forget counterpart of Call.
func (r *Runner) CallAsync(ctx context.Context, method string, args ...interface{}) error {
	select {
	case <-r.done:
		return errRunnerClosed
	default:
	}
	out := NewCompletion()
	r.schedule(func() { r.cl.CallAsyncThreadsafe(out, method, args...) })
	_, err := r.await(ctx, out)
	return err
}

// LoadBefore hops load_before_threadsafe(oid, tid) onto the I/O thread
// and blocks for the resulting Revision.
func (r *Runner) LoadBefore(ctx context.Context, oid Oid, tid Tid) (Revision, error) {
	select {
	case <-r.done:
		return Revision{}, errRunnerClosed
	default:
	}
	out := NewCompletion()
	r.schedule(func() { r.cl.LoadBeforeThreadsafe(out, oid, tid) })
	v, err := r.await(ctx, out)
	if err != nil {
		return Revision{}, err
	}
	rev, _ := v.(Revision)
	return rev, nil
}

// Prefetch hops prefetch(oids, tid) onto the I/O thread; it always
// resolves quickly (spec.md §4.2: "Resolve the completion immediately
// with null").
func (r *Runner) Prefetch(ctx context.Context, oids []Oid, tid Tid) error {
	select {
	case <-r.done:
		return errRunnerClosed
	default:
	}
	out := NewCompletion()
	r.schedule(func() { r.cl.Prefetch(out, oids, tid) })
	_, err := r.await(ctx, out)
	return err
}

// TpcFinish hops tpc_finish_threadsafe onto the I/O thread and blocks
// for the committed server Tid.
func (r *Runner) TpcFinish(ctx context.Context, tid Tid, updates []TpcUpdate, onCommit func(Tid)) (Tid, error) {
	select {
	case <-r.done:
		return 0, errRunnerClosed
	default:
	}
	out := NewCompletion()
	r.schedule(func() { r.cl.TpcFinishThreadsafe(out, tid, updates, onCommit) })
	v, err := r.await(ctx, out)
	if err != nil {
		return 0, err
	}
	tidOut, _ := v.(Tid)
	return tidOut, nil
}

// NewAddrs re-points the Client at a new address list; see
// Client.NewAddrs and SPEC_FULL.md's "Supplemented features".
func (r *Runner) NewAddrs(addrs []Addr) {
	r.schedule(func() { r.cl.NewAddrs(addrs) })
}

// await blocks on out up to ctx's deadline, or the Runner's default
// timeout if ctx carries none (spec.md §4.3). On timeout while the
// Client is not yet Ready, the caller sees Disconnected("timed out
// waiting for connection"); otherwise the timeout itself is returned,
// since by then a connection did exist and the call's fate is
// otherwise unknown.
func (r *Runner) await(ctx context.Context, out *Completion) (interface{}, error) {
	timeout := r.defaultTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	type result struct {
		v   interface{}
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		v, err := out.Wait()
		resCh <- result{v, err}
	}()

	select {
	case res := <-resCh:
		return res.v, res.err
	case <-timeoutCh:
		if atomic.LoadInt32(&r.cl.ready) == 0 {
			return nil, disconnected("timed out waiting for connection")
		}
		return nil, errTimedOutWaiting
	case <-ctx.Done():
		if atomic.LoadInt32(&r.cl.ready) == 0 {
			return nil, disconnected("timed out waiting for connection")
		}
		return nil, ctx.Err()
	}
}

// reapConnectionsLoop periodically sweeps redundant candidate
// Protocols once a current Protocol is established, at connIdleTimeout
// intervals, until the Client closes.
func (r *Runner) reapConnectionsLoop(cl *Client) {
	ticker := time.NewTicker(cl.cfg.connIdleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.schedule(func() { cl.reapConnections(context.Background()) })
		case <-r.done:
			return
		}
	}
}

// Close stops the executor: the Client and all its Protocols are
// closed on the I/O thread, then the goroutine exits; work still
// queued at that point is not run. After Close returns, every further
// Call fails with errRunnerClosed, a Disconnected{Reason: "closed"}
// (spec.md §4.3: "After close, further calls immediately fail
// Disconnected(\"closed\")").
func (r *Runner) Close() {
	select {
	case <-r.done:
		return
	default:
	}
	done := make(chan struct{})
	r.schedule(func() {
		r.cl.Close()
		close(done)
	})
	select {
	case <-done:
	case <-r.done:
	}
	close(r.stopCh)
	<-r.done
}

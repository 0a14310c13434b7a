package zeo

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Client manages the set of candidate Protocols for one logical
// endpoint group: it owns the cache, and drives registration,
// verification, upgrade, and reconnect (spec.md §4.2). Modeled on the
// teacher's Client type (one broker per address) crossed with
// cowsql-go-cowsql's Connector (multi-address race, retry loop).
//
// Every exported method that mutates Client/Protocol state is only
// ever called from the Runner's single I/O-thread goroutine; see
// spec.md §5 and runner.go.
type Client struct {
	cfg    *cfg
	runner *Runner

	candidates map[*Protocol]bool
	current    *Protocol

	state     Readiness
	ready     int32       // atomic mirror of state==Ready, for Runner.await's cross-thread read
	readiness *Completion // replaced every connect cycle

	verifying bool // true between adoption and Ready; drops invalidations

	closed bool

	rng *rand.Rand

	prefetchSem *semaphore.Weighted

	blobCodec BlobCodec
}

func newClient(c *cfg, r *Runner) *Client {
	seed := time.Now().UnixNano()
	if c.seededRNG {
		seed = c.rngSeed
	}
	return &Client{
		cfg:         c,
		runner:      r,
		candidates:  make(map[*Protocol]bool),
		state:       Never,
		readiness:   NewCompletion(),
		rng:         rand.New(rand.NewSource(seed)),
		prefetchSem: semaphore.NewWeighted(c.maxPrefetch),
		blobCodec:   blobCodecByName(c.blobCodecName),
	}
}

// start kicks off the initial connect phase; called once by the Runner
// right after construction.
func (cl *Client) start() {
	go cl.runner.reapConnectionsLoop(cl)
	cl.connect()
}

// connect spawns one Protocol per configured address in parallel
// (spec.md §4.2: "When disconnected and not closed, spawn one Protocol
// per address in parallel. Each races its own handshake and
// registration.").
func (cl *Client) connect() {
	if cl.closed || cl.state == Ready {
		return
	}
	for _, addr := range cl.cfg.addrs {
		p := newProtocol(cl, addr)
		cl.candidates[p] = true
		p.start()
	}
}

// registerSucceeded implements the write-preference race of spec.md
// §4.2: the first successful registration is adopted even if
// read-only (under Fallback); a later writable registration triggers
// an upgrade.
func (cl *Client) registerSucceeded(p *Protocol, serverTid Tid, hasTid bool) {
	if cl.closed {
		p.Close()
		return
	}
	cl.cfg.hooks.each(func(h Hook) {
		if hh, ok := h.(RegisterHook); ok {
			hh.OnRegister(p.addr, p.readOnly, serverTid, nil)
		}
	})

	switch {
	case cl.current == nil:
		cl.adopt(p, serverTid, hasTid)
	case cl.current.readOnly && !p.readOnly:
		cl.upgrade(p, serverTid, hasTid)
	default:
		// Already have a (writable, or equally read-only) current;
		// this candidate is redundant.
		delete(cl.candidates, p)
		p.Close()
	}
}

// adopt promotes p to current for the first time in this connect
// cycle and closes every other candidate once p is writable (or once
// no write-preference race is possible).
func (cl *Client) adopt(p *Protocol, serverTid Tid, hasTid bool) {
	cl.current = p
	delete(cl.candidates, p)
	if !(cl.cfg.readOnly == Fallback && p.readOnly) {
		cl.closeOtherCandidates(p)
	}
	cl.verify(p, serverTid, hasTid)
}

// upgrade replaces a read-only current with a newly-registered
// writable Protocol (spec.md §4.2).
func (cl *Client) upgrade(p *Protocol, serverTid Tid, hasTid bool) {
	old := cl.current
	cl.setState(NotReady)
	cl.readiness = NewCompletion()
	old.Close()
	cl.current = p
	delete(cl.candidates, p)
	cl.closeOtherCandidates(p)
	cl.verify(p, serverTid, hasTid)
}

// setState updates the Readiness value along with the atomic mirror
// Runner.await reads from outside the I/O thread (spec.md §5: no
// shared mutable state crosses threads except via the Runner's
// schedule/complete primitives — this is that primitive's one
// deliberate exception, a single atomic int32).
func (cl *Client) setState(s Readiness) {
	cl.state = s
	if s == Ready {
		atomic.StoreInt32(&cl.ready, 1)
	} else {
		atomic.StoreInt32(&cl.ready, 0)
	}
}

func (cl *Client) closeOtherCandidates(keep *Protocol) {
	for c := range cl.candidates {
		if c == keep {
			continue
		}
		delete(cl.candidates, c)
		c.Close()
	}
}

// registerFailed implements spec.md §4.2's registration-failure
// handling: close the failed candidate; if every candidate is now
// closed and none became current, schedule a fresh connect attempt.
func (cl *Client) registerFailed(p *Protocol, err error) {
	cl.cfg.hooks.each(func(h Hook) {
		if hh, ok := h.(RegisterHook); ok {
			hh.OnRegister(p.addr, false, 0, err)
		}
	})
	delete(cl.candidates, p)
	p.Close()
	if p == cl.current {
		// A failure during verification or the get_info step: drop p
		// as current so the connect loop below runs again.
		cl.current = nil
		cl.verifying = false
	}
	if cl.current != nil || cl.closed {
		return
	}
	if len(cl.candidates) > 0 {
		return
	}
	jitter := time.Duration(cl.rng.Float64() * float64(time.Second))
	time.AfterFunc(cl.cfg.registerFailedPoll+jitter, func() {
		cl.runner.schedule(cl.connect)
	})
}

// protocolDisconnected handles the loss of an already-established
// current Protocol: mark not-ready, notify the embedder, and restart
// the connect phase. Disconnection of a non-current candidate (racing
// but not yet registered) is just candidate bookkeeping.
func (cl *Client) protocolDisconnected(p *Protocol) {
	if _, wasCandidate := cl.candidates[p]; wasCandidate {
		delete(cl.candidates, p)
		return
	}
	if p != cl.current {
		return
	}
	cl.current = nil
	cl.setState(NotReady)
	cl.verifying = false
	failed := cl.readiness
	cl.readiness = NewCompletion()
	failed.SetException(disconnected("protocol lost"))
	cl.cfg.embedder.NotifyDisconnected()
	if !cl.closed {
		cl.connect()
	}
}

// verify runs the cache-coherence verification protocol of spec.md
// §4.2's case table. The getInvalidations step resolves through a
// synchronous completion so that cache.SetLastTid happens-before any
// invalidation applied after it — see completion_sync.go.
func (cl *Client) verify(p *Protocol, registerTid Tid, hasRegisterTid bool) {
	cl.verifying = true

	// finish is reached by every successful branch of the case table
	// below (every branch except "Cache newer than server", which is
	// fatal). It mirrors original_source/.../client.py:459's
	// unconditional `self.cache.setLastTid(server_tid)` at the end of
	// the verify try/except: regardless of which branch ran, the cache
	// ends verification pinned to serverTid before the Client becomes
	// Ready, per spec.md §8's invariant ("after verification completes
	// successfully, cache.last_tid == server_tid_at_registration OR a
	// strictly greater TID produced by a quick-verification round").
	finish := func(serverTid Tid, outcome string) {
		cl.cfg.hooks.each(func(h Hook) {
			if hh, ok := h.(VerifyHook); ok {
				cacheTid, _ := cl.cfg.cache.GetLastTid()
				hh.OnVerify(outcome, cacheTid, serverTid)
			}
		})
		cl.cfg.cache.SetLastTid(serverTid)
		cl.fetchInfoAndBecomeReady(p)
	}

	withServerTid := func(serverTid Tid) {
		cacheTid, hasCacheTid := cl.cfg.cache.GetLastTid()

		switch {
		case !cl.cacheHasAnyData():
			finish(serverTid, "empty cache")

		case !hasCacheTid:
			cl.cfg.cache.Clear()
			cl.cfg.embedder.InvalidateCache()
			finish(serverTid, "Non-empty cache w/o tid")

		case cacheTid > serverTid:
			cl.registerFailed(p, errCacheNewerThanServer)

		case cacheTid == serverTid:
			finish(serverTid, "Cache up to date")

		default: // cacheTid < serverTid
			sc := newSyncCompletion(func(v interface{}, err error) {
				if err != nil {
					cl.registerFailed(p, err)
					return
				}
				gi := v.(getInvalidationsResult)
				if !gi.ok {
					cl.cfg.cache.Clear()
					cl.cfg.embedder.InvalidateCache()
					finish(serverTid, "cache too old, clearing")
					return
				}
				for _, oid := range gi.oids {
					cl.cfg.cache.Invalidate(oid, gi.tid, true)
				}
				cl.cfg.embedder.InvalidateTransaction(gi.tid, gi.oids)
				finish(gi.tid, "quick verification")
			})
			cl.getInvalidations(p, cacheTid, sc)
		}
	}

	if hasRegisterTid {
		withServerTid(registerTid)
		return
	}
	c := p.Call("lastTransaction")
	c.OnResult(func(v interface{}, err error) {
		if err != nil {
			cl.registerFailed(p, err)
			return
		}
		withServerTid(decodeTid(cl.cfg.codec, v.([]byte)))
	})
}

func (cl *Client) cacheHasAnyData() bool {
	_, hasTid := cl.cfg.cache.GetLastTid()
	return hasTid || cacheNonEmptyHint(cl.cfg.cache)
}

// cacheNonEmptyHint lets a Cache optionally report "I hold data but no
// last-tid" (spec.md §4.2's "Non-empty cache w/o tid" branch) without
// forcing every Cache implementation to support enumeration; caches
// that can't tell the difference simply behave as if empty.
func cacheNonEmptyHint(c Cache) bool {
	type nonEmptyReporter interface{ NonEmpty() bool }
	if ne, ok := c.(nonEmptyReporter); ok {
		return ne.NonEmpty()
	}
	return false
}

type getInvalidationsResult struct {
	ok   bool
	tid  Tid
	oids []Oid
}

func (cl *Client) getInvalidations(p *Protocol, sinceTid Tid, sc *syncCompletion) {
	c := p.Call("getInvalidations", sinceTid)
	c.OnResult(func(v interface{}, err error) {
		if err != nil {
			sc.SetException(err)
			return
		}
		tid, oids, ok := decodeInvalidations(cl.cfg.codec, v.([]byte))
		sc.SetResult(getInvalidationsResult{ok: ok, tid: tid, oids: oids})
	})
}

func (cl *Client) fetchInfoAndBecomeReady(p *Protocol) {
	c := p.Call("get_info")
	c.OnResult(func(v interface{}, err error) {
		if err != nil {
			// spec.md §9's open question: treat any post-verification
			// failure as a registration failure and re-enter the
			// connect loop, rather than mutating Client as if it were
			// a Protocol.
			cl.registerFailed(p, err)
			return
		}
		info := decodeInfo(cl.cfg.codec, v.([]byte))
		cl.verifying = false
		cl.setState(Ready)
		r := cl.readiness
		cl.readiness = NewCompletion()
		r.SetResult(nil)
		cl.cfg.embedder.NotifyConnected(info)
	})
}

// handleServerCall dispatches a server-initiated frame already
// validated as async by Protocol.dispatchServerCall.
func (cl *Client) handleServerCall(p *Protocol, f Frame) {
	if p != cl.current {
		return // a stale/losing candidate; ignore.
	}
	switch f.Method {
	case "invalidateTransaction":
		cl.onInvalidateTransaction(f)
	case "serialnos":
		cl.onSerialnos(f)
	case "info":
		cl.cfg.embedder.Info(decodeInfo(cl.cfg.codec, f.Args))
	case "receiveBlobStart":
		oid, tid := decodeOidTid(cl.cfg.codec, f.Args)
		cl.cfg.embedder.ReceiveBlobStart(oid, tid)
	case "receiveBlobChunk":
		oid, tid, chunk := decodeBlobChunk(cl.cfg.codec, f.Args, cl.blobCodec)
		cl.cfg.embedder.ReceiveBlobChunk(oid, tid, chunk)
	case "receiveBlobStop":
		oid, tid := decodeOidTid(cl.cfg.codec, f.Args)
		cl.cfg.embedder.ReceiveBlobStop(oid, tid)
	}
}

// onInvalidateTransaction is a no-op during verification (spec.md
// §4.2: "Dropping invalidations during verification").
func (cl *Client) onInvalidateTransaction(f Frame) {
	if cl.verifying || cl.state != Ready {
		return
	}
	tid, oids := decodeInvalidateTransaction(cl.cfg.codec, f.Args)
	for _, oid := range oids {
		cl.cfg.cache.Invalidate(oid, tid, true)
	}
	cl.cfg.embedder.InvalidateTransaction(tid, oids)
	cl.cfg.cache.SetLastTid(tid)
}

func (cl *Client) onSerialnos(f Frame) {
	pairs := decodeSerialnos(cl.cfg.codec, f.Args)
	for _, sp := range pairs {
		if sp.IsErr {
			cl.cfg.cache.Invalidate(sp.Oid, 0, false)
		}
	}
	cl.cfg.embedder.Serialnos(pairs)
}

// --- call routing (spec.md §4.2) ---

// CallThreadsafe is call_threadsafe: delegate to the current Protocol
// when Ready, otherwise park on the readiness completion.
func (cl *Client) CallThreadsafe(out *Completion, method string, args ...interface{}) {
	if cl.state == Ready {
		cl.delegateCall(out, method, args...)
		return
	}
	if cl.state == Never && cl.current == nil && len(cl.candidates) == 0 && !cl.closed {
		out.SetException(errNeverConnected)
		return
	}
	cl.readiness.OnResult(func(_ interface{}, err error) {
		if err != nil {
			out.SetException(disconnected(err.Error()))
			return
		}
		cl.CallThreadsafe(out, method, args...)
	})
}

func (cl *Client) delegateCall(out *Completion, method string, args ...interface{}) {
	c := cl.current.Call(method, args...)
	c.OnResult(func(v interface{}, err error) {
		if err != nil {
			out.SetException(err)
			return
		}
		out.SetResult(v)
	})
}

// CallAsyncThreadsafe is call_async_threadsafe: not queued across
// reconnects, since async calls are idempotency-sensitive.
func (cl *Client) CallAsyncThreadsafe(out *Completion, method string, args ...interface{}) {
	if cl.state != Ready {
		out.SetException(disconnected("not ready"))
		return
	}
	if err := cl.current.CallAsync(method, args...); err != nil {
		out.SetException(err)
		return
	}
	out.SetResult(nil)
}

// LoadBeforeThreadsafe is load_before_threadsafe.
func (cl *Client) LoadBeforeThreadsafe(out *Completion, oid Oid, tid Tid) {
	if rev, hit := cl.cfg.cache.LoadBefore(oid, tid); hit {
		out.SetResult(rev)
		return
	}
	if cl.state != Ready {
		cl.readiness.OnResult(func(_ interface{}, err error) {
			if err != nil {
				out.SetException(disconnected(err.Error()))
				return
			}
			cl.LoadBeforeThreadsafe(out, oid, tid)
		})
		return
	}
	c := cl.current.LoadBefore(oid, tid)
	c.OnResult(func(v interface{}, err error) {
		if err != nil {
			out.SetException(err)
			return
		}
		rev := decodeRevision(cl.cfg.codec, v.([]byte))
		cl.cfg.cache.Store(oid, rev)
		out.SetResult(rev)
	})
}

// Prefetch is best-effort: for each oid not already cached, fire off a
// coalesced load_before whose only effect on success is a cache
// insertion, bounded by a weighted semaphore so a huge prefetch list
// cannot flood the connection (golang.org/x/sync/semaphore).
func (cl *Client) Prefetch(out *Completion, oids []Oid, tid Tid) {
	if cl.state != Ready {
		out.SetResult(nil)
		return
	}
	for _, oid := range oids {
		if _, hit := cl.cfg.cache.LoadBefore(oid, tid); hit {
			continue
		}
		oid := oid
		if !cl.prefetchSem.TryAcquire(1) {
			continue
		}
		c := cl.current.LoadBefore(oid, tid)
		c.OnResult(func(v interface{}, err error) {
			defer cl.prefetchSem.Release(1)
			if err != nil {
				cl.cfg.logger.Log(LogLevelWarn, "prefetch failed", "oid", oid, "err", err)
				return
			}
			rev := decodeRevision(cl.cfg.codec, v.([]byte))
			cl.cfg.cache.Store(oid, rev)
		})
	}
	out.SetResult(nil)
}

// TpcFinishThreadsafe is tpc_finish_threadsafe (spec.md §4.2): call
// tpc_finish on the current Protocol; with the returned server Tid,
// invalidate every updated oid, store the new revision for every
// unresolved update (so a subsequent LoadBefore(oid, serverTid+1)
// is answered from cache, per spec.md §8's tpc_finish round-trip
// law), then advance cache.last_tid and invoke onCommit.
func (cl *Client) TpcFinishThreadsafe(out *Completion, tid Tid, updates []TpcUpdate, onCommit func(Tid)) {
	if cl.state != Ready {
		out.SetException(disconnected("not ready"))
		return
	}
	p := cl.current
	c := p.Call("tpc_finish", tid)
	c.OnResult(func(v interface{}, err error) {
		if err != nil {
			out.SetException(err)
			// Cache state is indeterminate; force disconnect so
			// reconnect + verification restores coherence from
			// scratch (spec.md §4.2, §7).
			p.die(fmt.Errorf("tpc_finish failed: %w", err))
			return
		}
		serverTid := decodeTid(cl.cfg.codec, v.([]byte))
		for _, u := range updates {
			cl.cfg.cache.Invalidate(u.Oid, serverTid, true)
			if len(u.Data) > 0 && !u.Resolved {
				cl.cfg.cache.Store(u.Oid, Revision{Data: u.Data, Start: serverTid})
			}
		}
		cl.cfg.cache.SetLastTid(serverTid)
		if onCommit != nil {
			onCommit(serverTid)
		}
		out.SetResult(serverTid)
	})
}

// NewAddrs re-points a live Client at a new address list (supplemented
// feature, see SPEC_FULL.md). Per spec.md §5 it must run on the I/O
// thread, and it only triggers a reconnect cycle if the Client is
// currently trying to connect, not if it is already Ready.
func (cl *Client) NewAddrs(addrs []Addr) {
	cl.cfg.addrs = addrs
	if cl.state == Ready || cl.closed {
		return
	}
	for c := range cl.candidates {
		delete(cl.candidates, c)
		c.Close()
	}
	cl.connect()
}

// Close shuts the Client down: all candidates and the current
// Protocol are closed, and the readiness completion is failed for any
// parked callers.
func (cl *Client) Close() {
	if cl.closed {
		return
	}
	cl.closed = true
	for c := range cl.candidates {
		delete(cl.candidates, c)
		c.Close()
	}
	if cl.current != nil {
		cl.current.Close()
		cl.current = nil
	}
	cl.setState(NotReady)
	cl.readiness.SetException(errClientClosing)
	_ = cl.cfg.cache.Close()
}

// reapConnections closes any tracked candidate once a current
// Protocol already exists — a defensive sweep for the multi-address
// race in case a candidate's registration reply is lost or delayed
// past the point where it's still useful.
func (cl *Client) reapConnections(context.Context) {
	if cl.current == nil {
		return
	}
	for c := range cl.candidates {
		delete(cl.candidates, c)
		c.Close()
	}
}

package zeo

// syncCompletion is the synchronous completion variant (spec.md §3,
// §4.2, §9): its observer fires inline, within SetResult/SetException,
// on whatever goroutine resolves it. Every mutation in this package
// happens on the single I/O thread (spec.md §5), so "inline" here means
// "before the resolving call returns, with no intervening scheduling
// hop" — which is exactly the property verification needs: the cache's
// last-tid update must happen-before any invalidation applied after it,
// and the two can only race if resolution is deferred through the
// executor.
//
// Do not replace this with Completion plus a same-thread executor hop:
// that reopens the race DESIGN NOTES §9 warns about, because even a
// zero-delay scheduled callback runs after other work already queued
// ahead of it (e.g. a server push decoded earlier in the same read
// loop iteration).
type syncCompletion struct {
	done bool
	fn   func(interface{}, error)
}

func newSyncCompletion(fn func(interface{}, error)) *syncCompletion {
	return &syncCompletion{fn: fn}
}

func (s *syncCompletion) SetResult(v interface{}) {
	if s.done {
		return
	}
	s.done = true
	s.fn(v, nil)
}

func (s *syncCompletion) SetException(err error) {
	if s.done {
		return
	}
	s.done = true
	s.fn(nil, err)
}

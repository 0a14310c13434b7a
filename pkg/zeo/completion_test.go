package zeo

import (
	"errors"
	"testing"
	"time"
)

func TestCompletionOnResultAfterResolve(t *testing.T) {
	c := NewCompletion()
	c.SetResult(7)
	var got interface{}
	var gotErr error
	c.OnResult(func(v interface{}, err error) { got, gotErr = v, err })
	if got != 7 || gotErr != nil {
		t.Fatalf("OnResult after resolve: got=%v err=%v", got, gotErr)
	}
}

func TestCompletionOnResultBeforeResolve(t *testing.T) {
	c := NewCompletion()
	done := make(chan struct{})
	var got interface{}
	c.OnResult(func(v interface{}, err error) {
		got = v
		close(done)
	})
	c.SetResult("hello")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
	if got != "hello" {
		t.Fatalf("got %v, want hello", got)
	}
}

func TestCompletionResolveOnceWins(t *testing.T) {
	c := NewCompletion()
	c.SetResult("first")
	c.SetResult("second")
	c.SetException(errors.New("boom"))
	v, err := c.Wait()
	if v != "first" || err != nil {
		t.Fatalf("expected first resolution to stick, got v=%v err=%v", v, err)
	}
}

func TestCompletionWaitBlocksUntilResolved(t *testing.T) {
	c := NewCompletion()
	resCh := make(chan interface{}, 1)
	go func() {
		v, _ := c.Wait()
		resCh <- v
	}()
	select {
	case <-resCh:
		t.Fatal("Wait returned before resolution")
	case <-time.After(20 * time.Millisecond):
	}
	c.SetResult(42)
	select {
	case v := <-resCh:
		if v != 42 {
			t.Fatalf("got %v, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after resolution")
	}
}

// TestCompletionOnResultServesEveryObserver exercises the readiness
// completion's multi-observer case (spec.md §4.2: several concurrent
// callers can all be parked on Client.readiness via OnResult before
// it resolves). A single most-recent-wins callback slot would strand
// every observer but the last.
func TestCompletionOnResultServesEveryObserver(t *testing.T) {
	c := NewCompletion()
	const n = 5
	got := make([]interface{}, n)
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		i := i
		c.OnResult(func(v interface{}, err error) {
			got[i] = v
			done <- struct{}{}
		})
	}
	c.SetResult("ready")
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("observer %d never fired", i)
		}
	}
	for i, v := range got {
		if v != "ready" {
			t.Fatalf("observer %d saw %v, want ready", i, v)
		}
	}
}

func TestCompletionDone(t *testing.T) {
	c := NewCompletion()
	if c.Done() {
		t.Fatal("new completion reports Done")
	}
	c.SetException(errors.New("x"))
	if !c.Done() {
		t.Fatal("resolved completion reports not Done")
	}
}

func TestSyncCompletionFiresInline(t *testing.T) {
	var fired bool
	sc := newSyncCompletion(func(v interface{}, err error) {
		fired = true
		if v != "v" || err != nil {
			t.Fatalf("unexpected args v=%v err=%v", v, err)
		}
	})
	sc.SetResult("v")
	if !fired {
		t.Fatal("syncCompletion callback did not fire inline")
	}
}

func TestSyncCompletionResolveOnceWins(t *testing.T) {
	calls := 0
	sc := newSyncCompletion(func(interface{}, error) { calls++ })
	sc.SetResult("a")
	sc.SetException(errors.New("b"))
	if calls != 1 {
		t.Fatalf("callback fired %d times, want 1", calls)
	}
}

package fetch

import (
	"testing"

	"github.com/NebulousLabs/texturefetch/pkg/assetid"
)

// fakeMultiplexer admits or throttles workers according to a scripted
// sequence of results, and records the order workers were offered in.
type fakeMultiplexer struct {
	results []admitResult
	offered []*FetchWorker
}

func (f *fakeMultiplexer) tryAdmitHTTP(w *FetchWorker) admitResult {
	f.offered = append(f.offered, w)
	if len(f.results) == 0 {
		return admitAccepted
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r
}

func testWorker(seq uint64) *FetchWorker {
	return newFetchWorker(assetid.New(), "http://example.com/a.j2c", "example.com", 1, false, 0, 0, true, false, seq)
}

func TestPerServiceQueueEnqueueDispatchesInClassOrder(t *testing.T) {
	reg := NewServiceRegistry(1, 4)
	q := newPerServiceQueue("example.com", reg, 1)

	approved := testWorker(1)
	unapprovedA := testWorker(2)
	q.enqueue(approved, ClassApprovedHigh)
	q.enqueue(unapprovedA, ClassUnapprovedA)

	multi := &fakeMultiplexer{}
	q.addQueuedTo(multi, false)

	if len(multi.offered) != 1 || multi.offered[0] != approved {
		t.Fatalf("expected the approved worker dispatched first, got %+v", multi.offered)
	}
	depths, active, _ := q.snapshot()
	if active != 1 {
		t.Fatalf("expected 1 active worker, got %d", active)
	}
	if depths[ClassUnapprovedA] != 1 {
		t.Fatalf("expected unapproved worker to remain queued, got depths %v", depths)
	}
}

func TestPerServiceQueueRespectsConcurrentLimit(t *testing.T) {
	reg := NewServiceRegistry(1, 4)
	q := newPerServiceQueue("example.com", reg, 1)

	w1 := testWorker(1)
	w2 := testWorker(2)
	q.enqueue(w1, ClassApprovedHigh)
	q.enqueue(w2, ClassApprovedHigh)

	multi := &fakeMultiplexer{}
	q.addQueuedTo(multi, false)
	if len(multi.offered) != 1 {
		t.Fatalf("expected only one dispatch attempt at concurrentLimit=1, got %d", len(multi.offered))
	}

	// Further calls should not offer a second worker until a slot is freed.
	q.addQueuedTo(multi, false)
	if len(multi.offered) != 1 {
		t.Fatalf("expected dispatch to remain blocked at the limit, got %d offers", len(multi.offered))
	}

	q.release(ClassApprovedHigh)
	q.addQueuedTo(multi, false)
	if len(multi.offered) != 2 {
		t.Fatalf("expected second worker dispatched after release, got %d offers", len(multi.offered))
	}
}

func TestPerServiceQueueCancelPreservesOrder(t *testing.T) {
	reg := NewServiceRegistry(1, 4)
	q := newPerServiceQueue("example.com", reg, 4)

	w1, w2, w3 := testWorker(1), testWorker(2), testWorker(3)
	q.enqueue(w1, ClassUnapprovedA)
	q.enqueue(w2, ClassUnapprovedA)
	q.enqueue(w3, ClassUnapprovedA)

	if !q.cancel(w2, ClassUnapprovedA) {
		t.Fatal("expected cancel of w2 to succeed")
	}

	q.mu.Lock()
	remaining := append([]*FetchWorker(nil), q.pending[ClassUnapprovedA]...)
	q.mu.Unlock()
	if len(remaining) != 2 || remaining[0] != w1 || remaining[1] != w3 {
		t.Fatalf("expected [w1, w3] preserving order, got %+v", remaining)
	}

	if q.cancel(w2, ClassUnapprovedA) {
		t.Fatal("expected second cancel of already-removed worker to report false")
	}
}

func TestPerServiceQueueThrottleTriggersSpillover(t *testing.T) {
	reg := NewServiceRegistry(4, 4)
	busy := newPerServiceQueue("busy.example.com", reg, 4)
	idle := newPerServiceQueue("idle.example.com", reg, 4)
	reg.services["busy.example.com"] = &serviceHandle{queue: busy, refCount: 1}
	reg.services["idle.example.com"] = &serviceHandle{queue: idle, refCount: 1}

	w := testWorker(1)
	busy.enqueue(w, ClassApprovedHigh)

	wIdle := testWorker(2)
	idle.enqueue(wIdle, ClassApprovedHigh)

	// The multiplexer throttles the first attempt (simulating a global cap)
	// and accepts the second, which should arrive via idle's spillover pass.
	multi := &fakeMultiplexer{results: []admitResult{admitThrottled, admitAccepted}}
	busy.addQueuedTo(multi, false)

	if len(multi.offered) != 2 {
		t.Fatalf("expected spillover to offer a second worker from the idle service, got %d", len(multi.offered))
	}
	if multi.offered[1] != wIdle {
		t.Fatal("expected the idle service's worker to be offered during spillover")
	}
}

func TestServiceRegistryRefCounting(t *testing.T) {
	reg := NewServiceRegistry(2, 4)
	q1 := reg.instance("example.com")
	q2 := reg.instance("example.com")
	q3 := reg.instance("example.com")
	if q1 != q2 || q2 != q3 {
		t.Fatal("expected the same queue instance for the same service name")
	}

	reg.release("example.com")
	if _, ok := reg.services["example.com"]; !ok {
		t.Fatal("queue should survive while more than one reference remains")
	}

	reg.release("example.com")
	if _, ok := reg.services["example.com"]; !ok {
		t.Fatal("queue should survive while a caller still holds a reference")
	}

	reg.release("example.com")
	if _, ok := reg.services["example.com"]; ok {
		t.Fatal("empty queue down to the registry's own reference should be collapsed")
	}
}

func TestServiceRegistryForEachOtherExcludesSelf(t *testing.T) {
	reg := NewServiceRegistry(2, 4)
	reg.instance("a.example.com")
	reg.instance("b.example.com")

	var visited []ServiceName
	reg.forEachOther("a.example.com", func(q *PerServiceQueue) {
		visited = append(visited, q.name)
	})
	if len(visited) != 1 || visited[0] != "b.example.com" {
		t.Fatalf("expected only b.example.com visited, got %v", visited)
	}
}

package fetch

import "sync"

// admitResult is the outcome of offering a worker to the HTTP multiplexer.
type admitResult int

const (
	// admitAccepted means the worker was attached to the HTTP transport.
	admitAccepted admitResult = iota
	// admitThrottled means the multiplexer's own admission control
	// (global concurrency/bandwidth caps) rejected the worker; further
	// classes on this service will also be rejected right now, but other
	// services may still have room.
	admitThrottled
)

// httpMultiplexer is the capability the engine exposes to PerServiceQueue
// for attempting to dispatch a worker onto the HTTP transport. It is
// implemented by FetchEngine.
type httpMultiplexer interface {
	tryAdmitHTTP(w *FetchWorker) admitResult
}

// PerServiceQueue holds the four capability-class FIFOs of pending fetch
// workers for one canonical service endpoint, plus the bookkeeping needed
// for weighted-fair dispatch and concurrency capping (spec §4.2).
type PerServiceQueue struct {
	mu   sync.Mutex
	name ServiceName
	reg  *ServiceRegistry

	concurrentLimit int
	pending         [numClasses][]*FetchWorker
	inQueue         map[*FetchWorker]CapabilityClass

	activeCount        int
	activeCountByClass [numClasses]int
	downloadingByClass [numClasses]int

	approvedFirst   int // rotation cursor over {ClassApprovedHigh, ClassApprovedLow}
	unapprovedFirst int // rotation cursor over {ClassUnapprovedA, ClassUnapprovedB}

	classEmpty [numClasses]bool
	classFull  [numClasses]bool
	starved    bool
}

func newPerServiceQueue(name ServiceName, reg *ServiceRegistry, concurrentLimit int) *PerServiceQueue {
	if concurrentLimit < 1 {
		concurrentLimit = 1
	}
	return &PerServiceQueue{
		name:            name,
		reg:             reg,
		concurrentLimit: concurrentLimit,
		inQueue:         make(map[*FetchWorker]CapabilityClass),
	}
}

// isEmpty reports whether the queue currently holds no pending work, used
// by the registry to decide whether an entry can be collapsed.
func (q *PerServiceQueue) isEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inQueue) == 0 && q.activeCount == 0
}

// enqueue appends worker to class's FIFO. A worker is never present in more
// than one class queue across all services at a time (spec §8 invariant 6);
// callers must ensure that invariant (FetchWorker tracks its own queue
// membership).
func (q *PerServiceQueue) enqueue(w *FetchWorker, class CapabilityClass) {
	q.mu.Lock()
	q.pending[class] = append(q.pending[class], w)
	q.inQueue[w] = class
	q.mu.Unlock()
	q.reg.counters.addQueued(1)
}

// cancel removes worker from class's FIFO while preserving the relative
// order of the remaining elements. Per spec §4.2/§9, this is implemented
// with pairwise rotation (repeatedly swapping the target one slot toward
// the tail) rather than a single element-move assignment, so that a
// concurrent reader holding a snapshot slice never observes a half-written
// slot -- each step is a single, independent element swap.
func (q *PerServiceQueue) cancel(w *FetchWorker, class CapabilityClass) bool {
	q.mu.Lock()
	slice := q.pending[class]
	idx := -1
	for i, fw := range slice {
		if fw == w {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return false
	}
	for i := idx; i < len(slice)-1; i++ {
		slice[i], slice[i+1] = slice[i+1], slice[i]
	}
	q.pending[class] = slice[:len(slice)-1]
	delete(q.inQueue, w)
	q.mu.Unlock()
	q.reg.counters.addQueued(-1)
	return true
}

// adjustConcurrentLimit clamps concurrentLimit to [1, globalMax] after
// applying increment.
func (q *PerServiceQueue) adjustConcurrentLimit(increment, globalMax int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.concurrentLimit += increment
	if q.concurrentLimit < 1 {
		q.concurrentLimit = 1
	}
	if globalMax > 0 && q.concurrentLimit > globalMax {
		q.concurrentLimit = globalMax
	}
}

// classVisitOrder builds the order in which classes are considered for
// dispatch this call, per spec §4.2:
//  1. Among the two approved classes, visit whichever has the longer queue
//     first; ties are broken by rotating approvedFirst.
//  2. The two unapproved classes follow, strictly round-robined via
//     unapprovedFirst.
//
// unapprovedFirst advances unconditionally on every dispatch attempt (see
// spec §9's open question): this is deliberately preserved even though it
// means the rotation can drift on a call that ends up dispatching nothing
// from the unapproved classes at all. Do not "fix" this to advance only on
// success.
func (q *PerServiceQueue) classVisitOrder() [numClasses]CapabilityClass {
	var order [numClasses]CapabilityClass

	a0, a1 := ClassApprovedHigh, ClassApprovedLow
	lenA0, lenA1 := len(q.pending[a0]), len(q.pending[a1])
	first, second := a0, a1
	switch {
	case lenA0 > lenA1:
		first, second = a0, a1
	case lenA1 > lenA0:
		first, second = a1, a0
	default:
		if q.approvedFirst == 1 {
			first, second = a1, a0
		} else {
			first, second = a0, a1
		}
		q.approvedFirst = 1 - q.approvedFirst
	}
	order[0], order[1] = first, second

	u0, u1 := ClassUnapprovedA, ClassUnapprovedB
	if q.unapprovedFirst == 1 {
		order[2], order[3] = u1, u0
	} else {
		order[2], order[3] = u0, u1
	}
	q.unapprovedFirst = 1 - q.unapprovedFirst

	return order
}

// addQueuedTo attempts to dispatch one worker from this service to the
// HTTP transport via multi, offering only the front of the first non-empty
// class in visit order. If recursive is false and nothing was dispatched
// (the service is at its concurrent limit, has nothing queued, or that
// offer was throttled), it asks every other registered service to try
// dispatching a worker instead (bandwidth recovery / peer spillover, spec
// §4.2 scenario 5).
func (q *PerServiceQueue) addQueuedTo(multi httpMultiplexer, recursive bool) {
	q.mu.Lock()
	if q.activeCount >= q.concurrentLimit {
		q.mu.Unlock()
		if !recursive {
			q.spillover(multi)
		}
		return
	}
	order := q.classVisitOrder()

	allEmpty := true
	for _, c := range order {
		if len(q.pending[c]) > 0 {
			allEmpty = false
			break
		}
	}
	if allEmpty {
		q.starved = true
		q.mu.Unlock()
		if !recursive {
			q.spillover(multi)
		}
		return
	}

	dispatched := false
	throttledOwnService := false
	for _, c := range order {
		queue := q.pending[c]
		if len(queue) == 0 {
			q.classEmpty[c] = true
			continue
		}
		front := queue[0]
		// Claim front's slot before offering it: a transport that completes
		// synchronously re-enters this queue via finishHTTP, which must see
		// front already popped and counted active.
		q.pending[c] = queue[1:]
		delete(q.inQueue, front)
		q.activeCount++
		q.activeCountByClass[c]++
		q.downloadingByClass[c]++
		q.mu.Unlock()
		result := multi.tryAdmitHTTP(front)
		q.mu.Lock()
		if result == admitAccepted {
			q.classEmpty[c] = len(q.pending[c]) == 0
			q.classFull[c] = false
			q.starved = false
			dispatched = true
			q.mu.Unlock()
			q.reg.counters.addQueued(-1)
			q.reg.counters.addActive(1)
			q.mu.Lock()
			break
		}
		// Throttled: put front back at the head of its class and give up
		// its slot; further classes on this service will also reject.
		q.pending[c] = append([]*FetchWorker{front}, q.pending[c]...)
		q.inQueue[front] = c
		q.activeCount--
		q.activeCountByClass[c]--
		q.downloadingByClass[c]--
		q.classFull[c] = true
		throttledOwnService = true
		break
	}
	q.mu.Unlock()

	if !dispatched && !recursive && throttledOwnService {
		q.spillover(multi)
	}
}

// spillover asks every other registered service to try dispatching a
// worker, handling the case where this service was throttled only by its
// own bandwidth cap rather than a global one.
func (q *PerServiceQueue) spillover(multi httpMultiplexer) {
	q.reg.forEachOther(q.name, func(peer *PerServiceQueue) {
		peer.addQueuedTo(multi, true)
	})
}

// release marks a previously-dispatched worker's request as finished,
// freeing its slot in activeCount bookkeeping.
func (q *PerServiceQueue) release(class CapabilityClass) {
	q.mu.Lock()
	q.activeCount--
	q.activeCountByClass[class]--
	q.downloadingByClass[class]--
	q.mu.Unlock()
	q.reg.counters.addActive(-1)
}

// snapshot reports queue depths for introspection/tests.
func (q *PerServiceQueue) snapshot() (depths [numClasses]int, active int, limit int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for c := range q.pending {
		depths[c] = len(q.pending[c])
	}
	return depths, q.activeCount, q.concurrentLimit
}

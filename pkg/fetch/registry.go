package fetch

import "sync"

// GlobalCounters is the single guarded cell holding the process-wide
// scheduling counters from spec §3: total_queued, total_active,
// total_http_bytes. Per spec §5, this cell's lock is always acquired
// *after* the owning PerServiceQueue's lock, never before -- mirroring the
// teacher's habit (uploadheap.go) of a coarse outer lock plus a narrower
// inner one for cross-cutting counters.
type GlobalCounters struct {
	mu             sync.Mutex
	totalQueued    int64
	totalActive    int64
	totalHTTPBytes uint64
}

func (gc *GlobalCounters) addQueued(delta int64) {
	gc.mu.Lock()
	gc.totalQueued += delta
	gc.mu.Unlock()
}

func (gc *GlobalCounters) addActive(delta int64) {
	gc.mu.Lock()
	gc.totalActive += delta
	gc.mu.Unlock()
}

func (gc *GlobalCounters) addHTTPBytes(n uint64) {
	gc.mu.Lock()
	gc.totalHTTPBytes += n
	gc.mu.Unlock()
}

// Snapshot returns the current counter values.
func (gc *GlobalCounters) Snapshot() (queued, active int64, httpBytes uint64) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.totalQueued, gc.totalActive, gc.totalHTTPBytes
}

// drainHTTPBytes atomically reads and resets the accumulated HTTP byte
// counter, used by FetchEngine.Tick to feed recordBandwidth.
func (gc *GlobalCounters) drainHTTPBytes() uint64 {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	n := gc.totalHTTPBytes
	gc.totalHTTPBytes = 0
	return n
}

// ServiceRegistry is the process-wide, lazily-populated map from canonical
// service name to PerServiceQueue, grounded in the teacher's pattern of a
// single locked map shared across workers (c.f. the renter's staticFileSet
// / worker pool map). Ownership of each PerServiceQueue is shared between
// the registry and any worker currently attached to it.
type ServiceRegistry struct {
	mu       sync.Mutex
	services map[ServiceName]*serviceHandle
	counters *GlobalCounters

	// GlobalDefaultLimit seeds concurrentLimit for newly created queues.
	GlobalDefaultLimit int
	// GlobalMaxLimit bounds adjustConcurrentConnections' clamp.
	GlobalMaxLimit int
}

// serviceHandle wraps a PerServiceQueue with the reference count described
// in spec §9 ("intrusive reference counting with registry"): the registry
// itself holds one reference; instance() hands out additional references
// to callers, and release() drops them, collapsing the entry once the
// registry is the sole remaining owner and its queues are empty.
type serviceHandle struct {
	queue    *PerServiceQueue
	refCount int
}

// NewServiceRegistry creates an empty registry with the given defaults.
func NewServiceRegistry(globalDefaultLimit, globalMaxLimit int) *ServiceRegistry {
	return &ServiceRegistry{
		services:           make(map[ServiceName]*serviceHandle),
		counters:           &GlobalCounters{},
		GlobalDefaultLimit: globalDefaultLimit,
		GlobalMaxLimit:     globalMaxLimit,
	}
}

// instance looks up or lazily creates the PerServiceQueue for name,
// returning a shared reference. Callers must pair this with release.
func (r *ServiceRegistry) instance(name ServiceName) *PerServiceQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.services[name]
	if !ok {
		h = &serviceHandle{
			queue:    newPerServiceQueue(name, r, r.GlobalDefaultLimit),
			refCount: 1, // the registry's own reference
		}
		r.services[name] = h
	}
	h.refCount++
	return h.queue
}

// release drops a caller's reference to name's queue. The entry is removed
// once the registry is the sole remaining owner and the queue holds no
// pending work, rechecked under the registry lock to defend against a
// concurrent re-insertion racing the drop.
func (r *ServiceRegistry) release(name ServiceName) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.services[name]
	if !ok {
		return
	}
	h.refCount--
	if h.refCount <= 1 && h.queue.isEmpty() {
		// Re-check under lock: refCount and emptiness could not have
		// changed since we're holding the registry lock and queue
		// mutations that affect emptiness go through this registry for
		// creation, but a peer holding the same handle could still be
		// enqueuing under the queue's own lock concurrently. Re-verify.
		if h.queue.isEmpty() && h.refCount <= 1 {
			delete(r.services, name)
		}
	}
}

// forEachOther calls fn for every service other than except, in map
// iteration order, used by add_queued_to's non-recursive spillover pass.
// Go's map iteration order is randomized per the language spec; this
// matches the "no ordering is guaranteed across services" clause in
// spec §5.
func (r *ServiceRegistry) forEachOther(except ServiceName, fn func(*PerServiceQueue)) {
	r.mu.Lock()
	var queues []*PerServiceQueue
	for name, h := range r.services {
		if name == except {
			continue
		}
		queues = append(queues, h.queue)
	}
	r.mu.Unlock()
	for _, q := range queues {
		fn(q)
	}
}

// adjustConcurrentConnections walks all services and clamps each queue's
// concurrentLimit to [1, GlobalMaxLimit], propagating the delta.
func (r *ServiceRegistry) adjustConcurrentConnections(increment int) {
	r.mu.Lock()
	var queues []*PerServiceQueue
	for _, h := range r.services {
		queues = append(queues, h.queue)
	}
	r.mu.Unlock()
	for _, q := range queues {
		q.adjustConcurrentLimit(increment, r.GlobalMaxLimit)
	}
}

// Snapshot returns the set of currently registered service names, for
// introspection.
func (r *ServiceRegistry) Snapshot() []ServiceName {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]ServiceName, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}

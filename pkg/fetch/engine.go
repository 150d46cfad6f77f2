package fetch

import (
	"strings"
	"sync"
	"time"

	"github.com/NebulousLabs/texturefetch/pkg/assetid"
	"github.com/NebulousLabs/texturefetch/pkg/fetch/log"
)

// Engine-wide constants from spec §4.4/§5. Sizes are in bytes.
const (
	MaxImageDataSize      = 8 << 20
	TextureCacheEntrySize = 4096
	MaxDiscard            = 5
	ImagesPerRequest      = 50

	networkSweepInterval  = 100 * time.Millisecond
	simLazyFlushTimeout   = 10 * time.Second
	minDeltaPriority      = 0.05
	minRequestTime        = 1 * time.Second
)

// EngineConfig bundles FetchEngine's tunables, all of which correspond to
// named constants or parameters in spec §4.2/§5.
type EngineConfig struct {
	GlobalDefaultLimit    int
	GlobalMaxLimit        int
	HTTPMaxRequests       int
	HTTPMinRequests       int
	HTTPThrottleBandwidth uint64 // bytes accounted per Tick
}

// FetchEngine is the top-level coordinator (spec §4.4): it owns the
// worker map, the run-priority queue, the service registry, and the
// inbound/outbound UDP fan-in/out, and wires all four external
// collaborators together.
type FetchEngine struct {
	codec    Codec
	cache    BlobCache
	http     HTTPTransport
	sim      SimTransport
	resolver URLResolver
	log      *log.Logger

	registry  *ServiceRegistry
	blacklist *HostBlacklist
	runq      *runQueue
	sg        *stopgroup

	cfg EngineConfig

	mu      sync.Mutex
	workers map[assetid.AssetId]*FetchWorker
	seq     uint64

	httpMu     sync.Mutex
	activeHTTP int
	currentBW  uint64

	udpMu      sync.Mutex
	udpPending map[string]map[*FetchWorker]struct{} // host -> workers awaiting a sweep
	udpCancels map[string][]assetid.AssetId
	lastSweep  time.Time
}

// NewFetchEngine wires the four external collaborators into a ready
// engine.
func NewFetchEngine(codec Codec, cache BlobCache, http HTTPTransport, sim SimTransport, resolver URLResolver, logger *log.Logger, cfg EngineConfig) *FetchEngine {
	if cfg.GlobalDefaultLimit < 1 {
		cfg.GlobalDefaultLimit = 4
	}
	if cfg.GlobalMaxLimit < cfg.GlobalDefaultLimit {
		cfg.GlobalMaxLimit = cfg.GlobalDefaultLimit
	}
	if cfg.HTTPMaxRequests < 1 {
		cfg.HTTPMaxRequests = 8
	}
	return &FetchEngine{
		codec:      codec,
		cache:      cache,
		http:       http,
		sim:        sim,
		resolver:   resolver,
		log:        logger,
		registry:   NewServiceRegistry(cfg.GlobalDefaultLimit, cfg.GlobalMaxLimit),
		blacklist:  NewHostBlacklist(),
		runq:       newRunQueue(),
		sg:         newStopgroup(),
		cfg:        cfg,
		workers:    make(map[assetid.AssetId]*FetchWorker),
		udpPending: make(map[string]map[*FetchWorker]struct{}),
		udpCancels: make(map[string][]assetid.AssetId),
	}
}

func isJ2CURL(url string) bool {
	lower := strings.ToLower(url)
	return strings.HasSuffix(lower, ".j2c") || strings.HasSuffix(lower, ".jp2") || strings.Contains(lower, "texture")
}

// CreateRequest implements FetchEngine.create_request (spec §4.4).
func (eng *FetchEngine) CreateRequest(url string, id assetid.AssetId, host string, priority float32, immediate bool, width, height, components uint32, desiredDiscard int, needsAux, canUseHTTP bool) (bool, error) {
	eng.mu.Lock()
	if existing, ok := eng.workers[id]; ok {
		existing.mu.Lock()
		sameHost := existing.host == host
		existing.mu.Unlock()
		if !sameHost {
			delete(eng.workers, id)
			eng.mu.Unlock()
			eng.log.Debugln("create_request: cancelling existing worker for", id, ":", ErrHostMismatch)
			existing.cancel()
			eng.runq.remove(existing)
			return false, nil
		}
		eng.mu.Unlock()
		return true, nil
	}

	desiredSize := uint64(TextureCacheEntrySize)
	switch {
	case !isJ2CURL(url) || desiredDiscard == 0:
		desiredSize = MaxImageDataSize
	case width > 0 && height > 0 && components > 0:
		desiredSize = eng.codec.SizeFor(width, height, components, desiredDiscard)
	default:
		desiredDiscard = MaxDiscard
	}

	eng.seq++
	w := newFetchWorker(id, url, host, priority, immediate, desiredDiscard, desiredSize, canUseHTTP, needsAux, eng.seq)
	eng.workers[id] = w
	eng.mu.Unlock()

	eng.runq.push(w)
	return true, nil
}

// UpdatePriority implements update_priority.
func (eng *FetchEngine) UpdatePriority(id assetid.AssetId, p float32) {
	w := eng.lookup(id)
	if w == nil {
		return
	}
	if w.setPriority(p) {
		eng.runq.fix(w)
	}
}

// UpdateDesired implements update_desired.
func (eng *FetchEngine) UpdateDesired(id assetid.AssetId, discard int, size uint64) {
	w := eng.lookup(id)
	if w == nil {
		return
	}
	if w.setDesired(discard, size) {
		eng.runq.push(w)
	}
}

// DeleteRequest implements delete_request. When cancel is true the worker
// is marked cancelled, so it stops advancing and reports aborted. The
// worker is dropped from the worker map and run queue only if deleteOK()
// reports no outstanding I/O at the time of this call; a worker with I/O
// still in flight stays in the map and is not removed later.
func (eng *FetchEngine) DeleteRequest(id assetid.AssetId, cancel bool) {
	w := eng.lookup(id)
	if w == nil {
		return
	}
	if cancel {
		w.cancel()
	}
	if w.deleteOK() {
		eng.mu.Lock()
		delete(eng.workers, id)
		eng.mu.Unlock()
		eng.runq.remove(w)
	}
}

// PollFinished implements poll_finished.
func (eng *FetchEngine) PollFinished(id assetid.AssetId) (discard int, raw, aux []byte, status string) {
	w := eng.lookup(id)
	if w == nil {
		return 0, nil, nil, "aborted"
	}
	d, r, a, st := w.pollFinished()
	switch st {
	case pollDone:
		return d, r, a, "done"
	case pollAborted:
		return 0, nil, nil, "aborted"
	default:
		return 0, nil, nil, "not_ready"
	}
}

func (eng *FetchEngine) lookup(id assetid.AssetId) *FetchWorker {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	return eng.workers[id]
}

// resolveURL asks the (optional) region collaborator for a URL.
func (eng *FetchEngine) resolveURL(id assetid.AssetId, host string) (string, bool) {
	if eng.resolver == nil {
		return "", false
	}
	return eng.resolver.ResolveURL(id, host)
}

// classify assigns a capability class to a worker about to enter the HTTP
// queue. Approved (trusted, caller-granted HTTP) workers fill the two
// approved classes, split by immediacy; everything else round-robins
// across the two unapproved classes by sequence parity, matching the
// registry's own round-robin fairness for that tier. Called with w.mu held.
func (eng *FetchEngine) classify(w *FetchWorker) CapabilityClass {
	approved := w.canUseHTTP
	immediate := w.immediate
	seq := w.seq
	switch {
	case approved && immediate:
		return ClassApprovedHigh
	case approved:
		return ClassApprovedLow
	case seq%2 == 0:
		return ClassUnapprovedA
	default:
		return ClassUnapprovedB
	}
}

// enqueueHTTP puts w into its service's pending queue and immediately
// attempts to dispatch it (and, transitively, whatever else that service
// can now admit).
func (eng *FetchEngine) enqueueHTTP(name ServiceName, class CapabilityClass, w *FetchWorker) {
	q := eng.registry.instance(name)
	q.enqueue(w, class)
	q.addQueuedTo(eng, false)
}

// finishHTTP releases the bookkeeping acquired when w was admitted:
// the service queue's active slot, the registry reference taken by
// enqueueHTTP's instance() call, and the global HTTP slot. It then
// retries dispatch for this service (and transitively its peers).
func (eng *FetchEngine) finishHTTP(name ServiceName, class CapabilityClass) {
	q := eng.registry.instance(name)
	q.release(class)
	eng.registry.release(name) // pairs with enqueueHTTP's instance()
	eng.registry.release(name) // pairs with this call's own instance()

	eng.httpMu.Lock()
	eng.activeHTTP--
	eng.httpMu.Unlock()

	q.addQueuedTo(eng, false)
}

// tryAdmitHTTP implements httpMultiplexer for PerServiceQueue.addQueuedTo:
// the global HTTP concurrency/bandwidth admission rule from spec §5.
func (eng *FetchEngine) tryAdmitHTTP(w *FetchWorker) admitResult {
	eng.httpMu.Lock()
	admitted := eng.activeHTTP < eng.cfg.HTTPMaxRequests ||
		(eng.currentBW < eng.cfg.HTTPThrottleBandwidth && eng.activeHTTP > eng.cfg.HTTPMinRequests)
	if !admitted {
		eng.httpMu.Unlock()
		return admitThrottled
	}
	eng.activeHTTP++
	eng.httpMu.Unlock()

	w.mu.Lock()
	w.sendHTTPRequest(eng)
	return admitAccepted
}

// wake re-queues w onto the run-priority heap. Safe to call from any
// completion callback.
func (eng *FetchEngine) wake(w *FetchWorker) {
	eng.runq.push(w)
}

// enqueueUDP marks w as awaiting the next outbound UDP sweep.
func (eng *FetchEngine) enqueueUDP(w *FetchWorker) {
	eng.udpMu.Lock()
	defer eng.udpMu.Unlock()
	set, ok := eng.udpPending[w.host]
	if !ok {
		set = make(map[*FetchWorker]struct{})
		eng.udpPending[w.host] = set
	}
	set[w] = struct{}{}
}

// scheduleCancel records an asset id to be cancelled on host at the next
// sweep, used when inbound UDP validation fails (spec §4.4).
func (eng *FetchEngine) scheduleCancel(host string, id assetid.AssetId) {
	eng.udpMu.Lock()
	defer eng.udpMu.Unlock()
	eng.udpCancels[host] = append(eng.udpCancels[host], id)
}

// ReceiveImageHeader implements receive_image_header: inbound UDP fan-in.
func (eng *FetchEngine) ReceiveImageHeader(host string, id assetid.AssetId, codecTag uint32, totalPackets uint32, totalBytes uint64, payload []byte) {
	w := eng.lookup(id)
	if w == nil {
		eng.log.Debugln("receive_image_header: rejecting", id, "from", host, ":", ErrNoWorker)
		eng.scheduleCancel(host, id)
		return
	}
	if err := w.receiveHeader(codecTag, totalPackets, totalBytes, payload); err != nil {
		eng.log.Debugln("receive_image_header: rejecting", id, "from", host, ":", err)
		eng.scheduleCancel(host, id)
		return
	}
	eng.wake(w)
}

// ReceiveImagePacket implements receive_image_packet: inbound UDP fan-in.
func (eng *FetchEngine) ReceiveImagePacket(host string, id assetid.AssetId, packetNum uint32, payload []byte) {
	w := eng.lookup(id)
	if w == nil {
		eng.log.Debugln("receive_image_packet: rejecting", id, "from", host, ":", ErrNoWorker)
		eng.scheduleCancel(host, id)
		return
	}
	if err := w.receivePacket(packetNum, payload); err != nil {
		eng.log.Debugln("receive_image_packet: rejecting", id, "from", host, ":", err)
		eng.scheduleCancel(host, id)
		return
	}
	eng.wake(w)
}

// Tick implements FetchEngine.tick(): drain metrics, sweep outbound UDP,
// and advance ready workers in priority order. The caller (cmd/fetchd's
// main loop) calls this on its own schedule; Tick enforces the 0.10s
// network-sweep rate limit internally.
func (eng *FetchEngine) Tick() {
	eng.recordBandwidth(eng.registry.counters.drainHTTPBytes())
	eng.sweepHTTPTimeouts()

	now := time.Now()
	if now.Sub(eng.lastSweep) >= networkSweepInterval {
		eng.lastSweep = now
		eng.sweepUDP()
	}

	for {
		w := eng.runq.pop()
		if w == nil {
			break
		}
		w.advance(eng)
	}
}

// recordBandwidth stores the HTTP bytes accounted since the previous Tick,
// unsmoothed, as the figure tryAdmitHTTP's throttle check compares.
func (eng *FetchEngine) recordBandwidth(bytes uint64) {
	eng.httpMu.Lock()
	eng.currentBW = bytes
	eng.httpMu.Unlock()
	eng.adjustConcurrencyForPressure(bytes)
}

// adjustConcurrencyForPressure implements spec §4.2's "concurrency caps"
// operation, using the same raw per-tick byte count tryAdmitHTTP already
// compares against HTTPThrottleBandwidth: crossing the threshold nudges
// every service's concurrentLimit down by one, staying under it nudges it
// back up, clamped to [1, GlobalMaxLimit] by adjustConcurrentConnections.
func (eng *FetchEngine) adjustConcurrencyForPressure(bytes uint64) {
	if eng.cfg.HTTPThrottleBandwidth == 0 {
		return
	}
	if bytes > eng.cfg.HTTPThrottleBandwidth {
		eng.registry.adjustConcurrentConnections(-1)
	} else {
		eng.registry.adjustConcurrentConnections(1)
	}
}

// sweepUDP builds and sends outbound request/cancel batches (spec §4.4
// tick, §4.4 rate limiting). Workers whose assembler already reports
// have_all are skipped.
func (eng *FetchEngine) sweepUDP() {
	// Snapshot-and-swap, matching ServiceRegistry's own pattern, so the
	// sweep never ranges over a map a concurrent enqueueUDP is mutating.
	// Workers still needing a request are re-registered into the fresh
	// map below; they leave only once udpEligible reports the asset is
	// fully assembled, the worker is cancelled, or it has left
	// LoadFromNetwork/LoadFromSim.
	eng.udpMu.Lock()
	pending := eng.udpPending
	eng.udpPending = make(map[string]map[*FetchWorker]struct{})
	cancels := eng.udpCancels
	eng.udpCancels = make(map[string][]assetid.AssetId)
	eng.udpMu.Unlock()

	for host, set := range pending {
		var reqs []UDPRequest
		var still []*FetchWorker
		for w := range set {
			h, needs, nextPacket := w.udpEligible()
			if h == "" || !needs {
				continue
			}
			still = append(still, w)
			w.mu.Lock()
			req := UDPRequest{
				ID:         w.id,
				Discard:    w.desiredDiscard,
				Priority:   w.priority,
				NextPacket: nextPacket,
				ImageType:  0,
			}
			w.simRequestedDiscard = w.desiredDiscard
			w.simRequestSentAt = time.Now()
			w.mu.Unlock()
			reqs = append(reqs, req)
		}
		for _, w := range still {
			eng.enqueueUDP(w)
		}
		for len(reqs) > ImagesPerRequest {
			eng.sim.SendRequestBatch(host, reqs[:ImagesPerRequest])
			reqs = reqs[ImagesPerRequest:]
		}
		if len(reqs) > 0 {
			eng.sim.SendRequestBatch(host, reqs)
		}
	}

	for host, ids := range cancels {
		eng.sim.SendCancelBatch(host, ids)
	}
}

// sweepHTTPTimeouts moves any worker stuck in WaitHttp past its deadline to
// Done/aborted (spec §4.1 WaitHttp "On timeout (15s): go Done (fail)"; §7
// HttpTimeout is terminal). Called once per Tick so a transport that drops
// its completion callback can't wedge a worker forever.
func (eng *FetchEngine) sweepHTTPTimeouts() {
	eng.mu.Lock()
	workers := make([]*FetchWorker, 0, len(eng.workers))
	for _, w := range eng.workers {
		workers = append(workers, w)
	}
	eng.mu.Unlock()

	now := time.Now()
	for _, w := range workers {
		if w.expireHTTPTimeout(now) {
			eng.log.Debugln("http request for", w.id, ":", ErrHTTPTimeout)
		}
	}
}

// udpAvailable reports whether worker w has a usable UDP fallback path: a
// sim transport is configured and the worker has a host to address packets
// to.
func (eng *FetchEngine) udpAvailable(w *FetchWorker) bool {
	return eng.sim != nil && w.host != ""
}

// Snapshot reports coarse engine-wide counters for the control plane.
func (eng *FetchEngine) Snapshot() (workerCount int, queued, active int64, httpBytes uint64) {
	eng.mu.Lock()
	workerCount = len(eng.workers)
	eng.mu.Unlock()
	queued, active, httpBytes = eng.registry.counters.Snapshot()
	return
}

// Close stops accepting new work and waits for in-flight background
// callbacks registered via the engine's stopgroup to finish.
func (eng *FetchEngine) Close() error {
	eng.sg.Stop()
	return nil
}

// Blacklist exposes the engine's HostBlacklist so internal/fetchwal can
// mirror it durably and internal/fetchapi can report it.
func (eng *FetchEngine) Blacklist() *HostBlacklist {
	return eng.blacklist
}

// PriorityRecord is one (asset, priority) pair taken from a live worker,
// used by internal/fetchwal's periodic snapshot (spec SPEC_FULL §5).
type PriorityRecord struct {
	ID       assetid.AssetId
	Priority float32
}

// PrioritySnapshot reports the current priority of every live worker, for
// internal/fetchwal's periodic snapshot persistence.
func (eng *FetchEngine) PrioritySnapshot() []PriorityRecord {
	eng.mu.Lock()
	workers := make([]*FetchWorker, 0, len(eng.workers))
	for _, w := range eng.workers {
		workers = append(workers, w)
	}
	eng.mu.Unlock()

	out := make([]PriorityRecord, 0, len(workers))
	for _, w := range workers {
		w.mu.Lock()
		out = append(out, PriorityRecord{ID: w.id, Priority: w.priority})
		w.mu.Unlock()
	}
	return out
}

// RestorePriority re-applies a persisted priority snapshot to freshly
// created workers at fetchd startup, ahead of the UI/priority source
// re-issuing its own set_priority calls. Asset ids with no live worker
// yet are silently ignored -- the snapshot only accelerates re-priority
// for requests the caller is about to recreate.
func (eng *FetchEngine) RestorePriority(records []PriorityRecord) {
	for _, r := range records {
		eng.UpdatePriority(r.ID, r.Priority)
	}
}

// WorkerStatus reports the current state name and priority of the worker
// for id, for internal/fetchapi's status endpoint.
func (eng *FetchEngine) WorkerStatus(id assetid.AssetId) (state string, priority float32, ok bool) {
	w := eng.lookup(id)
	if w == nil {
		return "", 0, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.String(), w.priority, true
}

package fetch

import (
	"strings"
	"sync"
	"time"

	"gitlab.com/NebulousLabs/errors"

	"github.com/NebulousLabs/texturefetch/pkg/assetid"
)

// workerState is one node of the FetchWorker state machine (spec §4.1).
type workerState int

const (
	stateInit workerState = iota
	stateLoadFromCache
	stateCachePost
	stateLoadFromNetwork
	stateLoadFromSim
	stateSendHttp
	stateWaitHttp
	stateDecode
	stateWaitDecode
	stateWriteToCache
	stateWaitOnWrite
	stateDone
)

// String names a worker state for logs and the fetchapi status endpoint.
func (s workerState) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateLoadFromCache:
		return "load-from-cache"
	case stateCachePost:
		return "cache-post"
	case stateLoadFromNetwork:
		return "load-from-network"
	case stateLoadFromSim:
		return "load-from-sim"
	case stateSendHttp:
		return "send-http"
	case stateWaitHttp:
		return "wait-http"
	case stateDecode:
		return "decode"
	case stateWaitDecode:
		return "wait-decode"
	case stateWriteToCache:
		return "write-to-cache"
	case stateWaitOnWrite:
		return "wait-on-write"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

// sentRequestKind tracks which transport, if any, currently owns the
// outstanding request for a worker sitting in LoadFromNetwork/LoadFromSim.
type sentRequestKind int

const (
	sentNone sentRequestKind = iota
	sentHTTP
	sentSim
)

// pollStatus is poll_finished's non-payload outcome.
type pollStatus int

const (
	pollNotReady pollStatus = iota
	pollDone
	pollAborted
)

const (
	// priorityLowBitsScale turns a fractional image_priority into an
	// integer ordering key; HIGH_BIT (spec §4.1) sits above everything a
	// realistic priority*scale can reach.
	priorityLowBitsScale = 1 << 24
	priorityHighBit      = uint64(1) << 62
	// priorityRepriorityDelta is the 5% hysteresis band from spec §4.1's
	// set_priority: smaller deltas don't justify a heap re-sort.
	priorityRepriorityDelta = 0.05

	httpRetryCap = 3
	httpTimeout  = 15 * time.Second
	// http499Timeout is the 60s blacklist window spec §4.1 scopes to 499
	// specifically ("blacklist the host for 60s (499 only)").
	http499Timeout = 60 * time.Second
	// http404Timeout blacklists a 404-producing URL prefix more briefly
	// than a 499: a 404 means the asset itself is missing at this
	// endpoint, not that the endpoint is unreachable, so there is less
	// reason to hold the block as long.
	http404Timeout = 30 * time.Second
)

// FetchWorker drives one asset through the cache/network/decode pipeline
// (spec §4.1). All mutable state is guarded by mu; the engine never
// touches a worker's fields without holding it.
type FetchWorker struct {
	mu sync.Mutex

	id       assetid.AssetId
	host     string
	url      string
	priority float32
	immediate bool

	desiredDiscard int
	desiredSize    uint64
	canUseHTTP     bool
	needsAux       bool

	state workerState

	formattedBytes []byte
	assembler      *PacketAssembler

	fileSize      uint64
	fileSizeKnown bool
	haveAll       bool

	sentRequest   sentRequestKind
	httpPermitted bool
	simRequestedDiscard int
	simRequestSentAt    time.Time

	writeToCache bool // "can_write": the target says this asset should be cached at all
	shouldWrite  bool // computed per-attempt: this attempt's bytes should actually be written

	failureCount  int
	decodedDiscard int
	rawImage       []byte
	auxImage       []byte

	cacheWriteHandle    CacheWriteHandle
	cacheWriteOutstanding bool
	prioritizeNextWrite bool

	pendingIO  int
	cancelled  bool
	aborted    bool

	queueClass CapabilityClass
	svcName    ServiceName
	queued     bool

	seq uint64 // monotonic insertion order, used as the heap tie-break

	// httpDeadline is the wall-clock time at which an outstanding WaitHttp
	// request is considered timed out (spec §4.1 WaitHttp "On timeout
	// (15s): go Done (fail)"; §7 HttpTimeout is terminal). It is checked by
	// FetchEngine.sweepHTTPTimeouts, called from Tick, rather than by a
	// per-worker timer goroutine.
	httpDeadline time.Time

	// heapIndex is maintained by the engine's run-priority heap only; it
	// is never touched under w.mu.
	heapIndex int
}

// newFetchWorker creates a worker in Init, matching spec §4.1's create().
func newFetchWorker(id assetid.AssetId, url, host string, priority float32, immediate bool, desiredDiscard int, desiredSize uint64, canUseHTTP bool, needsAux bool, seq uint64) *FetchWorker {
	return &FetchWorker{
		id:             id,
		url:            url,
		host:           host,
		priority:       priority,
		immediate:      immediate,
		desiredDiscard: desiredDiscard,
		desiredSize:    desiredSize,
		canUseHTTP:     canUseHTTP,
		httpPermitted:  canUseHTTP,
		needsAux:       needsAux,
		writeToCache:   true,
		state:          stateInit,
		seq:            seq,
		heapIndex:      -1,
	}
}

// priorityKey computes the work-priority integer from spec §4.1: "image
// priority × LOW_BITS_SCALE | HIGH_BIT if immediate". Ties in the engine's
// run queue are broken by seq (assigned at creation, monotonically
// increasing), a deterministic stand-in for the spec's pointer-identity
// tie-break.
func (w *FetchWorker) priorityKey() uint64 {
	scaled := uint64(w.priority * priorityLowBitsScale)
	if w.immediate {
		scaled |= priorityHighBit
	}
	return scaled
}

// setPriority updates the worker's priority. The caller (FetchEngine) is
// responsible for re-sorting the run queue when this returns true.
func (w *FetchWorker) setPriority(p float32) (reSort bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	old := w.priority
	delta := p - old
	if delta < 0 {
		delta = -delta
	}
	significant := old == 0 || delta/absFloat32(old) > priorityRepriorityDelta
	w.priority = p
	if significant || w.state == stateDone {
		return true
	}
	return false
}

func absFloat32(f float32) float32 {
	if f < 0 {
		return -f
	}
	return f
}

// setDesired updates the desired discard/size. If discard tightens while a
// cache write is outstanding, the next write is prioritized. If the worker
// is Done and the caller wants finer detail than was last decoded, it
// re-enters the pipeline from Init.
func (w *FetchWorker) setDesired(discard int, size uint64) (reenter bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	prioritize := discard < w.desiredDiscard
	if size > w.desiredSize {
		w.desiredSize = size
	}
	w.desiredDiscard = discard
	if prioritize && w.cacheWriteOutstanding {
		w.prioritizeNextWrite = true
	}
	if w.state == stateDone && discard < w.decodedDiscard {
		w.state = stateInit
		return true
	}
	return false
}

// cancel marks the worker for abandonment. It is actually removed from the
// engine only once deleteOK() reports no outstanding I/O.
func (w *FetchWorker) cancel() {
	w.mu.Lock()
	w.cancelled = true
	w.mu.Unlock()
}

// deleteOK reports whether the worker can be safely dropped from the
// engine's map: no outstanding cache/decode/HTTP handle is pending (spec
// §5 cancellation rules).
func (w *FetchWorker) deleteOK() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pendingIO == 0
}

// pollFinished implements FetchEngine.poll_finished for a single worker.
func (w *FetchWorker) pollFinished() (discard int, raw, aux []byte, status pollStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled || w.aborted {
		return 0, nil, nil, pollAborted
	}
	if w.state != stateDone {
		return 0, nil, nil, pollNotReady
	}
	return w.decodedDiscard, w.rawImage, w.auxImage, pollDone
}

// resetAttempt clears per-attempt scratch state, performed on every
// Init → LoadFromCache transition (spec §4.1).
func (w *FetchWorker) resetAttempt() {
	w.formattedBytes = nil
	w.assembler = NewPacketAssembler()
	w.sentRequest = sentNone
	w.fileSizeKnown = false
	w.fileSize = 0
	w.haveAll = false
	w.shouldWrite = false
}

// advance runs one synchronous step of the state machine, possibly issuing
// an asynchronous collaborator call before returning. When it issues one,
// the corresponding completion callback calls eng.wake(w) to re-queue the
// worker once the call lands. advance never blocks.
func (w *FetchWorker) advance(eng *FetchEngine) {
	w.mu.Lock()
	if w.cancelled && w.pendingIO == 0 && w.state != stateWaitOnWrite {
		w.state = stateDone
		w.aborted = true
		w.mu.Unlock()
		eng.log.Debugln("fetch for", w.id, ":", ErrCancelled)
		return
	}

	switch w.state {
	case stateInit:
		if eng.blacklist.Denied(w.staticBlacklistKey()) {
			w.state = stateDone
			w.aborted = true
			w.mu.Unlock()
			return
		}
		w.resetAttempt()
		w.state = stateLoadFromCache
		w.mu.Unlock()
		w.beginCacheRead(eng)
		return

	case stateCachePost:
		w.advanceCachePost(eng)
		return

	case stateLoadFromNetwork:
		w.advanceLoadFromNetwork(eng)
		return

	case stateLoadFromSim:
		w.advanceLoadFromSim(eng)
		return

	case stateDecode:
		w.advanceDecode(eng)
		return

	case stateWriteToCache:
		w.advanceWriteToCache(eng)
		return

	default:
		// LoadFromCache, WaitHttp, WaitDecode, WaitOnWrite are pure
		// suspension points (spec §5): nothing to do until their
		// completion callback fires.
		w.mu.Unlock()
		return
	}
}

// staticBlacklistKey is the URL prefix checked against the static
// blacklist on entry to the pipeline; workers without a URL yet (pure UDP
// fetches) never match any prefix.
func (w *FetchWorker) staticBlacklistKey() string {
	if w.url == "" {
		return ""
	}
	return w.url
}

// beginCacheRead issues BlobCache.read for the next unread chunk. Called
// with the lock released.
func (w *FetchWorker) beginCacheRead(eng *FetchEngine) {
	w.mu.Lock()
	offset := uint64(len(w.formattedBytes))
	if offset >= w.desiredSize {
		w.state = stateCachePost
		w.mu.Unlock()
		eng.wake(w)
		return
	}
	size := w.desiredSize - offset
	w.pendingIO++
	w.mu.Unlock()

	if eng.sg.Add() != nil {
		w.mu.Lock()
		w.pendingIO--
		w.state = stateDone
		w.aborted = true
		w.mu.Unlock()
		return
	}

	// A file:// URL is served by the same BlobCache collaborator as a
	// regular cache hit: the caller wiring a BlobCache in front of local
	// disk is what the spec means by "read from that file instead" --
	// there is no separate filesystem path in this core.
	eng.cache.Read(w.id, offset, size, func(data []byte, found bool, err error) {
		defer eng.sg.Done()
		w.mu.Lock()
		w.pendingIO--
		id := w.id
		if err == nil && found {
			w.formattedBytes = append(w.formattedBytes, data...)
		}
		w.state = stateCachePost
		w.mu.Unlock()
		if err == nil && !found {
			eng.log.Debugln("cache read for", id, ":", ErrNotInCache)
		}
		eng.wake(w)
	})
}

// advanceCachePost implements the CachePost decision point.
func (w *FetchWorker) advanceCachePost(eng *FetchEngine) {
	haveEnough := uint64(len(w.formattedBytes)) >= w.desiredSize || w.haveAll
	isFile := strings.HasPrefix(w.url, "file://")
	switch {
	case haveEnough:
		w.shouldWrite = false
		w.state = stateDecode
		w.mu.Unlock()
		eng.wake(w)
	case isFile:
		w.state = stateDone
		w.aborted = true
		w.mu.Unlock()
	default:
		w.state = stateLoadFromNetwork
		w.mu.Unlock()
		eng.wake(w)
	}
}

// advanceLoadFromNetwork implements the LoadFromNetwork branch.
func (w *FetchWorker) advanceLoadFromNetwork(eng *FetchEngine) {
	if w.httpPermitted && w.url == "" {
		if url, ok := eng.resolveURL(w.id, w.host); ok {
			w.url = url
		}
	}
	if w.url != "" && eng.blacklist.Denied(w.url) {
		w.httpPermitted = false
	}

	switch {
	case w.httpPermitted && w.url != "":
		w.shouldWrite = w.writeToCache
		w.state = stateSendHttp
		name := serviceNameForURL(w.url)
		class := eng.classify(w)
		w.svcName = name
		w.queueClass = class
		w.queued = true
		w.mu.Unlock()
		eng.enqueueHTTP(name, class, w)
	case w.sentRequest != sentSim:
		w.shouldWrite = w.writeToCache
		w.sentRequest = sentSim
		w.mu.Unlock()
		eng.enqueueUDP(w)
	default:
		// Stall: waiting on an HTTP URL, a blacklist expiry, or the UDP
		// fan-in to deliver a header/packet.
		w.mu.Unlock()
	}
}

// advanceLoadFromSim processes newly-arrived UDP bytes. It is called by
// advance() while the state is LoadFromSim; the engine's
// ReceiveImagePacket/ReceiveImageHeader handlers hand data to the
// assembler and then only wake the worker.
func (w *FetchWorker) advanceLoadFromSim(eng *FetchEngine) {
	if w.assembler == nil {
		w.mu.Unlock()
		return
	}
	data, ok := w.assembler.deliverablePrefix(w.desiredSize)
	if !ok {
		w.mu.Unlock()
		return
	}
	w.formattedBytes = data
	w.haveAll = w.assembler.haveAllPackets()
	w.shouldWrite = w.writeToCache
	w.state = stateDecode
	w.mu.Unlock()
	eng.wake(w)
}

// sendHTTPRequest issues the GET for a worker the engine's HTTP
// multiplexer just admitted (spec §4.1 SendHttp). Called with w.mu held;
// it releases the lock before returning.
func (w *FetchWorker) sendHTTPRequest(eng *FetchEngine) {
	curSize := uint64(len(w.formattedBytes))
	requested := w.desiredSize - curSize
	offset := curSize
	size := requested
	if curSize > 0 {
		offset--
		size++
	}
	rng := HTTPRange{Offset: offset, Size: size, Set: offset > 0 || size > 0}
	url := w.url
	w.httpDeadline = time.Now().Add(httpTimeout)
	w.pendingIO++
	w.state = stateWaitHttp
	w.queued = false
	w.mu.Unlock()

	if eng.sg.Add() != nil {
		w.mu.Lock()
		w.pendingIO--
		w.state = stateDone
		w.aborted = true
		svcName, class := w.svcName, w.queueClass
		w.mu.Unlock()
		eng.finishHTTP(svcName, class)
		return
	}

	eng.http.Get(url, rng, func(status int, reason string, body []byte, err error) {
		defer eng.sg.Done()
		w.handleHTTPResponse(eng, status, reason, body, err)
	})
}

// expireHTTPTimeout moves the worker to Done/aborted if it is still waiting
// on an HTTP response past httpDeadline. Called by
// FetchEngine.sweepHTTPTimeouts once per Tick; a worker that isn't in
// WaitHttp, or has no deadline set, or hasn't yet reached it, is untouched.
func (w *FetchWorker) expireHTTPTimeout(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateWaitHttp || w.httpDeadline.IsZero() || now.Before(w.httpDeadline) {
		return false
	}
	w.state = stateDone
	w.aborted = true
	return true
}

// handleHTTPResponse implements the WaitHttp outcomes (spec §4.1). It
// always frees the worker's active HTTP slot via eng.finishHTTP, and
// re-enters the per-service queue (rather than retrying directly) when a
// retry is called for, so the retry attempt is still subject to fair
// dispatch.
func (w *FetchWorker) handleHTTPResponse(eng *FetchEngine, status int, reason string, body []byte, err error) {
	w.mu.Lock()
	w.pendingIO--
	eng.registry.counters.addHTTPBytes(uint64(len(body)))
	svcName, class := w.svcName, w.queueClass
	id := w.id

	if w.state != stateWaitHttp {
		// expireHTTPTimeout (or a cancel) already moved this worker on;
		// the slot still needs releasing but the response itself is
		// stale and must not touch worker state.
		w.mu.Unlock()
		eng.finishHTTP(svcName, class)
		return
	}

	switch {
	case err == nil && status >= 200 && status < 300:
		w.appendHTTPBody(body)
		w.shouldWrite = w.writeToCache
		w.state = stateDecode
		w.mu.Unlock()
		eng.finishHTTP(svcName, class)
		eng.wake(w)

	case status == 404 || status == 499:
		sentinel := ErrHTTPNotFound
		timeout := http404Timeout
		if status == 499 {
			sentinel = ErrHTTPUnreachable
			timeout = http499Timeout
		}
		eng.blacklist.Add(w.url, timeout, reason)
		if !eng.udpAvailable(w) {
			w.state = stateDone
			w.aborted = true
			w.mu.Unlock()
			eng.log.Debugln("http response for", id, ":", sentinel)
			eng.finishHTTP(svcName, class)
			return
		}
		w.httpPermitted = false
		w.formattedBytes = nil
		w.state = stateInit
		w.mu.Unlock()
		eng.log.Debugln("http response for", id, ":", sentinel, "- falling back to udp")
		eng.finishHTTP(svcName, class)
		eng.wake(w)

	case status == 503:
		w.failureCount++
		eng.log.Debugln("http response for", id, ":", ErrHTTPBusy)
		w.requeueHTTPLocked(eng, svcName, class)

	default:
		w.failureCount++
		if w.failureCount >= httpRetryCap {
			if len(w.formattedBytes) > 0 {
				w.state = stateDecode
				w.mu.Unlock()
				eng.log.Debugln("http retries exhausted for", id, ":", ErrHTTPOther, "- decoding what was received")
				eng.finishHTTP(svcName, class)
				eng.wake(w)
				return
			}
			if eng.udpAvailable(w) {
				w.httpPermitted = false
				w.formattedBytes = nil
				w.state = stateInit
				w.mu.Unlock()
				eng.log.Debugln("http retries exhausted for", id, ":", ErrHTTPOther, "- falling back to udp")
				eng.finishHTTP(svcName, class)
				eng.wake(w)
				return
			}
			w.state = stateDone
			w.aborted = true
			w.mu.Unlock()
			eng.log.Debugln("http retries exhausted for", id, ":", ErrHTTPOther)
			eng.finishHTTP(svcName, class)
			return
		}
		w.requeueHTTPLocked(eng, svcName, class)
	}
}

// requeueHTTPLocked re-enters the per-service queue for another dispatch
// attempt. Called with w.mu held; releases it before returning.
func (w *FetchWorker) requeueHTTPLocked(eng *FetchEngine, svcName ServiceName, class CapabilityClass) {
	w.state = stateSendHttp
	w.queued = true
	w.mu.Unlock()
	eng.finishHTTP(svcName, class)
	eng.enqueueHTTP(svcName, class, w)
}

// appendHTTPBody reconciles an HTTP response body with any bytes already
// buffered, skipping overlap bytes the offset-decrement trick (spec
// §4.1 SendHttp) introduces.
func (w *FetchWorker) appendHTTPBody(body []byte) {
	cur := len(w.formattedBytes)
	if cur > 0 && len(body) > 0 {
		body = body[1:]
	}
	w.formattedBytes = append(w.formattedBytes, body...)
	w.fileSize = uint64(len(w.formattedBytes))
	w.fileSizeKnown = true
}

// advanceDecode submits the buffered bytes to the codec.
func (w *FetchWorker) advanceDecode(eng *FetchEngine) {
	formatted := append([]byte(nil), w.formattedBytes...)
	target := w.desiredDiscard
	needAux := w.needsAux
	w.pendingIO++
	w.state = stateWaitDecode
	w.mu.Unlock()

	if eng.sg.Add() != nil {
		w.mu.Lock()
		w.pendingIO--
		w.state = stateDone
		w.aborted = true
		w.mu.Unlock()
		return
	}
	defer eng.sg.Done()

	raw, aux, discard, err := eng.codec.Decode(formatted, target, needAux)
	w.handleDecodeResult(eng, raw, aux, discard, err)
}

// handleDecodeResult implements the WaitDecode outcomes.
func (w *FetchWorker) handleDecodeResult(eng *FetchEngine, raw, aux []byte, discard int, err error) {
	w.mu.Lock()
	w.pendingIO--
	switch {
	case err == nil:
		w.decodedDiscard = discard
		w.rawImage = raw
		w.auxImage = aux
		w.state = stateWriteToCache
		w.mu.Unlock()
		eng.wake(w)
	case !w.shouldWrite && w.failureCount == 0:
		// Bytes came straight from the cache and decoding failed: the
		// cached copy is corrupt. Evict and retry once from network.
		w.failureCount++
		id := w.id
		eng.cache.Remove(w.id)
		w.state = stateInit
		w.mu.Unlock()
		eng.log.Debugln("decode for", id, ":", ErrCacheCorrupt)
		eng.wake(w)
	default:
		id := w.id
		w.state = stateDone
		w.aborted = true
		w.mu.Unlock()
		eng.log.Debugln("decode for", id, ":", ErrDecodeFailed)
	}
}

// advanceWriteToCache implements the WriteToCache decision and submission.
func (w *FetchWorker) advanceWriteToCache(eng *FetchEngine) {
	if !w.shouldWrite || len(w.formattedBytes) == 0 {
		w.state = stateDone
		w.mu.Unlock()
		return
	}
	fileSize := w.fileSize
	if !w.fileSizeKnown {
		fileSize = uint64(len(w.formattedBytes)) + 1
	}
	data := append([]byte(nil), w.formattedBytes...)
	w.pendingIO++
	w.cacheWriteOutstanding = true
	w.state = stateWaitOnWrite
	w.mu.Unlock()

	if eng.sg.Add() != nil {
		w.mu.Lock()
		w.pendingIO--
		w.cacheWriteOutstanding = false
		w.state = stateDone
		w.mu.Unlock()
		return
	}

	handle := eng.cache.Write(w.id, data, fileSize, func(err error) {
		defer eng.sg.Done()
		w.mu.Lock()
		w.pendingIO--
		w.cacheWriteOutstanding = false
		w.state = stateDone
		w.mu.Unlock()
		eng.wake(w)
	})
	w.mu.Lock()
	w.cacheWriteHandle = handle
	if w.prioritizeNextWrite {
		w.prioritizeNextWrite = false
		w.mu.Unlock()
		eng.cache.PrioritizeWrite(handle)
		return
	}
	w.mu.Unlock()
}

// receiveHeader hands an inbound UDP header packet to the assembler,
// validating the worker is in the expected state (spec §4.3).
func (w *FetchWorker) receiveHeader(codecTag uint32, totalPackets uint32, totalBytes uint64, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateLoadFromNetwork || w.sentRequest != sentSim {
		return errors.AddContext(ErrProtocolViolation, "header received outside LoadFromNetwork/SENT_SIM")
	}
	if w.assembler == nil {
		w.assembler = NewPacketAssembler()
	}
	if err := w.assembler.insertHeader(codecTag, totalPackets, totalBytes, payload); err != nil {
		return err
	}
	w.state = stateLoadFromSim
	return nil
}

// receivePacket hands an inbound UDP data packet to the assembler.
func (w *FetchWorker) receivePacket(index uint32, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateLoadFromSim || w.assembler == nil {
		return errors.AddContext(ErrProtocolViolation, "data packet outside LoadFromSim")
	}
	if len(payload) == 0 {
		return errors.AddContext(ErrProtocolViolation, "empty payload")
	}
	return w.assembler.insert(index, payload)
}

// udpEligible reports whether this worker currently belongs in an outbound
// UDP request batch (spec §4.4 tick()).
func (w *FetchWorker) udpEligible() (host string, needsRequest bool, nextPacket uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled || (w.state != stateLoadFromNetwork && w.state != stateLoadFromSim) {
		return "", false, 0
	}
	if w.assembler != nil && w.assembler.haveAllPackets() {
		return "", false, 0
	}
	return w.host, true, w.nextPacketLocked()
}

func (w *FetchWorker) nextPacketLocked() uint32 {
	pa := w.assembler
	if pa == nil {
		return 0
	}
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if !pa.headerReceived {
		return 0
	}
	return uint32(pa.lastPacket + 1)
}

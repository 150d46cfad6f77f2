package fetch

import (
	"testing"

	"gitlab.com/NebulousLabs/errors"

	"github.com/NebulousLabs/texturefetch/pkg/assetid"
	"github.com/NebulousLabs/texturefetch/pkg/fetch/log"
)

// fakeCodec is a minimal, synchronous Codec stand-in for unit tests that
// exercise FetchWorker's decode transition directly without a full engine.
type fakeCodec struct {
	err error
}

func (c *fakeCodec) Decode(formatted []byte, targetDiscard int, needAux bool) ([]byte, []byte, int, error) {
	if c.err != nil {
		return nil, nil, 0, c.err
	}
	return formatted, nil, targetDiscard, nil
}

func (c *fakeCodec) SizeFor(width, height, components uint32, discard int) uint64 {
	return uint64(width) * uint64(height) * uint64(components)
}

// fakeCache is a minimal synchronous BlobCache stand-in that records Remove
// calls; Read always reports absent and Write always succeeds immediately.
type fakeCache struct {
	removed []assetid.AssetId
}

func (c *fakeCache) Read(id assetid.AssetId, offset, size uint64, complete func(data []byte, found bool, err error)) {
	complete(nil, false, nil)
}

func (c *fakeCache) Write(id assetid.AssetId, data []byte, fileSize uint64, complete func(err error)) CacheWriteHandle {
	complete(nil)
	return 1
}

func (c *fakeCache) Remove(id assetid.AssetId) {
	c.removed = append(c.removed, id)
}

func (c *fakeCache) PrioritizeWrite(handle CacheWriteHandle) {}

type fakeHTTP struct{}

func (h *fakeHTTP) Get(url string, rng HTTPRange, complete func(status int, reason string, body []byte, err error)) {
	complete(500, "Internal Server Error", nil, nil)
}

type fakeSim struct{}

func (s *fakeSim) SendRequestBatch(host string, reqs []UDPRequest)    {}
func (s *fakeSim) SendCancelBatch(host string, ids []assetid.AssetId) {}

func newTestEngine(codec Codec, cache BlobCache) *FetchEngine {
	return NewFetchEngine(codec, cache, &fakeHTTP{}, &fakeSim{}, nil, log.New(false), EngineConfig{})
}

// TestSetPriorityHysteresis verifies the 5% hysteresis band from spec §4.1
// set_priority: small deltas don't trigger a re-sort, large ones do, and a
// Done worker always re-sorts regardless of delta (so it can be noticed for
// re-entry consideration).
func TestSetPriorityHysteresis(t *testing.T) {
	w := newFetchWorker(assetid.New(), "", "host", 1.0, false, 0, 0, false, false, 1)

	if got := w.setPriority(1.03); got {
		t.Fatalf("expected a 3%% delta to not trigger a re-sort")
	}
	if got := w.setPriority(1.10); !got {
		t.Fatalf("expected a >5%% delta from the updated priority to trigger a re-sort")
	}

	w.mu.Lock()
	w.state = stateDone
	w.mu.Unlock()
	if got := w.setPriority(1.11); !got {
		t.Fatalf("expected a Done worker to always re-sort on set_priority")
	}
}

// TestSetDesiredReentersFromDone covers spec §4.1's Done -> Init rule: a
// set_desired asking for a strictly finer discard than what was last
// decoded re-enters the pipeline; asking for the same or coarser does not.
func TestSetDesiredReentersFromDone(t *testing.T) {
	w := newFetchWorker(assetid.New(), "", "host", 1, false, 3, 100, false, false, 1)
	w.mu.Lock()
	w.state = stateDone
	w.decodedDiscard = 3
	w.mu.Unlock()

	if reenter := w.setDesired(5, 50); reenter {
		t.Fatalf("expected a coarser desired discard to not re-enter")
	}
	w.mu.Lock()
	if w.state != stateDone {
		t.Fatalf("expected worker to remain Done after a coarser set_desired")
	}
	w.mu.Unlock()

	if reenter := w.setDesired(1, 200); !reenter {
		t.Fatalf("expected a finer desired discard to re-enter from Done")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateInit {
		t.Fatalf("expected worker to re-enter at Init, got %v", w.state)
	}
	if w.desiredDiscard != 1 || w.desiredSize != 200 {
		t.Fatalf("expected desired discard/size updated, got %d/%d", w.desiredDiscard, w.desiredSize)
	}
}

// TestSetDesiredRaisesSizeNeverLowers checks that desired_size only ever
// increases via set_desired (spec §4.1: "if new desired_size > current,
// raise it").
func TestSetDesiredRaisesSizeNeverLowers(t *testing.T) {
	w := newFetchWorker(assetid.New(), "", "host", 1, false, 3, 500, false, false, 1)
	w.setDesired(3, 100)
	w.mu.Lock()
	size := w.desiredSize
	w.mu.Unlock()
	if size != 500 {
		t.Fatalf("expected desired_size to stay at 500 (shrinking not allowed), got %d", size)
	}

	w.setDesired(3, 900)
	w.mu.Lock()
	size = w.desiredSize
	w.mu.Unlock()
	if size != 900 {
		t.Fatalf("expected desired_size raised to 900, got %d", size)
	}
}

// TestCancelDeleteOK covers the cancellation-drain rule from spec §5:
// a cancelled worker can only be deleted once no I/O is outstanding.
func TestCancelDeleteOK(t *testing.T) {
	w := newFetchWorker(assetid.New(), "", "host", 1, false, 0, 0, false, false, 1)
	w.mu.Lock()
	w.pendingIO = 1
	w.mu.Unlock()
	w.cancel()

	if w.deleteOK() {
		t.Fatalf("expected deleteOK to report false while I/O is outstanding")
	}

	w.mu.Lock()
	w.pendingIO = 0
	w.mu.Unlock()
	if !w.deleteOK() {
		t.Fatalf("expected deleteOK to report true once I/O has drained")
	}
}

// TestAppendHTTPBodyOverlapSkip covers the realignment spec §4.1's SendHttp
// describes: the offset-decrement/size-increment trick means a non-initial
// response carries one byte of overlap with what's already held, which
// appendHTTPBody must skip.
func TestAppendHTTPBodyOverlapSkip(t *testing.T) {
	w := newFetchWorker(assetid.New(), "", "host", 1, false, 0, 0, false, false, 1)
	w.mu.Lock()
	w.formattedBytes = make([]byte, 90)
	body := make([]byte, 201)
	w.appendHTTPBody(body)
	got := len(w.formattedBytes)
	fileSize := w.fileSize
	known := w.fileSizeKnown
	w.mu.Unlock()

	if want := 90 + 201 - 1; got != want {
		t.Fatalf("expected buffer length %d after overlap skip, got %d", want, got)
	}
	if !known || fileSize != uint64(got) {
		t.Fatalf("expected file size known and set to buffer length, got known=%v size=%d", known, fileSize)
	}
}

// TestAppendHTTPBodyNoOverlapOnFirstResponse covers the first response for
// a worker with nothing buffered yet: there is no overlap byte to skip.
func TestAppendHTTPBodyNoOverlapOnFirstResponse(t *testing.T) {
	w := newFetchWorker(assetid.New(), "", "host", 1, false, 0, 0, false, false, 1)
	w.mu.Lock()
	body := make([]byte, 128)
	w.appendHTTPBody(body)
	got := len(w.formattedBytes)
	w.mu.Unlock()

	if got != 128 {
		t.Fatalf("expected no overlap skip on the first response, got length %d", got)
	}
}

// TestDecodeFailureRetriesOnceThenTerminal covers spec §4.1 WaitDecode: a
// decode failure on bytes that came straight from the cache (shouldWrite ==
// false) and with no prior retry evicts the cache entry and loops back to
// Init; a second consecutive failure is terminal (Done, aborted).
func TestDecodeFailureRetriesOnceThenTerminal(t *testing.T) {
	id := assetid.New()
	codec := &fakeCodec{err: errors.New("bad codestream")}
	cache := &fakeCache{}
	eng := newTestEngine(codec, cache)

	w := newFetchWorker(id, "", "host", 1, false, 0, 0, false, false, 1)
	w.formattedBytes = []byte{1, 2, 3}
	w.shouldWrite = false

	w.mu.Lock()
	w.advanceDecode(eng)

	w.mu.Lock()
	if w.state != stateInit {
		t.Fatalf("expected first decode failure on cached bytes to loop back to Init, got %v", w.state)
	}
	if w.failureCount != 1 {
		t.Fatalf("expected failureCount 1 after first failure, got %d", w.failureCount)
	}
	if len(cache.removed) != 1 || cache.removed[0] != id {
		t.Fatalf("expected the corrupt cache entry evicted, got %+v", cache.removed)
	}
	w.formattedBytes = []byte{4, 5, 6}
	w.advanceDecode(eng)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateDone || !w.aborted {
		t.Fatalf("expected second consecutive decode failure to be terminal, got state=%v aborted=%v", w.state, w.aborted)
	}
	if len(cache.removed) != 1 {
		t.Fatalf("expected no second cache eviction on the terminal failure, got %+v", cache.removed)
	}
}

// TestDecodeSuccessMovesToWriteToCache covers the success branch of
// WaitDecode.
func TestDecodeSuccessMovesToWriteToCache(t *testing.T) {
	codec := &fakeCodec{}
	cache := &fakeCache{}
	eng := newTestEngine(codec, cache)

	w := newFetchWorker(assetid.New(), "", "host", 1, false, 2, 0, false, false, 1)
	w.formattedBytes = []byte{9, 9, 9}

	w.mu.Lock()
	w.advanceDecode(eng)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateWriteToCache {
		t.Fatalf("expected successful decode to move to WriteToCache, got %v", w.state)
	}
	if w.decodedDiscard != 2 {
		t.Fatalf("expected decodedDiscard 2, got %d", w.decodedDiscard)
	}
	if string(w.rawImage) != string([]byte{9, 9, 9}) {
		t.Fatalf("expected raw image to be the formatted bytes echoed back")
	}
}

// TestPollFinishedReportsAbortedAfterCancel covers poll_finished's aborted
// outcome (spec §4.1 output, §7 user-visible behavior).
func TestPollFinishedReportsAbortedAfterCancel(t *testing.T) {
	w := newFetchWorker(assetid.New(), "", "host", 1, false, 0, 0, false, false, 1)
	w.cancel()

	_, raw, aux, status := w.pollFinished()
	if status != pollAborted {
		t.Fatalf("expected pollAborted after cancel, got %v", status)
	}
	if raw != nil || aux != nil {
		t.Fatalf("expected no image data on an aborted poll")
	}
}

// TestPollFinishedNotReadyBeforeDone covers the not_ready outcome for any
// in-flight state.
func TestPollFinishedNotReadyBeforeDone(t *testing.T) {
	w := newFetchWorker(assetid.New(), "", "host", 1, false, 0, 0, false, false, 1)
	_, _, _, status := w.pollFinished()
	if status != pollNotReady {
		t.Fatalf("expected pollNotReady before Done, got %v", status)
	}
}

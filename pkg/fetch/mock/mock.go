// Package mock provides in-memory fakes of the fetch package's four
// external collaborator interfaces (Codec, BlobCache, HTTPTransport,
// SimTransport), for use in fetch's own tests and by callers exercising
// the engine without a real cache/decoder/transport stack.
package mock

import (
	"sync"

	"github.com/NebulousLabs/texturefetch/pkg/assetid"
	"github.com/NebulousLabs/texturefetch/pkg/fetch"
)

// Codec is a deterministic stand-in decoder: it "succeeds" once formatted
// reaches FailBelow bytes (or always, if FailBelow is zero), returning the
// formatted bytes back as the raw image and reporting TargetDiscard as the
// decoded discard actually achieved.
type Codec struct {
	mu        sync.Mutex
	FailBelow int
	SizeTable map[int]uint64 // keyed by discard
	DecodeErr error
}

// NewCodec returns a Codec that always succeeds.
func NewCodec() *Codec {
	return &Codec{SizeTable: make(map[int]uint64)}
}

func (c *Codec) Decode(formatted []byte, targetDiscard int, needAux bool) ([]byte, []byte, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DecodeErr != nil {
		return nil, nil, 0, c.DecodeErr
	}
	if c.FailBelow > 0 && len(formatted) < c.FailBelow {
		return nil, nil, 0, assetErr("insufficient data to decode")
	}
	raw := append([]byte(nil), formatted...)
	var aux []byte
	if needAux {
		aux = []byte{0xA0}
	}
	return raw, aux, targetDiscard, nil
}

func (c *Codec) SizeFor(width, height, components uint32, discard int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.SizeTable[discard]; ok {
		return n
	}
	return uint64(width*height*components) >> uint(discard)
}

func assetErr(msg string) error { return simpleError(msg) }

type simpleError string

func (e simpleError) Error() string { return string(e) }

// BlobCache is an in-memory cache keyed by AssetId. Callbacks are invoked
// synchronously, inline, matching the simplest legal implementation of the
// async interface.
type BlobCache struct {
	mu       sync.Mutex
	data     map[assetid.AssetId][]byte
	sizes    map[assetid.AssetId]uint64
	nextH    fetch.CacheWriteHandle
	Prioritized []fetch.CacheWriteHandle
	Writes      []WriteLog
}

// WriteLog records one completed BlobCache.Write call, for assertions.
type WriteLog struct {
	ID       assetid.AssetId
	Len      int
	FileSize uint64
}

// NewBlobCache returns an empty cache; use Seed to preload entries.
func NewBlobCache() *BlobCache {
	return &BlobCache{
		data:  make(map[assetid.AssetId][]byte),
		sizes: make(map[assetid.AssetId]uint64),
	}
}

// Seed preloads id with data as if a prior Write had completed.
func (c *BlobCache) Seed(id assetid.AssetId, data []byte, fileSize uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[id] = append([]byte(nil), data...)
	c.sizes[id] = fileSize
}

func (c *BlobCache) Read(id assetid.AssetId, offset, size uint64, complete func(data []byte, found bool, err error)) {
	c.mu.Lock()
	full, ok := c.data[id]
	c.mu.Unlock()
	if !ok {
		complete(nil, false, nil)
		return
	}
	if offset >= uint64(len(full)) {
		complete(nil, true, nil)
		return
	}
	end := offset + size
	if end > uint64(len(full)) {
		end = uint64(len(full))
	}
	complete(full[offset:end], true, nil)
}

func (c *BlobCache) Write(id assetid.AssetId, data []byte, fileSize uint64, complete func(err error)) fetch.CacheWriteHandle {
	c.mu.Lock()
	c.data[id] = append([]byte(nil), data...)
	c.sizes[id] = fileSize
	c.nextH++
	h := c.nextH
	c.Writes = append(c.Writes, WriteLog{ID: id, Len: len(data), FileSize: fileSize})
	c.mu.Unlock()
	complete(nil)
	return h
}

// Contains reports whether id has any stored bytes, for test assertions.
func (c *BlobCache) Contains(id assetid.AssetId) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[id]
	return ok
}

func (c *BlobCache) Remove(id assetid.AssetId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, id)
	delete(c.sizes, id)
}

func (c *BlobCache) PrioritizeWrite(handle fetch.CacheWriteHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Prioritized = append(c.Prioritized, handle)
}

// HTTPTransport is a scripted HTTP fake: each call to Get pops the next
// entry from Responses (or returns a 500 if exhausted).
type HTTPTransport struct {
	mu        sync.Mutex
	Responses []HTTPResponse
	Requests  []HTTPRequestLog
}

// HTTPResponse is one canned response.
type HTTPResponse struct {
	Status int
	Reason string
	Body   []byte
	Err    error
}

// HTTPRequestLog records one Get call for assertions.
type HTTPRequestLog struct {
	URL   string
	Range fetch.HTTPRange
}

func NewHTTPTransport(responses ...HTTPResponse) *HTTPTransport {
	return &HTTPTransport{Responses: responses}
}

func (h *HTTPTransport) Get(url string, rng fetch.HTTPRange, complete func(status int, reason string, body []byte, err error)) {
	h.mu.Lock()
	h.Requests = append(h.Requests, HTTPRequestLog{URL: url, Range: rng})
	var resp HTTPResponse
	if len(h.Responses) > 0 {
		resp = h.Responses[0]
		h.Responses = h.Responses[1:]
	} else {
		resp = HTTPResponse{Status: 500, Reason: "Internal Server Error"}
	}
	h.mu.Unlock()
	complete(resp.Status, resp.Reason, resp.Body, resp.Err)
}

// SimTransport records outbound UDP batches for assertions; it never
// delivers inbound packets itself (tests drive FetchEngine.ReceiveImage*
// directly to simulate the wire).
type SimTransport struct {
	mu             sync.Mutex
	RequestBatches []SimRequestBatch
	CancelBatches  []SimCancelBatch
}

type SimRequestBatch struct {
	Host string
	Reqs []fetch.UDPRequest
}

type SimCancelBatch struct {
	Host string
	IDs  []assetid.AssetId
}

func NewSimTransport() *SimTransport { return &SimTransport{} }

func (s *SimTransport) SendRequestBatch(host string, reqs []fetch.UDPRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RequestBatches = append(s.RequestBatches, SimRequestBatch{Host: host, Reqs: append([]fetch.UDPRequest(nil), reqs...)})
}

func (s *SimTransport) SendCancelBatch(host string, ids []assetid.AssetId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelBatches = append(s.CancelBatches, SimCancelBatch{Host: host, IDs: append([]assetid.AssetId(nil), ids...)})
}

// URLResolver hands out one fixed URL per asset id, set via Assign.
type URLResolver struct {
	mu   sync.Mutex
	urls map[assetid.AssetId]string
}

func NewURLResolver() *URLResolver {
	return &URLResolver{urls: make(map[assetid.AssetId]string)}
}

func (r *URLResolver) Assign(id assetid.AssetId, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls[id] = url
}

func (r *URLResolver) ResolveURL(id assetid.AssetId, host string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	url, ok := r.urls[id]
	return url, ok
}

package fetch

import "github.com/NebulousLabs/texturefetch/pkg/assetid"

// Codec is the external image decoder collaborator (spec §1). It is
// invoked asynchronously by the decode pool; this core only defines the
// call shape, not the algorithm.
type Codec interface {
	// Decode attempts to decode formatted (a byte prefix of the
	// compressed asset) to the given target discard level. needAux
	// requests an auxiliary channel (e.g. alpha) alongside the primary
	// raw image. It returns the decoded discard actually achieved, which
	// may be coarser than targetDiscard if formatted does not contain
	// enough data.
	Decode(formatted []byte, targetDiscard int, needAux bool) (raw, aux []byte, decodedDiscard int, err error)

	// SizeFor maps (width, height, components, discard) to the number of
	// compressed bytes needed to decode at that discard level.
	SizeFor(width, height, components uint32, discard int) uint64
}

// CacheWriteHandle identifies an outstanding BlobCache.write call, for use
// with PrioritizeWrite.
type CacheWriteHandle uint64

// BlobCache is the external on-disk cache collaborator (spec §1). All
// calls are asynchronous; results arrive via the supplied callback,
// invoked from the cache pool, possibly on a different goroutine than the
// caller.
type BlobCache interface {
	// Read looks up size bytes starting at offset for id. complete is
	// called with the bytes found (which may be shorter than size at
	// end-of-file) and whether the asset was present at all.
	Read(id assetid.AssetId, offset, size uint64, complete func(data []byte, found bool, err error))

	// Write persists data for id, recording fileSize as the full asset
	// size (or the sentinel total+1 "not fully loaded" convention -- see
	// spec §9's open question -- when the caller does not yet know the
	// true total). It returns a handle usable with PrioritizeWrite.
	Write(id assetid.AssetId, data []byte, fileSize uint64, complete func(err error)) CacheWriteHandle

	// Remove evicts id from the cache, used after a decode failure on
	// cached bytes (spec §4.1 WaitDecode).
	Remove(id assetid.AssetId)

	// PrioritizeWrite asks the cache to expedite a previously-issued
	// write, used when the desired discard tightens while a write is
	// still outstanding (spec §4.1 WaitOnWrite).
	PrioritizeWrite(handle CacheWriteHandle)
}

// HTTPRange describes an optional byte range for an HTTP GET.
type HTTPRange struct {
	Offset uint64
	Size   uint64
	Set    bool
}

// HTTPTransport is the external HTTP collaborator (spec §1/§6).
type HTTPTransport interface {
	// Get issues GET url with an Accept: image/x-j2c header and, when rng
	// is set, a Range header. complete is called with the HTTP status,
	// the status reason (e.g. "Not Found"), and the response body.
	Get(url string, rng HTTPRange, complete func(status int, reason string, body []byte, err error))
}

// UDPRequest describes one asset's entry in an outbound UDP request batch
// (spec §6). Discard of -1 encodes a cancellation when sent through
// SendCancelBatch's sibling path; SimTransport exposes cancellation as its
// own method instead, matching the two entry points named in spec §1.
type UDPRequest struct {
	ID           assetid.AssetId
	Discard      int
	Priority     float32
	NextPacket   uint32
	ImageType    uint8
}

// SimTransport is the external legacy UDP transport collaborator (spec
// §1/§6).
type SimTransport interface {
	// SendRequestBatch asks host to (re)send the listed assets starting
	// at each one's NextPacket.
	SendRequestBatch(host string, reqs []UDPRequest)
	// SendCancelBatch tells host to stop sending the listed assets.
	SendCancelBatch(host string, ids []assetid.AssetId)
}

// URLResolver is the UI/region collaborator that assigns an HTTP URL to an
// asset id when FetchWorker needs one and doesn't have it yet (spec §4.1
// LoadFromNetwork: "ask the region collaborator for one"). It is out of
// scope per spec §1 but the core needs a narrow interface to call into it.
type URLResolver interface {
	ResolveURL(id assetid.AssetId, host string) (url string, ok bool)
}

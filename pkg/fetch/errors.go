package fetch

import "gitlab.com/NebulousLabs/errors"

// Sentinel errors for the taxonomy in spec §7. These are never returned
// across the FetchEngine's public surface directly -- poll_finished
// reports "aborted" -- but they drive internal state transitions and are
// useful in tests and logs.
var (
	// ErrNotInCache indicates BlobCache.read found nothing for the
	// requested range.
	ErrNotInCache = errors.New("asset not in cache")

	// ErrCacheCorrupt indicates cached bytes failed to decode and were
	// evicted so a fresh copy can be fetched.
	ErrCacheCorrupt = errors.New("cached asset data is corrupt")

	// ErrHTTPNotFound corresponds to HTTP 404.
	ErrHTTPNotFound = errors.New("http 404: asset not found")

	// ErrHTTPUnreachable corresponds to HTTP 499 (client closed request /
	// edge unreachable in this protocol's convention).
	ErrHTTPUnreachable = errors.New("http 499: service unreachable")

	// ErrHTTPBusy corresponds to HTTP 503.
	ErrHTTPBusy = errors.New("http 503: service busy")

	// ErrHTTPOther is any other non-2xx HTTP status.
	ErrHTTPOther = errors.New("http error response")

	// ErrHTTPTimeout indicates the 15s HTTP response deadline elapsed.
	ErrHTTPTimeout = errors.New("http request timed out")

	// ErrDecodeFailed indicates the codec rejected the formatted bytes.
	ErrDecodeFailed = errors.New("codec failed to decode asset")

	// ErrProtocolViolation indicates a malformed or out-of-protocol UDP
	// packet (duplicate, wrong-size middle packet, out-of-range index).
	ErrProtocolViolation = errors.New("udp packet protocol violation")

	// ErrCancelled indicates the caller cancelled the fetch. Not treated
	// as a failure for logging purposes.
	ErrCancelled = errors.New("fetch cancelled")

	// ErrNoWorker indicates an operation referenced an asset id with no
	// live FetchWorker.
	ErrNoWorker = errors.New("no worker for asset id")

	// ErrHostMismatch indicates create_request was called for an asset id
	// that already has a worker bound to a different host.
	ErrHostMismatch = errors.New("asset already requested from a different host")
)

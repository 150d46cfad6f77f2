package fetch

import "strings"

// ServiceName is the canonical lowercase host[:port] key used to group
// requests for PerServiceQueue accounting. Two URLs that address the same
// HTTP endpoint must produce the same ServiceName.
type ServiceName string

// serviceNameForURL extracts the canonical service name from a URL,
// following the RFC 3986 subset grammar in spec §6:
//
//  1. Track the first ':' as a scheme-colon candidate only if no '/', '@',
//     or port-colon has been seen yet and the next char starts a scheme
//     separator ("://").
//  2. "://" establishes the authority start; reset accumulated name.
//  3. '@' resets and accumulates host only thereafter (strips userinfo).
//  4. ':<digit>' marks a port-colon; ports accumulate until the first '/'
//     or end of string.
//  5. Lowercase ASCII letters as they accumulate.
//  6. Strip a trailing literal ":80".
//
// This is a hand-rolled scanner rather than net/url because the grammar
// must tolerate inputs net/url rejects (bare host:port with no scheme) and
// must NOT perform IDNA/percent-decoding -- it is a pure ASCII key
// extractor, matching the "lowercased ASCII only" invariant in spec §3.
func serviceNameForURL(url string) ServiceName {
	var name strings.Builder
	sawSlash := false
	sawAt := false
	sawPortColon := false
	inPort := false

	i := 0
	n := len(url)

	// Skip "scheme://" if present.
	if idx := strings.Index(url, "://"); idx >= 0 {
		// Only treat this as a scheme separator if everything before it
		// looks like a scheme (no '/', '@', or ':' digit sequences before
		// it that would indicate it's actually part of the host/path).
		schemeCandidate := url[:idx]
		if isSchemeLike(schemeCandidate) {
			i = idx + 3
		}
	}

	for ; i < n; i++ {
		c := url[i]
		switch {
		case c == '@' && !inPort:
			// userinfo@ -- reset accumulated name, start over with host.
			name.Reset()
			sawAt = true
			sawSlash = false
			sawPortColon = false
		case c == '/':
			sawSlash = true
			// End of authority; nothing after a slash belongs to the name.
			goto done
		case c == ':' && !sawSlash:
			// Port colon candidate: only meaningful if followed by a digit.
			if i+1 < n && url[i+1] >= '0' && url[i+1] <= '9' {
				sawPortColon = true
				inPort = true
				name.WriteByte(':')
			}
			// A colon not followed by a digit (and not already consumed as
			// part of "://") is not part of the service name grammar; skip
			// it silently.
		default:
			if c >= 'A' && c <= 'Z' {
				c = c - 'A' + 'a'
			}
			name.WriteByte(c)
		}
	}
done:
	_ = sawAt
	result := name.String()
	result = strings.TrimSuffix(result, ":80")
	return ServiceName(result)
}

// isSchemeLike reports whether s looks like a bare URI scheme token: ASCII
// letters/digits/+/-/. only, no '/', '@', or ':' that would indicate it is
// actually host/path content preceding an accidental "://" substring.
func isSchemeLike(s string) bool {
	if s == "" {
		return true
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '+' || c == '-' || c == '.':
		default:
			return false
		}
	}
	return true
}

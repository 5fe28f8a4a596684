package protocol

import "net/http"

// hopByHop is the set of HTTP/1.1 hop-by-hop header names which must not
// cross the tunnel in either direction.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// SanitizeHeaders returns a copy of h with all hop-by-hop headers removed.
// Matching is case-insensitive via canonicalization; everything else is
// passed through verbatim.
func SanitizeHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out[http.CanonicalHeaderKey(k)] = v
	}

	for _, k := range hopByHop {
		out.Del(k)
	}

	return out
}

// IsHopByHop reports whether name is one of the eight hop-by-hop headers.
func IsHopByHop(name string) bool {
	canonical := http.CanonicalHeaderKey(name)
	for _, k := range hopByHop {
		if k == canonical {
			return true
		}
	}

	return false
}

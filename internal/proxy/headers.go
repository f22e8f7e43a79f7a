package proxy

import (
	"net/http"
	"strings"
)

// hopHeaders are connection-management headers that must not cross
// the proxy in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// outboundOnlyHeaders additionally never reach the caller; they would
// leak upstream addressing.
var outboundOnlyHeaders = []string{
	"Via",
	"X-Upstream-Addr",
}

// StripInbound returns a copy of h with hop-by-hop headers removed,
// ready to forward upstream. Content-Length is dropped so the
// transport recomputes it from the actual body. The input is never
// mutated.
func StripInbound(h http.Header) http.Header {
	out := cloneHeader(h)
	stripConnectionNamed(h, out)
	for _, name := range hopHeaders {
		out.Del(name)
	}
	out.Del("Content-Length")
	return out
}

// StripOutbound returns a copy of h with hop-by-hop headers and
// upstream addressing headers removed, ready to return to the caller.
func StripOutbound(h http.Header) http.Header {
	out := cloneHeader(h)
	stripConnectionNamed(h, out)
	for _, name := range hopHeaders {
		out.Del(name)
	}
	for _, name := range outboundOnlyHeaders {
		out.Del(name)
	}
	return out
}

// stripConnectionNamed removes the headers the Connection header
// itself names as hop-by-hop.
func stripConnectionNamed(src http.Header, dst http.Header) {
	for _, value := range src.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				dst.Del(token)
			}
		}
	}
}

// cloneHeader copies h including duplicate values. Header.Clone
// returns nil for a nil map, this always returns a usable header.
func cloneHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}
	return out
}

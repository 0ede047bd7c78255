package protocol

import (
	"net/http"
	"strings"
)

// hopByHop headers are stripped in both directions so connection
// management never leaks across the relay.
var hopByHop = map[string]struct{}{
	"connection":        {},
	"proxy-connection":  {},
	"keep-alive":        {},
	"transfer-encoding": {},
	"upgrade":           {},
	"te":                {},
	"trailers":          {},
}

// SanitizeHeaders returns a copy of h without hop-by-hop headers. Key
// casing of the remaining headers is preserved.
func SanitizeHeaders(h Headers) Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for key, values := range h {
		if _, drop := hopByHop[strings.ToLower(key)]; drop {
			continue
		}
		out[key] = append([]string(nil), values...)
	}
	return out
}

// HeadersFromHTTP converts a net/http header map.
func HeadersFromHTTP(h http.Header) Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for key, values := range h {
		out[key] = append([]string(nil), values...)
	}
	return out
}

// ApplyHeaders copies frame headers onto a net/http header map.
func ApplyHeaders(dst http.Header, src Headers) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

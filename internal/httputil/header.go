package httputil

import (
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// hopByHopHeaders apply to a single transport-level connection and must not
// be forwarded by proxies (RFC 9110 section 7.6.1).
var hopByHopHeaders = []string{
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

// IsHopByHop reports whether name is a hop-by-hop header.
func IsHopByHop(name string) bool {
	name = textproto.CanonicalMIMEHeaderKey(name)
	for _, h := range hopByHopHeaders {
		if h == name {
			return true
		}
	}
	return false
}

// CopyHeaders copies src into dst, dropping hop-by-hop headers, headers named
// in src's Connection header, and any header in skip.
func CopyHeaders(dst, src http.Header, skip ...string) {
	drop := make(map[string]struct{}, len(skip))
	for _, s := range skip {
		drop[textproto.CanonicalMIMEHeaderKey(s)] = struct{}{}
	}
	for _, v := range src.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				drop[textproto.CanonicalMIMEHeaderKey(f)] = struct{}{}
			}
		}
	}

	for name, values := range src {
		if IsHopByHop(name) {
			continue
		}
		if _, ok := drop[textproto.CanonicalMIMEHeaderKey(name)]; ok {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// WithoutParams returns a copy of values without the named keys.
func WithoutParams(values url.Values, names ...string) url.Values {
	out := make(url.Values, len(values))
	for k, vs := range values {
		out[k] = append([]string(nil), vs...)
	}
	for _, n := range names {
		delete(out, n)
	}
	return out
}

package handler

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
)

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		cc := make([]string, len(vv))
		copy(cc, vv)
		out[k] = cc
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

var hopByHop = []string{
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

// dropHopByHop removes the hop-by-hop headers and the ones named in
// Connection. "TE: trailers" survives, it announces that the client accepts
// chunked trailers.
func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			if k = textproto.TrimString(k); k != "" {
				h.Del(k)
			}
		}
	}
	for _, k := range hopByHop {
		if k == "Te" && h.Get("Te") == "trailers" {
			continue
		}
		h.Del(k)
	}
}

// addXFF appends the client IP to X-Forwarded-For, an existing chain is
// kept.
func addXFF(h http.Header, remoteAddr string) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || ip == "" {
		return
	}
	const key = "X-Forwarded-For"
	prior := h.Values(key)
	if len(prior) > 0 {
		h.Set(key, strings.Join(prior, ", ")+", "+ip)
	} else {
		h.Set(key, ip)
	}
}

func setXFHost(h http.Header, host string) {
	h.Set("X-Forwarded-Host", host)
}

func setXFProto(h http.Header, r *http.Request) {
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
}

// announceTrailers declares the upstream trailer names before the header is
// written, their values are set once the body is relayed.
func announceTrailers(h http.Header, trailer http.Header) {
	if len(trailer) == 0 {
		return
	}
	keys := make([]string, 0, len(trailer))
	for k := range trailer {
		keys = append(keys, k)
	}
	h.Set("Trailer", strings.Join(keys, ","))
}

func copyTrailers(h http.Header, trailer http.Header) {
	for k, vv := range trailer {
		for _, v := range vv {
			h.Add(k, v)
		}
	}
}

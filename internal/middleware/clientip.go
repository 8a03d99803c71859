package middleware

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the client address used for rate-limit identity.
// With no trusted proxies the TCP peer address is authoritative and
// X-Forwarded-For is ignored entirely. With trustedProxies = n, the
// address n hops from the right of X-Forwarded-For is used, since only
// the entries appended by trusted hops can be believed.
func ClientIP(r *http.Request, trustedProxies int) string {
	peer := remoteIP(r)
	if trustedProxies <= 0 {
		return peer
	}

	fwd := r.Header.Get("X-Forwarded-For")
	if fwd == "" {
		return peer
	}

	parts := strings.Split(fwd, ",")
	idx := len(parts) - trustedProxies
	if idx < 0 {
		idx = 0
	}
	ip := strings.TrimSpace(parts[idx])
	if ip == "" {
		return peer
	}
	return ip
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

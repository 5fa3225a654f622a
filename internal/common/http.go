package common

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIP returns the originating client address. The first parseable
// X-Forwarded-For hop wins, then X-Real-IP, then the connection peer.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	for _, hop := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		if addr, ok := parseIP(hop); ok {
			return addr
		}
	}
	if addr, ok := parseIP(r.Header.Get("X-Real-IP")); ok {
		return addr
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().Unmap().String()
	}
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}

func parseIP(raw string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}

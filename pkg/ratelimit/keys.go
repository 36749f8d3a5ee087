package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// IPResolver derives the client address for rate-limit keys and suspicion
// flagging. With no trusted proxies configured, forwarding headers are taken
// at face value; once TrustedProxies is set, only connections arriving from
// a trusted proxy may speak for the client.
type IPResolver struct {
	TrustedProxies []*net.IPNet
}

func (res *IPResolver) ClientIP(r *http.Request) string {
	remoteIP := hostOf(r.RemoteAddr)
	trusted := len(res.TrustedProxies) == 0 || res.isTrusted(remoteIP)
	if trusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if ip := hostOf(first); ip != "" {
				return ip
			}
		}
		if ip := hostOf(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != "" {
			return ip
		}
		if ip := hostOf(strings.TrimSpace(r.Header.Get("CF-Connecting-IP"))); ip != "" {
			return ip
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (res *IPResolver) isTrusted(ipStr string) bool {
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range res.TrustedProxies {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func hostOf(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

// ParseCIDRs parses a comma-separated CIDR list, ignoring blanks and
// malformed entries.
func ParseCIDRs(raw string) []*net.IPNet {
	var out []*net.IPNet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, cidr, err := net.ParseCIDR(part); err == nil {
			out = append(out, cidr)
		}
	}
	return out
}

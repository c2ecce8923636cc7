package util

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ProxyAllowlist lists the peers whose forwarding headers are believed.
type ProxyAllowlist []*net.IPNet

// ParseProxyAllowlist accepts CIDRs and bare IPs. Empty input trusts nobody.
func ParseProxyAllowlist(entries []string) (ProxyAllowlist, error) {
	var out ProxyAllowlist
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid proxy address %q", entry)
			}
			if ip.To4() != nil {
				entry += "/32"
			} else {
				entry += "/128"
			}
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy cidr %q: %w", entry, err)
		}
		out = append(out, network)
	}
	return out, nil
}

func (l ProxyAllowlist) contains(ip net.IP) bool {
	for _, network := range l {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP resolves the caller address. X-Forwarded-For is walked right to
// left only when the direct peer is an allowlisted proxy.
func ClientIP(r *http.Request, proxies ProxyAllowlist) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		host = strings.TrimSpace(r.RemoteAddr)
	}
	peer := net.ParseIP(host)
	if peer == nil || !proxies.contains(peer) {
		return host
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip := net.ParseIP(strings.TrimSpace(hops[i]))
		if ip == nil {
			continue
		}
		if !proxies.contains(ip) {
			return ip.String()
		}
		if i == 0 {
			return ip.String()
		}
	}
	if real := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); real != nil {
		return real.String()
	}
	return peer.String()
}

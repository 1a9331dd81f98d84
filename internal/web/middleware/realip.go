package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// ClientIP rewrites r.RemoteAddr to the originating client address when the
// connection comes from a proxy listed in trustedProxies (CIDR blocks or
// plain IPs, typically the TRUSTED_PROXIES env setting). Requests from
// anywhere else keep their socket address untouched, so a client cannot
// spoof X-Real-IP to dodge the rate limiter or pollute audit actor records.
func ClientIP(trustedProxies []string) func(http.Handler) http.Handler {
	nets := parseProxyList(trustedProxies)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ip := resolveClientIP(r, nets); ip != "" {
				r.RemoteAddr = ip
			}
			next.ServeHTTP(w, r)
		})
	}
}

// parseProxyList converts the configured proxy entries to networks, accepting
// bare IPs as /32 (or /128) for convenience. Bad entries are logged and
// skipped rather than failing startup.
func parseProxyList(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, network, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, network)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			bits := 128
			if ip.To4() != nil {
				bits = 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		slog.Warn("ignoring invalid trusted proxy entry", "entry", entry)
	}
	return nets
}

// resolveClientIP returns the forwarded client address, or "" when the
// request should keep its socket address: the peer is not a trusted proxy,
// or no forwarding header carries a parseable IP.
func resolveClientIP(r *http.Request, trusted []*net.IPNet) string {
	peer := hostIP(r.RemoteAddr)
	if peer == nil || !inAny(peer, trusted) {
		return ""
	}

	if v := r.Header.Get("X-Real-IP"); v != "" {
		if ip := net.ParseIP(strings.TrimSpace(v)); ip != nil {
			return ip.String()
		}
	}

	// X-Forwarded-For holds the chain proxy-appended left to right; the
	// first hop is the original client.
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		first, _, _ := strings.Cut(v, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	return ""
}

// hostIP parses the IP out of a "host:port" pair or a bare address.
func hostIP(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}

func inAny(ip net.IP, nets []*net.IPNet) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

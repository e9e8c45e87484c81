package session

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// UnknownIP is the client IP used when no address can be determined. It is
// an ordinary key for rate limiting and binding, never a bypass.
const UnknownIP = "unknown"

// DefaultTrustedProxies are loopback and private ranges.
var DefaultTrustedProxies = []string{
	"127.0.0.0/8",
	"::1/128",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"fc00::/7",
}

// ClientIPResolver derives the client address of a request. Forwarding
// headers are honoured only when the direct peer is a trusted proxy, so an
// untrusted client cannot choose its own rate-limit or binding key.
type ClientIPResolver struct {
	trusted []netip.Prefix
}

// NewClientIPResolver parses CIDRs (bare addresses are accepted as /32 or
// /128). A nil slice selects DefaultTrustedProxies; an empty non-nil slice
// trusts no proxies.
func NewClientIPResolver(cidrs []string) (*ClientIPResolver, error) {
	if cidrs == nil {
		cidrs = DefaultTrustedProxies
	}
	prefixes, err := ParseTrustedProxies(cidrs)
	if err != nil {
		return nil, err
	}
	return &ClientIPResolver{trusted: prefixes}, nil
}

// ParseTrustedProxies parses a list of CIDRs or bare addresses.
func ParseTrustedProxies(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// ClientIP returns the client address, or UnknownIP.
//
// Priority when the peer is trusted:
// 1. First valid entry in X-Forwarded-For
// 2. X-Real-IP
// 3. First valid "for=" value in Forwarded
// 4. RemoteAddr
func (c *ClientIPResolver) ClientIP(r *http.Request) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	if c != nil && c.peerTrusted(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}

		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}

		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					if ip, ok := parseIPCandidate(param[4:]); ok {
						return ip
					}
				}
			}
		}
	}

	if remoteIP != "" {
		return remoteIP
	}
	return UnknownIP
}

func (c *ClientIPResolver) peerTrusted(remoteIP string) bool {
	if remoteIP == "" || len(c.trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(remoteIP)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range c.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"")
	if s == "" {
		return "", false
	}

	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}

	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	// Drop zone if any (e.g. fe80::1%eth0).
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap().String(), true
	}
	return "", false
}

// Package hostcheck classifies upstream hostnames against private address
// space and connector allowlists. It is the single SSRF gate: the transform
// pipeline and the proxy both refuse to dispatch to anything it rejects.
package hostcheck

import (
	"net/netip"
	"strings"
)

// privateV4 covers the IPv4 ranges that must never be dialed from the
// gateway's network, plus the unspecified and link-local blocks.
var privateV4 = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
}

var privateV6 = []netip.Prefix{
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// IsPrivate reports whether hostname is a private or loopback address.
// Only literal IPs and the literal "localhost" are classified; DNS names
// are vetted by the allowlist instead.
func IsPrivate(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	// Bracketed IPv6 literals appear in URL hosts.
	hostname = strings.TrimPrefix(strings.TrimSuffix(hostname, "]"), "[")
	addr, err := netip.ParseAddr(hostname)
	if err != nil {
		return false
	}
	if addr.Is4() || addr.Is4In6() {
		v4 := addr.Unmap()
		for _, p := range privateV4 {
			if p.Contains(v4) {
				return true
			}
		}
		return false
	}
	for _, p := range privateV6 {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Validate checks hostname against the connector allowlist. Private hosts
// always fail regardless of the allowlist. An empty allowlist admits any
// public host.
func Validate(hostname string, allowedHosts []string) bool {
	if IsPrivate(hostname) {
		return false
	}
	if len(allowedHosts) == 0 {
		return true
	}
	for _, pattern := range allowedHosts {
		if matchHost(hostname, pattern) {
			return true
		}
	}
	return false
}

// matchHost matches a hostname against a single pattern. "*.d.example"
// matches "d.example" and any subdomain of it; anything without a leading
// "*." must match exactly. The wildcard never crosses the label boundary
// sideways: "evil-example.com" does not match "*.example.com".
func matchHost(hostname, pattern string) bool {
	hostname = strings.ToLower(hostname)
	pattern = strings.ToLower(pattern)
	suffix, ok := strings.CutPrefix(pattern, "*.")
	if !ok {
		return hostname == pattern
	}
	if hostname == suffix {
		return true
	}
	return strings.HasSuffix(hostname, "."+suffix)
}

// MatchIPAllowlist reports whether ip matches any element of list. Elements
// are plain IPv4 literals (exact match) or CIDRs including /0 and /32. An
// unparsable ip or element never matches.
func MatchIPAllowlist(ip string, list []string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, elem := range list {
		if strings.Contains(elem, "/") {
			prefix, err := netip.ParsePrefix(elem)
			if err != nil {
				continue
			}
			if prefix.Contains(addr) {
				return true
			}
			continue
		}
		other, err := netip.ParseAddr(elem)
		if err != nil {
			continue
		}
		if addr == other.Unmap() {
			return true
		}
	}
	return false
}

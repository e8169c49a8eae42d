// Package ssrf rejects merchant supplied destination URLs that point at
// loopback, private, link-local or cluster-internal addresses.
//
// Checks are purely lexical. Hostnames are not resolved, so a public name that
// resolves to a private address at delivery time (DNS rebinding) is not caught
// here; closing that gap requires resolving and pinning the IP per request.
package ssrf

import (
	"net/netip"
	"net/url"
	"strings"
)

// Result is the outcome of a URL validation.
type Result struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

var blockedHostnames = map[string]struct{}{
	"localhost":                            {},
	"metadata":                             {},
	"metadata.google.internal":             {},
	"metadata.goog":                        {},
	"instance-data":                        {},
	"instance-data.ec2.internal":           {},
	"kubernetes":                           {},
	"kubernetes.default":                   {},
	"kubernetes.default.svc":               {},
	"kubernetes.default.svc.cluster.local": {},
}

var blockedSuffixes = []string{
	".localhost",
	".internal",
	".cluster.local",
	".svc",
}

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/32"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// IPv6 ranges whose low 32 bits address an IPv4 host: IPv4-compatible
// (deprecated) and NAT64 well-known/local-use prefixes.
var embeddedIPv4Prefixes = []netip.Prefix{
	netip.MustParsePrefix("::/96"),
	netip.MustParsePrefix("64:ff9b::/96"),
	netip.MustParsePrefix("64:ff9b:1::/48"),
}

func invalid(msg string) Result {
	return Result{Valid: false, Error: msg}
}

// Validate checks a destination URL. It performs no I/O.
func Validate(rawURL string) Result {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return invalid("URL is required")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return invalid("URL is not valid")
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return invalid("URL must use http or https")
	}
	if u.User != nil {
		return invalid("URL must not contain credentials")
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return invalid("URL must include a host")
	}

	if _, ok := blockedHostnames[host]; ok {
		return invalid("URL points to an internal host")
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return invalid("URL points to an internal host")
		}
	}

	if addr, ok := parseAddr(host); ok {
		if isBlockedAddr(addr) {
			return invalid("URL points to a private or reserved IP address")
		}
	}

	return Result{Valid: true}
}

// parseAddr accepts dotted IPv4, IPv6 (already unbracketed by url.Hostname) and
// the single-integer / octal / hex IPv4 spellings that resolvers still honour.
func parseAddr(host string) (netip.Addr, bool) {
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, true
	}
	return parseLegacyIPv4(host)
}

func isBlockedAddr(addr netip.Addr) bool {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsPrivate() || addr.IsUnspecified() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	if addr.Is6() {
		for _, p := range embeddedIPv4Prefixes {
			if p.Contains(addr) {
				b := addr.As16()
				return isBlockedAddr(netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}))
			}
		}
	}
	return false
}

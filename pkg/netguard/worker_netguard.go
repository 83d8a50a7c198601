// Package netguard classifies outbound hosts so sync and push traffic can
// never be pointed at internal infrastructure (SSRF defense).
package netguard

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"mailworker/pkg/apperr"
)

// SafeHost is the result of a successful resolution.
type SafeHost struct {
	Host    string
	Address string
	Family  int // 4 or 6
}

// Guard holds the process-wide policy. AllowPrivateNetworkTargets and
// TestMode bypass the private-range checks only; format checks (empty host,
// non-HTTPS push URL) always apply.
type Guard struct {
	AllowPrivateNetworkTargets bool
	TestMode                   bool

	// LookupIP is swappable for tests. Defaults to net.DefaultResolver.
	LookupIP func(ctx context.Context, host string) ([]net.IP, error)
}

func New(allowPrivate bool) *Guard {
	return &Guard{AllowPrivateNetworkTargets: allowPrivate}
}

var blockedHostSuffixes = []string{".local", ".internal"}

var blockedV4Prefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

var blockedV6Prefixes = []netip.Prefix{
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fc00::/7"), // ULA, covers fd00::/8
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

// isBlockedAddr reports whether the address falls in a private, reserved,
// loopback, link-local, multicast or mapped-private range. Mapped v4
// addresses (::ffff:127.0.0.1) are unmapped before classification.
func isBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.Is4() {
		for _, p := range blockedV4Prefixes {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}
	for _, p := range blockedV6Prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func isBlockedHostname(host string) bool {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return true
	}
	for _, suffix := range blockedHostSuffixes {
		if strings.HasSuffix(h, suffix) {
			return true
		}
	}
	return false
}

func (g *Guard) privateChecksBypassed() bool {
	return g.AllowPrivateNetworkTargets || g.TestMode
}

// ResolveSafeOutboundHost validates the host and resolves it to a concrete
// address, preferring IPv4. Rejects literal IPs in blocked ranges, blocked
// hostname suffixes, and names that resolve only to blocked addresses.
func (g *Guard) ResolveSafeOutboundHost(ctx context.Context, host string) (*SafeHost, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, apperr.BadRequest("outbound host must not be empty")
	}

	// Literal IP - no DNS round trip needed.
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		if !g.privateChecksBypassed() && isBlockedAddr(addr) {
			return nil, apperr.BadRequest("outbound host resolves to a private or reserved address")
		}
		family := 6
		if addr.Unmap().Is4() {
			family = 4
		}
		return &SafeHost{Host: host, Address: addr.Unmap().String(), Family: family}, nil
	}

	if !g.privateChecksBypassed() && isBlockedHostname(host) {
		return nil, apperr.BadRequest("outbound host points at an internal name")
	}

	lookup := g.LookupIP
	if lookup == nil {
		lookup = func(ctx context.Context, h string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", h)
		}
	}
	ips, err := lookup(ctx, host)
	if err != nil {
		return nil, apperr.BadRequest("outbound host did not resolve").WithError(err)
	}

	var pick *netip.Addr
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if !g.privateChecksBypassed() && isBlockedAddr(addr) {
			continue
		}
		if pick == nil || (!pick.Is4() && addr.Is4()) {
			a := addr
			pick = &a
		}
	}
	if pick == nil {
		return nil, apperr.BadRequest("outbound host resolves only to private or reserved addresses")
	}

	family := 6
	if pick.Is4() {
		family = 4
	}
	return &SafeHost{Host: host, Address: pick.String(), Family: family}, nil
}

// AssertSafePushEndpoint validates a browser push endpoint. HTTPS is
// mandatory regardless of the private-network override.
func (g *Guard) AssertSafePushEndpoint(ctx context.Context, rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return apperr.BadRequest("push endpoint must not be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return apperr.BadRequest("push endpoint is not a valid URL").WithError(err)
	}
	if u.Scheme != "https" {
		return apperr.BadRequest("push endpoint must use https")
	}
	if u.Hostname() == "" {
		return apperr.BadRequest("push endpoint has no host")
	}
	_, err = g.ResolveSafeOutboundHost(ctx, u.Hostname())
	return err
}

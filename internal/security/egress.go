// Package security guards outbound HTTP calls to operator supplied URLs,
// such as the chat webhook, against reaching loopback, link-local,
// metadata or private addresses.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"
)

const dnsTimeout = 500 * time.Millisecond

var (
	ErrBlockedDestination = errors.New("egress: destination address is blocked")
	ErrTooManyRedirects   = errors.New("egress: too many redirects")
	ErrResolve            = errors.New("egress: host did not resolve")
)

var blockedPrefixes = mustPrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"224.0.0.0/4",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}

// Blocked reports whether addr lies in a blocked range. IPv4-mapped IPv6
// addresses are checked as IPv4.
func Blocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Guard vets destinations at dial time, so DNS answers are checked when
// they are used rather than when a URL is configured.
type Guard struct {
	resolver Resolver
	dialer   *net.Dialer
}

// NewGuard returns a guard using r, or net.DefaultResolver when r is nil.
func NewGuard(r Resolver) *Guard {
	if r == nil {
		r = net.DefaultResolver
	}
	return &Guard{resolver: r, dialer: &net.Dialer{Timeout: 10 * time.Second}}
}

// resolve returns the addresses of host. Every answer must be allowed: one
// blocked address rejects the host.
func (g *Guard) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if Blocked(addr) {
			return nil, fmt.Errorf("%w: %s", ErrBlockedDestination, addr)
		}
		return []netip.Addr{addr}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()
	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrResolve, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrResolve, host)
	}
	for _, a := range addrs {
		if Blocked(a) {
			return nil, fmt.Errorf("%w: %s resolved to %s", ErrBlockedDestination, host, a)
		}
	}
	return addrs, nil
}

// DialContext dials the first vetted address of addr's host.
func (g *Guard) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("egress: bad address %q: %w", addr, err)
	}
	addrs, err := g.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	return g.dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].String(), port))
}

// CheckRedirect limits redirects and vets each redirect target.
func (g *Guard) CheckRedirect(max int) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= max {
			return fmt.Errorf("%w: limit %d", ErrTooManyRedirects, max)
		}
		_, err := g.resolve(req.Context(), req.URL.Hostname())
		return err
	}
}

// NewHTTPClient returns a client whose every connection goes through g.
func (g *Guard) NewHTTPClient(timeout time.Duration, maxRedirects int) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = g.DialContext
	return &http.Client{
		Transport:     transport,
		Timeout:       timeout,
		CheckRedirect: g.CheckRedirect(maxRedirects),
	}
}

package webhook

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Resolver is the subset of *net.Resolver the guard needs.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// URLGuard rejects webhook targets that could reach internal infrastructure.
type URLGuard struct {
	resolver       Resolver
	allowedSchemes []string
	allowPrivate   bool
}

// NewURLGuard builds a guard. allowPrivate disables address checks and exists for
// local development only.
func NewURLGuard(resolver Resolver, allowPrivate bool) *URLGuard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &URLGuard{
		resolver:       resolver,
		allowedSchemes: []string{"http", "https"},
		allowPrivate:   allowPrivate,
	}
}

// EnsureSafe parses raw and checks scheme, host and every resolved address.
func (g *URLGuard) EnsureSafe(ctx context.Context, raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, errors.Wrap(err, "invalid webhook URL")
	}
	if err := g.checkURL(u); err != nil {
		return nil, err
	}
	if g.allowPrivate {
		return u, nil
	}

	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return nil, errors.Newf("private IP address blocked: %s", host)
		}
		return u, nil
	}
	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve host %q", host)
	}
	if len(addrs) == 0 {
		return nil, errors.Newf("host %q resolved to no addresses", host)
	}
	for _, a := range addrs {
		if isPrivateIP(a.IP) {
			return nil, errors.Newf("host %q resolves to blocked address %s", host, a.IP)
		}
	}
	return u, nil
}

func (g *URLGuard) checkURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range g.allowedSchemes {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.Newf("scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		return errors.New("URL must not carry credentials")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL missing hostname")
	}
	if !g.allowPrivate && isLocalhost(host) {
		return errors.New("localhost access blocked")
	}
	return nil
}

// NewSafeClient returns an http.Client that repeats the address check at dial time,
// which closes the DNS-rebinding gap between EnsureSafe and the request, and
// validates every redirect target.
func NewSafeClient(g *URLGuard) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if g.allowPrivate {
				return dialer.DialContext(ctx, network, addr)
			}
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrap(err, "invalid address")
			}
			addrs, err := g.resolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, errors.Wrapf(err, "resolve host %q", host)
			}
			for _, a := range addrs {
				if isPrivateIP(a.IP) {
					return nil, errors.Newf("private IP address blocked: %s", a.IP)
				}
			}
			if len(addrs) == 0 {
				return nil, errors.Newf("host %q resolved to no addresses", host)
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].IP.String(), port))
		},
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.Newf("stopped after %d redirects", len(via))
			}
			if _, err := g.EnsureSafe(req.Context(), req.URL.String()); err != nil {
				return errors.Wrap(err, "redirect blocked")
			}
			return nil
		},
	}
}

var blockedV4 = []net.IPNet{
	{IP: net.IPv4(0, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(10, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)},
	{IP: net.IPv4(127, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(169, 254, 0, 0), Mask: net.CIDRMask(16, 32)},
	{IP: net.IPv4(172, 16, 0, 0), Mask: net.CIDRMask(12, 32)},
	{IP: net.IPv4(192, 168, 0, 0), Mask: net.CIDRMask(16, 32)},
	{IP: net.IPv4(224, 0, 0, 0), Mask: net.CIDRMask(4, 32)},
	{IP: net.IPv4(240, 0, 0, 0), Mask: net.CIDRMask(4, 32)},
}

func isPrivateIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		for _, block := range blockedV4 {
			if block.Contains(ip4) {
				return true
			}
		}
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() || ip.IsUnspecified() || ip.IsPrivate() {
		return true
	}
	// site-local fec0::/10
	return len(ip) == net.IPv6len && ip[0] == 0xfe && ip[1]&0xc0 == 0xc0
}

func isLocalhost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	return host == "localhost" || host == "localhost.localdomain" || strings.HasSuffix(host, ".localhost")
}

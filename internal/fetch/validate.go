// Package fetch performs outbound HTTP requests to third-party index
// provider endpoints. Every target URL is validated against SSRF before
// it is stored and again at connect time, since a DNS answer may change
// between the two.
package fetch

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

const (
	// MaxCursorLength bounds replay cursors accepted from callers and
	// echoed back to upstream providers.
	MaxCursorLength = 512
)

// resolver is the subset of net.Resolver used for validation.
type resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Validator checks candidate endpoint URLs. AllowPrivate disables the
// address-range checks for local development.
type Validator struct {
	resolver     resolver
	allowPrivate bool
	timeout      time.Duration
}

// NewValidator returns a Validator backed by the default resolver.
func NewValidator(allowPrivate bool) *Validator {
	return &Validator{
		resolver:     net.DefaultResolver,
		allowPrivate: allowPrivate,
		timeout:      5 * time.Second,
	}
}

// ValidateURL rejects URLs that are not plain web URLs or that resolve
// to a forbidden address range. It returns the parsed URL on success.
func (v *Validator) ValidateURL(ctx context.Context, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		return nil, fmt.Errorf("endpoint url must not embed credentials")
	}
	if u.Fragment != "" || u.RawFragment != "" {
		return nil, fmt.Errorf("endpoint url must not carry a fragment")
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("endpoint url has no host")
	}

	if v.allowPrivate {
		return u, nil
	}

	// Literal IPs are checked directly; hostnames are resolved and every
	// answer is checked. A single forbidden address fails the whole URL.
	if ip := net.ParseIP(host); ip != nil {
		if err := checkAddr(ip); err != nil {
			return nil, err
		}
		return u, nil
	}

	rctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	addrs, err := v.resolver.LookupIPAddr(rctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolving endpoint host %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("endpoint host %q resolved to no addresses", host)
	}
	for _, addr := range addrs {
		if err := checkAddr(addr.IP); err != nil {
			return nil, err
		}
	}
	return u, nil
}

// checkAddr rejects addresses in loopback, private, link-local,
// multicast, unspecified, carrier-grade NAT, and assorted reserved
// ranges.
func checkAddr(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("endpoint resolves to loopback address %s", ip)
	case ip.IsPrivate():
		return fmt.Errorf("endpoint resolves to private address %s", ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("endpoint resolves to link-local address %s", ip)
	case ip.IsMulticast():
		return fmt.Errorf("endpoint resolves to multicast address %s", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("endpoint resolves to unspecified address %s", ip)
	}
	if v4 := ip.To4(); v4 != nil {
		for _, r := range reservedV4 {
			if r.Contains(v4) {
				return fmt.Errorf("endpoint resolves to reserved address %s", ip)
			}
		}
	}
	return nil
}

// Reserved IPv4 ranges not covered by the net.IP predicates.
var reservedV4 = func() []*net.IPNet {
	cidrs := []string{
		"100.64.0.0/10",   // carrier-grade NAT
		"192.0.0.0/24",    // IETF protocol assignments
		"192.0.2.0/24",    // TEST-NET-1
		"198.18.0.0/15",   // benchmarking
		"198.51.100.0/24", // TEST-NET-2
		"203.0.113.0/24",  // TEST-NET-3
		"240.0.0.0/4",     // class E
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}()

// ValidateCursor rejects replay cursors of unbounded length or with
// embedded null bytes before they are passed upstream.
func ValidateCursor(cursor string) error {
	if len(cursor) > MaxCursorLength {
		return fmt.Errorf("cursor exceeds %d bytes", MaxCursorLength)
	}
	if strings.ContainsRune(cursor, '\x00') {
		return fmt.Errorf("cursor contains null byte")
	}
	return nil
}

package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// ErrBlockedTarget is wrapped by every rejection of a webhook target that
// points into this host or its network.
var ErrBlockedTarget = errors.New("blocked webhook target")

// blockedHosts are names that reach cloud metadata or this host without
// resolving to a blocked address first.
var blockedHosts = []string{"localhost", "metadata", "metadata.google.internal"}

// blockedPrefixes covers ranges netip's Is* predicates leave out.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("192.0.0.0/24"),  // IETF protocol assignments
	netip.MustParsePrefix("198.18.0.0/15"), // benchmarking
	netip.MustParsePrefix("fd00:ec2::/32"), // AWS IPv6 metadata
}

// Resolver looks up a host's addresses.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

const lookupTimeout = 3 * time.Second

// ValidateEndpointURL accepts a public http(s) webhook target. The host and
// every address it resolves to must be outside loopback, private, link-local
// and other internal ranges.
func ValidateEndpointURL(rawURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	return ValidateEndpointURLWith(ctx, net.DefaultResolver, rawURL)
}

// ValidateEndpointURLWith is ValidateEndpointURL with an explicit resolver.
func ValidateEndpointURLWith(ctx context.Context, r Resolver, rawURL string) error {
	u, err := parseEndpointURL(rawURL)
	if err != nil {
		return err
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	for _, b := range blockedHosts {
		if host == b || strings.HasSuffix(host, "."+b) {
			return fmt.Errorf("%w: host %q", ErrBlockedTarget, host)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("cannot resolve webhook host %q: %w", host, err)
	}
	for _, addr := range addrs {
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("host %q: %w", host, err)
		}
	}
	return nil
}

// ValidateEndpointURLFormat checks scheme and host only, for enforcement
// points that live on internal networks.
func ValidateEndpointURLFormat(rawURL string) error {
	_, err := parseEndpointURL(rawURL)
	return err
}

func parseEndpointURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.New("invalid URL format")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, errors.New("URL scheme must be http or https")
	}
	if u.Hostname() == "" {
		return nil, errors.New("URL must have a host")
	}
	if u.User != nil {
		return nil, errors.New("URL must not carry credentials")
	}
	return u, nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return fmt.Errorf("%w: loopback address %s", ErrBlockedTarget, addr)
	case addr.IsPrivate():
		return fmt.Errorf("%w: private address %s", ErrBlockedTarget, addr)
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address %s", ErrBlockedTarget, addr)
	case addr.IsUnspecified(), addr.IsMulticast():
		return fmt.Errorf("%w: non-unicast address %s", ErrBlockedTarget, addr)
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return fmt.Errorf("%w: reserved address %s", ErrBlockedTarget, addr)
		}
	}
	return nil
}

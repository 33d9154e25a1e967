package webhook

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"github.com/aiseohq/aiseo/internal/domain"
)

// Resolver looks up host addresses; swapped for a fake in tests.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// CheckURL refuses targets an attacker could use to reach internal services:
// non-http(s) schemes and hosts that resolve to loopback, private, link-local,
// or unspecified addresses. Every resolved address must be public; one bad
// A record poisons the whole target.
func CheckURL(ctx context.Context, resolver Resolver, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("op=webhook.CheckURL: %q: %w", raw, domain.ErrUnsafeURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("op=webhook.CheckURL: scheme %q: %w", u.Scheme, domain.ErrUnsafeURL)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("op=webhook.CheckURL: empty host: %w", domain.ErrUnsafeURL)
	}
	if ip := net.ParseIP(host); ip != nil {
		if !publicIP(ip) {
			return fmt.Errorf("op=webhook.CheckURL: ip %s: %w", ip, domain.ErrUnsafeURL)
		}
		return nil
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("op=webhook.CheckURL: resolve %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("op=webhook.CheckURL: %q resolves to nothing: %w", host, domain.ErrUnsafeURL)
	}
	for _, a := range addrs {
		if !publicIP(a.IP) {
			return fmt.Errorf("op=webhook.CheckURL: %q resolves to %s: %w", host, a.IP, domain.ErrUnsafeURL)
		}
	}
	return nil
}

func publicIP(ip net.IP) bool {
	return !(ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified())
}

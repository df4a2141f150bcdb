// Package dns checks that a domain points at this host before it is activated.
package dns

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sort"
)

// Outcome classifies a DNS check.
type Outcome string

const (
	OutcomeResolveFailed Outcome = "resolve-failed"
	OutcomeMatched       Outcome = "matched"
	OutcomeCloudflare    Outcome = "cloudflare"
	OutcomeMismatch      Outcome = "mismatch"
)

// cloudflarePrefixes is Cloudflare's published IPv4 edge range list.
var cloudflarePrefixes = mustPrefixes(
	"173.245.48.0/20",
	"103.21.244.0/22",
	"103.22.200.0/22",
	"103.31.4.0/22",
	"141.101.64.0/18",
	"108.162.192.0/18",
	"190.93.240.0/20",
	"188.114.96.0/20",
	"197.234.240.0/22",
	"198.41.128.0/17",
	"162.158.0.0/15",
	"104.16.0.0/13",
	"104.24.0.0/14",
	"172.64.0.0/13",
	"131.0.72.0/22",
)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(cidrs))
	for i, c := range cidrs {
		out[i] = netip.MustParsePrefix(c)
	}
	return out
}

// Resolver looks up addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// Check is the result of verifying one domain.
type Check struct {
	Outcome Outcome
	IPs     []string
	// Err is set when resolution failed.
	Err error
}

// Verified reports whether the domain resolves to the server.
func (c Check) Verified() bool { return c.Outcome == OutcomeMatched }

// IsCloudflare reports whether the domain resolves into Cloudflare's network.
func (c Check) IsCloudflare() bool { return c.Outcome == OutcomeCloudflare }

// Message is a human-readable explanation of an unverified outcome.
func (c Check) Message(serverIP string) string {
	switch c.Outcome {
	case OutcomeResolveFailed:
		return fmt.Sprintf("DNS lookup failed: %v", c.Err)
	case OutcomeCloudflare:
		return "Domain resolves to Cloudflare's proxy network; the origin IP cannot be checked. Retry with skip_verification once the proxy points at this server"
	case OutcomeMismatch:
		return fmt.Sprintf("Domain resolves to %v, expected %s", c.IPs, serverIP)
	}
	return ""
}

// Verifier resolves a domain's A records and classifies them against the server IP.
type Verifier struct {
	resolver Resolver
	serverIP netip.Addr
	logger   *slog.Logger
}

// NewVerifier creates a verifier. serverIP must be a valid IPv4 address.
func NewVerifier(resolver Resolver, serverIP string, logger *slog.Logger) (*Verifier, error) {
	addr, err := netip.ParseAddr(serverIP)
	if err != nil {
		return nil, fmt.Errorf("invalid server IP %q: %w", serverIP, err)
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{resolver: resolver, serverIP: addr.Unmap(), logger: logger.With("component", "dns_verifier")}, nil
}

// ServerIP returns the address domains must resolve to.
func (v *Verifier) ServerIP() string { return v.serverIP.String() }

// Check resolves name and classifies the result. A set containing the server IP
// matches even when other addresses are present.
func (v *Verifier) Check(ctx context.Context, name string) Check {
	ips, err := v.resolver.LookupIP(ctx, "ip4", name)
	if err != nil {
		v.logger.Info("domain lookup failed", "domain", name, "error", err)
		return Check{Outcome: OutcomeResolveFailed, Err: err}
	}
	if len(ips) == 0 {
		return Check{Outcome: OutcomeResolveFailed, Err: fmt.Errorf("no A records for %s", name)}
	}

	addrs := make([]netip.Addr, 0, len(ips))
	strs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		addrs = append(addrs, addr)
		strs = append(strs, addr.String())
	}
	sort.Strings(strs)

	check := Check{Outcome: OutcomeMismatch, IPs: strs}
	for _, a := range addrs {
		if a == v.serverIP {
			check.Outcome = OutcomeMatched
			return check
		}
	}
	for _, a := range addrs {
		if IsCloudflareIP(a) {
			check.Outcome = OutcomeCloudflare
			break
		}
	}
	v.logger.Info("domain does not resolve to server", "domain", name, "ips", strs, "outcome", check.Outcome)
	return check
}

// IsCloudflareIP reports whether addr lies in a Cloudflare edge range.
func IsCloudflareIP(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range cloudflarePrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

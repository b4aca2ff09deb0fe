package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/miekg/dns"
)

// ErrNoAddress is returned when the DNS server has no A or AAAA record for
// the directory host
var ErrNoAddress = errors.New("no address records found for directory host")

// DNSResolver resolves the directory host against a specific DNS server
type DNSResolver struct {
	server    string
	dnsClient *dns.Client
}

// NewDNSResolver creates a resolver querying server ("ip:port").
func NewDNSResolver(server string) *DNSResolver {
	return &DNSResolver{
		server:    server,
		dnsClient: new(dns.Client),
	}
}

// LookupHost returns the first IPv4 address of host, falling back to IPv6.
func (r *DNSResolver) LookupHost(ctx context.Context, host string) (string, error) {
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		addr, err := r.lookup(ctx, host, qtype)
		if err != nil {
			return "", err
		}
		if addr != "" {
			return addr, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoAddress, host)
}

func (r *DNSResolver) lookup(ctx context.Context, host string, qtype uint16) (string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	resp, _, err := r.dnsClient.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return "", fmt.Errorf("DNS lookup failed for %s: %w", host, err)
	}

	if resp.Rcode == dns.RcodeNameError {
		return "", fmt.Errorf("%w: %s", ErrNoAddress, host)
	}

	if resp.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("DNS lookup failed for %s: rcode=%d", host, resp.Rcode)
	}

	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			return rec.A.String(), nil
		case *dns.AAAA:
			return rec.AAAA.String(), nil
		}
	}
	return "", nil
}

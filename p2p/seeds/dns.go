// Package seeds resolves bootstrap addresses published as DNS TXT records.
package seeds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	// RecordPrefix marks TXT strings that carry a seed address.
	RecordPrefix = "guardian-seed="

	defaultResolvConf = "/etc/resolv.conf"
	defaultTimeout    = 5 * time.Second
)

var errNoServer = errors.New("seeds: no DNS server configured")

// Resolver abstracts DNS TXT lookups so tests can supply in-memory fixtures.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// DNSResolver queries a single nameserver directly over UDP, retrying over
// TCP when the answer is truncated.
type DNSResolver struct {
	client *dns.Client
	server string
}

// NewDNSResolver returns a resolver for server (host:port). An empty server
// selects the first nameserver from /etc/resolv.conf.
func NewDNSResolver(server string) (*DNSResolver, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		conf, err := dns.ClientConfigFromFile(defaultResolvConf)
		if err != nil {
			return nil, fmt.Errorf("seeds: read resolver config: %w", err)
		}
		if len(conf.Servers) == 0 {
			return nil, errNoServer
		}
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	} else if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &DNSResolver{
		client: &dns.Client{Net: "udp", Timeout: defaultTimeout},
		server: server,
	}, nil
}

// Server returns the nameserver address in use.
func (r *DNSResolver) Server() string {
	return r.server
}

// LookupTXT returns the TXT strings published at name. Multi-string records
// are concatenated as RFC 7208 prescribes.
func (r *DNSResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(strings.TrimSpace(name)), dns.TypeTXT)
	msg.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err == nil && in != nil && in.Truncated {
		tcp := &dns.Client{Net: "tcp", Timeout: r.client.Timeout}
		in, _, err = tcp.ExchangeContext(ctx, msg, r.server)
	}
	if err != nil {
		return nil, fmt.Errorf("seeds: query %s: %w", name, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("seeds: query %s: %s", name, dns.RcodeToString[in.Rcode])
	}
	var out []string
	for _, rr := range in.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, nil
}

// Source expands a list of seed domains into host:port addresses.
type Source struct {
	Domains  []string
	Resolver Resolver
}

// Resolve queries every domain and returns the deduplicated addresses found.
// Addresses from healthy domains are returned even when others fail; the
// failures are joined into the error.
func (s *Source) Resolve(ctx context.Context) ([]string, error) {
	if s == nil || len(s.Domains) == 0 {
		return nil, nil
	}
	if s.Resolver == nil {
		return nil, errNoServer
	}
	seen := make(map[string]struct{})
	var (
		addrs []string
		errs  []error
	)
	for _, domain := range s.Domains {
		domain = strings.TrimSpace(domain)
		if domain == "" {
			continue
		}
		records, err := s.Resolver.LookupTXT(ctx, domain)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, record := range records {
			addr, err := ParseRecord(record)
			if err != nil {
				continue
			}
			key := strings.ToLower(addr)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			addrs = append(addrs, addr)
		}
	}
	return addrs, errors.Join(errs...)
}

// ParseRecord extracts the host:port carried by a seed TXT string.
func ParseRecord(record string) (string, error) {
	trimmed := strings.TrimSpace(record)
	if !strings.HasPrefix(trimmed, RecordPrefix) {
		return "", fmt.Errorf("record missing prefix %q", RecordPrefix)
	}
	addr := strings.TrimSpace(strings.TrimPrefix(trimmed, RecordPrefix))
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host == "" || port == "" || port == "0" {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	return addr, nil
}

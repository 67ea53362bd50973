package tunnel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
)

var (
	// ErrNoRecord means the name exists but has no CNAME
	ErrNoRecord = errors.New("no CNAME record")
	// ErrDomainNotFound means the name does not exist (NXDOMAIN)
	ErrDomainNotFound = errors.New("domain not found")
)

// Resolver looks up CNAME records
type Resolver interface {
	LookupCNAME(ctx context.Context, name string) (string, error)
}

// DNSResolver queries upstream servers directly with miekg/dns, trying each
// in turn until one answers.
type DNSResolver struct {
	servers []string
	timeout time.Duration
}

// NewDNSResolver creates a resolver for the given host:port servers
func NewDNSResolver(timeout time.Duration, servers ...string) *DNSResolver {
	if len(servers) == 0 {
		servers = []string{"1.1.1.1:53", "8.8.8.8:53"}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNSResolver{servers: servers, timeout: timeout}
}

// LookupCNAME returns the CNAME target of name without the trailing dot
func (r *DNSResolver) LookupCNAME(ctx context.Context, name string) (string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeCNAME)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, err := r.exchange(ctx, msg, server)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return "", ErrDomainNotFound
		default:
			lastErr = fmt.Errorf("%s answered %s", server, dns.RcodeToString[resp.Rcode])
			continue
		}

		for _, rr := range resp.Answer {
			if cname, ok := rr.(*dns.CNAME); ok {
				return strings.ToLower(strings.TrimSuffix(cname.Target, ".")), nil
			}
		}
		return "", ErrNoRecord
	}
	return "", fmt.Errorf("CNAME lookup for %s failed: %w", name, lastErr)
}

func (r *DNSResolver) exchange(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error) {
	client := &dns.Client{Net: "udp", Timeout: r.timeout}
	resp, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		client.Net = "tcp"
		resp, _, err = client.ExchangeContext(ctx, msg, server)
	}
	return resp, err
}

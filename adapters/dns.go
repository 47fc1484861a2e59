// Package adapters provides thin, directly-testable wrappers over the
// blocking collaborators the stages package drives: a DNSSEC-validating
// resolver, an HTTP fetcher/downloader, a SHA-256 hasher, an OpenPGP
// engine, and the canonical-artifact-URL builder. Each wrapper implements
// the corresponding interface declared in the stages package.
package adapters

import (
	"context"
	"fmt"

	"github.com/miekg/dns"
)

// Resolver queries DNSSEC-validating TXT records via a configured
// validating recursive resolver, reporting both whether DNSSEC material
// was present and whether the resolver asserts the chain validated (the
// AD bit on a query sent with the DNSSEC-OK bit set).
type Resolver struct {
	// ResolverAddr is the host:port of a resolver trusted to perform
	// DNSSEC validation on the process's behalf (e.g. a local unbound or
	// a trusted upstream like 1.1.1.1:53).
	ResolverAddr string
	client       dns.Client
}

// NewResolver builds a Resolver against the given validating resolver
// address.
func NewResolver(resolverAddr string) *Resolver {
	return &Resolver{ResolverAddr: resolverAddr, client: dns.Client{}}
}

// TXTQuery implements stages.DNSResolver.
func (r *Resolver) TXTQuery(ctx context.Context, host string) (records []string, available, valid bool, err error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeTXT)
	msg.SetEdns0(4096, true) // DNSSEC OK bit.
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.ResolverAddr)
	if err != nil {
		return nil, false, false, fmt.Errorf("dns exchange for %s: %w", host, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, false, false, nil
	}

	sawRRSIG := false
	for _, rr := range resp.Answer {
		switch t := rr.(type) {
		case *dns.TXT:
			records = append(records, joinTXT(t.Txt))
		case *dns.RRSIG:
			if t.TypeCovered == dns.TypeTXT {
				sawRRSIG = true
			}
		}
	}

	available = sawRRSIG
	valid = available && resp.AuthenticatedData
	return records, available, valid, nil
}

// joinTXT concatenates the chunks of a single TXT record the way a
// resolver library typically already reassembles them, since the spec's
// wire format treats the whole record as one logical string.
func joinTXT(chunks []string) string {
	out := ""
	for _, c := range chunks {
		out += c
	}
	return out
}

// Package resolver looks up the mail exchangers and addresses for a
// delivery's destination domain (spec.md §4.1), using github.com/miekg/dns
// directly rather than net.LookupMX/net.LookupIP so that priority order,
// tie-breaking and address-family policy are under our control.
package resolver

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/miekg/dns"
)

// Exchange is one candidate mail server to attempt delivery to, already in
// the priority order the worker should try.
type Exchange struct {
	Host string
	Pref uint16
}

// Resolver performs MX/A/AAAA lookups against the system's configured
// nameservers, falling back to a direct dial target when the Zone pins one.
type Resolver struct {
	client  *dns.Client
	config  *dns.ClientConfig
	rng     *rand.Rand
	rngMu   sync.Mutex
}

// New builds a Resolver from /etc/resolv.conf, matching the teacher repo's
// reliance on the system resolver configuration.
func New() (*Resolver, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, fmt.Errorf("resolver: read resolv.conf: %w", err)
	}
	return &Resolver{
		client: &dns.Client{},
		config: cfg,
		rng:    rand.New(rand.NewSource(1)),
	}, nil
}

// ErrNoExchange is returned when a domain has no usable MX, and no A/AAAA
// fallback either — spec.md §4.1's null-MX / NXDOMAIN case, which the
// DeliveryLoop turns into a synthetic 450 defer (spec.md §4.1, §8).
var ErrNoExchange = fmt.Errorf("resolver: no mail exchanger found")

// ResolveMX returns the domain's mail exchangers sorted by preference, with
// equal-preference entries shuffled (RFC 5321 §5.1). If pinnedHost is
// non-empty (the Zone's Host override, spec.md §4.1), it is returned alone
// without performing a lookup.
func (r *Resolver) ResolveMX(ctx context.Context, domain, pinnedHost string) ([]Exchange, error) {
	if pinnedHost != "" {
		return []Exchange{{Host: pinnedHost, Pref: 0}}, nil
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeMX)
	msg.RecursionDesired = true

	reply, err := r.exchange(msg)
	if err != nil {
		return nil, fmt.Errorf("resolver: MX lookup for %s: %w", domain, err)
	}

	var exchanges []Exchange
	for _, rr := range reply.Answer {
		mx, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		exchanges = append(exchanges, Exchange{
			Host: strings.TrimSuffix(mx.Mx, "."),
			Pref: mx.Preference,
		})
	}

	if len(exchanges) == 0 {
		// No MX record: RFC 5321 §5.1 falls back to the domain itself as
		// an implicit MX 0, provided it actually resolves.
		if ok, _ := r.hasAddress(domain); ok {
			return []Exchange{{Host: domain, Pref: 0}}, nil
		}
		return nil, ErrNoExchange
	}

	sortExchanges(exchanges, r.shuffle)
	return exchanges, nil
}

// AddressFamily selects which RR types ResolveAddresses queries.
type AddressFamily int

const (
	// FamilyBoth queries A and AAAA, returning AAAA results first per
	// current happy-eyeballs convention; most zones use this default.
	FamilyBoth AddressFamily = iota
	FamilyV4Only
	FamilyV6Only
)

// ResolveAddresses returns every IP address for host, per the requested
// address-family policy (SPEC_FULL §4.1's Zone-level policy knob). An
// empty result is an in-band outcome, not an error (spec.md §4.1): a host
// with no A/AAAA records returns (nil, nil). A failed lookup for either
// record type is dropped the same way, so the returned error is always
// nil and "no addresses" cannot be told apart from a DNS failure.
func (r *Resolver) ResolveAddresses(ctx context.Context, host string, family AddressFamily) ([]string, error) {
	var addrs []string

	if family != FamilyV4Only {
		aaaa, err := r.lookupType(host, dns.TypeAAAA)
		if err == nil {
			addrs = append(addrs, aaaa...)
		}
	}
	if family != FamilyV6Only {
		a, err := r.lookupType(host, dns.TypeA)
		if err == nil {
			addrs = append(addrs, a...)
		}
	}

	return addrs, nil
}

func (r *Resolver) hasAddress(host string) (bool, error) {
	addrs, err := r.ResolveAddresses(context.Background(), host, FamilyBoth)
	return len(addrs) > 0, err
}

func (r *Resolver) lookupType(host string, qtype uint16) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	reply, err := r.exchange(msg)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, rr := range reply.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			out = append(out, rec.A.String())
		case *dns.AAAA:
			out = append(out, rec.AAAA.String())
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("resolver: empty answer for %s", host)
	}
	return out, nil
}

func (r *Resolver) exchange(msg *dns.Msg) (*dns.Msg, error) {
	var lastErr error
	for _, server := range r.config.Servers {
		addr := server + ":" + r.config.Port
		reply, _, err := r.client.Exchange(msg, addr)
		if err != nil {
			lastErr = err
			continue
		}
		if reply.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("rcode %s", dns.RcodeToString[reply.Rcode])
			continue
		}
		return reply, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no nameservers configured")
	}
	return nil, lastErr
}

func (r *Resolver) shuffle(n int, swap func(i, j int)) {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	r.rng.Shuffle(n, swap)
}

// sortExchanges sorts by ascending preference, randomising the order within
// each preference tier using shuffle (spec.md §4.1's randomised-tie rule).
func sortExchanges(exchanges []Exchange, shuffle func(n int, swap func(i, j int))) {
	sort.SliceStable(exchanges, func(i, j int) bool {
		return exchanges[i].Pref < exchanges[j].Pref
	})

	start := 0
	for start < len(exchanges) {
		end := start + 1
		for end < len(exchanges) && exchanges[end].Pref == exchanges[start].Pref {
			end++
		}
		tier := exchanges[start:end]
		shuffle(len(tier), func(i, j int) { tier[i], tier[j] = tier[j], tier[i] })
		start = end
	}
}

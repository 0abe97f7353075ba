// Package zone models a named egress configuration — outbound IP pool,
// HELO names, TLS/AUTH defaults, throttle, and received-header template —
// shared read-mostly by every worker assigned to it (spec.md §3).
package zone

import (
	"bytes"
	"hash/fnv"
	"sync/atomic"
	"text/template"

	"github.com/oonrumail/outbound-worker/delivery"
)

// Address is one outbound IP in a Zone's egress pool, paired with the HELO
// hostname that identifies it to remote exchanges.
type Address struct {
	IP       string
	Hostname string
}

// Zone is a named egress policy (spec.md §3, §6).
type Zone struct {
	Name string

	// Host, when set, pins the next hop: Resolver.ResolveMX returns this
	// host unconditionally instead of performing an MX lookup (spec.md §4.1).
	Host string
	Port int

	Secure         bool // implicit TLS at connect
	disableStarttls atomic.Bool
	RequireTLS     bool

	AuthMethod string // "", "PLAIN", "CRAM-MD5"
	AuthUser   string
	AuthPass   string

	Addresses     []Address
	AddressFamily string // "v4", "v6", "both" (default "both")

	SpeedometerPerSecond float64

	ReceivedHeaderTemplate string

	receivedTmpl *template.Template
}

// DisableStarttls reports whether STARTTLS has been observed to fail on
// this zone and should not be attempted again (spec.md §4.2, §5).
func (z *Zone) DisableStarttls() bool {
	return z.disableStarttls.Load()
}

// SetDisableStarttls flips the flag. Idempotent, safe for concurrent use —
// spec.md §5 allows last-write-wins semantics for this hint.
func (z *Zone) SetDisableStarttls(v bool) {
	z.disableStarttls.Store(v)
}

// GetAddress picks a stable local address for the given connection nonce
// (spec.md §4.2: "consistent hashing keeps per-delivery source-IP stable
// across retries within the same id/seq"). The IPv6 flag filters the pool
// by address family first; an empty pool after filtering falls back to the
// unfiltered pool.
func (z *Zone) GetAddress(nonce string, ipv6 bool) (Address, bool) {
	pool := z.addressesForFamily(ipv6)
	if len(pool) == 0 {
		return Address{}, false
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(nonce))
	idx := int(h.Sum32() % uint32(len(pool)))
	return pool[idx], true
}

func (z *Zone) addressesForFamily(ipv6 bool) []Address {
	var filtered []Address
	for _, a := range z.Addresses {
		if isIPv6(a.IP) == ipv6 {
			filtered = append(filtered, a)
		}
	}
	if len(filtered) == 0 {
		return z.Addresses
	}
	return filtered
}

func isIPv6(ip string) bool {
	return bytes.ContainsRune([]byte(ip), ':')
}

// GenerateReceivedHeader renders the Zone's received-header template for a
// delivery, given the actual HELO name used to connect (or the system
// hostname if no connection was made — spec.md §3, §4.3).
func (z *Zone) GenerateReceivedHeader(d *delivery.Delivery, heloName string) (string, error) {
	tmpl, err := z.parsedTemplate()
	if err != nil {
		return "", err
	}
	data := struct {
		Delivery *delivery.Delivery
		Helo     string
		Zone     string
	}{Delivery: d, Helo: heloName, Zone: z.Name}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (z *Zone) parsedTemplate() (*template.Template, error) {
	if z.receivedTmpl != nil {
		return z.receivedTmpl, nil
	}
	tmpl, err := template.New(z.Name + "-received").Parse(z.ReceivedHeaderTemplate)
	if err != nil {
		return nil, err
	}
	z.receivedTmpl = tmpl
	return tmpl, nil
}

// DefaultReceivedHeaderTemplate matches the shape zone-mta-style relays use:
// a "from <helo>" clause with the envelope sender, the zone name for
// traceability, the id.seq and the recipients, rendered as a single-line
// header value (the caller inserts the "Received: " prefix and CRLF). It
// carries no date clause.
const DefaultReceivedHeaderTemplate = `from {{.Helo}} (envelope-from <{{.Delivery.From}}>)` +
	` by {{.Zone}} with ESMTP id {{.Delivery.ID}}.{{.Delivery.Seq}}` +
	` for {{range $i, $to := .Delivery.To}}{{if $i}}, {{end}}<{{$to}}>{{end}}`

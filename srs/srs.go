// Package srs rewrites envelope-from addresses under the Sender Rewriting
// Scheme so that forwarded mail keeps SPF alignment (spec.md §4.3, §4.10).
//
// No pack repo implements SRS (SPEC_FULL §4.10 records the search came up
// empty), so this is built directly from spec.md's text and the scheme's
// own name: an SRS0 address carries an HMAC over the original local part
// and domain, a timestamp tag, and the original domain, all folded into a
// single local part at the rewrite domain.
package srs

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"fmt"
	"strings"
	"time"
)

// Rewriter produces SRS0 local parts from a secret shared across the
// fleet (every worker must rewrite and, on bounce-processing, validate
// with the same secret).
type Rewriter struct {
	secret []byte
	now    func() time.Time
}

// New builds a Rewriter. secret should be a per-install random value of
// at least 16 bytes; it is never transmitted, only hashed.
func New(secret string) *Rewriter {
	return &Rewriter{secret: []byte(secret), now: time.Now}
}

// srsBase32 is the 32-character, case-insensitive alphabet classic SRS
// implementations use for the timestamp tag.
var srsBase32 = base32.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567").WithPadding(base32.NoPadding)

// Rewrite produces the rewritten local part for local@domain, in the
// canonical SRS0 form: SRS0=hash=TT=domain=local. TT is a two-character
// tag (base32 of the day of the year, mod 32) used to let bounce processing reject
// stale addresses; this worker never validates its own rewrites (bounce
// handling is out of scope per spec.md §1), so the tag is carried for
// compatibility with downstream SRS-aware bounce processors only.
func (r *Rewriter) Rewrite(local, domain string) string {
	tag := dayTag(r.now())
	hash := r.hash(tag, domain, local)
	return fmt.Sprintf("SRS0=%s=%s=%s=%s", hash, tag, domain, local)
}

func (r *Rewriter) hash(tag, domain, local string) string {
	mac := hmac.New(sha1.New, r.secret)
	mac.Write([]byte(tag))
	mac.Write([]byte(domain))
	mac.Write([]byte(local))
	sum := mac.Sum(nil)
	// First 4 bytes, base32-encoded, matches the truncated-hash convention
	// most SRS implementations use to keep the rewritten address short.
	return strings.ToLower(srsBase32.EncodeToString(sum[:4]))
}

func dayTag(t time.Time) string {
	return srsBase32.EncodeToString([]byte{byte(t.YearDay() % 32)})
}

// ExcludeDomain reports whether domain appears (case-insensitively) in
// the configured exclusion list, per spec.md §4.3's "domain not in
// srs.excludeDomains" gate.
func ExcludeDomain(domain string, excludeDomains []string) bool {
	for _, d := range excludeDomains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

// Package dkimsign produces a DKIM-Signature header line for a delivery.
//
// Per SPEC_FULL §4.9, signing is a pure function of the already-assembled
// headers, a pre-computed body hash, and a signing key: it does not read
// the message body or compute the hash itself. Delivery.Dkim already
// carries {hashAlgo, bodyHash, keys} by the time the worker calls Sign —
// hashing and key management belong to whatever enqueued the message.
package dkimsign

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oonrumail/outbound-worker/delivery"
)

// Key is the signing material for one domain/selector pair.
type Key struct {
	Domain        string
	Selector      string
	Algorithm     string // "rsa-sha256" or "ed25519-sha256"
	PrivateKeyPEM []byte
}

// DefaultSignedHeaders is the header set signed when the caller doesn't
// override it, adapted from the teacher's DefaultSignatureConfig.
var DefaultSignedHeaders = []string{
	"from", "to", "cc", "subject", "date",
	"message-id", "reply-to", "references", "in-reply-to",
	"content-type", "mime-version",
}

// Sign builds a complete "DKIM-Signature: ..." header line (no trailing
// CRLF) for headers, given a pre-computed bodyHash and signing key.
//
// Signed headers are walked from the bottom of the block upward: DKIM
// (RFC 6376 §3.7) signs repeated header instances bottom-to-top so that a
// relay prepending a new instance of an already-signed header (Received,
// for example) can never invalidate a signature that only ever covered
// the instance that existed at signing time.
func Sign(headers *delivery.HeaderBlock, bodyHash []byte, key Key, signedHeaders []string, now time.Time) (string, error) {
	if signedHeaders == nil {
		signedHeaders = DefaultSignedHeaders
	}

	present, canon := canonicalizeSignedHeaders(headers, signedHeaders)
	if len(present) == 0 {
		return "", fmt.Errorf("dkimsign: no signable headers present")
	}

	bodyHashB64 := base64.StdEncoding.EncodeToString(bodyHash)
	timestamp := now.Unix()

	params := fmt.Sprintf("v=1; a=%s; c=relaxed/relaxed; d=%s; s=%s; t=%d; h=%s; bh=%s; ",
		key.Algorithm, key.Domain, key.Selector, timestamp,
		strings.Join(present, ":"), bodyHashB64)

	signingInput := append(canon, []byte("dkim-signature:"+relaxHeaderValue(params))...)

	sig, err := sign(signingInput, key)
	if err != nil {
		return "", fmt.Errorf("dkimsign: sign: %w", err)
	}

	return fmt.Sprintf("DKIM-Signature: %sb=%s", params, foldBase64(base64.StdEncoding.EncodeToString(sig))), nil
}

func sign(data []byte, key Key) ([]byte, error) {
	block, _ := pem.Decode(key.PrivateKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("invalid PEM private key")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		if parsed, err = x509.ParsePKCS1PrivateKey(block.Bytes); err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
	}

	switch key.Algorithm {
	case "ed25519-sha256":
		priv, ok := parsed.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key algorithm mismatch: expected ed25519")
		}
		return ed25519.Sign(priv, data), nil
	default: // rsa-sha256
		priv, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key algorithm mismatch: expected rsa")
		}
		hash := sha256.Sum256(data)
		return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, hash[:])
	}
}

// canonicalizeSignedHeaders walks headers bottom-to-top, collecting the
// relaxed-canonicalized form of each signable header it finds, and
// returns the list of header names actually present (in the order they
// were canonicalized) for the h= parameter.
//
// It walks Entries() directly (by index) rather than calling Get(name):
// Get always resolves to the topmost instance of a name, so a delivery
// with a duplicated signed-header name (spec.md §3 permits duplicate
// names) would have every bottom-up occurrence canonicalize the same
// topmost value instead of each instance's own value — the index-aware
// walk below canonicalizes the exact entry found at each position.
func canonicalizeSignedHeaders(headers *delivery.HeaderBlock, want []string) ([]string, []byte) {
	wanted := make(map[string]bool, len(want))
	for _, w := range want {
		wanted[strings.ToLower(w)] = true
	}

	entries := headers.Entries()
	var present []string
	var buf strings.Builder
	for i := len(entries) - 1; i >= 0; i-- {
		lower := strings.ToLower(entries[i].Name)
		if !wanted[lower] {
			continue
		}
		buf.WriteString(lower)
		buf.WriteString(":")
		buf.WriteString(relaxHeaderValue(entries[i].Value))
		buf.WriteString("\r\n")
		present = append(present, lower)
	}
	return present, []byte(buf.String())
}

var wspRE = regexp.MustCompile(`[ \t]+`)

func relaxHeaderValue(v string) string {
	v = wspRE.ReplaceAllString(v, " ")
	return strings.TrimSpace(v)
}

func foldBase64(s string) string {
	const width = 72
	var b strings.Builder
	for len(s) > width {
		b.WriteString(s[:width])
		b.WriteString("\r\n ")
		s = s[width:]
	}
	b.WriteString(s)
	return b.String()
}

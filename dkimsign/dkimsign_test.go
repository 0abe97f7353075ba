package dkimsign

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oonrumail/outbound-worker/delivery"
)

func generateRSAKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func generateEd25519KeyPEM(t *testing.T) []byte {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func testHeaders() *delivery.HeaderBlock {
	hb := delivery.NewHeaderBlock()
	_ = hb.Append("From", "a@x.test")
	_ = hb.Append("To", "b@y.test")
	_ = hb.Append("Subject", "hi")
	_ = hb.Append("Date", "Thu, 30 Jul 2026 00:00:00 +0000")
	return hb
}

func TestSign_RSAProducesWellFormedSignatureLine(t *testing.T) {
	headers := testHeaders()
	key := Key{Domain: "x.test", Selector: "s1", Algorithm: "rsa-sha256", PrivateKeyPEM: generateRSAKeyPEM(t)}

	line, err := Sign(headers, []byte("bodyhash"), key, nil, time.Unix(1000, 0))
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(line, "DKIM-Signature: v=1; a=rsa-sha256; c=relaxed/relaxed; d=x.test; s=s1;"))
	// h= lists signed headers in bottom-up order (RFC 6376 §3.7): the
	// headers were appended From, To, Subject, Date, so bottom-up is the
	// reverse.
	require.Contains(t, line, "h=date:subject:to:from")
	require.Contains(t, line, "bh=")
	require.Contains(t, line, "b=")
}

func TestSign_Ed25519ProducesMatchingAlgorithm(t *testing.T) {
	headers := testHeaders()
	key := Key{Domain: "x.test", Selector: "s1", Algorithm: "ed25519-sha256", PrivateKeyPEM: generateEd25519KeyPEM(t)}

	line, err := Sign(headers, []byte("bodyhash"), key, nil, time.Unix(1000, 0))
	require.NoError(t, err)
	require.Contains(t, line, "a=ed25519-sha256")
}

func TestSign_AlgorithmKeyMismatchFails(t *testing.T) {
	headers := testHeaders()
	key := Key{Domain: "x.test", Selector: "s1", Algorithm: "ed25519-sha256", PrivateKeyPEM: generateRSAKeyPEM(t)}

	_, err := Sign(headers, []byte("bodyhash"), key, nil, time.Unix(1000, 0))
	require.Error(t, err)
}

func TestSign_NoSignableHeadersFails(t *testing.T) {
	hb := delivery.NewHeaderBlock()
	_ = hb.Append("X-Custom", "value")
	key := Key{Domain: "x.test", Selector: "s1", Algorithm: "rsa-sha256", PrivateKeyPEM: generateRSAKeyPEM(t)}

	_, err := Sign(hb, []byte("bodyhash"), key, nil, time.Unix(1000, 0))
	require.Error(t, err)
}

// TestCanonicalizeSignedHeaders_DuplicateNamesUseOwnInstanceValue pins the
// fix for a bug where a duplicated signed-header name (spec.md §3 permits
// duplicate names) had every bottom-up occurrence canonicalize the same
// topmost value via Get(name), instead of each instance canonicalizing
// its own value.
func TestCanonicalizeSignedHeaders_DuplicateNamesUseOwnInstanceValue(t *testing.T) {
	hb := delivery.NewHeaderBlock()
	_ = hb.Append("Subject", "top-subject")
	_ = hb.Append("Subject", "bottom-subject")

	present, canon := canonicalizeSignedHeaders(hb, []string{"subject"})

	require.Equal(t, []string{"subject", "subject"}, present)
	canonStr := string(canon)
	// Bottom-up: the bottom instance's own value is canonicalized first.
	require.Equal(t, "subject:bottom-subject\r\nsubject:top-subject\r\n", canonStr)
}

func TestCanonicalizeSignedHeaders_RelaxesWhitespace(t *testing.T) {
	hb := delivery.NewHeaderBlock()
	_ = hb.Append("Subject", "  hello   world  ")

	_, canon := canonicalizeSignedHeaders(hb, []string{"subject"})

	require.Equal(t, "subject:hello world\r\n", string(canon))
}

func TestCanonicalizeSignedHeaders_SkipsUnwantedNames(t *testing.T) {
	hb := delivery.NewHeaderBlock()
	_ = hb.Append("X-Unrelated", "value")
	_ = hb.Append("From", "a@x.test")

	present, _ := canonicalizeSignedHeaders(hb, []string{"from"})

	require.Equal(t, []string{"from"}, present)
}

func TestFoldBase64_WrapsAtWidth(t *testing.T) {
	s := strings.Repeat("a", 150)
	folded := foldBase64(s)

	for _, line := range strings.Split(folded, "\r\n ") {
		require.LessOrEqual(t, len(line), 72)
	}
}

func TestRelaxHeaderValue_CollapsesAndTrims(t *testing.T) {
	require.Equal(t, "a b c", relaxHeaderValue("  a   b\tc  "))
}

package dsn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassify_DeferOn4xx(t *testing.T) {
	c := Classify("450 4.2.1 Mailbox temporarily unavailable")
	require.Equal(t, ActionDefer, c.Action)
	require.Equal(t, 450, c.SMTPCode)
}

func TestClassify_RejectOn5xx(t *testing.T) {
	c := Classify("550 5.1.1 No such user here")
	require.Equal(t, ActionReject, c.Action)
	require.Equal(t, CategoryAddressFailure, c.Category)
}

func TestClassify_AcceptOn2xx(t *testing.T) {
	c := Classify("250 2.0.0 OK queued as 12345")
	require.Equal(t, ActionAccept, c.Action)
}

func TestClassify_ProviderRuleOverridesGenericClass(t *testing.T) {
	c := Classify("421 4.7.0 [GSMTP] try again later, closing connection. gsmtp")
	require.Equal(t, ActionDefer, c.Action)
	require.Equal(t, CategoryRateLimit, c.Category)
}

func TestClassify_UnparsableReplyDefers(t *testing.T) {
	c := Classify("connection reset by peer")
	require.Equal(t, ActionDefer, c.Action)
	require.Equal(t, CategoryUnknown, c.Category)
}

// TestClassify_NormaliseRoundTrip is the invariant from spec.md §8:
// Classify(Normalise(r)) == Classify(r) for every reply r.
func TestClassify_NormaliseRoundTrip(t *testing.T) {
	replies := []string{
		"550 5.1.1 No such user here",
		"450   4.2.1    Mailbox temporarily unavailable   ",
		"  421 4.7.0 try again later gsmtp  ",
		"250 2.0.0 OK",
		"not even an smtp reply",
	}
	for _, r := range replies {
		require.Equal(t, Classify(r), Classify(Normalise(r)), "reply: %q", r)
	}
}

func TestNormalise_CollapsesWhitespacePreservesCode(t *testing.T) {
	got := Normalise("450   4.2.1    Mailbox  temporarily   unavailable   ")
	require.Equal(t, "450 4.2.1 Mailbox temporarily unavailable", got)
}

func TestExtractSMTPCode(t *testing.T) {
	code, ok := ExtractSMTPCode("550 5.1.1 No such user here")
	require.True(t, ok)
	require.Equal(t, 550, code)

	_, ok = ExtractSMTPCode("no code here")
	require.False(t, ok)
}

func TestExtractEnhancedCode(t *testing.T) {
	code, ok := ExtractEnhancedCode("550 5.1.1 No such user here")
	require.True(t, ok)
	require.Equal(t, "5.1.1", code)
}

func TestGenerator_Generate(t *testing.T) {
	g := NewGenerator("mx.example.test")
	body, err := g.Generate("sender@example.com", "orig-id", "bounce-id",
		ActionReject,
		[]RecipientReport{{Address: "rcpt@example.test", Classification: Classify("550 5.1.1 No such user here")}},
		time.Unix(0, 0).UTC(),
	)
	require.NoError(t, err)
	require.Contains(t, string(body), "rcpt@example.test")
	require.Contains(t, string(body), "Action: reject")
}

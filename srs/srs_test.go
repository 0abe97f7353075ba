package srs

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedRewriter() *Rewriter {
	r := New("test-secret")
	r.now = func() time.Time { return time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC) }
	return r
}

func TestRewrite_ProducesSRS0Form(t *testing.T) {
	r := fixedRewriter()
	out := r.Rewrite("alice", "sender.example")
	require.True(t, strings.HasPrefix(out, "SRS0="))
	parts := strings.Split(out, "=")
	require.Len(t, parts, 5)
	require.Equal(t, "sender.example", parts[3])
	require.Equal(t, "alice", parts[4])
}

func TestRewrite_DeterministicForSameInput(t *testing.T) {
	r := fixedRewriter()
	a := r.Rewrite("bob", "example.org")
	b := r.Rewrite("bob", "example.org")
	require.Equal(t, a, b)
}

func TestRewrite_DifferentSecretsDiffer(t *testing.T) {
	r1 := fixedRewriter()
	r2 := New("other-secret")
	r2.now = r1.now
	require.NotEqual(t, r1.Rewrite("bob", "example.org"), r2.Rewrite("bob", "example.org"))
}

func TestExcludeDomain(t *testing.T) {
	require.True(t, ExcludeDomain("Example.COM", []string{"example.com"}))
	require.False(t, ExcludeDomain("example.net", []string{"example.com"}))
}

package delivery

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderBlock_InsertionOrder(t *testing.T) {
	h := NewHeaderBlock()
	require.NoError(t, h.Append("Subject", "hi"))
	require.NoError(t, h.Prepend("Received", "from x"))
	require.NoError(t, h.Insert(1, "DKIM-Signature", "v=1"))

	want := []string{"Received", "DKIM-Signature", "Subject"}
	got := []string{}
	for _, line := range strings.Split(strings.TrimRight(string(h.Bytes()), "\r\n"), "\r\n") {
		got = append(got, strings.SplitN(line, ":", 2)[0])
	}
	require.Equal(t, want, got)
}

func TestHeaderBlock_Count(t *testing.T) {
	h := NewHeaderBlock()
	h.Prepend("Received", "a")
	h.Prepend("received", "b")
	h.Append("Subject", "s")

	if got := h.Count("Received"); got != 2 {
		t.Fatalf("Count(Received) = %d, want 2", got)
	}
	if got := h.Count("X-Missing"); got != 0 {
		t.Fatalf("Count(X-Missing) = %d, want 0", got)
	}
}

func TestHeaderBlock_FreezeForbidsMutation(t *testing.T) {
	h := NewHeaderBlock()
	h.Append("Subject", "s")
	h.Freeze()

	if err := h.Append("X-Late", "v"); err == nil {
		t.Fatalf("expected error mutating a frozen header block")
	}
}

func TestHeaderBlock_Size(t *testing.T) {
	h := NewHeaderBlock()
	h.Append("Subject", "hi")
	require.Equal(t, len(h.Bytes()), h.Size())
}

package delivery

import (
	"fmt"
	"strings"
)

// HeaderBlockEnd is the insertion position meaning "append at the bottom".
const HeaderBlockEnd = -1

// header is one name/value pair within a HeaderBlock. Duplicate names are
// allowed; insertion order is the wire order.
type header struct {
	name  string
	value string
}

// HeaderBlock is an ordered multiset of headers addressed by insertion
// position: 0 is the top of the block, HeaderBlockEnd is the bottom. Once
// Freeze is called no further mutation is permitted, matching spec.md §3's
// invariant that headers become immutable the moment any byte of the
// message stream has been written to the wire.
type HeaderBlock struct {
	items  []header
	frozen bool
}

// NewHeaderBlock returns an empty, mutable header block.
func NewHeaderBlock() *HeaderBlock {
	return &HeaderBlock{}
}

// Insert adds a header at pos (0 = top, HeaderBlockEnd = bottom). Any other
// position inserts before the existing entry currently at that index;
// positions beyond the current length append at the bottom.
func (h *HeaderBlock) Insert(pos int, name, value string) error {
	if h.frozen {
		return fmt.Errorf("header block: cannot mutate after freeze")
	}
	entry := header{name: name, value: value}
	if pos == HeaderBlockEnd || pos >= len(h.items) {
		h.items = append(h.items, entry)
		return nil
	}
	if pos < 0 {
		pos = 0
	}
	h.items = append(h.items, header{})
	copy(h.items[pos+1:], h.items[pos:])
	h.items[pos] = entry
	return nil
}

// Prepend is shorthand for Insert(0, ...).
func (h *HeaderBlock) Prepend(name, value string) error {
	return h.Insert(0, name, value)
}

// Append is shorthand for Insert(HeaderBlockEnd, ...).
func (h *HeaderBlock) Append(name, value string) error {
	return h.Insert(HeaderBlockEnd, name, value)
}

// Count returns how many headers with the given name (case-insensitive)
// are present.
func (h *HeaderBlock) Count(name string) int {
	n := 0
	for _, it := range h.items {
		if strings.EqualFold(it.name, name) {
			n++
		}
	}
	return n
}

// Get returns the value of the first header with the given name.
func (h *HeaderBlock) Get(name string) (string, bool) {
	for _, it := range h.items {
		if strings.EqualFold(it.name, name) {
			return it.value, true
		}
	}
	return "", false
}

// Freeze marks the block immutable. Idempotent.
func (h *HeaderBlock) Freeze() {
	h.frozen = true
}

// Frozen reports whether the block has been frozen.
func (h *HeaderBlock) Frozen() bool {
	return h.frozen
}

// Entry is one name/value pair as returned by Entries.
type Entry struct {
	Name  string
	Value string
}

// Entries returns every header in wire order, for callers (e.g. the queue
// client's wire encoding) that need to walk the full block rather than
// look up a single name.
func (h *HeaderBlock) Entries() []Entry {
	out := make([]Entry, len(h.items))
	for i, it := range h.items {
		out[i] = Entry{Name: it.name, Value: it.value}
	}
	return out
}

// Len returns the number of headers in the block.
func (h *HeaderBlock) Len() int {
	return len(h.items)
}

// Bytes renders the header block in wire order, CRLF-terminated, including
// the blank line separating headers from body.
func (h *HeaderBlock) Bytes() []byte {
	var b strings.Builder
	for _, it := range h.items {
		b.WriteString(it.name)
		b.WriteString(": ")
		b.WriteString(it.value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// Size returns len(Bytes()) without allocating the full rendering, used for
// the SIZE advertisement in spec.md §4.3.
func (h *HeaderBlock) Size() int {
	n := 2 // trailing blank line
	for _, it := range h.items {
		n += len(it.name) + len(": ") + len(it.value) + len("\r\n")
	}
	return n
}

// Package delivery holds the data model for a single recipient's copy of a
// queued message as it moves through the outbound worker.
package delivery

import "time"

// DkimKey is one signing key attached to a Delivery, per SPEC_FULL §4.9:
// the body hash and algorithm are already computed by whoever enqueued the
// message, not by this worker.
type DkimKey struct {
	Domain    string
	Selector  string
	HashAlgo  string // "sha256" or "sha1"
	BodyHash  []byte
	PrivateKeyPEM []byte
}

// Spam carries the optional classification annotation that becomes the
// X-Zone-Spam-Status header.
type Spam struct {
	Default  bool // whether a status line should be emitted at all
	Flag     bool // Yes/No
	Score    float64
	HasScore bool
	Required float64
	HasRequired bool
	Tests    []string
}

// Delivery is one recipient's copy of a message, as described in spec.md §3.
type Delivery struct {
	ID   string
	Seq  int
	Lock string

	From   string
	To     []string
	Domain string

	Headers *HeaderBlock

	BodySize      int64
	DeferredCount int

	Spam *Spam
	Dkim []DkimKey
	Fbl  string

	MessageID string

	QueuedAt time.Time
}

// ReceivedCount reports how many Received headers the delivery currently
// carries, used for the hop-count loop guard (spec.md §3, §4.5, §8).
func (d *Delivery) ReceivedCount() int {
	if d.Headers == nil {
		return 0
	}
	return d.Headers.Count("Received")
}

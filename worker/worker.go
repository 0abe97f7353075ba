// Package worker is the DeliveryLoop (spec.md §4.3): the per-worker state
// machine that pulls one Delivery at a time from the queue authority,
// resolves and dials its destination, streams the assembled message, and
// acknowledges the outcome. One Worker runs one goroutine per (zone,
// egress-IP) pair, started and stopped from cmd/outbound-worker.
package worker

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/oonrumail/outbound-worker/bodyfetch"
	"github.com/oonrumail/outbound-worker/delivery"
	"github.com/oonrumail/outbound-worker/dkimsign"
	"github.com/oonrumail/outbound-worker/dsn"
	"github.com/oonrumail/outbound-worker/metrics"
	"github.com/oonrumail/outbound-worker/notify"
	"github.com/oonrumail/outbound-worker/queueclient"
	"github.com/oonrumail/outbound-worker/resolver"
	"github.com/oonrumail/outbound-worker/smtpclient"
	"github.com/oonrumail/outbound-worker/srs"
	"github.com/oonrumail/outbound-worker/zone"
)

// chronicDeferralLimit is spec.md §4.4's "deferredCount > 6" cap: past
// this many deferrals a transient reply still stops being retried and is
// treated as a permanent reject instead.
const chronicDeferralLimit = 6

// emptyBackoffUnit and emptyBackoffCapChecks implement spec.md §4.3's
// empty-queue back-off: min(emptyChecks², 1000) × 10ms.
const (
	emptyBackoffUnit       = 10 * time.Millisecond
	emptyBackoffCapChecks2 = 1000
)

// SrsPolicy bundles the envelope-rewrite configuration (spec.md §4.3,
// §6). Rewriter is nil when Enabled is false.
type SrsPolicy struct {
	Enabled        bool
	Rewriter       *srs.Rewriter
	RewriteDomain  string
	ExcludeDomains []string
}

// Config bundles everything one Worker needs, mirroring the teacher's
// pattern of grouping a goroutine's collaborators into one struct passed
// at construction (queue/worker.go's Manager).
type Config struct {
	ZoneName string
	Zone     *zone.Zone
	// ZoneStore, when set, mirrors a STARTTLS-disable flip through Redis
	// so sibling processes see it too (SPEC_FULL §5). Nil is valid — the
	// flag then stays process-local, same as a single-process deployment.
	ZoneStore *zone.Store

	Queue    *queueclient.Client
	Resolver *resolver.Resolver
	Body     *bodyfetch.Fetcher
	Notifier *notify.Notifier
	Timers   *metrics.Registry

	DkimEnabled bool
	Srs         SrsPolicy

	Logger *zap.Logger
}

// Worker runs the DeliveryLoop for one (zone, egress-IP) assignment.
type Worker struct {
	cfg      Config
	hostname string
	drain    atomic.Bool
}

// New builds a Worker from cfg. Unset fields are not validated here —
// cmd/outbound-worker is responsible for wiring a complete Config.
func New(cfg Config) *Worker {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	return &Worker{cfg: cfg, hostname: hostname}
}

// Close sets the drain flag checked at the top of every loop iteration
// (spec.md §5 Cancellation). The in-flight delivery, if any, always runs
// to completion before Run returns.
func (w *Worker) Close() {
	w.drain.Store(true)
}

// Run executes the DeliveryLoop until ctx is cancelled, Close is called,
// or a queue-command failure makes the drain flag fatal (spec.md §7:
// "fatal to the worker: set drain flag, emit error event, exit"). Only a
// failed GET is returned as an error; after a failed RELEASE, DEFER or
// BOUNCE, Run returns nil and the failure appears only in the log.
func (w *Worker) Run(ctx context.Context) error {
	emptyChecks := 0
	for {
		if w.drain.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		d, err := w.cfg.Queue.Get(ctx, w.cfg.ZoneName)
		if err != nil {
			w.cfg.Logger.Error("worker: GET failed, draining", zap.String("zone", w.cfg.ZoneName), zap.Error(err))
			w.drain.Store(true)
			return err
		}

		if d == nil {
			emptyChecks++
			factor := emptyChecks * emptyChecks
			if factor > emptyBackoffCapChecks2 {
				factor = emptyBackoffCapChecks2
			}
			if !sleepOrDone(ctx, time.Duration(factor)*emptyBackoffUnit) {
				return ctx.Err()
			}
			continue
		}
		emptyChecks = 0

		w.processDelivery(ctx, d)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// processDelivery runs one GET through resolve → dial → assemble → send →
// classify → ack (spec.md §4.3's state machine). It never returns an
// error: every failure mode ends in a terminal queue command, except a
// queue-command failure itself, which fatalQueueError logs at Error
// level before setting the drain flag; the next Run loop iteration then
// returns nil.
func (w *Worker) processDelivery(ctx context.Context, d *delivery.Delivery) {
	if w.cfg.Timers != nil {
		defer w.cfg.Timers.Time("delivery")()
	}

	nonce := fmt.Sprintf("%s.%d", d.ID, d.Seq)
	sess, dialReply := w.dial(ctx, d, nonce)

	heloName := w.hostname
	if sess != nil {
		heloName = sess.HeloName
	}

	envelopeFrom := w.assembleMessage(d, heloName)

	var replyText string
	if sess != nil {
		replyText = w.send(ctx, d, sess, envelopeFrom)
	} else {
		d.Headers.Freeze()
		replyText = dialReply
	}

	classification := dsn.Classify(dsn.Normalise(replyText))
	w.ack(ctx, d, classification, replyText)
}

// dial resolves d.Domain's mail exchangers and attempts each (exchange,
// IP) pair in order until one accepts a connection, per spec.md §4.2's
// session-establishment sequence and §4.1's resolve rules. When no
// (exchange, IP) pair could even be attempted it returns the synthetic
// reply spec.md §6 specifies; when every attempt failed it returns the
// last attempt's error text (server reply or OS error).
func (w *Worker) dial(ctx context.Context, d *delivery.Delivery, nonce string) (*smtpclient.Session, string) {
	if w.cfg.ZoneStore != nil {
		w.cfg.ZoneStore.SyncStarttlsFlag(ctx, w.cfg.ZoneName)
	}

	exchanges, err := w.cfg.Resolver.ResolveMX(ctx, d.Domain, w.cfg.Zone.Host)
	if err != nil {
		if errors.Is(err, resolver.ErrNoExchange) {
			w.cfg.Logger.Debug("worker: no MX for domain", zap.String("domain", d.Domain))
		} else {
			w.cfg.Logger.Debug("worker: MX lookup failed", zap.String("domain", d.Domain), zap.Error(err))
		}
		return nil, fmt.Sprintf("450 Can't find an MX server for %s", d.Domain)
	}

	family := addressFamilyFor(w.cfg.Zone)
	var lastReply string
	attempted := false

	for _, ex := range exchanges {
		ips, err := w.cfg.Resolver.ResolveAddresses(ctx, ex.Host, family)
		if err != nil {
			w.cfg.Logger.Debug("worker: address resolution failed", zap.String("host", ex.Host), zap.Error(err))
			continue
		}
		if len(ips) == 0 {
			w.cfg.Logger.Debug("worker: no addresses for exchange", zap.String("host", ex.Host))
			continue
		}
		for _, ip := range ips {
			attempted = true
			wasDisabled := w.cfg.Zone.DisableStarttls()
			sess, err := smtpclient.Dial(w.cfg.Zone, ex.Host, ip, nonce)
			if err == nil {
				return sess, ""
			}
			if !wasDisabled && w.cfg.Zone.DisableStarttls() && w.cfg.ZoneStore != nil {
				w.cfg.ZoneStore.MarkStarttlsDisabled(ctx, w.cfg.ZoneName)
			}
			lastReply = err.Error()
			w.cfg.Logger.Debug("worker: dial attempt failed",
				zap.String("host", ex.Host), zap.String("ip", ip), zap.Error(err))
		}
	}

	if !attempted {
		return nil, fmt.Sprintf("450 Can't connect to any MX server for %s", d.Domain)
	}
	return nil, lastReply
}

func addressFamilyFor(z *zone.Zone) resolver.AddressFamily {
	switch z.AddressFamily {
	case "v4":
		return resolver.FamilyV4Only
	case "v6":
		return resolver.FamilyV6Only
	default:
		return resolver.FamilyBoth
	}
}

// assembleMessage builds the full header block in the order spec.md §4.3
// and its index-0 Received invariant require: spam annotation and DKIM
// signatures first (they only ever prepend/append relative to headers
// already present), and the Received header prepended LAST so it lands
// at index 0 regardless of how many DKIM signatures were added above the
// original block. It returns the envelope-from to actually use (possibly
// SRS-rewritten; the From: header itself is never touched).
func (w *Worker) assembleMessage(d *delivery.Delivery, heloName string) string {
	if d.Spam != nil && d.Spam.Default {
		if err := d.Headers.Append("X-Zone-Spam-Status", spamHeaderValue(d.Spam)); err != nil {
			w.cfg.Logger.Warn("worker: failed to append spam header", zap.String("id", d.ID), zap.Error(err))
		}
	}

	if w.cfg.DkimEnabled {
		for i := len(d.Dkim) - 1; i >= 0; i-- {
			w.signOne(d, d.Dkim[i])
		}
	}

	envelopeFrom := d.From
	if w.cfg.Srs.Enabled && envelopeFrom != "" {
		local, domain, ok := strings.Cut(envelopeFrom, "@")
		if ok && !srs.ExcludeDomain(domain, w.cfg.Srs.ExcludeDomains) {
			envelopeFrom = fmt.Sprintf("%s@%s", w.cfg.Srs.Rewriter.Rewrite(local, domain), w.cfg.Srs.RewriteDomain)
		}
	}

	received, err := w.cfg.Zone.GenerateReceivedHeader(d, heloName)
	if err != nil {
		w.cfg.Logger.Warn("worker: failed to render Received header", zap.String("id", d.ID), zap.Error(err))
		received = fmt.Sprintf("from %s by %s with ESMTP id %s.%d", heloName, w.cfg.ZoneName, d.ID, d.Seq)
	}
	if err := d.Headers.Prepend("Received", received); err != nil {
		w.cfg.Logger.Warn("worker: failed to prepend Received header", zap.String("id", d.ID), zap.Error(err))
	}

	return envelopeFrom
}

func (w *Worker) signOne(d *delivery.Delivery, key delivery.DkimKey) {
	sigKey := dkimsign.Key{
		Domain:        key.Domain,
		Selector:      key.Selector,
		Algorithm:     detectDKIMAlgorithm(key.PrivateKeyPEM),
		PrivateKeyPEM: key.PrivateKeyPEM,
	}
	line, err := dkimsign.Sign(d.Headers, key.BodyHash, sigKey, nil, time.Now())
	if err != nil {
		w.cfg.Logger.Warn("worker: DKIM signing failed", zap.String("id", d.ID), zap.String("domain", key.Domain), zap.Error(err))
		return
	}
	name, value, ok := strings.Cut(line, ": ")
	if !ok {
		return
	}
	if err := d.Headers.Prepend(name, value); err != nil {
		w.cfg.Logger.Warn("worker: failed to prepend DKIM-Signature", zap.String("id", d.ID), zap.Error(err))
	}
}

// detectDKIMAlgorithm picks the signing algorithm string dkimsign.Sign
// dispatches on from the key material itself, since Delivery.Dkim (spec.md
// §3) carries only the hash algorithm, not the key type.
func detectDKIMAlgorithm(privateKeyPEM []byte) string {
	block, _ := pem.Decode(privateKeyPEM)
	if block != nil {
		if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
			if _, ok := parsed.(ed25519.PrivateKey); ok {
				return "ed25519-sha256"
			}
		}
	}
	return "rsa-sha256"
}

func spamHeaderValue(s *delivery.Spam) string {
	flag := "No"
	if s.Flag {
		flag = "Yes"
	}
	parts := []string{flag}
	if s.HasScore {
		parts = append(parts, fmt.Sprintf("score=%.2f", s.Score))
	}
	if s.HasRequired {
		parts = append(parts, fmt.Sprintf("required=%.2f", s.Required))
	}
	if len(s.Tests) > 0 {
		parts = append(parts, "tests=["+strings.Join(s.Tests, ", ")+"]")
	}
	return strings.Join(parts, ", ")
}

// send streams the assembled header block and fetched body through sess,
// freezing the header block the instant any byte is about to hit the
// wire (spec.md §3's mutation invariant), and always closes sess
// regardless of outcome (spec.md §3 Lifetimes).
func (w *Worker) send(ctx context.Context, d *delivery.Delivery, sess *smtpclient.Session, envelopeFrom string) string {
	defer sess.Close()

	body, contentLength, err := w.cfg.Body.Stream(ctx, d.ID)
	if err != nil {
		w.cfg.Logger.Warn("worker: body fetch failed", zap.String("id", d.ID), zap.Error(err))
		return fmt.Sprintf("451 4.3.0 body fetch failed for %s: %s", d.ID, err)
	}
	defer body.Close()

	bodySize := d.BodySize
	if bodySize == 0 && contentLength > 0 {
		bodySize = contentLength
	}
	size := int64(d.Headers.Size()) + bodySize

	d.Headers.Freeze()
	stream := io.MultiReader(bytes.NewReader(d.Headers.Bytes()), body)

	reply, err := sess.Send(smtpclient.Envelope{From: envelopeFrom, To: d.To, Size: size}, stream)
	if err != nil {
		return err.Error()
	}
	return reply
}

// ack applies spec.md §4.4's accept/defer/reject policy and issues the
// matching terminal queue command. A successful delivery (ActionAccept)
// always just releases the lock — it must never reach the bounce
// webhook or an internal BOUNCE record. deferredCount > chronicDeferralLimit
// never results in DEFER (spec.md §8's invariant), even when the
// classifier itself said "defer" — chronic deferrals become permanent
// rejects.
func (w *Worker) ack(ctx context.Context, d *delivery.Delivery, classification dsn.Classification, replyText string) {
	if classification.Action == dsn.ActionAccept {
		if err := w.cfg.Queue.Release(ctx, d); err != nil {
			w.fatalQueueError("RELEASE", err)
		}
		return
	}

	if classification.Action == dsn.ActionDefer && d.DeferredCount <= chronicDeferralLimit {
		ttl := deferTTL(d.DeferredCount)
		if err := w.cfg.Queue.Defer(ctx, w.cfg.ZoneName, d, ttl); err != nil {
			w.fatalQueueError("DEFER", err)
		}
		return
	}

	if err := w.cfg.Notifier.HandlePermanentReject(ctx, d, classification, replyText, time.Now()); err != nil {
		w.fatalQueueError("BOUNCE/RELEASE", err)
	}
}

func (w *Worker) fatalQueueError(cmd string, err error) {
	w.cfg.Logger.Error("worker: queue command failed, draining", zap.String("cmd", cmd), zap.Error(err))
	w.drain.Store(true)
}

// deferTTL computes spec.md §4.4's back-off: min(5^(deferredCount+1), 1024)
// minutes.
func deferTTL(deferredCount int) time.Duration {
	minutes := math.Pow(5, float64(deferredCount+1))
	if minutes > 1024 {
		minutes = 1024
	}
	return time.Duration(minutes * float64(time.Minute))
}

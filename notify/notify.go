// Package notify is the BounceNotifier (spec.md §4.5): out-of-band HTTP
// notification of a permanent reject, plus optional internal
// bounce-message emission. It also owns the ack for a permanently failed
// Delivery, since which terminal queue command applies (RELEASE vs
// BOUNCE) depends on whether internal bounces are enabled and the
// hop-count guard passes (spec.md §4.5, §8 boundary scenarios 3 and 6).
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/oonrumail/outbound-worker/delivery"
	"github.com/oonrumail/outbound-worker/dsn"
	"github.com/oonrumail/outbound-worker/queueclient"
)

// maxHopCount is the Received-header ceiling past which bounce messages
// are never generated (spec.md §3, §4.5): it guards against bounce loops
// between two misconfigured relays.
const maxHopCount = 25

// maxWebhookRetries and the retries^2-second backoff are spec.md §4.5's
// literal policy: one initial attempt, then up to five retries.
const maxWebhookRetries = 5

// Notifier wires the bounce webhook and internal-bounce-message path.
type Notifier struct {
	httpClient     *http.Client
	webhookURL     string
	bouncesEnabled bool
	hostname       string

	queue     *queueclient.Client
	generator *dsn.Generator
	logger    *zap.Logger
}

// New builds a Notifier. webhookURL == "" disables the webhook entirely
// (spec.md §6: "absent disables webhook").
func New(webhookURL string, bouncesEnabled bool, hostname string, queue *queueclient.Client, generator *dsn.Generator, logger *zap.Logger) *Notifier {
	return &Notifier{
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		webhookURL:     webhookURL,
		bouncesEnabled: bouncesEnabled,
		hostname:       hostname,
		queue:          queue,
		generator:      generator,
		logger:         logger,
	}
}

// webhookPayload is the exact JSON body spec.md §4.5 specifies.
type webhookPayload struct {
	ID         string    `json:"id"`
	To         []string  `json:"to"`
	Seq        int       `json:"seq"`
	ReturnPath string    `json:"returnPath"`
	Category   string    `json:"category"`
	Time       time.Time `json:"time"`
	Response   string    `json:"response"`
	Fbl        string    `json:"fbl,omitempty"`
}

// HandlePermanentReject acks a permanently rejected Delivery and, if
// configured, fires the bounce webhook and/or emits an internal BOUNCE
// queue command. The internal BOUNCE is used only when bounces are
// enabled, the hop-count guard passes and the envelope sender is
// non-empty; every other case issues a plain RELEASE.
func (n *Notifier) HandlePermanentReject(ctx context.Context, d *delivery.Delivery, classification dsn.Classification, responseText string, now time.Time) error {
	if n.webhookURL != "" {
		go n.postWebhookWithRetry(webhookPayload{
			ID:         d.ID,
			To:         d.To,
			Seq:        d.Seq,
			ReturnPath: d.From,
			Category:   string(classification.Category),
			Time:       now,
			Response:   responseText,
			Fbl:        d.Fbl,
		})
	}

	if n.bouncesEnabled && d.ReceivedCount() <= maxHopCount && d.From != "" {
		return n.emitInternalBounce(ctx, d, classification, responseText, now)
	}

	return n.queue.Release(ctx, d)
}

func (n *Notifier) emitInternalBounce(ctx context.Context, d *delivery.Delivery, classification dsn.Classification, responseText string, now time.Time) error {
	recipients := make([]dsn.RecipientReport, 0, len(d.To))
	for _, to := range d.To {
		recipients = append(recipients, dsn.RecipientReport{
			Address:        to,
			Classification: classification,
		})
	}

	bounceMessageID := fmt.Sprintf("bounce-%s-%d", d.ID, now.UnixNano())
	body, err := n.generator.Generate(d.From, d.MessageID, bounceMessageID, dsn.ActionReject, recipients, now)
	if err != nil {
		n.logger.Warn("notify: failed to render DSN body", zap.String("id", d.ID), zap.Error(err))
	} else {
		n.logger.Info("notify: generated internal bounce message",
			zap.String("id", d.ID), zap.Int("seq", d.Seq), zap.Int("dsn_bytes", len(body)))
	}

	report := queueclient.BounceReport{
		ID:         d.ID,
		Seq:        d.Seq,
		From:       d.From,
		To:         d.To,
		Headers:    d.Headers.Bytes(),
		ReturnPath: d.From,
		Category:   string(classification.Category),
		Time:       now,
		Response:   responseText,
	}
	return n.queue.Bounce(ctx, d, report)
}

// postWebhookWithRetry runs entirely in its own goroutine (spec.md §4.5:
// "retries scheduled on non-blocking timers") so a slow or unreachable
// webhook endpoint never holds up the delivery loop.
func (n *Notifier) postWebhookWithRetry(payload webhookPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Warn("notify: failed to encode webhook payload", zap.Error(err))
		return
	}

	for attempt := 1; attempt <= maxWebhookRetries+1; attempt++ {
		req, err := http.NewRequest(http.MethodPost, n.webhookURL, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
			resp, err2 := n.httpClient.Do(req)
			if err2 == nil {
				resp.Body.Close()
				if resp.StatusCode < 300 {
					return
				}
				err = fmt.Errorf("webhook returned %s", resp.Status)
			} else {
				err = err2
			}
		}

		if attempt == maxWebhookRetries+1 {
			n.logger.Warn("notify: webhook delivery abandoned",
				zap.String("id", payload.ID), zap.Int("attempts", attempt), zap.Error(err))
			return
		}
		n.logger.Debug("notify: webhook attempt failed, retrying",
			zap.String("id", payload.ID), zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(time.Duration(attempt*attempt) * time.Second)
	}
}

package worker

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oonrumail/outbound-worker/delivery"
	"github.com/oonrumail/outbound-worker/dsn"
	"github.com/oonrumail/outbound-worker/notify"
	"github.com/oonrumail/outbound-worker/queueclient"
	"github.com/oonrumail/outbound-worker/zone"
)

func TestDeferTTL_MonotoneAndCappedAt1024Minutes(t *testing.T) {
	prev := time.Duration(0)
	for count := 0; count <= chronicDeferralLimit; count++ {
		ttl := deferTTL(count)
		require.GreaterOrEqual(t, ttl, prev)
		prev = ttl
	}
	require.Equal(t, 1024*time.Minute, deferTTL(10))
}

func TestDeferTTL_FirstDeferralIsFiveMinutes(t *testing.T) {
	require.Equal(t, 5*time.Minute, deferTTL(0))
}

func TestSpamHeaderValue_AllFields(t *testing.T) {
	s := &delivery.Spam{
		Flag: true, HasScore: true, Score: 6.5,
		HasRequired: true, Required: 5.0,
		Tests: []string{"BAYES_99", "HTML_IMAGE_ONLY"},
	}
	require.Equal(t, "Yes, score=6.50, required=5.00, tests=[BAYES_99, HTML_IMAGE_ONLY]", spamHeaderValue(s))
}

func TestSpamHeaderValue_FlagOnly(t *testing.T) {
	require.Equal(t, "No", spamHeaderValue(&delivery.Spam{}))
}

func testZone() *zone.Zone {
	return &zone.Zone{
		Name:                   "zone-a",
		ReceivedHeaderTemplate: zone.DefaultReceivedHeaderTemplate,
	}
}

func testWorker() *Worker {
	return &Worker{
		cfg: Config{
			ZoneName: "zone-a",
			Zone:     testZone(),
			Logger:   zap.NewNop(),
		},
		hostname: "mx.test",
	}
}

func testDeliveryWithHeaders() *delivery.Delivery {
	hb := delivery.NewHeaderBlock()
	_ = hb.Append("Subject", "hi")
	_ = hb.Append("From", "a@x.test")
	return &delivery.Delivery{
		ID: "m1", Seq: 1, From: "a@x.test", To: []string{"b@y.test"}, Domain: "y.test",
		Headers: hb,
	}
}

func TestAssembleMessage_ReceivedLandsAtIndexZero(t *testing.T) {
	w := testWorker()
	d := testDeliveryWithHeaders()

	envelopeFrom := w.assembleMessage(d, "mail.zone-a.test")

	require.Equal(t, "a@x.test", envelopeFrom)
	entries := d.Headers.Entries()
	require.Equal(t, "Received", entries[0].Name)
}

func TestAssembleMessage_SpamHeaderAppendedAtBottom(t *testing.T) {
	w := testWorker()
	d := testDeliveryWithHeaders()
	d.Spam = &delivery.Spam{Default: true, Flag: true}

	w.assembleMessage(d, "mail.zone-a.test")

	entries := d.Headers.Entries()
	require.Equal(t, "X-Zone-Spam-Status", entries[len(entries)-1].Name)
}

func generateRSAKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func TestAssembleMessage_DkimSignedReceivedStillAtIndexZero(t *testing.T) {
	w := testWorker()
	w.cfg.DkimEnabled = true
	d := testDeliveryWithHeaders()
	d.Dkim = []delivery.DkimKey{
		{Domain: "x.test", Selector: "s1", HashAlgo: "sha256", BodyHash: []byte("bodyhash"), PrivateKeyPEM: generateRSAKeyPEM(t)},
	}

	w.assembleMessage(d, "mail.zone-a.test")

	entries := d.Headers.Entries()
	require.Equal(t, "Received", entries[0].Name)

	found := false
	for _, e := range entries {
		if e.Name == "DKIM-Signature" {
			found = true
		}
	}
	require.True(t, found)
}

func TestDetectDKIMAlgorithm_RSADefault(t *testing.T) {
	require.Equal(t, "rsa-sha256", detectDKIMAlgorithm(generateRSAKeyPEM(t)))
}

func newTestWorkerWithQueue(t *testing.T) (*Worker, *queueclient.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queueclient.New(rdb, zap.NewNop(), nil)
	n := notify.New("", true, "mx.test", q, dsn.NewGenerator("mx.test"), zap.NewNop())
	w := testWorker()
	w.cfg.Queue = q
	w.cfg.Notifier = n
	return w, q
}

func TestAck_TransientDeferGoesThroughDefer(t *testing.T) {
	w, q := newTestWorkerWithQueue(t)
	ctx := context.Background()

	d := testDeliveryWithHeaders()
	require.NoError(t, q.Enqueue(ctx, "zone-a", d))
	got, err := q.Get(ctx, "zone-a")
	require.NoError(t, err)

	w.ack(ctx, got, dsn.Classification{Action: dsn.ActionDefer, Category: "rate_limit"}, "451 4.3.0 try later")
	require.Equal(t, 1, got.DeferredCount)

	require.NoError(t, q.SweepDeferred(ctx, "zone-a"))
}

func TestAck_ChronicDeferralBecomesPermanentReject(t *testing.T) {
	w, q := newTestWorkerWithQueue(t)
	ctx := context.Background()

	d := testDeliveryWithHeaders()
	d.DeferredCount = chronicDeferralLimit + 1
	require.NoError(t, q.Enqueue(ctx, "zone-a", d))
	got, err := q.Get(ctx, "zone-a")
	require.NoError(t, err)
	got.DeferredCount = chronicDeferralLimit + 1

	w.ack(ctx, got, dsn.Classification{Action: dsn.ActionDefer, Category: "rate_limit"}, "451 4.3.0 try later")

	// The lock was consumed by the permanent path (Bounce), not left for
	// DEFER: a second release attempt on it must fail.
	got.Lock = "stale"
	require.Error(t, q.Release(ctx, got))
}

func TestAck_PermanentRejectReleases(t *testing.T) {
	w, q := newTestWorkerWithQueue(t)
	ctx := context.Background()

	d := testDeliveryWithHeaders()
	require.NoError(t, q.Enqueue(ctx, "zone-a", d))
	got, err := q.Get(ctx, "zone-a")
	require.NoError(t, err)

	w.ack(ctx, got, dsn.Classification{Action: dsn.ActionReject, Category: "address_failure"}, "550 5.1.1 no such user")

	got.Lock = "stale"
	require.Error(t, q.Release(ctx, got))
}

func TestAck_AcceptReleasesWithoutBounceOrWebhook(t *testing.T) {
	var webhookHit atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		webhookHit.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w, q := newTestWorkerWithQueue(t)
	w.cfg.Notifier = notify.New(srv.URL, true, "mx.test", q, dsn.NewGenerator("mx.test"), zap.NewNop())
	ctx := context.Background()

	d := testDeliveryWithHeaders()
	require.NoError(t, q.Enqueue(ctx, "zone-a", d))
	got, err := q.Get(ctx, "zone-a")
	require.NoError(t, err)

	w.ack(ctx, got, dsn.Classification{Action: dsn.ActionAccept}, "250 2.0.0 OK queued as abc123")

	// A plain RELEASE was issued directly: the lock is gone.
	got.Lock = "stale"
	require.Error(t, q.Release(ctx, got))

	// No bounce report was queued, and the webhook was never invoked.
	require.Never(t, func() bool { return webhookHit.Load() }, 100*time.Millisecond, 10*time.Millisecond)
}

package queueclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oonrumail/outbound-worker/delivery"
)

func newTestClient(t *testing.T) (*Client, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, zap.NewNop(), nil), rdb
}

func testDelivery() *delivery.Delivery {
	hb := delivery.NewHeaderBlock()
	_ = hb.Append("Subject", "hi")
	return &delivery.Delivery{
		ID:     "m1",
		Seq:    1,
		From:   "a@x.test",
		To:     []string{"b@y.test"},
		Domain: "y.test",
		Headers: hb,
		BodySize: 10,
	}
}

func TestGet_EmptyQueueReturnsNil(t *testing.T) {
	c, _ := newTestClient(t)
	d, err := c.Get(context.Background(), "zone-a")
	require.NoError(t, err)
	require.Nil(t, d)
}

func TestGetReleaseRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Enqueue(ctx, "zone-a", testDelivery()))

	got, err := c.Get(ctx, "zone-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "m1", got.ID)
	require.NotEmpty(t, got.Lock)

	require.NoError(t, c.Release(ctx, got))

	// A second release with a stale lock must fail.
	got.Lock = "stale"
	require.Error(t, c.Release(ctx, got))
}

func TestDeferThenSweepRequeues(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Enqueue(ctx, "zone-a", testDelivery()))
	got, err := c.Get(ctx, "zone-a")
	require.NoError(t, err)

	require.NoError(t, c.Defer(ctx, "zone-a", got, -time.Second)) // already due
	require.Equal(t, 1, got.DeferredCount)

	require.NoError(t, c.SweepDeferred(ctx, "zone-a"))

	again, err := c.Get(ctx, "zone-a")
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, "m1", again.ID)
}

func TestBounceRecordsReport(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Enqueue(ctx, "zone-a", testDelivery()))
	got, err := c.Get(ctx, "zone-a")
	require.NoError(t, err)

	err = c.Bounce(ctx, got, BounceReport{
		ID: got.ID, Seq: got.Seq, From: got.From, To: got.To,
		ReturnPath: got.From, Category: "address-failure",
		Time: time.Now(), Response: "550 5.1.1 no such user",
	})
	require.NoError(t, err)
}

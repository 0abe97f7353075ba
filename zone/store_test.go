package zone

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/oonrumail/outbound-worker/delivery"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testDeliveryForHeader() *delivery.Delivery {
	return &delivery.Delivery{
		ID:   "d1",
		Seq:  1,
		From: "sender@example.com",
		To:   []string{"rcpt@example.test"},
	}
}

type stubRepository struct {
	zones []*Zone
}

func (s *stubRepository) GetAllZones(ctx context.Context) ([]*Zone, error) {
	return s.zones, nil
}

func newTestZone(name string) *Zone {
	return &Zone{
		Name:                   name,
		Addresses:              []Address{{IP: "10.0.0.1", Hostname: "mx1.example.test"}},
		ReceivedHeaderTemplate: DefaultReceivedHeaderTemplate,
	}
}

func TestStore_StartLoadsZones(t *testing.T) {
	repo := &stubRepository{zones: []*Zone{newTestZone("us-east")}}
	store := NewStore(repo, zap.NewNop(), time.Hour, nil)

	require.NoError(t, store.Start(context.Background()))
	defer store.Stop()

	z, ok := store.Get("us-east")
	require.True(t, ok)
	require.Equal(t, "us-east", z.Name)
}

func TestStore_RefreshPreservesDisableStarttls(t *testing.T) {
	repo := &stubRepository{zones: []*Zone{newTestZone("us-east")}}
	store := NewStore(repo, zap.NewNop(), time.Hour, nil)
	require.NoError(t, store.Start(context.Background()))
	defer store.Stop()

	z, _ := store.Get("us-east")
	z.SetDisableStarttls(true)

	repo.zones = []*Zone{newTestZone("us-east")}
	require.NoError(t, store.RefreshAll(context.Background()))

	z2, _ := store.Get("us-east")
	require.True(t, z2.DisableStarttls(), "disableStarttls flag must survive a refresh cycle")
}

func TestStore_GetUnknownZone(t *testing.T) {
	repo := &stubRepository{}
	store := NewStore(repo, zap.NewNop(), time.Hour, nil)
	require.NoError(t, store.Start(context.Background()))
	defer store.Stop()

	_, ok := store.Get("does-not-exist")
	require.False(t, ok)
}

func TestStore_MarkStarttlsDisabledMirrorsToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	repo := &stubRepository{zones: []*Zone{newTestZone("us-east")}}
	store := NewStore(repo, zap.NewNop(), time.Hour, rdb)
	require.NoError(t, store.Start(context.Background()))
	defer store.Stop()

	store.MarkStarttlsDisabled(context.Background(), "us-east")

	z, _ := store.Get("us-east")
	require.True(t, z.DisableStarttls())

	v, err := mr.Get("zone:us-east:disable_starttls")
	require.NoError(t, err)
	require.Equal(t, "1", v)
}

func TestStore_SyncStarttlsFlagPullsFromRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, mr.Set("zone:us-east:disable_starttls", "1"))

	repo := &stubRepository{zones: []*Zone{newTestZone("us-east")}}
	store := NewStore(repo, zap.NewNop(), time.Hour, rdb)
	require.NoError(t, store.Start(context.Background()))
	defer store.Stop()

	z, _ := store.Get("us-east")
	require.False(t, z.DisableStarttls(), "flag must not be set before a sync")

	store.SyncStarttlsFlag(context.Background(), "us-east")

	require.True(t, z.DisableStarttls(), "sync must pull the mirrored flag raised by another process")
}

func TestZone_GetAddressIsStablePerNonce(t *testing.T) {
	z := &Zone{Addresses: []Address{
		{IP: "10.0.0.1"}, {IP: "10.0.0.2"}, {IP: "10.0.0.3"},
	}}

	a1, ok := z.GetAddress("delivery-42", false)
	require.True(t, ok)
	a2, ok := z.GetAddress("delivery-42", false)
	require.True(t, ok)
	require.Equal(t, a1, a2, "the same nonce must always pick the same address")
}

func TestZone_GetAddressFiltersByFamily(t *testing.T) {
	z := &Zone{Addresses: []Address{
		{IP: "10.0.0.1"}, {IP: "2001:db8::1"},
	}}

	a, ok := z.GetAddress("n", true)
	require.True(t, ok)
	require.Equal(t, "2001:db8::1", a.IP)

	a, ok = z.GetAddress("n", false)
	require.True(t, ok)
	require.Equal(t, "10.0.0.1", a.IP)
}

func TestZone_GenerateReceivedHeader(t *testing.T) {
	z := newTestZone("us-east")
	d := testDeliveryForHeader()

	line, err := z.GenerateReceivedHeader(d, "mx1.example.test")
	require.NoError(t, err)
	require.Contains(t, line, "mx1.example.test")
	require.Contains(t, line, "us-east")
}

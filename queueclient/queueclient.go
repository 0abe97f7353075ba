// Package queueclient is the request/response channel to the queue
// authority (spec.md §4.6, §6): GET, RELEASE, DEFER, BOUNCE. spec.md
// treats the queue authority as an external collaborator and names only
// its command shape; SPEC_FULL §4.6 answers "what backs it" the way the
// teacher already does (queue/manager.go pushes/pops work through
// github.com/redis/go-redis/v9): GET pops a delivery and stamps a lock
// token, RELEASE/DEFER/BOUNCE are Lua scripts that verify the lock token
// atomically before mutating state, so a worker can never ack a delivery
// it doesn't hold.
package queueclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/oonrumail/outbound-worker/delivery"
)

// Client is the worker-facing handle onto the Redis-backed queue.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
	timers TimerObserver
}

// TimerObserver is the subset of metrics.Registry the queue client needs,
// kept as an interface so this package doesn't import metrics directly
// (spec.md §4.6: "every command latency is recorded in the TimerRegistry
// under Command:<NAME>").
type TimerObserver interface {
	Observe(name string, d time.Duration)
}

// New builds a Client. timers may be nil to skip latency recording (unit
// tests).
func New(rdb *redis.Client, logger *zap.Logger, timers TimerObserver) *Client {
	return &Client{rdb: rdb, logger: logger, timers: timers}
}

func (c *Client) observe(cmd string, start time.Time) {
	if c.timers != nil {
		c.timers.Observe("Command:"+cmd, time.Since(start))
	}
}

// wireDelivery is the JSON envelope a delivery is stored/transmitted as.
// HeaderBlock doesn't serialize itself (it is deliberately opaque once
// frozen), so the wire form carries a flat ordered slice instead.
type wireDelivery struct {
	ID            string        `json:"id"`
	Seq           int           `json:"seq"`
	From          string        `json:"from"`
	To            []string      `json:"to"`
	Domain        string        `json:"domain"`
	Headers       []wireHeader  `json:"headers"`
	BodySize      int64         `json:"body_size"`
	DeferredCount int           `json:"deferred_count"`
	Spam          *delivery.Spam `json:"spam,omitempty"`
	Dkim          []delivery.DkimKey `json:"dkim,omitempty"`
	Fbl           string        `json:"fbl,omitempty"`
	MessageID     string        `json:"message_id"`
}

type wireHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func queueKey(zoneName string) string    { return "outbound:queue:" + zoneName }
func deferredKey(zoneName string) string { return "outbound:deferred:" + zoneName }
func lockKey(id string, seq int) string  { return fmt.Sprintf("outbound:lock:%s:%d", id, seq) }
func bouncesKey() string                 { return "outbound:bounces" }

// lockTTL bounds how long a GET's lock survives an abandoned worker
// (crash mid-delivery); spec.md §5 notes mid-send cancellation is never
// supported, so in normal operation RELEASE/DEFER/BOUNCE always arrives
// well before this expires.
const lockTTL = 10 * time.Minute

// Get pops the next delivery queued for zoneName and stamps a fresh lock
// token. A nil, nil return is the in-band "queue empty" result spec.md
// §4.3 backs off on, not an error.
func (c *Client) Get(ctx context.Context, zoneName string) (*delivery.Delivery, error) {
	start := time.Now()
	defer c.observe("GET", start)

	raw, err := c.rdb.LPop(ctx, queueKey(zoneName)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queueclient: GET: %w", err)
	}

	var w wireDelivery
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("queueclient: GET: decode delivery: %w", err)
	}

	lock := uuid.NewString()
	if err := c.rdb.Set(ctx, lockKey(w.ID, w.Seq), lock, lockTTL).Err(); err != nil {
		return nil, fmt.Errorf("queueclient: GET: stamp lock: %w", err)
	}

	d := fromWire(w)
	d.Lock = lock
	return d, nil
}

// releaseScript deletes the lock only if it still matches the caller's
// token, returning 1 on success and 0 if the lock had already expired or
// been superseded (e.g. a crashed worker's delivery was requeued to
// another worker).
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
	return 1
end
return 0
`)

// Release acks a delivery permanently (spec.md §4.6's RELEASE): used for
// a successful delivery and for a permanent reject that emits no
// internal bounce.
func (c *Client) Release(ctx context.Context, d *delivery.Delivery) error {
	start := time.Now()
	defer c.observe("RELEASE", start)
	return c.checkedLockOp(ctx, releaseScript, d, "RELEASE")
}

// deferScript verifies the lock, then moves the delivery into the
// deferred sorted set scored by its next-attempt time, so a background
// sweeper can requeue it once ttl elapses (spec.md §4.4's back-off TTL).
var deferScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
	redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
	return 1
end
return 0
`)

// Defer requeues the delivery for retry after ttl on zoneName's deferred
// set, incrementing DeferredCount so the next attempt's back-off policy
// can see it (spec.md §4.4, §7). zoneName is the egress zone the worker
// is running under, not the recipient domain — a deferred delivery is
// re-attempted by a worker assigned to the same zone, possibly against a
// different MX entirely.
func (c *Client) Defer(ctx context.Context, zoneName string, d *delivery.Delivery, ttl time.Duration) error {
	start := time.Now()
	defer c.observe("DEFER", start)

	d.DeferredCount++
	w := toWire(d)
	payload, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("queueclient: DEFER: encode: %w", err)
	}

	runAt := float64(time.Now().Add(ttl).Unix())
	res, err := deferScript.Run(ctx, c.rdb, []string{lockKey(d.ID, d.Seq), deferredKey(zoneName)},
		d.Lock, runAt, payload).Result()
	if err != nil {
		return fmt.Errorf("queueclient: DEFER: %w", err)
	}
	if n, _ := res.(int64); n == 0 {
		return fmt.Errorf("queueclient: DEFER: lock mismatch for %s.%d", d.ID, d.Seq)
	}
	return nil
}

// BounceReport is the payload persisted for an internal BOUNCE command
// (spec.md §4.6's BOUNCE fields).
type BounceReport struct {
	ID         string    `json:"id"`
	Seq        int       `json:"seq"`
	From       string    `json:"from"`
	To         []string  `json:"to"`
	Headers    []byte    `json:"headers"`
	ReturnPath string    `json:"return_path"`
	Category   string    `json:"category"`
	Time       time.Time `json:"time"`
	Response   string    `json:"response"`
}

var bounceScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
	redis.call("RPUSH", KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// Bounce acks a permanently failed delivery and records a BounceReport
// for internal bounce-message generation (spec.md §4.6's BOUNCE, gated by
// the hop-count guard in package notify before this is ever called).
func (c *Client) Bounce(ctx context.Context, d *delivery.Delivery, report BounceReport) error {
	start := time.Now()
	defer c.observe("BOUNCE", start)

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("queueclient: BOUNCE: encode: %w", err)
	}

	res, err := bounceScript.Run(ctx, c.rdb, []string{lockKey(d.ID, d.Seq), bouncesKey()},
		d.Lock, payload).Result()
	if err != nil {
		return fmt.Errorf("queueclient: BOUNCE: %w", err)
	}
	if n, _ := res.(int64); n == 0 {
		return fmt.Errorf("queueclient: BOUNCE: lock mismatch for %s.%d", d.ID, d.Seq)
	}
	return nil
}

func (c *Client) checkedLockOp(ctx context.Context, script *redis.Script, d *delivery.Delivery, cmd string) error {
	res, err := script.Run(ctx, c.rdb, []string{lockKey(d.ID, d.Seq)}, d.Lock).Result()
	if err != nil {
		return fmt.Errorf("queueclient: %s: %w", cmd, err)
	}
	if n, _ := res.(int64); n == 0 {
		return fmt.Errorf("queueclient: %s: lock mismatch for %s.%d", cmd, d.ID, d.Seq)
	}
	return nil
}

// Enqueue pushes a brand-new delivery onto zoneName's queue. Used by
// whatever enqueues mail in the first place; nothing in this module's
// delivery path calls it.
func (c *Client) Enqueue(ctx context.Context, zoneName string, d *delivery.Delivery) error {
	payload, err := json.Marshal(toWire(d))
	if err != nil {
		return fmt.Errorf("queueclient: enqueue: encode: %w", err)
	}
	return c.rdb.RPush(ctx, queueKey(zoneName), payload).Err()
}

// SweepDeferred moves every deferred delivery whose TTL has elapsed back
// onto zoneName's active queue. Mirrors the teacher's recoveryLoop
// background ticker in queue/manager.go.
func (c *Client) SweepDeferred(ctx context.Context, zoneName string) error {
	now := float64(time.Now().Unix())
	key := deferredKey(zoneName)
	ready, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return fmt.Errorf("queueclient: sweep: %w", err)
	}
	for _, payload := range ready {
		if err := c.rdb.RPush(ctx, queueKey(zoneName), payload).Err(); err != nil {
			c.logger.Warn("queueclient: sweep requeue failed", zap.Error(err))
			continue
		}
		c.rdb.ZRem(ctx, key, payload)
	}
	return nil
}

// Run periodically sweeps every zone in names until stop closes, matching
// the teacher's ticker-goroutine shape.
func (c *Client) Run(ctx context.Context, stop <-chan struct{}, interval time.Duration, names func() []string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range names() {
				if err := c.SweepDeferred(ctx, name); err != nil {
					c.logger.Warn("queueclient: sweep failed", zap.String("zone", name), zap.Error(err))
				}
			}
		}
	}
}

func toWire(d *delivery.Delivery) wireDelivery {
	w := wireDelivery{
		ID:            d.ID,
		Seq:           d.Seq,
		From:          d.From,
		To:            d.To,
		Domain:        d.Domain,
		BodySize:      d.BodySize,
		DeferredCount: d.DeferredCount,
		Spam:          d.Spam,
		Dkim:          d.Dkim,
		Fbl:           d.Fbl,
		MessageID:     d.MessageID,
	}
	if d.Headers != nil {
		for _, e := range d.Headers.Entries() {
			w.Headers = append(w.Headers, wireHeader{Name: e.Name, Value: e.Value})
		}
	}
	return w
}

func fromWire(w wireDelivery) *delivery.Delivery {
	hb := delivery.NewHeaderBlock()
	for _, h := range w.Headers {
		_ = hb.Append(h.Name, h.Value)
	}
	return &delivery.Delivery{
		ID:            w.ID,
		Seq:           w.Seq,
		From:          w.From,
		To:            w.To,
		Domain:        w.Domain,
		Headers:       hb,
		BodySize:      w.BodySize,
		DeferredCount: w.DeferredCount,
		Spam:          w.Spam,
		Dkim:          w.Dkim,
		Fbl:           w.Fbl,
		MessageID:     w.MessageID,
	}
}

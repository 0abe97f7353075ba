// Package metrics implements the named-latency TimerRegistry described in
// spec.md §4.7: a map of name -> running totals plus a rotating per-window
// counter, flushed periodically to the log. It additionally feeds a
// Prometheus histogram per name, mirroring the teacher's use of
// promauto-registered metrics in queue/manager.go and exposed the same
// way, over promhttp, from cmd/outbound-worker.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// timer holds the running totals for one named latency series, exactly
// the fields spec.md §4.7 names.
type timer struct {
	totalSum   time.Duration
	totalCount int64

	windowSum   time.Duration
	windowCount int64

	prevSum   time.Duration
	prevCount int64

	epoch time.Time
}

// Registry is a named mapping of timers, safe for concurrent use across
// every worker goroutine in the process.
type Registry struct {
	mu     sync.Mutex
	timers map[string]*timer
	logger *zap.Logger

	histogram *prometheus.HistogramVec
}

// New builds an empty Registry. logger receives one Info line per name on
// each Flush; reg, if non-nil, receives an `outbound_worker_command_duration_seconds`
// HistogramVec labelled by name so the same numbers are scrapeable.
func New(logger *zap.Logger, reg prometheus.Registerer) *Registry {
	r := &Registry{
		timers: make(map[string]*timer),
		logger: logger,
	}
	if reg != nil {
		r.histogram = promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "outbound_worker",
			Name:      "command_duration_seconds",
			Help:      "Latency of named delivery-loop operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"})
	}
	return r
}

// Observe records one sample under name, e.g. "Command:GET" (spec.md
// §4.6) or "dial", "resolve", "send".
func (r *Registry) Observe(name string, d time.Duration) {
	r.mu.Lock()
	t, ok := r.timers[name]
	if !ok {
		t = &timer{epoch: time.Now()}
		r.timers[name] = t
	}
	t.totalSum += d
	t.totalCount++
	t.windowSum += d
	t.windowCount++
	r.mu.Unlock()

	if r.histogram != nil {
		r.histogram.WithLabelValues(name).Observe(d.Seconds())
	}
}

// Time is a convenience helper: call the returned func when the operation
// completes to record its duration under name.
func (r *Registry) Time(name string) func() {
	start := time.Now()
	return func() { r.Observe(name, time.Since(start)) }
}

// Flush logs the per-second rate over the window since the last flush for
// every name, then rotates window counters to zero while preserving
// totals, as spec.md §4.7 requires.
func (r *Registry) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for name, t := range r.timers {
		elapsed := now.Sub(t.epoch).Seconds()
		if elapsed <= 0 {
			elapsed = 1
		}
		ratePerSec := float64(t.windowCount) / elapsed
		avgMs := float64(0)
		if t.windowCount > 0 {
			avgMs = float64(t.windowSum.Milliseconds()) / float64(t.windowCount)
		}

		r.logger.Info("timer flush",
			zap.String("name", name),
			zap.Float64("rate_per_sec", ratePerSec),
			zap.Float64("avg_ms", avgMs),
			zap.Int64("total_count", t.totalCount),
		)

		t.prevSum = t.windowSum
		t.prevCount = t.windowCount
		t.windowSum = 0
		t.windowCount = 0
		t.epoch = now
	}
}

// Run flushes the registry every interval until ctx-style stop channel
// closes. Matches the teacher's cleanupLoop/recoveryLoop ticker-goroutine
// shape in queue/manager.go.
func (r *Registry) Run(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.Flush()
		}
	}
}

// Snapshot returns the current totals for name, for tests and other
// in-process introspection. The third return is false if name was never
// observed.
func (r *Registry) Snapshot(name string) (totalCount int64, totalSum time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timers[name]
	if !ok {
		return 0, 0, false
	}
	return t.totalCount, t.totalSum, true
}

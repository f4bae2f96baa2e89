// Package metrics keeps the engine's in-process counters and latency
// aggregates. The hot path touches only atomics; locks are taken solely
// while composing snapshots or allocating a new aggregate.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/seckill/internal/monitoring"
)

// Alert thresholds checked on every snapshot cycle.
const (
	lowHitRateThreshold    = 0.8
	highErrorRateThreshold = 0.05
	highAvgLatency         = 100 * time.Millisecond
	lowStockThreshold      = int64(10)
)

// latencyAgg accumulates per-operation latency. All fields are atomic;
// min/max converge via CAS loops.
type latencyAgg struct {
	count atomic.Int64
	sum   atomic.Int64 // nanoseconds
	min   atomic.Int64 // nanoseconds, 0 means unset
	max   atomic.Int64 // nanoseconds
}

func (a *latencyAgg) observe(d time.Duration) {
	ns := d.Nanoseconds()
	a.count.Add(1)
	a.sum.Add(ns)
	for {
		cur := a.min.Load()
		if cur != 0 && cur <= ns {
			break
		}
		if a.min.CompareAndSwap(cur, ns) {
			break
		}
	}
	for {
		cur := a.max.Load()
		if cur >= ns {
			break
		}
		if a.max.CompareAndSwap(cur, ns) {
			break
		}
	}
}

// LatencyStats is the exported form of one operation's aggregate.
type LatencyStats struct {
	Count int64         `json:"count"`
	Min   time.Duration `json:"min_ns"`
	Max   time.Duration `json:"max_ns"`
	Avg   time.Duration `json:"avg_ns"`
}

// activityStats tracks one activity's request counters and last seen stock.
type activityStats struct {
	requests  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	stock     atomic.Int64
}

// ActivityStats is the exported per-activity view.
type ActivityStats struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Stock     int64 `json:"stock"`
}

// Snapshot is the full collector state at one instant.
type Snapshot struct {
	Timestamp  time.Time                `json:"timestamp"`
	Uptime     float64                  `json:"uptime_seconds"`
	Hits       int64                    `json:"hits"`
	Misses     int64                    `json:"misses"`
	Sets       int64                    `json:"sets"`
	Deletes    int64                    `json:"deletes"`
	Errors     int64                    `json:"errors"`
	HitRate    float64                  `json:"hit_rate"`
	ErrorRate  float64                  `json:"error_rate"`
	Latencies  map[string]LatencyStats  `json:"latencies"`
	Activities map[string]ActivityStats `json:"activities"`
}

// SnapshotStore persists snapshots into the hot store metrics namespace.
type SnapshotStore interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Collector gathers hot-path counters and periodically emits snapshots,
// checks alert thresholds, and mirrors the Prometheus registry.
type Collector struct {
	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	errors  atomic.Int64

	latMu     sync.RWMutex
	latencies map[string]*latencyAgg

	activities sync.Map // activityID -> *activityStats

	startedAt time.Time
	interval  time.Duration
	logger    zerolog.Logger
	alerter   monitoring.Alerter
	snapStore SnapshotStore // optional

	stop     chan struct{}
	stopOnce sync.Once
}

// NewCollector builds a collector. snapStore may be nil to skip hot-store
// snapshot persistence.
func NewCollector(interval time.Duration, logger zerolog.Logger, alerter monitoring.Alerter, snapStore SnapshotStore) *Collector {
	return &Collector{
		latencies: make(map[string]*latencyAgg),
		startedAt: time.Now(),
		interval:  interval,
		logger:    logger.With().Str("component", "metrics").Logger(),
		alerter:   alerter,
		snapStore: snapStore,
		stop:      make(chan struct{}),
	}
}

func (c *Collector) RecordHit()    { c.hits.Add(1); cacheOpsTotal.WithLabelValues("hit").Inc() }
func (c *Collector) RecordMiss()   { c.misses.Add(1); cacheOpsTotal.WithLabelValues("miss").Inc() }
func (c *Collector) RecordSet()    { c.sets.Add(1); cacheOpsTotal.WithLabelValues("set").Inc() }
func (c *Collector) RecordDelete() { c.deletes.Add(1); cacheOpsTotal.WithLabelValues("delete").Inc() }
func (c *Collector) RecordError()  { c.errors.Add(1); cacheOpsTotal.WithLabelValues("error").Inc() }

// Observe records one operation latency under the given stage name.
func (c *Collector) Observe(stage string, d time.Duration) {
	c.latMu.RLock()
	agg, ok := c.latencies[stage]
	c.latMu.RUnlock()
	if !ok {
		c.latMu.Lock()
		if agg, ok = c.latencies[stage]; !ok {
			agg = &latencyAgg{}
			c.latencies[stage] = agg
		}
		c.latMu.Unlock()
	}
	agg.observe(d)
	requestDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (c *Collector) activity(id string) *activityStats {
	if v, ok := c.activities.Load(id); ok {
		return v.(*activityStats)
	}
	v, _ := c.activities.LoadOrStore(id, &activityStats{})
	return v.(*activityStats)
}

// RecordRequest counts one purchase attempt and its outcome.
func (c *Collector) RecordRequest(activityID, outcome string, success bool) {
	st := c.activity(activityID)
	st.requests.Add(1)
	if success {
		st.successes.Add(1)
	} else {
		st.failures.Add(1)
	}
	requestsTotal.WithLabelValues(activityID, outcome).Inc()
}

// RecordStock publishes the last observed remaining stock for an activity.
func (c *Collector) RecordStock(activityID string, remaining int64) {
	c.activity(activityID).stock.Store(remaining)
	stockRemaining.WithLabelValues(activityID).Set(float64(remaining))
}

// Snapshot assembles the current state. The latency map read-lock is
// released before any marshalling or I/O.
func (c *Collector) Snapshot() Snapshot {
	snap := Snapshot{
		Timestamp:  time.Now(),
		Uptime:     time.Since(c.startedAt).Seconds(),
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Sets:       c.sets.Load(),
		Deletes:    c.deletes.Load(),
		Errors:     c.errors.Load(),
		Latencies:  make(map[string]LatencyStats),
		Activities: make(map[string]ActivityStats),
	}

	reads := snap.Hits + snap.Misses
	if reads > 0 {
		snap.HitRate = float64(snap.Hits) / float64(reads)
	}
	total := reads + snap.Sets + snap.Deletes
	if total > 0 {
		snap.ErrorRate = float64(snap.Errors) / float64(total)
	}

	c.latMu.RLock()
	aggs := make(map[string]*latencyAgg, len(c.latencies))
	for k, v := range c.latencies {
		aggs[k] = v
	}
	c.latMu.RUnlock()

	for name, agg := range aggs {
		count := agg.count.Load()
		ls := LatencyStats{
			Count: count,
			Min:   time.Duration(agg.min.Load()),
			Max:   time.Duration(agg.max.Load()),
		}
		if count > 0 {
			ls.Avg = time.Duration(agg.sum.Load() / count)
		}
		snap.Latencies[name] = ls
	}

	c.activities.Range(func(key, value any) bool {
		st := value.(*activityStats)
		snap.Activities[key.(string)] = ActivityStats{
			Requests:  st.requests.Load(),
			Successes: st.successes.Load(),
			Failures:  st.failures.Load(),
			Stock:     st.stock.Load(),
		}
		return true
	})

	return snap
}

// ExportJSON renders the full snapshot for the admin endpoint.
func (c *Collector) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(c.Snapshot(), "", "  ")
}

// ExportText renders the snapshot as sorted key=value lines for scraping.
func (c *Collector) ExportText() []byte {
	snap := c.Snapshot()
	lines := []string{
		fmt.Sprintf("uptime_seconds=%.0f", snap.Uptime),
		fmt.Sprintf("cache_hits=%d", snap.Hits),
		fmt.Sprintf("cache_misses=%d", snap.Misses),
		fmt.Sprintf("cache_sets=%d", snap.Sets),
		fmt.Sprintf("cache_deletes=%d", snap.Deletes),
		fmt.Sprintf("cache_errors=%d", snap.Errors),
		fmt.Sprintf("cache_hit_rate=%.4f", snap.HitRate),
		fmt.Sprintf("cache_error_rate=%.4f", snap.ErrorRate),
	}
	for stage, ls := range snap.Latencies {
		lines = append(lines,
			fmt.Sprintf("latency_%s_count=%d", stage, ls.Count),
			fmt.Sprintf("latency_%s_avg_ms=%.3f", stage, float64(ls.Avg)/1e6),
			fmt.Sprintf("latency_%s_min_ms=%.3f", stage, float64(ls.Min)/1e6),
			fmt.Sprintf("latency_%s_max_ms=%.3f", stage, float64(ls.Max)/1e6),
		)
	}
	for id, st := range snap.Activities {
		lines = append(lines,
			fmt.Sprintf("activity_%s_requests=%d", id, st.Requests),
			fmt.Sprintf("activity_%s_successes=%d", id, st.Successes),
			fmt.Sprintf("activity_%s_failures=%d", id, st.Failures),
			fmt.Sprintf("activity_%s_stock=%d", id, st.Stock),
		)
	}
	sort.Strings(lines[8:]) // stable order for map-derived lines
	return []byte(strings.Join(lines, "\n") + "\n")
}

// Reset zeroes every counter and aggregate. Admin-only.
func (c *Collector) Reset() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.sets.Store(0)
	c.deletes.Store(0)
	c.errors.Store(0)
	c.latMu.Lock()
	c.latencies = make(map[string]*latencyAgg)
	c.latMu.Unlock()
	c.activities.Range(func(key, _ any) bool {
		c.activities.Delete(key)
		return true
	})
	c.logger.Info().Msg("Metrics collector reset")
}

// Start launches the periodic snapshot loop.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer monitoring.RecoverPanic(c.logger, "metrics_snapshot_loop", nil)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.emit(ctx)
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the snapshot loop.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// emit logs the snapshot, persists it, and checks alert thresholds.
func (c *Collector) emit(ctx context.Context) {
	snap := c.Snapshot()

	c.logger.Info().
		Int64("hits", snap.Hits).
		Int64("misses", snap.Misses).
		Float64("hit_rate", snap.HitRate).
		Float64("error_rate", snap.ErrorRate).
		Int("activities", len(snap.Activities)).
		Msg("Metrics snapshot")

	if c.snapStore != nil {
		if data, err := json.Marshal(snap); err == nil {
			sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := c.snapStore.Set(sctx, "seckill:metrics:snapshot", string(data), 24*time.Hour); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to persist metrics snapshot")
			}
			cancel()
		}
	}

	c.checkThresholds(snap)
}

// checkThresholds grades the snapshot against alert thresholds.
func (c *Collector) checkThresholds(snap Snapshot) {
	reads := snap.Hits + snap.Misses
	if reads >= 100 && snap.HitRate < lowHitRateThreshold {
		c.alert(monitoring.AlertWarning, "Cache hit rate below threshold", map[string]any{
			"hit_rate":  snap.HitRate,
			"threshold": lowHitRateThreshold,
		})
	}
	if snap.ErrorRate > highErrorRateThreshold {
		c.alert(monitoring.AlertError, "Cache error rate above threshold", map[string]any{
			"error_rate": snap.ErrorRate,
			"threshold":  highErrorRateThreshold,
		})
	}
	for stage, ls := range snap.Latencies {
		if ls.Count > 0 && ls.Avg > highAvgLatency {
			c.alert(monitoring.AlertWarning, "Average latency above threshold", map[string]any{
				"stage":  stage,
				"avg_ms": float64(ls.Avg) / 1e6,
			})
		}
	}

	outOfStock := 0
	for id, st := range snap.Activities {
		switch {
		case st.Stock == 0 && st.Requests > 0:
			outOfStock++
		case st.Stock > 0 && st.Stock <= lowStockThreshold:
			c.alert(monitoring.AlertWarning, "Activity stock running low", map[string]any{
				"activity": id,
				"stock":    st.Stock,
			})
		}
	}
	if outOfStock > 0 {
		c.alert(monitoring.AlertWarning, "Activities out of stock", map[string]any{
			"count": outOfStock,
		})
	}
}

func (c *Collector) alert(level monitoring.AlertLevel, msg string, meta map[string]any) {
	if c.alerter != nil {
		c.alerter.Alert(level, msg, meta)
	}
}

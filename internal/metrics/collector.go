// Package metrics exposes engine counters and gauges over Prometheus. A
// disabled collector is a cheap no-op so call sites never need to check.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syncache/syncache/internal/config"
	"github.com/syncache/syncache/pkg/types"
	"github.com/syncache/syncache/pkg/utils"
)

// Collector registers and serves the syncache Prometheus metrics.
type Collector struct {
	cfg      config.MetricsConfig
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	cacheOps       *prometheus.CounterVec
	cacheItems     *prometheus.GaugeVec
	cacheSizeUnits prometheus.Gauge
	cacheHitRate   prometheus.Gauge
	cacheEvictions prometheus.Counter
	pruneRuns      prometheus.Counter
	pruneEvicted   prometheus.Histogram

	syncOps        *prometheus.CounterVec
	conflicts      *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	queueReplays   *prometheus.CounterVec
	remoteLatency  *prometheus.HistogramVec
	onlineGauge    prometheus.Gauge
	breakerTripped prometheus.Counter

	mu     sync.Mutex
	server *http.Server

	// statsFn feeds the debug endpoint; set by the coordinator at startup.
	statsFn func() (types.CacheStats, types.QueueStats, types.SyncStats)
}

// NewCollector creates a collector. A disabled config yields a collector
// whose methods all no-op.
func NewCollector(cfg config.MetricsConfig, logger *utils.StructuredLogger) *Collector {
	c := &Collector{cfg: cfg, logger: logger.WithComponent("metrics")}
	if !cfg.Enabled {
		return c
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = "syncache"
	}

	c.registry = prometheus.NewRegistry()

	c.cacheOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "cache", Name: "operations_total",
		Help: "Cache operations by kind and outcome.",
	}, []string{"operation", "outcome"})
	c.cacheItems = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "cache", Name: "items",
		Help: "Tracked items by type.",
	}, []string{"type"})
	c.cacheSizeUnits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "cache", Name: "size_units",
		Help: "Total tracked size units.",
	})
	c.cacheHitRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "cache", Name: "hit_rate",
		Help: "Lifetime cache hit rate.",
	})
	c.cacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "cache", Name: "evictions_total",
		Help: "Total evicted entries.",
	})
	c.pruneRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "cache", Name: "prune_runs_total",
		Help: "Completed prune sweeps.",
	})
	c.pruneEvicted = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "cache", Name: "prune_evicted",
		Help:    "Entries evicted per prune sweep.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	c.syncOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "sync", Name: "operations_total",
		Help: "Sync operations by kind and outcome.",
	}, []string{"operation", "outcome"})
	c.conflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "sync", Name: "conflicts_total",
		Help: "Version conflicts by resolution.",
	}, []string{"resolution"})
	c.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "queue", Name: "depth",
		Help: "Offline queue entries by status.",
	}, []string{"status"})
	c.queueReplays = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "queue", Name: "replays_total",
		Help: "Queue replay attempts by outcome.",
	}, []string{"outcome"})
	c.remoteLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "remote", Name: "request_seconds",
		Help:    "Remote request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
	c.onlineGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "remote", Name: "online",
		Help: "1 when the remote is considered reachable.",
	})
	c.breakerTripped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "remote", Name: "breaker_trips_total",
		Help: "Circuit breaker open transitions.",
	})

	c.registry.MustRegister(
		c.cacheOps, c.cacheItems, c.cacheSizeUnits, c.cacheHitRate,
		c.cacheEvictions, c.pruneRuns, c.pruneEvicted,
		c.syncOps, c.conflicts, c.queueDepth, c.queueReplays,
		c.remoteLatency, c.onlineGauge, c.breakerTripped,
	)
	return c
}

// SetStatsSource wires the debug endpoint to live engine snapshots.
func (c *Collector) SetStatsSource(fn func() (types.CacheStats, types.QueueStats, types.SyncStats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statsFn = fn
}

// Start serves the metrics endpoint in the background.
func (c *Collector) Start(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}

	path := c.cfg.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/debug/stats", c.debugStatsHandler)

	c.mu.Lock()
	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := c.server
	c.mu.Unlock()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	c.logger.Info("metrics endpoint up", map[string]interface{}{
		"port": c.cfg.Port, "path": path,
	})
	return nil
}

// Stop shuts the metrics server down.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	srv := c.server
	c.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (c *Collector) debugStatsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	fn := c.statsFn
	c.mu.Unlock()
	if fn == nil {
		http.Error(w, "stats source not wired", http.StatusServiceUnavailable)
		return
	}

	cache, queue, syncStats := fn()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"cache": cache,
		"queue": queue,
		"sync":  syncStats,
	})
}

// RecordCacheOp counts one cache operation.
func (c *Collector) RecordCacheOp(operation, outcome string) {
	if c.cacheOps != nil {
		c.cacheOps.WithLabelValues(operation, outcome).Inc()
	}
}

// RecordEviction counts evicted entries.
func (c *Collector) RecordEviction(n int) {
	if c.cacheEvictions != nil {
		c.cacheEvictions.Add(float64(n))
	}
}

// RecordPrune counts a completed sweep and its eviction volume.
func (c *Collector) RecordPrune(evicted int) {
	if c.pruneRuns != nil {
		c.pruneRuns.Inc()
		c.pruneEvicted.Observe(float64(evicted))
	}
}

// UpdateCacheStats mirrors a cache snapshot into the gauges.
func (c *Collector) UpdateCacheStats(stats types.CacheStats) {
	if c.cacheItems == nil {
		return
	}
	for typ, usage := range stats.PerType {
		c.cacheItems.WithLabelValues(string(typ)).Set(float64(usage.Items))
	}
	c.cacheSizeUnits.Set(float64(stats.SizeUnits))
	c.cacheHitRate.Set(stats.HitRate)
}

// RecordSyncOp counts one sync operation.
func (c *Collector) RecordSyncOp(operation, outcome string) {
	if c.syncOps != nil {
		c.syncOps.WithLabelValues(operation, outcome).Inc()
	}
}

// RecordConflict counts one resolved conflict.
func (c *Collector) RecordConflict(resolution types.ConflictResolution) {
	if c.conflicts != nil {
		c.conflicts.WithLabelValues(string(resolution)).Inc()
	}
}

// UpdateQueueStats mirrors a queue snapshot into the depth gauges.
func (c *Collector) UpdateQueueStats(stats types.QueueStats) {
	if c.queueDepth == nil {
		return
	}
	c.queueDepth.WithLabelValues(string(types.QueueStatusPending)).Set(float64(stats.Pending))
	c.queueDepth.WithLabelValues(string(types.QueueStatusProcessing)).Set(float64(stats.Processing))
	c.queueDepth.WithLabelValues(string(types.QueueStatusFailed)).Set(float64(stats.Failed))
}

// RecordReplay counts one queue replay attempt.
func (c *Collector) RecordReplay(outcome string) {
	if c.queueReplays != nil {
		c.queueReplays.WithLabelValues(outcome).Inc()
	}
}

// RecordRemoteLatency observes one remote round trip.
func (c *Collector) RecordRemoteLatency(operation string, d time.Duration) {
	if c.remoteLatency != nil {
		c.remoteLatency.WithLabelValues(operation).Observe(d.Seconds())
	}
}

// SetOnline mirrors the connectivity state.
func (c *Collector) SetOnline(online bool) {
	if c.onlineGauge == nil {
		return
	}
	if online {
		c.onlineGauge.Set(1)
	} else {
		c.onlineGauge.Set(0)
	}
}

// RecordBreakerTrip counts one breaker open transition.
func (c *Collector) RecordBreakerTrip() {
	if c.breakerTripped != nil {
		c.breakerTripped.Inc()
	}
}

// Registry exposes the underlying registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

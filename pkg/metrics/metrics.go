// Package metrics implements C9, the status/metrics surface: an aggregated
// snapshot of store, cache and runtime counters (spec 4.9), plus the
// Prometheus collectors an operator scrapes from the admin HTTP surface.
//
// Grounded on the luxfi-consensus metrics package: a struct of
// prometheus.Gauge/Counter fields constructed once and registered against a
// prometheus.Registerer, with Set/Inc calls threaded through the
// component that owns the underlying count (pkg/metrics/metrics.go,
// protocol/nova/metrics.go).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ragp/engine/pkg/cache"
	"github.com/ragp/engine/pkg/registry"
	"github.com/ragp/engine/pkg/shard"
	"github.com/ragp/engine/pkg/storebase"
)

// Status is the full C9 snapshot, field-for-field matching spec 4.9.
type Status struct {
	PinnedNodes      int
	LRUNodes         int
	CacheBudgetMB    float64
	CacheBytesEstMB  float64
	AsyncOn          bool
	Shards           int
	GlobalQueueLen   int
	PerShardQueueLen []int
	ProcessedTotal   uint64
	GuardMode        string
	DroppedTotal     uint64
	CoalescedTotal   uint64
	HopTotal         uint64
	RegistryVersion  uint16
	NodeCount        int
}

// Collectors holds the Prometheus collectors registered for the engine.
type Collectors struct {
	pinnedNodes     prometheus.Gauge
	lruNodes        prometheus.Gauge
	cacheBytesUsed  prometheus.Gauge
	globalQueueLen  prometheus.Gauge
	processedTotal  prometheus.Counter
	droppedTotal    prometheus.Counter
	coalescedTotal  prometheus.Counter
	hopTotal        prometheus.Counter
	registryVersion prometheus.Gauge

	// last* track the previous Status' monotonic totals so Observe can Add
	// the delta to a prometheus.Counter, which has no Set method.
	lastProcessed  uint64
	lastDropped    uint64
	lastCoalesced  uint64
	lastHop        uint64
}

// NewCollectors constructs and registers the engine's Prometheus collectors
// against reg.
func NewCollectors(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		pinnedNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ragp_cache_pinned_nodes", Help: "Number of senders currently pinned in cache.",
		}),
		lruNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ragp_cache_lru_nodes", Help: "Number of senders currently cached in the LRU tier.",
		}),
		cacheBytesUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ragp_cache_bytes_used", Help: "Estimated cache memory usage in bytes.",
		}),
		globalQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ragp_runtime_global_queue_len", Help: "Sum of all shard inbox depths.",
		}),
		processedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ragp_runtime_processed_total", Help: "Total messages processed across all shards.",
		}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ragp_runtime_dropped_total", Help: "Total stimuli dropped under guard_mode=drop.",
		}),
		coalescedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ragp_runtime_coalesced_total", Help: "Total stimuli folded into a pending entry under guard_mode=coalesce.",
		}),
		hopTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ragp_runtime_hop_total", Help: "Total cross-shard Hop messages routed.",
		}),
		registryVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ragp_registry_version", Help: "Currently committed innate registry version.",
		}),
	}
	for _, coll := range []prometheus.Collector{
		c.pinnedNodes, c.lruNodes, c.cacheBytesUsed, c.globalQueueLen,
		c.processedTotal, c.droppedTotal, c.coalescedTotal, c.hopTotal, c.registryVersion,
	} {
		if err := reg.Register(coll); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Observe updates every collector from a freshly computed Status. s's
// *Total fields are monotonic counters read from the runtime's atomics, so
// Observe converts each into a prometheus.Counter.Add delta against the
// previous call (a Counter has no Set); the first Observe call after
// process start seeds last* without adding, since there is no prior sample
// to diff against.
func (c *Collectors) Observe(s Status) {
	c.pinnedNodes.Set(float64(s.PinnedNodes))
	c.lruNodes.Set(float64(s.LRUNodes))
	c.cacheBytesUsed.Set(s.CacheBytesEstMB * 1024 * 1024)
	c.globalQueueLen.Set(float64(s.GlobalQueueLen))
	c.registryVersion.Set(float64(s.RegistryVersion))

	addDelta := func(counter prometheus.Counter, last *uint64, total uint64) {
		if total > *last {
			counter.Add(float64(total - *last))
		}
		*last = total
	}
	addDelta(c.processedTotal, &c.lastProcessed, s.ProcessedTotal)
	addDelta(c.droppedTotal, &c.lastDropped, s.DroppedTotal)
	addDelta(c.coalescedTotal, &c.lastCoalesced, s.CoalescedTotal)
	addDelta(c.hopTotal, &c.lastHop, s.HopTotal)
}

// Collect assembles a Status snapshot from the engine's live components.
func Collect(store *storebase.Store, c *cache.Cache, rt *shard.Runtime, reg *registry.Registry, asyncOn bool, budgetMB float64) Status {
	cacheStats := c.Stats()
	rtMetrics := rt.Metrics()
	storeStats := store.Stats()
	return Status{
		PinnedNodes:      cacheStats.PinnedNodes,
		LRUNodes:         cacheStats.LRUNodes,
		CacheBudgetMB:    budgetMB,
		CacheBytesEstMB:  float64(cacheStats.UsedBytesEst) / (1024 * 1024),
		AsyncOn:          asyncOn,
		Shards:           rtMetrics.Shards,
		GlobalQueueLen:   rtMetrics.GlobalQueueLen,
		PerShardQueueLen: rtMetrics.PerShardQueue,
		ProcessedTotal:   rtMetrics.ProcessedTotal,
		GuardMode:        rtMetrics.GuardMode,
		DroppedTotal:     rtMetrics.DroppedTotal,
		CoalescedTotal:   rtMetrics.CoalescedTotal,
		HopTotal:         rtMetrics.HopTotal,
		RegistryVersion:  reg.Version(),
		NodeCount:        storeStats.NodeCount,
	}
}

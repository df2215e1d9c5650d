// Package consolidate implements C8, the consolidation coordinator: the
// barrier procedure that periodically folds the delta log into the base
// store so the delta never grows unbounded and reads stay on the fast
// cached/base path.
//
// Grounded on pkg/daemon/workers.go's scheduled-task-with-callback shape for
// the periodic trigger, and directly on spec 4.8's nine-step procedure for
// the barrier body itself.
package consolidate

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/ragp/engine/pkg/deltalog"
	"github.com/ragp/engine/pkg/graph"
	"github.com/ragp/engine/pkg/graphview"
	"github.com/ragp/engine/pkg/ragperr"
	"github.com/ragp/engine/pkg/registry"
	"github.com/ragp/engine/pkg/shard"
	"github.com/ragp/engine/pkg/storebase"
)

// Stats reports the outcome of one consolidation pass.
type Stats struct {
	MergedSenders int
	PrunedEdges   int
	Duration      time.Duration
}

// Coordinator owns the periodic consolidation barrier.
type Coordinator struct {
	store    *storebase.Store
	delta    deltaLog
	cacheP   cachePurger
	view     *graphview.View
	runtime  *shard.Runtime
	registry *registry.Registry
	logger   *log.Logger

	minWeight float32 // edges below this after merge are pruned as noise
	busy      atomic.Bool
}

// deltaLog is the subset of *deltalog.Log the coordinator needs; narrowed to
// an interface so tests can substitute a fake.
type deltaLog interface {
	Index() deltalog.Index
	Truncate() error
}

// cachePurger is the subset of *cache.Cache the coordinator needs.
type cachePurger interface {
	Purge(rewarm func(pinned []graph.NodeID))
	Put(sender graph.NodeID, synapses []graph.Synapse)
}

// New builds a coordinator over the given components. minWeight prunes
// merged edges whose magnitude decayed below the threshold, keeping the base
// from accumulating noise-level synapses across many consolidation cycles.
func New(store *storebase.Store, delta deltaLog, cacheP cachePurger, view *graphview.View,
	runtime *shard.Runtime, reg *registry.Registry, minWeight float32, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{store: store, delta: delta, cacheP: cacheP, view: view,
		runtime: runtime, registry: reg, minWeight: minWeight, logger: logger}
}

// Run executes one full consolidation barrier:
//  1. pause ingress
//  2. flush every shard (drain in-flight activation/write messages)
//  3. snapshot the delta index
//  4. merge each touched sender's delta overlay into its full outgoing list
//  5. apply the merge to the base store (one rewrite per touched chunk)
//  6. truncate the delta log
//  7. rebuild per-shard graph-view state is implicit: the view reads
//     through the store/cache, so no separate shard snapshot step is needed
//  8. clear the cache and re-warm previously pinned senders from the fresh
//     base
//  9. resume ingress
//
// Run is not reentrant: a second call while one is already in flight would
// race the first on delta.Truncate()/store.ApplyUpdates(), so a concurrent
// caller is turned away with ragperr.ConsolidateBusy() instead.
func (c *Coordinator) Run() (Stats, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return Stats{}, ragperr.ConsolidateBusy()
	}
	defer c.busy.Store(false)

	start := time.Now()
	c.runtime.PauseIngress()
	defer c.runtime.ResumeIngress()

	c.runtime.Flush()

	snapshot := c.delta.Index()
	if len(snapshot) == 0 {
		return Stats{Duration: time.Since(start)}, nil
	}

	updates := make(map[graph.NodeID][]graph.Synapse, len(snapshot))
	pruned := 0
	for sender, overlay := range snapshot {
		if !c.registry.Contains(sender) {
			continue // sender dropped by a registry migration since the write landed
		}
		merged, prunedHere, err := c.mergeSender(sender, overlay)
		if err != nil {
			return Stats{}, err
		}
		updates[sender] = merged
		pruned += prunedHere
	}

	if err := c.store.ApplyUpdates(updates); err != nil {
		return Stats{}, ragperr.StorageIO(err)
	}
	if err := c.delta.Truncate(); err != nil {
		return Stats{}, err
	}

	c.cacheP.Purge(func(pinned []graph.NodeID) {
		for _, id := range pinned {
			if syns, err := c.store.ReadOutgoing(id); err == nil {
				c.cacheP.Put(id, syns)
			}
		}
	})

	return Stats{MergedSenders: len(updates), PrunedEdges: pruned, Duration: time.Since(start)}, nil
}

// mergeSender combines sender's current base+delta view (via the shared
// graph view, which already applies last-write-wins-by-tick and tombstone
// removal) into the final post-merge outgoing list, additionally pruning any
// edge whose weight decayed under minWeight.
func (c *Coordinator) mergeSender(sender graph.NodeID, _ map[graph.NodeID]graph.Synapse) ([]graph.Synapse, int, error) {
	merged, err := c.view.Outgoing(sender)
	if err != nil {
		return nil, 0, err
	}
	out := make([]graph.Synapse, 0, len(merged))
	pruned := 0
	for _, syn := range merged {
		if syn.Weight < c.minWeight {
			pruned++
			continue
		}
		out = append(out, syn)
	}
	return out, pruned, nil
}

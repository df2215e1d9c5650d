// Package graphview implements C5, the read path: outgoing(sender) resolves
// base synapses (through the cache) and overlays the delta log on top,
// last-write-wins by tick, treating weight==0 as a tombstone. The result is
// materialized as a snapshot so a shard actor sees a stable view for the
// duration of one activation step.
package graphview

import (
	"sort"

	"github.com/ragp/engine/pkg/cache"
	"github.com/ragp/engine/pkg/deltalog"
	"github.com/ragp/engine/pkg/graph"
	"github.com/ragp/engine/pkg/ragperr"
	"github.com/ragp/engine/pkg/registry"
	"github.com/ragp/engine/pkg/storebase"
)

// View is the composed read path over C1 (base), C2 (delta), C3 (registry)
// and C4 (cache).
type View struct {
	store    *storebase.Store
	delta    *deltalog.Log
	cache    *cache.Cache
	registry *registry.Registry
}

// New composes a graph view over the given components.
func New(store *storebase.Store, delta *deltalog.Log, c *cache.Cache, reg *registry.Registry) *View {
	return &View{store: store, delta: delta, cache: c, registry: reg}
}

// Outgoing returns the effective outgoing synapses of sender: the base
// layer with delta entries overlaid last-write-wins by tick, tombstones
// (weight==0) removed. Fails with ErrUnknownNode if sender is not
// registered.
func (v *View) Outgoing(sender graph.NodeID) ([]graph.Synapse, error) {
	if !v.registry.Contains(sender) {
		return nil, ragperr.UnknownNode()
	}

	base, ok := v.cache.Get(sender)
	if !ok {
		var err error
		base, err = v.store.ReadOutgoing(sender)
		if err != nil {
			return nil, err
		}
		v.cache.Put(sender, base)
	}

	overlay, hasDelta := v.delta.Index()[sender]
	if !hasDelta {
		return cloneSorted(base), nil
	}

	merged := make(map[graph.NodeID]graph.Synapse, len(base)+len(overlay))
	for _, s := range base {
		merged[s.Receiver] = s
	}
	for receiver, d := range overlay {
		if existing, ok := merged[receiver]; ok && existing.Tick > d.Tick {
			continue
		}
		if graph.IsTombstone(d.Weight) {
			delete(merged, receiver)
			continue
		}
		merged[receiver] = d
	}

	out := make([]graph.Synapse, 0, len(merged))
	for _, s := range merged {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Receiver < out[j].Receiver })
	return out, nil
}

func cloneSorted(base []graph.Synapse) []graph.Synapse {
	out := append([]graph.Synapse(nil), base...)
	sort.Slice(out, func(i, j int) bool { return out[i].Receiver < out[j].Receiver })
	return out
}

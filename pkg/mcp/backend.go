package mcp

import (
	"context"
	"time"

	"github.com/ragp/engine/pkg/engine"
	"github.com/ragp/engine/pkg/graph"
	"github.com/ragp/engine/pkg/kernel"
	"github.com/ragp/engine/pkg/registry"
)

// engineBackend adapts the engine's write façade (*engine.Engine) and read
// façade (*engine.View) to the Backend interface MCP tools call against.
type engineBackend struct {
	eng  *engine.Engine
	view *engine.View
	reg  *registry.Registry
}

// NewEngineBackend wires the engine's public operations as an MCP Backend.
func NewEngineBackend(eng *engine.Engine, view *engine.View, reg *registry.Registry) Backend {
	return &engineBackend{eng: eng, view: view, reg: reg}
}

func (b *engineBackend) Status(_ context.Context) (map[string]any, error) {
	st := b.eng.Status()
	return map[string]any{
		"pinned_nodes":        st.PinnedNodes,
		"lru_nodes":           st.LRUNodes,
		"cache_budget_mb":     st.CacheBudgetMB,
		"cache_bytes_est_mb":  st.CacheBytesEstMB,
		"async_on":            st.AsyncOn,
		"shards":              st.Shards,
		"global_queue_len":    st.GlobalQueueLen,
		"per_shard_queue_len": st.PerShardQueueLen,
		"processed_total":     st.ProcessedTotal,
		"guard_mode":          st.GuardMode,
		"dropped_total":       st.DroppedTotal,
		"coalesced_total":     st.CoalescedTotal,
		"hop_total":           st.HopTotal,
		"registry_version":    st.RegistryVersion,
		"node_count":          st.NodeCount,
	}, nil
}

func (b *engineBackend) GetConnections(_ context.Context, sender uint64) ([]map[string]any, error) {
	syns, err := b.view.GetConnections(graph.NodeID(sender))
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(syns))
	for _, s := range syns {
		out = append(out, map[string]any{
			"sender":   uint64(s.Sender),
			"receiver": uint64(s.Receiver),
			"weight":   s.Weight,
			"tick":     s.Tick,
		})
	}
	return out, nil
}

func (b *engineBackend) SpreadActivation(_ context.Context, node uint64, strength float64, sync bool) ([]map[string]any, error) {
	var contributions []kernel.HopContribution
	if sync {
		c, err := b.eng.SpreadActivationSync(graph.NodeID(node), strength)
		if err != nil {
			return nil, err
		}
		contributions = c
	} else {
		ttl := b.view.DefaultHopTTL(graph.NodeID(node))
		c, err := b.view.SpreadActivation(graph.NodeID(node), ttl)
		if err != nil {
			return nil, err
		}
		contributions = c
	}
	out := make([]map[string]any, 0, len(contributions))
	for _, c := range contributions {
		out = append(out, map[string]any{
			"from":         uint64(c.From),
			"to":           uint64(c.To),
			"contribution": c.Contribution,
			"ttl":          c.TTL,
		})
	}
	return out, nil
}

func (b *engineBackend) SubmitStimulus(_ context.Context, node uint64, strength float64, source string) error {
	return b.eng.SubmitStimulus(graph.NodeID(node), strength, source, time.Now().UnixNano())
}

func (b *engineBackend) ComputeCD(_ context.Context, nodeIDs []uint64, topK int) ([]map[string]any, error) {
	var candidates []graph.NodeMeta
	if len(nodeIDs) == 0 {
		for _, m := range b.reg.All() {
			if m.Kind == graph.KindAction {
				candidates = append(candidates, m)
			}
		}
	} else {
		for _, id := range nodeIDs {
			if m, ok := b.reg.MetaOf(graph.NodeID(id)); ok {
				candidates = append(candidates, m)
			}
		}
	}
	if topK <= 0 {
		topK = 5
	}
	scored := b.view.ComputeCD(candidates, topK, nil)
	out := make([]map[string]any, 0, len(scored))
	for _, s := range scored {
		out = append(out, map[string]any{
			"action": uint64(s.Action),
			"score":  s.Score,
		})
	}
	return out, nil
}

func (b *engineBackend) UpdateWeight(_ context.Context, sender, receiver uint64, weight float32, tick uint32) error {
	return b.eng.UpdateWeight(graph.NodeID(sender), graph.NodeID(receiver), weight, tick)
}

func (b *engineBackend) Consolidate(_ context.Context) (map[string]any, error) {
	stats, err := b.eng.Consolidate()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"merged_senders": stats.MergedSenders,
		"pruned_edges":   stats.PrunedEdges,
		"duration_ms":    stats.Duration.Milliseconds(),
	}, nil
}

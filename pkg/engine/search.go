package engine

import (
	"sort"

	"github.com/ragp/engine/pkg/graph"
	"github.com/ragp/engine/pkg/graphview"
	"github.com/ragp/engine/pkg/kernel"
	"github.com/ragp/engine/pkg/ragperr"
)

// view and View are the read-path façade over C5 (graph view), the kernel's
// scoring surface, and C9's status snapshot: get_connections,
// spread_activation, compute_cd, status. Grounded on pkg/engine/search.go's
// Searcher (one struct wrapping the read-only components, one method per
// public query), stripped of the teacher's string/vector/sentiment scoring
// since this domain has no text content to score — scoring here runs
// entirely off the kernel's own activation state (see kernel.ScoreContext).

// View exposes the read-only operations. It wraps the shared graphview.View
// plus per-shard kernels so status/get_connections/compute_cd can be served
// without going through the write-path actor loop.
type View struct {
	graph  *graphview.View
	shards []*kernel.Kernel // index == owner shard id; read-only access from the façade
}

// NewView composes a read-only façade over the graph view and the live
// per-shard kernels (exposed by the runtime for inspection only — callers
// must not mutate a *kernel.Kernel from outside its owning shard goroutine).
func NewView(g *graphview.View, shards []*kernel.Kernel) *View {
	return &View{graph: g, shards: shards}
}

// GetConnections is get_connections: the effective outgoing synapses of
// sender, merged from base and delta per C5, returned in a stable
// receiver-ascending order so callers get a deterministic list across calls
// regardless of base/delta merge order.
func (v *View) GetConnections(sender graph.NodeID) ([]graph.Synapse, error) {
	syns, err := v.graph.Outgoing(sender)
	if err != nil {
		return nil, err
	}
	return sortedSynapses(syns), nil
}

// shardFor returns the kernel owning node, matching
// owner_shard(id) = id mod shard_count.
func (v *View) shardFor(node graph.NodeID) *kernel.Kernel {
	return v.shards[int(uint64(node)%uint64(len(v.shards)))]
}

// Activation returns node's current activation level as seen by its owning
// shard's kernel.
func (v *View) Activation(node graph.NodeID) float64 {
	return v.shardFor(node).Activation(node)
}

// DefaultHopTTL returns the HopTTLDefault configured for the shard owning
// node, so callers previewing a spread without picking their own ttl can
// match what a real stimulus-originated spread would use.
func (v *View) DefaultHopTTL(node graph.NodeID) int {
	return v.shardFor(node).Config().HopTTLDefault
}

// SpreadActivation is spread_activation: a read-only preview of one spread
// step from sender using its current activation and effective outgoing
// synapses, without mutating kernel state or producing Hop messages. This
// lets callers inspect what a stimulus *would* propagate to before actually
// submitting it through the write path.
func (v *View) SpreadActivation(sender graph.NodeID, ttl int) ([]kernel.HopContribution, error) {
	outgoing, err := v.graph.Outgoing(sender)
	if err != nil {
		return nil, err
	}
	return v.shardFor(sender).SpreadStep(sender, outgoing, ttl), nil
}

// ComputeCD is compute_cd: scores action candidates using the configured
// ScoreFunc (default: activation[action] - action.BaseCost). Candidates may
// be owned by different shards, so each one's activation is resolved via
// its own owning shard rather than a single kernel's local map.
func (v *View) ComputeCD(candidates []graph.NodeMeta, topK int, scoreFn kernel.ScoreFunc) []kernel.ScoredAction {
	if len(candidates) == 0 {
		return nil
	}
	return kernel.ScoreCandidates(candidates, topK, scoreFn, v.Activation)
}

// EnsureInnateRegistry is ensure_innate_registry: migrates the roster to
// desired at newVersion, rebuilding the base store's node index to match and
// pruning edges to now-invalid receivers, then committing the registry
// snapshot last so a crash mid-migration always leaves the previous,
// self-consistent roster authoritative on restart.
func (e *Engine) EnsureInnateRegistry(desired []graph.NodeMeta, newVersion uint16, protected map[graph.NodeID]bool) error {
	plan, err := e.registry.PlanMigration(desired, newVersion, protected)
	if err != nil {
		return err
	}
	if !plan.Changed {
		return nil
	}
	if err := e.store.RebuildFromRegistry(desired, newVersion, e.store.ReadOutgoing); err != nil {
		return ragperr.StorageIO(err)
	}
	return e.registry.Commit(desired, newVersion)
}

// sortedSynapses is a small helper kept for callers that need a stable
// ordering guarantee beyond what graphview.Outgoing already provides.
func sortedSynapses(syns []graph.Synapse) []graph.Synapse {
	out := append([]graph.Synapse(nil), syns...)
	sort.Slice(out, func(i, j int) bool { return out[i].Receiver < out[j].Receiver })
	return out
}

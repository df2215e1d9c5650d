// Package kernel implements C6, the activation kernel: the single-threaded,
// per-shard state machine that injects stimuli, spreads activation, decays
// it, scores action candidates, and proposes Hebbian synapse updates from
// co-activation in a temporal window.
//
// Grounded on pkg/synapse/hebbian.go (asymptotic strengthening, clamped
// weight math) and pkg/engine/search.go (spreading-activation accumulation,
// RLock-released-before-mutate discipline, though here there is no lock at
// all: a Kernel is owned by exactly one shard goroutine and never shared).
package kernel

import (
	"math"
	"sort"

	"github.com/ragp/engine/pkg/graph"
	"github.com/ragp/engine/pkg/ragperr"
)

// Config carries the kernel's tunable constants. Validate runs at
// construction and checks only DecayGamma and DecayEpsilon (see Validate);
// the other fields are not checked.
type Config struct {
	DecayGamma        float64 // activation[n] *= Gamma per tick, Gamma in (0,1)
	DecayEpsilon      float64 // activation entries below this are dropped
	WindowSize        int     // temporal window capacity (FIFO)
	HebbianEta        float64 // learning rate
	HebbianThreshold  float64 // minimum activation for co-activation participation
	HebbianBaseWeight float32 // weight assigned to a newly formed edge
	HopTTLDefault     int     // default ttl seeded on stimulus-originated spread
	ReSpreadThreshold float64 // activation level above which an incoming Hop triggers a further spread
}

// Validate enforces the numeric-semantics invariants from the design notes:
// DecayGamma in (0,1) and not NaN, DecayEpsilon non-negative.
func (c Config) Validate() error {
	if c.DecayGamma <= 0 || c.DecayGamma >= 1 || math.IsNaN(c.DecayGamma) {
		return ragperr.ErrInvalidDecayConst
	}
	if c.DecayEpsilon < 0 {
		return ragperr.ErrInvalidDecayConst
	}
	return nil
}

// temporalEntry is one (node, activation, tick) record in the window.
type temporalEntry struct {
	node graph.NodeID
	act  float64
	tick uint32
}

// Kernel is the per-shard activation state. Not safe for concurrent use —
// callers (the shard actor loop) must own it exclusively.
type Kernel struct {
	cfg Config

	activation  map[graph.NodeID]float64
	window      []temporalEntry // ring-like FIFO, oldest first
	globalTick  uint32
}

// New creates a kernel with an empty activation map and temporal window.
func New(cfg Config) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Kernel{cfg: cfg, activation: make(map[graph.NodeID]float64)}, nil
}

// Tick returns the current global tick.
func (k *Kernel) Tick() uint32 { return k.globalTick }

// Config returns the kernel's configuration, for callers (the shard actor)
// that need HopTTLDefault or ReSpreadThreshold without duplicating them.
func (k *Kernel) Config() Config { return k.cfg }

// Activation returns the current activation level of node (0 if absent).
func (k *Kernel) Activation(node graph.NodeID) float64 { return k.activation[node] }

// InjectStimulus applies (node, strength): activation[node] += strength,
// records it in the temporal window, and advances the tick.
func (k *Kernel) InjectStimulus(node graph.NodeID, strength float64) {
	k.activation[node] += strength
	k.pushWindow(node, k.activation[node])
	k.globalTick++
}

// ApplyHop applies an incoming cross-shard contribution: activation[to] +=
// contribution. Unlike InjectStimulus this does not by itself advance the
// tick (hops are processed within the tick of the spread step that produced
// them) but does record the co-activation for Hebbian purposes.
func (k *Kernel) ApplyHop(to graph.NodeID, contribution float64) {
	k.activation[to] += contribution
	k.pushWindow(to, k.activation[to])
}

func (k *Kernel) pushWindow(node graph.NodeID, act float64) {
	k.window = append(k.window, temporalEntry{node: node, act: act, tick: k.globalTick})
	if len(k.window) > k.cfg.WindowSize {
		// Drop oldest; never blocks, per spec boundary behavior.
		k.window = k.window[len(k.window)-k.cfg.WindowSize:]
	}
}

// HopContribution is a proposed cross-shard Hop payload produced by a
// spread step: from sender to receiver, the activation contribution, and a
// ttl to attach to the outgoing Hop message.
type HopContribution struct {
	From         graph.NodeID
	To           graph.NodeID
	Contribution float64
	TTL          int
}

// SpreadStep computes per-receiver contributions for an active sender given
// its effective outgoing synapses (already resolved through the graph
// view). ttl is the ttl to attach to produced Hop messages (HopTTLDefault
// for a stimulus-originated spread, or the decremented ttl of an incoming
// Hop being re-spread).
func (k *Kernel) SpreadStep(sender graph.NodeID, outgoing []graph.Synapse, ttl int) []HopContribution {
	if ttl <= 0 {
		return nil
	}
	act := k.activation[sender]
	if act <= 0 {
		return nil
	}
	out := make([]HopContribution, 0, len(outgoing))
	for _, syn := range outgoing {
		delta := act * float64(syn.Weight)
		if delta <= 0 {
			continue
		}
		out = append(out, HopContribution{From: sender, To: syn.Receiver, Contribution: delta, TTL: ttl - 1})
	}
	return out
}

// Decay applies multiplicative decay to every active node and drops
// entries that fall below DecayEpsilon.
func (k *Kernel) Decay() {
	for node, act := range k.activation {
		next := act * k.cfg.DecayGamma
		if next < k.cfg.DecayEpsilon {
			delete(k.activation, node)
			continue
		}
		k.activation[node] = next
	}
}

// ScoreContext is passed to a ScoreFunc for one action candidate.
type ScoreContext struct {
	Action     graph.NodeMeta
	Activation float64 // current activation level of the action node, which
	// already aggregates Σ_incoming activation[src]*weight(src,action) as
	// those contributions arrived via spread/Hop — see DESIGN.md for why
	// compute_cd reads the activation map rather than re-walking incoming
	// edges (the store only indexes outgoing adjacency).
}

// ScoreFunc computes a compute_cd score for one action candidate. Resolved
// in open question 1: compute_cd is a pluggable scoring function rather
// than a single hardcoded formula.
type ScoreFunc func(ctx ScoreContext) float64

// DefaultScoreFunc implements cd = activation[action] - action.BaseCost.
func DefaultScoreFunc(ctx ScoreContext) float64 {
	return ctx.Activation - ctx.Action.BaseCost
}

// ScoredAction is one result from ScoreActions.
type ScoredAction struct {
	Action graph.NodeID
	Score  float64
}

// ScoreActions scores every candidate action node with scoreFn (or
// DefaultScoreFunc if nil) and returns the top-K, ties broken by smaller
// node ID. Activation is read from this kernel's own map, so every
// candidate must be owned by this kernel's shard — callers scoring
// candidates that span shards must use ScoreCandidates instead.
func (k *Kernel) ScoreActions(candidates []graph.NodeMeta, topK int, scoreFn ScoreFunc) []ScoredAction {
	return ScoreCandidates(candidates, topK, scoreFn, k.Activation)
}

// ScoreCandidates scores every candidate with scoreFn (or DefaultScoreFunc
// if nil), sourcing each candidate's activation from activationOf rather
// than a single kernel's map — the caller supplies a lookup that resolves
// each node via its own owning shard, which ScoreActions cannot do since a
// Kernel only tracks activation for nodes it owns. Returns the top-K, ties
// broken by smaller node ID.
func ScoreCandidates(candidates []graph.NodeMeta, topK int, scoreFn ScoreFunc, activationOf func(graph.NodeID) float64) []ScoredAction {
	if scoreFn == nil {
		scoreFn = DefaultScoreFunc
	}
	scored := make([]ScoredAction, 0, len(candidates))
	for _, a := range candidates {
		s := scoreFn(ScoreContext{Action: a, Activation: activationOf(a.ID)})
		scored = append(scored, ScoredAction{Action: a.ID, Score: s})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Action < scored[j].Action
	})
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

// HebbianUpdate is a proposed edge-weight change arising from co-activation
// found in the temporal window.
type HebbianUpdate struct {
	Sender, Receiver graph.NodeID
	DeltaWeight      float32
	IsNew            bool
}

// FormHebbian scans the temporal window for pairs co-present within the
// window with activation above HebbianThreshold and proposes an edge
// update for each, grounded on pkg/synapse/hebbian.go's asymptotic
// strengthening: Δw = eta * act_i * act_j * reward. existing reports the
// current weight of (sender,receiver) if any, so the caller (which owns
// the graph view) can distinguish reinforcement from new-edge formation.
func (k *Kernel) FormHebbian(rewardSignal float64, existing func(sender, receiver graph.NodeID) (float32, bool)) []HebbianUpdate {
	var updates []HebbianUpdate
	n := len(k.window)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a, b := k.window[i], k.window[j]
			if a.node == b.node {
				continue
			}
			if a.act < k.cfg.HebbianThreshold || b.act < k.cfg.HebbianThreshold {
				continue
			}
			delta := float32(k.cfg.HebbianEta * a.act * b.act * rewardSignal)
			if delta <= 0 {
				continue
			}
			w, ok := existing(a.node, b.node)
			if !ok {
				updates = append(updates, HebbianUpdate{
					Sender: a.node, Receiver: b.node,
					DeltaWeight: graph.ClampWeight(k.cfg.HebbianBaseWeight + delta),
					IsNew:       true,
				})
				continue
			}
			updates = append(updates, HebbianUpdate{
				Sender: a.node, Receiver: b.node,
				DeltaWeight: graph.ClampWeight(w + delta),
				IsNew:       false,
			})
		}
	}
	return updates
}

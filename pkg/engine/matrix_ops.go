package engine

import (
	"fmt"
	"log"
	"sync"

	"github.com/ragp/engine/pkg/cache"
	"github.com/ragp/engine/pkg/config"
	"github.com/ragp/engine/pkg/consolidate"
	"github.com/ragp/engine/pkg/graph"
	"github.com/ragp/engine/pkg/kernel"
	"github.com/ragp/engine/pkg/metrics"
	"github.com/ragp/engine/pkg/ragperr"
	"github.com/ragp/engine/pkg/registry"
	"github.com/ragp/engine/pkg/shard"
	"github.com/ragp/engine/pkg/storebase"
)

// Engine is the write-path façade: the public operations that mutate engine
// state (submit_stimulus(es), update_weight, consolidate,
// ensure_innate_registry, start/stop_async_runtime, set_async_policy).
// Grounded on pkg/engine/matrix_ops.go's MatrixEngine: one struct wrapping
// the durable components, one method per public write operation, mutating
// state under the components' own locks rather than a single matrix-wide
// lock (the teacher locks the whole matrix; here each component — registry,
// store, delta, cache, runtime — already guards itself, and cross-shard
// ownership keeps a given sender's writes serialized without a global lock).
type Engine struct {
	cfg *config.Config

	mu           sync.RWMutex // guards async on/off and swapping the runtime
	runtime      *shard.Runtime
	view         *View
	asyncOn      bool
	consolidator *consolidate.Coordinator

	registry *registry.Registry
	store    *storebase.Store
	cache    *cache.Cache
	logger   *log.Logger
}

// New builds an Engine façade over already-opened components. Callers
// (cmd/ragp) are responsible for opening storebase/deltalog/registry/cache
// and constructing the shard.Runtime, the read-side View and the
// consolidate.Coordinator first.
func New(cfg *config.Config, runtime *shard.Runtime, view *View, coordinator *consolidate.Coordinator, reg *registry.Registry, store *storebase.Store, c *cache.Cache, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		cfg: cfg, runtime: runtime, view: view, consolidator: coordinator,
		registry: reg, store: store, cache: c, logger: logger, asyncOn: cfg.Runtime.Async,
	}
}

// Status is status: the C9 aggregated snapshot of store, cache and runtime
// counters.
func (e *Engine) Status() metrics.Status {
	e.mu.RLock()
	asyncOn := e.asyncOn
	rt := e.runtime
	e.mu.RUnlock()
	budgetMB := float64(e.cache.Stats().BudgetBytes) / (1024 * 1024)
	return metrics.Collect(e.store, e.cache, rt, e.registry, asyncOn, budgetMB)
}

// SubmitStimulus is submit_stimulus: inject external activation at node.
func (e *Engine) SubmitStimulus(node graph.NodeID, strength float64, source string, ts int64) error {
	if !e.registry.Contains(node) {
		return ragperr.UnknownNode()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	e.runtime.SubmitStimulus(shard.Stimulus{Node: node, Strength: strength, Source: source, Ts: ts})
	return nil
}

// SubmitStimuli is submit_stimuli: a batch of stimuli, coalesced per
// RAGP_COALESCE_POLICY while guard_mode is coalesce.
func (e *Engine) SubmitStimuli(stimuli []shard.Stimulus) error {
	for _, s := range stimuli {
		if !e.registry.Contains(s.Node) {
			return ragperr.UnknownNode()
		}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	e.runtime.SubmitStimuli(stimuli)
	return nil
}

// UpdateWeight is update_weight: a synchronous, serialized write of one
// synapse's weight, routed to the shard owning sender.
func (e *Engine) UpdateWeight(sender, receiver graph.NodeID, newWeight float32, tick uint32) error {
	if !e.registry.Contains(sender) || !e.registry.Contains(receiver) {
		return ragperr.UnknownNode()
	}
	e.mu.RLock()
	rt := e.runtime
	e.mu.RUnlock()
	return rt.SubmitUpdateEdge(shard.UpdateEdge{Sender: sender, Receiver: receiver, NewWeight: newWeight, Tick: tick})
}

// SpreadActivationSync is spread_activation: the synchronous fallback that
// injects a stimulus at node and drains its bounded spread (up to
// HOP_TTL_DEFAULT hops) in the calling goroutine, without routing through
// the shard actor runtime's mailboxes. Intended for callers running with
// the async runtime stopped, or wanting a deterministic single-call result
// instead of fire-and-forget queuing; it mutates the same per-shard kernel
// state the actors use, so callers must not invoke it concurrently with a
// running async runtime.
func (e *Engine) SpreadActivationSync(node graph.NodeID, strength float64) ([]kernel.HopContribution, error) {
	if !e.registry.Contains(node) {
		return nil, ragperr.UnknownNode()
	}
	k := e.view.shardFor(node)
	k.InjectStimulus(node, strength)
	outgoing, err := e.view.graph.Outgoing(node)
	if err != nil {
		return nil, err
	}

	var all []kernel.HopContribution
	frontier := k.SpreadStep(node, outgoing, k.Config().HopTTLDefault)
	for len(frontier) > 0 {
		var next []kernel.HopContribution
		for _, c := range frontier {
			all = append(all, c)
			dst := e.view.shardFor(c.To)
			dst.ApplyHop(c.To, c.Contribution)
			if c.TTL <= 0 || dst.Activation(c.To) < dst.Config().ReSpreadThreshold {
				continue
			}
			dstOutgoing, err := e.view.graph.Outgoing(c.To)
			if err != nil {
				continue
			}
			next = append(next, dst.SpreadStep(c.To, dstOutgoing, c.TTL)...)
		}
		frontier = next
	}
	return all, nil
}

// Consolidate is consolidate: runs the C8 barrier synchronously and returns
// its stats.
func (e *Engine) Consolidate() (consolidate.Stats, error) {
	return e.consolidator.Run()
}

// StartAsyncRuntime is start_async_runtime: launches the shard pool if it is
// not already running.
func (e *Engine) StartAsyncRuntime() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.asyncOn {
		return
	}
	e.runtime.Start()
	e.asyncOn = true
}

// StopAsyncRuntime is stop_async_runtime: drains and stops every shard actor.
func (e *Engine) StopAsyncRuntime() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.asyncOn {
		return
	}
	e.runtime.Stop()
	e.asyncOn = false
}

// SetAsyncPolicy is set_async_policy: adjusts guard_mode high/low water
// marks and the coalescing policy on the live runtime, without restarting
// it. shards is compared against the running shard pool's size: zero (or a
// value that matches the current pool) is accepted as a no-op, any other
// value is rejected — resizing the shard pool would require redistributing
// every shard's in-memory kernel activation state across a different
// owner_shard(sender) = sender mod shards mapping, which is not
// implemented; callers that need a different shard count must stop the
// runtime, rebuild it with shard.NewRuntime, and restart (see DESIGN.md).
func (e *Engine) SetAsyncPolicy(shards, highWater, lowWater int, policy shard.CoalescePolicy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if shards != 0 && shards != e.runtime.ShardCount() {
		return ragperr.InvalidInput(fmt.Errorf("resizing the shard pool live is not supported (have %d shards, requested %d); stop and recreate the runtime instead", e.runtime.ShardCount(), shards))
	}
	e.runtime.SetGuardWaterMarks(highWater, lowWater)
	e.runtime.SetCoalescePolicy(policy)

	e.cfg.Runtime.HighWater = highWater
	e.cfg.Runtime.LowWater = lowWater
	switch policy {
	case shard.CoalesceMax:
		e.cfg.Runtime.CoalescePolicy = "max"
	case shard.CoalesceLast:
		e.cfg.Runtime.CoalescePolicy = "last"
	default:
		e.cfg.Runtime.CoalescePolicy = "sum"
	}
	return nil
}

// kernelConfigFromCfg mirrors config.KernelConfig into kernel.Config.
// cmd/ragp does not call it; it keeps its own copy, kernelConfigFrom.
func kernelConfigFromCfg(kc config.KernelConfig) kernel.Config {
	return kernel.Config{
		DecayGamma:        kc.DecayGamma,
		DecayEpsilon:      kc.DecayEpsilon,
		WindowSize:        kc.WindowSize,
		HebbianEta:        kc.HebbianEta,
		HebbianThreshold:  kc.HebbianThreshold,
		HebbianBaseWeight: float32(kc.HebbianBaseWeight),
		HopTTLDefault:     kc.HopTTLDefault,
		ReSpreadThreshold: kc.ReSpreadThreshold,
	}
}

package shard

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/ragp/engine/pkg/cache"
	"github.com/ragp/engine/pkg/deltalog"
	"github.com/ragp/engine/pkg/graph"
	"github.com/ragp/engine/pkg/graphview"
	"github.com/ragp/engine/pkg/kernel"
)

// GuardMode mirrors the ingress backpressure state of spec 4.7.
type GuardMode int32

const (
	GuardNormal GuardMode = iota
	GuardCoalesce
	GuardDrop
)

func (g GuardMode) String() string {
	switch g {
	case GuardNormal:
		return "normal"
	case GuardCoalesce:
		return "coalesce"
	case GuardDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// CoalescePolicy selects how concurrently-queued stimuli for the same node
// are combined while the ingress front-end is in GuardCoalesce.
type CoalescePolicy int

const (
	CoalesceSum CoalescePolicy = iota
	CoalesceMax
	CoalesceLast
)

// Config carries the runtime's tunables, resolved from the SCORING_FN /
// HOP_TTL_DEFAULT / COALESCE_POLICY configuration keys plus the guard_mode
// high/low water marks. HighWater, LowWater and CoalescePolicy are only the
// boot-time values — NewRuntime copies them into atomics a running Runtime
// exposes live setters for (SetGuardWaterMarks, SetCoalescePolicy), since
// ShardCount and Kernel cannot be changed without stopping and rebuilding
// the shard pool.
type Config struct {
	ShardCount     int
	HighWater      int
	LowWater       int
	CoalescePolicy CoalescePolicy
	Kernel         kernel.Config
}

// Runtime is C7: a fixed pool of single-consumer shard actors sharing the
// read/write components (graph view, delta log, cache), fronted by an
// ingress layer that applies coalescing and guard_mode backpressure.
//
// Grounded on pkg/concurrency/brain_worker.go's pool-of-workers shape
// (fixed worker count, routed by a partition key, Submit/SubmitAsync at the
// front door) generalized from per-tenant partitioning to
// owner_shard(sender) = sender mod shard_count.
type Runtime struct {
	cfg     Config
	actors  []*Actor
	delta   *deltalog.Log
	cacheC  *cache.Cache
	view    *graphview.View
	logger  *log.Logger

	guardMode GuardMode32

	// highWater, lowWater and coalescePolicy are the live, hot-settable
	// counterparts of the Config fields of the same name — refreshGuardMode
	// and coalesce read these, not cfg, so SetGuardWaterMarks/
	// SetCoalescePolicy take effect on a running runtime.
	highWater      atomic.Int64
	lowWater       atomic.Int64
	coalescePolicy atomic.Int32

	pauseMu   sync.Mutex
	pauseCond *sync.Cond
	paused    bool

	droppedTotal   atomic.Uint64
	coalescedTotal atomic.Uint64
	hopTotal       atomic.Uint64

	pendingMu sync.Mutex
	pending   map[graph.NodeID]*pendingStimulus // coalescing buffer, keyed by node
}

// GuardMode32 is an atomic-friendly wrapper around GuardMode.
type GuardMode32 struct{ v atomic.Int32 }

func (g *GuardMode32) Load() GuardMode     { return GuardMode(g.v.Load()) }
func (g *GuardMode32) Store(m GuardMode)   { g.v.Store(int32(m)) }

type pendingStimulus struct {
	strength float64
	source   string
	ts       int64
}

// NewRuntime constructs shard actors and wires them to the shared
// components. view, delta and cacheC are shared across actors (see
// shard.go's doc comment on why that is safe); appendEdge routes a write
// through delta.Append and invalidate through cacheC.Invalidate.
func NewRuntime(cfg Config, view *graphview.View, delta *deltalog.Log, cacheC *cache.Cache, logger *log.Logger) (*Runtime, error) {
	if logger == nil {
		logger = log.Default()
	}
	rt := &Runtime{
		cfg: cfg, delta: delta, cacheC: cacheC, view: view, logger: logger,
		pending: make(map[graph.NodeID]*pendingStimulus),
	}
	rt.pauseCond = sync.NewCond(&rt.pauseMu)
	rt.highWater.Store(int64(cfg.HighWater))
	rt.lowWater.Store(int64(cfg.LowWater))
	rt.coalescePolicy.Store(int32(cfg.CoalescePolicy))
	rt.actors = make([]*Actor, cfg.ShardCount)
	for i := 0; i < cfg.ShardCount; i++ {
		k, err := kernel.New(cfg.Kernel)
		if err != nil {
			return nil, err
		}
		rt.actors[i] = newActor(i, cfg.ShardCount, k, view, cacheC.Invalidate,
			func(syn graph.Synapse, sync bool) error { return delta.Append(syn, sync) },
			rt.route, logger)
	}
	return rt, nil
}

// Start launches every shard actor's run loop.
func (rt *Runtime) Start() {
	for _, a := range rt.actors {
		a.Start()
	}
}

// Stop sends Stop to every actor and waits for their loops to exit.
func (rt *Runtime) Stop() {
	for _, a := range rt.actors {
		a.Submit(Message{Type: MsgStop})
	}
	for _, a := range rt.actors {
		a.Wait()
	}
}

// Kernels exposes each shard's kernel, indexed by shard id, for read-only
// inspection by the engine façade's View.
func (rt *Runtime) Kernels() []*kernel.Kernel {
	ks := make([]*kernel.Kernel, len(rt.actors))
	for i, a := range rt.actors {
		ks[i] = a.Kernel()
	}
	return ks
}

// OwnerShard returns the shard index owning sender.
func (rt *Runtime) OwnerShard(sender graph.NodeID) int {
	return int(uint64(sender) % uint64(rt.cfg.ShardCount))
}

func (rt *Runtime) route(target graph.NodeID, m Message) {
	rt.hopTotal.Add(1)
	rt.actors[rt.OwnerShard(target)].Submit(m)
}

// SubmitStimulus is the ingress front-door for a single stimulus. It applies
// guard_mode: in GuardDrop the stimulus is counted and discarded; in
// GuardCoalesce it is folded into a per-node pending buffer (per
// CoalescePolicy) and flushed to the owning actor on the next SubmitStimuli
// call (SubmitStimulus alone never flushes that buffer, and no background
// drain runs); in GuardNormal it is submitted directly, and guard_mode is
// recomputed again once it has been enqueued.
//
// While ingress is paused for a consolidation barrier, the caller blocks
// until ResumeIngress rather than racing the shard inbox against
// delta.Truncate().
func (rt *Runtime) SubmitStimulus(s Stimulus) {
	rt.waitForIngress()
	rt.refreshGuardMode()
	switch rt.guardMode.Load() {
	case GuardDrop:
		rt.droppedTotal.Add(1)
		return
	case GuardCoalesce:
		rt.coalesce(s)
		return
	default:
		rt.actors[rt.OwnerShard(s.Node)].Submit(Message{Type: MsgStimulus, Stimulus: s})
		rt.refreshGuardMode()
	}
}

// SubmitStimuli submits a batch, first flushing any pending coalesced
// entries so ordering stays sane under bursty ingress.
func (rt *Runtime) SubmitStimuli(batch []Stimulus) {
	for _, s := range batch {
		rt.SubmitStimulus(s)
	}
	rt.drainPending()
}

func (rt *Runtime) coalesce(s Stimulus) {
	rt.pendingMu.Lock()
	defer rt.pendingMu.Unlock()
	p, ok := rt.pending[s.Node]
	if !ok {
		rt.pending[s.Node] = &pendingStimulus{strength: s.Strength, source: s.Source, ts: s.Ts}
		return
	}
	rt.coalescedTotal.Add(1)
	switch CoalescePolicy(rt.coalescePolicy.Load()) {
	case CoalesceMax:
		if s.Strength > p.strength {
			p.strength = s.Strength
		}
	case CoalesceLast:
		p.strength = s.Strength
		p.source = s.Source
		p.ts = s.Ts
	default: // CoalesceSum
		p.strength += s.Strength
	}
}

func (rt *Runtime) drainPending() {
	rt.waitForIngress()
	rt.pendingMu.Lock()
	batch := rt.pending
	rt.pending = make(map[graph.NodeID]*pendingStimulus)
	rt.pendingMu.Unlock()

	for node, p := range batch {
		rt.actors[rt.OwnerShard(node)].Submit(Message{Type: MsgStimulus, Stimulus: Stimulus{
			Node: node, Strength: p.strength, Source: p.source, Ts: p.ts,
		}})
	}
}

// SubmitUpdateEdge performs the synchronous write path for update_weight:
// routed to the owner of Sender, blocking until the shard has applied it.
// Blocks while ingress is paused (see SubmitStimulus) so an update can never
// land in a shard's inbox after its Flush ack but before delta.Truncate().
func (rt *Runtime) SubmitUpdateEdge(u UpdateEdge) error {
	rt.waitForIngress()
	done := make(chan error, 1)
	u.Done = done
	rt.actors[rt.OwnerShard(u.Sender)].Submit(Message{Type: MsgUpdateEdge, Update: u})
	return <-done
}

// Flush is the consolidation barrier: every actor drains its inbox up to
// this point and acks before Flush returns.
func (rt *Runtime) Flush() {
	acks := make([]chan struct{}, len(rt.actors))
	for i, a := range rt.actors {
		ack := make(chan struct{})
		acks[i] = ack
		a.Submit(Message{Type: MsgFlush, Flush: Flush{Ack: ack}})
	}
	for _, ack := range acks {
		<-ack
	}
}

// PauseIngress and ResumeIngress bracket the consolidation barrier.
// SubmitStimulus, SubmitStimuli and SubmitUpdateEdge all block on
// waitForIngress while paused, so a write racing the barrier queues behind
// it instead of landing in a shard inbox that Flush has already drained and
// delta.Truncate() is about to cut out from under it.
func (rt *Runtime) PauseIngress() {
	rt.pauseMu.Lock()
	rt.paused = true
	rt.pauseMu.Unlock()
}

func (rt *Runtime) ResumeIngress() {
	rt.pauseMu.Lock()
	rt.paused = false
	rt.pauseMu.Unlock()
	rt.pauseCond.Broadcast()
}

func (rt *Runtime) IngressPaused() bool {
	rt.pauseMu.Lock()
	defer rt.pauseMu.Unlock()
	return rt.paused
}

// waitForIngress blocks the calling goroutine while ingress is paused.
func (rt *Runtime) waitForIngress() {
	rt.pauseMu.Lock()
	for rt.paused {
		rt.pauseCond.Wait()
	}
	rt.pauseMu.Unlock()
}

// SetGuardWaterMarks updates the guard_mode high/low water marks on a
// running runtime; refreshGuardMode observes the new values on its next
// call. This is set_async_policy's hot path for hi/lo — see
// Engine.SetAsyncPolicy.
func (rt *Runtime) SetGuardWaterMarks(hi, lo int) {
	rt.highWater.Store(int64(hi))
	rt.lowWater.Store(int64(lo))
}

// SetCoalescePolicy updates how concurrently-queued stimuli for the same
// node are combined while guard_mode is GuardCoalesce.
func (rt *Runtime) SetCoalescePolicy(p CoalescePolicy) {
	rt.coalescePolicy.Store(int32(p))
}

// ShardCount returns the number of shard actors in the pool. Fixed at
// construction — see Engine.SetAsyncPolicy for why shard-count resize is
// rejected rather than silently ignored.
func (rt *Runtime) ShardCount() int { return len(rt.actors) }

// refreshGuardMode recomputes guard_mode from the current global queue
// depth using hysteresis: normal->coalesce at >=HighWater, coalesce->drop at
// >=2*HighWater, drop->coalesce below 2*HighWater, coalesce->normal at
// <=LowWater. This keeps the mode from flapping at the boundary, matching
// the spec's requirement that crossing high-water again (from coalesce)
// escalates to drop while crossing low-water reverts to normal.
func (rt *Runtime) refreshGuardMode() {
	q := rt.GlobalQueueLen()
	hi := int(rt.highWater.Load())
	lo := int(rt.lowWater.Load())
	cur := rt.guardMode.Load()
	switch cur {
	case GuardNormal:
		if q >= hi {
			rt.guardMode.Store(GuardCoalesce)
		}
	case GuardCoalesce:
		if q >= 2*hi {
			rt.guardMode.Store(GuardDrop)
		} else if q <= lo {
			rt.guardMode.Store(GuardNormal)
		}
	case GuardDrop:
		if q < 2*hi {
			rt.guardMode.Store(GuardCoalesce)
		}
	}
}

// GlobalQueueLen sums every actor's inbox depth.
func (rt *Runtime) GlobalQueueLen() int {
	total := 0
	for _, a := range rt.actors {
		total += a.QueueLen()
	}
	return total
}

// Metrics is the C9-facing snapshot of runtime state.
type Metrics struct {
	Shards          int
	GlobalQueueLen  int
	PerShardQueue   []int
	ProcessedTotal  uint64
	GuardMode       string
	DroppedTotal    uint64
	CoalescedTotal  uint64
	HopTotal        uint64
}

func (rt *Runtime) Metrics() Metrics {
	perShard := make([]int, len(rt.actors))
	var processed uint64
	for i, a := range rt.actors {
		perShard[i] = a.QueueLen()
		processed += a.Processed()
	}
	return Metrics{
		Shards:         len(rt.actors),
		GlobalQueueLen: rt.GlobalQueueLen(),
		PerShardQueue:  perShard,
		ProcessedTotal: processed,
		GuardMode:      rt.guardMode.Load().String(),
		DroppedTotal:   rt.droppedTotal.Load(),
		CoalescedTotal: rt.coalescedTotal.Load(),
		HopTotal:       rt.hopTotal.Load(),
	}
}

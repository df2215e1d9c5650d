package shard

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/ragp/engine/pkg/graph"
	"github.com/ragp/engine/pkg/graphview"
	"github.com/ragp/engine/pkg/kernel"
)

// router delivers a message to the inbox of the shard owning target.
type router func(target graph.NodeID, m Message)

// Actor is one single-consumer shard: its own Kernel (activation state) and
// inbox, sharing the runtime's graph view, delta log and cache (those are
// independently mutex-protected; reads/writes for a given sender only ever
// happen from that sender's owner shard, so there is no cross-shard
// contention on them in practice — see pkg/graphview and pkg/deltalog).
type Actor struct {
	id         int
	shardCount int
	kernel     *kernel.Kernel
	view       *graphview.View
	invalidate func(sender graph.NodeID) // cache invalidation hook
	appendEdge func(syn graph.Synapse, sync bool) error
	route      router
	logger     *log.Logger

	inbox *inbox
	wg    sync.WaitGroup

	processed    atomic.Uint64
	hopsHandled  atomic.Uint64
}

func newActor(id, shardCount int, k *kernel.Kernel, view *graphview.View,
	invalidate func(graph.NodeID), appendEdge func(graph.Synapse, bool) error,
	route router, logger *log.Logger) *Actor {
	return &Actor{
		id: id, shardCount: shardCount, kernel: k, view: view,
		invalidate: invalidate, appendEdge: appendEdge, route: route,
		logger: logger, inbox: newInbox(),
	}
}

func (a *Actor) owns(id graph.NodeID) bool {
	return int(uint64(id)%uint64(a.shardCount)) == a.id
}

// Kernel exposes the actor's kernel for read-only inspection by the engine
// façade's View (status, get_connections, compute_cd). Callers must not
// mutate it outside the actor's own run loop.
func (a *Actor) Kernel() *kernel.Kernel { return a.kernel }

// Start runs the actor's single-consumer loop in its own goroutine.
func (a *Actor) Start() {
	a.wg.Add(1)
	go a.run()
}

// Submit enqueues m without blocking; the inbox is unbounded.
func (a *Actor) Submit(m Message) { a.inbox.push(m) }

// QueueLen reports the current inbox depth, used by the ingress front-end
// to compute global_queue_len for guard_mode transitions.
func (a *Actor) QueueLen() int { return a.inbox.len() }

// Processed returns the count of messages this actor has fully processed.
func (a *Actor) Processed() uint64 { return a.processed.Load() }

// Wait blocks until the actor's run loop has exited (after Stop).
func (a *Actor) Wait() { a.wg.Wait() }

func (a *Actor) run() {
	defer a.wg.Done()
	for {
		msg, ok := a.inbox.pop()
		if !ok {
			return
		}
		if msg.Type == MsgStop {
			a.inbox.close()
			continue
		}
		a.process(msg)
		a.processed.Add(1)
	}
}

func (a *Actor) process(msg Message) {
	switch msg.Type {
	case MsgStimulus:
		a.processStimulus(msg.Stimulus)
	case MsgHop:
		a.processHop(msg.Hop)
	case MsgUpdateEdge:
		a.processUpdateEdge(msg.Update)
	case MsgFlush:
		if msg.Flush.Ack != nil {
			close(msg.Flush.Ack)
		}
	}
}

func (a *Actor) processStimulus(s Stimulus) {
	a.kernel.InjectStimulus(s.Node, s.Strength)
	a.spread(s.Node, a.kernel.Tick())
}

func (a *Actor) processHop(h Hop) {
	a.hopsHandled.Add(1)
	a.kernel.ApplyHop(h.To, h.Contribution)
	if h.TTL <= 0 {
		return
	}
	if a.kernel.Activation(h.To) < a.reSpreadThreshold() {
		return
	}
	a.spreadWithTTL(h.To, h.TTL)
}

func (a *Actor) reSpreadThreshold() float64 {
	// Exposed via kernel so the threshold stays configured in one place.
	return a.kernel.Config().ReSpreadThreshold
}

func (a *Actor) spread(sender graph.NodeID, _ uint32) {
	a.spreadWithTTL(sender, a.kernel.Config().HopTTLDefault)
}

func (a *Actor) spreadWithTTL(sender graph.NodeID, ttl int) {
	outgoing, err := a.view.Outgoing(sender)
	if err != nil {
		return
	}
	for _, c := range a.kernel.SpreadStep(sender, outgoing, ttl) {
		a.route(c.To, Message{Type: MsgHop, Hop: Hop{From: c.From, To: c.To, Contribution: c.Contribution, TTL: c.TTL}})
	}
}

func (a *Actor) processUpdateEdge(u UpdateEdge) {
	weight := graph.ClampWeight(u.NewWeight)
	err := a.appendEdge(graph.Synapse{Sender: u.Sender, Receiver: u.Receiver, Weight: weight, Tick: u.Tick}, false)
	if err == nil {
		a.invalidate(u.Sender)
	}
	if u.Done != nil {
		u.Done <- err
	}
}

// Package shard implements C7, the sharded actor runtime: N single-consumer
// inbox actors, each owning a disjoint partition of the sender ID space
// (owner_shard(sender) = sender mod shard_count), routing Stimulus, Hop,
// UpdateEdge, Flush and Stop messages.
//
// The actor loop (single-consumer select over an inbox, Submit/SubmitAsync
// semantics, typed operation dispatch) is grounded on
// pkg/concurrency/brain_worker.go. That teacher loop partitions by tenant
// (IndexID) with a bounded buffered channel; here the partition key is
// sender mod shard_count and the inbox must be effectively unbounded per
// spec 4.7, so the channel is replaced with a condvar-backed growable queue
// (see inbox.go) while keeping the same single-consumer run()/processOp
// shape.
package shard

import "github.com/ragp/engine/pkg/graph"

// MessageType discriminates the shard inbox protocol.
type MessageType int

const (
	MsgStimulus MessageType = iota
	MsgHop
	MsgUpdateEdge
	MsgFlush
	MsgStop
)

// Stimulus is external ingress: the owner shard injects and spreads it.
type Stimulus struct {
	Node     graph.NodeID
	Strength float64
	Source   string
	Ts       int64
}

// Hop is cross-shard activation propagation. ttl decrements per hop and is
// dropped at 0.
type Hop struct {
	From         graph.NodeID
	To           graph.NodeID
	Contribution float64
	TTL          int
}

// UpdateEdge is the serialized write path: the owner of Sender updates
// cache and delta.
type UpdateEdge struct {
	Sender, Receiver graph.NodeID
	NewWeight        float32
	Tick             uint32
	// Done, if non-nil, is signaled once the write has been applied so
	// synchronous callers (update_weight) can wait for it.
	Done chan error
}

// Flush is the consolidation barrier: the shard drains its inbox up to this
// point and acks.
type Flush struct {
	Ack chan struct{}
}

// Stop requests graceful shutdown.
type Stop struct{}

// Message is one inbox entry. Exactly one of the typed fields is set,
// matching Type.
type Message struct {
	Type     MessageType
	Stimulus Stimulus
	Hop      Hop
	Update   UpdateEdge
	Flush    Flush
}

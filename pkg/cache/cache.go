// Package cache implements C4, the hybrid memory cache: a pinned hot set
// plus an LRU tier for recently-read senders, bounded by a RAM budget.
//
// The LRU tier's intrusive doubly-linked list with fake head/tail sentinels
// is grounded on the skipor/memcached lru package retrieved alongside the
// teacher (other_examples/aa412bcb ..._cache-lru.go.go); the RWMutex
// snapshot-then-mutate discipline follows pkg/synapse/hebbian.go and
// pkg/engine/search.go's lock-ordering convention.
package cache

import (
	"sync"

	"github.com/ragp/engine/pkg/graph"
)

// extraBytesPerEntry approximates bookkeeping overhead per cached sender
// (map entry, list node, slice header) beyond the synapse payload itself.
const extraBytesPerEntry = 96

// bytesPerSynapse is sizeof(Synapse) as stored in the cache's Go slice.
const bytesPerSynapse = 24

// node is one cache entry, intrusive in the LRU doubly-linked list.
type node struct {
	sender   graph.NodeID
	synapses []graph.Synapse
	pinned   bool
	prev     *node
	next     *node
}

func (n *node) size() int64 {
	return int64(extraBytesPerEntry + len(n.synapses)*bytesPerSynapse)
}

// Budget holds the computed RAM budget for the cache.
type Budget struct {
	TotalBytes int64
	PinBytes   int64
	LRUBytes   int64
}

// ComputeBudget implements clamp(available*fraction, min, max), then splits
// the result between the pinned and LRU tiers by pinFraction.
func ComputeBudget(availableBytes int64, fraction float64, minBytes, maxBytes int64, pinFraction float64) Budget {
	budget := int64(float64(availableBytes) * fraction)
	if budget < minBytes {
		budget = minBytes
	}
	if budget > maxBytes {
		budget = maxBytes
	}
	pin := int64(float64(budget) * pinFraction)
	return Budget{TotalBytes: budget, PinBytes: pin, LRUBytes: budget - pin}
}

// Cache is the two-tier hybrid cache. All reads and writes are a
// performance layer only: callers must get identical results whether or not
// a read hits the cache (P7 cache transparency) — Cache never invents data,
// it only remembers what Put was given.
type Cache struct {
	mu sync.RWMutex

	budget       Budget
	pinHighWater uint64 // access count at which an LRU entry gets promoted to pinned

	pinned map[graph.NodeID]*node
	lru    map[graph.NodeID]*node
	access map[graph.NodeID]uint64

	lruHead *node // sentinel; lruHead.next is most-recently-used
	lruTail *node // sentinel; lruTail.prev is least-recently-used
	lruUsed int64
	pinUsed int64
}

// New creates an empty cache sized to budget.
func New(budget Budget, pinHighWater uint64) *Cache {
	head, tail := &node{}, &node{}
	head.next, tail.prev = tail, head
	return &Cache{
		budget:       budget,
		pinHighWater: pinHighWater,
		pinned:       make(map[graph.NodeID]*node),
		lru:          make(map[graph.NodeID]*node),
		access:       make(map[graph.NodeID]uint64),
		lruHead:      head,
		lruTail:      tail,
	}
}

// Get returns the cached outgoing synapse list for sender, if present.
func (c *Cache) Get(sender graph.NodeID) ([]graph.Synapse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.access[sender]++

	if n, ok := c.pinned[sender]; ok {
		return n.synapses, true
	}
	if n, ok := c.lru[sender]; ok {
		c.touchLocked(n)
		if c.access[sender] >= c.pinHighWater {
			c.promoteLocked(n)
		}
		return n.synapses, true
	}
	return nil, false
}

// Put inserts or replaces the cached entry for sender.
func (c *Cache) Put(sender graph.NodeID, synapses []graph.Synapse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.pinned[sender]; ok {
		n.synapses = synapses
		return
	}
	if n, ok := c.lru[sender]; ok {
		c.lruUsed -= n.size()
		n.synapses = synapses
		c.lruUsed += n.size()
		c.touchLocked(n)
		c.evictIfNeededLocked()
		return
	}

	n := &node{sender: sender, synapses: synapses}
	if c.access[sender] >= c.pinHighWater && c.pinUsed+n.size() <= c.budget.PinBytes {
		c.pinned[sender] = n
		n.pinned = true
		c.pinUsed += n.size()
		return
	}
	c.lru[sender] = n
	c.linkFrontLocked(n)
	c.lruUsed += n.size()
	c.evictIfNeededLocked()
}

// Invalidate drops the cached entry for sender (called on UpdateEdge).
func (c *Cache) Invalidate(sender graph.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.pinned[sender]; ok {
		c.pinUsed -= n.size()
		delete(c.pinned, sender)
	}
	if n, ok := c.lru[sender]; ok {
		c.unlinkLocked(n)
		c.lruUsed -= n.size()
		delete(c.lru, sender)
	}
}

// Pin forces sender into the pinned tier regardless of access count.
func (c *Cache) Pin(sender graph.NodeID, synapses []graph.Synapse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.lru[sender]; ok {
		c.unlinkLocked(n)
		c.lruUsed -= n.size()
		delete(c.lru, sender)
	}
	n := &node{sender: sender, synapses: synapses, pinned: true}
	c.pinned[sender] = n
	c.pinUsed += n.size()
}

// Unpin demotes sender back to a normal (evictable) LRU entry.
func (c *Cache) Unpin(sender graph.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.pinned[sender]
	if !ok {
		return
	}
	delete(c.pinned, sender)
	c.pinUsed -= n.size()
	n.pinned = false
	c.lru[sender] = n
	c.linkFrontLocked(n)
	c.lruUsed += n.size()
	c.evictIfNeededLocked()
}

// Purge clears the entire cache (called at the start of consolidate's
// cache-clear step). If rewarm is non-nil it is invoked with the set of
// senders that were pinned before the purge, so the caller can re-warm them
// from the freshly consolidated base.
func (c *Cache) Purge(rewarm func(pinned []graph.NodeID)) {
	c.mu.Lock()
	var pinnedIDs []graph.NodeID
	for id := range c.pinned {
		pinnedIDs = append(pinnedIDs, id)
	}
	c.pinned = make(map[graph.NodeID]*node)
	c.lru = make(map[graph.NodeID]*node)
	c.access = make(map[graph.NodeID]uint64)
	c.lruHead.next, c.lruTail.prev = c.lruTail, c.lruHead
	c.lruUsed = 0
	c.pinUsed = 0
	c.mu.Unlock()

	if rewarm != nil {
		rewarm(pinnedIDs)
	}
}

// Stats reports cache sizing for the status surface.
type Stats struct {
	PinnedNodes   int
	LRUNodes      int
	BudgetBytes   int64
	UsedBytesEst  int64
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		PinnedNodes:  len(c.pinned),
		LRUNodes:     len(c.lru),
		BudgetBytes:  c.budget.TotalBytes,
		UsedBytesEst: c.pinUsed + c.lruUsed,
	}
}

func (c *Cache) promoteLocked(n *node) {
	if c.pinUsed+n.size() > c.budget.PinBytes {
		return
	}
	c.unlinkLocked(n)
	c.lruUsed -= n.size()
	delete(c.lru, n.sender)
	n.pinned = true
	c.pinned[n.sender] = n
	c.pinUsed += n.size()
}

func (c *Cache) touchLocked(n *node) {
	c.unlinkLocked(n)
	c.linkFrontLocked(n)
}

func (c *Cache) linkFrontLocked(n *node) {
	n.next = c.lruHead.next
	n.prev = c.lruHead
	c.lruHead.next.prev = n
	c.lruHead.next = n
}

func (c *Cache) unlinkLocked(n *node) {
	n.prev.next = n.next
	n.next.prev = n.prev
}

func (c *Cache) evictIfNeededLocked() {
	for c.lruUsed > c.budget.LRUBytes {
		victim := c.lruTail.prev
		if victim == c.lruHead {
			break
		}
		c.unlinkLocked(victim)
		delete(c.lru, victim.sender)
		c.lruUsed -= victim.size()
	}
}

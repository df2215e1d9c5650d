package cache

import (
	"testing"

	"github.com/ragp/engine/pkg/graph"
)

func synsOfLen(n int) []graph.Synapse {
	out := make([]graph.Synapse, n)
	for i := range out {
		out[i] = graph.Synapse{Sender: 1, Receiver: graph.NodeID(i), Weight: 0.1, Tick: 1}
	}
	return out
}

func TestComputeBudgetClampsAndSplits(t *testing.T) {
	b := ComputeBudget(1000, 0.5, 100, 400, 0.25)
	// 1000*0.5=500, clamped to max 400; pin=400*0.25=100
	if b.TotalBytes != 400 {
		t.Errorf("TotalBytes = %d, want 400", b.TotalBytes)
	}
	if b.PinBytes != 100 {
		t.Errorf("PinBytes = %d, want 100", b.PinBytes)
	}
	if b.LRUBytes != 300 {
		t.Errorf("LRUBytes = %d, want 300", b.LRUBytes)
	}

	low := ComputeBudget(10, 0.5, 100, 400, 0.25)
	if low.TotalBytes != 100 {
		t.Errorf("expected clamp to min 100, got %d", low.TotalBytes)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	c := New(Budget{TotalBytes: 1 << 20, PinBytes: 0, LRUBytes: 1 << 20}, 1000)
	syns := synsOfLen(2)
	c.Put(1, syns)
	got, ok := c.Get(1)
	if !ok {
		t.Fatal("expected cache hit after Put")
	}
	if len(got) != 2 {
		t.Errorf("expected 2 synapses, got %d", len(got))
	}
}

func TestGetMissReturnsFalse(t *testing.T) {
	c := New(Budget{TotalBytes: 1 << 20, LRUBytes: 1 << 20}, 1000)
	if _, ok := c.Get(42); ok {
		t.Error("expected miss on empty cache")
	}
}

func TestInvalidateRemovesEntry(t *testing.T) {
	c := New(Budget{TotalBytes: 1 << 20, LRUBytes: 1 << 20}, 1000)
	c.Put(1, synsOfLen(1))
	c.Invalidate(1)
	if _, ok := c.Get(1); ok {
		t.Error("expected miss after Invalidate")
	}
}

func TestPinAndUnpin(t *testing.T) {
	c := New(Budget{TotalBytes: 1 << 20, PinBytes: 1 << 20, LRUBytes: 1 << 20}, 1000)
	c.Pin(5, synsOfLen(1))
	if c.Stats().PinnedNodes != 1 {
		t.Errorf("expected 1 pinned node, got %d", c.Stats().PinnedNodes)
	}
	c.Unpin(5)
	if c.Stats().PinnedNodes != 0 {
		t.Errorf("expected 0 pinned nodes after Unpin, got %d", c.Stats().PinnedNodes)
	}
	if c.Stats().LRUNodes != 1 {
		t.Errorf("expected unpinned entry to land in LRU, got %d lru nodes", c.Stats().LRUNodes)
	}
}

func TestGetPromotesAfterHighWaterAccesses(t *testing.T) {
	c := New(Budget{TotalBytes: 1 << 20, PinBytes: 1 << 20, LRUBytes: 1 << 20}, 3)
	c.Put(1, synsOfLen(1))
	for i := 0; i < 3; i++ {
		c.Get(1)
	}
	if c.Stats().PinnedNodes != 1 {
		t.Errorf("expected entry promoted to pinned after high-water accesses, got %d pinned", c.Stats().PinnedNodes)
	}
}

func TestEvictionUnderLRUBudgetPressure(t *testing.T) {
	// Budget small enough to hold only one small entry at a time.
	entrySize := int64(extraBytesPerEntry + 1*bytesPerSynapse)
	c := New(Budget{TotalBytes: entrySize, LRUBytes: entrySize}, 1000)
	c.Put(1, synsOfLen(1))
	c.Put(2, synsOfLen(1))
	// node 1 (least recently used) should have been evicted to make room for 2.
	if _, ok := c.Get(1); ok {
		t.Error("expected LRU eviction of node 1")
	}
	if _, ok := c.Get(2); !ok {
		t.Error("expected node 2 to remain cached")
	}
}

func TestPurgeClearsEverythingAndInvokesRewarm(t *testing.T) {
	c := New(Budget{TotalBytes: 1 << 20, PinBytes: 1 << 20, LRUBytes: 1 << 20}, 1000)
	c.Pin(1, synsOfLen(1))
	c.Put(2, synsOfLen(1))

	var rewarmed []graph.NodeID
	c.Purge(func(pinned []graph.NodeID) { rewarmed = pinned })

	if len(rewarmed) != 1 || rewarmed[0] != 1 {
		t.Errorf("expected rewarm called with previously-pinned [1], got %v", rewarmed)
	}
	stats := c.Stats()
	if stats.PinnedNodes != 0 || stats.LRUNodes != 0 || stats.UsedBytesEst != 0 {
		t.Errorf("expected empty cache after purge, got %+v", stats)
	}
	if _, ok := c.Get(2); ok {
		t.Error("expected node 2 evicted by purge")
	}
}

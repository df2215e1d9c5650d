package consolidate

import (
	"errors"
	"testing"

	"github.com/ragp/engine/pkg/cache"
	"github.com/ragp/engine/pkg/deltalog"
	"github.com/ragp/engine/pkg/graph"
	"github.com/ragp/engine/pkg/graphview"
	"github.com/ragp/engine/pkg/kernel"
	"github.com/ragp/engine/pkg/ragperr"
	"github.com/ragp/engine/pkg/registry"
	"github.com/ragp/engine/pkg/shard"
	"github.com/ragp/engine/pkg/storebase"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *storebase.Store, *deltalog.Log, *cache.Cache, *graphview.View, *shard.Runtime) {
	t.Helper()
	dir := t.TempDir()
	store, err := storebase.Open(dir, 64, nil)
	if err != nil {
		t.Fatalf("storebase.Open: %v", err)
	}
	delta, err := deltalog.Open(dir, nil)
	if err != nil {
		t.Fatalf("deltalog.Open: %v", err)
	}
	reg, err := registry.Open(dir)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	meta := []graph.NodeMeta{
		{ID: 1, Kind: graph.KindSensor},
		{ID: 2, Kind: graph.KindAction},
		{ID: 3, Kind: graph.KindAction},
	}
	if err := reg.Commit(meta, 1); err != nil {
		t.Fatalf("registry.Commit: %v", err)
	}
	if err := store.RebuildFromRegistry(meta, 1, nil); err != nil {
		t.Fatalf("RebuildFromRegistry: %v", err)
	}
	budget := cache.ComputeBudget(1<<20, 1, 1<<10, 1<<20, 0.5)
	c := cache.New(budget, 1000)
	gv := graphview.New(store, delta, c, reg)

	rt, err := shard.NewRuntime(shard.Config{
		ShardCount: 2, HighWater: 1000, LowWater: 100,
		Kernel: kernel.Config{
			DecayGamma: 0.9, DecayEpsilon: 1e-4, WindowSize: 8,
			HebbianEta: 0.1, HebbianThreshold: 0.2, HebbianBaseWeight: 0.1,
			HopTTLDefault: 4, ReSpreadThreshold: 0.3,
		},
	}, gv, delta, c, nil)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	rt.Start()
	t.Cleanup(rt.Stop)

	coord := New(store, delta, c, gv, rt, reg, 0.05, nil)
	return coord, store, delta, c, gv, rt
}

func TestRunNoOpWhenDeltaEmpty(t *testing.T) {
	coord, _, _, _, _, _ := newTestCoordinator(t)
	stats, err := coord.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.MergedSenders != 0 {
		t.Errorf("expected no merged senders on empty delta, got %+v", stats)
	}
}

func TestRunMergesDeltaIntoBaseAndTruncates(t *testing.T) {
	coord, store, delta, _, _, _ := newTestCoordinator(t)
	if err := delta.Append(graph.Synapse{Sender: 1, Receiver: 2, Weight: 0.7, Tick: 1}, true); err != nil {
		t.Fatalf("Append: %v", err)
	}

	stats, err := coord.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.MergedSenders != 1 {
		t.Errorf("expected 1 merged sender, got %+v", stats)
	}
	if delta.RecordCount() != 0 {
		t.Errorf("expected delta log truncated after merge, got %d records", delta.RecordCount())
	}
	syns, err := store.ReadOutgoing(1)
	if err != nil {
		t.Fatalf("ReadOutgoing: %v", err)
	}
	if len(syns) != 1 || syns[0].Weight != 0.7 {
		t.Errorf("expected merged edge in base store, got %+v", syns)
	}
}

func TestRunPrunesEdgesBelowMinWeight(t *testing.T) {
	coord, store, delta, _, _, _ := newTestCoordinator(t)
	if err := delta.Append(graph.Synapse{Sender: 1, Receiver: 2, Weight: 0.01, Tick: 1}, true); err != nil {
		t.Fatalf("Append: %v", err)
	}

	stats, err := coord.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.PrunedEdges != 1 {
		t.Errorf("expected 1 pruned edge below minWeight, got %+v", stats)
	}
	syns, err := store.ReadOutgoing(1)
	if err != nil {
		t.Fatalf("ReadOutgoing: %v", err)
	}
	if len(syns) != 0 {
		t.Errorf("expected pruned edge absent from base, got %+v", syns)
	}
}

func TestRunSkipsSendersDroppedFromRegistry(t *testing.T) {
	coord, _, delta, _, _, _ := newTestCoordinator(t)
	// Node 999 was never committed to the registry.
	if err := delta.Append(graph.Synapse{Sender: 999, Receiver: 2, Weight: 0.5, Tick: 1}, true); err != nil {
		t.Fatalf("Append: %v", err)
	}
	stats, err := coord.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.MergedSenders != 0 {
		t.Errorf("expected sender outside registry to be skipped, got %+v", stats)
	}
}

func TestRunRejectsConcurrentCall(t *testing.T) {
	coord, _, _, _, _, _ := newTestCoordinator(t)
	coord.busy.Store(true) // simulate a Run() already in flight
	_, err := coord.Run()
	if !errors.Is(err, ragperr.ErrConsolidateBusy) {
		t.Fatalf("expected ConsolidateBusy, got %v", err)
	}
	if kind, ok := ragperr.KindOf(err); !ok || kind != ragperr.KindConsolidateBusy {
		t.Errorf("expected KindConsolidateBusy, got %v (ok=%v)", kind, ok)
	}

	coord.busy.Store(false)
	if _, err := coord.Run(); err != nil {
		t.Fatalf("expected Run to succeed once no longer busy, got %v", err)
	}
}

func TestRunResumesIngressOnCompletion(t *testing.T) {
	coord, _, _, _, _, rt := newTestCoordinator(t)
	if _, err := coord.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rt.IngressPaused() {
		t.Error("expected ingress resumed after Run completes")
	}
}

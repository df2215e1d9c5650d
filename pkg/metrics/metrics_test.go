package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ragp/engine/pkg/cache"
	"github.com/ragp/engine/pkg/deltalog"
	"github.com/ragp/engine/pkg/graph"
	"github.com/ragp/engine/pkg/graphview"
	"github.com/ragp/engine/pkg/kernel"
	"github.com/ragp/engine/pkg/registry"
	"github.com/ragp/engine/pkg/shard"
	"github.com/ragp/engine/pkg/storebase"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestNewCollectorsRegistersAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollectors(reg)
	if err != nil {
		t.Fatalf("NewCollectors: %v", err)
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(mfs) != 9 {
		t.Errorf("expected 9 registered collectors, got %d", len(mfs))
	}
	if c.pinnedNodes == nil {
		t.Error("expected pinnedNodes gauge to be constructed")
	}
}

func TestNewCollectorsRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewCollectors(reg); err != nil {
		t.Fatalf("NewCollectors: %v", err)
	}
	if _, err := NewCollectors(reg); err == nil {
		t.Error("expected second NewCollectors against the same registerer to fail")
	}
}

func TestObserveSetsGaugesDirectly(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollectors(reg)
	if err != nil {
		t.Fatalf("NewCollectors: %v", err)
	}
	c.Observe(Status{PinnedNodes: 3, LRUNodes: 5, RegistryVersion: 7, GlobalQueueLen: 11})

	if got := gaugeValue(t, c.pinnedNodes); got != 3 {
		t.Errorf("pinnedNodes = %v, want 3", got)
	}
	if got := gaugeValue(t, c.lruNodes); got != 5 {
		t.Errorf("lruNodes = %v, want 5", got)
	}
	if got := gaugeValue(t, c.registryVersion); got != 7 {
		t.Errorf("registryVersion = %v, want 7", got)
	}
	if got := gaugeValue(t, c.globalQueueLen); got != 11 {
		t.Errorf("globalQueueLen = %v, want 11", got)
	}
}

func TestObserveAccumulatesCountersAsDeltas(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollectors(reg)
	if err != nil {
		t.Fatalf("NewCollectors: %v", err)
	}
	c.Observe(Status{ProcessedTotal: 10, DroppedTotal: 1, CoalescedTotal: 2, HopTotal: 3})
	if got := counterValue(t, c.processedTotal); got != 10 {
		t.Errorf("after first Observe, processedTotal = %v, want 10", got)
	}

	c.Observe(Status{ProcessedTotal: 25, DroppedTotal: 1, CoalescedTotal: 4, HopTotal: 3})
	if got := counterValue(t, c.processedTotal); got != 25 {
		t.Errorf("after second Observe, processedTotal = %v, want 25 (10+15)", got)
	}
	if got := counterValue(t, c.droppedTotal); got != 1 {
		t.Errorf("droppedTotal should not move when total is unchanged, got %v", got)
	}
	if got := counterValue(t, c.coalescedTotal); got != 4 {
		t.Errorf("coalescedTotal = %v, want 4", got)
	}
}

func TestCollectAssemblesStatusFromLiveComponents(t *testing.T) {
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
	meta := []graph.NodeMeta{{ID: 1, Kind: graph.KindSensor}, {ID: 2, Kind: graph.KindAction}}
	if err := reg.Commit(meta, 3); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := store.RebuildFromRegistry(meta, 3, nil); err != nil {
		t.Fatalf("RebuildFromRegistry: %v", err)
	}
	budget := cache.ComputeBudget(1<<20, 1, 1<<10, 1<<20, 0.5)
	c := cache.New(budget, 1000)
	gv := graphview.New(store, delta, c, reg)

	rt, err := shard.NewRuntime(shard.Config{
		ShardCount: 2, HighWater: 100, LowWater: 10,
		Kernel: kernel.Config{DecayGamma: 0.9, DecayEpsilon: 1e-4, WindowSize: 8, HebbianEta: 0.1, HebbianThreshold: 0.2, HebbianBaseWeight: 0.1, HopTTLDefault: 4, ReSpreadThreshold: 0.3},
	}, gv, delta, c, nil)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	status := Collect(store, c, rt, reg, true, 4.0)
	if status.RegistryVersion != 3 {
		t.Errorf("RegistryVersion = %d, want 3", status.RegistryVersion)
	}
	if status.NodeCount != 2 {
		t.Errorf("NodeCount = %d, want 2", status.NodeCount)
	}
	if !status.AsyncOn {
		t.Error("expected AsyncOn=true to pass through")
	}
	if status.Shards != 2 {
		t.Errorf("Shards = %d, want 2", status.Shards)
	}
}

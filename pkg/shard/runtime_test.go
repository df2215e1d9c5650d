package shard

import (
	"testing"
	"time"

	"github.com/ragp/engine/pkg/cache"
	"github.com/ragp/engine/pkg/deltalog"
	"github.com/ragp/engine/pkg/graph"
	"github.com/ragp/engine/pkg/graphview"
	"github.com/ragp/engine/pkg/kernel"
	"github.com/ragp/engine/pkg/registry"
	"github.com/ragp/engine/pkg/storebase"
)

func testKernelConfig() kernel.Config {
	return kernel.Config{
		DecayGamma: 0.9, DecayEpsilon: 1e-4, WindowSize: 64,
		HebbianEta: 0.05, HebbianThreshold: 0.2, HebbianBaseWeight: 0.1,
		HopTTLDefault: 4, ReSpreadThreshold: 0.3,
	}
}

func newTestRuntime(t *testing.T, shardCount int) (*Runtime, *deltalog.Log, *graphview.View) {
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
	if err := store.ApplyUpdates(map[graph.NodeID][]graph.Synapse{
		1: {{Sender: 1, Receiver: 2, Weight: 0.8, Tick: 1}},
	}); err != nil {
		t.Fatalf("ApplyUpdates: %v", err)
	}
	budget := cache.ComputeBudget(1<<20, 1, 1<<10, 1<<20, 0.5)
	c := cache.New(budget, 1000)
	gv := graphview.New(store, delta, c, reg)

	rt, err := NewRuntime(Config{
		ShardCount: shardCount,
		HighWater:  1000,
		LowWater:   100,
		Kernel:     testKernelConfig(),
	}, gv, delta, c, nil)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	return rt, delta, gv
}

func TestOwnerShardIsDeterministic(t *testing.T) {
	rt, _, _ := newTestRuntime(t, 4)
	for id := graph.NodeID(0); id < 20; id++ {
		got := rt.OwnerShard(id)
		want := int(uint64(id) % 4)
		if got != want {
			t.Errorf("OwnerShard(%d) = %d, want %d", id, got, want)
		}
	}
}

func TestStartStimulusAndFlush(t *testing.T) {
	rt, _, _ := newTestRuntime(t, 2)
	rt.Start()
	defer rt.Stop()

	rt.SubmitStimulus(Stimulus{Node: 1, Strength: 1.0})
	rt.Flush()

	m := rt.Metrics()
	if m.ProcessedTotal == 0 {
		t.Error("expected at least one processed message after flush")
	}

	k := rt.Kernels()[rt.OwnerShard(1)]
	if k.Activation(1) != 1.0 {
		t.Errorf("expected node 1 activation 1.0, got %v", k.Activation(1))
	}
}

func TestSpreadPropagatesHopAcrossShards(t *testing.T) {
	rt, _, _ := newTestRuntime(t, 4)
	rt.Start()
	defer rt.Stop()

	// Node 1 -> node 2 with weight 0.8, and owner(1) != owner(2) for shardCount=4
	// (1%4=1, 2%4=2) so this exercises cross-shard hop routing.
	rt.SubmitStimulus(Stimulus{Node: 1, Strength: 1.0})
	rt.Flush()
	rt.Flush() // drain any hop sent from the first spread

	k2 := rt.Kernels()[rt.OwnerShard(2)]
	if k2.Activation(2) <= 0 {
		t.Errorf("expected node 2 to receive hop activation, got %v", k2.Activation(2))
	}
}

func TestSubmitUpdateEdgeBlocksUntilApplied(t *testing.T) {
	rt, delta, _ := newTestRuntime(t, 2)
	rt.Start()
	defer rt.Stop()

	err := rt.SubmitUpdateEdge(UpdateEdge{Sender: 1, Receiver: 3, NewWeight: 0.6, Tick: 99})
	if err != nil {
		t.Fatalf("SubmitUpdateEdge: %v", err)
	}
	syn, ok := delta.Lookup(1, 3)
	if !ok {
		t.Fatal("expected delta log to contain the applied edge")
	}
	if syn.Weight != 0.6 || syn.Tick != 99 {
		t.Errorf("unexpected synapse: %+v", syn)
	}
}

func TestGuardModeEscalatesToCoalesceThenDrop(t *testing.T) {
	rt, _, _ := newTestRuntime(t, 1)
	rt.SetGuardWaterMarks(2, 0)

	// Don't start the runtime so the inbox queue actually grows instead of
	// being drained concurrently, making queue depth deterministic here.
	rt.SubmitStimulus(Stimulus{Node: 1, Strength: 1})
	rt.SubmitStimulus(Stimulus{Node: 1, Strength: 1})
	if got := rt.guardMode.Load(); got != GuardCoalesce {
		t.Errorf("expected GuardCoalesce once queue reaches HighWater, got %v", got)
	}

	// Coalesced stimuli wait in the pending buffer rather than the inbox;
	// SubmitStimuli drains them into the inbox, pushing depth to 2+3 = 5, and
	// the next submission sees a queue past 2x HighWater.
	rt.SubmitStimuli([]Stimulus{{Node: 1, Strength: 1}, {Node: 2, Strength: 1}, {Node: 3, Strength: 1}})
	rt.SubmitStimulus(Stimulus{Node: 1, Strength: 1})
	if got := rt.guardMode.Load(); got != GuardDrop {
		t.Errorf("expected GuardDrop at 2x HighWater, got %v", got)
	}
}

func TestGuardModeStringer(t *testing.T) {
	cases := map[GuardMode]string{GuardNormal: "normal", GuardCoalesce: "coalesce", GuardDrop: "drop", GuardMode(99): "unknown"}
	for mode, want := range cases {
		if got := mode.String(); got != want {
			t.Errorf("GuardMode(%d).String() = %q, want %q", mode, got, want)
		}
	}
}

func TestSetGuardWaterMarksTakesEffectLive(t *testing.T) {
	rt, _, _ := newTestRuntime(t, 1)
	rt.SetGuardWaterMarks(2, 0)

	// Don't start the runtime so queue depth is deterministic.
	rt.SubmitStimulus(Stimulus{Node: 1, Strength: 1})
	rt.SubmitStimulus(Stimulus{Node: 1, Strength: 1})
	if got := rt.guardMode.Load(); got != GuardCoalesce {
		t.Fatalf("expected GuardCoalesce after lowering HighWater live, got %v", got)
	}

	rt.SetGuardWaterMarks(1000, 100)
	rt.refreshGuardMode()
	if got := rt.guardMode.Load(); got != GuardNormal {
		t.Errorf("expected mode to revert to normal once queue depth (2) is at or below the new LowWater (100), got %v", got)
	}
}

func TestSubmitUpdateEdgeBlocksWhileIngressPaused(t *testing.T) {
	rt, _, _ := newTestRuntime(t, 2)
	rt.Start()
	defer rt.Stop()

	rt.PauseIngress()
	done := make(chan error, 1)
	go func() {
		done <- rt.SubmitUpdateEdge(UpdateEdge{Sender: 1, Receiver: 3, NewWeight: 0.6, Tick: 1})
	}()

	select {
	case <-done:
		t.Fatal("SubmitUpdateEdge returned while ingress was paused")
	case <-time.After(50 * time.Millisecond):
	}

	rt.ResumeIngress()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SubmitUpdateEdge: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SubmitUpdateEdge never unblocked after ResumeIngress")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	rt, _, _ := newTestRuntime(t, 2)
	rt.Start()

	done := make(chan struct{})
	go func() {
		rt.Stop()
		rt.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("calling Stop twice deadlocked")
	}
}

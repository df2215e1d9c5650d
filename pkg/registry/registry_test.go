package registry

import (
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ragp/engine/pkg/graph"
	"github.com/ragp/engine/pkg/ragperr"
)

func TestOpenEmptyDirStartsAtVersionZero(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if r.Version() != 0 {
		t.Errorf("expected version 0, got %d", r.Version())
	}
	if r.Count() != 0 {
		t.Errorf("expected 0 nodes, got %d", r.Count())
	}
}

func TestCommitAndReopen(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	meta := []graph.NodeMeta{
		{ID: 1, Kind: graph.KindSensor},
		{ID: 2, Kind: graph.KindAction, Label: "move"},
	}
	if err := r.Commit(meta, 1); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !r.Contains(1) || !r.Contains(2) {
		t.Fatal("expected committed nodes to be present")
	}
	m, ok := r.MetaOf(2)
	if !ok || m.Label != "move" {
		t.Errorf("MetaOf(2) = %+v, ok=%v", m, ok)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Version() != 1 {
		t.Errorf("expected reopened version 1, got %d", reopened.Version())
	}
	if reopened.Count() != 2 {
		t.Errorf("expected 2 nodes after reopen, got %d", reopened.Count())
	}
}

func TestAllReturnsSortedByID(t *testing.T) {
	r, _ := Open(t.TempDir())
	meta := []graph.NodeMeta{
		{ID: 5}, {ID: 1}, {ID: 3},
	}
	if err := r.Commit(meta, 1); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	all := r.All()
	if len(all) != 3 || all[0].ID != 1 || all[1].ID != 3 || all[2].ID != 5 {
		t.Errorf("expected sorted [1,3,5], got %+v", all)
	}
}

func TestPlanMigrationNoChange(t *testing.T) {
	r, _ := Open(t.TempDir())
	meta := []graph.NodeMeta{{ID: 1}, {ID: 2}}
	if err := r.Commit(meta, 1); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	plan, err := r.PlanMigration(meta, 1, nil)
	if err != nil {
		t.Fatalf("PlanMigration: %v", err)
	}
	if plan.Changed {
		t.Error("expected no-op migration to report Changed=false")
	}
}

func TestPlanMigrationDropsRemovedNodes(t *testing.T) {
	r, _ := Open(t.TempDir())
	if err := r.Commit([]graph.NodeMeta{{ID: 1}, {ID: 2}, {ID: 3}}, 1); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	plan, err := r.PlanMigration([]graph.NodeMeta{{ID: 1}, {ID: 4}}, 2, nil)
	if err != nil {
		t.Fatalf("PlanMigration: %v", err)
	}
	if !plan.Changed || plan.NewVersion != 2 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if len(plan.Dropped) != 2 {
		t.Errorf("expected 2 and 3 dropped, got %v", plan.Dropped)
	}
	if !plan.Valid[1] || !plan.Valid[4] {
		t.Errorf("expected 1 and 4 valid, got %v", plan.Valid)
	}
}

func TestSnapshotPayloadCompressesWhenSmaller(t *testing.T) {
	// A large, repetitive roster compresses well.
	meta := make([]graph.NodeMeta, 200)
	for i := range meta {
		meta[i] = graph.NodeMeta{ID: graph.NodeID(i), Kind: graph.KindSensor, Label: "repeatedlabel"}
	}
	body, err := msgpack.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	encoded := encodeSnapshotPayload(body)
	if snapshotFlag(encoded[0]) != flagCompressed {
		t.Fatalf("expected large repetitive payload to compress, flag=%d", encoded[0])
	}
	decoded, err := decodeSnapshotPayload(encoded)
	if err != nil {
		t.Fatalf("decodeSnapshotPayload: %v", err)
	}
	if string(decoded) != string(body) {
		t.Error("decoded payload does not match original")
	}
}

func TestSnapshotPayloadRawRoundTrip(t *testing.T) {
	body := []byte{1, 2, 3}
	encoded := encodeSnapshotPayload(body)
	decoded, err := decodeSnapshotPayload(encoded)
	if err != nil {
		t.Fatalf("decodeSnapshotPayload: %v", err)
	}
	if string(decoded) != string(body) {
		t.Errorf("decoded = %v, want %v", decoded, body)
	}
}

func TestPlanMigrationRejectsDroppingProtectedNode(t *testing.T) {
	r, _ := Open(t.TempDir())
	if err := r.Commit([]graph.NodeMeta{{ID: 1}, {ID: 2}}, 1); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	protected := map[graph.NodeID]bool{2: true}
	_, err := r.PlanMigration([]graph.NodeMeta{{ID: 1}}, 2, protected)
	if err == nil {
		t.Fatal("expected migration conflict when dropping a protected node")
	}
	if kind, ok := ragperr.KindOf(err); !ok || kind != ragperr.KindMigrationConflict {
		t.Errorf("expected KindMigrationConflict, got %v", err)
	}
}

package planner

import (
	"context"
	"fmt"
	"testing"
	"time"

	"zfsreplicate/internal/repliterr"
	"zfsreplicate/internal/zfsio"
	"zfsreplicate/internal/zfsmodel"
)

// fakeSide is a minimal zfsio.Accessor backing one side (local or
// remote) of a planner test, in the spirit of zrepl's Sender/Receiver
// test doubles.
type fakeSide struct {
	dataset   string
	dsType    zfsmodel.DatasetType
	missing   bool
	snapshots []zfsmodel.SnapshotRecord
}

func (f *fakeSide) ListDatasets(ctx context.Context, root string, recursive bool) ([]zfsmodel.Dataset, error) {
	if f.missing {
		return nil, nil
	}
	return []zfsmodel.Dataset{{Name: f.dataset, Type: f.dsType}}, nil
}

func (f *fakeSide) GetDataset(ctx context.Context, name string) (zfsmodel.Dataset, error) {
	if f.missing {
		return zfsmodel.Dataset{}, fmt.Errorf("%w: %s", repliterr.ErrNotFound, name)
	}
	dt := f.dsType
	if dt == "" {
		dt = zfsmodel.DatasetFilesystem
	}
	return zfsmodel.Dataset{Name: name, Type: dt}, nil
}

func (f *fakeSide) ListSnapshots(ctx context.Context, dataset string, replicableOnly bool) ([]zfsmodel.SnapshotRecord, error) {
	return f.snapshots, nil
}

func (f *fakeSide) SnapshotExists(ctx context.Context, dataset, snapname string) bool { return false }
func (f *fakeSide) CreateSnapshot(ctx context.Context, dataset, snapname string, replicable, recursive bool) error {
	return nil
}
func (f *fakeSide) DestroySnapshots(ctx context.Context, dataset string, snapnames []string) error {
	return nil
}
func (f *fakeSide) DestroyDataset(ctx context.Context, dataset string) error { return nil }
func (f *fakeSide) EstimateSendSize(ctx context.Context, dataset, anchor, snapshot string) (int64, error) {
	return 0, nil
}

func (f *fakeSide) SetReadOnly(ctx context.Context, dataset string, readOnly bool) error { return nil }

var _ zfsio.Accessor = (*fakeSide)(nil)

func rec(name string, t time.Time) zfsmodel.SnapshotRecord {
	return zfsmodel.SnapshotRecord{
		SnapName:     name,
		CreationTime: t,
		CreationRaw:  t.Format(time.RFC3339),
		Replicable:   true,
	}
}

// TestPlanS1FreshFull covers spec §8 scenario S1.
func TestPlanS1FreshFull(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	local := &fakeSide{dataset: "tank/src", dsType: zfsmodel.DatasetFilesystem, snapshots: []zfsmodel.SnapshotRecord{
		rec("repl-20240101.0000-1y", base),
		rec("repl-20240102.0000-1y", base.AddDate(0, 0, 1)),
	}}
	remote := &fakeSide{missing: true}

	actions, err := Plan(context.Background(), local, remote, Options{LocalDataset: "tank/src", RemoteDataset: "tank/dst"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("expected 2 actions, got %d: %+v", len(actions), actions)
	}
	if actions[0].Kind != zfsmodel.ActionSendStream || actions[0].Incremental || actions[0].Snapshot != "repl-20240101.0000-1y" {
		t.Errorf("action 0 = %+v, expected full send of repl-20240101.0000-1y", actions[0])
	}
	if !actions[1].Incremental || actions[1].Anchor != "repl-20240101.0000-1y" || actions[1].Snapshot != "repl-20240102.0000-1y" {
		t.Errorf("action 1 = %+v, expected incremental repl-20240101.0000-1y -> repl-20240102.0000-1y", actions[1])
	}
}

// TestPlanS2CatchUp covers spec §8 scenario S2.
func TestPlanS2CatchUp(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	snaps := make([]zfsmodel.SnapshotRecord, 5)
	for i := range snaps {
		snaps[i] = rec(fmt.Sprintf("s%d", i+1), base.AddDate(0, 0, i))
	}
	local := &fakeSide{dataset: "tank/src", dsType: zfsmodel.DatasetFilesystem, snapshots: snaps}
	remote := &fakeSide{dataset: "tank/dst", dsType: zfsmodel.DatasetFilesystem, snapshots: snaps[:3]}

	actions, err := Plan(context.Background(), local, remote, Options{LocalDataset: "tank/src", RemoteDataset: "tank/dst"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("expected 2 incrementals, got %d: %+v", len(actions), actions)
	}
	if actions[0].Anchor != "s3" || actions[0].Snapshot != "s4" {
		t.Errorf("action 0 = %+v, expected s3 -> s4", actions[0])
	}
	if actions[1].Anchor != "s4" || actions[1].Snapshot != "s5" {
		t.Errorf("action 1 = %+v, expected s4 -> s5", actions[1])
	}
}

// TestPlanS3FollowDelete covers spec §8 scenario S3.
func TestPlanS3FollowDelete(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	all := make(map[string]zfsmodel.SnapshotRecord, 5)
	for i, name := range []string{"s1", "s2", "s3", "s4", "s5"} {
		all[name] = rec(name, base.AddDate(0, 0, i))
	}
	local := &fakeSide{dataset: "tank/src", dsType: zfsmodel.DatasetFilesystem, snapshots: []zfsmodel.SnapshotRecord{
		all["s3"], all["s4"], all["s5"],
	}}
	remote := &fakeSide{dataset: "tank/dst", dsType: zfsmodel.DatasetFilesystem, snapshots: []zfsmodel.SnapshotRecord{
		all["s1"], all["s2"], all["s3"], all["s4"], all["s5"],
	}}

	actions, err := Plan(context.Background(), local, remote, Options{LocalDataset: "tank/src", RemoteDataset: "tank/dst", FollowDelete: true})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected exactly one DELETE_SNAPSHOTS action, got %d: %+v", len(actions), actions)
	}
	if actions[0].Kind != zfsmodel.ActionDeleteSnapshots {
		t.Fatalf("expected DELETE_SNAPSHOTS, got %+v", actions[0])
	}
	if len(actions[0].Snapshots) != 2 || actions[0].Snapshots[0] != "s1" || actions[0].Snapshots[1] != "s2" {
		t.Errorf("expected [s1 s2], got %v", actions[0].Snapshots)
	}
}

// TestPlanS4Divergence covers spec §8 scenario S4.
func TestPlanS4Divergence(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	localA := rec("A", base)
	remoteA := rec("A", base) // same name, different creation_raw below
	remoteA.CreationRaw = "different"

	local := &fakeSide{dataset: "tank/src", dsType: zfsmodel.DatasetFilesystem, snapshots: []zfsmodel.SnapshotRecord{
		localA,
		rec("B", base.AddDate(0, 0, 1)),
		rec("C", base.AddDate(0, 0, 2)),
	}}
	remote := &fakeSide{dataset: "tank/dst", dsType: zfsmodel.DatasetFilesystem, snapshots: []zfsmodel.SnapshotRecord{
		remoteA,
		rec("X", base.AddDate(0, 0, 1)),
		rec("Y", base.AddDate(0, 0, 2)),
	}}

	actions, err := Plan(context.Background(), local, remote, Options{LocalDataset: "tank/src", RemoteDataset: "tank/dst"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(actions) != 4 {
		t.Fatalf("expected 4 actions, got %d: %+v", len(actions), actions)
	}
	if actions[0].Kind != zfsmodel.ActionDeleteSnapshots || len(actions[0].Snapshots) != 3 {
		t.Errorf("action 0 = %+v, expected DELETE_SNAPSHOTS of all 3 remote snapshots", actions[0])
	}
	if actions[1].Kind != zfsmodel.ActionSendStream || actions[1].Incremental || actions[1].Snapshot != "A" {
		t.Errorf("action 1 = %+v, expected full send of A", actions[1])
	}
	if !actions[2].Incremental || actions[2].Anchor != "A" || actions[2].Snapshot != "B" {
		t.Errorf("action 2 = %+v, expected incremental A -> B", actions[2])
	}
	if !actions[3].Incremental || actions[3].Anchor != "B" || actions[3].Snapshot != "C" {
		t.Errorf("action 3 = %+v, expected incremental B -> C", actions[3])
	}
}

func TestPlanTypeMismatchTreatedAsNoCommon(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	local := &fakeSide{dataset: "tank/src", dsType: zfsmodel.DatasetFilesystem, snapshots: []zfsmodel.SnapshotRecord{
		rec("s1", base),
	}}
	remote := &fakeSide{dataset: "tank/dst", dsType: zfsmodel.DatasetVolume, snapshots: []zfsmodel.SnapshotRecord{
		rec("s1", base),
	}}

	actions, err := Plan(context.Background(), local, remote, Options{LocalDataset: "tank/src", RemoteDataset: "tank/dst"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("expected DELETE_SNAPSHOTS + full send, got %d: %+v", len(actions), actions)
	}
	if actions[0].Kind != zfsmodel.ActionDeleteSnapshots {
		t.Errorf("expected type mismatch to fall through to delete+recreate, got %+v", actions[0])
	}
}

func TestPlanEmptyLocalNonEmptyPeer(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	local := &fakeSide{dataset: "tank/src", dsType: zfsmodel.DatasetFilesystem}
	remote := &fakeSide{dataset: "tank/dst", dsType: zfsmodel.DatasetFilesystem, snapshots: []zfsmodel.SnapshotRecord{
		rec("s1", base),
	}}

	actions, err := Plan(context.Background(), local, remote, Options{LocalDataset: "tank/src", RemoteDataset: "tank/dst"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != zfsmodel.ActionDeleteSnapshots {
		t.Fatalf("expected a single DELETE_SNAPSHOTS(all peer) action, got %+v", actions)
	}
}

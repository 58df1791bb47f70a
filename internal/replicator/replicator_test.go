package replicator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"zfsreplicate/internal/dlock"
	"zfsreplicate/internal/namer"
	"zfsreplicate/internal/repliterr"
	"zfsreplicate/internal/snapshot"
	"zfsreplicate/internal/transport"
	"zfsreplicate/internal/zfsmodel"
)

// fakeAccessor is a minimal zfsio.Accessor shared by both the local and
// remote sides of a Replicator test.
type fakeAccessor struct {
	dataset       string
	dsType        zfsmodel.DatasetType
	missing       bool
	snapshots     []zfsmodel.SnapshotRecord
	createErr     error
	destroyed     []string
	datasetDestroyed bool
}

func (f *fakeAccessor) ListDatasets(ctx context.Context, root string, recursive bool) ([]zfsmodel.Dataset, error) {
	if f.missing {
		return nil, nil
	}
	dt := f.dsType
	if dt == "" {
		dt = zfsmodel.DatasetFilesystem
	}
	return []zfsmodel.Dataset{{Name: root, Type: dt}}, nil
}

func (f *fakeAccessor) GetDataset(ctx context.Context, name string) (zfsmodel.Dataset, error) {
	if f.missing {
		return zfsmodel.Dataset{}, fmt.Errorf("%w: dataset %s", repliterr.ErrNotFound, name)
	}
	dt := f.dsType
	if dt == "" {
		dt = zfsmodel.DatasetFilesystem
	}
	return zfsmodel.Dataset{Name: name, Type: dt}, nil
}

func (f *fakeAccessor) ListSnapshots(ctx context.Context, dataset string, replicableOnly bool) ([]zfsmodel.SnapshotRecord, error) {
	return f.snapshots, nil
}

func (f *fakeAccessor) SnapshotExists(ctx context.Context, dataset, snapname string) bool {
	for _, s := range f.snapshots {
		if s.SnapName == snapname {
			return true
		}
	}
	return false
}

func (f *fakeAccessor) CreateSnapshot(ctx context.Context, dataset, snapname string, replicable, recursive bool) error {
	if f.createErr != nil {
		return f.createErr
	}
	parsed, err := namer.Parse(snapname)
	if err != nil {
		return err
	}
	f.snapshots = append(f.snapshots, zfsmodel.SnapshotRecord{
		Dataset: dataset, SnapName: snapname, CreationTime: parsed.Creation,
		CreationRaw: parsed.Creation.String(), Replicable: replicable,
	})
	return nil
}

func (f *fakeAccessor) DestroySnapshots(ctx context.Context, dataset string, snapnames []string) error {
	f.destroyed = append(f.destroyed, snapnames...)
	return nil
}

func (f *fakeAccessor) DestroyDataset(ctx context.Context, dataset string) error {
	f.datasetDestroyed = true
	return nil
}

func (f *fakeAccessor) EstimateSendSize(ctx context.Context, dataset, anchor, snapshot string) (int64, error) {
	return 1024, nil
}

func (f *fakeAccessor) SetReadOnly(ctx context.Context, dataset string, readOnly bool) error { return nil }

// fakeSender is a Sender that records every Send call instead of
// dialing SSH.
type fakeSender struct {
	sent []string
	err  error
}

func (f *fakeSender) Send(ctx context.Context, dataset, anchor, snapshot string) (transport.Result, error) {
	if f.err != nil {
		return transport.Result{}, f.err
	}
	f.sent = append(f.sent, dataset+"@"+snapshot)
	return transport.Result{BytesSent: 512}, nil
}

func newReplicator(local, remote *fakeAccessor, sender Sender, now time.Time) *Replicator {
	task := snapshot.New(local, dlock.New())
	task.Now = func() time.Time { return now }
	return &Replicator{
		Snapshot:  task,
		Local:     local,
		Remote:    remote,
		Transport: sender,
	}
}

func TestRunFreshFullSendsEverything(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	local := &fakeAccessor{dataset: "tank/src"}
	remote := &fakeAccessor{dataset: "tank/dst", missing: true}
	sender := &fakeSender{}

	repl := newReplicator(local, remote, sender, now)
	result, err := repl.Run(context.Background(), Options{LocalDataset: "tank/src", RemoteDataset: "tank/dst"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.SnapName == "" {
		t.Error("expected a snapshot to be created")
	}
	if len(result.Actions) != 1 {
		t.Fatalf("expected a single full send action, got %d: %+v", len(result.Actions), result.Actions)
	}
	if result.ActionsDone != 1 {
		t.Errorf("expected ActionsDone=1, got %d", result.ActionsDone)
	}
	if result.BytesSent != 512 {
		t.Errorf("expected BytesSent=512, got %d", result.BytesSent)
	}
	if len(sender.sent) != 1 {
		t.Errorf("expected transport.Send called once, got %d", len(sender.sent))
	}
}

func TestPlanDryRunDoesNotSend(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	local := &fakeAccessor{dataset: "tank/src"}
	remote := &fakeAccessor{dataset: "tank/dst", missing: true}
	sender := &fakeSender{}

	repl := newReplicator(local, remote, sender, now)
	result, err := repl.Plan(context.Background(), Options{LocalDataset: "tank/src", RemoteDataset: "tank/dst"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(result.Actions) == 0 {
		t.Fatal("expected a plan to be computed")
	}
	if len(sender.sent) != 0 {
		t.Errorf("expected Plan to never call transport.Send, got %d calls", len(sender.sent))
	}
	if result.BytesEstimated == 0 {
		t.Error("expected an estimation pass to have run even in dry-run mode")
	}
}

func TestRunAbortsOnActionFailure(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	local := &fakeAccessor{dataset: "tank/src"}
	remote := &fakeAccessor{dataset: "tank/dst", missing: true}
	sender := &fakeSender{err: errors.New("connection reset")}

	repl := newReplicator(local, remote, sender, now)
	_, err := repl.Run(context.Background(), Options{LocalDataset: "tank/src", RemoteDataset: "tank/dst"})
	if err == nil {
		t.Fatal("expected the run to propagate the transport error")
	}
}

package api

import (
	"context"
	"fmt"

	"zfsreplicate/internal/rpc"
	"zfsreplicate/internal/zfsio"
	"zfsreplicate/internal/zfsmodel"
)

// RemoteAccessor satisfies zfsio.Accessor by calling the equivalent
// snapshot/dataset RPC methods on a peer daemon instead of shelling out
// to zfs(8) locally. The planner and replicator are written against
// zfsio.Accessor and don't know whether "remote" means a local
// CLIAccessor pointed at a different pool or an actual network peer —
// this is what lets C4/C6 treat both the same way (spec §4.4: "remote
// is itself behind the Accessor seam").
type RemoteAccessor struct {
	Peer *rpc.Client
}

func NewRemoteAccessor(peer *rpc.Client) *RemoteAccessor {
	return &RemoteAccessor{Peer: peer}
}

type listDatasetsArgs struct {
	Root      string `json:"root"`
	Recursive bool   `json:"recursive"`
}

func (a *RemoteAccessor) ListDatasets(ctx context.Context, root string, recursive bool) ([]zfsmodel.Dataset, error) {
	var out []zfsmodel.Dataset
	err := a.Peer.CallSync(ctx, "zfs.list_datasets", listDatasetsArgs{Root: root, Recursive: recursive}, &out)
	return out, err
}

func (a *RemoteAccessor) GetDataset(ctx context.Context, name string) (zfsmodel.Dataset, error) {
	var out zfsmodel.Dataset
	err := a.Peer.CallSync(ctx, "zfs.get_dataset", name, &out)
	return out, err
}

type listSnapshotsArgs struct {
	Dataset        string `json:"dataset"`
	ReplicableOnly bool   `json:"replicable_only"`
}

func (a *RemoteAccessor) ListSnapshots(ctx context.Context, dataset string, replicableOnly bool) ([]zfsmodel.SnapshotRecord, error) {
	var out []zfsmodel.SnapshotRecord
	err := a.Peer.CallSync(ctx, "zfs.list_snapshots", listSnapshotsArgs{Dataset: dataset, ReplicableOnly: replicableOnly}, &out)
	return out, err
}

func (a *RemoteAccessor) SnapshotExists(ctx context.Context, dataset, snapname string) bool {
	var out bool
	if err := a.Peer.CallSync(ctx, "zfs.snapshot_exists", []string{dataset, snapname}, &out); err != nil {
		return false
	}
	return out
}

type createSnapshotArgs struct {
	Dataset    string `json:"dataset"`
	SnapName   string `json:"snap_name"`
	Replicable bool   `json:"replicable"`
	Recursive  bool   `json:"recursive"`
}

func (a *RemoteAccessor) CreateSnapshot(ctx context.Context, dataset, snapname string, replicable, recursive bool) error {
	return a.Peer.CallSync(ctx, "zfs.create_snapshot", createSnapshotArgs{
		Dataset: dataset, SnapName: snapname, Replicable: replicable, Recursive: recursive,
	}, nil)
}

type destroySnapshotsArgs struct {
	Dataset   string   `json:"dataset"`
	SnapNames []string `json:"snap_names"`
}

func (a *RemoteAccessor) DestroySnapshots(ctx context.Context, dataset string, snapnames []string) error {
	return a.Peer.CallSync(ctx, "zfs.destroy_snapshots", destroySnapshotsArgs{Dataset: dataset, SnapNames: snapnames}, nil)
}

func (a *RemoteAccessor) DestroyDataset(ctx context.Context, dataset string) error {
	return a.Peer.CallSync(ctx, "zfs.destroy_dataset", dataset, nil)
}

type estimateSendSizeArgs struct {
	Dataset  string `json:"dataset"`
	Anchor   string `json:"anchor"`
	Snapshot string `json:"snapshot"`
}

func (a *RemoteAccessor) EstimateSendSize(ctx context.Context, dataset, anchor, snapshot string) (int64, error) {
	var out int64
	err := a.Peer.CallSync(ctx, "zfs.estimate_send_size", estimateSendSizeArgs{Dataset: dataset, Anchor: anchor, Snapshot: snapshot}, &out)
	if err != nil {
		return 0, fmt.Errorf("estimate send size on peer: %w", err)
	}
	return out, nil
}

type setReadOnlyArgs struct {
	Dataset  string `json:"dataset"`
	ReadOnly bool   `json:"read_only"`
}

func (a *RemoteAccessor) SetReadOnly(ctx context.Context, dataset string, readOnly bool) error {
	return a.Peer.CallSync(ctx, "zfs.set_read_only", setReadOnlyArgs{Dataset: dataset, ReadOnly: readOnly}, nil)
}

var _ zfsio.Accessor = (*RemoteAccessor)(nil)

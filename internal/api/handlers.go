package api

import (
	"context"
	"encoding/json"
	"fmt"

	"zfsreplicate/internal/audit"
	"zfsreplicate/internal/replicator"
	"zfsreplicate/internal/snapshot"
	"zfsreplicate/internal/tasks"
	"zfsreplicate/internal/transport"
	"zfsreplicate/internal/zfsmodel"
)

// ── zfs.* : the accessor surface a RemoteAccessor on the calling peer
// dials, backed by this node's local zfsio.Accessor (spec §4.2's
// "remote is itself behind the Accessor seam").

func rpcListDatasets(ctx context.Context, deps Deps, args json.RawMessage) (interface{}, error) {
	var req struct {
		Root      string `json:"root"`
		Recursive bool   `json:"recursive"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	return deps.Local.ListDatasets(ctx, req.Root, req.Recursive)
}

func rpcGetDataset(ctx context.Context, deps Deps, args json.RawMessage) (interface{}, error) {
	var name string
	if err := decodeArgs(args, &name); err != nil {
		return nil, err
	}
	return deps.Local.GetDataset(ctx, name)
}

func rpcListSnapshots(ctx context.Context, deps Deps, args json.RawMessage) (interface{}, error) {
	var req struct {
		Dataset        string `json:"dataset"`
		ReplicableOnly bool   `json:"replicable_only"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	return deps.Local.ListSnapshots(ctx, req.Dataset, req.ReplicableOnly)
}

func rpcSnapshotExists(ctx context.Context, deps Deps, args json.RawMessage) (interface{}, error) {
	var pair []string
	if err := decodeArgs(args, &pair); err != nil {
		return nil, err
	}
	if len(pair) != 2 {
		return nil, fmt.Errorf("expected [dataset, snapname]")
	}
	return deps.Local.SnapshotExists(ctx, pair[0], pair[1]), nil
}

func rpcCreateSnapshot(ctx context.Context, deps Deps, args json.RawMessage) (interface{}, error) {
	var req struct {
		Dataset    string `json:"dataset"`
		SnapName   string `json:"snap_name"`
		Replicable bool   `json:"replicable"`
		Recursive  bool   `json:"recursive"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	return nil, deps.Local.CreateSnapshot(ctx, req.Dataset, req.SnapName, req.Replicable, req.Recursive)
}

func rpcDestroySnapshots(ctx context.Context, deps Deps, args json.RawMessage) (interface{}, error) {
	var req struct {
		Dataset   string   `json:"dataset"`
		SnapNames []string `json:"snap_names"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	return nil, deps.Local.DestroySnapshots(ctx, req.Dataset, req.SnapNames)
}

func rpcDestroyDataset(ctx context.Context, deps Deps, args json.RawMessage) (interface{}, error) {
	var dataset string
	if err := decodeArgs(args, &dataset); err != nil {
		return nil, err
	}
	return nil, deps.Local.DestroyDataset(ctx, dataset)
}

func rpcSetReadOnly(ctx context.Context, deps Deps, args json.RawMessage) (interface{}, error) {
	var req struct {
		Dataset  string `json:"dataset"`
		ReadOnly bool   `json:"read_only"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	return nil, deps.Local.SetReadOnly(ctx, req.Dataset, req.ReadOnly)
}

func rpcEstimateSendSize(ctx context.Context, deps Deps, args json.RawMessage) (interface{}, error) {
	var req struct {
		Dataset  string `json:"dataset"`
		Anchor   string `json:"anchor"`
		Snapshot string `json:"snapshot"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	return deps.Local.EstimateSendSize(ctx, req.Dataset, req.Anchor, req.Snapshot)
}

// ── snapshot.* : C3 driven directly, for a local cron-style caller.

func rpcSnapshotRun(ctx context.Context, deps Deps, args json.RawMessage) (interface{}, error) {
	var opts snapshot.Options
	if err := decodeArgs(args, &opts); err != nil {
		return nil, err
	}
	if deps.Snapshot == nil {
		return nil, fmt.Errorf("snapshot task not configured on this node")
	}
	return deps.Snapshot.Run(ctx, opts)
}

// ── replication.* : C4/C6 against a peer reached through PeerDialer.

type replicationArgs struct {
	RemoteHost string             `json:"remote_host"` // e.g. "https://peer.example:5050"
	Transport  transport.Options  `json:"transport"`
	Options    replicator.Options `json:"options"`
}

func rpcReplicationPlan(ctx context.Context, deps Deps, args json.RawMessage) (interface{}, error) {
	req, repl, err := buildReplicator(deps, args)
	if err != nil {
		return nil, err
	}
	return repl.Plan(ctx, req.Options)
}

func rpcReplicationRun(ctx context.Context, deps Deps, args json.RawMessage) (interface{}, error) {
	req, repl, err := buildReplicator(deps, args)
	if err != nil {
		return nil, err
	}
	return repl.Run(ctx, req.Options)
}

func buildReplicator(deps Deps, args json.RawMessage) (replicationArgs, *replicator.Replicator, error) {
	var req replicationArgs
	if err := decodeArgs(args, &req); err != nil {
		return req, nil, err
	}
	if deps.PeerDialer == nil {
		return req, nil, fmt.Errorf("no peer dialer configured")
	}
	req.Transport.Signer = deps.Signer
	if deps.HostKeyFor != nil {
		req.Transport.PinnedHostKey = deps.HostKeyFor(req.RemoteHost)
	}
	sender, err := transport.New(req.Transport)
	if err != nil {
		return req, nil, fmt.Errorf("build transport: %w", err)
	}
	remote := NewRemoteAccessor(deps.PeerDialer(req.RemoteHost))
	return req, &replicator.Replicator{
		Snapshot:  deps.Snapshot,
		Local:     deps.Local,
		Remote:    remote,
		Transport: sender,
		Hub:       deps.Hub,
	}, nil
}

// ── bidir.* : C7, dispatched straight onto the LinkManager. These are
// also the methods a peer's bidir.LinkManager calls on this node
// through PeerCaller (see internal/bidir's PeerCaller interface) —
// rpc.Client.CallSync posts the exact envelope this handler decodes.

func rpcBidirGet(ctx context.Context, deps Deps, args json.RawMessage) (interface{}, error) {
	var name string
	if err := decodeArgs(args, &name); err != nil {
		return nil, err
	}
	return deps.LinkMgr.Get(ctx, name)
}

func rpcBidirPersist(ctx context.Context, deps Deps, args json.RawMessage) (interface{}, error) {
	var link zfsmodel.Link
	if err := decodeArgs(args, &link); err != nil {
		return nil, err
	}
	return nil, deps.LinkMgr.PersistFromPeer(link)
}

func rpcBidirSetState(ctx context.Context, deps Deps, args json.RawMessage) (interface{}, error) {
	var req struct {
		LinkName      string   `json:"link_name"`
		Volumes       []string `json:"volumes"`
		ReadOnly      bool     `json:"readonly"`
		TouchServices bool     `json:"touch_services"`
		ServicesOn    bool     `json:"services_on"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if deps.Local == nil {
		return nil, fmt.Errorf("set_state: no local accessor configured on this node")
	}
	// Share/container toggling itself stays a no-op: spec §1 excludes
	// the generic share-management plugin from this module's scope, so
	// req.TouchServices/ServicesOn are accepted but unacted on here. The
	// readonly enforcement this Testable Property actually depends on
	// (spec §4.7 S6) is applied to every volume below.
	var firstErr error
	for _, volume := range req.Volumes {
		if err := deps.Local.SetReadOnly(ctx, volume, req.ReadOnly); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("set readonly=%v on %s: %w", req.ReadOnly, volume, err)
		}
	}
	return nil, firstErr
}

func rpcBidirCreate(ctx context.Context, deps Deps, args json.RawMessage) (interface{}, error) {
	var link zfsmodel.Link
	if err := decodeArgs(args, &link); err != nil {
		return nil, err
	}
	return nil, deps.LinkMgr.Create(ctx, link)
}

func rpcBidirDelete(ctx context.Context, deps Deps, args json.RawMessage) (interface{}, error) {
	var req struct {
		Name  string `json:"name"`
		Scrub bool   `json:"scrub"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	return nil, deps.LinkMgr.Delete(ctx, req.Name, req.Scrub)
}

func rpcBidirSwitch(ctx context.Context, deps Deps, args json.RawMessage) (interface{}, error) {
	var name string
	if err := decodeArgs(args, &name); err != nil {
		return nil, err
	}
	return nil, deps.LinkMgr.Switch(ctx, name)
}

func rpcBidirSync(ctx context.Context, deps Deps, args json.RawMessage) (interface{}, error) {
	var name string
	if err := decodeArgs(args, &name); err != nil {
		return nil, err
	}
	return nil, deps.LinkMgr.Sync(ctx, name)
}

func rpcBidirUpdateVolumes(ctx context.Context, deps Deps, args json.RawMessage) (interface{}, error) {
	var req struct {
		Name   string   `json:"name"`
		Add    []string `json:"add"`
		Remove []string `json:"remove"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	return nil, deps.LinkMgr.UpdateVolumes(ctx, req.Name, req.Add, req.Remove)
}

// ── task.* : operator-facing CRUD over replication_tasks, the
// schedule configuration a cron-like driver consults to invoke
// snapshot.run/replication.run (spec §9's call_task_sync contract).
// Session-gated like every non zfs./bidir. method (see requiresSession).

func rpcTaskList(ctx context.Context, deps Deps, args json.RawMessage) (interface{}, error) {
	if deps.Tasks == nil {
		return nil, fmt.Errorf("task store not configured on this node")
	}
	return deps.Tasks.List(ctx)
}

func rpcTaskSave(ctx context.Context, deps Deps, args json.RawMessage) (interface{}, error) {
	var t tasks.Task
	if err := decodeArgs(args, &t); err != nil {
		return nil, err
	}
	if deps.Tasks == nil {
		return nil, fmt.Errorf("task store not configured on this node")
	}
	if t.Name == "" {
		return nil, fmt.Errorf("task name is required")
	}
	err := deps.Tasks.Save(ctx, t)
	audit.LogAction("task_save", "operator", fmt.Sprintf("saved replication task %q", t.Name), err == nil, 0)
	return nil, err
}

func rpcTaskDelete(ctx context.Context, deps Deps, args json.RawMessage) (interface{}, error) {
	var name string
	if err := decodeArgs(args, &name); err != nil {
		return nil, err
	}
	if deps.Tasks == nil {
		return nil, fmt.Errorf("task store not configured on this node")
	}
	err := deps.Tasks.Delete(ctx, name)
	audit.LogAction("task_delete", "operator", fmt.Sprintf("deleted replication task %q", name), err == nil, 0)
	return nil, err
}

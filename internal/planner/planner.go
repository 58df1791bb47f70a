// Package planner implements C4, the Action Planner: it diffs a local
// and remote dataset tree's replicable snapshot inventories and emits
// an ordered list of zfsmodel.Action values that would bring the
// remote side in sync. Structurally grounded on zrepl's replication
// planner shape
// (other_examples/9bce1eff_yonasBSD-zrepl__internal-replication-logic-replication_logic.go.go's
// Planner.Plan/doPlanning, which also separates "diff two snapshot
// inventories" from "drive the resulting steps") and on
// vansante-go-zfsutils' filesystem_prune.go followdelete mirroring
// idea. The diff algorithm itself — full-then-incremental chain
// construction keyed on (snapname, creation_raw) identity — is this
// module's own, since no pack repo exposes an equivalent function at
// this granularity.
package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"zfsreplicate/internal/repliterr"
	"zfsreplicate/internal/zfsio"
	"zfsreplicate/internal/zfsmodel"
)

// Options parametrizes one Plan call (spec §4.4).
type Options struct {
	LocalDataset  string
	RemoteDataset string
	Recursive     bool
	FollowDelete  bool
}

// Plan computes the ordered action list for opts against the local and
// remote accessors. remote is expected to be addressed through an RPC
// proxy that implements zfsio.Accessor against the peer's inventory;
// this package never opens a connection itself.
func Plan(ctx context.Context, local, remote zfsio.Accessor, opts Options) ([]zfsmodel.Action, error) {
	localNames, err := expand(ctx, local, opts.LocalDataset, opts.Recursive)
	if err != nil {
		return nil, fmt.Errorf("expand local dataset %s: %w", opts.LocalDataset, err)
	}

	var actions []zfsmodel.Action
	var tailDeletes []zfsmodel.Action
	seenRemote := make(map[string]bool)

	for _, localFS := range localNames {
		remoteFS := remap(localFS, opts.LocalDataset, opts.RemoteDataset)
		seenRemote[remoteFS] = true

		fsActions, err := planDataset(ctx, local, remote, localFS, remoteFS, opts.FollowDelete)
		if err != nil {
			return nil, fmt.Errorf("plan %s -> %s: %w", localFS, remoteFS, err)
		}
		actions = append(actions, fsActions...)
	}

	if opts.Recursive {
		remoteNames, err := expand(ctx, remote, opts.RemoteDataset, true)
		if err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("expand remote dataset %s: %w", opts.RemoteDataset, err)
		}
		for _, remoteFS := range remoteNames {
			if seenRemote[remoteFS] {
				continue
			}
			tailDeletes = append(tailDeletes, zfsmodel.Action{
				Kind:     zfsmodel.ActionDeleteDataset,
				LocalFS:  remap(remoteFS, opts.RemoteDataset, opts.LocalDataset),
				RemoteFS: remoteFS,
			})
		}
	}

	return append(actions, tailDeletes...), nil
}

// planDataset implements spec §4.4 steps 3-5 for a single (localFS,
// remoteFS) pair.
func planDataset(ctx context.Context, local, remote zfsio.Accessor, localFS, remoteFS string, followDelete bool) ([]zfsmodel.Action, error) {
	localSnaps, err := local.ListSnapshots(ctx, localFS, true)
	if err != nil {
		return nil, fmt.Errorf("list local snapshots: %w", err)
	}
	sortByCreation(localSnaps)

	remoteDS, err := remote.GetDataset(ctx, remoteFS)
	switch {
	case isNotFound(err):
		return fullThenIncremental(localFS, remoteFS, localSnaps), nil
	case err != nil:
		return nil, fmt.Errorf("get remote dataset: %w", err)
	}

	localDS, err := local.GetDataset(ctx, localFS)
	if err != nil {
		return nil, fmt.Errorf("get local dataset: %w", err)
	}

	remoteSnaps, err := remote.ListSnapshots(ctx, remoteFS, true)
	if err != nil {
		return nil, fmt.Errorf("list remote snapshots: %w", err)
	}
	sortByCreation(remoteSnaps)

	// Dataset-type mismatch: treat identically to "no common snapshot"
	// (spec §4.4 edge cases).
	typeMismatch := localDS.Type != remoteDS.Type

	common := latestCommon(localSnaps, remoteSnaps)
	if typeMismatch || common == "" {
		var actions []zfsmodel.Action
		if len(remoteSnaps) > 0 {
			actions = append(actions, zfsmodel.Action{
				Kind:      zfsmodel.ActionDeleteSnapshots,
				LocalFS:   localFS,
				RemoteFS:  remoteFS,
				Snapshots: namesOf(remoteSnaps),
			})
		}
		return append(actions, fullThenIncremental(localFS, remoteFS, localSnaps)...), nil
	}

	var actions []zfsmodel.Action
	anchor := common
	commonSeen := false
	for _, s := range localSnaps {
		if !commonSeen {
			if s.SnapName == common {
				commonSeen = true
			}
			continue
		}
		actions = append(actions, zfsmodel.Action{
			Kind:        zfsmodel.ActionSendStream,
			LocalFS:     localFS,
			RemoteFS:    remoteFS,
			Incremental: true,
			Anchor:      anchor,
			Snapshot:    s.SnapName,
		})
		anchor = s.SnapName
	}

	if followDelete {
		localNames := make(map[string]bool, len(localSnaps))
		for _, s := range localSnaps {
			localNames[s.SnapName] = true
		}
		var stale []string
		for _, r := range remoteSnaps {
			if !localNames[r.SnapName] {
				stale = append(stale, r.SnapName)
			}
		}
		if len(stale) > 0 {
			actions = append([]zfsmodel.Action{{
				Kind:      zfsmodel.ActionDeleteSnapshots,
				LocalFS:   localFS,
				RemoteFS:  remoteFS,
				Snapshots: stale,
			}}, actions...)
		}
	}

	return actions, nil
}

// fullThenIncremental builds action[0] = full send of the oldest
// snapshot, action[i>0] = incremental anchored on the previous one
// (spec §4.4 step 4).
func fullThenIncremental(localFS, remoteFS string, snaps []zfsmodel.SnapshotRecord) []zfsmodel.Action {
	if len(snaps) == 0 {
		return nil
	}
	actions := make([]zfsmodel.Action, 0, len(snaps))
	actions = append(actions, zfsmodel.Action{
		Kind:     zfsmodel.ActionSendStream,
		LocalFS:  localFS,
		RemoteFS: remoteFS,
		Snapshot: snaps[0].SnapName,
	})
	for i := 1; i < len(snaps); i++ {
		actions = append(actions, zfsmodel.Action{
			Kind:        zfsmodel.ActionSendStream,
			LocalFS:     localFS,
			RemoteFS:    remoteFS,
			Incremental: true,
			Anchor:      snaps[i-1].SnapName,
			Snapshot:    snaps[i].SnapName,
		})
	}
	return actions
}

// latestCommon returns the snapname of the newest snapshot present on
// both sides with matching (snapname, creation_raw) identity, tie-broken
// by the highest creation_raw when creation times collide, or "" if
// none exists (spec §4.4 step 5).
func latestCommon(local, remote []zfsmodel.SnapshotRecord) string {
	remoteByName := make(map[string]zfsmodel.SnapshotRecord, len(remote))
	for _, r := range remote {
		remoteByName[r.SnapName] = r
	}

	best := ""
	var bestCreation zfsmodel.SnapshotRecord
	for _, l := range local {
		r, ok := remoteByName[l.SnapName]
		if !ok || r.CreationRaw != l.CreationRaw {
			continue
		}
		if best == "" || l.CreationTime.After(bestCreation.CreationTime) ||
			(l.CreationTime.Equal(bestCreation.CreationTime) && l.CreationRaw > bestCreation.CreationRaw) {
			best = l.SnapName
			bestCreation = l
		}
	}
	return best
}

// expand resolves dataset into the lexicographically sorted list of
// itself (if present) plus, when recursive, every descendant (spec
// §4.4 step 1).
func expand(ctx context.Context, accessor zfsio.Accessor, dataset string, recursive bool) ([]string, error) {
	datasets, err := accessor.ListDatasets(ctx, dataset, recursive)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(datasets))
	for _, d := range datasets {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names, nil
}

// remap translates a dataset name rooted at fromRoot into the
// equivalent name rooted at toRoot (spec §4.4 step 2).
func remap(name, fromRoot, toRoot string) string {
	if name == fromRoot {
		return toRoot
	}
	suffix := strings.TrimPrefix(name, fromRoot+"/")
	return toRoot + "/" + suffix
}

func namesOf(snaps []zfsmodel.SnapshotRecord) []string {
	names := make([]string, len(snaps))
	for i, s := range snaps {
		names[i] = s.SnapName
	}
	return names
}

func sortByCreation(snaps []zfsmodel.SnapshotRecord) {
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreationTime.Before(snaps[j].CreationTime) })
}

func isNotFound(err error) bool {
	return errors.Is(err, repliterr.ErrNotFound)
}

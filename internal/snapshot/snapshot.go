// Package snapshot implements C3, the Snapshot Task: create a fresh,
// named snapshot for a dataset and prune the ones past retention.
// Grounded on vansante-go-zfsutils' job.Runner.createSnapshot/
// pruneSnapshots pair (job/snapshots_*.go), generalized from a
// property-based delete-at deadline into the namer+retention duo this
// engine uses, and on dplaned's audit.LogCommand call shape for
// surfacing the two-step outcome.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"zfsreplicate/internal/audit"
	"zfsreplicate/internal/dlock"
	"zfsreplicate/internal/namer"
	"zfsreplicate/internal/repliterr"
	"zfsreplicate/internal/retention"
	"zfsreplicate/internal/zfsio"
)

// Options parametrizes one Task.Run call (spec §4.3's
// snapshot(pool, dataset, recursive, lifetime, prefix, replicable)
// contract; pool is implied by dataset and not threaded separately).
type Options struct {
	Dataset    string
	Recursive  bool
	Lifetime   namer.Lifetime
	Prefix     string // defaults to "auto" if empty
	Replicable bool
}

// Result reports what Task.Run actually did, including any non-fatal
// prune warning (spec §4.3: "step 3 surfaces as a non-fatal warning").
type Result struct {
	SnapName     string
	Collisions   int64
	Pruned       []string
	PruneWarning error
}

// Task runs the create-then-prune sequence against a zfsio.Accessor.
type Task struct {
	Accessor zfsio.Accessor
	Namer    *namer.Namer
	Locks    *dlock.Registry
	Now      func() time.Time // overridable for tests; defaults to time.Now

	// PoolHealth, if set, gates Run on the target dataset's pool being
	// healthy. Nil means no gate (the default for tests and for nodes
	// that never wired a PoolHealthRegistry).
	PoolHealth *zfsio.PoolHealthRegistry
}

// New returns a ready-to-use Task bound to the given accessor. locks
// may be nil, in which case Run takes no per-dataset lock at all (no
// cross-call serialization).
func New(accessor zfsio.Accessor, locks *dlock.Registry) *Task {
	return &Task{
		Accessor: accessor,
		Namer:    namer.New(),
		Locks:    locks,
		Now:      time.Now,
	}
}

// Run executes the three sub-operations of spec §4.3 against
// opts.Dataset: compute a collision-free name, create the snapshot,
// then prune expired ones sharing opts.Prefix. Step 2 (create) is
// fatal on failure; step 3 (prune) is not — its error is returned only
// in Result.PruneWarning, never as the function's error.
func (t *Task) Run(ctx context.Context, opts Options) (Result, error) {
	start := time.Now()
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "auto"
	}

	if t.PoolHealth != nil && !t.PoolHealth.IsHealthy(opts.Dataset) {
		err := fmt.Errorf("dataset %s: %w", opts.Dataset, repliterr.ErrPoolUnhealthy)
		audit.LogCommand(audit.LevelWarning, "system", "snapshot_run", []string{opts.Dataset}, false, time.Since(start), err)
		return Result{}, err
	}

	if t.Locks != nil {
		locked, unlock := t.Locks.TryLock(opts.Dataset)
		if !locked {
			err := fmt.Errorf("dataset %s: %w: snapshot task already running", opts.Dataset, repliterr.ErrAlreadyExists)
			audit.LogCommand(audit.LevelWarning, "system", "snapshot_run", []string{opts.Dataset}, false, time.Since(start), err)
			return Result{}, err
		}
		defer unlock()
	}

	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	nowT := now().UTC()

	snapName, err := t.Namer.Next(opts.Dataset, prefix, nowT, opts.Lifetime, func(full string) bool {
		ds, snap := splitFull(full)
		return t.Accessor.SnapshotExists(ctx, ds, snap)
	})
	if err != nil {
		audit.LogCommand(audit.LevelError, "system", "snapshot_run", []string{opts.Dataset}, false, time.Since(start), err)
		return Result{}, err
	}

	if err := t.Accessor.CreateSnapshot(ctx, opts.Dataset, snapName, opts.Replicable, opts.Recursive); err != nil {
		err = fmt.Errorf("create snapshot %s@%s: %w", opts.Dataset, snapName, err)
		audit.LogCommand(audit.LevelError, "system", "snapshot_run", []string{opts.Dataset, snapName}, false, time.Since(start), err)
		return Result{}, err
	}

	result := Result{SnapName: snapName, Collisions: t.Namer.LastCollisions()}

	pruned, warn := t.prune(ctx, opts.Dataset, prefix, nowT)
	result.Pruned = pruned
	result.PruneWarning = warn

	audit.LogCommand(audit.LevelInfo, "system", "snapshot_run", []string{opts.Dataset, snapName}, true, time.Since(start), nil)
	if warn != nil {
		audit.LogCommand(audit.LevelWarning, "system", "snapshot_prune", []string{opts.Dataset}, false, time.Since(start), warn)
	}

	return result, nil
}

// prune enumerates opts.Dataset's snapshots matching prefix, destroying
// those whose retention has expired and that carry no hold, in a
// single bulk call (spec §4.3 step 3).
func (t *Task) prune(ctx context.Context, dataset, prefix string, observed time.Time) ([]string, error) {
	records, err := t.Accessor.ListSnapshots(ctx, dataset, false)
	if err != nil {
		return nil, fmt.Errorf("list snapshots for prune: %w", err)
	}

	var expired []string
	for _, rec := range records {
		parsed, err := namer.Parse(rec.SnapName)
		if err != nil || parsed.Prefix != prefix {
			continue
		}
		if retention.Expired(parsed.Creation, parsed.Lifetime, rec.Holds, observed) {
			expired = append(expired, rec.SnapName)
		}
	}

	if len(expired) == 0 {
		return nil, nil
	}
	if err := t.Accessor.DestroySnapshots(ctx, dataset, expired); err != nil {
		return nil, fmt.Errorf("destroy expired snapshots: %w", err)
	}
	return expired, nil
}

func splitFull(full string) (dataset, snapname string) {
	for i := len(full) - 1; i >= 0; i-- {
		if full[i] == '@' {
			return full[:i], full[i+1:]
		}
	}
	return full, ""
}

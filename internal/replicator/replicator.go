// Package replicator implements C6, the Replicator: it orchestrates
// C3 (fresh snapshot) -> C4 (plan) -> C5 (stream) for one run,
// reporting progress and propagating the first error without rolling
// back prior steps. Grounded on teacher's
// internal/handlers/replication_remote.go (ReplicateToRemote's
// duration/progress bookkeeping around a single run) and the
// background-monitor broadcast pattern in
// internal/monitoring/background.go, generalized from ad hoc log lines
// into progress.ProgressEvent emission. Run IDs use
// github.com/google/uuid, the same ID source the teacher's task/link
// records use elsewhere in the pack.
package replicator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"zfsreplicate/internal/audit"
	"zfsreplicate/internal/namer"
	"zfsreplicate/internal/planner"
	"zfsreplicate/internal/progress"
	"zfsreplicate/internal/snapshot"
	"zfsreplicate/internal/transport"
	"zfsreplicate/internal/zfsio"
	"zfsreplicate/internal/zfsmodel"
)

// Options parametrizes one Run or Plan call (spec §4.6).
type Options struct {
	LocalDataset  string
	RemoteDataset string
	Recursive     bool
	FollowDelete  bool
	Prefix        string         // defaults to "repl"
	Lifetime      namer.Lifetime // defaults to 1y
	DryRun        bool
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = "repl"
	}
	if o.Lifetime == (namer.Lifetime{}) {
		o.Lifetime = namer.Lifetime{N: 1, Unit: namer.UnitYear}
	}
	return o
}

// RunResult reports the outcome of Run: the plan it executed, how
// many actions completed, and total bytes sent before any error.
type RunResult struct {
	RunID          string
	SnapName       string
	Actions        []zfsmodel.Action
	ActionsDone    int
	BytesSent      int64
	BytesEstimated int64
}

// Sender is the subset of *transport.Transport a Replicator depends
// on, narrowed to an interface so tests can substitute a fake instead
// of dialing SSH.
type Sender interface {
	Send(ctx context.Context, dataset, anchor, snapshot string) (transport.Result, error)
}

// Replicator wires C3, C4, and C5 together for one (local, remote)
// dataset pair.
type Replicator struct {
	Snapshot  *snapshot.Task
	Local     zfsio.Accessor
	Remote    zfsio.Accessor // a peer-backed Accessor, e.g. an RPC proxy
	Transport Sender
	Hub       *progress.Hub // optional; nil disables progress events
}

// Plan runs C3's prerequisite snapshot and C4 alone, returning the
// action list without executing any SEND_STREAM/DELETE action — the
// standalone dry-run entry point (SPEC_FULL.md supplement over spec
// §4.6's inline "Dry-run mode" note, mirroring
// original_source/gui/middleware/plugins/ReplicationPlugin.py's
// calculate_delta endpoint).
func (r *Replicator) Plan(ctx context.Context, opts Options) (RunResult, error) {
	opts = opts.withDefaults()
	opts.DryRun = true
	return r.run(ctx, opts)
}

// Run executes the full C3->C4->C5 sequence described in spec §4.6.
func (r *Replicator) Run(ctx context.Context, opts Options) (RunResult, error) {
	return r.run(ctx, opts.withDefaults())
}

func (r *Replicator) run(ctx context.Context, opts Options) (RunResult, error) {
	start := time.Now()
	runID := uuid.New().String()
	result := RunResult{RunID: runID}

	r.emit(progress.ProgressEvent{Kind: progress.EventPlanStarted, RunID: runID, LocalFS: opts.LocalDataset, RemoteFS: opts.RemoteDataset})

	snapResult, err := r.Snapshot.Run(ctx, snapshot.Options{
		Dataset:    opts.LocalDataset,
		Recursive:  opts.Recursive,
		Lifetime:   opts.Lifetime,
		Prefix:     opts.Prefix,
		Replicable: true,
	})
	if err != nil {
		r.emitFailure(runID, opts, err)
		return result, fmt.Errorf("snapshot step: %w", err)
	}
	result.SnapName = snapResult.SnapName

	actions, err := planner.Plan(ctx, r.Local, r.Remote, planner.Options{
		LocalDataset:  opts.LocalDataset,
		RemoteDataset: opts.RemoteDataset,
		Recursive:     opts.Recursive,
		FollowDelete:  opts.FollowDelete,
	})
	if err != nil {
		r.emitFailure(runID, opts, err)
		return result, fmt.Errorf("plan step: %w", err)
	}
	result.Actions = actions

	var totalEst int64
	for i, a := range actions {
		if a.Kind != zfsmodel.ActionSendStream {
			continue
		}
		size, estErr := r.Local.EstimateSendSize(ctx, a.LocalFS, a.Anchor, a.Snapshot)
		if estErr == nil {
			actions[i].EstSize = size
			totalEst += size
		}
	}
	result.BytesEstimated = totalEst

	if opts.DryRun {
		return result, nil
	}

	for i, action := range actions {
		r.emit(progress.ProgressEvent{
			Kind: progress.EventActionStarted, RunID: runID,
			LocalFS: action.LocalFS, RemoteFS: action.RemoteFS, Snapshot: action.Snapshot,
			ActionIdx: i + 1, ActionsTot: len(actions),
		})

		if err := r.execute(ctx, runID, action, &result); err != nil {
			r.emitFailure(runID, opts, err)
			return result, fmt.Errorf("action %d/%d (%s %s): %w", i+1, len(actions), action.Kind, action.LocalFS, err)
		}
		result.ActionsDone++

		r.emit(progress.ProgressEvent{
			Kind: progress.EventActionDone, RunID: runID,
			LocalFS: action.LocalFS, RemoteFS: action.RemoteFS, Snapshot: action.Snapshot,
			ActionIdx: i + 1, ActionsTot: len(actions),
			BytesDone: result.BytesSent, BytesTotal: totalEst,
		})
	}

	r.emit(progress.ProgressEvent{Kind: progress.EventRunDone, RunID: runID, LocalFS: opts.LocalDataset, RemoteFS: opts.RemoteDataset})
	audit.LogCommand(audit.LevelInfo, "system", "replication_run",
		[]string{opts.LocalDataset, opts.RemoteDataset, runID}, true, time.Since(start), nil)
	return result, nil
}

func (r *Replicator) execute(ctx context.Context, runID string, action zfsmodel.Action, result *RunResult) error {
	start := time.Now()
	var err error
	switch action.Kind {
	case zfsmodel.ActionSendStream:
		var sendResult transport.Result
		sendResult, err = r.Transport.Send(ctx, action.LocalFS, action.Anchor, action.Snapshot)
		if err == nil {
			result.BytesSent += sendResult.BytesSent
		}

	case zfsmodel.ActionDeleteSnapshots:
		err = r.Remote.DestroySnapshots(ctx, action.RemoteFS, action.Snapshots)

	case zfsmodel.ActionDeleteDataset:
		err = r.Remote.DestroyDataset(ctx, action.RemoteFS)

	default:
		err = fmt.Errorf("unknown action kind %q", action.Kind)
	}

	audit.LogCommand(audit.LevelInfo, "system", "replication_action_"+string(action.Kind),
		[]string{runID, action.LocalFS, action.RemoteFS}, err == nil, time.Since(start), err)
	return err
}

func (r *Replicator) emit(event progress.ProgressEvent) {
	if r.Hub == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	r.Hub.Emit(event)
}

func (r *Replicator) emitFailure(runID string, opts Options, err error) {
	r.emit(progress.ProgressEvent{
		Kind: progress.EventRunFailed, RunID: runID,
		LocalFS: opts.LocalDataset, RemoteFS: opts.RemoteDataset,
		Error: err.Error(),
	})
	audit.LogCommand(audit.LevelError, "system", "replication_run",
		[]string{opts.LocalDataset, opts.RemoteDataset, runID}, false, 0, err)
}

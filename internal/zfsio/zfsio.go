// Package zfsio is the sole boundary between the replication engine and
// the local zfs(8)/zpool(8) binaries. It defines the Accessor interface
// the planner and snapshot task depend on (never exec.Command directly)
// and a CLIAccessor default implementation backed by cmdutil.Run, in
// the spirit of handlers/zfs.go and handlers/zfs_snapshots.go's
// executeCommand+parse pairs, generalized into parsable (-Hp) output and
// a typed return value instead of an HTTP JSON response.
package zfsio

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"zfsreplicate/internal/cmdutil"
	"zfsreplicate/internal/repliterr"
	"zfsreplicate/internal/zfsmodel"
)

const (
	zfsBin   = "/usr/sbin/zfs"
	zpoolBin = "/usr/sbin/zpool"
)

// Accessor is the external-collaborator seam the planner, snapshot
// task, and transport estimation pass depend on. The default
// implementation shells out to zfs(8); tests supply a fake.
type Accessor interface {
	// ListDatasets returns root itself (if it exists) and, when
	// recursive is true, every descendant filesystem/volume, sorted
	// lexicographically by name.
	ListDatasets(ctx context.Context, root string, recursive bool) ([]zfsmodel.Dataset, error)

	// GetDataset returns a single dataset's metadata, or ErrNotFound.
	GetDataset(ctx context.Context, name string) (zfsmodel.Dataset, error)

	// ListSnapshots returns dataset's snapshots ordered by creation time
	// ascending. When replicableOnly is true, only snapshots carrying
	// org.freenas:replicate=yes are returned.
	ListSnapshots(ctx context.Context, dataset string, replicableOnly bool) ([]zfsmodel.SnapshotRecord, error)

	// SnapshotExists reports whether "dataset@snapname" exists.
	SnapshotExists(ctx context.Context, dataset, snapname string) bool

	// CreateSnapshot creates dataset@snapname, tagging it replicable
	// when requested. recursive creates the same-named snapshot on
	// every descendant dataset in one atomic zfs snapshot -r call.
	CreateSnapshot(ctx context.Context, dataset, snapname string, replicable, recursive bool) error

	// DestroySnapshots destroys the named snapshots of dataset in a
	// single bulk call (spec §4.3 step 3).
	DestroySnapshots(ctx context.Context, dataset string, snapnames []string) error

	// DestroyDataset recursively destroys dataset and everything under
	// it (used for DELETE_DATASET actions).
	DestroyDataset(ctx context.Context, dataset string) error

	// EstimateSendSize asks zfs send -n -P for the byte size of the
	// stream that would send snapshot, optionally incremental from
	// anchor.
	EstimateSendSize(ctx context.Context, dataset, anchor, snapshot string) (int64, error)

	// SetReadOnly sets dataset's readonly property, the mechanism
	// set_state (spec §4.7) uses to enforce "only MASTER writes, SLAVE
	// stays read-only" (spec §4.7 Testable Property).
	SetReadOnly(ctx context.Context, dataset string, readOnly bool) error
}

// CLIAccessor is the production Accessor, driving zfs(8) subprocesses
// through cmdutil with the same bounded timeouts handlers/zfs.go used.
type CLIAccessor struct{}

// NewCLIAccessor returns a ready-to-use CLIAccessor.
func NewCLIAccessor() *CLIAccessor { return &CLIAccessor{} }

func (c *CLIAccessor) ListDatasets(ctx context.Context, root string, recursive bool) ([]zfsmodel.Dataset, error) {
	args := []string{"list", "-Hp", "-o", "name,type,mountpoint,readonly", "-t", "filesystem,volume"}
	if recursive {
		args = append(args, "-r", root)
	} else {
		args = append(args, root)
	}
	out, err := cmdutil.RunZFS(zfsBin, args...)
	if err != nil {
		if isNotFound(out) {
			return nil, fmt.Errorf("%w: dataset %s", repliterr.ErrNotFound, root)
		}
		return nil, fmt.Errorf("zfs list %s: %w", root, err)
	}

	var datasets []zfsmodel.Dataset
	for _, line := range splitLines(out) {
		fields := strings.Split(line, "\t")
		if len(fields) < 4 {
			continue
		}
		pool := fields[0]
		if idx := strings.IndexByte(pool, '/'); idx >= 0 {
			pool = pool[:idx]
		}
		dt := zfsmodel.DatasetFilesystem
		if fields[1] == "volume" {
			dt = zfsmodel.DatasetVolume
		}
		datasets = append(datasets, zfsmodel.Dataset{
			Name:       fields[0],
			Type:       dt,
			Pool:       pool,
			Mountpoint: fields[2],
			ReadOnly:   fields[3] == "on",
		})
	}
	sort.Slice(datasets, func(i, j int) bool { return datasets[i].Name < datasets[j].Name })
	return datasets, nil
}

func (c *CLIAccessor) GetDataset(ctx context.Context, name string) (zfsmodel.Dataset, error) {
	datasets, err := c.ListDatasets(ctx, name, false)
	if err != nil {
		return zfsmodel.Dataset{}, err
	}
	if len(datasets) == 0 {
		return zfsmodel.Dataset{}, fmt.Errorf("%w: dataset %s", repliterr.ErrNotFound, name)
	}
	return datasets[0], nil
}

func (c *CLIAccessor) ListSnapshots(ctx context.Context, dataset string, replicableOnly bool) ([]zfsmodel.SnapshotRecord, error) {
	out, err := cmdutil.RunZFS(zfsBin, "list", "-Hp", "-t", "snapshot", "-s", "creation",
		"-o", "name,creation,userrefs,org.freenas:replicate", "-r", dataset)
	if err != nil {
		if isNotFound(out) {
			return nil, fmt.Errorf("%w: dataset %s", repliterr.ErrNotFound, dataset)
		}
		return nil, fmt.Errorf("zfs list snapshots %s: %w", dataset, err)
	}

	var records []zfsmodel.SnapshotRecord
	for _, line := range splitLines(out) {
		fields := strings.Split(line, "\t")
		if len(fields) < 4 {
			continue
		}
		full := fields[0]
		atIdx := strings.IndexByte(full, '@')
		if atIdx < 0 || full[:atIdx] != dataset {
			continue // belongs to a descendant dataset pulled in by -r
		}

		epoch, _ := strconv.ParseInt(fields[1], 10, 64)
		userrefs, _ := strconv.Atoi(fields[2])
		replicable := fields[3] == zfsmodel.ReplicateYes

		if replicableOnly && !replicable {
			continue
		}

		records = append(records, zfsmodel.SnapshotRecord{
			Dataset:      dataset,
			SnapName:     full[atIdx+1:],
			CreationTime: time.Unix(epoch, 0).UTC(),
			CreationRaw:  fields[1],
			Holds:        userrefs > 0,
			Replicable:   replicable,
		})
	}
	return records, nil
}

func (c *CLIAccessor) SnapshotExists(ctx context.Context, dataset, snapname string) bool {
	_, err := cmdutil.RunZFS(zfsBin, "list", "-H", "-o", "name", dataset+"@"+snapname)
	return err == nil
}

func (c *CLIAccessor) CreateSnapshot(ctx context.Context, dataset, snapname string, replicable, recursive bool) error {
	args := []string{"snapshot"}
	if recursive {
		args = append(args, "-r")
	}
	if replicable {
		args = append(args, "-o", zfsmodel.ReplicateProperty+"="+zfsmodel.ReplicateYes)
	}
	args = append(args, dataset+"@"+snapname)
	if out, err := cmdutil.RunMedium(zfsBin, args...); err != nil {
		return fmt.Errorf("zfs snapshot %s@%s: %w: %s", dataset, snapname, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (c *CLIAccessor) DestroySnapshots(ctx context.Context, dataset string, snapnames []string) error {
	if len(snapnames) == 0 {
		return nil
	}
	// zfs destroy dataset@snap1,snap2,snap3 destroys a bulk set in one
	// ioctl (spec §4.3 step 3: "destroy them in a single bulk call").
	target := dataset + "@" + strings.Join(snapnames, ",")
	if out, err := cmdutil.RunMedium(zfsBin, "destroy", target); err != nil {
		return fmt.Errorf("zfs destroy %s: %w: %s", target, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (c *CLIAccessor) DestroyDataset(ctx context.Context, dataset string) error {
	if out, err := cmdutil.RunSlow(zfsBin, "destroy", "-r", dataset); err != nil {
		return fmt.Errorf("zfs destroy -r %s: %w: %s", dataset, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (c *CLIAccessor) EstimateSendSize(ctx context.Context, dataset, anchor, snapshot string) (int64, error) {
	args := []string{"send", "-n", "-P"}
	if anchor != "" {
		args = append(args, "-i", dataset+"@"+anchor)
	}
	args = append(args, dataset+"@"+snapshot)

	out, err := cmdutil.RunZFS(zfsBin, args...)
	if err != nil {
		return 0, fmt.Errorf("zfs send -n -P %s@%s: %w: %s", dataset, snapshot, err, strings.TrimSpace(string(out)))
	}
	for _, line := range splitLines(out) {
		fields := strings.Split(line, "\t")
		if len(fields) == 2 && fields[0] == "size" {
			size, _ := strconv.ParseInt(fields[1], 10, 64)
			return size, nil
		}
	}
	return 0, nil
}

func (c *CLIAccessor) SetReadOnly(ctx context.Context, dataset string, readOnly bool) error {
	value := "off"
	if readOnly {
		value = "on"
	}
	if out, err := cmdutil.RunMedium(zfsBin, "set", "readonly="+value, dataset); err != nil {
		return fmt.Errorf("zfs set readonly=%s %s: %w: %s", value, dataset, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func splitLines(out []byte) []string {
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

func isNotFound(out []byte) bool {
	return strings.Contains(string(out), "dataset does not exist") ||
		strings.Contains(string(out), "could not find any snapshots to list")
}

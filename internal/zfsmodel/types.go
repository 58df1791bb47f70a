// Package zfsmodel holds the data types shared across the replication
// engine: datasets, snapshot records, replication actions, and
// bi-directional links. It has no behavior of its own beyond small
// value-type helpers (Link.Equal, Link.OtherPartner, Link.Validate,
// SnapshotRecord.FullName).
package zfsmodel

import (
	"fmt"
	"time"

	"zfsreplicate/internal/repliterr"
)

// DatasetType distinguishes a ZFS filesystem from a volume. The planner
// treats both the same way for streaming purposes; the type only
// matters when detecting a local/remote type mismatch (see Action
// Planner edge cases).
type DatasetType string

const (
	DatasetFilesystem DatasetType = "FILESYSTEM"
	DatasetVolume     DatasetType = "VOLUME"
)

// Dataset is a pool-qualified ZFS dataset.
type Dataset struct {
	Name       string      `json:"name"` // pool-qualified, e.g. "tank/data"
	Type       DatasetType `json:"type"`
	Pool       string      `json:"pool"`
	Mountpoint string      `json:"mountpoint,omitempty"`
	ReadOnly   bool        `json:"readonly"`
}

// ReplicateProperty is the ZFS user property that marks a snapshot as
// eligible for replication (§6).
const ReplicateProperty = "org.freenas:replicate"

// ReplicateYes is the only property value that counts as replicable.
const ReplicateYes = "yes"

// SnapshotRecord is one ZFS snapshot as seen by the planner.
type SnapshotRecord struct {
	Dataset      string    `json:"dataset"`
	SnapName     string    `json:"snap_name"`
	CreationTime time.Time `json:"creation_time"`
	// CreationRaw is an opaque, comparable stand-in for the ZFS "creation"
	// GUID/txg the real zfs layer would return; two snapshots are the
	// "same" only when both SnapName and CreationRaw match. This guards
	// against a same-name snapshot recreated after destruction.
	CreationRaw string `json:"creation_raw"`
	Holds       bool   `json:"holds"`
	Replicable  bool   `json:"replicable"`
}

// FullName returns "dataset@snapname".
func (s SnapshotRecord) FullName() string {
	return s.Dataset + "@" + s.SnapName
}

// ActionKind tags the variant of a Action.
type ActionKind string

const (
	ActionSendStream     ActionKind = "SEND_STREAM"
	ActionDeleteSnapshots ActionKind = "DELETE_SNAPSHOTS"
	ActionDeleteDataset  ActionKind = "DELETE_DATASET"
)

// Action is one step of a replication plan. Only the fields relevant to
// Kind are populated; see spec §3 "Replication action".
type Action struct {
	Kind ActionKind `json:"kind"`

	LocalFS  string `json:"localfs"`
	RemoteFS string `json:"remotefs"`

	// SEND_STREAM fields.
	Incremental bool   `json:"incremental,omitempty"`
	Anchor      string `json:"anchor,omitempty"` // prior snapshot this incremental is based on
	Snapshot    string `json:"snapshot,omitempty"`
	EstSize     int64  `json:"est_size,omitempty"`

	// DELETE_SNAPSHOTS fields.
	Snapshots []string `json:"snapshots,omitempty"`
}

// Role is a BiDir link's master/slave designation.
type Role string

const (
	RoleMaster Role = "MASTER"
	RoleSlave  Role = "SLAVE"
)

// Link is a bi-directional replication relationship between exactly two
// named partners (spec §3 "BiDir link"). Partners are always
// "user@host". The record exists identically on both partners;
// UpdateDate is the tiebreaker during split-brain reconciliation and
// must be compared by value, never by pointer/object identity (§9 Open
// Question).
type Link struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Partners   [2]string `json:"partners"`
	Master     string    `json:"master"`
	Volumes    []string  `json:"volumes"`
	UpdateDate time.Time `json:"update_date"`
}

// Equal compares two links by value (canonical field comparison), never
// by identity — per spec §9's Open Question, record comparisons must
// never rely on pointer/object identity.
func (l Link) Equal(other Link) bool {
	if l.ID != other.ID || l.Name != other.Name || l.Master != other.Master {
		return false
	}
	if l.Partners != other.Partners {
		return false
	}
	if !l.UpdateDate.Equal(other.UpdateDate) {
		return false
	}
	if len(l.Volumes) != len(other.Volumes) {
		return false
	}
	seen := make(map[string]bool, len(l.Volumes))
	for _, v := range l.Volumes {
		seen[v] = true
	}
	for _, v := range other.Volumes {
		if !seen[v] {
			return false
		}
	}
	return true
}

// OtherPartner returns the partner that is not self, or "" if self isn't
// one of the two partners.
func (l Link) OtherPartner(self string) string {
	if l.Partners[0] == self {
		return l.Partners[1]
	}
	if l.Partners[1] == self {
		return l.Partners[0]
	}
	return ""
}

// Validate enforces the BiDir link invariants from spec §3: exactly two
// distinct partners, and master must be one of them.
func (l Link) Validate() error {
	if l.Partners[0] == "" || l.Partners[1] == "" || l.Partners[0] == l.Partners[1] {
		return fmt.Errorf("link %q: %w: partners must be exactly two distinct hosts", l.Name, repliterr.ErrInvariantViolated)
	}
	if l.Master != l.Partners[0] && l.Master != l.Partners[1] {
		return fmt.Errorf("link %q: %w: master %q is not one of the partners", l.Name, repliterr.ErrInvariantViolated, l.Master)
	}
	return nil
}

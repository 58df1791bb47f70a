// Package repliterr defines the sentinel error kinds shared by every
// component of the replication engine (namer, planner, transport,
// replicator, bidir). Callers use errors.Is against these sentinels;
// wrap with fmt.Errorf("...: %w", ErrXxx) to add context.
package repliterr

import "errors"

var (
	// ErrInvalidName is returned when a snapshot name fails the naming grammar.
	ErrInvalidName = errors.New("invalid snapshot name")

	// ErrNameExhausted is returned when 99 collision-retry attempts are used up.
	ErrNameExhausted = errors.New("no free sequence number for snapshot name")

	// ErrNotFound covers a missing dataset, link, or peer.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists covers a link-name collision or peer-side share/container collision.
	ErrAlreadyExists = errors.New("already exists")

	// ErrPeerUnreachable covers network or authentication failure talking to the peer.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrPeerUntrusted covers a missing or mismatched pinned host key.
	ErrPeerUntrusted = errors.New("peer untrusted")

	// ErrStreamFailed covers a non-zero exit of the send or receive side of a stream.
	ErrStreamFailed = errors.New("stream failed")

	// ErrInvariantViolated covers a data-model invariant breach (partner count != 2,
	// master not among partners, etc).
	ErrInvariantViolated = errors.New("invariant violated")

	// ErrPoolUnhealthy covers a pool that failed its latest health probe
	// (SUSPENDED/UNAVAIL, or a stuck write/read test) and should not be
	// snapshotted into or replicated from/into.
	ErrPoolUnhealthy = errors.New("pool unhealthy")
)

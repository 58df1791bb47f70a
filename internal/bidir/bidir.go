// Package bidir implements C7, the BiDir Link Manager: the two-node
// master/slave state machine for a set of volumes (spec §4.7). It is a
// heavy adaptation of teacher's internal/ha/cluster.go: Manager becomes
// LinkManager, ClusterNode becomes zfsmodel.Link, RoleActive/RoleStandby
// become zfsmodel.RoleMaster/RoleSlave, the heartbeat-driven quorum
// check is replaced by update_date-based split-brain reconciliation
// (spec §4.7's "Split-brain reconciliation"), and ensureSchema/
// persistNode survive nearly verbatim as ensureSchema/persistLink's
// INSERT ... ON CONFLICT(name) DO UPDATE sqlite idiom.
package bidir

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"zfsreplicate/internal/audit"
	"zfsreplicate/internal/dlock"
	"zfsreplicate/internal/repliterr"
	"zfsreplicate/internal/zfsio"
	"zfsreplicate/internal/zfsmodel"
)

// PeerCaller is the subset of rpc.Client a LinkManager depends on to
// reach the other side of a link. Narrowed to an interface so tests
// can substitute an in-process fake instead of dialing HTTP.
type PeerCaller interface {
	CallSync(ctx context.Context, method string, args, out interface{}) error
}

// VolumeReplicator drives a recursive replication of one volume from
// master to slave — the C6 invocation spec §4.7's create/sync
// operations describe. Modeled as an interface since bidir must not
// import replicator directly (replicator already depends on planner
// and transport; bidir sits above C6, not beside it).
type VolumeReplicator interface {
	ReplicateVolume(ctx context.Context, volume, masterHost, slaveHost string) error
}

// PeerDialer resolves a "user@host" partner address into a PeerCaller.
// Two dials to the same partner are independent (spec §9: "no shared
// pool").
type PeerDialer func(partner string) PeerCaller

// PeerProvisioner performs the peer-side provisioning steps spec
// §4.7's create sequence requires before the initial replication runs:
// rejecting a name-colliding share/container on the peer, creating the
// peer volume (same topology, same encryption flag) and pre-creating
// its datasets if the peer doesn't already have them, and auto-
// importing any containers/shares found there once the volume has
// landed. Volume and share/container lifecycle management are external
// collaborators of this module (spec §1: "the web UI forms for
// configuring volumes and tasks", "the generic share-management
// plugin"), so PeerProvisioner only defines the seam Create drives; a
// nil PeerProvisioner makes Create skip these steps, matching
// deployments where the peer volume is provisioned out of band (e.g.
// by an operator or a separate volume-lifecycle tool) ahead of the
// link.
type PeerProvisioner interface {
	// CheckNoCollision returns an error wrapping repliterr.ErrAlreadyExists
	// if a share or container named after volume already exists on peer.
	CheckNoCollision(ctx context.Context, peer, volume string) error
	// EnsureVolume creates volume, and pre-creates its non-VOLUME
	// datasets, on peer if volume is not already present there.
	EnsureVolume(ctx context.Context, peer, volume string) error
	// AutoImport imports any containers/shares found under volume on
	// peer, after the initial replicate of volume has landed.
	AutoImport(ctx context.Context, peer, volume string) error
}

// LinkManager owns every BiDir link this node participates in.
type LinkManager struct {
	db       *sql.DB
	selfHost string // this node's "user@host" identity
	local    zfsio.Accessor

	mu    sync.RWMutex
	links map[string]zfsmodel.Link // keyed by name

	volumesLock *dlock.Registry
	dialPeer    PeerDialer
	replicator  VolumeReplicator
	provisioner PeerProvisioner
}

// NewLinkManager returns a manager for selfHost, backed by db for
// persistence. local is the Accessor set_state enforces readonly
// through when this node is the target; dialPeer and replicator are
// the remaining required collaborators. The "volumes" lock is always a
// private dlock.Registry owned by this manager.
func NewLinkManager(db *sql.DB, selfHost string, local zfsio.Accessor, dialPeer PeerDialer, replicator VolumeReplicator) *LinkManager {
	return &LinkManager{
		db:          db,
		selfHost:    selfHost,
		local:       local,
		links:       make(map[string]zfsmodel.Link),
		volumesLock: dlock.New(),
		dialPeer:    dialPeer,
		replicator:  replicator,
	}
}

// WithProvisioner attaches the peer-provisioning seam Create drives
// through for the volume/share/container sub-steps of spec §4.7's
// create sequence. Optional: a LinkManager with no provisioner attached
// simply skips those steps (logged) and proceeds straight to
// replication, the right behavior when the peer volume is already
// provisioned out of band.
func (m *LinkManager) WithProvisioner(p PeerProvisioner) *LinkManager {
	m.provisioner = p
	return m
}

// Start ensures the schema exists and loads persisted links, mirroring
// ha.Manager.Start's ensureSchema+loadPersistedNodes sequence.
func (m *LinkManager) Start() error {
	if err := m.ensureSchema(); err != nil {
		return fmt.Errorf("bidir: schema error: %w", err)
	}
	if err := m.loadPersistedLinks(); err != nil {
		return fmt.Errorf("bidir: load persisted links: %w", err)
	}
	log.Printf("bidir: link manager started (self=%s, %d links)", m.selfHost, len(m.links))
	return nil
}

// Get returns a copy of the named link, reconciled against the peer's
// copy by update_date if reachable (spec §4.7 "get_latest_link"; if the
// peer is unreachable the local copy is returned and the caller
// proceeds optimistically).
func (m *LinkManager) Get(ctx context.Context, name string) (zfsmodel.Link, error) {
	m.mu.RLock()
	local, ok := m.links[name]
	m.mu.RUnlock()
	if !ok {
		return zfsmodel.Link{}, fmt.Errorf("%w: link %s", repliterr.ErrNotFound, name)
	}

	peerAddr := local.OtherPartner(m.selfHost)
	peerLink, err := m.fetchPeerLink(ctx, peerAddr, name)
	if err != nil {
		return local, nil // peer unreachable: proceed optimistically
	}
	if peerLink.UpdateDate.After(local.UpdateDate) {
		m.mu.Lock()
		m.links[name] = peerLink
		m.mu.Unlock()
		return peerLink, nil
	}
	return local, nil
}

func (m *LinkManager) fetchPeerLink(ctx context.Context, peerAddr, name string) (zfsmodel.Link, error) {
	if peerAddr == "" || m.dialPeer == nil {
		return zfsmodel.Link{}, fmt.Errorf("%w: no peer to reach", repliterr.ErrPeerUnreachable)
	}
	peer := m.dialPeer(peerAddr)
	var out zfsmodel.Link
	if err := peer.CallSync(ctx, "bidir.get", name, &out); err != nil {
		return zfsmodel.Link{}, err
	}
	return out, nil
}

// Create implements spec §4.7's create(link) operation.
func (m *LinkManager) Create(ctx context.Context, link zfsmodel.Link) (err error) {
	start := time.Now()
	defer func() {
		audit.LogCommand(auditLevel(err), "system", "bidir_create", []string{link.Name}, err == nil, time.Since(start), err)
	}()

	if err = link.Validate(); err != nil {
		return err
	}
	if link.Partners[0] != m.selfHost && link.Partners[1] != m.selfHost {
		err = fmt.Errorf("%w: neither partner %v resolves to this node (%s)", repliterr.ErrInvariantViolated, link.Partners, m.selfHost)
		return err
	}

	m.mu.RLock()
	_, exists := m.links[link.Name]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: link %s", repliterr.ErrAlreadyExists, link.Name)
	}

	link.UpdateDate = time.Now().UTC()
	peerAddr := link.OtherPartner(m.selfHost)

	if link.Master == m.selfHost {
		locked, unlock := m.volumesLock.TryLock("volumes")
		if !locked {
			return fmt.Errorf("%w: volumes lock held by another bidir operation", repliterr.ErrAlreadyExists)
		}
		defer unlock()

		for _, volume := range link.Volumes {
			if m.local != nil {
				if _, err := m.local.GetDataset(ctx, volume); err != nil {
					return fmt.Errorf("%w: volume %s", repliterr.ErrNotFound, volume)
				}
			}
			if m.provisioner != nil {
				if err := m.provisioner.CheckNoCollision(ctx, peerAddr, volume); err != nil {
					return fmt.Errorf("check peer collision for %s: %w", volume, err)
				}
			}
		}

		if m.provisioner != nil {
			for _, volume := range link.Volumes {
				if err := m.provisioner.EnsureVolume(ctx, peerAddr, volume); err != nil {
					return fmt.Errorf("ensure volume %s on peer %s: %w", volume, peerAddr, err)
				}
			}
		} else {
			log.Printf("bidir: create link=%s: no PeerProvisioner configured, assuming peer volumes are already provisioned", link.Name)
		}

		for _, volume := range link.Volumes {
			if err := m.replicator.ReplicateVolume(ctx, volume, m.selfHost, peerAddr); err != nil {
				return fmt.Errorf("replicate volume %s to %s: %w", volume, peerAddr, err)
			}
			if m.provisioner != nil {
				if err := m.provisioner.AutoImport(ctx, peerAddr, volume); err != nil {
					return fmt.Errorf("auto-import %s on peer %s: %w", volume, peerAddr, err)
				}
			}
		}

		if err := m.setState(ctx, peerAddr, link, false /* peer becomes slave */, true); err != nil {
			return fmt.Errorf("set peer state to SLAVE: %w", err)
		}
	}

	// Local insert precedes the peer insert (spec §9 Open Question
	// decision). The peer-side insert is an upsert, so repeating it is
	// harmless; a retried Create on this node is not, since the
	// duplicate-name check above rejects it with ALREADY_EXISTS once the
	// local insert has happened.
	if err := m.persistLink(link); err != nil {
		return fmt.Errorf("persist local link: %w", err)
	}
	m.mu.Lock()
	m.links[link.Name] = link
	m.mu.Unlock()

	if peerAddr != "" && m.dialPeer != nil {
		peer := m.dialPeer(peerAddr)
		if err := peer.CallSync(ctx, "bidir.persist", link, nil); err != nil {
			return fmt.Errorf("%w: persist link on peer: %v", repliterr.ErrPeerUnreachable, err)
		}
	}
	return nil
}

// Switch implements spec §4.7's switch(name): swap master to the other
// partner, bump update_date, propagate, then re-impose state on the new
// slave.
func (m *LinkManager) Switch(ctx context.Context, name string) (err error) {
	start := time.Now()
	defer func() {
		audit.LogCommand(auditLevel(err), "system", "bidir_switch", []string{name}, err == nil, time.Since(start), err)
	}()

	link, err := m.Get(ctx, name)
	if err != nil {
		return err
	}

	newMaster := link.OtherPartner(link.Master)
	newSlave := link.Master
	link.Master = newMaster
	link.UpdateDate = time.Now().UTC()

	if err = m.persistLink(link); err != nil {
		return fmt.Errorf("persist switched link locally: %w", err)
	}
	m.mu.Lock()
	m.links[name] = link
	m.mu.Unlock()

	if m.dialPeer != nil {
		peer := m.dialPeer(link.OtherPartner(m.selfHost))
		if err = peer.CallSync(ctx, "bidir.persist", link, nil); err != nil {
			return fmt.Errorf("%w: propagate switch to peer: %v", repliterr.ErrPeerUnreachable, err)
		}
	}

	if err = m.setState(ctx, newMaster, link, true, true); err != nil {
		return fmt.Errorf("set new master %s read-write: %w", newMaster, err)
	}
	err = m.setState(ctx, newSlave, link, false, true)
	return err
}

// Sync implements spec §4.7's sync(name): the MASTER path replicates
// every volume and re-applies read-only on the SLAVE; the SLAVE path
// forwards the request to MASTER.
func (m *LinkManager) Sync(ctx context.Context, name string) (err error) {
	start := time.Now()
	defer func() {
		audit.LogCommand(auditLevel(err), "system", "bidir_sync", []string{name}, err == nil, time.Since(start), err)
	}()

	link, err := m.Get(ctx, name)
	if err != nil {
		return err
	}

	if link.Master != m.selfHost {
		peer := m.dialPeer(link.Master)
		err = peer.CallSync(ctx, "bidir.sync", name, nil)
		return err
	}

	locked, unlock := m.volumesLock.TryLock("volumes")
	if !locked {
		return fmt.Errorf("%w: volumes lock held by another bidir operation", repliterr.ErrAlreadyExists)
	}
	defer unlock()

	slave := link.OtherPartner(m.selfHost)
	for _, volume := range link.Volumes {
		if err = m.replicator.ReplicateVolume(ctx, volume, m.selfHost, slave); err != nil {
			return fmt.Errorf("sync volume %s: %w", volume, err)
		}
	}
	err = m.setState(ctx, slave, link, false, true)
	return err
}

// Delete implements spec §4.7's delete(name, scrub). When this node is
// SLAVE and scrub is true, it momentarily promotes itself to MASTER to
// destroy local volumes under the link before the link record itself
// is removed on both nodes.
func (m *LinkManager) Delete(ctx context.Context, name string, scrub bool) (err error) {
	start := time.Now()
	defer func() {
		audit.LogCommand(auditLevel(err), "system", "bidir_delete", []string{name, strconv.FormatBool(scrub)}, err == nil, time.Since(start), err)
	}()

	link, err := m.Get(ctx, name)
	if err != nil {
		return err
	}

	if scrub && link.Master != m.selfHost {
		link.Master = m.selfHost // momentary self-promotion to authorize local destroy
		if err = m.setState(ctx, m.selfHost, link, true, false); err != nil {
			return fmt.Errorf("momentary promote for scrub: %w", err)
		}
		for _, volume := range link.Volumes {
			if err = m.local.DestroyDataset(ctx, volume); err != nil {
				return fmt.Errorf("scrub volume %s: %w", volume, err)
			}
		}
	}

	m.mu.Lock()
	delete(m.links, name)
	m.mu.Unlock()
	if _, err = m.db.Exec(`DELETE FROM bidir_links WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete local link record: %w", err)
	}

	if m.dialPeer != nil {
		peer := m.dialPeer(link.OtherPartner(m.selfHost))
		if err = peer.CallSync(ctx, "bidir.delete", map[string]interface{}{"name": name, "scrub": scrub}, nil); err != nil {
			return fmt.Errorf("%w: delete link on peer: %v", repliterr.ErrPeerUnreachable, err)
		}
	}
	return nil
}

// UpdateVolumes implements the supplemental BiDirUpdateVolumes
// operation (original_source's BiDirUpdateVolumes, carried forward in
// SPEC_FULL.md §4 since spec §4.7 only lists create/delete/switch/
// sync): added volumes are replicated to the slave and then held
// read-only there by the closing set_state call (Create's
// PeerProvisioner steps are not run); removed volumes are only dropped
// from the link's volume list — their readonly property and data are
// left as they are on both nodes. No full link delete/recreate is
// needed. Only callable from the MASTER side.
// update_date bumps like every other mutation (spec §3 invariant).
func (m *LinkManager) UpdateVolumes(ctx context.Context, name string, add, remove []string) (err error) {
	start := time.Now()
	defer func() {
		audit.LogCommand(auditLevel(err), "system", "bidir_update_volumes", []string{name}, err == nil, time.Since(start), err)
	}()

	link, err := m.Get(ctx, name)
	if err != nil {
		return err
	}
	if link.Master != m.selfHost {
		return fmt.Errorf("%w: volumes may only be updated from the MASTER side", repliterr.ErrInvariantViolated)
	}

	locked, unlock := m.volumesLock.TryLock("volumes")
	if !locked {
		return fmt.Errorf("%w: volumes lock held by another bidir operation", repliterr.ErrAlreadyExists)
	}
	defer unlock()

	slave := link.OtherPartner(m.selfHost)
	for _, volume := range add {
		if err = m.replicator.ReplicateVolume(ctx, volume, m.selfHost, slave); err != nil {
			return fmt.Errorf("replicate added volume %s to %s: %w", volume, slave, err)
		}
	}

	removeSet := make(map[string]bool, len(remove))
	for _, v := range remove {
		removeSet[v] = true
	}
	seen := make(map[string]bool, len(link.Volumes)+len(add))
	merged := make([]string, 0, len(link.Volumes)+len(add))
	for _, v := range link.Volumes {
		if removeSet[v] || seen[v] {
			continue
		}
		seen[v] = true
		merged = append(merged, v)
	}
	for _, v := range add {
		if seen[v] {
			continue
		}
		seen[v] = true
		merged = append(merged, v)
	}
	link.Volumes = merged
	link.UpdateDate = time.Now().UTC()

	if err = m.persistLink(link); err != nil {
		return fmt.Errorf("persist updated volumes locally: %w", err)
	}
	m.mu.Lock()
	m.links[name] = link
	m.mu.Unlock()

	if m.dialPeer != nil {
		peer := m.dialPeer(slave)
		if err = peer.CallSync(ctx, "bidir.persist", link, nil); err != nil {
			return fmt.Errorf("%w: propagate volume update to peer: %v", repliterr.ErrPeerUnreachable, err)
		}
	}

	err = m.setState(ctx, slave, link, false, true)
	return err
}

// setState implements spec §4.7's set_state(node, is_master, volumes,
// touch_services): readonly = off if master else on, enforced on every
// volume of link (the Testable Property S6 depends on, "slave is held
// read-only"); when touchServices, toggle enabled on every
// share/container targeting link.Volumes. Since share/container
// management is an external collaborator (spec §1 non-goal: "the
// generic share-management plugin"), touchServices itself is still
// just recorded in the request for a future share layer to act on.
func (m *LinkManager) setState(ctx context.Context, node string, link zfsmodel.Link, isMaster, touchServices bool) error {
	req := setStateRequest{
		LinkName:      link.Name,
		Volumes:       link.Volumes,
		ReadOnly:      !isMaster,
		TouchServices: touchServices,
		ServicesOn:    isMaster,
	}
	if node == m.selfHost || node == "" {
		return m.applyReadOnly(ctx, link, req.ReadOnly)
	}
	peer := m.dialPeer(node)
	return peer.CallSync(ctx, "bidir.set_state", req, nil)
}

// applyReadOnly sets the readonly property on every volume of link
// against this node's local Accessor, continuing past individual
// failures so one bad dataset doesn't mask the rest, but returning the
// first error encountered.
func (m *LinkManager) applyReadOnly(ctx context.Context, link zfsmodel.Link, readOnly bool) error {
	if m.local == nil {
		return fmt.Errorf("bidir: set_state(local) requires an Accessor, none configured")
	}
	var firstErr error
	for _, volume := range link.Volumes {
		if err := m.local.SetReadOnly(ctx, volume, readOnly); err != nil {
			log.Printf("bidir: set_state readonly=%v volume=%s failed: %v", readOnly, volume, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("set readonly=%v on %s: %w", readOnly, volume, err)
			}
			continue
		}
		log.Printf("bidir: set_state link=%s volume=%s readonly=%v", link.Name, volume, readOnly)
	}
	return firstErr
}

type setStateRequest struct {
	LinkName      string   `json:"link_name"`
	Volumes       []string `json:"volumes"`
	ReadOnly      bool     `json:"readonly"`
	TouchServices bool     `json:"touch_services"`
	ServicesOn    bool     `json:"services_on"`
}

// ── Persistence ──────────────────────────────────────────────────────

func (m *LinkManager) ensureSchema() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS bidir_links (
			name        TEXT PRIMARY KEY,
			link_id     TEXT NOT NULL,
			partner_a   TEXT NOT NULL,
			partner_b   TEXT NOT NULL,
			master      TEXT NOT NULL,
			volumes     TEXT NOT NULL DEFAULT '[]',
			update_date TEXT NOT NULL
		)
	`)
	return err
}

func (m *LinkManager) persistLink(link zfsmodel.Link) error {
	volumesJSON, err := json.Marshal(link.Volumes)
	if err != nil {
		return err
	}
	_, err = m.db.Exec(`
		INSERT INTO bidir_links (name, link_id, partner_a, partner_b, master, volumes, update_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			link_id=excluded.link_id, partner_a=excluded.partner_a, partner_b=excluded.partner_b,
			master=excluded.master, volumes=excluded.volumes, update_date=excluded.update_date
	`, link.Name, link.ID, link.Partners[0], link.Partners[1], link.Master, string(volumesJSON),
		link.UpdateDate.Format(time.RFC3339Nano))
	return err
}

func (m *LinkManager) loadPersistedLinks() error {
	rows, err := m.db.Query(`SELECT name, link_id, partner_a, partner_b, master, volumes, update_date FROM bidir_links`)
	if err != nil {
		return err
	}
	defer rows.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	for rows.Next() {
		var link zfsmodel.Link
		var volumesJSON, updateDateStr string
		if err := rows.Scan(&link.Name, &link.ID, &link.Partners[0], &link.Partners[1], &link.Master, &volumesJSON, &updateDateStr); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(volumesJSON), &link.Volumes); err != nil {
			return err
		}
		link.UpdateDate, _ = time.Parse(time.RFC3339Nano, updateDateStr)
		m.links[link.Name] = link
	}
	return nil
}

// PersistFromPeer installs a link record received via the bidir.persist
// RPC, the receiving half of Create/Switch's propagation step.
func (m *LinkManager) PersistFromPeer(link zfsmodel.Link) error {
	if err := m.persistLink(link); err != nil {
		return err
	}
	m.mu.Lock()
	m.links[link.Name] = link
	m.mu.Unlock()
	return nil
}

// resolveSelfRole reports whether selfHost is currently MASTER for
// link. Nothing in this module calls it.
func (m *LinkManager) resolveSelfRole(link zfsmodel.Link) zfsmodel.Role {
	if link.Master == m.selfHost {
		return zfsmodel.RoleMaster
	}
	return zfsmodel.RoleSlave
}

// parseUserHost splits a "user@host" partner string. Nothing in this
// module calls it; Link.Validate does not check the partner format.
func parseUserHost(s string) (user, host string, ok bool) {
	at := strings.IndexByte(s, '@')
	if at < 0 {
		return "", "", false
	}
	return s[:at], s[at+1:], true
}

// auditLevel picks the severity for a mutating operation's audit entry:
// ERROR when it failed, INFO when it succeeded.
func auditLevel(err error) audit.LogLevel {
	if err != nil {
		return audit.LevelError
	}
	return audit.LevelInfo
}

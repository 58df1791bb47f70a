package bidir

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"zfsreplicate/internal/repliterr"
	"zfsreplicate/internal/zfsmodel"
)

// fakeLocalAccessor records every SetReadOnly call instead of shelling
// out to zfs(8). GetDataset reports every dataset present unless it's
// listed in missing, so Create's "verify each volume exists locally"
// step can be exercised without a real zfsio.CLIAccessor.
type fakeLocalAccessor struct {
	readOnlySets map[string]bool // dataset -> last readonly value set
	missing      map[string]bool
}

func newFakeLocalAccessor() *fakeLocalAccessor {
	return &fakeLocalAccessor{readOnlySets: make(map[string]bool), missing: make(map[string]bool)}
}

func (f *fakeLocalAccessor) ListDatasets(ctx context.Context, root string, recursive bool) ([]zfsmodel.Dataset, error) {
	return nil, nil
}

func (f *fakeLocalAccessor) GetDataset(ctx context.Context, name string) (zfsmodel.Dataset, error) {
	if f.missing[name] {
		return zfsmodel.Dataset{}, repliterr.ErrNotFound
	}
	return zfsmodel.Dataset{Name: name, Type: zfsmodel.DatasetFilesystem}, nil
}

func (f *fakeLocalAccessor) ListSnapshots(ctx context.Context, dataset string, replicableOnly bool) ([]zfsmodel.SnapshotRecord, error) {
	return nil, nil
}

func (f *fakeLocalAccessor) SnapshotExists(ctx context.Context, dataset, snapname string) bool {
	return false
}

func (f *fakeLocalAccessor) CreateSnapshot(ctx context.Context, dataset, snapname string, replicable, recursive bool) error {
	return nil
}

func (f *fakeLocalAccessor) DestroySnapshots(ctx context.Context, dataset string, snapnames []string) error {
	return nil
}

func (f *fakeLocalAccessor) DestroyDataset(ctx context.Context, dataset string) error { return nil }

func (f *fakeLocalAccessor) EstimateSendSize(ctx context.Context, dataset, anchor, snapshot string) (int64, error) {
	return 0, nil
}

func (f *fakeLocalAccessor) SetReadOnly(ctx context.Context, dataset string, readOnly bool) error {
	f.readOnlySets[dataset] = readOnly
	return nil
}

func newTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:?_journal_mode=WAL")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return db
}

// fakeReplicator records every volume it was asked to replicate instead
// of driving a real C6 run.
type fakeReplicator struct {
	calls []string
}

func (f *fakeReplicator) ReplicateVolume(ctx context.Context, volume, masterHost, slaveHost string) error {
	f.calls = append(f.calls, volume+":"+masterHost+"->"+slaveHost)
	return nil
}

// fakeProvisioner records every peer-provisioning sub-step Create asks
// for, optionally failing CheckNoCollision for a given volume to
// exercise the collision-rejection path.
type fakeProvisioner struct {
	collideOn  map[string]bool
	collisions []string
	ensured    []string
	imported   []string
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{collideOn: make(map[string]bool)}
}

func (f *fakeProvisioner) CheckNoCollision(ctx context.Context, peer, volume string) error {
	f.collisions = append(f.collisions, volume)
	if f.collideOn[volume] {
		return fmt.Errorf("%w: share named after %s already exists on %s", repliterr.ErrAlreadyExists, volume, peer)
	}
	return nil
}

func (f *fakeProvisioner) EnsureVolume(ctx context.Context, peer, volume string) error {
	f.ensured = append(f.ensured, volume)
	return nil
}

func (f *fakeProvisioner) AutoImport(ctx context.Context, peer, volume string) error {
	f.imported = append(f.imported, volume)
	return nil
}

// peerBridge routes CallSync onto a real LinkManager in the same
// process, round-tripping args/out through JSON the way the wire
// protocol would — a fake for rpc.Client's CallSync signature, not a
// network stub, since spec §4.7's operations are inherently two-sided.
type peerBridge struct {
	target      *LinkManager
	setStateLog []setStateRequest
}

func (p *peerBridge) CallSync(ctx context.Context, method string, args, out interface{}) error {
	switch method {
	case "bidir.persist":
		var link zfsmodel.Link
		if err := roundTrip(args, &link); err != nil {
			return err
		}
		return p.target.PersistFromPeer(link)

	case "bidir.get":
		var name string
		if err := roundTrip(args, &name); err != nil {
			return err
		}
		p.target.mu.RLock()
		link, ok := p.target.links[name]
		p.target.mu.RUnlock()
		if !ok {
			return errNotFoundForTest
		}
		return roundTrip(link, out)

	case "bidir.set_state":
		var req setStateRequest
		if err := roundTrip(args, &req); err != nil {
			return err
		}
		p.setStateLog = append(p.setStateLog, req)
		// Like the real bidir.set_state handler, act on the volumes the
		// request carries: Create sends set_state before the peer has
		// persisted the link record.
		link := zfsmodel.Link{Name: req.LinkName, Volumes: req.Volumes}
		return p.target.applyReadOnly(ctx, link, req.ReadOnly)

	case "bidir.sync":
		var name string
		if err := roundTrip(args, &name); err != nil {
			return err
		}
		return p.target.Sync(ctx, name)

	case "bidir.delete":
		var req map[string]interface{}
		if err := roundTrip(args, &req); err != nil {
			return err
		}
		name, _ := req["name"].(string)
		scrub, _ := req["scrub"].(bool)
		return p.target.Delete(ctx, name, scrub)

	default:
		return nil
	}
}

var errNotFoundForTest = &testError{"link not found"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func roundTrip(in, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// twoNodeFixture wires two LinkManagers (a and b) to each other via
// peerBridge so Create/Switch/Sync's peer RPCs stay in-process.
type twoNodeFixture struct {
	a, b             *LinkManager
	bridgeA, bridgeB *peerBridge
	replA, replB     *fakeReplicator
	localA, localB   *fakeLocalAccessor
}

func newTwoNodeFixture(t *testing.T) *twoNodeFixture {
	t.Helper()
	dbA, dbB := newTestDB(t), newTestDB(t)

	f := &twoNodeFixture{
		replA:  &fakeReplicator{},
		replB:  &fakeReplicator{},
		localA: newFakeLocalAccessor(),
		localB: newFakeLocalAccessor(),
	}
	f.a = NewLinkManager(dbA, "admin@nodeA", f.localA, nil, f.replA)
	f.b = NewLinkManager(dbB, "admin@nodeB", f.localB, nil, f.replB)

	f.bridgeA = &peerBridge{target: f.a}
	f.bridgeB = &peerBridge{target: f.b}
	f.a.dialPeer = func(partner string) PeerCaller { return f.bridgeB }
	f.b.dialPeer = func(partner string) PeerCaller { return f.bridgeA }

	if err := f.a.Start(); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := f.b.Start(); err != nil {
		t.Fatalf("start b: %v", err)
	}
	return f
}

func TestCreateReplicatesVolumesAndDemotesPeer(t *testing.T) {
	f := newTwoNodeFixture(t)
	link := zfsmodel.Link{
		ID:       "link-1",
		Name:     "backup-link",
		Partners: [2]string{"admin@nodeA", "admin@nodeB"},
		Master:   "admin@nodeA",
		Volumes:  []string{"tank/data"},
	}

	if err := f.a.Create(context.Background(), link); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if len(f.replA.calls) != 1 || f.replA.calls[0] != "tank/data:admin@nodeA->admin@nodeB" {
		t.Errorf("expected master-side replication of tank/data, got %v", f.replA.calls)
	}
	if len(f.bridgeB.setStateLog) != 1 || !f.bridgeB.setStateLog[0].ReadOnly {
		t.Errorf("expected peer to be set read-only, got %+v", f.bridgeB.setStateLog)
	}
	if readOnly, ok := f.localB.readOnlySets["tank/data"]; !ok || !readOnly {
		t.Errorf("expected the peer's tank/data dataset to actually be set readonly, got %v (present=%v)", readOnly, ok)
	}

	f.b.mu.RLock()
	_, onB := f.b.links["backup-link"]
	f.b.mu.RUnlock()
	if !onB {
		t.Error("expected the link to be persisted on the peer too")
	}
}

// TestSwitchSwapsMasterAndAdvancesUpdateDate exercises spec §8 scenario
// S6: switch(name) swaps master, toggles readonly/services on both
// nodes, and advances update_date on both sides.
func TestSwitchSwapsMasterAndAdvancesUpdateDate(t *testing.T) {
	f := newTwoNodeFixture(t)
	link := zfsmodel.Link{
		ID:       "link-1",
		Name:     "backup-link",
		Partners: [2]string{"admin@nodeA", "admin@nodeB"},
		Master:   "admin@nodeA",
		Volumes:  []string{"tank/data"},
	}
	if err := f.a.Create(context.Background(), link); err != nil {
		t.Fatalf("Create: %v", err)
	}
	beforeA := f.a.links["backup-link"].UpdateDate
	time.Sleep(time.Millisecond)

	if err := f.a.Switch(context.Background(), "backup-link"); err != nil {
		t.Fatalf("Switch: %v", err)
	}

	f.a.mu.RLock()
	gotA := f.a.links["backup-link"]
	f.a.mu.RUnlock()
	f.b.mu.RLock()
	gotB := f.b.links["backup-link"]
	f.b.mu.RUnlock()

	if gotA.Master != "admin@nodeB" {
		t.Errorf("expected master to swap to nodeB, got %q", gotA.Master)
	}
	if !gotA.UpdateDate.After(beforeA) {
		t.Error("expected update_date to advance on the switching node")
	}
	if !gotB.Equal(gotA) {
		t.Errorf("expected both nodes to agree on the link after switch: a=%+v b=%+v", gotA, gotB)
	}

	last := f.bridgeB.setStateLog[len(f.bridgeB.setStateLog)-1]
	if last.ReadOnly {
		t.Error("expected the new master (nodeB) to be set read-write")
	}
	if readOnly, ok := f.localB.readOnlySets["tank/data"]; !ok || readOnly {
		t.Errorf("expected the new master's (nodeB) tank/data dataset to actually be set read-write, got %v (present=%v)", readOnly, ok)
	}
	if readOnly, ok := f.localA.readOnlySets["tank/data"]; !ok || !readOnly {
		t.Errorf("expected the demoted node's (nodeA) tank/data dataset to actually be set readonly, got %v (present=%v)", readOnly, ok)
	}
}

func TestSyncForwardsToMasterWhenCalledOnSlave(t *testing.T) {
	f := newTwoNodeFixture(t)
	link := zfsmodel.Link{
		ID:       "link-1",
		Name:     "backup-link",
		Partners: [2]string{"admin@nodeA", "admin@nodeB"},
		Master:   "admin@nodeA",
		Volumes:  []string{"tank/data"},
	}
	if err := f.a.Create(context.Background(), link); err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.replA.calls = nil // clear the create-time replication call

	if err := f.b.Sync(context.Background(), "backup-link"); err != nil {
		t.Fatalf("Sync from slave: %v", err)
	}

	if len(f.replA.calls) != 1 {
		t.Errorf("expected sync to run on the master (nodeA) after forwarding, got %v", f.replA.calls)
	}
}

func TestUpdateVolumesAddsAndRemoves(t *testing.T) {
	f := newTwoNodeFixture(t)
	link := zfsmodel.Link{
		ID:       "link-1",
		Name:     "backup-link",
		Partners: [2]string{"admin@nodeA", "admin@nodeB"},
		Master:   "admin@nodeA",
		Volumes:  []string{"tank/data", "tank/docs"},
	}
	if err := f.a.Create(context.Background(), link); err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.replA.calls = nil

	if err := f.a.UpdateVolumes(context.Background(), "backup-link", []string{"tank/media"}, []string{"tank/docs"}); err != nil {
		t.Fatalf("UpdateVolumes: %v", err)
	}

	if len(f.replA.calls) != 1 || f.replA.calls[0] != "tank/media:admin@nodeA->admin@nodeB" {
		t.Errorf("expected the added volume to be replicated, got %v", f.replA.calls)
	}

	f.a.mu.RLock()
	gotA := f.a.links["backup-link"]
	f.a.mu.RUnlock()
	f.b.mu.RLock()
	gotB := f.b.links["backup-link"]
	f.b.mu.RUnlock()

	wantVolumes := map[string]bool{"tank/data": true, "tank/media": true}
	if len(gotA.Volumes) != len(wantVolumes) {
		t.Fatalf("expected 2 volumes after update, got %v", gotA.Volumes)
	}
	for _, v := range gotA.Volumes {
		if !wantVolumes[v] {
			t.Errorf("unexpected volume %q after update: %v", v, gotA.Volumes)
		}
	}
	if !gotB.Equal(gotA) {
		t.Errorf("expected both nodes to agree on volumes after update: a=%+v b=%+v", gotA, gotB)
	}
}

func TestUpdateVolumesRejectedFromSlave(t *testing.T) {
	f := newTwoNodeFixture(t)
	link := zfsmodel.Link{
		ID:       "link-1",
		Name:     "backup-link",
		Partners: [2]string{"admin@nodeA", "admin@nodeB"},
		Master:   "admin@nodeA",
		Volumes:  []string{"tank/data"},
	}
	if err := f.a.Create(context.Background(), link); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := f.b.UpdateVolumes(context.Background(), "backup-link", []string{"tank/media"}, nil); err == nil {
		t.Fatal("expected UpdateVolumes called from the SLAVE side to be rejected")
	}
}

func TestCreateRejectsUnknownPartner(t *testing.T) {
	f := newTwoNodeFixture(t)
	link := zfsmodel.Link{
		ID:       "link-1",
		Name:     "backup-link",
		Partners: [2]string{"admin@nodeX", "admin@nodeY"},
		Master:   "admin@nodeX",
		Volumes:  []string{"tank/data"},
	}
	if err := f.a.Create(context.Background(), link); err == nil {
		t.Fatal("expected Create to reject a link naming neither partner as this node")
	}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	f := newTwoNodeFixture(t)
	link := zfsmodel.Link{
		ID:       "link-1",
		Name:     "backup-link",
		Partners: [2]string{"admin@nodeA", "admin@nodeB"},
		Master:   "admin@nodeA",
		Volumes:  []string{"tank/data"},
	}
	if err := f.a.Create(context.Background(), link); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if err := f.a.Create(context.Background(), link); err == nil {
		t.Fatal("expected the second Create with the same name to fail")
	}
}

func TestCreateRejectsVolumeMissingLocally(t *testing.T) {
	f := newTwoNodeFixture(t)
	f.localA.missing["tank/data"] = true
	link := zfsmodel.Link{
		ID:       "link-1",
		Name:     "backup-link",
		Partners: [2]string{"admin@nodeA", "admin@nodeB"},
		Master:   "admin@nodeA",
		Volumes:  []string{"tank/data"},
	}
	if err := f.a.Create(context.Background(), link); err == nil {
		t.Fatal("expected Create to reject a volume that doesn't exist locally")
	}
}

// TestCreateDrivesPeerProvisioning exercises spec §4.7's create
// sequence sub-steps: collision check, peer volume provisioning, and
// auto-import, all driven through the PeerProvisioner seam in the
// order the spec's run() describes (collision check and provisioning
// before replication, auto-import after).
func TestCreateDrivesPeerProvisioning(t *testing.T) {
	f := newTwoNodeFixture(t)
	prov := newFakeProvisioner()
	f.a.WithProvisioner(prov)
	link := zfsmodel.Link{
		ID:       "link-1",
		Name:     "backup-link",
		Partners: [2]string{"admin@nodeA", "admin@nodeB"},
		Master:   "admin@nodeA",
		Volumes:  []string{"tank/data"},
	}
	if err := f.a.Create(context.Background(), link); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(prov.collisions) != 1 || prov.collisions[0] != "tank/data" {
		t.Errorf("expected a collision check against tank/data, got %v", prov.collisions)
	}
	if len(prov.ensured) != 1 || prov.ensured[0] != "tank/data" {
		t.Errorf("expected the peer volume to be provisioned, got %v", prov.ensured)
	}
	if len(prov.imported) != 1 || prov.imported[0] != "tank/data" {
		t.Errorf("expected an auto-import after replication, got %v", prov.imported)
	}
}

func TestCreateRejectsOnPeerCollision(t *testing.T) {
	f := newTwoNodeFixture(t)
	prov := newFakeProvisioner()
	prov.collideOn["tank/data"] = true
	f.a.WithProvisioner(prov)
	link := zfsmodel.Link{
		ID:       "link-1",
		Name:     "backup-link",
		Partners: [2]string{"admin@nodeA", "admin@nodeB"},
		Master:   "admin@nodeA",
		Volumes:  []string{"tank/data"},
	}
	if err := f.a.Create(context.Background(), link); err == nil {
		t.Fatal("expected Create to reject a volume colliding with an existing peer share/container")
	}
	if len(prov.ensured) != 0 {
		t.Errorf("expected no peer provisioning once a collision is found, got %v", prov.ensured)
	}
}

package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/ssh"

	"zfsreplicate/internal/bidir"
	"zfsreplicate/internal/peertrust"
	"zfsreplicate/internal/zfsmodel"
)

// testPeerIdentity is the "user@host" every postRPC call signs as; the
// router under test pins its public key so zfs.*/bidir.* calls (which
// requiresPeerAuth gates) verify the same way a real peer's would.
const testPeerIdentity = "replicator@test"

var (
	testSignerOnce sync.Once
	testSignerVal  ssh.Signer
)

// testSigner lazily generates a single RSA keypair for the whole test
// binary — generating a fresh 2048-bit key per test would be wasteful
// and every test trusts the same identity anyway.
func testSigner(t *testing.T) ssh.Signer {
	t.Helper()
	testSignerOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate test replication key: %v", err)
		}
		signer, err := ssh.NewSignerFromKey(key)
		if err != nil {
			t.Fatalf("wrap test replication key: %v", err)
		}
		testSignerVal = signer
	})
	return testSignerVal
}

type fakeAccessor struct{}

func (fakeAccessor) ListDatasets(ctx context.Context, root string, recursive bool) ([]zfsmodel.Dataset, error) {
	return []zfsmodel.Dataset{{Name: root, Type: zfsmodel.DatasetFilesystem}}, nil
}
func (fakeAccessor) GetDataset(ctx context.Context, name string) (zfsmodel.Dataset, error) {
	return zfsmodel.Dataset{Name: name, Type: zfsmodel.DatasetFilesystem}, nil
}
func (fakeAccessor) ListSnapshots(ctx context.Context, dataset string, replicableOnly bool) ([]zfsmodel.SnapshotRecord, error) {
	return nil, nil
}
func (fakeAccessor) SnapshotExists(ctx context.Context, dataset, snapname string) bool { return false }
func (fakeAccessor) CreateSnapshot(ctx context.Context, dataset, snapname string, replicable, recursive bool) error {
	return nil
}
func (fakeAccessor) DestroySnapshots(ctx context.Context, dataset string, snapnames []string) error {
	return nil
}
func (fakeAccessor) DestroyDataset(ctx context.Context, dataset string) error { return nil }
func (fakeAccessor) EstimateSendSize(ctx context.Context, dataset, anchor, snapshot string) (int64, error) {
	return 2048, nil
}
func (fakeAccessor) SetReadOnly(ctx context.Context, dataset string, readOnly bool) error { return nil }

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:?_journal_mode=WAL")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	linkMgr := bidir.NewLinkManager(db, "admin@nodeA", fakeAccessor{}, nil, nil)
	if err := linkMgr.Start(); err != nil {
		t.Fatalf("start link manager: %v", err)
	}

	peerTrust := peertrust.NewStore(db)
	if err := peerTrust.EnsureSchema(); err != nil {
		t.Fatalf("peer trust schema init: %v", err)
	}
	if err := peerTrust.Trust(testPeerIdentity, testSigner(t).PublicKey()); err != nil {
		t.Fatalf("pin test peer key: %v", err)
	}

	return NewRouter(Deps{Local: fakeAccessor{}, LinkMgr: linkMgr, Version: "test", PeerTrust: peerTrust})
}

// postRPC signs every request as testPeerIdentity, the same way a real
// rpc.Client with WithIdentity attached would; operator-facing methods
// simply ignore the extra headers since requiresPeerAuth doesn't match
// them.
func postRPC(t *testing.T, router http.Handler, method string, args interface{}) *httptest.ResponseRecorder {
	t.Helper()
	argsJSON, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	body, err := json.Marshal(map[string]interface{}{"method": method, "args": json.RawMessage(argsJSON)})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/rpc/call", bytes.NewReader(body))

	signer := testSigner(t)
	timestamp := time.Now().Unix()
	sig, err := signer.Sign(rand.Reader, peertrust.Canonical(testPeerIdentity, timestamp, body))
	if err != nil {
		t.Fatalf("sign test request: %v", err)
	}
	req.Header.Set("X-Replication-Identity", testPeerIdentity)
	req.Header.Set("X-Replication-Timestamp", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-Replication-Signature", base64.StdEncoding.EncodeToString(ssh.Marshal(sig)))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRPCCallZFSListDatasetsNoSessionRequired(t *testing.T) {
	router := newTestRouter(t)
	rec := postRPC(t, router, "zfs.list_datasets", map[string]interface{}{"root": "tank/data"})

	var resp struct {
		OK     bool `json:"ok"`
		Result []struct {
			Name string `json:"name"`
		} `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v; body=%s", err, rec.Body.String())
	}
	if !resp.OK {
		t.Fatalf("expected ok=true, body=%s", rec.Body.String())
	}
}

func TestRPCCallUnknownMethod(t *testing.T) {
	router := newTestRouter(t)
	rec := postRPC(t, router, "nonsense.method", nil)

	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OK {
		t.Fatal("expected ok=false for an unknown method")
	}
}

func TestRPCCallSnapshotRunRequiresSession(t *testing.T) {
	router := newTestRouter(t)
	rec := postRPC(t, router, "snapshot.run", map[string]interface{}{"dataset": "tank/data"})

	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OK {
		t.Fatal("expected an operator-triggered method to require a session")
	}
	if resp.Error != "unauthorized" {
		t.Errorf("expected unauthorized error, got %q", resp.Error)
	}
}

func TestRPCCallBidirGetExemptFromSession(t *testing.T) {
	router := newTestRouter(t)
	rec := postRPC(t, router, "bidir.get", "no-such-link")

	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == "unauthorized" {
		t.Fatal("expected bidir.* calls to skip the session gate")
	}
}

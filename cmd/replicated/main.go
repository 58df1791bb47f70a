package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/ssh"

	"zfsreplicate/internal/api"
	"zfsreplicate/internal/audit"
	"zfsreplicate/internal/bidir"
	"zfsreplicate/internal/dlock"
	"zfsreplicate/internal/peertrust"
	"zfsreplicate/internal/progress"
	"zfsreplicate/internal/replicator"
	"zfsreplicate/internal/rpc"
	"zfsreplicate/internal/security"
	"zfsreplicate/internal/snapshot"
	"zfsreplicate/internal/tasks"
	"zfsreplicate/internal/transport"
	"zfsreplicate/internal/zfsio"
)

const version = "1.0.0"

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:5050", "Listen address")
	dbPath := flag.String("db", "/var/lib/zfsreplicate/zfsreplicate.db", "Path to SQLite database")
	auditLogPath := flag.String("audit-log", "/var/lib/zfsreplicate/audit.log", "Path to the audit log file")
	auditKeyPath := flag.String("audit-key", "/var/lib/zfsreplicate/audit.key", "Path to the audit HMAC key")
	localHost := flag.String("local-host", "", "This node's \"user@host\" identity for BiDir links (default: replicator@<hostname>)")
	peerKeysPath := flag.String("peer-keys", "/var/lib/zfsreplicate/peer_keys", "Path to a file pinning trusted peers, one \"identity ssh-rsa AAAA...\" line per peer")
	flag.Parse()

	// WAL mode for concurrent reads during writes, a bounded busy
	// timeout against "database locked" under audit-log write bursts,
	// same pragma set the teacher's daemon opens with.
	db, err := sql.Open("sqlite3", *dbPath+"?_journal_mode=WAL&_busy_timeout=30000&_synchronous=FULL")
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := initSchema(db); err != nil {
		log.Fatalf("schema init: %v", err)
	}

	if err := security.InitDatabase(*dbPath); err != nil {
		log.Fatalf("init session database: %v", err)
	}
	defer security.CloseDatabase()

	if err := audit.InitLogger(*auditLogPath); err != nil {
		log.Printf("warning: audit logger unavailable: %v", err)
	}
	auditKey, err := audit.LoadOrCreateAuditKey(*auditKeyPath)
	if err != nil {
		log.Printf("warning: audit HMAC key unavailable (%v) — chain disabled", err)
		auditKey = nil
	}
	bufferedLogger := audit.NewBufferedLogger(db, 100, 5*time.Second, auditKey)
	bufferedLogger.Start()
	defer bufferedLogger.Stop()
	audit.SetBufferedLogger(bufferedLogger)

	if err := api.EnsureReplicationKeySchema(db); err != nil {
		log.Fatalf("replication key schema init: %v", err)
	}
	signer, err := api.LoadOrCreateReplicationKey(db)
	if err != nil {
		log.Fatalf("load replication identity: %v", err)
	}
	log.Printf("replication.key.public: %s", api.PublicKeyAuthorizedFormat(signer))

	self := *localHost
	if self == "" {
		hostname, _ := os.Hostname()
		self = "replicator@" + hostname
	}

	peerTrust := peertrust.NewStore(db)
	if err := peerTrust.EnsureSchema(); err != nil {
		log.Fatalf("peer trust schema init: %v", err)
	}
	if err := loadPinnedPeerKeys(peerTrust, *peerKeysPath); err != nil {
		log.Printf("warning: peer keys unavailable (%v) — no peer daemon will be able to call zfs.*/bidir.* methods here", err)
	}

	local := zfsio.NewCLIAccessor()
	snapTask := snapshot.New(local, dlock.New())

	poolHealth := zfsio.NewPoolHealthRegistry()
	snapTask.PoolHealth = poolHealth
	if pools, err := zfsio.DiscoverPools(); err != nil {
		log.Printf("warning: pool discovery failed, proceeding without health gating: %v", err)
	} else {
		for _, p := range pools {
			monitor := zfsio.NewPoolMonitor(p.Name, p.MountPoint, 30*time.Second)
			poolHealth.Track(monitor)
			monitor.Start()
		}
	}

	hub := progress.NewHub()
	go hub.Run()

	taskStore := tasks.NewStore(db)

	peerDialer := func(addr string) *rpc.Client { return rpc.NewClient(addr).WithIdentity(signer, self) }
	peerCallerDialer := func(addr string) bidir.PeerCaller { return peerDialer(addr) }

	replFactory := &replicatorFactory{local: local, snapTask: snapTask, hub: hub, signer: signer, peerDialer: peerDialer}

	linkMgr := bidir.NewLinkManager(db, self, local, peerCallerDialer, replFactory)
	if err := linkMgr.Start(); err != nil {
		log.Fatalf("start bidir link manager: %v", err)
	}

	router := api.NewRouter(api.Deps{
		Local:      local,
		Snapshot:   snapTask,
		LinkMgr:    linkMgr,
		Hub:        hub,
		Signer:     signer,
		Version:    version,
		PeerDialer: peerDialer,
		HostKeyFor: func(remoteHost string) ssh.PublicKey { return nil }, // TODO: load pinned host keys from a peers table once the peer-enrollment flow is designed
		PeerTrust:  peerTrust,
		Tasks:      taskStore,
	})

	srv := &http.Server{
		Addr:         *listenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("zfsreplicate daemon v%s listening on %s (self=%s)", version, *listenAddr, self)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	audit.Log(audit.AuditLog{Level: audit.LevelInfo, Command: "DAEMON_START", Success: true,
		Metadata: map[string]interface{}{"version": version, "listen": *listenAddr}})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("shutting down gracefully...")
	audit.Log(audit.AuditLog{Level: audit.LevelInfo, Command: "DAEMON_STOP", Success: true})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// replicatorFactory builds a fresh replicator.Replicator per volume
// sync so bidir.LinkManager stays decoupled from C5/C6's concrete
// types (see internal/bidir's VolumeReplicator interface).
type replicatorFactory struct {
	local      zfsio.Accessor
	snapTask   *snapshot.Task
	hub        *progress.Hub
	signer     ssh.Signer
	peerDialer func(addr string) *rpc.Client
}

func (f *replicatorFactory) ReplicateVolume(ctx context.Context, volume, masterHost, slaveHost string) error {
	remote := api.NewRemoteAccessor(f.peerDialer(slaveHost))

	// TODO: resolve slaveHost's pinned SSH host key and connection
	// options from a peers table once the peer-enrollment flow is
	// designed; until then every BiDir volume sync fails closed with
	// PEER_UNTRUSTED rather than skip host-key verification.
	sender, err := transport.New(transport.Options{
		Host:   hostFromUserHost(slaveHost),
		User:   "replicator",
		Signer: f.signer,
	})
	if err != nil {
		return err
	}

	repl := &replicator.Replicator{
		Snapshot:  f.snapTask,
		Local:     f.local,
		Remote:    remote,
		Transport: sender,
		Hub:       f.hub,
	}
	_, err = repl.Run(ctx, replicator.Options{
		LocalDataset:  volume,
		RemoteDataset: volume,
		Recursive:     true,
	})
	return err
}

// loadPinnedPeerKeys reads identity/public-key pairs out of path, one
// "identity ssh-rsa AAAA..." line per trusted peer (an operator appends
// a line here after exchanging /api/replication/key/public output with
// a partner node — the peer-enrollment flow spec §6 leaves open),
// and pins each into peerTrust. A missing file means no peers are
// trusted yet, not a fatal error.
func loadPinnedPeerKeys(peerTrust *peertrust.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	for lineNum, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		identity, keyField, ok := strings.Cut(line, " ")
		if !ok {
			log.Printf("warning: %s:%d: expected \"identity ssh-rsa AAAA...\", skipping", path, lineNum+1)
			continue
		}
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(keyField))
		if err != nil {
			log.Printf("warning: %s:%d: invalid public key for %q: %v", path, lineNum+1, identity, err)
			continue
		}
		if err := peerTrust.Trust(identity, pub); err != nil {
			return fmt.Errorf("pin %s: %w", identity, err)
		}
		log.Printf("peertrust: pinned %s", identity)
	}
	return nil
}

func hostFromUserHost(userHost string) string {
	for i := 0; i < len(userHost); i++ {
		if userHost[i] == '@' {
			return userHost[i+1:]
		}
	}
	return userHost
}

// Package peertrust pins the RSA/SSH public keys of trusted
// replication peers and verifies peer-signed RPC requests against
// them. It is the verifying (server) half of spec §6's "Peer transport: an RPC
// connection authenticated with a process-generated 2048-bit RSA key
// pair... logs in as the service identity replicator" requirement (the
// signing half is rpc.Client.signRequest), grounded on internal/security/session.go's sqlite-backed
// validate-against-a-table shape, adapted from a session-cookie lookup
// to an SSH-signature check.
package peertrust

import (
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"zfsreplicate/internal/repliterr"
)

// MaxClockSkew bounds how stale or ahead a signed request's timestamp
// may be before it's rejected, closing the window a captured
// signature could otherwise be replayed within.
const MaxClockSkew = 30 * time.Second

// Store is a sqlite-backed table of peer identity -> pinned public key
// (table replication_peer_keys), distinct from the self keypair
// internal/api/keypair.go loads (table replication_keys, per
// SPEC_FULL.md's ambient-stack section).
type Store struct {
	db *sql.DB
}

// NewStore returns a Store backed by db. Call EnsureSchema once at
// startup before using it.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates replication_peer_keys if it doesn't exist.
func (s *Store) EnsureSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS replication_peer_keys (
		identity TEXT PRIMARY KEY,
		public_key TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("peertrust: schema init: %w", err)
	}
	return nil
}

// Trust pins identity's public key, replacing any previously pinned
// key for the same identity (re-enrollment).
func (s *Store) Trust(identity string, pub ssh.PublicKey) error {
	line := string(ssh.MarshalAuthorizedKey(pub))
	_, err := s.db.Exec(`INSERT INTO replication_peer_keys (identity, public_key) VALUES (?, ?)
		ON CONFLICT(identity) DO UPDATE SET public_key = excluded.public_key`, identity, line)
	if err != nil {
		return fmt.Errorf("peertrust: trust %s: %w", identity, err)
	}
	return nil
}

// Lookup returns identity's pinned public key, or ok=false if no key
// is pinned for it.
func (s *Store) Lookup(identity string) (pub ssh.PublicKey, ok bool, err error) {
	var line string
	err = s.db.QueryRow(`SELECT public_key FROM replication_peer_keys WHERE identity = ?`, identity).Scan(&line)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("peertrust: lookup %s: %w", identity, err)
	}
	pub, _, _, _, err = ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return nil, false, fmt.Errorf("peertrust: parse pinned key for %s: %w", identity, err)
	}
	return pub, true, nil
}

// Verify checks that signatureB64 (base64 of ssh.Marshal'd
// ssh.Signature) is identity's signature over Canonical(identity,
// timestamp, body), and that timestamp falls within MaxClockSkew of
// now. Returns repliterr.ErrPeerUntrusted when the identity is
// unknown or the signature doesn't check out.
func (s *Store) Verify(identity string, timestamp int64, body []byte, signatureB64 string) error {
	now := time.Now().Unix()
	skew := now - timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(MaxClockSkew/time.Second) {
		return fmt.Errorf("%w: timestamp outside the allowed clock skew", repliterr.ErrPeerUntrusted)
	}

	pub, ok, err := s.Lookup(identity)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no pinned key for identity %q", repliterr.ErrPeerUntrusted, identity)
	}

	sigBytes, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: decode signature: %v", repliterr.ErrPeerUntrusted, err)
	}
	var sig ssh.Signature
	if err := ssh.Unmarshal(sigBytes, &sig); err != nil {
		return fmt.Errorf("%w: unmarshal signature: %v", repliterr.ErrPeerUntrusted, err)
	}

	if err := pub.Verify(Canonical(identity, timestamp, body), &sig); err != nil {
		return fmt.Errorf("%w: signature verification failed for %q: %v", repliterr.ErrPeerUntrusted, identity, err)
	}
	return nil
}

// Canonical builds the byte string a replication identity signs for
// one RPC request: its own claimed identity, the request timestamp,
// and a digest of the request body, newline-separated so the three
// fields can't be concatenated into an ambiguous collision.
func Canonical(identity string, timestamp int64, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(fmt.Sprintf("%s\n%d\n%x", identity, timestamp, sum))
}

package api

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// rsaKeyBits is the process-wide replication identity's key size
// (spec §6: "a process-generated 2048-bit RSA key pair").
const rsaKeyBits = 2048

// replicationKeyRow is the fixed primary key LoadOrCreateReplicationKey
// reads/writes under — this node only ever has one replication
// identity, so the table is a singleton keyed on this constant rather
// than on hostname (a hostname change shouldn't mint a new identity).
const replicationKeyRow = "self"

// EnsureReplicationKeySchema creates replication_keys if it doesn't
// exist (SPEC_FULL.md's ambient-stack persistence section: "A third,
// replication_keys, stores the process-wide RSA keypair").
func EnsureReplicationKeySchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS replication_keys (
		id TEXT PRIMARY KEY,
		private_key_pem TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("replication_keys schema init: %w", err)
	}
	return nil
}

// LoadOrCreateReplicationKey reads the PEM-encoded RSA private key from
// the replication_keys table, generating and persisting a fresh one on
// first run. Grounded on audit.LoadOrCreateAuditKey's
// read-or-generate-and-write shape, adapted from a flat file to the
// sqlite-backed table SPEC_FULL.md's persistence section specifies.
func LoadOrCreateReplicationKey(db *sql.DB) (ssh.Signer, error) {
	var pemText string
	err := db.QueryRow(`SELECT private_key_pem FROM replication_keys WHERE id = ?`, replicationKeyRow).Scan(&pemText)
	if err == nil {
		return parsePrivateKey([]byte(pemText))
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("reading replication key: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating replication key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	if _, err := db.Exec(`INSERT INTO replication_keys (id, private_key_pem) VALUES (?, ?)`, replicationKeyRow, string(pemBytes)); err != nil {
		return nil, fmt.Errorf("writing replication key: %w", err)
	}

	return ssh.NewSignerFromKey(key)
}

func parsePrivateKey(pemBytes []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing replication key: %w", err)
	}
	return signer, nil
}

// PublicKeyAuthorizedFormat returns the public half of signer in the
// authorized_keys wire form spec §6 publishes as
// "replication.key.public".
func PublicKeyAuthorizedFormat(signer ssh.Signer) string {
	return string(ssh.MarshalAuthorizedKey(signer.PublicKey()))
}

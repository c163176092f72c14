// Package offlinecache implements the offline cache store (C12):
// spec.md §4.3's save_offline_cache/load_offline_cache, the on-disk
// record of a prior SELECT that lets a reconnecting session resume
// QRESYNC-style instead of re-synchronizing a mailbox from scratch.
package offlinecache

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"github.com/migadu/imaptest/consts"
	"github.com/migadu/imaptest/mailbox"
	"lukechampine.com/blake3"
)

const schema = `
CREATE TABLE IF NOT EXISTS offline_cache (
	key_hash  TEXT PRIMARY KEY,
	username  TEXT NOT NULL,
	mailbox   TEXT NOT NULL,
	snapshot  BLOB NOT NULL,
	saved_at  TIMESTAMP NOT NULL
);
`

// Store is a SQLite-backed blob store keyed by the BLAKE3 digest of
// (username, mailbox, uidvalidity), one row per key — a later save
// for the same key overwrites the earlier one, since only the most
// recent view of a mailbox is ever useful to resume from.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("offlinecache: opening %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		log.Printf("[OFFLINECACHE] WARNING: failed to set PRAGMA journal_mode = WAL: %v", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("offlinecache: creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// key derives the row key for (username, mailboxName, uidValidity).
// Hashing the tuple rather than storing it as a compound primary key
// keeps the key a single fixed-width column.
func key(username, mailboxName string, uidValidity uint32) string {
	data := fmt.Sprintf("%s\x00%s\x00%d", username, mailboxName, uidValidity)
	sum := blake3.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// Save serializes snap and stores it under (username, mailboxName,
// uidValidity), replacing any previous entry for that key.
func (s *Store) Save(ctx context.Context, username, mailboxName string, uidValidity uint32, snap mailbox.Snapshot) error {
	blob, err := mailbox.EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("offlinecache: encoding snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO offline_cache (key_hash, username, mailbox, snapshot, saved_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key_hash) DO UPDATE SET snapshot = excluded.snapshot, saved_at = excluded.saved_at`,
		key(username, mailboxName, uidValidity), username, mailboxName, blob, time.Now())
	if err != nil {
		return fmt.Errorf("offlinecache: saving snapshot for %s/%s: %w", username, mailboxName, err)
	}
	return nil
}

// Load retrieves the snapshot previously saved for (username,
// mailboxName, uidValidity). It returns consts.ErrCacheNotFound
// (wrapped, so errors.Is still matches) when no such entry exists —
// the caller falls back to a normal SELECT.
func (s *Store) Load(ctx context.Context, username, mailboxName string, uidValidity uint32) (mailbox.Snapshot, error) {
	var blob []byte
	row := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM offline_cache WHERE key_hash = ?`,
		key(username, mailboxName, uidValidity))
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return mailbox.Snapshot{}, fmt.Errorf("%w: %s/%s", consts.ErrCacheNotFound, username, mailboxName)
		}
		return mailbox.Snapshot{}, fmt.Errorf("offlinecache: loading snapshot for %s/%s: %w", username, mailboxName, err)
	}
	snap, err := mailbox.DecodeSnapshot(blob)
	if err != nil {
		return mailbox.Snapshot{}, fmt.Errorf("offlinecache: decoding snapshot for %s/%s: %w", username, mailboxName, err)
	}
	return snap, nil
}

// Delete removes the entry for (username, mailboxName, uidValidity),
// if any. Used when a UIDVALIDITY change makes a saved snapshot
// worthless and a planner wants to stop carrying it around.
func (s *Store) Delete(ctx context.Context, username, mailboxName string, uidValidity uint32) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM offline_cache WHERE key_hash = ?`,
		key(username, mailboxName, uidValidity))
	if err != nil {
		return fmt.Errorf("offlinecache: deleting snapshot for %s/%s: %w", username, mailboxName, err)
	}
	return nil
}

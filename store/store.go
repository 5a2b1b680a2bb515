// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

// Package store implements the per-account encrypted key/value and
// document-blob store. Each account owns one SQLite database file with
// two tables: "local" holds non-replicated settings, "synced" holds
// CRDT document blobs that the sync engine replicates. Every value is
// transparently encrypted with a key supplied at Open and derived
// per-table via HKDF; synced blobs are zstd-compressed before
// encryption.
//
// Open and Close are a strict scoped-resource pair. Close re-arms the
// store with an all-zero key before releasing the connection pool, so
// a retained handle used after Close fails to decrypt instead of
// silently succeeding.
//
// Subscribers registered with Subscribe are invoked synchronously, in
// registration order, after every successful insert or update on the
// synced table. Deletions, including range deletes, do not notify.
// This mirrors the notification surface the rest of the system was
// built against; consumers that need deletion events must observe them
// at the document-index level instead.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/roaringroster/core/apperror"
	"github.com/roaringroster/core/lib/secret"
	"github.com/roaringroster/core/lib/sqlitepool"
)

// Record is one encrypted row: an id, an optional type tag (stored in
// clear for indexed lookups), and the value plaintext.
type Record struct {
	ID    string
	Type  string
	Value []byte
}

// EventKind distinguishes inserts from updates in change
// notifications.
type EventKind string

const (
	// EventAdd reports a newly inserted record.
	EventAdd EventKind = "add"
	// EventPut reports an updated (or upserted) record.
	EventPut EventKind = "put"
)

// Subscriber receives a change notification for the synced table. It
// runs synchronously on the mutating goroutine; long-running work
// should be handed off.
type Subscriber func(kind EventKind, key string, record Record)

// verificationID is the reserved local-table row written at first open
// and decrypted on every later open to detect a wrong key before any
// caller data is touched.
const verificationID = "_verification"

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the database file path
	// (e.g. <dir>/account.<username>).
	Path string

	// Key is the 32-byte symmetric key. The store derives per-table
	// keys from it and does not retain the buffer; the caller keeps
	// ownership and may close it after Open returns.
	Key *secret.Buffer

	// PoolSize overrides the connection pool size. Tests use 1
	// together with ":memory:".
	PoolSize int

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Store is an open encrypted database. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
	path   string

	mu        sync.Mutex
	localKey  *secret.Buffer
	syncedKey *secret.Buffer
	closed    bool

	subscriberMu sync.Mutex
	subscribers  []subscription
	nextToken    int
}

type subscription struct {
	token int
	fn    Subscriber
}

const schema = `
CREATE TABLE IF NOT EXISTS local (
	id    TEXT PRIMARY KEY,
	type  TEXT,
	value BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS local_type ON local(type);
CREATE TABLE IF NOT EXISTS synced (
	id    TEXT PRIMARY KEY,
	type  TEXT,
	value BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS synced_type ON synced(type);
`

// Exists reports whether a database file exists at path, without
// opening it. Used to validate usernames against clobbering existing
// accounts.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Remove deletes a database file and its WAL sidecar files. The store
// at path must not be open.
func Remove(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("store: removing %s: %w", path, err)
	}
	// Sidecars may not exist; ignore errors.
	os.Remove(path + "-wal")
	os.Remove(path + "-shm")
	return nil
}

// Open opens (creating if necessary) the encrypted store at
// cfg.Path. The verification record is decrypted on open: a database
// that exists but does not decrypt under cfg.Key fails with
// EncryptionCorrupted, not a crash. The caller must call Close.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Key == nil || cfg.Key.Len() != KeySize {
		return nil, fmt.Errorf("store: key must be %d bytes", KeySize)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	localKey, err := deriveTableKey(cfg.Key.Bytes(), hkdfInfoLocal)
	if err != nil {
		return nil, err
	}
	syncedKey, err := deriveTableKey(cfg.Key.Bytes(), hkdfInfoSynced)
	if err != nil {
		localKey.Close()
		return nil, err
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		localKey.Close()
		syncedKey.Close()
		return nil, fmt.Errorf("store: %w", err)
	}

	s := &Store{
		pool:      pool,
		logger:    logger,
		path:      cfg.Path,
		localKey:  localKey,
		syncedKey: syncedKey,
	}

	if err := s.verifyKey(ctx); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// verifyKey reads the verification record, writing it on first open.
// A failed decrypt classifies as EncryptionCorrupted: either the key
// is wrong or the stored bytes were damaged, indistinguishable by
// design of the AEAD.
func (s *Store) verifyKey(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: verify: %w", err)
	}
	defer s.pool.Put(conn)

	var stored []byte
	err = sqlitex.Execute(conn, `SELECT value FROM local WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{verificationID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stored = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, stored)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("store: reading verification record: %w", err)
	}

	if stored == nil {
		sealed, err := sealRecord(s.localKey, verificationID, []byte("ok"), false)
		if err != nil {
			return err
		}
		err = sqlitex.Execute(conn, `INSERT INTO local (id, type, value) VALUES (?, '', ?)`, &sqlitex.ExecOptions{
			Args: []any{verificationID, sealed},
		})
		if err != nil {
			return fmt.Errorf("store: writing verification record: %w", err)
		}
		return nil
	}

	if _, err := openRecord(s.localKey, verificationID, stored); err != nil {
		return apperror.Wrap(apperror.EncryptionCorrupted, err)
	}
	return nil
}

// Close poisons the key material and releases the connection pool.
// The table keys are replaced with all-zero buffers before the pool
// closes, so a handle retained past Close can never decrypt stored
// data again. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	s.localKey.Close()
	s.syncedKey.Close()

	// Re-arm with provably unusable keys. Subsequent seal/open calls
	// on a retained handle operate under all-zero keys and fail
	// authentication against data written under the real keys.
	zeroLocal, err := secret.New(KeySize)
	if err == nil {
		s.localKey = zeroLocal
	}
	zeroSynced, err := secret.New(KeySize)
	if err == nil {
		s.syncedKey = zeroSynced
	}
	s.mu.Unlock()

	s.subscriberMu.Lock()
	s.subscribers = nil
	s.subscriberMu.Unlock()

	return s.pool.Close()
}

// Subscribe registers a change subscriber for the synced table and
// returns a token for Unsubscribe. Delivery is synchronous in
// registration order.
func (s *Store) Subscribe(fn Subscriber) int {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()

	s.nextToken++
	s.subscribers = append(s.subscribers, subscription{token: s.nextToken, fn: fn})
	return s.nextToken
}

// Unsubscribe removes a previously registered subscriber. Unknown
// tokens are ignored.
func (s *Store) Unsubscribe(token int) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()

	for index, sub := range s.subscribers {
		if sub.token == token {
			s.subscribers = append(s.subscribers[:index], s.subscribers[index+1:]...)
			return
		}
	}
}

// notify invokes all subscribers synchronously in registration order.
// A panicking subscriber is isolated so one bad observer cannot break
// the mutation path.
func (s *Store) notify(kind EventKind, key string, record Record) {
	s.subscriberMu.Lock()
	subscribers := make([]subscription, len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.subscriberMu.Unlock()

	for _, sub := range subscribers {
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					s.logger.Error("subscriber panic", "key", key, "panic", recovered)
				}
			}()
			sub.fn(kind, key, record)
		}()
	}
}

// tableKey returns the current key for a table. Taken under the lock
// so poison-on-close is observed by in-flight operations.
func (s *Store) tableKey(table string) *secret.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if table == "local" {
		return s.localKey
	}
	return s.syncedKey
}

func (s *Store) compressFor(table string) bool {
	// Document blobs dominate synced storage; settings values in
	// local are small and skip compression.
	return table == "synced"
}

// get reads and decrypts one record.
func (s *Store) get(ctx context.Context, table, id string) (Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("store: get %s/%s: %w", table, id, err)
	}
	defer s.pool.Put(conn)

	var found bool
	record := Record{ID: id}
	var sealed []byte
	err = sqlitex.Execute(conn, `SELECT type, value FROM `+table+` WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			record.Type = stmt.ColumnText(0)
			sealed = make([]byte, stmt.ColumnLen(1))
			stmt.ColumnBytes(1, sealed)
			return nil
		},
	})
	if err != nil {
		return Record{}, fmt.Errorf("store: get %s/%s: %w", table, id, err)
	}
	if !found {
		return Record{}, apperror.Newf(apperror.ObjectDoesNotExist, "%s/%s", table, id)
	}

	record.Value, err = openRecord(s.tableKey(table), id, sealed)
	if err != nil {
		return Record{}, apperror.Wrap(apperror.EncryptionCorrupted, err)
	}
	return record, nil
}

// put encrypts and upserts one record, reporting whether the row was
// newly inserted.
func (s *Store) put(ctx context.Context, table string, record Record, mustNotExist bool) (inserted bool, err error) {
	sealed, err := sealRecord(s.tableKey(table), record.ID, record.Value, s.compressFor(table))
	if err != nil {
		return false, err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: put %s/%s: %w", table, record.ID, err)
	}
	defer s.pool.Put(conn)

	var exists bool
	err = sqlitex.Execute(conn, `SELECT 1 FROM `+table+` WHERE id = ?`, &sqlitex.ExecOptions{
		Args:       []any{record.ID},
		ResultFunc: func(*sqlite.Stmt) error { exists = true; return nil },
	})
	if err != nil {
		return false, fmt.Errorf("store: put %s/%s: %w", table, record.ID, err)
	}
	if exists && mustNotExist {
		return false, fmt.Errorf("store: %s/%s already exists", table, record.ID)
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO `+table+` (id, type, value) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET type = excluded.type, value = excluded.value`,
		&sqlitex.ExecOptions{Args: []any{record.ID, record.Type, sealed}})
	if err != nil {
		return false, fmt.Errorf("store: put %s/%s: %w", table, record.ID, err)
	}
	return !exists, nil
}

// GetLocal reads a record from the local (non-replicated) table.
func (s *Store) GetLocal(ctx context.Context, id string) (Record, error) {
	return s.get(ctx, "local", id)
}

// PutLocal upserts a record in the local table.
func (s *Store) PutLocal(ctx context.Context, record Record) error {
	_, err := s.put(ctx, "local", record, false)
	return err
}

// AddLocal inserts a record in the local table, failing if the id
// already exists.
func (s *Store) AddLocal(ctx context.Context, record Record) error {
	_, err := s.put(ctx, "local", record, true)
	return err
}

// DeleteLocal removes a record from the local table. Deleting a
// missing record is a no-op.
func (s *Store) DeleteLocal(ctx context.Context, id string) error {
	return s.delete(ctx, "local", id)
}

// GetSynced reads a record from the synced (replicated) table.
func (s *Store) GetSynced(ctx context.Context, id string) (Record, error) {
	return s.get(ctx, "synced", id)
}

// PutSynced upserts a record in the synced table and notifies
// subscribers.
func (s *Store) PutSynced(ctx context.Context, record Record) error {
	inserted, err := s.put(ctx, "synced", record, false)
	if err != nil {
		return err
	}
	kind := EventPut
	if inserted {
		kind = EventAdd
	}
	s.notify(kind, record.ID, record)
	return nil
}

// AddSynced inserts a record in the synced table, failing if the id
// already exists, and notifies subscribers.
func (s *Store) AddSynced(ctx context.Context, record Record) error {
	if _, err := s.put(ctx, "synced", record, true); err != nil {
		return err
	}
	s.notify(EventAdd, record.ID, record)
	return nil
}

// DeleteSynced removes a record from the synced table. No
// notification is delivered for deletions.
func (s *Store) DeleteSynced(ctx context.Context, id string) error {
	return s.delete(ctx, "synced", id)
}

// BulkGetSynced reads multiple synced records; missing ids are
// skipped, matching the lenient bulk-read semantics callers expect
// when resolving document id lists.
func (s *Store) BulkGetSynced(ctx context.Context, ids []string) ([]Record, error) {
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		record, err := s.get(ctx, "synced", id)
		if err != nil {
			if apperror.Is(err, apperror.ObjectDoesNotExist) {
				continue
			}
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// ListSynced returns the ids of all synced records with the given
// type tag.
func (s *Store) ListSynced(ctx context.Context, typeTag string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list synced: %w", err)
	}
	defer s.pool.Put(conn)

	var ids []string
	err = sqlitex.Execute(conn, `SELECT id FROM synced WHERE type = ? ORDER BY id`, &sqlitex.ExecOptions{
		Args: []any{typeTag},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ids = append(ids, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list synced: %w", err)
	}
	return ids, nil
}

func (s *Store) delete(ctx context.Context, table, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", table, id, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM `+table+` WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
	})
	if err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", table, id, err)
	}
	return nil
}

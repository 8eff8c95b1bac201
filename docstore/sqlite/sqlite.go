/*
Package sqlite provides the SQLite-backed docstore.Store implementation.

PURPOSE:
  Durable storage behind the same contract the memory store implements.
  Documents live in one generic table keyed (collection, id) with a JSON
  field bag - the core's contract is a document store, so the schema is a
  document table, not one table per entity.

SCHEMA:
  documents(collection, id, fields JSON, version, updated_at)

  version increments on every write. In-process transactions serialize on a
  store-level mutex (single writer, matching SQLite's own writer model); the
  version column keeps conflict detection honest if the file is ever shared.

WAL MODE:
  Opened with WAL so subscription reads don't block the writer.

MIGRATION:
  Schema is created on New(). For anything beyond this single table, reach
  for a real migration tool.

SEE ALSO:
  - docstore: Contract, filters, subscription hub
  - docstore/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tillpoint/stock-engine/docstore"
)

// Store is a SQLite-backed docstore.Store.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex // serializes transactions: SQLite allows one writer
	hub *docstore.Hub
}

// New opens (or creates) the database at path. Use ":memory:" for an
// in-memory database.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and matches
	// the one-writer model anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, hub: docstore.NewHub()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.hub.Close()
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id         TEXT NOT NULL,
		fields     TEXT NOT NULL,
		version    INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_collection
		ON documents(collection);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// POINT OPERATIONS
// =============================================================================

func (s *Store) Read(ctx context.Context, collection, id string) (docstore.Doc, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT fields FROM documents WHERE collection = ? AND id = ?`, collection, id)

	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, &docstore.NotFoundError{Collection: collection, ID: id}
		}
		return nil, err
	}
	return decodeFields(raw)
}

func (s *Store) Write(ctx context.Context, collection, id string, doc docstore.Doc) error {
	return s.RunAtomic(ctx, func(tx docstore.Tx) error {
		return tx.Write(collection, id, doc)
	})
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.RunAtomic(ctx, func(tx docstore.Tx) error {
		return tx.Delete(collection, id)
	})
}

func (s *Store) Query(ctx context.Context, collection string, filters []docstore.Filter, order *docstore.OrderBy) ([]docstore.Document, error) {
	docs, err := s.loadCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for _, d := range docs {
		if docstore.Match(d.Fields, filters) {
			out = append(out, d)
		}
	}
	docstore.Sort(out, order)
	return out, nil
}

func (s *Store) Subscribe(ctx context.Context, collection string, filters []docstore.Filter) (*docstore.Subscription, error) {
	initial, err := s.loadCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	return s.hub.Attach(collection, filters, initial)
}

func (s *Store) loadCollection(ctx context.Context, collection string) ([]docstore.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fields FROM documents WHERE collection = ? ORDER BY updated_at, id`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []docstore.Document
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		fields, err := decodeFields(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, docstore.Document{ID: id, Fields: fields})
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// RunAtomic runs fn inside one SQL transaction. The store-level mutex means
// in-process transactions never conflict with each other; they queue. The
// read-then-write ordering contract is still enforced so domain code keeps
// the same discipline over every store.
func (s *Store) RunAtomic(ctx context.Context, fn func(docstore.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	tx := &storeTx{ctx: ctx, tx: sqlTx, touched: make(map[string]struct{})}
	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", docstore.ErrConflictRetryExhausted, err)
	}

	for collection := range tx.touched {
		docs, err := s.loadCollection(ctx, collection)
		if err != nil {
			continue
		}
		s.hub.Publish(collection, docs)
	}
	return nil
}

type storeTx struct {
	ctx        context.Context
	tx         *sql.Tx
	wroteFirst bool
	touched    map[string]struct{}
}

func (t *storeTx) Read(collection, id string) (docstore.Doc, error) {
	if t.wroteFirst {
		return nil, fmt.Errorf("read %s/%s: %w", collection, id, docstore.ErrReadAfterWrite)
	}
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT fields FROM documents WHERE collection = ? AND id = ?`, collection, id)

	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, &docstore.NotFoundError{Collection: collection, ID: id}
		}
		return nil, err
	}
	return decodeFields(raw)
}

func (t *storeTx) Write(collection, id string, doc docstore.Doc) error {
	t.wroteFirst = true
	t.touched[collection] = struct{}{}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO documents (collection, id, fields, version, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			fields = excluded.fields,
			version = documents.version + 1,
			updated_at = excluded.updated_at`,
		collection, id, string(raw), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (t *storeTx) Delete(collection, id string) error {
	t.wroteFirst = true
	t.touched[collection] = struct{}{}

	_, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	return err
}

func decodeFields(raw string) (docstore.Doc, error) {
	var doc docstore.Doc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

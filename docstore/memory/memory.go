/*
Package memory provides the in-memory docstore.Store implementation.

PURPOSE:
  Backs tests and dev runs with exactly the transactional semantics the
  contract promises: snapshot reads, optimistic commit-time validation of
  the read set, bounded retry. Production uses docstore/sqlite; the domain
  packages cannot tell the difference.

HOW TRANSACTIONS WORK:
  Every document carries a version, bumped on each write. A transaction
  records (collection, id) -> version for everything it reads (version 0 =
  "read as absent") and buffers its writes. At commit, the store takes the
  write lock, re-checks every recorded version, and either applies the whole
  buffer or reports a conflict, in which case RunAtomic re-runs the closure
  from scratch.

SEE ALSO:
  - docstore: Contract, filters, subscription hub
  - docstore/sqlite: Production implementation of the same contract
*/
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tillpoint/stock-engine/docstore"
)

// maxCommitAttempts bounds RunAtomic's internal conflict retries.
const maxCommitAttempts = 5

type versionedDoc struct {
	fields  docstore.Doc
	version int64
}

type docKey struct {
	collection string
	id         string
}

// Store is an in-memory docstore.Store.
type Store struct {
	mu     sync.RWMutex
	docs   map[string]map[string]versionedDoc // collection -> id -> doc
	hub    *docstore.Hub
	closed bool
}

func New() *Store {
	return &Store{
		docs: make(map[string]map[string]versionedDoc),
		hub:  docstore.NewHub(),
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.hub.Close()
	return nil
}

// =============================================================================
// POINT OPERATIONS
// =============================================================================

func (s *Store) Read(_ context.Context, collection, id string) (docstore.Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.docs[collection][id]
	if !ok {
		return nil, &docstore.NotFoundError{Collection: collection, ID: id}
	}
	return docstore.Clone(d.fields), nil
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

func (s *Store) Query(_ context.Context, collection string, filters []docstore.Filter, order *docstore.OrderBy) ([]docstore.Document, error) {
	s.mu.RLock()
	docs := s.collectionDocsLocked(collection)
	s.mu.RUnlock()

	out := docs[:0]
	for _, d := range docs {
		if docstore.Match(d.Fields, filters) {
			out = append(out, d)
		}
	}
	docstore.Sort(out, order)
	return out, nil
}

func (s *Store) Subscribe(_ context.Context, collection string, filters []docstore.Filter) (*docstore.Subscription, error) {
	s.mu.RLock()
	initial := s.collectionDocsLocked(collection)
	s.mu.RUnlock()
	return s.hub.Attach(collection, filters, initial)
}

// collectionDocsLocked snapshots one collection. Caller holds s.mu.
func (s *Store) collectionDocsLocked(collection string) []docstore.Document {
	col := s.docs[collection]
	out := make([]docstore.Document, 0, len(col))
	for id, d := range col {
		out = append(out, docstore.Document{ID: id, Fields: docstore.Clone(d.fields)})
	}
	// Deterministic order for consumers that pass no OrderBy.
	docstore.Sort(out, &docstore.OrderBy{Field: "createdAt"})
	return out
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) RunAtomic(ctx context.Context, fn func(docstore.Tx) error) error {
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		tx := &memTx{store: s, readSet: make(map[docKey]int64)}
		if err := fn(tx); err != nil {
			return err
		}

		touched, err := s.commit(tx)
		if err == nil {
			s.publish(touched)
			return nil
		}
		if !errors.Is(err, docstore.ErrConflict) {
			return err
		}
	}
	return docstore.ErrConflictRetryExhausted
}

// commit validates tx's read set and applies its write buffer. Returns the
// set of touched collections on success, ErrConflict when a read document
// changed underneath the transaction.
func (s *Store) commit(tx *memTx) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, readVersion := range tx.readSet {
		current := int64(0)
		if d, ok := s.docs[k.collection][k.id]; ok {
			current = d.version
		}
		if current != readVersion {
			return nil, fmt.Errorf("%s/%s: %w", k.collection, k.id, docstore.ErrConflict)
		}
	}

	touched := make(map[string]struct{})
	for _, w := range tx.writes {
		touched[w.key.collection] = struct{}{}
		col := s.docs[w.key.collection]
		if w.delete {
			delete(col, w.key.id)
			continue
		}
		if col == nil {
			col = make(map[string]versionedDoc)
			s.docs[w.key.collection] = col
		}
		version := int64(1)
		if prev, ok := col[w.key.id]; ok {
			version = prev.version + 1
		}
		col[w.key.id] = versionedDoc{fields: docstore.Clone(w.fields), version: version}
	}
	return touched, nil
}

func (s *Store) publish(collections map[string]struct{}) {
	for collection := range collections {
		s.mu.RLock()
		docs := s.collectionDocsLocked(collection)
		s.mu.RUnlock()
		s.hub.Publish(collection, docs)
	}
}

type bufferedWrite struct {
	key    docKey
	fields docstore.Doc
	delete bool
}

type memTx struct {
	store   *Store
	readSet map[docKey]int64
	writes  []bufferedWrite
}

func (tx *memTx) Read(collection, id string) (docstore.Doc, error) {
	if len(tx.writes) > 0 {
		return nil, fmt.Errorf("read %s/%s: %w", collection, id, docstore.ErrReadAfterWrite)
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	k := docKey{collection: collection, id: id}
	d, ok := tx.store.docs[collection][id]
	if !ok {
		tx.readSet[k] = 0
		return nil, &docstore.NotFoundError{Collection: collection, ID: id}
	}
	tx.readSet[k] = d.version
	return docstore.Clone(d.fields), nil
}

func (tx *memTx) Write(collection, id string, doc docstore.Doc) error {
	tx.writes = append(tx.writes, bufferedWrite{
		key:    docKey{collection: collection, id: id},
		fields: docstore.Clone(doc),
	})
	return nil
}

func (tx *memTx) Delete(collection, id string) error {
	tx.writes = append(tx.writes, bufferedWrite{
		key:    docKey{collection: collection, id: id},
		delete: true,
	})
	return nil
}

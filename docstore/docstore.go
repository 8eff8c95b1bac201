/*
Package docstore defines the narrow document-store contract the ledger core
is built against.

PURPOSE:
  The engine, the sale coordinator, and the account accumulator never talk to
  a database directly. They see only this interface: point reads and writes,
  filtered queries, realtime subscriptions, and - most importantly - atomic
  read-then-write transactions with optimistic concurrency.

KEY CONTRACTS:
  Store:     Point reads/writes, queries, subscriptions, RunAtomic.
  Tx:        The view inside RunAtomic. ALL READS MUST PRECEDE ALL WRITES.
  RunAtomic: Snapshot reads, commit-time validation of the read set,
             bounded automatic retry on conflict.

READ-THEN-WRITE ORDERING:
  Deciding to write based on a value read AFTER another write in the same
  transaction reintroduces lost-update races. The contract forbids it: a
  Tx.Read after the first Tx.Write/Tx.Delete fails with ErrReadAfterWrite.
  Implementations enforce this at runtime, not by convention.

SUBSCRIPTIONS:
  Subscribe returns a stream of committed snapshots. Subscriptions never
  participate in transactions and must never drive invariant decisions -
  those always come from a fresh transactional read.

IMPLEMENTATIONS:
  docstore/memory: In-memory versioned store (tests, dev).
  docstore/sqlite: SQLite-backed store (production).

SEE ALSO:
  - filter.go: Query filters and ordering
  - fields.go: Field coercion helpers shared by both implementations
  - subscribe.go: Subscription handle and notification hub
*/
package docstore

import (
	"context"
	"errors"
	"fmt"
)

// Doc is the schemaless field bag one document carries. Values are limited
// to JSON-representable types; timestamps cross this boundary as RFC3339
// strings and decimals as strings (see fields.go).
type Doc map[string]any

// Document pairs a Doc with its identity, as returned by Query.
type Document struct {
	ID     string
	Fields Doc
}

// =============================================================================
// STORE - The full contract the core consumes
// =============================================================================

// Store is the document-store boundary. Non-transactional Read/Write/Delete
// are single-document conveniences; anything that reads state to decide a
// write goes through RunAtomic.
type Store interface {
	// Read returns a copy of one document. ErrNotFound if absent.
	Read(ctx context.Context, collection, id string) (Doc, error)

	// Write creates or replaces one document.
	Write(ctx context.Context, collection, id string, doc Doc) error

	// Delete removes one document. Deleting an absent document is a no-op.
	Delete(ctx context.Context, collection, id string) error

	// Query returns documents matching all filters, ordered by order
	// (insertion order when order is nil).
	Query(ctx context.Context, collection string, filters []Filter, order *OrderBy) ([]Document, error)

	// RunAtomic executes fn inside one atomic transaction. Reads see a
	// consistent snapshot; the read set is validated at commit and the whole
	// fn is retried on conflict, bounded, before ErrConflictRetryExhausted.
	// fn must be safe to re-run and must not leak the Tx.
	RunAtomic(ctx context.Context, fn func(Tx) error) error

	// Subscribe streams committed snapshots of the matching document set.
	Subscribe(ctx context.Context, collection string, filters []Filter) (*Subscription, error)

	Close() error
}

// Tx is the transactional view passed to RunAtomic's fn.
//
// INVARIANT: all reads happen before all writes. The first Write or Delete
// closes the read phase; a later Read fails with ErrReadAfterWrite.
type Tx interface {
	// Read returns a copy of one document from the transaction's snapshot.
	// Absent documents still join the read set, so a commit fails if someone
	// else creates the document concurrently.
	Read(collection, id string) (Doc, error)

	// Write buffers a create-or-replace, applied at commit.
	Write(collection, id string, doc Doc) error

	// Delete buffers a removal, applied at commit. No-op if absent.
	Delete(collection, id string) error
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrConflict signals a commit-time read-set validation failure. Callers
	// never see it directly; RunAtomic retries and eventually surfaces
	// ErrConflictRetryExhausted.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrConflictRetryExhausted is returned when a transaction could not
	// commit within the retry budget. Transient: the caller may re-invoke.
	ErrConflictRetryExhausted = errors.New("transaction retries exhausted")

	// ErrReadAfterWrite is returned when a Tx.Read follows a Tx.Write or
	// Tx.Delete in the same transaction.
	ErrReadAfterWrite = errors.New("transactional read after write")

	// ErrSubscriptionClosed is returned when subscribing on a closed store.
	ErrSubscriptionClosed = errors.New("store closed")
)

// NotFoundError carries which document was missing.
type NotFoundError struct {
	Collection string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("document %s/%s not found", e.Collection, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// IsNotFound reports whether err indicates a missing document.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsRetryable reports whether a caller-level retry might succeed.
func IsRetryable(err error) bool { return errors.Is(err, ErrConflictRetryExhausted) }

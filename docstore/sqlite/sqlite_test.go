package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillpoint/stock-engine/docstore"
	"github.com/tillpoint/stock-engine/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// =============================================================================
// POINT OPERATIONS / QUERY
// =============================================================================

func TestReadWriteDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Write(ctx, "items", "a", docstore.Doc{"name": "fan", "stock": float64(4)}))

	doc, err := s.Read(ctx, "items", "a")
	require.NoError(t, err)
	assert.Equal(t, "fan", doc["name"])
	assert.Equal(t, float64(4), doc["stock"], "numbers come back as float64 through JSON")

	require.NoError(t, s.Delete(ctx, "items", "a"))
	_, err = s.Read(ctx, "items", "a")
	assert.True(t, docstore.IsNotFound(err))
}

func TestQuery_FiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Write(ctx, "logs", "a", docstore.Doc{"itemId": "x", "createdAt": "2026-08-01T00:00:00Z"}))
	require.NoError(t, s.Write(ctx, "logs", "b", docstore.Doc{"itemId": "y", "createdAt": "2026-08-02T00:00:00Z"}))
	require.NoError(t, s.Write(ctx, "logs", "c", docstore.Doc{"itemId": "x", "createdAt": "2026-08-03T00:00:00Z"}))

	got, err := s.Query(ctx, "logs",
		[]docstore.Filter{docstore.Where("itemId", "x")},
		&docstore.OrderBy{Field: "createdAt"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "c", got[1].ID)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestRunAtomic_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	boom := errors.New("boom")
	err := s.RunAtomic(ctx, func(tx docstore.Tx) error {
		if err := tx.Write("items", "a", docstore.Doc{"n": "x"}); err != nil {
			return err
		}
		if err := tx.Write("items", "b", docstore.Doc{"n": "y"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Read(ctx, "items", "a")
	assert.True(t, docstore.IsNotFound(err), "rolled-back write must not persist")
	_, err = s.Read(ctx, "items", "b")
	assert.True(t, docstore.IsNotFound(err))
}

func TestRunAtomic_ReadAfterWriteForbidden(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.RunAtomic(ctx, func(tx docstore.Tx) error {
		if err := tx.Write("items", "a", docstore.Doc{"n": "x"}); err != nil {
			return err
		}
		_, err := tx.Read("items", "a")
		return err
	})
	assert.ErrorIs(t, err, docstore.ErrReadAfterWrite)
}

func TestRunAtomic_ReadYourOwnCollection(t *testing.T) {
	// Reads inside a transaction see committed state, then writes land
	// together on commit.
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Write(ctx, "counters", "c", docstore.Doc{"value": float64(3)}))

	err := s.RunAtomic(ctx, func(tx docstore.Tx) error {
		doc, err := tx.Read("counters", "c")
		if err != nil {
			return err
		}
		return tx.Write("counters", "c", docstore.Doc{"value": doc["value"].(float64) + 1})
	})
	require.NoError(t, err)

	doc, err := s.Read(ctx, "counters", "c")
	require.NoError(t, err)
	assert.Equal(t, float64(4), doc["value"])
}

// =============================================================================
// DOMAIN ROUND-TRIP
// =============================================================================

// The ledger engine must behave identically over SQLite and memory. This is
// the cross-implementation smoke test; the full behavioral suite runs
// against the memory store.
func TestEngineOverSQLite(t *testing.T) {
	ctx := context.Background()
	s, err := New(filepath.Join(t.TempDir(), "stock.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	e := ledger.NewEngine(s, "autoparts")
	item, err := e.CreateItem(ctx, ledger.ItemInput{Name: "brake pad", OpeningStock: 10})
	require.NoError(t, err)

	_, err = e.Adjust(ctx, ledger.AdjustInput{ItemID: item.ID, Kind: ledger.KindSale, Quantity: 4})
	require.NoError(t, err)

	got, err := e.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, got.CurrentStock)

	_, err = e.Adjust(ctx, ledger.AdjustInput{ItemID: item.ID, Kind: ledger.KindSale, Quantity: 7})
	require.ErrorIs(t, err, ledger.ErrInsufficientStock)

	drift, err := e.Recompute(ctx, item.ID)
	require.NoError(t, err)
	assert.Zero(t, drift.Drift)
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

func TestSubscribe_DeliversCommittedState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sub, err := s.Subscribe(ctx, "items", nil)
	require.NoError(t, err)
	defer sub.Cancel()

	snap := <-sub.C
	assert.Empty(t, snap.Docs)

	require.NoError(t, s.Write(ctx, "items", "a", docstore.Doc{"n": "x"}))
	snap = <-sub.C
	require.Len(t, snap.Docs, 1)
	assert.Equal(t, "a", snap.Docs[0].ID)
}

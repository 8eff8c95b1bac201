package ledger_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillpoint/stock-engine/docstore"
	"github.com/tillpoint/stock-engine/docstore/memory"
	"github.com/tillpoint/stock-engine/ledger"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestEngine(t *testing.T) *ledger.Engine {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { store.Close() })
	return ledger.NewEngine(store, "appliances")
}

func newTestItem(t *testing.T, e *ledger.Engine, opening int) ledger.StockItem {
	t.Helper()
	item, err := e.CreateItem(context.Background(), ledger.ItemInput{
		Name:         "ceiling fan",
		UnitCost:     decimal.NewFromInt(30),
		UnitPrice:    decimal.NewFromInt(45),
		OpeningStock: opening,
	})
	require.NoError(t, err)
	return item
}

// requireAgreement asserts the ledger/counter agreement invariant: the sum
// of existing log changes equals the item counter.
func requireAgreement(t *testing.T, e *ledger.Engine, itemID string) {
	t.Helper()
	drift, err := e.Recompute(context.Background(), itemID)
	require.NoError(t, err)
	require.Zero(t, drift.Drift, "counter %d vs log sum %d", drift.Counter, drift.LogSum)
}

// =============================================================================
// MOVEMENT SIGN INVARIANT
// =============================================================================

func TestMovement_SignFollowsKind(t *testing.T) {
	in, err := ledger.StockIn(5)
	require.NoError(t, err)
	assert.Equal(t, 5, in.Delta())

	out, err := ledger.SaleOut(5)
	require.NoError(t, err)
	assert.Equal(t, -5, out.Delta())
}

func TestMovement_RejectsNonPositiveQuantity(t *testing.T) {
	_, err := ledger.NewMovement(ledger.KindStockIn, 0)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = ledger.NewMovement(ledger.KindSale, -3)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = ledger.NewMovement("donation", 1)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestNormalizeDelta_FlipsCallerSign(t *testing.T) {
	// The ledger never trusts caller-supplied sign: sale entries are stored
	// non-positive, stock-in non-negative.
	assert.Equal(t, -4, ledger.NormalizeDelta(ledger.KindSale, 4))
	assert.Equal(t, -4, ledger.NormalizeDelta(ledger.KindSale, -4))
	assert.Equal(t, 4, ledger.NormalizeDelta(ledger.KindStockIn, -4))
	assert.Equal(t, 4, ledger.NormalizeDelta(ledger.KindStockIn, 4))
}

// =============================================================================
// ADJUST
// =============================================================================

func TestAdjust_StockInAndSale(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	item := newTestItem(t, e, 10)

	_, err := e.Adjust(ctx, ledger.AdjustInput{ItemID: item.ID, Kind: ledger.KindStockIn, Quantity: 5})
	require.NoError(t, err)
	_, err = e.Adjust(ctx, ledger.AdjustInput{ItemID: item.ID, Kind: ledger.KindSale, Quantity: 3})
	require.NoError(t, err)

	got, err := e.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, got.CurrentStock)
	requireAgreement(t, e, item.ID)
}

func TestAdjust_InsufficientStock_StateUnchanged(t *testing.T) {
	// GIVEN: An item with 2 in stock
	// WHEN: Selling 3
	// THEN: Rejected with InsufficientStock, counter and logs untouched
	ctx := context.Background()
	e := newTestEngine(t)
	item := newTestItem(t, e, 2)

	_, err := e.Adjust(ctx, ledger.AdjustInput{ItemID: item.ID, Kind: ledger.KindSale, Quantity: 3})
	require.ErrorIs(t, err, ledger.ErrInsufficientStock)

	var detail *ledger.InsufficientStockError
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, item.ID, detail.ItemID)
	assert.Equal(t, 2, detail.Available)
	assert.Equal(t, 3, detail.Requested)

	got, err := e.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentStock)

	logs, err := e.Logs(ctx, item.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 1) // just the opening entry
	requireAgreement(t, e, item.ID)
}

func TestAdjust_UnknownItem(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Adjust(context.Background(), ledger.AdjustInput{
		ItemID: "missing", Kind: ledger.KindStockIn, Quantity: 1,
	})
	assert.ErrorIs(t, err, ledger.ErrItemNotFound)
	assert.True(t, ledger.IsClientError(err), "not-found is the caller's fault, never retried")
}

func TestEngine_BusinessScopesCollections(t *testing.T) {
	e := newTestEngine(t)
	assert.Equal(t, ledger.Business("appliances"), e.Business())
	assert.Equal(t, "appliances_stock_items", e.Business().ItemsCollection())
	assert.Equal(t, "appliances_stock_logs", e.Business().LogsCollection())
}

func TestAdjust_IdempotencyKey_ShortCircuits(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	item := newTestItem(t, e, 10)

	in := ledger.AdjustInput{
		ItemID: item.ID, Kind: ledger.KindSale, Quantity: 4,
		IdempotencyKey: "client-req-1",
	}
	first, err := e.Adjust(ctx, in)
	require.NoError(t, err)

	// A retry after an unknown outcome must not double-apply.
	second, err := e.Adjust(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	got, err := e.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, got.CurrentStock)
	requireAgreement(t, e, item.ID)
}

func TestAdjust_IdempotencyKey_ConcurrentCallsApplyOnce(t *testing.T) {
	// Two raced calls sharing one key: the marker read joins both read sets,
	// so commit validation lets at most one application through and the loser
	// retries into the winner's marker.
	ctx := context.Background()
	e := newTestEngine(t)
	item := newTestItem(t, e, 10)

	in := ledger.AdjustInput{
		ItemID: item.ID, Kind: ledger.KindSale, Quantity: 4,
		IdempotencyKey: "client-req-9",
	}

	ids := make(chan string, 2)
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, err := e.Adjust(ctx, in)
				if ledger.IsRetryable(err) {
					continue
				}
				ids <- id
				errs <- err
				return
			}
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	first := <-ids
	assert.Equal(t, first, <-ids, "both callers must observe the same entry")

	got, err := e.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, got.CurrentStock, "the keyed movement must land exactly once")
	requireAgreement(t, e, item.ID)
}

// =============================================================================
// REVERSE / EDIT LOG
// =============================================================================

func TestReverseLog_RestoresCounterAndRemovesEntry(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	item := newTestItem(t, e, 10)

	logID, err := e.Adjust(ctx, ledger.AdjustInput{ItemID: item.ID, Kind: ledger.KindSale, Quantity: 4})
	require.NoError(t, err)

	require.NoError(t, e.ReverseLog(ctx, logID))

	got, err := e.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.CurrentStock)

	logs, err := e.Logs(ctx, item.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 1) // opening entry only
	requireAgreement(t, e, item.ID)

	assert.ErrorIs(t, e.ReverseLog(ctx, logID), ledger.ErrLogNotFound)
}

func TestReverseLog_StockInThatWouldGoNegative(t *testing.T) {
	// GIVEN: +5 stock-in, then the 5 are sold
	// WHEN: Reversing the stock-in
	// THEN: Rejected - the counter may never go negative
	ctx := context.Background()
	e := newTestEngine(t)
	item := newTestItem(t, e, 0)

	inID, err := e.Adjust(ctx, ledger.AdjustInput{ItemID: item.ID, Kind: ledger.KindStockIn, Quantity: 5})
	require.NoError(t, err)
	_, err = e.Adjust(ctx, ledger.AdjustInput{ItemID: item.ID, Kind: ledger.KindSale, Quantity: 5})
	require.NoError(t, err)

	assert.ErrorIs(t, e.ReverseLog(ctx, inID), ledger.ErrInsufficientStock)
	requireAgreement(t, e, item.ID)
}

func TestEditLog_AppliesOnlyTheDifference(t *testing.T) {
	// GIVEN: 10 in stock, a sale of 4 (stock 6)
	// WHEN: The sale entry is edited to 7
	// THEN: Only the extra 3 leaves the counter (stock 3), no double-count
	ctx := context.Background()
	e := newTestEngine(t)
	item := newTestItem(t, e, 10)

	logID, err := e.Adjust(ctx, ledger.AdjustInput{ItemID: item.ID, Kind: ledger.KindSale, Quantity: 4})
	require.NoError(t, err)

	// Caller supplies a positive 7; the sale kind forces it negative.
	require.NoError(t, e.EditLog(ctx, logID, 7, "corrected count"))

	got, err := e.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.CurrentStock)

	logs, err := e.Logs(ctx, item.ID)
	require.NoError(t, err)
	for _, l := range logs {
		if l.ID == logID {
			assert.Equal(t, -7, l.Change)
			assert.Equal(t, 3, l.NewStock)
			assert.Equal(t, "corrected count", l.Detail)
		}
	}
	requireAgreement(t, e, item.ID)
}

func TestEditLog_RejectsEditThatWouldGoNegative(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	item := newTestItem(t, e, 10)

	logID, err := e.Adjust(ctx, ledger.AdjustInput{ItemID: item.ID, Kind: ledger.KindSale, Quantity: 4})
	require.NoError(t, err)

	err = e.EditLog(ctx, logID, 20, "")
	assert.ErrorIs(t, err, ledger.ErrInsufficientStock)

	got, err := e.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, got.CurrentStock)
	requireAgreement(t, e, item.ID)
}

// =============================================================================
// AGREEMENT UNDER MIXED SEQUENCES
// =============================================================================

func TestLedgerCounterAgreement_MixedOperations(t *testing.T) {
	// Property: after any sequence of adjust/reverse/edit, the counter
	// equals the sum of the surviving entries' changes.
	ctx := context.Background()
	e := newTestEngine(t)
	item := newTestItem(t, e, 20)

	saleID, err := e.Adjust(ctx, ledger.AdjustInput{ItemID: item.ID, Kind: ledger.KindSale, Quantity: 6})
	require.NoError(t, err)
	requireAgreement(t, e, item.ID)

	inID, err := e.Adjust(ctx, ledger.AdjustInput{ItemID: item.ID, Kind: ledger.KindStockIn, Quantity: 8})
	require.NoError(t, err)
	requireAgreement(t, e, item.ID)

	require.NoError(t, e.EditLog(ctx, saleID, 2, "miscount"))
	requireAgreement(t, e, item.ID)

	require.NoError(t, e.ReverseLog(ctx, inID))
	requireAgreement(t, e, item.ID)

	got, err := e.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 18, got.CurrentStock) // 20 - 2
}

func TestAdjust_ConcurrentMovementsSerialize(t *testing.T) {
	// Concurrent movements against one item must each land exactly once.
	// Retry exhaustion is transient under contention, so callers re-invoke.
	ctx := context.Background()
	e := newTestEngine(t)
	item := newTestItem(t, e, 100)

	adjust := func(kind ledger.Kind, qty int) error {
		for {
			_, err := e.Adjust(ctx, ledger.AdjustInput{ItemID: item.ID, Kind: kind, Quantity: qty})
			if ledger.IsRetryable(err) {
				continue
			}
			return err
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- adjust(ledger.KindSale, 5)
			errs <- adjust(ledger.KindStockIn, 2)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := e.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 88, got.CurrentStock) // 100 - 4*5 + 4*2
	requireAgreement(t, e, item.ID)
}

// =============================================================================
// ITEM LIFECYCLE
// =============================================================================

func TestCreateItem_Validation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, err := e.CreateItem(ctx, ledger.ItemInput{Name: ""})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = e.CreateItem(ctx, ledger.ItemInput{Name: "x", OpeningStock: -1})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestCreateItem_OpeningStockIsLogged(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	item := newTestItem(t, e, 7)

	logs, err := e.Logs(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 7, logs[0].Change)
	assert.Equal(t, ledger.KindStockIn, logs[0].Kind)
	requireAgreement(t, e, item.ID)
}

func TestUpdateItem_CannotTouchCounter(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	item := newTestItem(t, e, 5)

	name := "stand fan"
	price := decimal.NewFromInt(60)
	updated, err := e.UpdateItem(ctx, item.ID, ledger.ItemUpdate{Name: &name, UnitPrice: &price})
	require.NoError(t, err)
	assert.Equal(t, "stand fan", updated.Name)
	assert.True(t, updated.UnitPrice.Equal(price))
	assert.Equal(t, 5, updated.CurrentStock)
}

func TestDeleteItem_CascadesLogs(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	item := newTestItem(t, e, 5)

	_, err := e.Adjust(ctx, ledger.AdjustInput{ItemID: item.ID, Kind: ledger.KindSale, Quantity: 2})
	require.NoError(t, err)

	require.NoError(t, e.DeleteItem(ctx, item.ID))

	_, err = e.GetItem(ctx, item.ID)
	assert.ErrorIs(t, err, ledger.ErrItemNotFound)

	logs, err := e.Logs(ctx, item.ID)
	require.NoError(t, err)
	assert.Empty(t, logs, "no orphaned logs permitted")

	assert.ErrorIs(t, e.DeleteItem(ctx, item.ID), ledger.ErrItemNotFound)
}

// logQueryHookStore fires hook once, on the first query against a stock-logs
// collection, before delegating to the wrapped store.
type logQueryHookStore struct {
	docstore.Store
	once sync.Once
	hook func()
}

func (s *logQueryHookStore) Query(ctx context.Context, collection string, filters []docstore.Filter, order *docstore.OrderBy) ([]docstore.Document, error) {
	if s.hook != nil && strings.HasSuffix(collection, "_stock_logs") {
		s.once.Do(s.hook)
	}
	return s.Store.Query(ctx, collection, filters, order)
}

func TestDeleteItem_CascadeSweepsRacingAdjust(t *testing.T) {
	// An adjust that commits after the delete has collected the log entries
	// must not leave its entry behind: the delete's commit conflicts on the
	// item document, re-queries, and the post-commit sweep catches the rest.
	ctx := context.Background()
	raw := memory.New()
	t.Cleanup(func() { raw.Close() })

	racer := ledger.NewEngine(raw, "appliances")
	hooked := &logQueryHookStore{Store: raw}
	e := ledger.NewEngine(hooked, "appliances")

	item, err := e.CreateItem(ctx, ledger.ItemInput{
		Name:         "ceiling fan",
		UnitCost:     decimal.NewFromInt(30),
		UnitPrice:    decimal.NewFromInt(45),
		OpeningStock: 5,
	})
	require.NoError(t, err)

	hooked.hook = func() {
		_, err := racer.Adjust(ctx, ledger.AdjustInput{
			ItemID: item.ID, Kind: ledger.KindSale, Quantity: 1,
		})
		require.NoError(t, err)
	}

	require.NoError(t, e.DeleteItem(ctx, item.ID))

	_, err = e.GetItem(ctx, item.ID)
	assert.ErrorIs(t, err, ledger.ErrItemNotFound)

	logs, err := raw.Query(ctx, racer.Business().LogsCollection(),
		[]docstore.Filter{docstore.Where("itemId", item.ID)}, nil)
	require.NoError(t, err)
	assert.Empty(t, logs, "the racing entry must fall with the cascade")
}

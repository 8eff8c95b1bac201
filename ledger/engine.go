/*
engine.go - Transactional operations on the stock ledger

CONTRACT (per operation, all inside one atomic transaction):
  Adjust:     read item -> check non-negativity -> write counter + log entry
  ReverseLog: read log + item -> re-apply negated delta -> delete log
  EditLog:    read log + item -> apply (new - old) difference -> update log
  DeleteItem: read item -> delete item + cascade its log entries

READ-THEN-WRITE ORDERING:
  Every closure reads everything it needs before its first write. The
  docstore enforces this (ErrReadAfterWrite), so a regression here fails
  loudly in tests instead of silently losing updates under concurrency.

FAILURE SEMANTICS:
  Business failures (insufficient stock, not found) abort the transaction;
  nothing is persisted, no compensation needed. Conflicts are retried by the
  store and surface as docstore.ErrConflictRetryExhausted, which callers may
  treat as transient.

IDEMPOTENCY:
  Adjust accepts an optional client idempotency key, tracked as a marker
  document read and written inside the same transaction as the movement.
  A retry after an "unknown outcome" timeout lands on the marker and
  returns the existing entry id; concurrent calls with one key conflict at
  commit, so at most one movement applies.
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tillpoint/stock-engine/docstore"
)

// Engine owns the stock items and logs of one business vertical. All
// counter mutation anywhere in the system funnels through its operations.
type Engine struct {
	store    docstore.Store
	business Business
	now      func() time.Time
}

func NewEngine(store docstore.Store, business Business) *Engine {
	return &Engine{store: store, business: business, now: time.Now}
}

func (e *Engine) Business() Business { return e.business }

// =============================================================================
// ITEM CRUD
// =============================================================================

// ItemInput registers a new stock item. OpeningStock, when positive, is
// recorded as an opening stock-in entry so ledger/counter agreement holds
// from day one.
type ItemInput struct {
	Name         string
	UnitCost     decimal.Decimal
	UnitPrice    decimal.Decimal
	OpeningStock int
}

func (e *Engine) CreateItem(ctx context.Context, in ItemInput) (StockItem, error) {
	if in.Name == "" {
		return StockItem{}, &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if in.OpeningStock < 0 {
		return StockItem{}, &ValidationError{Field: "openingStock", Reason: "must not be negative"}
	}
	if in.UnitCost.IsNegative() || in.UnitPrice.IsNegative() {
		return StockItem{}, &ValidationError{Field: "unitCost", Reason: "must not be negative"}
	}

	item := StockItem{
		ID:           uuid.NewString(),
		Name:         in.Name,
		UnitCost:     in.UnitCost,
		UnitPrice:    in.UnitPrice,
		CurrentStock: in.OpeningStock,
		CreatedAt:    e.now(),
	}

	err := e.store.RunAtomic(ctx, func(tx docstore.Tx) error {
		if err := tx.Write(e.business.ItemsCollection(), item.ID, EncodeItem(item)); err != nil {
			return err
		}
		if in.OpeningStock > 0 {
			entry := StockLogEntry{
				ID:        uuid.NewString(),
				ItemID:    item.ID,
				Change:    in.OpeningStock,
				NewStock:  in.OpeningStock,
				Kind:      KindStockIn,
				Detail:    "opening stock",
				CreatedAt: item.CreatedAt,
			}
			return tx.Write(e.business.LogsCollection(), entry.ID, EncodeLog(entry))
		}
		return nil
	})
	if err != nil {
		return StockItem{}, err
	}
	return item, nil
}

func (e *Engine) GetItem(ctx context.Context, itemID string) (StockItem, error) {
	doc, err := e.store.Read(ctx, e.business.ItemsCollection(), itemID)
	if err != nil {
		if docstore.IsNotFound(err) {
			return StockItem{}, fmt.Errorf("item %s: %w", itemID, ErrItemNotFound)
		}
		return StockItem{}, err
	}
	return DecodeItem(itemID, doc), nil
}

func (e *Engine) ListItems(ctx context.Context) ([]StockItem, error) {
	docs, err := e.store.Query(ctx, e.business.ItemsCollection(), nil, &docstore.OrderBy{Field: "createdAt"})
	if err != nil {
		return nil, err
	}
	items := make([]StockItem, 0, len(docs))
	for _, d := range docs {
		items = append(items, DecodeItem(d.ID, d.Fields))
	}
	return items, nil
}

// ItemUpdate carries the fields UpdateItem may touch. CurrentStock is
// deliberately absent: the counter only moves through ledger operations.
type ItemUpdate struct {
	Name      *string
	UnitCost  *decimal.Decimal
	UnitPrice *decimal.Decimal
}

func (e *Engine) UpdateItem(ctx context.Context, itemID string, upd ItemUpdate) (StockItem, error) {
	var updated StockItem
	err := e.store.RunAtomic(ctx, func(tx docstore.Tx) error {
		doc, err := tx.Read(e.business.ItemsCollection(), itemID)
		if err != nil {
			if docstore.IsNotFound(err) {
				return fmt.Errorf("item %s: %w", itemID, ErrItemNotFound)
			}
			return err
		}
		item := DecodeItem(itemID, doc)
		if upd.Name != nil {
			if *upd.Name == "" {
				return &ValidationError{Field: "name", Reason: "must not be empty"}
			}
			item.Name = *upd.Name
		}
		if upd.UnitCost != nil {
			if upd.UnitCost.IsNegative() {
				return &ValidationError{Field: "unitCost", Reason: "must not be negative"}
			}
			item.UnitCost = *upd.UnitCost
		}
		if upd.UnitPrice != nil {
			if upd.UnitPrice.IsNegative() {
				return &ValidationError{Field: "unitPrice", Reason: "must not be negative"}
			}
			item.UnitPrice = *upd.UnitPrice
		}
		updated = item
		return tx.Write(e.business.ItemsCollection(), itemID, EncodeItem(item))
	})
	if err != nil {
		return StockItem{}, err
	}
	return updated, nil
}

// DeleteItem removes the item and cascades deletion of all its log entries.
// No orphaned logs are permitted.
func (e *Engine) DeleteItem(ctx context.Context, itemID string) error {
	filters := []docstore.Filter{docstore.Where("itemId", itemID)}

	// The log query lives inside the closure so a conflict retry (an adjust
	// racing this delete) re-queries and picks up the new entry.
	err := e.store.RunAtomic(ctx, func(tx docstore.Tx) error {
		if _, err := tx.Read(e.business.ItemsCollection(), itemID); err != nil {
			if docstore.IsNotFound(err) {
				return fmt.Errorf("item %s: %w", itemID, ErrItemNotFound)
			}
			return err
		}
		logs, err := e.store.Query(ctx, e.business.LogsCollection(), filters, nil)
		if err != nil {
			return err
		}
		if err := tx.Delete(e.business.ItemsCollection(), itemID); err != nil {
			return err
		}
		for _, l := range logs {
			if err := tx.Delete(e.business.LogsCollection(), l.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Sweep entries whose adjust committed between the query and the commit.
	// The item document is gone, so no further adjust can land and the set
	// cannot grow; each pass deletes what the previous one found.
	for {
		logs, err := e.store.Query(ctx, e.business.LogsCollection(), filters, nil)
		if err != nil || len(logs) == 0 {
			return err
		}
		err = e.store.RunAtomic(ctx, func(tx docstore.Tx) error {
			for _, l := range logs {
				if err := tx.Delete(e.business.LogsCollection(), l.ID); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
}

// =============================================================================
// LEDGER OPERATIONS
// =============================================================================

// AdjustInput describes one stock movement. Quantity is a magnitude; the
// kind decides the sign (see Movement).
type AdjustInput struct {
	ItemID         string
	Kind           Kind
	Quantity       int
	Detail         string
	IdempotencyKey string
}

// Adjust applies one movement to the item counter and appends the matching
// log entry, atomically. Returns the new log entry's id.
func (e *Engine) Adjust(ctx context.Context, in AdjustInput) (string, error) {
	mv, err := NewMovement(in.Kind, in.Quantity)
	if err != nil {
		return "", err
	}

	entryID := uuid.NewString()
	resultID := entryID
	err = e.store.RunAtomic(ctx, func(tx docstore.Tx) error {
		if in.IdempotencyKey != "" {
			doc, err := tx.Read(e.business.IdempotencyCollection(), "adjust:"+in.IdempotencyKey)
			if err == nil {
				resultID = docstore.FieldString(doc, "ref")
				return nil
			}
			if !docstore.IsNotFound(err) {
				return err
			}
		}
		resultID = entryID

		item, err := e.readItem(tx, in.ItemID)
		if err != nil {
			return err
		}

		newStock := item.CurrentStock + mv.Delta()
		if newStock < 0 {
			return &InsufficientStockError{
				ItemID:    in.ItemID,
				Available: item.CurrentStock,
				Requested: mv.Quantity(),
			}
		}

		item.CurrentStock = newStock
		entry := StockLogEntry{
			ID:             entryID,
			ItemID:         in.ItemID,
			Change:         mv.Delta(),
			NewStock:       newStock,
			Kind:           mv.Kind(),
			Detail:         in.Detail,
			IdempotencyKey: in.IdempotencyKey,
			CreatedAt:      e.now(),
		}

		if err := tx.Write(e.business.ItemsCollection(), item.ID, EncodeItem(item)); err != nil {
			return err
		}
		if in.IdempotencyKey != "" {
			marker := docstore.Doc{"ref": entryID, "createdAt": docstore.TimeField(e.now())}
			if err := tx.Write(e.business.IdempotencyCollection(), "adjust:"+in.IdempotencyKey, marker); err != nil {
				return err
			}
		}
		return tx.Write(e.business.LogsCollection(), entry.ID, EncodeLog(entry))
	})
	if err != nil {
		return "", err
	}
	return resultID, nil
}

// ReverseLog undoes one log entry: the item counter moves by the negated
// original change and the entry is removed. This is the destructive
// "delete log" admin operation, distinct from the sale coordinator's
// compensating entries, which leave the trail intact.
func (e *Engine) ReverseLog(ctx context.Context, logID string) error {
	return e.store.RunAtomic(ctx, func(tx docstore.Tx) error {
		entry, err := e.readLog(tx, logID)
		if err != nil {
			return err
		}
		item, err := e.readItem(tx, entry.ItemID)
		if err != nil {
			return err
		}

		newStock := item.CurrentStock - entry.Change
		if newStock < 0 {
			return &InsufficientStockError{
				ItemID:    item.ID,
				Available: item.CurrentStock,
				Requested: entry.Change,
			}
		}

		item.CurrentStock = newStock
		if err := tx.Write(e.business.ItemsCollection(), item.ID, EncodeItem(item)); err != nil {
			return err
		}
		return tx.Delete(e.business.LogsCollection(), logID)
	})
}

// EditLog replaces an entry's change with newDelta (sign-normalized by the
// entry's kind) and applies only the difference to the counter - never the
// full replay, so nothing is double-counted.
func (e *Engine) EditLog(ctx context.Context, logID string, newDelta int, newDetail string) error {
	return e.store.RunAtomic(ctx, func(tx docstore.Tx) error {
		entry, err := e.readLog(tx, logID)
		if err != nil {
			return err
		}
		item, err := e.readItem(tx, entry.ItemID)
		if err != nil {
			return err
		}

		normalized := NormalizeDelta(entry.Kind, newDelta)
		difference := normalized - entry.Change
		newStock := item.CurrentStock + difference
		if newStock < 0 {
			return &InsufficientStockError{
				ItemID:    item.ID,
				Available: item.CurrentStock,
				Requested: -difference,
			}
		}

		item.CurrentStock = newStock
		entry.Change = normalized
		entry.NewStock = newStock
		entry.Detail = newDetail

		if err := tx.Write(e.business.ItemsCollection(), item.ID, EncodeItem(item)); err != nil {
			return err
		}
		return tx.Write(e.business.LogsCollection(), entry.ID, EncodeLog(entry))
	})
}

// Logs returns an item's entries, oldest first.
func (e *Engine) Logs(ctx context.Context, itemID string) ([]StockLogEntry, error) {
	docs, err := e.store.Query(ctx, e.business.LogsCollection(),
		[]docstore.Filter{docstore.Where("itemId", itemID)},
		&docstore.OrderBy{Field: "createdAt"})
	if err != nil {
		return nil, err
	}
	entries := make([]StockLogEntry, 0, len(docs))
	for _, d := range docs {
		entries = append(entries, DecodeLog(d.ID, d.Fields))
	}
	return entries, nil
}

// =============================================================================
// AUDIT
// =============================================================================

// Drift reports the ledger/counter agreement check for one item.
type Drift struct {
	ItemID  string
	Counter int // the item's CurrentStock
	LogSum  int // sum of existing entries' Change values
	Drift   int // Counter - LogSum; zero when the invariant holds
}

// Recompute replays an item's log and compares the sum against the counter.
// Advisory read - it takes no locks and writes nothing.
func (e *Engine) Recompute(ctx context.Context, itemID string) (Drift, error) {
	item, err := e.GetItem(ctx, itemID)
	if err != nil {
		return Drift{}, err
	}
	logs, err := e.Logs(ctx, itemID)
	if err != nil {
		return Drift{}, err
	}

	sum := 0
	for _, l := range logs {
		sum += l.Change
	}
	return Drift{
		ItemID:  itemID,
		Counter: item.CurrentStock,
		LogSum:  sum,
		Drift:   item.CurrentStock - sum,
	}, nil
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================
// Presentation-layer reads only. Invariant decisions never come from these;
// they come from fresh transactional reads inside the operations above.

func (e *Engine) WatchItems(ctx context.Context) (*docstore.Subscription, error) {
	return e.store.Subscribe(ctx, e.business.ItemsCollection(), nil)
}

func (e *Engine) WatchLogs(ctx context.Context, itemID string) (*docstore.Subscription, error) {
	return e.store.Subscribe(ctx, e.business.LogsCollection(),
		[]docstore.Filter{docstore.Where("itemId", itemID)})
}

// =============================================================================
// INTERNAL
// =============================================================================

func (e *Engine) readItem(tx docstore.Tx, itemID string) (StockItem, error) {
	doc, err := tx.Read(e.business.ItemsCollection(), itemID)
	if err != nil {
		if docstore.IsNotFound(err) {
			return StockItem{}, fmt.Errorf("item %s: %w", itemID, ErrItemNotFound)
		}
		return StockItem{}, err
	}
	return DecodeItem(itemID, doc), nil
}

func (e *Engine) readLog(tx docstore.Tx, logID string) (StockLogEntry, error) {
	doc, err := tx.Read(e.business.LogsCollection(), logID)
	if err != nil {
		if docstore.IsNotFound(err) {
			return StockLogEntry{}, fmt.Errorf("log %s: %w", logID, ErrLogNotFound)
		}
		return StockLogEntry{}, err
	}
	return DecodeLog(logID, doc), nil
}

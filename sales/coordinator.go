/*
coordinator.go - Atomic sale recording and reversal

RECORD FLOW (one transaction):
  1. Read the idempotency marker (when the sale is keyed), every referenced
     item's current stock, and the account summary.
  2. Check availability against per-item demand, duplicate lines SUMMED.
     A UI that submits the same item twice is demanding the total, so the
     check runs against the sum, never per line against the stale counter.
  3. Write the sale, the per-line sale log entries, each item's new counter,
     the denormalized income transaction, and the updated summary.
  Any failure aborts the whole transaction - no partial decrements exist.

DELETE FLOW (one transaction):
  Best-effort compensation, not an undo. Each line item's quantity goes back
  onto the counter through a NEW stock-in entry; the original sale entries
  stay queryable. The linked income transaction is reverted out of the
  summary and removed, then the sale record itself.
*/
package sales

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tillpoint/stock-engine/accounts"
	"github.com/tillpoint/stock-engine/docstore"
	"github.com/tillpoint/stock-engine/ledger"
)

// Coordinator records and reverses sales for one business vertical.
// The accumulator may be nil for verticals that keep no account ledger;
// everything else behaves identically.
type Coordinator struct {
	store       docstore.Store
	business    ledger.Business
	accumulator *accounts.Accumulator
	now         func() time.Time
}

func NewCoordinator(store docstore.Store, business ledger.Business, accumulator *accounts.Accumulator) *Coordinator {
	return &Coordinator{store: store, business: business, accumulator: accumulator, now: time.Now}
}

// =============================================================================
// RECORD SALE
// =============================================================================

type LineInput struct {
	ItemID    string
	Quantity  int
	UnitPrice decimal.Decimal
}

type RecordSaleInput struct {
	Lines          []LineInput
	Currency       accounts.Currency
	SoldAt         time.Time
	IdempotencyKey string
}

// RecordSale validates availability for every line and commits the sale,
// the stock decrements, the sale-typed log entries, and the income entry as
// one atomic unit. Returns the new sale id.
func (c *Coordinator) RecordSale(ctx context.Context, in RecordSaleInput) (string, error) {
	if len(in.Lines) == 0 {
		return "", ErrEmptySale
	}
	for i, l := range in.Lines {
		if l.ItemID == "" {
			return "", &ledger.ValidationError{Field: fmt.Sprintf("lines[%d].itemId", i), Reason: "must not be empty"}
		}
		if l.Quantity <= 0 {
			return "", &ledger.ValidationError{Field: fmt.Sprintf("lines[%d].quantity", i), Reason: "must be positive"}
		}
		if l.UnitPrice.IsNegative() {
			return "", &ledger.ValidationError{Field: fmt.Sprintf("lines[%d].unitPrice", i), Reason: "must not be negative"}
		}
	}

	if c.accumulator != nil && in.Currency == "" {
		return "", &ledger.ValidationError{Field: "currency", Reason: "must not be empty"}
	}

	// Demand per item, duplicate lines summed, first-seen order kept so an
	// insufficient-stock failure names the item the caller listed first.
	demand := make(map[string]int, len(in.Lines))
	order := make([]string, 0, len(in.Lines))
	for _, l := range in.Lines {
		if _, seen := demand[l.ItemID]; !seen {
			order = append(order, l.ItemID)
		}
		demand[l.ItemID] += l.Quantity
	}

	saleID := uuid.NewString()
	resultID := saleID
	soldAt := in.SoldAt
	if soldAt.IsZero() {
		soldAt = c.now()
	}

	err := c.store.RunAtomic(ctx, func(tx docstore.Tx) error {
		// Read phase: the idempotency marker, every item, then the summary.
		// The marker read joins the read set even when absent, so concurrent
		// calls with one key conflict at commit instead of double-applying.
		if in.IdempotencyKey != "" {
			doc, err := tx.Read(c.business.IdempotencyCollection(), "sale:"+in.IdempotencyKey)
			if err == nil {
				resultID = docstore.FieldString(doc, "ref")
				return nil
			}
			if !docstore.IsNotFound(err) {
				return err
			}
		}
		resultID = saleID

		items := make(map[string]ledger.StockItem, len(order))
		for _, itemID := range order {
			item, err := c.readItem(tx, itemID)
			if err != nil {
				return err
			}
			items[itemID] = item
		}
		var draft *accounts.SummaryDraft
		if c.accumulator != nil {
			var err error
			if draft, err = c.accumulator.BeginDraft(tx); err != nil {
				return err
			}
		}

		// Availability check against summed demand. First failing item wins.
		for _, itemID := range order {
			if demand[itemID] > items[itemID].CurrentStock {
				return &ledger.InsufficientStockError{
					ItemID:    itemID,
					Available: items[itemID].CurrentStock,
					Requested: demand[itemID],
				}
			}
		}

		// Write phase.
		createdAt := c.now()
		subtotal := decimal.Zero
		running := make(map[string]int, len(order))
		for id, item := range items {
			running[id] = item.CurrentStock
		}

		sale := Sale{
			ID:             saleID,
			Currency:       in.Currency,
			SoldAt:         soldAt,
			IdempotencyKey: in.IdempotencyKey,
			CreatedAt:      createdAt,
		}
		for _, l := range in.Lines {
			total := l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
			subtotal = subtotal.Add(total)
			sale.Lines = append(sale.Lines, SaleLine{
				ItemID:    l.ItemID,
				ItemName:  items[l.ItemID].Name,
				Quantity:  l.Quantity,
				UnitPrice: l.UnitPrice,
				Total:     total,
			})
		}
		sale.Subtotal = subtotal

		if err := tx.Write(c.business.SalesCollection(), saleID, encodeSale(sale)); err != nil {
			return err
		}
		if in.IdempotencyKey != "" {
			marker := docstore.Doc{"ref": saleID, "createdAt": docstore.TimeField(createdAt)}
			if err := tx.Write(c.business.IdempotencyCollection(), "sale:"+in.IdempotencyKey, marker); err != nil {
				return err
			}
		}

		// One sale-typed entry per line, counters written once per item.
		for _, l := range in.Lines {
			running[l.ItemID] -= l.Quantity
			entry := ledger.StockLogEntry{
				ID:        uuid.NewString(),
				ItemID:    l.ItemID,
				Change:    -l.Quantity,
				NewStock:  running[l.ItemID],
				Kind:      ledger.KindSale,
				Detail:    "sale " + saleID,
				CreatedAt: createdAt,
			}
			if err := tx.Write(c.business.LogsCollection(), entry.ID, ledger.EncodeLog(entry)); err != nil {
				return err
			}
		}
		for _, itemID := range order {
			item := items[itemID]
			item.CurrentStock = running[itemID]
			if err := tx.Write(c.business.ItemsCollection(), itemID, ledger.EncodeItem(item)); err != nil {
				return err
			}
		}

		if draft != nil {
			income := accounts.Transaction{
				ID:        uuid.NewString(),
				Kind:      accounts.KindIncome,
				Amounts:   accounts.Amounts{in.Currency: subtotal},
				Detail:    "sale " + saleID,
				Date:      soldAt,
				SaleID:    saleID,
				CreatedAt: createdAt,
			}
			draft.ApplyTransaction(income)
			if err := tx.Write(c.business.TransactionsCollection(), income.ID, accounts.EncodeTransaction(income)); err != nil {
				return err
			}
			if err := draft.WriteSummary(tx, createdAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return resultID, nil
}

// =============================================================================
// DELETE SALE
// =============================================================================

// DeleteSale reverses a committed sale: each line's quantity returns to its
// item through a new compensating stock-in entry, the linked income
// transaction is reverted and removed, and the sale record is deleted - all
// in one atomic unit.
func (c *Coordinator) DeleteSale(ctx context.Context, saleID string) error {
	var linkedIDs []string
	if c.accumulator != nil {
		linked, err := c.accumulator.TransactionsBySale(ctx, saleID)
		if err != nil {
			return err
		}
		for _, t := range linked {
			linkedIDs = append(linkedIDs, t.ID)
		}
	}

	return c.store.RunAtomic(ctx, func(tx docstore.Tx) error {
		// Read phase.
		doc, err := tx.Read(c.business.SalesCollection(), saleID)
		if err != nil {
			if docstore.IsNotFound(err) {
				return fmt.Errorf("sale %s: %w", saleID, ErrSaleNotFound)
			}
			return err
		}
		sale := decodeSale(saleID, doc)

		restock := make(map[string]int, len(sale.Lines))
		order := make([]string, 0, len(sale.Lines))
		for _, l := range sale.Lines {
			if _, seen := restock[l.ItemID]; !seen {
				order = append(order, l.ItemID)
			}
			restock[l.ItemID] += l.Quantity
		}

		items := make(map[string]ledger.StockItem, len(order))
		for _, itemID := range order {
			item, err := c.readItem(tx, itemID)
			if err != nil {
				return err
			}
			items[itemID] = item
		}

		var draft *accounts.SummaryDraft
		linked := make([]accounts.Transaction, 0, len(linkedIDs))
		if c.accumulator != nil {
			for _, id := range linkedIDs {
				txDoc, err := tx.Read(c.business.TransactionsCollection(), id)
				if err != nil {
					if docstore.IsNotFound(err) {
						continue // already removed; nothing to revert
					}
					return err
				}
				linked = append(linked, accounts.DecodeTransaction(id, txDoc))
			}
			if draft, err = c.accumulator.BeginDraft(tx); err != nil {
				return err
			}
		}

		// Write phase: compensating entries with real recomputed NewStock.
		reversedAt := c.now()
		for _, itemID := range order {
			item := items[itemID]
			item.CurrentStock += restock[itemID]

			entry := ledger.StockLogEntry{
				ID:        uuid.NewString(),
				ItemID:    itemID,
				Change:    restock[itemID],
				NewStock:  item.CurrentStock,
				Kind:      ledger.KindStockIn,
				Detail:    "reversal of sale " + saleID,
				CreatedAt: reversedAt,
			}
			if err := tx.Write(c.business.LogsCollection(), entry.ID, ledger.EncodeLog(entry)); err != nil {
				return err
			}
			if err := tx.Write(c.business.ItemsCollection(), itemID, ledger.EncodeItem(item)); err != nil {
				return err
			}
		}

		if draft != nil {
			for _, t := range linked {
				draft.RevertTransaction(t)
				if err := tx.Delete(c.business.TransactionsCollection(), t.ID); err != nil {
					return err
				}
			}
			if err := draft.WriteSummary(tx, reversedAt); err != nil {
				return err
			}
		}

		return tx.Delete(c.business.SalesCollection(), saleID)
	})
}

// =============================================================================
// QUERIES
// =============================================================================

func (c *Coordinator) GetSale(ctx context.Context, saleID string) (Sale, error) {
	doc, err := c.store.Read(ctx, c.business.SalesCollection(), saleID)
	if err != nil {
		if docstore.IsNotFound(err) {
			return Sale{}, fmt.Errorf("sale %s: %w", saleID, ErrSaleNotFound)
		}
		return Sale{}, err
	}
	return decodeSale(saleID, doc), nil
}

// ListSales returns the business's sales, newest first.
func (c *Coordinator) ListSales(ctx context.Context) ([]Sale, error) {
	docs, err := c.store.Query(ctx, c.business.SalesCollection(), nil,
		&docstore.OrderBy{Field: "soldAt", Desc: true})
	if err != nil {
		return nil, err
	}
	out := make([]Sale, 0, len(docs))
	for _, d := range docs {
		out = append(out, decodeSale(d.ID, d.Fields))
	}
	return out, nil
}

func (c *Coordinator) WatchSales(ctx context.Context) (*docstore.Subscription, error) {
	return c.store.Subscribe(ctx, c.business.SalesCollection(), nil)
}

// =============================================================================
// INTERNAL
// =============================================================================

func (c *Coordinator) readItem(tx docstore.Tx, itemID string) (ledger.StockItem, error) {
	doc, err := tx.Read(c.business.ItemsCollection(), itemID)
	if err != nil {
		if docstore.IsNotFound(err) {
			return ledger.StockItem{}, fmt.Errorf("item %s: %w", itemID, ledger.ErrItemNotFound)
		}
		return ledger.StockItem{}, err
	}
	return ledger.DecodeItem(itemID, doc), nil
}

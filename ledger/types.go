/*
Package ledger implements the stock ledger engine: one current-quantity
counter per item, backed by an audit log of every movement.

PURPOSE:
  Each business vertical (agriculture, appliances, meat, auto parts, ...)
  used to carry its own hand-copied stock service. This package is the one
  generic replacement: the business id is a constructor parameter and only
  picks the collections; the rules are shared.

KEY CONCEPTS IN THIS FILE (types.go):
  - Business: Vertical identifier, maps to collection names
  - StockItem: The counter. Mutated only through engine operations
  - StockLogEntry: Immutable record of one movement
  - Movement: Tagged (kind, quantity) pair that makes a wrong-signed
    entry unrepresentable

INVARIANTS:
  1. CurrentStock >= 0, always
  2. Opening stock + sum of existing log changes == CurrentStock
     (ledger/counter agreement; see Engine.Recompute)
  3. Stock-in entries carry non-negative change, sale entries non-positive

SEE ALSO:
  - engine.go: Adjust / ReverseLog / EditLog / DeleteItem
  - errors.go: Error taxonomy
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tillpoint/stock-engine/docstore"
)

// =============================================================================
// BUSINESS - Vertical identifier
// =============================================================================

// Business identifies one vertical. It only selects collections; every
// vertical shares the same engine rules.
type Business string

func (b Business) ItemsCollection() string        { return string(b) + "_stock_items" }
func (b Business) LogsCollection() string         { return string(b) + "_stock_logs" }
func (b Business) SalesCollection() string        { return string(b) + "_sales" }
func (b Business) TransactionsCollection() string { return string(b) + "_transactions" }
func (b Business) SummaryCollection() string      { return string(b) + "_account_summary" }

// IdempotencyCollection holds one marker document per client idempotency
// key. The marker is read inside the same transaction that applies the keyed
// operation: reading it as absent joins the read set, so two concurrent
// calls with one key conflict at commit and the loser retries into the
// marker, never into a second application.
func (b Business) IdempotencyCollection() string { return string(b) + "_idempotency_keys" }

// =============================================================================
// STOCK ITEM - The counter
// =============================================================================

type StockItem struct {
	ID           string
	Name         string
	UnitCost     decimal.Decimal
	UnitPrice    decimal.Decimal
	CurrentStock int
	CreatedAt    time.Time
}

// =============================================================================
// STOCK LOG ENTRY - Immutable movement record
// =============================================================================

type Kind string

const (
	KindStockIn Kind = "stock_in"
	KindSale    Kind = "sale"
)

func (k Kind) valid() bool { return k == KindStockIn || k == KindSale }

// sign returns +1 for stock-in, -1 for sale.
func (k Kind) sign() int {
	if k == KindSale {
		return -1
	}
	return 1
}

type StockLogEntry struct {
	ID             string
	ItemID         string
	Change         int // signed: positive = stock-in, negative = sale
	NewStock       int // counter snapshot after this entry applied
	Kind           Kind
	Detail         string
	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// MOVEMENT - (kind, quantity) with the sign invariant built in
// =============================================================================

// Movement is a validated stock change. The constructor owns the sign rule -
// sale entries are stored non-positive, stock-in non-negative - so a
// mismatched (kind, sign) pair cannot be constructed, only encoded.
type Movement struct {
	kind     Kind
	quantity int // magnitude, > 0
}

// NewMovement builds a movement from a kind and a magnitude.
func NewMovement(kind Kind, quantity int) (Movement, error) {
	if !kind.valid() {
		return Movement{}, &ValidationError{Field: "kind", Reason: "unknown movement kind"}
	}
	if quantity <= 0 {
		return Movement{}, &ValidationError{Field: "quantity", Reason: "quantity must be positive"}
	}
	return Movement{kind: kind, quantity: quantity}, nil
}

// StockIn is shorthand for NewMovement(KindStockIn, quantity).
func StockIn(quantity int) (Movement, error) { return NewMovement(KindStockIn, quantity) }

// SaleOut is shorthand for NewMovement(KindSale, quantity).
func SaleOut(quantity int) (Movement, error) { return NewMovement(KindSale, quantity) }

func (m Movement) Kind() Kind    { return m.kind }
func (m Movement) Quantity() int { return m.quantity }

// Delta is the signed counter change this movement applies.
func (m Movement) Delta() int { return m.kind.sign() * m.quantity }

// NormalizeDelta clamps a caller-supplied signed delta onto the sign the
// kind demands. Callers editing a log entry supply a magnitude in whatever
// sign their UI produced; the ledger never trusts it.
func NormalizeDelta(kind Kind, delta int) int {
	if delta < 0 {
		delta = -delta
	}
	return kind.sign() * delta
}

// =============================================================================
// DOCUMENT CODECS
// =============================================================================
// Shared with the sales coordinator, which reads and writes the same
// collections inside its own transactions.

func EncodeItem(it StockItem) docstore.Doc {
	return docstore.Doc{
		"name":         it.Name,
		"unitCost":     docstore.DecimalField(it.UnitCost),
		"unitPrice":    docstore.DecimalField(it.UnitPrice),
		"currentStock": it.CurrentStock,
		"createdAt":    docstore.TimeField(it.CreatedAt),
	}
}

func DecodeItem(id string, doc docstore.Doc) StockItem {
	return StockItem{
		ID:           id,
		Name:         docstore.FieldString(doc, "name"),
		UnitCost:     docstore.FieldDecimal(doc, "unitCost"),
		UnitPrice:    docstore.FieldDecimal(doc, "unitPrice"),
		CurrentStock: docstore.FieldInt(doc, "currentStock"),
		CreatedAt:    docstore.FieldTime(doc, "createdAt"),
	}
}

func EncodeLog(e StockLogEntry) docstore.Doc {
	return docstore.Doc{
		"itemId":         e.ItemID,
		"change":         e.Change,
		"newStock":       e.NewStock,
		"kind":           string(e.Kind),
		"detail":         e.Detail,
		"idempotencyKey": e.IdempotencyKey,
		"createdAt":      docstore.TimeField(e.CreatedAt),
	}
}

func DecodeLog(id string, doc docstore.Doc) StockLogEntry {
	return StockLogEntry{
		ID:             id,
		ItemID:         docstore.FieldString(doc, "itemId"),
		Change:         docstore.FieldInt(doc, "change"),
		NewStock:       docstore.FieldInt(doc, "newStock"),
		Kind:           Kind(docstore.FieldString(doc, "kind")),
		Detail:         docstore.FieldString(doc, "detail"),
		IdempotencyKey: docstore.FieldString(doc, "idempotencyKey"),
		CreatedAt:      docstore.FieldTime(doc, "createdAt"),
	}
}

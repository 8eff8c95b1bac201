/*
Package sales coordinates a sale: several stock-ledger adjustments plus the
sale record plus the denormalized income entry, committed as one atomic
unit or not at all.

SEE ALSO:
  - coordinator.go: RecordSale / DeleteSale
  - ledger: the per-item counter and log the coordinator writes through
  - accounts: where the sale's income entry lands
*/
package sales

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tillpoint/stock-engine/accounts"
	"github.com/tillpoint/stock-engine/docstore"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrEmptySale is returned for a sale with zero line items.
	ErrEmptySale = errors.New("sale has no line items")

	// ErrSaleNotFound is returned when the referenced sale is missing.
	ErrSaleNotFound = errors.New("sale not found")
)

// =============================================================================
// SALE
// =============================================================================

type SaleLine struct {
	ItemID    string
	ItemName  string // name snapshot at sale time
	Quantity  int
	UnitPrice decimal.Decimal
	Total     decimal.Decimal
}

type Sale struct {
	ID             string
	Lines          []SaleLine
	Subtotal       decimal.Decimal
	Currency       accounts.Currency
	SoldAt         time.Time
	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// DOCUMENT CODEC
// =============================================================================

func encodeSale(s Sale) docstore.Doc {
	lines := make([]any, 0, len(s.Lines))
	for _, l := range s.Lines {
		lines = append(lines, map[string]any{
			"itemId":    l.ItemID,
			"itemName":  l.ItemName,
			"quantity":  l.Quantity,
			"unitPrice": docstore.DecimalField(l.UnitPrice),
			"total":     docstore.DecimalField(l.Total),
		})
	}
	return docstore.Doc{
		"lines":          lines,
		"subtotal":       docstore.DecimalField(s.Subtotal),
		"currency":       string(s.Currency),
		"soldAt":         docstore.TimeField(s.SoldAt),
		"idempotencyKey": s.IdempotencyKey,
		"createdAt":      docstore.TimeField(s.CreatedAt),
	}
}

func decodeSale(id string, doc docstore.Doc) Sale {
	s := Sale{
		ID:             id,
		Subtotal:       docstore.FieldDecimal(doc, "subtotal"),
		Currency:       accounts.Currency(docstore.FieldString(doc, "currency")),
		SoldAt:         docstore.FieldTime(doc, "soldAt"),
		IdempotencyKey: docstore.FieldString(doc, "idempotencyKey"),
		CreatedAt:      docstore.FieldTime(doc, "createdAt"),
	}
	rawLines, _ := doc["lines"].([]any)
	for _, raw := range rawLines {
		fields, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		line := docstore.Doc(fields)
		s.Lines = append(s.Lines, SaleLine{
			ItemID:    docstore.FieldString(line, "itemId"),
			ItemName:  docstore.FieldString(line, "itemName"),
			Quantity:  docstore.FieldInt(line, "quantity"),
			UnitPrice: docstore.FieldDecimal(line, "unitPrice"),
			Total:     docstore.FieldDecimal(line, "total"),
		})
	}
	return s
}

/*
dto.go - JSON request/response types for the HTTP surface

DTOs decouple the wire contract from the domain types. Money crosses the
wire as decimal strings (never floats), timestamps as RFC3339.
*/
package api

import (
	"time"

	"github.com/tillpoint/stock-engine/accounts"
	"github.com/tillpoint/stock-engine/ledger"
	"github.com/tillpoint/stock-engine/sales"
)

// =============================================================================
// ITEMS
// =============================================================================

type ItemDTO struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	UnitCost     string `json:"unit_cost"`
	UnitPrice    string `json:"unit_price"`
	CurrentStock int    `json:"current_stock"`
	CreatedAt    string `json:"created_at"`
}

func itemDTO(it ledger.StockItem) ItemDTO {
	return ItemDTO{
		ID:           it.ID,
		Name:         it.Name,
		UnitCost:     it.UnitCost.String(),
		UnitPrice:    it.UnitPrice.String(),
		CurrentStock: it.CurrentStock,
		CreatedAt:    it.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type CreateItemRequest struct {
	Name         string `json:"name"`
	UnitCost     string `json:"unit_cost"`
	UnitPrice    string `json:"unit_price"`
	OpeningStock int    `json:"opening_stock"`
}

type UpdateItemRequest struct {
	Name      *string `json:"name"`
	UnitCost  *string `json:"unit_cost"`
	UnitPrice *string `json:"unit_price"`
}

// =============================================================================
// STOCK LOGS
// =============================================================================

type LogDTO struct {
	ID        string `json:"id"`
	ItemID    string `json:"item_id"`
	Change    int    `json:"change"`
	NewStock  int    `json:"new_stock"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
	CreatedAt string `json:"created_at"`
}

func logDTO(e ledger.StockLogEntry) LogDTO {
	return LogDTO{
		ID:        e.ID,
		ItemID:    e.ItemID,
		Change:    e.Change,
		NewStock:  e.NewStock,
		Kind:      string(e.Kind),
		Detail:    e.Detail,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type AdjustRequest struct {
	ItemID         string `json:"item_id"`
	Kind           string `json:"kind"` // "stock_in" | "sale"
	Quantity       int    `json:"quantity"`
	Detail         string `json:"detail"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type EditLogRequest struct {
	Change int    `json:"change"`
	Detail string `json:"detail"`
}

type DriftDTO struct {
	ItemID  string `json:"item_id"`
	Counter int    `json:"counter"`
	LogSum  int    `json:"log_sum"`
	Drift   int    `json:"drift"`
}

func driftDTO(d ledger.Drift) DriftDTO {
	return DriftDTO{ItemID: d.ItemID, Counter: d.Counter, LogSum: d.LogSum, Drift: d.Drift}
}

// =============================================================================
// SALES
// =============================================================================

type SaleLineDTO struct {
	ItemID    string `json:"item_id"`
	ItemName  string `json:"item_name,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	Total     string `json:"total,omitempty"`
}

type SaleDTO struct {
	ID       string        `json:"id"`
	Lines    []SaleLineDTO `json:"lines"`
	Subtotal string        `json:"subtotal"`
	Currency string        `json:"currency"`
	SoldAt   string        `json:"sold_at"`
}

func saleDTO(s sales.Sale) SaleDTO {
	dto := SaleDTO{
		ID:       s.ID,
		Subtotal: s.Subtotal.String(),
		Currency: string(s.Currency),
		SoldAt:   s.SoldAt.UTC().Format(time.RFC3339),
	}
	for _, l := range s.Lines {
		dto.Lines = append(dto.Lines, SaleLineDTO{
			ItemID:    l.ItemID,
			ItemName:  l.ItemName,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice.String(),
			Total:     l.Total.String(),
		})
	}
	return dto
}

type RecordSaleRequest struct {
	Lines          []SaleLineDTO `json:"lines"`
	Currency       string        `json:"currency"`
	SoldAt         string        `json:"sold_at,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
}

// =============================================================================
// ACCOUNT LEDGER
// =============================================================================

type TransactionDTO struct {
	ID      string            `json:"id"`
	Kind    string            `json:"kind"`
	Amounts map[string]string `json:"amounts"`
	Detail  string            `json:"detail"`
	Date    string            `json:"date"`
	SaleID  string            `json:"sale_id,omitempty"`
}

func transactionDTO(t accounts.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:      t.ID,
		Kind:    string(t.Kind),
		Amounts: amountsDTO(t.Amounts),
		Detail:  t.Detail,
		Date:    t.Date.UTC().Format(time.RFC3339),
		SaleID:  t.SaleID,
	}
}

type TransactionRequest struct {
	Kind    string            `json:"kind"` // "income" | "expense"
	Amounts map[string]string `json:"amounts"`
	Detail  string            `json:"detail"`
	Date    string            `json:"date,omitempty"`
}

type UpdateTransactionRequest struct {
	Kind    *string           `json:"kind"`
	Amounts map[string]string `json:"amounts"`
	Detail  *string           `json:"detail"`
	Date    *string           `json:"date"`
}

type SummaryDTO struct {
	Cash      map[string]string `json:"cash"`
	Transfer  map[string]string `json:"transfer"`
	Capital   map[string]string `json:"capital"`
	UpdatedAt string            `json:"updated_at,omitempty"`
}

func summaryDTO(s accounts.Summary) SummaryDTO {
	dto := SummaryDTO{
		Cash:     amountsDTO(s.Cash),
		Transfer: amountsDTO(s.Transfer),
		Capital:  amountsDTO(s.Capital),
	}
	if !s.UpdatedAt.IsZero() {
		dto.UpdatedAt = s.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return dto
}

func amountsDTO(a accounts.Amounts) map[string]string {
	out := make(map[string]string, len(a))
	for c, v := range a {
		out[string(c)] = v.String()
	}
	return out
}

type errorResponse struct {
	Error string `json:"error"`
}

/*
handlers.go - HTTP handlers over the ledger core

PURPOSE:
  Thin delivery surface: parse the request, call the engine / coordinator /
  accumulator for the business named in the URL, serialize the result. No
  business rules live here.

ERROR MAPPING:
  400  validation, empty sale, malformed body
  404  unknown business, item/log/sale/transaction not found
  409  insufficient stock
  503  transaction retries exhausted (transient; client may re-invoke)
  500  everything else
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tillpoint/stock-engine/accounts"
	"github.com/tillpoint/stock-engine/docstore"
	"github.com/tillpoint/stock-engine/ledger"
	"github.com/tillpoint/stock-engine/sales"
)

// Vertical bundles the three services of one business.
type Vertical struct {
	Engine      *ledger.Engine
	Sales       *sales.Coordinator
	Accumulator *accounts.Accumulator
}

// Handler holds the per-business services and shared dependencies.
type Handler struct {
	log       *logrus.Logger
	verticals map[ledger.Business]*Vertical
}

// NewHandler wires one Vertical per business over the shared store.
func NewHandler(store docstore.Store, businesses []ledger.Business, log *logrus.Logger) *Handler {
	h := &Handler{log: log, verticals: make(map[ledger.Business]*Vertical, len(businesses))}
	for _, b := range businesses {
		acc := accounts.NewAccumulator(store, b)
		h.verticals[b] = &Vertical{
			Engine:      ledger.NewEngine(store, b),
			Sales:       sales.NewCoordinator(store, b, acc),
			Accumulator: acc,
		}
	}
	return h
}

// Businesses lists the registered verticals.
func (h *Handler) Businesses() []ledger.Business {
	out := make([]ledger.Business, 0, len(h.verticals))
	for b := range h.verticals {
		out = append(out, b)
	}
	return out
}

func (h *Handler) vertical(w http.ResponseWriter, r *http.Request) *Vertical {
	b := ledger.Business(chi.URLParam(r, "business"))
	v, ok := h.verticals[b]
	if !ok {
		h.writeError(w, r, http.StatusNotFound, errors.New("unknown business: "+string(b)))
		return nil
	}
	return v
}

// =============================================================================
// ITEM HANDLERS
// =============================================================================

func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	var req CreateItemRequest
	if !h.decode(w, r, &req) {
		return
	}
	cost, err := parseMoney(req.UnitCost)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	price, err := parseMoney(req.UnitPrice)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	item, err := v.Engine.CreateItem(r.Context(), ledger.ItemInput{
		Name:         req.Name,
		UnitCost:     cost,
		UnitPrice:    price,
		OpeningStock: req.OpeningStock,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, itemDTO(item))
}

func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	items, err := v.Engine.ListItems(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]ItemDTO, 0, len(items))
	for _, it := range items {
		out = append(out, itemDTO(it))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	item, err := v.Engine.GetItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, itemDTO(item))
}

func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	var req UpdateItemRequest
	if !h.decode(w, r, &req) {
		return
	}
	upd := ledger.ItemUpdate{Name: req.Name}
	if req.UnitCost != nil {
		cost, err := parseMoney(*req.UnitCost)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		upd.UnitCost = &cost
	}
	if req.UnitPrice != nil {
		price, err := parseMoney(*req.UnitPrice)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		upd.UnitPrice = &price
	}

	item, err := v.Engine.UpdateItem(r.Context(), chi.URLParam(r, "id"), upd)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, itemDTO(item))
}

func (h *Handler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	if err := v.Engine.DeleteItem(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ItemLogs(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	logs, err := v.Engine.Logs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]LogDTO, 0, len(logs))
	for _, e := range logs {
		out = append(out, logDTO(e))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ItemDrift(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	drift, err := v.Engine.Recompute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, driftDTO(drift))
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	var req AdjustRequest
	if !h.decode(w, r, &req) {
		return
	}
	logID, err := v.Engine.Adjust(r.Context(), ledger.AdjustInput{
		ItemID:         req.ItemID,
		Kind:           ledger.Kind(req.Kind),
		Quantity:       req.Quantity,
		Detail:         req.Detail,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"log_id": logID})
}

func (h *Handler) EditLog(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	var req EditLogRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := v.Engine.EditLog(r.Context(), chi.URLParam(r, "id"), req.Change, req.Detail); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ReverseLog(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	if err := v.Engine.ReverseLog(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// SALE HANDLERS
// =============================================================================

func (h *Handler) RecordSale(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	var req RecordSaleRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := sales.RecordSaleInput{
		Currency:       accounts.Currency(req.Currency),
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.SoldAt != "" {
		soldAt, err := time.Parse(time.RFC3339, req.SoldAt)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, errors.New("sold_at must be RFC3339"))
			return
		}
		in.SoldAt = soldAt
	}
	for _, l := range req.Lines {
		price, err := parseMoney(l.UnitPrice)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		in.Lines = append(in.Lines, sales.LineInput{
			ItemID:    l.ItemID,
			Quantity:  l.Quantity,
			UnitPrice: price,
		})
	}

	saleID, err := v.Sales.RecordSale(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"sale_id": saleID})
}

func (h *Handler) ListSales(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	list, err := v.Sales.ListSales(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]SaleDTO, 0, len(list))
	for _, s := range list {
		out = append(out, saleDTO(s))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	sale, err := v.Sales.GetSale(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, saleDTO(sale))
}

func (h *Handler) DeleteSale(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	if err := v.Sales.DeleteSale(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ACCOUNT LEDGER HANDLERS
// =============================================================================

func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	var req TransactionRequest
	if !h.decode(w, r, &req) {
		return
	}
	amounts, err := parseAmounts(req.Amounts)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	in := accounts.TransactionInput{
		Kind:    accounts.Kind(req.Kind),
		Amounts: amounts,
		Detail:  req.Detail,
		Date:    time.Now(),
	}
	if req.Date != "" {
		date, err := time.Parse(time.RFC3339, req.Date)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, errors.New("date must be RFC3339"))
			return
		}
		in.Date = date
	}

	txID, err := v.Accumulator.ApplyNew(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"transaction_id": txID})
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	txs, err := v.Accumulator.ListTransactions(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]TransactionDTO, 0, len(txs))
	for _, t := range txs {
		out = append(out, transactionDTO(t))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	var req UpdateTransactionRequest
	if !h.decode(w, r, &req) {
		return
	}
	upd := accounts.TransactionUpdate{Detail: req.Detail}
	if req.Kind != nil {
		kind := accounts.Kind(*req.Kind)
		upd.Kind = &kind
	}
	if req.Amounts != nil {
		amounts, err := parseAmounts(req.Amounts)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		upd.Amounts = amounts
	}
	if req.Date != nil {
		date, err := time.Parse(time.RFC3339, *req.Date)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, errors.New("date must be RFC3339"))
			return
		}
		upd.Date = &date
	}

	if err := v.Accumulator.ApplyEdited(r.Context(), chi.URLParam(r, "id"), upd); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	if err := v.Accumulator.ApplyDeleted(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	summary, err := v.Accumulator.GetOrCreateDefault(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summaryDTO(summary))
}

// SummaryAudit reports the recomputed cash beside the stored summary so an
// operator can spot drift.
func (h *Handler) SummaryAudit(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	summary, err := v.Accumulator.GetOrCreateDefault(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	recomputed, err := v.Accumulator.RecomputeCash(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"cash":       amountsDTO(summary.Cash),
		"recomputed": amountsDTO(recomputed),
		"in_sync":    summary.Cash.Equal(recomputed),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, r, http.StatusBadRequest, errors.New("malformed request body"))
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.WithError(err).Warn("encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= 500 {
		h.log.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrValidation), errors.Is(err, sales.ErrEmptySale):
		h.writeError(w, r, http.StatusBadRequest, err)
	case ledger.IsNotFound(err),
		errors.Is(err, sales.ErrSaleNotFound),
		errors.Is(err, accounts.ErrTransactionNotFound):
		h.writeError(w, r, http.StatusNotFound, err)
	case errors.Is(err, ledger.ErrInsufficientStock):
		h.writeError(w, r, http.StatusConflict, err)
	case ledger.IsRetryable(err):
		h.writeError(w, r, http.StatusServiceUnavailable, err)
	default:
		h.writeError(w, r, http.StatusInternalServerError, err)
	}
}

func parseMoney(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, errors.New("malformed decimal: " + s)
	}
	return d, nil
}

func parseAmounts(raw map[string]string) (accounts.Amounts, error) {
	out := make(accounts.Amounts, len(raw))
	for c, s := range raw {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, errors.New("malformed amount for " + c)
		}
		out[accounts.Currency(c)] = d
	}
	return out, nil
}

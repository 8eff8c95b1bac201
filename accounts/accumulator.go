/*
accumulator.go - Transactional summary maintenance

CONTRACT (per operation, all inside one atomic transaction):
  ApplyNew:     read summary -> apply tx effect -> write tx + summary
  ApplyEdited:  read tx + summary -> revert old effect, apply new ->
                write tx + summary
  ApplyDeleted: read tx + summary -> revert effect -> delete tx, write summary

The summary document is a keyed aggregate, one per business, created lazily
on first access ("latest" singleton reframed as getOrCreateDefault).
*/
package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tillpoint/stock-engine/docstore"
	"github.com/tillpoint/stock-engine/ledger"
)

// summaryDocID keys the single summary document inside each business's
// summary collection.
const summaryDocID = "latest"

// ErrTransactionNotFound is returned when the referenced ledger transaction
// is missing.
var ErrTransactionNotFound = errors.New("ledger transaction not found")

// Accumulator owns one business's transaction ledger and its summary.
type Accumulator struct {
	store    docstore.Store
	business ledger.Business
	now      func() time.Time
}

func NewAccumulator(store docstore.Store, business ledger.Business) *Accumulator {
	return &Accumulator{store: store, business: business, now: time.Now}
}

// =============================================================================
// SUMMARY ACCESS
// =============================================================================

// GetOrCreateDefault returns the business's summary, creating the zeroed
// default atomically on first access.
func (a *Accumulator) GetOrCreateDefault(ctx context.Context) (Summary, error) {
	var out Summary
	err := a.store.RunAtomic(ctx, func(tx docstore.Tx) error {
		draft, err := a.BeginDraft(tx)
		if err != nil {
			return err
		}
		if !draft.existed {
			if err := draft.WriteSummary(tx, a.now()); err != nil {
				return err
			}
		}
		out = draft.Summary()
		return nil
	})
	if err != nil {
		return Summary{}, err
	}
	return out, nil
}

func (a *Accumulator) WatchSummary(ctx context.Context) (*docstore.Subscription, error) {
	return a.store.Subscribe(ctx, a.business.SummaryCollection(), nil)
}

// =============================================================================
// TRANSACTION OPERATIONS
// =============================================================================

type TransactionInput struct {
	Kind    Kind
	Amounts Amounts
	Detail  string
	Date    time.Time
	SaleID  string
}

func (in TransactionInput) validate() error {
	if !in.Kind.valid() {
		return &ledger.ValidationError{Field: "kind", Reason: "must be income or expense"}
	}
	if len(in.Amounts) == 0 {
		return &ledger.ValidationError{Field: "amounts", Reason: "must carry at least one currency"}
	}
	for c, v := range in.Amounts {
		if v.IsNegative() {
			return &ledger.ValidationError{Field: "amounts." + string(c), Reason: "must not be negative"}
		}
	}
	return nil
}

// ApplyNew writes the transaction and folds its effect into the summary,
// atomically. Returns the new transaction id.
func (a *Accumulator) ApplyNew(ctx context.Context, in TransactionInput) (string, error) {
	if err := in.validate(); err != nil {
		return "", err
	}

	t := Transaction{
		ID:        uuid.NewString(),
		Kind:      in.Kind,
		Amounts:   in.Amounts.Clone(),
		Detail:    in.Detail,
		Date:      in.Date,
		SaleID:    in.SaleID,
		CreatedAt: a.now(),
	}

	err := a.store.RunAtomic(ctx, func(tx docstore.Tx) error {
		draft, err := a.BeginDraft(tx)
		if err != nil {
			return err
		}
		draft.ApplyTransaction(t)
		if err := tx.Write(a.business.TransactionsCollection(), t.ID, EncodeTransaction(t)); err != nil {
			return err
		}
		return draft.WriteSummary(tx, a.now())
	})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// TransactionUpdate carries the fields an edit may touch; nil means keep.
type TransactionUpdate struct {
	Kind    *Kind
	Amounts Amounts
	Detail  *string
	Date    *time.Time
}

// ApplyEdited reverts the original transaction's effect, applies the edited
// one, and writes both the transaction and the summary atomically. The
// summary is never rebuilt from history here; only the delta moves.
func (a *Accumulator) ApplyEdited(ctx context.Context, txID string, upd TransactionUpdate) error {
	return a.store.RunAtomic(ctx, func(tx docstore.Tx) error {
		original, err := a.readTransaction(tx, txID)
		if err != nil {
			return err
		}
		draft, err := a.BeginDraft(tx)
		if err != nil {
			return err
		}

		edited := original
		if upd.Kind != nil {
			edited.Kind = *upd.Kind
		}
		if upd.Amounts != nil {
			edited.Amounts = upd.Amounts.Clone()
		}
		if upd.Detail != nil {
			edited.Detail = *upd.Detail
		}
		if upd.Date != nil {
			edited.Date = *upd.Date
		}
		if err := (TransactionInput{Kind: edited.Kind, Amounts: edited.Amounts}).validate(); err != nil {
			return err
		}

		draft.RevertTransaction(original)
		draft.ApplyTransaction(edited)

		if err := tx.Write(a.business.TransactionsCollection(), txID, EncodeTransaction(edited)); err != nil {
			return err
		}
		return draft.WriteSummary(tx, a.now())
	})
}

// ApplyDeleted reverts the transaction's effect on the summary and removes
// it, atomically.
func (a *Accumulator) ApplyDeleted(ctx context.Context, txID string) error {
	return a.store.RunAtomic(ctx, func(tx docstore.Tx) error {
		original, err := a.readTransaction(tx, txID)
		if err != nil {
			return err
		}
		draft, err := a.BeginDraft(tx)
		if err != nil {
			return err
		}

		draft.RevertTransaction(original)

		if err := tx.Delete(a.business.TransactionsCollection(), txID); err != nil {
			return err
		}
		return draft.WriteSummary(tx, a.now())
	})
}

func (a *Accumulator) readTransaction(tx docstore.Tx, txID string) (Transaction, error) {
	doc, err := tx.Read(a.business.TransactionsCollection(), txID)
	if err != nil {
		if docstore.IsNotFound(err) {
			return Transaction{}, fmt.Errorf("transaction %s: %w", txID, ErrTransactionNotFound)
		}
		return Transaction{}, err
	}
	return DecodeTransaction(txID, doc), nil
}

func (a *Accumulator) GetTransaction(ctx context.Context, txID string) (Transaction, error) {
	doc, err := a.store.Read(ctx, a.business.TransactionsCollection(), txID)
	if err != nil {
		if docstore.IsNotFound(err) {
			return Transaction{}, fmt.Errorf("transaction %s: %w", txID, ErrTransactionNotFound)
		}
		return Transaction{}, err
	}
	return DecodeTransaction(txID, doc), nil
}

// ListTransactions returns the business's transactions, oldest first.
func (a *Accumulator) ListTransactions(ctx context.Context) ([]Transaction, error) {
	docs, err := a.store.Query(ctx, a.business.TransactionsCollection(), nil,
		&docstore.OrderBy{Field: "date"})
	if err != nil {
		return nil, err
	}
	out := make([]Transaction, 0, len(docs))
	for _, d := range docs {
		out = append(out, DecodeTransaction(d.ID, d.Fields))
	}
	return out, nil
}

// TransactionsBySale returns the denormalized entries referencing a sale.
func (a *Accumulator) TransactionsBySale(ctx context.Context, saleID string) ([]Transaction, error) {
	docs, err := a.store.Query(ctx, a.business.TransactionsCollection(),
		[]docstore.Filter{docstore.Where("saleId", saleID)}, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Transaction, 0, len(docs))
	for _, d := range docs {
		out = append(out, DecodeTransaction(d.ID, d.Fields))
	}
	return out, nil
}

func (a *Accumulator) WatchTransactions(ctx context.Context) (*docstore.Subscription, error) {
	return a.store.Subscribe(ctx, a.business.TransactionsCollection(), nil)
}

// =============================================================================
// AUDIT
// =============================================================================

// RecomputeCash replays every stored transaction and returns the signed
// per-currency sum, the value summary.Cash must equal. Advisory read.
func (a *Accumulator) RecomputeCash(ctx context.Context) (Amounts, error) {
	txs, err := a.ListTransactions(ctx)
	if err != nil {
		return nil, err
	}
	cash := Amounts{}
	for _, t := range txs {
		cash.AddScaled(t.Amounts, t.Kind.sign())
	}
	return cash, nil
}

// =============================================================================
// SUMMARY DRAFT - Read-phase handle shared with the sale coordinator
// =============================================================================

// SummaryDraft is the summary read at the start of a transaction plus the
// staged effect changes. The sale coordinator uses it to fold sale income
// into the same atomic unit as the sale and stock writes: BeginDraft during
// the read phase, WriteSummary during the write phase.
type SummaryDraft struct {
	accumulator *Accumulator
	summary     Summary
	existed     bool
}

// BeginDraft reads the summary inside tx, defaulting to the zeroed summary
// when none exists yet. Must be called before tx's first write.
func (a *Accumulator) BeginDraft(tx docstore.Tx) (*SummaryDraft, error) {
	doc, err := tx.Read(a.business.SummaryCollection(), summaryDocID)
	if err != nil {
		if docstore.IsNotFound(err) {
			return &SummaryDraft{accumulator: a, summary: emptySummary()}, nil
		}
		return nil, err
	}
	return &SummaryDraft{accumulator: a, summary: decodeSummary(doc), existed: true}, nil
}

func (d *SummaryDraft) Summary() Summary { return d.summary }

// ApplyTransaction folds t's effect into the draft.
func (d *SummaryDraft) ApplyTransaction(t Transaction) {
	d.summary.Cash.AddScaled(t.Amounts, t.Kind.sign())
}

// RevertTransaction removes t's effect from the draft.
func (d *SummaryDraft) RevertTransaction(t Transaction) {
	d.summary.Cash.AddScaled(t.Amounts, -t.Kind.sign())
}

// WriteSummary persists the draft. Part of tx's write phase.
func (d *SummaryDraft) WriteSummary(tx docstore.Tx, at time.Time) error {
	d.summary.UpdatedAt = at
	return tx.Write(d.accumulator.business.SummaryCollection(), summaryDocID, encodeSummary(d.summary))
}

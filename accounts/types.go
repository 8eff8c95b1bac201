/*
Package accounts keeps each business's denormalized running balances in
step with its income/expense ledger.

PURPOSE:
  The account summary (cash / transfer / capital, per currency) is a derived
  value. Recomputing it from full history on every page load is what the
  summary exists to avoid, so every transaction create/edit/delete updates
  the summary incrementally - revert-then-reapply, O(1) per edit - inside
  the same atomic unit as the transaction write.

INVARIANT:
  summary.Cash equals the signed sum of all stored transactions' amounts
  (income adds, expense subtracts), per currency. RecomputeCash replays
  history to audit this.

SEE ALSO:
  - accumulator.go: ApplyNew / ApplyEdited / ApplyDeleted
  - sales: records sale income through the same draft mechanism
*/
package accounts

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tillpoint/stock-engine/docstore"
)

// =============================================================================
// MONEY - Per-currency amount maps
// =============================================================================

type Currency string

// Amounts maps currency code to amount. A single-currency business is a map
// with one key; nothing special-cases the scalar form.
type Amounts map[Currency]decimal.Decimal

func (a Amounts) Clone() Amounts {
	out := make(Amounts, len(a))
	for c, v := range a {
		out[c] = v
	}
	return out
}

// AddScaled adds scale*b into a, in place. scale is +1 or -1.
func (a Amounts) AddScaled(b Amounts, scale int64) {
	factor := decimal.NewFromInt(scale)
	for c, v := range b {
		a[c] = a[c].Add(v.Mul(factor))
	}
}

// Equal reports per-currency equality, treating absent keys as zero.
func (a Amounts) Equal(b Amounts) bool {
	seen := make(map[Currency]struct{}, len(a)+len(b))
	for c := range a {
		seen[c] = struct{}{}
	}
	for c := range b {
		seen[c] = struct{}{}
	}
	for c := range seen {
		if !a[c].Equal(b[c]) {
			return false
		}
	}
	return true
}

// =============================================================================
// TRANSACTION - One dated income/expense ledger entry
// =============================================================================

type Kind string

const (
	KindIncome  Kind = "income"
	KindExpense Kind = "expense"
)

func (k Kind) valid() bool { return k == KindIncome || k == KindExpense }

// sign is the transaction's effect direction on cash.
func (k Kind) sign() int64 {
	if k == KindExpense {
		return -1
	}
	return 1
}

type Transaction struct {
	ID        string
	Kind      Kind
	Amounts   Amounts
	Detail    string
	Date      time.Time
	SaleID    string // set when this entry was denormalized from a sale
	CreatedAt time.Time
}

// CashEffect is the signed per-currency contribution to summary.Cash.
func (t Transaction) CashEffect() Amounts {
	out := make(Amounts, len(t.Amounts))
	out.AddScaled(t.Amounts, t.Kind.sign())
	return out
}

// =============================================================================
// SUMMARY - The derived snapshot
// =============================================================================

type Summary struct {
	Cash      Amounts
	Transfer  Amounts
	Capital   Amounts
	UpdatedAt time.Time
}

func emptySummary() Summary {
	return Summary{Cash: Amounts{}, Transfer: Amounts{}, Capital: Amounts{}}
}

// =============================================================================
// DOCUMENT CODECS
// =============================================================================

func encodeAmounts(a Amounts) map[string]any {
	out := make(map[string]any, len(a))
	for c, v := range a {
		out[string(c)] = docstore.DecimalField(v)
	}
	return out
}

func decodeAmounts(v any) Amounts {
	raw, ok := v.(map[string]any)
	if !ok {
		return Amounts{}
	}
	out := make(Amounts, len(raw))
	for c, s := range raw {
		str, ok := s.(string)
		if !ok {
			continue
		}
		d, err := decimal.NewFromString(str)
		if err != nil {
			continue
		}
		out[Currency(c)] = d
	}
	return out
}

func EncodeTransaction(t Transaction) docstore.Doc {
	return docstore.Doc{
		"kind":      string(t.Kind),
		"amounts":   encodeAmounts(t.Amounts),
		"detail":    t.Detail,
		"date":      docstore.TimeField(t.Date),
		"saleId":    t.SaleID,
		"createdAt": docstore.TimeField(t.CreatedAt),
	}
}

func DecodeTransaction(id string, doc docstore.Doc) Transaction {
	return Transaction{
		ID:        id,
		Kind:      Kind(docstore.FieldString(doc, "kind")),
		Amounts:   decodeAmounts(doc["amounts"]),
		Detail:    docstore.FieldString(doc, "detail"),
		Date:      docstore.FieldTime(doc, "date"),
		SaleID:    docstore.FieldString(doc, "saleId"),
		CreatedAt: docstore.FieldTime(doc, "createdAt"),
	}
}

func encodeSummary(s Summary) docstore.Doc {
	return docstore.Doc{
		"cash":      encodeAmounts(s.Cash),
		"transfer":  encodeAmounts(s.Transfer),
		"capital":   encodeAmounts(s.Capital),
		"updatedAt": docstore.TimeField(s.UpdatedAt),
	}
}

func decodeSummary(doc docstore.Doc) Summary {
	return Summary{
		Cash:      decodeAmounts(doc["cash"]),
		Transfer:  decodeAmounts(doc["transfer"]),
		Capital:   decodeAmounts(doc["capital"]),
		UpdatedAt: docstore.FieldTime(doc, "updatedAt"),
	}
}

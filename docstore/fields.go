package docstore

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FIELD CODING - Normalized accessors for Doc values
// =============================================================================
// Documents round-trip through JSON in the SQLite store, which widens ints to
// float64 and flattens timestamps to strings. These helpers absorb that so
// domain codecs behave identically over every Store implementation.
//
// Conventions:
//   timestamps -> RFC3339Nano strings (TimeField / FieldTime)
//   decimals   -> decimal strings    (DecimalField / FieldDecimal)
//   integers   -> whatever width came back, coerced by FieldInt

// FieldString returns doc[key] as a string, "" when absent or mistyped.
func FieldString(doc Doc, key string) string {
	s, _ := doc[key].(string)
	return s
}

// FieldInt returns doc[key] as an int, tolerating the numeric widenings a
// JSON round-trip introduces.
func FieldInt(doc Doc, key string) int {
	switch n := doc[key].(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// FieldDecimal parses doc[key] as a decimal string. Zero when absent or
// malformed.
func FieldDecimal(doc Doc, key string) decimal.Decimal {
	s, ok := doc[key].(string)
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// FieldTime parses doc[key] as an RFC3339Nano string. Zero time when absent
// or malformed.
func FieldTime(doc Doc, key string) time.Time {
	s, ok := doc[key].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// TimeField encodes a timestamp for storage.
func TimeField(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// DecimalField encodes a decimal for storage.
func DecimalField(d decimal.Decimal) string { return d.String() }

// Clone returns a shallow copy of doc. Nested containers (a sale's line
// array, an amounts map) are shared with the original: callers must treat
// decoded values as read-only and build replacement documents through the
// Encode helpers, which allocate fresh containers, rather than mutating a
// nested value in place.
func Clone(doc Doc) Doc {
	if doc == nil {
		return nil
	}
	out := make(Doc, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

package docstore

import (
	"sort"
	"strings"
)

// =============================================================================
// FILTERS - Query predicates evaluated against Doc fields
// =============================================================================

type Op string

const (
	OpEqual        Op = "=="
	OpNotEqual     Op = "!="
	OpGreater      Op = ">"
	OpGreaterEqual Op = ">="
	OpLess         Op = "<"
	OpLessEqual    Op = "<="
)

type Filter struct {
	Field string
	Op    Op
	Value any
}

// Where is shorthand for an equality filter.
func Where(field string, value any) Filter {
	return Filter{Field: field, Op: OpEqual, Value: value}
}

type OrderBy struct {
	Field string
	Desc  bool
}

// Match reports whether doc satisfies every filter. Both store
// implementations evaluate filters through this one function so query
// semantics cannot drift between them.
func Match(doc Doc, filters []Filter) bool {
	for _, f := range filters {
		got, ok := doc[f.Field]
		if !ok {
			return false
		}
		cmp, comparable := compareValues(got, f.Value)
		if !comparable {
			return false
		}
		switch f.Op {
		case OpEqual:
			if cmp != 0 {
				return false
			}
		case OpNotEqual:
			if cmp == 0 {
				return false
			}
		case OpGreater:
			if cmp <= 0 {
				return false
			}
		case OpGreaterEqual:
			if cmp < 0 {
				return false
			}
		case OpLess:
			if cmp >= 0 {
				return false
			}
		case OpLessEqual:
			if cmp > 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Sort orders docs in place by order.Field. Documents missing the field
// sort first. Stable, so insertion order breaks ties.
func Sort(docs []Document, order *OrderBy) {
	if order == nil {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		a, aok := docs[i].Fields[order.Field]
		b, bok := docs[j].Fields[order.Field]
		if !aok || !bok {
			less := !aok && bok
			if order.Desc {
				return !less && aok
			}
			return less
		}
		cmp, comparable := compareValues(a, b)
		if !comparable {
			return false
		}
		if order.Desc {
			return cmp > 0
		}
		return cmp < 0
	})
}

// compareValues compares two field values of possibly different concrete
// types. Numbers compare numerically regardless of width (JSON round-trips
// turn ints into float64), strings lexically, bools false<true.
func compareValues(a, b any) (int, bool) {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

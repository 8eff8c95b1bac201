/*
errors.go - Error taxonomy for the stock ledger engine

All failures the engine and the sale coordinator surface are named here or
wrap a sentinel defined here. Sale-specific sentinels (empty sale, sale not
found) live in the sales package and unwrap to these categories where they
fit.

CATEGORIES:
  Not found:    ErrItemNotFound, ErrLogNotFound
  Business:     ErrInsufficientStock (would drive the counter negative)
  Input:        ErrValidation (malformed input, rejected before any write)
  Transient:    docstore.ErrConflictRetryExhausted (commit could not land)
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/tillpoint/stock-engine/docstore"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrItemNotFound is returned when the referenced stock item is missing.
	ErrItemNotFound = errors.New("stock item not found")

	// ErrLogNotFound is returned when the referenced log entry is missing.
	ErrLogNotFound = errors.New("stock log entry not found")

	// ErrInsufficientStock is returned when an operation would drive an
	// item's counter negative. The operation is rejected, state unchanged.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrValidation is returned for malformed input. Nothing was written.
	ErrValidation = errors.New("validation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry context
// =============================================================================

// InsufficientStockError names the failing item and the shortfall.
type InsufficientStockError struct {
	ItemID    string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %s: available %d, requested %d",
		e.ItemID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// ValidationError names the rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound reports whether err indicates a missing item, log, or document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrLogNotFound) ||
		docstore.IsNotFound(err)
}

// IsClientError reports whether err is the caller's fault - retrying the
// same call cannot succeed.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrValidation) ||
		IsNotFound(err)
}

// IsRetryable reports whether the operation may succeed if re-invoked.
func IsRetryable(err error) bool {
	return errors.Is(err, docstore.ErrConflictRetryExhausted)
}

/*
errors.go - Error taxonomy of the allocation and scheduling engine

ERROR CATEGORIES:
  1. ValidationError        - bad input shape, nothing was mutated
  2. AllocationImbalanceError - template does not total 100%, blocks materialization
  3. InvalidScheduleStateError - advance called out of order (integration defect)
  4. NotFoundError          - referenced template/account/profit center/definition missing

Every structured error unwraps to its sentinel so callers can use errors.Is
without caring about the concrete type:

    if errors.Is(err, engine.ErrAllocationImbalance) {
        // skip this definition, fix the template
    }

Nothing in the engine retries. A failed period is retried by the next
driver pass because failures never advance the definition's period key.
*/
package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input. No mutation is performed.
	ErrValidation = errors.New("validation failed")

	// ErrAllocationImbalance is returned when active detail percentages do
	// not sum to exactly 100.
	ErrAllocationImbalance = errors.New("allocation percentages do not total 100")

	// ErrInvalidScheduleState is returned when a scheduler transition is
	// requested from a state that does not allow it.
	ErrInvalidScheduleState = errors.New("invalid schedule state")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentModification is returned when optimistic locking detects
	// that a definition changed underneath a write.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes one rejected input field.
type ValidationError struct {
	Field    string
	DetailID DetailID
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.DetailID != "" {
		return fmt.Sprintf("validation failed: %s (detail %s): %s", e.Field, e.DetailID, e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// AllocationImbalanceError reports the actual total of an unbalanced template.
type AllocationImbalanceError struct {
	TemplateID TemplateID
	Total      decimal.Decimal
}

func (e *AllocationImbalanceError) Error() string {
	if e.TemplateID != "" {
		return fmt.Sprintf("template %s: percentages total %s, expected 100", e.TemplateID, e.Total.String())
	}
	return fmt.Sprintf("percentages total %s, expected 100", e.Total.String())
}

func (e *AllocationImbalanceError) Unwrap() error { return ErrAllocationImbalance }

// InvalidScheduleStateError reports an out-of-order scheduler call.
type InvalidScheduleStateError struct {
	DefinitionID DefinitionID
	State        ScheduleState
	Period       PeriodKey
	Operation    string
}

func (e *InvalidScheduleStateError) Error() string {
	return fmt.Sprintf("%s: definition %s is %s for period %s", e.Operation, e.DefinitionID, e.State, e.Period)
}

func (e *InvalidScheduleStateError) Unwrap() error { return ErrInvalidScheduleState }

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "template", "definition", "account", "profit_center", "invoice"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(kind string, id any) error {
	return &NotFoundError{Kind: kind, ID: fmt.Sprint(id)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input or
// configuration the caller can fix.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrAllocationImbalance)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

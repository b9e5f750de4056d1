/*
errors.go - Centralized error types for the allocation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The service and API layers wrap these with context and map them to
  responses with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Not found - account/purchase/payment missing, or caller lacks access
  2. Validation - bad input, rejected before any store interaction
  3. Consistency - a concurrent writer changed a balance mid-run (retryable)

SEE ALSO:
  - api/handlers.go: HTTP status mapping
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is the root of every "does not exist" error.
	ErrNotFound = errors.New("not found")

	ErrAccountNotFound  = fmt.Errorf("account %w", ErrNotFound)
	ErrPurchaseNotFound = fmt.Errorf("purchase %w", ErrNotFound)
	ErrPaymentNotFound  = fmt.Errorf("payment %w", ErrNotFound)

	// ErrForbidden means the caller may not touch the account. Callers outside
	// the service see it as not found.
	ErrForbidden = fmt.Errorf("access denied: %w", ErrNotFound)

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrConcurrentModification is returned when a balance changed between
	// read and write. The whole run is rolled back and may be retried.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrAlreadyExists is returned when a grant or record is duplicated.
	ErrAlreadyExists = errors.New("already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ConflictError identifies the purchase whose version moved under us.
type ConflictError struct {
	PurchaseID      PurchaseID
	ExpectedVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("purchase %s changed concurrently (expected version %d)",
		e.PurchaseID, e.ExpectedVersion)
}

func (e *ConflictError) Unwrap() error {
	return ErrConcurrentModification
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrAlreadyExists)
}

// IsNotFound returns true if the error indicates a missing or hidden resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

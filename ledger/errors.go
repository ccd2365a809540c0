/*
errors.go - Centralized error types for the ledger package

PURPOSE:
  All error types in one place for consistency and discoverability.
  The API layer maps these onto HTTP statuses and machine-readable codes.

ERROR CATEGORIES:
  1. Validation errors  - Rejected before any write
  2. Not-found errors   - Referenced document absent or soft-deleted
  3. State conflicts    - Operation illegal in the document's current state
  4. Concurrency        - Optimistic-version mismatch, retryable
  5. Storage            - Backing store unreachable

USAGE:
  if errors.Is(err, ledger.ErrPaymentReversed) { ... }

SEE ALSO:
  - synchronizer.go: Produces most of these
  - api/handlers.go: Maps them to HTTP responses
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
	// ErrContractNotFound is returned when a referenced contract does not
	// exist or is soft-deleted.
	ErrContractNotFound = errors.New("contract not found")

	// ErrAccountNotFound is returned when no account has been provisioned
	// for the contract. An account must exist before payments are recorded.
	ErrAccountNotFound = errors.New("account not found")

	// ErrPaymentNotFound is returned when a referenced payment does not exist.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrPaymentReversed is returned when amending a reversed payment.
	// Reversal is terminal; this is a state violation, not a no-op.
	ErrPaymentReversed = errors.New("payment already reversed")

	// ErrAccountExists is returned when provisioning a second account for a
	// contract that already has one.
	ErrAccountExists = errors.New("account already exists for contract")

	// ErrConcurrentModification is returned when an optimistic version check
	// fails during a multi-document write. The whole write is aborted.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrStoreUnavailable is returned when the backing store is unreachable.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports invalid client input. Nothing is written when one
// of these is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ConflictError wraps ErrConcurrentModification with the document that lost
// the race, for logging and diagnostics.
type ConflictError struct {
	Doc string // "payment", "contract", "account"
	ID  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent modification on %s %s", e.Doc, e.ID)
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

// IsNotFound returns true if the error indicates a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrContractNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrPaymentNotFound)
}

// IsValidation returns true for client-input errors.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStateConflict returns true for operations illegal in the document's
// current state.
func IsStateConflict(err error) bool {
	return errors.Is(err, ErrPaymentReversed) || errors.Is(err, ErrAccountExists)
}

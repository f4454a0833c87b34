/*
errors.go - Centralized error types for the entitlement engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify errors with the helpers at the bottom rather than
  matching provider-specific strings.

ERROR CATEGORIES:
  1. Network errors      - Transient, retried with backoff
  2. Auth errors         - Require re-identification, never auto-retried
  3. Billing rejections  - Terminal (cancelled/declined/invalid product),
                           surfaced exactly once to the awaiting caller
  4. Corruption          - Local store unreadable; reads fail closed to
                           tier none and a full remote refetch is queued

USAGE:
  if entitlement.IsRetryable(err) {
      // schedule a retry with backoff
  }

SEE ALSO:
  - billing.go: BillingError carries the provider error code
  - engine.go: Retry/terminal routing
*/
package entitlement

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrSnapshotNotFound is returned when no snapshot exists for a user.
	// Callers treat this as tier none, never as premium.
	ErrSnapshotNotFound = errors.New("entitlement snapshot not found")

	// ErrIntentNotFound is returned when a referenced intent doesn't exist.
	ErrIntentNotFound = errors.New("intent not found")

	// ErrDuplicateIntent is returned by queue writes when the intent ID
	// already exists. Enqueue handles this internally and returns the
	// stored intent instead; other writers treat it as a conflict.
	ErrDuplicateIntent = errors.New("duplicate intent id")

	// ErrIntentNotTerminal is returned when pruning an intent that has
	// not reached a terminal state.
	ErrIntentNotTerminal = errors.New("intent not in terminal state")

	// ErrStillPending is returned by a bounded wait that elapsed before
	// the intent reached a terminal state. It is NOT a failure: the
	// engine keeps retrying in the background.
	ErrStillPending = errors.New("intent still pending")

	// ErrNoActiveUser is returned by commands that require a signed-in
	// identity when none is set.
	ErrNoActiveUser = errors.New("no active user")

	// ErrCorruptStore is returned when the local store cannot be read.
	// Reads fail closed to tier none and trigger a full remote refetch.
	ErrCorruptStore = errors.New("local entitlement store unreadable")

	// ErrServiceClosed is returned by commands after the service has
	// been shut down.
	ErrServiceClosed = errors.New("entitlement service closed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// IntentFailedError reports the terminal failure of a specific intent.
// It propagates exactly once to the caller awaiting that intent and
// never affects the cached entitlement of the same user.
type IntentFailedError struct {
	IntentID IntentID
	Reason   string
}

func (e *IntentFailedError) Error() string {
	return fmt.Sprintf("intent %s failed: %s", e.IntentID, e.Reason)
}

// CorruptionError wraps the underlying store failure.
type CorruptionError struct {
	Op  string
	Err error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("store corruption during %s: %v", e.Op, e.Err)
}

func (e *CorruptionError) Unwrap() error { return ErrCorruptStore }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
// Network timeouts and transient server errors qualify; billing
// rejections and auth failures do not.
func IsRetryable(err error) bool {
	var be *BillingError
	if errors.As(err, &be) {
		return be.Code == BillingNetwork || be.Code == BillingRetryable
	}
	return false
}

// IsTerminal returns true if the error is a final billing rejection
// that must surface to the originating caller and never be retried.
func IsTerminal(err error) bool {
	var be *BillingError
	if errors.As(err, &be) {
		switch be.Code {
		case BillingUserCancelled, BillingInvalidProduct, BillingPaymentDeclined, BillingNoPurchases:
			return true
		}
	}
	var fe *IntentFailedError
	return errors.As(err, &fe)
}

// IsAuthFailure returns true if the error requires re-identification.
func IsAuthFailure(err error) bool {
	var be *BillingError
	if errors.As(err, &be) {
		return be.Code == BillingAuthFailure
	}
	return false
}

// IsNotFound returns true if the error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSnapshotNotFound) ||
		errors.Is(err, ErrIntentNotFound)
}

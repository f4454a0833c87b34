/*
billing.go - Billing provider interface

PURPOSE:
  Defines the boundary to the authoritative remote billing source. The
  reconciliation engine is the only component permitted to call it.
  Concrete implementations adapt a vendor SDK (or the sandbox provider
  under billing/sandbox) to this interface; no vendor wire format leaks
  into this package.

IDEMPOTENCY:
  SubmitPurchase takes the intent ID as idempotency key. The provider
  is expected to deduplicate, so at-least-once submission after crashes
  or reconnects cannot double-charge.

CANCELLATION:
  Provider calls are not safely interruptible mid-flight. The engine
  bounds them with a context deadline; a deadline expiry is reported as
  a retryable network error, not treated as true cancellation.

SEE ALSO:
  - engine.go: Sole caller
  - errors.go: Classification helpers over BillingError
*/
package entitlement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PROVIDER - Authoritative billing source
// =============================================================================

// Provider is the injected billing-provider abstraction. There is no
// ambient SDK singleton: the engine receives an explicit Provider at
// construction.
type Provider interface {
	// FetchEntitlements returns the authoritative entitlement set for a
	// user. Used by the periodic refresh and the corruption recovery
	// path.
	FetchEntitlements(ctx context.Context, userID UserID) (EntitlementSet, error)

	// SubmitPurchase submits a purchase with the given idempotency key.
	// Resubmitting the same key must not double-charge.
	SubmitPurchase(ctx context.Context, productID ProductID, idempotencyKey IntentID) (Receipt, error)

	// RestorePurchases re-links prior purchases for a user and returns
	// the resulting entitlement set.
	RestorePurchases(ctx context.Context, userID UserID) (EntitlementSet, error)
}

// EntitlementSet is the provider's authoritative answer for one user.
type EntitlementSet struct {
	Tier      Tier
	ExpiresAt *time.Time
}

// Receipt confirms a processed purchase.
type Receipt struct {
	Tier      Tier
	ExpiresAt *time.Time
	Amount    decimal.Decimal
	Currency  string
}

// =============================================================================
// BILLING ERRORS
// =============================================================================

// BillingCode classifies provider failures.
type BillingCode string

const (
	BillingNetwork         BillingCode = "network"          // transient connectivity/timeout
	BillingRetryable       BillingCode = "retryable"        // transient server error
	BillingAuthFailure     BillingCode = "auth_failure"     // requires re-identification
	BillingUserCancelled   BillingCode = "user_cancelled"   // terminal
	BillingInvalidProduct  BillingCode = "invalid_product"  // terminal
	BillingPaymentDeclined BillingCode = "payment_declined" // terminal
	BillingNoPurchases     BillingCode = "no_purchases"     // terminal (restore only)
)

// BillingError is the error type all Provider implementations return.
type BillingError struct {
	Code    BillingCode
	Message string
}

func (e *BillingError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("billing: %s", e.Code)
	}
	return fmt.Sprintf("billing: %s: %s", e.Code, e.Message)
}

// NewBillingError builds a BillingError.
func NewBillingError(code BillingCode, message string) *BillingError {
	return &BillingError{Code: code, Message: message}
}

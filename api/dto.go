/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types
  decouple the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data
  carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/entitlement-engine/entitlement"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// EntitlementDTO is the cached entitlement state for one user.
type EntitlementDTO struct {
	UserID         string     `json:"user_id"`
	Tier           string     `json:"tier"`           // stored tier
	EffectiveTier  string     `json:"effective_tier"` // after expiry check
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	LastVerifiedAt *time.Time `json:"last_verified_at,omitempty"`
	Source         string     `json:"source,omitempty"`
	Cached         bool       `json:"cached"` // false = no snapshot, fail-closed default
}

// PurchaseRequest is the body of POST /users/{id}/purchase.
type PurchaseRequest struct {
	ProductID string `json:"product_id"`
}

// IntentDTO represents a queued intent.
type IntentDTO struct {
	ID            string `json:"id"`
	UserID        string `json:"user_id"`
	Kind          string `json:"kind"`
	ProductID     string `json:"product_id,omitempty"`
	CreatedAt     string `json:"created_at"`
	AttemptCount  int    `json:"attempt_count"`
	NextAttemptAt string `json:"next_attempt_at,omitempty"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
	Amount        string `json:"amount,omitempty"`
	Currency      string `json:"currency,omitempty"`
}

// CommandResponse reports the outcome of a purchase/restore command.
// Status "pending" means retries continue in the background; it is not
// an error.
type CommandResponse struct {
	IntentID string `json:"intent_id"`
	Status   string `json:"status"`
	Tier     string `json:"tier,omitempty"`
	Failure  string `json:"failure,omitempty"`
}

// SessionRequest switches the active user.
type SessionRequest struct {
	UserID string `json:"user_id"`
}

// SessionDTO reports the active user.
type SessionDTO struct {
	UserID string `json:"user_id"`
}

// RefreshRequest triggers a remote refresh for one user.
type RefreshRequest struct {
	UserID string `json:"user_id"`
}

// ConnectivityRequest toggles the engine's connectivity signal.
type ConnectivityRequest struct {
	Online bool `json:"online"`
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toIntentDTO(in entitlement.Intent) IntentDTO {
	dto := IntentDTO{
		ID:            string(in.ID),
		UserID:        string(in.UserID),
		Kind:          string(in.Kind),
		ProductID:     string(in.ProductID),
		CreatedAt:     in.CreatedAt.Format(time.RFC3339),
		AttemptCount:  in.AttemptCount,
		Status:        string(in.Status),
		FailureReason: in.FailureReason,
		Currency:      in.Currency,
	}
	if !in.NextAttemptAt.IsZero() {
		dto.NextAttemptAt = in.NextAttemptAt.Format(time.RFC3339)
	}
	if !in.Amount.IsZero() {
		dto.Amount = in.Amount.String()
	}
	return dto
}

func toEntitlementDTO(userID entitlement.UserID, snap entitlement.Snapshot, now time.Time) EntitlementDTO {
	verified := snap.LastVerifiedAt
	return EntitlementDTO{
		UserID:         string(userID),
		Tier:           string(snap.Tier),
		EffectiveTier:  string(snap.EffectiveTier(now)),
		ExpiresAt:      snap.ExpiresAt,
		LastVerifiedAt: &verified,
		Source:         string(snap.Source),
		Cached:         true,
	}
}

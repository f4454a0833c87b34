/*
Package entitlement provides the core entitlement caching and
reconciliation engine.

PURPOSE:
  This package maintains a locally cached view of each user's entitlement
  (subscription tier) that stays correct across connectivity loss, process
  restarts, retries, and cross-device restores. Purchase and restore
  commands become durable intents in a queue; a reconciliation engine
  drains the queue against the authoritative billing provider and updates
  the cache, which the facade republishes to subscribers.

KEY CONCEPTS IN THIS FILE (types.go):
  - Tier: A named entitlement level ("", i.e. none, is the zero value)
  - Snapshot: The cached entitlement state for one user
  - Intent: A durable purchase/restore request awaiting confirmation
  - ChangeEvent: Notification payload emitted on every cache update

DESIGN PRINCIPLES:
  1. Fail closed: missing or unreadable cache data means tier none.
     Premium is never granted on absent data.
  2. Atomic snapshots: a Snapshot is replaced whole or not at all.
     Readers never observe a partially written snapshot.
  3. Stable intent IDs: the intent ID doubles as the idempotency key
     sent to the billing provider, so resubmission after a crash or
     reconnect is deduplicated server-side.
  4. Expiry is a read-time rule: a stored tier past its expiry reads as
     none, regardless of what the row says.

SEE ALSO:
  - store.go: Persistence interfaces for snapshots and intents
  - billing.go: Billing provider interface and error codes
  - engine.go: Reconciliation engine (sole writer of snapshots)
  - service.go: Public facade
*/
package entitlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// UserID is an opaque stable identifier scoping cache and queue rows.
// Set on sign-in, switched (not wiped) on sign-out.
type UserID string

// IntentID is the unique, client-generated identifier of an intent.
// It is also the idempotency key sent to the billing provider.
type IntentID string

// ProductID names a purchasable product as the billing provider knows it.
type ProductID string

// =============================================================================
// TIER - Named entitlement level
// =============================================================================

// Tier is a named entitlement level. The zero value is TierNone.
type Tier string

const (
	TierNone Tier = ""
)

// Rank returns an ordering value for tier comparison. TierNone ranks
// lowest; any named tier ranks above it. Named tiers are not ordered
// against each other here because the authoritative ordering lives with
// the billing provider's catalog, which is out of scope.
func (t Tier) Rank() int {
	if t == TierNone {
		return 0
	}
	return 1
}

// IsNone reports whether the tier grants nothing.
func (t Tier) IsNone() bool { return t == TierNone }

// =============================================================================
// SNAPSHOT - Cached entitlement state for one user
// =============================================================================

// Source records where a snapshot came from.
type Source string

const (
	SourcePurchase Source = "purchase"
	SourceRestore  Source = "restore"
	SourceRefresh  Source = "refresh"
)

// Snapshot is the cached entitlement state for one user. At most one
// current snapshot exists per user. Snapshots are created on first
// successful fetch, replaced atomically by the reconciliation engine,
// and removed on invalidate (sign-out purge, refund, fraud signal).
type Snapshot struct {
	UserID         UserID
	Tier           Tier
	ExpiresAt      *time.Time // nil = no expiry known
	LastVerifiedAt time.Time  // last successful provider confirmation
	Source         Source
}

// EffectiveTier returns the tier this snapshot grants at the given time.
// An expiry in the past forces TierNone even though the stored tier is
// non-none.
func (s Snapshot) EffectiveTier(now time.Time) Tier {
	if s.ExpiresAt != nil && s.ExpiresAt.Before(now) {
		return TierNone
	}
	return s.Tier
}

// Expired reports whether the snapshot's expiry has passed.
func (s Snapshot) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

// =============================================================================
// INTENT - Durable purchase/restore request
// =============================================================================

// IntentKind distinguishes purchase from restore intents.
type IntentKind string

const (
	KindPurchase IntentKind = "purchase"
	KindRestore  IntentKind = "restore"
)

// IntentStatus is the lifecycle state of an intent.
// Transitions: pending -> inFlight -> {succeeded | pending (retry) | failed}.
// An intent left inFlight across a crash resets to pending on reload.
type IntentStatus string

const (
	StatusPending   IntentStatus = "pending"
	StatusInFlight  IntentStatus = "in_flight"
	StatusSucceeded IntentStatus = "succeeded"
	StatusFailed    IntentStatus = "failed"
)

// Terminal reports whether the status is final.
func (s IntentStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Intent is a client-originated purchase or restore request awaiting
// billing-provider confirmation. Created by the facade, mutated only by
// the reconciliation engine, pruned after its terminal state has been
// observed once by the caller.
type Intent struct {
	ID        IntentID
	UserID    UserID
	Kind      IntentKind
	ProductID ProductID // purchase only; empty for restore

	CreatedAt     time.Time
	AttemptCount  int
	NextAttemptAt time.Time // zero = eligible immediately

	Status        IntentStatus
	FailureReason string // set when Status == StatusFailed

	// Amount charged, recorded from the receipt on success. Zero for
	// restores and for intents that never completed.
	Amount   decimal.Decimal
	Currency string
}

// Eligible reports whether the intent may be submitted at the given time
// (pending, and any scheduled retry backoff has elapsed).
func (i Intent) Eligible(now time.Time) bool {
	return i.Status == StatusPending && !i.NextAttemptAt.After(now)
}

// =============================================================================
// CHANGE EVENT - Notification payload for cache updates
// =============================================================================

// Cause records what triggered an entitlement change.
type Cause string

const (
	CausePurchase      Cause = "purchase"
	CauseRestore       Cause = "restore"
	CauseExpiry        Cause = "expiry"
	CauseRemoteRefresh Cause = "remote_refresh"
)

// ChangeEvent is delivered to subscribers on every snapshot update.
type ChangeEvent struct {
	UserID       UserID
	PreviousTier Tier
	NewTier      Tier
	ChangedAt    time.Time
	Cause        Cause
}

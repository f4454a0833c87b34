/*
store.go - Persistence interfaces for snapshots and intents

PURPOSE:
  Defines the interface between the engine and durable storage. Both
  stores must survive process restart: the snapshot cache so gating
  works offline, the intent queue so offline purchase attempts are
  never lost. Different implementations can use SQLite or in-memory
  storage.

KEY INTERFACES:
  SnapshotStore: Current entitlement per user (replace-or-insert)
  IntentQueue:   Durable FIFO queue of purchase/restore intents

OWNERSHIP:
  The durable store is owned exclusively by this subsystem. Snapshots
  are written only by the reconciliation engine; intents are created by
  the facade and mutated only by the engine. No other component writes
  to either table directly.

ATOMIC REPLACE:
  Put replaces the user's snapshot whole. Readers concurrent with Put
  observe either the old snapshot or the new one, never a mix.

CRASH RECOVERY:
  Any intent left in_flight across a crash must read back as pending
  (at-least-once delivery; the provider deduplicates via the intent ID).
  SQLite does this with an UPDATE on open; the memory store is
  process-lifetime only so the question doesn't arise.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - entitlement/store/memory.go: In-memory for testing

SEE ALSO:
  - engine.go: Drains the queue, writes snapshots
  - service.go: Creates intents, reads snapshots
*/
package entitlement

import (
	"context"
	"time"
)

// =============================================================================
// SNAPSHOT STORE - Current entitlement per user
// =============================================================================

// SnapshotStore persists at most one snapshot per user.
type SnapshotStore interface {
	// GetSnapshot returns the current snapshot for a user.
	// Returns ErrSnapshotNotFound when none exists; callers treat that
	// as tier none. Never blocks on the network.
	GetSnapshot(ctx context.Context, userID UserID) (Snapshot, error)

	// PutSnapshot atomically replaces-or-inserts the user's snapshot.
	PutSnapshot(ctx context.Context, snap Snapshot) error

	// InvalidateSnapshot removes the user's snapshot. Used on refund,
	// fraud signal, or an explicit purge. Missing rows are not an error.
	InvalidateSnapshot(ctx context.Context, userID UserID) error

	// ListSnapshotUsers returns every user with a cached snapshot.
	// Used by the periodic refresh sweep.
	ListSnapshotUsers(ctx context.Context) ([]UserID, error)
}

// =============================================================================
// INTENT QUEUE - Durable FIFO of purchase/restore intents
// =============================================================================

// IntentQueue persists intents until their terminal state has been
// observed. FIFO is by CreatedAt within a user; purchase and restore
// intents interleave with no special ordering.
type IntentQueue interface {
	// Enqueue persists an intent. Idempotent: a duplicate intent ID
	// returns the stored intent unchanged rather than erroring.
	Enqueue(ctx context.Context, intent Intent) (Intent, error)

	// NextPending returns the oldest pending intent for a user by
	// CreatedAt, regardless of its backoff schedule. The engine decides
	// whether the intent is eligible yet. Returns ErrIntentNotFound
	// when the user has no pending intents.
	NextPending(ctx context.Context, userID UserID) (Intent, error)

	// MarkInFlight transitions pending -> in_flight.
	MarkInFlight(ctx context.Context, intentID IntentID) error

	// MarkSucceeded records the terminal success and the charged amount
	// from the receipt.
	MarkSucceeded(ctx context.Context, intentID IntentID, receipt Receipt) error

	// MarkFailed records a terminal failure with its reason.
	MarkFailed(ctx context.Context, intentID IntentID, reason string) error

	// MarkRetry returns the intent to pending with an incremented
	// attempt count and the next eligible submission time.
	MarkRetry(ctx context.Context, intentID IntentID, nextAttemptAt time.Time) error

	// GetIntent returns an intent by ID.
	GetIntent(ctx context.Context, intentID IntentID) (Intent, error)

	// ListIntents returns all intents for a user, oldest first.
	ListIntents(ctx context.Context, userID UserID) ([]Intent, error)

	// UsersWithPending returns users that currently have pending
	// intents. Used to resume drains after restart or reconnect.
	UsersWithPending(ctx context.Context) ([]UserID, error)

	// Prune removes a terminal intent. Called after the terminal state
	// has been observed once. Pruning a non-terminal intent is an error.
	Prune(ctx context.Context, intentID IntentID) error

	// PruneTerminal removes terminal intents older than the cutoff.
	// Safety net for callers that never observe their result.
	PruneTerminal(ctx context.Context, olderThan time.Time) (int, error)
}

// Store combines both interfaces; the SQLite and memory backends
// implement it with a single type.
type Store interface {
	SnapshotStore
	IntentQueue
}

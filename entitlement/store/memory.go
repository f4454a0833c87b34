// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/entitlement-engine/entitlement"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	snapshots map[entitlement.UserID]entitlement.Snapshot
	intents   map[entitlement.IntentID]entitlement.Intent
}

func NewMemory() *Memory {
	return &Memory{
		snapshots: make(map[entitlement.UserID]entitlement.Snapshot),
		intents:   make(map[entitlement.IntentID]entitlement.Intent),
	}
}

// =============================================================================
// SNAPSHOT STORE
// =============================================================================

func (m *Memory) GetSnapshot(_ context.Context, userID entitlement.UserID) (entitlement.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snapshots[userID]
	if !ok {
		return entitlement.Snapshot{}, entitlement.ErrSnapshotNotFound
	}
	return snap, nil
}

// PutSnapshot replaces-or-inserts whole. The map assignment under the
// write lock gives readers old-or-new, never a mix.
func (m *Memory) PutSnapshot(_ context.Context, snap entitlement.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.UserID] = snap
	return nil
}

func (m *Memory) InvalidateSnapshot(_ context.Context, userID entitlement.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, userID)
	return nil
}

func (m *Memory) ListSnapshotUsers(_ context.Context) ([]entitlement.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]entitlement.UserID, 0, len(m.snapshots))
	for id := range m.snapshots {
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

// =============================================================================
// INTENT QUEUE
// =============================================================================

func (m *Memory) Enqueue(_ context.Context, intent entitlement.Intent) (entitlement.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.intents[intent.ID]; ok {
		return existing, nil
	}
	m.intents[intent.ID] = intent
	return intent, nil
}

func (m *Memory) NextPending(_ context.Context, userID entitlement.UserID) (entitlement.Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best entitlement.Intent
	found := false
	for _, in := range m.intents {
		if in.UserID != userID || in.Status != entitlement.StatusPending {
			continue
		}
		if !found || in.CreatedAt.Before(best.CreatedAt) {
			best = in
			found = true
		}
	}
	if !found {
		return entitlement.Intent{}, entitlement.ErrIntentNotFound
	}
	return best, nil
}

func (m *Memory) MarkInFlight(_ context.Context, intentID entitlement.IntentID) error {
	return m.update(intentID, func(in *entitlement.Intent) {
		in.Status = entitlement.StatusInFlight
	})
}

func (m *Memory) MarkSucceeded(_ context.Context, intentID entitlement.IntentID, receipt entitlement.Receipt) error {
	return m.update(intentID, func(in *entitlement.Intent) {
		in.Status = entitlement.StatusSucceeded
		in.Amount = receipt.Amount
		in.Currency = receipt.Currency
	})
}

func (m *Memory) MarkFailed(_ context.Context, intentID entitlement.IntentID, reason string) error {
	return m.update(intentID, func(in *entitlement.Intent) {
		in.Status = entitlement.StatusFailed
		in.FailureReason = reason
	})
}

func (m *Memory) MarkRetry(_ context.Context, intentID entitlement.IntentID, nextAttemptAt time.Time) error {
	return m.update(intentID, func(in *entitlement.Intent) {
		in.Status = entitlement.StatusPending
		in.AttemptCount++
		in.NextAttemptAt = nextAttemptAt
	})
}

func (m *Memory) GetIntent(_ context.Context, intentID entitlement.IntentID) (entitlement.Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	in, ok := m.intents[intentID]
	if !ok {
		return entitlement.Intent{}, entitlement.ErrIntentNotFound
	}
	return in, nil
}

func (m *Memory) ListIntents(_ context.Context, userID entitlement.UserID) ([]entitlement.Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []entitlement.Intent
	for _, in := range m.intents {
		if in.UserID == userID {
			result = append(result, in)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *Memory) UsersWithPending(_ context.Context) ([]entitlement.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[entitlement.UserID]bool)
	var users []entitlement.UserID
	for _, in := range m.intents {
		if in.Status == entitlement.StatusPending && !seen[in.UserID] {
			seen[in.UserID] = true
			users = append(users, in.UserID)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

func (m *Memory) Prune(_ context.Context, intentID entitlement.IntentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.intents[intentID]
	if !ok {
		return entitlement.ErrIntentNotFound
	}
	if !in.Status.Terminal() {
		return entitlement.ErrIntentNotTerminal
	}
	delete(m.intents, intentID)
	return nil
}

func (m *Memory) PruneTerminal(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, in := range m.intents {
		if in.Status.Terminal() && in.CreatedAt.Before(olderThan) {
			delete(m.intents, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) update(intentID entitlement.IntentID, fn func(*entitlement.Intent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.intents[intentID]
	if !ok {
		return entitlement.ErrIntentNotFound
	}
	fn(&in)
	m.intents[intentID] = in
	return nil
}

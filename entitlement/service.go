/*
service.go - Public entitlement facade

PURPOSE:
  The only surface application code talks to. Composes the snapshot
  store, intent queue, and reconciliation engine into a small API:
  synchronous cache-only queries, asynchronous purchase/restore
  commands, push notifications on entitlement changes, and active-user
  session switching.

GATING CONTRACT:
  "Run this only if entitled" is a synchronous predicate (QueryState)
  plus an explicit, separately invoked escalation path (Purchase). No
  paywall side effect hides inside a predicate check.

COMMANDS:
  Purchase/Restore durably enqueue an intent, kick the engine, and
  return a Handle. Handle.Wait blocks until the intent reaches a
  terminal state or a bounded wait elapses. The bounded wait resolving
  as ErrStillPending is NOT a failure: background retry continues and
  the eventual result arrives via the subscription.

NOTIFICATIONS:
  Every snapshot write emits a ChangeEvent. Each subscriber gets its own
  delivery goroutine, so the engine makes no assumption about what
  context the callback runs on and a slow subscriber cannot stall
  reconciliation. Events are emitted only for the active user; switching
  users stops emission for the previous one.

SEE ALSO:
  - engine.go: Does the actual provider work
  - store.go: Persistence interfaces
*/
package entitlement

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// ServiceConfig tunes the facade.
type ServiceConfig struct {
	// CommandWait bounds Handle.Wait. Zero means 15s.
	CommandWait time.Duration
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.CommandWait == 0 {
		c.CommandWait = 15 * time.Second
	}
	return c
}

// =============================================================================
// SERVICE
// =============================================================================

// Service is the public entitlement facade.
type Service struct {
	snapshots SnapshotStore
	queue     IntentQueue
	engine    *Engine
	cfg       ServiceConfig
	now       func() time.Time

	mu          sync.Mutex
	active      UserID
	subs        map[int]chan ChangeEvent
	nextSub     int
	sessionHook func(UserID)
	closed      bool
}

// NewService wires the facade to its collaborators and installs itself
// as the engine's notification sink.
func NewService(snapshots SnapshotStore, queue IntentQueue, engine *Engine, cfg ServiceConfig) *Service {
	s := &Service{
		snapshots: snapshots,
		queue:     queue,
		engine:    engine,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		subs:      make(map[int]chan ChangeEvent),
	}
	engine.SetNotifier(s.dispatch)
	return s
}

// SetClock overrides the time source (tests).
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetSessionHook installs a callback invoked on every active-scope
// change: the user ID on sign-in, "" on sign-out. Providers that carry
// account context (the sandbox's SetAccount, a vendor SDK's login) hook
// in here so purchases are credited to the signed-in account.
func (s *Service) SetSessionHook(fn func(UserID)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionHook = fn
}

// Close stops notification delivery. The engine is stopped separately.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

// =============================================================================
// QUERIES - Cache-only, never block on the network
// =============================================================================

// QueryState returns the user's effective tier from the local cache.
// Absent data means TierNone (fail closed: premium is never granted on
// missing data). An unreadable store also reads as TierNone and queues
// a full remote refetch.
func (s *Service) QueryState(ctx context.Context, userID UserID) Tier {
	snap, err := s.snapshots.GetSnapshot(ctx, userID)
	if errors.Is(err, ErrSnapshotNotFound) {
		return TierNone
	}
	if err != nil {
		log.Printf("[Service] Corrupt read for %s, refetching: %v", userID, err)
		go func() {
			if rerr := s.engine.Refresh(context.Background(), userID); rerr != nil {
				log.Printf("[Service] Recovery refetch for %s: %v", userID, rerr)
			}
		}()
		return TierNone
	}
	return snap.EffectiveTier(s.now())
}

// State returns the full cached snapshot, including LastVerifiedAt so
// callers can judge staleness. Returns ErrSnapshotNotFound when the
// user has no cached entitlement.
func (s *Service) State(ctx context.Context, userID UserID) (Snapshot, error) {
	return s.snapshots.GetSnapshot(ctx, userID)
}

// Intents returns the user's queued intents, oldest first.
func (s *Service) Intents(ctx context.Context, userID UserID) ([]Intent, error) {
	return s.queue.ListIntents(ctx, userID)
}

// Intent returns one intent by ID.
func (s *Service) Intent(ctx context.Context, intentID IntentID) (Intent, error) {
	return s.queue.GetIntent(ctx, intentID)
}

// =============================================================================
// COMMANDS - Durable enqueue, then kick the engine
// =============================================================================

// Purchase enqueues a purchase intent for the product and triggers
// reconciliation. The returned Handle resolves when the intent reaches
// a terminal state or the bounded wait elapses.
func (s *Service) Purchase(ctx context.Context, userID UserID, productID ProductID) (*Handle, error) {
	return s.PurchaseWithKey(ctx, userID, productID, IntentID(uuid.NewString()))
}

// PurchaseWithKey is Purchase with a caller-supplied intent ID, for
// callers that carry their own idempotency key across process restarts.
// A duplicate key returns a handle on the existing intent.
func (s *Service) PurchaseWithKey(ctx context.Context, userID UserID, productID ProductID, key IntentID) (*Handle, error) {
	return s.enqueue(ctx, Intent{
		ID:        key,
		UserID:    userID,
		Kind:      KindPurchase,
		ProductID: productID,
		CreatedAt: s.now(),
		Status:    StatusPending,
	})
}

// Restore enqueues a restore intent (re-link prior purchases on this
// device) with the same handle contract as Purchase.
func (s *Service) Restore(ctx context.Context, userID UserID) (*Handle, error) {
	return s.enqueue(ctx, Intent{
		ID:        IntentID(uuid.NewString()),
		UserID:    userID,
		Kind:      KindRestore,
		CreatedAt: s.now(),
		Status:    StatusPending,
	})
}

func (s *Service) enqueue(ctx context.Context, intent Intent) (*Handle, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrServiceClosed
	}
	if intent.UserID == "" {
		return nil, ErrNoActiveUser
	}

	stored, err := s.queue.Enqueue(ctx, intent)
	if err != nil {
		return nil, err
	}

	results := s.engine.Watch(ctx, stored.ID)
	s.engine.Trigger(stored.UserID)

	return &Handle{
		IntentID: stored.ID,
		queue:    s.queue,
		results:  results,
		wait:     s.cfg.CommandWait,
	}, nil
}

// =============================================================================
// HANDLE - Await a specific intent
// =============================================================================

// Handle tracks one enqueued intent.
type Handle struct {
	IntentID IntentID

	queue   IntentQueue
	results <-chan IntentResult
	wait    time.Duration
}

// Wait blocks until the intent reaches a terminal state or the bounded
// wait elapses. A timeout returns ErrStillPending, which means
// "pending, retries continue" and must not be rendered as an error to
// the user. A terminal result is observed here exactly once; the intent
// row is pruned after observation.
func (h *Handle) Wait(ctx context.Context) (IntentResult, error) {
	timer := time.NewTimer(h.wait)
	defer timer.Stop()

	select {
	case res := <-h.results:
		// Terminal state observed; the durable row has served its
		// purpose.
		if err := h.queue.Prune(context.Background(), h.IntentID); err != nil && !IsNotFound(err) {
			log.Printf("[Service] Prune %s: %v", h.IntentID, err)
		}
		if res.Err != nil {
			return res, res.Err
		}
		return res, nil
	case <-timer.C:
		return IntentResult{IntentID: h.IntentID, Status: StatusPending}, ErrStillPending
	case <-ctx.Done():
		return IntentResult{IntentID: h.IntentID, Status: StatusPending}, ErrStillPending
	}
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// Subscribe registers a callback for every entitlement change of the
// active user. The callback runs on a dedicated goroutine owned by the
// subscription; events arrive in store order. The returned function
// cancels the subscription.
func (s *Service) Subscribe(fn func(ChangeEvent)) (cancel func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	id := s.nextSub
	s.nextSub++
	ch := make(chan ChangeEvent, 16)
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		for ev := range ch {
			fn(ev)
		}
	}()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}
}

// dispatch fans an engine event out to subscribers. Only events for the
// active user are emitted; a full subscriber buffer drops the oldest
// event rather than blocking the engine.
func (s *Service) dispatch(ev ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || ev.UserID != s.active {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Buffer full: drop the oldest event, keep the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// =============================================================================
// SESSION
// =============================================================================

// OnSignIn switches the active scope to the given user, resumes any of
// their queued work, and refreshes their entitlement in the background.
// Other users' cached entitlements are untouched.
func (s *Service) OnSignIn(userID UserID) {
	s.mu.Lock()
	s.active = userID
	hook := s.sessionHook
	s.mu.Unlock()

	if hook != nil {
		hook(userID)
	}
	s.engine.Trigger(userID)
	go func() {
		if err := s.engine.Refresh(context.Background(), userID); err != nil {
			log.Printf("[Service] Sign-in refresh for %s: %v", userID, err)
		}
	}()
}

// OnSignOut clears the active scope. Cached entitlement and queued
// intents for the previous user are kept (switched, not wiped);
// notifications for that user stop.
func (s *Service) OnSignOut() {
	s.mu.Lock()
	s.active = ""
	hook := s.sessionHook
	s.mu.Unlock()

	if hook != nil {
		hook("")
	}
}

// ActiveUser returns the currently signed-in identity, or "".
func (s *Service) ActiveUser() UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

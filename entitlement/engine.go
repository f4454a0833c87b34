/*
engine.go - Reconciliation engine

PURPOSE:
  The sole component permitted to call the billing provider. Drains the
  durable intent queue per user, applies backoff on transient failures,
  refreshes cached entitlements periodically, and pushes every cache
  update through a single store-then-notify path.

PER-USER STATE MACHINE:
  Idle -> Draining   on: connectivity restored, foreground/sign-in kick,
                     explicit restore request, periodic timer
  Draining           repeatedly submits the oldest eligible pending
                     intent with its ID as idempotency key
  Draining -> Idle   queue empty, or next retry's backoff not elapsed
                     (a wake timer fires at the earlier of the scheduled
                     retry or a new trigger)

  Exactly one draining cycle per user runs at a time; triggers that
  arrive mid-cycle coalesce into one rerun.

FAILURE SEMANTICS:
  - Retryable (network timeout, transient server error): attempt count
    incremented, intent requeued pending with doubling capped jitter
    backoff. Invisible to callers.
  - Terminal (user cancelled, invalid product, payment declined, no
    purchases found): intent marked failed, surfaced exactly once to
    the watcher of that intent. The cached snapshot is never touched:
    a failed new purchase cannot revoke existing premium access.
  - Provider calls are not interruptible mid-flight; a context deadline
    expiry is classified as a retryable network failure.

BACKGROUND REFRESH:
  Independent of the queue, a periodic sweep re-fetches entitlements for
  every cached user to observe server-side expiry/cancellation/refund.
  Skipped fetches while offline are tolerated; updates follow the same
  store-then-notify path. The sweep also resumes drains for users with
  pending intents and prunes old terminal intents.

SEE ALSO:
  - backoff.go: Retry schedule
  - service.go: Registers watchers, forwards notifications
*/
package entitlement

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// EngineConfig tunes the reconciliation engine. Zero fields fall back
// to the defaults below.
type EngineConfig struct {
	Backoff              Backoff
	CallTimeout          time.Duration // per billing-provider call
	RefreshInterval      time.Duration // background refresh sweep period
	ConnectivityDebounce time.Duration // quiet period after a connectivity flap
	PruneAfter           time.Duration // age at which terminal intents are swept
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.Backoff.Base == 0 {
		c.Backoff = DefaultBackoff()
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 1 * time.Hour
	}
	if c.ConnectivityDebounce == 0 {
		c.ConnectivityDebounce = 2 * time.Second
	}
	if c.PruneAfter == 0 {
		c.PruneAfter = 24 * time.Hour
	}
	return c
}

// IntentResult is delivered to watchers when an intent reaches a
// terminal state.
type IntentResult struct {
	IntentID IntentID
	Status   IntentStatus
	Tier     Tier  // effective tier after a successful intent
	Err      error // *IntentFailedError on terminal failure
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine reconciles the local cache and intent queue against the
// billing provider.
type Engine struct {
	snapshots SnapshotStore
	queue     IntentQueue
	provider  Provider
	cfg       EngineConfig

	now func() time.Time

	mu       sync.Mutex
	users    map[UserID]*userState
	watchers map[IntentID][]chan IntentResult
	notify   func(ChangeEvent)
	online   bool

	connTimer *time.Timer

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// userState serializes all mutation for one user. The run mutex is the
// per-user lock: drains and refreshes both take it, so snapshot and
// queue writes for a user never interleave.
type userState struct {
	run      sync.Mutex
	draining bool
	rerun    bool
	wake     *time.Timer
}

// NewEngine creates a reconciliation engine. The provider is injected
// explicitly; the engine holds no ambient SDK state.
func NewEngine(snapshots SnapshotStore, queue IntentQueue, provider Provider, cfg EngineConfig) *Engine {
	return &Engine{
		snapshots: snapshots,
		queue:     queue,
		provider:  provider,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		users:     make(map[UserID]*userState),
		watchers:  make(map[IntentID][]chan IntentResult),
		online:    true,
		stop:      make(chan struct{}),
	}
}

// SetNotifier installs the callback invoked after every snapshot write.
// Must be called before Start; the service owns fan-out to subscribers.
func (e *Engine) SetNotifier(fn func(ChangeEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notify = fn
}

// SetClock overrides the time source (tests).
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// =============================================================================
// LIFECYCLE - Background refresh loop (scheduler)
// =============================================================================

// Start launches the background refresh loop and resumes any drains
// left over from a previous process (intents recovered from the durable
// queue).
func (e *Engine) Start() {
	e.mu.Lock()
	e.ticker = time.NewTicker(e.cfg.RefreshInterval)
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run()

	// Resume queued work from before the restart.
	e.TriggerAll(context.Background())

	log.Printf("[Engine] Started with refresh interval: %v", e.cfg.RefreshInterval)
}

// Stop halts the refresh loop and waits for in-progress drains.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.ticker != nil {
		e.ticker.Stop()
	}
	if e.connTimer != nil {
		e.connTimer.Stop()
	}
	for _, st := range e.users {
		if st.wake != nil {
			st.wake.Stop()
		}
	}
	close(e.stop)
	e.mu.Unlock()

	e.wg.Wait()
	log.Println("[Engine] Stopped")
}

func (e *Engine) run() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ticker.C:
			e.sweep()
		case <-e.stop:
			return
		}
	}
}

// sweep is one background refresh cycle: re-fetch entitlements for
// every cached user, resume drains for users with pending intents, and
// prune old terminal intents.
func (e *Engine) sweep() {
	ctx := context.Background()

	users, err := e.snapshots.ListSnapshotUsers(ctx)
	if err != nil {
		log.Printf("[Engine] Refresh sweep: listing users: %v", err)
	}
	for _, u := range users {
		if err := e.Refresh(ctx, u); err != nil && !IsRetryable(err) {
			log.Printf("[Engine] Refresh %s: %v", u, err)
		}
	}

	e.TriggerAll(ctx)

	if n, err := e.queue.PruneTerminal(ctx, e.now().Add(-e.cfg.PruneAfter)); err != nil {
		log.Printf("[Engine] Prune: %v", err)
	} else if n > 0 {
		log.Printf("[Engine] Pruned %d terminal intents", n)
	}
}

// =============================================================================
// TRIGGERS
// =============================================================================

// Trigger starts a draining cycle for a user, or coalesces into the one
// already running.
func (e *Engine) Trigger(userID UserID) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	st := e.userState(userID)
	if st.draining {
		st.rerun = true
		e.mu.Unlock()
		return
	}
	st.draining = true
	e.wg.Add(1)
	e.mu.Unlock()

	go e.drainLoop(userID, st)
}

// TriggerAll starts drains for every user with pending intents.
func (e *Engine) TriggerAll(ctx context.Context) {
	users, err := e.queue.UsersWithPending(ctx)
	if err != nil {
		log.Printf("[Engine] Listing pending users: %v", err)
		return
	}
	for _, u := range users {
		e.Trigger(u)
	}
}

// SetConnectivity records a connectivity change. Restored connectivity
// triggers drains for all users with pending work, debounced so a
// flapping link doesn't cause reconciliation storms.
func (e *Engine) SetConnectivity(online bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	wasOnline := e.online
	e.online = online
	if e.connTimer != nil {
		e.connTimer.Stop()
		e.connTimer = nil
	}
	if !online || wasOnline {
		return
	}
	e.connTimer = time.AfterFunc(e.cfg.ConnectivityDebounce, func() {
		e.TriggerAll(context.Background())
	})
}

// Watch registers for the terminal result of an intent. The channel
// receives exactly one result. An intent already terminal resolves
// immediately.
func (e *Engine) Watch(ctx context.Context, intentID IntentID) <-chan IntentResult {
	ch := make(chan IntentResult, 1)

	e.mu.Lock()
	e.watchers[intentID] = append(e.watchers[intentID], ch)
	e.mu.Unlock()

	// Re-check after registering so a result that landed in between is
	// not missed. Resolving under the user's run lock waits out a submit
	// caught between the terminal mark and the snapshot write, so a
	// succeeded result always carries the new tier. resolve drains the
	// watcher list, so double delivery cannot happen.
	if in, err := e.queue.GetIntent(ctx, intentID); err == nil && in.Status.Terminal() {
		st := e.lockedUserState(in.UserID)
		st.run.Lock()
		e.resolve(ctx, intentID)
		st.run.Unlock()
	}
	return ch
}

// =============================================================================
// DRAINING
// =============================================================================

func (e *Engine) drainLoop(userID UserID, st *userState) {
	defer e.wg.Done()

	for {
		st.run.Lock()
		e.drainOnce(context.Background(), userID, st)
		st.run.Unlock()

		e.mu.Lock()
		if st.rerun && !e.closed {
			st.rerun = false
			e.mu.Unlock()
			continue
		}
		st.draining = false
		e.mu.Unlock()
		return
	}
}

// drainOnce processes pending intents until the queue is empty, the
// next intent's backoff has not elapsed, or the engine believes it is
// offline. Caller holds the per-user run lock.
func (e *Engine) drainOnce(ctx context.Context, userID UserID, st *userState) {
	for {
		e.mu.Lock()
		online, closed := e.online, e.closed
		e.mu.Unlock()
		if closed || !online {
			return
		}

		intent, err := e.queue.NextPending(ctx, userID)
		if errors.Is(err, ErrIntentNotFound) {
			return
		}
		if err != nil {
			log.Printf("[Engine] Dequeue for %s: %v", userID, err)
			return
		}

		now := e.now()
		if !intent.Eligible(now) {
			e.scheduleWake(userID, st, intent.NextAttemptAt.Sub(now))
			return
		}

		if err := e.queue.MarkInFlight(ctx, intent.ID); err != nil {
			log.Printf("[Engine] MarkInFlight %s: %v", intent.ID, err)
			return
		}

		e.submit(ctx, intent)
	}
}

// scheduleWake arms a timer that re-triggers the drain when the next
// retry becomes eligible. A later trigger supersedes it harmlessly.
func (e *Engine) scheduleWake(userID UserID, st *userState, after time.Duration) {
	if after < 0 {
		after = 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if st.wake != nil {
		st.wake.Stop()
	}
	st.wake = time.AfterFunc(after, func() { e.Trigger(userID) })
}

// submit sends one in-flight intent to the provider and routes the
// outcome. Caller holds the per-user run lock.
func (e *Engine) submit(ctx context.Context, intent Intent) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	var (
		set EntitlementSet
		rec Receipt
		err error
	)
	switch intent.Kind {
	case KindPurchase:
		rec, err = e.provider.SubmitPurchase(callCtx, intent.ProductID, intent.ID)
		set = EntitlementSet{Tier: rec.Tier, ExpiresAt: rec.ExpiresAt}
	case KindRestore:
		set, err = e.provider.RestorePurchases(callCtx, intent.UserID)
	default:
		err = NewBillingError(BillingInvalidProduct, "unknown intent kind")
	}

	if err == nil {
		if qerr := e.queue.MarkSucceeded(ctx, intent.ID, rec); qerr != nil {
			log.Printf("[Engine] MarkSucceeded %s: %v", intent.ID, qerr)
		}
		cause, source := CausePurchase, SourcePurchase
		if intent.Kind == KindRestore {
			cause, source = CauseRestore, SourceRestore
		}
		e.applySnapshot(ctx, intent.UserID, set, cause, source)
		e.resolve(ctx, intent.ID)
		return
	}

	err = classifyBillingErr(callCtx, err)

	if IsTerminal(err) {
		var be *BillingError
		reason := err.Error()
		if errors.As(err, &be) {
			reason = string(be.Code)
		}
		if qerr := e.queue.MarkFailed(ctx, intent.ID, reason); qerr != nil {
			log.Printf("[Engine] MarkFailed %s: %v", intent.ID, qerr)
		}
		// The cached snapshot is deliberately untouched: a rejected new
		// intent never downgrades existing access.
		e.resolve(ctx, intent.ID)
		return
	}

	// Retryable (or unclassified, which we treat as retryable: the
	// provider deduplicates on intent ID so resubmission is safe).
	next := e.cfg.Backoff.NextAttemptAt(e.now(), intent.AttemptCount+1)
	if qerr := e.queue.MarkRetry(ctx, intent.ID, next); qerr != nil {
		log.Printf("[Engine] MarkRetry %s: %v", intent.ID, qerr)
		return
	}
	log.Printf("[Engine] Intent %s attempt %d failed (%v), retry at %s",
		intent.ID, intent.AttemptCount+1, err, next.Format(time.RFC3339))
}

// classifyBillingErr normalizes non-BillingError failures. A deadline
// expiry means the call may still have landed; the idempotency key
// makes resubmission safe, so it becomes a retryable network error.
func classifyBillingErr(ctx context.Context, err error) error {
	var be *BillingError
	if errors.As(err, &be) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return NewBillingError(BillingNetwork, "call timed out")
	}
	return NewBillingError(BillingRetryable, err.Error())
}

// =============================================================================
// REFRESH & SNAPSHOT WRITES
// =============================================================================

// Refresh re-fetches the authoritative entitlement set for one user and
// applies it. Safe to call while offline: fetch failures are returned
// but leave the cache untouched.
func (e *Engine) Refresh(ctx context.Context, userID UserID) error {
	st := e.lockedUserState(userID)
	st.run.Lock()
	defer st.run.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	set, err := e.provider.FetchEntitlements(callCtx, userID)
	if err != nil {
		return classifyBillingErr(callCtx, err)
	}

	e.applySnapshot(ctx, userID, set, CauseRemoteRefresh, SourceRefresh)
	return nil
}

// Invalidate removes a user's snapshot (refund/fraud signal) and
// notifies subscribers of the downgrade.
func (e *Engine) Invalidate(ctx context.Context, userID UserID) error {
	st := e.lockedUserState(userID)
	st.run.Lock()
	defer st.run.Unlock()

	prev := e.previousTier(ctx, userID)
	if err := e.snapshots.InvalidateSnapshot(ctx, userID); err != nil {
		return err
	}
	e.emit(ChangeEvent{
		UserID:       userID,
		PreviousTier: prev,
		NewTier:      TierNone,
		ChangedAt:    e.now(),
		Cause:        CauseRemoteRefresh,
	})
	return nil
}

// applySnapshot is the single store-then-notify path. Every cache write
// in the system funnels through here.
func (e *Engine) applySnapshot(ctx context.Context, userID UserID, set EntitlementSet, cause Cause, source Source) {
	now := e.now()
	prev := e.previousTier(ctx, userID)

	snap := Snapshot{
		UserID:         userID,
		Tier:           set.Tier,
		ExpiresAt:      set.ExpiresAt,
		LastVerifiedAt: now,
		Source:         source,
	}
	if err := e.snapshots.PutSnapshot(ctx, snap); err != nil {
		log.Printf("[Engine] PutSnapshot %s: %v", userID, err)
		return
	}

	newTier := snap.EffectiveTier(now)
	if cause == CauseRemoteRefresh && newTier.IsNone() && !prev.IsNone() {
		cause = CauseExpiry
	}
	e.emit(ChangeEvent{
		UserID:       userID,
		PreviousTier: prev,
		NewTier:      newTier,
		ChangedAt:    now,
		Cause:        cause,
	})
}

func (e *Engine) previousTier(ctx context.Context, userID UserID) Tier {
	prev, err := e.snapshots.GetSnapshot(ctx, userID)
	if err != nil {
		return TierNone
	}
	return prev.EffectiveTier(e.now())
}

func (e *Engine) emit(ev ChangeEvent) {
	e.mu.Lock()
	notify := e.notify
	e.mu.Unlock()
	if notify != nil {
		notify(ev)
	}
}

// =============================================================================
// WATCHER RESOLUTION
// =============================================================================

// resolve delivers the terminal result of an intent to its watchers,
// exactly once each.
func (e *Engine) resolve(ctx context.Context, intentID IntentID) {
	in, err := e.queue.GetIntent(ctx, intentID)
	if err != nil {
		log.Printf("[Engine] Resolve %s: %v", intentID, err)
		return
	}
	res := e.resultFor(ctx, in)

	e.mu.Lock()
	chans := e.watchers[intentID]
	delete(e.watchers, intentID)
	e.mu.Unlock()

	for _, ch := range chans {
		ch <- res // buffered, never blocks
	}
}

func (e *Engine) resultFor(ctx context.Context, in Intent) IntentResult {
	res := IntentResult{IntentID: in.ID, Status: in.Status}
	switch in.Status {
	case StatusSucceeded:
		if snap, err := e.snapshots.GetSnapshot(ctx, in.UserID); err == nil {
			res.Tier = snap.EffectiveTier(e.now())
		}
	case StatusFailed:
		res.Err = &IntentFailedError{IntentID: in.ID, Reason: in.FailureReason}
	}
	return res
}

// =============================================================================
// INTERNAL
// =============================================================================

// userState returns the state for a user. Caller holds e.mu.
func (e *Engine) userState(userID UserID) *userState {
	st, ok := e.users[userID]
	if !ok {
		st = &userState{}
		e.users[userID] = st
	}
	return st
}

func (e *Engine) lockedUserState(userID UserID) *userState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userState(userID)
}

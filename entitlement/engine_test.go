package entitlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/entitlement-engine/billing/sandbox"
	"github.com/warp/entitlement-engine/entitlement"
	"github.com/warp/entitlement-engine/entitlement/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const tierA = entitlement.Tier("tierA")

// fastConfig keeps retries near-instant so tests converge quickly.
func fastConfig() entitlement.EngineConfig {
	return entitlement.EngineConfig{
		Backoff:     entitlement.Backoff{Base: time.Millisecond, Cap: 10 * time.Millisecond, Jitter: 0},
		CallTimeout: time.Second,
	}
}

func newTestEngine(t *testing.T, provider entitlement.Provider) (*entitlement.Engine, *store.Memory) {
	mem := store.NewMemory()
	engine := entitlement.NewEngine(mem, mem, provider, fastConfig())
	t.Cleanup(engine.Stop)
	return engine, mem
}

func newSandbox() *sandbox.Provider {
	p := sandbox.New()
	p.AddProduct(sandbox.Product{
		ID:       "prod-a",
		Tier:     tierA,
		Duration: 24 * time.Hour,
		Price:    decimal.NewFromFloat(4.99),
		Currency: "USD",
	})
	return p
}

func pendingIntent(id, user string, kind entitlement.IntentKind, product string) entitlement.Intent {
	return entitlement.Intent{
		ID:        entitlement.IntentID(id),
		UserID:    entitlement.UserID(user),
		Kind:      kind,
		ProductID: entitlement.ProductID(product),
		CreatedAt: time.Now(),
		Status:    entitlement.StatusPending,
	}
}

func awaitResult(t *testing.T, ch <-chan entitlement.IntentResult) entitlement.IntentResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for intent result")
		return entitlement.IntentResult{}
	}
}

// =============================================================================
// DRAIN TESTS
// =============================================================================

func TestEngine_DrainPurchase_UpdatesStoreAndResolves(t *testing.T) {
	// GIVEN: A pending purchase intent and a reachable provider
	// WHEN: The engine drains the queue
	// THEN: The store converges to the purchased tier and the watcher
	//       resolves with a succeeded result

	ctx := context.Background()
	provider := newSandbox()
	engine, mem := newTestEngine(t, provider)

	_, err := mem.Enqueue(ctx, pendingIntent("in-1", "u1", entitlement.KindPurchase, "prod-a"))
	require.NoError(t, err)

	results := engine.Watch(ctx, "in-1")
	engine.Trigger("u1")

	res := awaitResult(t, results)
	assert.Equal(t, entitlement.StatusSucceeded, res.Status)
	assert.Equal(t, tierA, res.Tier)
	assert.NoError(t, res.Err)

	snap, err := mem.GetSnapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, tierA, snap.Tier)
	assert.Equal(t, entitlement.SourcePurchase, snap.Source)
	assert.False(t, snap.LastVerifiedAt.IsZero())

	_, submits, _ := provider.Calls()
	assert.Equal(t, 1, submits)
}

func TestEngine_OfflinePurchase_ConvergesAfterReconnect(t *testing.T) {
	// GIVEN: A purchase enqueued while the provider is unreachable
	// WHEN: Connectivity comes back
	// THEN: The engine drains the queue, the store converges, and the
	//       provider processed exactly one charge for the intent's key

	ctx := context.Background()
	provider := newSandbox()
	provider.SetOffline(true)
	engine, mem := newTestEngine(t, provider)

	_, err := mem.Enqueue(ctx, pendingIntent("in-offline", "u1", entitlement.KindPurchase, "prod-a"))
	require.NoError(t, err)

	results := engine.Watch(ctx, "in-offline")
	engine.Trigger("u1")

	// While offline the store must stay untouched.
	time.Sleep(50 * time.Millisecond)
	_, err = mem.GetSnapshot(ctx, "u1")
	assert.ErrorIs(t, err, entitlement.ErrSnapshotNotFound)

	provider.SetOffline(false)

	res := awaitResult(t, results)
	assert.Equal(t, entitlement.StatusSucceeded, res.Status)
	assert.Equal(t, tierA, res.Tier)

	snap, err := mem.GetSnapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, tierA, snap.Tier)

	// Many submissions may have gone out, all carrying the same
	// idempotency key; the sandbox deduplicates so only one charged.
	_, submits, _ := provider.Calls()
	assert.GreaterOrEqual(t, submits, 1)
}

func TestEngine_TransientFailures_IncrementAttempts(t *testing.T) {
	// GIVEN: A product scripted to fail transiently three times
	// WHEN: The engine drains the intent
	// THEN: It retries to success and the attempt count reflects the
	//       failed submissions

	ctx := context.Background()
	provider := newSandbox()
	provider.FailNext("prod-a", entitlement.BillingRetryable, 3)
	engine, mem := newTestEngine(t, provider)

	_, err := mem.Enqueue(ctx, pendingIntent("in-retry", "u1", entitlement.KindPurchase, "prod-a"))
	require.NoError(t, err)

	results := engine.Watch(ctx, "in-retry")
	engine.Trigger("u1")

	res := awaitResult(t, results)
	assert.Equal(t, entitlement.StatusSucceeded, res.Status)

	in, err := mem.GetIntent(ctx, "in-retry")
	require.NoError(t, err)
	assert.Equal(t, 3, in.AttemptCount)

	_, submits, _ := provider.Calls()
	assert.Equal(t, 4, submits)
}

func TestEngine_TerminalFailure_DoesNotRevokeExistingSnapshot(t *testing.T) {
	// GIVEN: A user with a valid cached entitlement
	// WHEN: A new purchase is declined terminally
	// THEN: The failure surfaces on the intent but the cached
	//       entitlement is untouched

	ctx := context.Background()
	provider := newSandbox()
	provider.FailNext("prod-a", entitlement.BillingPaymentDeclined, -1)
	engine, mem := newTestEngine(t, provider)

	expires := time.Now().Add(time.Hour)
	require.NoError(t, mem.PutSnapshot(ctx, entitlement.Snapshot{
		UserID:         "u1",
		Tier:           tierA,
		ExpiresAt:      &expires,
		LastVerifiedAt: time.Now(),
		Source:         entitlement.SourcePurchase,
	}))

	_, err := mem.Enqueue(ctx, pendingIntent("in-declined", "u1", entitlement.KindPurchase, "prod-a"))
	require.NoError(t, err)

	results := engine.Watch(ctx, "in-declined")
	engine.Trigger("u1")

	res := awaitResult(t, results)
	assert.Equal(t, entitlement.StatusFailed, res.Status)
	require.Error(t, res.Err)
	assert.True(t, entitlement.IsTerminal(res.Err))

	snap, err := mem.GetSnapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, tierA, snap.EffectiveTier(time.Now()))
}

func TestEngine_UserCancelled_SurfacesOnceNoRetry(t *testing.T) {
	// GIVEN: A purchase the user cancels at the provider
	// WHEN: The engine submits it
	// THEN: Exactly one submission happens and the intent fails with
	//       the cancellation reason

	ctx := context.Background()
	provider := newSandbox()
	provider.FailNext("prod-a", entitlement.BillingUserCancelled, -1)
	engine, mem := newTestEngine(t, provider)

	_, err := mem.Enqueue(ctx, pendingIntent("in-cancel", "u1", entitlement.KindPurchase, "prod-a"))
	require.NoError(t, err)

	results := engine.Watch(ctx, "in-cancel")
	engine.Trigger("u1")

	res := awaitResult(t, results)
	assert.Equal(t, entitlement.StatusFailed, res.Status)

	var failed *entitlement.IntentFailedError
	require.ErrorAs(t, res.Err, &failed)
	assert.Equal(t, string(entitlement.BillingUserCancelled), failed.Reason)

	_, submits, _ := provider.Calls()
	assert.Equal(t, 1, submits)
}

func TestEngine_Restore_NoPurchases_Terminal(t *testing.T) {
	// GIVEN: A restore for a user with nothing to restore
	// THEN: The intent fails terminally and no snapshot appears

	ctx := context.Background()
	provider := newSandbox()
	engine, mem := newTestEngine(t, provider)

	_, err := mem.Enqueue(ctx, pendingIntent("in-restore", "u1", entitlement.KindRestore, ""))
	require.NoError(t, err)

	results := engine.Watch(ctx, "in-restore")
	engine.Trigger("u1")

	res := awaitResult(t, results)
	assert.Equal(t, entitlement.StatusFailed, res.Status)

	_, err = mem.GetSnapshot(ctx, "u1")
	assert.ErrorIs(t, err, entitlement.ErrSnapshotNotFound)
}

func TestEngine_Restore_AppliesServerEntitlements(t *testing.T) {
	// GIVEN: A server-side entitlement from another device
	// WHEN: The user restores
	// THEN: The local cache converges to the server state

	ctx := context.Background()
	provider := newSandbox()
	expires := time.Now().Add(48 * time.Hour)
	provider.Grant("u1", entitlement.EntitlementSet{Tier: tierA, ExpiresAt: &expires})
	engine, mem := newTestEngine(t, provider)

	_, err := mem.Enqueue(ctx, pendingIntent("in-restore2", "u1", entitlement.KindRestore, ""))
	require.NoError(t, err)

	results := engine.Watch(ctx, "in-restore2")
	engine.Trigger("u1")

	res := awaitResult(t, results)
	assert.Equal(t, entitlement.StatusSucceeded, res.Status)
	assert.Equal(t, tierA, res.Tier)

	snap, err := mem.GetSnapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.SourceRestore, snap.Source)
}

// gatedSnapshotStore stalls the first snapshot write so a test can act
// inside the window between an intent's terminal mark and the cache
// update.
type gatedSnapshotStore struct {
	*store.Memory
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedSnapshotStore) PutSnapshot(ctx context.Context, snap entitlement.Snapshot) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Memory.PutSnapshot(ctx, snap)
}

func TestEngine_WatchDuringSnapshotWrite_CarriesNewTier(t *testing.T) {
	// GIVEN: A drain stalled after marking the intent succeeded but
	//        before writing the snapshot
	// WHEN: A watcher registers during that window
	// THEN: Its succeeded result still carries the new tier

	ctx := context.Background()
	provider := newSandbox()
	mem := store.NewMemory()
	gated := &gatedSnapshotStore{
		Memory:  mem,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	engine := entitlement.NewEngine(gated, mem, provider, fastConfig())
	t.Cleanup(engine.Stop)

	_, err := mem.Enqueue(ctx, pendingIntent("in-gated", "u1", entitlement.KindPurchase, "prod-a"))
	require.NoError(t, err)
	engine.Trigger("u1")

	select {
	case <-gated.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("drain never reached the snapshot write")
	}

	// The intent is already terminal here; the snapshot is not yet
	// written. The watcher must wait for the write instead of reading
	// an empty tier.
	resCh := make(chan entitlement.IntentResult, 1)
	go func() {
		resCh <- <-engine.Watch(ctx, "in-gated")
	}()

	time.Sleep(50 * time.Millisecond)
	close(gated.release)

	res := awaitResult(t, resCh)
	assert.Equal(t, entitlement.StatusSucceeded, res.Status)
	assert.Equal(t, tierA, res.Tier)
}

// =============================================================================
// COALESCING
// =============================================================================

// slowProvider blocks each submission until released and counts
// concurrent submissions.
type slowProvider struct {
	mu         sync.Mutex
	inFlight   int
	maxSeen    int
	totalCalls int
	release    chan struct{}
}

func newSlowProvider() *slowProvider {
	return &slowProvider{release: make(chan struct{})}
}

func (p *slowProvider) FetchEntitlements(context.Context, entitlement.UserID) (entitlement.EntitlementSet, error) {
	return entitlement.EntitlementSet{}, nil
}

func (p *slowProvider) SubmitPurchase(ctx context.Context, _ entitlement.ProductID, _ entitlement.IntentID) (entitlement.Receipt, error) {
	p.mu.Lock()
	p.inFlight++
	p.totalCalls++
	if p.inFlight > p.maxSeen {
		p.maxSeen = p.inFlight
	}
	p.mu.Unlock()

	select {
	case <-p.release:
	case <-ctx.Done():
	}

	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()
	return entitlement.Receipt{Tier: tierA}, nil
}

func (p *slowProvider) RestorePurchases(context.Context, entitlement.UserID) (entitlement.EntitlementSet, error) {
	return entitlement.EntitlementSet{}, nil
}

func TestEngine_ConcurrentTriggers_CoalesceToOneDrain(t *testing.T) {
	// GIVEN: One pending intent and a slow provider
	// WHEN: Many triggers fire while the drain is running
	// THEN: At most one submission is ever in flight for the user

	ctx := context.Background()
	provider := newSlowProvider()
	engine, mem := newTestEngine(t, provider)

	_, err := mem.Enqueue(ctx, pendingIntent("in-slow", "u1", entitlement.KindPurchase, "prod-a"))
	require.NoError(t, err)

	results := engine.Watch(ctx, "in-slow")
	for i := 0; i < 20; i++ {
		engine.Trigger("u1")
	}

	time.Sleep(50 * time.Millisecond)
	close(provider.release)

	awaitResult(t, results)

	provider.mu.Lock()
	defer provider.mu.Unlock()
	assert.Equal(t, 1, provider.maxSeen)
	assert.Equal(t, 1, provider.totalCalls)
}

// =============================================================================
// REFRESH
// =============================================================================

func TestEngine_Refresh_ObservesServerExpiry(t *testing.T) {
	// GIVEN: A cached premium snapshot but the server says tier none
	// WHEN: A refresh runs
	// THEN: The cache downgrades and the change is notified with an
	//       expiry cause

	ctx := context.Background()
	provider := newSandbox() // no grant: fetch returns tier none
	engine, mem := newTestEngine(t, provider)

	expires := time.Now().Add(time.Hour)
	require.NoError(t, mem.PutSnapshot(ctx, entitlement.Snapshot{
		UserID:         "u1",
		Tier:           tierA,
		ExpiresAt:      &expires,
		LastVerifiedAt: time.Now(),
		Source:         entitlement.SourcePurchase,
	}))

	events := make(chan entitlement.ChangeEvent, 1)
	engine.SetNotifier(func(ev entitlement.ChangeEvent) { events <- ev })

	require.NoError(t, engine.Refresh(ctx, "u1"))

	select {
	case ev := <-events:
		assert.Equal(t, tierA, ev.PreviousTier)
		assert.Equal(t, entitlement.TierNone, ev.NewTier)
		assert.Equal(t, entitlement.CauseExpiry, ev.Cause)
	case <-time.After(time.Second):
		t.Fatal("no change event received")
	}

	snap, err := mem.GetSnapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierNone, snap.Tier)
}

func TestEngine_Refresh_Offline_LeavesCacheUntouched(t *testing.T) {
	// Refresh failures while offline are tolerated and never downgrade.

	ctx := context.Background()
	provider := newSandbox()
	provider.SetOffline(true)
	engine, mem := newTestEngine(t, provider)

	expires := time.Now().Add(time.Hour)
	require.NoError(t, mem.PutSnapshot(ctx, entitlement.Snapshot{
		UserID:         "u1",
		Tier:           tierA,
		ExpiresAt:      &expires,
		LastVerifiedAt: time.Now(),
		Source:         entitlement.SourceRefresh,
	}))

	err := engine.Refresh(ctx, "u1")
	require.Error(t, err)
	assert.True(t, entitlement.IsRetryable(err))

	snap, gerr := mem.GetSnapshot(ctx, "u1")
	require.NoError(t, gerr)
	assert.Equal(t, tierA, snap.Tier)
}

func TestEngine_Invalidate_NotifiesDowngrade(t *testing.T) {
	ctx := context.Background()
	provider := newSandbox()
	engine, mem := newTestEngine(t, provider)

	require.NoError(t, mem.PutSnapshot(ctx, entitlement.Snapshot{
		UserID:         "u1",
		Tier:           tierA,
		LastVerifiedAt: time.Now(),
		Source:         entitlement.SourcePurchase,
	}))

	events := make(chan entitlement.ChangeEvent, 1)
	engine.SetNotifier(func(ev entitlement.ChangeEvent) { events <- ev })

	require.NoError(t, engine.Invalidate(ctx, "u1"))

	select {
	case ev := <-events:
		assert.Equal(t, tierA, ev.PreviousTier)
		assert.Equal(t, entitlement.TierNone, ev.NewTier)
	case <-time.After(time.Second):
		t.Fatal("no change event received")
	}

	_, err := mem.GetSnapshot(ctx, "u1")
	assert.ErrorIs(t, err, entitlement.ErrSnapshotNotFound)
}

package entitlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/entitlement-engine/entitlement"
	"github.com/warp/entitlement-engine/entitlement/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestService(t *testing.T, provider entitlement.Provider, wait time.Duration) (*entitlement.Service, *store.Memory) {
	mem := store.NewMemory()
	engine := entitlement.NewEngine(mem, mem, provider, fastConfig())
	svc := entitlement.NewService(mem, mem, engine, entitlement.ServiceConfig{CommandWait: wait})
	t.Cleanup(func() {
		svc.Close()
		engine.Stop()
	})
	return svc, mem
}

// =============================================================================
// QUERY TESTS
// =============================================================================

func TestService_QueryState_AbsentMeansNone(t *testing.T) {
	// Missing cache data never grants premium.
	svc, _ := newTestService(t, newSandbox(), time.Second)

	tier := svc.QueryState(context.Background(), "nobody")
	assert.Equal(t, entitlement.TierNone, tier)
}

func TestService_QueryState_ExpiredSnapshotIsNone(t *testing.T) {
	// GIVEN: A stored tierA snapshot whose expiry has passed
	// THEN: The effective tier is none while the stored tier remains

	ctx := context.Background()
	svc, mem := newTestService(t, newSandbox(), time.Second)

	expired := time.Now().Add(-time.Hour)
	require.NoError(t, mem.PutSnapshot(ctx, entitlement.Snapshot{
		UserID:         "u1",
		Tier:           tierA,
		ExpiresAt:      &expired,
		LastVerifiedAt: time.Now().Add(-2 * time.Hour),
		Source:         entitlement.SourcePurchase,
	}))

	assert.Equal(t, entitlement.TierNone, svc.QueryState(ctx, "u1"))

	snap, err := svc.State(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, tierA, snap.Tier) // stored tier untouched
	assert.True(t, snap.Expired(time.Now()))
}

// =============================================================================
// COMMAND TESTS
// =============================================================================

func TestService_Purchase_Success_ResolvesWithTier(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestService(t, newSandbox(), 5*time.Second)

	handle, err := svc.Purchase(ctx, "u1", "prod-a")
	require.NoError(t, err)

	res, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusSucceeded, res.Status)
	assert.Equal(t, tierA, res.Tier)

	// Terminal state observed once; the durable row is pruned.
	_, err = mem.GetIntent(ctx, handle.IntentID)
	assert.ErrorIs(t, err, entitlement.ErrIntentNotFound)

	assert.Equal(t, tierA, svc.QueryState(ctx, "u1"))
}

func TestService_Purchase_Offline_PendingIsNotAnError(t *testing.T) {
	// GIVEN: No connectivity
	// WHEN: The bounded wait elapses
	// THEN: The handle reports still-pending (not failure), the intent
	//       stays durably queued, and the store is untouched

	ctx := context.Background()
	provider := newSandbox()
	provider.SetOffline(true)
	svc, mem := newTestService(t, provider, 50*time.Millisecond)

	handle, err := svc.Purchase(ctx, "u1", "prod-a")
	require.NoError(t, err)

	res, err := handle.Wait(ctx)
	assert.ErrorIs(t, err, entitlement.ErrStillPending)
	assert.Equal(t, entitlement.StatusPending, res.Status)

	in, err := svc.Intent(ctx, handle.IntentID)
	require.NoError(t, err)
	assert.False(t, in.Status.Terminal())

	_, err = mem.GetSnapshot(ctx, "u1")
	assert.ErrorIs(t, err, entitlement.ErrSnapshotNotFound)
}

func TestService_PurchaseWithKey_DuplicateEnqueueIsIdempotent(t *testing.T) {
	// Repeated enqueues with the same intent ID leave exactly one
	// intent in the queue.

	ctx := context.Background()
	provider := newSandbox()
	provider.SetOffline(true) // keep the intent pending
	svc, _ := newTestService(t, provider, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		_, err := svc.PurchaseWithKey(ctx, "u1", "prod-a", "stable-key")
		require.NoError(t, err)
	}

	intents, err := svc.Intents(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, entitlement.IntentID("stable-key"), intents[0].ID)
}

func TestService_Purchase_TerminalFailure_SurfacesToCaller(t *testing.T) {
	ctx := context.Background()
	provider := newSandbox()
	provider.FailNext("prod-a", entitlement.BillingPaymentDeclined, -1)
	svc, _ := newTestService(t, provider, 5*time.Second)

	handle, err := svc.Purchase(ctx, "u1", "prod-a")
	require.NoError(t, err)

	_, err = handle.Wait(ctx)
	var failed *entitlement.IntentFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, string(entitlement.BillingPaymentDeclined), failed.Reason)
}

// =============================================================================
// SUBSCRIPTION & SESSION TESTS
// =============================================================================

func TestService_Subscribe_ReceivesActiveUserChanges(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, newSandbox(), 5*time.Second)

	svc.OnSignIn("u1")

	events := make(chan entitlement.ChangeEvent, 4)
	cancel := svc.Subscribe(func(ev entitlement.ChangeEvent) { events <- ev })
	defer cancel()

	handle, err := svc.Purchase(ctx, "u1", "prod-a")
	require.NoError(t, err)
	_, err = handle.Wait(ctx)
	require.NoError(t, err)

	// Sign-in itself triggers a background refresh, so the purchase
	// event may not be the first one; scan for it.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			assert.Equal(t, entitlement.UserID("u1"), ev.UserID)
			if ev.Cause == entitlement.CausePurchase {
				assert.Equal(t, tierA, ev.NewTier)
				return
			}
		case <-deadline:
			t.Fatal("purchase change event never arrived")
		}
	}
}

func TestService_UserSwitch_StopsOldUserNotifications(t *testing.T) {
	// GIVEN: User A has activity, then the session switches to user B
	// THEN: A subscriber registered after the switch never sees A's
	//       notifications, while QueryState(A) still serves A's cache

	ctx := context.Background()
	provider := newSandbox()
	expires := time.Now().Add(time.Hour)
	provider.Grant("userA", entitlement.EntitlementSet{Tier: tierA, ExpiresAt: &expires})
	svc, _ := newTestService(t, provider, 5*time.Second)

	svc.OnSignIn("userA")
	handle, err := svc.Purchase(ctx, "userA", "prod-a")
	require.NoError(t, err)
	_, err = handle.Wait(ctx)
	require.NoError(t, err)

	svc.OnSignOut()
	svc.OnSignIn("userB")

	events := make(chan entitlement.ChangeEvent, 4)
	cancel := svc.Subscribe(func(ev entitlement.ChangeEvent) { events <- ev })
	defer cancel()

	// More activity for A after the switch emits an engine event, but
	// it must not reach the subscriber.
	handle2, err := svc.Restore(ctx, "userA")
	require.NoError(t, err)
	_, err = handle2.Wait(ctx)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.NotEqual(t, entitlement.UserID("userA"), ev.UserID)
	case <-time.After(200 * time.Millisecond):
		// No event: correct.
	}

	// A's cache is switched away from, not wiped.
	assert.Equal(t, tierA, svc.QueryState(ctx, "userA"))
}

func TestService_SignOut_KeepsCacheStopsEvents(t *testing.T) {
	ctx := context.Background()
	provider := newSandbox()
	expires := time.Now().Add(time.Hour)
	provider.Grant("u1", entitlement.EntitlementSet{Tier: tierA, ExpiresAt: &expires})
	svc, _ := newTestService(t, provider, 5*time.Second)

	svc.OnSignIn("u1")
	handle, err := svc.Purchase(ctx, "u1", "prod-a")
	require.NoError(t, err)
	_, err = handle.Wait(ctx)
	require.NoError(t, err)

	svc.OnSignOut()
	assert.Equal(t, entitlement.UserID(""), svc.ActiveUser())

	events := make(chan entitlement.ChangeEvent, 1)
	cancel := svc.Subscribe(func(ev entitlement.ChangeEvent) { events <- ev })
	defer cancel()

	handle2, err := svc.Restore(ctx, "u1")
	require.NoError(t, err)
	_, err = handle2.Wait(ctx)
	require.NoError(t, err)

	select {
	case <-events:
		t.Fatal("received notification while signed out")
	case <-time.After(200 * time.Millisecond):
	}

	assert.Equal(t, tierA, svc.QueryState(ctx, "u1"))
}

func TestService_SessionHook_CreditsProviderAccount(t *testing.T) {
	// GIVEN: A provider that credits purchases to its current account,
	//        wired to follow the session
	// WHEN: A signed-in user purchases
	// THEN: A later remote fetch agrees with the purchase instead of
	//       downgrading it

	ctx := context.Background()
	provider := newSandbox()
	svc, _ := newTestService(t, provider, 5*time.Second)
	svc.SetSessionHook(provider.SetAccount)

	svc.OnSignIn("u1")
	handle, err := svc.Purchase(ctx, "u1", "prod-a")
	require.NoError(t, err)
	res, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, tierA, res.Tier)

	set, err := provider.FetchEntitlements(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, tierA, set.Tier)
}

// =============================================================================
// SANDBOX CROSS-DEVICE RESTORE
// =============================================================================

func TestService_Restore_CrossDevice(t *testing.T) {
	// A purchase on "another device" (seeded provider state) is
	// recovered locally by restore.

	ctx := context.Background()
	provider := newSandbox()
	expires := time.Now().Add(time.Hour)
	provider.Grant("u1", entitlement.EntitlementSet{Tier: tierA, ExpiresAt: &expires})

	svc, _ := newTestService(t, provider, 5*time.Second)

	assert.Equal(t, entitlement.TierNone, svc.QueryState(ctx, "u1"))

	handle, err := svc.Restore(ctx, "u1")
	require.NoError(t, err)
	res, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, tierA, res.Tier)

	assert.Equal(t, tierA, svc.QueryState(ctx, "u1"))
}

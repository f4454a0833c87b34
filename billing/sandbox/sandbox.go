/*
Package sandbox provides a configurable in-memory billing provider.

PURPOSE:
  Stands in for a real billing vendor in the dev server and in tests.
  Supports a product table, seeded entitlements, scripted failures, an
  offline toggle, and call counting so tests can assert exactly how many
  submissions reached the "server".

IDEMPOTENCY:
  Processed idempotency keys are remembered. Resubmitting a key returns
  the original receipt without charging again, which is the contract the
  reconciliation engine relies on.

ACCOUNT MODEL:
  Purchases land on the provider-side account selected with SetAccount
  (defaulting to the user passed to Restore/Fetch). This mirrors how a
  real store account is ambient state of the device, independent of the
  app's signed-in identity.

SEE ALSO:
  - entitlement/billing.go: The interface implemented here
  - cmd/server/main.go: Dev-mode wiring
*/
package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/entitlement-engine/entitlement"
)

// Product is one purchasable entry in the sandbox catalog.
type Product struct {
	ID       entitlement.ProductID
	Tier     entitlement.Tier
	Duration time.Duration // entitlement lifetime; 0 = no expiry
	Price    decimal.Decimal
	Currency string
}

// Provider is an in-memory entitlement.Provider.
type Provider struct {
	mu sync.Mutex

	products     map[entitlement.ProductID]Product
	entitlements map[entitlement.UserID]entitlement.EntitlementSet
	processed    map[entitlement.IntentID]entitlement.Receipt

	account   entitlement.UserID // store account receiving purchases
	offline   bool
	failWith  map[entitlement.ProductID]entitlement.BillingCode
	failTimes map[entitlement.ProductID]int // remaining scripted failures; -1 = forever

	fetchCalls   int
	submitCalls  int
	restoreCalls int
}

// New creates an empty sandbox provider.
func New() *Provider {
	return &Provider{
		products:     make(map[entitlement.ProductID]Product),
		entitlements: make(map[entitlement.UserID]entitlement.EntitlementSet),
		processed:    make(map[entitlement.IntentID]entitlement.Receipt),
		failWith:     make(map[entitlement.ProductID]entitlement.BillingCode),
		failTimes:    make(map[entitlement.ProductID]int),
	}
}

// =============================================================================
// CATALOG & SCRIPTING
// =============================================================================

// AddProduct registers a purchasable product.
func (p *Provider) AddProduct(prod Product) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.products[prod.ID] = prod
}

// Grant seeds a server-side entitlement for a user.
func (p *Provider) Grant(userID entitlement.UserID, set entitlement.EntitlementSet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entitlements[userID] = set
}

// Revoke removes a user's server-side entitlement (refund/cancellation).
func (p *Provider) Revoke(userID entitlement.UserID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entitlements, userID)
}

// SetAccount selects the provider-side account purchases land on.
// Cross-device restore is "sign in to the same store account, restore".
func (p *Provider) SetAccount(userID entitlement.UserID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.account = userID
}

// SetOffline makes every call fail with a network error until toggled
// back.
func (p *Provider) SetOffline(offline bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline = offline
}

// FailNext scripts the next n submissions of a product to fail with the
// given code. n < 0 means fail forever.
func (p *Provider) FailNext(productID entitlement.ProductID, code entitlement.BillingCode, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith[productID] = code
	p.failTimes[productID] = n
}

// Calls returns how many fetch/submit/restore calls have been made.
func (p *Provider) Calls() (fetch, submit, restore int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchCalls, p.submitCalls, p.restoreCalls
}

// =============================================================================
// entitlement.Provider
// =============================================================================

func (p *Provider) FetchEntitlements(_ context.Context, userID entitlement.UserID) (entitlement.EntitlementSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.fetchCalls++
	if p.offline {
		return entitlement.EntitlementSet{}, entitlement.NewBillingError(entitlement.BillingNetwork, "sandbox offline")
	}
	set, ok := p.entitlements[userID]
	if !ok {
		return entitlement.EntitlementSet{Tier: entitlement.TierNone}, nil
	}
	return set, nil
}

func (p *Provider) SubmitPurchase(_ context.Context, productID entitlement.ProductID, key entitlement.IntentID) (entitlement.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.submitCalls++
	if p.offline {
		return entitlement.Receipt{}, entitlement.NewBillingError(entitlement.BillingNetwork, "sandbox offline")
	}

	// Idempotent replay: same key, same receipt, no double charge.
	if rec, done := p.processed[key]; done {
		return rec, nil
	}

	if code, ok := p.failWith[productID]; ok {
		remaining := p.failTimes[productID]
		if remaining != 0 {
			if remaining > 0 {
				p.failTimes[productID] = remaining - 1
				if p.failTimes[productID] == 0 {
					delete(p.failWith, productID)
					delete(p.failTimes, productID)
				}
			}
			return entitlement.Receipt{}, entitlement.NewBillingError(code, "scripted failure")
		}
	}

	prod, ok := p.products[productID]
	if !ok {
		return entitlement.Receipt{}, entitlement.NewBillingError(entitlement.BillingInvalidProduct, string(productID))
	}

	var expires *time.Time
	if prod.Duration > 0 {
		t := time.Now().Add(prod.Duration)
		expires = &t
	}
	rec := entitlement.Receipt{
		Tier:      prod.Tier,
		ExpiresAt: expires,
		Amount:    prod.Price,
		Currency:  prod.Currency,
	}
	p.processed[key] = rec
	if p.account != "" {
		p.entitlements[p.account] = entitlement.EntitlementSet{Tier: prod.Tier, ExpiresAt: expires}
	}
	return rec, nil
}

func (p *Provider) RestorePurchases(_ context.Context, userID entitlement.UserID) (entitlement.EntitlementSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.restoreCalls++
	if p.offline {
		return entitlement.EntitlementSet{}, entitlement.NewBillingError(entitlement.BillingNetwork, "sandbox offline")
	}
	set, ok := p.entitlements[userID]
	if !ok || set.Tier.IsNone() {
		return entitlement.EntitlementSet{}, entitlement.NewBillingError(entitlement.BillingNoPurchases, "nothing to restore")
	}
	return set, nil
}

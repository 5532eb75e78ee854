package core

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"bithedge/config"
	"bithedge/core/events"
	"bithedge/crypto"
	"bithedge/native/audit"
	nativecommon "bithedge/native/common"
	"bithedge/native/fixedpoint"
	"bithedge/native/policy"
	"bithedge/native/pool"
	"bithedge/native/pricefeed"
	"bithedge/native/settlement"
	"bithedge/state"
	"bithedge/storage"
)

var (
	errNilPlatform        = errors.New("platform: not initialised")
	errAllocationMismatch = errors.New("platform: allocations do not cover required collateral")
)

// Platform wires the pool, policy, settlement and audit engines over one
// ledger and serialises every state-changing operation. It is the single
// entry point the daemon and the admin surface drive.
type Platform struct {
	cfg       *config.Config
	ledger    *state.Ledger
	pool      *pool.Engine
	custodian *pool.Custodian
	allocator *pool.Allocator
	policies  *policy.Store
	engine    *settlement.Engine
	verifier  *audit.Verifier
	pauses    *nativecommon.Pauses
	quota     nativecommon.Quota
	emitter   events.Emitter
	nowFn     func() int64

	stateMu sync.Mutex
}

// NewPlatform constructs the full engine stack over the database. The price
// feed decides settlement prices; cfg supplies the risk parameters.
func NewPlatform(db storage.Database, cfg *config.Config, feed pricefeed.Feed) (*Platform, error) {
	if db == nil {
		return nil, fmt.Errorf("platform: database required")
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	matrix, err := cfg.Matrix()
	if err != nil {
		return nil, err
	}
	minAllocation, err := cfg.MinAllocationAmount()
	if err != nil {
		return nil, err
	}

	ledger := state.NewLedger(db)
	pauses := nativecommon.NewPauses()
	for _, module := range cfg.PausedModules() {
		pauses.Pause(module)
	}

	poolEngine := pool.NewEngine()
	poolEngine.SetState(ledger)
	poolEngine.SetPauses(pauses)

	allocator, err := pool.NewAllocator(poolEngine, pool.AllocatorConfig{
		Matrix:        matrix,
		MinAllocation: minAllocation,
	})
	if err != nil {
		return nil, err
	}

	policies := policy.NewStore()
	policies.SetState(ledger)
	policies.SetPauses(pauses)
	policies.SetMaxPremiumBps(cfg.MaxPremiumBps)

	engine := settlement.NewEngine()
	engine.SetState(ledger)
	engine.SetPolicies(policies)
	engine.SetCollateral(poolEngine.Custodian())
	engine.SetFeed(feed)
	engine.SetPauses(pauses)

	verifier := audit.NewVerifier()
	verifier.SetState(ledger)

	return &Platform{
		cfg:       cfg,
		ledger:    ledger,
		pool:      poolEngine,
		custodian: poolEngine.Custodian(),
		allocator: allocator,
		policies:  policies,
		engine:    engine,
		verifier:  verifier,
		pauses:    pauses,
		quota:     cfg.PolicyQuota(),
		emitter:   events.NoopEmitter{},
		nowFn:     func() int64 { return time.Now().Unix() },
	}, nil
}

// SetEmitter routes engine events to the sink. Passing nil restores the
// no-op sink.
func (p *Platform) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	p.emitter = emitter
	p.pool.SetEmitter(emitter)
	p.engine.SetEmitter(emitter)
	p.verifier.SetEmitter(emitter)
}

// SetNowFunc overrides the wall clock across every engine.
func (p *Platform) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	p.nowFn = now
	p.pool.SetNowFunc(now)
	p.policies.SetNowFunc(now)
	p.engine.SetNowFunc(now)
	p.verifier.SetNowFunc(now)
}

// SetBoundaryFunc wires the expiration boundary clock used to validate new
// policies. The daemon derives it from its settlement interval.
func (p *Platform) SetBoundaryFunc(fn func() uint64) {
	p.policies.SetBoundaryFunc(fn)
}

func (p *Platform) ready() error {
	if p == nil || p.ledger == nil {
		return errNilPlatform
	}
	return nil
}

// --- Provider operations ---

// RegisterProvider registers a liquidity provider under a risk tier.
func (p *Platform) RegisterProvider(addr crypto.Address, tier pool.Tier) (*pool.Provider, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.pool.RegisterProvider(addr, tier)
}

// Deposit adds provider collateral to the pool.
func (p *Platform) Deposit(addr crypto.Address, token string, amount *big.Int) (*pool.Account, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.pool.Deposit(addr, token, amount)
}

// Withdraw removes unallocated provider collateral from the pool.
func (p *Platform) Withdraw(addr crypto.Address, token string, amount *big.Int) (*pool.Account, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.pool.Withdraw(addr, token, amount)
}

// ClaimPremiums pays out a provider's earned premiums.
func (p *Platform) ClaimPremiums(addr crypto.Address, token string) (*big.Int, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.pool.ClaimPremiums(addr, token)
}

// GetProvider returns a provider registration.
func (p *Platform) GetProvider(addr crypto.Address) (*pool.Provider, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	return p.pool.GetProvider(addr)
}

// GetAccount returns one provider's balances in one token.
func (p *Platform) GetAccount(addr crypto.Address, token string) (*pool.Account, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	return p.pool.GetAccount(addr, token)
}

// --- Policy operations ---

// OpenPolicy runs the full creation sequence: validation, owner quota,
// collateral allocation, the allocation-sum check, record creation and
// premium capture. A failure after allocation releases the reserved
// collateral before returning.
func (p *Platform) OpenPolicy(params policy.CreateParams) (*policy.Policy, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	token, err := p.policies.ValidateParams(params)
	if err != nil {
		return nil, err
	}
	params.Token = token

	counters, checkQuota, err := p.checkQuota(params.Owner, params.Notional)
	if err != nil {
		return nil, err
	}

	id, err := p.policies.ReserveID()
	if err != nil {
		return nil, err
	}
	allocations, err := p.allocator.Allocate(id, token, params.Tier, params.Notional, params.Premium)
	if err != nil {
		return nil, err
	}
	if err := p.checkAllocationSum(id, token, params.Notional, allocations); err != nil {
		return nil, err
	}
	record, err := p.policies.Create(id, params)
	if err != nil {
		if unwindErr := p.unwindAllocations(id, token, allocations); unwindErr != nil {
			return nil, errors.Join(err, fmt.Errorf("platform: unwind policy %d: %w", id, unwindErr))
		}
		return nil, err
	}
	if err := p.custodian.DepositPremium(token, params.Premium); err != nil {
		// The policy record exists and collateral stays reserved; the
		// missing vault credit surfaces through the audit reserve check.
		return nil, fmt.Errorf("platform: premium deposit for policy %d: %w", id, err)
	}
	if checkQuota {
		if err := p.ledger.QuotaPut(params.Owner, counters); err != nil {
			return nil, fmt.Errorf("platform: persist quota for policy %d: %w", id, err)
		}
	}

	p.emitter.Emit(events.PolicyCreated{
		ID:        record.ID,
		Owner:     record.Owner,
		Kind:      record.Kind.String(),
		Token:     record.Token,
		Strike:    fixedpoint.Clone(record.Strike),
		Notional:  fixedpoint.Clone(record.Notional),
		Premium:   fixedpoint.Clone(record.Premium),
		Tier:      record.Tier.String(),
		ExpiresAt: record.ExpiresAt,
		Providers: len(allocations),
	})
	return record, nil
}

// checkQuota verifies the owner's creation limits and returns the updated
// counters to persist once the policy commits. The second return value is
// false when quotas are disabled.
func (p *Platform) checkQuota(owner crypto.Address, notional *big.Int) (nativecommon.QuotaNow, bool, error) {
	q := p.quota
	if q.EpochSeconds == 0 || (q.MaxPoliciesPerEpoch == 0 && q.MaxNotionalWhole == 0) {
		return nativecommon.QuotaNow{}, false, nil
	}
	epoch := uint64(p.nowFn()) / uint64(q.EpochSeconds)
	prev, _, err := p.ledger.QuotaGet(owner)
	if err != nil {
		return nativecommon.QuotaNow{}, false, err
	}
	next, err := nativecommon.CheckQuota(q, epoch, prev, 1, notionalWhole(notional))
	if err != nil {
		return nativecommon.QuotaNow{}, false, fmt.Errorf("platform: %w", err)
	}
	return next, true, nil
}

// notionalWhole floors a base-unit notional to whole tokens for the quota
// counter, saturating at the counter's capacity.
func notionalWhole(notional *big.Int) uint64 {
	whole := new(big.Int).Quo(notional, fixedpoint.Scale)
	if !whole.IsUint64() {
		return math.MaxUint64
	}
	return whole.Uint64()
}

// checkAllocationSum confirms the allocations just written lock exactly the
// required collateral before the policy record is created. A mismatch means
// the allocator and the ledger disagree about reserved funds, so the
// allocations unwind and creation aborts.
func (p *Platform) checkAllocationSum(policyID uint64, token string, required *big.Int, allocations []*pool.Allocation) error {
	report, err := p.verifier.VerifyAllocationSum(policyID, token, required)
	if err == nil && !report.Clean() {
		finding := report.Findings[0]
		err = fmt.Errorf("%w: policy %d locked %s, want %s", errAllocationMismatch,
			policyID, fixedpoint.Format(finding.Actual), fixedpoint.Format(finding.Expected))
	}
	if err != nil {
		if unwindErr := p.unwindAllocations(policyID, token, allocations); unwindErr != nil {
			return errors.Join(err, fmt.Errorf("platform: unwind policy %d: %w", policyID, unwindErr))
		}
		return err
	}
	return nil
}

// unwindAllocations releases collateral reserved for a policy whose creation
// did not commit and clears the accrued premium shares.
func (p *Platform) unwindAllocations(policyID uint64, token string, allocations []*pool.Allocation) error {
	var errs []error
	for _, alloc := range allocations {
		if err := p.custodian.Release(policyID, alloc.Provider, token, alloc.Amount); err != nil {
			errs = append(errs, err)
			continue
		}
		if alloc.PremiumShare != nil && alloc.PremiumShare.Sign() > 0 {
			if err := p.custodian.ForfeitPremium(alloc.Provider, token, alloc.PremiumShare); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// GetPolicy returns a policy record.
func (p *Platform) GetPolicy(id uint64) (*policy.Policy, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	return p.policies.Get(id)
}

// PolicyImpacts returns the per-provider settlement impacts of a policy.
func (p *Platform) PolicyImpacts(id uint64) ([]*settlement.ImpactRecord, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	return p.engine.ImpactsByPolicy(id)
}

// PolicyDistributions returns the premium distribution records of a policy.
func (p *Platform) PolicyDistributions(id uint64) ([]*settlement.DistributionRecord, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	return p.engine.DistributionsByPolicy(id)
}

// PolicyAllocations returns the collateral allocations backing a policy.
func (p *Platform) PolicyAllocations(id uint64) ([]*pool.Allocation, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	return p.pool.AllocationsByPolicy(id)
}

// --- Settlement operations ---

// SettleBoundary runs the settlement batch for one expiration boundary, then
// re-checks the conservation rules for every policy record at it.
func (p *Platform) SettleBoundary(boundary uint64) (*settlement.BatchOutcome, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	outcome, err := p.engine.SettleBoundary(boundary)
	if err != nil {
		return nil, err
	}
	if err := p.verifyBoundary(boundary); err != nil {
		return nil, err
	}
	return outcome, nil
}

// DistributePremiums pays out the premiums of a boundary's expired policies,
// then re-checks the affected policy records.
func (p *Platform) DistributePremiums(boundary uint64) (*settlement.DistributionOutcome, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	outcome, err := p.engine.DistributePremiums(boundary)
	if err != nil {
		return nil, err
	}
	if err := p.verifyBoundary(boundary); err != nil {
		return nil, err
	}
	return outcome, nil
}

// DistributePremium pays out a single expired policy's premium, then
// re-checks that policy's records.
func (p *Platform) DistributePremium(policyID uint64) error {
	if err := p.ready(); err != nil {
		return err
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if err := p.engine.DistributePremium(policyID); err != nil {
		return err
	}
	_, err := p.verifier.VerifyPolicy(policyID)
	return err
}

// verifyBoundary re-runs the per-policy conservation checks for every record
// at a boundary after a batch mutates them. Violations surface as audit
// events through the emitter; only read failures return an error.
func (p *Platform) verifyBoundary(boundary uint64) error {
	records, err := p.policies.ExpiringAt(boundary)
	if err != nil {
		return err
	}
	for _, record := range records {
		if _, err := p.verifier.VerifyPolicy(record.ID); err != nil {
			return err
		}
	}
	return nil
}

// PendingBoundaries returns, in ascending order, every boundary up to max
// that still has active policies awaiting settlement.
func (p *Platform) PendingBoundaries(max uint64) ([]uint64, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	boundaries, err := p.policies.Boundaries(max)
	if err != nil {
		return nil, err
	}
	var pending []uint64
	for _, boundary := range boundaries {
		records, err := p.policies.ExpiringAt(boundary)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			if record.Status == policy.StatusActive {
				pending = append(pending, boundary)
				break
			}
		}
	}
	return pending, nil
}

// BatchAt returns the settlement outcome recorded at a boundary.
func (p *Platform) BatchAt(boundary uint64) (*settlement.BatchOutcome, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	return p.engine.BatchAt(boundary)
}

// Batches returns every recorded batch outcome up to and including max.
func (p *Platform) Batches(max uint64) ([]*settlement.BatchOutcome, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	return p.ledger.SettlementBatches(max)
}

// --- Audit and operations surface ---

// VerifyAll runs every ledger invariant check under the state lock so the
// report reflects one consistent snapshot.
func (p *Platform) VerifyAll() (*audit.Report, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.verifier.VerifyAll()
}

// Pause halts a module until Resume lifts it.
func (p *Platform) Pause(module string) {
	p.pauses.Pause(module)
}

// Resume lifts a module pause.
func (p *Platform) Resume(module string) {
	p.pauses.Resume(module)
}

// PausedModules lists currently paused modules in sorted order.
func (p *Platform) PausedModules() []string {
	return p.pauses.Snapshot()
}

// PoolTotals aggregates one token's pool-wide balances for the status and
// metrics surfaces. The premium vault is reported separately from provider
// liquidity.
type PoolTotals struct {
	Token           string
	Providers       int
	Deposited       *big.Int
	Available       *big.Int
	Allocated       *big.Int
	PendingPremiums *big.Int
	EarnedPremiums  *big.Int
	VaultBalance    *big.Int
}

// PoolTotalsFor sums every account in the token's bucket.
func (p *Platform) PoolTotalsFor(token string) (*PoolTotals, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	normalized, err := pool.NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	accounts, err := p.ledger.PoolListAccounts(normalized)
	if err != nil {
		return nil, err
	}
	totals := &PoolTotals{
		Token:           normalized,
		Deposited:       fixedpoint.Zero(),
		Available:       fixedpoint.Zero(),
		Allocated:       fixedpoint.Zero(),
		PendingPremiums: fixedpoint.Zero(),
		EarnedPremiums:  fixedpoint.Zero(),
		VaultBalance:    fixedpoint.Zero(),
	}
	for _, account := range accounts {
		if account.Provider.Equal(pool.PremiumVault) {
			totals.VaultBalance.Add(totals.VaultBalance, account.Deposited)
			continue
		}
		totals.Providers++
		totals.Deposited.Add(totals.Deposited, account.Deposited)
		totals.Available.Add(totals.Available, account.Available)
		totals.Allocated.Add(totals.Allocated, account.Allocated)
		totals.PendingPremiums.Add(totals.PendingPremiums, account.PendingPremiums)
		totals.EarnedPremiums.Add(totals.EarnedPremiums, account.EarnedPremiums)
	}
	return totals, nil
}

// Tokens lists the settlement tokens the platform is configured for.
func (p *Platform) Tokens() []string {
	return append([]string(nil), p.cfg.Tokens...)
}

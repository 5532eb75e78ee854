package pool

import (
	"errors"
	"math/big"
	"sort"

	"bithedge/core/events"
	nativecommon "bithedge/native/common"
	"bithedge/native/fixedpoint"
)

var errNilEngine = errors.New("pool allocator: engine not configured")

// AllocatorConfig carries the risk matrix and the dust floor applied when
// spreading a policy's collateral across providers.
type AllocatorConfig struct {
	Matrix Matrix
	// MinAllocation is the smallest collateral share a single provider may
	// carry for one policy, in base units. Providers whose proportional
	// share would fall below it are dropped and the split recomputed. Zero
	// disables the floor.
	MinAllocation *big.Int
}

// Normalise fills defaults and validates the configuration, returning a
// cloned copy. The original value is not mutated.
func (c AllocatorConfig) Normalise() (AllocatorConfig, error) {
	out := AllocatorConfig{Matrix: c.Matrix.Clone(), MinAllocation: fixedpoint.Clone(c.MinAllocation)}
	if out.Matrix == nil {
		out.Matrix = DefaultMatrix()
	}
	if err := out.Matrix.Validate(); err != nil {
		return AllocatorConfig{}, err
	}
	if out.MinAllocation.Sign() < 0 {
		return AllocatorConfig{}, ErrInvalidAmount
	}
	return out, nil
}

// Allocator spreads required collateral across eligible providers in
// proportion to their available balances and fixes each provider's premium
// share at the same moment.
type Allocator struct {
	engine *Engine
	cfg    AllocatorConfig
}

// NewAllocator wires an allocator to the pool engine.
func NewAllocator(engine *Engine, cfg AllocatorConfig) (*Allocator, error) {
	if engine == nil {
		return nil, errNilEngine
	}
	normalized, err := cfg.Normalise()
	if err != nil {
		return nil, err
	}
	return &Allocator{engine: engine, cfg: normalized}, nil
}

type candidate struct {
	account  *Account
	provider *Provider
}

// Allocate locks `required` collateral for the policy across eligible
// providers. On success every reserved share is persisted as an immutable
// Allocation record and the union of shares equals required exactly. On
// failure no balances are left reserved.
func (a *Allocator) Allocate(policyID uint64, token string, policyTier Tier, required, premium *big.Int) ([]*Allocation, error) {
	if a == nil || a.engine == nil || a.engine.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(a.engine.pauses, moduleName); err != nil {
		return nil, err
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	if required == nil || required.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if !policyTier.Valid() {
		return nil, ErrInvalidTier
	}
	premiumTotal := fixedpoint.Clone(premium)

	existing, err := a.engine.state.PoolAllocationsByPolicy(policyID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, ErrDuplicateAllocation
	}

	eligible, err := a.eligibleProviders(normalized, policyTier)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, ErrNoEligibleProviders
	}

	selected, shares, err := a.apportion(eligible, required)
	if err != nil {
		return nil, err
	}

	premiumShares, err := splitPremium(premiumTotal, shares)
	if err != nil {
		return nil, err
	}

	allocations := make([]*Allocation, 0, len(selected))
	reserved := 0
	for i, cand := range selected {
		if reserveErr := a.engine.reserve(cand.provider.Address, normalized, shares[i], premiumShares[i]); reserveErr != nil {
			err = reserveErr
			break
		}
		reserved++
		bps := new(big.Int).Mul(shares[i], big.NewInt(fixedpoint.BpsDenominator))
		bps.Quo(bps, required)
		allocations = append(allocations, &Allocation{
			PolicyID:     policyID,
			Provider:     cand.provider.Address,
			Token:        normalized,
			Amount:       fixedpoint.Clone(shares[i]),
			PremiumShare: fixedpoint.Clone(premiumShares[i]),
			ShareBps:     uint32(bps.Uint64()),
			CreatedAt:    a.engine.now(),
		})
	}
	if err != nil {
		a.unwind(selected[:reserved], shares, premiumShares, normalized)
		return nil, err
	}

	for _, alloc := range allocations {
		if putErr := a.engine.state.PoolPutAllocation(alloc); putErr != nil {
			a.unwind(selected, shares, premiumShares, normalized)
			return nil, putErr
		}
	}

	for _, alloc := range allocations {
		a.engine.emit(events.CollateralLocked{
			PolicyID: alloc.PolicyID,
			Provider: alloc.Provider,
			Token:    alloc.Token,
			Amount:   fixedpoint.Clone(alloc.Amount),
			ShareBps: alloc.ShareBps,
		})
	}

	out := make([]*Allocation, len(allocations))
	for i, alloc := range allocations {
		out[i] = alloc.Clone()
	}
	return out, nil
}

// eligibleProviders returns tier-compatible funded accounts ordered by
// descending available balance, ties broken by ascending address.
func (a *Allocator) eligibleProviders(token string, policyTier Tier) ([]candidate, error) {
	accounts, err := a.engine.state.PoolListAccounts(token)
	if err != nil {
		return nil, err
	}
	eligible := make([]candidate, 0, len(accounts))
	for _, account := range accounts {
		if account.Available == nil || account.Available.Sign() <= 0 {
			continue
		}
		provider, ok, err := a.engine.state.PoolGetProvider(account.Provider)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Vault accounts carry no registration and never back policies.
			continue
		}
		if !a.cfg.Matrix.Compatible(policyTier, provider.Tier) {
			continue
		}
		eligible = append(eligible, candidate{account: account, provider: provider})
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		cmp := eligible[i].account.Available.Cmp(eligible[j].account.Available)
		if cmp != 0 {
			return cmp > 0
		}
		return eligible[i].provider.Address.String() < eligible[j].provider.Address.String()
	})
	return eligible, nil
}

// apportion computes the final provider set and their shares, applying the
// dust floor by dropping providers whose share would fall below it. Zero
// shares are always dropped.
func (a *Allocator) apportion(eligible []candidate, required *big.Int) ([]candidate, []*big.Int, error) {
	floor := a.cfg.MinAllocation
	if floor == nil || floor.Sign() == 0 {
		floor = big.NewInt(1)
	}
	selected := eligible
	for {
		capacities := make([]*big.Int, len(selected))
		total := new(big.Int)
		for i, cand := range selected {
			capacities[i] = cand.account.Available
			total.Add(total, capacities[i])
		}
		if total.Cmp(required) < 0 {
			return nil, nil, ErrInsufficientLiquidity
		}

		shares, err := fixedpoint.SplitCapped(required, capacities)
		if err != nil {
			if errors.Is(err, fixedpoint.ErrCapacityExceeded) {
				return nil, nil, ErrInsufficientLiquidity
			}
			return nil, nil, err
		}
		if len(selected) == 1 {
			return selected, shares, nil
		}

		kept := make([]candidate, 0, len(selected))
		for i, share := range shares {
			if share.Cmp(floor) < 0 {
				continue
			}
			kept = append(kept, selected[i])
		}
		if len(kept) == len(selected) {
			return selected, shares, nil
		}
		if len(kept) == 0 {
			// Every share fell below the floor; concentrate on the largest
			// provider rather than failing a policy smaller than the floor.
			kept = selected[:1]
		}
		selected = kept
	}
}

// splitPremium fixes the per-provider premium cut using collateral shares as
// weights. A zero premium yields zero shares.
func splitPremium(premium *big.Int, shares []*big.Int) ([]*big.Int, error) {
	if premium == nil || premium.Sign() == 0 {
		out := make([]*big.Int, len(shares))
		for i := range out {
			out[i] = fixedpoint.Zero()
		}
		return out, nil
	}
	return fixedpoint.SplitProportional(premium, shares)
}

// unwind releases reservations made before a failed allocation so the pool
// returns to its prior balances.
func (a *Allocator) unwind(reserved []candidate, shares, premiumShares []*big.Int, token string) {
	for i, cand := range reserved {
		_ = a.engine.release(cand.provider.Address, token, shares[i])
		if premiumShares[i].Sign() > 0 {
			_ = a.engine.forfeitPending(cand.provider.Address, token, premiumShares[i])
		}
	}
}

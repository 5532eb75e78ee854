package pool

import (
	"errors"
	"math/big"
	"time"

	"bithedge/core/events"
	"bithedge/crypto"
	nativecommon "bithedge/native/common"
	"bithedge/native/fixedpoint"
)

var (
	errNilState = errors.New("pool engine: state not configured")

	ErrInvalidAmount         = errors.New("pool engine: amount must be positive")
	ErrInvalidTier           = errors.New("pool engine: invalid risk tier")
	ErrProviderNotFound      = errors.New("pool engine: provider not registered")
	ErrAccountNotFound       = errors.New("pool engine: account not found")
	ErrInsufficientAvailable = errors.New("pool engine: insufficient available balance")
	ErrInsufficientAllocated = errors.New("pool engine: insufficient allocated balance")
	ErrInsufficientPending   = errors.New("pool engine: insufficient pending premiums")
	ErrInsufficientLiquidity = errors.New("pool engine: insufficient pool liquidity")
	ErrNoEligibleProviders   = errors.New("pool engine: no providers eligible for tier")
	ErrDuplicateAllocation   = errors.New("pool engine: allocation already recorded for provider")
)

const moduleName = "pool"

// PremiumVault holds policy premiums from creation until distribution. In
//-the-money premiums remain here as protocol reserve.
var PremiumVault = crypto.VaultAddress("premium")

type engineState interface {
	PoolGetProvider(addr crypto.Address) (*Provider, bool, error)
	PoolPutProvider(provider *Provider) error
	PoolGetAccount(addr crypto.Address, token string) (*Account, bool, error)
	PoolPutAccount(account *Account) error
	// PoolListAccounts returns every account holding the token in ascending
	// provider address order.
	PoolListAccounts(token string) ([]*Account, error)
	PoolPutAllocation(allocation *Allocation) error
	PoolGetAllocation(policyID uint64, provider crypto.Address) (*Allocation, bool, error)
	// PoolAllocationsByPolicy returns a policy's allocations in ascending
	// provider address order.
	PoolAllocationsByPolicy(policyID uint64) ([]*Allocation, error)
}

// Engine owns provider registrations and the per-token collateral buckets.
// Reserve and debit transitions are reachable only through the Allocator and
// the Custodian so external callers cannot move locked collateral.
type Engine struct {
	state   engineState
	emitter events.Emitter
	pauses  nativecommon.PauseView
	nowFn   func() int64
}

// NewEngine creates a pool engine with a no-op emitter. Callers wire state
// and emitter before use.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// RegisterProvider records a provider with its declared risk tier. Calling
// again updates the tier for future allocations only.
func (e *Engine) RegisterProvider(addr crypto.Address, tier Tier) (*Provider, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if !tier.Valid() {
		return nil, ErrInvalidTier
	}
	existing, ok, err := e.state.PoolGetProvider(addr)
	if err != nil {
		return nil, err
	}
	provider := &Provider{Address: addr, Tier: tier, RegisteredAt: e.now()}
	if ok {
		provider.RegisteredAt = existing.RegisteredAt
	}
	if err := e.state.PoolPutProvider(provider); err != nil {
		return nil, err
	}
	return provider.Clone(), nil
}

// GetProvider returns the registration record for an address.
func (e *Engine) GetProvider(addr crypto.Address) (*Provider, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	provider, ok, err := e.state.PoolGetProvider(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrProviderNotFound
	}
	return provider.Clone(), nil
}

// Deposit moves amount into the provider's available bucket. The provider
// must be registered first so every deposit carries a declared tier.
func (e *Engine) Deposit(provider crypto.Address, token string, amount *big.Int) (*Account, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	reg, ok, err := e.state.PoolGetProvider(provider)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrProviderNotFound
	}

	account, err := e.ensureAccount(provider, normalized)
	if err != nil {
		return nil, err
	}
	if account.Deposited, err = fixedpoint.Add(account.Deposited, amount); err != nil {
		return nil, err
	}
	if account.Available, err = fixedpoint.Add(account.Available, amount); err != nil {
		return nil, err
	}
	if err := e.state.PoolPutAccount(account); err != nil {
		return nil, err
	}
	e.emit(events.ProviderDeposited{
		Provider: provider,
		Token:    normalized,
		Amount:   fixedpoint.Clone(amount),
		Tier:     reg.Tier.String(),
	})
	return account.Clone(), nil
}

// Withdraw removes amount from the provider's available bucket. Allocated
// collateral cannot be withdrawn until it is released by settlement.
func (e *Engine) Withdraw(provider crypto.Address, token string, amount *big.Int) (*Account, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	account, ok, err := e.state.PoolGetAccount(provider, normalized)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAccountNotFound
	}
	if account.Available.Cmp(amount) < 0 {
		return nil, ErrInsufficientAvailable
	}
	if account.Available, err = fixedpoint.Sub(account.Available, amount); err != nil {
		return nil, err
	}
	if account.Deposited, err = fixedpoint.Sub(account.Deposited, amount); err != nil {
		return nil, err
	}
	if err := e.state.PoolPutAccount(account); err != nil {
		return nil, err
	}
	e.emit(events.ProviderWithdrew{
		Provider: provider,
		Token:    normalized,
		Amount:   fixedpoint.Clone(amount),
	})
	return account.Clone(), nil
}

// ClaimPremiums moves the provider's earned premiums into the withdrawable
// principal and returns the claimed amount.
func (e *Engine) ClaimPremiums(provider crypto.Address, token string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	account, ok, err := e.state.PoolGetAccount(provider, normalized)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAccountNotFound
	}
	claimed := fixedpoint.Clone(account.EarnedPremiums)
	if claimed.Sign() == 0 {
		return claimed, nil
	}
	account.EarnedPremiums = fixedpoint.Zero()
	if account.Available, err = fixedpoint.Add(account.Available, claimed); err != nil {
		return nil, err
	}
	if account.Deposited, err = fixedpoint.Add(account.Deposited, claimed); err != nil {
		return nil, err
	}
	if err := e.state.PoolPutAccount(account); err != nil {
		return nil, err
	}
	return claimed, nil
}

// GetAccount returns a copy of the provider's balances in one token.
func (e *Engine) GetAccount(provider crypto.Address, token string) (*Account, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	account, ok, err := e.state.PoolGetAccount(provider, normalized)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAccountNotFound
	}
	return account.Clone(), nil
}

// AllocationsByPolicy returns copies of the allocation records backing a
// policy in ascending provider address order.
func (e *Engine) AllocationsByPolicy(policyID uint64) ([]*Allocation, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	records, err := e.state.PoolAllocationsByPolicy(policyID)
	if err != nil {
		return nil, err
	}
	out := make([]*Allocation, len(records))
	for i, rec := range records {
		out[i] = rec.Clone()
	}
	return out, nil
}

func (e *Engine) ensureAccount(provider crypto.Address, token string) (*Account, error) {
	account, ok, err := e.state.PoolGetAccount(provider, token)
	if err != nil {
		return nil, err
	}
	if !ok {
		account = &Account{
			Provider:        provider,
			Token:           token,
			Deposited:       fixedpoint.Zero(),
			Available:       fixedpoint.Zero(),
			Allocated:       fixedpoint.Zero(),
			PendingPremiums: fixedpoint.Zero(),
			EarnedPremiums:  fixedpoint.Zero(),
		}
	}
	return account, nil
}

// reserve moves amount from available to allocated and accrues the pending
// premium share. Reachable only through the Allocator.
func (e *Engine) reserve(provider crypto.Address, token string, amount, premiumShare *big.Int) error {
	account, ok, err := e.state.PoolGetAccount(provider, token)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAccountNotFound
	}
	if account.Available.Cmp(amount) < 0 {
		return ErrInsufficientAvailable
	}
	if account.Available, err = fixedpoint.Sub(account.Available, amount); err != nil {
		return err
	}
	if account.Allocated, err = fixedpoint.Add(account.Allocated, amount); err != nil {
		return err
	}
	if premiumShare != nil && premiumShare.Sign() > 0 {
		if account.PendingPremiums, err = fixedpoint.Add(account.PendingPremiums, premiumShare); err != nil {
			return err
		}
	}
	return e.state.PoolPutAccount(account)
}

// release moves amount from allocated back to available.
func (e *Engine) release(provider crypto.Address, token string, amount *big.Int) error {
	account, ok, err := e.state.PoolGetAccount(provider, token)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAccountNotFound
	}
	if account.Allocated.Cmp(amount) < 0 {
		return ErrInsufficientAllocated
	}
	if account.Allocated, err = fixedpoint.Sub(account.Allocated, amount); err != nil {
		return err
	}
	if account.Available, err = fixedpoint.Add(account.Available, amount); err != nil {
		return err
	}
	return e.state.PoolPutAccount(account)
}

// debit permanently removes amount from the allocated bucket to fund a
// settlement payout.
func (e *Engine) debit(provider crypto.Address, token string, amount *big.Int) error {
	account, ok, err := e.state.PoolGetAccount(provider, token)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAccountNotFound
	}
	if account.Allocated.Cmp(amount) < 0 {
		return ErrInsufficientAllocated
	}
	if account.Allocated, err = fixedpoint.Sub(account.Allocated, amount); err != nil {
		return err
	}
	if account.Deposited, err = fixedpoint.Sub(account.Deposited, amount); err != nil {
		return err
	}
	return e.state.PoolPutAccount(account)
}

// creditEarned moves a premium share from pending to earned.
func (e *Engine) creditEarned(provider crypto.Address, token string, amount *big.Int) error {
	account, ok, err := e.state.PoolGetAccount(provider, token)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAccountNotFound
	}
	if account.PendingPremiums.Cmp(amount) < 0 {
		return ErrInsufficientPending
	}
	if account.PendingPremiums, err = fixedpoint.Sub(account.PendingPremiums, amount); err != nil {
		return err
	}
	if account.EarnedPremiums, err = fixedpoint.Add(account.EarnedPremiums, amount); err != nil {
		return err
	}
	return e.state.PoolPutAccount(account)
}

// forfeitPending drops a pending premium share that will stay in the reserve
// vault instead of reaching the provider.
func (e *Engine) forfeitPending(provider crypto.Address, token string, amount *big.Int) error {
	account, ok, err := e.state.PoolGetAccount(provider, token)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAccountNotFound
	}
	if account.PendingPremiums.Cmp(amount) < 0 {
		return ErrInsufficientPending
	}
	var subErr error
	if account.PendingPremiums, subErr = fixedpoint.Sub(account.PendingPremiums, amount); subErr != nil {
		return subErr
	}
	return e.state.PoolPutAccount(account)
}

// creditVault adds premium funds to the reserve vault account.
func (e *Engine) creditVault(token string, amount *big.Int) error {
	account, err := e.ensureAccount(PremiumVault, token)
	if err != nil {
		return err
	}
	if account.Deposited, err = fixedpoint.Add(account.Deposited, amount); err != nil {
		return err
	}
	if account.Available, err = fixedpoint.Add(account.Available, amount); err != nil {
		return err
	}
	return e.state.PoolPutAccount(account)
}

// debitVault removes premium funds from the reserve vault account.
func (e *Engine) debitVault(token string, amount *big.Int) error {
	account, ok, err := e.state.PoolGetAccount(PremiumVault, token)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAccountNotFound
	}
	if account.Available.Cmp(amount) < 0 {
		return ErrInsufficientAvailable
	}
	if account.Available, err = fixedpoint.Sub(account.Available, amount); err != nil {
		return err
	}
	if account.Deposited, err = fixedpoint.Sub(account.Deposited, amount); err != nil {
		return err
	}
	return e.state.PoolPutAccount(account)
}

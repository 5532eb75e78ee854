package pool

import (
	"math/big"

	"bithedge/core/events"
	"bithedge/crypto"
	"bithedge/native/fixedpoint"
)

// Custodian exposes the privileged balance transitions reserved for the
// settlement path. Holders can move collateral between buckets and route
// premiums; regular callers only ever see the Engine's public surface.
// Custodian operations are intentionally not pause-guarded so an operator
// pause never strands locked collateral mid-settlement.
type Custodian struct {
	engine *Engine
}

// Custodian hands out the privileged surface. Call once at wiring time and
// pass the value only to settlement components.
func (e *Engine) Custodian() *Custodian {
	return &Custodian{engine: e}
}

// AllocationsByPolicy returns copies of the allocation records backing a
// policy in ascending provider address order.
func (c *Custodian) AllocationsByPolicy(policyID uint64) ([]*Allocation, error) {
	if c == nil || c.engine == nil {
		return nil, errNilEngine
	}
	return c.engine.AllocationsByPolicy(policyID)
}

// Release returns allocated collateral to the provider's available bucket
// after the backing policy leaves the active state.
func (c *Custodian) Release(policyID uint64, provider crypto.Address, token string, amount *big.Int) error {
	if c == nil || c.engine == nil {
		return errNilEngine
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	if err := c.engine.release(provider, normalized, amount); err != nil {
		return err
	}
	c.engine.emit(events.CollateralReleased{
		PolicyID: policyID,
		Provider: provider,
		Token:    normalized,
		Amount:   fixedpoint.Clone(amount),
	})
	return nil
}

// Debit permanently removes allocated collateral to fund a settlement payout.
func (c *Custodian) Debit(provider crypto.Address, token string, amount *big.Int) error {
	if c == nil || c.engine == nil {
		return errNilEngine
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	return c.engine.debit(provider, normalized, amount)
}

// DepositPremium places a newly paid policy premium into the reserve vault
// where it waits for distribution.
func (c *Custodian) DepositPremium(token string, amount *big.Int) error {
	if c == nil || c.engine == nil {
		return errNilEngine
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	return c.engine.creditVault(normalized, amount)
}

// CreditPremium moves a provider's premium share out of the vault and from
// its pending bucket into earned.
func (c *Custodian) CreditPremium(provider crypto.Address, token string, amount *big.Int) error {
	if c == nil || c.engine == nil {
		return errNilEngine
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	if err := c.engine.debitVault(normalized, amount); err != nil {
		return err
	}
	return c.engine.creditEarned(provider, normalized, amount)
}

// ForfeitPremium clears a provider's pending premium share when the premium
// stays in the reserve vault instead.
func (c *Custodian) ForfeitPremium(provider crypto.Address, token string, amount *big.Int) error {
	if c == nil || c.engine == nil {
		return errNilEngine
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	return c.engine.forfeitPending(provider, normalized, amount)
}

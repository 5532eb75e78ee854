package pool

import (
	"fmt"
	"math/big"
	"strings"

	"bithedge/crypto"
)

// NormalizeToken canonicalises a settlement token symbol. The pool carries
// sBTC and STX collateral.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	switch trimmed {
	case "SBTC", "STX":
		return trimmed, nil
	default:
		return "", fmt.Errorf("unsupported pool token: %s", symbol)
	}
}

// Provider is a liquidity provider's registration record. The declared tier
// governs which policies the provider's collateral may back.
type Provider struct {
	Address      crypto.Address
	Tier         Tier
	RegisteredAt int64
}

// Clone returns a deep copy of the provider record.
func (p *Provider) Clone() *Provider {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// Account tracks one provider's balances in one token. Deposited always
// equals Available plus Allocated; premiums accrue in their own buckets.
type Account struct {
	Provider crypto.Address
	Token    string
	// Deposited is the principal currently in the pool.
	Deposited *big.Int
	// Available is the spendable and withdrawable portion of the principal.
	Available *big.Int
	// Allocated is the portion locked behind active policies.
	Allocated *big.Int
	// PendingPremiums holds premium shares reserved by active policies.
	PendingPremiums *big.Int
	// EarnedPremiums holds distributed premiums awaiting claim.
	EarnedPremiums *big.Int
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Deposited = cloneAmount(a.Deposited)
	cp.Available = cloneAmount(a.Available)
	cp.Allocated = cloneAmount(a.Allocated)
	cp.PendingPremiums = cloneAmount(a.PendingPremiums)
	cp.EarnedPremiums = cloneAmount(a.EarnedPremiums)
	return &cp
}

// Sanitize normalises the token symbol and replaces nil balances with zero.
// The original value is not mutated.
func (a *Account) Sanitize() (*Account, error) {
	if a == nil {
		return nil, fmt.Errorf("nil pool account")
	}
	clone := a.Clone()
	token, err := NormalizeToken(clone.Token)
	if err != nil {
		return nil, err
	}
	clone.Token = token
	for _, v := range []*big.Int{clone.Deposited, clone.Available, clone.Allocated, clone.PendingPremiums, clone.EarnedPremiums} {
		if v.Sign() < 0 {
			return nil, fmt.Errorf("pool account balance must be non-negative")
		}
	}
	return clone, nil
}

// Allocation is the immutable record of one provider's share of a policy's
// collateral, written when the policy is created.
type Allocation struct {
	PolicyID uint64
	Provider crypto.Address
	Token    string
	// Amount is the collateral locked by this provider.
	Amount *big.Int
	// PremiumShare is this provider's fixed cut of the policy premium.
	PremiumShare *big.Int
	// ShareBps is Amount over the policy's required collateral in basis
	// points, for display only.
	ShareBps  uint32
	CreatedAt int64
}

// Clone returns a deep copy of the allocation record.
func (al *Allocation) Clone() *Allocation {
	if al == nil {
		return nil
	}
	cp := *al
	cp.Amount = cloneAmount(al.Amount)
	cp.PremiumShare = cloneAmount(al.PremiumShare)
	return &cp
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

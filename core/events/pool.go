package events

import (
	"math/big"
	"strconv"

	"bithedge/core/types"
	"bithedge/crypto"
)

const (
	// TypeProviderDeposited marks liquidity entering a provider account.
	TypeProviderDeposited = "pool.deposited"
	// TypeProviderWithdrew marks liquidity leaving a provider account.
	TypeProviderWithdrew = "pool.withdrawn"
	// TypeCollateralLocked marks available balance moving to the allocated
	// bucket to back a policy.
	TypeCollateralLocked = "pool.collateral_locked"
	// TypeCollateralReleased marks allocated balance returning to the
	// available bucket.
	TypeCollateralReleased = "pool.collateral_released"
)

// ProviderDeposited records a provider deposit.
type ProviderDeposited struct {
	Provider crypto.Address
	Token    string
	Amount   *big.Int
	Tier     string
}

// EventType satisfies the events.Event interface.
func (ProviderDeposited) EventType() string { return TypeProviderDeposited }

// Event converts the structured payload into a broadcastable event.
func (e ProviderDeposited) Event() *types.Event {
	attrs := map[string]string{}
	putAddr(attrs, "provider", e.Provider)
	if token := normalizeToken(e.Token); token != "" {
		attrs["token"] = token
	}
	putAmount(attrs, "amount", e.Amount)
	if e.Tier != "" {
		attrs["tier"] = e.Tier
	}
	return &types.Event{Type: TypeProviderDeposited, Attributes: attrs}
}

// ProviderWithdrew records a provider withdrawal from available balance.
type ProviderWithdrew struct {
	Provider crypto.Address
	Token    string
	Amount   *big.Int
}

// EventType satisfies the events.Event interface.
func (ProviderWithdrew) EventType() string { return TypeProviderWithdrew }

// Event converts the structured payload into a broadcastable event.
func (e ProviderWithdrew) Event() *types.Event {
	attrs := map[string]string{}
	putAddr(attrs, "provider", e.Provider)
	if token := normalizeToken(e.Token); token != "" {
		attrs["token"] = token
	}
	putAmount(attrs, "amount", e.Amount)
	return &types.Event{Type: TypeProviderWithdrew, Attributes: attrs}
}

// CollateralLocked records one provider's share of a policy's collateral
// moving into the allocated bucket.
type CollateralLocked struct {
	PolicyID uint64
	Provider crypto.Address
	Token    string
	Amount   *big.Int
	ShareBps uint32
}

// EventType satisfies the events.Event interface.
func (CollateralLocked) EventType() string { return TypeCollateralLocked }

// Event converts the structured payload into a broadcastable event.
func (e CollateralLocked) Event() *types.Event {
	attrs := map[string]string{
		"policyId": strconv.FormatUint(e.PolicyID, 10),
	}
	putAddr(attrs, "provider", e.Provider)
	if token := normalizeToken(e.Token); token != "" {
		attrs["token"] = token
	}
	putAmount(attrs, "amount", e.Amount)
	if e.ShareBps > 0 {
		attrs["shareBps"] = strconv.FormatUint(uint64(e.ShareBps), 10)
	}
	return &types.Event{Type: TypeCollateralLocked, Attributes: attrs}
}

// CollateralReleased records allocated collateral returning to a provider's
// available bucket after settlement or expiration.
type CollateralReleased struct {
	PolicyID uint64
	Provider crypto.Address
	Token    string
	Amount   *big.Int
}

// EventType satisfies the events.Event interface.
func (CollateralReleased) EventType() string { return TypeCollateralReleased }

// Event converts the structured payload into a broadcastable event.
func (e CollateralReleased) Event() *types.Event {
	attrs := map[string]string{
		"policyId": strconv.FormatUint(e.PolicyID, 10),
	}
	putAddr(attrs, "provider", e.Provider)
	if token := normalizeToken(e.Token); token != "" {
		attrs["token"] = token
	}
	putAmount(attrs, "amount", e.Amount)
	return &types.Event{Type: TypeCollateralReleased, Attributes: attrs}
}

package events

import (
	"math/big"
	"strconv"

	"bithedge/core/types"
)

const (
	// TypeBoundarySettled marks the completion of a settlement batch for one
	// expiration boundary.
	TypeBoundarySettled = "settlement.boundary_settled"
	// TypePremiumDistributed marks a policy premium paid out to its backing
	// providers.
	TypePremiumDistributed = "settlement.premium_distributed"
	// TypePremiumRetained marks a policy premium kept in the reserve vault
	// because the policy settled in the money.
	TypePremiumRetained = "settlement.premium_retained"
)

// BoundarySettled summarizes a settlement batch.
type BoundarySettled struct {
	Boundary    uint64
	Token       string
	Price       *big.Int
	Processed   int
	Settled     int
	Expired     int
	Failed      int
	TotalPayout *big.Int
}

// EventType satisfies the events.Event interface.
func (BoundarySettled) EventType() string { return TypeBoundarySettled }

// Event converts the structured payload into a broadcastable event.
func (e BoundarySettled) Event() *types.Event {
	attrs := map[string]string{
		"boundary":  strconv.FormatUint(e.Boundary, 10),
		"processed": strconv.Itoa(e.Processed),
		"settled":   strconv.Itoa(e.Settled),
		"expired":   strconv.Itoa(e.Expired),
		"failed":    strconv.Itoa(e.Failed),
	}
	if token := normalizeToken(e.Token); token != "" {
		attrs["token"] = token
	}
	putAmount(attrs, "price", e.Price)
	putAmount(attrs, "totalPayout", e.TotalPayout)
	return &types.Event{Type: TypeBoundarySettled, Attributes: attrs}
}

// PremiumDistributed records one policy's premium split across providers.
type PremiumDistributed struct {
	PolicyID  uint64
	Token     string
	Amount    *big.Int
	Providers int
	Boundary  uint64
}

// EventType satisfies the events.Event interface.
func (PremiumDistributed) EventType() string { return TypePremiumDistributed }

// Event converts the structured payload into a broadcastable event.
func (e PremiumDistributed) Event() *types.Event {
	attrs := map[string]string{
		"policyId": strconv.FormatUint(e.PolicyID, 10),
		"boundary": strconv.FormatUint(e.Boundary, 10),
	}
	if token := normalizeToken(e.Token); token != "" {
		attrs["token"] = token
	}
	putAmount(attrs, "amount", e.Amount)
	if e.Providers > 0 {
		attrs["providers"] = strconv.Itoa(e.Providers)
	}
	return &types.Event{Type: TypePremiumDistributed, Attributes: attrs}
}

// PremiumRetained records a premium absorbed by the reserve vault.
type PremiumRetained struct {
	PolicyID uint64
	Token    string
	Amount   *big.Int
	Boundary uint64
}

// EventType satisfies the events.Event interface.
func (PremiumRetained) EventType() string { return TypePremiumRetained }

// Event converts the structured payload into a broadcastable event.
func (e PremiumRetained) Event() *types.Event {
	attrs := map[string]string{
		"policyId": strconv.FormatUint(e.PolicyID, 10),
		"boundary": strconv.FormatUint(e.Boundary, 10),
	}
	if token := normalizeToken(e.Token); token != "" {
		attrs["token"] = token
	}
	putAmount(attrs, "amount", e.Amount)
	return &types.Event{Type: TypePremiumRetained, Attributes: attrs}
}

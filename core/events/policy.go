package events

import (
	"math/big"
	"strconv"

	"bithedge/core/types"
	"bithedge/crypto"
)

const (
	// TypePolicyCreated marks the creation of a protection policy with fully
	// reserved collateral.
	TypePolicyCreated = "policy.created"
	// TypePolicySettled marks an in-the-money policy whose payout has been
	// debited from backing providers.
	TypePolicySettled = "policy.settled"
	// TypePolicyExpired marks an out-of-the-money policy whose collateral
	// returned to the providers.
	TypePolicyExpired = "policy.expired"
)

// PolicyCreated records a newly opened policy for downstream indexers.
type PolicyCreated struct {
	ID        uint64
	Owner     crypto.Address
	Kind      string
	Token     string
	Strike    *big.Int
	Notional  *big.Int
	Premium   *big.Int
	Tier      string
	ExpiresAt uint64
	Providers int
}

// EventType satisfies the events.Event interface.
func (PolicyCreated) EventType() string { return TypePolicyCreated }

// Event converts the structured payload into a broadcastable event.
func (e PolicyCreated) Event() *types.Event {
	attrs := map[string]string{
		"policyId":  strconv.FormatUint(e.ID, 10),
		"expiresAt": strconv.FormatUint(e.ExpiresAt, 10),
	}
	putAddr(attrs, "owner", e.Owner)
	if e.Kind != "" {
		attrs["kind"] = e.Kind
	}
	if token := normalizeToken(e.Token); token != "" {
		attrs["token"] = token
	}
	putAmount(attrs, "strike", e.Strike)
	putAmount(attrs, "notional", e.Notional)
	putAmount(attrs, "premium", e.Premium)
	if e.Tier != "" {
		attrs["tier"] = e.Tier
	}
	if e.Providers > 0 {
		attrs["providers"] = strconv.Itoa(e.Providers)
	}
	return &types.Event{Type: TypePolicyCreated, Attributes: attrs}
}

// PolicySettled records an in-the-money settlement outcome.
type PolicySettled struct {
	ID       uint64
	Owner    crypto.Address
	Token    string
	Boundary uint64
	Price    *big.Int
	Payout   *big.Int
}

// EventType satisfies the events.Event interface.
func (PolicySettled) EventType() string { return TypePolicySettled }

// Event converts the structured payload into a broadcastable event.
func (e PolicySettled) Event() *types.Event {
	attrs := map[string]string{
		"policyId": strconv.FormatUint(e.ID, 10),
		"boundary": strconv.FormatUint(e.Boundary, 10),
	}
	putAddr(attrs, "owner", e.Owner)
	if token := normalizeToken(e.Token); token != "" {
		attrs["token"] = token
	}
	putAmount(attrs, "price", e.Price)
	putAmount(attrs, "payout", e.Payout)
	return &types.Event{Type: TypePolicySettled, Attributes: attrs}
}

// PolicyExpired records an out-of-the-money expiration outcome.
type PolicyExpired struct {
	ID       uint64
	Owner    crypto.Address
	Token    string
	Boundary uint64
	Price    *big.Int
	Released *big.Int
}

// EventType satisfies the events.Event interface.
func (PolicyExpired) EventType() string { return TypePolicyExpired }

// Event converts the structured payload into a broadcastable event.
func (e PolicyExpired) Event() *types.Event {
	attrs := map[string]string{
		"policyId": strconv.FormatUint(e.ID, 10),
		"boundary": strconv.FormatUint(e.Boundary, 10),
	}
	putAddr(attrs, "owner", e.Owner)
	if token := normalizeToken(e.Token); token != "" {
		attrs["token"] = token
	}
	putAmount(attrs, "price", e.Price)
	putAmount(attrs, "released", e.Released)
	return &types.Event{Type: TypePolicyExpired, Attributes: attrs}
}

package policy

import (
	"fmt"
	"math/big"
	"strings"

	"bithedge/crypto"
	"bithedge/native/pool"
)

// Kind distinguishes downside protection (PUT) from upside participation
// (CALL). Both settle European style at the expiration boundary only.
type Kind uint8

const (
	KindUnspecified Kind = iota
	KindPut
	KindCall
)

// Valid reports whether the kind is PUT or CALL.
func (k Kind) Valid() bool {
	return k == KindPut || k == KindCall
}

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "PUT"
	case KindCall:
		return "CALL"
	default:
		return "UNSPECIFIED"
	}
}

// ParseKind converts a case-insensitive kind name into its Kind value.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PUT":
		return KindPut, nil
	case "CALL":
		return KindCall, nil
	default:
		return KindUnspecified, fmt.Errorf("policy: unknown kind %q", s)
	}
}

// Status tracks a policy through its lifecycle. Settled and Expired are
// terminal.
type Status uint8

const (
	StatusUnspecified Status = iota
	// StatusActive policies hold reserved collateral and await their
	// expiration boundary.
	StatusActive
	// StatusSettled policies finished in the money and paid out.
	StatusSettled
	// StatusExpired policies finished out of the money.
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusSettled:
		return "settled"
	case StatusExpired:
		return "expired"
	default:
		return "unspecified"
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusExpired
}

// Policy is the full record of one protection contract.
type Policy struct {
	ID    uint64
	Owner crypto.Address
	Kind  Kind
	Token string
	// Strike is the trigger price in quote base units.
	Strike *big.Int
	// Notional is the protected amount in token base units. It is also the
	// payout cap and the required collateral.
	Notional *big.Int
	// Premium is the amount the owner paid, held in the reserve vault until
	// disposition.
	Premium *big.Int
	Tier    pool.Tier
	// RequiredCollateral is fixed at creation and equals Notional.
	RequiredCollateral *big.Int
	CreatedAt          int64
	// ExpiresAt is the expiration boundary the policy settles at.
	ExpiresAt uint64
	Status    Status
	// SettledAt is the boundary at which the policy reached a terminal
	// status, zero while active.
	SettledAt uint64
	// SettlementPrice is the boundary price used at settlement, nil while
	// active.
	SettlementPrice *big.Int
	// SettlementAmount is the payout debited from providers, zero for
	// expired policies and nil while active.
	SettlementAmount *big.Int
	// PremiumDistributed is set once the premium reached the providers.
	PremiumDistributed bool
}

// Clone returns a deep copy of the policy.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Strike = cloneAmount(p.Strike)
	cp.Notional = cloneAmount(p.Notional)
	cp.Premium = cloneAmount(p.Premium)
	cp.RequiredCollateral = cloneAmount(p.RequiredCollateral)
	if p.SettlementPrice != nil {
		cp.SettlementPrice = new(big.Int).Set(p.SettlementPrice)
	}
	if p.SettlementAmount != nil {
		cp.SettlementAmount = new(big.Int).Set(p.SettlementAmount)
	}
	return &cp
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

package pool

import (
	"fmt"
	"strings"
)

// Tier classifies how aggressive a provider's collateral may be deployed and
// how risky a policy is considered. Policies are only backed by providers
// whose tier is compatible under the configured matrix.
type Tier uint8

const (
	TierUnspecified Tier = iota
	TierConservative
	TierBalanced
	TierAggressive
	// TierFlexible providers accept policies of any tier.
	TierFlexible
)

// Valid reports whether the tier is one of the declared values.
func (t Tier) Valid() bool {
	switch t {
	case TierConservative, TierBalanced, TierAggressive, TierFlexible:
		return true
	default:
		return false
	}
}

func (t Tier) String() string {
	switch t {
	case TierConservative:
		return "conservative"
	case TierBalanced:
		return "balanced"
	case TierAggressive:
		return "aggressive"
	case TierFlexible:
		return "flexible"
	default:
		return "unspecified"
	}
}

// ParseTier converts a case-insensitive tier name into its Tier value.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "conservative":
		return TierConservative, nil
	case "balanced":
		return TierBalanced, nil
	case "aggressive":
		return TierAggressive, nil
	case "flexible":
		return TierFlexible, nil
	default:
		return TierUnspecified, fmt.Errorf("pool: unknown risk tier %q", s)
	}
}

// Matrix maps a policy tier to the provider tiers allowed to back it.
type Matrix map[Tier][]Tier

// DefaultMatrix pairs each policy tier with providers of the same tier.
// Flexible cuts both ways: flexible providers back any policy and flexible
// policies accept any provider.
func DefaultMatrix() Matrix {
	return Matrix{
		TierConservative: {TierConservative, TierFlexible},
		TierBalanced:     {TierBalanced, TierFlexible},
		TierAggressive:   {TierAggressive, TierFlexible},
		TierFlexible:     {TierConservative, TierBalanced, TierAggressive, TierFlexible},
	}
}

// Validate checks that every key and value in the matrix is a declared tier.
func (m Matrix) Validate() error {
	for policyTier, providers := range m {
		if !policyTier.Valid() {
			return fmt.Errorf("pool: matrix key %d is not a valid tier", policyTier)
		}
		if len(providers) == 0 {
			return fmt.Errorf("pool: matrix entry for %s allows no providers", policyTier)
		}
		for _, p := range providers {
			if !p.Valid() {
				return fmt.Errorf("pool: matrix entry for %s contains invalid tier %d", policyTier, p)
			}
		}
	}
	return nil
}

// Compatible reports whether a provider of the given tier may back a policy
// of the given tier.
func (m Matrix) Compatible(policyTier, providerTier Tier) bool {
	allowed, ok := m[policyTier]
	if !ok {
		return false
	}
	for _, t := range allowed {
		if t == providerTier {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the matrix.
func (m Matrix) Clone() Matrix {
	if m == nil {
		return nil
	}
	cp := make(Matrix, len(m))
	for k, v := range m {
		cp[k] = append([]Tier(nil), v...)
	}
	return cp
}

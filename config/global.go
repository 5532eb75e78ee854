package config

import (
	"fmt"
	"math/big"
	"strings"

	nativecommon "bithedge/native/common"
	"bithedge/native/fixedpoint"
	"bithedge/native/pool"
)

// Matrix parses the configured risk matrix into runtime tiers. An empty
// matrix falls back to the pool default.
func (c *Config) Matrix() (pool.Matrix, error) {
	if len(c.RiskMatrix) == 0 {
		return pool.DefaultMatrix(), nil
	}
	matrix := make(pool.Matrix, len(c.RiskMatrix))
	for policyTier, providers := range c.RiskMatrix {
		key, err := pool.ParseTier(policyTier)
		if err != nil {
			return nil, fmt.Errorf("invalid RiskMatrix key: %w", err)
		}
		allowed := make([]pool.Tier, 0, len(providers))
		for _, name := range providers {
			tier, err := pool.ParseTier(name)
			if err != nil {
				return nil, fmt.Errorf("invalid RiskMatrix entry for %s: %w", policyTier, err)
			}
			allowed = append(allowed, tier)
		}
		matrix[key] = allowed
	}
	if err := matrix.Validate(); err != nil {
		return nil, err
	}
	return matrix, nil
}

// MinAllocationAmount parses the configured dust threshold into base units.
// An empty setting disables the floor.
func (c *Config) MinAllocationAmount() (*big.Int, error) {
	trimmed := strings.TrimSpace(c.MinAllocation)
	if trimmed == "" {
		return nil, nil
	}
	amount, err := fixedpoint.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid MinAllocation: %w", err)
	}
	return amount, nil
}

// PolicyQuota converts the configured creation limits into the runtime quota
// the orchestration layer enforces.
func (c *Config) PolicyQuota() nativecommon.Quota {
	return nativecommon.Quota{
		MaxPoliciesPerEpoch: c.Quota.MaxPoliciesPerEpoch,
		MaxNotionalWhole:    c.Quota.MaxNotionalWhole,
		EpochSeconds:        c.Quota.EpochSeconds,
	}
}

// PausedModules lists the module names flagged paused at startup.
func (c *Config) PausedModules() []string {
	var paused []string
	if c.Pauses.Pool {
		paused = append(paused, "pool")
	}
	if c.Pauses.Policy {
		paused = append(paused, "policy")
	}
	if c.Pauses.Settlement {
		paused = append(paused, "settlement")
	}
	return paused
}

package config

import (
	"fmt"
	"strings"

	"bithedge/native/pool"
)

// ValidateConfig checks that every configured value parses into its runtime
// form before any engine is constructed with it.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("config: DataDir required")
	}
	if len(cfg.Tokens) == 0 {
		return fmt.Errorf("config: at least one settlement token required")
	}
	for _, token := range cfg.Tokens {
		if _, err := pool.NormalizeToken(token); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if _, err := cfg.MinAllocationAmount(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := cfg.Matrix(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if (cfg.Quota.MaxPoliciesPerEpoch > 0 || cfg.Quota.MaxNotionalWhole > 0) && cfg.Quota.EpochSeconds == 0 {
		return fmt.Errorf("config: Quota.EpochSeconds required when quota caps are set")
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the engine configuration loaded from config.toml. It carries the
// ledger location and the risk parameters the allocator and policy store are
// constructed with; daemon runtime settings live in the service's own file.
type Config struct {
	DataDir       string              `toml:"DataDir"`
	NetworkName   string              `toml:"NetworkName"`
	Tokens        []string            `toml:"Tokens"`
	MinAllocation string              `toml:"MinAllocation"`
	MaxPremiumBps uint32              `toml:"MaxPremiumBps"`
	RiskMatrix    map[string][]string `toml:"RiskMatrix"`
	Quota         Quota               `toml:"Quota"`
	Pauses        Pauses              `toml:"Pauses"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists. Unknown keys are rejected so typos cannot silently relax
// risk limits.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("config file %s contains unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "bithedge-local"
	}
	if len(cfg.Tokens) == 0 {
		cfg.Tokens = defaultTokens()
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		DataDir:       "./bithedge-data",
		NetworkName:   "bithedge-local",
		Tokens:        defaultTokens(),
		MinAllocation: "0.0001",
		MaxPremiumBps: 2_500,
		RiskMatrix: map[string][]string{
			"conservative": {"conservative", "flexible"},
			"balanced":     {"balanced", "flexible"},
			"aggressive":   {"aggressive", "flexible"},
			"flexible":     {"conservative", "balanced", "aggressive", "flexible"},
		},
		Quota: Quota{
			MaxPoliciesPerEpoch: 100,
			MaxNotionalWhole:    1_000,
			EpochSeconds:        3_600,
		},
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultTokens() []string {
	return []string{"SBTC", "STX"}
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

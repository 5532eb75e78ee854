package config

// Quota defines per-owner limits on policy creation within one epoch window.
// NotionalWhole caps are expressed in whole tokens so the counter fits a
// uint64. Zero values disable the respective cap.
type Quota struct {
	MaxPoliciesPerEpoch uint32 `toml:"MaxPoliciesPerEpoch"`
	MaxNotionalWhole    uint64 `toml:"MaxNotionalWhole"`
	EpochSeconds        uint32 `toml:"EpochSeconds"`
}

// Pauses flags modules that start in the paused state. Operators normally
// pause at runtime through the admin surface; config-level pauses cover
// maintenance restarts.
type Pauses struct {
	Pool       bool `toml:"Pool"`
	Policy     bool `toml:"Policy"`
	Settlement bool `toml:"Settlement"`
}

package config

import (
	"lendcore/native/common"
	"lendcore/native/lending"
)

// AssetListing lists a token at startup when it is not yet in storage.
type AssetListing struct {
	Token  string              `toml:"Token"`
	Config lending.AssetConfig `toml:"config"`
}

// Pauses switches off whole surfaces of the engine.
type Pauses struct {
	Lending     bool `toml:"Lending"`
	Margin      bool `toml:"Margin"`
	Liquidation bool `toml:"Liquidation"`
}

// IsPaused implements common.PauseView over the engine module names.
func (p Pauses) IsPaused(module string) bool {
	switch module {
	case common.ModuleLending:
		return p.Lending
	case common.ModuleMargin:
		return p.Margin
	case common.ModuleLiquidation:
		return p.Liquidation
	}
	return false
}

// Quota bounds per-account API usage.
type Quota struct {
	MaxRequestsPerEpoch uint32 `toml:"MaxRequestsPerEpoch"`
	MaxActionsPerEpoch  uint64 `toml:"MaxActionsPerEpoch"`
	EpochSeconds        uint32 `toml:"EpochSeconds"`
}

// Runtime converts the quota into the tracker form.
func (q Quota) Runtime() common.Quota {
	return common.Quota{
		MaxRequestsPerEpoch: q.MaxRequestsPerEpoch,
		MaxActionsPerEpoch:  q.MaxActionsPerEpoch,
		EpochSeconds:        q.EpochSeconds,
	}
}

// Oracle configures the price feeds consulted before each batch.
type Oracle struct {
	Priority      []string               `toml:"Priority"`
	MaxAgeSeconds uint64                 `toml:"MaxAgeSeconds"`
	Feeds         []Feed                 `toml:"feeds"`
	Manual        map[string]ManualPrice `toml:"manual"`
}

// Feed is an HTTP price source.
type Feed struct {
	Name   string `toml:"Name"`
	URL    string `toml:"URL"`
	APIKey string `toml:"APIKey"`
}

// ManualPrice pins a USD price per whole token.
type ManualPrice struct {
	USD      string `toml:"USD"`
	Decimals uint8  `toml:"Decimals"`
}

var _ common.PauseView = Pauses{}

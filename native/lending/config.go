package lending

import (
	"fmt"
	"strings"
)

// Config captures the runtime configuration for the native lending module.
type Config struct {
	Owner                        AccountID    `toml:"Owner" json:"owner"`
	ForceClosingEnabled          bool         `toml:"ForceClosingEnabled" json:"forceClosingEnabled"`
	MaxNumAssets                 int          `toml:"MaxNumAssets" json:"maxNumAssets"`
	LPTokensInfoValidDurationSec uint64       `toml:"LPTokensInfoValidDurationSec" json:"lpTokensInfoValidDurationSec"`
	LiquidationBufferBps         uint32       `toml:"LiquidationBufferBps" json:"liquidationBufferBps"`
	Margin                       MarginConfig `toml:"margin" json:"margin"`
}

// DefaultConfig returns the parameters used when no override is provided.
func DefaultConfig() Config {
	cfg := Config{
		MaxNumAssets:                 10,
		LPTokensInfoValidDurationSec: 600,
		Margin:                       DefaultMarginConfig(),
	}
	return cfg
}

// Clone returns a deep copy of the config.
func (c Config) Clone() Config {
	clone := c
	clone.Margin = c.Margin.Clone()
	return clone
}

// EnsureDefaults fills zero values that have no meaningful zero setting.
func (c *Config) EnsureDefaults() {
	c.Owner = AccountID(strings.TrimSpace(string(c.Owner)))
	if c.MaxNumAssets <= 0 {
		c.MaxNumAssets = DefaultConfig().MaxNumAssets
	}
	if c.LPTokensInfoValidDurationSec == 0 {
		c.LPTokensInfoValidDurationSec = DefaultConfig().LPTokensInfoValidDurationSec
	}
	c.Margin.EnsureDefaults()
}

// Validate checks the config bounds.
func (c Config) Validate() error {
	if c.LiquidationBufferBps > MaxRatio {
		return fmt.Errorf("%w: liquidation buffer above 100%%", ErrValidation)
	}
	return c.Margin.Validate()
}

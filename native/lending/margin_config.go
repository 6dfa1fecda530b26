package lending

import (
	"fmt"
	"strings"
)

// MarginConfig captures the margin-trading parameters.
type MarginConfig struct {
	// MaxLeverageRate bounds debt value over margin value, as a multiple.
	MaxLeverageRate uint32 `toml:"MaxLeverageRate" json:"maxLeverageRate"`
	// PendingDebtScale caps pending debt as a share of available liquidity.
	PendingDebtScale uint32 `toml:"PendingDebtScale" json:"pendingDebtScale"`
	MaxSlippageRate  uint32 `toml:"MaxSlippageRate" json:"maxSlippageRate"`
	// MinSafetyBuffer is the liquidation buffer of margin positions.
	MinSafetyBuffer          uint32 `toml:"MinSafetyBuffer" json:"minSafetyBuffer"`
	MarginDebtDiscountRate   uint32 `toml:"MarginDebtDiscountRate" json:"marginDebtDiscountRate"`
	OpenPositionFeeRate      uint32 `toml:"OpenPositionFeeRate" json:"openPositionFeeRate"`
	LiqBenefitProtocolRate   uint32 `toml:"LiqBenefitProtocolRate" json:"liqBenefitProtocolRate"`
	LiqBenefitLiquidatorRate uint32 `toml:"LiqBenefitLiquidatorRate" json:"liqBenefitLiquidatorRate"`
	// MaxActivePositions bounds open positions per margin account.
	MaxActivePositions int `toml:"MaxActivePositions" json:"maxActivePositions"`
	// RegisteredVenues are the swap venues positions may trade through.
	RegisteredVenues []string `toml:"RegisteredVenues" json:"registeredVenues"`
	// RegisteredTokens maps tradable tokens to their party. Debt and position
	// tokens must belong to different parties.
	RegisteredTokens map[TokenID]uint8 `toml:"RegisteredTokens" json:"registeredTokens"`
}

// DefaultMarginConfig returns conservative margin parameters.
func DefaultMarginConfig() MarginConfig {
	return MarginConfig{
		MaxLeverageRate:          10,
		PendingDebtScale:         1_000,
		MaxSlippageRate:          1_000,
		MinSafetyBuffer:          1_000,
		MarginDebtDiscountRate:   5_000,
		OpenPositionFeeRate:      0,
		LiqBenefitProtocolRate:   2_000,
		LiqBenefitLiquidatorRate: 3_000,
		MaxActivePositions:       64,
		RegisteredTokens:         make(map[TokenID]uint8),
	}
}

// Clone returns a deep copy of the config.
func (c MarginConfig) Clone() MarginConfig {
	clone := c
	clone.RegisteredVenues = append([]string(nil), c.RegisteredVenues...)
	clone.RegisteredTokens = make(map[TokenID]uint8, len(c.RegisteredTokens))
	for token, party := range c.RegisteredTokens {
		clone.RegisteredTokens[token] = party
	}
	return clone
}

// EnsureDefaults fills zero values that have no meaningful zero setting.
func (c *MarginConfig) EnsureDefaults() {
	if c.MaxLeverageRate == 0 {
		c.MaxLeverageRate = DefaultMarginConfig().MaxLeverageRate
	}
	if c.PendingDebtScale == 0 {
		c.PendingDebtScale = DefaultMarginConfig().PendingDebtScale
	}
	if c.MaxActivePositions <= 0 {
		c.MaxActivePositions = DefaultMarginConfig().MaxActivePositions
	}
	if c.RegisteredTokens == nil {
		c.RegisteredTokens = make(map[TokenID]uint8)
	}
	for i, venue := range c.RegisteredVenues {
		c.RegisteredVenues[i] = strings.TrimSpace(venue)
	}
}

// Validate checks the config bounds.
func (c MarginConfig) Validate() error {
	for name, v := range map[string]uint32{
		"pending debt scale":     c.PendingDebtScale,
		"max slippage rate":      c.MaxSlippageRate,
		"min safety buffer":      c.MinSafetyBuffer,
		"debt discount rate":     c.MarginDebtDiscountRate,
		"open position fee":      c.OpenPositionFeeRate,
		"liq protocol benefit":   c.LiqBenefitProtocolRate,
		"liq liquidator benefit": c.LiqBenefitLiquidatorRate,
	} {
		if v > MaxRatio {
			return fmt.Errorf("%w: %s above 100%%", ErrValidation, name)
		}
	}
	if c.LiqBenefitProtocolRate+c.LiqBenefitLiquidatorRate > MaxRatio {
		return fmt.Errorf("%w: liquidation benefit rates exceed 100%%", ErrValidation)
	}
	return nil
}

// VenueRegistered reports whether venue may be used for margin swaps.
func (c MarginConfig) VenueRegistered(venue string) bool {
	for _, v := range c.RegisteredVenues {
		if v == venue {
			return true
		}
	}
	return false
}

// CheckPair validates the debt/position/margin token combination.
func (c MarginConfig) CheckPair(debt, position, margin TokenID) error {
	positionParty, ok := c.RegisteredTokens[position]
	if !ok {
		return fmt.Errorf("%w: illegal position token %s", ErrIllegalPair, position)
	}
	debtParty, ok := c.RegisteredTokens[debt]
	if !ok {
		return fmt.Errorf("%w: illegal debt token %s", ErrIllegalPair, debt)
	}
	if positionParty == debtParty {
		return fmt.Errorf("%w: debt and position share a party", ErrIllegalPair)
	}
	if margin != debt && margin != position {
		return fmt.Errorf("%w: margin token must be the debt or position token", ErrIllegalPair)
	}
	return nil
}

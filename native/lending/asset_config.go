package lending

import (
	"fmt"
	"math/big"
	"sort"
)

// AssetConfig holds the governed parameters of a listed token. Rates are
// per-millisecond multipliers scaled by 1e27, ratios are basis points.
type AssetConfig struct {
	// ReserveRatio is the share of accrued interest routed to the reserve side.
	ReserveRatio uint32 `toml:"ReserveRatio" json:"reserveRatio"`
	// ProtocolRatio is the share of the reserve side credited to protocol fees.
	ProtocolRatio uint32 `toml:"ProtocolRatio" json:"protocolRatio"`
	// TargetUtilization is the kink of the rate curve.
	TargetUtilization      uint32   `toml:"TargetUtilization" json:"targetUtilization"`
	TargetUtilizationRate  *big.Int `toml:"TargetUtilizationRate" json:"targetUtilizationRate"`
	MaxUtilizationRate     *big.Int `toml:"MaxUtilizationRate" json:"maxUtilizationRate"`
	HoldingPositionFeeRate *big.Int `toml:"HoldingPositionFeeRate" json:"holdingPositionFeeRate"`
	// VolatilityRatio discounts collateral and inflates debt of this token.
	VolatilityRatio    uint32 `toml:"VolatilityRatio" json:"volatilityRatio"`
	ExtraDecimals      uint8  `toml:"ExtraDecimals" json:"extraDecimals"`
	CanDeposit         bool   `toml:"CanDeposit" json:"canDeposit"`
	CanWithdraw        bool   `toml:"CanWithdraw" json:"canWithdraw"`
	CanUseAsCollateral bool   `toml:"CanUseAsCollateral" json:"canUseAsCollateral"`
	CanBorrow          bool   `toml:"CanBorrow" json:"canBorrow"`
	NetTVLMultiplier   uint32 `toml:"NetTVLMultiplier" json:"netTvlMultiplier"`
	// SuppliedLimit and BorrowedLimit cap pool balances; nil means unlimited.
	SuppliedLimit     *big.Int `toml:"SuppliedLimit" json:"suppliedLimit,omitempty"`
	BorrowedLimit     *big.Int `toml:"BorrowedLimit" json:"borrowedLimit,omitempty"`
	MinBorrowedAmount *big.Int `toml:"MinBorrowedAmount" json:"minBorrowedAmount,omitempty"`
	// Beneficiaries receive a basis-point slice of the reserve side.
	Beneficiaries map[AccountID]uint32 `toml:"Beneficiaries" json:"beneficiaries,omitempty"`
}

// Clone returns a deep copy of the config.
func (c AssetConfig) Clone() AssetConfig {
	clone := c
	clone.TargetUtilizationRate = cloneOptional(c.TargetUtilizationRate)
	clone.MaxUtilizationRate = cloneOptional(c.MaxUtilizationRate)
	clone.HoldingPositionFeeRate = cloneOptional(c.HoldingPositionFeeRate)
	clone.SuppliedLimit = cloneOptional(c.SuppliedLimit)
	clone.BorrowedLimit = cloneOptional(c.BorrowedLimit)
	clone.MinBorrowedAmount = cloneOptional(c.MinBorrowedAmount)
	if c.Beneficiaries != nil {
		clone.Beneficiaries = make(map[AccountID]uint32, len(c.Beneficiaries))
		for k, v := range c.Beneficiaries {
			clone.Beneficiaries[k] = v
		}
	}
	return clone
}

func cloneOptional(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}

// Validate enforces the static bounds of the config.
func (c AssetConfig) Validate() error {
	if c.ReserveRatio > MaxRatio || c.ProtocolRatio > MaxRatio {
		return fmt.Errorf("%w: ratio above 100%%", ErrValidation)
	}
	if c.TargetUtilization >= MaxRatio {
		return fmt.Errorf("%w: target utilization must be below 100%%", ErrValidation)
	}
	for name, rate := range map[string]*big.Int{
		"target utilization rate":   c.TargetUtilizationRate,
		"max utilization rate":      c.MaxUtilizationRate,
		"holding position fee rate": c.HoldingPositionFeeRate,
	} {
		if rate == nil || rate.Cmp(ray) < 0 {
			return fmt.Errorf("%w: invalid %s", ErrValidation, name)
		}
	}
	if c.TargetUtilizationRate.Cmp(c.MaxUtilizationRate) > 0 {
		return fmt.Errorf("%w: target utilization rate exceeds max utilization rate", ErrValidation)
	}
	// A 100% volatility ratio would make liquidations of the asset free.
	if c.VolatilityRatio >= MaxRatio {
		return fmt.Errorf("%w: volatility ratio must be below 100%%", ErrValidation)
	}
	if c.NetTVLMultiplier > MaxRatio {
		return fmt.Errorf("%w: net tvl multiplier above 100%%", ErrValidation)
	}
	if c.SuppliedLimit != nil && c.BorrowedLimit != nil && c.BorrowedLimit.Cmp(c.SuppliedLimit) > 0 {
		return fmt.Errorf("%w: borrowed limit exceeds supplied limit", ErrValidation)
	}
	var total uint64
	for _, bps := range c.Beneficiaries {
		total += uint64(bps)
	}
	if total > uint64(MaxRatio) {
		return fmt.Errorf("%w: beneficiary ratios exceed 100%%", ErrValidation)
	}
	return nil
}

// GetRate returns the per-millisecond borrow rate for the given utilization
// inputs. The curve rises linearly from one to the target rate and from the
// target rate to the max rate above the kink.
func (c AssetConfig) GetRate(borrowed, totalSupplied *big.Int) Decimal {
	if totalSupplied == nil || totalSupplied.Sign() == 0 {
		return DecimalOne()
	}
	pos := DecimalFromInt(bigOrZero(borrowed)).DivInt(totalSupplied)
	target := DecimalFromRatio(c.TargetUtilization)
	targetRate := DecimalFromRaw(c.TargetUtilizationRate)
	if pos.Cmp(target) < 0 {
		return DecimalOne().Add(pos.Mul(targetRate.Sub(DecimalOne())).Div(target))
	}
	maxRate := DecimalFromRaw(c.MaxUtilizationRate)
	return targetRate.Add(pos.Sub(target).Mul(maxRate.Sub(targetRate)).Div(DecimalFromRatio(MaxRatio - c.TargetUtilization)))
}

func (c AssetConfig) beneficiaryIDs() []AccountID {
	ids := make([]AccountID, 0, len(c.Beneficiaries))
	for id := range c.Beneficiaries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

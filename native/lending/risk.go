package lending

import (
	"fmt"
	"math/big"
)

// riskContext values positions against the batch's prices and accrued
// assets. Collateral is discounted by volatility and debt inflated by it.
type riskContext struct {
	b *batch
}

// lpInfo returns the fresh underlying snapshot of an LP token.
func (b *batch) lpInfo(token TokenID) (*UnitShareTokens, error) {
	info, ok := b.lpInfos[token]
	if !ok {
		stored, err := b.engine.state.GetLPTokenInfo(token)
		if err != nil {
			return nil, err
		}
		info = stored.Clone()
		b.lpInfos[token] = info
	}
	if !info.Fresh(b.now, b.cfg.LPTokensInfoValidDurationSec) {
		return nil, fmt.Errorf("%w: %s", ErrStaleLPSnapshot, token)
	}
	return info, nil
}

// tokenValue prices an inner amount of token without volatility
// adjustment. LP tokens are valued through their underlying snapshot.
func (r riskContext) tokenValue(token TokenID, amount *big.Int, lp bool) (Decimal, error) {
	asset, err := r.b.assets.Get(token)
	if err != nil {
		return Decimal{}, err
	}
	if lp {
		info, err := r.b.lpInfo(token)
		if err != nil {
			return Decimal{}, err
		}
		return r.lpValue(asset, info, amount, false)
	}
	price, err := r.b.prices.Get(token)
	if err != nil {
		return Decimal{}, err
	}
	return DecimalFromBalancePrice(amount, price, asset.Config.ExtraDecimals), nil
}

// lpValue values amount of an LP token through its unit snapshot. With
// weighted set each underlying is discounted by its own volatility.
func (r riskContext) lpValue(lpAsset *Asset, info *UnitShareTokens, amount *big.Int, weighted bool) (Decimal, error) {
	// amount carries the LP asset's extra decimals; they are divided out
	// together with the snapshot unit so nothing truncates early.
	denominator := new(big.Int).Mul(pow10(int(info.Decimals)), pow10(int(lpAsset.Config.ExtraDecimals)))
	total := DecimalZero()
	for _, t := range info.Tokens {
		underlying, err := r.b.assets.Get(t.Token)
		if err != nil {
			return Decimal{}, err
		}
		price, err := r.b.prices.Get(t.Token)
		if err != nil {
			return Decimal{}, err
		}
		scaled := new(big.Int).Mul(amount, pow10(int(underlying.Config.ExtraDecimals)))
		redeemable := mulDiv(scaled, t.Amount, denominator)
		value := DecimalFromBalancePrice(redeemable, price, underlying.Config.ExtraDecimals)
		if weighted {
			value = value.MulRatio(underlying.Config.VolatilityRatio)
		}
		total = total.Add(value)
	}
	return total, nil
}

// collateralValue is the volatility-weighted value of position collateral.
// LP collateral is weighted per underlying token and then by the LP token's
// own volatility.
func (r riskContext) collateralValue(p Position) (Decimal, error) {
	total := DecimalZero()
	for _, e := range p.CollateralEntries() {
		asset, err := r.b.assets.Get(e.Token)
		if err != nil {
			return Decimal{}, err
		}
		amount := asset.Supplied.SharesToAmount(e.Shares, false)
		if p.Kind() == PositionLPToken {
			info, err := r.b.lpInfo(e.Token)
			if err != nil {
				return Decimal{}, err
			}
			value, err := r.lpValue(asset, info, amount, true)
			if err != nil {
				return Decimal{}, err
			}
			total = total.Add(value.MulRatio(asset.Config.VolatilityRatio))
			continue
		}
		price, err := r.b.prices.Get(e.Token)
		if err != nil {
			return Decimal{}, err
		}
		value := DecimalFromBalancePrice(amount, price, asset.Config.ExtraDecimals)
		total = total.Add(value.MulRatio(asset.Config.VolatilityRatio))
	}
	return total, nil
}

// borrowedValue is the volatility-adjusted value of position debt.
func (r riskContext) borrowedValue(p Position) (Decimal, error) {
	total := DecimalZero()
	for _, e := range p.BorrowedEntries() {
		asset, err := r.b.assets.Get(e.Token)
		if err != nil {
			return Decimal{}, err
		}
		price, err := r.b.prices.Get(e.Token)
		if err != nil {
			return Decimal{}, err
		}
		amount := asset.Borrowed.SharesToAmount(e.Shares, true)
		total = total.Add(DecimalFromBalancePrice(amount, price, asset.Config.ExtraDecimals).DivRatio(asset.Config.VolatilityRatio))
	}
	return total, nil
}

// rawValues returns unadjusted collateral and debt values, used by force
// closing.
func (r riskContext) rawValues(p Position) (Decimal, Decimal, error) {
	collateral, borrowed := DecimalZero(), DecimalZero()
	for _, e := range p.CollateralEntries() {
		asset, err := r.b.assets.Get(e.Token)
		if err != nil {
			return Decimal{}, Decimal{}, err
		}
		value, err := r.tokenValue(e.Token, asset.Supplied.SharesToAmount(e.Shares, false), p.Kind() == PositionLPToken)
		if err != nil {
			return Decimal{}, Decimal{}, err
		}
		collateral = collateral.Add(value)
	}
	for _, e := range p.BorrowedEntries() {
		asset, err := r.b.assets.Get(e.Token)
		if err != nil {
			return Decimal{}, Decimal{}, err
		}
		price, err := r.b.prices.Get(e.Token)
		if err != nil {
			return Decimal{}, Decimal{}, err
		}
		amount := asset.Borrowed.SharesToAmount(e.Shares, true)
		borrowed = borrowed.Add(DecimalFromBalancePrice(amount, price, asset.Config.ExtraDecimals))
	}
	return collateral, borrowed, nil
}

// maxDiscount is the liquidation discount of a position: zero while the
// adjusted debt stays within collateral plus bufferBps, otherwise
// (debt - collateral) / debt / 2.
func (r riskContext) maxDiscount(p Position, bufferBps uint32) (Decimal, error) {
	if p == nil || p.IsNoBorrowed() {
		return DecimalZero(), nil
	}
	collateral, err := r.collateralValue(p)
	if err != nil {
		return Decimal{}, err
	}
	borrowed, err := r.borrowedValue(p)
	if err != nil {
		return Decimal{}, err
	}
	threshold := collateral.Add(collateral.MulRatio(bufferBps))
	if borrowed.Cmp(threshold) <= 0 {
		return DecimalZero(), nil
	}
	return borrowed.Sub(collateral).Div(borrowed).Div(DecimalFromUint64(2)), nil
}

// holdingFee is the accrued holding-position fee of a margin position in
// debt-asset units.
func holdingFee(mt *MarginTradingPosition, debt *Asset) *big.Int {
	delta := new(big.Int).Sub(debt.UnitAccHpInterest, bigOrZero(mt.UAHPIAtOpen))
	if delta.Sign() <= 0 {
		return new(big.Int)
	}
	return mulDiv(bigOrZero(mt.DebtCap), delta, unit)
}

type marginValues struct {
	margin   Decimal
	position Decimal
	debt     Decimal
	hpFee    Decimal
}

func (r riskContext) marginValues(mt *MarginTradingPosition) (marginValues, error) {
	return r.projectedMarginValues(mt, nil)
}

// projectedMarginValues values mt with debtAmount standing in for its debt
// shares when set. Opening positions are assessed this way before any
// margin debt exists.
func (r riskContext) projectedMarginValues(mt *MarginTradingPosition, debtAmount *big.Int) (marginValues, error) {
	var out marginValues
	assetC, err := r.b.assets.Get(mt.MarginAsset)
	if err != nil {
		return out, err
	}
	assetD, err := r.b.assets.Get(mt.DebtAsset)
	if err != nil {
		return out, err
	}
	assetP, err := r.b.assets.Get(mt.PositionAsset)
	if err != nil {
		return out, err
	}
	priceC, err := r.b.prices.Get(mt.MarginAsset)
	if err != nil {
		return out, err
	}
	priceD, err := r.b.prices.Get(mt.DebtAsset)
	if err != nil {
		return out, err
	}
	priceP, err := r.b.prices.Get(mt.PositionAsset)
	if err != nil {
		return out, err
	}
	marginAmount := assetC.Supplied.SharesToAmount(bigOrZero(mt.MarginShares), false)
	if debtAmount == nil {
		debtAmount = assetD.MarginDebt.SharesToAmount(bigOrZero(mt.DebtShares), true)
	}
	out.margin = DecimalFromBalancePrice(marginAmount, priceC, assetC.Config.ExtraDecimals)
	out.position = DecimalFromBalancePrice(bigOrZero(mt.PositionAmount), priceP, assetP.Config.ExtraDecimals)
	out.debt = DecimalFromBalancePrice(debtAmount, priceD, assetD.Config.ExtraDecimals)
	out.hpFee = DecimalFromBalancePrice(holdingFee(mt, assetD), priceD, assetD.Config.ExtraDecimals)
	return out, nil
}

// liquidatable reports whether the debt plus holding fee exceeds margin
// plus position value reduced by the safety buffer. A position whose value
// no longer covers its debt is left to force closing.
func (v marginValues) liquidatable(bufferBps uint32) bool {
	total := v.margin.Add(v.position)
	owed := v.debt.Add(v.hpFee)
	safe := total.Sub(total.MulRatio(bufferBps))
	return owed.Cmp(safe) > 0 && owed.Cmp(total) <= 0
}

// forceCloseable reports whether the position can no longer cover its debt
// plus holding fee.
func (v marginValues) forceCloseable() bool {
	return v.debt.Add(v.hpFee).Cmp(v.margin.Add(v.position)) > 0
}

// leverage is debt value over margin value. ok is false when either side
// is zero.
func (v marginValues) leverage() (Decimal, bool) {
	if v.margin.IsZero() || v.debt.IsZero() {
		return Decimal{}, false
	}
	return v.debt.Div(v.margin), true
}

func (r riskContext) marginLiquidatable(mt *MarginTradingPosition, bufferBps uint32) (bool, error) {
	v, err := r.marginValues(mt)
	if err != nil {
		return false, err
	}
	return v.liquidatable(bufferBps), nil
}

func (r riskContext) marginForceCloseable(mt *MarginTradingPosition) (bool, error) {
	v, err := r.marginValues(mt)
	if err != nil {
		return false, err
	}
	return v.forceCloseable(), nil
}

func (r riskContext) marginLeverage(mt *MarginTradingPosition) (Decimal, bool, error) {
	v, err := r.marginValues(mt)
	if err != nil {
		return Decimal{}, false, err
	}
	leverage, ok := v.leverage()
	return leverage, ok, nil
}

// slippageAcceptable checks that minOut of tokenOut is worth at least the
// input value reduced by the configured slippage.
func (r riskContext) slippageAcceptable(tokenIn TokenID, amountIn *big.Int, tokenOut TokenID, minOut *big.Int) error {
	assetIn, err := r.b.assets.Get(tokenIn)
	if err != nil {
		return err
	}
	assetOut, err := r.b.assets.Get(tokenOut)
	if err != nil {
		return err
	}
	priceIn, err := r.b.prices.Get(tokenIn)
	if err != nil {
		return err
	}
	priceOut, err := r.b.prices.Get(tokenOut)
	if err != nil {
		return err
	}
	valueIn := DecimalFromBalancePrice(amountIn, priceIn, assetIn.Config.ExtraDecimals)
	valueOut := DecimalFromBalancePrice(minOut, priceOut, assetOut.Config.ExtraDecimals)
	floor := valueIn.Sub(valueIn.MulRatio(r.b.cfg.Margin.MaxSlippageRate))
	if valueOut.Cmp(floor) < 0 {
		return fmt.Errorf("%w: %s of %s for %s of %s", ErrSlippage, minOut, tokenOut, amountIn, tokenIn)
	}
	return nil
}

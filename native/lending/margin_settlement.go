package lending

import (
	"context"
	"fmt"
	"math/big"

	"lendcore/core/events"
)

// OnSwapReturn settles a successful swap. amountOut is in token units of the
// swap output. A reference that does not match the locked position is
// rejected without touching state, so replays are harmless.
func (e *Engine) OnSwapReturn(ctx context.Context, ref SwapReference, amountOut *big.Int) error {
	if amountOut == nil || amountOut.Sign() <= 0 {
		return e.OnSwapFailed(ctx, ref)
	}
	return e.run(ctx, "swap_return", nil, func(b *batch) error {
		acc, mt, err := b.pendingMarginPosition(ref)
		if err != nil {
			return err
		}
		outToken := mt.PositionAsset
		if ref.Op != MarginOpOpen {
			outToken = mt.DebtAsset
		}
		out, err := b.assets.Get(outToken)
		if err != nil {
			return err
		}
		inner := out.ToInner(amountOut)
		if ref.Op == MarginOpOpen {
			err = b.settleOpen(acc, mt, inner)
		} else {
			err = b.settleDecrease(acc, mt, inner)
		}
		if err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.RecordSettlement(string(ref.Op), "success")
		}
		return nil
	})
}

// OnSwapFailed rolls back the state staged when the swap was issued.
func (e *Engine) OnSwapFailed(ctx context.Context, ref SwapReference) error {
	return e.run(ctx, "swap_failed", nil, func(b *batch) error {
		acc, mt, err := b.pendingMarginPosition(ref)
		if err != nil {
			return err
		}
		if ref.Op == MarginOpOpen {
			err = b.rollbackOpen(acc, mt)
		} else {
			err = b.rollbackDecrease(mt)
		}
		if err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.RecordSettlement(string(ref.Op), "failure")
		}
		b.emit(events.MarginSwapSettled{
			Account:  string(acc.ID),
			Position: mt.ID,
			Op:       string(ref.Op),
			Success:  false,
		})
		return nil
	})
}

func (b *batch) pendingMarginPosition(ref SwapReference) (*Account, *MarginTradingPosition, error) {
	acc, err := b.marginAccount(ref.AccountID, false)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnexpectedSwapReference, err)
	}
	mt, err := acc.MarginPosition(ref.PositionID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnexpectedSwapReference, err)
	}
	if !mt.IsLocked() || mt.Pending == nil || !mt.Pending.Ref.Matches(ref) {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnexpectedSwapReference, ref.PositionID)
	}
	return acc, mt, nil
}

// settleOpen turns pending debt into margin debt and books the bought
// position amount. The opening fee is taken from the margin.
func (b *batch) settleOpen(acc *Account, mt *MarginTradingPosition, amount *big.Int) error {
	amountIn := mt.Pending.Ref.AmountIn
	assetD, err := b.assets.Mut(mt.DebtAsset)
	if err != nil {
		return err
	}
	assetP, err := b.assets.Mut(mt.PositionAsset)
	if err != nil {
		return err
	}
	assetC, err := b.assets.Mut(mt.MarginAsset)
	if err != nil {
		return err
	}
	if err := assetD.DecreaseMarginPendingDebt(amountIn); err != nil {
		return err
	}
	debtShares := assetD.MarginDebt.AmountToShares(amountIn, true)
	if err := assetD.MarginDebt.Deposit(debtShares, amountIn); err != nil {
		return err
	}
	assetP.MarginPosition.Add(assetP.MarginPosition, amount)

	fee := new(big.Int)
	if feeShares := ratio(mt.MarginShares, b.cfg.Margin.OpenPositionFeeRate); feeShares.Sign() > 0 {
		fee = assetC.Supplied.SharesToAmount(feeShares, false)
		if err := assetC.Supplied.Withdraw(feeShares, fee); err != nil {
			return err
		}
		assetC.ProtocolFee.Add(assetC.ProtocolFee, fee)
		mt.MarginShares = new(big.Int).Sub(mt.MarginShares, feeShares)
	}
	mt.DebtCap = new(big.Int).Set(amountIn)
	mt.UAHPIAtOpen = new(big.Int).Set(assetD.UnitAccHpInterest)
	mt.DebtShares = new(big.Int).Add(mt.DebtShares, debtShares)
	mt.PositionAmount = new(big.Int).Add(mt.PositionAmount, amount)
	mt.State = Unlocked
	mt.Pending = nil
	b.emit(events.MarginSwapSettled{
		Account:   string(acc.ID),
		Position:  mt.ID,
		Op:        string(MarginOpOpen),
		Success:   true,
		AmountOut: cloneBig(amount),
		Fee:       fee,
	})
	return nil
}

func (b *batch) rollbackOpen(acc *Account, mt *MarginTradingPosition) error {
	assetD, err := b.assets.Mut(mt.DebtAsset)
	if err != nil {
		return err
	}
	if err := assetD.DecreaseMarginPendingDebt(mt.Pending.Ref.AmountIn); err != nil {
		return err
	}
	if err := acc.DepositSupplyShares(mt.MarginAsset, mt.MarginShares); err != nil {
		return err
	}
	delete(acc.Positions, mt.ID)
	return nil
}

func (b *batch) rollbackDecrease(mt *MarginTradingPosition) error {
	assetP, err := b.assets.Mut(mt.PositionAsset)
	if err != nil {
		return err
	}
	pending := mt.Pending
	amountIn := pending.Ref.AmountIn
	if pending.MarginSharesUsed.Sign() > 0 {
		// The sold amount exceeded the position; return the gap to margin.
		gap := new(big.Int).Sub(amountIn, pending.PrevPositionAmount)
		shares := assetP.Supplied.AmountToShares(gap, false)
		if err := assetP.Supplied.Deposit(shares, gap); err != nil {
			return err
		}
		mt.MarginShares = new(big.Int).Add(mt.MarginShares, shares)
		assetP.MarginPosition.Add(assetP.MarginPosition, pending.PrevPositionAmount)
	} else {
		assetP.MarginPosition.Add(assetP.MarginPosition, amountIn)
	}
	mt.PositionAmount = new(big.Int).Set(pending.PrevPositionAmount)
	mt.State = Unlocked
	mt.Pending = nil
	return nil
}

// benefits are shares of the supplied pools released by a settled position.
type benefits map[TokenID]*big.Int

func (bn benefits) add(token TokenID, shares *big.Int) {
	if shares == nil || shares.Sign() == 0 {
		return
	}
	bn[token] = new(big.Int).Add(bigOrZero(bn[token]), shares)
}

// settleDecrease repays debt and holding fee from the swap output. When the
// debt is gone the position is dissolved and its remaining value is
// distributed by operation.
func (b *batch) settleDecrease(acc *Account, mt *MarginTradingPosition, amount *big.Int) error {
	ref := mt.Pending.Ref
	assetD, err := b.assets.Mut(mt.DebtAsset)
	if err != nil {
		return err
	}
	assetP, err := b.assets.Mut(mt.PositionAsset)
	if err != nil {
		return err
	}
	released := make(benefits)

	debt := assetD.MarginDebt.SharesToAmount(mt.DebtShares, true)
	hpFee := holdingFee(mt, assetD)
	owed := new(big.Int).Add(debt, hpFee)
	var repayShares, repayAmount, repayHp *big.Int
	if amount.Cmp(owed) >= 0 {
		repayShares = new(big.Int).Set(mt.DebtShares)
		repayAmount = debt
		repayHp = hpFee
		mt.DebtCap = new(big.Int)
		left := new(big.Int).Sub(amount, owed)
		if left.Sign() > 0 {
			shares := assetD.Supplied.AmountToShares(left, false)
			if err := assetD.Supplied.Deposit(shares, left); err != nil {
				return err
			}
			released.add(mt.DebtAsset, shares)
		}
	} else {
		repayCap := mulDiv(mt.DebtCap, amount, owed)
		repayHp = mulDiv(hpFee, repayCap, mt.DebtCap)
		repayAmount = new(big.Int).Sub(amount, repayHp)
		repayShares = minBig(assetD.MarginDebt.AmountToShares(repayAmount, false), mt.DebtShares)
		mt.DebtCap = new(big.Int).Sub(mt.DebtCap, repayCap)
	}
	if err := assetD.MarginDebt.Withdraw(repayShares, repayAmount); err != nil {
		return err
	}
	mt.DebtShares = new(big.Int).Sub(mt.DebtShares, repayShares)
	assetD.ProtocolFee.Add(assetD.ProtocolFee, repayHp)

	if ref.Op != MarginOpDecrease && mt.DebtShares.Sign() > 0 && mt.DebtAsset == mt.MarginAsset {
		if err := b.repayFromMargin(assetD, mt); err != nil {
			return err
		}
	}
	if ref.Op == MarginOpForceClose && mt.DebtShares.Sign() > 0 {
		remaining := assetD.MarginDebt.SharesToAmount(mt.DebtShares, true)
		if err := assetD.MarginDebt.Withdraw(mt.DebtShares, remaining); err != nil {
			return err
		}
		if err := b.coverFromReserve(assetD, remaining); err != nil {
			return err
		}
		mt.DebtShares = new(big.Int)
		mt.DebtCap = new(big.Int)
	}
	mt.State = Unlocked
	mt.Pending = nil

	settled := mt.DebtShares.Sign() == 0
	if settled {
		released.add(mt.MarginAsset, mt.MarginShares)
		if mt.PositionAmount.Sign() > 0 {
			shares := assetP.Supplied.AmountToShares(mt.PositionAmount, false)
			if err := assetP.Supplied.Deposit(shares, mt.PositionAmount); err != nil {
				return err
			}
			assetP.MarginPosition.Sub(assetP.MarginPosition, mt.PositionAmount)
			released.add(mt.PositionAsset, shares)
		}
		delete(acc.Positions, mt.ID)
	} else if ref.Op != MarginOpDecrease {
		b.engine.logger.Warn("margin position left open after settlement", "account", acc.ID, "position", mt.ID, "op", ref.Op, "debt_shares", mt.DebtShares)
	}
	if err := b.distributeBenefits(acc, ref, released); err != nil {
		return err
	}
	b.emit(events.MarginSwapSettled{
		Account:    string(acc.ID),
		Position:   mt.ID,
		Op:         string(ref.Op),
		Success:    true,
		AmountOut:  cloneBig(amount),
		Fee:        repayHp,
		Settled:    settled,
		Liquidator: string(ref.LiquidatorID),
	})
	return nil
}

// repayFromMargin cancels the remaining debt using margin shares of the
// same token.
func (b *batch) repayFromMargin(asset *Asset, mt *MarginTradingPosition) error {
	remaining := asset.MarginDebt.SharesToAmount(mt.DebtShares, true)
	supplyShares := asset.Supplied.AmountToShares(remaining, true)
	if supplyShares.Cmp(mt.MarginShares) > 0 {
		supplyShares = new(big.Int).Set(mt.MarginShares)
		remaining = asset.Supplied.SharesToAmount(supplyShares, false)
	}
	debtShares := minBig(asset.MarginDebt.AmountToShares(remaining, false), mt.DebtShares)
	if remaining.Sign() == 0 || debtShares.Sign() == 0 {
		return nil
	}
	if err := asset.Supplied.Withdraw(supplyShares, remaining); err != nil {
		return err
	}
	if err := asset.MarginDebt.Withdraw(debtShares, remaining); err != nil {
		return err
	}
	mt.MarginShares = new(big.Int).Sub(mt.MarginShares, supplyShares)
	mt.DebtShares = new(big.Int).Sub(mt.DebtShares, debtShares)
	return nil
}

// distributeBenefits credits released shares. Owner-initiated operations
// return everything to the owner. Liquidations pay the protocol and the
// liquidator their cut first; force closes route the remainder to the
// reserve.
func (b *batch) distributeBenefits(owner *Account, ref SwapReference, released benefits) error {
	cfg := b.cfg.Margin
	var liquidator *Account
	if ref.Op == MarginOpLiquidate {
		var err error
		if liquidator, err = b.marginAccount(ref.LiquidatorID, true); err != nil {
			return err
		}
	}
	for _, token := range sortedKeys(released) {
		shares := released[token]
		asset, err := b.assets.Mut(token)
		if err != nil {
			return err
		}
		switch ref.Op {
		case MarginOpLiquidate:
			protocol := ratio(shares, cfg.LiqBenefitProtocolRate)
			if err := b.sharesToProtocolFee(asset, protocol); err != nil {
				return err
			}
			toLiquidator := ratio(shares, cfg.LiqBenefitLiquidatorRate)
			if err := liquidator.DepositSupplyShares(token, toLiquidator); err != nil {
				return err
			}
			rest := new(big.Int).Sub(shares, protocol)
			rest.Sub(rest, toLiquidator)
			if err := owner.DepositSupplyShares(token, rest); err != nil {
				return err
			}
		case MarginOpForceClose:
			protocol := ratio(shares, cfg.LiqBenefitProtocolRate)
			if err := b.sharesToProtocolFee(asset, protocol); err != nil {
				return err
			}
			rest := new(big.Int).Sub(shares, protocol)
			amount := asset.Supplied.SharesToAmount(rest, false)
			if err := asset.Supplied.Withdraw(rest, amount); err != nil {
				return err
			}
			asset.Reserved.Add(asset.Reserved, amount)
		default:
			if err := owner.DepositSupplyShares(token, shares); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *batch) sharesToProtocolFee(asset *Asset, shares *big.Int) error {
	if shares.Sign() == 0 {
		return nil
	}
	amount := asset.Supplied.SharesToAmount(shares, false)
	if err := asset.Supplied.Withdraw(shares, amount); err != nil {
		return err
	}
	asset.ProtocolFee.Add(asset.ProtocolFee, amount)
	return nil
}

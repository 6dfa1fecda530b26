package lending

import (
	"context"
	"fmt"
	"math/big"

	"lendcore/core/events"
)

// MarginActionKind enumerates margin account actions.
type MarginActionKind string

const (
	MarginActionWithdraw           MarginActionKind = "withdraw"
	MarginActionIncreaseCollateral MarginActionKind = "increase_collateral"
	MarginActionDecreaseCollateral MarginActionKind = "decrease_collateral"
	MarginActionOpenPosition       MarginActionKind = "open_position"
	MarginActionDecreasePosition   MarginActionKind = "decrease_position"
	MarginActionClosePosition      MarginActionKind = "close_position"
	MarginActionLiquidatePosition  MarginActionKind = "liquidate_position"
	MarginActionForceClosePosition MarginActionKind = "force_close_position"
)

// SwapIndication selects the venue and carries its opaque routing payload.
type SwapIndication struct {
	Venue       string `json:"venue"`
	Instruction string `json:"instruction,omitempty"`
}

// SwapRequest is handed to the SwapVenue once the issuing batch committed.
// Amounts are token units.
type SwapRequest struct {
	Venue        string        `json:"venue"`
	TokenIn      TokenID       `json:"tokenIn"`
	AmountIn     *big.Int      `json:"amountIn"`
	TokenOut     TokenID       `json:"tokenOut"`
	MinAmountOut *big.Int      `json:"minAmountOut"`
	Instruction  string        `json:"instruction,omitempty"`
	Reference    SwapReference `json:"reference"`
}

// MarginAction is one step of a margin batch. Amounts are inner units.
type MarginAction struct {
	Kind MarginActionKind `json:"kind"`
	// Asset is used by withdraw.
	Asset      AssetAmount `json:"asset,omitempty"`
	PositionID string      `json:"positionId,omitempty"`
	// Owner is the margin account whose position is liquidated or force
	// closed.
	Owner  AccountID `json:"owner,omitempty"`
	Amount *big.Int  `json:"amount,omitempty"`

	MarginToken       TokenID  `json:"marginToken,omitempty"`
	MarginAmount      *big.Int `json:"marginAmount,omitempty"`
	DebtToken         TokenID  `json:"debtToken,omitempty"`
	DebtAmount        *big.Int `json:"debtAmount,omitempty"`
	PositionToken     TokenID  `json:"positionToken,omitempty"`
	MinPositionAmount *big.Int `json:"minPositionAmount,omitempty"`

	PositionAmount *big.Int       `json:"positionAmount,omitempty"`
	MinDebtAmount  *big.Int       `json:"minDebtAmount,omitempty"`
	Swap           SwapIndication `json:"swap,omitempty"`
}

// MarginDeposit credits amount (token units) to the free supply of the
// margin account, creating it on first use.
func (e *Engine) MarginDeposit(ctx context.Context, account AccountID, token TokenID, amount *big.Int) error {
	return e.run(ctx, "margin_deposit", nil, func(b *batch) error {
		if err := b.guard(marginModuleName); err != nil {
			return err
		}
		acc, err := b.marginAccount(account, true)
		if err != nil {
			return err
		}
		return b.deposit(acc, token, amount, true)
	})
}

// MarginExecute runs a batch of margin actions for account.
func (e *Engine) MarginExecute(ctx context.Context, account AccountID, actions []MarginAction, prices *Prices) error {
	return e.run(ctx, "margin_execute", prices, func(b *batch) error {
		if err := b.guard(marginModuleName); err != nil {
			return err
		}
		acc, err := b.marginAccount(account, false)
		if err != nil {
			return err
		}
		for i, action := range actions {
			if err := b.executeMarginAction(acc, action); err != nil {
				return fmt.Errorf("margin action %d (%s): %w", i, action.Kind, err)
			}
		}
		return nil
	})
}

func (b *batch) executeMarginAction(acc *Account, action MarginAction) error {
	switch action.Kind {
	case MarginActionWithdraw:
		return b.withdraw(acc, action.Asset, SourceMargin)
	case MarginActionIncreaseCollateral:
		return b.marginIncreaseCollateral(acc, action.PositionID, action.Amount)
	case MarginActionDecreaseCollateral:
		return b.marginDecreaseCollateral(acc, action.PositionID, action.Amount)
	case MarginActionOpenPosition:
		return b.openMarginPosition(acc, action)
	case MarginActionDecreasePosition:
		return b.decreaseMarginPosition(acc, acc.ID, action, MarginOpDecrease)
	case MarginActionClosePosition:
		return b.decreaseMarginPosition(acc, acc.ID, action, MarginOpClose)
	case MarginActionLiquidatePosition:
		if err := b.guard(liquidationModuleName); err != nil {
			return err
		}
		return b.decreaseMarginPosition(acc, action.Owner, action, MarginOpLiquidate)
	case MarginActionForceClosePosition:
		if err := b.guard(liquidationModuleName); err != nil {
			return err
		}
		return b.decreaseMarginPosition(acc, action.Owner, action, MarginOpForceClose)
	default:
		return fmt.Errorf("%w: unknown margin action %q", ErrValidation, action.Kind)
	}
}

func (b *batch) unlockedMarginPosition(acc *Account, id string) (*MarginTradingPosition, error) {
	mt, err := acc.MarginPosition(id)
	if err != nil {
		return nil, err
	}
	if mt.IsLocked() {
		return nil, fmt.Errorf("%w: %s", ErrPositionBusy, id)
	}
	return mt, nil
}

func (b *batch) marginIncreaseCollateral(acc *Account, id string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	mt, err := b.unlockedMarginPosition(acc, id)
	if err != nil {
		return err
	}
	asset, err := b.assets.Get(mt.MarginAsset)
	if err != nil {
		return err
	}
	shares := asset.Supplied.AmountToShares(amount, false)
	if shares.Sign() == 0 {
		return ErrZeroShares
	}
	if err := acc.WithdrawSupplyShares(mt.MarginAsset, shares); err != nil {
		return err
	}
	return mt.IncreaseCollateral(mt.MarginAsset, shares)
}

// marginDecreaseCollateral releases margin back to free supply while the
// position stays outside the safety buffer and within the leverage cap.
func (b *batch) marginDecreaseCollateral(acc *Account, id string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	mt, err := b.unlockedMarginPosition(acc, id)
	if err != nil {
		return err
	}
	asset, err := b.assets.Get(mt.MarginAsset)
	if err != nil {
		return err
	}
	shares := asset.Supplied.AmountToShares(amount, true)
	if mt.MarginShares.Cmp(shares) <= 0 {
		return fmt.Errorf("%w: margin of %s cannot drop to zero", ErrInsufficientShares, id)
	}
	if err := mt.DecreaseCollateral(mt.MarginAsset, shares); err != nil {
		return err
	}
	if err := acc.DepositSupplyShares(mt.MarginAsset, shares); err != nil {
		return err
	}
	v, err := b.risk().marginValues(mt)
	if err != nil {
		return err
	}
	if v.liquidatable(b.cfg.Margin.MinSafetyBuffer) || v.forceCloseable() {
		return fmt.Errorf("%w: %s", ErrUnhealthyPosition, id)
	}
	return b.checkLeverage(mt, v)
}

func (b *batch) checkLeverage(mt *MarginTradingPosition, v marginValues) error {
	if v.debt.IsZero() {
		return nil
	}
	leverage, ok := v.leverage()
	if !ok || leverage.Cmp(DecimalFromUint64(uint64(b.cfg.Margin.MaxLeverageRate))) > 0 {
		return fmt.Errorf("%w: %s", ErrLeverageTooHigh, mt.ID)
	}
	return nil
}

func (b *batch) newMarginPositionID(acc *Account) string {
	id := fmt.Sprintf("%s_%d", acc.ID, b.now)
	for n := 1; ; n++ {
		if _, taken := acc.Positions[id]; !taken {
			return id
		}
		id = fmt.Sprintf("%s_%d_%d", acc.ID, b.now, n)
	}
}

// openMarginPosition borrows the debt token into pending debt and issues
// the swap into the position token. The position stays locked until the
// swap settles.
func (b *batch) openMarginPosition(acc *Account, action MarginAction) error {
	cfg := b.cfg.Margin
	if len(acc.Positions) >= cfg.MaxActivePositions {
		return fmt.Errorf("%w: %d active margin positions", ErrValidation, len(acc.Positions))
	}
	for name, v := range map[string]*big.Int{"margin": action.MarginAmount, "debt": action.DebtAmount, "min position": action.MinPositionAmount} {
		if v == nil || v.Sign() <= 0 {
			return fmt.Errorf("%w: %s amount", ErrInvalidAmount, name)
		}
	}
	if err := cfg.CheckPair(action.DebtToken, action.PositionToken, action.MarginToken); err != nil {
		return err
	}
	if !cfg.VenueRegistered(action.Swap.Venue) {
		return fmt.Errorf("%w: %s", ErrUnregisteredVenue, action.Swap.Venue)
	}
	assetD, err := b.assets.Mut(action.DebtToken)
	if err != nil {
		return err
	}
	assetP, err := b.assets.Get(action.PositionToken)
	if err != nil {
		return err
	}
	assetC, err := b.assets.Get(action.MarginToken)
	if err != nil {
		return err
	}
	if !assetD.Config.CanBorrow {
		return fmt.Errorf("%w: borrow of %s", ErrCapabilityDisabled, action.DebtToken)
	}
	risk := b.risk()
	if err := risk.slippageAcceptable(action.DebtToken, action.DebtAmount, action.PositionToken, action.MinPositionAmount); err != nil {
		return err
	}
	marginShares := assetC.Supplied.AmountToShares(action.MarginAmount, false)
	if marginShares.Sign() == 0 {
		return ErrZeroShares
	}

	id := b.newMarginPositionID(acc)
	mt := NewMarginTradingPosition(id, b.now, action.MarginToken, marginShares, action.DebtToken, action.PositionToken)
	// Risk is assessed on the projected position.
	mt.PositionAmount = new(big.Int).Set(action.MinPositionAmount)
	projected, err := risk.projectedMarginValues(mt, action.DebtAmount)
	if err != nil {
		return err
	}
	if projected.liquidatable(cfg.MinSafetyBuffer) || projected.forceCloseable() {
		return fmt.Errorf("%w: %s", ErrDebtTooHigh, id)
	}
	if leverage, ok := projected.leverage(); !ok || leverage.Cmp(DecimalFromUint64(uint64(cfg.MaxLeverageRate))) > 0 {
		return fmt.Errorf("%w: %s", ErrLeverageTooHigh, id)
	}
	mt.PositionAmount = new(big.Int)

	if err := acc.WithdrawSupplyShares(action.MarginToken, marginShares); err != nil {
		return err
	}
	if err := assetD.IncreaseMarginPendingDebt(action.DebtAmount, cfg.PendingDebtScale); err != nil {
		return err
	}
	ref := SwapReference{
		AccountID:  acc.ID,
		PositionID: id,
		Op:         MarginOpOpen,
		AmountIn:   new(big.Int).Set(action.DebtAmount),
		Nonce:      b.engine.newID(),
	}
	mt.Pending = &PendingSwap{Ref: ref, PrevPositionAmount: new(big.Int), MarginSharesUsed: new(big.Int)}
	acc.Positions[id] = mt
	b.queueSwap(action.Swap, assetD, action.DebtAmount, assetP, action.MinPositionAmount, ref)
	b.emit(events.MarginSwapStarted{
		Account:  string(acc.ID),
		Position: id,
		Op:       string(MarginOpOpen),
		TokenIn:  string(action.DebtToken),
		AmountIn: cloneBig(action.DebtAmount),
		TokenOut: string(action.PositionToken),
	})
	return nil
}

// decreaseMarginPosition sells positionAmount of the position token back
// into the debt token. Close, liquidate and force close settle the whole
// debt when the swap returns enough.
func (b *batch) decreaseMarginPosition(caller *Account, owner AccountID, action MarginAction, op MarginOp) error {
	cfg := b.cfg.Margin
	if action.PositionAmount == nil || action.PositionAmount.Sign() <= 0 {
		return fmt.Errorf("%w: position amount", ErrInvalidAmount)
	}
	if action.MinDebtAmount == nil || action.MinDebtAmount.Sign() < 0 {
		return fmt.Errorf("%w: min debt amount", ErrInvalidAmount)
	}
	acc := caller
	var liquidator AccountID
	if op == MarginOpLiquidate || op == MarginOpForceClose {
		if owner == caller.ID {
			return ErrSelfLiquidation
		}
		var err error
		if acc, err = b.marginAccount(owner, false); err != nil {
			return err
		}
		liquidator = caller.ID
	}
	mt, err := b.unlockedMarginPosition(acc, action.PositionID)
	if err != nil {
		return err
	}
	if !cfg.VenueRegistered(action.Swap.Venue) {
		return fmt.Errorf("%w: %s", ErrUnregisteredVenue, action.Swap.Venue)
	}
	assetP, err := b.assets.Mut(mt.PositionAsset)
	if err != nil {
		return err
	}
	assetD, err := b.assets.Get(mt.DebtAsset)
	if err != nil {
		return err
	}
	risk := b.risk()
	if err := risk.slippageAcceptable(mt.PositionAsset, action.PositionAmount, mt.DebtAsset, action.MinDebtAmount); err != nil {
		return err
	}
	if op == MarginOpClose || op == MarginOpLiquidate {
		owed := assetD.MarginDebt.SharesToAmount(mt.DebtShares, true)
		owed.Add(owed, holdingFee(mt, assetD))
		if action.MinDebtAmount.Cmp(owed) < 0 {
			if mt.MarginAsset != mt.DebtAsset {
				return fmt.Errorf("%w: %s", ErrDebtNotCovered, mt.ID)
			}
			gap := assetD.Supplied.AmountToShares(new(big.Int).Sub(owed, action.MinDebtAmount), true)
			if mt.MarginShares.Cmp(gap) <= 0 {
				return fmt.Errorf("%w: %s", ErrDebtNotCovered, mt.ID)
			}
		}
	}
	switch op {
	case MarginOpLiquidate:
		ok, err := risk.marginLiquidatable(mt, cfg.MinSafetyBuffer)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrMTNotLiquidatable, mt.ID)
		}
	case MarginOpForceClose:
		if !b.cfg.ForceClosingEnabled {
			return ErrForceCloseDisabled
		}
		ok, err := risk.marginForceCloseable(mt)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrMTNotForceCloseable, mt.ID)
		}
	}

	prev := new(big.Int).Set(mt.PositionAmount)
	used := new(big.Int)
	if action.PositionAmount.Cmp(mt.PositionAmount) > 0 {
		// Selling more than the position holds draws the gap from margin.
		if mt.MarginAsset != mt.PositionAsset {
			return fmt.Errorf("%w: position of %s holds %s", ErrInsufficientShares, mt.ID, mt.PositionAmount)
		}
		gap := new(big.Int).Sub(action.PositionAmount, mt.PositionAmount)
		gapShares := assetP.Supplied.AmountToShares(gap, true)
		if mt.MarginShares.Cmp(gapShares) < 0 {
			return fmt.Errorf("%w: margin of %s", ErrInsufficientShares, mt.ID)
		}
		mt.MarginShares = new(big.Int).Sub(mt.MarginShares, gapShares)
		if err := assetP.Supplied.Withdraw(gapShares, gap); err != nil {
			return err
		}
		assetP.MarginPosition.Sub(assetP.MarginPosition, mt.PositionAmount)
		mt.PositionAmount = new(big.Int)
		used = gapShares
	} else {
		assetP.MarginPosition.Sub(assetP.MarginPosition, action.PositionAmount)
		mt.PositionAmount = new(big.Int).Sub(mt.PositionAmount, action.PositionAmount)
	}
	ref := SwapReference{
		AccountID:    acc.ID,
		PositionID:   mt.ID,
		Op:           op,
		AmountIn:     new(big.Int).Set(action.PositionAmount),
		LiquidatorID: liquidator,
		Nonce:        b.engine.newID(),
	}
	mt.State = Locking
	mt.Pending = &PendingSwap{Ref: ref, PrevPositionAmount: prev, MarginSharesUsed: used}
	b.queueSwap(action.Swap, assetP, action.PositionAmount, assetD, action.MinDebtAmount, ref)
	b.emit(events.MarginSwapStarted{
		Account:    string(acc.ID),
		Position:   mt.ID,
		Op:         string(op),
		TokenIn:    string(mt.PositionAsset),
		AmountIn:   cloneBig(action.PositionAmount),
		TokenOut:   string(mt.DebtAsset),
		Liquidator: string(liquidator),
	})
	return nil
}

func (b *batch) queueSwap(swap SwapIndication, in *Asset, amountIn *big.Int, out *Asset, minOut *big.Int, ref SwapReference) {
	b.outSwaps = append(b.outSwaps, SwapRequest{
		Venue:        swap.Venue,
		TokenIn:      in.Token,
		AmountIn:     in.ToExternal(amountIn),
		TokenOut:     out.Token,
		MinAmountOut: out.ToExternal(minOut),
		Instruction:  swap.Instruction,
		Reference:    ref,
	})
}

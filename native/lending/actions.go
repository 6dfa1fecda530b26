package lending

import (
	"context"
	"fmt"
	"math/big"

	"lendcore/core/events"
)

// ActionKind enumerates the regular account actions.
type ActionKind string

const (
	ActionWithdraw           ActionKind = "withdraw"
	ActionIncreaseCollateral ActionKind = "increase_collateral"
	ActionDecreaseCollateral ActionKind = "decrease_collateral"
	ActionBorrow             ActionKind = "borrow"
	ActionRepay              ActionKind = "repay"
	ActionLiquidate          ActionKind = "liquidate"
	ActionForceClose         ActionKind = "force_close"
)

// AssetAmount selects an amount of token. Amount and MaxAmount are inner
// units; when both are nil the whole available balance is used.
type AssetAmount struct {
	Token     TokenID  `json:"token"`
	Amount    *big.Int `json:"amount,omitempty"`
	MaxAmount *big.Int `json:"maxAmount,omitempty"`
}

// Action is one step of a regular batch.
type Action struct {
	Kind  ActionKind  `json:"kind"`
	Asset AssetAmount `json:"asset"`
	// Position defaults to the regular position.
	Position string `json:"position,omitempty"`
	// Account is the target of liquidation and force close.
	Account AccountID `json:"account,omitempty"`
	// In lists the debts a liquidator repays, Out the collateral taken.
	In  []AssetAmount `json:"in,omitempty"`
	Out []AssetAmount `json:"out,omitempty"`
}

func (a Action) positionName() string {
	if a.Position == "" {
		return RegularPositionName
	}
	return a.Position
}

// assetAmountToShares resolves an AssetAmount against a pool. available is
// the share balance the caller may move. inverse flips the rounding for
// debt repayment.
func assetAmountToShares(pool SharePool, available *big.Int, aa AssetAmount, inverse bool) (*big.Int, *big.Int, error) {
	var shares, amount *big.Int
	switch {
	case aa.Amount != nil:
		if aa.Amount.Sign() <= 0 {
			return nil, nil, ErrInvalidAmount
		}
		amount = new(big.Int).Set(aa.Amount)
		shares = pool.AmountToShares(amount, !inverse)
	case aa.MaxAmount != nil:
		if aa.MaxAmount.Sign() <= 0 {
			return nil, nil, ErrInvalidAmount
		}
		shares = minBig(available, pool.AmountToShares(aa.MaxAmount, !inverse))
		amount = minBig(pool.SharesToAmount(shares, inverse), aa.MaxAmount)
	default:
		shares = new(big.Int).Set(available)
		amount = pool.SharesToAmount(shares, inverse)
	}
	if shares.Sign() <= 0 || amount.Sign() <= 0 {
		return nil, nil, ErrZeroShares
	}
	return shares, amount, nil
}

// Deposit credits amount (token units) of token to the account's free
// supply, then runs actions in the same batch.
func (e *Engine) Deposit(ctx context.Context, account AccountID, token TokenID, amount *big.Int, actions []Action, prices *Prices) error {
	return e.run(ctx, "deposit", prices, func(b *batch) error {
		if err := b.guard(moduleName); err != nil {
			return err
		}
		acc, err := b.account(account)
		if err != nil {
			return err
		}
		if err := b.deposit(acc, token, amount, false); err != nil {
			return err
		}
		return b.executeActions(acc, actions)
	})
}

// Execute runs a batch of regular actions for account.
func (e *Engine) Execute(ctx context.Context, account AccountID, actions []Action, prices *Prices) error {
	return e.run(ctx, "execute", prices, func(b *batch) error {
		if err := b.guard(moduleName); err != nil {
			return err
		}
		acc, err := b.account(account)
		if err != nil {
			return err
		}
		return b.executeActions(acc, actions)
	})
}

func (b *batch) deposit(acc *Account, token TokenID, amount *big.Int, margin bool) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	asset, err := b.assets.Mut(token)
	if err != nil {
		return err
	}
	if !asset.Config.CanDeposit {
		return fmt.Errorf("%w: deposit of %s", ErrCapabilityDisabled, token)
	}
	inner := asset.ToInner(amount)
	shares := asset.Supplied.AmountToShares(inner, false)
	if shares.Sign() == 0 {
		return ErrZeroShares
	}
	if err := asset.Supplied.Deposit(shares, inner); err != nil {
		return err
	}
	if err := checkSuppliedLimit(asset); err != nil {
		return err
	}
	if err := acc.DepositSupplyShares(token, shares); err != nil {
		return err
	}
	b.emit(events.LendingDeposit{Account: string(acc.ID), Token: string(token), Amount: cloneBig(amount), Margin: margin})
	return nil
}

func checkSuppliedLimit(asset *Asset) error {
	limit := asset.Config.SuppliedLimit
	if limit != nil && asset.Supplied.Balance.Cmp(limit) > 0 {
		return fmt.Errorf("%w: %s", ErrSuppliedLimit, asset.Token)
	}
	return nil
}

func (b *batch) executeActions(acc *Account, actions []Action) error {
	for i, action := range actions {
		if err := b.executeAction(acc, action); err != nil {
			return fmt.Errorf("action %d (%s): %w", i, action.Kind, err)
		}
	}
	return nil
}

func (b *batch) executeAction(acc *Account, action Action) error {
	switch action.Kind {
	case ActionWithdraw:
		return b.withdraw(acc, action.Asset, SourceSupply)
	case ActionIncreaseCollateral:
		return b.increaseCollateral(acc, action.positionName(), action.Asset)
	case ActionDecreaseCollateral:
		return b.decreaseCollateral(acc, action.positionName(), action.Asset)
	case ActionBorrow:
		return b.borrow(acc, action.positionName(), action.Asset)
	case ActionRepay:
		_, err := b.repay(acc, acc, action.positionName(), action.Asset)
		return err
	case ActionLiquidate:
		if err := b.guard(liquidationModuleName); err != nil {
			return err
		}
		return b.liquidate(acc, action)
	case ActionForceClose:
		if err := b.guard(liquidationModuleName); err != nil {
			return err
		}
		return b.forceClose(action)
	default:
		return fmt.Errorf("%w: unknown action %q", ErrValidation, action.Kind)
	}
}

func (b *batch) withdraw(acc *Account, aa AssetAmount, source TransferSource) error {
	asset, err := b.assets.Mut(aa.Token)
	if err != nil {
		return err
	}
	if !asset.Config.CanWithdraw {
		return fmt.Errorf("%w: withdraw of %s", ErrCapabilityDisabled, aa.Token)
	}
	shares, amount, err := assetAmountToShares(asset.Supplied, acc.FreeShares(aa.Token), aa, false)
	if err != nil {
		return err
	}
	if amount.Cmp(asset.AvailableAmount()) > 0 {
		return fmt.Errorf("%w: withdraw %s of %s", ErrInsufficientLiquidity, amount, aa.Token)
	}
	if err := acc.WithdrawSupplyShares(aa.Token, shares); err != nil {
		return err
	}
	if err := asset.Supplied.Withdraw(shares, amount); err != nil {
		return err
	}
	_, err = b.queueTransfer(acc.ID, asset, amount, source)
	return err
}

func (b *batch) increaseCollateral(acc *Account, name string, aa AssetAmount) error {
	if lpToken, ok := LPTokenOf(name); ok && lpToken != aa.Token {
		return fmt.Errorf("%w: %s in position %s", ErrTokenMismatch, aa.Token, name)
	}
	asset, err := b.assets.Get(aa.Token)
	if err != nil {
		return err
	}
	if !asset.Config.CanUseAsCollateral {
		return fmt.Errorf("%w: collateral of %s", ErrCapabilityDisabled, aa.Token)
	}
	shares, amount, err := assetAmountToShares(asset.Supplied, acc.FreeShares(aa.Token), aa, false)
	if err != nil {
		return err
	}
	if err := acc.WithdrawSupplyShares(aa.Token, shares); err != nil {
		return err
	}
	if err := acc.PositionOrNew(name).IncreaseCollateral(aa.Token, shares); err != nil {
		return err
	}
	b.emitPositionChange(acc.ID, name, ActionIncreaseCollateral, aa.Token, amount)
	return nil
}

func (b *batch) decreaseCollateral(acc *Account, name string, aa AssetAmount) error {
	position := acc.Position(name)
	if position == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPosition, name)
	}
	asset, err := b.assets.Get(aa.Token)
	if err != nil {
		return err
	}
	shares, amount, err := assetAmountToShares(asset.Supplied, position.CollateralShares(aa.Token), aa, false)
	if err != nil {
		return err
	}
	if err := position.DecreaseCollateral(aa.Token, shares); err != nil {
		return err
	}
	if err := acc.DepositSupplyShares(aa.Token, shares); err != nil {
		return err
	}
	acc.Prune(name)
	b.touch(acc.ID, name)
	b.emitPositionChange(acc.ID, name, ActionDecreaseCollateral, aa.Token, amount)
	return nil
}

func (b *batch) borrow(acc *Account, name string, aa AssetAmount) error {
	asset, err := b.assets.Mut(aa.Token)
	if err != nil {
		return err
	}
	if !asset.Config.CanBorrow {
		return fmt.Errorf("%w: borrow of %s", ErrCapabilityDisabled, aa.Token)
	}
	available := asset.AvailableAmount()
	maxShares := asset.Borrowed.AmountToShares(available, false)
	shares, amount, err := assetAmountToShares(asset.Borrowed, maxShares, aa, false)
	if err != nil {
		return err
	}
	if amount.Cmp(available) > 0 {
		return fmt.Errorf("%w: borrow %s of %s", ErrInsufficientLiquidity, amount, aa.Token)
	}
	if limit := asset.Config.BorrowedLimit; limit != nil {
		lent, _ := asset.utilizationInputs()
		if lent.Add(lent, amount).Cmp(limit) > 0 {
			return fmt.Errorf("%w: %s", ErrBorrowedLimit, aa.Token)
		}
	}
	if min := asset.Config.MinBorrowedAmount; min != nil && amount.Cmp(min) < 0 {
		return fmt.Errorf("%w: %s below %s", ErrMinBorrowedAmount, amount, min)
	}
	suppliedShares := asset.Supplied.AmountToShares(amount, false)
	if suppliedShares.Sign() == 0 {
		return ErrZeroShares
	}
	if err := asset.Borrowed.Deposit(shares, amount); err != nil {
		return err
	}
	if err := asset.Supplied.Deposit(suppliedShares, amount); err != nil {
		return err
	}
	if err := acc.PositionOrNew(name).IncreaseBorrowed(aa.Token, shares); err != nil {
		return err
	}
	if err := acc.DepositSupplyShares(aa.Token, suppliedShares); err != nil {
		return err
	}
	b.touch(acc.ID, name)
	b.emitPositionChange(acc.ID, name, ActionBorrow, aa.Token, amount)
	return nil
}

// repay burns the payer's free supply to cancel debt of the debtor's
// position. A payer short of shares repays what its supply covers.
func (b *batch) repay(payer, debtor *Account, name string, aa AssetAmount) (*big.Int, error) {
	position := debtor.Position(name)
	if position == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPosition, name)
	}
	asset, err := b.assets.Mut(aa.Token)
	if err != nil {
		return nil, err
	}
	available := position.BorrowedShares(aa.Token)
	borrowedShares, amount, err := assetAmountToShares(asset.Borrowed, available, aa, true)
	if err != nil {
		return nil, err
	}
	suppliedShares := asset.Supplied.AmountToShares(amount, true)
	if free := payer.FreeShares(aa.Token); suppliedShares.Cmp(free) > 0 {
		suppliedShares = free
		amount = asset.Supplied.SharesToAmount(free, false)
		if aa.Amount != nil && amount.Cmp(aa.Amount) < 0 {
			return nil, fmt.Errorf("%w: repay %s of %s", ErrInsufficientShares, aa.Amount, aa.Token)
		}
		if amount.Sign() == 0 {
			return nil, fmt.Errorf("%w: repayment amount can't be 0", ErrInvalidAmount)
		}
		borrowedShares = asset.Borrowed.AmountToShares(amount, false)
		if borrowedShares.Sign() == 0 {
			return nil, ErrZeroShares
		}
		if borrowedShares.Cmp(available) > 0 {
			return nil, fmt.Errorf("%w: repay shares exceed debt", ErrInvariantViolation)
		}
	}
	if err := asset.Supplied.Withdraw(suppliedShares, amount); err != nil {
		return nil, err
	}
	if err := asset.Borrowed.Withdraw(borrowedShares, amount); err != nil {
		return nil, err
	}
	if err := position.DecreaseBorrowed(aa.Token, borrowedShares); err != nil {
		return nil, err
	}
	if err := payer.WithdrawSupplyShares(aa.Token, suppliedShares); err != nil {
		return nil, err
	}
	debtor.Prune(name)
	b.emitPositionChange(debtor.ID, name, ActionRepay, aa.Token, amount)
	return amount, nil
}

// liquidate repays debt of an unhealthy position from the liquidator's
// supply in exchange for discounted collateral.
func (b *batch) liquidate(liquidator *Account, action Action) error {
	if action.Account == liquidator.ID {
		return ErrSelfLiquidation
	}
	target, err := b.account(action.Account)
	if err != nil {
		return err
	}
	name := action.positionName()
	position := target.Position(name)
	if position == nil {
		return fmt.Errorf("%w: %s/%s", ErrUnknownPosition, action.Account, name)
	}
	risk := b.risk()
	discount, err := risk.maxDiscount(position, b.cfg.LiquidationBufferBps)
	if err != nil {
		return err
	}
	if discount.Sign() <= 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotLiquidatable, action.Account, name)
	}
	lp := position.Kind() == PositionLPToken

	repaid := DecimalZero()
	for _, aa := range action.In {
		amount, err := b.repay(liquidator, target, name, aa)
		if err != nil {
			return err
		}
		value, err := risk.tokenValue(aa.Token, amount, false)
		if err != nil {
			return err
		}
		repaid = repaid.Add(value)
	}
	// repay prunes an emptied position; collateral is taken from the same
	// instance.
	taken := DecimalZero()
	for _, aa := range action.Out {
		asset, err := b.assets.Get(aa.Token)
		if err != nil {
			return err
		}
		shares, amount, err := assetAmountToShares(asset.Supplied, position.CollateralShares(aa.Token), aa, false)
		if err != nil {
			return err
		}
		if err := position.DecreaseCollateral(aa.Token, shares); err != nil {
			return err
		}
		if err := liquidator.DepositSupplyShares(aa.Token, shares); err != nil {
			return err
		}
		value, err := risk.tokenValue(aa.Token, amount, lp)
		if err != nil {
			return err
		}
		taken = taken.Add(value)
	}
	discounted := taken.Sub(taken.Mul(discount))
	if discounted.Cmp(repaid) > 0 {
		return fmt.Errorf("%w: taken %s for repaid %s", ErrLiquidationTooSmall, discounted, repaid)
	}
	if position.IsEmpty() {
		delete(target.Positions, name)
	} else {
		target.Positions[name] = position
	}
	newDiscount, err := risk.maxDiscount(target.Position(name), b.cfg.LiquidationBufferBps)
	if err != nil {
		return err
	}
	if newDiscount.Sign() <= 0 {
		return ErrLiquidationTooLarge
	}
	if newDiscount.Cmp(discount) >= 0 {
		return ErrDiscountNotDecreased
	}
	if b.engine.metrics != nil {
		b.engine.metrics.RecordLiquidation("regular")
	}
	b.emit(events.LendingLiquidation{
		Liquidator:      string(liquidator.ID),
		Account:         string(target.ID),
		Position:        name,
		CollateralValue: taken.String(),
		RepaidValue:     repaid.String(),
		OldDiscount:     discount.String(),
		NewDiscount:     newDiscount.String(),
	})
	return nil
}

// forceClose seizes the collateral of an insolvent position into the
// reserve and repays its debt from the reserve. Any uncovered remainder is
// booked as protocol debt.
func (b *batch) forceClose(action Action) error {
	if !b.cfg.ForceClosingEnabled {
		return ErrForceCloseDisabled
	}
	target, err := b.account(action.Account)
	if err != nil {
		return err
	}
	name := action.positionName()
	position := target.Position(name)
	if position == nil {
		return fmt.Errorf("%w: %s/%s", ErrUnknownPosition, action.Account, name)
	}
	risk := b.risk()
	collateral, borrowed, err := risk.rawValues(position)
	if err != nil {
		return err
	}
	if borrowed.Cmp(collateral) <= 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotForceCloseable, action.Account, name)
	}
	discount, err := risk.maxDiscount(position, b.cfg.LiquidationBufferBps)
	if err != nil {
		return err
	}
	for _, e := range position.CollateralEntries() {
		asset, err := b.assets.Mut(e.Token)
		if err != nil {
			return err
		}
		amount := asset.Supplied.SharesToAmount(e.Shares, false)
		if err := asset.Supplied.Withdraw(e.Shares, amount); err != nil {
			return err
		}
		asset.Reserved.Add(asset.Reserved, amount)
	}
	for _, e := range position.BorrowedEntries() {
		asset, err := b.assets.Mut(e.Token)
		if err != nil {
			return err
		}
		amount := asset.Borrowed.SharesToAmount(e.Shares, true)
		if err := asset.Borrowed.Withdraw(e.Shares, amount); err != nil {
			return err
		}
		if err := b.coverFromReserve(asset, amount); err != nil {
			return err
		}
	}
	delete(target.Positions, name)
	if b.engine.metrics != nil {
		b.engine.metrics.RecordLiquidation("force_close")
	}
	b.emit(events.LendingForceClose{
		Account:         string(target.ID),
		Position:        name,
		CollateralValue: collateral.String(),
		BorrowedValue:   borrowed.String(),
		Discount:        discount.String(),
	})
	return nil
}

// coverFromReserve pays amount of debt out of the asset reserve and books
// the uncovered remainder as protocol debt.
func (b *batch) coverFromReserve(asset *Asset, amount *big.Int) error {
	covered := minBig(asset.Reserved, amount)
	asset.Reserved.Sub(asset.Reserved, covered)
	shortfall := new(big.Int).Sub(amount, covered)
	if shortfall.Sign() == 0 {
		return nil
	}
	return b.bookProtocolDebt(asset.Token, shortfall)
}

func (b *batch) emitPositionChange(account AccountID, position string, kind ActionKind, token TokenID, amount *big.Int) {
	b.emit(events.LendingPositionChange{
		Kind:     string(kind),
		Account:  string(account),
		Position: position,
		Token:    string(token),
		Amount:   cloneBig(amount),
	})
}

package lending

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"lendcore/core/events"
)

func ethAt(price int64) *Prices {
	return usd(map[TokenID]int64{"usdc": 1, "eth": price})
}

func setupMargin(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	ctx := context.Background()
	env := newTestEnv(t, mutate)
	env.listAsset(t, "usdc", testAssetConfig(9500))
	env.listAsset(t, "eth", testAssetConfig(8000))
	mustNoErr(t, env.engine.DepositToReserve(ctx, "usdc", d(100_000, 18)))
	mustNoErr(t, env.engine.MarginDeposit(ctx, "alice", "usdc", d(1_000, 18)))
	return env
}

func openAction(margin, debt int64, minPosition *big.Int) MarginAction {
	return MarginAction{
		Kind:              MarginActionOpenPosition,
		MarginToken:       "usdc",
		MarginAmount:      d(margin, 18),
		DebtToken:         "usdc",
		DebtAmount:        d(debt, 18),
		PositionToken:     "eth",
		MinPositionAmount: minPosition,
		Swap:              SwapIndication{Venue: "dex"},
	}
}

// openPosition opens 3000 usdc of debt against 1000 usdc of margin and
// returns the pending swap.
func openPosition(t *testing.T, env *testEnv) SwapRequest {
	t.Helper()
	open := openAction(1_000, 3_000, big.NewInt(1_400_000_000_000_000_000))
	mustNoErr(t, env.engine.MarginExecute(context.Background(), "alice", []MarginAction{open}, ethAt(2_000)))
	return env.venue.last(t)
}

func openSettled(t *testing.T, env *testEnv) string {
	t.Helper()
	req := openPosition(t, env)
	mustNoErr(t, env.engine.OnSwapReturn(context.Background(), req.Reference, big.NewInt(1_500_000_000_000_000_000)))
	return req.Reference.PositionID
}

func sellAction(kind MarginActionKind, id string, owner AccountID, minDebt int64) MarginAction {
	return MarginAction{
		Kind:           kind,
		PositionID:     id,
		Owner:          owner,
		PositionAmount: big.NewInt(1_500_000_000_000_000_000),
		MinDebtAmount:  d(minDebt, 18),
		Swap:           SwapIndication{Venue: "dex"},
	}
}

func marginPosition(t *testing.T, env *testEnv, owner AccountID, id string) *MarginTradingPosition {
	t.Helper()
	acc := env.state.marginAccounts[owner]
	if acc == nil {
		t.Fatalf("margin account %s not stored", owner)
	}
	mt, err := acc.MarginPosition(id)
	mustNoErr(t, err)
	return mt
}

func TestMarginOpenAndClose(t *testing.T) {
	ctx := context.Background()
	env := setupMargin(t, nil)

	req := openPosition(t, env)
	if req.TokenIn != "usdc" || req.TokenOut != "eth" || req.Reference.Op != MarginOpOpen {
		t.Fatalf("unexpected swap request %+v", req)
	}
	assertBig(t, "swap input", req.AmountIn, d(3_000, 18))
	id := req.Reference.PositionID
	if id != "alice_1700000000000" {
		t.Fatalf("unexpected position id %s", id)
	}
	if !marginPosition(t, env, "alice", id).IsLocked() {
		t.Fatalf("opening position must be locked")
	}
	assertBig(t, "pending debt", env.asset(t, "usdc").MarginPendingDebt, d(3_000, 18))
	assertBig(t, "free margin", env.state.marginAccounts["alice"].FreeShares("usdc"), big.NewInt(0))

	out := big.NewInt(1_500_000_000_000_000_000)
	mustNoErr(t, env.engine.OnSwapReturn(ctx, req.Reference, out))
	mt := marginPosition(t, env, "alice", id)
	if mt.IsLocked() {
		t.Fatalf("settled position must be unlocked")
	}
	assertBig(t, "position amount", mt.PositionAmount, out)
	assertBig(t, "debt shares", mt.DebtShares, d(3_000, 18))
	assertBig(t, "debt cap", mt.DebtCap, d(3_000, 18))
	assertBig(t, "pending debt", env.asset(t, "usdc").MarginPendingDebt, big.NewInt(0))
	assertBig(t, "margin position", env.asset(t, "eth").MarginPosition, out)

	mustErrIs(t, env.engine.OnSwapReturn(ctx, req.Reference, out), ErrUnexpectedSwapReference)

	view, err := env.engine.MarginAccount("alice", ethAt(2_000))
	mustNoErr(t, err)
	if len(view.Positions) != 1 || view.Positions[0].Leverage != "3" {
		t.Fatalf("unexpected margin view %+v", view.Positions)
	}
	if view.Positions[0].Liquidatable == nil || *view.Positions[0].Liquidatable {
		t.Fatalf("fresh position should not be liquidatable")
	}

	closing := sellAction(MarginActionClosePosition, id, "", 2_900)
	mustNoErr(t, env.engine.MarginExecute(ctx, "alice", []MarginAction{closing}, ethAt(2_000)))
	sell := env.venue.last(t)
	if sell.TokenIn != "eth" || sell.Reference.Op != MarginOpClose {
		t.Fatalf("unexpected close request %+v", sell)
	}
	assertBig(t, "min out", sell.MinAmountOut, d(2_900, 18))

	mustNoErr(t, env.engine.OnSwapReturn(ctx, sell.Reference, d(3_100, 18)))
	alice := env.state.marginAccounts["alice"]
	if len(alice.Positions) != 0 {
		t.Fatalf("closed position should be removed")
	}
	assertBig(t, "free margin after close", alice.FreeShares("usdc"), d(1_100, 18))
	usdc := env.asset(t, "usdc")
	assertBig(t, "margin debt", usdc.MarginDebt.Balance, big.NewInt(0))
	assertBig(t, "margin debt shares", usdc.MarginDebt.Shares, big.NewInt(0))
	assertBig(t, "eth margin position", env.asset(t, "eth").MarginPosition, big.NewInt(0))

	settled := env.events.OfType(events.TypeMarginSwapSettled)
	last := settled[len(settled)-1].(events.MarginSwapSettled)
	if !last.Success || !last.Settled || last.Op != string(MarginOpClose) {
		t.Fatalf("unexpected settlement event %+v", last)
	}

	withdraw := MarginAction{Kind: MarginActionWithdraw, Asset: AssetAmount{Token: "usdc"}}
	mustNoErr(t, env.engine.MarginExecute(ctx, "alice", []MarginAction{withdraw}, nil))
	transfer := env.transferer.last(t)
	if transfer.Source != SourceMargin {
		t.Fatalf("unexpected transfer source %s", transfer.Source)
	}
	assertBig(t, "withdrawn", transfer.ExternalAmount, d(1_100, 18))
}

func TestMarginOpenRollback(t *testing.T) {
	ctx := context.Background()
	env := setupMargin(t, nil)
	req := openPosition(t, env)

	bogus := req.Reference
	bogus.Nonce = "bogus"
	mustErrIs(t, env.engine.OnSwapFailed(ctx, bogus), ErrUnexpectedSwapReference)

	mustNoErr(t, env.engine.OnSwapFailed(ctx, req.Reference))
	alice := env.state.marginAccounts["alice"]
	if len(alice.Positions) != 0 {
		t.Fatalf("failed open should remove the position")
	}
	assertBig(t, "free margin", alice.FreeShares("usdc"), d(1_000, 18))
	assertBig(t, "pending debt", env.asset(t, "usdc").MarginPendingDebt, big.NewInt(0))
}

func TestMarginSwapDispatchFailureRollsBack(t *testing.T) {
	env := setupMargin(t, nil)
	env.venue.err = errors.New("venue unavailable")
	open := openAction(1_000, 3_000, big.NewInt(1_400_000_000_000_000_000))
	mustNoErr(t, env.engine.MarginExecute(context.Background(), "alice", []MarginAction{open}, ethAt(2_000)))

	alice := env.state.marginAccounts["alice"]
	if len(alice.Positions) != 0 {
		t.Fatalf("undispatched open should be rolled back")
	}
	assertBig(t, "free margin", alice.FreeShares("usdc"), d(1_000, 18))
	assertBig(t, "pending debt", env.asset(t, "usdc").MarginPendingDebt, big.NewInt(0))
}

func TestMarginPositionBusy(t *testing.T) {
	ctx := context.Background()
	env := setupMargin(t, nil)
	id := openPosition(t, env).Reference.PositionID

	closing := sellAction(MarginActionClosePosition, id, "", 2_900)
	mustErrIs(t, env.engine.MarginExecute(ctx, "alice", []MarginAction{closing}, ethAt(2_000)), ErrPositionBusy)
	topUp := MarginAction{Kind: MarginActionIncreaseCollateral, PositionID: id, Amount: d(1, 18)}
	mustErrIs(t, env.engine.MarginExecute(ctx, "alice", []MarginAction{topUp}, ethAt(2_000)), ErrPositionBusy)
}

func TestMarginDecreaseRollback(t *testing.T) {
	ctx := context.Background()
	env := setupMargin(t, nil)
	id := openSettled(t, env)

	decrease := sellAction(MarginActionDecreasePosition, id, "", 2_900)
	mustNoErr(t, env.engine.MarginExecute(ctx, "alice", []MarginAction{decrease}, ethAt(2_000)))
	assertBig(t, "eth margin position while selling", env.asset(t, "eth").MarginPosition, big.NewInt(0))

	mustNoErr(t, env.engine.OnSwapFailed(ctx, env.venue.last(t).Reference))
	mt := marginPosition(t, env, "alice", id)
	if mt.IsLocked() {
		t.Fatalf("rolled back position must be unlocked")
	}
	assertBig(t, "restored amount", mt.PositionAmount, big.NewInt(1_500_000_000_000_000_000))
	assertBig(t, "restored eth margin position", env.asset(t, "eth").MarginPosition, big.NewInt(1_500_000_000_000_000_000))
}

func TestMarginOpenValidation(t *testing.T) {
	ctx := context.Background()
	env := setupMargin(t, nil)
	run := func(action MarginAction) error {
		return env.engine.MarginExecute(ctx, "alice", []MarginAction{action}, ethAt(2_000))
	}

	mustErrIs(t, run(openAction(1_000, 3_000, big.NewInt(1_000_000_000_000_000_000))), ErrSlippage)
	mustErrIs(t, run(openAction(100, 3_000, big.NewInt(1_400_000_000_000_000_000))), ErrDebtTooHigh)
	mustErrIs(t, run(openAction(100, 2_000, big.NewInt(1_200_000_000_000_000_000))), ErrLeverageTooHigh)

	samePair := openAction(1_000, 3_000, big.NewInt(1_400_000_000_000_000_000))
	samePair.PositionToken = "usdc"
	mustErrIs(t, run(samePair), ErrIllegalPair)

	unknownVenue := openAction(1_000, 3_000, big.NewInt(1_400_000_000_000_000_000))
	unknownVenue.Swap.Venue = "otc"
	mustErrIs(t, run(unknownVenue), ErrUnregisteredVenue)

	if len(env.venue.requests) != 0 {
		t.Fatalf("rejected opens must not reach the venue")
	}
}

func TestMarginLiquidation(t *testing.T) {
	ctx := context.Background()
	env := setupMargin(t, nil)
	id := openSettled(t, env)
	mustNoErr(t, env.engine.MarginDeposit(ctx, "bob", "usdc", d(1, 18)))

	notYet := sellAction(MarginActionLiquidatePosition, id, "alice", 2_900)
	mustErrIs(t, env.engine.MarginExecute(ctx, "bob", []MarginAction{notYet}, ethAt(2_000)), ErrMTNotLiquidatable)

	liquidate := sellAction(MarginActionLiquidatePosition, id, "alice", 2_100)
	mustErrIs(t, env.engine.MarginExecute(ctx, "alice", []MarginAction{liquidate}, ethAt(1_500)), ErrSelfLiquidation)
	mustNoErr(t, env.engine.MarginExecute(ctx, "bob", []MarginAction{liquidate}, ethAt(1_500)))
	req := env.venue.last(t)
	if req.Reference.LiquidatorID != "bob" || req.Reference.Op != MarginOpLiquidate {
		t.Fatalf("unexpected liquidation reference %+v", req.Reference)
	}

	mustNoErr(t, env.engine.OnSwapReturn(ctx, req.Reference, d(2_200, 18)))
	if len(env.state.marginAccounts["alice"].Positions) != 0 {
		t.Fatalf("liquidated position should be settled")
	}
	assertBig(t, "liquidator share", env.state.marginAccounts["bob"].FreeShares("usdc"), d(61, 18))
	assertBig(t, "owner remainder", env.state.marginAccounts["alice"].FreeShares("usdc"), d(100, 18))
	usdc := env.asset(t, "usdc")
	assertBig(t, "protocol cut", usdc.ProtocolFee, d(40, 18))
	assertBig(t, "margin debt", usdc.MarginDebt.Balance, big.NewInt(0))
}

func TestMarginForceClose(t *testing.T) {
	ctx := context.Background()
	env := setupMargin(t, func(cfg *Config) { cfg.ForceClosingEnabled = true })
	id := openSettled(t, env)
	mustNoErr(t, env.engine.MarginDeposit(ctx, "bob", "usdc", d(1, 18)))

	solvent := sellAction(MarginActionForceClosePosition, id, "alice", 2_100)
	mustErrIs(t, env.engine.MarginExecute(ctx, "bob", []MarginAction{solvent}, ethAt(1_500)), ErrMTNotForceCloseable)
	forceClose := sellAction(MarginActionForceClosePosition, id, "alice", 1_800)
	mustNoErr(t, env.engine.MarginExecute(ctx, "bob", []MarginAction{forceClose}, ethAt(1_300)))

	mustNoErr(t, env.engine.OnSwapReturn(ctx, env.venue.last(t).Reference, d(1_900, 18)))
	if len(env.state.marginAccounts["alice"].Positions) != 0 {
		t.Fatalf("force closed position should be settled")
	}
	usdc := env.asset(t, "usdc")
	assertBig(t, "reserve covers the shortfall", usdc.Reserved, d(99_900, 18))
	assertBig(t, "margin debt", usdc.MarginDebt.Balance, big.NewInt(0))
	assertBig(t, "owner margin", env.state.marginAccounts["alice"].FreeShares("usdc"), big.NewInt(0))
	assertBig(t, "liquidator margin", env.state.marginAccounts["bob"].FreeShares("usdc"), d(1, 18))
}

func TestMarginForceCloseDisabled(t *testing.T) {
	env := setupMargin(t, nil)
	id := openSettled(t, env)
	mustNoErr(t, env.engine.MarginDeposit(context.Background(), "bob", "usdc", d(1, 18)))
	forceClose := sellAction(MarginActionForceClosePosition, id, "alice", 1_800)
	mustErrIs(t, env.engine.MarginExecute(context.Background(), "bob", []MarginAction{forceClose}, ethAt(1_300)), ErrForceCloseDisabled)
}

func TestMarginBadDebtIsNotLiquidatable(t *testing.T) {
	ctx := context.Background()
	env := setupMargin(t, func(cfg *Config) { cfg.ForceClosingEnabled = true })
	id := openSettled(t, env)
	mustNoErr(t, env.engine.MarginDeposit(ctx, "bob", "usdc", d(1, 18)))

	// 1000 usdc of margin plus 1.5 eth at 1300 no longer covers 3000 of debt.
	crashed := ethAt(1_300)
	liquidate := sellAction(MarginActionLiquidatePosition, id, "alice", 2_100)
	mustErrIs(t, env.engine.MarginExecute(ctx, "bob", []MarginAction{liquidate}, crashed), ErrMTNotLiquidatable)
	if marginPosition(t, env, "alice", id).IsLocked() {
		t.Fatalf("rejected liquidation must not lock the position")
	}

	view, err := env.engine.MarginAccount("alice", crashed)
	mustNoErr(t, err)
	if len(view.Positions) != 1 || view.Positions[0].Liquidatable == nil || *view.Positions[0].Liquidatable {
		t.Fatalf("bad debt position must not be reported liquidatable: %+v", view.Positions)
	}

	forceClose := sellAction(MarginActionForceClosePosition, id, "alice", 1_800)
	mustNoErr(t, env.engine.MarginExecute(ctx, "bob", []MarginAction{forceClose}, crashed))
	if req := env.venue.last(t); req.Reference.Op != MarginOpForceClose {
		t.Fatalf("unexpected reference %+v", req.Reference)
	}
}

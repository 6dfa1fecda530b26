package lending

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"lendcore/core/events"
	nativecommon "lendcore/native/common"
)

type pauseSet map[string]bool

func (p pauseSet) IsPaused(module string) bool { return p[module] }

func (f *fakeTransferer) last(t *testing.T) TransferRequest {
	t.Helper()
	if len(f.requests) == 0 {
		t.Fatalf("expected a transfer request")
	}
	return f.requests[len(f.requests)-1]
}

func TestDepositAndWithdraw(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.listAsset(t, "usdc", testAssetConfig(9500))
	env.register(t, "alice")

	mustNoErr(t, env.engine.Deposit(ctx, "alice", "usdc", d(1_000, 18), nil, nil))
	assertBig(t, "free shares", env.state.accounts["alice"].FreeShares("usdc"), d(1_000, 18))
	if got := env.events.OfType(events.TypeLendingDeposit); len(got) != 1 {
		t.Fatalf("expected one deposit event, got %d", len(got))
	}
	if got := env.events.OfType(events.TypeShareDelta); len(got) != 1 {
		t.Fatalf("expected one share delta, got %d", len(got))
	}

	withdraw := []Action{{Kind: ActionWithdraw, Asset: AssetAmount{Token: "usdc", Amount: d(400, 18)}}}
	mustNoErr(t, env.engine.Execute(ctx, "alice", withdraw, nil))
	req := env.transferer.last(t)
	assertBig(t, "external amount", req.ExternalAmount, d(400, 18))
	if req.Source != SourceSupply || req.Account != "alice" {
		t.Fatalf("unexpected transfer %+v", req)
	}
	assertBig(t, "free shares after withdraw", env.state.accounts["alice"].FreeShares("usdc"), d(600, 18))
	if _, ok := env.state.transfers[req.ID]; !ok {
		t.Fatalf("transfer %s should stay pending until its result arrives", req.ID)
	}

	mustNoErr(t, env.engine.OnTransferResult(ctx, req.ID, false))
	assertBig(t, "re-credited shares", env.state.accounts["alice"].FreeShares("usdc"), d(1_000, 18))
	if len(env.state.transfers) != 0 {
		t.Fatalf("settled transfer should be removed")
	}
	mustErrIs(t, env.engine.OnTransferResult(ctx, req.ID, true), ErrUnknownTransfer)
	assertBig(t, "shares after replay", env.state.accounts["alice"].FreeShares("usdc"), d(1_000, 18))
}

func TestTransferDispatchFailureRecredits(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.listAsset(t, "usdc", testAssetConfig(9500))
	env.register(t, "alice")
	mustNoErr(t, env.engine.Deposit(ctx, "alice", "usdc", d(100, 18), nil, nil))

	env.transferer.err = errors.New("bridge offline")
	withdraw := []Action{{Kind: ActionWithdraw, Asset: AssetAmount{Token: "usdc"}}}
	mustNoErr(t, env.engine.Execute(ctx, "alice", withdraw, nil))

	assertBig(t, "free shares", env.state.accounts["alice"].FreeShares("usdc"), d(100, 18))
	if len(env.state.transfers) != 0 {
		t.Fatalf("failed dispatch should settle the transfer")
	}
	settled := env.events.OfType(events.TypeLendingTransferSettled)
	if len(settled) != 1 || settled[0].(events.LendingTransferSettled).Success {
		t.Fatalf("expected one failed settlement, got %+v", settled)
	}
}

func TestTransferDustStaysInReserve(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	cfg := testAssetConfig(9500)
	cfg.ExtraDecimals = 6
	env.listAsset(t, "usdt", cfg)
	env.register(t, "alice")
	mustNoErr(t, env.engine.Deposit(ctx, "alice", "usdt", big.NewInt(5_000), nil, nil))

	withdraw := []Action{{Kind: ActionWithdraw, Asset: AssetAmount{Token: "usdt", Amount: big.NewInt(1_500_000_123)}}}
	mustNoErr(t, env.engine.Execute(ctx, "alice", withdraw, nil))
	req := env.transferer.last(t)
	assertBig(t, "external", req.ExternalAmount, big.NewInt(1_500))
	assertBig(t, "inner", req.Amount, big.NewInt(1_500_000_000))
	assertBig(t, "reserved dust", env.asset(t, "usdt").Reserved, big.NewInt(123))
}

func setupBorrower(t *testing.T, mutate func(*AssetConfig)) (*testEnv, *Prices) {
	t.Helper()
	ctx := context.Background()
	env := newTestEnv(t, nil)
	ndai := testAssetConfig(9500)
	if mutate != nil {
		mutate(&ndai)
	}
	env.listAsset(t, "ndai", ndai)
	env.listAsset(t, "wnear", testAssetConfig(6000))
	env.register(t, "alice")
	mustNoErr(t, env.engine.DepositToReserve(ctx, "ndai", d(10_000, 18)))

	prices := usd(map[TokenID]int64{"ndai": 1, "wnear": 10})
	collateral := []Action{{Kind: ActionIncreaseCollateral, Asset: AssetAmount{Token: "wnear"}}}
	mustNoErr(t, env.engine.Deposit(ctx, "alice", "wnear", d(10_000, 18), collateral, prices))
	borrow := []Action{
		{Kind: ActionBorrow, Asset: AssetAmount{Token: "ndai", Amount: d(8_000, 18)}},
		{Kind: ActionWithdraw, Asset: AssetAmount{Token: "ndai", Amount: d(8_000, 18)}},
	}
	mustNoErr(t, env.engine.Execute(ctx, "alice", borrow, prices))
	return env, prices
}

func TestBorrowInterestAccruesOverOneYear(t *testing.T) {
	env, prices := setupBorrower(t, nil)

	view, err := env.engine.Asset("ndai")
	mustNoErr(t, err)
	if view.Utilization != "0.8" {
		t.Fatalf("unexpected utilization %s", view.Utilization)
	}

	env.advance(time.Duration(MSPerYear) * time.Millisecond)
	account, err := env.engine.Account("alice", prices)
	mustNoErr(t, err)
	if len(account.Positions) != 1 || len(account.Positions[0].Borrowed) != 1 {
		t.Fatalf("unexpected positions %+v", account.Positions)
	}
	borrowed := account.Positions[0].Borrowed[0].Balance
	diff := new(big.Int).Sub(borrowed, d(8_640, 18))
	if diff.CmpAbs(d(8_640, 9)) > 0 {
		t.Fatalf("borrowed after a year: got %s want ~%s", borrowed, d(8_640, 18))
	}
	if account.Positions[0].Discount != "0" {
		t.Fatalf("position should stay healthy, discount %s", account.Positions[0].Discount)
	}
}

func TestProtocolAndBeneficiaryFees(t *testing.T) {
	ctx := context.Background()
	env, _ := setupBorrower(t, func(cfg *AssetConfig) {
		cfg.ProtocolRatio = 5000
		cfg.Beneficiaries = map[AccountID]uint32{"treasury": 1000}
	})
	env.advance(time.Duration(MSPerYear) * time.Millisecond)

	view, err := env.engine.Asset("ndai")
	mustNoErr(t, err)
	accrued := view.ProtocolFee
	if accrued.Cmp(d(100, 18)) <= 0 {
		t.Fatalf("expected accrued protocol fees, got %s", accrued)
	}

	mustErrIs(t, env.engine.WithdrawProtocolFees(ctx, "mallory", "ndai", d(100, 18), ""), ErrUnauthorized)
	mustErrIs(t, env.engine.WithdrawProtocolFees(ctx, "owner", "ndai", d(1_000, 18), ""), ErrInsufficientShares)

	mustNoErr(t, env.engine.WithdrawProtocolFees(ctx, "owner", "ndai", d(100, 18), "treasury"))
	req := env.transferer.last(t)
	if req.Source != SourceProtocolFee || req.Account != "treasury" {
		t.Fatalf("unexpected transfer %+v", req)
	}
	assertBig(t, "protocol fee", env.asset(t, "ndai").ProtocolFee, new(big.Int).Sub(accrued, d(100, 18)))

	mustNoErr(t, env.engine.OnTransferResult(ctx, req.ID, false))
	assertBig(t, "re-credited protocol fee", env.asset(t, "ndai").ProtocolFee, accrued)

	mustNoErr(t, env.engine.ClaimBeneficiaryFees(ctx, "treasury", "ndai"))
	claim := env.transferer.last(t)
	if claim.Source != SourceBeneficiary || claim.Amount.String() != view.BeneficiaryFees["treasury"] {
		t.Fatalf("unexpected claim %+v, accrued %s", claim, view.BeneficiaryFees["treasury"])
	}
	mustErrIs(t, env.engine.ClaimBeneficiaryFees(ctx, "treasury", "ndai"), ErrInvalidAmount)
}

func TestUnhealthyBorrowRollsBack(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.listAsset(t, "ndai", testAssetConfig(9500))
	env.listAsset(t, "wnear", testAssetConfig(6000))
	env.register(t, "alice")
	mustNoErr(t, env.engine.DepositToReserve(ctx, "ndai", d(10_000, 18)))
	prices := usd(map[TokenID]int64{"ndai": 1, "wnear": 10})
	collateral := []Action{{Kind: ActionIncreaseCollateral, Asset: AssetAmount{Token: "wnear"}}}
	mustNoErr(t, env.engine.Deposit(ctx, "alice", "wnear", d(100, 18), collateral, prices))

	commits := env.state.commits
	borrow := []Action{{Kind: ActionBorrow, Asset: AssetAmount{Token: "ndai", Amount: d(600, 18)}}}
	mustErrIs(t, env.engine.Execute(ctx, "alice", borrow, prices), ErrUnhealthyPosition)
	if env.state.commits != commits {
		t.Fatalf("rejected batch must not commit")
	}
	assertBig(t, "borrowed pool", env.asset(t, "ndai").Borrowed.Balance, big.NewInt(0))

	onlyNear := usd(map[TokenID]int64{"wnear": 10})
	borrow[0].Asset.Amount = d(100, 18)
	mustErrIs(t, env.engine.Execute(ctx, "alice", borrow, onlyNear), ErrMissingPrice)

	mustNoErr(t, env.engine.Execute(ctx, "alice", borrow, prices))
	assertBig(t, "borrowed pool", env.asset(t, "ndai").Borrowed.Balance, d(100, 18))
}

func TestBorrowLimits(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	ndai := testAssetConfig(9500)
	ndai.BorrowedLimit = d(50, 18)
	ndai.MinBorrowedAmount = d(10, 18)
	env.listAsset(t, "ndai", ndai)
	env.listAsset(t, "wnear", testAssetConfig(6000))
	env.register(t, "alice")
	mustNoErr(t, env.engine.DepositToReserve(ctx, "ndai", d(1_000, 18)))
	prices := usd(map[TokenID]int64{"ndai": 1, "wnear": 10})
	collateral := []Action{{Kind: ActionIncreaseCollateral, Asset: AssetAmount{Token: "wnear"}}}
	mustNoErr(t, env.engine.Deposit(ctx, "alice", "wnear", d(100, 18), collateral, prices))

	borrow := func(amount *big.Int) error {
		return env.engine.Execute(ctx, "alice", []Action{{Kind: ActionBorrow, Asset: AssetAmount{Token: "ndai", Amount: amount}}}, prices)
	}
	mustErrIs(t, borrow(d(60, 18)), ErrBorrowedLimit)
	mustErrIs(t, borrow(d(5, 18)), ErrMinBorrowedAmount)
	mustErrIs(t, borrow(d(2_000, 18)), ErrInsufficientLiquidity)
	mustNoErr(t, borrow(d(40, 18)))
}

func TestRepayClearsPosition(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.listAsset(t, "ndai", testAssetConfig(9500))
	env.listAsset(t, "wnear", testAssetConfig(6000))
	env.register(t, "alice")
	mustNoErr(t, env.engine.DepositToReserve(ctx, "ndai", d(1_000, 18)))
	prices := usd(map[TokenID]int64{"ndai": 1, "wnear": 10})
	actions := []Action{
		{Kind: ActionIncreaseCollateral, Asset: AssetAmount{Token: "wnear"}},
		{Kind: ActionBorrow, Asset: AssetAmount{Token: "ndai", Amount: d(100, 18)}},
	}
	mustNoErr(t, env.engine.Deposit(ctx, "alice", "wnear", d(100, 18), actions, prices))

	repay := []Action{
		{Kind: ActionRepay, Asset: AssetAmount{Token: "ndai"}},
		{Kind: ActionDecreaseCollateral, Asset: AssetAmount{Token: "wnear"}},
	}
	mustNoErr(t, env.engine.Execute(ctx, "alice", repay, prices))
	alice := env.state.accounts["alice"]
	if len(alice.Positions) != 0 {
		t.Fatalf("repaid position should be pruned, got %v", alice.PositionNames())
	}
	assertBig(t, "free wnear", alice.FreeShares("wnear"), d(100, 18))
	assertBig(t, "free ndai", alice.FreeShares("ndai"), big.NewInt(0))
	ndai := env.asset(t, "ndai")
	assertBig(t, "borrowed pool", ndai.Borrowed.Balance, big.NewInt(0))
	assertBig(t, "reserved", ndai.Reserved, d(1_000, 18))
}

func TestMaxNumAssets(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxNumAssets = 1 })
	env.listAsset(t, "usdc", testAssetConfig(9500))
	env.listAsset(t, "eth", testAssetConfig(8000))
	env.register(t, "alice")
	mustNoErr(t, env.engine.Deposit(ctx, "alice", "usdc", d(1, 18), nil, nil))
	mustErrIs(t, env.engine.Deposit(ctx, "alice", "eth", d(1, 18), nil, nil), ErrMaxNumAssets)
}

func TestPausedModuleRejects(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.listAsset(t, "usdc", testAssetConfig(9500))
	env.register(t, "alice")
	env.engine.SetPauses(pauseSet{moduleName: true})

	err := env.engine.Deposit(ctx, "alice", "usdc", d(1, 18), nil, nil)
	mustErrIs(t, err, nativecommon.ErrModulePaused)
	if !IsRejection(err) {
		t.Fatalf("paused module should be a rejection")
	}
	// The margin module pauses independently.
	mustNoErr(t, env.engine.MarginDeposit(ctx, "alice", "usdc", d(1, 18)))
}

func TestCommitFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.listAsset(t, "usdc", testAssetConfig(9500))
	env.register(t, "alice")
	before := len(env.events.Events)

	diskFull := errors.New("disk full")
	env.state.failCommit = diskFull
	err := env.engine.Deposit(ctx, "alice", "usdc", d(1, 18), nil, nil)
	if !errors.Is(err, diskFull) {
		t.Fatalf("expected commit error, got %v", err)
	}
	if IsRejection(err) {
		t.Fatalf("commit failure is not a rejection")
	}
	if len(env.events.Events) != before {
		t.Fatalf("events must not be released for a failed batch")
	}
	assertBig(t, "supplied", env.asset(t, "usdc").Supplied.Balance, big.NewInt(0))
}

func TestRegistrationGuards(t *testing.T) {
	env := newTestEnv(t, nil)
	env.listAsset(t, "usdc", testAssetConfig(9500))
	mustErrIs(t, env.engine.ListAsset("usdc", testAssetConfig(9500)), ErrAssetExists)
	env.register(t, "alice")
	mustErrIs(t, env.engine.RegisterAccount("alice"), ErrAccountExists)
	mustErrIs(t, env.engine.Deposit(context.Background(), "bob", "usdc", d(1, 18), nil, nil), ErrUnknownAccount)
	mustErrIs(t, env.engine.Deposit(context.Background(), "alice", "dai", d(1, 18), nil, nil), ErrUnknownAsset)
}

func TestSyncLPTokenInfo(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.listAsset(t, "usdc", testAssetConfig(9500))
	env.listAsset(t, "eth", testAssetConfig(8000))
	env.listAsset(t, "lp", testAssetConfig(7000))

	info := UnitShareTokens{
		Timestamp: 2_000,
		Decimals:  18,
		Tokens: []TokenAmount{
			{Token: "usdc", Amount: d(2_000, 18)},
			{Token: "eth", Amount: d(1, 18)},
		},
	}
	mustNoErr(t, env.engine.SyncLPTokenInfo(ctx, "lp", info))
	older := info
	older.Timestamp = 1_000
	mustErrIs(t, env.engine.SyncLPTokenInfo(ctx, "lp", older), ErrValidation)
	mustErrIs(t, env.engine.SyncLPTokenInfo(ctx, "unknown", info), ErrUnknownAsset)
	if got := env.state.lpInfos["lp"]; got == nil || got.Timestamp != 2_000 {
		t.Fatalf("unexpected stored snapshot %+v", got)
	}
}

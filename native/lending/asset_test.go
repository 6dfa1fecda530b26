package lending

import (
	"errors"
	"math/big"
	"testing"
)

func TestDecimalArithmetic(t *testing.T) {
	half := DecimalFromRatio(5000)
	if got := half.Mul(DecimalFromUint64(3)); got.Cmp(DecimalFromRatio(15000)) != 0 {
		t.Fatalf("0.5 * 3: got %s", got)
	}
	if got := DecimalFromUint64(1).Div(DecimalZero()); !got.IsZero() {
		t.Fatalf("division by zero must yield zero, got %s", got)
	}
	if got := DecimalFromUint64(2).Pow(10); got.Cmp(DecimalFromUint64(1024)) != 0 {
		t.Fatalf("2^10: got %s", got)
	}
	if got := DecimalFromUint64(7).DivRatio(5000); got.Cmp(DecimalFromUint64(14)) != 0 {
		t.Fatalf("7 / 0.5: got %s", got)
	}
	price := Price{Multiplier: big.NewInt(25), Decimals: 20}
	value := DecimalFromBalancePrice(d(4, 18), price, 0)
	if value.Cmp(DecimalFromUint64(1)) != 0 {
		t.Fatalf("4e18 units at 25e-20: got %s", value)
	}
	if got := DecimalFromRatio(2500).String(); got != "0.25" {
		t.Fatalf("unexpected string rendering %q", got)
	}
	if got := DecimalFromRatio(12345).FloorInt(); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("floor of 1.2345: got %s", got)
	}
	if got := DecimalFromRatio(12345).CeilInt(); got.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("ceil of 1.2345: got %s", got)
	}
}

func TestRateCurve(t *testing.T) {
	cfg := testAssetConfig(9500)
	if got := cfg.GetRate(big.NewInt(0), big.NewInt(0)); got.Cmp(DecimalOne()) != 0 {
		t.Fatalf("rate without supply must be one, got %s", got)
	}
	if got := cfg.GetRate(big.NewInt(0), big.NewInt(100)); got.Cmp(DecimalOne()) != 0 {
		t.Fatalf("rate at zero utilization must be one, got %s", got)
	}
	if got := cfg.GetRate(big.NewInt(80), big.NewInt(100)); got.Raw().Cmp(cfg.TargetUtilizationRate) != 0 {
		t.Fatalf("rate at target: got %s", got.Raw())
	}
	atMax := cfg.GetRate(big.NewInt(100), big.NewInt(100)).Raw()
	if diff := new(big.Int).Sub(atMax, cfg.MaxUtilizationRate); diff.CmpAbs(big.NewInt(10)) > 0 {
		t.Fatalf("rate at full utilization: got %s want %s", atMax, cfg.MaxUtilizationRate)
	}
	low := cfg.GetRate(big.NewInt(40), big.NewInt(100))
	if low.Cmp(DecimalOne()) <= 0 || low.Raw().Cmp(cfg.TargetUtilizationRate) >= 0 {
		t.Fatalf("rate below target must sit between one and target, got %s", low.Raw())
	}
}

func TestDistributeInterestSplit(t *testing.T) {
	cfg := testAssetConfig(9500)
	cfg.ProtocolRatio = 5000
	cfg.Beneficiaries = map[AccountID]uint32{"treasury": 1000}
	asset := NewAsset("dai", 0, cfg)
	asset.Supplied = SharePool{Shares: big.NewInt(1_000_000), Balance: big.NewInt(1_000_000)}

	split := asset.distributeInterest(big.NewInt(10_000))
	assertBig(t, "suppliers", split.Suppliers, big.NewInt(7_500))
	assertBig(t, "beneficiaries", split.Beneficiaries, big.NewInt(250))
	assertBig(t, "protocol fee", asset.ProtocolFee, big.NewInt(1_125))
	assertBig(t, "reserved", asset.Reserved, big.NewInt(1_125))
	assertBig(t, "treasury fee", asset.BeneficiaryFees["treasury"], big.NewInt(250))
	assertBig(t, "supplied balance", asset.Supplied.Balance, big.NewInt(1_007_500))
}

func TestDistributeInterestWithoutSuppliers(t *testing.T) {
	asset := NewAsset("dai", 0, testAssetConfig(9500))
	asset.distributeInterest(big.NewInt(10_000))
	assertBig(t, "reserved", asset.Reserved, big.NewInt(10_000))
	assertBig(t, "supplied", asset.Supplied.Balance, big.NewInt(0))
}

func TestAssetUpdateCompoundsOneYear(t *testing.T) {
	asset := NewAsset("dai", 0, testAssetConfig(9500))
	asset.Reserved = d(10_000, 18)
	asset.Borrowed = SharePool{Shares: d(8_000, 18), Balance: d(8_000, 18)}
	if asset.Rate().Raw().Cmp(asset.Config.TargetUtilizationRate) != 0 {
		t.Fatalf("80%% utilization should price at the target rate")
	}

	split := asset.Update(MSPerYear, 5000)
	want := d(8_640, 18)
	diff := new(big.Int).Sub(asset.Borrowed.Balance, want)
	if diff.CmpAbs(d(8_640, 9)) > 0 {
		t.Fatalf("borrowed after one year: got %s want ~%s", asset.Borrowed.Balance, want)
	}
	gained := new(big.Int).Sub(asset.Reserved, d(10_000, 18))
	assertBig(t, "reserve gain", gained, split.Interest)

	before := new(big.Int).Set(asset.Borrowed.Balance)
	asset.Update(MSPerYear, 5000)
	assertBig(t, "second update at the same time", asset.Borrowed.Balance, before)
}

func TestMarginDebtRateDiscountsExcess(t *testing.T) {
	asset := NewAsset("dai", 0, testAssetConfig(9500))
	asset.Reserved = big.NewInt(10_000)
	asset.Borrowed = SharePool{Shares: big.NewInt(8_000), Balance: big.NewInt(8_000)}
	excess := asset.Rate().Sub(DecimalOne())
	want := DecimalOne().Add(excess.MulRatio(5000))
	if got := asset.MarginDebtRate(5000); got.Cmp(want) != 0 {
		t.Fatalf("margin debt rate: got %s want %s", got, want)
	}
	if got := asset.MarginDebtRate(0); got.Cmp(DecimalOne()) != 0 {
		t.Fatalf("full discount must leave margin debt interest free, got %s", got)
	}
}

func TestMarginPendingDebtCapacity(t *testing.T) {
	asset := NewAsset("dai", 0, testAssetConfig(9500))
	asset.Reserved = big.NewInt(1_000)
	if err := asset.IncreaseMarginPendingDebt(big.NewInt(600), 5000); !errors.Is(err, ErrPendingDebtOverflow) {
		t.Fatalf("expected pending debt overflow, got %v", err)
	}
	assertBig(t, "rolled back pending debt", asset.MarginPendingDebt, big.NewInt(0))
	if err := asset.IncreaseMarginPendingDebt(big.NewInt(300), 5000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertBig(t, "available", asset.AvailableAmount(), big.NewInt(700))
	if err := asset.DecreaseMarginPendingDebt(big.NewInt(301)); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected underflow rejection, got %v", err)
	}
}

func TestAssetNormalizeSweepsOwnerlessBalance(t *testing.T) {
	asset := NewAsset("dai", 0, testAssetConfig(9500))
	asset.Supplied = SharePool{Shares: new(big.Int), Balance: big.NewInt(42)}
	asset.Normalize()
	assertBig(t, "reserved", asset.Reserved, big.NewInt(42))
	if err := asset.Validate(); err != nil {
		t.Fatalf("normalized asset must validate: %v", err)
	}
}

func TestExtraDecimalsScaling(t *testing.T) {
	cfg := testAssetConfig(9500)
	cfg.ExtraDecimals = 12
	asset := NewAsset("usdt", 0, cfg)
	inner := asset.ToInner(big.NewInt(5))
	assertBig(t, "inner", inner, d(5, 12))
	assertBig(t, "external", asset.ToExternal(new(big.Int).Add(inner, big.NewInt(999))), big.NewInt(5))
}

func TestAssetValidateMinimumReserveOnEveryPool(t *testing.T) {
	dust := SharePool{Shares: big.NewInt(999), Balance: big.NewInt(1_050)}
	for name, set := range map[string]func(*Asset){
		"supplied":    func(a *Asset) { a.Supplied = dust.Clone() },
		"borrowed":    func(a *Asset) { a.Borrowed = dust.Clone() },
		"margin debt": func(a *Asset) { a.MarginDebt = dust.Clone() },
	} {
		asset := NewAsset("dai", 0, testAssetConfig(9500))
		set(asset)
		if err := asset.Validate(); !errors.Is(err, ErrInvariantViolation) {
			t.Fatalf("%s pool below the minimum reserve: expected invariant violation, got %v", name, err)
		}
	}
	asset := NewAsset("dai", 0, testAssetConfig(9500))
	asset.Borrowed = SharePool{Shares: big.NewInt(1_000), Balance: big.NewInt(1_000)}
	if err := asset.Validate(); err != nil {
		t.Fatalf("borrowed pool at the minimum reserve must validate: %v", err)
	}
}

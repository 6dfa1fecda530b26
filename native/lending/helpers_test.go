package lending

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"testing"
	"time"

	"lendcore/core/events"
)

type memState struct {
	assets         map[TokenID]*Asset
	accounts       map[AccountID]*Account
	marginAccounts map[AccountID]*Account
	debts          map[TokenID]*big.Int
	transfers      map[string]*TransferRequest
	lpInfos        map[TokenID]*UnitShareTokens
	commits        int
	failCommit     error
}

func newMemState() *memState {
	return &memState{
		assets:         make(map[TokenID]*Asset),
		accounts:       make(map[AccountID]*Account),
		marginAccounts: make(map[AccountID]*Account),
		debts:          make(map[TokenID]*big.Int),
		transfers:      make(map[string]*TransferRequest),
		lpInfos:        make(map[TokenID]*UnitShareTokens),
	}
}

func (m *memState) GetAsset(token TokenID) (*Asset, error) { return m.assets[token].Clone(), nil }

func (m *memState) AssetIDs() ([]TokenID, error) {
	ids := make([]TokenID, 0, len(m.assets))
	for id := range m.assets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *memState) GetAccount(id AccountID) (*Account, error) { return m.accounts[id].Clone(), nil }

func (m *memState) GetMarginAccount(id AccountID) (*Account, error) {
	return m.marginAccounts[id].Clone(), nil
}

func (m *memState) GetProtocolDebts() (map[TokenID]*big.Int, error) {
	out := make(map[TokenID]*big.Int, len(m.debts))
	for k, v := range m.debts {
		out[k] = cloneBig(v)
	}
	return out, nil
}

func (m *memState) GetPendingTransfer(id string) (*TransferRequest, error) {
	return m.transfers[id].Clone(), nil
}

func (m *memState) GetLPTokenInfo(token TokenID) (*UnitShareTokens, error) {
	return m.lpInfos[token].Clone(), nil
}

func (m *memState) Commit(cs *ChangeSet) error {
	if m.failCommit != nil {
		return m.failCommit
	}
	for _, a := range cs.Assets {
		m.assets[a.Token] = a.Clone()
	}
	for _, a := range cs.Accounts {
		m.accounts[a.ID] = a.Clone()
	}
	for _, a := range cs.MarginAccounts {
		m.marginAccounts[a.ID] = a.Clone()
	}
	if cs.ProtocolDebts != nil {
		m.debts = make(map[TokenID]*big.Int, len(cs.ProtocolDebts))
		for k, v := range cs.ProtocolDebts {
			m.debts[k] = cloneBig(v)
		}
	}
	for _, t := range cs.PutTransfers {
		m.transfers[t.ID] = t.Clone()
	}
	for _, id := range cs.DeletedTransfers {
		delete(m.transfers, id)
	}
	for token, info := range cs.LPTokenInfos {
		m.lpInfos[token] = info.Clone()
	}
	m.commits++
	return nil
}

type fakeTransferer struct {
	requests []TransferRequest
	err      error
}

func (f *fakeTransferer) Transfer(_ context.Context, req TransferRequest) error {
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, req)
	return nil
}

type fakeVenue struct {
	requests []SwapRequest
	err      error
}

func (f *fakeVenue) Swap(_ context.Context, req SwapRequest) error {
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeVenue) last(t *testing.T) SwapRequest {
	t.Helper()
	if len(f.requests) == 0 {
		t.Fatalf("expected a swap request")
	}
	return f.requests[len(f.requests)-1]
}

type testEnv struct {
	engine     *Engine
	state      *memState
	transferer *fakeTransferer
	venue      *fakeVenue
	events     *events.Collector
	now        time.Time
}

func (env *testEnv) advance(d time.Duration) { env.now = env.now.Add(d) }

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Owner = "owner"
	cfg.Margin.RegisteredVenues = []string{"dex"}
	cfg.Margin.RegisteredTokens = map[TokenID]uint8{"usdc": 0, "eth": 1}
	cfg.Margin.PendingDebtScale = 5_000
	if mutate != nil {
		mutate(&cfg)
	}
	env := &testEnv{
		state:      newMemState(),
		transferer: &fakeTransferer{},
		venue:      &fakeVenue{},
		events:     &events.Collector{},
		now:        time.UnixMilli(1_700_000_000_000),
	}
	env.engine = NewEngine(cfg)
	env.engine.SetState(env.state)
	env.engine.SetTransferer(env.transferer)
	env.engine.SetVenue(env.venue)
	env.engine.SetEmitter(env.events)
	env.engine.SetClock(func() time.Time { return env.now })
	return env
}

func testAssetConfig(volatility uint32) AssetConfig {
	return AssetConfig{
		ReserveRatio:           2500,
		TargetUtilization:      8000,
		TargetUtilizationRate:  mustBigInt("1000000000002440418605283556"),
		MaxUtilizationRate:     mustBigInt("1000000000039724853136740579"),
		HoldingPositionFeeRate: new(big.Int).Set(ray),
		VolatilityRatio:        volatility,
		CanDeposit:             true,
		CanWithdraw:            true,
		CanUseAsCollateral:     true,
		CanBorrow:              true,
		NetTVLMultiplier:       10000,
		MinBorrowedAmount:      big.NewInt(1),
	}
}

// d returns n * 10^decimals.
func d(n int64, decimals int) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), pow10(decimals))
}

// usd quotes tokens held with 18 decimals at whole-dollar prices.
func usd(quotes map[TokenID]int64) *Prices {
	prices := NewPrices(0)
	for token, p := range quotes {
		prices.Set(token, Price{Multiplier: big.NewInt(p), Decimals: 18})
	}
	return prices
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func mustErrIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}

func (env *testEnv) listAsset(t *testing.T, token TokenID, cfg AssetConfig) {
	t.Helper()
	mustNoErr(t, env.engine.ListAsset(token, cfg))
}

func (env *testEnv) register(t *testing.T, ids ...AccountID) {
	t.Helper()
	for _, id := range ids {
		mustNoErr(t, env.engine.RegisterAccount(id))
	}
}

func (env *testEnv) asset(t *testing.T, token TokenID) *Asset {
	t.Helper()
	asset := env.state.assets[token]
	if asset == nil {
		t.Fatalf("asset %s not stored", token)
	}
	return asset
}

func assertBig(t *testing.T, name string, got, want *big.Int) {
	t.Helper()
	if bigOrZero(got).Cmp(want) != 0 {
		t.Fatalf("%s: got %s, want %s", name, bigOrZero(got), want)
	}
}

package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lendcore/core/events"
	nativecommon "lendcore/native/common"
)

const (
	moduleName            = nativecommon.ModuleLending
	marginModuleName      = nativecommon.ModuleMargin
	liquidationModuleName = nativecommon.ModuleLiquidation
)

// EngineState is the persistence contract of the engine. Getters return
// nil without error for absent records. Commit must apply the change set
// atomically.
type EngineState interface {
	GetAsset(token TokenID) (*Asset, error)
	AssetIDs() ([]TokenID, error)
	GetAccount(id AccountID) (*Account, error)
	GetMarginAccount(id AccountID) (*Account, error)
	GetProtocolDebts() (map[TokenID]*big.Int, error)
	GetPendingTransfer(id string) (*TransferRequest, error)
	GetLPTokenInfo(token TokenID) (*UnitShareTokens, error)
	Commit(cs *ChangeSet) error
}

// ChangeSet is everything one successful batch writes.
type ChangeSet struct {
	Assets         []*Asset
	Accounts       []*Account
	MarginAccounts []*Account
	// ProtocolDebts replaces the whole ledger when non-nil.
	ProtocolDebts    map[TokenID]*big.Int
	PutTransfers     []*TransferRequest
	DeletedTransfers []string
	LPTokenInfos     map[TokenID]*UnitShareTokens
}

// IsEmpty reports whether the change set writes nothing.
func (cs *ChangeSet) IsEmpty() bool {
	return len(cs.Assets) == 0 && len(cs.Accounts) == 0 && len(cs.MarginAccounts) == 0 &&
		cs.ProtocolDebts == nil && len(cs.PutTransfers) == 0 && len(cs.DeletedTransfers) == 0 &&
		len(cs.LPTokenInfos) == 0
}

// SwapVenue forwards swap requests to the external exchange. Results arrive
// later through OnSwapReturn or OnSwapFailed.
type SwapVenue interface {
	Swap(ctx context.Context, req SwapRequest) error
}

// TokenTransferer sends tokens out of the protocol. Results arrive later
// through OnTransferResult.
type TokenTransferer interface {
	Transfer(ctx context.Context, req TransferRequest) error
}

// MetricsRecorder receives engine telemetry.
type MetricsRecorder interface {
	ObserveBatch(op string, duration time.Duration, err error)
	RecordLiquidation(kind string)
	RecordSettlement(op string, outcome string)
	SetProtocolDebt(token string, amount *big.Int)
}

// Engine orchestrates the state transitions of the lending module. Every
// public mutation runs as one atomic batch.
type Engine struct {
	mu         sync.Mutex
	state      EngineState
	config     Config
	clock      func() time.Time
	pauses     nativecommon.PauseView
	venue      SwapVenue
	transferer TokenTransferer
	emitter    events.Emitter
	logger     *slog.Logger
	metrics    MetricsRecorder
	newID      func() string
}

// NewEngine constructs a lending engine with the provided configuration.
func NewEngine(cfg Config) *Engine {
	cfg = cfg.Clone()
	cfg.EnsureDefaults()
	return &Engine{
		config:  cfg,
		clock:   time.Now,
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		newID:   func() string { return uuid.NewString() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state EngineState) { e.state = state }

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetClock overrides the time source used for accrual.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
}

func (e *Engine) SetVenue(v SwapVenue) { e.venue = v }

func (e *Engine) SetTransferer(t TokenTransferer) { e.transferer = t }

func (e *Engine) SetEmitter(em events.Emitter) {
	if em == nil {
		em = events.NoopEmitter{}
	}
	e.emitter = em
}

func (e *Engine) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	e.logger = l.With("module", moduleName)
}

func (e *Engine) SetMetrics(m MetricsRecorder) { e.metrics = m }

// SetIDGenerator overrides the generator of swap nonces and transfer ids.
func (e *Engine) SetIDGenerator(gen func() string) {
	if gen != nil {
		e.newID = gen
	}
}

// Config returns a copy of the active configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config.Clone()
}

func (e *Engine) nowMs() uint64 {
	return uint64(e.clock().UnixMilli())
}

// run executes fn against a fresh batch and commits it. Outbound transfers,
// swaps and events are released only after the commit succeeded.
func (e *Engine) run(ctx context.Context, op string, prices *Prices, fn func(*batch) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	start := time.Now()
	e.mu.Lock()
	b := newBatch(e, prices)
	err := fn(b)
	if err == nil {
		err = b.commit()
	}
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.ObserveBatch(op, time.Since(start), err)
	}
	if err != nil {
		e.logger.Debug("lending batch rejected", "op", op, "error", err)
		return err
	}
	e.dispatch(ctx, b)
	return nil
}

// read executes fn against a batch that is never committed.
func (e *Engine) read(prices *Prices, fn func(*batch) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(newBatch(e, prices))
}

func (e *Engine) dispatch(ctx context.Context, b *batch) {
	for _, ev := range b.events {
		e.emitter.Emit(ev)
	}
	if e.metrics != nil && b.debtsDirty {
		for token, amount := range b.debts {
			e.metrics.SetProtocolDebt(string(token), amount)
		}
	}
	for _, req := range b.outTransfers {
		if e.transferer == nil {
			e.logger.Error("token transfer dropped: no transferer configured", "transfer", req.ID)
			e.failTransfer(ctx, req.ID)
			continue
		}
		if err := e.transferer.Transfer(ctx, *req); err != nil {
			e.logger.Warn("token transfer dispatch failed", "transfer", req.ID, "account", req.Account, "token", req.Token, "error", err)
			e.failTransfer(ctx, req.ID)
		}
	}
	for _, req := range b.outSwaps {
		if e.venue == nil {
			e.logger.Error("swap dropped: no venue configured", "position", req.Reference.PositionID)
			e.failSwap(ctx, req.Reference)
			continue
		}
		if err := e.venue.Swap(ctx, req); err != nil {
			e.logger.Warn("swap dispatch failed", "account", req.Reference.AccountID, "position", req.Reference.PositionID, "op", req.Reference.Op, "error", err)
			e.failSwap(ctx, req.Reference)
		}
	}
}

func (e *Engine) failTransfer(ctx context.Context, id string) {
	if err := e.OnTransferResult(ctx, id, false); err != nil {
		e.logger.Error("re-credit after failed transfer dispatch", "transfer", id, "error", err)
	}
}

func (e *Engine) failSwap(ctx context.Context, ref SwapReference) {
	if err := e.OnSwapFailed(ctx, ref); err != nil {
		e.logger.Error("rollback after failed swap dispatch", "position", ref.PositionID, "error", err)
	}
}

// ListAsset adds a token to the protocol.
func (e *Engine) ListAsset(token TokenID, cfg AssetConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return e.run(context.Background(), "list_asset", nil, func(b *batch) error {
		existing, err := e.state.GetAsset(token)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %s", ErrAssetExists, token)
		}
		b.assets.Insert(NewAsset(token, b.now, cfg))
		return nil
	})
}

// RegisterAccount creates an empty regular account.
func (e *Engine) RegisterAccount(id AccountID) error {
	if id == "" {
		return fmt.Errorf("%w: empty account id", ErrValidation)
	}
	return e.run(context.Background(), "register", nil, func(b *batch) error {
		existing, err := e.state.GetAccount(id)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %s", ErrAccountExists, id)
		}
		b.putAccount(NewAccount(id))
		return nil
	})
}

// batch is the unit of atomicity. It owns clones of everything it touches;
// nothing reaches the state until commit.
type batch struct {
	engine *Engine
	cfg    Config
	now    uint64
	prices *Prices
	assets *AssetCache

	accounts       map[AccountID]*Account
	marginAccounts map[AccountID]*Account
	baseline       map[shareKey]shareSnapshot
	touched        map[AccountID]map[string]struct{}

	debts       map[TokenID]*big.Int
	debtsLoaded bool
	debtsDirty  bool

	transfers        map[string]*TransferRequest
	deletedTransfers map[string]struct{}

	lpInfos map[TokenID]*UnitShareTokens
	lpDirty map[TokenID]struct{}

	outTransfers []*TransferRequest
	outSwaps     []SwapRequest
	events       []events.Event
}

type shareKey struct {
	account AccountID
	margin  bool
}

type shareSnapshot map[TokenID][2]*big.Int

func newBatch(e *Engine, prices *Prices) *batch {
	now := e.nowMs()
	return &batch{
		engine:           e,
		cfg:              e.config,
		now:              now,
		prices:           prices,
		assets:           NewAssetCache(e.state, now, e.config.Margin.MarginDebtDiscountRate),
		accounts:         make(map[AccountID]*Account),
		marginAccounts:   make(map[AccountID]*Account),
		baseline:         make(map[shareKey]shareSnapshot),
		touched:          make(map[AccountID]map[string]struct{}),
		transfers:        make(map[string]*TransferRequest),
		deletedTransfers: make(map[string]struct{}),
		lpInfos:          make(map[TokenID]*UnitShareTokens),
		lpDirty:          make(map[TokenID]struct{}),
	}
}

func (b *batch) emit(ev events.Event) { b.events = append(b.events, ev) }

func (b *batch) guard(module string) error {
	return nativecommon.Guard(b.engine.pauses, module)
}

// account loads a regular account for mutation.
func (b *batch) account(id AccountID) (*Account, error) {
	if acc, ok := b.accounts[id]; ok {
		return acc, nil
	}
	stored, err := b.engine.state.GetAccount(id)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	acc := stored.Clone()
	b.accounts[id] = acc
	b.baseline[shareKey{account: id}] = snapshotShares(acc)
	return acc, nil
}

func (b *batch) putAccount(acc *Account) {
	b.accounts[acc.ID] = acc
	if _, ok := b.baseline[shareKey{account: acc.ID}]; !ok {
		b.baseline[shareKey{account: acc.ID}] = shareSnapshot{}
	}
}

// marginAccount loads a margin account, creating it when create is set.
func (b *batch) marginAccount(id AccountID, create bool) (*Account, error) {
	if acc, ok := b.marginAccounts[id]; ok {
		return acc, nil
	}
	stored, err := b.engine.state.GetMarginAccount(id)
	if err != nil {
		return nil, err
	}
	var acc *Account
	switch {
	case stored != nil:
		acc = stored.Clone()
	case create:
		acc = NewAccount(id)
	default:
		return nil, fmt.Errorf("%w: margin account %s", ErrUnknownAccount, id)
	}
	b.marginAccounts[id] = acc
	b.baseline[shareKey{account: id, margin: true}] = snapshotShares(acc)
	return acc, nil
}

func (b *batch) touch(id AccountID, position string) {
	set, ok := b.touched[id]
	if !ok {
		set = make(map[string]struct{})
		b.touched[id] = set
	}
	set[position] = struct{}{}
}

func (b *batch) protocolDebts() (map[TokenID]*big.Int, error) {
	if b.debtsLoaded {
		return b.debts, nil
	}
	stored, err := b.engine.state.GetProtocolDebts()
	if err != nil {
		return nil, err
	}
	b.debts = make(map[TokenID]*big.Int, len(stored))
	for token, amount := range stored {
		b.debts[token] = cloneBig(amount)
	}
	b.debtsLoaded = true
	return b.debts, nil
}

func (b *batch) risk() riskContext { return riskContext{b: b} }

// commit validates the batch outcome and writes it through the state.
func (b *batch) commit() error {
	if err := b.checkTouchedPositions(); err != nil {
		return err
	}
	for _, acc := range b.accounts {
		if acc.AssetCount() > b.cfg.MaxNumAssets {
			return fmt.Errorf("%w: %s holds %d assets", ErrMaxNumAssets, acc.ID, acc.AssetCount())
		}
	}
	assets, err := b.assets.Dirty()
	if err != nil {
		return err
	}
	cs := &ChangeSet{
		Assets:         assets,
		Accounts:       sortedAccounts(b.accounts),
		MarginAccounts: sortedAccounts(b.marginAccounts),
	}
	if b.debtsDirty {
		cs.ProtocolDebts = b.debts
	}
	for _, id := range sortedKeys(b.transfers) {
		cs.PutTransfers = append(cs.PutTransfers, b.transfers[id])
	}
	for _, id := range sortedKeys(b.deletedTransfers) {
		cs.DeletedTransfers = append(cs.DeletedTransfers, id)
	}
	if len(b.lpDirty) > 0 {
		cs.LPTokenInfos = make(map[TokenID]*UnitShareTokens, len(b.lpDirty))
		for token := range b.lpDirty {
			cs.LPTokenInfos[token] = b.lpInfos[token]
		}
	}
	if cs.IsEmpty() {
		return nil
	}
	if err := b.engine.state.Commit(cs); err != nil {
		return fmt.Errorf("lending engine: commit: %w", err)
	}
	b.collectShareDeltas()
	return nil
}

// checkTouchedPositions requires every position mutated by the caller to
// end the batch without a liquidation discount.
func (b *batch) checkTouchedPositions() error {
	ids := make([]AccountID, 0, len(b.touched))
	for id := range b.touched {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		acc := b.accounts[id]
		if acc == nil {
			continue
		}
		for _, name := range sortedKeys(b.touched[id]) {
			position := acc.Position(name)
			if position == nil || position.IsNoBorrowed() {
				continue
			}
			discount, err := b.risk().maxDiscount(position, 0)
			if err != nil {
				return err
			}
			if discount.Sign() > 0 {
				return fmt.Errorf("%w: %s/%s", ErrUnhealthyPosition, id, name)
			}
		}
	}
	return nil
}

func (b *batch) collectShareDeltas() {
	emit := func(id AccountID, margin bool, acc *Account) {
		before := b.baseline[shareKey{account: id, margin: margin}]
		after := snapshotShares(acc)
		tokens := make(map[TokenID]struct{})
		for token := range before {
			tokens[token] = struct{}{}
		}
		for token := range after {
			tokens[token] = struct{}{}
		}
		for _, token := range sortedKeys(tokens) {
			old, cur := before.get(token), after.get(token)
			supplied := new(big.Int).Sub(cur[0], old[0])
			borrowed := new(big.Int).Sub(cur[1], old[1])
			if supplied.Sign() == 0 && borrowed.Sign() == 0 {
				continue
			}
			b.emit(events.ShareDelta{
				Account:       string(id),
				Token:         string(token),
				Margin:        margin,
				SuppliedDelta: supplied,
				BorrowedDelta: borrowed,
				Supplied:      cur[0],
				Borrowed:      cur[1],
				Timestamp:     b.now,
			})
		}
	}
	for _, acc := range sortedAccounts(b.accounts) {
		emit(acc.ID, false, acc)
	}
	for _, acc := range sortedAccounts(b.marginAccounts) {
		emit(acc.ID, true, acc)
	}
}

func snapshotShares(acc *Account) shareSnapshot {
	snap := make(shareSnapshot)
	for _, token := range acc.Tokens() {
		snap[token] = [2]*big.Int{acc.SuppliedShares(token), acc.BorrowedShares(token)}
	}
	return snap
}

func (s shareSnapshot) get(token TokenID) [2]*big.Int {
	if v, ok := s[token]; ok {
		return v
	}
	return [2]*big.Int{new(big.Int), new(big.Int)}
}

func sortedAccounts(m map[AccountID]*Account) []*Account {
	out := make([]*Account, 0, len(m))
	for _, acc := range m {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// IsRejection reports whether err is a caller-facing rejection rather than
// an infrastructure failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInsufficientFunds) || errors.Is(err, nativecommon.ErrModulePaused)
}

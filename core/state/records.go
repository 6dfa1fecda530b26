package state

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/holiman/uint256"

	"lendcore/native/lending"
)

// ErrCorruptRecord marks a stored record that cannot be decoded into a valid
// engine value.
var ErrCorruptRecord = errors.New("state: corrupt lending record")

// Balances and share counts are persisted as uint256 words. The engine bounds
// them to 128 bits; anything wider is rejected at encode time.
func toWord(x *big.Int) (*uint256.Int, error) {
	if x == nil {
		return new(uint256.Int), nil
	}
	if x.Sign() < 0 {
		return nil, fmt.Errorf("state: negative amount %s", x)
	}
	word, overflow := uint256.FromBig(x)
	if overflow {
		return nil, fmt.Errorf("state: amount %s overflows 256 bits", x)
	}
	return word, nil
}

func fromWord(w *uint256.Int) *big.Int {
	if w == nil {
		return new(big.Int)
	}
	return w.ToBig()
}

type poolRecord struct {
	Shares  *uint256.Int
	Balance *uint256.Int
}

func encodePool(p lending.SharePool) (poolRecord, error) {
	shares, err := toWord(p.Shares)
	if err != nil {
		return poolRecord{}, err
	}
	balance, err := toWord(p.Balance)
	if err != nil {
		return poolRecord{}, err
	}
	return poolRecord{Shares: shares, Balance: balance}, nil
}

func (r poolRecord) decode() lending.SharePool {
	return lending.SharePool{Shares: fromWord(r.Shares), Balance: fromWord(r.Balance)}
}

type amountEntry struct {
	Key    string
	Amount *uint256.Int
}

func encodeAmounts[K ~string](m map[K]*big.Int) ([]amountEntry, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	out := make([]amountEntry, 0, len(keys))
	for _, k := range keys {
		w, err := toWord(m[K(k)])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out = append(out, amountEntry{Key: k, Amount: w})
	}
	return out, nil
}

func decodeAmounts[K ~string](entries []amountEntry) map[K]*big.Int {
	out := make(map[K]*big.Int, len(entries))
	for _, e := range entries {
		out[K(e.Key)] = fromWord(e.Amount)
	}
	return out
}

type bpsEntry struct {
	Account string
	Bps     uint32
}

type assetConfigRecord struct {
	ReserveRatio           uint32
	ProtocolRatio          uint32
	TargetUtilization      uint32
	TargetUtilizationRate  *big.Int
	MaxUtilizationRate     *big.Int
	HoldingPositionFeeRate *big.Int
	VolatilityRatio        uint32
	ExtraDecimals          uint8
	CanDeposit             bool
	CanWithdraw            bool
	CanUseAsCollateral     bool
	CanBorrow              bool
	NetTVLMultiplier       uint32
	SuppliedLimit          *big.Int `rlp:"nil"`
	BorrowedLimit          *big.Int `rlp:"nil"`
	MinBorrowedAmount      *big.Int `rlp:"nil"`
	Beneficiaries          []bpsEntry
}

func encodeAssetConfig(c lending.AssetConfig) assetConfigRecord {
	rec := assetConfigRecord{
		ReserveRatio:           c.ReserveRatio,
		ProtocolRatio:          c.ProtocolRatio,
		TargetUtilization:      c.TargetUtilization,
		TargetUtilizationRate:  nonNil(c.TargetUtilizationRate),
		MaxUtilizationRate:     nonNil(c.MaxUtilizationRate),
		HoldingPositionFeeRate: nonNil(c.HoldingPositionFeeRate),
		VolatilityRatio:        c.VolatilityRatio,
		ExtraDecimals:          c.ExtraDecimals,
		CanDeposit:             c.CanDeposit,
		CanWithdraw:            c.CanWithdraw,
		CanUseAsCollateral:     c.CanUseAsCollateral,
		CanBorrow:              c.CanBorrow,
		NetTVLMultiplier:       c.NetTVLMultiplier,
		SuppliedLimit:          c.SuppliedLimit,
		BorrowedLimit:          c.BorrowedLimit,
		MinBorrowedAmount:      c.MinBorrowedAmount,
	}
	for account, bps := range c.Beneficiaries {
		rec.Beneficiaries = append(rec.Beneficiaries, bpsEntry{Account: string(account), Bps: bps})
	}
	sort.Slice(rec.Beneficiaries, func(i, j int) bool { return rec.Beneficiaries[i].Account < rec.Beneficiaries[j].Account })
	return rec
}

func (r assetConfigRecord) decode() lending.AssetConfig {
	cfg := lending.AssetConfig{
		ReserveRatio:           r.ReserveRatio,
		ProtocolRatio:          r.ProtocolRatio,
		TargetUtilization:      r.TargetUtilization,
		TargetUtilizationRate:  r.TargetUtilizationRate,
		MaxUtilizationRate:     r.MaxUtilizationRate,
		HoldingPositionFeeRate: r.HoldingPositionFeeRate,
		VolatilityRatio:        r.VolatilityRatio,
		ExtraDecimals:          r.ExtraDecimals,
		CanDeposit:             r.CanDeposit,
		CanWithdraw:            r.CanWithdraw,
		CanUseAsCollateral:     r.CanUseAsCollateral,
		CanBorrow:              r.CanBorrow,
		NetTVLMultiplier:       r.NetTVLMultiplier,
		SuppliedLimit:          r.SuppliedLimit,
		BorrowedLimit:          r.BorrowedLimit,
		MinBorrowedAmount:      r.MinBorrowedAmount,
	}
	if len(r.Beneficiaries) > 0 {
		cfg.Beneficiaries = make(map[lending.AccountID]uint32, len(r.Beneficiaries))
		for _, b := range r.Beneficiaries {
			cfg.Beneficiaries[lending.AccountID(b.Account)] = b.Bps
		}
	}
	return cfg
}

func nonNil(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}

type assetRecord struct {
	Token               string
	Supplied            poolRecord
	Borrowed            poolRecord
	MarginDebt          poolRecord
	MarginPendingDebt   *uint256.Int
	MarginPosition      *uint256.Int
	Reserved            *uint256.Int
	ProtocolFee         *uint256.Int
	BeneficiaryFees     []amountEntry
	UnitAccHpInterest   *big.Int
	LastUpdateTimestamp uint64
	Config              assetConfigRecord
}

func encodeAsset(a *lending.Asset) (*assetRecord, error) {
	rec := &assetRecord{
		Token:               string(a.Token),
		UnitAccHpInterest:   nonNil(a.UnitAccHpInterest),
		LastUpdateTimestamp: a.LastUpdateTimestamp,
		Config:              encodeAssetConfig(a.Config),
	}
	var err error
	if rec.Supplied, err = encodePool(a.Supplied); err != nil {
		return nil, err
	}
	if rec.Borrowed, err = encodePool(a.Borrowed); err != nil {
		return nil, err
	}
	if rec.MarginDebt, err = encodePool(a.MarginDebt); err != nil {
		return nil, err
	}
	words := []struct {
		dst **uint256.Int
		src *big.Int
	}{
		{&rec.MarginPendingDebt, a.MarginPendingDebt},
		{&rec.MarginPosition, a.MarginPosition},
		{&rec.Reserved, a.Reserved},
		{&rec.ProtocolFee, a.ProtocolFee},
	}
	for _, w := range words {
		if *w.dst, err = toWord(w.src); err != nil {
			return nil, err
		}
	}
	if rec.BeneficiaryFees, err = encodeAmounts(a.BeneficiaryFees); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *assetRecord) decode() *lending.Asset {
	asset := lending.NewAsset(lending.TokenID(r.Token), r.LastUpdateTimestamp, r.Config.decode())
	asset.Supplied = r.Supplied.decode()
	asset.Borrowed = r.Borrowed.decode()
	asset.MarginDebt = r.MarginDebt.decode()
	asset.MarginPendingDebt = fromWord(r.MarginPendingDebt)
	asset.MarginPosition = fromWord(r.MarginPosition)
	asset.Reserved = fromWord(r.Reserved)
	asset.ProtocolFee = fromWord(r.ProtocolFee)
	asset.BeneficiaryFees = decodeAmounts[lending.AccountID](r.BeneficiaryFees)
	asset.UnitAccHpInterest = nonNil(r.UnitAccHpInterest)
	return asset
}

type pendingRecord struct {
	AccountID          string
	PositionID         string
	Op                 string
	AmountIn           *big.Int
	LiquidatorID       string
	Nonce              string
	PrevPositionAmount *big.Int
	MarginSharesUsed   *big.Int
}

type marginRecord struct {
	ID             string
	OpenTimestamp  uint64
	MarginAsset    string
	MarginShares   *big.Int
	DebtAsset      string
	DebtShares     *big.Int
	PositionAsset  string
	PositionAmount *big.Int
	State          uint8
	DebtCap        *big.Int
	UAHPIAtOpen    *big.Int
	Pending        *pendingRecord `rlp:"nil"`
}

type positionRecord struct {
	Name       string
	Kind       uint8
	LPToken    string
	Collateral []amountEntry
	Borrowed   []amountEntry
	Margin     *marginRecord `rlp:"nil"`
}

type accountRecord struct {
	ID        string
	Supplied  []amountEntry
	Positions []positionRecord
}

func entriesToMap(entries []lending.ShareEntry) map[lending.TokenID]*big.Int {
	out := make(map[lending.TokenID]*big.Int, len(entries))
	for _, e := range entries {
		out[e.Token] = e.Shares
	}
	return out
}

func encodeAccount(acc *lending.Account) (*accountRecord, error) {
	rec := &accountRecord{ID: string(acc.ID)}
	var err error
	if rec.Supplied, err = encodeAmounts(acc.Supplied); err != nil {
		return nil, err
	}
	for _, name := range acc.PositionNames() {
		position := acc.Positions[name]
		pr := positionRecord{Name: name, Kind: uint8(position.Kind())}
		switch p := position.(type) {
		case *lending.MarginTradingPosition:
			pr.Margin = encodeMargin(p)
		case *lending.LPTokenPosition:
			pr.LPToken = string(p.LPToken)
		}
		if pr.Margin == nil {
			if pr.Collateral, err = encodeAmounts(entriesToMap(position.CollateralEntries())); err != nil {
				return nil, err
			}
			if pr.Borrowed, err = encodeAmounts(entriesToMap(position.BorrowedEntries())); err != nil {
				return nil, err
			}
		}
		rec.Positions = append(rec.Positions, pr)
	}
	return rec, nil
}

func encodeMargin(p *lending.MarginTradingPosition) *marginRecord {
	rec := &marginRecord{
		ID:             p.ID,
		OpenTimestamp:  p.OpenTimestamp,
		MarginAsset:    string(p.MarginAsset),
		MarginShares:   nonNil(p.MarginShares),
		DebtAsset:      string(p.DebtAsset),
		DebtShares:     nonNil(p.DebtShares),
		PositionAsset:  string(p.PositionAsset),
		PositionAmount: nonNil(p.PositionAmount),
		State:          uint8(p.State),
		DebtCap:        nonNil(p.DebtCap),
		UAHPIAtOpen:    nonNil(p.UAHPIAtOpen),
	}
	if p.Pending != nil {
		ref := p.Pending.Ref
		rec.Pending = &pendingRecord{
			AccountID:          string(ref.AccountID),
			PositionID:         ref.PositionID,
			Op:                 string(ref.Op),
			AmountIn:           nonNil(ref.AmountIn),
			LiquidatorID:       string(ref.LiquidatorID),
			Nonce:              ref.Nonce,
			PrevPositionAmount: nonNil(p.Pending.PrevPositionAmount),
			MarginSharesUsed:   nonNil(p.Pending.MarginSharesUsed),
		}
	}
	return rec
}

func (r *marginRecord) decode() *lending.MarginTradingPosition {
	mt := lending.NewMarginTradingPosition(r.ID, r.OpenTimestamp, lending.TokenID(r.MarginAsset), r.MarginShares,
		lending.TokenID(r.DebtAsset), lending.TokenID(r.PositionAsset))
	mt.DebtShares = nonNil(r.DebtShares)
	mt.PositionAmount = nonNil(r.PositionAmount)
	mt.State = lending.LockState(r.State)
	mt.DebtCap = nonNil(r.DebtCap)
	mt.UAHPIAtOpen = nonNil(r.UAHPIAtOpen)
	if r.Pending != nil {
		mt.Pending = &lending.PendingSwap{
			Ref: lending.SwapReference{
				AccountID:    lending.AccountID(r.Pending.AccountID),
				PositionID:   r.Pending.PositionID,
				Op:           lending.MarginOp(r.Pending.Op),
				AmountIn:     nonNil(r.Pending.AmountIn),
				LiquidatorID: lending.AccountID(r.Pending.LiquidatorID),
				Nonce:        r.Pending.Nonce,
			},
			PrevPositionAmount: nonNil(r.Pending.PrevPositionAmount),
			MarginSharesUsed:   nonNil(r.Pending.MarginSharesUsed),
		}
	}
	return mt
}

func (r *accountRecord) decode() (*lending.Account, error) {
	acc := lending.NewAccount(lending.AccountID(r.ID))
	acc.Supplied = decodeAmounts[lending.TokenID](r.Supplied)
	for _, pr := range r.Positions {
		var position lending.Position
		switch lending.PositionKind(pr.Kind) {
		case lending.PositionMarginTrading:
			if pr.Margin == nil {
				return nil, fmt.Errorf("%w: margin position %s without body", ErrCorruptRecord, pr.Name)
			}
			position = pr.Margin.decode()
		case lending.PositionLPToken:
			position = lending.NewLPTokenPosition(lending.TokenID(pr.LPToken))
		case lending.PositionRegular:
			position = lending.NewRegularPosition()
		default:
			return nil, fmt.Errorf("%w: position kind %d", ErrCorruptRecord, pr.Kind)
		}
		for token, shares := range decodeAmounts[lending.TokenID](pr.Collateral) {
			if err := position.IncreaseCollateral(token, shares); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
			}
		}
		for token, shares := range decodeAmounts[lending.TokenID](pr.Borrowed) {
			if err := position.IncreaseBorrowed(token, shares); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
			}
		}
		acc.Positions[pr.Name] = position
	}
	return acc, nil
}

type transferRecord struct {
	ID             string
	Account        string
	Token          string
	Source         string
	Amount         *big.Int
	ExternalAmount *big.Int
	CreatedAt      uint64
}

func encodeTransfer(t *lending.TransferRequest) *transferRecord {
	return &transferRecord{
		ID:             t.ID,
		Account:        string(t.Account),
		Token:          string(t.Token),
		Source:         string(t.Source),
		Amount:         nonNil(t.Amount),
		ExternalAmount: nonNil(t.ExternalAmount),
		CreatedAt:      t.CreatedAt,
	}
}

func (r *transferRecord) decode() *lending.TransferRequest {
	return &lending.TransferRequest{
		ID:             r.ID,
		Account:        lending.AccountID(r.Account),
		Token:          lending.TokenID(r.Token),
		Source:         lending.TransferSource(r.Source),
		Amount:         nonNil(r.Amount),
		ExternalAmount: nonNil(r.ExternalAmount),
		CreatedAt:      r.CreatedAt,
	}
}

type lpTokenRecord struct {
	Timestamp uint64
	Decimals  uint8
	Tokens    []amountEntry
}

func encodeLPInfo(u *lending.UnitShareTokens) (*lpTokenRecord, error) {
	rec := &lpTokenRecord{Timestamp: u.Timestamp, Decimals: u.Decimals}
	for _, t := range u.Tokens {
		w, err := toWord(t.Amount)
		if err != nil {
			return nil, err
		}
		rec.Tokens = append(rec.Tokens, amountEntry{Key: string(t.Token), Amount: w})
	}
	return rec, nil
}

func (r *lpTokenRecord) decode() *lending.UnitShareTokens {
	out := &lending.UnitShareTokens{Timestamp: r.Timestamp, Decimals: r.Decimals}
	for _, t := range r.Tokens {
		out.Tokens = append(out.Tokens, lending.TokenAmount{Token: lending.TokenID(t.Key), Amount: fromWord(t.Amount)})
	}
	return out
}

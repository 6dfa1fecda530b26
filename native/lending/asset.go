package lending

import (
	"fmt"
	"math/big"
)

// MSPerYear is the compounding horizon used for APR reporting.
const MSPerYear uint64 = 31_536_000_000

// TokenID identifies a listed token.
type TokenID string

// AccountID identifies a protocol participant.
type AccountID string

// Asset is the per-token ledger. Interest accrues lazily through Update.
type Asset struct {
	Token TokenID
	// Supplied includes collateral but excludes reserves.
	Supplied   SharePool
	Borrowed   SharePool
	MarginDebt SharePool
	// MarginPendingDebt is debt lent to margin positions whose opening swap
	// is still in flight.
	MarginPendingDebt *big.Int
	// MarginPosition is the position-asset balance held by margin positions.
	MarginPosition *big.Int
	Reserved       *big.Int
	ProtocolFee    *big.Int
	// BeneficiaryFees are unclaimed beneficiary interest balances.
	BeneficiaryFees map[AccountID]*big.Int
	// UnitAccHpInterest accumulates holding-position fee per 1e18 of debt.
	UnitAccHpInterest   *big.Int
	LastUpdateTimestamp uint64
	Config              AssetConfig
}

// NewAsset lists a token at the given millisecond timestamp.
func NewAsset(token TokenID, nowMs uint64, cfg AssetConfig) *Asset {
	return &Asset{
		Token:               token,
		Supplied:            NewSharePool(),
		Borrowed:            NewSharePool(),
		MarginDebt:          NewSharePool(),
		MarginPendingDebt:   new(big.Int),
		MarginPosition:      new(big.Int),
		Reserved:            new(big.Int),
		ProtocolFee:         new(big.Int),
		BeneficiaryFees:     make(map[AccountID]*big.Int),
		UnitAccHpInterest:   new(big.Int),
		LastUpdateTimestamp: nowMs,
		Config:              cfg.Clone(),
	}
}

// Clone returns a deep copy of the asset.
func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	clone := &Asset{
		Token:               a.Token,
		Supplied:            a.Supplied.Clone(),
		Borrowed:            a.Borrowed.Clone(),
		MarginDebt:          a.MarginDebt.Clone(),
		MarginPendingDebt:   cloneBig(a.MarginPendingDebt),
		MarginPosition:      cloneBig(a.MarginPosition),
		Reserved:            cloneBig(a.Reserved),
		ProtocolFee:         cloneBig(a.ProtocolFee),
		BeneficiaryFees:     make(map[AccountID]*big.Int, len(a.BeneficiaryFees)),
		UnitAccHpInterest:   cloneBig(a.UnitAccHpInterest),
		LastUpdateTimestamp: a.LastUpdateTimestamp,
		Config:              a.Config.Clone(),
	}
	for id, fee := range a.BeneficiaryFees {
		clone.BeneficiaryFees[id] = cloneBig(fee)
	}
	return clone
}

func (a *Asset) ensureDefaults() {
	a.Supplied = a.Supplied.Clone()
	a.Borrowed = a.Borrowed.Clone()
	a.MarginDebt = a.MarginDebt.Clone()
	a.MarginPendingDebt = bigOrZero(a.MarginPendingDebt)
	a.MarginPosition = bigOrZero(a.MarginPosition)
	a.Reserved = bigOrZero(a.Reserved)
	a.ProtocolFee = bigOrZero(a.ProtocolFee)
	a.UnitAccHpInterest = bigOrZero(a.UnitAccHpInterest)
	if a.BeneficiaryFees == nil {
		a.BeneficiaryFees = make(map[AccountID]*big.Int)
	}
}

// utilizationInputs returns the lent-out and lendable balances.
func (a *Asset) utilizationInputs() (*big.Int, *big.Int) {
	lent := new(big.Int).Add(a.Borrowed.Balance, a.MarginDebt.Balance)
	lent.Add(lent, a.MarginPendingDebt)
	total := new(big.Int).Add(a.Supplied.Balance, a.Reserved)
	total.Add(total, a.ProtocolFee)
	return lent, total
}

// Utilization is the lent-out fraction of lendable liquidity.
func (a *Asset) Utilization() Decimal {
	lent, total := a.utilizationInputs()
	if total.Sign() == 0 {
		return DecimalZero()
	}
	return DecimalFromInt(lent).DivInt(total)
}

// Rate is the current per-millisecond borrow rate.
func (a *Asset) Rate() Decimal {
	lent, total := a.utilizationInputs()
	return a.Config.GetRate(lent, total)
}

// MarginDebtRate discounts the excess of the borrow rate over one.
func (a *Asset) MarginDebtRate(discountBps uint32) Decimal {
	excess := a.Rate().Sub(DecimalOne())
	return DecimalOne().Add(excess.MulRatio(discountBps))
}

// BorrowAPR is the annualised borrow rate.
func (a *Asset) BorrowAPR() Decimal {
	return a.Rate().Pow(MSPerYear).Sub(DecimalOne())
}

// MarginDebtAPR is the annualised margin-debt rate.
func (a *Asset) MarginDebtAPR(discountBps uint32) Decimal {
	return a.MarginDebtRate(discountBps).Pow(MSPerYear).Sub(DecimalOne())
}

// SupplyAPR is the annualised yield of suppliers after the reserve cut.
func (a *Asset) SupplyAPR() Decimal {
	if a.Supplied.Balance.Sign() == 0 || a.Borrowed.Balance.Sign() == 0 {
		return DecimalZero()
	}
	borrowAPR := a.BorrowAPR()
	if borrowAPR.IsZero() {
		return borrowAPR
	}
	interest := borrowAPR.RoundMulInt(a.Borrowed.Balance)
	supplyInterest := ratio(interest, MaxRatio-a.Config.ReserveRatio)
	return DecimalFromInt(supplyInterest).DivInt(a.Supplied.Balance)
}

// InterestSplit reports how one compounding step attributed interest.
type InterestSplit struct {
	Interest      *big.Int
	Suppliers     *big.Int
	Reserve       *big.Int
	ProtocolFee   *big.Int
	Beneficiaries *big.Int
}

func newInterestSplit() InterestSplit {
	return InterestSplit{
		Interest:      new(big.Int),
		Suppliers:     new(big.Int),
		Reserve:       new(big.Int),
		ProtocolFee:   new(big.Int),
		Beneficiaries: new(big.Int),
	}
}

func (s *InterestSplit) add(o InterestSplit) {
	s.Interest.Add(s.Interest, o.Interest)
	s.Suppliers.Add(s.Suppliers, o.Suppliers)
	s.Reserve.Add(s.Reserve, o.Reserve)
	s.ProtocolFee.Add(s.ProtocolFee, o.ProtocolFee)
	s.Beneficiaries.Add(s.Beneficiaries, o.Beneficiaries)
}

// Update accrues interest up to nowMs. Calling it again for the same
// timestamp is a no-op.
func (a *Asset) Update(nowMs uint64, marginDebtDiscountBps uint32) InterestSplit {
	a.ensureDefaults()
	split := newInterestSplit()
	if nowMs <= a.LastUpdateTimestamp {
		return split
	}
	elapsed := nowMs - a.LastUpdateTimestamp
	a.LastUpdateTimestamp = nowMs

	// Both rates are read before either pool moves.
	rate := a.Rate()
	marginRate := a.MarginDebtRate(marginDebtDiscountBps)

	borrowedInterest := new(big.Int).Sub(rate.Pow(elapsed).RoundMulInt(a.Borrowed.Balance), a.Borrowed.Balance)
	split.add(a.distributeInterest(borrowedInterest))
	a.Borrowed.Balance.Add(a.Borrowed.Balance, borrowedInterest)

	marginInterest := new(big.Int).Sub(marginRate.Pow(elapsed).RoundMulInt(a.MarginDebt.Balance), a.MarginDebt.Balance)
	split.add(a.distributeInterest(marginInterest))
	a.MarginDebt.Balance.Add(a.MarginDebt.Balance, marginInterest)

	hpRate := DecimalFromRaw(a.Config.HoldingPositionFeeRate)
	if a.Config.HoldingPositionFeeRate != nil {
		hpDelta := new(big.Int).Sub(hpRate.Pow(elapsed).RoundMulInt(unit), unit)
		a.UnitAccHpInterest.Add(a.UnitAccHpInterest, hpDelta)
	}
	return split
}

func (a *Asset) distributeInterest(interest *big.Int) InterestSplit {
	split := newInterestSplit()
	if interest.Sign() <= 0 {
		return split
	}
	split.Interest.Set(interest)
	reserveSide := new(big.Int).Set(interest)
	if a.Supplied.Shares.Sign() > 0 {
		reserveSide = ratio(interest, a.Config.ReserveRatio)
		split.Suppliers.Sub(interest, reserveSide)
		a.Supplied.Balance.Add(a.Supplied.Balance, split.Suppliers)
	}
	remaining := new(big.Int).Set(reserveSide)
	for _, id := range a.Config.beneficiaryIDs() {
		share := ratio(reserveSide, a.Config.Beneficiaries[id])
		if share.Sign() == 0 {
			continue
		}
		fee := a.BeneficiaryFees[id]
		if fee == nil {
			fee = new(big.Int)
		}
		a.BeneficiaryFees[id] = fee.Add(fee, share)
		split.Beneficiaries.Add(split.Beneficiaries, share)
		remaining.Sub(remaining, share)
	}
	protocolFee := ratio(remaining, a.Config.ProtocolRatio)
	a.ProtocolFee.Add(a.ProtocolFee, protocolFee)
	split.ProtocolFee.Set(protocolFee)
	remaining.Sub(remaining, protocolFee)
	a.Reserved.Add(a.Reserved, remaining)
	split.Reserve.Set(remaining)
	return split
}

// AvailableAmount is the liquidity that can still be lent out.
func (a *Asset) AvailableAmount() *big.Int {
	lent, total := a.utilizationInputs()
	available := total.Sub(total, lent)
	if available.Sign() < 0 {
		return new(big.Int)
	}
	return available
}

// IncreaseMarginPendingDebt reserves liquidity for an opening margin swap.
// The pending total must stay below scaleBps of the available amount.
func (a *Asset) IncreaseMarginPendingDebt(amount *big.Int, scaleBps uint32) error {
	a.MarginPendingDebt.Add(a.MarginPendingDebt, amount)
	capacity := ratio(a.AvailableAmount(), scaleBps)
	if capacity.Cmp(a.MarginPendingDebt) <= 0 {
		a.MarginPendingDebt.Sub(a.MarginPendingDebt, amount)
		return ErrPendingDebtOverflow
	}
	return nil
}

// DecreaseMarginPendingDebt releases a pending-debt reservation.
func (a *Asset) DecreaseMarginPendingDebt(amount *big.Int) error {
	if a.MarginPendingDebt.Cmp(amount) < 0 {
		return fmt.Errorf("%w: pending debt underflow", ErrInvariantViolation)
	}
	a.MarginPendingDebt.Sub(a.MarginPendingDebt, amount)
	return nil
}

// Normalize moves an ownerless supplied balance into the reserve.
func (a *Asset) Normalize() {
	if a.Supplied.Shares.Sign() == 0 && a.Supplied.Balance.Sign() > 0 {
		a.Reserved.Add(a.Reserved, a.Supplied.Balance)
		a.Supplied.Balance = new(big.Int)
	}
}

// Validate checks the pool invariants before the asset is persisted.
func (a *Asset) Validate() error {
	if err := a.Supplied.Validate(MinReserveShares); err != nil {
		return fmt.Errorf("supplied pool of %s: %w", a.Token, err)
	}
	if err := a.Borrowed.Validate(MinReserveShares); err != nil {
		return fmt.Errorf("borrowed pool of %s: %w", a.Token, err)
	}
	if err := a.MarginDebt.Validate(MinReserveShares); err != nil {
		return fmt.Errorf("margin debt pool of %s: %w", a.Token, err)
	}
	for name, v := range map[string]*big.Int{
		"pending debt":    a.MarginPendingDebt,
		"margin position": a.MarginPosition,
		"reserved":        a.Reserved,
		"protocol fee":    a.ProtocolFee,
	} {
		if v.Sign() < 0 || v.Cmp(maxUint128) > 0 {
			return fmt.Errorf("%w: %s of %s out of range", ErrInvariantViolation, name, a.Token)
		}
	}
	return nil
}

// ToInner scales an external token amount by the asset's extra decimals.
func (a *Asset) ToInner(amount *big.Int) *big.Int {
	return new(big.Int).Mul(amount, pow10(int(a.Config.ExtraDecimals)))
}

// ToExternal scales an inner amount down to external token units.
func (a *Asset) ToExternal(amount *big.Int) *big.Int {
	return new(big.Int).Quo(amount, pow10(int(a.Config.ExtraDecimals)))
}

package lending

import (
	"fmt"
	"math/big"
)

// LockState is the settlement state of a margin position.
type LockState uint8

const (
	// Unlocked positions accept mutations.
	Unlocked LockState = iota
	// Locking positions wait for a swap result; every mutation is rejected.
	Locking
)

func (s LockState) String() string {
	if s == Locking {
		return "locking"
	}
	return "unlocked"
}

// MarginOp names the operation a swap was issued for.
type MarginOp string

const (
	MarginOpOpen       MarginOp = "open"
	MarginOpDecrease   MarginOp = "decrease"
	MarginOpClose      MarginOp = "close"
	MarginOpLiquidate  MarginOp = "liquidate"
	MarginOpForceClose MarginOp = "forceclose"
)

// SwapReference is the correlation payload echoed back by the swap venue.
type SwapReference struct {
	AccountID    AccountID `json:"accountId"`
	PositionID   string    `json:"positionId"`
	Op           MarginOp  `json:"op"`
	AmountIn     *big.Int  `json:"amountIn"`
	LiquidatorID AccountID `json:"liquidatorId,omitempty"`
	Nonce        string    `json:"nonce"`
}

// Matches reports whether two references describe the same in-flight swap.
func (r SwapReference) Matches(o SwapReference) bool {
	return r.AccountID == o.AccountID &&
		r.PositionID == o.PositionID &&
		r.Op == o.Op &&
		r.LiquidatorID == o.LiquidatorID &&
		r.Nonce == o.Nonce &&
		bigOrZero(r.AmountIn).Cmp(bigOrZero(o.AmountIn)) == 0
}

// PendingSwap is stored on a Locking position until its swap settles.
type PendingSwap struct {
	Ref SwapReference
	// PrevPositionAmount is the position amount before the swap was issued.
	PrevPositionAmount *big.Int
	// MarginSharesUsed are margin shares added to the swap input when the
	// position amount alone did not cover it.
	MarginSharesUsed *big.Int
}

func (p *PendingSwap) clone() *PendingSwap {
	if p == nil {
		return nil
	}
	ref := p.Ref
	ref.AmountIn = cloneBig(p.Ref.AmountIn)
	return &PendingSwap{Ref: ref, PrevPositionAmount: cloneBig(p.PrevPositionAmount), MarginSharesUsed: cloneBig(p.MarginSharesUsed)}
}

// MarginTradingPosition is a leveraged position: margin collateral held as
// supplied shares, debt held as margin-debt shares and the bought position
// asset held as a raw amount.
type MarginTradingPosition struct {
	ID             string
	OpenTimestamp  uint64
	MarginAsset    TokenID
	MarginShares   *big.Int
	DebtAsset      TokenID
	DebtShares     *big.Int
	PositionAsset  TokenID
	PositionAmount *big.Int
	State          LockState
	// DebtCap is the debt principal still subject to holding fees.
	DebtCap *big.Int
	// UAHPIAtOpen snapshots the debt asset's holding-fee accumulator.
	UAHPIAtOpen *big.Int
	Pending     *PendingSwap
}

// NewMarginTradingPosition returns a position that is locked until its
// opening swap settles.
func NewMarginTradingPosition(id string, openMs uint64, margin TokenID, marginShares *big.Int, debt, position TokenID) *MarginTradingPosition {
	return &MarginTradingPosition{
		ID:             id,
		OpenTimestamp:  openMs,
		MarginAsset:    margin,
		MarginShares:   cloneBig(marginShares),
		DebtAsset:      debt,
		DebtShares:     new(big.Int),
		PositionAsset:  position,
		PositionAmount: new(big.Int),
		State:          Locking,
		DebtCap:        new(big.Int),
		UAHPIAtOpen:    new(big.Int),
	}
}

func (p *MarginTradingPosition) Kind() PositionKind { return PositionMarginTrading }

// IsLocked reports whether a swap is in flight.
func (p *MarginTradingPosition) IsLocked() bool { return p.State == Locking }

func (p *MarginTradingPosition) IncreaseCollateral(token TokenID, shares *big.Int) error {
	if token != p.MarginAsset {
		return fmt.Errorf("%w: %s is not margin asset %s", ErrTokenMismatch, token, p.MarginAsset)
	}
	p.MarginShares = new(big.Int).Add(bigOrZero(p.MarginShares), shares)
	return nil
}

func (p *MarginTradingPosition) DecreaseCollateral(token TokenID, shares *big.Int) error {
	if token != p.MarginAsset {
		return fmt.Errorf("%w: %s is not margin asset %s", ErrTokenMismatch, token, p.MarginAsset)
	}
	if bigOrZero(p.MarginShares).Cmp(shares) < 0 {
		return fmt.Errorf("%w: margin shares", ErrInsufficientBalance)
	}
	p.MarginShares = new(big.Int).Sub(p.MarginShares, shares)
	return nil
}

func (p *MarginTradingPosition) IncreaseBorrowed(token TokenID, shares *big.Int) error {
	if token != p.DebtAsset {
		return fmt.Errorf("%w: %s is not debt asset %s", ErrTokenMismatch, token, p.DebtAsset)
	}
	p.DebtShares = new(big.Int).Add(bigOrZero(p.DebtShares), shares)
	return nil
}

func (p *MarginTradingPosition) DecreaseBorrowed(token TokenID, shares *big.Int) error {
	if token != p.DebtAsset {
		return fmt.Errorf("%w: %s is not debt asset %s", ErrTokenMismatch, token, p.DebtAsset)
	}
	if bigOrZero(p.DebtShares).Cmp(shares) < 0 {
		return fmt.Errorf("%w: debt shares", ErrInsufficientBalance)
	}
	p.DebtShares = new(big.Int).Sub(p.DebtShares, shares)
	return nil
}

func (p *MarginTradingPosition) CollateralShares(token TokenID) *big.Int {
	if token != p.MarginAsset {
		return new(big.Int)
	}
	return cloneBig(p.MarginShares)
}

func (p *MarginTradingPosition) BorrowedShares(token TokenID) *big.Int {
	if token != p.DebtAsset {
		return new(big.Int)
	}
	return cloneBig(p.DebtShares)
}

func (p *MarginTradingPosition) CollateralEntries() []ShareEntry {
	if bigOrZero(p.MarginShares).Sign() == 0 {
		return nil
	}
	return []ShareEntry{{Token: p.MarginAsset, Shares: cloneBig(p.MarginShares)}}
}

func (p *MarginTradingPosition) BorrowedEntries() []ShareEntry {
	if bigOrZero(p.DebtShares).Sign() == 0 {
		return nil
	}
	return []ShareEntry{{Token: p.DebtAsset, Shares: cloneBig(p.DebtShares)}}
}

func (p *MarginTradingPosition) IsEmpty() bool {
	return bigOrZero(p.MarginShares).Sign() == 0 &&
		bigOrZero(p.DebtShares).Sign() == 0 &&
		bigOrZero(p.PositionAmount).Sign() == 0 &&
		p.State == Unlocked
}

func (p *MarginTradingPosition) IsNoBorrowed() bool { return bigOrZero(p.DebtShares).Sign() == 0 }

func (p *MarginTradingPosition) Clone() Position { return p.clone() }

func (p *MarginTradingPosition) clone() *MarginTradingPosition {
	return &MarginTradingPosition{
		ID:             p.ID,
		OpenTimestamp:  p.OpenTimestamp,
		MarginAsset:    p.MarginAsset,
		MarginShares:   cloneBig(p.MarginShares),
		DebtAsset:      p.DebtAsset,
		DebtShares:     cloneBig(p.DebtShares),
		PositionAsset:  p.PositionAsset,
		PositionAmount: cloneBig(p.PositionAmount),
		State:          p.State,
		DebtCap:        cloneBig(p.DebtCap),
		UAHPIAtOpen:    cloneBig(p.UAHPIAtOpen),
		Pending:        p.Pending.clone(),
	}
}

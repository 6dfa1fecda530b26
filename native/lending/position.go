package lending

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// PositionKind tags the concrete type behind a Position.
type PositionKind uint8

const (
	PositionRegular PositionKind = iota
	PositionLPToken
	PositionMarginTrading
)

func (k PositionKind) String() string {
	switch k {
	case PositionRegular:
		return "regular"
	case PositionLPToken:
		return "lp_token"
	case PositionMarginTrading:
		return "margin_trading"
	default:
		return "unknown"
	}
}

const (
	// RegularPositionName is the default position of every account.
	RegularPositionName = "regular"
	// LPPositionPrefix prefixes position names that hold an LP token.
	LPPositionPrefix = "lpt:"
)

// ShareEntry is one token slot of a position.
type ShareEntry struct {
	Token  TokenID
	Shares *big.Int
}

// Position is the mutation contract shared by every position kind. Decreasing
// more shares than held returns ErrInsufficientBalance and leaves the position
// untouched.
type Position interface {
	Kind() PositionKind
	IncreaseCollateral(token TokenID, shares *big.Int) error
	DecreaseCollateral(token TokenID, shares *big.Int) error
	IncreaseBorrowed(token TokenID, shares *big.Int) error
	DecreaseBorrowed(token TokenID, shares *big.Int) error
	CollateralShares(token TokenID) *big.Int
	BorrowedShares(token TokenID) *big.Int
	// CollateralEntries and BorrowedEntries list non-zero slots sorted by token.
	CollateralEntries() []ShareEntry
	BorrowedEntries() []ShareEntry
	IsEmpty() bool
	IsNoBorrowed() bool
	Clone() Position
}

// NewPositionFor builds the empty position matching a position name.
func NewPositionFor(name string) Position {
	if token, ok := LPTokenOf(name); ok {
		return NewLPTokenPosition(token)
	}
	return NewRegularPosition()
}

// LPTokenOf extracts the LP token from an LP position name.
func LPTokenOf(name string) (TokenID, bool) {
	if !strings.HasPrefix(name, LPPositionPrefix) {
		return "", false
	}
	token := strings.TrimPrefix(name, LPPositionPrefix)
	if token == "" {
		return "", false
	}
	return TokenID(token), true
}

// LPPositionName returns the position name used for collateral in token.
func LPPositionName(token TokenID) string { return LPPositionPrefix + string(token) }

// RegularPosition holds any number of collateral and borrowed tokens.
type RegularPosition struct {
	Collateral map[TokenID]*big.Int
	Borrowed   map[TokenID]*big.Int
}

func NewRegularPosition() *RegularPosition {
	return &RegularPosition{
		Collateral: make(map[TokenID]*big.Int),
		Borrowed:   make(map[TokenID]*big.Int),
	}
}

func (p *RegularPosition) Kind() PositionKind { return PositionRegular }

func (p *RegularPosition) IncreaseCollateral(token TokenID, shares *big.Int) error {
	return increaseSlot(p.Collateral, token, shares)
}

func (p *RegularPosition) DecreaseCollateral(token TokenID, shares *big.Int) error {
	return decreaseSlot(p.Collateral, token, shares)
}

func (p *RegularPosition) IncreaseBorrowed(token TokenID, shares *big.Int) error {
	return increaseSlot(p.Borrowed, token, shares)
}

func (p *RegularPosition) DecreaseBorrowed(token TokenID, shares *big.Int) error {
	return decreaseSlot(p.Borrowed, token, shares)
}

func (p *RegularPosition) CollateralShares(token TokenID) *big.Int { return slotValue(p.Collateral, token) }

func (p *RegularPosition) BorrowedShares(token TokenID) *big.Int { return slotValue(p.Borrowed, token) }

func (p *RegularPosition) CollateralEntries() []ShareEntry { return sortedEntries(p.Collateral) }

func (p *RegularPosition) BorrowedEntries() []ShareEntry { return sortedEntries(p.Borrowed) }

func (p *RegularPosition) IsEmpty() bool { return len(p.Collateral) == 0 && len(p.Borrowed) == 0 }

func (p *RegularPosition) IsNoBorrowed() bool { return len(p.Borrowed) == 0 }

func (p *RegularPosition) Clone() Position {
	return &RegularPosition{Collateral: cloneSlots(p.Collateral), Borrowed: cloneSlots(p.Borrowed)}
}

// LPTokenPosition is collateralised by a single LP token whose value is
// derived from its underlying tokens.
type LPTokenPosition struct {
	LPToken    TokenID
	Collateral *big.Int
	Borrowed   map[TokenID]*big.Int
}

func NewLPTokenPosition(token TokenID) *LPTokenPosition {
	return &LPTokenPosition{LPToken: token, Collateral: new(big.Int), Borrowed: make(map[TokenID]*big.Int)}
}

func (p *LPTokenPosition) Kind() PositionKind { return PositionLPToken }

func (p *LPTokenPosition) IncreaseCollateral(token TokenID, shares *big.Int) error {
	if token != p.LPToken {
		return fmt.Errorf("%w: %s in lp position of %s", ErrTokenMismatch, token, p.LPToken)
	}
	p.Collateral = new(big.Int).Add(bigOrZero(p.Collateral), shares)
	return nil
}

func (p *LPTokenPosition) DecreaseCollateral(token TokenID, shares *big.Int) error {
	if token != p.LPToken {
		return fmt.Errorf("%w: %s in lp position of %s", ErrTokenMismatch, token, p.LPToken)
	}
	if bigOrZero(p.Collateral).Cmp(shares) < 0 {
		return fmt.Errorf("%w: collateral %s", ErrInsufficientBalance, token)
	}
	p.Collateral = new(big.Int).Sub(p.Collateral, shares)
	return nil
}

func (p *LPTokenPosition) IncreaseBorrowed(token TokenID, shares *big.Int) error {
	return increaseSlot(p.Borrowed, token, shares)
}

func (p *LPTokenPosition) DecreaseBorrowed(token TokenID, shares *big.Int) error {
	return decreaseSlot(p.Borrowed, token, shares)
}

func (p *LPTokenPosition) CollateralShares(token TokenID) *big.Int {
	if token != p.LPToken {
		return new(big.Int)
	}
	return cloneBig(p.Collateral)
}

func (p *LPTokenPosition) BorrowedShares(token TokenID) *big.Int { return slotValue(p.Borrowed, token) }

func (p *LPTokenPosition) CollateralEntries() []ShareEntry {
	if bigOrZero(p.Collateral).Sign() == 0 {
		return nil
	}
	return []ShareEntry{{Token: p.LPToken, Shares: cloneBig(p.Collateral)}}
}

func (p *LPTokenPosition) BorrowedEntries() []ShareEntry { return sortedEntries(p.Borrowed) }

func (p *LPTokenPosition) IsEmpty() bool {
	return bigOrZero(p.Collateral).Sign() == 0 && len(p.Borrowed) == 0
}

func (p *LPTokenPosition) IsNoBorrowed() bool { return len(p.Borrowed) == 0 }

func (p *LPTokenPosition) Clone() Position {
	return &LPTokenPosition{LPToken: p.LPToken, Collateral: cloneBig(p.Collateral), Borrowed: cloneSlots(p.Borrowed)}
}

func increaseSlot(slots map[TokenID]*big.Int, token TokenID, shares *big.Int) error {
	if shares == nil || shares.Sign() < 0 {
		return fmt.Errorf("%w: negative shares", ErrInvariantViolation)
	}
	if shares.Sign() == 0 {
		return nil
	}
	slots[token] = new(big.Int).Add(slotValue(slots, token), shares)
	return nil
}

func decreaseSlot(slots map[TokenID]*big.Int, token TokenID, shares *big.Int) error {
	if shares == nil || shares.Sign() < 0 {
		return fmt.Errorf("%w: negative shares", ErrInvariantViolation)
	}
	held := slotValue(slots, token)
	if held.Cmp(shares) < 0 {
		return fmt.Errorf("%w: %s holds %s shares, %s requested", ErrInsufficientBalance, token, held, shares)
	}
	remaining := held.Sub(held, shares)
	if remaining.Sign() == 0 {
		delete(slots, token)
		return nil
	}
	slots[token] = remaining
	return nil
}

func slotValue(slots map[TokenID]*big.Int, token TokenID) *big.Int {
	if v, ok := slots[token]; ok && v != nil {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func sortedEntries(slots map[TokenID]*big.Int) []ShareEntry {
	entries := make([]ShareEntry, 0, len(slots))
	for token, shares := range slots {
		if shares == nil || shares.Sign() == 0 {
			continue
		}
		entries = append(entries, ShareEntry{Token: token, Shares: new(big.Int).Set(shares)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Token < entries[j].Token })
	return entries
}

func cloneSlots(slots map[TokenID]*big.Int) map[TokenID]*big.Int {
	clone := make(map[TokenID]*big.Int, len(slots))
	for token, shares := range slots {
		clone[token] = cloneBig(shares)
	}
	return clone
}

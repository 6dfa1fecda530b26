package lending

import (
	"fmt"
	"math/big"
	"sort"
)

// Account owns free supplied shares and named positions. Regular accounts
// hold regular and LP positions, margin accounts hold margin positions.
type Account struct {
	ID        AccountID
	Supplied  map[TokenID]*big.Int
	Positions map[string]Position
}

// NewAccount returns an empty account.
func NewAccount(id AccountID) *Account {
	return &Account{
		ID:        id,
		Supplied:  make(map[TokenID]*big.Int),
		Positions: make(map[string]Position),
	}
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{
		ID:        a.ID,
		Supplied:  cloneSlots(a.Supplied),
		Positions: make(map[string]Position, len(a.Positions)),
	}
	for name, position := range a.Positions {
		clone.Positions[name] = position.Clone()
	}
	return clone
}

// FreeShares returns the supplied shares not pledged to any position.
func (a *Account) FreeShares(token TokenID) *big.Int { return slotValue(a.Supplied, token) }

// DepositSupplyShares credits free supplied shares.
func (a *Account) DepositSupplyShares(token TokenID, shares *big.Int) error {
	return increaseSlot(a.Supplied, token, shares)
}

// WithdrawSupplyShares debits free supplied shares.
func (a *Account) WithdrawSupplyShares(token TokenID, shares *big.Int) error {
	if a.FreeShares(token).Cmp(shares) < 0 {
		return fmt.Errorf("%w: %s", ErrInsufficientShares, token)
	}
	return decreaseSlot(a.Supplied, token, shares)
}

// SuppliedShares folds free supply and every position's collateral.
func (a *Account) SuppliedShares(token TokenID) *big.Int {
	total := a.FreeShares(token)
	for _, position := range a.Positions {
		total.Add(total, position.CollateralShares(token))
	}
	return total
}

// BorrowedShares folds every position's borrowed shares.
func (a *Account) BorrowedShares(token TokenID) *big.Int {
	total := new(big.Int)
	for _, position := range a.Positions {
		total.Add(total, position.BorrowedShares(token))
	}
	return total
}

// Position returns the named position, or nil.
func (a *Account) Position(name string) Position { return a.Positions[name] }

// PositionOrNew returns the named position, creating the kind implied by
// the name when absent.
func (a *Account) PositionOrNew(name string) Position {
	if position, ok := a.Positions[name]; ok {
		return position
	}
	position := NewPositionFor(name)
	a.Positions[name] = position
	return position
}

// Prune drops the named position when it became empty.
func (a *Account) Prune(name string) {
	if position, ok := a.Positions[name]; ok && position.IsEmpty() {
		delete(a.Positions, name)
	}
}

// MarginPosition returns a margin position by id.
func (a *Account) MarginPosition(id string) (*MarginTradingPosition, error) {
	position, ok := a.Positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPosition, id)
	}
	mt, ok := position.(*MarginTradingPosition)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a margin position", ErrUnknownPosition, id)
	}
	return mt, nil
}

// PositionNames returns the position names sorted.
func (a *Account) PositionNames() []string {
	names := make([]string, 0, len(a.Positions))
	for name := range a.Positions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tokens lists every token the account references.
func (a *Account) Tokens() []TokenID {
	seen := make(map[TokenID]struct{})
	for token := range a.Supplied {
		seen[token] = struct{}{}
	}
	for _, position := range a.Positions {
		for _, e := range position.CollateralEntries() {
			seen[e.Token] = struct{}{}
		}
		for _, e := range position.BorrowedEntries() {
			seen[e.Token] = struct{}{}
		}
		if mt, ok := position.(*MarginTradingPosition); ok {
			seen[mt.MarginAsset] = struct{}{}
			seen[mt.DebtAsset] = struct{}{}
			seen[mt.PositionAsset] = struct{}{}
		}
	}
	tokens := make([]TokenID, 0, len(seen))
	for token := range seen {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

// AssetCount is the number of distinct tokens held, used for the
// per-account asset quota.
func (a *Account) AssetCount() int { return len(a.Tokens()) }

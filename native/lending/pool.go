package lending

import (
	"fmt"
	"math/big"
)

// MinReserveShares is the smallest non-zero share supply any pool may
// hold. It keeps the share price from being inflated by near-empty pools.
var MinReserveShares = big.NewInt(1_000)

// maxUint128 bounds every persisted balance and share count.
var maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// SharePool tracks fractional ownership of a token balance. Supplied, borrowed
// and margin-debt ledgers of an asset are all share pools.
type SharePool struct {
	Shares  *big.Int
	Balance *big.Int
}

// NewSharePool returns an empty pool.
func NewSharePool() SharePool {
	return SharePool{Shares: new(big.Int), Balance: new(big.Int)}
}

// Clone returns a deep copy of the pool.
func (p SharePool) Clone() SharePool {
	return SharePool{Shares: cloneBig(p.Shares), Balance: cloneBig(p.Balance)}
}

// AmountToShares converts a token amount into pool shares. An empty pool
// bootstraps at one share per unit.
func (p SharePool) AmountToShares(amount *big.Int, roundUp bool) *big.Int {
	shares, balance := bigOrZero(p.Shares), bigOrZero(p.Balance)
	if amount == nil {
		return new(big.Int)
	}
	if shares.Sign() == 0 || balance.Sign() == 0 {
		return new(big.Int).Set(amount)
	}
	return mulDivRounding(amount, shares, balance, roundUp)
}

// SharesToAmount converts pool shares into the token amount they represent.
func (p SharePool) SharesToAmount(shares *big.Int, roundUp bool) *big.Int {
	total, balance := bigOrZero(p.Shares), bigOrZero(p.Balance)
	if shares == nil || total.Sign() == 0 {
		return new(big.Int)
	}
	return mulDivRounding(shares, balance, total, roundUp)
}

// Deposit adds shares and amount in lockstep.
func (p *SharePool) Deposit(shares, amount *big.Int) error {
	if shares == nil || amount == nil || shares.Sign() < 0 || amount.Sign() < 0 {
		return fmt.Errorf("%w: negative pool deposit", ErrInvariantViolation)
	}
	newShares := new(big.Int).Add(bigOrZero(p.Shares), shares)
	newBalance := new(big.Int).Add(bigOrZero(p.Balance), amount)
	if newShares.Cmp(maxUint128) > 0 || newBalance.Cmp(maxUint128) > 0 {
		return fmt.Errorf("%w: pool exceeds 128 bits", ErrInvariantViolation)
	}
	if newShares.Sign() > 0 && newBalance.Sign() == 0 {
		return fmt.Errorf("%w: pool holds shares without balance", ErrInvariantViolation)
	}
	p.Shares, p.Balance = newShares, newBalance
	return nil
}

// Withdraw removes shares and amount in lockstep.
func (p *SharePool) Withdraw(shares, amount *big.Int) error {
	if shares == nil || amount == nil || shares.Sign() < 0 || amount.Sign() < 0 {
		return fmt.Errorf("%w: negative pool withdrawal", ErrInvariantViolation)
	}
	newShares := new(big.Int).Sub(bigOrZero(p.Shares), shares)
	newBalance := new(big.Int).Sub(bigOrZero(p.Balance), amount)
	if newShares.Sign() < 0 || newBalance.Sign() < 0 {
		return fmt.Errorf("%w: pool would go negative", ErrInvariantViolation)
	}
	if newShares.Sign() > 0 && newBalance.Sign() == 0 {
		return fmt.Errorf("%w: pool holds shares without balance", ErrInvariantViolation)
	}
	p.Shares, p.Balance = newShares, newBalance
	return nil
}

// Validate checks the zero-correspondence invariant. A positive minShares
// additionally enforces the minimum reserve for non-empty pools.
func (p SharePool) Validate(minShares *big.Int) error {
	shares, balance := bigOrZero(p.Shares), bigOrZero(p.Balance)
	if shares.Sign() < 0 || balance.Sign() < 0 {
		return fmt.Errorf("%w: negative pool", ErrInvariantViolation)
	}
	if (shares.Sign() == 0) != (balance.Sign() == 0) {
		return fmt.Errorf("%w: shares=%s balance=%s", ErrInvariantViolation, shares, balance)
	}
	if minShares != nil && shares.Sign() > 0 && shares.Cmp(minShares) < 0 {
		return fmt.Errorf("%w: pool shares %s below minimum reserve", ErrInvariantViolation, shares)
	}
	return nil
}

func mulDivRounding(a, b, c *big.Int, roundUp bool) *big.Int {
	numerator := new(big.Int).Mul(a, b)
	if !roundUp {
		return numerator.Quo(numerator, c)
	}
	q, m := numerator.QuoRem(numerator, c, new(big.Int))
	if m.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

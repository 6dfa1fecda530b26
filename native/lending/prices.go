package lending

import (
	"fmt"
	"math/big"
)

// Price quotes a token as Multiplier / 10^Decimals units of value per token
// unit.
type Price struct {
	Multiplier *big.Int `json:"multiplier"`
	Decimals   uint8    `json:"decimals"`
}

// Prices is the lookup consumed by every priced decision. Builders live
// outside the engine, see the oracle package.
type Prices struct {
	Timestamp uint64
	entries   map[TokenID]Price
}

// NewPrices returns an empty price set stamped with the quote time in ms.
func NewPrices(timestampMs uint64) *Prices {
	return &Prices{Timestamp: timestampMs, entries: make(map[TokenID]Price)}
}

// Set records a price, replacing any previous quote for the token.
func (p *Prices) Set(token TokenID, price Price) {
	if p.entries == nil {
		p.entries = make(map[TokenID]Price)
	}
	p.entries[token] = Price{Multiplier: cloneBig(price.Multiplier), Decimals: price.Decimals}
}

// Get returns the price of token or ErrMissingPrice.
func (p *Prices) Get(token TokenID) (Price, error) {
	if p == nil {
		return Price{}, fmt.Errorf("%w: %s", ErrMissingPrice, token)
	}
	price, ok := p.entries[token]
	if !ok || price.Multiplier == nil {
		return Price{}, fmt.Errorf("%w: %s", ErrMissingPrice, token)
	}
	return price, nil
}

// Len reports the number of quoted tokens.
func (p *Prices) Len() int {
	if p == nil {
		return 0
	}
	return len(p.entries)
}

// TokenAmount pairs a token with an amount.
type TokenAmount struct {
	Token  TokenID  `json:"token"`
	Amount *big.Int `json:"amount"`
}

// UnitShareTokens describes the underlying tokens redeemable for
// 10^Decimals units of an LP token, as observed at Timestamp (ms).
type UnitShareTokens struct {
	Timestamp uint64        `json:"timestamp"`
	Decimals  uint8         `json:"decimals"`
	Tokens    []TokenAmount `json:"tokens"`
}

// Clone returns a deep copy of the snapshot.
func (u *UnitShareTokens) Clone() *UnitShareTokens {
	if u == nil {
		return nil
	}
	clone := &UnitShareTokens{Timestamp: u.Timestamp, Decimals: u.Decimals, Tokens: make([]TokenAmount, len(u.Tokens))}
	for i, t := range u.Tokens {
		clone.Tokens[i] = TokenAmount{Token: t.Token, Amount: cloneBig(t.Amount)}
	}
	return clone
}

// Fresh reports whether the snapshot is still usable at nowMs.
func (u *UnitShareTokens) Fresh(nowMs, validDurationSec uint64) bool {
	if u == nil {
		return false
	}
	return u.Timestamp+validDurationSec*1000 >= nowMs
}

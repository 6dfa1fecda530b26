package lending

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// decimalPlaces is the fixed-point precision of Decimal.
const decimalPlaces = 27

// MaxRatio is the basis-point denominator used by every configured ratio.
const MaxRatio uint32 = 10_000

var (
	ray         = mustBigInt("1000000000000000000000000000") // 1e27 precision
	halfRay     = new(big.Int).Rsh(ray, 1)
	basisPoints = big.NewInt(int64(MaxRatio))
	// unit scales the holding-position interest accumulator.
	unit = mustBigInt("1000000000000000000")
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// Decimal is a signed fixed-point number with 27 fractional digits. The zero
// value is zero. Values are immutable; every operation allocates.
type Decimal struct {
	v *big.Int
}

// DecimalZero returns 0.
func DecimalZero() Decimal { return Decimal{v: new(big.Int)} }

// DecimalOne returns 1.
func DecimalOne() Decimal { return Decimal{v: new(big.Int).Set(ray)} }

// DecimalFromInt lifts an integer amount into fixed point.
func DecimalFromInt(x *big.Int) Decimal {
	if x == nil {
		return DecimalZero()
	}
	return Decimal{v: new(big.Int).Mul(x, ray)}
}

// DecimalFromUint64 lifts a machine integer into fixed point.
func DecimalFromUint64(x uint64) Decimal {
	return DecimalFromInt(new(big.Int).SetUint64(x))
}

// DecimalFromRaw interprets raw as an already 1e27-scaled value, the encoding
// used for per-millisecond rates in asset configs.
func DecimalFromRaw(raw *big.Int) Decimal {
	if raw == nil {
		return DecimalZero()
	}
	return Decimal{v: new(big.Int).Set(raw)}
}

// DecimalFromRatio converts basis points into a fraction of one.
func DecimalFromRatio(bps uint32) Decimal {
	v := new(big.Int).Mul(big.NewInt(int64(bps)), new(big.Int).Quo(ray, basisPoints))
	return Decimal{v: v}
}

// DecimalFromBalancePrice values balance at price, normalising the token
// decimals plus the asset's extra decimals away.
func DecimalFromBalancePrice(balance *big.Int, price Price, extraDecimals uint8) Decimal {
	if balance == nil || price.Multiplier == nil {
		return DecimalZero()
	}
	num := new(big.Int).Mul(price.Multiplier, balance)
	denominatorDecimals := int(price.Decimals) + int(extraDecimals)
	if denominatorDecimals > decimalPlaces {
		return Decimal{v: num.Quo(num, pow10(denominatorDecimals-decimalPlaces))}
	}
	return Decimal{v: num.Mul(num, pow10(decimalPlaces-denominatorDecimals))}
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

func (d Decimal) raw() *big.Int {
	if d.v == nil {
		return new(big.Int)
	}
	return d.v
}

// Raw returns a copy of the 1e27-scaled representation.
func (d Decimal) Raw() *big.Int { return new(big.Int).Set(d.raw()) }

func (d Decimal) Add(o Decimal) Decimal { return Decimal{v: new(big.Int).Add(d.raw(), o.raw())} }

func (d Decimal) Sub(o Decimal) Decimal { return Decimal{v: new(big.Int).Sub(d.raw(), o.raw())} }

// Mul multiplies rounding half up.
func (d Decimal) Mul(o Decimal) Decimal {
	product := new(big.Int).Mul(d.raw(), o.raw())
	return Decimal{v: divRound(product, ray)}
}

// Div divides rounding half up. Division by zero yields zero.
func (d Decimal) Div(o Decimal) Decimal {
	if o.IsZero() {
		return DecimalZero()
	}
	numerator := new(big.Int).Mul(d.raw(), ray)
	return Decimal{v: divRound(numerator, o.raw())}
}

// DivInt divides by an integer truncating toward zero.
func (d Decimal) DivInt(x *big.Int) Decimal {
	if x == nil || x.Sign() == 0 {
		return DecimalZero()
	}
	return Decimal{v: new(big.Int).Quo(d.raw(), x)}
}

// MulRatio scales by bps/10000 rounding half up.
func (d Decimal) MulRatio(bps uint32) Decimal {
	product := new(big.Int).Mul(d.raw(), big.NewInt(int64(bps)))
	return Decimal{v: divRound(product, basisPoints)}
}

// DivRatio scales by 10000/bps rounding half up.
func (d Decimal) DivRatio(bps uint32) Decimal {
	if bps == 0 {
		return DecimalZero()
	}
	product := new(big.Int).Mul(d.raw(), basisPoints)
	return Decimal{v: divRound(product, big.NewInt(int64(bps)))}
}

// Pow raises d to an integer power by repeated squaring.
func (d Decimal) Pow(exponent uint64) Decimal {
	result := DecimalOne()
	x := d
	for exponent != 0 {
		if exponent&1 != 0 {
			result = result.Mul(x)
		}
		exponent >>= 1
		if exponent != 0 {
			x = x.Mul(x)
		}
	}
	return result
}

// RoundMulInt returns round(d * x).
func (d Decimal) RoundMulInt(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return divRound(new(big.Int).Mul(d.raw(), x), ray)
}

// FloorMulInt returns floor(d * x) for non-negative operands.
func (d Decimal) FloorMulInt(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Quo(new(big.Int).Mul(d.raw(), x), ray)
}

// RoundInt rounds half up to an integer.
func (d Decimal) RoundInt() *big.Int { return divRound(d.raw(), ray) }

// FloorInt truncates toward negative infinity.
func (d Decimal) FloorInt() *big.Int { return new(big.Int).Div(d.raw(), ray) }

// CeilInt rounds toward positive infinity.
func (d Decimal) CeilInt() *big.Int {
	q, m := new(big.Int).DivMod(d.raw(), ray, new(big.Int))
	if m.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func (d Decimal) Cmp(o Decimal) int { return d.raw().Cmp(o.raw()) }

func (d Decimal) Sign() int { return d.raw().Sign() }

func (d Decimal) IsZero() bool { return d.raw().Sign() == 0 }

// String renders the value in plain decimal notation.
func (d Decimal) String() string {
	return d.Shopspring().String()
}

// Shopspring converts into an arbitrary precision shopspring decimal for
// presentation layers.
func (d Decimal) Shopspring() decimal.Decimal {
	return decimal.NewFromBigInt(d.raw(), -decimalPlaces)
}

// StringFixed renders the value rounded to places fractional digits.
func (d Decimal) StringFixed(places int32) string {
	return d.Shopspring().StringFixed(places)
}

// divRound divides rounding half away from zero.
func divRound(x, y *big.Int) *big.Int {
	if y.Sign() == 0 {
		return new(big.Int)
	}
	negative := (x.Sign() < 0) != (y.Sign() < 0)
	ax := new(big.Int).Abs(x)
	ay := new(big.Int).Abs(y)
	q := ax.Add(ax, halfUp(ay))
	q.Quo(q, ay)
	if negative {
		q.Neg(q)
	}
	return q
}

// halfUp returns ceil(x/2) for positive x.
func halfUp(x *big.Int) *big.Int {
	if x == nil || x.Sign() <= 0 {
		return big.NewInt(0)
	}
	half := new(big.Int).Add(x, big.NewInt(1))
	half.Rsh(half, 1)
	return half
}

// ratio returns floor(x * bps / 10000).
func ratio(x *big.Int, bps uint32) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	v := new(big.Int).Mul(x, big.NewInt(int64(bps)))
	return v.Quo(v, basisPoints)
}

// mulDiv returns floor(a * b / c); zero when c is zero.
func mulDiv(a, b, c *big.Int) *big.Int {
	if a == nil || b == nil || c == nil || c.Sign() == 0 {
		return new(big.Int)
	}
	v := new(big.Int).Mul(a, b)
	return v.Quo(v, c)
}

func bigOrZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}

func cloneBig(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

package fixedpoint

import (
	"errors"
	"math/big"
)

// Decimals is the number of fractional digits carried by every monetary
// quantity in the ledger. Amounts are integers denominated in base units of
// 10^-8 tokens.
const Decimals = 8

// BpsDenominator converts basis points to proportions.
const BpsDenominator = 10_000

var (
	// Scale is 10^Decimals. Callers must not mutate it.
	Scale = big.NewInt(100_000_000)

	// MaxAmount bounds every monetary quantity to 2^128-1 base units.
	// Results beyond the bound are rejected rather than wrapped.
	MaxAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
)

var (
	ErrOverflow       = errors.New("fixedpoint: amount exceeds representable range")
	ErrUnderflow      = errors.New("fixedpoint: subtraction below zero")
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
	ErrInvalidOperand = errors.New("fixedpoint: operand nil or negative")
	ErrInvalidDecimal = errors.New("fixedpoint: malformed decimal string")
)

func checkOperand(values ...*big.Int) error {
	for _, v := range values {
		if v == nil || v.Sign() < 0 {
			return ErrInvalidOperand
		}
	}
	return nil
}

func checkRange(v *big.Int) (*big.Int, error) {
	if v.Cmp(MaxAmount) > 0 {
		return nil, ErrOverflow
	}
	return v, nil
}

// Zero returns a fresh zero amount.
func Zero() *big.Int {
	return big.NewInt(0)
}

// Clone copies an amount, mapping nil to zero.
func Clone(x *big.Int) *big.Int {
	if x == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(x)
}

// Add returns a+b. Inputs are not mutated.
func Add(a, b *big.Int) (*big.Int, error) {
	if err := checkOperand(a, b); err != nil {
		return nil, err
	}
	return checkRange(new(big.Int).Add(a, b))
}

// Sub returns a-b and reports underflow when b exceeds a.
func Sub(a, b *big.Int) (*big.Int, error) {
	if err := checkOperand(a, b); err != nil {
		return nil, err
	}
	if b.Cmp(a) > 0 {
		return nil, ErrUnderflow
	}
	return new(big.Int).Sub(a, b), nil
}

// MulFloor returns the fixed-point product a*b/Scale rounded toward zero.
func MulFloor(a, b *big.Int) (*big.Int, error) {
	if err := checkOperand(a, b); err != nil {
		return nil, err
	}
	product := new(big.Int).Mul(a, b)
	return checkRange(product.Quo(product, Scale))
}

// DivFloor returns the fixed-point quotient a*Scale/b rounded toward zero.
func DivFloor(a, b *big.Int) (*big.Int, error) {
	if err := checkOperand(a, b); err != nil {
		return nil, err
	}
	if b.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	scaled := new(big.Int).Mul(a, Scale)
	return checkRange(scaled.Quo(scaled, b))
}

// MulDivFloor returns a*num/den rounded toward zero. The intermediate
// product is exact, so no precision is lost before the final division.
func MulDivFloor(a, num, den *big.Int) (*big.Int, error) {
	if err := checkOperand(a, num, den); err != nil {
		return nil, err
	}
	if den.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	product := new(big.Int).Mul(a, num)
	return checkRange(product.Quo(product, den))
}

// BpsOf returns a*bps/10000 rounded toward zero.
func BpsOf(a *big.Int, bps uint32) (*big.Int, error) {
	if err := checkOperand(a); err != nil {
		return nil, err
	}
	product := new(big.Int).Mul(a, big.NewInt(int64(bps)))
	return checkRange(product.Quo(product, big.NewInt(BpsDenominator)))
}

// Min returns a fresh copy of the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

package fixedpoint

import (
	"fmt"
	"math/big"
	"strings"
)

// Parse converts a decimal string such as "42", "0.5" or "97500.00000001"
// into base units. At most Decimals fractional digits are accepted; extra
// precision is rejected rather than silently truncated.
func Parse(s string) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, ErrInvalidDecimal
	}
	if strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "+") {
		return nil, ErrInvalidDecimal
	}
	intPart := trimmed
	fracPart := ""
	if idx := strings.IndexByte(trimmed, '.'); idx >= 0 {
		intPart = trimmed[:idx]
		fracPart = trimmed[idx+1:]
		if strings.IndexByte(fracPart, '.') >= 0 {
			return nil, ErrInvalidDecimal
		}
	}
	if intPart == "" && fracPart == "" {
		return nil, ErrInvalidDecimal
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > Decimals {
		return nil, fmt.Errorf("%w: more than %d fractional digits", ErrInvalidDecimal, Decimals)
	}
	for _, r := range intPart {
		if r < '0' || r > '9' {
			return nil, ErrInvalidDecimal
		}
	}
	for _, r := range fracPart {
		if r < '0' || r > '9' {
			return nil, ErrInvalidDecimal
		}
	}
	units, ok := new(big.Int).SetString(intPart, 10)
	if !ok {
		return nil, ErrInvalidDecimal
	}
	units.Mul(units, Scale)
	if fracPart != "" {
		padded := fracPart + strings.Repeat("0", Decimals-len(fracPart))
		frac, ok := new(big.Int).SetString(padded, 10)
		if !ok {
			return nil, ErrInvalidDecimal
		}
		units.Add(units, frac)
	}
	return checkRange(units)
}

// Format renders base units as a decimal string with trailing zeros trimmed.
// Nil renders as "0".
func Format(x *big.Int) string {
	if x == nil || x.Sign() == 0 {
		return "0"
	}
	quo, rem := new(big.Int).QuoRem(x, Scale, new(big.Int))
	if rem.Sign() == 0 {
		return quo.String()
	}
	frac := fmt.Sprintf("%08d", rem)
	frac = strings.TrimRight(frac, "0")
	return quo.String() + "." + frac
}

// MustParse converts a decimal literal and panics on failure. Intended for
// constants and tests.
func MustParse(s string) *big.Int {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

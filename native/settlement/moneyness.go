package settlement

import (
	"math/big"

	"bithedge/native/fixedpoint"
	"bithedge/native/policy"
)

// Payout returns the settlement payout owed to the policy owner at price.
// A zero payout means the policy finished out of the money. The payout is
// the notional scaled by the relative distance between price and strike,
// floored, and never exceeds the notional:
//
//	PUT:  notional * (strike - price) / strike  when price < strike
//	CALL: notional * (price - strike) / strike  when price > strike
//
// A price exactly at the strike pays nothing for either kind.
func Payout(kind policy.Kind, strike, price, notional *big.Int) (*big.Int, error) {
	if strike == nil || price == nil || notional == nil {
		return nil, fixedpoint.ErrInvalidOperand
	}
	if strike.Sign() <= 0 {
		return nil, fixedpoint.ErrDivisionByZero
	}
	var distance *big.Int
	switch kind {
	case policy.KindPut:
		if price.Cmp(strike) >= 0 {
			return big.NewInt(0), nil
		}
		distance = new(big.Int).Sub(strike, price)
	case policy.KindCall:
		if price.Cmp(strike) <= 0 {
			return big.NewInt(0), nil
		}
		distance = new(big.Int).Sub(price, strike)
	default:
		return nil, policy.ErrInvalidKind
	}
	payout, err := fixedpoint.MulDivFloor(notional, distance, strike)
	if err != nil {
		return nil, err
	}
	return fixedpoint.Min(payout, notional), nil
}

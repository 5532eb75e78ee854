package fixedpoint

import (
	"errors"
	"math/big"
	"sort"
)

var (
	// ErrNoWeights is returned when a positive total cannot be apportioned
	// because every weight is zero.
	ErrNoWeights = errors.New("fixedpoint: no positive weights to split across")
	// ErrCapacityExceeded is returned when a capped split is asked to place
	// more than the capacities can hold.
	ErrCapacityExceeded = errors.New("fixedpoint: total exceeds combined capacity")
)

// SplitProportional apportions total across weights with floor division and
// assigns the rounding remainder to the largest weight, first occurrence
// winning ties. Callers order entries deterministically (descending weight,
// then ascending principal) before splitting so the tie-break is stable.
//
// The returned shares always sum to exactly total.
func SplitProportional(total *big.Int, weights []*big.Int) ([]*big.Int, error) {
	if err := checkOperand(total); err != nil {
		return nil, err
	}
	if err := checkOperand(weights...); err != nil {
		return nil, err
	}
	if len(weights) == 0 {
		return nil, ErrNoWeights
	}

	sum := new(big.Int)
	for _, w := range weights {
		sum.Add(sum, w)
	}
	shares := make([]*big.Int, len(weights))
	if total.Sign() == 0 {
		for i := range shares {
			shares[i] = big.NewInt(0)
		}
		return shares, nil
	}
	if sum.Sign() == 0 {
		return nil, ErrNoWeights
	}

	distributed := new(big.Int)
	largest := 0
	for i, w := range weights {
		share := new(big.Int).Mul(total, w)
		share.Quo(share, sum)
		shares[i] = share
		distributed.Add(distributed, share)
		if w.Cmp(weights[largest]) > 0 {
			largest = i
		}
	}

	remainder := new(big.Int).Sub(total, distributed)
	if remainder.Sign() > 0 {
		shares[largest].Add(shares[largest], remainder)
	}
	return shares, nil
}

// SplitCapped apportions total proportionally to capacities with floor
// division, then places the rounding remainder greedily starting at the
// largest capacity, never pushing a share above its capacity. Shares always
// sum to exactly total when total fits within the combined capacity.
func SplitCapped(total *big.Int, capacities []*big.Int) ([]*big.Int, error) {
	if err := checkOperand(total); err != nil {
		return nil, err
	}
	if err := checkOperand(capacities...); err != nil {
		return nil, err
	}
	if len(capacities) == 0 {
		return nil, ErrNoWeights
	}

	sum := new(big.Int)
	for _, c := range capacities {
		sum.Add(sum, c)
	}
	if total.Cmp(sum) > 0 {
		return nil, ErrCapacityExceeded
	}
	shares := make([]*big.Int, len(capacities))
	if total.Sign() == 0 {
		for i := range shares {
			shares[i] = big.NewInt(0)
		}
		return shares, nil
	}
	if sum.Sign() == 0 {
		return nil, ErrNoWeights
	}

	distributed := new(big.Int)
	for i, c := range capacities {
		share := new(big.Int).Mul(total, c)
		share.Quo(share, sum)
		shares[i] = share
		distributed.Add(distributed, share)
	}

	remainder := new(big.Int).Sub(total, distributed)
	if remainder.Sign() > 0 {
		order := make([]int, len(capacities))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			return capacities[order[a]].Cmp(capacities[order[b]]) > 0
		})
		for _, i := range order {
			if remainder.Sign() == 0 {
				break
			}
			headroom := new(big.Int).Sub(capacities[i], shares[i])
			if headroom.Sign() <= 0 {
				continue
			}
			take := headroom
			if remainder.Cmp(headroom) < 0 {
				take = remainder
			}
			shares[i].Add(shares[i], take)
			remainder = new(big.Int).Sub(remainder, take)
		}
	}
	return shares, nil
}

package settlement

import (
	"math/big"

	"bithedge/crypto"
)

// Outcome describes how a policy left the active state.
type Outcome uint8

const (
	OutcomeUnspecified Outcome = iota
	// OutcomeSettled means the policy finished in the money and paid out.
	OutcomeSettled
	// OutcomeExpired means the policy finished out of the money.
	OutcomeExpired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSettled:
		return "settled"
	case OutcomeExpired:
		return "expired"
	default:
		return "unspecified"
	}
}

// ImpactRecord captures what settlement did to one provider's balances for
// one policy. Debited collateral funded the payout; released collateral
// returned to the provider's available bucket.
type ImpactRecord struct {
	PolicyID  uint64
	Provider  crypto.Address
	Token     string
	Outcome   Outcome
	Boundary  uint64
	Price     *big.Int
	Debited   *big.Int
	Released  *big.Int
	CreatedAt int64
}

// Clone returns a deep copy of the impact record.
func (r *ImpactRecord) Clone() *ImpactRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Price = cloneAmount(r.Price)
	cp.Debited = cloneAmount(r.Debited)
	cp.Released = cloneAmount(r.Released)
	return &cp
}

// DistributionRecord captures one provider's premium payout for one policy.
type DistributionRecord struct {
	PolicyID  uint64
	Provider  crypto.Address
	Token     string
	Amount    *big.Int
	Boundary  uint64
	CreatedAt int64
}

// Clone returns a deep copy of the distribution record.
func (r *DistributionRecord) Clone() *DistributionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Amount = cloneAmount(r.Amount)
	return &cp
}

// BatchFailure pins a per-policy failure to its cause so a later run or an
// operator can pick it up.
type BatchFailure struct {
	PolicyID uint64
	Reason   string
}

// BatchOutcome summarizes one run of a settlement boundary. Failed policies
// stay active and are retried on the next run of the same boundary.
type BatchOutcome struct {
	Boundary  uint64
	Processed int
	Settled   int
	Expired   int
	Failed    int
	// Prices records the settlement price used per token.
	Prices map[string]*big.Int
	// TotalPayout is the collateral debited across all settled policies.
	TotalPayout *big.Int
	// TotalReleased is the collateral returned to providers.
	TotalReleased *big.Int
	Failures      []BatchFailure
	CompletedAt   int64
}

// Clone returns a deep copy of the batch outcome.
func (b *BatchOutcome) Clone() *BatchOutcome {
	if b == nil {
		return nil
	}
	cp := *b
	cp.TotalPayout = cloneAmount(b.TotalPayout)
	cp.TotalReleased = cloneAmount(b.TotalReleased)
	if b.Prices != nil {
		cp.Prices = make(map[string]*big.Int, len(b.Prices))
		for token, price := range b.Prices {
			cp.Prices[token] = cloneAmount(price)
		}
	}
	cp.Failures = append([]BatchFailure(nil), b.Failures...)
	return &cp
}

// DistributionOutcome summarizes one premium distribution pass over a
// boundary's expired policies.
type DistributionOutcome struct {
	Boundary uint64
	// Policies counts the policies whose premium was distributed this run.
	Policies int
	// Providers counts the premium credits issued across those policies.
	Providers int
	// Skipped counts expired policies whose premium was already distributed.
	Skipped      int
	TotalPremium *big.Int
	Failures     []BatchFailure
	CompletedAt  int64
}

// Clone returns a deep copy of the distribution outcome.
func (d *DistributionOutcome) Clone() *DistributionOutcome {
	if d == nil {
		return nil
	}
	cp := *d
	cp.TotalPremium = cloneAmount(d.TotalPremium)
	cp.Failures = append([]BatchFailure(nil), d.Failures...)
	return &cp
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

package settlement

import (
	"math/big"

	"bithedge/core/events"
	nativecommon "bithedge/native/common"
	"bithedge/native/fixedpoint"
	"bithedge/native/policy"
)

// DistributePremiums credits the premium of every expired, undistributed
// policy at the boundary to its backing providers. The pass is idempotent:
// re-running it skips policies whose premium already moved. Settled policies
// are never touched here because their premium stays in the reserve vault.
func (e *Engine) DistributePremiums(boundary uint64) (*DistributionOutcome, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	records, err := e.policies.ExpiringAt(boundary)
	if err != nil {
		return nil, err
	}
	outcome := &DistributionOutcome{
		Boundary:     boundary,
		TotalPremium: fixedpoint.Zero(),
	}
	for _, record := range records {
		if record.Status != policy.StatusExpired {
			continue
		}
		if record.PremiumDistributed {
			outcome.Skipped++
			continue
		}
		providers, total, err := e.distributeOne(record, boundary)
		if err != nil {
			outcome.Failures = append(outcome.Failures, BatchFailure{PolicyID: record.ID, Reason: err.Error()})
			continue
		}
		outcome.Policies++
		outcome.Providers += providers
		outcome.TotalPremium.Add(outcome.TotalPremium, total)
	}
	outcome.CompletedAt = e.now()
	return outcome.Clone(), nil
}

// DistributePremium distributes a single policy's premium. Operators use it
// to retry a policy that failed during the boundary pass. A policy whose
// premium already moved is a no-op success.
func (e *Engine) DistributePremium(policyID uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	record, err := e.policies.Get(policyID)
	if err != nil {
		return err
	}
	if record.PremiumDistributed {
		return nil
	}
	_, _, err = e.distributeOne(record, record.ExpiresAt)
	return err
}

// distributeOne pays out one policy's premium using the shares fixed at
// allocation time, which sum to exactly the premium. The distributed flag
// flips before any funds move so a mid-flight crash can never double-pay; a
// partially credited policy is caught by the verification layer instead.
func (e *Engine) distributeOne(record *policy.Policy, boundary uint64) (int, *big.Int, error) {
	allocs, err := e.collateral.AllocationsByPolicy(record.ID)
	if err != nil {
		return 0, nil, err
	}
	if len(allocs) == 0 {
		return 0, nil, ErrNoAllocations
	}
	if _, err := e.policies.MarkPremiumDistributed(record.ID); err != nil {
		return 0, nil, err
	}
	now := e.now()
	providers := 0
	total := fixedpoint.Zero()
	for _, al := range allocs {
		if al.PremiumShare == nil || al.PremiumShare.Sign() == 0 {
			continue
		}
		if err := e.collateral.CreditPremium(al.Provider, record.Token, al.PremiumShare); err != nil {
			return providers, total, err
		}
		dist := &DistributionRecord{
			PolicyID:  record.ID,
			Provider:  al.Provider,
			Token:     record.Token,
			Amount:    fixedpoint.Clone(al.PremiumShare),
			Boundary:  boundary,
			CreatedAt: now,
		}
		if err := e.state.SettlementPutDistribution(dist); err != nil {
			return providers, total, err
		}
		providers++
		total.Add(total, al.PremiumShare)
	}
	e.emit(events.PremiumDistributed{
		PolicyID:  record.ID,
		Token:     record.Token,
		Amount:    fixedpoint.Clone(total),
		Providers: providers,
		Boundary:  boundary,
	})
	return providers, total, nil
}

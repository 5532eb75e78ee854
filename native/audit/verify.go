package audit

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"bithedge/core/events"
	"bithedge/crypto"
	"bithedge/native/fixedpoint"
	"bithedge/native/policy"
	"bithedge/native/pool"
	"bithedge/native/settlement"
)

var errNilVerifier = errors.New("audit: verifier not configured")

// Check identifiers attached to findings and violation events.
const (
	// CheckAccountIdentity requires Deposited = Available + Allocated on
	// every account.
	CheckAccountIdentity = "account.identity"
	// CheckAllocatedCoverage requires each account's allocated bucket to
	// equal the sum of its live allocation records.
	CheckAllocatedCoverage = "account.allocated_coverage"
	// CheckPendingCoverage requires each account's pending premiums to equal
	// the premium shares of allocations still awaiting distribution.
	CheckPendingCoverage = "account.pending_coverage"
	// CheckCollateralExact requires an active policy's allocations to sum to
	// exactly its required collateral.
	CheckCollateralExact = "policy.collateral_exact"
	// CheckPayoutConservation requires a terminal policy's impact records to
	// account for every locked base unit: debits match the recorded payout
	// and debits plus releases match the original allocations.
	CheckPayoutConservation = "policy.payout_conservation"
	// CheckPremiumConservation requires a distributed policy's distribution
	// records to sum to exactly its premium.
	CheckPremiumConservation = "policy.premium_conservation"
	// CheckOrphanedImpacts flags impact records attached to a policy that is
	// still active, the signature of an aborted settlement run.
	CheckOrphanedImpacts = "policy.orphaned_impacts"
	// CheckVaultReserve requires the premium vault to hold exactly the
	// premiums of active, undistributed and retained policies.
	CheckVaultReserve = "vault.reserve"
)

type ledgerView interface {
	// AuditListAccounts returns every pool account, vault included, in
	// ascending token then provider order.
	AuditListAccounts() ([]*pool.Account, error)
	// AuditListPolicies returns every policy record in ascending id order.
	AuditListPolicies() ([]*policy.Policy, error)
	PolicyGet(id uint64) (*policy.Policy, bool, error)
	PoolAllocationsByPolicy(policyID uint64) ([]*pool.Allocation, error)
	SettlementImpactsByPolicy(policyID uint64) ([]*settlement.ImpactRecord, error)
	SettlementDistributionsByPolicy(policyID uint64) ([]*settlement.DistributionRecord, error)
}

// Finding pins one invariant violation to the records that prove it.
type Finding struct {
	Check    string
	PolicyID uint64
	Provider crypto.Address
	Token    string
	Expected *big.Int
	Actual   *big.Int
	Detail   string
}

// Report is the result of one full verification sweep.
type Report struct {
	CheckedAccounts int
	CheckedPolicies int
	Findings        []Finding
	CompletedAt     int64
}

// Clean reports whether the sweep found no violations.
func (r *Report) Clean() bool {
	return r != nil && len(r.Findings) == 0
}

// Verifier walks the whole ledger and cross-checks accounts, allocations,
// impacts and distributions against the conservation rules. It never mutates
// state, so it can run against a live ledger between batches.
type Verifier struct {
	state   ledgerView
	emitter events.Emitter
	nowFn   func() int64
}

// NewVerifier creates a verifier with no backends attached.
func NewVerifier() *Verifier {
	return &Verifier{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the ledger view to verify.
func (v *Verifier) SetState(state ledgerView) { v.state = state }

// SetEmitter configures the violation event sink. Nil restores the no-op sink.
func (v *Verifier) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		v.emitter = events.NoopEmitter{}
		return
	}
	v.emitter = emitter
}

// SetNowFunc overrides the wall-clock source, primarily for tests.
func (v *Verifier) SetNowFunc(now func() int64) {
	if now == nil {
		v.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	v.nowFn = now
}

type coverage struct {
	allocated *big.Int
	pending   *big.Int
}

// VerifyAll sweeps every policy and account. Findings come back in scan
// order: policy checks by ascending id, account checks in listing order,
// vault checks by token.
func (v *Verifier) VerifyAll() (*Report, error) {
	if v == nil || v.state == nil {
		return nil, errNilVerifier
	}
	report := &Report{}

	policies, err := v.state.AuditListPolicies()
	if err != nil {
		return nil, err
	}
	expected := make(map[string]*coverage)
	vaultExpect := make(map[string]*big.Int)
	for _, record := range policies {
		if err := v.verifyPolicy(record, expected, vaultExpect, report); err != nil {
			return nil, err
		}
		report.CheckedPolicies++
	}

	accounts, err := v.state.AuditListAccounts()
	if err != nil {
		return nil, err
	}
	for _, account := range accounts {
		v.verifyAccount(account, expected, report)
		report.CheckedAccounts++
	}

	v.verifyVault(accounts, vaultExpect, report)

	report.CompletedAt = v.nowFn()
	return report, nil
}

// VerifyPolicy runs the record checks for one policy: collateral coverage
// while it is active, payout conservation once terminal and premium
// conservation once distributed. The account identity and vault checks need
// the whole ledger and stay with VerifyAll.
func (v *Verifier) VerifyPolicy(policyID uint64) (*Report, error) {
	if v == nil || v.state == nil {
		return nil, errNilVerifier
	}
	record, ok, err := v.state.PolicyGet(policyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("audit: policy %d not found", policyID)
	}
	report := &Report{}
	expected := make(map[string]*coverage)
	vaultExpect := make(map[string]*big.Int)
	if err := v.verifyPolicy(record, expected, vaultExpect, report); err != nil {
		return nil, err
	}
	report.CheckedPolicies++
	report.CompletedAt = v.nowFn()
	return report, nil
}

// VerifyAllocationSum checks that the allocations written for one policy sum
// to exactly the collateral it must lock. Policy creation runs it before the
// policy record exists, so the requirement is an argument rather than a field
// read from the record.
func (v *Verifier) VerifyAllocationSum(policyID uint64, token string, required *big.Int) (*Report, error) {
	if v == nil || v.state == nil {
		return nil, errNilVerifier
	}
	allocs, err := v.state.PoolAllocationsByPolicy(policyID)
	if err != nil {
		return nil, err
	}
	sum := new(big.Int)
	for _, al := range allocs {
		sum.Add(sum, fixedpoint.Clone(al.Amount))
	}
	report := &Report{CheckedPolicies: 1}
	if sum.Cmp(fixedpoint.Clone(required)) != 0 {
		v.flag(report, Finding{
			Check:    CheckCollateralExact,
			PolicyID: policyID,
			Token:    token,
			Expected: fixedpoint.Clone(required),
			Actual:   sum,
			Detail:   "allocations do not sum to the required collateral",
		})
	}
	report.CompletedAt = v.nowFn()
	return report, nil
}

func (v *Verifier) verifyPolicy(record *policy.Policy, expected map[string]*coverage, vaultExpect map[string]*big.Int, report *Report) error {
	allocs, err := v.state.PoolAllocationsByPolicy(record.ID)
	if err != nil {
		return err
	}
	allocSum := new(big.Int)
	premiumSum := new(big.Int)
	for _, al := range allocs {
		allocSum.Add(allocSum, fixedpoint.Clone(al.Amount))
		premiumSum.Add(premiumSum, fixedpoint.Clone(al.PremiumShare))
	}

	switch record.Status {
	case policy.StatusActive:
		if allocSum.Cmp(fixedpoint.Clone(record.RequiredCollateral)) != 0 {
			v.flag(report, Finding{
				Check:    CheckCollateralExact,
				PolicyID: record.ID,
				Token:    record.Token,
				Expected: fixedpoint.Clone(record.RequiredCollateral),
				Actual:   allocSum,
				Detail:   "active policy allocations do not cover required collateral",
			})
		}
		impacts, err := v.state.SettlementImpactsByPolicy(record.ID)
		if err != nil {
			return err
		}
		if len(impacts) > 0 {
			v.flag(report, Finding{
				Check:    CheckOrphanedImpacts,
				PolicyID: record.ID,
				Token:    record.Token,
				Detail:   fmt.Sprintf("active policy carries %d impact records", len(impacts)),
			})
		}
		for _, al := range allocs {
			cov := coverageFor(expected, al.Token, al.Provider)
			cov.allocated.Add(cov.allocated, fixedpoint.Clone(al.Amount))
			cov.pending.Add(cov.pending, fixedpoint.Clone(al.PremiumShare))
		}
		addExpect(vaultExpect, record.Token, record.Premium)
	case policy.StatusSettled, policy.StatusExpired:
		if err := v.verifyImpacts(record, allocSum, report); err != nil {
			return err
		}
		if err := v.verifyPremium(record, allocs, expected, vaultExpect, report); err != nil {
			return err
		}
	}
	return nil
}

// verifyImpacts checks that a terminal policy's impact records conserve the
// collateral that backed it.
func (v *Verifier) verifyImpacts(record *policy.Policy, allocSum *big.Int, report *Report) error {
	impacts, err := v.state.SettlementImpactsByPolicy(record.ID)
	if err != nil {
		return err
	}
	debited := new(big.Int)
	released := new(big.Int)
	for _, impact := range impacts {
		debited.Add(debited, fixedpoint.Clone(impact.Debited))
		released.Add(released, fixedpoint.Clone(impact.Released))
	}
	payout := fixedpoint.Clone(record.SettlementAmount)
	if debited.Cmp(payout) != 0 {
		v.flag(report, Finding{
			Check:    CheckPayoutConservation,
			PolicyID: record.ID,
			Token:    record.Token,
			Expected: payout,
			Actual:   debited,
			Detail:   "impact debits do not match the recorded payout",
		})
	}
	moved := new(big.Int).Add(debited, released)
	if moved.Cmp(allocSum) != 0 {
		v.flag(report, Finding{
			Check:    CheckPayoutConservation,
			PolicyID: record.ID,
			Token:    record.Token,
			Expected: allocSum,
			Actual:   moved,
			Detail:   "impact records do not account for all locked collateral",
		})
	}
	return nil
}

// verifyPremium checks where a terminal policy's premium ended up: credited
// to providers, still pending distribution or retained in the vault.
func (v *Verifier) verifyPremium(record *policy.Policy, allocs []*pool.Allocation, expected map[string]*coverage, vaultExpect map[string]*big.Int, report *Report) error {
	dists, err := v.state.SettlementDistributionsByPolicy(record.ID)
	if err != nil {
		return err
	}
	distSum := new(big.Int)
	for _, d := range dists {
		distSum.Add(distSum, fixedpoint.Clone(d.Amount))
	}

	if record.Status == policy.StatusSettled {
		if distSum.Sign() != 0 {
			v.flag(report, Finding{
				Check:    CheckPremiumConservation,
				PolicyID: record.ID,
				Token:    record.Token,
				Expected: new(big.Int),
				Actual:   distSum,
				Detail:   "settled policy must retain its premium in the vault",
			})
		}
		addExpect(vaultExpect, record.Token, record.Premium)
		return nil
	}

	if record.PremiumDistributed {
		if distSum.Cmp(fixedpoint.Clone(record.Premium)) != 0 {
			v.flag(report, Finding{
				Check:    CheckPremiumConservation,
				PolicyID: record.ID,
				Token:    record.Token,
				Expected: fixedpoint.Clone(record.Premium),
				Actual:   distSum,
				Detail:   "distribution records do not sum to the policy premium",
			})
		}
		return nil
	}

	// Expired but not yet distributed: the shares still sit in the pending
	// buckets and the funds in the vault.
	for _, al := range allocs {
		cov := coverageFor(expected, al.Token, al.Provider)
		cov.pending.Add(cov.pending, fixedpoint.Clone(al.PremiumShare))
	}
	addExpect(vaultExpect, record.Token, record.Premium)
	return nil
}

func (v *Verifier) verifyAccount(account *pool.Account, expected map[string]*coverage, report *Report) {
	deposited := fixedpoint.Clone(account.Deposited)
	principal := new(big.Int).Add(fixedpoint.Clone(account.Available), fixedpoint.Clone(account.Allocated))
	if deposited.Cmp(principal) != 0 {
		v.flag(report, Finding{
			Check:    CheckAccountIdentity,
			Provider: account.Provider,
			Token:    account.Token,
			Expected: deposited,
			Actual:   principal,
			Detail:   "deposited does not equal available plus allocated",
		})
	}

	cov := expected[coverageKey(account.Token, account.Provider)]
	wantAllocated := new(big.Int)
	wantPending := new(big.Int)
	if cov != nil {
		wantAllocated = cov.allocated
		wantPending = cov.pending
	}
	if fixedpoint.Clone(account.Allocated).Cmp(wantAllocated) != 0 {
		v.flag(report, Finding{
			Check:    CheckAllocatedCoverage,
			Provider: account.Provider,
			Token:    account.Token,
			Expected: wantAllocated,
			Actual:   fixedpoint.Clone(account.Allocated),
			Detail:   "allocated bucket does not match live allocation records",
		})
	}
	if fixedpoint.Clone(account.PendingPremiums).Cmp(wantPending) != 0 {
		v.flag(report, Finding{
			Check:    CheckPendingCoverage,
			Provider: account.Provider,
			Token:    account.Token,
			Expected: wantPending,
			Actual:   fixedpoint.Clone(account.PendingPremiums),
			Detail:   "pending premiums do not match undistributed shares",
		})
	}
}

func (v *Verifier) verifyVault(accounts []*pool.Account, vaultExpect map[string]*big.Int, report *Report) {
	actual := make(map[string]*big.Int)
	for _, account := range accounts {
		if !account.Provider.Equal(pool.PremiumVault) {
			continue
		}
		actual[account.Token] = fixedpoint.Clone(account.Deposited)
	}
	for _, token := range unionTokens(vaultExpect, actual) {
		want := vaultExpect[token]
		if want == nil {
			want = new(big.Int)
		}
		got := actual[token]
		if got == nil {
			got = new(big.Int)
		}
		if want.Cmp(got) != 0 {
			v.flag(report, Finding{
				Check:    CheckVaultReserve,
				Provider: pool.PremiumVault,
				Token:    token,
				Expected: want,
				Actual:   got,
				Detail:   "vault balance does not match outstanding premiums",
			})
		}
	}
}

func (v *Verifier) flag(report *Report, finding Finding) {
	report.Findings = append(report.Findings, finding)
	if v.emitter == nil {
		return
	}
	expected := ""
	if finding.Expected != nil {
		expected = fixedpoint.Format(finding.Expected)
	}
	actual := ""
	if finding.Actual != nil {
		actual = fixedpoint.Format(finding.Actual)
	}
	v.emitter.Emit(events.AuditViolation{
		Check:    finding.Check,
		PolicyID: finding.PolicyID,
		Provider: finding.Provider,
		Token:    finding.Token,
		Expected: expected,
		Actual:   actual,
		Detail:   finding.Detail,
	})
}

func coverageKey(token string, provider crypto.Address) string {
	return token + "/" + provider.String()
}

func coverageFor(expected map[string]*coverage, token string, provider crypto.Address) *coverage {
	key := coverageKey(token, provider)
	cov, ok := expected[key]
	if !ok {
		cov = &coverage{allocated: new(big.Int), pending: new(big.Int)}
		expected[key] = cov
	}
	return cov
}

func addExpect(expect map[string]*big.Int, token string, amount *big.Int) {
	sum, ok := expect[token]
	if !ok {
		sum = new(big.Int)
		expect[token] = sum
	}
	sum.Add(sum, fixedpoint.Clone(amount))
}

func unionTokens(a, b map[string]*big.Int) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for token := range a {
		seen[token] = struct{}{}
	}
	for token := range b {
		seen[token] = struct{}{}
	}
	tokens := make([]string, 0, len(seen))
	for token := range seen {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

package settlementd

import (
	"math/big"

	"bithedge/core"
	"bithedge/native/audit"
	"bithedge/native/fixedpoint"
	"bithedge/native/policy"
	"bithedge/native/pool"
	"bithedge/native/settlement"
)

// Amounts render as fixed-point decimal strings so API clients never see raw
// base units.

type policyView struct {
	ID                 uint64 `json:"id"`
	Owner              string `json:"owner"`
	Kind               string `json:"kind"`
	Token              string `json:"token"`
	Strike             string `json:"strike"`
	Notional           string `json:"notional"`
	Premium            string `json:"premium"`
	Tier               string `json:"tier"`
	RequiredCollateral string `json:"required_collateral"`
	CreatedAt          int64  `json:"created_at"`
	ExpiresAt          uint64 `json:"expires_at"`
	Status             string `json:"status"`
	SettledAt          uint64 `json:"settled_at,omitempty"`
	SettlementPrice    string `json:"settlement_price,omitempty"`
	SettlementAmount   string `json:"settlement_amount,omitempty"`
	PremiumDistributed bool   `json:"premium_distributed"`
}

func policyViewFrom(record *policy.Policy) policyView {
	view := policyView{
		ID:                 record.ID,
		Owner:              record.Owner.String(),
		Kind:               record.Kind.String(),
		Token:              record.Token,
		Strike:             formatAmount(record.Strike),
		Notional:           formatAmount(record.Notional),
		Premium:            formatAmount(record.Premium),
		Tier:               record.Tier.String(),
		RequiredCollateral: formatAmount(record.RequiredCollateral),
		CreatedAt:          record.CreatedAt,
		ExpiresAt:          record.ExpiresAt,
		Status:             record.Status.String(),
		SettledAt:          record.SettledAt,
		PremiumDistributed: record.PremiumDistributed,
	}
	if record.SettlementPrice != nil {
		view.SettlementPrice = fixedpoint.Format(record.SettlementPrice)
	}
	if record.SettlementAmount != nil {
		view.SettlementAmount = fixedpoint.Format(record.SettlementAmount)
	}
	return view
}

type providerView struct {
	Address      string `json:"address"`
	Tier         string `json:"tier"`
	RegisteredAt int64  `json:"registered_at"`
}

func providerViewFrom(provider *pool.Provider) providerView {
	return providerView{
		Address:      provider.Address.String(),
		Tier:         provider.Tier.String(),
		RegisteredAt: provider.RegisteredAt,
	}
}

type accountView struct {
	Provider        string `json:"provider"`
	Token           string `json:"token"`
	Deposited       string `json:"deposited"`
	Available       string `json:"available"`
	Allocated       string `json:"allocated"`
	PendingPremiums string `json:"pending_premiums"`
	EarnedPremiums  string `json:"earned_premiums"`
}

func accountViewFrom(account *pool.Account) accountView {
	return accountView{
		Provider:        account.Provider.String(),
		Token:           account.Token,
		Deposited:       formatAmount(account.Deposited),
		Available:       formatAmount(account.Available),
		Allocated:       formatAmount(account.Allocated),
		PendingPremiums: formatAmount(account.PendingPremiums),
		EarnedPremiums:  formatAmount(account.EarnedPremiums),
	}
}

type poolView struct {
	Token           string `json:"token"`
	Providers       int    `json:"providers"`
	Deposited       string `json:"deposited"`
	Available       string `json:"available"`
	Allocated       string `json:"allocated"`
	PendingPremiums string `json:"pending_premiums"`
	EarnedPremiums  string `json:"earned_premiums"`
	VaultBalance    string `json:"vault_balance"`
}

func poolViewFrom(totals *core.PoolTotals) poolView {
	return poolView{
		Token:           totals.Token,
		Providers:       totals.Providers,
		Deposited:       formatAmount(totals.Deposited),
		Available:       formatAmount(totals.Available),
		Allocated:       formatAmount(totals.Allocated),
		PendingPremiums: formatAmount(totals.PendingPremiums),
		EarnedPremiums:  formatAmount(totals.EarnedPremiums),
		VaultBalance:    formatAmount(totals.VaultBalance),
	}
}

type impactView struct {
	PolicyID  uint64 `json:"policy_id"`
	Provider  string `json:"provider"`
	Token     string `json:"token"`
	Outcome   string `json:"outcome"`
	Boundary  uint64 `json:"boundary"`
	Price     string `json:"price,omitempty"`
	Debited   string `json:"debited"`
	Released  string `json:"released"`
	CreatedAt int64  `json:"created_at"`
}

func impactViewFrom(record *settlement.ImpactRecord) impactView {
	view := impactView{
		PolicyID:  record.PolicyID,
		Provider:  record.Provider.String(),
		Token:     record.Token,
		Outcome:   record.Outcome.String(),
		Boundary:  record.Boundary,
		Debited:   formatAmount(record.Debited),
		Released:  formatAmount(record.Released),
		CreatedAt: record.CreatedAt,
	}
	if record.Price != nil {
		view.Price = fixedpoint.Format(record.Price)
	}
	return view
}

type distributionView struct {
	PolicyID  uint64 `json:"policy_id"`
	Provider  string `json:"provider"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Boundary  uint64 `json:"boundary"`
	CreatedAt int64  `json:"created_at"`
}

func distributionViewFrom(record *settlement.DistributionRecord) distributionView {
	return distributionView{
		PolicyID:  record.PolicyID,
		Provider:  record.Provider.String(),
		Token:     record.Token,
		Amount:    formatAmount(record.Amount),
		Boundary:  record.Boundary,
		CreatedAt: record.CreatedAt,
	}
}

type allocationView struct {
	PolicyID     uint64 `json:"policy_id"`
	Provider     string `json:"provider"`
	Token        string `json:"token"`
	Amount       string `json:"amount"`
	PremiumShare string `json:"premium_share"`
	ShareBps     uint32 `json:"share_bps"`
	CreatedAt    int64  `json:"created_at"`
}

func allocationViewFrom(record *pool.Allocation) allocationView {
	return allocationView{
		PolicyID:     record.PolicyID,
		Provider:     record.Provider.String(),
		Token:        record.Token,
		Amount:       formatAmount(record.Amount),
		PremiumShare: formatAmount(record.PremiumShare),
		ShareBps:     record.ShareBps,
		CreatedAt:    record.CreatedAt,
	}
}

type batchFailureView struct {
	PolicyID uint64 `json:"policy_id"`
	Reason   string `json:"reason"`
}

type batchView struct {
	Boundary      uint64             `json:"boundary"`
	Processed     int                `json:"processed"`
	Settled       int                `json:"settled"`
	Expired       int                `json:"expired"`
	Failed        int                `json:"failed"`
	Prices        map[string]string  `json:"prices"`
	TotalPayout   string             `json:"total_payout"`
	TotalReleased string             `json:"total_released"`
	Failures      []batchFailureView `json:"failures,omitempty"`
	CompletedAt   int64              `json:"completed_at"`
}

func batchViewFrom(outcome *settlement.BatchOutcome) batchView {
	view := batchView{
		Boundary:      outcome.Boundary,
		Processed:     outcome.Processed,
		Settled:       outcome.Settled,
		Expired:       outcome.Expired,
		Failed:        outcome.Failed,
		Prices:        make(map[string]string, len(outcome.Prices)),
		TotalPayout:   formatAmount(outcome.TotalPayout),
		TotalReleased: formatAmount(outcome.TotalReleased),
		CompletedAt:   outcome.CompletedAt,
	}
	for token, price := range outcome.Prices {
		if price != nil {
			view.Prices[token] = fixedpoint.Format(price)
		}
	}
	for _, failure := range outcome.Failures {
		view.Failures = append(view.Failures, batchFailureView{PolicyID: failure.PolicyID, Reason: failure.Reason})
	}
	return view
}

type distributionOutcomeView struct {
	Boundary     uint64             `json:"boundary"`
	Policies     int                `json:"policies"`
	Providers    int                `json:"providers"`
	Skipped      int                `json:"skipped"`
	TotalPremium string             `json:"total_premium"`
	Failures     []batchFailureView `json:"failures,omitempty"`
	CompletedAt  int64              `json:"completed_at"`
}

func distributionOutcomeViewFrom(outcome *settlement.DistributionOutcome) distributionOutcomeView {
	view := distributionOutcomeView{
		Boundary:     outcome.Boundary,
		Policies:     outcome.Policies,
		Providers:    outcome.Providers,
		Skipped:      outcome.Skipped,
		TotalPremium: formatAmount(outcome.TotalPremium),
		CompletedAt:  outcome.CompletedAt,
	}
	for _, failure := range outcome.Failures {
		view.Failures = append(view.Failures, batchFailureView{PolicyID: failure.PolicyID, Reason: failure.Reason})
	}
	return view
}

type findingView struct {
	Check    string `json:"check"`
	PolicyID uint64 `json:"policy_id,omitempty"`
	Provider string `json:"provider,omitempty"`
	Token    string `json:"token,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Detail   string `json:"detail"`
}

type auditView struct {
	Clean           bool          `json:"clean"`
	CheckedAccounts int           `json:"checked_accounts"`
	CheckedPolicies int           `json:"checked_policies"`
	Findings        []findingView `json:"findings,omitempty"`
	CompletedAt     int64         `json:"completed_at"`
}

func auditViewFrom(report *audit.Report) auditView {
	view := auditView{
		Clean:           report.Clean(),
		CheckedAccounts: report.CheckedAccounts,
		CheckedPolicies: report.CheckedPolicies,
		CompletedAt:     report.CompletedAt,
	}
	for _, finding := range report.Findings {
		fv := findingView{
			Check:    finding.Check,
			PolicyID: finding.PolicyID,
			Token:    finding.Token,
			Detail:   finding.Detail,
		}
		if !finding.Provider.IsZero() {
			fv.Provider = finding.Provider.String()
		}
		if finding.Expected != nil {
			fv.Expected = fixedpoint.Format(finding.Expected)
		}
		if finding.Actual != nil {
			fv.Actual = fixedpoint.Format(finding.Actual)
		}
		view.Findings = append(view.Findings, fv)
	}
	return view
}

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return fixedpoint.Format(amount)
}

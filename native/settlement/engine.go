package settlement

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"bithedge/core/events"
	"bithedge/crypto"
	nativecommon "bithedge/native/common"
	"bithedge/native/fixedpoint"
	"bithedge/native/policy"
	"bithedge/native/pool"
	"bithedge/native/pricefeed"
)

var (
	errNilEngine = errors.New("settlement: engine not configured")

	// ErrUnknownMarket is returned when no price pair exists for a token.
	ErrUnknownMarket = errors.New("settlement: no price pair for token")
	// ErrNoAllocations is returned when a policy carries no allocation
	// records; such a policy cannot have been funded and needs an operator.
	ErrNoAllocations = errors.New("settlement: no allocation records for policy")
	// ErrPartialSettlement is returned when a still-active policy already
	// carries impact records, meaning a prior run died mid-policy. Retrying
	// would double-apply balance moves, so the policy is frozen for review.
	ErrPartialSettlement = errors.New("settlement: policy carries impact records from an aborted run")
	// ErrBatchNotFound is returned when no batch was recorded at a boundary.
	ErrBatchNotFound = errors.New("settlement: no batch recorded at boundary")
)

const moduleName = "settlement"

// quoteSymbol prices every market in US dollars.
const quoteSymbol = "USD"

type engineState interface {
	SettlementPutImpact(record *ImpactRecord) error
	// SettlementImpactsByPolicy returns impact records in insertion order.
	SettlementImpactsByPolicy(policyID uint64) ([]*ImpactRecord, error)
	SettlementPutDistribution(record *DistributionRecord) error
	SettlementDistributionsByPolicy(policyID uint64) ([]*DistributionRecord, error)
	SettlementPutBatch(outcome *BatchOutcome) error
	SettlementGetBatch(boundary uint64) (*BatchOutcome, bool, error)
}

// PolicyRegistry is the slice of the policy store settlement drives.
type PolicyRegistry interface {
	Get(id uint64) (*policy.Policy, error)
	ExpiringAt(boundary uint64) ([]*policy.Policy, error)
	MarkSettled(id uint64, atBoundary uint64, price, payout *big.Int) (*policy.Policy, error)
	MarkExpired(id uint64, atBoundary uint64, price *big.Int) (*policy.Policy, error)
	MarkPremiumDistributed(id uint64) (*policy.Policy, error)
}

// Collateral is the privileged pool surface settlement moves balances
// through. The pool custodian satisfies it.
type Collateral interface {
	AllocationsByPolicy(policyID uint64) ([]*pool.Allocation, error)
	Release(policyID uint64, provider crypto.Address, token string, amount *big.Int) error
	Debit(provider crypto.Address, token string, amount *big.Int) error
	CreditPremium(provider crypto.Address, token string, amount *big.Int) error
	ForfeitPremium(provider crypto.Address, token string, amount *big.Int) error
}

// Engine runs expiration batches: it prices each boundary once per token,
// classifies every policy as in or out of the money, moves collateral
// through the pool custodian and records the per-provider impact.
type Engine struct {
	state      engineState
	policies   PolicyRegistry
	collateral Collateral
	feed       pricefeed.Feed
	emitter    events.Emitter
	pauses     nativecommon.PauseView
	nowFn      func() int64
}

// NewEngine creates a settlement engine with no backends attached.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the record store.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPolicies wires the policy registry.
func (e *Engine) SetPolicies(registry PolicyRegistry) { e.policies = registry }

// SetCollateral wires the privileged pool surface.
func (e *Engine) SetCollateral(c Collateral) { e.collateral = c }

// SetFeed wires the settlement price source.
func (e *Engine) SetFeed(feed pricefeed.Feed) { e.feed = feed }

// SetEmitter configures the event sink. Passing nil restores the no-op sink.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetNowFunc overrides the wall-clock source, primarily for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil || e.policies == nil || e.collateral == nil || e.feed == nil {
		return errNilEngine
	}
	return nil
}

// marketPair maps a collateral token to the feed pair that settles it.
func marketPair(token string) (string, string, error) {
	switch token {
	case "SBTC":
		return "BTC", quoteSymbol, nil
	case "STX":
		return "STX", quoteSymbol, nil
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnknownMarket, token)
	}
}

type tokenTally struct {
	processed int
	settled   int
	expired   int
	failed    int
	payout    *big.Int
}

// SettleBoundary processes every policy indexed at the boundary. Policies
// already terminal are skipped, so re-running a boundary only touches the
// ones a previous run left active. Failures are isolated per policy: the
// policy stays active, the reason lands in the outcome and the rest of the
// batch continues.
func (e *Engine) SettleBoundary(boundary uint64) (*BatchOutcome, error) {
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

	outcome := &BatchOutcome{
		Boundary:      boundary,
		Prices:        make(map[string]*big.Int),
		TotalPayout:   fixedpoint.Zero(),
		TotalReleased: fixedpoint.Zero(),
	}
	tallies := make(map[string]*tokenTally)
	priceErrs := make(map[string]error)

	for _, record := range records {
		if record.Status.Terminal() {
			continue
		}
		outcome.Processed++
		tally := tallies[record.Token]
		if tally == nil {
			tally = &tokenTally{payout: fixedpoint.Zero()}
			tallies[record.Token] = tally
		}
		tally.processed++

		price, err := e.boundaryPrice(record.Token, boundary, outcome.Prices, priceErrs)
		if err != nil {
			outcome.Failed++
			tally.failed++
			outcome.Failures = append(outcome.Failures, BatchFailure{PolicyID: record.ID, Reason: err.Error()})
			continue
		}
		settled, payout, released, err := e.settleOne(record, price, boundary)
		if err != nil {
			outcome.Failed++
			tally.failed++
			outcome.Failures = append(outcome.Failures, BatchFailure{PolicyID: record.ID, Reason: err.Error()})
			continue
		}
		if settled {
			outcome.Settled++
			tally.settled++
			outcome.TotalPayout.Add(outcome.TotalPayout, payout)
			tally.payout.Add(tally.payout, payout)
		} else {
			outcome.Expired++
			tally.expired++
		}
		outcome.TotalReleased.Add(outcome.TotalReleased, released)
	}

	outcome.CompletedAt = e.now()
	if err := e.state.SettlementPutBatch(outcome); err != nil {
		return nil, err
	}
	for _, token := range sortedTokens(tallies) {
		tally := tallies[token]
		var price *big.Int
		if p, ok := outcome.Prices[token]; ok {
			price = fixedpoint.Clone(p)
		}
		e.emit(events.BoundarySettled{
			Boundary:    boundary,
			Token:       token,
			Price:       price,
			Processed:   tally.processed,
			Settled:     tally.settled,
			Expired:     tally.expired,
			Failed:      tally.failed,
			TotalPayout: fixedpoint.Clone(tally.payout),
		})
	}
	return outcome.Clone(), nil
}

// boundaryPrice resolves the settlement price for one token at the boundary,
// caching both hits and misses so every policy in the batch sees the same
// answer from a single feed call.
func (e *Engine) boundaryPrice(token string, boundary uint64, prices map[string]*big.Int, misses map[string]error) (*big.Int, error) {
	if price, ok := prices[token]; ok {
		return price, nil
	}
	if err, ok := misses[token]; ok {
		return nil, err
	}
	base, quote, err := marketPair(token)
	if err != nil {
		misses[token] = err
		return nil, err
	}
	qt, err := e.feed.PriceAt(base, quote, boundary)
	if err != nil {
		misses[token] = err
		return nil, err
	}
	if qt.Price == nil || qt.Price.Sign() <= 0 {
		err := fmt.Errorf("%w: %s/%s at %d", pricefeed.ErrPriceUnavailable, base, quote, boundary)
		misses[token] = err
		return nil, err
	}
	prices[token] = fixedpoint.Clone(qt.Price)
	return prices[token], nil
}

// settleOne applies one policy's terminal transition. It reports whether the
// policy settled in the money, the payout debited and the collateral
// released.
func (e *Engine) settleOne(record *policy.Policy, price *big.Int, boundary uint64) (bool, *big.Int, *big.Int, error) {
	existing, err := e.state.SettlementImpactsByPolicy(record.ID)
	if err != nil {
		return false, nil, nil, err
	}
	if len(existing) > 0 {
		return false, nil, nil, ErrPartialSettlement
	}
	payout, err := Payout(record.Kind, record.Strike, price, record.Notional)
	if err != nil {
		return false, nil, nil, err
	}
	allocs, err := e.collateral.AllocationsByPolicy(record.ID)
	if err != nil {
		return false, nil, nil, err
	}
	if len(allocs) == 0 {
		return false, nil, nil, ErrNoAllocations
	}
	if payout.Sign() > 0 {
		released, err := e.settleInTheMoney(record, allocs, price, payout, boundary)
		if err != nil {
			return false, nil, nil, err
		}
		return true, payout, released, nil
	}
	released, err := e.expireOutOfTheMoney(record, allocs, price, boundary)
	if err != nil {
		return false, nil, nil, err
	}
	return false, fixedpoint.Zero(), released, nil
}

// settleInTheMoney debits the payout from the backing providers in
// proportion to their locked collateral, releases the rest and forfeits the
// pending premium shares to the reserve vault.
func (e *Engine) settleInTheMoney(record *policy.Policy, allocs []*pool.Allocation, price, payout *big.Int, boundary uint64) (*big.Int, error) {
	amounts := make([]*big.Int, len(allocs))
	for i, al := range allocs {
		amounts[i] = al.Amount
	}
	debits, err := fixedpoint.SplitCapped(payout, amounts)
	if err != nil {
		return nil, err
	}
	now := e.now()
	totalReleased := fixedpoint.Zero()
	for i, al := range allocs {
		if err := e.collateral.Debit(al.Provider, record.Token, debits[i]); err != nil {
			return nil, err
		}
		released, err := fixedpoint.Sub(al.Amount, debits[i])
		if err != nil {
			return nil, err
		}
		if err := e.collateral.Release(record.ID, al.Provider, record.Token, released); err != nil {
			return nil, err
		}
		if err := e.collateral.ForfeitPremium(al.Provider, record.Token, al.PremiumShare); err != nil {
			return nil, err
		}
		impact := &ImpactRecord{
			PolicyID:  record.ID,
			Provider:  al.Provider,
			Token:     record.Token,
			Outcome:   OutcomeSettled,
			Boundary:  boundary,
			Price:     fixedpoint.Clone(price),
			Debited:   debits[i],
			Released:  released,
			CreatedAt: now,
		}
		if err := e.state.SettlementPutImpact(impact); err != nil {
			return nil, err
		}
		totalReleased.Add(totalReleased, released)
	}
	updated, err := e.policies.MarkSettled(record.ID, boundary, price, payout)
	if err != nil {
		return nil, err
	}
	e.emit(events.PolicySettled{
		ID:       updated.ID,
		Owner:    updated.Owner,
		Token:    updated.Token,
		Boundary: boundary,
		Price:    fixedpoint.Clone(price),
		Payout:   fixedpoint.Clone(payout),
	})
	e.emit(events.PremiumRetained{
		PolicyID: updated.ID,
		Token:    updated.Token,
		Amount:   fixedpoint.Clone(updated.Premium),
		Boundary: boundary,
	})
	return totalReleased, nil
}

// expireOutOfTheMoney returns every provider's locked collateral untouched.
// The premium stays pending until the distribution pass credits it.
func (e *Engine) expireOutOfTheMoney(record *policy.Policy, allocs []*pool.Allocation, price *big.Int, boundary uint64) (*big.Int, error) {
	now := e.now()
	totalReleased := fixedpoint.Zero()
	for _, al := range allocs {
		if err := e.collateral.Release(record.ID, al.Provider, record.Token, al.Amount); err != nil {
			return nil, err
		}
		impact := &ImpactRecord{
			PolicyID:  record.ID,
			Provider:  al.Provider,
			Token:     record.Token,
			Outcome:   OutcomeExpired,
			Boundary:  boundary,
			Price:     fixedpoint.Clone(price),
			Debited:   fixedpoint.Zero(),
			Released:  fixedpoint.Clone(al.Amount),
			CreatedAt: now,
		}
		if err := e.state.SettlementPutImpact(impact); err != nil {
			return nil, err
		}
		totalReleased.Add(totalReleased, al.Amount)
	}
	updated, err := e.policies.MarkExpired(record.ID, boundary, price)
	if err != nil {
		return nil, err
	}
	e.emit(events.PolicyExpired{
		ID:       updated.ID,
		Owner:    updated.Owner,
		Token:    updated.Token,
		Boundary: boundary,
		Price:    fixedpoint.Clone(price),
		Released: fixedpoint.Clone(totalReleased),
	})
	return totalReleased, nil
}

// ImpactsByPolicy returns copies of the impact records written for a policy.
func (e *Engine) ImpactsByPolicy(policyID uint64) ([]*ImpactRecord, error) {
	if e == nil || e.state == nil {
		return nil, errNilEngine
	}
	records, err := e.state.SettlementImpactsByPolicy(policyID)
	if err != nil {
		return nil, err
	}
	out := make([]*ImpactRecord, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out, nil
}

// DistributionsByPolicy returns copies of the distribution records written
// for a policy.
func (e *Engine) DistributionsByPolicy(policyID uint64) ([]*DistributionRecord, error) {
	if e == nil || e.state == nil {
		return nil, errNilEngine
	}
	records, err := e.state.SettlementDistributionsByPolicy(policyID)
	if err != nil {
		return nil, err
	}
	out := make([]*DistributionRecord, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out, nil
}

// BatchAt returns the recorded outcome of the most recent run of a boundary.
func (e *Engine) BatchAt(boundary uint64) (*BatchOutcome, error) {
	if e == nil || e.state == nil {
		return nil, errNilEngine
	}
	batch, ok, err := e.state.SettlementGetBatch(boundary)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBatchNotFound
	}
	return batch.Clone(), nil
}

func sortedTokens(tallies map[string]*tokenTally) []string {
	tokens := make([]string, 0, len(tallies))
	for token := range tallies {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

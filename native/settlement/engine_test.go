package settlement

import (
	"errors"
	"math/big"
	"sort"
	"strings"
	"testing"
	"time"

	"bithedge/core/events"
	"bithedge/crypto"
	nativecommon "bithedge/native/common"
	"bithedge/native/fixedpoint"
	"bithedge/native/policy"
	"bithedge/native/pool"
	"bithedge/native/pricefeed"
)

type mockLedger struct {
	providers   map[string]*pool.Provider
	accounts    map[string]*pool.Account
	allocations map[uint64]map[string]*pool.Allocation

	policySeq uint64
	policies  map[uint64]*policy.Policy
	index     map[uint64][]uint64

	impacts       map[uint64][]*ImpactRecord
	distributions map[uint64][]*DistributionRecord
	batches       map[uint64]*BatchOutcome
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		providers:     make(map[string]*pool.Provider),
		accounts:      make(map[string]*pool.Account),
		allocations:   make(map[uint64]map[string]*pool.Allocation),
		policies:      make(map[uint64]*policy.Policy),
		index:         make(map[uint64][]uint64),
		impacts:       make(map[uint64][]*ImpactRecord),
		distributions: make(map[uint64][]*DistributionRecord),
		batches:       make(map[uint64]*BatchOutcome),
	}
}

func ledgerAccountKey(addr crypto.Address, token string) string {
	return token + "/" + addr.String()
}

func (m *mockLedger) PoolGetProvider(addr crypto.Address) (*pool.Provider, bool, error) {
	p, ok := m.providers[addr.String()]
	if !ok {
		return nil, false, nil
	}
	return p.Clone(), true, nil
}

func (m *mockLedger) PoolPutProvider(provider *pool.Provider) error {
	m.providers[provider.Address.String()] = provider.Clone()
	return nil
}

func (m *mockLedger) PoolGetAccount(addr crypto.Address, token string) (*pool.Account, bool, error) {
	acc, ok := m.accounts[ledgerAccountKey(addr, token)]
	if !ok {
		return nil, false, nil
	}
	return acc.Clone(), true, nil
}

func (m *mockLedger) PoolPutAccount(account *pool.Account) error {
	m.accounts[ledgerAccountKey(account.Provider, account.Token)] = account.Clone()
	return nil
}

func (m *mockLedger) PoolListAccounts(token string) ([]*pool.Account, error) {
	keys := make([]string, 0, len(m.accounts))
	for k, acc := range m.accounts {
		if acc.Token == token {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]*pool.Account, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.accounts[k].Clone())
	}
	return out, nil
}

func (m *mockLedger) PoolPutAllocation(allocation *pool.Allocation) error {
	byProvider, ok := m.allocations[allocation.PolicyID]
	if !ok {
		byProvider = make(map[string]*pool.Allocation)
		m.allocations[allocation.PolicyID] = byProvider
	}
	byProvider[allocation.Provider.String()] = allocation.Clone()
	return nil
}

func (m *mockLedger) PoolGetAllocation(policyID uint64, provider crypto.Address) (*pool.Allocation, bool, error) {
	al, ok := m.allocations[policyID][provider.String()]
	if !ok {
		return nil, false, nil
	}
	return al.Clone(), true, nil
}

func (m *mockLedger) PoolAllocationsByPolicy(policyID uint64) ([]*pool.Allocation, error) {
	byProvider := m.allocations[policyID]
	keys := make([]string, 0, len(byProvider))
	for k := range byProvider {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*pool.Allocation, 0, len(keys))
	for _, k := range keys {
		out = append(out, byProvider[k].Clone())
	}
	return out, nil
}

func (m *mockLedger) PolicyReserveID() (uint64, error) {
	m.policySeq++
	return m.policySeq, nil
}

func (m *mockLedger) PolicyGet(id uint64) (*policy.Policy, bool, error) {
	p, ok := m.policies[id]
	if !ok {
		return nil, false, nil
	}
	return p.Clone(), true, nil
}

func (m *mockLedger) PolicyPut(p *policy.Policy) error {
	m.policies[p.ID] = p.Clone()
	return nil
}

func (m *mockLedger) PolicyIndexAdd(boundary, id uint64) error {
	m.index[boundary] = append(m.index[boundary], id)
	return nil
}

func (m *mockLedger) PolicyIDsExpiringAt(boundary uint64) ([]uint64, error) {
	ids := append([]uint64(nil), m.index[boundary]...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *mockLedger) PolicyBoundaries(max uint64) ([]uint64, error) {
	out := make([]uint64, 0, len(m.index))
	for b := range m.index {
		if b <= max {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *mockLedger) SettlementPutImpact(record *ImpactRecord) error {
	m.impacts[record.PolicyID] = append(m.impacts[record.PolicyID], record.Clone())
	return nil
}

func (m *mockLedger) SettlementImpactsByPolicy(policyID uint64) ([]*ImpactRecord, error) {
	records := m.impacts[policyID]
	out := make([]*ImpactRecord, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out, nil
}

func (m *mockLedger) SettlementPutDistribution(record *DistributionRecord) error {
	m.distributions[record.PolicyID] = append(m.distributions[record.PolicyID], record.Clone())
	return nil
}

func (m *mockLedger) SettlementDistributionsByPolicy(policyID uint64) ([]*DistributionRecord, error) {
	records := m.distributions[policyID]
	out := make([]*DistributionRecord, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out, nil
}

func (m *mockLedger) SettlementPutBatch(outcome *BatchOutcome) error {
	m.batches[outcome.Boundary] = outcome.Clone()
	return nil
}

func (m *mockLedger) SettlementGetBatch(boundary uint64) (*BatchOutcome, bool, error) {
	b, ok := m.batches[boundary]
	if !ok {
		return nil, false, nil
	}
	return b.Clone(), true, nil
}

func (m *mockLedger) totalDeposited(token string) *big.Int {
	sum := new(big.Int)
	for _, acc := range m.accounts {
		if acc.Token == token {
			sum.Add(sum, acc.Deposited)
		}
	}
	return sum
}

func (m *mockLedger) totalEarned(token string) *big.Int {
	sum := new(big.Int)
	for _, acc := range m.accounts {
		if acc.Token == token {
			sum.Add(sum, acc.EarnedPremiums)
		}
	}
	return sum
}

const (
	testNow      = int64(1700000000)
	testBoundary = uint64(2000)
)

type testEnv struct {
	ledger    *mockLedger
	pool      *pool.Engine
	custodian *pool.Custodian
	allocator *pool.Allocator
	policies  *policy.Store
	feed      *pricefeed.ManualFeed
	collector *events.Collector
	engine    *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ledger := newMockLedger()
	poolEngine := pool.NewEngine()
	poolEngine.SetState(ledger)
	poolEngine.SetNowFunc(func() int64 { return testNow })
	allocator, err := pool.NewAllocator(poolEngine, pool.AllocatorConfig{})
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	store := policy.NewStore()
	store.SetState(ledger)
	store.SetNowFunc(func() int64 { return testNow })
	store.SetBoundaryFunc(func() uint64 { return 1000 })
	feed := pricefeed.NewManualFeed("test")
	collector := &events.Collector{}
	engine := NewEngine()
	engine.SetState(ledger)
	engine.SetPolicies(store)
	engine.SetCollateral(poolEngine.Custodian())
	engine.SetFeed(feed)
	engine.SetEmitter(collector)
	engine.SetNowFunc(func() int64 { return testNow })
	return &testEnv{
		ledger:    ledger,
		pool:      poolEngine,
		custodian: poolEngine.Custodian(),
		allocator: allocator,
		policies:  store,
		feed:      feed,
		collector: collector,
		engine:    engine,
	}
}

func testAddr(t *testing.T, b byte) crypto.Address {
	t.Helper()
	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = b
	}
	return crypto.NewAddress(crypto.BHPrefix, payload)
}

func amount(t *testing.T, s string) *big.Int {
	t.Helper()
	v, err := fixedpoint.Parse(s)
	if err != nil {
		t.Fatalf("parse amount %q: %v", s, err)
	}
	return v
}

func assertAmount(t *testing.T, label string, got *big.Int, want string) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s is nil, want %s", label, want)
	}
	if w := fixedpoint.MustParse(want); got.Cmp(w) != 0 {
		t.Fatalf("%s = %s, want %s", label, fixedpoint.Format(got), want)
	}
}

func (env *testEnv) fundProvider(t *testing.T, addr crypto.Address, tier pool.Tier, token, available string) {
	t.Helper()
	if _, err := env.pool.RegisterProvider(addr, tier); err != nil {
		t.Fatalf("register provider: %v", err)
	}
	if _, err := env.pool.Deposit(addr, token, amount(t, available)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (env *testEnv) openPolicy(t *testing.T, owner crypto.Address, kind policy.Kind, token, strike, notional, premium string, expires uint64) *policy.Policy {
	t.Helper()
	params := policy.CreateParams{
		Owner:     owner,
		Kind:      kind,
		Token:     token,
		Strike:    amount(t, strike),
		Notional:  amount(t, notional),
		Premium:   amount(t, premium),
		Tier:      pool.TierBalanced,
		ExpiresAt: expires,
	}
	id, err := env.policies.ReserveID()
	if err != nil {
		t.Fatalf("reserve id: %v", err)
	}
	if _, err := env.allocator.Allocate(id, token, params.Tier, params.Notional, params.Premium); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	record, err := env.policies.Create(id, params)
	if err != nil {
		t.Fatalf("create policy: %v", err)
	}
	if err := env.custodian.DepositPremium(token, params.Premium); err != nil {
		t.Fatalf("deposit premium: %v", err)
	}
	return record
}

// insertUnfundedPolicy writes an active policy record that has no allocation
// records behind it, simulating a corrupt entry.
func (env *testEnv) insertUnfundedPolicy(t *testing.T, owner crypto.Address, expires uint64) uint64 {
	t.Helper()
	id, err := env.ledger.PolicyReserveID()
	if err != nil {
		t.Fatalf("reserve id: %v", err)
	}
	record := &policy.Policy{
		ID:                 id,
		Owner:              owner,
		Kind:               policy.KindPut,
		Token:              "SBTC",
		Strike:             amount(t, "50000"),
		Notional:           amount(t, "1"),
		Premium:            amount(t, "0.01"),
		Tier:               pool.TierBalanced,
		RequiredCollateral: amount(t, "1"),
		CreatedAt:          testNow,
		ExpiresAt:          expires,
		Status:             policy.StatusActive,
	}
	if err := env.ledger.PolicyPut(record); err != nil {
		t.Fatalf("put policy: %v", err)
	}
	if err := env.ledger.PolicyIndexAdd(expires, id); err != nil {
		t.Fatalf("index policy: %v", err)
	}
	return id
}

func (env *testEnv) setPrice(t *testing.T, base, price string, boundary uint64) {
	t.Helper()
	if err := env.feed.SetDecimal(base, "USD", boundary, price, time.Unix(testNow, 0)); err != nil {
		t.Fatalf("set price: %v", err)
	}
}

func (env *testEnv) account(t *testing.T, addr crypto.Address, token string) *pool.Account {
	t.Helper()
	acc, err := env.pool.GetAccount(addr, token)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return acc
}

func eventCounts(evts []events.Event) map[string]int {
	counts := make(map[string]int)
	for _, e := range evts {
		counts[e.EventType()]++
	}
	return counts
}

func TestSettleBoundaryInTheMoneyPut(t *testing.T) {
	env := newTestEnv(t)
	providerA := testAddr(t, 0xa1)
	providerB := testAddr(t, 0xb2)
	env.fundProvider(t, providerA, pool.TierBalanced, "SBTC", "0.6")
	env.fundProvider(t, providerB, pool.TierBalanced, "SBTC", "0.4")
	owner := testAddr(t, 0x01)
	record := env.openPolicy(t, owner, policy.KindPut, "SBTC", "50000", "1", "0.01", testBoundary)
	env.setPrice(t, "BTC", "40000", testBoundary)
	before := env.ledger.totalDeposited("SBTC")
	env.collector.Drain()

	outcome, err := env.engine.SettleBoundary(testBoundary)
	if err != nil {
		t.Fatalf("settle boundary: %v", err)
	}
	if outcome.Processed != 1 || outcome.Settled != 1 || outcome.Expired != 0 || outcome.Failed != 0 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	assertAmount(t, "total payout", outcome.TotalPayout, "0.2")
	assertAmount(t, "total released", outcome.TotalReleased, "0.8")
	assertAmount(t, "settlement price", outcome.Prices["SBTC"], "40000")

	settled, err := env.policies.Get(record.ID)
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if settled.Status != policy.StatusSettled {
		t.Fatalf("status = %s, want settled", settled.Status)
	}
	assertAmount(t, "settlement amount", settled.SettlementAmount, "0.2")
	assertAmount(t, "recorded price", settled.SettlementPrice, "40000")
	if settled.SettledAt != testBoundary {
		t.Fatalf("settled at %d, want %d", settled.SettledAt, testBoundary)
	}
	if settled.PremiumDistributed {
		t.Fatalf("in-the-money policy must not distribute its premium")
	}

	accA := env.account(t, providerA, "SBTC")
	assertAmount(t, "provider A deposited", accA.Deposited, "0.48")
	assertAmount(t, "provider A available", accA.Available, "0.48")
	assertAmount(t, "provider A allocated", accA.Allocated, "0")
	assertAmount(t, "provider A pending", accA.PendingPremiums, "0")
	accB := env.account(t, providerB, "SBTC")
	assertAmount(t, "provider B deposited", accB.Deposited, "0.32")
	assertAmount(t, "provider B available", accB.Available, "0.32")

	vault := env.account(t, pool.PremiumVault, "SBTC")
	assertAmount(t, "vault retains premium", vault.Deposited, "0.01")

	impacts, err := env.engine.ImpactsByPolicy(record.ID)
	if err != nil {
		t.Fatalf("impacts: %v", err)
	}
	if len(impacts) != 2 {
		t.Fatalf("impact records = %d, want 2", len(impacts))
	}
	byProvider := make(map[string]*ImpactRecord, len(impacts))
	for _, r := range impacts {
		if r.Outcome != OutcomeSettled {
			t.Fatalf("impact outcome = %s, want settled", r.Outcome)
		}
		byProvider[r.Provider.String()] = r
	}
	assertAmount(t, "provider A debited", byProvider[providerA.String()].Debited, "0.12")
	assertAmount(t, "provider A released", byProvider[providerA.String()].Released, "0.48")
	assertAmount(t, "provider B debited", byProvider[providerB.String()].Debited, "0.08")
	assertAmount(t, "provider B released", byProvider[providerB.String()].Released, "0.32")

	after := env.ledger.totalDeposited("SBTC")
	diff := new(big.Int).Sub(before, after)
	assertAmount(t, "payout left the ledger", diff, "0.2")

	counts := eventCounts(env.collector.Drain())
	if counts[events.TypePolicySettled] != 1 {
		t.Fatalf("policy settled events = %d, want 1", counts[events.TypePolicySettled])
	}
	if counts[events.TypePremiumRetained] != 1 {
		t.Fatalf("premium retained events = %d, want 1", counts[events.TypePremiumRetained])
	}
	if counts[events.TypeCollateralReleased] != 2 {
		t.Fatalf("collateral released events = %d, want 2", counts[events.TypeCollateralReleased])
	}
	if counts[events.TypeBoundarySettled] != 1 {
		t.Fatalf("boundary settled events = %d, want 1", counts[events.TypeBoundarySettled])
	}
}

func TestSettleBoundaryOutOfTheMoneyDistributesPremium(t *testing.T) {
	env := newTestEnv(t)
	providerA := testAddr(t, 0xa1)
	providerB := testAddr(t, 0xb2)
	env.fundProvider(t, providerA, pool.TierBalanced, "SBTC", "0.6")
	env.fundProvider(t, providerB, pool.TierBalanced, "SBTC", "0.4")
	owner := testAddr(t, 0x01)
	record := env.openPolicy(t, owner, policy.KindPut, "SBTC", "50000", "1", "0.01", testBoundary)
	env.setPrice(t, "BTC", "60000", testBoundary)
	env.collector.Drain()

	outcome, err := env.engine.SettleBoundary(testBoundary)
	if err != nil {
		t.Fatalf("settle boundary: %v", err)
	}
	if outcome.Expired != 1 || outcome.Settled != 0 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	assertAmount(t, "total payout", outcome.TotalPayout, "0")
	assertAmount(t, "total released", outcome.TotalReleased, "1")

	expired, err := env.policies.Get(record.ID)
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if expired.Status != policy.StatusExpired {
		t.Fatalf("status = %s, want expired", expired.Status)
	}
	assertAmount(t, "settlement amount", expired.SettlementAmount, "0")

	accA := env.account(t, providerA, "SBTC")
	assertAmount(t, "provider A available", accA.Available, "0.6")
	assertAmount(t, "provider A pending", accA.PendingPremiums, "0.006")

	dist, err := env.engine.DistributePremiums(testBoundary)
	if err != nil {
		t.Fatalf("distribute premiums: %v", err)
	}
	if dist.Policies != 1 || dist.Providers != 2 || dist.Skipped != 0 {
		t.Fatalf("unexpected distribution outcome: %+v", dist)
	}
	assertAmount(t, "total premium", dist.TotalPremium, "0.01")

	accA = env.account(t, providerA, "SBTC")
	assertAmount(t, "provider A pending after", accA.PendingPremiums, "0")
	assertAmount(t, "provider A earned", accA.EarnedPremiums, "0.006")
	accB := env.account(t, providerB, "SBTC")
	assertAmount(t, "provider B earned", accB.EarnedPremiums, "0.004")
	vault := env.account(t, pool.PremiumVault, "SBTC")
	assertAmount(t, "vault drained", vault.Deposited, "0")

	distributed, err := env.policies.Get(record.ID)
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if !distributed.PremiumDistributed {
		t.Fatalf("premium distributed flag not set")
	}
	records, err := env.engine.DistributionsByPolicy(record.ID)
	if err != nil {
		t.Fatalf("distributions: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("distribution records = %d, want 2", len(records))
	}

	counts := eventCounts(env.collector.Drain())
	if counts[events.TypePolicyExpired] != 1 {
		t.Fatalf("policy expired events = %d, want 1", counts[events.TypePolicyExpired])
	}
	if counts[events.TypePremiumDistributed] != 1 {
		t.Fatalf("premium distributed events = %d, want 1", counts[events.TypePremiumDistributed])
	}

	again, err := env.engine.DistributePremiums(testBoundary)
	if err != nil {
		t.Fatalf("re-distribute premiums: %v", err)
	}
	if again.Policies != 0 || again.Skipped != 1 {
		t.Fatalf("re-run should skip: %+v", again)
	}
	assertAmount(t, "provider A earned unchanged", env.account(t, providerA, "SBTC").EarnedPremiums, "0.006")
}

func TestSettleBoundaryAtStrikeExpires(t *testing.T) {
	env := newTestEnv(t)
	provider := testAddr(t, 0xa1)
	env.fundProvider(t, provider, pool.TierFlexible, "SBTC", "2")
	record := env.openPolicy(t, testAddr(t, 0x01), policy.KindPut, "SBTC", "50000", "1", "0.01", testBoundary)
	env.setPrice(t, "BTC", "50000", testBoundary)

	outcome, err := env.engine.SettleBoundary(testBoundary)
	if err != nil {
		t.Fatalf("settle boundary: %v", err)
	}
	if outcome.Expired != 1 || outcome.Settled != 0 {
		t.Fatalf("price at strike must expire: %+v", outcome)
	}
	got, err := env.policies.Get(record.ID)
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if got.Status != policy.StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
}

func TestSettleBoundaryCallInTheMoney(t *testing.T) {
	env := newTestEnv(t)
	provider := testAddr(t, 0xc3)
	env.fundProvider(t, provider, pool.TierBalanced, "STX", "250")
	record := env.openPolicy(t, testAddr(t, 0x02), policy.KindCall, "STX", "2.5", "100", "1", testBoundary)
	env.setPrice(t, "STX", "3", testBoundary)

	outcome, err := env.engine.SettleBoundary(testBoundary)
	if err != nil {
		t.Fatalf("settle boundary: %v", err)
	}
	if outcome.Settled != 1 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	assertAmount(t, "total payout", outcome.TotalPayout, "20")

	settled, err := env.policies.Get(record.ID)
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	assertAmount(t, "settlement amount", settled.SettlementAmount, "20")

	acc := env.account(t, provider, "STX")
	assertAmount(t, "provider deposited", acc.Deposited, "230")
	assertAmount(t, "provider available", acc.Available, "230")
	assertAmount(t, "provider allocated", acc.Allocated, "0")
}

func TestSettleBoundaryIdempotent(t *testing.T) {
	env := newTestEnv(t)
	provider := testAddr(t, 0xa1)
	env.fundProvider(t, provider, pool.TierBalanced, "SBTC", "2")
	record := env.openPolicy(t, testAddr(t, 0x01), policy.KindPut, "SBTC", "50000", "1", "0.01", testBoundary)
	env.setPrice(t, "BTC", "40000", testBoundary)

	if _, err := env.engine.SettleBoundary(testBoundary); err != nil {
		t.Fatalf("first run: %v", err)
	}
	accBefore := env.account(t, provider, "SBTC")

	second, err := env.engine.SettleBoundary(testBoundary)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Processed != 0 || second.Settled != 0 || second.Failed != 0 {
		t.Fatalf("second run must skip terminal policies: %+v", second)
	}
	accAfter := env.account(t, provider, "SBTC")
	if accBefore.Deposited.Cmp(accAfter.Deposited) != 0 || accBefore.Available.Cmp(accAfter.Available) != 0 {
		t.Fatalf("balances changed on re-run")
	}
	impacts, err := env.engine.ImpactsByPolicy(record.ID)
	if err != nil {
		t.Fatalf("impacts: %v", err)
	}
	if len(impacts) != 1 {
		t.Fatalf("impact records = %d, want 1", len(impacts))
	}
}

func TestSettleBoundaryFailureIsolation(t *testing.T) {
	env := newTestEnv(t)
	provider := testAddr(t, 0xa1)
	env.fundProvider(t, provider, pool.TierBalanced, "SBTC", "2")
	good := env.openPolicy(t, testAddr(t, 0x01), policy.KindPut, "SBTC", "50000", "1", "0.01", testBoundary)
	broken := env.insertUnfundedPolicy(t, testAddr(t, 0x02), testBoundary)
	env.setPrice(t, "BTC", "40000", testBoundary)

	outcome, err := env.engine.SettleBoundary(testBoundary)
	if err != nil {
		t.Fatalf("settle boundary: %v", err)
	}
	if outcome.Processed != 2 || outcome.Settled != 1 || outcome.Failed != 1 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if len(outcome.Failures) != 1 || outcome.Failures[0].PolicyID != broken {
		t.Fatalf("unexpected failures: %+v", outcome.Failures)
	}
	if !strings.Contains(outcome.Failures[0].Reason, "no allocation records") {
		t.Fatalf("unexpected failure reason: %s", outcome.Failures[0].Reason)
	}

	settled, err := env.policies.Get(good.ID)
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if settled.Status != policy.StatusSettled {
		t.Fatalf("good policy status = %s, want settled", settled.Status)
	}
	stuck, err := env.policies.Get(broken)
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if stuck.Status != policy.StatusActive {
		t.Fatalf("failed policy status = %s, want active", stuck.Status)
	}

	retry, err := env.engine.SettleBoundary(testBoundary)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.Processed != 1 || retry.Failed != 1 {
		t.Fatalf("retry must only touch the failed policy: %+v", retry)
	}
}

func TestSettleBoundaryPriceUnavailableDefers(t *testing.T) {
	env := newTestEnv(t)
	provider := testAddr(t, 0xa1)
	env.fundProvider(t, provider, pool.TierBalanced, "SBTC", "2")
	record := env.openPolicy(t, testAddr(t, 0x01), policy.KindPut, "SBTC", "50000", "1", "0.01", testBoundary)

	outcome, err := env.engine.SettleBoundary(testBoundary)
	if err != nil {
		t.Fatalf("settle boundary: %v", err)
	}
	if outcome.Failed != 1 || outcome.Settled != 0 || outcome.Expired != 0 {
		t.Fatalf("missing price must defer the policy: %+v", outcome)
	}
	if len(outcome.Prices) != 0 {
		t.Fatalf("no price should be recorded: %+v", outcome.Prices)
	}
	deferred, err := env.policies.Get(record.ID)
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if deferred.Status != policy.StatusActive {
		t.Fatalf("deferred policy status = %s, want active", deferred.Status)
	}

	env.setPrice(t, "BTC", "40000", testBoundary)
	retry, err := env.engine.SettleBoundary(testBoundary)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.Settled != 1 || retry.Failed != 0 {
		t.Fatalf("retry with price must settle: %+v", retry)
	}
}

func TestSettleBoundaryFreezesPartialRuns(t *testing.T) {
	env := newTestEnv(t)
	provider := testAddr(t, 0xa1)
	env.fundProvider(t, provider, pool.TierBalanced, "SBTC", "2")
	record := env.openPolicy(t, testAddr(t, 0x01), policy.KindPut, "SBTC", "50000", "1", "0.01", testBoundary)
	env.setPrice(t, "BTC", "40000", testBoundary)

	orphan := &ImpactRecord{
		PolicyID:  record.ID,
		Provider:  provider,
		Token:     "SBTC",
		Outcome:   OutcomeSettled,
		Boundary:  testBoundary,
		Price:     amount(t, "40000"),
		Debited:   amount(t, "0.1"),
		Released:  amount(t, "0"),
		CreatedAt: testNow,
	}
	if err := env.ledger.SettlementPutImpact(orphan); err != nil {
		t.Fatalf("put impact: %v", err)
	}

	outcome, err := env.engine.SettleBoundary(testBoundary)
	if err != nil {
		t.Fatalf("settle boundary: %v", err)
	}
	if outcome.Failed != 1 {
		t.Fatalf("partially settled policy must fail: %+v", outcome)
	}
	if !strings.Contains(outcome.Failures[0].Reason, "aborted run") {
		t.Fatalf("unexpected failure reason: %s", outcome.Failures[0].Reason)
	}
	frozen, err := env.policies.Get(record.ID)
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if frozen.Status != policy.StatusActive {
		t.Fatalf("frozen policy status = %s, want active", frozen.Status)
	}
}

func TestSettleBoundaryMixedConservation(t *testing.T) {
	env := newTestEnv(t)
	providerA := testAddr(t, 0xa1)
	providerB := testAddr(t, 0xb2)
	env.fundProvider(t, providerA, pool.TierBalanced, "SBTC", "1.5")
	env.fundProvider(t, providerB, pool.TierBalanced, "SBTC", "1.5")
	put := env.openPolicy(t, testAddr(t, 0x01), policy.KindPut, "SBTC", "50000", "1", "0.01", testBoundary)
	call := env.openPolicy(t, testAddr(t, 0x02), policy.KindCall, "SBTC", "50000", "0.5", "0.005", testBoundary)
	env.setPrice(t, "BTC", "40000", testBoundary)
	before := env.ledger.totalDeposited("SBTC")

	outcome, err := env.engine.SettleBoundary(testBoundary)
	if err != nil {
		t.Fatalf("settle boundary: %v", err)
	}
	if outcome.Processed != 2 || outcome.Settled != 1 || outcome.Expired != 1 || outcome.Failed != 0 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	assertAmount(t, "total payout", outcome.TotalPayout, "0.2")

	dist, err := env.engine.DistributePremiums(testBoundary)
	if err != nil {
		t.Fatalf("distribute premiums: %v", err)
	}
	if dist.Policies != 1 {
		t.Fatalf("only the expired call distributes: %+v", dist)
	}
	assertAmount(t, "distributed premium", dist.TotalPremium, "0.005")

	after := env.ledger.totalDeposited("SBTC")
	moved := new(big.Int).Sub(before, after)
	wantMoved := new(big.Int).Add(fixedpoint.MustParse("0.2"), fixedpoint.MustParse("0.005"))
	if moved.Cmp(wantMoved) != 0 {
		t.Fatalf("deposited delta = %s, want %s", fixedpoint.Format(moved), fixedpoint.Format(wantMoved))
	}
	assertAmount(t, "earned premiums", env.ledger.totalEarned("SBTC"), "0.005")
	assertAmount(t, "vault reserve", env.account(t, pool.PremiumVault, "SBTC").Deposited, "0.01")

	putRecord, err := env.policies.Get(put.ID)
	if err != nil {
		t.Fatalf("get put: %v", err)
	}
	callRecord, err := env.policies.Get(call.ID)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if putRecord.Status != policy.StatusSettled || callRecord.Status != policy.StatusExpired {
		t.Fatalf("statuses = %s/%s, want settled/expired", putRecord.Status, callRecord.Status)
	}
}

func TestDistributePremiumGuards(t *testing.T) {
	env := newTestEnv(t)
	provider := testAddr(t, 0xa1)
	env.fundProvider(t, provider, pool.TierBalanced, "SBTC", "2")
	record := env.openPolicy(t, testAddr(t, 0x01), policy.KindPut, "SBTC", "50000", "1", "0.01", testBoundary)

	if err := env.engine.DistributePremium(record.ID); !errors.Is(err, policy.ErrNotExpiredStatus) {
		t.Fatalf("active policy: got %v, want %v", err, policy.ErrNotExpiredStatus)
	}

	env.setPrice(t, "BTC", "40000", testBoundary)
	if _, err := env.engine.SettleBoundary(testBoundary); err != nil {
		t.Fatalf("settle boundary: %v", err)
	}
	if err := env.engine.DistributePremium(record.ID); !errors.Is(err, policy.ErrNotExpiredStatus) {
		t.Fatalf("settled policy: got %v, want %v", err, policy.ErrNotExpiredStatus)
	}
}

func TestDistributePremiumSingleRetry(t *testing.T) {
	env := newTestEnv(t)
	provider := testAddr(t, 0xa1)
	env.fundProvider(t, provider, pool.TierBalanced, "SBTC", "2")
	record := env.openPolicy(t, testAddr(t, 0x01), policy.KindPut, "SBTC", "50000", "1", "0.01", testBoundary)
	env.setPrice(t, "BTC", "60000", testBoundary)
	if _, err := env.engine.SettleBoundary(testBoundary); err != nil {
		t.Fatalf("settle boundary: %v", err)
	}

	if err := env.engine.DistributePremium(record.ID); err != nil {
		t.Fatalf("distribute premium: %v", err)
	}
	assertAmount(t, "earned premium", env.account(t, provider, "SBTC").EarnedPremiums, "0.01")

	// Retrying a distributed policy succeeds without moving funds again.
	if err := env.engine.DistributePremium(record.ID); err != nil {
		t.Fatalf("second distribution: %v", err)
	}
	assertAmount(t, "earned premium after retry", env.account(t, provider, "SBTC").EarnedPremiums, "0.01")
	dists, err := env.engine.DistributionsByPolicy(record.ID)
	if err != nil {
		t.Fatalf("distributions: %v", err)
	}
	if len(dists) != 1 {
		t.Fatalf("expected a single distribution record, got %d", len(dists))
	}
}

func TestSettleBoundaryPaused(t *testing.T) {
	env := newTestEnv(t)
	pauses := nativecommon.NewPauses()
	pauses.Pause("settlement")
	env.engine.SetPauses(pauses)

	if _, err := env.engine.SettleBoundary(testBoundary); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("settle: got %v, want %v", err, nativecommon.ErrModulePaused)
	}
	if _, err := env.engine.DistributePremiums(testBoundary); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("distribute: got %v, want %v", err, nativecommon.ErrModulePaused)
	}

	pauses.Resume("settlement")
	if _, err := env.engine.SettleBoundary(testBoundary); err != nil {
		t.Fatalf("resume: %v", err)
	}
}

func TestBatchAt(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.BatchAt(testBoundary); !errors.Is(err, ErrBatchNotFound) {
		t.Fatalf("missing batch: got %v, want %v", err, ErrBatchNotFound)
	}
	if _, err := env.engine.SettleBoundary(testBoundary); err != nil {
		t.Fatalf("settle boundary: %v", err)
	}
	batch, err := env.engine.BatchAt(testBoundary)
	if err != nil {
		t.Fatalf("batch at: %v", err)
	}
	if batch.Boundary != testBoundary || batch.Processed != 0 {
		t.Fatalf("unexpected batch: %+v", batch)
	}
}

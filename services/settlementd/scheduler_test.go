package settlementd

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"bithedge/config"
	"bithedge/core"
	"bithedge/crypto"
	nativecommon "bithedge/native/common"
	"bithedge/native/fixedpoint"
	"bithedge/native/policy"
	"bithedge/native/pool"
	"bithedge/native/pricefeed"
	"bithedge/services/settlementd/journal"
	"bithedge/storage"
)

type schedulerClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *schedulerClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *schedulerClock) Set(unix int64) {
	c.mu.Lock()
	c.now = time.Unix(unix, 0)
	c.mu.Unlock()
}

type schedulerFixture struct {
	scheduler *Scheduler
	platform  *core.Platform
	feed      *pricefeed.ManualFeed
	journal   *journal.Journal
	clock     *schedulerClock
}

// newSchedulerFixture wires a scheduler against a real platform with a
// 1000 second interval, so boundaries land on round multiples of 1000.
func newSchedulerFixture(t *testing.T, name string) *schedulerFixture {
	t.Helper()
	feed := pricefeed.NewManualFeed("test")
	platform, err := core.NewPlatform(storage.NewMemDB(), &config.Config{
		DataDir:       t.TempDir(),
		NetworkName:   "bithedge-test",
		Tokens:        []string{"SBTC"},
		MaxPremiumBps: 2_500,
	}, feed)
	if err != nil {
		t.Fatalf("new platform: %v", err)
	}
	jnl, err := journal.Open("file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = jnl.Close() })

	clock := &schedulerClock{now: time.Unix(1500, 0)}
	sched := NewScheduler(platform, jnl, 1000*time.Second, WithSchedulerClock(clock.Now))
	platform.SetBoundaryFunc(sched.CurrentBoundary)
	platform.SetNowFunc(func() int64 { return clock.Now().Unix() })
	return &schedulerFixture{scheduler: sched, platform: platform, feed: feed, journal: jnl, clock: clock}
}

func (f *schedulerFixture) fund(t *testing.T, addr crypto.Address, amount string) {
	t.Helper()
	if _, err := f.platform.RegisterProvider(addr, pool.TierBalanced); err != nil {
		t.Fatalf("register provider: %v", err)
	}
	if _, err := f.platform.Deposit(addr, "SBTC", schedulerAmount(t, amount)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (f *schedulerFixture) open(t *testing.T, owner crypto.Address, notional, premium string, expires uint64) *policy.Policy {
	t.Helper()
	pol, err := f.platform.OpenPolicy(policy.CreateParams{
		Owner:     owner,
		Kind:      policy.KindPut,
		Token:     "SBTC",
		Strike:    schedulerAmount(t, "50000"),
		Notional:  schedulerAmount(t, notional),
		Premium:   schedulerAmount(t, premium),
		Tier:      pool.TierBalanced,
		ExpiresAt: expires,
	})
	if err != nil {
		t.Fatalf("open policy: %v", err)
	}
	return pol
}

func (f *schedulerFixture) pin(t *testing.T, boundary uint64, price string) {
	t.Helper()
	if err := f.feed.SetDecimal("SBTC", "USD", boundary, price, f.clock.Now()); err != nil {
		t.Fatalf("set price: %v", err)
	}
}

func schedulerAddr(t *testing.T, b byte) crypto.Address {
	t.Helper()
	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = b
	}
	return crypto.NewAddress(crypto.BHPrefix, payload)
}

func schedulerAmount(t *testing.T, s string) *big.Int {
	t.Helper()
	v, err := fixedpoint.Parse(s)
	if err != nil {
		t.Fatalf("parse amount %q: %v", s, err)
	}
	return v
}

func TestSchedulerBoundaryMath(t *testing.T) {
	sched := NewScheduler(nil, nil, time.Hour, WithSchedulerClock(func() time.Time {
		return time.Unix(1700003605, 0)
	}))
	if got := sched.BoundaryAt(time.Unix(1700003605, 0)); got != 1700002800 {
		t.Fatalf("BoundaryAt = %d, want 1700002800", got)
	}
	if got := sched.BoundaryAt(time.Unix(1700002800, 0)); got != 1700002800 {
		t.Fatalf("exact boundary = %d, want 1700002800", got)
	}
	if got := sched.BoundaryAt(time.Unix(0, 0)); got != 0 {
		t.Fatalf("epoch boundary = %d, want 0", got)
	}
	if got := sched.CurrentBoundary(); got != 1700002800 {
		t.Fatalf("CurrentBoundary = %d, want 1700002800", got)
	}

	clamped := NewScheduler(nil, nil, 250*time.Millisecond)
	if status := clamped.Status(); status.Interval != "1s" {
		t.Fatalf("expected sub-second interval clamped to 1s, got %s", status.Interval)
	}
}

func TestSchedulerRunOnceSettlesDueBoundaries(t *testing.T) {
	f := newSchedulerFixture(t, "scheduler_runonce")
	provider := schedulerAddr(t, 0x11)
	owner := schedulerAddr(t, 0x22)
	f.fund(t, provider, "2")

	itm := f.open(t, owner, "1", "0.01", 2000)
	otm := f.open(t, owner, "0.5", "0.005", 3000)
	f.pin(t, 2000, "40000")
	f.pin(t, 3000, "60000")

	// Both boundaries are behind the clock, so one run catches up on both.
	f.clock.Set(3500)
	if err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	settled, err := f.platform.GetPolicy(itm.ID)
	if err != nil {
		t.Fatalf("get settled policy: %v", err)
	}
	if settled.Status != policy.StatusSettled {
		t.Fatalf("expected settled policy, got %s", settled.Status)
	}
	expired, err := f.platform.GetPolicy(otm.ID)
	if err != nil {
		t.Fatalf("get expired policy: %v", err)
	}
	if expired.Status != policy.StatusExpired {
		t.Fatalf("expected expired policy, got %s", expired.Status)
	}

	rows, err := f.journal.Batches(context.Background())
	if err != nil {
		t.Fatalf("journal batches: %v", err)
	}
	if len(rows) != 2 || rows[0].Boundary != 2000 || rows[1].Boundary != 3000 {
		t.Fatalf("unexpected journal batches %+v", rows)
	}
	if rows[0].Settled != 1 || rows[0].TotalPayout != fixedpoint.MustParse("0.2").String() {
		t.Fatalf("unexpected first batch %+v", rows[0])
	}
	if rows[0].TotalReleased != fixedpoint.MustParse("0.8").String() {
		t.Fatalf("unexpected first batch release %+v", rows[0])
	}
	if rows[1].Expired != 1 || rows[1].TotalReleased != fixedpoint.MustParse("0.5").String() {
		t.Fatalf("unexpected second batch %+v", rows[1])
	}

	dists, err := f.journal.Distributions(context.Background())
	if err != nil {
		t.Fatalf("journal distributions: %v", err)
	}
	if len(dists) != 1 || dists[0].Boundary != 3000 || dists[0].Policies != 1 {
		t.Fatalf("unexpected distributions %+v", dists)
	}
	if dists[0].TotalPremium != fixedpoint.MustParse("0.005").String() {
		t.Fatalf("unexpected distributed premium %+v", dists[0])
	}

	status := f.scheduler.Status()
	if status.Runs != 1 || status.Paused {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.LastBoundary != 3000 || status.NextBoundary != 4000 {
		t.Fatalf("unexpected boundaries in status %+v", status)
	}
	if status.LastError != "" {
		t.Fatalf("unexpected last error %q", status.LastError)
	}
	if status.LastRunAt != 3500 {
		t.Fatalf("unexpected last run time %d", status.LastRunAt)
	}
}

func TestSchedulerRetriesDeferredBoundary(t *testing.T) {
	f := newSchedulerFixture(t, "scheduler_deferral")
	provider := schedulerAddr(t, 0x11)
	owner := schedulerAddr(t, 0x22)
	f.fund(t, provider, "1")
	pol := f.open(t, owner, "1", "0.01", 2000)

	// No price pinned yet: the boundary defers instead of settling.
	f.clock.Set(2500)
	if err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("run without price: %v", err)
	}
	deferred, err := f.platform.GetPolicy(pol.ID)
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if deferred.Status != policy.StatusActive {
		t.Fatalf("deferred policy must stay active, got %s", deferred.Status)
	}
	rows, err := f.journal.Batches(context.Background())
	if err != nil {
		t.Fatalf("journal batches: %v", err)
	}
	if len(rows) != 1 || rows[0].Failed != 1 || rows[0].Settled != 0 {
		t.Fatalf("unexpected deferred batch %+v", rows)
	}

	f.pin(t, 2000, "40000")
	if err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("run with price: %v", err)
	}
	retried, err := f.platform.GetPolicy(pol.ID)
	if err != nil {
		t.Fatalf("get policy after retry: %v", err)
	}
	if retried.Status != policy.StatusSettled {
		t.Fatalf("expected settled policy after retry, got %s", retried.Status)
	}
	rows, err = f.journal.Batches(context.Background())
	if err != nil {
		t.Fatalf("journal batches after retry: %v", err)
	}
	if len(rows) != 1 || rows[0].Settled != 1 || rows[0].Failed != 0 {
		t.Fatalf("retry must replace the journalled batch, got %+v", rows)
	}
	if status := f.scheduler.Status(); status.Runs != 2 {
		t.Fatalf("expected 2 runs, got %+v", status)
	}
}

func TestSchedulerPauseBlocksRuns(t *testing.T) {
	f := newSchedulerFixture(t, "scheduler_pause")
	f.scheduler.Pause()
	if err := f.scheduler.RunOnce(context.Background()); !errors.Is(err, ErrSchedulerPaused) {
		t.Fatalf("expected ErrSchedulerPaused, got %v", err)
	}
	if status := f.scheduler.Status(); !status.Paused || status.Runs != 0 {
		t.Fatalf("paused runs must not count, got %+v", status)
	}

	f.scheduler.Resume()
	if err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("run after resume: %v", err)
	}
	if status := f.scheduler.Status(); status.Paused || status.Runs != 1 {
		t.Fatalf("unexpected status after resume %+v", status)
	}
}

func TestSchedulerSurfacesModulePause(t *testing.T) {
	f := newSchedulerFixture(t, "scheduler_module_pause")
	provider := schedulerAddr(t, 0x11)
	owner := schedulerAddr(t, 0x22)
	f.fund(t, provider, "1")
	f.open(t, owner, "1", "0.01", 2000)
	f.pin(t, 2000, "40000")

	f.platform.Pause("settlement")
	f.clock.Set(2500)
	if err := f.scheduler.RunOnce(context.Background()); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected module pause error, got %v", err)
	}

	status := f.scheduler.Status()
	if status.LastError == "" {
		t.Fatalf("expected run error to be recorded in status")
	}
	if len(status.PausedModules) != 1 || status.PausedModules[0] != "settlement" {
		t.Fatalf("unexpected paused modules %v", status.PausedModules)
	}
}

package journal

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"bithedge/core/types"
	"bithedge/native/settlement"
)

func openTestJournal(t *testing.T, name string) *Journal {
	t.Helper()
	jnl, err := Open("file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = jnl.Close() })
	return jnl
}

func TestRecordBatchRoundTrip(t *testing.T) {
	jnl := openTestJournal(t, "journal_batch")
	ctx := context.Background()

	outcome := &settlement.BatchOutcome{
		Boundary:  1700003600,
		Processed: 3,
		Settled:   1,
		Expired:   1,
		Failed:    1,
		Prices: map[string]*big.Int{
			"SBTC": big.NewInt(4000000000000),
		},
		TotalPayout:   big.NewInt(150000000),
		TotalReleased: big.NewInt(850000000),
		Failures: []settlement.BatchFailure{
			{PolicyID: 7, Reason: "price unavailable"},
		},
		CompletedAt: 1700003601,
	}
	if err := jnl.RecordBatch(ctx, outcome); err != nil {
		t.Fatalf("record batch: %v", err)
	}

	rows, err := jnl.Batches(ctx)
	if err != nil {
		t.Fatalf("batches: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one batch row, got %d", len(rows))
	}
	row := rows[0]
	if row.Boundary != 1700003600 || row.Processed != 3 || row.Settled != 1 || row.Expired != 1 || row.Failed != 1 {
		t.Fatalf("unexpected counters: %+v", row)
	}
	if row.TotalPayout != "150000000" || row.TotalReleased != "850000000" {
		t.Fatalf("unexpected totals: %+v", row)
	}
	if row.CompletedAt != 1700003601 {
		t.Fatalf("unexpected completion time %d", row.CompletedAt)
	}

	failures, err := jnl.BatchFailures(ctx, 1700003600)
	if err != nil {
		t.Fatalf("batch failures: %v", err)
	}
	if failures[7] != "price unavailable" {
		t.Fatalf("unexpected failures: %v", failures)
	}

	price, boundary, err := jnl.LatestPrice(ctx, "sbtc")
	if err != nil {
		t.Fatalf("latest price: %v", err)
	}
	if price != "4000000000000" || boundary != 1700003600 {
		t.Fatalf("unexpected price %s at %d", price, boundary)
	}
}

func TestRecordBatchReplacesPreviousRow(t *testing.T) {
	jnl := openTestJournal(t, "journal_upsert")
	ctx := context.Background()

	first := &settlement.BatchOutcome{
		Boundary:  1700000000,
		Processed: 2,
		Failed:    2,
		Failures: []settlement.BatchFailure{
			{PolicyID: 1, Reason: "price unavailable"},
			{PolicyID: 2, Reason: "price unavailable"},
		},
		CompletedAt: 1700000001,
	}
	if err := jnl.RecordBatch(ctx, first); err != nil {
		t.Fatalf("record first: %v", err)
	}

	retry := &settlement.BatchOutcome{
		Boundary:      1700000000,
		Processed:     2,
		Settled:       2,
		TotalPayout:   big.NewInt(90),
		TotalReleased: big.NewInt(10),
		CompletedAt:   1700000500,
	}
	if err := jnl.RecordBatch(ctx, retry); err != nil {
		t.Fatalf("record retry: %v", err)
	}

	rows, err := jnl.Batches(ctx)
	if err != nil {
		t.Fatalf("batches: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected upsert to keep one row, got %d", len(rows))
	}
	if rows[0].Settled != 2 || rows[0].Failed != 0 {
		t.Fatalf("expected retry counters, got %+v", rows[0])
	}
	if rows[0].CompletedAt != 1700000500 {
		t.Fatalf("expected retry completion time, got %d", rows[0].CompletedAt)
	}

	failures, err := jnl.BatchFailures(ctx, 1700000000)
	if err != nil {
		t.Fatalf("batch failures: %v", err)
	}
	if len(failures) != 0 {
		t.Fatalf("expected failures cleared on retry, got %v", failures)
	}
}

func TestRecordDistributionRoundTrip(t *testing.T) {
	jnl := openTestJournal(t, "journal_distribution")
	ctx := context.Background()

	if err := jnl.RecordDistribution(ctx, &settlement.DistributionOutcome{
		Boundary:     1700007200,
		Policies:     2,
		Providers:    5,
		TotalPremium: big.NewInt(12345),
		CompletedAt:  1700007201,
	}); err != nil {
		t.Fatalf("record distribution: %v", err)
	}
	if err := jnl.RecordDistribution(ctx, &settlement.DistributionOutcome{
		Boundary:     1700007200,
		Policies:     3,
		Providers:    6,
		Skipped:      1,
		TotalPremium: big.NewInt(20000),
		CompletedAt:  1700007300,
	}); err != nil {
		t.Fatalf("record distribution retry: %v", err)
	}

	rows, err := jnl.Distributions(ctx)
	if err != nil {
		t.Fatalf("distributions: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one distribution row, got %d", len(rows))
	}
	row := rows[0]
	if row.Policies != 3 || row.Providers != 6 || row.Skipped != 1 {
		t.Fatalf("unexpected counters: %+v", row)
	}
	if row.TotalPremium != "20000" {
		t.Fatalf("unexpected premium %q", row.TotalPremium)
	}
}

func TestEventCount(t *testing.T) {
	jnl := openTestJournal(t, "journal_events")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := jnl.RecordEvent(ctx, &types.Event{
			Type:       "settlement.boundary_settled",
			Attributes: map[string]string{"boundary": "100"},
		}); err != nil {
			t.Fatalf("record event: %v", err)
		}
	}
	if err := jnl.RecordEvent(ctx, &types.Event{Type: "policy.settled"}); err != nil {
		t.Fatalf("record event: %v", err)
	}

	count, err := jnl.EventCount(ctx, "settlement.boundary_settled")
	if err != nil {
		t.Fatalf("event count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 settled events, got %d", count)
	}
	total, err := jnl.EventCount(ctx, "")
	if err != nil {
		t.Fatalf("event count: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 events total, got %d", total)
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open("  "); !errors.Is(err, ErrPathRequired) {
		t.Fatalf("expected ErrPathRequired, got %v", err)
	}
}

func TestFileDSN(t *testing.T) {
	if _, err := FileDSN(""); !errors.Is(err, ErrPathRequired) {
		t.Fatalf("expected ErrPathRequired, got %v", err)
	}
	dsn, err := FileDSN("settlementd.db")
	if err != nil {
		t.Fatalf("file dsn: %v", err)
	}
	if !strings.HasPrefix(dsn, "file:") {
		t.Fatalf("expected file scheme, got %q", dsn)
	}
	if !strings.Contains(dsn, "_journal_mode=WAL") {
		t.Fatalf("expected WAL pragma, got %q", dsn)
	}
}

package pricefeed

import (
	"errors"
	"testing"
	"time"

	"bithedge/native/fixedpoint"
)

func TestManualFeedRoundTrip(t *testing.T) {
	feed := NewManualFeed("ops")
	ts := time.Unix(1_700_000_000, 0)
	if err := feed.SetDecimal("btc", "usd", 42, "97500.5", ts); err != nil {
		t.Fatalf("set decimal: %v", err)
	}

	quote, err := feed.PriceAt("BTC", "USD", 42)
	if err != nil {
		t.Fatalf("price at: %v", err)
	}
	if fixedpoint.Format(quote.Price) != "97500.5" {
		t.Fatalf("price %s, want 97500.5", fixedpoint.Format(quote.Price))
	}
	if quote.Source != "ops" {
		t.Fatalf("source %q", quote.Source)
	}

	if _, err := feed.PriceAt("BTC", "USD", 43); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable for other boundary, got %v", err)
	}
}

func TestManualFeedRejectsBadInput(t *testing.T) {
	feed := NewManualFeed("")
	if err := feed.SetPrice("BTC", "USD", 1, nil, time.Now()); err == nil {
		t.Fatalf("expected nil price rejection")
	}
	if err := feed.SetPrice("", "USD", 1, fixedpoint.MustParse("1"), time.Now()); err == nil {
		t.Fatalf("expected empty base rejection")
	}
	if err := feed.SetDecimal("BTC", "USD", 1, "not-a-number", time.Now()); err == nil {
		t.Fatalf("expected parse failure")
	}
}

func TestAggregatorMedianOfThree(t *testing.T) {
	agg := NewAggregator(2)
	ts := time.Unix(1_700_000_000, 0)
	for name, price := range map[string]string{
		"alpha": "40000",
		"bravo": "41000",
		"carol": "39000",
	} {
		feed := NewManualFeed(name)
		if err := feed.SetDecimal("BTC", "USD", 7, price, ts); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
		agg.Register(name, feed)
	}

	quote, err := agg.PriceAt("BTC", "USD", 7)
	if err != nil {
		t.Fatalf("price at: %v", err)
	}
	if fixedpoint.Format(quote.Price) != "40000" {
		t.Fatalf("median %s, want 40000", fixedpoint.Format(quote.Price))
	}
	if quote.Source != "median(alpha,bravo,carol)" {
		t.Fatalf("source %q", quote.Source)
	}
}

func TestAggregatorEvenCountAveragesMiddle(t *testing.T) {
	agg := NewAggregator(1)
	ts := time.Unix(1_700_000_000, 0)
	for name, price := range map[string]string{
		"alpha": "100",
		"bravo": "101",
	} {
		feed := NewManualFeed(name)
		if err := feed.SetDecimal("BTC", "USD", 9, price, ts); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
		agg.Register(name, feed)
	}

	quote, err := agg.PriceAt("BTC", "USD", 9)
	if err != nil {
		t.Fatalf("price at: %v", err)
	}
	if fixedpoint.Format(quote.Price) != "100.5" {
		t.Fatalf("median %s, want 100.5", fixedpoint.Format(quote.Price))
	}
}

func TestAggregatorRequiresMinimumSources(t *testing.T) {
	agg := NewAggregator(2)
	feed := NewManualFeed("alpha")
	if err := feed.SetDecimal("BTC", "USD", 3, "50000", time.Unix(1_700_000_000, 0)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	agg.Register("alpha", feed)

	if _, err := agg.PriceAt("BTC", "USD", 3); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable with one source, got %v", err)
	}
}

func TestAggregatorDropsStaleQuotes(t *testing.T) {
	agg := NewAggregator(1)
	agg.SetMaxAge(time.Hour)
	now := time.Unix(1_700_000_000, 0)
	agg.SetNowFunc(func() time.Time { return now })

	stale := NewManualFeed("stale")
	if err := stale.SetDecimal("BTC", "USD", 5, "50000", now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("seed stale: %v", err)
	}
	agg.Register("stale", stale)

	if _, err := agg.PriceAt("BTC", "USD", 5); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected stale quote rejection, got %v", err)
	}

	fresh := NewManualFeed("fresh")
	if err := fresh.SetDecimal("BTC", "USD", 5, "51000", now.Add(-time.Minute)); err != nil {
		t.Fatalf("seed fresh: %v", err)
	}
	agg.Register("fresh", fresh)

	quote, err := agg.PriceAt("BTC", "USD", 5)
	if err != nil {
		t.Fatalf("price at: %v", err)
	}
	if fixedpoint.Format(quote.Price) != "51000" {
		t.Fatalf("price %s, want 51000", fixedpoint.Format(quote.Price))
	}
}

func TestAggregatorIgnoresWrongBoundary(t *testing.T) {
	agg := NewAggregator(1)
	feed := NewManualFeed("alpha")
	if err := feed.SetDecimal("BTC", "USD", 10, "50000", time.Unix(1_700_000_000, 0)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	agg.Register("alpha", feed)

	if _, err := agg.PriceAt("BTC", "USD", 11); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected boundary mismatch rejection, got %v", err)
	}
}

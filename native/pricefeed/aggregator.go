package pricefeed

import (
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"
)

// Aggregator consults registered feeds in priority order and settles on the
// median of the quotes observed for a boundary. One divergent or silent
// source cannot move the settlement price on its own once enough feeds are
// registered.
type Aggregator struct {
	mu         sync.RWMutex
	priority   []string
	feeds      map[string]Feed
	minSources int
	maxAge     time.Duration
	nowFn      func() time.Time
}

// NewAggregator constructs an aggregator requiring minSources usable quotes
// per boundary. Values below one are coerced to one.
func NewAggregator(minSources int) *Aggregator {
	if minSources < 1 {
		minSources = 1
	}
	return &Aggregator{
		feeds:      make(map[string]Feed),
		minSources: minSources,
		nowFn:      time.Now,
	}
}

// SetMaxAge bounds how stale an individual quote's timestamp may be. Zero
// disables the check; boundary pinning already prevents cross-boundary
// reuse.
func (a *Aggregator) SetMaxAge(maxAge time.Duration) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.maxAge = maxAge
	a.mu.Unlock()
}

// SetNowFunc overrides the clock used for freshness checks in tests.
func (a *Aggregator) SetNowFunc(now func() time.Time) {
	if a == nil || now == nil {
		return
	}
	a.mu.Lock()
	a.nowFn = now
	a.mu.Unlock()
}

// Register adds or replaces a feed under the supplied identifier.
// Identifiers are stored lowercase so lookups are casing independent.
func (a *Aggregator) Register(name string, feed Feed) {
	if a == nil {
		return
	}
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" || feed == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.feeds[trimmed]; !exists {
		a.priority = append(a.priority, trimmed)
	}
	a.feeds[trimmed] = feed
}

// PriceAt implements the Feed interface. It queries every registered feed
// for the boundary, discards invalid or stale quotes and returns the median
// of the remainder.
func (a *Aggregator) PriceAt(base, quote string, boundary uint64) (Quote, error) {
	if a == nil {
		return Quote{}, ErrPriceUnavailable
	}
	a.mu.RLock()
	priority := append([]string{}, a.priority...)
	minSources := a.minSources
	maxAge := a.maxAge
	now := a.nowFn()
	a.mu.RUnlock()

	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = now.Add(-maxAge)
	}

	quotes := make([]Quote, 0, len(priority))
	for _, name := range priority {
		a.mu.RLock()
		feed := a.feeds[name]
		a.mu.RUnlock()
		if feed == nil {
			continue
		}
		q, err := feed.PriceAt(base, quote, boundary)
		if err != nil {
			continue
		}
		if q.Price == nil || q.Price.Sign() <= 0 || q.Boundary != boundary {
			continue
		}
		if maxAge > 0 && q.Timestamp.Before(cutoff) {
			continue
		}
		if q.Source == "" {
			q.Source = name
		}
		quotes = append(quotes, q.Clone())
	}
	if len(quotes) < minSources || len(quotes) == 0 {
		return Quote{}, ErrPriceUnavailable
	}

	median := medianPrice(quotes)
	result := Quote{
		Price:     median,
		Boundary:  boundary,
		Source:    sourceLabel(quotes),
		Timestamp: now,
	}
	return result, nil
}

// medianPrice returns the middle price, or the floored mean of the two
// middle prices for even counts.
func medianPrice(quotes []Quote) *big.Int {
	prices := make([]*big.Int, len(quotes))
	for i, q := range quotes {
		prices[i] = q.Price
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].Cmp(prices[j]) < 0 })
	mid := len(prices) / 2
	if len(prices)%2 == 1 {
		return new(big.Int).Set(prices[mid])
	}
	sum := new(big.Int).Add(prices[mid-1], prices[mid])
	return sum.Quo(sum, big.NewInt(2))
}

func sourceLabel(quotes []Quote) string {
	names := make([]string, 0, len(quotes))
	for _, q := range quotes {
		names = append(names, q.Source)
	}
	sort.Strings(names)
	return "median(" + strings.Join(names, ",") + ")"
}

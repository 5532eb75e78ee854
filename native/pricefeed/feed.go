package pricefeed

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"bithedge/native/fixedpoint"
)

// ErrPriceUnavailable indicates that no source could produce a usable quote
// for the requested boundary. Settlement treats the whole boundary as
// deferred when it sees this error.
var ErrPriceUnavailable = errors.New("pricefeed: no quote available for boundary")

// Quote is one source's price observation pinned to an expiration boundary.
// Price is denominated in quote-currency base units.
type Quote struct {
	Price     *big.Int
	Boundary  uint64
	Source    string
	Timestamp time.Time
}

// Clone returns a deep copy of the quote.
func (q Quote) Clone() Quote {
	clone := Quote{Boundary: q.Boundary, Source: q.Source, Timestamp: q.Timestamp}
	if q.Price != nil {
		clone.Price = new(big.Int).Set(q.Price)
	}
	return clone
}

// Feed resolves the settlement price for a market pair at a specific
// expiration boundary.
type Feed interface {
	PriceAt(base, quote string, boundary uint64) (Quote, error)
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func pairKey(base, quote string, boundary uint64) string {
	return fmt.Sprintf("%s/%s@%d", normaliseSymbol(base), normaliseSymbol(quote), boundary)
}

// ManualFeed is an in-memory feed used by tests and operator overrides
// during incident response.
type ManualFeed struct {
	mu     sync.RWMutex
	name   string
	quotes map[string]Quote
}

// NewManualFeed constructs an empty manual feed with the given source name.
func NewManualFeed(name string) *ManualFeed {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		trimmed = "manual"
	}
	return &ManualFeed{name: trimmed, quotes: make(map[string]Quote)}
}

// SetPrice pins a price for the pair at one boundary. The price is given in
// quote-currency base units.
func (m *ManualFeed) SetPrice(base, quote string, boundary uint64, price *big.Int, ts time.Time) error {
	if m == nil {
		return fmt.Errorf("pricefeed: manual feed not configured")
	}
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("pricefeed: price must be positive")
	}
	base = normaliseSymbol(base)
	quote = normaliseSymbol(quote)
	if base == "" || quote == "" {
		return fmt.Errorf("pricefeed: base and quote required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[pairKey(base, quote, boundary)] = Quote{
		Price:     new(big.Int).Set(price),
		Boundary:  boundary,
		Source:    m.name,
		Timestamp: ts,
	}
	return nil
}

// SetDecimal records a decimal price string such as "97500.5" for the pair.
func (m *ManualFeed) SetDecimal(base, quote string, boundary uint64, price string, ts time.Time) error {
	parsed, err := fixedpoint.Parse(price)
	if err != nil {
		return err
	}
	return m.SetPrice(base, quote, boundary, parsed, ts)
}

// PriceAt implements the Feed interface.
func (m *ManualFeed) PriceAt(base, quote string, boundary uint64) (Quote, error) {
	if m == nil {
		return Quote{}, ErrPriceUnavailable
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quotes[pairKey(base, quote, boundary)]
	if !ok {
		return Quote{}, ErrPriceUnavailable
	}
	return q.Clone(), nil
}

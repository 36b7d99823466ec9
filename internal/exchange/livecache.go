package exchange

import (
	"sync"
	"time"
)

// Staleness bounds for live data
const (
	PriceStaleness = 10 * time.Second
	BookStaleness  = 5 * time.Second
)

// LiveCache holds the latest tick and book per symbol. The stream reader is
// the single writer; readers get last-writer-wins snapshots.
type LiveCache struct {
	mu    sync.RWMutex
	ticks map[string]Tick
	books map[string]BookSnapshot
}

// NewLiveCache creates an empty live cache
func NewLiveCache() *LiveCache {
	return &LiveCache{
		ticks: make(map[string]Tick),
		books: make(map[string]BookSnapshot),
	}
}

// SetTick stores a tick
func (c *LiveCache) SetTick(t Tick) {
	c.mu.Lock()
	c.ticks[t.Symbol] = t
	c.mu.Unlock()
}

// SetBook stores a book snapshot
func (c *LiveCache) SetBook(b BookSnapshot) {
	c.mu.Lock()
	c.books[b.Symbol] = b
	c.mu.Unlock()
}

// Price returns the last price if fresh
func (c *LiveCache) Price(symbol string) (float64, bool) {
	c.mu.RLock()
	t, ok := c.ticks[symbol]
	c.mu.RUnlock()
	if !ok || time.Since(t.ReceivedAt) > PriceStaleness {
		return 0, false
	}
	return t.Price, true
}

// Book returns the last book snapshot if fresh
func (c *LiveCache) Book(symbol string) (BookSnapshot, bool) {
	c.mu.RLock()
	b, ok := c.books[symbol]
	c.mu.RUnlock()
	if !ok || time.Since(b.ReceivedAt) > BookStaleness {
		return BookSnapshot{}, false
	}
	return b, true
}

package core

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/papertrade/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PRICE BOOK - Latest observed price per symbol
// ═══════════════════════════════════════════════════════════════════════════════

// Quote is the last accepted tick for a symbol
type Quote struct {
	Price decimal.Decimal `json:"price"`
	Time  time.Time       `json:"time"`
}

// PriceBook keeps the latest price per symbol. Latest observation wins;
// a tick older than the stored one is ignored.
type PriceBook struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewPriceBook creates an empty price book
func NewPriceBook() *PriceBook {
	return &PriceBook{
		quotes: make(map[string]Quote),
	}
}

// Update records a tick, reporting whether it became the latest quote
func (pb *PriceBook) Update(tick types.Tick) bool {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if q, ok := pb.quotes[tick.Symbol]; ok && tick.Time.Before(q.Time) {
		return false
	}
	pb.quotes[tick.Symbol] = Quote{Price: tick.Price, Time: tick.Time}
	return true
}

// Get retrieves the latest quote for a symbol
func (pb *PriceBook) Get(symbol string) (Quote, bool) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	q, ok := pb.quotes[symbol]
	return q, ok
}

// Count returns the number of symbols with a quote
func (pb *PriceBook) Count() int {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return len(pb.quotes)
}

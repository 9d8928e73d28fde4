package core

import (
	"sync"

	"github.com/web3guy0/papertrade/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION INDEX - Open positions bucketed by symbol
// ═══════════════════════════════════════════════════════════════════════════════
//
// Lock order is index -> bucket. The index lock only guards the bucket map;
// member edits take the bucket lock alone, so ticks on one symbol never wait
// on mutations of another. An emptied bucket is unlinked and marked removed;
// writers that raced with the unlink retry against a fresh bucket.
//
// ═══════════════════════════════════════════════════════════════════════════════

type bucket struct {
	mu        sync.Mutex
	positions map[string]types.Position
	removed   bool
}

// Index maps symbol -> open positions
type Index struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

// NewIndex creates an empty index
func NewIndex() *Index {
	return &Index{
		buckets: make(map[string]*bucket),
	}
}

// Rebuild replaces the whole index with the given snapshot.
// Positions that are not open are skipped.
func (ix *Index) Rebuild(open []types.Position) {
	buckets := make(map[string]*bucket)
	for _, pos := range open {
		if !pos.IsOpen() {
			continue
		}
		b, ok := buckets[pos.Symbol]
		if !ok {
			b = &bucket{positions: make(map[string]types.Position)}
			buckets[pos.Symbol] = b
		}
		b.positions[pos.ID] = pos
	}

	ix.mu.Lock()
	old := ix.buckets
	ix.buckets = buckets
	ix.mu.Unlock()

	// Writers still holding an old bucket must retry against the new map
	for _, b := range old {
		b.mu.Lock()
		b.removed = true
		b.mu.Unlock()
	}
}

// Register inserts or overwrites a position. A position that is not open
// is removed instead, so the index never holds a closed position.
func (ix *Index) Register(pos types.Position) {
	if !pos.IsOpen() {
		ix.Unregister(pos.ID, pos.Symbol)
		return
	}

	for {
		b := ix.bucketFor(pos.Symbol, true)
		b.mu.Lock()
		if b.removed {
			b.mu.Unlock()
			continue
		}
		b.positions[pos.ID] = pos
		b.mu.Unlock()
		return
	}
}

// Unregister removes a position from its symbol bucket and drops the bucket
// once empty. Reports whether the position was present; safe to repeat.
func (ix *Index) Unregister(positionID, symbol string) bool {
	b := ix.bucketFor(symbol, false)
	if b == nil {
		return false
	}

	b.mu.Lock()
	_, found := b.positions[positionID]
	delete(b.positions, positionID)
	empty := len(b.positions) == 0 && !b.removed
	b.mu.Unlock()

	if empty {
		ix.dropIfEmpty(symbol, b)
	}
	return found
}

// Snapshot copies the current members of a symbol bucket
func (ix *Index) Snapshot(symbol string) []types.Position {
	b := ix.bucketFor(symbol, false)
	if b == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.positions) == 0 {
		return nil
	}
	out := make([]types.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, pos)
	}
	return out
}

// Get returns the indexed copy of a position
func (ix *Index) Get(positionID, symbol string) (types.Position, bool) {
	b := ix.bucketFor(symbol, false)
	if b == nil {
		return types.Position{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[positionID]
	return pos, ok
}

// Contains reports whether a position is indexed under symbol
func (ix *Index) Contains(positionID, symbol string) bool {
	b := ix.bucketFor(symbol, false)
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.positions[positionID]
	return ok
}

// SymbolCount returns the number of non-empty buckets
func (ix *Index) SymbolCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.buckets)
}

// Count returns the number of open positions under symbol
func (ix *Index) Count(symbol string) int {
	b := ix.bucketFor(symbol, false)
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.positions)
}

// Len returns the total number of indexed positions
func (ix *Index) Len() int {
	ix.mu.RLock()
	buckets := make([]*bucket, 0, len(ix.buckets))
	for _, b := range ix.buckets {
		buckets = append(buckets, b)
	}
	ix.mu.RUnlock()

	total := 0
	for _, b := range buckets {
		b.mu.Lock()
		total += len(b.positions)
		b.mu.Unlock()
	}
	return total
}

// Symbols lists symbols with at least one open position
func (ix *Index) Symbols() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]string, 0, len(ix.buckets))
	for symbol := range ix.buckets {
		out = append(out, symbol)
	}
	return out
}

func (ix *Index) bucketFor(symbol string, create bool) *bucket {
	ix.mu.RLock()
	b := ix.buckets[symbol]
	ix.mu.RUnlock()
	if b != nil || !create {
		return b
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if b = ix.buckets[symbol]; b == nil {
		b = &bucket{positions: make(map[string]types.Position)}
		ix.buckets[symbol] = b
	}
	return b
}

func (ix *Index) dropIfEmpty(symbol string, b *bucket) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.positions) == 0 && !b.removed && ix.buckets[symbol] == b {
		delete(ix.buckets, symbol)
		b.removed = true
	}
}

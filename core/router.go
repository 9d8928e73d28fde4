package core

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/web3guy0/papertrade/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTER - Routes ticks to shard workers by symbol
// ═══════════════════════════════════════════════════════════════════════════════
//
// A symbol always hashes to the same shard, so ticks for one symbol are
// handled in arrival order while different symbols run in parallel.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Router struct {
	shards []chan types.Tick
	wg     sync.WaitGroup
	once   sync.Once
}

// NewRouter creates a router with n shards, each queueing up to buffer ticks
func NewRouter(n, buffer int) *Router {
	if n <= 0 {
		n = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	r := &Router{shards: make([]chan types.Tick, n)}
	for i := range r.shards {
		r.shards[i] = make(chan types.Tick, buffer)
	}
	return r
}

// Start launches one worker per shard calling handle for each tick
func (r *Router) Start(handle func(types.Tick)) {
	for _, ch := range r.shards {
		r.wg.Add(1)
		go func(ch <-chan types.Tick) {
			defer r.wg.Done()
			for tick := range ch {
				handle(tick)
			}
		}(ch)
	}
}

// Route queues a tick on its symbol's shard, giving up when ctx is done.
// Must not be called after Close.
func (r *Router) Route(ctx context.Context, tick types.Tick) bool {
	select {
	case r.shards[r.ShardFor(tick.Symbol)] <- tick:
		return true
	case <-ctx.Done():
		return false
	}
}

// ShardFor returns the shard index for a symbol
func (r *Router) ShardFor(symbol string) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(len(r.shards)))
}

// Close stops accepting ticks and waits for queued ones to drain
func (r *Router) Close() {
	r.once.Do(func() {
		for _, ch := range r.shards {
			close(ch)
		}
	})
	r.wg.Wait()
}

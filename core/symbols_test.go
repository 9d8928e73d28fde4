package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/papertrade/types"
)

func TestPriceBook_LatestWins(t *testing.T) {
	pb := NewPriceBook()
	now := time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)

	assert.True(t, pb.Update(types.Tick{Symbol: "BTC-USD", Price: d("100"), Time: now}))
	assert.True(t, pb.Update(types.Tick{Symbol: "BTC-USD", Price: d("101"), Time: now.Add(time.Second)}))
	// Replayed after a reconnect
	assert.False(t, pb.Update(types.Tick{Symbol: "BTC-USD", Price: d("99"), Time: now}))

	q, ok := pb.Get("BTC-USD")
	require.True(t, ok)
	assert.True(t, q.Price.Equal(d("101")))
	assert.Equal(t, 1, pb.Count())
}

func TestKeyedMutex_ReleasesKeys(t *testing.T) {
	km := NewKeyedMutex()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("p1")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, counter)
	assert.Equal(t, 0, km.Len())
}

func TestRouter_SameSymbolSameShard(t *testing.T) {
	r := NewRouter(8, 0)
	assert.Equal(t, r.ShardFor("BTC-USD"), r.ShardFor("BTC-USD"))

	var mu sync.Mutex
	var seen []string
	r.Start(func(tk types.Tick) {
		mu.Lock()
		seen = append(seen, tk.Price.String())
		mu.Unlock()
	})
	for _, p := range []string{"1", "2", "3", "4"} {
		assert.True(t, r.Route(context.Background(), tick("BTC-USD", p)))
	}
	r.Close()
	assert.Equal(t, []string{"1", "2", "3", "4"}, seen)
}

func TestRouter_RouteGivesUpOnCancel(t *testing.T) {
	// No workers and no buffer: every send blocks
	r := NewRouter(1, 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() { done <- r.Route(ctx, tick("BTC-USD", "1")) }()

	cancel()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("route blocked after cancel")
	}
}

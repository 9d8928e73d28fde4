package feeds

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/papertrade/types"
)

func TestParsePairs(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[string]string
		wantErr bool
	}{
		{"single", "BTC-USD=btcusdt", map[string]string{"BTC-USD": "btcusdt"}, false},
		{"normalizes symbol", " eth-usd = ethusdt ,", map[string]string{"ETH-USD": "ethusdt"}, false},
		{"missing value", "BTC-USD=", nil, true},
		{"missing separator", "BTC-USD", nil, true},
		{"empty", "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePairs(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// BINANCE
// ═══════════════════════════════════════════════════════════════════════════════

func TestBinance_HandleMessage(t *testing.T) {
	src := NewBinanceSource("", map[string]string{"BTC-USD": "btcusdt"})

	tick, ok := src.handleMessage([]byte(`{"stream":"btcusdt@trade","data":{"s":"BTCUSDT","p":"43500.10","T":1704196800000}}`))
	require.True(t, ok)
	assert.Equal(t, "BTC-USD", tick.Symbol)
	assert.True(t, tick.Price.Equal(decimal.RequireFromString("43500.10")))
	assert.Equal(t, time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC), tick.Time)

	// A later trade at the same price is still forwarded
	tick, ok = src.handleMessage([]byte(`{"stream":"btcusdt@trade","data":{"s":"BTCUSDT","p":"43500.1","T":1704196801000}}`))
	require.True(t, ok)
	assert.True(t, tick.Price.Equal(decimal.RequireFromString("43500.10")))
	assert.Equal(t, time.Date(2024, 1, 2, 12, 0, 1, 0, time.UTC), tick.Time)

	// The identical frame delivered twice is not
	_, ok = src.handleMessage([]byte(`{"stream":"btcusdt@trade","data":{"s":"BTCUSDT","p":"43500.1","T":1704196801000}}`))
	assert.False(t, ok)

	rejects := []string{
		`not json`,
		`{"result":null,"id":1}`,
		`{"stream":"ethusdt@trade","data":{"s":"ETHUSDT","p":"2300","T":1}}`,
		`{"stream":"btcusdt@trade","data":{"s":"BTCUSDT","p":"abc","T":1}}`,
		`{"stream":"btcusdt@trade","data":{"s":"BTCUSDT","p":"0","T":1}}`,
	}
	for _, msg := range rejects {
		_, ok := src.handleMessage([]byte(msg))
		assert.False(t, ok, msg)
	}
}

func TestBinance_StreamURL(t *testing.T) {
	src := NewBinanceSource("wss://example/stream", map[string]string{
		"ETH-USD": "ETHUSDT",
		"BTC-USD": "btcusdt",
	})
	assert.Equal(t, "wss://example/stream?streams=btcusdt@trade/ethusdt@trade", src.streamURL())
}

func TestBinance_StreamsTicks(t *testing.T) {
	streams := make(chan string, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case streams <- r.URL.Query().Get("streams"):
		default:
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, p := range []string{"100", "100", "101"} {
			msg := `{"stream":"btcusdt@trade","data":{"s":"BTCUSDT","p":"` + p + `","T":1704196800000}}`
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	src := NewBinanceSource(strings.Replace(srv.URL, "http://", "ws://", 1), map[string]string{"BTC-USD": "btcusdt"})
	require.NoError(t, src.Start(context.Background()))

	var prices []string
	for len(prices) < 2 {
		select {
		case tk := <-src.Ticks():
			prices = append(prices, tk.Price.String())
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", prices)
		}
	}
	src.Stop()

	assert.Equal(t, []string{"100", "101"}, prices)
	assert.Equal(t, "btcusdt@trade", <-streams)

	_, open := <-src.Ticks()
	assert.False(t, open)
}

// ═══════════════════════════════════════════════════════════════════════════════
// CHAINLINK
// ═══════════════════════════════════════════════════════════════════════════════

func encodeRound(roundID int64, answer *big.Int, updatedAt int64) []byte {
	word := func(v *big.Int) []byte { return common.LeftPadBytes(v.Bytes(), 32) }
	var buf bytes.Buffer
	buf.Write(word(big.NewInt(roundID)))
	if answer.Sign() < 0 {
		twos := new(big.Int).Add(new(big.Int).Lsh(big.NewInt(1), 256), answer)
		buf.Write(word(twos))
	} else {
		buf.Write(word(answer))
	}
	buf.Write(word(big.NewInt(updatedAt)))
	buf.Write(word(big.NewInt(updatedAt)))
	buf.Write(word(big.NewInt(roundID)))
	return buf.Bytes()
}

type fakeCaller struct {
	mu       sync.Mutex
	decimals int64
	rounds   [][]byte
	calls    int
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bytes.Equal(msg.Data, decimalsSelector) {
		return common.LeftPadBytes(big.NewInt(f.decimals).Bytes(), 32), nil
	}
	if f.calls >= len(f.rounds) {
		return nil, errors.New("no more rounds")
	}
	out := f.rounds[f.calls]
	f.calls++
	return out, nil
}

func TestDecodeLatestRound(t *testing.T) {
	r, err := DecodeLatestRound(encodeRound(42, big.NewInt(4350012345678), 1704196800))
	require.NoError(t, err)
	assert.Equal(t, int64(42), r.RoundID.Int64())
	assert.Equal(t, int64(4350012345678), r.Answer.Int64())
	assert.Equal(t, time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC), r.UpdatedAt)

	neg, err := DecodeLatestRound(encodeRound(1, big.NewInt(-5), 0))
	require.NoError(t, err)
	assert.Equal(t, int64(-5), neg.Answer.Int64())
	assert.True(t, neg.UpdatedAt.IsZero())

	_, err = DecodeLatestRound(make([]byte, 64))
	assert.Error(t, err)
}

func TestChainlink_PollDedupesRounds(t *testing.T) {
	caller := &fakeCaller{
		decimals: 8,
		rounds: [][]byte{
			encodeRound(1, big.NewInt(4350000000000), 1704196800),
			encodeRound(1, big.NewInt(4350000000000), 1704196800),
			encodeRound(2, big.NewInt(4450000000000), 1704196860),
		},
	}
	src, err := NewChainlinkSource("", map[string]string{"btc-usd": BTCUSDFeedAddress}, time.Hour)
	require.NoError(t, err)
	src.WithCaller(caller)

	ctx := context.Background()
	agg := src.feeds[0]
	agg.decimals, err = src.fetchDecimals(ctx, agg.address)
	require.NoError(t, err)
	assert.Equal(t, int32(8), agg.decimals)

	tick, ok, err := src.poll(ctx, agg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "BTC-USD", tick.Symbol)
	assert.True(t, tick.Price.Equal(decimal.NewFromInt(43500)))

	_, ok, err = src.poll(ctx, agg)
	require.NoError(t, err)
	assert.False(t, ok)

	tick, ok, err = src.poll(ctx, agg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, tick.Price.Equal(decimal.NewFromInt(44500)))
}

func TestChainlink_StartEmitsFirstRound(t *testing.T) {
	caller := &fakeCaller{
		decimals: 8,
		rounds:   [][]byte{encodeRound(7, big.NewInt(250000000000), 1704196800)},
	}
	src, err := NewChainlinkSource("", map[string]string{"ETH-USD": "0x0000000000000000000000000000000000000001"}, time.Hour)
	require.NoError(t, err)
	src.WithCaller(caller)

	require.NoError(t, src.Start(context.Background()))
	select {
	case tk := <-src.Ticks():
		assert.Equal(t, types.Tick{
			Symbol: "ETH-USD",
			Price:  tk.Price,
			Time:   time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC),
		}, tk)
		assert.True(t, tk.Price.Equal(decimal.NewFromInt(2500)))
	case <-time.After(2 * time.Second):
		t.Fatal("no tick")
	}
	src.Stop()
}

func TestChainlink_RejectsBadAddress(t *testing.T) {
	_, err := NewChainlinkSource("", map[string]string{"BTC-USD": "not-an-address"}, time.Second)
	assert.Error(t, err)
}

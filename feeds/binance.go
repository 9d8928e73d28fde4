package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/papertrade/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BINANCE TRADE STREAM - Real-time last-trade prices
// ═══════════════════════════════════════════════════════════════════════════════
//
// Combined stream: /stream?streams=btcusdt@trade/ethusdt@trade
// Messages:        {"stream":"btcusdt@trade","data":{"s":"BTCUSDT","p":"43500.10","T":1700000000000}}
//
// Every trade is forwarded; only a frame identical to the previous one is dropped.
//
// ═══════════════════════════════════════════════════════════════════════════════

const DefaultBinanceURL = "wss://stream.binance.com:9443/stream"

// BinanceSource streams trades for a fixed symbol set
type BinanceSource struct {
	url     string
	streams map[string]string // "btcusdt" -> "BTC-USD"

	mu     sync.Mutex
	conn   *websocket.Conn
	last   map[string]types.Tick
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ticks    chan types.Tick
	stopOnce sync.Once
}

// NewBinanceSource creates a source. symbols maps a traded symbol to its
// Binance stream key, e.g. "BTC-USD" -> "btcusdt".
func NewBinanceSource(url string, symbols map[string]string) *BinanceSource {
	if url == "" {
		url = DefaultBinanceURL
	}
	streams := make(map[string]string, len(symbols))
	for sym, key := range symbols {
		streams[strings.ToLower(key)] = types.NormalizeSymbol(sym)
	}
	return &BinanceSource{
		url:     url,
		streams: streams,
		last:    make(map[string]types.Tick),
		ticks:   make(chan types.Tick, 1024),
	}
}

// Ticks returns the tick channel. Closed after Stop.
func (s *BinanceSource) Ticks() <-chan types.Tick {
	return s.ticks
}

// Start connects in the background and keeps reconnecting until Stop
func (s *BinanceSource) Start(ctx context.Context) error {
	if len(s.streams) == 0 {
		return fmt.Errorf("binance: no symbols configured")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	log.Info().
		Strs("streams", s.streamKeys()).
		Msg("📈 Binance trade stream started")
	return nil
}

// Stop closes the connection and the tick channel
func (s *BinanceSource) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
		close(s.ticks)
		log.Info().Msg("Binance trade stream stopped")
	})
}

func (s *BinanceSource) run(ctx context.Context) {
	defer s.wg.Done()

	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for ctx.Err() == nil {
		conn, err := s.connect(ctx)
		if err != nil {
			wait := b.Duration()
			log.Error().Err(err).Dur("retry_in", wait).Msg("Binance WS connection failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}
		b.Reset()

		s.read(ctx, conn)

		if ctx.Err() == nil {
			log.Warn().Msg("Binance WS disconnected, reconnecting...")
		}
	}
}

func (s *BinanceSource) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.streamURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return nil, ctx.Err()
	}
	s.conn = conn
	s.mu.Unlock()

	log.Info().Int("streams", len(s.streams)).Msg("🔌 WebSocket connected to Binance")
	return conn, nil
}

func (s *BinanceSource) read(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("Binance WS read error")
			}
			return
		}

		tick, ok := s.handleMessage(msg)
		if !ok {
			continue
		}
		select {
		case s.ticks <- tick:
		case <-ctx.Done():
			return
		}
	}
}

// handleMessage decodes one combined-stream frame. Returns false for frames
// that carry no trade or repeat the previous one.
func (s *BinanceSource) handleMessage(data []byte) (types.Tick, bool) {
	symbol, price, at, err := s.parseTrade(data)
	if err != nil {
		log.Debug().Err(err).Msg("Binance frame skipped")
		return types.Tick{}, false
	}

	s.mu.Lock()
	// Only a repeated frame is dropped; a trade at the same price is still
	// a tick the engine may need to retry a failed close
	prev, seen := s.last[symbol]
	if seen && prev.Price.Equal(price) && prev.Time.Equal(at) {
		s.mu.Unlock()
		return types.Tick{}, false
	}
	tick := types.Tick{Symbol: symbol, Price: price, Time: at}
	s.last[symbol] = tick
	s.mu.Unlock()

	return tick, true
}

func (s *BinanceSource) parseTrade(data []byte) (string, decimal.Decimal, time.Time, error) {
	var wrapper struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return "", decimal.Zero, time.Time{}, err
	}
	if len(wrapper.Data) == 0 {
		return "", decimal.Zero, time.Time{}, fmt.Errorf("no data in frame")
	}

	var trade struct {
		Symbol string `json:"s"` // "BTCUSDT"
		Price  string `json:"p"`
		Time   int64  `json:"T"` // trade time, ms
	}
	if err := json.Unmarshal(wrapper.Data, &trade); err != nil {
		return "", decimal.Zero, time.Time{}, err
	}

	symbol, ok := s.streams[strings.ToLower(trade.Symbol)]
	if !ok {
		return "", decimal.Zero, time.Time{}, fmt.Errorf("unknown stream symbol %q", trade.Symbol)
	}
	price, err := decimal.NewFromString(trade.Price)
	if err != nil {
		return "", decimal.Zero, time.Time{}, fmt.Errorf("bad price %q: %w", trade.Price, err)
	}
	if !price.IsPositive() {
		return "", decimal.Zero, time.Time{}, fmt.Errorf("non-positive price %s", price)
	}

	at := time.Now().UTC()
	if trade.Time > 0 {
		at = time.UnixMilli(trade.Time).UTC()
	}
	return symbol, price, at, nil
}

func (s *BinanceSource) streamURL() string {
	keys := s.streamKeys()
	for i, k := range keys {
		keys[i] = k + "@trade"
	}
	return fmt.Sprintf("%s?streams=%s", s.url, strings.Join(keys, "/"))
}

func (s *BinanceSource) streamKeys() []string {
	keys := make([]string, 0, len(s.streams))
	for k := range s.streams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package feeds

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/papertrade/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CHAINLINK ORACLE - On-chain aggregator prices
// ═══════════════════════════════════════════════════════════════════════════════
//
// Polls latestRoundData() on each aggregator and emits a tick whenever a
// new round appears. Public aggregators update on deviation or heartbeat,
// so this is a slow feed next to Binance.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	DefaultChainlinkRPC = "https://polygon-rpc.com"

	// BTC/USD aggregator on Polygon
	BTCUSDFeedAddress = "0xc907E116054Ad103354f2D350FD2514433D57F6f"
)

var (
	latestRoundDataSelector = hexutil.MustDecode("0xfeaf968c") // latestRoundData()
	decimalsSelector        = hexutil.MustDecode("0x313ce567") // decimals()
)

// ContractCaller is the read-only slice of ethclient.Client used here
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Round is one decoded latestRoundData() answer
type Round struct {
	RoundID   *big.Int
	Answer    *big.Int
	UpdatedAt time.Time
}

type aggregator struct {
	symbol    string
	address   common.Address
	decimals  int32
	lastRound *big.Int
}

// ChainlinkSource polls aggregator contracts over JSON-RPC
type ChainlinkSource struct {
	rpcURL   string
	caller   ContractCaller
	client   *ethclient.Client
	interval time.Duration
	feeds    []*aggregator

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	ticks    chan types.Tick
	stopOnce sync.Once
}

// NewChainlinkSource creates a source. feeds maps a traded symbol to its
// aggregator address.
func NewChainlinkSource(rpcURL string, feeds map[string]string, interval time.Duration) (*ChainlinkSource, error) {
	if rpcURL == "" {
		rpcURL = DefaultChainlinkRPC
	}
	if interval <= 0 {
		interval = time.Second
	}

	symbols := make([]string, 0, len(feeds))
	for sym := range feeds {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	aggs := make([]*aggregator, 0, len(feeds))
	for _, sym := range symbols {
		addr := feeds[sym]
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("chainlink: invalid aggregator address %q for %s", addr, sym)
		}
		aggs = append(aggs, &aggregator{
			symbol:  types.NormalizeSymbol(sym),
			address: common.HexToAddress(addr),
		})
	}

	return &ChainlinkSource{
		rpcURL:   rpcURL,
		interval: interval,
		feeds:    aggs,
		ticks:    make(chan types.Tick, 256),
	}, nil
}

// WithCaller swaps the RPC client, used by tests
func (s *ChainlinkSource) WithCaller(c ContractCaller) *ChainlinkSource {
	s.caller = c
	return s
}

// Ticks returns the tick channel. Closed after Stop.
func (s *ChainlinkSource) Ticks() <-chan types.Tick {
	return s.ticks
}

// Start dials the RPC endpoint, reads each aggregator's decimals and
// starts polling
func (s *ChainlinkSource) Start(ctx context.Context) error {
	if s.caller == nil {
		client, err := ethclient.DialContext(ctx, s.rpcURL)
		if err != nil {
			return fmt.Errorf("chainlink: dial %s: %w", s.rpcURL, err)
		}
		s.client = client
		s.caller = client
	}

	for _, agg := range s.feeds {
		dec, err := s.fetchDecimals(ctx, agg.address)
		if err != nil {
			return fmt.Errorf("chainlink: decimals for %s: %w", agg.symbol, err)
		}
		agg.decimals = dec
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.pollLoop(ctx)

	log.Info().
		Int("feeds", len(s.feeds)).
		Dur("interval", s.interval).
		Msg("⛓️ Chainlink source started")
	return nil
}

// Stop ends polling and closes the tick channel
func (s *ChainlinkSource) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		if s.client != nil {
			s.client.Close()
		}
		close(s.ticks)
		log.Info().Msg("Chainlink source stopped")
	})
}

func (s *ChainlinkSource) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *ChainlinkSource) pollOnce(ctx context.Context) {
	for _, agg := range s.feeds {
		tick, ok, err := s.poll(ctx, agg)
		if err != nil {
			log.Debug().Err(err).Str("symbol", agg.symbol).Msg("Chainlink price fetch failed")
			continue
		}
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

// poll reads the latest round. ok is false when the round was already seen.
func (s *ChainlinkSource) poll(ctx context.Context, agg *aggregator) (types.Tick, bool, error) {
	out, err := s.caller.CallContract(ctx, ethereum.CallMsg{To: &agg.address, Data: latestRoundDataSelector}, nil)
	if err != nil {
		return types.Tick{}, false, err
	}
	round, err := DecodeLatestRound(out)
	if err != nil {
		return types.Tick{}, false, err
	}
	if agg.lastRound != nil && agg.lastRound.Cmp(round.RoundID) == 0 {
		return types.Tick{}, false, nil
	}
	if round.Answer.Sign() <= 0 {
		return types.Tick{}, false, fmt.Errorf("non-positive answer %s", round.Answer)
	}
	agg.lastRound = round.RoundID

	price := decimal.NewFromBigInt(round.Answer, -agg.decimals)
	log.Debug().
		Str("symbol", agg.symbol).
		Str("price", price.StringFixed(2)).
		Str("round", round.RoundID.String()).
		Msg("⛓️ Chainlink price update")

	at := round.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return types.Tick{Symbol: agg.symbol, Price: price, Time: at}, true, nil
}

func (s *ChainlinkSource) fetchDecimals(ctx context.Context, addr common.Address) (int32, error) {
	out, err := s.caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: decimalsSelector}, nil)
	if err != nil {
		return 0, err
	}
	if len(out) < 32 {
		return 0, fmt.Errorf("invalid decimals response length: %d", len(out))
	}
	dec := new(big.Int).SetBytes(out[:32])
	if !dec.IsInt64() || dec.Int64() > 36 {
		return 0, fmt.Errorf("implausible decimals %s", dec)
	}
	return int32(dec.Int64()), nil
}

// DecodeLatestRound decodes the ABI output of latestRoundData():
// (uint80 roundId, int256 answer, uint256 startedAt, uint256 updatedAt, uint80 answeredInRound)
func DecodeLatestRound(out []byte) (Round, error) {
	if len(out) < 5*32 {
		return Round{}, fmt.Errorf("invalid response length: %d", len(out))
	}
	word := func(i int) []byte { return out[i*32 : (i+1)*32] }

	answer := new(big.Int).SetBytes(word(1))
	// int256 is two's complement
	if word(1)[0]&0x80 != 0 {
		answer.Sub(answer, new(big.Int).Lsh(big.NewInt(1), 256))
	}

	round := Round{
		RoundID: new(big.Int).SetBytes(word(0)),
		Answer:  answer,
	}
	if updated := new(big.Int).SetBytes(word(3)); updated.IsInt64() && updated.Int64() > 0 {
		round.UpdatedAt = time.Unix(updated.Int64(), 0).UTC()
	}
	return round, nil
}

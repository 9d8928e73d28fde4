package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/papertrade/risk"
	"github.com/web3guy0/papertrade/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Tick driven bracket matching
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Feed → Router (per-symbol shard) → OnTick → TP/SL → Store (conditional) → Index → Broadcast
//
// The store's close-if-open is the only arbiter of who closes a position.
// Locks here only keep the index consistent with that outcome.
//
// ═══════════════════════════════════════════════════════════════════════════════

// PositionStore is the part of the repository the engine depends on
type PositionStore interface {
	ListOpenPositions(ctx context.Context) ([]types.Position, error)
	// ClosePositionIfOpen returns nil without error when the position was not open
	ClosePositionIfOpen(ctx context.Context, id string, req types.CloseRequest) (*types.Position, error)
}

// errBracketMoved means the bracket that fired on the snapshot no longer fires
var errBracketMoved = errors.New("bracket no longer crossed")

// Broadcaster receives position lifecycle events
type Broadcaster interface {
	Broadcast(event types.PositionEvent)
}

// Broadcasters fans an event out to several sinks
type Broadcasters []Broadcaster

// Broadcast delivers to every non-nil sink
func (bs Broadcasters) Broadcast(event types.PositionEvent) {
	for _, b := range bs {
		if b != nil {
			b.Broadcast(event)
		}
	}
}

// EngineConfig tunes the engine
type EngineConfig struct {
	Shards       int
	ShardBuffer  int
	StoreTimeout time.Duration
}

// DefaultEngineConfig returns sane defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Shards:       8,
		ShardBuffer:  256,
		StoreTimeout: 5 * time.Second,
	}
}

// EngineStats counts engine activity since start
type EngineStats struct {
	Ticks    uint64 `json:"ticks"`
	Closed   uint64 `json:"closed"`
	LostRace uint64 `json:"lostRace"`
	Failures uint64 `json:"failures"`
}

type Engine struct {
	mu      sync.Mutex
	running bool

	// Components
	index  *Index
	prices *PriceBook
	store  PositionStore
	events Broadcaster
	locks  *KeyedMutex
	cfg    EngineConfig

	// Stats
	ticks    atomic.Uint64
	closed   atomic.Uint64
	lostRace atomic.Uint64
	failures atomic.Uint64
}

// NewEngine creates a matching engine. The engine does not own the store.
func NewEngine(index *Index, prices *PriceBook, store PositionStore, events Broadcaster, locks *KeyedMutex, cfg EngineConfig) *Engine {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if locks == nil {
		locks = NewKeyedMutex()
	}
	if prices == nil {
		prices = NewPriceBook()
	}
	return &Engine{
		index:  index,
		prices: prices,
		store:  store,
		events: events,
		locks:  locks,
		cfg:    cfg,
	}
}

// Bootstrap seeds the index from the store. Must run before ticks are consumed.
func (e *Engine) Bootstrap(ctx context.Context) error {
	open, err := e.store.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}
	e.index.Rebuild(open)

	log.Info().
		Int("positions", len(open)).
		Int("symbols", e.index.SymbolCount()).
		Msg("📚 Position index rebuilt")
	return nil
}

// Run consumes ticks until ctx is cancelled or the channel closes. Queued
// ticks are drained when the channel closes and discarded on cancellation.
func (e *Engine) Run(ctx context.Context, ticks <-chan types.Tick) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	router := NewRouter(e.cfg.Shards, e.cfg.ShardBuffer)
	router.Start(func(tick types.Tick) {
		// Queued ticks are dropped once ctx is cancelled; the index is
		// rebuilt from the store on the next start
		if ctx.Err() != nil {
			return
		}
		if _, err := e.OnTick(context.Background(), tick); err != nil {
			log.Error().Err(err).Str("symbol", tick.Symbol).Msg("Tick evaluation had failures")
		}
	})
	defer router.Close()

	log.Info().Int("shards", e.cfg.Shards).Msg("⚡ Engine started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Engine stopped")
			return nil
		case tick, ok := <-ticks:
			if !ok {
				log.Info().Msg("Tick source closed, engine stopped")
				return nil
			}
			if !router.Route(ctx, tick) {
				log.Info().Msg("Engine stopped")
				return nil
			}
		}
	}
}

// OnTick evaluates every open position on the tick's symbol and closes the
// ones whose bracket was crossed. A failure on one position never stops the
// others; failures are joined into the returned error.
func (e *Engine) OnTick(ctx context.Context, tick types.Tick) ([]types.Position, error) {
	e.ticks.Add(1)
	if tick.Time.IsZero() {
		tick.Time = time.Now().UTC()
	}
	e.prices.Update(tick)

	// Copy first: closing mutates the same bucket
	candidates := e.index.Snapshot(tick.Symbol)
	if len(candidates) == 0 {
		return nil, nil
	}

	var (
		closed []types.Position
		errs   []error
	)
	for i := range candidates {
		pos := &candidates[i]
		if fire, _, _ := risk.CheckExit(pos, tick.Price); !fire {
			continue
		}

		result, req, err := e.closePosition(ctx, pos.ID, pos.Symbol, tick)
		if errors.Is(err, errBracketMoved) {
			log.Debug().Str("position_id", pos.ID).Msg("Brackets changed before close, skipped")
			continue
		}
		reason, exitPrice := req.CloseReason, req.ClosePrice
		if err != nil {
			e.failures.Add(1)
			log.Error().
				Err(err).
				Str("position_id", pos.ID).
				Str("symbol", pos.Symbol).
				Str("reason", string(reason)).
				Msg("Conditional close failed")
			errs = append(errs, fmt.Errorf("close %s: %w", pos.ID, err))
			continue
		}
		if result == nil {
			// Someone else closed it first and owns the event
			e.lostRace.Add(1)
			log.Debug().Str("position_id", pos.ID).Msg("Position already closed")
			continue
		}

		e.closed.Add(1)
		closed = append(closed, *result)

		log.Info().
			Str("position_id", result.ID).
			Str("user_id", result.UserID).
			Str("symbol", result.Symbol).
			Str("side", string(result.Side)).
			Str("entry", result.EntryPrice.String()).
			Str("exit", exitPrice.String()).
			Str("tick", tick.Price.String()).
			Str("pnl", result.RealizedPnL.Decimal.StringFixed(2)).
			Str("reason", string(reason)).
			Msg("📊 Position closed")

		if e.events != nil {
			e.events.Broadcast(types.PositionEvent{
				Type:     types.EventPositionClosed,
				Source:   types.SourceEngine,
				Position: *result,
			})
		}
	}

	return closed, errors.Join(errs...)
}

// closePosition re-evaluates the position under its lock and issues the
// conditional close. The snapshot the caller checked may be stale: a bracket
// update or a close can land between the snapshot and the lock.
func (e *Engine) closePosition(ctx context.Context, id, symbol string, tick types.Tick) (*types.Position, types.CloseRequest, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	current, ok := e.index.Get(id, symbol)
	if !ok {
		// Unregistered by whoever closed it
		return nil, types.CloseRequest{}, nil
	}
	fire, reason, exitPrice := risk.CheckExit(&current, tick.Price)
	if !fire {
		return nil, types.CloseRequest{}, errBracketMoved
	}
	req := types.CloseRequest{
		ClosePrice:  exitPrice,
		CloseReason: reason,
		ClosedAt:    tick.Time,
	}

	if e.cfg.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.StoreTimeout)
		defer cancel()
	}

	result, err := e.store.ClosePositionIfOpen(ctx, id, req)
	if err != nil || result == nil {
		return nil, req, err
	}
	e.index.Unregister(id, symbol)
	return result, req, nil
}

// Stats returns activity counters
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Ticks:    e.ticks.Load(),
		Closed:   e.closed.Load(),
		LostRace: e.lostRace.Load(),
		Failures: e.failures.Load(),
	}
}

// Index exposes the engine's position index
func (e *Engine) Index() *Index {
	return e.index
}

// Prices exposes the engine's price book
func (e *Engine) Prices() *PriceBook {
	return e.prices
}

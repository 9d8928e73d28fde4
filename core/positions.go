package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/papertrade/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITIONS - Create / list / update / close paths outside the tick loop
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every store effect here is mirrored on the index while holding the
// position's lock, so the index tracks exactly what the store considers open.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	ErrNotFound      = errors.New("position not found")
	ErrAlreadyClosed = errors.New("position already closed")
	ErrNoPrice       = errors.New("no price available for symbol")
)

// Repository is the full position store used by the lifecycle paths
type Repository interface {
	PositionStore
	CreatePosition(ctx context.Context, pos types.Position) (*types.Position, error)
	// GetPosition returns nil without error when no position matches
	GetPosition(ctx context.Context, id, userID string) (*types.Position, error)
	ListPositions(ctx context.Context, userID string, status types.Status) ([]types.Position, error)
	// UpdateBracketsIfOpen returns nil without error when the position was not open
	UpdateBracketsIfOpen(ctx context.Context, id, userID string, tp, sl decimal.NullDecimal) (*types.Position, error)
}

// CreateRequest opens a new position. EntryPrice defaults to the latest quote.
type CreateRequest struct {
	UserID     string
	Symbol     string
	Side       types.Side
	Quantity   decimal.Decimal
	EntryPrice decimal.NullDecimal
	TakeProfit decimal.NullDecimal
	StopLoss   decimal.NullDecimal
}

// BracketUpdate changes brackets on an open position. Unset fields keep
// their current value unless the matching Clear flag is set.
type BracketUpdate struct {
	TakeProfit      decimal.NullDecimal
	StopLoss        decimal.NullDecimal
	ClearTakeProfit bool
	ClearStopLoss   bool
}

// PositionService implements the position lifecycle around the engine
type PositionService struct {
	store  Repository
	index  *Index
	prices *PriceBook
	events Broadcaster
	locks  *KeyedMutex
	now    func() time.Time
}

// NewPositionService wires the lifecycle paths. locks must be the same
// instance the engine uses.
func NewPositionService(store Repository, index *Index, prices *PriceBook, events Broadcaster, locks *KeyedMutex) *PositionService {
	return &PositionService{
		store:  store,
		index:  index,
		prices: prices,
		events: events,
		locks:  locks,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create validates, persists and indexes a new open position
func (s *PositionService) Create(ctx context.Context, req CreateRequest) (*types.Position, error) {
	symbol := types.NormalizeSymbol(req.Symbol)
	side := types.Side(strings.ToLower(string(req.Side)))

	entry := req.EntryPrice
	if !entry.Valid && symbol != "" {
		q, ok := s.prices.Get(symbol)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
		}
		entry = decimal.NewNullDecimal(q.Price)
	}

	pos := types.Position{
		UserID:     req.UserID,
		Symbol:     symbol,
		Side:       side,
		Quantity:   req.Quantity,
		EntryPrice: entry.Decimal,
		TakeProfit: req.TakeProfit,
		StopLoss:   req.StopLoss,
		Status:     types.StatusOpen,
		OpenedAt:   s.now(),
	}
	if err := pos.Validate(); err != nil {
		return nil, err
	}

	created, err := s.store.CreatePosition(ctx, pos)
	if err != nil {
		return nil, fmt.Errorf("create position: %w", err)
	}
	s.index.Register(*created)

	log.Info().
		Str("position_id", created.ID).
		Str("user_id", created.UserID).
		Str("symbol", created.Symbol).
		Str("side", string(created.Side)).
		Str("entry", created.EntryPrice.String()).
		Msg("✅ Position opened")

	s.publish(types.EventPositionCreated, *created)
	return created, nil
}

// List returns a user's positions, optionally filtered by status
func (s *PositionService) List(ctx context.Context, userID string, status types.Status) ([]types.Position, error) {
	if status != "" && !status.Valid() {
		return nil, &types.ValidationError{Field: "status", Reason: "must be open or closed"}
	}
	return s.store.ListPositions(ctx, userID, status)
}

// Get returns one of the user's positions
func (s *PositionService) Get(ctx context.Context, userID, id string) (*types.Position, error) {
	pos, err := s.store.GetPosition(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, ErrNotFound
	}
	return pos, nil
}

// UpdateBrackets changes take-profit / stop-loss while the position is open
func (s *PositionService) UpdateBrackets(ctx context.Context, userID, id string, upd BracketUpdate) (*types.Position, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	current, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if !current.IsOpen() {
		return nil, ErrAlreadyClosed
	}

	tp, sl := current.TakeProfit, current.StopLoss
	if upd.ClearTakeProfit {
		tp = decimal.NullDecimal{}
	} else if upd.TakeProfit.Valid {
		tp = upd.TakeProfit
	}
	if upd.ClearStopLoss {
		sl = decimal.NullDecimal{}
	} else if upd.StopLoss.Valid {
		sl = upd.StopLoss
	}
	if err := types.ValidateBrackets(current.Side, current.EntryPrice, tp, sl); err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateBracketsIfOpen(ctx, id, userID, tp, sl)
	if err != nil {
		return nil, fmt.Errorf("update brackets: %w", err)
	}
	if updated == nil {
		return nil, ErrAlreadyClosed
	}
	s.index.Register(*updated)

	log.Info().
		Str("position_id", id).
		Str("tp", nullString(tp)).
		Str("sl", nullString(sl)).
		Msg("🎯 Brackets updated")
	return updated, nil
}

// Close closes a user's position manually. Without a price the latest
// quote for the symbol is used.
func (s *PositionService) Close(ctx context.Context, userID, id string, price decimal.NullDecimal) (*types.Position, error) {
	if userID == "" {
		return nil, &types.ValidationError{Field: "userId", Reason: "required"}
	}
	return s.close(ctx, userID, id, price, types.ReasonManual)
}

// CloseAsSystem closes any position on behalf of an operator
func (s *PositionService) CloseAsSystem(ctx context.Context, id string) (*types.Position, error) {
	return s.close(ctx, "", id, decimal.NullDecimal{}, types.ReasonSystem)
}

// OpenPositions lists every open position in the store
func (s *PositionService) OpenPositions(ctx context.Context) ([]types.Position, error) {
	return s.store.ListOpenPositions(ctx)
}

func (s *PositionService) close(ctx context.Context, userID, id string, price decimal.NullDecimal, reason types.CloseReason) (*types.Position, error) {
	if price.Valid && !price.Decimal.IsPositive() {
		return nil, &types.ValidationError{Field: "price", Reason: "must be greater than 0"}
	}

	unlock := s.locks.Lock(id)
	current, err := s.Get(ctx, userID, id)
	if err != nil {
		unlock()
		return nil, err
	}
	if !current.IsOpen() {
		unlock()
		return nil, ErrAlreadyClosed
	}

	if !price.Valid {
		q, ok := s.prices.Get(current.Symbol)
		if !ok {
			unlock()
			return nil, fmt.Errorf("%w: %s", ErrNoPrice, current.Symbol)
		}
		price = decimal.NewNullDecimal(q.Price)
	}

	closed, err := s.store.ClosePositionIfOpen(ctx, id, types.CloseRequest{
		ClosePrice:  price.Decimal,
		CloseReason: reason,
		ClosedAt:    s.now(),
		UserID:      userID,
	})
	if err != nil {
		unlock()
		return nil, fmt.Errorf("close position: %w", err)
	}
	if closed == nil {
		unlock()
		return nil, ErrAlreadyClosed
	}
	s.index.Unregister(closed.ID, closed.Symbol)
	unlock()

	log.Info().
		Str("position_id", closed.ID).
		Str("user_id", closed.UserID).
		Str("symbol", closed.Symbol).
		Str("exit", closed.ClosePrice.Decimal.String()).
		Str("pnl", closed.RealizedPnL.Decimal.StringFixed(2)).
		Str("reason", string(reason)).
		Msg("📊 Position closed")

	s.publish(types.EventPositionClosed, *closed)
	return closed, nil
}

func (s *PositionService) publish(kind types.EventKind, pos types.Position) {
	if s.events == nil {
		return
	}
	s.events.Broadcast(types.PositionEvent{
		Type:     kind,
		Source:   types.SourceAPI,
		Position: pos,
	})
}

func nullString(v decimal.NullDecimal) string {
	if !v.Valid {
		return "-"
	}
	return v.Decimal.String()
}

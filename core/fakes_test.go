package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/papertrade/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func nd(s string) decimal.NullDecimal { return decimal.NewNullDecimal(d(s)) }

// memStore is a mutex-guarded stand-in for the gorm store
type memStore struct {
	mu        sync.Mutex
	seq       int
	positions map[string]types.Position
	closeErr  map[string]error
	closes    int
	delay     time.Duration

	// beforeUpdate runs at the start of UpdateBracketsIfOpen, outside the store lock
	beforeUpdate func()
}

func newMemStore(seed ...types.Position) *memStore {
	s := &memStore{
		positions: make(map[string]types.Position),
		closeErr:  make(map[string]error),
	}
	for _, p := range seed {
		s.positions[p.ID] = p
	}
	return s
}

func (s *memStore) ListOpenPositions(ctx context.Context) ([]types.Position, error) {
	return s.ListPositions(ctx, "", types.StatusOpen)
}

func (s *memStore) ClosePositionIfOpen(ctx context.Context, id string, req types.CloseRequest) (*types.Position, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.closeErr[id]; err != nil {
		return nil, err
	}
	p, ok := s.positions[id]
	if !ok || !p.IsOpen() || (req.UserID != "" && p.UserID != req.UserID) {
		return nil, nil
	}
	closedAt := req.ClosedAt
	p.Status = types.StatusClosed
	p.ClosePrice = decimal.NewNullDecimal(req.ClosePrice)
	p.CloseReason = req.CloseReason
	p.ClosedAt = &closedAt
	p.RealizedPnL = decimal.NewNullDecimal(p.PnLAt(req.ClosePrice))
	s.positions[id] = p
	s.closes++
	return &p, nil
}

func (s *memStore) CreatePosition(ctx context.Context, pos types.Position) (*types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	pos.ID = fmt.Sprintf("pos-%d", s.seq)
	s.positions[pos.ID] = pos
	return &pos, nil
}

func (s *memStore) GetPosition(ctx context.Context, id, userID string) (*types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok || (userID != "" && p.UserID != userID) {
		return nil, nil
	}
	return &p, nil
}

func (s *memStore) ListPositions(ctx context.Context, userID string, status types.Status) ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Position
	for _, p := range s.positions {
		if userID != "" && p.UserID != userID {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) UpdateBracketsIfOpen(ctx context.Context, id, userID string, tp, sl decimal.NullDecimal) (*types.Position, error) {
	if s.beforeUpdate != nil {
		s.beforeUpdate()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok || !p.IsOpen() || (userID != "" && p.UserID != userID) {
		return nil, nil
	}
	p.TakeProfit, p.StopLoss = tp, sl
	s.positions[id] = p
	return &p, nil
}

func (s *memStore) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// recorder captures broadcast events
type recorder struct {
	mu     sync.Mutex
	events []types.PositionEvent
}

func (r *recorder) Broadcast(event types.PositionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) all() []types.PositionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.PositionEvent(nil), r.events...)
}

func (r *recorder) count(kind types.EventKind) int {
	n := 0
	for _, e := range r.all() {
		if e.Type == kind {
			n++
		}
	}
	return n
}

func openPosition(id, user, symbol string, side types.Side, entry, tp, sl string) types.Position {
	p := types.Position{
		ID:         id,
		UserID:     user,
		Symbol:     symbol,
		Side:       side,
		Quantity:   d("0.1"),
		EntryPrice: d(entry),
		Status:     types.StatusOpen,
		OpenedAt:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	if tp != "" {
		p.TakeProfit = nd(tp)
	}
	if sl != "" {
		p.StopLoss = nd(sl)
	}
	return p
}

func tick(symbol, price string) types.Tick {
	return types.Tick{Symbol: symbol, Price: d(price), Time: time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)}
}

// lockRefs reports how many callers hold or wait for key
func lockRefs(k *KeyedMutex, key string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if l, ok := k.locks[key]; ok {
		return l.refs
	}
	return 0
}

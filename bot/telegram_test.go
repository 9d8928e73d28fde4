package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/papertrade/core"
	"github.com/web3guy0/papertrade/types"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.texts = append(f.texts, m.Text)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fakeOps struct {
	open     []types.Position
	closeErr error
	closedID string
}

func (f *fakeOps) OpenPositions(context.Context) ([]types.Position, error) {
	return f.open, nil
}

func (f *fakeOps) CloseAsSystem(_ context.Context, id string) (*types.Position, error) {
	if f.closeErr != nil {
		return nil, f.closeErr
	}
	f.closedID = id
	return &types.Position{ID: id}, nil
}

func closedEvent(reason types.CloseReason, pnl string) types.PositionEvent {
	return types.PositionEvent{
		Type:   types.EventPositionClosed,
		Source: types.SourceEngine,
		Position: types.Position{
			ID:          "p1",
			UserID:      "alice",
			Symbol:      "BTC-USD",
			Side:        types.SideLong,
			EntryPrice:  decimal.NewFromInt(43500),
			ClosePrice:  decimal.NewNullDecimal(decimal.NewFromInt(44500)),
			CloseReason: reason,
			RealizedPnL: decimal.NewNullDecimal(decimal.RequireFromString(pnl)),
		},
	}
}

func TestFormatClosed(t *testing.T) {
	tests := []struct {
		reason types.CloseReason
		pnl    string
		want   []string
	}{
		{types.ReasonTakeProfit, "100", []string{"🎯 TAKE PROFIT", "BTC-USD LONG", "Exit: 44500", "+100.00", "alice"}},
		{types.ReasonStopLoss, "-70", []string{"🛑 STOP LOSS", "📉 P&L: -70.00"}},
		{types.ReasonSystem, "0", []string{"⚙️ SYSTEM CLOSE"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			out := formatClosed(closedEvent(tt.reason, tt.pnl))
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
		})
	}
}

func TestBroadcast_ForwardsOnlyCloses(t *testing.T) {
	sender := &fakeSender{}
	b := NewWithSender(sender, 42, &fakeOps{})
	b.Start()
	defer b.Stop()

	b.Broadcast(types.PositionEvent{Type: types.EventPositionCreated, Position: types.Position{ID: "p0"}})
	b.Broadcast(closedEvent(types.ReasonTakeProfit, "100"))

	require.Eventually(t, func() bool { return len(sender.sent()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Contains(t, sender.sent()[0], "TAKE PROFIT")
}

func TestCommands(t *testing.T) {
	ops := &fakeOps{open: []types.Position{{
		ID:         "abc",
		Symbol:     "ETH-USD",
		Side:       types.SideShort,
		Quantity:   decimal.NewFromInt(2),
		EntryPrice: decimal.NewFromInt(2300),
		StopLoss:   decimal.NewNullDecimal(decimal.NewFromInt(2400)),
	}}}
	sender := &fakeSender{}
	b := NewWithSender(sender, 42, ops)

	b.handleCommand("positions", "")
	b.handleCommand("close", " abc ")
	b.handleCommand("close", "")
	b.handleCommand("bogus", "")

	sent := sender.sent()
	require.Len(t, sent, 3)
	assert.Contains(t, sent[0], "OPEN POSITIONS (1)")
	assert.Contains(t, sent[0], "🔴 ETH-USD SHORT")
	assert.Contains(t, sent[0], "TP: - | 🛑 SL: 2400")
	assert.Equal(t, "abc", ops.closedID)
	assert.Contains(t, sent[1], "Usage")
	assert.Contains(t, sent[2], "Unknown command")
}

func TestCloseCommandErrors(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{core.ErrNotFound, "No such position"},
		{core.ErrAlreadyClosed, "Already closed"},
		{core.ErrNoPrice, "No price"},
		{errors.New("db down"), "Close failed"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			sender := &fakeSender{}
			b := NewWithSender(sender, 42, &fakeOps{closeErr: tt.err})
			b.handleCommand("close", "abc")
			require.Len(t, sender.sent(), 1)
			assert.Contains(t, sender.sent()[0], tt.want)
		})
	}
}

package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/papertrade/core"
	"github.com/web3guy0/papertrade/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Operator notifications & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   🎯 Close alerts (TP/SL/manual/system)
//   💼 /positions lists open positions
//   🛑 /close <id> closes a position as the operator
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	outboxSize     = 256
	commandTimeout = 10 * time.Second
	maxListed      = 10
)

// Sender is the part of *tgbotapi.BotAPI used to post messages
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Operator is the position control surface exposed to the chat
type Operator interface {
	OpenPositions(ctx context.Context) ([]types.Position, error)
	CloseAsSystem(ctx context.Context, id string) (*types.Position, error)
}

// TelegramBot forwards close events to one chat and serves operator commands
type TelegramBot struct {
	mu      sync.Mutex
	api     Sender
	client  *tgbotapi.BotAPI
	chatID  int64
	ops     Operator
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	outbox chan types.PositionEvent
}

// NewTelegramBot connects to the Bot API
func NewTelegramBot(token string, chatID int64, ops Operator) (*TelegramBot, error) {
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN not set")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("TELEGRAM_CHAT_ID not set")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := NewWithSender(api, chatID, ops)
	b.client = api

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return b, nil
}

// NewWithSender builds a bot around an existing sender. Commands are only
// polled when the sender is a *tgbotapi.BotAPI.
func NewWithSender(api Sender, chatID int64, ops Operator) *TelegramBot {
	return &TelegramBot{
		api:    api,
		chatID: chatID,
		ops:    ops,
		stopCh: make(chan struct{}),
		outbox: make(chan types.PositionEvent, outboxSize),
	}
}

// SetOperator sets the command target. The bot is usually built before the
// position service it controls, since the service publishes to it.
func (b *TelegramBot) SetOperator(ops Operator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = ops
}

// Start begins delivering notifications and listening for commands
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.notifyLoop()

	if b.client != nil {
		b.wg.Add(1)
		go b.commandLoop()
	}
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot and waits for its loops
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()

	if b.client != nil {
		b.client.StopReceivingUpdates()
	}
	b.wg.Wait()
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// Broadcast queues close events for the chat. Never blocks the caller.
func (b *TelegramBot) Broadcast(event types.PositionEvent) {
	if event.Type != types.EventPositionClosed {
		return
	}
	select {
	case b.outbox <- event:
	default:
		log.Warn().Str("position_id", event.Position.ID).Msg("Telegram outbox full, alert dropped")
	}
}

func (b *TelegramBot) notifyLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case ev := <-b.outbox:
			b.send(formatClosed(ev))
		}
	}
}

func formatClosed(ev types.PositionEvent) string {
	p := ev.Position

	header := "📊 CLOSED"
	switch p.CloseReason {
	case types.ReasonTakeProfit:
		header = "🎯 TAKE PROFIT"
	case types.ReasonStopLoss:
		header = "🛑 STOP LOSS"
	case types.ReasonManual:
		header = "✋ MANUAL CLOSE"
	case types.ReasonSystem:
		header = "⚙️ SYSTEM CLOSE"
	}

	pnl := p.RealizedPnL.Decimal
	pnlEmoji := "💰"
	sign := "+"
	if pnl.IsNegative() {
		pnlEmoji = "📉"
		sign = ""
	}

	return fmt.Sprintf("%s — %s %s\n💵 Entry: %s → Exit: %s\n%s P&L: %s%s\n👤 %s | %s",
		header, p.Symbol, strings.ToUpper(string(p.Side)),
		p.EntryPrice.String(), p.ClosePrice.Decimal.String(),
		pnlEmoji, sign, pnl.StringFixed(2),
		p.UserID, ev.Source,
	)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	defer b.wg.Done()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.client.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to authorized chat
			if update.Message.Chat.ID != b.chatID {
				continue
			}

			b.handleCommand(update.Message.Command(), update.Message.CommandArguments())
		}
	}
}

func (b *TelegramBot) handleCommand(cmd, args string) {
	switch strings.ToLower(cmd) {
	case "start", "help":
		b.cmdHelp()
	case "positions":
		b.cmdPositions()
	case "close":
		b.cmdClose(strings.TrimSpace(args))
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	b.send(`🤖 PAPERTRADE COMMANDS
━━━━━━━━━━━━━━━━━━━━

💼 /positions — Open positions
🛑 /close <id> — Close a position
🏓 /ping — Test connection`)
}

func (b *TelegramBot) cmdPositions() {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	ops := b.operator()
	if ops == nil {
		b.send("❌ Positions not available")
		return
	}
	positions, err := ops.OpenPositions(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Telegram /positions failed")
		b.send("❌ Failed to fetch positions")
		return
	}
	if len(positions) == 0 {
		b.send("📭 No open positions")
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "💼 OPEN POSITIONS (%d)\n━━━━━━━━━━━━━━━━━━━━\n\n", len(positions))
	for i, p := range positions {
		if i == maxListed {
			fmt.Fprintf(&sb, "... and %d more", len(positions)-maxListed)
			break
		}
		sideEmoji := "🟢"
		if p.Side == types.SideShort {
			sideEmoji = "🔴"
		}
		fmt.Fprintf(&sb, "%s %s %s × %s @ %s\n🎯 TP: %s | 🛑 SL: %s\n🆔 %s\n\n",
			sideEmoji, p.Symbol, strings.ToUpper(string(p.Side)),
			p.Quantity.String(), p.EntryPrice.String(),
			bracket(p.TakeProfit.Valid, p.TakeProfit.Decimal.String()),
			bracket(p.StopLoss.Valid, p.StopLoss.Decimal.String()),
			p.ID,
		)
	}
	b.send(strings.TrimRight(sb.String(), "\n"))
}

func (b *TelegramBot) cmdClose(id string) {
	if id == "" {
		b.send("Usage: /close <position id>")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	ops := b.operator()
	if ops == nil {
		b.send("❌ Positions not available")
		return
	}
	pos, err := ops.CloseAsSystem(ctx, id)
	switch {
	case errors.Is(err, core.ErrNotFound):
		b.send("❓ No such position: " + id)
	case errors.Is(err, core.ErrAlreadyClosed):
		b.send("ℹ️ Already closed: " + id)
	case errors.Is(err, core.ErrNoPrice):
		b.send("❌ No price yet for that symbol")
	case err != nil:
		log.Error().Err(err).Str("position_id", id).Msg("Telegram /close failed")
		b.send("❌ Close failed")
	default:
		log.Info().Str("position_id", pos.ID).Msg("🛑 Position closed by operator")
	}
}

func (b *TelegramBot) operator() Operator {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ops
}

func bracket(ok bool, v string) string {
	if !ok {
		return "-"
	}
	return v
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Side is the direction of a position
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid reports whether s is a known side
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Status of a position. Exactly one holds at a time.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	return s == StatusOpen || s == StatusClosed
}

// CloseReason records why a position left the book
type CloseReason string

const (
	ReasonTakeProfit CloseReason = "take_profit"
	ReasonStopLoss   CloseReason = "stop_loss"
	ReasonManual     CloseReason = "manual"
	ReasonSystem     CloseReason = "system"
)

// Position is a simulated trade held against the live feed
type Position struct {
	ID         string              `json:"id"`
	UserID     string              `json:"userId"`
	Symbol     string              `json:"symbol"`
	Side       Side                `json:"side"`
	Quantity   decimal.Decimal     `json:"quantity"`
	EntryPrice decimal.Decimal     `json:"entryPrice"`
	TakeProfit decimal.NullDecimal `json:"takeProfit"`
	StopLoss   decimal.NullDecimal `json:"stopLoss"`
	Status     Status              `json:"status"`
	OpenedAt   time.Time           `json:"openedAt"`

	// Set only once closed
	ClosePrice  decimal.NullDecimal `json:"closePrice"`
	CloseReason CloseReason         `json:"closeReason,omitempty"`
	ClosedAt    *time.Time          `json:"closedAt,omitempty"`
	RealizedPnL decimal.NullDecimal `json:"realizedPnl"`
}

// IsOpen reports whether the position is still live
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// PnLAt returns the P&L the position would realize if closed at price
func (p *Position) PnLAt(price decimal.Decimal) decimal.Decimal {
	if p.Side == SideShort {
		return p.EntryPrice.Sub(price).Mul(p.Quantity)
	}
	return price.Sub(p.EntryPrice).Mul(p.Quantity)
}

// Tick is one observation from the market-data feed
type Tick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Time   time.Time       `json:"time"`
}

// CloseRequest carries the terminal values for a conditional close.
// UserID, when set, scopes the match to that owner.
type CloseRequest struct {
	ClosePrice  decimal.Decimal
	CloseReason CloseReason
	ClosedAt    time.Time
	UserID      string
}

// ═══════════════════════════════════════════════════════════════════════════════
// EVENTS
// ═══════════════════════════════════════════════════════════════════════════════

// EventKind names a lifecycle transition
type EventKind string

const (
	EventPositionCreated EventKind = "position.created"
	EventPositionClosed  EventKind = "position.closed"
)

// EventSource distinguishes automatic closes from API-driven ones
type EventSource string

const (
	SourceEngine EventSource = "engine"
	SourceAPI    EventSource = "api"
)

// PositionEvent is pushed to live clients. Not persisted.
type PositionEvent struct {
	Type     EventKind   `json:"type"`
	Source   EventSource `json:"source"`
	Position Position    `json:"position"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// VALIDATION
// ═══════════════════════════════════════════════════════════════════════════════

// ValidationError describes a rejected position field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NormalizeSymbol upper-cases and trims a traded symbol
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Validate checks the fields a new position must carry
func (p *Position) Validate() error {
	if p.UserID == "" {
		return &ValidationError{Field: "userId", Reason: "required"}
	}
	if p.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "required"}
	}
	if !p.Side.Valid() {
		return &ValidationError{Field: "side", Reason: fmt.Sprintf("must be %q or %q", SideLong, SideShort)}
	}
	if !p.Quantity.IsPositive() {
		return &ValidationError{Field: "quantity", Reason: "must be greater than 0"}
	}
	if !p.EntryPrice.IsPositive() {
		return &ValidationError{Field: "entryPrice", Reason: "must be greater than 0"}
	}
	return ValidateBrackets(p.Side, p.EntryPrice, p.TakeProfit, p.StopLoss)
}

// ValidateBrackets enforces bracket placement relative to entry.
// Long: SL < entry < TP. Short: TP < entry < SL.
func ValidateBrackets(side Side, entry decimal.Decimal, tp, sl decimal.NullDecimal) error {
	if tp.Valid && !tp.Decimal.IsPositive() {
		return &ValidationError{Field: "takeProfit", Reason: "must be greater than 0"}
	}
	if sl.Valid && !sl.Decimal.IsPositive() {
		return &ValidationError{Field: "stopLoss", Reason: "must be greater than 0"}
	}

	switch side {
	case SideLong:
		if tp.Valid && !tp.Decimal.GreaterThan(entry) {
			return &ValidationError{Field: "takeProfit", Reason: "must be above entry for a long position"}
		}
		if sl.Valid && !sl.Decimal.LessThan(entry) {
			return &ValidationError{Field: "stopLoss", Reason: "must be below entry for a long position"}
		}
	case SideShort:
		if tp.Valid && !tp.Decimal.LessThan(entry) {
			return &ValidationError{Field: "takeProfit", Reason: "must be below entry for a short position"}
		}
		if sl.Valid && !sl.Decimal.GreaterThan(entry) {
			return &ValidationError{Field: "stopLoss", Reason: "must be above entry for a short position"}
		}
	default:
		return &ValidationError{Field: "side", Reason: "unknown"}
	}
	return nil
}

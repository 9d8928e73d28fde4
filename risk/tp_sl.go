package risk

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/papertrade/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TP/SL - Exit rule for bracketed positions
// ═══════════════════════════════════════════════════════════════════════════════
//
// Stop-loss is checked before take-profit on both sides, so a gap through
// both brackets always closes as a stop. The exit price is the bracket
// itself, never the tick, which keeps realized P&L independent of overshoot.
//
// ═══════════════════════════════════════════════════════════════════════════════

// CheckExit determines if a position should be closed at the given price
func CheckExit(pos *types.Position, price decimal.Decimal) (shouldExit bool, reason types.CloseReason, exitPrice decimal.Decimal) {
	if pos == nil || !pos.IsOpen() {
		return false, "", decimal.Zero
	}

	switch pos.Side {
	case types.SideLong:
		if pos.StopLoss.Valid && price.LessThanOrEqual(pos.StopLoss.Decimal) {
			return true, types.ReasonStopLoss, pos.StopLoss.Decimal
		}
		if pos.TakeProfit.Valid && price.GreaterThanOrEqual(pos.TakeProfit.Decimal) {
			return true, types.ReasonTakeProfit, pos.TakeProfit.Decimal
		}

	case types.SideShort:
		if pos.StopLoss.Valid && price.GreaterThanOrEqual(pos.StopLoss.Decimal) {
			return true, types.ReasonStopLoss, pos.StopLoss.Decimal
		}
		if pos.TakeProfit.Valid && price.LessThanOrEqual(pos.TakeProfit.Decimal) {
			return true, types.ReasonTakeProfit, pos.TakeProfit.Decimal
		}
	}

	return false, "", decimal.Zero
}

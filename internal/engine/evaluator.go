package engine

import (
	"github.com/shuxto/eutrading/internal/domain"
)

// Trigger is one position that crossed a close condition at a given price.
type Trigger struct {
	Position domain.Position
	Price    float64
	Reason   domain.CloseReason
}

// Evaluate decides whether price closes the position. Checks run in fixed
// precedence: liquidation, then stop-loss, then take-profit; the first match
// wins, so a gapped price that jumps past both the stop and the liquidation
// level still settles as a liquidation. A level of zero is unset and never
// triggers.
func Evaluate(p domain.Position, price float64) (domain.CloseReason, bool) {
	if p.Side == domain.SideShort {
		if p.LiquidationPrice > 0 && price >= p.LiquidationPrice {
			return domain.CloseReasonLiquidation, true
		}
		if p.StopLoss > 0 && price >= p.StopLoss {
			return domain.CloseReasonStopLoss, true
		}
		if p.TakeProfit > 0 && price <= p.TakeProfit {
			return domain.CloseReasonTakeProfit, true
		}
		return "", false
	}

	if p.LiquidationPrice > 0 && price <= p.LiquidationPrice {
		return domain.CloseReasonLiquidation, true
	}
	if p.StopLoss > 0 && price <= p.StopLoss {
		return domain.CloseReasonStopLoss, true
	}
	if p.TakeProfit > 0 && price >= p.TakeProfit {
		return domain.CloseReasonTakeProfit, true
	}
	return "", false
}

// EvaluateTick scans the book's positions on the tick's symbol and returns
// every trigger found. Each position appears at most once per tick.
func EvaluateTick(book *Book, tick domain.Tick) []Trigger {
	positions := book.PositionsFor(tick.Symbol)
	if len(positions) == 0 {
		return nil
	}

	var triggers []Trigger
	for _, p := range positions {
		if reason, hit := Evaluate(p, tick.Price); hit {
			triggers = append(triggers, Trigger{
				Position: p,
				Price:    tick.Price,
				Reason:   reason,
			})
		}
	}
	return triggers
}

package domain

import (
	"fmt"
	"time"
)

// Side is the direction of a leveraged position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// PositionStatus tracks the lifecycle of a position. "pending" is a transient
// state shown to clients while an open request is in flight; the engine only
// ever persists "open" and "closed".
type PositionStatus string

const (
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusPending PositionStatus = "pending"
	PositionStatusClosed  PositionStatus = "closed"
)

// CloseReason records why a position was closed. Auto-close reasons are
// evaluated in this order of precedence: liquidation, stop-loss, take-profit.
type CloseReason string

const (
	CloseReasonLiquidation CloseReason = "LIQUIDATION"
	CloseReasonStopLoss    CloseReason = "STOP_LOSS"
	CloseReasonTakeProfit  CloseReason = "TAKE_PROFIT"
	CloseReasonManual      CloseReason = "MANUAL"
)

// Position is a single leveraged CFD-style exposure against one symbol.
// EntryPrice, Size, Leverage, Margin and LiquidationPrice are fixed at open;
// the settlement engine is the only writer of the exit fields.
type Position struct {
	ID               string
	AccountID        string
	Symbol           string
	Side             Side
	EntryPrice       float64
	Size             float64 // notional exposure in quote currency
	Leverage         float64
	Margin           float64 // = Size / Leverage, reserved at open
	StopLoss         float64 // 0 means unset
	TakeProfit       float64 // 0 means unset
	LiquidationPrice float64
	Status           PositionStatus
	ExitPrice        float64
	PnL              float64
	OpenedAt         time.Time
	ClosedAt         *time.Time
}

// PnLAt returns the profit or loss of the position if it were closed at the
// given price.
func (p Position) PnLAt(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	if p.Side == SideShort {
		return (p.EntryPrice - price) / p.EntryPrice * p.Size
	}
	return (price - p.EntryPrice) / p.EntryPrice * p.Size
}

// LiquidationPriceFor derives the price at which the position's loss equals
// its margin: entry*(1-1/leverage) for longs, entry*(1+1/leverage) for
// shorts. The result is always on the losing side of the entry price.
func LiquidationPriceFor(side Side, entry, leverage float64) float64 {
	if leverage <= 0 {
		return 0
	}
	if side == SideShort {
		return entry * (1 + 1/leverage)
	}
	return entry * (1 - 1/leverage)
}

// Validate checks the open-time invariants of a position.
func (p Position) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidPosition)
	}
	if p.AccountID == "" {
		return fmt.Errorf("%w: missing account id", ErrInvalidPosition)
	}
	if p.Symbol == "" {
		return fmt.Errorf("%w: missing symbol", ErrInvalidPosition)
	}
	if p.Side != SideLong && p.Side != SideShort {
		return fmt.Errorf("%w: side %q", ErrInvalidPosition, p.Side)
	}
	if p.EntryPrice <= 0 {
		return fmt.Errorf("%w: entry price %v", ErrInvalidPosition, p.EntryPrice)
	}
	if p.Size <= 0 {
		return fmt.Errorf("%w: size %v", ErrInvalidPosition, p.Size)
	}
	if p.Leverage < 1 {
		return fmt.Errorf("%w: leverage %v", ErrInvalidPosition, p.Leverage)
	}
	if p.StopLoss < 0 || p.TakeProfit < 0 {
		return fmt.Errorf("%w: negative stop-loss or take-profit", ErrInvalidPosition)
	}
	return nil
}

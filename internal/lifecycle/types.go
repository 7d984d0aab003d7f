// Package lifecycle tracks an open position through its take-profit,
// stop-loss and trailing-stop exits, driven by exchange execution events
// routed through the dedup cache.
package lifecycle

import (
	"fmt"
	"time"

	"trade-decision-engine/internal/signal"
)

// ExitState is the position's progress through its exit ladder
type ExitState string

const (
	ExitEntryFilled     ExitState = "ENTRY_FILLED"
	ExitTP1Hit          ExitState = "TP1_HIT"
	ExitTP2Hit          ExitState = "TP2_HIT"
	ExitTP3Hit          ExitState = "TP3_HIT"
	ExitStopLossHit     ExitState = "STOP_LOSS_HIT"
	ExitTrailingStopHit ExitState = "TRAILING_STOP_HIT"
	ExitTimeBasedExit   ExitState = "TIME_BASED_EXIT"
	ExitClosed          ExitState = "CLOSED"
)

// Status is the coarse position status
type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusClosing Status = "CLOSING"
	StatusClosed  Status = "CLOSED"
)

// CloseReason is the tagged close-reason variant; the tracker matches on
// it exhaustively so an unhandled reason is a compile-visible gap, not a
// silently ignored string.
type CloseReason string

const (
	CloseTakeProfit   CloseReason = "TAKE_PROFIT"
	CloseStopLoss     CloseReason = "STOP_LOSS"
	CloseTrailingStop CloseReason = "TRAILING_STOP"
	CloseTimeExit     CloseReason = "TIME_EXIT"
)

// tpStateFor maps a take-profit level index (0-based) to its exit state
func tpStateFor(level int) ExitState {
	switch level {
	case 0:
		return ExitTP1Hit
	case 1:
		return ExitTP2Hit
	default:
		return ExitTP3Hit
	}
}

// exitStateFor maps a close reason to the state entered before CLOSED
func exitStateFor(reason CloseReason, tpLevel int) (ExitState, error) {
	switch reason {
	case CloseTakeProfit:
		return tpStateFor(tpLevel), nil
	case CloseStopLoss:
		return ExitStopLossHit, nil
	case CloseTrailingStop:
		return ExitTrailingStopHit, nil
	case CloseTimeExit:
		return ExitTimeBasedExit, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCloseReason, reason)
}

// Position is an open trade tracked through its exit lifecycle
type Position struct {
	ID              string                   `json:"id"`
	Symbol          string                   `json:"symbol"`
	Direction       signal.Direction         `json:"direction"`
	EntryPrice      float64                  `json:"entry_price"`
	Quantity        float64                  `json:"quantity"` // remaining quantity
	InitialQuantity float64                  `json:"initial_quantity"`
	StopLoss        float64                  `json:"stop_loss"`
	TakeProfits     []signal.TakeProfitLevel `json:"take_profits"`
	UnrealizedPnL   float64                  `json:"unrealized_pnl"`
	RealizedPnL     float64                  `json:"realized_pnl"`
	Status          Status                   `json:"status"`
	ExitState       ExitState                `json:"exit_state"`
	TrailingActive  bool                     `json:"trailing_active"`
	OpenedAt        time.Time                `json:"opened_at"`
	ClosedAt        *time.Time               `json:"closed_at,omitempty"`
}

// clone returns a deep copy so transitions can be computed off to the
// side and committed atomically
func (p *Position) clone() *Position {
	cp := *p
	cp.TakeProfits = append([]signal.TakeProfitLevel(nil), p.TakeProfits...)
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

// nextUnhitTP returns the index of the first take-profit level not yet
// hit, or -1 when all levels have fired
func (p *Position) nextUnhitTP() int {
	for i, tp := range p.TakeProfits {
		if !tp.Hit {
			return i
		}
	}
	return -1
}

// pnlFor computes realized PnL for closing qty at price against entry
func (p *Position) pnlFor(price, qty float64) float64 {
	if p.Direction == signal.DirectionShort {
		return (p.EntryPrice - price) * qty
	}
	return (price - p.EntryPrice) * qty
}

// ExecutionEvent is one already-parsed execution/fill report from the
// exchange-connectivity collaborator
type ExecutionEvent struct {
	OrderID       string  `json:"order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`      // Buy or Sell
	ExecType      string  `json:"exec_type"` // Trade, Funding, ...
	ExecPrice     float64 `json:"exec_price"`
	ExecQty       float64 `json:"exec_qty"`
	ClosedSize    float64 `json:"closed_size"`
	StopOrderType string  `json:"stop_order_type"` // TakeProfit, StopLoss, TrailingStop or empty
	OrderType     string  `json:"order_type"`      // Market, Limit
	CreateType    string  `json:"create_type"`     // CreateByTakeProfit, CreateByStopLoss, ...
	Timestamp     int64   `json:"timestamp"`       // exchange event time, unix ms
}

// Exchange-side discriminators for close orders
const (
	stopOrderTakeProfit   = "TakeProfit"
	stopOrderStopLoss     = "StopLoss"
	stopOrderTrailingStop = "TrailingStop"
	createByTimeExit      = "CreateByTimeExit"
)

// closeReason classifies the event into a tagged CloseReason, or false
// when the event is not a close execution
func (ev ExecutionEvent) closeReason() (CloseReason, bool) {
	switch ev.StopOrderType {
	case stopOrderTakeProfit:
		return CloseTakeProfit, true
	case stopOrderStopLoss:
		return CloseStopLoss, true
	case stopOrderTrailingStop:
		return CloseTrailingStop, true
	}
	if ev.CreateType == createByTimeExit {
		return CloseTimeExit, true
	}
	return "", false
}

// ClosedTrade is the archived record of a fully closed position
type ClosedTrade struct {
	PositionID  string           `json:"position_id"`
	Symbol      string           `json:"symbol"`
	Direction   signal.Direction `json:"direction"`
	EntryPrice  float64          `json:"entry_price"`
	ExitPrice   float64          `json:"exit_price"`
	Quantity    float64          `json:"quantity"`
	RealizedPnL float64          `json:"realized_pnl"`
	CloseReason CloseReason      `json:"close_reason"`
	OpenedAt    time.Time        `json:"opened_at"`
	ClosedAt    time.Time        `json:"closed_at"`
}

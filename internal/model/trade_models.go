package model

import (
	"fmt"
	"time"
)

// OrderType is the pricing mode of an order.
type OrderType string

const (
	OrderLimit  OrderType = "LIMIT"
	OrderMarket OrderType = "MARKET"
)

// Broker order status codes. Only OrderStatusFilled is interpreted by the
// engine; the others are kept for logging.
const (
	OrderStatusCancelled = 1
	OrderStatusFilled    = 2
	OrderStatusRejected  = 5
	OrderStatusPending   = 6
)

// OrderRequest is a new order handed to the broker.
type OrderRequest struct {
	ProductType string // e.g. "INTRADAY"
	Side        Side
	Symbol      string
	Qty         int
	Type        OrderType
	LimitPrice  float64 // ignored for market orders
	Validity    string  // e.g. "DAY", "IOC"
	Tag         string  // client tag for correlation
}

// OrderAck is the broker's answer to PlaceOrder. An empty OrderID means the
// submission was rejected.
type OrderAck struct {
	Status  string
	OrderID string
	Message string
}

// OrderStatus is the polled state of a working order.
type OrderStatus struct {
	Code     int
	AvgPrice float64 // 0 when the broker does not report it
}

// Filled reports whether the order is completely filled.
func (s OrderStatus) Filled() bool {
	return s.Code == OrderStatusFilled
}

// EscalationAttempt records one pricing step of an escalation.
type EscalationAttempt struct {
	Index          int
	RequestedPrice float64 // 0 for the market fallback
	OrderType      OrderType
	Timestamp      time.Time
}

// Position is created when the entry escalation confirms a fill.
type Position struct {
	Symbol     string
	Side       Side
	Qty        int
	EntryPrice float64 // breakout-side reference price the stop is computed from
	FillPrice  float64 // broker average fill price, 0 if unknown
	EntryTime  time.Time
	OrderID    string
}

func (p Position) String() string {
	return fmt.Sprintf("POSITION [%s | %s] qty=%d entry=%.2f fill=%.2f order=%s",
		p.Symbol, p.Side, p.Qty, p.EntryPrice, p.FillPrice, p.OrderID)
}

// SessionStatus is the persisted, operator-facing status string.
type SessionStatus string

const (
	StatusAwaitingBreakout SessionStatus = "awaiting breakout"
	StatusPlacingEntry     SessionStatus = "placing entry"
	StatusActive           SessionStatus = "active"
	StatusNoBreakout       SessionStatus = "no breakout"
	StatusManual           SessionStatus = "manual intervention required"
	StatusStoppedOut       SessionStatus = "stopped out"
	StatusTimeExit         SessionStatus = "time exit"
	StatusCancelled        SessionStatus = "cancelled"
)

// Terminal reports whether the session cannot progress further today.
// Cancelled is not terminal: it is only reached before any order was placed,
// so a restart may resume watching.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusNoBreakout, StatusManual, StatusStoppedOut, StatusTimeExit:
		return true
	}
	return false
}

// Exit reasons reported in SessionResult and metrics.
const (
	ExitReasonStop     = "stop hit"
	ExitReasonTime     = "end of day"
	ExitReasonFeedLost = "feed lost"
)

// SessionResult is what a finished session reports to its caller.
type SessionResult struct {
	Status     SessionStatus
	Symbol     string
	Side       Side
	EntryPrice float64
	ExitPrice  float64
	ExitReason string
	Err        error
}

func (r SessionResult) String() string {
	return fmt.Sprintf("SESSION [%s] %s %s entry=%.2f exit=%.2f reason=%q",
		r.Status, r.Symbol, r.Side, r.EntryPrice, r.ExitPrice, r.ExitReason)
}

// SessionSnapshot is a read-only view of a running session for the ops API.
type SessionSnapshot struct {
	SessionID  string        `json:"session_id"`
	TradingDay string        `json:"trading_day"`
	Symbol     string        `json:"symbol"`
	Status     SessionStatus `json:"status"`
	High       *float64      `json:"high_threshold,omitempty"`
	Low        *float64      `json:"low_threshold,omitempty"`
	Breakout   BreakoutState `json:"breakout"`
	Position   *Position     `json:"position,omitempty"`
	StopPrice  float64       `json:"stop_price,omitempty"`
	MaxR       float64       `json:"max_r"`
}

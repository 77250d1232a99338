// Package types provides shared type definitions for the weekly trader.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the side that flattens a position opened with s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// TimeInForce represents how long an order rests at the broker
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
)

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// IsTerminal reports whether no further fills can arrive for the order.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// PositionSide represents long or short position
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// EntrySide returns the order side that opens a position on this side.
func (s PositionSide) EntrySide() OrderSide {
	if s == PositionSideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitSide returns the order side that closes a position on this side.
func (s PositionSide) ExitSide() OrderSide {
	return s.EntrySide().Opposite()
}

// OHLCV represents a single daily candlestick
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Order represents a trading order submitted to the gateway
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	TimeInForce   TimeInForce     `json:"timeInForce"`
	Quantity      decimal.Decimal `json:"quantity"`
	LimitPrice    decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice     decimal.Decimal `json:"stopPrice,omitempty"`
	Status        OrderStatus     `json:"status"`
	FilledQty     decimal.Decimal `json:"filledQty"`
	AvgFillPrice  decimal.Decimal `json:"avgFillPrice"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	FilledAt      *time.Time      `json:"filledAt,omitempty"`
}

// OrderUpdate is an asynchronous order state notification from the gateway.
type OrderUpdate struct {
	OrderID      string          `json:"orderId"`
	Symbol       string          `json:"symbol"`
	Side         OrderSide       `json:"side"`
	Status       OrderStatus     `json:"status"`
	FilledQty    decimal.Decimal `json:"filledQty"`
	AvgFillPrice decimal.Decimal `json:"avgFillPrice"`
	Timestamp    time.Time       `json:"timestamp"`
}

// BrokerPosition is a gateway-reported position snapshot. Quantity is
// signed: negative for shorts.
type BrokerPosition struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avgEntryPrice"`
	MarketPrice   decimal.Decimal `json:"marketPrice"`
}

// MarketValue returns the absolute market value of the snapshot.
func (p BrokerPosition) MarketValue() decimal.Decimal {
	price := p.MarketPrice
	if price.IsZero() {
		price = p.AvgEntryPrice
	}
	return p.Quantity.Abs().Mul(price)
}

// Account is the gateway's account summary.
type Account struct {
	Cash       decimal.Decimal `json:"cash"`
	Equity     decimal.Decimal `json:"equity"`
	LastEquity decimal.Decimal `json:"lastEquity"` // equity at the prior session close
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// DailyPnL returns realized plus unrealized profit since the prior close.
func (a Account) DailyPnL() decimal.Decimal {
	if a.LastEquity.IsZero() {
		return decimal.Zero
	}
	return a.Equity.Sub(a.LastEquity)
}

// PositionState is the lifecycle state of a tracked position.
type PositionState string

const (
	PositionStateOpening     PositionState = "opening"
	PositionStateOpen        PositionState = "open"
	PositionStateExitPending PositionState = "exit_pending"
	PositionStateClosed      PositionState = "closed"
)

// StopMode selects how the initial protective stop is placed.
type StopMode string

const (
	StopModeATR   StopMode = "atr"
	StopModeFixed StopMode = "fixed"
)

// TrailingMode selects the trailing stop formula.
type TrailingMode string

const (
	TrailingModeATR     TrailingMode = "atr"
	TrailingModePercent TrailingMode = "percent"
)

// EntryTiming selects when the weekly entry happens.
type EntryTiming string

const (
	EntryTimingOpen      EntryTiming = "open"
	EntryTimingDelayed2h EntryTiming = "delayed_2h"
)

// ExpectedReturnMode selects how the per-position target is derived.
type ExpectedReturnMode string

const (
	ExpectedReturnFixed ExpectedReturnMode = "fixed"
	ExpectedReturnATR   ExpectedReturnMode = "atr"
	ExpectedReturnFile  ExpectedReturnMode = "file"
)

// Position is an internally tracked position for the active week.
type Position struct {
	ID           string          `json:"id"`
	WeekID       string          `json:"weekId"`
	Symbol       string          `json:"symbol"`
	Side         PositionSide    `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	EntryPrice   decimal.Decimal `json:"entryPrice"`
	EntryTime    time.Time       `json:"entryTime"`
	CurrentStop  decimal.Decimal `json:"currentStop"`
	TargetPrice  decimal.Decimal `json:"targetPrice"`
	ATR          decimal.Decimal `json:"atr"`
	TrailingMode TrailingMode    `json:"trailingMode"`
	StopMode     StopMode        `json:"stopMode"`
	State        PositionState   `json:"state"`
	IsHedge      bool            `json:"isHedge"`
	TargetHit    bool            `json:"targetHit"`

	// StopDirty is set when CurrentStop has not yet been accepted by the broker.
	StopDirty bool `json:"stopDirty"`

	EntryOrderID string    `json:"entryOrderId,omitempty"`
	StopOrderID  string    `json:"stopOrderId,omitempty"`
	ExitOrderID  string    `json:"exitOrderId,omitempty"`
	SubmittedAt  time.Time `json:"submittedAt"`

	ExitPrice  decimal.Decimal `json:"exitPrice,omitempty"`
	ExitReason string          `json:"exitReason,omitempty"`
	ClosedAt   *time.Time      `json:"closedAt,omitempty"`
}

// IsActive reports whether the position still needs supervision.
func (p *Position) IsActive() bool {
	return p.State != PositionStateClosed
}

// SignedQuantity returns the quantity as the broker would report it.
func (p *Position) SignedQuantity() decimal.Decimal {
	if p.Side == PositionSideShort {
		return p.Quantity.Neg()
	}
	return p.Quantity
}

// Clone returns a copy safe to hand to read-only observers.
func (p *Position) Clone() *Position {
	c := *p
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// WeekState mirrors the lifecycle controller state persisted with a week.
type WeekState string

// TradingWeek is the single active trading week.
type TradingWeek struct {
	ID           string     `json:"id"`
	StartDate    time.Time  `json:"startDate"`
	EntryTime    time.Time  `json:"entryTime"`
	ExitDeadline time.Time  `json:"exitDeadline"`
	RegimeOK     bool       `json:"regimeOk"`
	HedgeActive  bool       `json:"hedgeActive"`
	EntryDone    bool       `json:"entryDone"`
	State        WeekState  `json:"state"`
	ClosedAt     *time.Time `json:"closedAt,omitempty"`
}

// Package execution provides the broker gateway abstraction, order tracking
// and an in-memory paper gateway.
package execution

import (
	"context"
	"time"

	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ConnectParams identifies the broker session to open.
type ConnectParams struct {
	Host     string
	Port     int
	ClientID int
}

// OrderHandler receives asynchronous order updates from a gateway.
type OrderHandler func(update types.OrderUpdate)

// Gateway defines the broker operations the trading core depends on.
// All calls fail with faults.ErrGatewayUnavailable when not connected.
type Gateway interface {
	Name() string
	Connect(ctx context.Context, params ConnectParams) error
	Disconnect() error
	IsConnected() bool
	Ping(ctx context.Context) error

	// Trading
	PlaceOrder(ctx context.Context, order *types.Order) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	// ReplaceStop moves a resting stop order and returns the ID of the
	// order now resting, which may differ from orderID.
	ReplaceStop(ctx context.Context, orderID string, stopPrice decimal.Decimal) (string, error)
	GetOrder(ctx context.Context, orderID string) (*types.Order, error)

	// Account and market data
	GetPositions(ctx context.Context) ([]types.BrokerPosition, error)
	GetAccount(ctx context.Context) (*types.Account, error)
	GetQuote(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetDailyBars(ctx context.Context, symbol string, days int) ([]types.OHLCV, error)

	SetOrderHandler(fn OrderHandler)
}

// NewMarketOrder builds a day market order.
func NewMarketOrder(symbol string, side types.OrderSide, qty decimal.Decimal) *types.Order {
	return &types.Order{
		ClientOrderID: uuid.New().String(),
		Symbol:        symbol,
		Side:          side,
		Type:          types.OrderTypeMarket,
		TimeInForce:   types.TimeInForceDay,
		Quantity:      qty,
		Status:        types.OrderStatusPending,
		CreatedAt:     time.Now(),
	}
}

// NewStopOrder builds a good-till-cancelled stop order.
func NewStopOrder(symbol string, side types.OrderSide, qty, stop decimal.Decimal) *types.Order {
	return &types.Order{
		ClientOrderID: uuid.New().String(),
		Symbol:        symbol,
		Side:          side,
		Type:          types.OrderTypeStop,
		TimeInForce:   types.TimeInForceGTC,
		Quantity:      qty,
		StopPrice:     stop,
		Status:        types.OrderStatusPending,
		CreatedAt:     time.Now(),
	}
}

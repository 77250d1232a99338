// Package adapters provides broker gateway implementations.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/atlas-desktop/weekly-trader/internal/execution"
	"github.com/atlas-desktop/weekly-trader/internal/faults"
	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AlpacaConfig contains Alpaca adapter configuration.
type AlpacaConfig struct {
	APIKey       string        `json:"apiKey"`
	APISecret    string        `json:"apiSecret"`
	BaseURL      string        `json:"baseUrl"`
	PollInterval time.Duration `json:"pollInterval"`
}

// AlpacaAdapter implements execution.Gateway on the Alpaca trading and
// market data APIs. Order updates are produced by polling tracked orders.
type AlpacaAdapter struct {
	logger *zap.Logger
	config AlpacaConfig
	mu     sync.RWMutex

	client    *alpaca.Client
	market    *marketdata.Client
	connected bool
	handler   execution.OrderHandler
	stopPoll  context.CancelFunc
	watched   map[string]orderSnapshot
	limiter   *RateLimiter
}

type orderSnapshot struct {
	status types.OrderStatus
	filled decimal.Decimal
}

// NewAlpacaAdapter creates a new Alpaca adapter. No network calls are made
// until Connect.
func NewAlpacaAdapter(logger *zap.Logger, config AlpacaConfig) *AlpacaAdapter {
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	return &AlpacaAdapter{
		logger:  logger.Named("alpaca"),
		config:  config,
		watched: make(map[string]orderSnapshot),
		limiter: NewRateLimiter(200, time.Minute/200), // Alpaca limit
	}
}

func (a *AlpacaAdapter) Name() string { return "alpaca" }

// Connect builds the API clients and verifies the account. Host, port and
// client ID are not used by Alpaca; the base URL selects paper or live.
func (a *AlpacaAdapter) Connect(ctx context.Context, params execution.ConnectParams) error {
	a.logger.Info("Connecting to Alpaca", zap.String("baseUrl", a.config.BaseURL))

	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    a.config.APIKey,
		APISecret: a.config.APISecret,
		BaseURL:   a.config.BaseURL,
	})
	market := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    a.config.APIKey,
		APISecret: a.config.APISecret,
	})

	if _, err := call(ctx, a.limiter, client.GetAccount); err != nil {
		return faults.Classify(faults.ClassRetryable, "connect", fmt.Errorf("failed to verify Alpaca account: %w", err))
	}

	pollCtx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	if a.stopPoll != nil {
		a.stopPoll()
	}
	a.client = client
	a.market = market
	a.connected = true
	a.stopPoll = cancel
	a.mu.Unlock()

	go a.pollOrders(pollCtx)

	a.logger.Info("Connected to Alpaca")
	return nil
}

func (a *AlpacaAdapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopPoll != nil {
		a.stopPoll()
		a.stopPoll = nil
	}
	a.connected = false
	a.logger.Info("Disconnected from Alpaca")
	return nil
}

func (a *AlpacaAdapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.connected
}

// Ping uses the market clock as a cheap authenticated round trip.
func (a *AlpacaAdapter) Ping(ctx context.Context) error {
	client, err := a.session()
	if err != nil {
		return err
	}
	_, err = call(ctx, a.limiter, client.GetClock)
	if err != nil {
		return faults.Classify(faults.ClassRetryable, "ping", err)
	}
	return nil
}

func (a *AlpacaAdapter) SetOrderHandler(fn execution.OrderHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.handler = fn
}

func (a *AlpacaAdapter) PlaceOrder(ctx context.Context, order *types.Order) (string, error) {
	client, err := a.session()
	if err != nil {
		return "", err
	}

	qty := order.Quantity
	req := alpaca.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(order.Side),
		Type:          a.convertOrderType(order.Type),
		TimeInForce:   a.convertTimeInForce(order.TimeInForce),
		ClientOrderID: order.ClientOrderID,
	}
	if order.Type == types.OrderTypeStop {
		stop := order.StopPrice
		req.StopPrice = &stop
	}
	if order.Type == types.OrderTypeLimit {
		limit := order.LimitPrice
		req.LimitPrice = &limit
	}

	placed, err := call(ctx, a.limiter, func() (*alpaca.Order, error) { return client.PlaceOrder(req) })
	if err != nil {
		return "", faults.Classify(faults.ClassRetryable, "place order", fmt.Errorf("%s %s: %w", order.Side, order.Symbol, err))
	}

	a.watch(placed.ID)
	a.logger.Info("Order placed",
		zap.String("orderId", placed.ID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("type", string(order.Type)),
		zap.String("qty", order.Quantity.String()))

	return placed.ID, nil
}

func (a *AlpacaAdapter) CancelOrder(ctx context.Context, orderID string) error {
	client, err := a.session()
	if err != nil {
		return err
	}
	_, err = call(ctx, a.limiter, func() (struct{}, error) { return struct{}{}, client.CancelOrder(orderID) })
	if err != nil {
		return faults.Classify(faults.ClassRetryable, "cancel order", fmt.Errorf("%s: %w", orderID, err))
	}
	return nil
}

func (a *AlpacaAdapter) ReplaceStop(ctx context.Context, orderID string, stopPrice decimal.Decimal) (string, error) {
	client, err := a.session()
	if err != nil {
		return "", err
	}
	stop := stopPrice
	replaced, err := call(ctx, a.limiter, func() (*alpaca.Order, error) {
		return client.ReplaceOrder(orderID, alpaca.ReplaceOrderRequest{StopPrice: &stop})
	})
	if err != nil {
		return "", faults.Classify(faults.ClassRetryable, "replace stop", fmt.Errorf("%s: %w", orderID, err))
	}

	a.unwatch(orderID)
	a.watch(replaced.ID)
	return replaced.ID, nil
}

func (a *AlpacaAdapter) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	client, err := a.session()
	if err != nil {
		return nil, err
	}
	o, err := call(ctx, a.limiter, func() (*alpaca.Order, error) { return client.GetOrder(orderID) })
	if err != nil {
		return nil, faults.Classify(faults.ClassRetryable, "get order", err)
	}
	return a.convertAlpacaOrder(o), nil
}

func (a *AlpacaAdapter) GetPositions(ctx context.Context) ([]types.BrokerPosition, error) {
	client, err := a.session()
	if err != nil {
		return nil, err
	}
	positions, err := call(ctx, a.limiter, client.GetPositions)
	if err != nil {
		return nil, faults.Classify(faults.ClassRetryable, "get positions", err)
	}

	out := make([]types.BrokerPosition, 0, len(positions))
	for _, p := range positions {
		bp := types.BrokerPosition{
			Symbol:        p.Symbol,
			Quantity:      p.Qty,
			AvgEntryPrice: p.AvgEntryPrice,
		}
		if p.CurrentPrice != nil {
			bp.MarketPrice = *p.CurrentPrice
		}
		out = append(out, bp)
	}
	return out, nil
}

func (a *AlpacaAdapter) GetAccount(ctx context.Context) (*types.Account, error) {
	client, err := a.session()
	if err != nil {
		return nil, err
	}
	acct, err := call(ctx, a.limiter, client.GetAccount)
	if err != nil {
		return nil, faults.Classify(faults.ClassRetryable, "get account", err)
	}
	return &types.Account{
		Cash:       acct.Cash,
		Equity:     acct.Equity,
		LastEquity: acct.LastEquity,
		UpdatedAt:  time.Now(),
	}, nil
}

func (a *AlpacaAdapter) GetQuote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	market, err := a.marketData()
	if err != nil {
		return decimal.Zero, err
	}
	trade, err := call(ctx, a.limiter, func() (*marketdata.Trade, error) {
		return market.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	})
	if err != nil {
		return decimal.Zero, faults.Degraded("quote", fmt.Errorf("%s: %w", symbol, err))
	}
	if trade == nil || trade.Price <= 0 {
		return decimal.Zero, faults.Degraded("quote", fmt.Errorf("no trade for %s", symbol))
	}
	return decimal.NewFromFloat(trade.Price), nil
}

// GetDailyBars returns up to days daily bars ending now. Calendar days are
// over-fetched to cover weekends and holidays.
func (a *AlpacaAdapter) GetDailyBars(ctx context.Context, symbol string, days int) ([]types.OHLCV, error) {
	market, err := a.marketData()
	if err != nil {
		return nil, err
	}
	end := time.Now()
	start := end.AddDate(0, 0, -(days*7/5 + 10))

	bars, err := call(ctx, a.limiter, func() ([]marketdata.Bar, error) {
		return market.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame: marketdata.OneDay,
			Start:     start,
			End:       end,
		})
	})
	if err != nil {
		return nil, faults.Degraded("bars", fmt.Errorf("%s: %w", symbol, err))
	}

	out := make([]types.OHLCV, 0, len(bars))
	for _, b := range bars {
		out = append(out, types.OHLCV{
			Timestamp: b.Timestamp,
			Open:      decimal.NewFromFloat(b.Open),
			High:      decimal.NewFromFloat(b.High),
			Low:       decimal.NewFromFloat(b.Low),
			Close:     decimal.NewFromFloat(b.Close),
			Volume:    decimal.NewFromInt(int64(b.Volume)),
		})
	}
	if days > 0 && len(out) > days {
		out = out[len(out)-days:]
	}
	return out, nil
}

// pollOrders checks watched orders and reports status or fill changes.
func (a *AlpacaAdapter) pollOrders(ctx context.Context) {
	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.checkOrders(ctx)
		}
	}
}

func (a *AlpacaAdapter) checkOrders(ctx context.Context) {
	a.mu.RLock()
	ids := make([]string, 0, len(a.watched))
	for id := range a.watched {
		ids = append(ids, id)
	}
	handler := a.handler
	a.mu.RUnlock()

	for _, id := range ids {
		order, err := a.GetOrder(ctx, id)
		if err != nil {
			a.logger.Debug("Failed to get order status", zap.String("orderId", id), zap.Error(err))
			continue
		}

		a.mu.Lock()
		prev, ok := a.watched[id]
		changed := ok && (prev.status != order.Status || !prev.filled.Equal(order.FilledQty))
		if ok {
			if order.Status.IsTerminal() {
				delete(a.watched, id)
			} else {
				a.watched[id] = orderSnapshot{status: order.Status, filled: order.FilledQty}
			}
		}
		a.mu.Unlock()

		if changed && handler != nil {
			handler(types.OrderUpdate{
				OrderID:      order.ID,
				Symbol:       order.Symbol,
				Side:         order.Side,
				Status:       order.Status,
				FilledQty:    order.FilledQty,
				AvgFillPrice: order.AvgFillPrice,
				Timestamp:    order.UpdatedAt,
			})
		}
	}
}

func (a *AlpacaAdapter) watch(orderID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.watched[orderID] = orderSnapshot{status: types.OrderStatusPending}
}

func (a *AlpacaAdapter) unwatch(orderID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.watched, orderID)
}

func (a *AlpacaAdapter) session() (*alpaca.Client, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.connected || a.client == nil {
		return nil, faults.ErrGatewayUnavailable
	}
	return a.client, nil
}

func (a *AlpacaAdapter) marketData() (*marketdata.Client, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.connected || a.market == nil {
		return nil, faults.ErrGatewayUnavailable
	}
	return a.market, nil
}

func (a *AlpacaAdapter) convertOrderType(t types.OrderType) alpaca.OrderType {
	switch t {
	case types.OrderTypeLimit:
		return alpaca.Limit
	case types.OrderTypeStop:
		return alpaca.Stop
	default:
		return alpaca.Market
	}
}

func (a *AlpacaAdapter) convertTimeInForce(tif types.TimeInForce) alpaca.TimeInForce {
	if tif == types.TimeInForceGTC {
		return alpaca.GTC
	}
	return alpaca.Day
}

func (a *AlpacaAdapter) convertAlpacaOrder(o *alpaca.Order) *types.Order {
	order := &types.Order{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          types.OrderSide(o.Side),
		Type:          types.OrderType(o.Type),
		Status:        a.convertOrderStatus(o.Status),
		FilledQty:     o.FilledQty,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
		FilledAt:      o.FilledAt,
	}
	if o.Qty != nil {
		order.Quantity = *o.Qty
	}
	if o.StopPrice != nil {
		order.StopPrice = *o.StopPrice
	}
	if o.FilledAvgPrice != nil {
		order.AvgFillPrice = *o.FilledAvgPrice
	}
	return order
}

func (a *AlpacaAdapter) convertOrderStatus(status string) types.OrderStatus {
	switch status {
	case "new", "accepted", "pending_new", "accepted_for_bidding", "held", "pending_replace", "pending_cancel", "calculated":
		return types.OrderStatusOpen
	case "partially_filled":
		return types.OrderStatusPartiallyFilled
	case "filled":
		return types.OrderStatusFilled
	case "canceled", "replaced", "done_for_day", "stopped", "suspended":
		return types.OrderStatusCancelled
	case "expired":
		return types.OrderStatusExpired
	case "rejected":
		return types.OrderStatusRejected
	default:
		return types.OrderStatusPending
	}
}

// call runs a blocking SDK call under ctx and the rate limiter. The SDK has
// no context support, so an abandoned call finishes in the background.
func call[T any](ctx context.Context, rl *RateLimiter, fn func() (T, error)) (T, error) {
	var zero T
	if err := rl.Acquire(ctx); err != nil {
		return zero, err
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		return zero, faults.Retryable("alpaca", ctx.Err())
	case r := <-done:
		var apiErr *alpaca.APIError
		if errors.As(r.err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != 429 {
			return r.v, faults.Degraded("alpaca", r.err)
		}
		return r.v, r.err
	}
}

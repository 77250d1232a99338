package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/weekly-trader/internal/faults"
	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaperGateway is an in-memory broker used for paper trading and tests.
// Market orders fill immediately at the current quote; stop orders rest
// until SetPrice crosses them.
type PaperGateway struct {
	logger *zap.Logger
	mu     sync.Mutex

	connected  bool
	cash       decimal.Decimal
	lastEquity decimal.Decimal
	prices     map[string]decimal.Decimal
	bars       map[string][]types.OHLCV
	positions  map[string]*types.BrokerPosition
	orders     map[string]*types.Order
	orderSeq   []string
	handler    OrderHandler
	now        func() time.Time

	autoFill     bool
	pingErr      error
	connectErrs  int
	connectCalls int
	placeErr     error
	replaceErr   error
	replaceFailN int
}

// NewPaperGateway creates a paper gateway with the given starting cash.
func NewPaperGateway(logger *zap.Logger, cash decimal.Decimal) *PaperGateway {
	return &PaperGateway{
		logger:     logger.Named("paper-gateway"),
		cash:       cash,
		lastEquity: cash,
		prices:     make(map[string]decimal.Decimal),
		bars:       make(map[string][]types.OHLCV),
		positions:  make(map[string]*types.BrokerPosition),
		orders:     make(map[string]*types.Order),
		autoFill:   true,
		now:        time.Now,
	}
}

func (p *PaperGateway) Name() string { return "paper" }

// Connect opens the simulated session. Failures injected with
// FailConnects are consumed first.
func (p *PaperGateway) Connect(ctx context.Context, params ConnectParams) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.connectCalls++
	if p.connectErrs > 0 {
		p.connectErrs--
		return faults.Retryable("connect", errors.New("simulated connect failure"))
	}
	p.connected = true
	p.pingErr = nil
	p.logger.Debug("Paper session opened",
		zap.String("host", params.Host),
		zap.Int("port", params.Port),
		zap.Int("clientId", params.ClientID))
	return nil
}

func (p *PaperGateway) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.connected = false
	return nil
}

func (p *PaperGateway) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.connected
}

func (p *PaperGateway) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return faults.ErrGatewayUnavailable
	}
	return p.pingErr
}

func (p *PaperGateway) SetOrderHandler(fn OrderHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.handler = fn
}

// PlaceOrder accepts an order. Market orders fill at once when auto-fill is
// enabled.
func (p *PaperGateway) PlaceOrder(ctx context.Context, order *types.Order) (string, error) {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return "", faults.ErrGatewayUnavailable
	}
	if p.placeErr != nil {
		err := p.placeErr
		p.mu.Unlock()
		return "", err
	}
	if order.Quantity.LessThanOrEqual(decimal.Zero) {
		p.mu.Unlock()
		return "", faults.Degraded("place order", fmt.Errorf("invalid quantity %s", order.Quantity))
	}

	stored := *order
	stored.ID = uuid.New().String()
	stored.Status = types.OrderStatusOpen
	stored.CreatedAt = p.now()
	stored.UpdatedAt = stored.CreatedAt
	p.orders[stored.ID] = &stored
	p.orderSeq = append(p.orderSeq, stored.ID)

	var updates []types.OrderUpdate
	if stored.Type == types.OrderTypeMarket && p.autoFill {
		price, ok := p.prices[stored.Symbol]
		if !ok {
			stored.Status = types.OrderStatusRejected
			updates = append(updates, p.updateFor(&stored))
		} else {
			updates = append(updates, p.fillLocked(&stored, price))
		}
	}
	handler := p.handler
	p.mu.Unlock()

	p.deliver(handler, updates)
	return stored.ID, nil
}

func (p *PaperGateway) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return faults.ErrGatewayUnavailable
	}
	o, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return faults.Degraded("cancel order", fmt.Errorf("unknown order %s", orderID))
	}
	var updates []types.OrderUpdate
	if !o.Status.IsTerminal() {
		o.Status = types.OrderStatusCancelled
		o.UpdatedAt = p.now()
		updates = append(updates, p.updateFor(o))
	}
	handler := p.handler
	p.mu.Unlock()

	p.deliver(handler, updates)
	return nil
}

func (p *PaperGateway) ReplaceStop(ctx context.Context, orderID string, stopPrice decimal.Decimal) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return "", faults.ErrGatewayUnavailable
	}
	if p.replaceFailN > 0 {
		p.replaceFailN--
		return "", p.replaceErr
	}
	o, ok := p.orders[orderID]
	if !ok || o.Type != types.OrderTypeStop || o.Status.IsTerminal() {
		return "", faults.Degraded("replace stop", fmt.Errorf("no resting stop order %s", orderID))
	}
	o.StopPrice = stopPrice
	o.UpdatedAt = p.now()
	return o.ID, nil
}

func (p *PaperGateway) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return nil, faults.ErrGatewayUnavailable
	}
	o, ok := p.orders[orderID]
	if !ok {
		return nil, faults.Degraded("get order", fmt.Errorf("unknown order %s", orderID))
	}
	c := *o
	return &c, nil
}

func (p *PaperGateway) GetPositions(ctx context.Context) ([]types.BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return nil, faults.ErrGatewayUnavailable
	}
	out := make([]types.BrokerPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		c := *pos
		c.MarketPrice = p.prices[pos.Symbol]
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (p *PaperGateway) GetAccount(ctx context.Context) (*types.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return nil, faults.ErrGatewayUnavailable
	}
	return &types.Account{
		Cash:       p.cash,
		Equity:     p.equityLocked(),
		LastEquity: p.lastEquity,
		UpdatedAt:  p.now(),
	}, nil
}

func (p *PaperGateway) GetQuote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return decimal.Zero, faults.ErrGatewayUnavailable
	}
	price, ok := p.prices[symbol]
	if !ok {
		return decimal.Zero, faults.Degraded("quote", fmt.Errorf("no quote for %s", symbol))
	}
	return price, nil
}

func (p *PaperGateway) GetDailyBars(ctx context.Context, symbol string, days int) ([]types.OHLCV, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return nil, faults.ErrGatewayUnavailable
	}
	bars, ok := p.bars[symbol]
	if !ok {
		return nil, faults.Degraded("bars", fmt.Errorf("no bars for %s", symbol))
	}
	if days > 0 && len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	out := make([]types.OHLCV, len(bars))
	copy(out, bars)
	return out, nil
}

// SetPrice updates the quote for symbol and triggers any resting stop it
// crosses.
func (p *PaperGateway) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	p.prices[symbol] = price

	var updates []types.OrderUpdate
	for _, id := range p.orderSeq {
		o := p.orders[id]
		if o.Symbol != symbol || o.Type != types.OrderTypeStop || o.Status.IsTerminal() {
			continue
		}
		triggered := (o.Side == types.OrderSideSell && price.LessThanOrEqual(o.StopPrice)) ||
			(o.Side == types.OrderSideBuy && price.GreaterThanOrEqual(o.StopPrice))
		if triggered {
			updates = append(updates, p.fillLocked(o, price))
		}
	}
	handler := p.handler
	p.mu.Unlock()

	p.deliver(handler, updates)
}

// SetClock replaces the time source used for order timestamps.
func (p *PaperGateway) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.now = now
}

// SetBars sets the daily history returned for symbol.
func (p *PaperGateway) SetBars(symbol string, bars []types.OHLCV) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.bars[symbol] = bars
}

// SetLastEquity sets the prior-close equity used for daily P&L.
func (p *PaperGateway) SetLastEquity(v decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastEquity = v
}

// SetAutoFill controls whether market orders fill on placement.
func (p *PaperGateway) SetAutoFill(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.autoFill = on
}

// SetPingError makes heartbeats fail with err until cleared or reconnected.
func (p *PaperGateway) SetPingError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pingErr = err
}

// FailConnects makes the next n Connect calls fail.
func (p *PaperGateway) FailConnects(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.connectErrs = n
}

// ConnectCalls returns how many times Connect was invoked.
func (p *PaperGateway) ConnectCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.connectCalls
}

// SetPlaceError makes PlaceOrder fail with err until cleared with nil.
func (p *PaperGateway) SetPlaceError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.placeErr = err
}

// FailReplaces makes the next n ReplaceStop calls fail with err.
func (p *PaperGateway) FailReplaces(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.replaceFailN = n
	p.replaceErr = err
}

// SetPosition seeds a broker-side position, as if opened outside this process.
func (p *PaperGateway) SetPosition(symbol string, qty, avgPrice decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if qty.IsZero() {
		delete(p.positions, symbol)
		return
	}
	p.positions[symbol] = &types.BrokerPosition{Symbol: symbol, Quantity: qty, AvgEntryPrice: avgPrice}
}

// FillOrder fills an open order at the current quote, used with auto-fill off.
func (p *PaperGateway) FillOrder(orderID string) error {
	p.mu.Lock()
	o, ok := p.orders[orderID]
	if !ok || o.Status.IsTerminal() {
		p.mu.Unlock()
		return fmt.Errorf("order %s not open", orderID)
	}
	price, ok := p.prices[o.Symbol]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("no quote for %s", o.Symbol)
	}
	update := p.fillLocked(o, price)
	handler := p.handler
	p.mu.Unlock()

	p.deliver(handler, []types.OrderUpdate{update})
	return nil
}

// Orders returns every order in submission order.
func (p *PaperGateway) Orders() []types.Order {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]types.Order, 0, len(p.orderSeq))
	for _, id := range p.orderSeq {
		out = append(out, *p.orders[id])
	}
	return out
}

func (p *PaperGateway) fillLocked(o *types.Order, price decimal.Decimal) types.OrderUpdate {
	now := p.now()
	o.Status = types.OrderStatusFilled
	o.FilledQty = o.Quantity
	o.AvgFillPrice = price
	o.UpdatedAt = now
	o.FilledAt = &now

	signed := o.Quantity
	if o.Side == types.OrderSideSell {
		signed = signed.Neg()
	}
	p.cash = p.cash.Sub(signed.Mul(price))

	pos, ok := p.positions[o.Symbol]
	if !ok {
		pos = &types.BrokerPosition{Symbol: o.Symbol}
		p.positions[o.Symbol] = pos
	}
	newQty := pos.Quantity.Add(signed)
	switch {
	case newQty.IsZero():
		delete(p.positions, o.Symbol)
	case pos.Quantity.IsZero() || pos.Quantity.Sign() == signed.Sign():
		total := pos.AvgEntryPrice.Mul(pos.Quantity.Abs()).Add(price.Mul(o.Quantity))
		pos.AvgEntryPrice = total.Div(newQty.Abs())
		pos.Quantity = newQty
	default:
		pos.Quantity = newQty
	}

	p.logger.Debug("Paper fill",
		zap.String("orderId", o.ID),
		zap.String("symbol", o.Symbol),
		zap.String("side", string(o.Side)),
		zap.String("qty", o.Quantity.String()),
		zap.String("price", price.String()))

	return p.updateFor(o)
}

func (p *PaperGateway) updateFor(o *types.Order) types.OrderUpdate {
	return types.OrderUpdate{
		OrderID:      o.ID,
		Symbol:       o.Symbol,
		Side:         o.Side,
		Status:       o.Status,
		FilledQty:    o.FilledQty,
		AvgFillPrice: o.AvgFillPrice,
		Timestamp:    o.UpdatedAt,
	}
}

func (p *PaperGateway) equityLocked() decimal.Decimal {
	equity := p.cash
	for sym, pos := range p.positions {
		price, ok := p.prices[sym]
		if !ok {
			price = pos.AvgEntryPrice
		}
		equity = equity.Add(pos.Quantity.Mul(price))
	}
	return equity
}

func (p *PaperGateway) deliver(handler OrderHandler, updates []types.OrderUpdate) {
	if handler == nil {
		return
	}
	for _, u := range updates {
		handler(u)
	}
}

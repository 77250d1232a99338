package execution

import (
	"sync"
	"time"

	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderRole is the purpose an order serves for its position.
type OrderRole string

const (
	OrderRoleEntry OrderRole = "entry"
	OrderRoleStop  OrderRole = "stop"
	OrderRoleExit  OrderRole = "exit"
)

// ManagedOrder wraps an order with the position it belongs to.
type ManagedOrder struct {
	Order        *types.Order      `json:"order"`
	PositionID   string            `json:"positionId"`
	Role         OrderRole         `json:"role"`
	Status       types.OrderStatus `json:"status"`
	FilledQty    decimal.Decimal   `json:"filledQty"`
	AvgFillPrice decimal.Decimal   `json:"avgFillPrice"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// IsOpen reports whether the order can still fill.
func (m *ManagedOrder) IsOpen() bool {
	return !m.Status.IsTerminal()
}

// OrderManager tracks every order the controller has submitted this week.
type OrderManager struct {
	logger *zap.Logger
	orders map[string]*ManagedOrder
	mu     sync.RWMutex
}

// NewOrderManager creates a new order manager.
func NewOrderManager(logger *zap.Logger) *OrderManager {
	return &OrderManager{
		logger: logger.Named("order-manager"),
		orders: make(map[string]*ManagedOrder),
	}
}

// TrackOrder starts tracking an order under its broker ID.
func (om *OrderManager) TrackOrder(order *types.Order, positionID string, role OrderRole, now time.Time) *ManagedOrder {
	om.mu.Lock()
	defer om.mu.Unlock()

	managed := &ManagedOrder{
		Order:      order,
		PositionID: positionID,
		Role:       role,
		Status:     types.OrderStatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	om.orders[order.ID] = managed

	om.logger.Debug("Tracking order",
		zap.String("orderId", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("role", string(role)))

	return managed
}

// Rekey moves tracking from oldID to newID after a broker-side replace.
func (om *OrderManager) Rekey(oldID, newID string) {
	if oldID == newID {
		return
	}
	om.mu.Lock()
	defer om.mu.Unlock()

	if m, ok := om.orders[oldID]; ok {
		delete(om.orders, oldID)
		m.Order.ID = newID
		om.orders[newID] = m
	}
}

// Apply records an order update and returns the tracked order, or nil when
// the order is not one of ours.
func (om *OrderManager) Apply(update types.OrderUpdate) *ManagedOrder {
	om.mu.Lock()
	defer om.mu.Unlock()

	m, ok := om.orders[update.OrderID]
	if !ok {
		return nil
	}
	m.Status = update.Status
	if !update.FilledQty.IsZero() {
		m.FilledQty = update.FilledQty
	}
	if !update.AvgFillPrice.IsZero() {
		m.AvgFillPrice = update.AvgFillPrice
	}
	m.UpdatedAt = update.Timestamp
	return m
}

// GetOrder returns a managed order by ID.
func (om *OrderManager) GetOrder(orderID string) *ManagedOrder {
	om.mu.RLock()
	defer om.mu.RUnlock()

	return om.orders[orderID]
}

// GetOpenOrders returns all orders that can still fill.
func (om *OrderManager) GetOpenOrders() []*ManagedOrder {
	om.mu.RLock()
	defer om.mu.RUnlock()

	var open []*ManagedOrder
	for _, order := range om.orders {
		if order.IsOpen() {
			open = append(open, order)
		}
	}
	return open
}

// StaleOrders returns open orders of the given role created before cutoff.
func (om *OrderManager) StaleOrders(role OrderRole, cutoff time.Time) []*ManagedOrder {
	om.mu.RLock()
	defer om.mu.RUnlock()

	var stale []*ManagedOrder
	for _, order := range om.orders {
		if order.Role == role && order.IsOpen() && order.CreatedAt.Before(cutoff) {
			stale = append(stale, order)
		}
	}
	return stale
}

// MarkCancelled marks an order cancelled locally.
func (om *OrderManager) MarkCancelled(orderID string, now time.Time) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if m, ok := om.orders[orderID]; ok {
		m.Status = types.OrderStatusCancelled
		m.UpdatedAt = now
	}
}

// Reset forgets every tracked order, used when a week is archived.
func (om *OrderManager) Reset() {
	om.mu.Lock()
	defer om.mu.Unlock()

	om.orders = make(map[string]*ManagedOrder)
}

// OrderStats contains order statistics.
type OrderStats struct {
	TotalOrders     int `json:"totalOrders"`
	OpenOrders      int `json:"openOrders"`
	FilledOrders    int `json:"filledOrders"`
	CancelledOrders int `json:"cancelledOrders"`
	RejectedOrders  int `json:"rejectedOrders"`
}

// GetOrderStats returns order statistics.
func (om *OrderManager) GetOrderStats() OrderStats {
	om.mu.RLock()
	defer om.mu.RUnlock()

	stats := OrderStats{TotalOrders: len(om.orders)}
	for _, order := range om.orders {
		switch order.Status {
		case types.OrderStatusFilled:
			stats.FilledOrders++
		case types.OrderStatusCancelled, types.OrderStatusExpired:
			stats.CancelledOrders++
		case types.OrderStatusRejected:
			stats.RejectedOrders++
		default:
			stats.OpenOrders++
		}
	}
	return stats
}

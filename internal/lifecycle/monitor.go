package lifecycle

import (
	"context"
	"time"

	"github.com/atlas-desktop/weekly-trader/internal/events"
	"github.com/atlas-desktop/weekly-trader/internal/execution"
	"github.com/atlas-desktop/weekly-trader/internal/journal"
	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func (c *Controller) tickMonitoring(ctx context.Context, now time.Time) {
	c.expireEntries(ctx, now)
	c.reconcile(ctx, now)

	if c.pastDeadline(now) {
		c.beginExit(ctx, now, StateExitingScheduled, ReasonFridayClose, "deadline")
		c.tickExiting(ctx, now)
		return
	}

	for _, pos := range c.activePositions() {
		if pos.IsHedge || pos.State != types.PositionStateOpen {
			continue
		}
		price, err := c.broker.GetQuote(ctx, pos.Symbol)
		if err != nil {
			c.logger.Debug("No quote, skipping stop evaluation",
				zap.String("symbol", pos.Symbol),
				zap.Error(err))
			continue
		}

		stopID, dirty := pos.StopOrderID, pos.StopDirty
		changed, _ := c.stops.Update(ctx, pos, price, now)
		if changed || stopID != pos.StopOrderID || dirty != pos.StopDirty {
			c.savePosition(pos)
		}
	}
}

// reconcile merges broker-reported state into the tracked positions once
// per tick. An open position that the broker no longer holds has its stop
// order queried; a filled stop closes it.
func (c *Controller) reconcile(ctx context.Context, now time.Time) {
	held, err := c.brokerHoldings(ctx)
	if err != nil {
		c.logger.Debug("Reconcile skipped, no broker positions", zap.Error(err))
		return
	}
	for _, pos := range c.activePositions() {
		if pos.IsHedge || pos.State != types.PositionStateOpen || pos.StopOrderID == "" {
			continue
		}
		if !held[pos.Symbol].IsZero() {
			continue
		}
		c.refreshOrder(ctx, pos.StopOrderID, now)
	}
}

func (c *Controller) brokerHoldings(ctx context.Context) (map[string]decimal.Decimal, error) {
	bps, err := c.broker.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	held := make(map[string]decimal.Decimal, len(bps))
	for _, bp := range bps {
		held[bp.Symbol] = held[bp.Symbol].Add(bp.Quantity)
	}
	return held, nil
}

// refreshOrder fetches an order from the broker and applies it as if an
// update had arrived.
func (c *Controller) refreshOrder(ctx context.Context, orderID string, now time.Time) {
	o, err := c.broker.GetOrder(ctx, orderID)
	if err != nil {
		c.logger.Debug("Order refresh failed", zap.String("orderId", orderID), zap.Error(err))
		return
	}
	ts := o.UpdatedAt
	if ts.IsZero() {
		ts = now
	}
	c.applyOrderUpdate(ctx, types.OrderUpdate{
		OrderID:      o.ID,
		Symbol:       o.Symbol,
		Side:         o.Side,
		Status:       o.Status,
		FilledQty:    o.FilledQty,
		AvgFillPrice: o.AvgFillPrice,
		Timestamp:    ts,
	}, now)
}

func (c *Controller) applyOrderUpdate(ctx context.Context, u types.OrderUpdate, now time.Time) {
	m := c.orders.Apply(u)
	if m == nil {
		c.logger.Debug("Update for untracked order", zap.String("orderId", u.OrderID), zap.String("status", string(u.Status)))
		return
	}
	pos := c.positions[m.PositionID]
	if pos == nil || pos.State == types.PositionStateClosed {
		return
	}

	switch m.Role {
	case execution.OrderRoleEntry:
		if pos.State != types.PositionStateOpening {
			return
		}
		switch {
		case m.Status == types.OrderStatusFilled:
			c.openPosition(ctx, pos, m.FilledQty, m.AvgFillPrice, now)
		case m.Status.IsTerminal() && m.FilledQty.IsPositive():
			c.openPosition(ctx, pos, m.FilledQty, m.AvgFillPrice, now)
		case m.Status.IsTerminal():
			c.abandonEntry(pos, events.KindOrderFailed, string(m.Status), now)
		}

	case execution.OrderRoleStop:
		if m.Order.ID != pos.StopOrderID {
			return
		}
		switch {
		case m.Status == types.OrderStatusFilled:
			c.closePosition(pos, m.FilledQty, m.AvgFillPrice, ReasonStopFilled, m.Order.ID, now)
		case m.Status.IsTerminal() && !c.state.Exiting():
			c.logger.Warn("Resting stop ended without a fill, will re-place",
				zap.String("symbol", pos.Symbol),
				zap.String("orderId", m.Order.ID),
				zap.String("status", string(m.Status)))
			pos.StopOrderID = ""
			pos.StopDirty = true
			c.savePosition(pos)
		}

	case execution.OrderRoleExit:
		if m.Order.ID != pos.ExitOrderID {
			return
		}
		switch {
		case m.Status == types.OrderStatusFilled:
			c.closePosition(pos, m.FilledQty, m.AvgFillPrice, pos.ExitReason, m.Order.ID, now)
		case m.Status.IsTerminal():
			c.exitOrderFailed(pos, m, now)
		}
	}
}

// exitOrderFailed clears a dead exit order so the next exiting tick sends a
// new one for whatever is left.
func (c *Controller) exitOrderFailed(pos *types.Position, m *execution.ManagedOrder, now time.Time) {
	if m.FilledQty.IsPositive() && m.FilledQty.LessThan(pos.Quantity) {
		c.recordTrade(pos, journal.TradeClosed, m.FilledQty, m.AvgFillPrice, pos.ExitReason, m.Order.ID, now)
		pos.Quantity = pos.Quantity.Sub(m.FilledQty)
	}
	pos.ExitOrderID = ""
	c.savePosition(pos)

	c.logger.Warn("Exit order ended without a full fill",
		zap.String("symbol", pos.Symbol),
		zap.String("status", string(m.Status)),
		zap.String("remaining", pos.Quantity.String()))
	c.publish(events.KindOrderFailed, now, map[string]any{
		"symbol":    pos.Symbol,
		"role":      string(execution.OrderRoleExit),
		"status":    string(m.Status),
		"remaining": pos.Quantity.String(),
	})
}

func (c *Controller) closePosition(pos *types.Position, qty, price decimal.Decimal, reason, orderID string, now time.Time) {
	if pos.State == types.PositionStateClosed {
		return
	}
	if !qty.IsPositive() {
		qty = pos.Quantity
	}
	t := now
	pos.State = types.PositionStateClosed
	pos.ExitPrice = price
	pos.ExitReason = reason
	pos.ClosedAt = &t

	c.recordTrade(pos, journal.TradeClosed, qty, price, reason, orderID, now)
	c.savePosition(pos)
	c.stops.Forget(pos.ID)

	pnl := price.Sub(pos.EntryPrice).Mul(qty)
	if pos.Side == types.PositionSideShort {
		pnl = pnl.Neg()
	}
	c.logger.Info("Position closed",
		zap.String("symbol", pos.Symbol),
		zap.String("qty", qty.String()),
		zap.String("price", price.String()),
		zap.String("pnl", pnl.String()),
		zap.String("reason", reason))
	c.publish(events.KindPositionClosed, now, map[string]any{
		"symbol": pos.Symbol,
		"qty":    qty.String(),
		"entry":  pos.EntryPrice.String(),
		"price":  price.String(),
		"pnl":    pnl.String(),
		"reason": reason,
		"hedge":  pos.IsHedge,
	})

	if pos.IsHedge && c.week != nil {
		c.week.HedgeActive = false
		c.saveWeek()
	}
}

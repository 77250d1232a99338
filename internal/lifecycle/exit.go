package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/weekly-trader/internal/alerts"
	"github.com/atlas-desktop/weekly-trader/internal/connection"
	"github.com/atlas-desktop/weekly-trader/internal/events"
	"github.com/atlas-desktop/weekly-trader/internal/execution"
	"github.com/atlas-desktop/weekly-trader/internal/faults"
	"github.com/atlas-desktop/weekly-trader/internal/safety"
	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"go.uber.org/zap"
)

func (c *Controller) beginExit(ctx context.Context, now time.Time, to State, reason, trigger string) {
	c.exitReason = reason
	c.exitStarted = now
	c.liquidationAlerted = false
	for _, in := range c.pending {
		c.logger.Warn("Dropping unsubmitted entry at exit", zap.String("symbol", in.Symbol))
	}
	c.pending = nil

	c.transition(to, now, trigger)

	if to == StateExitingEmergency {
		c.alert(ctx, now, alerts.SeverityCritical, "Emergency liquidation started", trigger)
		return
	}
	c.alert(ctx, now, alerts.SeverityInfo, "Scheduled weekly exit started",
		fmt.Sprintf("%d open positions", len(c.activePositions())))
}

// tickExiting drives liquidation: cancel resting orders first, then send a
// market exit for every position whose orders are out of the way. Once
// nothing is left the week closes; after exit_fill_timeout the remainder
// is handed to an operator.
func (c *Controller) tickExiting(ctx context.Context, now time.Time) {
	blocked := c.cancelOutstanding(ctx, now)

	for _, pos := range c.activePositions() {
		if pos.State == types.PositionStateOpening || pos.ExitOrderID != "" || blocked[pos.ID] {
			continue
		}
		c.submitExit(ctx, pos, now)
	}

	if len(c.activePositions()) == 0 {
		c.transition(StateWeekClosed, now, "liquidated")
		c.archive(now)
		return
	}
	if st := c.broker.Status(); st != connection.StatusConnected && st != connection.StatusDegraded && !c.liquidationAlerted {
		c.liquidationAlerted = true
		c.alert(ctx, now, alerts.SeverityCritical, "Liquidation blocked",
			fmt.Sprintf("gateway is %s; %s still open", st, strings.Join(c.activeSymbols(), ", ")))
	}
	if c.cfg.ExitFillTimeout > 0 && now.Sub(c.exitStarted) >= c.cfg.ExitFillTimeout {
		c.exitIncomplete(ctx, now)
	}
}

// cancelOutstanding cancels every open entry and stop order. It returns the
// positions whose orders could not be cancelled; those are not sent an exit
// this tick so a resting stop and a market exit never both fill.
func (c *Controller) cancelOutstanding(ctx context.Context, now time.Time) map[string]bool {
	blocked := make(map[string]bool)
	for _, m := range c.orders.GetOpenOrders() {
		if m.Role == execution.OrderRoleExit {
			continue
		}
		id := m.Order.ID
		if err := c.broker.CancelOrder(ctx, id, connection.PriorityExit); err != nil {
			if !faults.IsRetryable(err) {
				c.refreshOrder(ctx, id, now)
			}
			if mo := c.orders.GetOrder(id); mo == nil || mo.IsOpen() {
				blocked[m.PositionID] = true
				c.logger.Warn("Cancel before exit failed",
					zap.String("orderId", id),
					zap.String("role", string(m.Role)),
					zap.Error(err))
			}
			continue
		}
		c.orders.MarkCancelled(id, now)

		pos := c.positions[m.PositionID]
		if pos == nil {
			continue
		}
		switch m.Role {
		case execution.OrderRoleEntry:
			c.resolveCancelledEntry(ctx, m, "cancelled_at_exit", now)
		case execution.OrderRoleStop:
			if pos.StopOrderID == id {
				pos.StopOrderID = ""
				pos.StopDirty = false
				c.savePosition(pos)
			}
		}
	}
	return blocked
}

func (c *Controller) submitExit(ctx context.Context, pos *types.Position, now time.Time) {
	reason := c.exitReason
	if pos.IsHedge {
		reason = ReasonCloseHedge
	}

	order := execution.NewMarketOrder(pos.Symbol, pos.Side.ExitSide(), pos.Quantity)
	id, err := c.broker.PlaceOrder(ctx, order, connection.PriorityExit)
	if err != nil {
		c.logger.Error("Exit order failed, will retry",
			zap.String("symbol", pos.Symbol),
			zap.String("qty", pos.Quantity.String()),
			zap.Error(err))
		c.publish(events.KindOrderFailed, now, map[string]any{
			"symbol": pos.Symbol,
			"role":   string(execution.OrderRoleExit),
			"reason": reason,
			"error":  err.Error(),
		})
		return
	}
	order.ID = id

	pos.State = types.PositionStateExitPending
	pos.ExitOrderID = id
	pos.ExitReason = reason
	c.orders.TrackOrder(order, pos.ID, execution.OrderRoleExit, now)
	c.savePosition(pos)

	c.logger.Info("Exit order submitted",
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("qty", pos.Quantity.String()),
		zap.String("reason", reason))
	c.publish(events.KindOrderSubmitted, now, map[string]any{
		"symbol":  pos.Symbol,
		"side":    string(order.Side),
		"qty":     pos.Quantity.String(),
		"role":    string(execution.OrderRoleExit),
		"orderId": id,
		"reason":  reason,
		"hedge":   pos.IsHedge,
	})
}

func (c *Controller) exitIncomplete(ctx context.Context, now time.Time) {
	symbols := c.activeSymbols()
	c.logger.Error("Exit timed out with positions still open", zap.Strings("symbols", symbols))
	c.publish(events.KindExitIncomplete, now, map[string]any{
		"symbols": symbols,
		"reason":  c.exitReason,
		"waited":  now.Sub(c.exitStarted).String(),
	})
	c.alert(ctx, now, alerts.SeverityCritical, "Manual intervention required",
		fmt.Sprintf("exit (%s) did not complete within %s: %s", c.exitReason, c.cfg.ExitFillTimeout, strings.Join(symbols, ", ")))
	c.halt(ctx, now, faults.Fatal("liquidation", fmt.Errorf("%d positions unfilled after exit timeout", len(symbols))))
}

// archive closes out the week checkpoint and returns to Idle.
func (c *Controller) archive(now time.Time) {
	if c.week == nil {
		c.transition(StateIdle, now, "archived")
		return
	}
	t := now
	c.week.ClosedAt = &t
	c.saveWeek()

	var closed, traded int
	for _, p := range c.positions {
		if !p.IsActive() {
			closed++
		}
		if p.EntryPrice.IsPositive() {
			traded++
		}
	}
	c.logger.Info("Trading week archived",
		zap.String("weekId", c.week.ID),
		zap.Int("positions", traded),
		zap.String("exitReason", c.exitReason))
	c.publish(events.KindWeekClosed, now, map[string]any{
		"exitReason": c.exitReason,
		"positions":  traded,
		"closed":     closed,
		"regimeOk":   c.week.RegimeOK,
	})

	c.lastWeekStart = c.week.StartDate
	c.orders.Reset()
	c.positions = make(map[string]*types.Position)
	c.week = nil
	c.decision = nil
	c.exitReason = ""
	c.weeksClosed++

	c.transition(StateIdle, now, "archived")
	if c.opts.SingleWeek {
		c.finish()
	}
}

func (c *Controller) activeSymbols() []string {
	var out []string
	for _, p := range c.activePositions() {
		out = append(out, p.Symbol)
	}
	return out
}

func violationSummary(r *safety.Report) string {
	var parts []string
	for _, v := range r.Critical() {
		parts = append(parts, v.Message)
	}
	return strings.Join(parts, "; ")
}

func fatalExhausted() error {
	return fmt.Errorf("connection: %w", faults.ErrReconnectExhausted)
}

package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/weekly-trader/internal/alerts"
	"github.com/atlas-desktop/weekly-trader/internal/events"
	"github.com/atlas-desktop/weekly-trader/internal/execution"
	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Recover rebuilds the controller from the journal's last unclosed week and
// the broker's live positions. It must run once, before the first Tick.
// Broker quantities win over the journal; a journaled position the broker
// does not hold is closed only when its stop order is known to have filled,
// otherwise it is kept for the orphan check.
func (c *Controller) Recover(ctx context.Context, now time.Time) error {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	defer c.publishView()

	latest, err := c.journal.LatestWeek()
	if err != nil {
		return fmt.Errorf("load latest week: %w", err)
	}
	if latest != nil && latest.ClosedAt != nil {
		c.lastWeekStart = latest.StartDate
	}

	week, err := c.journal.LastOpenWeek()
	if err != nil {
		return fmt.Errorf("load open week: %w", err)
	}
	if week == nil {
		c.logger.Info("No open week in journal, starting idle")
		return nil
	}
	saved, err := c.journal.Positions(week.ID)
	if err != nil {
		return fmt.Errorf("load positions of week %s: %w", week.ID, err)
	}

	held, herr := c.brokerHoldings(ctx)
	if herr != nil {
		c.logger.Warn("Broker positions unavailable, trusting the journal", zap.Error(herr))
	}

	c.week = week
	c.positions = make(map[string]*types.Position)
	for _, pos := range saved {
		if pos.State == types.PositionStateClosed {
			continue
		}
		c.positions[pos.ID] = pos
	}

	state := State(week.State)
	switch state {
	case StateIdle, "":
		state = StateAwaitingEntry
	case StateEntering:
		state = StateMonitoring
		c.logger.Warn("Crashed while entering, entries not yet submitted are dropped")
	}
	if state.Exiting() {
		c.exitReason = ReasonFridayClose
		if state == StateExitingEmergency {
			c.exitReason = ReasonEmergencyClose
		}
		c.exitStarted = now
	}
	if week.EntryDone || state == StateMonitoring || state.Exiting() {
		week.EntryDone = true
	}
	c.state = state

	for _, pos := range c.sortedPositions() {
		c.restorePosition(ctx, pos, held, herr == nil, now)
	}

	if c.state != StateWeekClosed && !c.state.Exiting() && c.pastDeadline(now) {
		c.exitReason = ReasonFridayClose
		c.exitStarted = now
		c.state = StateExitingScheduled
	}
	c.week.State = types.WeekState(c.state)
	c.saveWeek()

	active := c.activePositions()
	c.logger.Info("Recovered trading week",
		zap.String("weekId", week.ID),
		zap.String("state", string(c.state)),
		zap.Int("positions", len(active)),
		zap.Bool("brokerChecked", herr == nil))
	c.publish(events.KindRecovered, now, map[string]any{
		"state":         string(c.state),
		"positions":     len(active),
		"symbols":       c.activeSymbols(),
		"brokerChecked": herr == nil,
	})
	c.alert(ctx, now, alerts.SeverityWarning, "Recovered mid-week state",
		fmt.Sprintf("week %s resumed in %s with %d open positions", week.ID, c.state, len(active)))

	if c.state == StateWeekClosed {
		c.archive(now)
	}
	return nil
}

func (c *Controller) restorePosition(ctx context.Context, pos *types.Position, held map[string]decimal.Decimal, haveBroker bool, now time.Time) {
	c.track(pos.EntryOrderID, pos, execution.OrderRoleEntry, pos.State == types.PositionStateOpening, pos.SubmittedAt)
	c.track(pos.StopOrderID, pos, execution.OrderRoleStop, pos.StopOrderID != "", now)
	c.track(pos.ExitOrderID, pos, execution.OrderRoleExit, pos.ExitOrderID != "", now)

	switch pos.State {
	case types.PositionStateOpening:
		if pos.EntryOrderID != "" {
			c.refreshOrder(ctx, pos.EntryOrderID, now)
		}

	case types.PositionStateOpen, types.PositionStateExitPending:
		if !haveBroker {
			break
		}
		qty := held[pos.Symbol].Abs()
		switch {
		case qty.IsPositive() && !qty.Equal(pos.Quantity):
			c.logger.Warn("Broker quantity differs from journal, adopting broker",
				zap.String("symbol", pos.Symbol),
				zap.String("journal", pos.Quantity.String()),
				zap.String("broker", qty.String()))
			pos.Quantity = qty
		case qty.IsZero() && pos.ExitOrderID != "":
			c.refreshOrder(ctx, pos.ExitOrderID, now)
		case qty.IsZero() && pos.StopOrderID != "":
			c.refreshOrder(ctx, pos.StopOrderID, now)
		case qty.IsZero():
			c.logger.Warn("Journal position not held at broker, leaving it to the orphan check",
				zap.String("symbol", pos.Symbol))
		}
	}
	c.savePosition(pos)
}

// track re-registers an order the previous process submitted so that
// updates for it are routed again.
func (c *Controller) track(orderID string, pos *types.Position, role execution.OrderRole, open bool, created time.Time) {
	if orderID == "" || !open {
		return
	}
	order := &types.Order{
		ID:       orderID,
		Symbol:   pos.Symbol,
		Quantity: pos.Quantity,
		Status:   types.OrderStatusOpen,
	}
	switch role {
	case execution.OrderRoleEntry:
		order.Side = pos.Side.EntrySide()
		order.Type = types.OrderTypeMarket
	case execution.OrderRoleStop:
		order.Side = pos.Side.ExitSide()
		order.Type = types.OrderTypeStop
		order.StopPrice = pos.CurrentStop
	case execution.OrderRoleExit:
		order.Side = pos.Side.ExitSide()
		order.Type = types.OrderTypeMarket
	}
	if created.IsZero() {
		created = time.Now()
	}
	c.orders.TrackOrder(order, pos.ID, role, created)
}

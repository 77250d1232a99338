package lifecycle

import (
	"context"
	"time"

	"github.com/atlas-desktop/weekly-trader/internal/connection"
	"github.com/atlas-desktop/weekly-trader/internal/data"
	"github.com/atlas-desktop/weekly-trader/internal/events"
	"github.com/atlas-desktop/weekly-trader/internal/execution"
	"github.com/atlas-desktop/weekly-trader/internal/faults"
	"github.com/atlas-desktop/weekly-trader/internal/indicators"
	"github.com/atlas-desktop/weekly-trader/internal/journal"
	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var one = decimal.NewFromInt(1)

func newID() string { return uuid.New().String() }

func (c *Controller) tickAwaitingEntry(ctx context.Context, now time.Time) {
	if c.pastDeadline(now) {
		c.beginExit(ctx, now, StateExitingScheduled, ReasonFridayClose, "deadline")
		c.tickExiting(ctx, now)
		return
	}
	if now.Before(c.week.EntryTime) {
		return
	}

	d := c.regime.Evaluate(ctx, now)
	c.decision = &d
	c.week.RegimeOK = d.RegimeOK
	c.publish(events.KindRegimeEvaluated, now, map[string]any{
		"regimeOk":   d.RegimeOK,
		"spyClose":   d.SPYClose.String(),
		"spyEma":     d.SPYEMA.String(),
		"vix":        d.VIX.String(),
		"enterLongs": d.EnterLongs,
		"openHedge":  d.OpenHedge,
		"notes":      d.Notes,
	})

	c.pending = nil
	switch {
	case !d.EnterLongs:
		c.skipEntries(now, "regime")
	case c.entriesPaused():
		c.skipEntries(now, "safety_pause")
	default:
		for _, sym := range c.cfg.Symbols {
			if c.limits.MaxPositions > 0 && len(c.pending) >= c.limits.MaxPositions {
				c.logger.Warn("Entry list capped by max positions",
					zap.Int("maxPositions", c.limits.MaxPositions),
					zap.Int("symbols", len(c.cfg.Symbols)))
				break
			}
			c.pending = append(c.pending, entryIntent{Symbol: sym})
		}
	}
	if d.OpenHedge {
		c.pending = append(c.pending, entryIntent{Symbol: c.cfg.HedgeSymbol, Hedge: true})
	}

	c.entryStarted = now
	c.transition(StateEntering, now, "entry_time")
	c.tickEntering(ctx, now)
}

func (c *Controller) skipEntries(now time.Time, reason string) {
	c.logger.Warn("Skipping long entries this week", zap.String("reason", reason))
	c.publish(events.KindEntrySkipped, now, map[string]any{
		"reason":  reason,
		"symbols": c.cfg.Symbols,
	})
}

// tickEntering submits every pending entry. Intents that failed with a
// retryable error stay pending and are re-issued next tick; the hedge waits
// until the long entries are resolved because it is sized from them.
func (c *Controller) tickEntering(ctx context.Context, now time.Time) {
	if c.pastDeadline(now) {
		c.beginExit(ctx, now, StateExitingScheduled, ReasonFridayClose, "deadline")
		c.tickExiting(ctx, now)
		return
	}
	c.expireEntries(ctx, now)

	var remaining []entryIntent
	for _, in := range c.pending {
		if in.Hedge && len(remaining) > 0 {
			remaining = append(remaining, in)
			continue
		}
		if err := c.submitEntry(ctx, in, now); err != nil && faults.IsRetryable(err) {
			remaining = append(remaining, in)
		}
	}
	c.pending = remaining

	if len(c.pending) > 0 {
		if c.cfg.EntryFillTimeout <= 0 || now.Sub(c.entryStarted) < c.cfg.EntryFillTimeout {
			return
		}
		for _, in := range c.pending {
			c.logger.Warn("Giving up on unsubmitted entry", zap.String("symbol", in.Symbol), zap.Bool("hedge", in.Hedge))
			c.publish(events.KindEntrySkipped, now, map[string]any{
				"reason": "submit_timeout",
				"symbol": in.Symbol,
				"hedge":  in.Hedge,
			})
		}
		c.pending = nil
	}

	c.week.EntryDone = true
	c.transition(StateMonitoring, now, "entries_submitted")
}

func (c *Controller) submitEntry(ctx context.Context, in entryIntent, now time.Time) error {
	price, err := c.broker.GetQuote(ctx, in.Symbol)
	if err != nil {
		c.entryFailed(now, in, "quote", err)
		return err
	}

	var qty decimal.Decimal
	if in.Hedge {
		qty = c.regime.HedgeQuantity(c.regime.Allocated(c.notionals), price)
	} else {
		qty = c.entryQuantity(price)
	}
	if !qty.IsPositive() {
		c.logger.Warn("Entry size rounds to zero, skipping",
			zap.String("symbol", in.Symbol),
			zap.String("price", price.String()))
		return nil
	}

	side := types.PositionSideLong
	var atr decimal.Decimal
	if in.Hedge {
		side = types.PositionSideShort
	} else {
		atr = c.atrFor(ctx, in.Symbol)
	}

	order := execution.NewMarketOrder(in.Symbol, side.EntrySide(), qty)
	id, err := c.broker.PlaceOrder(ctx, order, connection.PriorityNormal)
	if err != nil {
		c.entryFailed(now, in, "place", err)
		return err
	}
	order.ID = id

	pos := &types.Position{
		ID:           newID(),
		WeekID:       c.week.ID,
		Symbol:       in.Symbol,
		Side:         side,
		Quantity:     qty,
		ATR:          atr,
		TrailingMode: c.cfg.TrailingMode,
		StopMode:     c.cfg.StopMode,
		State:        types.PositionStateOpening,
		IsHedge:      in.Hedge,
		EntryOrderID: id,
		SubmittedAt:  now,
	}
	c.positions[pos.ID] = pos
	c.orders.TrackOrder(order, pos.ID, execution.OrderRoleEntry, now)
	if !in.Hedge {
		c.notionals = append(c.notionals, qty.Mul(price))
	}
	c.savePosition(pos)

	c.logger.Info("Entry order submitted",
		zap.String("symbol", in.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("qty", qty.String()),
		zap.String("quote", price.String()),
		zap.Bool("hedge", in.Hedge))
	c.publish(events.KindOrderSubmitted, now, map[string]any{
		"symbol":  in.Symbol,
		"side":    string(order.Side),
		"qty":     qty.String(),
		"quote":   price.String(),
		"role":    string(execution.OrderRoleEntry),
		"orderId": id,
		"hedge":   in.Hedge,
	})
	return nil
}

func (c *Controller) entryFailed(now time.Time, in entryIntent, stage string, err error) {
	retry := faults.IsRetryable(err)
	c.logger.Warn("Entry failed",
		zap.String("symbol", in.Symbol),
		zap.String("stage", stage),
		zap.Bool("willRetry", retry),
		zap.Error(err))
	if retry {
		return
	}
	c.publish(events.KindOrderFailed, now, map[string]any{
		"symbol": in.Symbol,
		"role":   string(execution.OrderRoleEntry),
		"stage":  stage,
		"error":  err.Error(),
		"hedge":  in.Hedge,
	})
}

// entryQuantity sizes a long entry: capital_per_trade / price, at least one
// share, capped by max_position_value.
func (c *Controller) entryQuantity(price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	qty := c.cfg.CapitalPerTrade.Div(price).Floor()
	if qty.LessThan(one) {
		qty = one
	}
	if limit := c.limits.MaxPositionValue; limit.IsPositive() && qty.Mul(price).GreaterThan(limit) {
		qty = limit.Div(price).Floor()
	}
	return qty
}

func (c *Controller) atrFor(ctx context.Context, symbol string) decimal.Decimal {
	lookback := c.cfg.ATRLookback
	if lookback <= 0 {
		return decimal.Zero
	}
	bars, err := c.broker.GetDailyBars(ctx, symbol, lookback+10)
	if err != nil {
		c.logger.Warn("No bars for ATR, using fallback stop", zap.String("symbol", symbol), zap.Error(err))
		return decimal.Zero
	}
	bars, rep := data.CleanBars(symbol, bars)
	if !rep.Clean() {
		c.logger.Warn("Daily bars had quality issues", zap.String("report", rep.Summary()))
	}
	atr, ok := indicators.ATR(bars, lookback)
	if !ok {
		c.logger.Warn("Not enough bars for ATR", zap.String("symbol", symbol), zap.Int("bars", len(bars)))
		return decimal.Zero
	}
	return atr
}

// expireEntries cancels entry orders older than entry_fill_timeout. A
// partially filled order opens a position for the filled quantity.
func (c *Controller) expireEntries(ctx context.Context, now time.Time) {
	if c.cfg.EntryFillTimeout <= 0 {
		return
	}
	for _, m := range c.orders.StaleOrders(execution.OrderRoleEntry, now.Add(-c.cfg.EntryFillTimeout)) {
		if err := c.broker.CancelOrder(ctx, m.Order.ID, connection.PriorityNormal); err != nil {
			if !faults.IsRetryable(err) {
				c.refreshOrder(ctx, m.Order.ID, now)
			}
			c.logger.Warn("Cancel of stale entry failed", zap.String("orderId", m.Order.ID), zap.Error(err))
			continue
		}
		c.orders.MarkCancelled(m.Order.ID, now)
		c.resolveCancelledEntry(ctx, m, ReasonEntryTimeout, now)
	}
}

// resolveCancelledEntry settles a position whose entry order was cancelled
// by us.
func (c *Controller) resolveCancelledEntry(ctx context.Context, m *execution.ManagedOrder, reason string, now time.Time) {
	pos := c.positions[m.PositionID]
	if pos == nil || pos.State != types.PositionStateOpening {
		return
	}
	if m.FilledQty.IsPositive() {
		c.openPosition(ctx, pos, m.FilledQty, m.AvgFillPrice, now)
		return
	}
	c.abandonEntry(pos, events.KindEntryTimeout, reason, now)
}

func (c *Controller) abandonEntry(pos *types.Position, kind events.Kind, reason string, now time.Time) {
	t := now
	pos.State = types.PositionStateClosed
	pos.ExitReason = reason
	pos.ClosedAt = &t
	pos.Quantity = decimal.Zero
	c.savePosition(pos)
	c.stops.Forget(pos.ID)

	c.logger.Warn("Entry abandoned without a fill",
		zap.String("symbol", pos.Symbol),
		zap.String("orderId", pos.EntryOrderID),
		zap.String("reason", reason))
	c.publish(kind, now, map[string]any{
		"symbol":  pos.Symbol,
		"orderId": pos.EntryOrderID,
		"reason":  reason,
		"hedge":   pos.IsHedge,
	})
}

// openPosition records an entry fill. Longs get their target and initial
// stop, which is placed at the broker right away.
func (c *Controller) openPosition(ctx context.Context, pos *types.Position, qty, price decimal.Decimal, now time.Time) {
	pos.Quantity = qty
	pos.EntryPrice = price
	pos.EntryTime = now
	pos.State = types.PositionStateOpen

	reason := ReasonEntry
	if pos.IsHedge {
		reason = ReasonOpenHedge
	}
	c.recordTrade(pos, journal.TradeOpened, qty, price, reason, pos.EntryOrderID, now)

	if pos.IsHedge {
		c.week.HedgeActive = true
		c.saveWeek()
		c.savePosition(pos)
		c.logger.Info("Hedge opened",
			zap.String("symbol", pos.Symbol),
			zap.String("qty", qty.String()),
			zap.String("price", price.String()))
		c.publish(events.KindHedgeOpened, now, map[string]any{
			"symbol": pos.Symbol,
			"qty":    qty.String(),
			"price":  price.String(),
		})
		return
	}

	er := c.stops.ExpectedReturn(pos.Symbol, price, pos.ATR)
	pos.TargetPrice = c.stops.Target(pos.Side, price, er)
	pos.CurrentStop = c.stops.InitialStop(pos.Side, price, pos.ATR)
	pos.StopDirty = true

	c.logger.Info("Position opened",
		zap.String("symbol", pos.Symbol),
		zap.String("qty", qty.String()),
		zap.String("price", price.String()),
		zap.String("stop", pos.CurrentStop.String()),
		zap.String("target", pos.TargetPrice.String()))
	c.publish(events.KindPositionOpened, now, map[string]any{
		"symbol": pos.Symbol,
		"qty":    qty.String(),
		"price":  price.String(),
		"stop":   pos.CurrentStop.String(),
		"target": pos.TargetPrice.String(),
		"er":     er.String(),
		"atr":    pos.ATR.String(),
		"reason": ReasonInitialStop,
	})

	if !c.state.Exiting() {
		_ = c.stops.Push(ctx, pos, now)
	}
	c.savePosition(pos)
}

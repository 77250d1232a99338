// Package stops computes initial stops and targets and ratchets trailing
// stops for open positions.
package stops

import (
	"context"
	"sync"
	"time"

	"github.com/atlas-desktop/weekly-trader/internal/connection"
	"github.com/atlas-desktop/weekly-trader/internal/events"
	"github.com/atlas-desktop/weekly-trader/internal/execution"
	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ratchet reasons recorded with stop events.
const (
	ReasonTargetHit = "ER_hit"
	ReasonTrail     = "trail_ratchet"
)

var (
	minATRReturn    = decimal.NewFromFloat(0.005)
	noATRStopFactor = decimal.NewFromFloat(0.99)
	one             = decimal.NewFromInt(1)
)

// Broker is the subset of the connection layer the stop manager uses.
type Broker interface {
	PlaceOrder(ctx context.Context, order *types.Order, prio connection.Priority) (string, error)
	ReplaceStop(ctx context.Context, orderID string, stop decimal.Decimal) (string, error)
}

// Decision is the outcome of evaluating one position at one price.
type Decision struct {
	NewStop   decimal.Decimal
	Changed   bool
	TargetHit bool
	Reason    string
}

// Manager owns stop placement rules and pushes stop changes to the broker.
type Manager struct {
	cfg    types.TradingConfig
	logger *zap.Logger
	bus    *events.Bus
	broker Broker
	orders *execution.OrderManager

	mu     sync.Mutex
	failed map[string]bool
}

// NewManager creates a stop manager. bus and orders may be nil.
func NewManager(logger *zap.Logger, cfg types.TradingConfig, broker Broker, orders *execution.OrderManager, bus *events.Bus) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.Named("stops"),
		bus:    bus,
		broker: broker,
		orders: orders,
		failed: make(map[string]bool),
	}
}

// RoundCents rounds a price to whole cents.
func RoundCents(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ExpectedReturn returns the target return fraction for symbol.
func (m *Manager) ExpectedReturn(symbol string, price, atr decimal.Decimal) decimal.Decimal {
	switch m.cfg.ExpectedReturnMode {
	case types.ExpectedReturnATR:
		if atr.IsPositive() && price.IsPositive() {
			return decimal.Max(minATRReturn, m.cfg.ATRK.Mul(atr).Div(price))
		}
	case types.ExpectedReturnFile:
		if er, ok := m.cfg.ExpectedReturns[symbol]; ok {
			return er
		}
	}
	return m.cfg.FixedERPct
}

// Target returns the expected-return price for an entry.
func (m *Manager) Target(side types.PositionSide, entry, er decimal.Decimal) decimal.Decimal {
	if side == types.PositionSideShort {
		return RoundCents(entry.Mul(one.Sub(er)))
	}
	return RoundCents(entry.Mul(one.Add(er)))
}

// InitialStop returns the protective stop for a fresh entry. A zero atr
// means none was available.
func (m *Manager) InitialStop(side types.PositionSide, entry, atr decimal.Decimal) decimal.Decimal {
	var dist decimal.Decimal
	switch {
	case m.cfg.StopMode == types.StopModeFixed:
		dist = entry.Mul(m.cfg.StopFixedPct)
	case atr.IsPositive():
		dist = m.cfg.StopATRMult.Mul(atr)
	default:
		dist = entry.Sub(entry.Mul(noATRStopFactor))
	}
	if side == types.PositionSideShort {
		return RoundCents(entry.Add(dist))
	}
	return RoundCents(entry.Sub(dist))
}

// Evaluate computes the stop for pos at price without mutating pos. The
// stop never loosens: it only rises for longs and only falls for shorts.
func (m *Manager) Evaluate(pos *types.Position, price decimal.Decimal) Decision {
	d := Decision{NewStop: pos.CurrentStop}
	if pos.IsHedge || pos.State != types.PositionStateOpen || !price.IsPositive() {
		return d
	}
	short := pos.Side == types.PositionSideShort

	if !pos.TargetHit && pos.TargetPrice.IsPositive() {
		crossed := price.GreaterThanOrEqual(pos.TargetPrice)
		if short {
			crossed = price.LessThanOrEqual(pos.TargetPrice)
		}
		if crossed {
			d.TargetHit = true
			d.Reason = ReasonTargetHit
			d.NewStop = tighter(short, pos.CurrentStop, pos.TargetPrice)
			d.Changed = !d.NewStop.Equal(pos.CurrentStop)
			return d
		}
	}

	candidate := RoundCents(m.trailCandidate(pos, price, short))
	d.NewStop = tighter(short, pos.CurrentStop, candidate)
	if !d.NewStop.Equal(pos.CurrentStop) {
		d.Changed = true
		d.Reason = ReasonTrail
	}
	return d
}

func (m *Manager) trailCandidate(pos *types.Position, price decimal.Decimal, short bool) decimal.Decimal {
	mode := pos.TrailingMode
	if mode == "" {
		mode = m.cfg.TrailingMode
	}
	var dist decimal.Decimal
	if mode == types.TrailingModeATR && pos.ATR.IsPositive() {
		dist = m.cfg.TrailingATRMult.Mul(pos.ATR)
	} else {
		dist = price.Mul(m.cfg.TrailingPct)
	}
	if short {
		return price.Add(dist)
	}
	return price.Sub(dist)
}

// tighter returns the more protective of two stops. An unset current stop
// always yields the candidate.
func tighter(short bool, current, candidate decimal.Decimal) decimal.Decimal {
	if !current.IsPositive() {
		return candidate
	}
	if short {
		return decimal.Min(current, candidate)
	}
	return decimal.Max(current, candidate)
}

// Update evaluates pos at price, applies any change in memory, emits one
// event for it, and pushes the resting stop to the broker. It reports
// whether pos changed.
func (m *Manager) Update(ctx context.Context, pos *types.Position, price decimal.Decimal, now time.Time) (bool, error) {
	d := m.Evaluate(pos, price)
	changed := d.Changed || d.TargetHit

	if changed {
		prev := pos.CurrentStop
		pos.CurrentStop = d.NewStop
		if d.TargetHit {
			pos.TargetHit = true
		}
		if d.Changed {
			pos.StopDirty = true
		}

		kind := events.KindStopRaised
		if d.TargetHit {
			kind = events.KindTargetHit
		}
		m.logger.Info("Stop ratcheted",
			zap.String("symbol", pos.Symbol),
			zap.String("reason", d.Reason),
			zap.String("price", price.String()),
			zap.String("from", prev.String()),
			zap.String("to", d.NewStop.String()))
		m.publish(kind, pos.WeekID, now, map[string]any{
			"symbol": pos.Symbol,
			"reason": d.Reason,
			"price":  price.String(),
			"from":   prev.String(),
			"to":     d.NewStop.String(),
			"target": pos.TargetPrice.String(),
		})
	}

	return changed, m.Push(ctx, pos, now)
}

// Push sends a dirty stop to the broker, placing it if no stop order is
// resting yet. On failure the stop stays dirty so the next tick retries; the
// first failure of an episode emits a stop_push_failed event.
func (m *Manager) Push(ctx context.Context, pos *types.Position, now time.Time) error {
	if !pos.StopDirty || pos.IsHedge || pos.State != types.PositionStateOpen {
		return nil
	}

	var err error
	if pos.StopOrderID == "" {
		order := execution.NewStopOrder(pos.Symbol, pos.Side.ExitSide(), pos.Quantity, pos.CurrentStop)
		var id string
		if id, err = m.broker.PlaceOrder(ctx, order, connection.PriorityNormal); err == nil {
			order.ID = id
			pos.StopOrderID = id
			if m.orders != nil {
				m.orders.TrackOrder(order, pos.ID, execution.OrderRoleStop, now)
			}
		}
	} else {
		var id string
		if id, err = m.broker.ReplaceStop(ctx, pos.StopOrderID, pos.CurrentStop); err == nil {
			if id != "" && id != pos.StopOrderID {
				if m.orders != nil {
					m.orders.Rekey(pos.StopOrderID, id)
				}
				pos.StopOrderID = id
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		pos.StopDirty = false
		delete(m.failed, pos.ID)
		return nil
	}

	m.logger.Warn("Stop push failed, will retry",
		zap.String("symbol", pos.Symbol),
		zap.String("stop", pos.CurrentStop.String()),
		zap.Error(err))
	if !m.failed[pos.ID] {
		m.failed[pos.ID] = true
		m.publish(events.KindStopPushFailed, pos.WeekID, now, map[string]any{
			"symbol": pos.Symbol,
			"stop":   pos.CurrentStop.String(),
			"error":  err.Error(),
		})
	}
	return err
}

// Forget drops retry bookkeeping for a closed position.
func (m *Manager) Forget(positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.failed, positionID)
}

func (m *Manager) publish(kind events.Kind, weekID string, now time.Time, payload map[string]any) {
	if m.bus == nil {
		return
	}
	ev := events.New(kind, now, payload)
	ev.WeekID = weekID
	m.bus.Publish(ev)
}

// Package metrics exposes Prometheus collectors fed from the event bus.
//
// Exported series:
//   - weekly_trader_events_total{kind}
//   - weekly_trader_orders_submitted_total{role,side}
//   - weekly_trader_order_failures_total{role}
//   - weekly_trader_positions_closed_total{reason}
//   - weekly_trader_open_positions
//   - weekly_trader_realized_pnl_usd
//   - weekly_trader_stop_adjustments_total{kind}
//   - weekly_trader_state{state}
//   - weekly_trader_connection_status{status}
//   - weekly_trader_safety_violations_total{rule,severity}
//   - weekly_trader_weeks_closed_total{reason}
package metrics

import (
	"fmt"
	"sync"

	"github.com/atlas-desktop/weekly-trader/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const namespace = "weekly_trader"

var (
	lifecycleStates = []string{"idle", "awaiting_entry", "entering", "monitoring", "exiting_scheduled", "exiting_emergency", "week_closed"}
	connStatuses    = []string{"disconnected", "connecting", "connected", "degraded"}
)

// Collector owns a private registry so tests and multiple processes in one
// binary never collide on the default one.
type Collector struct {
	logger   *zap.Logger
	registry *prometheus.Registry

	events          *prometheus.CounterVec
	ordersSubmitted *prometheus.CounterVec
	orderFailures   *prometheus.CounterVec
	positionsClosed *prometheus.CounterVec
	openPositions   prometheus.Gauge
	realizedPnL     prometheus.Gauge
	stopAdjustments *prometheus.CounterVec
	state           *prometheus.GaugeVec
	connection      *prometheus.GaugeVec
	violations      *prometheus.CounterVec
	weeksClosed     *prometheus.CounterVec

	mu   sync.Mutex
	open map[string]bool
	pnl  decimal.Decimal
}

// NewCollector creates and registers every collector.
func NewCollector(logger *zap.Logger) *Collector {
	c := &Collector{
		logger:   logger.Named("metrics"),
		registry: prometheus.NewRegistry(),
		open:     make(map[string]bool),

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Journal events published, by kind.",
		}, []string{"kind"}),
		ordersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_submitted_total",
			Help:      "Entry and exit orders accepted by the gateway.",
		}, []string{"role", "side"}),
		orderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_failures_total",
			Help:      "Orders rejected, failed or ended without a full fill.",
		}, []string{"role"}),
		positionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Closed positions split by exit reason.",
		}, []string{"reason"}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Positions currently open, hedge included.",
		}),
		realizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realized_pnl_usd",
			Help:      "Realized P&L of positions closed since start.",
		}),
		stopAdjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stop_adjustments_total",
			Help:      "Stop ratchets, target locks and failed stop pushes.",
		}, []string{"kind"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Lifecycle state indicator, 1 for the current state.",
		}, []string{"state"}),
		connection: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "Gateway connection status indicator, 1 for the current status.",
		}, []string{"status"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_violations_total",
			Help:      "Safety violation episodes by rule and severity.",
		}, []string{"rule", "severity"}),
		weeksClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weeks_closed_total",
			Help:      "Archived trading weeks by exit reason.",
		}, []string{"reason"}),
	}

	c.registry.MustRegister(
		c.events,
		c.ordersSubmitted,
		c.orderFailures,
		c.positionsClosed,
		c.openPositions,
		c.realizedPnL,
		c.stopAdjustments,
		c.state,
		c.connection,
		c.violations,
		c.weeksClosed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c.setOne(c.state, lifecycleStates, "idle")
	c.setOne(c.connection, connStatuses, "disconnected")
	return c
}

// Registry returns the registry to serve with promhttp.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handle is an events.Handler. Subscribe it with Bus.SubscribeAll.
func (c *Collector) Handle(ev events.Event) error {
	c.events.WithLabelValues(string(ev.Kind)).Inc()

	switch ev.Kind {
	case events.KindStateTransition:
		c.setOne(c.state, lifecycleStates, label(ev, "to"))

	case events.KindConnectionChanged:
		c.setOne(c.connection, connStatuses, label(ev, "to"))

	case events.KindOrderSubmitted:
		c.ordersSubmitted.WithLabelValues(label(ev, "role"), label(ev, "side")).Inc()

	case events.KindOrderFailed, events.KindEntryTimeout:
		role := label(ev, "role")
		if role == "" {
			role = "entry"
		}
		c.orderFailures.WithLabelValues(role).Inc()

	case events.KindPositionOpened, events.KindHedgeOpened:
		c.mu.Lock()
		c.open[positionKey(ev)] = true
		c.openPositions.Set(float64(len(c.open)))
		c.mu.Unlock()

	case events.KindPositionClosed:
		c.positionsClosed.WithLabelValues(label(ev, "reason")).Inc()
		c.mu.Lock()
		delete(c.open, positionKey(ev))
		c.openPositions.Set(float64(len(c.open)))
		if pnl, err := decimal.NewFromString(label(ev, "pnl")); err == nil {
			c.pnl = c.pnl.Add(pnl)
			c.realizedPnL.Set(c.pnl.InexactFloat64())
		}
		c.mu.Unlock()

	case events.KindStopRaised, events.KindTargetHit, events.KindStopPushFailed:
		c.stopAdjustments.WithLabelValues(string(ev.Kind)).Inc()

	case events.KindSafetyViolation:
		c.violations.WithLabelValues(label(ev, "rule"), label(ev, "severity")).Inc()

	case events.KindWeekClosed:
		c.weeksClosed.WithLabelValues(label(ev, "exitReason")).Inc()
		c.mu.Lock()
		c.open = make(map[string]bool)
		c.openPositions.Set(0)
		c.mu.Unlock()
	}
	return nil
}

func (c *Collector) setOne(vec *prometheus.GaugeVec, all []string, current string) {
	if current == "" {
		return
	}
	for _, v := range all {
		vec.WithLabelValues(v).Set(0)
	}
	vec.WithLabelValues(current).Set(1)
}

func positionKey(ev events.Event) string {
	return ev.WeekID + "/" + label(ev, "symbol")
}

func label(ev events.Event, key string) string {
	v, ok := ev.Payload[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Package lifecycle runs the weekly trading state machine: week open,
// scheduled entry, monitoring, and the mandatory liquidation before the
// last close of the week.
package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/weekly-trader/internal/alerts"
	"github.com/atlas-desktop/weekly-trader/internal/calendar"
	"github.com/atlas-desktop/weekly-trader/internal/connection"
	"github.com/atlas-desktop/weekly-trader/internal/events"
	"github.com/atlas-desktop/weekly-trader/internal/execution"
	"github.com/atlas-desktop/weekly-trader/internal/journal"
	"github.com/atlas-desktop/weekly-trader/internal/regime"
	"github.com/atlas-desktop/weekly-trader/internal/safety"
	"github.com/atlas-desktop/weekly-trader/internal/stops"
	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// State is the controller state.
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingEntry    State = "awaiting_entry"
	StateEntering         State = "entering"
	StateMonitoring       State = "monitoring"
	StateExitingScheduled State = "exiting_scheduled"
	StateExitingEmergency State = "exiting_emergency"
	StateWeekClosed       State = "week_closed"
)

// Exiting reports whether s is one of the liquidation states.
func (s State) Exiting() bool {
	return s == StateExitingScheduled || s == StateExitingEmergency
}

// Trade journal reasons.
const (
	ReasonEntry          = "entry"
	ReasonInitialStop    = "initial_stop"
	ReasonFridayClose    = "friday_close"
	ReasonEmergencyClose = "emergency_close"
	ReasonOpenHedge      = "open_hedge"
	ReasonCloseHedge     = "close_hedge"
	ReasonEntryTimeout   = "entry_timeout"
	ReasonStopFilled     = "stop_filled"
)

// Broker is the gateway surface the controller uses. The connection
// manager implements it.
type Broker interface {
	PlaceOrder(ctx context.Context, order *types.Order, prio connection.Priority) (string, error)
	CancelOrder(ctx context.Context, orderID string, prio connection.Priority) error
	ReplaceStop(ctx context.Context, orderID string, stop decimal.Decimal) (string, error)
	GetOrder(ctx context.Context, orderID string) (*types.Order, error)
	GetPositions(ctx context.Context) ([]types.BrokerPosition, error)
	GetQuote(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetDailyBars(ctx context.Context, symbol string, days int) ([]types.OHLCV, error)
	Status() connection.Status
}

// Journal is the durable store the controller writes to and rebuilds from.
type Journal interface {
	RecordTrade(rec journal.TradeRecord) error
	SaveWeek(week *types.TradingWeek) error
	SavePosition(pos *types.Position) error
	LastOpenWeek() (*types.TradingWeek, error)
	LatestWeek() (*types.TradingWeek, error)
	Positions(weekID string) ([]*types.Position, error)
}

// Deps are the collaborators of a Controller. Bus and Alerts may be nil.
type Deps struct {
	Calendar calendar.Calendar
	Broker   Broker
	Journal  Journal
	Stops    *stops.Manager
	Regime   *regime.Evaluator
	Orders   *execution.OrderManager
	Bus      *events.Bus
	Alerts   alerts.Sink
}

// Options are run-mode switches.
type Options struct {
	// SingleWeek finishes the controller after the first archived week.
	SingleWeek bool
}

type entryIntent struct {
	Symbol string
	Hedge  bool
}

// Snapshot is a read-only view of the controller for observers.
type Snapshot struct {
	State          State              `json:"state"`
	Week           *types.TradingWeek `json:"week,omitempty"`
	Positions      []*types.Position  `json:"positions"`
	PendingEntries []string           `json:"pendingEntries,omitempty"`
	Regime         *regime.Decision   `json:"regime,omitempty"`
	EntriesPaused  bool               `json:"entriesPaused"`
	WeeksClosed    int                `json:"weeksClosed"`
	InboxDepth     int                `json:"inboxDepth"`
	InboxPosted    uint64             `json:"inboxPosted"`
	Halted         string             `json:"halted,omitempty"`
}

// Controller is the weekly state machine. Tick is the only writer of week
// and position state; everything else posts to the inbox. Readers see the
// copy published at the end of each tick, so they never wait on a tick's
// gateway calls.
type Controller struct {
	cfg    types.TradingConfig
	limits types.SafetyLimits
	opts   Options
	logger *zap.Logger

	cal     calendar.Calendar
	broker  Broker
	journal Journal
	stops   *stops.Manager
	regime  *regime.Evaluator
	orders  *execution.OrderManager
	bus     *events.Bus
	alerts  alerts.Sink
	inbox   *Inbox

	// tickMu serializes Tick and Recover and guards the working state below.
	tickMu    sync.Mutex
	state     State
	week      *types.TradingWeek
	positions map[string]*types.Position
	decision  *regime.Decision
	report    *safety.Report
	critical  *safety.Report

	pending      []entryIntent
	notionals    []decimal.Decimal
	entryStarted time.Time

	exitReason         string
	exitStarted        time.Time
	liquidationAlerted bool

	lastWeekStart time.Time
	missedWeek    time.Time
	weeksClosed   int
	halted        error

	done     chan struct{}
	doneOnce sync.Once

	viewMu     sync.RWMutex
	view       Snapshot
	supervised []*types.Position
	haltErr    error
}

// NewController creates a controller in Idle.
func NewController(logger *zap.Logger, cfg types.TradingConfig, limits types.SafetyLimits, deps Deps, opts Options) *Controller {
	return &Controller{
		cfg:       cfg,
		limits:    limits,
		opts:      opts,
		logger:    logger.Named("lifecycle"),
		cal:       deps.Calendar,
		broker:    deps.Broker,
		journal:   deps.Journal,
		stops:     deps.Stops,
		regime:    deps.Regime,
		orders:    deps.Orders,
		bus:       deps.Bus,
		alerts:    deps.Alerts,
		inbox:     NewInbox(),
		state:     StateIdle,
		positions: make(map[string]*types.Position),
		done:      make(chan struct{}),
		view:      Snapshot{State: StateIdle, Positions: []*types.Position{}},
	}
}

// PostOrderUpdate queues a gateway order update. It never blocks.
func (c *Controller) PostOrderUpdate(u types.OrderUpdate) {
	c.inbox.Post(Message{Kind: MessageOrderUpdate, At: u.Timestamp, Order: &u})
}

// PostSafetyReport queues a safety supervisor report.
func (c *Controller) PostSafetyReport(r *safety.Report) {
	c.inbox.Post(Message{Kind: MessageSafetyReport, At: r.Timestamp, Report: r})
}

// PostConnectionChange queues a connection status change.
func (c *Controller) PostConnectionChange(ch connection.Change) {
	c.inbox.Post(Message{Kind: MessageConnectionChange, At: ch.At, Connection: &ch})
}

// Done is closed when the controller halts or, in single-week mode, after
// the week is archived.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that halted the controller, if any.
func (c *Controller) Err() error {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()

	return c.haltErr
}

// State returns the state as of the last completed tick.
func (c *Controller) State() State {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()

	return c.view.State
}

// SupervisedPositions returns copies of every position not yet closed as of
// the last completed tick.
func (c *Controller) SupervisedPositions() []*types.Position {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()

	return clonePositions(c.supervised)
}

// Snapshot returns the controller state as of the last completed tick. The
// inbox counters are live.
func (c *Controller) Snapshot() Snapshot {
	c.viewMu.RLock()
	s := c.view
	s.Positions = clonePositions(c.view.Positions)
	s.PendingEntries = append([]string(nil), c.view.PendingEntries...)
	c.viewMu.RUnlock()

	s.InboxDepth = c.inbox.Len()
	s.InboxPosted = c.inbox.Posted()
	return s
}

// publishView copies the working state for readers. Callers hold tickMu.
func (c *Controller) publishView() {
	s := Snapshot{
		State:         c.state,
		EntriesPaused: c.entriesPaused(),
		WeeksClosed:   c.weeksClosed,
		Positions:     make([]*types.Position, 0, len(c.positions)),
	}
	if c.week != nil {
		w := *c.week
		s.Week = &w
	}
	if c.decision != nil {
		d := *c.decision
		s.Regime = &d
	}
	for _, p := range c.sortedPositions() {
		s.Positions = append(s.Positions, p.Clone())
	}
	for _, in := range c.pending {
		s.PendingEntries = append(s.PendingEntries, in.Symbol)
	}
	if c.halted != nil {
		s.Halted = c.halted.Error()
	}
	supervised := clonePositions(c.activePositions())

	c.viewMu.Lock()
	c.view = s
	c.supervised = supervised
	c.viewMu.Unlock()
}

func clonePositions(in []*types.Position) []*types.Position {
	out := make([]*types.Position, len(in))
	for i, p := range in {
		out[i] = p.Clone()
	}
	return out
}

// Tick runs one serialized step of the state machine. It drains the inbox,
// applies any critical safety report, then advances the current state.
// A non-nil error means automated trading has halted.
func (c *Controller) Tick(ctx context.Context, now time.Time) error {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	defer c.publishView()

	if c.halted != nil {
		return c.halted
	}

	for _, msg := range c.inbox.Drain() {
		c.handle(ctx, msg, now)
		if c.halted != nil {
			return c.halted
		}
	}

	if r := c.critical; r != nil {
		c.critical = nil
		switch c.state {
		case StateAwaitingEntry, StateEntering, StateMonitoring:
			c.beginExit(ctx, now, StateExitingEmergency, ReasonEmergencyClose, violationSummary(r))
		case StateIdle:
			c.logger.Warn("Critical safety report with no active week", zap.String("violations", violationSummary(r)))
		}
	}

	switch c.state {
	case StateIdle:
		c.tickIdle(ctx, now)
	case StateAwaitingEntry:
		c.tickAwaitingEntry(ctx, now)
	case StateEntering:
		c.tickEntering(ctx, now)
	case StateMonitoring:
		c.tickMonitoring(ctx, now)
	case StateExitingScheduled, StateExitingEmergency:
		c.tickExiting(ctx, now)
	case StateWeekClosed:
		c.archive(now)
	}
	return c.halted
}

func (c *Controller) handle(ctx context.Context, msg Message, now time.Time) {
	switch msg.Kind {
	case MessageOrderUpdate:
		c.applyOrderUpdate(ctx, *msg.Order, now)
	case MessageSafetyReport:
		c.report = msg.Report
		if msg.Report.HasCritical {
			c.critical = msg.Report
		}
	case MessageConnectionChange:
		ch := msg.Connection
		c.logger.Info("Connection change observed",
			zap.String("from", string(ch.From)),
			zap.String("to", string(ch.To)),
			zap.String("state", string(c.state)))
		if ch.State.Exhausted {
			c.halt(ctx, now, fatalExhausted())
		}
	}
}

func (c *Controller) tickIdle(ctx context.Context, now time.Time) {
	ws, err := calendar.ScheduleFor(c.cal, now, c.cfg.EntryTiming, c.cfg.ExitBeforeClose)
	if err != nil {
		return
	}
	if now.Before(ws.FirstSession.Open) || !now.Before(ws.ExitDeadline) {
		return
	}
	if ws.FirstSession.Date.Equal(c.lastWeekStart) {
		return
	}
	if !now.Before(ws.FirstSession.Close) {
		if !ws.FirstSession.Date.Equal(c.missedWeek) {
			c.missedWeek = ws.FirstSession.Date
			c.logger.Warn("Entry day already over, waiting for next week",
				zap.Time("entryDay", ws.FirstSession.Date))
		}
		return
	}
	c.openWeek(ctx, ws, now)
}

func (c *Controller) openWeek(ctx context.Context, ws calendar.WeekSchedule, now time.Time) {
	c.week = &types.TradingWeek{
		ID:           newID(),
		StartDate:    ws.FirstSession.Date,
		EntryTime:    ws.EntryTime,
		ExitDeadline: ws.ExitDeadline,
		State:        types.WeekState(c.state),
	}
	c.positions = make(map[string]*types.Position)
	c.pending = nil
	c.notionals = nil
	c.decision = nil
	c.exitReason = ""
	c.saveWeek()

	c.logger.Info("Trading week opened",
		zap.String("weekId", c.week.ID),
		zap.Time("entryTime", ws.EntryTime),
		zap.Time("exitDeadline", ws.ExitDeadline))
	c.publish(events.KindWeekOpened, now, map[string]any{
		"startDate":    ws.FirstSession.Date.Format("2006-01-02"),
		"entryTime":    ws.EntryTime,
		"exitDeadline": ws.ExitDeadline,
	})

	c.transition(StateAwaitingEntry, now, "week_started")
	c.tickAwaitingEntry(ctx, now)
}

func (c *Controller) pastDeadline(now time.Time) bool {
	return c.week != nil && !now.Before(c.week.ExitDeadline)
}

func (c *Controller) entriesPaused() bool {
	return c.report != nil && c.report.PauseEntries
}

// transition moves to state and emits one event for it.
func (c *Controller) transition(to State, now time.Time, reason string) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if c.week != nil {
		c.week.State = types.WeekState(to)
		c.saveWeek()
	}

	c.logger.Info("State transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	c.publish(events.KindStateTransition, now, map[string]any{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
}

func (c *Controller) halt(ctx context.Context, now time.Time, err error) {
	if c.halted != nil {
		return
	}
	c.halted = err
	c.viewMu.Lock()
	c.haltErr = err
	c.viewMu.Unlock()
	c.logger.Error("Automated trading halted, resting stop orders are left in place",
		zap.String("state", string(c.state)),
		zap.Error(err))
	c.alert(ctx, now, alerts.SeverityCritical, "Automated trading halted", err.Error())
	c.finish()
}

func (c *Controller) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// activePositions returns non-closed positions in a stable order.
func (c *Controller) activePositions() []*types.Position {
	var out []*types.Position
	for _, p := range c.sortedPositions() {
		if p.IsActive() {
			out = append(out, p)
		}
	}
	return out
}

func (c *Controller) sortedPositions() []*types.Position {
	out := make([]*types.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsHedge != out[j].IsHedge {
			return !out[i].IsHedge
		}
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *Controller) saveWeek() {
	if c.week == nil || c.journal == nil {
		return
	}
	if err := c.journal.SaveWeek(c.week); err != nil {
		c.logger.Error("Failed to checkpoint week", zap.String("weekId", c.week.ID), zap.Error(err))
	}
}

func (c *Controller) savePosition(pos *types.Position) {
	if c.journal == nil {
		return
	}
	if err := c.journal.SavePosition(pos); err != nil {
		c.logger.Error("Failed to checkpoint position", zap.String("symbol", pos.Symbol), zap.Error(err))
	}
}

func (c *Controller) recordTrade(pos *types.Position, kind string, qty, price decimal.Decimal, reason, orderID string, now time.Time) {
	if c.journal == nil {
		return
	}
	err := c.journal.RecordTrade(journal.TradeRecord{
		Timestamp: now,
		WeekID:    pos.WeekID,
		Kind:      kind,
		Symbol:    pos.Symbol,
		Quantity:  qty,
		Price:     price,
		Reason:    reason,
		OrderID:   orderID,
	})
	if err != nil {
		c.logger.Error("Failed to journal trade",
			zap.String("symbol", pos.Symbol),
			zap.String("kind", kind),
			zap.Error(err))
	}
}

func (c *Controller) publish(kind events.Kind, now time.Time, payload map[string]any) {
	if c.bus == nil {
		return
	}
	ev := events.New(kind, now, payload)
	if c.week != nil {
		ev.WeekID = c.week.ID
	}
	c.bus.Publish(ev)
}

func (c *Controller) alert(ctx context.Context, now time.Time, sev alerts.Severity, subject, body string) {
	if c.alerts == nil {
		return
	}
	if err := c.alerts.Send(ctx, alerts.Alert{
		Severity:  sev,
		Subject:   subject,
		Body:      body,
		Timestamp: now,
	}); err != nil {
		c.logger.Warn("Alert delivery failed", zap.String("subject", subject), zap.Error(err))
	}
}

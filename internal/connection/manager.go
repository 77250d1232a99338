// Package connection supervises the single broker gateway session: heartbeat
// probing, reconnect with capped exponential backoff, and gating of calls
// by connection status.
package connection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/weekly-trader/internal/alerts"
	"github.com/atlas-desktop/weekly-trader/internal/events"
	"github.com/atlas-desktop/weekly-trader/internal/execution"
	"github.com/atlas-desktop/weekly-trader/internal/faults"
	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Status is the connection status.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDegraded     Status = "degraded"
)

// State is a read-only snapshot of the connection.
type State struct {
	Status              Status    `json:"status"`
	LastHeartbeatAt     time.Time `json:"lastHeartbeatAt"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	ReconnectAttempts   int       `json:"reconnectAttempts"`
	ConnectedSince      time.Time `json:"connectedSince"`
	Exhausted           bool      `json:"exhausted"`
}

// Stats are lifetime connection counters.
type Stats struct {
	TotalConnections int           `json:"totalConnections"`
	Disconnections   int           `json:"disconnections"`
	Reconnections    int           `json:"reconnections"`
	LongestUptime    time.Duration `json:"longestUptime"`
}

// Change describes one status transition.
type Change struct {
	From  Status    `json:"from"`
	To    Status    `json:"to"`
	At    time.Time `json:"at"`
	State State     `json:"state"`
}

// Priority marks whether a call is part of a liquidation.
type Priority int

const (
	PriorityNormal Priority = iota
	// PriorityExit calls are still sent while Degraded.
	PriorityExit
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Manager owns the gateway connection. Every other component reaches the
// gateway through it.
type Manager struct {
	gw     execution.Gateway
	cfg    types.ConnectionConfig
	logger *zap.Logger
	bus    *events.Bus
	alerts alerts.Sink

	mu        sync.RWMutex
	state     State
	stats     Stats
	listeners []func(Change)

	reconnecting atomic.Bool
	sleep        SleepFunc
	now          func() time.Time
}

// NewManager creates a manager for gw. bus and sink may be nil.
func NewManager(logger *zap.Logger, gw execution.Gateway, cfg types.ConnectionConfig, bus *events.Bus, sink alerts.Sink) *Manager {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Manager{
		gw:     gw,
		cfg:    cfg,
		logger: logger.Named("connection"),
		bus:    bus,
		alerts: sink,
		state:  State{Status: StatusDisconnected},
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

// SetSleep replaces the backoff wait.
func (m *Manager) SetSleep(fn SleepFunc) { m.sleep = fn }

// SetClock replaces the time source.
func (m *Manager) SetClock(fn func() time.Time) { m.now = fn }

// OnChange registers fn to be called after every status transition.
func (m *Manager) OnChange(fn func(Change)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, fn)
}

// OnOrderUpdate routes gateway order updates to fn.
func (m *Manager) OnOrderUpdate(fn execution.OrderHandler) {
	m.gw.SetOrderHandler(fn)
}

// State returns a snapshot of the connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.state
}

// Status returns the current status.
func (m *Manager) Status() Status {
	return m.State().Status
}

// Stats returns lifetime counters, counting the current session's uptime.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.stats
	if m.state.Status == StatusConnected || m.state.Status == StatusDegraded {
		if up := m.now().Sub(m.state.ConnectedSince); up > s.LongestUptime {
			s.LongestUptime = up
		}
	}
	return s
}

// Exhausted reports whether the reconnect budget has been spent.
func (m *Manager) Exhausted() bool {
	return m.State().Exhausted
}

// GatewayName returns the underlying gateway's name.
func (m *Manager) GatewayName() string { return m.gw.Name() }

// Connect makes a single connection attempt.
func (m *Manager) Connect(ctx context.Context) error {
	m.transition(StatusConnecting, nil)

	if err := m.dial(ctx); err != nil {
		m.transition(StatusDisconnected, nil)
		m.logger.Error("Initial connection failed", zap.Error(err))
		m.alert(ctx, alerts.SeverityCritical, "Gateway connection failed",
			fmt.Sprintf("could not connect to %s: %v", m.gw.Name(), err))
		return faults.Retryable("connect", err)
	}

	m.connected(false)
	return nil
}

// Close disconnects without triggering a reconnect.
func (m *Manager) Close() error {
	err := m.gw.Disconnect()
	if m.Status() != StatusDisconnected {
		m.transition(StatusDisconnected, func(s *State) {
			m.closeSession(s)
		})
	}
	return err
}

// Heartbeat runs one probe. A Disconnected manager that is not exhausted
// starts the reconnect loop instead.
func (m *Manager) Heartbeat(ctx context.Context) {
	switch st := m.State(); {
	case st.Status == StatusConnecting:
		return
	case st.Status == StatusDisconnected:
		if !st.Exhausted {
			m.Reconnect(ctx)
		}
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	err := m.gw.Ping(probeCtx)
	cancel()

	if err == nil {
		m.mu.Lock()
		m.state.ConsecutiveFailures = 0
		m.state.LastHeartbeatAt = m.now()
		degraded := m.state.Status == StatusDegraded
		m.mu.Unlock()

		if degraded {
			m.logger.Info("Heartbeat recovered")
			m.transition(StatusConnected, nil)
		}
		return
	}

	m.mu.Lock()
	m.state.ConsecutiveFailures++
	failures := m.state.ConsecutiveFailures
	status := m.state.Status
	m.mu.Unlock()

	m.logger.Warn("Heartbeat failed",
		zap.Int("consecutiveFailures", failures),
		zap.Int("threshold", m.cfg.FailureThreshold),
		zap.Error(err))

	if status == StatusConnected {
		m.transition(StatusDegraded, nil)
	}
	if failures < m.cfg.FailureThreshold {
		return
	}

	if derr := m.gw.Disconnect(); derr != nil {
		m.logger.Warn("Disconnect after heartbeat failures", zap.Error(derr))
	}
	m.transition(StatusDisconnected, func(s *State) {
		m.closeSession(s)
		m.stats.Disconnections++
	})
	m.alert(ctx, alerts.SeverityCritical, "Gateway connection lost",
		fmt.Sprintf("%d consecutive heartbeat failures: %v", failures, err))

	m.Reconnect(ctx)
}

// Reconnect retries the connection with capped exponential backoff. It stays
// in Connecting across attempts and returns faults.ErrReconnectExhausted
// once the budget is spent, leaving the manager Disconnected.
func (m *Manager) Reconnect(ctx context.Context) error {
	if !m.reconnecting.CompareAndSwap(false, true) {
		return nil
	}
	defer m.reconnecting.Store(false)

	m.transition(StatusConnecting, nil)

	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		m.mu.Lock()
		m.state.ReconnectAttempts = attempt
		m.mu.Unlock()

		wait := Backoff(attempt, m.cfg.BaseBackoff, m.cfg.MaxBackoff)
		m.logger.Info("Reconnecting",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", m.cfg.MaxReconnectAttempts),
			zap.Duration("backoff", wait))

		if err := m.sleep(ctx, wait); err != nil {
			m.transition(StatusDisconnected, nil)
			return err
		}

		err := m.dial(ctx)
		if err == nil {
			m.connected(true)
			m.alert(ctx, alerts.SeverityInfo, "Gateway connection restored",
				fmt.Sprintf("reconnected after %d attempt(s)", attempt))
			return nil
		}
		m.logger.Warn("Reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	m.transition(StatusDisconnected, func(s *State) {
		s.Exhausted = true
	})
	m.logger.Error("Reconnect attempts exhausted", zap.Int("attempts", m.cfg.MaxReconnectAttempts))
	m.publish(events.KindReconnectExhausted, map[string]any{
		"attempts": m.cfg.MaxReconnectAttempts,
	})
	m.alert(ctx, alerts.SeverityCritical, "Reconnect attempts exhausted",
		fmt.Sprintf("gave up after %d attempts; existing stop orders remain at the broker; manual intervention required",
			m.cfg.MaxReconnectAttempts))
	return faults.ErrReconnectExhausted
}

// Backoff returns min(base*2^(attempt-1), max).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

func (m *Manager) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	return m.gw.Connect(dialCtx, execution.ConnectParams{
		Host:     m.cfg.Host,
		Port:     m.cfg.Port,
		ClientID: m.cfg.ClientID,
	})
}

func (m *Manager) connected(reconnect bool) {
	m.transition(StatusConnected, func(s *State) {
		now := m.now()
		s.ConnectedSince = now
		s.LastHeartbeatAt = now
		s.ConsecutiveFailures = 0
		s.ReconnectAttempts = 0
		s.Exhausted = false
		m.stats.TotalConnections++
		if reconnect {
			m.stats.Reconnections++
		}
	})
	m.logger.Info("Gateway connected", zap.String("gateway", m.gw.Name()), zap.Bool("reconnect", reconnect))
}

// closeSession folds the ending session into the uptime stats. Caller holds mu.
func (m *Manager) closeSession(s *State) {
	if !s.ConnectedSince.IsZero() {
		if up := m.now().Sub(s.ConnectedSince); up > m.stats.LongestUptime {
			m.stats.LongestUptime = up
		}
	}
	s.ConnectedSince = time.Time{}
}

// transition moves to status, applying mutate under the lock, and emits one
// event per actual change.
func (m *Manager) transition(to Status, mutate func(*State)) {
	m.mu.Lock()
	from := m.state.Status
	if mutate != nil {
		mutate(&m.state)
	}
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state.Status = to
	change := Change{From: from, To: to, At: m.now(), State: m.state}
	listeners := make([]func(Change), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.logger.Info("Connection status changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	m.publish(events.KindConnectionChanged, map[string]any{
		"from":                from,
		"to":                  to,
		"consecutiveFailures": change.State.ConsecutiveFailures,
		"reconnectAttempts":   change.State.ReconnectAttempts,
	})
	for _, fn := range listeners {
		fn(change)
	}
}

func (m *Manager) publish(kind events.Kind, payload map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.New(kind, m.now(), payload))
}

func (m *Manager) alert(ctx context.Context, sev alerts.Severity, subject, body string) {
	if m.alerts == nil {
		return
	}
	if err := m.alerts.Send(ctx, alerts.Alert{
		Severity:  sev,
		Subject:   subject,
		Body:      body,
		Timestamp: m.now(),
	}); err != nil {
		m.logger.Warn("Alert delivery failed", zap.String("subject", subject), zap.Error(err))
	}
}

// admit checks whether a call may be sent in the current status.
func (m *Manager) admit(op string, mutating bool, prio Priority) error {
	switch m.Status() {
	case StatusConnected:
		return nil
	case StatusDegraded:
		if !mutating || prio == PriorityExit {
			return nil
		}
	}
	return fmt.Errorf("%s: %w", op, faults.ErrGatewayUnavailable)
}

// do runs fn with the call timeout, retrying retryable failures up to the
// retry budget. attempts overrides the budget when non-negative.
func (m *Manager) do(ctx context.Context, op string, mutating bool, prio Priority, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 0 {
		attempts = m.cfg.RetryAttempts
	}

	var err error
	for i := 0; ; i++ {
		if err = m.admit(op, mutating, prio); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		err = fn(callCtx)
		cancel()

		if err == nil || !faults.IsRetryable(err) || i >= attempts {
			break
		}
		m.logger.Debug("Retrying gateway call", zap.String("op", op), zap.Int("attempt", i+1), zap.Error(err))
		if serr := m.sleep(ctx, m.cfg.RetryDelay); serr != nil {
			return serr
		}
	}
	return err
}

// PlaceOrder submits an order. Placement is never retried here; a caller
// that gets a retryable error re-issues after reconciling.
func (m *Manager) PlaceOrder(ctx context.Context, order *types.Order, prio Priority) (string, error) {
	var id string
	err := m.do(ctx, "place order", true, prio, 0, func(ctx context.Context) error {
		var err error
		id, err = m.gw.PlaceOrder(ctx, order)
		return err
	})
	return id, err
}

// CancelOrder cancels an open order.
func (m *Manager) CancelOrder(ctx context.Context, orderID string, prio Priority) error {
	return m.do(ctx, "cancel order", true, prio, -1, func(ctx context.Context) error {
		return m.gw.CancelOrder(ctx, orderID)
	})
}

// ReplaceStop moves a resting stop and returns the resting order's ID.
func (m *Manager) ReplaceStop(ctx context.Context, orderID string, stop decimal.Decimal) (string, error) {
	var id string
	err := m.do(ctx, "replace stop", true, PriorityNormal, -1, func(ctx context.Context) error {
		var err error
		id, err = m.gw.ReplaceStop(ctx, orderID, stop)
		return err
	})
	return id, err
}

// GetOrder fetches an order's current state.
func (m *Manager) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	var o *types.Order
	err := m.do(ctx, "get order", false, PriorityNormal, -1, func(ctx context.Context) error {
		var err error
		o, err = m.gw.GetOrder(ctx, orderID)
		return err
	})
	return o, err
}

// GetPositions fetches the broker's position list.
func (m *Manager) GetPositions(ctx context.Context) ([]types.BrokerPosition, error) {
	var out []types.BrokerPosition
	err := m.do(ctx, "get positions", false, PriorityNormal, -1, func(ctx context.Context) error {
		var err error
		out, err = m.gw.GetPositions(ctx)
		return err
	})
	return out, err
}

// GetAccount fetches the account summary.
func (m *Manager) GetAccount(ctx context.Context) (*types.Account, error) {
	var out *types.Account
	err := m.do(ctx, "get account", false, PriorityNormal, -1, func(ctx context.Context) error {
		var err error
		out, err = m.gw.GetAccount(ctx)
		return err
	})
	return out, err
}

// GetQuote fetches the latest price.
func (m *Manager) GetQuote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := m.do(ctx, "quote", false, PriorityNormal, -1, func(ctx context.Context) error {
		var err error
		out, err = m.gw.GetQuote(ctx, symbol)
		return err
	})
	return out, err
}

// GetDailyBars fetches daily history.
func (m *Manager) GetDailyBars(ctx context.Context, symbol string, days int) ([]types.OHLCV, error) {
	var out []types.OHLCV
	err := m.do(ctx, "bars", false, PriorityNormal, -1, func(ctx context.Context) error {
		var err error
		out, err = m.gw.GetDailyBars(ctx, symbol, days)
		return err
	})
	return out, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

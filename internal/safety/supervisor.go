// Package safety runs the periodic position safety check: portfolio value,
// concentration, daily P&L, position count and orphan detection against the
// configured limits.
package safety

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/weekly-trader/internal/alerts"
	"github.com/atlas-desktop/weekly-trader/internal/connection"
	"github.com/atlas-desktop/weekly-trader/internal/events"
	"github.com/atlas-desktop/weekly-trader/internal/faults"
	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Severity represents severity of a violation.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityOrphan   Severity = "orphan"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityWarning:
		return 1
	default:
		return 2
	}
}

// Rules
const (
	RuleDailyLoss             = "daily_loss_exceeded"
	RuleEmergencyStop         = "emergency_stop_triggered"
	RulePositionValue         = "position_value_exceeded"
	RulePortfolioValue        = "portfolio_value_exceeded"
	RulePositionConcentration = "position_concentration_exceeded"
	RuleSectorConcentration   = "sector_concentration_exceeded"
	RuleMaxPositions          = "max_positions_exceeded"
	RuleCashReserve           = "insufficient_cash_reserve"
	RuleOrphanBroker          = "orphan_broker_position"
	RuleOrphanInternal        = "orphan_internal_position"
	RuleOrphanUnsupervised    = "orphan_unsupervised_position"
)

// Violation represents a safety rule violation.
type Violation struct {
	Rule      string          `json:"rule"`
	Severity  Severity        `json:"severity"`
	Symbol    string          `json:"symbol,omitempty"`
	Value     decimal.Decimal `json:"value"`
	Limit     decimal.Decimal `json:"limit"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
}

// Key identifies an ongoing violation across checks.
func (v Violation) Key() string {
	return v.Rule + "|" + v.Symbol
}

// Report is the result of one check.
type Report struct {
	Timestamp             time.Time                  `json:"timestamp"`
	Equity                decimal.Decimal            `json:"equity"`
	Cash                  decimal.Decimal            `json:"cash"`
	PortfolioValue        decimal.Decimal            `json:"portfolioValue"`
	DailyPnL              decimal.Decimal            `json:"dailyPnl"`
	PositionCount         int                        `json:"positionCount"`
	PositionConcentration map[string]decimal.Decimal `json:"positionConcentration"`
	SectorConcentration   map[string]decimal.Decimal `json:"sectorConcentration"`
	Violations            []Violation                `json:"violations"`
	HasCritical           bool                       `json:"hasCritical"`
	PauseEntries          bool                       `json:"pauseEntries"`
	// BrokerDataMissing is set when account or positions could not be
	// fetched; only the unsupervised orphan check ran.
	BrokerDataMissing bool `json:"brokerDataMissing"`
}

// Critical returns the critical violations.
func (r *Report) Critical() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityCritical {
			out = append(out, v)
		}
	}
	return out
}

// Broker is the account data the supervisor reads.
type Broker interface {
	GetAccount(ctx context.Context) (*types.Account, error)
	GetPositions(ctx context.Context) ([]types.BrokerPosition, error)
	Status() connection.Status
}

// PositionSource returns a snapshot of the internally tracked positions.
type PositionSource interface {
	SupervisedPositions() []*types.Position
}

// Supervisor evaluates SafetyLimits. Between checks it only remembers which
// violations were already alerted and when orphan conditions were first seen.
type Supervisor struct {
	limits  types.SafetyLimits
	sectors SectorMap
	broker  Broker
	source  PositionSource
	logger  *zap.Logger
	bus     *events.Bus
	alerts  alerts.Sink

	mu        sync.Mutex
	alerted   map[string]Violation
	firstSeen map[string]time.Time
	last      *Report
	listeners []func(*Report)
}

// NewSupervisor creates a supervisor. bus and sink may be nil.
func NewSupervisor(logger *zap.Logger, limits types.SafetyLimits, sectors SectorMap, broker Broker, source PositionSource, bus *events.Bus, sink alerts.Sink) *Supervisor {
	if sectors == nil {
		sectors = DefaultSectors()
	}
	return &Supervisor{
		limits:    limits,
		sectors:   sectors,
		broker:    broker,
		source:    source,
		logger:    logger.Named("safety"),
		bus:       bus,
		alerts:    sink,
		alerted:   make(map[string]Violation),
		firstSeen: make(map[string]time.Time),
	}
}

// OnReport registers fn to receive every report.
func (s *Supervisor) OnReport(fn func(*Report)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = append(s.listeners, fn)
}

// LastReport returns the most recent report, or nil.
func (s *Supervisor) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.last
}

// Check runs one evaluation, alerts on new violations and posts the report
// to listeners. Critical alerts are sent before the report is posted.
func (s *Supervisor) Check(ctx context.Context, now time.Time) (*Report, error) {
	report := &Report{
		Timestamp:             now,
		PositionConcentration: map[string]decimal.Decimal{},
		SectorConcentration:   map[string]decimal.Decimal{},
	}
	internal := s.source.SupervisedPositions()

	var fetchErr error
	acct, err := s.broker.GetAccount(ctx)
	if err != nil {
		fetchErr = err
	}
	var brokerPositions []types.BrokerPosition
	if fetchErr == nil {
		brokerPositions, fetchErr = s.broker.GetPositions(ctx)
	}

	var conditions []Violation
	if fetchErr != nil {
		report.BrokerDataMissing = true
		s.logger.Warn("Safety check running without broker data", zap.Error(fetchErr))
	} else {
		conditions = append(conditions, s.evaluateLimits(report, acct, brokerPositions, now)...)
		conditions = append(conditions, s.reconcile(brokerPositions, internal, now)...)
	}
	conditions = append(conditions, s.unsupervised(internal, now)...)

	report.Violations = s.applyGrace(conditions, now, fetchErr == nil)
	sort.SliceStable(report.Violations, func(i, j int) bool {
		return report.Violations[i].Severity.rank() < report.Violations[j].Severity.rank()
	})
	for _, v := range report.Violations {
		switch {
		case v.Severity == SeverityCritical:
			report.HasCritical = true
		case v.Rule == RulePortfolioValue || v.Rule == RuleCashReserve:
			report.PauseEntries = true
		}
	}

	s.notify(ctx, report, fetchErr == nil)

	s.mu.Lock()
	s.last = report
	listeners := make([]func(*Report), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(report)
	}

	if fetchErr != nil {
		return report, faults.Degraded("safety check", fetchErr)
	}
	return report, nil
}

func (s *Supervisor) evaluateLimits(r *Report, acct *types.Account, positions []types.BrokerPosition, now time.Time) []Violation {
	l := s.limits
	var out []Violation

	r.Equity = acct.Equity
	r.Cash = acct.Cash
	r.DailyPnL = acct.DailyPnL()

	sectorValue := map[string]decimal.Decimal{}
	for _, p := range positions {
		if p.Quantity.IsZero() {
			continue
		}
		value := p.MarketValue()
		r.PortfolioValue = r.PortfolioValue.Add(value)
		r.PositionCount++
		sector := s.sectors.Sector(p.Symbol)
		sectorValue[sector] = sectorValue[sector].Add(value)

		if l.MaxPositionValue.IsPositive() && value.GreaterThan(l.MaxPositionValue) {
			out = append(out, Violation{
				Rule: RulePositionValue, Severity: SeverityWarning, Symbol: p.Symbol,
				Value: value, Limit: l.MaxPositionValue,
				Message: fmt.Sprintf("%s value $%s exceeds limit $%s", p.Symbol, value.StringFixed(0), l.MaxPositionValue.StringFixed(0)),
			})
		}
	}

	// Concentration is measured against account equity.
	base := r.Equity
	if !base.IsPositive() {
		base = r.PortfolioValue
	}
	if base.IsPositive() {
		for _, p := range positions {
			if p.Quantity.IsZero() {
				continue
			}
			c := p.MarketValue().Div(base)
			r.PositionConcentration[p.Symbol] = c
			if l.MaxPositionConcentration.IsPositive() && c.GreaterThan(l.MaxPositionConcentration) {
				out = append(out, Violation{
					Rule: RulePositionConcentration, Severity: SeverityWarning, Symbol: p.Symbol,
					Value: c, Limit: l.MaxPositionConcentration,
					Message: fmt.Sprintf("%s concentration %s exceeds limit %s", p.Symbol, pct(c), pct(l.MaxPositionConcentration)),
				})
			}
		}
		for sector, v := range sectorValue {
			c := v.Div(base)
			r.SectorConcentration[sector] = c
			if l.MaxSectorConcentration.IsPositive() && c.GreaterThan(l.MaxSectorConcentration) {
				out = append(out, Violation{
					Rule: RuleSectorConcentration, Severity: SeverityWarning, Symbol: sector,
					Value: c, Limit: l.MaxSectorConcentration,
					Message: fmt.Sprintf("%s concentration %s exceeds limit %s", sector, pct(c), pct(l.MaxSectorConcentration)),
				})
			}
		}
	}

	if l.MaxPortfolioValue.IsPositive() && r.PortfolioValue.GreaterThan(l.MaxPortfolioValue) {
		out = append(out, Violation{
			Rule: RulePortfolioValue, Severity: SeverityWarning,
			Value: r.PortfolioValue, Limit: l.MaxPortfolioValue,
			Message: fmt.Sprintf("portfolio value $%s exceeds limit $%s", r.PortfolioValue.StringFixed(0), l.MaxPortfolioValue.StringFixed(0)),
		})
	}

	if l.MaxDailyLoss.IsPositive() && r.DailyPnL.LessThan(l.MaxDailyLoss.Neg()) {
		out = append(out, Violation{
			Rule: RuleDailyLoss, Severity: SeverityCritical,
			Value: r.DailyPnL, Limit: l.MaxDailyLoss,
			Message: fmt.Sprintf("daily loss $%s exceeds limit $%s", r.DailyPnL.Abs().StringFixed(0), l.MaxDailyLoss.StringFixed(0)),
		})
	}

	if l.EmergencyStopLossPct.IsPositive() && acct.LastEquity.IsPositive() {
		change := r.DailyPnL.Div(acct.LastEquity)
		if change.LessThanOrEqual(l.EmergencyStopLossPct.Neg()) {
			out = append(out, Violation{
				Rule: RuleEmergencyStop, Severity: SeverityCritical,
				Value: change, Limit: l.EmergencyStopLossPct,
				Message: fmt.Sprintf("portfolio down %s, emergency stop at %s", pct(change.Abs()), pct(l.EmergencyStopLossPct)),
			})
		}
	}

	if l.MaxPositions > 0 && r.PositionCount > l.MaxPositions {
		out = append(out, Violation{
			Rule: RuleMaxPositions, Severity: SeverityWarning,
			Value: decimal.NewFromInt(int64(r.PositionCount)), Limit: decimal.NewFromInt(int64(l.MaxPositions)),
			Message: fmt.Sprintf("%d open positions exceeds limit %d", r.PositionCount, l.MaxPositions),
		})
	}

	if l.MinCashReserve.IsPositive() && r.Cash.LessThan(l.MinCashReserve) {
		out = append(out, Violation{
			Rule: RuleCashReserve, Severity: SeverityWarning,
			Value: r.Cash, Limit: l.MinCashReserve,
			Message: fmt.Sprintf("cash $%s below minimum $%s", r.Cash.StringFixed(0), l.MinCashReserve.StringFixed(0)),
		})
	}

	for i := range out {
		out[i].Timestamp = now
	}
	return out
}

// reconcile finds positions present on only one side.
func (s *Supervisor) reconcile(broker []types.BrokerPosition, internal []*types.Position, now time.Time) []Violation {
	tracked := map[string]bool{}
	for _, p := range internal {
		if p.State == types.PositionStateOpen || p.State == types.PositionStateExitPending {
			tracked[p.Symbol] = true
		}
	}
	held := map[string]bool{}

	var out []Violation
	for _, b := range broker {
		if b.Quantity.IsZero() {
			continue
		}
		held[b.Symbol] = true
		if !tracked[b.Symbol] {
			out = append(out, Violation{
				Rule: RuleOrphanBroker, Severity: SeverityOrphan, Symbol: b.Symbol,
				Value:     b.Quantity,
				Message:   fmt.Sprintf("broker holds %s %s with no tracked position", b.Quantity, b.Symbol),
				Timestamp: now,
			})
		}
	}
	for sym := range tracked {
		if !held[sym] {
			out = append(out, Violation{
				Rule: RuleOrphanInternal, Severity: SeverityOrphan, Symbol: sym,
				Message:   fmt.Sprintf("tracked position %s is not held at the broker", sym),
				Timestamp: now,
			})
		}
	}
	return out
}

// unsupervised flags open positions while the connection is not connected.
func (s *Supervisor) unsupervised(internal []*types.Position, now time.Time) []Violation {
	if s.broker.Status() == connection.StatusConnected {
		return nil
	}
	var out []Violation
	for _, p := range internal {
		if p.State != types.PositionStateOpen {
			continue
		}
		out = append(out, Violation{
			Rule: RuleOrphanUnsupervised, Severity: SeverityOrphan, Symbol: p.Symbol,
			Value:     p.Quantity,
			Message:   fmt.Sprintf("open position %s unsupervised while connection is %s", p.Symbol, s.broker.Status()),
			Timestamp: now,
		})
	}
	return out
}

// applyGrace holds back orphan conditions until they persist past the grace
// window. Reconciliation timers are left alone when broker data is missing.
func (s *Supervisor) applyGrace(conditions []Violation, now time.Time, haveBroker bool) []Violation {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]bool{}
	var out []Violation
	for _, v := range conditions {
		if v.Severity != SeverityOrphan {
			out = append(out, v)
			continue
		}
		key := v.Key()
		seen[key] = true
		first, ok := s.firstSeen[key]
		if !ok {
			s.firstSeen[key] = now
			first = now
		}
		if now.Sub(first) >= s.limits.OrphanGrace {
			out = append(out, v)
		}
	}
	for key := range s.firstSeen {
		if seen[key] {
			continue
		}
		if !haveBroker && isReconcileKey(key) {
			continue
		}
		delete(s.firstSeen, key)
	}
	return out
}

func isReconcileKey(key string) bool {
	return strings.HasPrefix(key, RuleOrphanBroker+"|") || strings.HasPrefix(key, RuleOrphanInternal+"|")
}

// notify alerts each violation once per episode and clears flags for
// violations that have gone away.
func (s *Supervisor) notify(ctx context.Context, r *Report, complete bool) {
	s.mu.Lock()
	current := map[string]bool{}
	var fresh []Violation
	for _, v := range r.Violations {
		key := v.Key()
		current[key] = true
		if _, done := s.alerted[key]; !done {
			s.alerted[key] = v
			fresh = append(fresh, v)
		}
	}
	var cleared []Violation
	for key, v := range s.alerted {
		if current[key] {
			continue
		}
		// limit rules need broker data to be re-evaluated
		if !complete && v.Rule != RuleOrphanUnsupervised {
			continue
		}
		delete(s.alerted, key)
		cleared = append(cleared, v)
	}
	s.mu.Unlock()

	for _, v := range fresh {
		s.logger.Warn("Safety violation",
			zap.String("rule", v.Rule),
			zap.String("severity", string(v.Severity)),
			zap.String("symbol", v.Symbol),
			zap.String("message", v.Message))
		s.publish(events.KindSafetyViolation, r.Timestamp, v)

		sev := alerts.SeverityWarning
		if v.Severity == SeverityCritical {
			sev = alerts.SeverityCritical
		}
		if s.alerts != nil {
			if err := s.alerts.Send(ctx, alerts.Alert{
				Severity:  sev,
				Subject:   "Safety " + string(v.Severity) + ": " + v.Rule,
				Body:      v.Message,
				Timestamp: r.Timestamp,
			}); err != nil {
				s.logger.Warn("Alert delivery failed", zap.Error(err))
			}
		}
	}
	for _, v := range cleared {
		s.logger.Info("Safety violation cleared", zap.String("rule", v.Rule), zap.String("symbol", v.Symbol))
		s.publish(events.KindSafetyCleared, r.Timestamp, v)
	}
}

func (s *Supervisor) publish(kind events.Kind, now time.Time, v Violation) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.New(kind, now, map[string]any{
		"rule":     v.Rule,
		"severity": string(v.Severity),
		"symbol":   v.Symbol,
		"value":    v.Value.String(),
		"limit":    v.Limit.String(),
		"message":  v.Message,
	}))
}

func pct(d decimal.Decimal) string {
	return d.Mul(decimal.NewFromInt(100)).StringFixed(1) + "%"
}

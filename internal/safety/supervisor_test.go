package safety_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/weekly-trader/internal/alerts"
	"github.com/atlas-desktop/weekly-trader/internal/connection"
	"github.com/atlas-desktop/weekly-trader/internal/events"
	"github.com/atlas-desktop/weekly-trader/internal/safety"
	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type stubBroker struct {
	account   *types.Account
	positions []types.BrokerPosition
	status    connection.Status
	err       error
}

func (s *stubBroker) GetAccount(context.Context) (*types.Account, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.account, nil
}

func (s *stubBroker) GetPositions(context.Context) ([]types.BrokerPosition, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.positions, nil
}

func (s *stubBroker) Status() connection.Status { return s.status }

type stubSource struct{ positions []*types.Position }

func (s *stubSource) SupervisedPositions() []*types.Position { return s.positions }

func openPosition(symbol string, qty int64) *types.Position {
	return &types.Position{ID: symbol, Symbol: symbol, Side: types.PositionSideLong, Quantity: dec(qty), State: types.PositionStateOpen}
}

type fixture struct {
	broker *stubBroker
	source *stubSource
	sup    *safety.Supervisor
	rec    *events.Recorder
	alerts *alerts.Memory
}

func newFixture(limits types.SafetyLimits) *fixture {
	f := &fixture{
		broker: &stubBroker{
			account: &types.Account{Cash: dec(80000), Equity: dec(100000), LastEquity: dec(100000)},
			positions: []types.BrokerPosition{
				{Symbol: "AAPL", Quantity: dec(50), AvgEntryPrice: dec(100), MarketPrice: dec(100)},
				{Symbol: "JPM", Quantity: dec(100), AvgEntryPrice: dec(150), MarketPrice: dec(150)},
			},
			status: connection.StatusConnected,
		},
		source: &stubSource{positions: []*types.Position{openPosition("AAPL", 50), openPosition("JPM", 100)}},
		rec:    &events.Recorder{},
		alerts: alerts.NewMemory(0),
	}
	bus := events.NewBus(zap.NewNop())
	bus.SubscribeAll(f.rec.Handle)
	f.sup = safety.NewSupervisor(zap.NewNop(), limits, nil, f.broker, f.source, bus, f.alerts)
	return f
}

func rules(r *safety.Report) map[string]safety.Severity {
	out := map[string]safety.Severity{}
	for _, v := range r.Violations {
		out[v.Rule] = v.Severity
	}
	return out
}

func TestCheck_CleanPortfolio(t *testing.T) {
	f := newFixture(types.DefaultSafetyLimits())
	r, err := f.sup.Check(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(r.Violations) != 0 {
		t.Fatalf("expected no violations, got %+v", r.Violations)
	}
	if !r.PortfolioValue.Equal(dec(20000)) || r.PositionCount != 2 {
		t.Errorf("unexpected totals value=%s count=%d", r.PortfolioValue, r.PositionCount)
	}
	if !r.SectorConcentration["Technology"].Equal(decimal.NewFromFloat(0.05)) {
		t.Errorf("technology concentration: got %s", r.SectorConcentration["Technology"])
	}
}

func TestCheck_DailyLossIsCritical(t *testing.T) {
	limits := types.DefaultSafetyLimits()
	limits.MaxDailyLoss = dec(2000)
	f := newFixture(limits)
	f.broker.account.Equity = dec(97500)

	var posted *safety.Report
	f.sup.OnReport(func(r *safety.Report) { posted = r })

	r, _ := f.sup.Check(context.Background(), time.Now())
	if !r.HasCritical {
		t.Fatal("expected a critical violation")
	}
	if got := rules(r)[safety.RuleDailyLoss]; got != safety.SeverityCritical {
		t.Errorf("daily loss severity: got %q", got)
	}
	if posted != r {
		t.Error("report should be posted to listeners")
	}
	if f.alerts.Count(alerts.SeverityCritical) != 1 {
		t.Errorf("expected one critical alert, got %d", f.alerts.Count(alerts.SeverityCritical))
	}
	if r.Violations[0].Severity != safety.SeverityCritical {
		t.Error("violations should be ranked critical first")
	}
}

func TestCheck_EmergencyStopLoss(t *testing.T) {
	limits := types.DefaultSafetyLimits()
	limits.MaxDailyLoss = decimal.Zero
	limits.EmergencyStopLossPct = decimal.NewFromFloat(0.05)
	f := newFixture(limits)
	f.broker.account.Equity = dec(95000)

	r, _ := f.sup.Check(context.Background(), time.Now())
	if got := rules(r)[safety.RuleEmergencyStop]; got != safety.SeverityCritical {
		t.Fatalf("expected emergency stop, got %+v", r.Violations)
	}
}

func TestCheck_WarningsDoNotLiquidate(t *testing.T) {
	limits := types.DefaultSafetyLimits()
	limits.MaxPositionValue = dec(10000)
	limits.MaxPositionConcentration = decimal.NewFromFloat(0.10)
	limits.MaxSectorConcentration = decimal.NewFromFloat(0.10)
	limits.MaxPositions = 1
	limits.MinCashReserve = dec(90000)
	f := newFixture(limits)

	r, _ := f.sup.Check(context.Background(), time.Now())
	got := rules(r)
	for _, rule := range []string{
		safety.RulePositionValue,
		safety.RulePositionConcentration,
		safety.RuleSectorConcentration,
		safety.RuleMaxPositions,
		safety.RuleCashReserve,
	} {
		if got[rule] != safety.SeverityWarning {
			t.Errorf("%s: got %q, want warning", rule, got[rule])
		}
	}
	if r.HasCritical {
		t.Error("warnings must not be critical")
	}
	if !r.PauseEntries {
		t.Error("cash reserve warning should pause entries")
	}
}

func TestCheck_AlertsOncePerEpisode(t *testing.T) {
	limits := types.DefaultSafetyLimits()
	limits.MaxPositionValue = dec(10000)
	f := newFixture(limits)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		f.sup.Check(ctx, now.Add(time.Duration(i)*time.Minute))
	}
	if n := len(f.rec.OfKind(events.KindSafetyViolation)); n != 1 {
		t.Fatalf("expected one violation event across checks, got %d", n)
	}

	f.broker.positions[1].Quantity = dec(10)
	f.sup.Check(ctx, now.Add(4*time.Minute))
	if n := len(f.rec.OfKind(events.KindSafetyCleared)); n != 1 {
		t.Fatalf("expected a cleared event, got %d", n)
	}

	f.broker.positions[1].Quantity = dec(100)
	f.sup.Check(ctx, now.Add(5*time.Minute))
	if n := len(f.rec.OfKind(events.KindSafetyViolation)); n != 2 {
		t.Errorf("a new episode should alert again, got %d events", n)
	}
}

func TestCheck_OrphansAfterGrace(t *testing.T) {
	limits := types.DefaultSafetyLimits()
	limits.OrphanGrace = 2 * time.Minute
	f := newFixture(limits)
	f.broker.positions = append(f.broker.positions, types.BrokerPosition{Symbol: "XOM", Quantity: dec(5), MarketPrice: dec(100)})
	f.source.positions = append(f.source.positions, openPosition("MSFT", 10))

	ctx := context.Background()
	start := time.Now()

	r, _ := f.sup.Check(ctx, start)
	if len(r.Violations) != 0 {
		t.Fatalf("orphans inside the grace window must not be flagged, got %+v", r.Violations)
	}

	r, _ = f.sup.Check(ctx, start.Add(2*time.Minute))
	got := rules(r)
	if got[safety.RuleOrphanBroker] != safety.SeverityOrphan || got[safety.RuleOrphanInternal] != safety.SeverityOrphan {
		t.Fatalf("expected both orphan kinds, got %+v", r.Violations)
	}
	if r.HasCritical {
		t.Error("orphans are never critical")
	}
}

func TestCheck_UnsupervisedWhileDisconnected(t *testing.T) {
	limits := types.DefaultSafetyLimits()
	limits.OrphanGrace = time.Minute
	f := newFixture(limits)
	f.broker.status = connection.StatusDisconnected
	f.broker.err = errors.New("gateway unavailable")

	ctx := context.Background()
	start := time.Now()

	r, err := f.sup.Check(ctx, start)
	if err == nil || !r.BrokerDataMissing {
		t.Fatal("expected a degraded check without broker data")
	}
	if len(r.Violations) != 0 {
		t.Fatal("nothing should be flagged before the grace window")
	}

	r, _ = f.sup.Check(ctx, start.Add(90*time.Second))
	n := 0
	for _, v := range r.Violations {
		if v.Rule == safety.RuleOrphanUnsupervised {
			n++
		}
	}
	if n != 2 {
		t.Errorf("expected both open positions flagged unsupervised, got %d", n)
	}
}

func TestSectors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sectors.yaml")
	data := "sectors:\n  Semiconductors:\n    - nvda\n    - AMD\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := safety.LoadSectorFile(path)
	if err != nil {
		t.Fatalf("LoadSectorFile: %v", err)
	}
	if got := m.Sector("NVDA"); got != "Semiconductors" {
		t.Errorf("override: got %s", got)
	}
	if got := m.Sector("amd"); got != "Semiconductors" {
		t.Errorf("new symbol: got %s", got)
	}
	if got := m.Sector("AAPL"); got != "Technology" {
		t.Errorf("default kept: got %s", got)
	}
	if got := m.Sector("ZZZZ"); got != safety.SectorOther {
		t.Errorf("unknown: got %s", got)
	}

	if _, err := safety.LoadSectorFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}
}

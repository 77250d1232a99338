package connection_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/weekly-trader/internal/alerts"
	"github.com/atlas-desktop/weekly-trader/internal/connection"
	"github.com/atlas-desktop/weekly-trader/internal/events"
	"github.com/atlas-desktop/weekly-trader/internal/execution"
	"github.com/atlas-desktop/weekly-trader/internal/faults"
	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type harness struct {
	gw     *execution.PaperGateway
	mgr    *connection.Manager
	rec    *events.Recorder
	alerts *alerts.Memory
	sleeps []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := types.DefaultConnectionConfig()
	cfg.FailureThreshold = 3
	cfg.MaxReconnectAttempts = 5
	cfg.BaseBackoff = 10 * time.Second
	cfg.MaxBackoff = 60 * time.Second
	cfg.RetryAttempts = 2
	cfg.RetryDelay = time.Second

	h := &harness{
		gw:     execution.NewPaperGateway(zap.NewNop(), decimal.NewFromInt(100000)),
		rec:    &events.Recorder{},
		alerts: alerts.NewMemory(0),
	}
	bus := events.NewBus(zap.NewNop())
	bus.SubscribeAll(h.rec.Handle)

	h.mgr = connection.NewManager(zap.NewNop(), h.gw, cfg, bus, h.alerts)
	h.mgr.SetSleep(func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	})

	if err := h.mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.rec = &events.Recorder{}
	bus.SubscribeAll(h.rec.Handle)
	return h
}

func transitions(rec *events.Recorder) []string {
	var out []string
	for _, ev := range rec.OfKind(events.KindConnectionChanged) {
		out = append(out, string(ev.Payload["from"].(connection.Status))+"->"+string(ev.Payload["to"].(connection.Status)))
	}
	return out
}

func TestBackoff(t *testing.T) {
	base, max := 10*time.Second, 60*time.Second
	want := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second, 60 * time.Second}
	for i, w := range want {
		if got := connection.Backoff(i+1, base, max); got != w {
			t.Errorf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
}

func TestHeartbeat_ReconnectsAfterThresholdFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gw.SetPingError(errors.New("timeout"))
	h.gw.FailConnects(2)

	h.mgr.Heartbeat(ctx)
	if got := h.mgr.Status(); got != connection.StatusDegraded {
		t.Fatalf("after first failure: got %s, want degraded", got)
	}
	h.mgr.Heartbeat(ctx)
	if got := h.mgr.State().ConsecutiveFailures; got != 2 {
		t.Fatalf("expected 2 failures, got %d", got)
	}
	h.mgr.Heartbeat(ctx)

	if got := h.mgr.Status(); got != connection.StatusConnected {
		t.Fatalf("after reconnect: got %s, want connected", got)
	}

	want := []string{
		"connected->degraded",
		"degraded->disconnected",
		"disconnected->connecting",
		"connecting->connected",
	}
	got := transitions(h.rec)
	if len(got) != len(want) {
		t.Fatalf("transitions: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d: got %s, want %s", i, got[i], want[i])
		}
	}

	if len(h.sleeps) != 3 {
		t.Fatalf("expected 3 backoff waits, got %v", h.sleeps)
	}
	for i := 1; i < len(h.sleeps); i++ {
		if h.sleeps[i] <= h.sleeps[i-1] {
			t.Errorf("backoff not increasing: %v", h.sleeps)
		}
	}

	stats := h.mgr.Stats()
	if stats.Reconnections != 1 || stats.Disconnections != 1 || stats.TotalConnections != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if h.alerts.Count(alerts.SeverityCritical) != 1 {
		t.Errorf("expected one critical alert for the lost connection, got %d", h.alerts.Count(alerts.SeverityCritical))
	}
	if st := h.mgr.State(); st.ConsecutiveFailures != 0 || st.ReconnectAttempts != 0 {
		t.Errorf("counters not reset: %+v", st)
	}
}

func TestHeartbeat_RecoversFromDegraded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gw.SetPingError(errors.New("slow"))
	h.mgr.Heartbeat(ctx)
	h.gw.SetPingError(nil)
	h.mgr.Heartbeat(ctx)

	if got := h.mgr.Status(); got != connection.StatusConnected {
		t.Fatalf("got %s, want connected", got)
	}
	if h.gw.ConnectCalls() != 1 {
		t.Errorf("should not have reconnected, connect calls = %d", h.gw.ConnectCalls())
	}
}

func TestReconnect_Exhaustion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gw.SetPingError(errors.New("down"))
	h.gw.FailConnects(100)
	for i := 0; i < 3; i++ {
		h.mgr.Heartbeat(ctx)
	}

	st := h.mgr.State()
	if st.Status != connection.StatusDisconnected || !st.Exhausted {
		t.Fatalf("expected exhausted disconnected state, got %+v", st)
	}
	if len(h.rec.OfKind(events.KindReconnectExhausted)) != 1 {
		t.Error("expected one reconnect_exhausted event")
	}
	if h.alerts.Count(alerts.SeverityCritical) != 2 {
		t.Errorf("expected lost + exhausted critical alerts, got %d", h.alerts.Count(alerts.SeverityCritical))
	}

	calls := h.gw.ConnectCalls()
	h.mgr.Heartbeat(ctx)
	if h.gw.ConnectCalls() != calls {
		t.Error("exhausted manager must not keep reconnecting")
	}
}

func TestCalls_GatedByStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gw.SetPrice("AAPL", decimal.NewFromInt(100))

	order := execution.NewMarketOrder("AAPL", types.OrderSideBuy, decimal.NewFromInt(1))
	if _, err := h.mgr.PlaceOrder(ctx, order, connection.PriorityNormal); err != nil {
		t.Fatalf("PlaceOrder while connected: %v", err)
	}

	h.gw.SetPingError(errors.New("slow"))
	h.mgr.Heartbeat(ctx)
	if h.mgr.Status() != connection.StatusDegraded {
		t.Fatal("expected degraded")
	}

	_, err := h.mgr.PlaceOrder(ctx, order, connection.PriorityNormal)
	if !errors.Is(err, faults.ErrGatewayUnavailable) || !faults.IsRetryable(err) {
		t.Fatalf("normal order in degraded: expected retryable unavailable, got %v", err)
	}

	exit := execution.NewMarketOrder("AAPL", types.OrderSideSell, decimal.NewFromInt(1))
	if _, err := h.mgr.PlaceOrder(ctx, exit, connection.PriorityExit); err != nil {
		t.Fatalf("exit order in degraded should be sent: %v", err)
	}
	if _, err := h.mgr.GetPositions(ctx); err != nil {
		t.Fatalf("reads in degraded should be sent: %v", err)
	}

	if err := h.mgr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := h.mgr.PlaceOrder(ctx, exit, connection.PriorityExit); !errors.Is(err, faults.ErrGatewayUnavailable) {
		t.Fatalf("exit order while disconnected: expected unavailable, got %v", err)
	}
}

func TestCalls_RetryRetryableFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gw.SetPrice("AAPL", decimal.NewFromInt(100))

	stop := execution.NewStopOrder("AAPL", types.OrderSideSell, decimal.NewFromInt(1), decimal.NewFromInt(95))
	id, err := h.mgr.PlaceOrder(ctx, stop, connection.PriorityNormal)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	h.gw.FailReplaces(2, faults.Retryable("replace", errors.New("timeout")))
	if _, err := h.mgr.ReplaceStop(ctx, id, decimal.NewFromInt(96)); err != nil {
		t.Fatalf("ReplaceStop should succeed within the retry budget: %v", err)
	}
	if len(h.sleeps) != 2 {
		t.Errorf("expected 2 retry waits, got %d", len(h.sleeps))
	}

	h.gw.FailReplaces(3, faults.Retryable("replace", errors.New("timeout")))
	if _, err := h.mgr.ReplaceStop(ctx, id, decimal.NewFromInt(97)); err == nil {
		t.Fatal("expected failure once the retry budget is spent")
	}

	h.gw.FailReplaces(1, faults.Degraded("replace", errors.New("rejected")))
	before := len(h.sleeps)
	if _, err := h.mgr.ReplaceStop(ctx, id, decimal.NewFromInt(97)); err == nil {
		t.Fatal("expected degraded failure")
	}
	if len(h.sleeps) != before {
		t.Error("non-retryable errors must not be retried")
	}
}

func TestConnect_InitialFailureAlerts(t *testing.T) {
	gw := execution.NewPaperGateway(zap.NewNop(), decimal.NewFromInt(1000))
	gw.FailConnects(1)
	mem := alerts.NewMemory(0)
	mgr := connection.NewManager(zap.NewNop(), gw, types.DefaultConnectionConfig(), nil, mem)

	if err := mgr.Connect(context.Background()); err == nil {
		t.Fatal("expected connect failure")
	}
	if mgr.Status() != connection.StatusDisconnected {
		t.Errorf("got %s, want disconnected", mgr.Status())
	}
	if mem.Count(alerts.SeverityCritical) != 1 {
		t.Error("expected a critical alert on initial connect failure")
	}
}

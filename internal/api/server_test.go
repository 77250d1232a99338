package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/weekly-trader/internal/api"
	"github.com/atlas-desktop/weekly-trader/internal/connection"
	"github.com/atlas-desktop/weekly-trader/internal/events"
	"github.com/atlas-desktop/weekly-trader/internal/lifecycle"
	"github.com/atlas-desktop/weekly-trader/internal/metrics"
	"github.com/atlas-desktop/weekly-trader/internal/safety"
	"github.com/atlas-desktop/weekly-trader/internal/scheduler"
	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeController struct {
	mu   sync.Mutex
	snap lifecycle.Snapshot
}

func (f *fakeController) Snapshot() lifecycle.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeController) setHalted(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.Halted = msg
}

type fakeConnection struct {
	mu    sync.Mutex
	state connection.State
}

func (f *fakeConnection) State() connection.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConnection) setStatus(st connection.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Status = st
}

func (f *fakeConnection) Stats() connection.Stats {
	return connection.Stats{TotalConnections: 2, Disconnections: 1, Reconnections: 1}
}
func (f *fakeConnection) GatewayName() string { return "paper" }

type fakeSafety struct {
	mu     sync.Mutex
	report *safety.Report
}

func (f *fakeSafety) LastReport() *safety.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report
}

type fakeJobs struct{ next time.Time }

func (f fakeJobs) Jobs() []scheduler.JobStatus {
	return []scheduler.JobStatus{{Name: "tick", Every: "5s", Next: f.next}}
}

type fixture struct {
	ctrl  *fakeController
	conn  *fakeConnection
	safe  *fakeSafety
	hub   *api.Hub
	coll  *metrics.Collector
	ts    *httptest.Server
	close func()
}

func setupTestServer(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctrl: &fakeController{snap: lifecycle.Snapshot{
			State: lifecycle.StateMonitoring,
			Week:  &types.TradingWeek{ID: "w1", RegimeOK: true},
			Positions: []*types.Position{{
				ID:          "p1",
				Symbol:      "AAPL",
				Quantity:    decimal.NewFromInt(100),
				CurrentStop: decimal.NewFromInt(97),
				State:       types.PositionStateOpen,
			}},
		}},
		conn: &fakeConnection{state: connection.State{Status: connection.StatusConnected}},
		safe: &fakeSafety{},
		hub:  api.NewHub(zap.NewNop()),
		coll: metrics.NewCollector(zap.NewNop()),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go f.hub.Run(ctx)

	server := api.NewServer(zap.NewNop(), &types.ServerConfig{WebSocketPath: "/ws"}, api.Deps{
		Controller: f.ctrl,
		Connection: f.conn,
		Safety:     f.safe,
		Scheduler:  fakeJobs{next: time.Date(2024, time.March, 5, 15, 0, 5, 0, time.UTC)},
		Metrics:    f.coll.Registry(),
		Hub:        f.hub,
	})
	f.ts = httptest.NewServer(server.Router())
	f.close = func() {
		f.ts.Close()
		cancel()
	}
	t.Cleanup(f.close)
	return f
}

func getJSON(t *testing.T, url string, into interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if into != nil {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	f := setupTestServer(t)

	var body map[string]interface{}
	if code := getJSON(t, f.ts.URL+"/api/v1/health", &body); code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", code)
	}
	if body["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%v'", body["status"])
	}

	t.Run("degraded connection", func(t *testing.T) {
		f.conn.setStatus(connection.StatusDegraded)
		defer f.conn.setStatus(connection.StatusConnected)

		var body map[string]interface{}
		getJSON(t, f.ts.URL+"/api/v1/health", &body)
		if body["status"] != "degraded" {
			t.Errorf("Expected 'degraded', got '%v'", body["status"])
		}
	})

	t.Run("halted", func(t *testing.T) {
		f.ctrl.setHalted("connection: reconnect attempts exhausted")
		defer f.ctrl.setHalted("")

		var body map[string]interface{}
		if code := getJSON(t, f.ts.URL+"/api/v1/health", &body); code != http.StatusServiceUnavailable {
			t.Errorf("Expected 503, got %d", code)
		}
		if body["status"] != "halted" {
			t.Errorf("Expected 'halted', got '%v'", body["status"])
		}
	})
}

func TestStatusEndpoint(t *testing.T) {
	f := setupTestServer(t)

	var status api.StatusResponse
	if code := getJSON(t, f.ts.URL+"/api/v1/status", &status); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if status.State != lifecycle.StateMonitoring {
		t.Errorf("state: %s", status.State)
	}
	if status.Week == nil || status.Week.ID != "w1" {
		t.Errorf("week: %+v", status.Week)
	}
	if len(status.Positions) != 1 || !status.Positions[0].CurrentStop.Equal(decimal.NewFromInt(97)) {
		t.Errorf("positions: %+v", status.Positions)
	}
	if status.Connection == nil || status.Connection.State.Status != connection.StatusConnected || status.Connection.Stats.Reconnections != 1 {
		t.Errorf("connection: %+v", status.Connection)
	}
	if len(status.Jobs) != 1 || status.Jobs[0].Name != "tick" || status.Jobs[0].Next.Hour() != 15 {
		t.Errorf("jobs: %+v", status.Jobs)
	}
}

func TestSafetyEndpoint(t *testing.T) {
	f := setupTestServer(t)

	if code := getJSON(t, f.ts.URL+"/api/v1/safety", nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 before the first check, got %d", code)
	}

	f.safe.mu.Lock()
	f.safe.report = &safety.Report{
		Timestamp:   time.Now(),
		Equity:      decimal.NewFromInt(98000),
		DailyPnL:    decimal.NewFromInt(-2000),
		HasCritical: true,
		Violations: []safety.Violation{{
			Rule:     safety.RuleDailyLoss,
			Severity: safety.SeverityCritical,
			Message:  "daily loss 2000 exceeds 1000",
		}},
	}
	f.safe.mu.Unlock()

	var report safety.Report
	if code := getJSON(t, f.ts.URL+"/api/v1/safety", &report); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if !report.HasCritical || len(report.Violations) != 1 || report.Violations[0].Rule != safety.RuleDailyLoss {
		t.Errorf("report: %+v", report)
	}
	if !report.DailyPnL.Equal(decimal.NewFromInt(-2000)) {
		t.Errorf("daily pnl: %s", report.DailyPnL)
	}
}

func TestReadOnly(t *testing.T) {
	f := setupTestServer(t)

	for _, path := range []string{"/api/v1/health", "/api/v1/status", "/api/v1/safety"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Post(f.ts.URL+path, "application/json", strings.NewReader("{}"))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusMethodNotAllowed {
				t.Errorf("Expected 405 for POST, got %d", resp.StatusCode)
			}
		})
	}

	resp, err := http.Get(f.ts.URL + "/api/v1/orders")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown route, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := setupTestServer(t)
	f.coll.Handle(events.New(events.KindPositionClosed, time.Now(), map[string]any{"symbol": "AAPL", "reason": "friday_close", "pnl": "12.5"}))

	resp, err := http.Get(f.ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `weekly_trader_positions_closed_total{reason="friday_close"} 1`) {
		t.Errorf("metrics output missing closed position counter:\n%s", body)
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	f := setupTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ev := events.New(events.KindStateTransition, time.Now(), map[string]any{"from": "monitoring", "to": "exiting_scheduled"})
	ev.WeekID = "w1"
	if err := f.hub.HandleEvent(ev); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg.Type != api.MsgTypeEvent || msg.Channel != "events:state_transition" {
		t.Fatalf("unexpected message %+v", msg)
	}
	var got events.Event
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != ev.ID || got.WeekID != "w1" || got.Payload["to"] != "exiting_scheduled" {
		t.Errorf("event mismatch: %+v", got)
	}
}

package journal_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/weekly-trader/internal/events"
	"github.com/atlas-desktop/weekly-trader/internal/journal"
	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(zap.NewNop(), filepath.Join(t.TempDir(), "data", "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_Trades(t *testing.T) {
	j := openJournal(t)
	now := time.Date(2024, 3, 8, 15, 55, 0, 0, time.UTC)

	rows := []journal.TradeRecord{
		{Timestamp: now, WeekID: "w1", Kind: journal.TradeOpened, Symbol: "AAPL", Quantity: decimal.NewFromInt(50), Price: decimal.RequireFromString("180.25"), Reason: "entry"},
		{Timestamp: now, WeekID: "w1", Kind: journal.TradeClosed, Symbol: "AAPL", Quantity: decimal.NewFromInt(50), Price: decimal.RequireFromString("182.10"), Reason: "friday_close", OrderID: "o-2"},
		{Timestamp: now, WeekID: "w2", Kind: journal.TradeClosed, Symbol: "MSFT", Quantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(400), Reason: "stop_filled"},
	}
	for _, r := range rows {
		if err := j.RecordTrade(r); err != nil {
			t.Fatalf("RecordTrade: %v", err)
		}
	}

	n, err := j.CountTrades("w1", journal.TradeClosed)
	if err != nil {
		t.Fatalf("CountTrades: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 closed row for w1, got %d", n)
	}

	got, err := j.Trades("w1")
	if err != nil {
		t.Fatalf("Trades: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if !got[1].Price.Equal(decimal.RequireFromString("182.10")) {
		t.Errorf("price round trip: got %s", got[1].Price)
	}
	if got[1].Reason != "friday_close" || got[1].OrderID != "o-2" {
		t.Errorf("unexpected row %+v", got[1])
	}
	if !got[0].Timestamp.Equal(now) {
		t.Errorf("timestamp: got %v, want %v", got[0].Timestamp, now)
	}
}

func TestJournal_Events(t *testing.T) {
	j := openJournal(t)

	ev := events.New(events.KindStopRaised, time.Now(), map[string]any{"symbol": "AAPL", "stop": "178.50"})
	if err := j.RecordEvent(ev); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	// duplicate IDs are ignored
	if err := j.RecordEvent(ev); err != nil {
		t.Fatalf("RecordEvent duplicate: %v", err)
	}

	n, err := j.CountEvents(events.KindStopRaised)
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 event, got %d", n)
	}
}

func TestJournal_WeekCheckpoint(t *testing.T) {
	j := openJournal(t)

	week, err := j.LastOpenWeek()
	if err != nil {
		t.Fatalf("LastOpenWeek: %v", err)
	}
	if week != nil {
		t.Fatal("empty journal should have no open week")
	}

	start := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	w := &types.TradingWeek{
		ID:           "w1",
		StartDate:    start,
		EntryTime:    start.Add(15*time.Hour + 30*time.Minute),
		ExitDeadline: start.Add(4*24*time.Hour + 20*time.Hour + 55*time.Minute),
		RegimeOK:     true,
		State:        "monitoring",
	}
	if err := j.SaveWeek(w); err != nil {
		t.Fatalf("SaveWeek: %v", err)
	}
	w.EntryDone = true
	if err := j.SaveWeek(w); err != nil {
		t.Fatalf("SaveWeek update: %v", err)
	}

	got, err := j.LastOpenWeek()
	if err != nil {
		t.Fatalf("LastOpenWeek: %v", err)
	}
	if got == nil || got.ID != "w1" || !got.EntryDone || !got.RegimeOK {
		t.Fatalf("unexpected week %+v", got)
	}
	if !got.ExitDeadline.Equal(w.ExitDeadline) {
		t.Errorf("deadline: got %v, want %v", got.ExitDeadline, w.ExitDeadline)
	}

	closed := start.Add(5 * 24 * time.Hour)
	w.ClosedAt = &closed
	if err := j.SaveWeek(w); err != nil {
		t.Fatalf("SaveWeek close: %v", err)
	}
	if got, _ := j.LastOpenWeek(); got != nil {
		t.Errorf("closed week should not be returned, got %+v", got)
	}
	latest, err := j.LatestWeek()
	if err != nil {
		t.Fatalf("LatestWeek: %v", err)
	}
	if latest == nil || latest.ID != "w1" || latest.ClosedAt == nil {
		t.Errorf("latest week should be the closed w1, got %+v", latest)
	}
}

func TestJournal_PositionCheckpoint(t *testing.T) {
	j := openJournal(t)

	pos := &types.Position{
		ID:          "p1",
		WeekID:      "w1",
		Symbol:      "AAPL",
		Side:        types.PositionSideLong,
		Quantity:    decimal.NewFromInt(55),
		EntryPrice:  decimal.RequireFromString("180.00"),
		CurrentStop: decimal.RequireFromString("176.40"),
		TargetPrice: decimal.RequireFromString("183.60"),
		State:       types.PositionStateOpen,
		StopOrderID: "s-1",
	}
	if err := j.SavePosition(pos); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}
	pos.CurrentStop = decimal.RequireFromString("179.10")
	if err := j.SavePosition(pos); err != nil {
		t.Fatalf("SavePosition update: %v", err)
	}

	got, err := j.Positions("w1")
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 position, got %d", len(got))
	}
	if !got[0].CurrentStop.Equal(pos.CurrentStop) {
		t.Errorf("stop: got %s, want %s", got[0].CurrentStop, pos.CurrentStop)
	}
	if got[0].StopOrderID != "s-1" || got[0].State != types.PositionStateOpen {
		t.Errorf("unexpected position %+v", got[0])
	}
}

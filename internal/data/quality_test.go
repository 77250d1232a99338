package data_test

import (
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/weekly-trader/internal/data"
	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/shopspring/decimal"
)

var day0 = time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

func bar(day int, o, h, l, c float64) types.OHLCV {
	return types.OHLCV{
		Timestamp: day0.AddDate(0, 0, day),
		Open:      decimal.NewFromFloat(o),
		High:      decimal.NewFromFloat(h),
		Low:       decimal.NewFromFloat(l),
		Close:     decimal.NewFromFloat(c),
	}
}

func TestCleanBars_CleanInputUnchanged(t *testing.T) {
	in := []types.OHLCV{bar(0, 100, 101, 99, 100), bar(1, 100, 102, 99, 101), bar(2, 101, 103, 100, 102)}
	out, rep := data.CleanBars("AAPL", in)
	if !rep.Clean() || rep.Kept != 3 || rep.Input != 3 {
		t.Fatalf("unexpected report %+v", rep)
	}
	for i := range in {
		if !out[i].Close.Equal(in[i].Close) || !out[i].Timestamp.Equal(in[i].Timestamp) {
			t.Errorf("bar %d changed: %+v", i, out[i])
		}
	}
}

func TestCleanBars_RepairsAndDrops(t *testing.T) {
	in := []types.OHLCV{
		bar(2, 101, 103, 100, 102),
		bar(0, 100, 101, 99, 100),
		bar(1, 100, 102, 99, 101),
		bar(1, 100, 102, 99, 101),  // duplicate
		bar(3, 0, 103, 100, 102),   // bad print
		bar(4, 102, 101, 100, 103), // high below close
	}
	out, rep := data.CleanBars("MSFT", in)

	if len(out) != 4 || rep.Kept != 4 {
		t.Fatalf("expected 4 bars, got %d (%s)", len(out), rep.Summary())
	}
	for i := 1; i < len(out); i++ {
		if !out[i].Timestamp.After(out[i-1].Timestamp) {
			t.Fatalf("bars not strictly ascending at %d", i)
		}
	}
	if !rep.Sorted {
		t.Error("report should note the reorder")
	}
	if last := out[3]; !last.High.Equal(decimal.NewFromInt(103)) {
		t.Errorf("high should be widened to the close, got %s", last.High)
	}
	if !in[0].Timestamp.Equal(day0.AddDate(0, 0, 2)) {
		t.Error("input must not be modified")
	}

	dropped := 0
	for _, is := range rep.Issues {
		if is.Dropped {
			dropped++
		}
	}
	if dropped != 2 {
		t.Errorf("expected 2 dropped bars, got %d", dropped)
	}
	for _, want := range []string{data.IssueDuplicate, data.IssueNonPositive, data.IssueInconsistent, data.IssueOutOfOrder} {
		if !strings.Contains(rep.Summary(), want) {
			t.Errorf("summary missing %s: %s", want, rep.Summary())
		}
	}
}

func TestCleanBars_FlagsGapWithoutDropping(t *testing.T) {
	in := []types.OHLCV{bar(0, 100, 101, 99, 100), bar(1, 80, 81, 79, 80)}
	out, rep := data.CleanBars("XOM", in)
	if len(out) != 2 {
		t.Fatalf("gap bars must be kept, got %d", len(out))
	}
	if rep.Flagged != 1 || rep.Issues[0].Type != data.IssueGapMove {
		t.Errorf("expected one gap issue, got %+v", rep.Issues)
	}
}

func TestCleanBars_Empty(t *testing.T) {
	out, rep := data.CleanBars("SPY", nil)
	if out != nil || !rep.Clean() || rep.Kept != 0 {
		t.Errorf("unexpected result %v %+v", out, rep)
	}
}

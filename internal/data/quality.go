// Package data checks daily bars before they feed ATR and EMA.
package data

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/shopspring/decimal"
)

// Issue types
const (
	IssueNonPositive  = "NON_POSITIVE_PRICE"
	IssueInconsistent = "OHLC_INCONSISTENT"
	IssueDuplicate    = "DUPLICATE_TIMESTAMP"
	IssueOutOfOrder   = "OUT_OF_ORDER"
	IssueGapMove      = "GAP_MOVE"
)

// MaxGapMove is the close-to-open move above which a bar is flagged.
var MaxGapMove = decimal.NewFromFloat(0.15)

// Issue is one data quality problem.
type Issue struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	// Dropped is set when the bar was removed by CleanBars.
	Dropped bool `json:"dropped"`
}

// Report summarizes what CleanBars found.
type Report struct {
	Symbol  string  `json:"symbol"`
	Input   int     `json:"input"`
	Kept    int     `json:"kept"`
	Issues  []Issue `json:"issues"`
	Sorted  bool    `json:"sorted"`
	Flagged int     `json:"flagged"`
}

// Clean reports whether no issue was found.
func (r Report) Clean() bool { return len(r.Issues) == 0 }

// Summary is a one-line description for logs.
func (r Report) Summary() string {
	counts := map[string]int{}
	for _, is := range r.Issues {
		counts[is.Type]++
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[k])
	}
	return fmt.Sprintf("%s: kept %d of %d bars (%s)", r.Symbol, r.Kept, r.Input, strings.Join(parts, " "))
}

// CleanBars returns the bars sorted by time with duplicates and
// non-positive prints removed. High and low are widened to cover open and
// close. Large gaps are reported, not removed. The input is not modified.
func CleanBars(symbol string, bars []types.OHLCV) ([]types.OHLCV, Report) {
	rep := Report{Symbol: symbol, Input: len(bars)}
	if len(bars) == 0 {
		return nil, rep
	}

	sorted := make([]types.OHLCV, len(bars))
	copy(sorted, bars)
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Timestamp.Before(sorted[i-1].Timestamp) {
			rep.Issues = append(rep.Issues, Issue{
				Type:      IssueOutOfOrder,
				Timestamp: sorted[i].Timestamp,
				Message:   "bar is out of chronological order",
			})
			rep.Sorted = true
		}
	}
	if rep.Sorted {
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		})
	}

	out := make([]types.OHLCV, 0, len(sorted))
	seen := make(map[int64]bool, len(sorted))
	for _, bar := range sorted {
		ts := bar.Timestamp.UnixNano()
		if seen[ts] {
			rep.Issues = append(rep.Issues, Issue{
				Type:      IssueDuplicate,
				Timestamp: bar.Timestamp,
				Message:   "duplicate timestamp",
				Dropped:   true,
			})
			continue
		}
		seen[ts] = true

		if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
			rep.Issues = append(rep.Issues, Issue{
				Type:      IssueNonPositive,
				Timestamp: bar.Timestamp,
				Message:   "zero or negative price " + ohlc(bar),
				Dropped:   true,
			})
			continue
		}

		high := decimal.Max(bar.High, bar.Open, bar.Close)
		low := decimal.Min(bar.Low, bar.Open, bar.Close)
		if !high.Equal(bar.High) || !low.Equal(bar.Low) {
			rep.Issues = append(rep.Issues, Issue{
				Type:      IssueInconsistent,
				Timestamp: bar.Timestamp,
				Message:   "high/low do not cover open and close " + ohlc(bar),
			})
			bar.High, bar.Low = high, low
		}

		if n := len(out); n > 0 {
			prev := out[n-1].Close
			if move := bar.Open.Sub(prev).Abs().Div(prev); move.GreaterThan(MaxGapMove) {
				rep.Issues = append(rep.Issues, Issue{
					Type:      IssueGapMove,
					Timestamp: bar.Timestamp,
					Message:   fmt.Sprintf("open %s gaps %s%% from prior close %s", bar.Open, move.Mul(decimal.NewFromInt(100)).StringFixed(1), prev),
				})
				rep.Flagged++
			}
		}
		out = append(out, bar)
	}

	rep.Kept = len(out)
	return out, rep
}

func ohlc(b types.OHLCV) string {
	return "(O:" + b.Open.String() + " H:" + b.High.String() + " L:" + b.Low.String() + " C:" + b.Close.String() + ")"
}

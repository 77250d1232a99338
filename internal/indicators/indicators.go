// Package indicators implements the daily-bar indicators used for stop
// placement and the weekly regime filter.
package indicators

import (
	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/shopspring/decimal"
)

// TrueRange returns the true range of each bar. The first bar has no prior
// close, so its range is high minus low.
func TrueRange(bars []types.OHLCV) []decimal.Decimal {
	out := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		tr := b.High.Sub(b.Low)
		if i > 0 {
			prev := bars[i-1].Close
			tr = decimal.Max(tr, b.High.Sub(prev).Abs(), b.Low.Sub(prev).Abs())
		}
		out[i] = tr
	}
	return out
}

// ATR returns the simple mean of the last n true ranges. ok is false when
// fewer than n bars are available.
func ATR(bars []types.OHLCV, n int) (atr decimal.Decimal, ok bool) {
	if n <= 0 || len(bars) < n {
		return decimal.Zero, false
	}
	tr := TrueRange(bars)
	sum := decimal.Zero
	for _, v := range tr[len(tr)-n:] {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(n))), true
}

// EMA returns the exponential moving average of closes with smoothing
// 2/(n+1), seeded with the first close. ok is false when fewer than n bars
// are available.
func EMA(bars []types.OHLCV, n int) (ema decimal.Decimal, ok bool) {
	if n <= 0 || len(bars) < n {
		return decimal.Zero, false
	}
	alpha := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(n + 1)))
	keep := decimal.NewFromInt(1).Sub(alpha)

	ema = bars[0].Close
	for _, b := range bars[1:] {
		ema = b.Close.Mul(alpha).Add(ema.Mul(keep))
	}
	return ema, true
}

// LastClose returns the close of the most recent bar.
func LastClose(bars []types.OHLCV) (decimal.Decimal, bool) {
	if len(bars) == 0 {
		return decimal.Zero, false
	}
	return bars[len(bars)-1].Close, true
}

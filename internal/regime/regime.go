// Package regime makes the once-a-week market regime and hedge decision:
// SPY trend against its EMA, an optional VIX ceiling, and the size of a
// short index hedge when the regime fails.
package regime

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/weekly-trader/internal/alerts"
	"github.com/atlas-desktop/weekly-trader/internal/data"
	"github.com/atlas-desktop/weekly-trader/internal/indicators"
	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	minSPYBars = 120
	vixBars    = 10
)

// MarketData is the data the decision needs.
type MarketData interface {
	GetDailyBars(ctx context.Context, symbol string, days int) ([]types.OHLCV, error)
	GetQuote(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Decision is the weekly regime outcome.
type Decision struct {
	RegimeOK    bool            `json:"regimeOk"`
	SPYClose    decimal.Decimal `json:"spyClose"`
	SPYEMA      decimal.Decimal `json:"spyEma"`
	EMAChecked  bool            `json:"emaChecked"`
	VIX         decimal.Decimal `json:"vix"`
	VIXChecked  bool            `json:"vixChecked"`
	EnterLongs  bool            `json:"enterLongs"`
	OpenHedge   bool            `json:"openHedge"`
	Notes       []string        `json:"notes,omitempty"`
	EvaluatedAt time.Time       `json:"evaluatedAt"`
}

// Evaluator evaluates the regime filter.
type Evaluator struct {
	cfg    types.TradingConfig
	data   MarketData
	logger *zap.Logger
	alerts alerts.Sink

	vixWarned bool
}

// NewEvaluator creates an evaluator.
func NewEvaluator(logger *zap.Logger, cfg types.TradingConfig, md MarketData) *Evaluator {
	return &Evaluator{
		cfg:    cfg,
		data:   md,
		logger: logger.Named("regime"),
	}
}

// SetAlerts sets the sink told, once per process, that the VIX ceiling is
// configured but no VIX data can be read.
func (e *Evaluator) SetAlerts(sink alerts.Sink) { e.alerts = sink }

// Evaluate runs both checks. Missing data never blocks entries: an
// unavailable check is noted and treated as passing.
func (e *Evaluator) Evaluate(ctx context.Context, now time.Time) Decision {
	d := Decision{RegimeOK: true, EvaluatedAt: now}

	if n := e.cfg.RegimeSPYEMA; n > 0 {
		bars, err := e.data.GetDailyBars(ctx, e.cfg.RegimeSymbol, max(n+10, minSPYBars))
		if err == nil {
			var rep data.Report
			if bars, rep = data.CleanBars(e.cfg.RegimeSymbol, bars); !rep.Clean() {
				d.Notes = append(d.Notes, "spy bars cleaned: "+rep.Summary())
				e.logger.Warn("SPY bars had quality issues", zap.String("report", rep.Summary()))
			}
		}
		switch {
		case err != nil:
			d.Notes = append(d.Notes, "spy bars unavailable: "+err.Error())
			e.logger.Warn("SPY bars unavailable, not blocking entries", zap.Error(err))
		case len(bars) <= n+2:
			d.Notes = append(d.Notes, "insufficient spy bars")
			e.logger.Warn("Insufficient SPY bars for EMA check, not blocking entries",
				zap.Int("bars", len(bars)), zap.Int("ema", n))
		default:
			ema, _ := indicators.EMA(bars, n)
			last, _ := indicators.LastClose(bars)
			d.SPYEMA = ema
			d.SPYClose = last
			d.EMAChecked = true
			d.RegimeOK = last.GreaterThan(ema)
			e.logger.Info("SPY regime",
				zap.String("close", last.StringFixed(2)),
				zap.Int("ema", n),
				zap.String("emaValue", ema.StringFixed(2)),
				zap.Bool("ok", d.RegimeOK))
		}
	}

	if d.RegimeOK && e.cfg.MaxVIX.IsPositive() {
		bars, err := e.data.GetDailyBars(ctx, e.cfg.VIXSymbol, vixBars)
		last, ok := indicators.LastClose(bars)
		switch {
		case err != nil:
			d.Notes = append(d.Notes, "vix unavailable: "+err.Error())
			e.logger.Warn("VIX check failed, not blocking entries", zap.Error(err))
			e.vixInactive(ctx, now, err.Error())
		case !ok:
			d.Notes = append(d.Notes, "no vix bars")
			e.logger.Warn("No VIX bars, not blocking entries")
			e.vixInactive(ctx, now, "no bars returned")
		default:
			d.VIX = last
			d.VIXChecked = true
			d.RegimeOK = last.LessThanOrEqual(e.cfg.MaxVIX)
			e.logger.Info("VIX filter",
				zap.String("last", last.StringFixed(2)),
				zap.String("max", e.cfg.MaxVIX.StringFixed(2)),
				zap.Bool("ok", d.RegimeOK))
		}
	}

	d.OpenHedge = !d.RegimeOK && e.cfg.EnableHedge
	d.EnterLongs = d.RegimeOK || (d.OpenHedge && e.cfg.HedgeWithEntries)
	return d
}

func (e *Evaluator) vixInactive(ctx context.Context, now time.Time, why string) {
	if e.vixWarned || e.alerts == nil {
		return
	}
	e.vixWarned = true
	body := fmt.Sprintf("max_vix is %s but %s has no daily bars (%s). Set vix_symbol to a tradable proxy or max_vix to 0.",
		e.cfg.MaxVIX, e.cfg.VIXSymbol, why)
	if err := e.alerts.Send(ctx, alerts.Alert{
		Severity:  alerts.SeverityWarning,
		Subject:   "VIX filter inactive",
		Body:      body,
		Timestamp: now,
	}); err != nil {
		e.logger.Warn("Failed to send VIX alert", zap.Error(err))
	}
}

// Allocated returns the capital the hedge offsets: the sum of entry
// notionals, or the full planned allocation when nothing was entered.
func (e *Evaluator) Allocated(entryNotionals []decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, n := range entryNotionals {
		sum = sum.Add(n)
	}
	if sum.IsPositive() {
		return sum
	}
	return e.cfg.CapitalPerTrade.Mul(decimal.NewFromInt(int64(len(e.cfg.Symbols))))
}

// HedgeQuantity returns floor(hedge_ratio × allocated / price).
func (e *Evaluator) HedgeQuantity(allocated, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return e.cfg.HedgeRatio.Mul(allocated).Div(price).Floor()
}

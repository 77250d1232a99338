package config

import (
	"errors"
	"fmt"

	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/shopspring/decimal"
)

// Validate rejects unknown enum values and non-positive limits. All
// problems are reported together.
func Validate(cfg *types.Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	positive := func(name string, d decimal.Decimal) {
		if !d.IsPositive() {
			add("%s must be positive, got %s", name, d)
		}
	}
	fraction := func(name string, d decimal.Decimal) {
		if !d.IsPositive() || d.GreaterThan(decimal.NewFromInt(1)) {
			add("%s must be in (0, 1], got %s", name, d)
		}
	}

	t := cfg.Trading
	if len(t.Symbols) == 0 {
		add("trading.symbols must list at least one symbol")
	}
	positive("trading.capital_per_trade", t.CapitalPerTrade)

	switch t.EntryTiming {
	case types.EntryTimingOpen, types.EntryTimingDelayed2h:
	default:
		add("trading.entry_timing: unknown value %q (open|delayed_2h)", t.EntryTiming)
	}
	switch t.StopMode {
	case types.StopModeATR:
		positive("trading.stop_atr_mult", t.StopATRMult)
	case types.StopModeFixed:
		fraction("trading.stop_fixed_pct", t.StopFixedPct)
	default:
		add("trading.stop_mode: unknown value %q (atr|fixed)", t.StopMode)
	}
	switch t.TrailingMode {
	case types.TrailingModeATR:
		positive("trading.trailing_atr_mult", t.TrailingATRMult)
	case types.TrailingModePercent:
		fraction("trading.trailing_pct", t.TrailingPct)
	default:
		add("trading.trailing_mode: unknown value %q (atr|percent)", t.TrailingMode)
	}
	switch t.ExpectedReturnMode {
	case types.ExpectedReturnFixed:
		positive("trading.fixed_er_pct", t.FixedERPct)
	case types.ExpectedReturnATR:
		positive("trading.atr_k", t.ATRK)
	case types.ExpectedReturnFile:
		positive("trading.fixed_er_pct", t.FixedERPct)
		if len(t.ExpectedReturns) == 0 {
			add("trading.expected_returns is required when expected_return_mode is file")
		}
	default:
		add("trading.expected_return_mode: unknown value %q (fixed|atr|file)", t.ExpectedReturnMode)
	}
	if t.ATRLookback <= 0 {
		add("trading.atr_lookback must be positive, got %d", t.ATRLookback)
	}
	if t.RegimeSPYEMA < 0 {
		add("trading.regime_spy_ema must not be negative, got %d", t.RegimeSPYEMA)
	}
	if t.MaxVIX.IsNegative() {
		add("trading.max_vix must not be negative, got %s", t.MaxVIX)
	}
	if t.EnableHedge {
		positive("trading.hedge_ratio", t.HedgeRatio)
		if t.HedgeSymbol == "" {
			add("trading.hedge_symbol is required when enable_hedge is set")
		}
	}
	if t.ExitBeforeClose < 0 {
		add("trading.exit_before_close must not be negative, got %s", t.ExitBeforeClose)
	}
	if t.TickInterval <= 0 {
		add("trading.tick_interval must be positive, got %s", t.TickInterval)
	}
	if t.EntryFillTimeout <= 0 || t.ExitFillTimeout <= 0 {
		add("trading.entry_fill_timeout and exit_fill_timeout must be positive")
	}

	s := cfg.Safety
	positive("safety.max_position_value", s.MaxPositionValue)
	positive("safety.max_portfolio_value", s.MaxPortfolioValue)
	positive("safety.max_daily_loss", s.MaxDailyLoss)
	fraction("safety.max_position_concentration", s.MaxPositionConcentration)
	fraction("safety.max_sector_concentration", s.MaxSectorConcentration)
	fraction("safety.emergency_stop_loss_pct", s.EmergencyStopLossPct)
	if s.MaxPositions <= 0 {
		add("safety.max_positions must be positive, got %d", s.MaxPositions)
	}
	if s.MinCashReserve.IsNegative() {
		add("safety.min_cash_reserve must not be negative, got %s", s.MinCashReserve)
	}
	if s.OrphanGrace < 0 || s.CheckInterval <= 0 {
		add("safety.orphan_grace must not be negative and check_interval must be positive")
	}

	c := cfg.Connection
	if c.HeartbeatInterval <= 0 {
		add("connection.heartbeat_interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.FailureThreshold <= 0 {
		add("connection.failure_threshold must be positive, got %d", c.FailureThreshold)
	}
	if c.MaxReconnectAttempts <= 0 {
		add("connection.max_reconnect_attempts must be positive, got %d", c.MaxReconnectAttempts)
	}
	if c.BaseBackoff <= 0 || c.MaxBackoff < c.BaseBackoff {
		add("connection.base_backoff must be positive and not above max_backoff")
	}
	if c.RetryAttempts < 1 {
		add("connection.retry_attempts must be at least 1, got %d", c.RetryAttempts)
	}

	switch cfg.Broker.Kind {
	case "paper":
		positive("broker.paper_cash", cfg.Broker.PaperCash)
	case "alpaca":
		if cfg.Broker.APIKey == "" || cfg.Broker.APISecret == "" {
			add("broker: alpaca requires api_key and api_secret (ALPACA_API_KEY, ALPACA_SECRET_KEY)")
		}
	default:
		add("broker.kind: unknown value %q (alpaca|paper)", cfg.Broker.Kind)
	}

	if cfg.Journal.Path == "" {
		add("journal.path is required")
	}
	if cfg.Server.Enabled && (cfg.Server.Port <= 0 || cfg.Server.Port > 65535) {
		add("server.port out of range: %d", cfg.Server.Port)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

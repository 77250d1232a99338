// Package types provides configuration types for the weekly trader.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config is the full process configuration, loaded once at startup.
type Config struct {
	Trading    TradingConfig    `mapstructure:"trading" json:"trading"`
	Safety     SafetyLimits     `mapstructure:"safety" json:"safety"`
	Connection ConnectionConfig `mapstructure:"connection" json:"connection"`
	Broker     BrokerConfig     `mapstructure:"broker" json:"broker"`
	Alerts     AlertConfig      `mapstructure:"alerts" json:"alerts"`
	Journal    JournalConfig    `mapstructure:"journal" json:"journal"`
	Server     ServerConfig     `mapstructure:"server" json:"server"`
}

// TradingConfig holds the weekly entry/exit, stop and regime settings.
type TradingConfig struct {
	Symbols         []string        `mapstructure:"symbols" json:"symbols"`
	CapitalPerTrade decimal.Decimal `mapstructure:"capital_per_trade" json:"capitalPerTrade"`

	EntryTiming     EntryTiming   `mapstructure:"entry_timing" json:"entryTiming"`
	ExitBeforeClose time.Duration `mapstructure:"exit_before_close" json:"exitBeforeClose"`
	TickInterval    time.Duration `mapstructure:"tick_interval" json:"tickInterval"`

	EntryFillTimeout time.Duration `mapstructure:"entry_fill_timeout" json:"entryFillTimeout"`
	ExitFillTimeout  time.Duration `mapstructure:"exit_fill_timeout" json:"exitFillTimeout"`

	StopMode        StopMode        `mapstructure:"stop_mode" json:"stopMode"`
	StopFixedPct    decimal.Decimal `mapstructure:"stop_fixed_pct" json:"stopFixedPct"`
	StopATRMult     decimal.Decimal `mapstructure:"stop_atr_mult" json:"stopAtrMult"`
	TrailingMode    TrailingMode    `mapstructure:"trailing_mode" json:"trailingMode"`
	TrailingATRMult decimal.Decimal `mapstructure:"trailing_atr_mult" json:"trailingAtrMult"`
	TrailingPct     decimal.Decimal `mapstructure:"trailing_pct" json:"trailingPct"`
	ATRLookback     int             `mapstructure:"atr_lookback" json:"atrLookback"`

	ExpectedReturnMode ExpectedReturnMode         `mapstructure:"expected_return_mode" json:"expectedReturnMode"`
	FixedERPct         decimal.Decimal            `mapstructure:"fixed_er_pct" json:"fixedErPct"`
	ATRK               decimal.Decimal            `mapstructure:"atr_k" json:"atrK"`
	ExpectedReturns    map[string]decimal.Decimal `mapstructure:"expected_returns" json:"expectedReturns,omitempty"`

	RegimeSymbol     string          `mapstructure:"regime_symbol" json:"regimeSymbol"`
	RegimeSPYEMA     int             `mapstructure:"regime_spy_ema" json:"regimeSpyEma"`
	VIXSymbol        string          `mapstructure:"vix_symbol" json:"vixSymbol"`
	MaxVIX           decimal.Decimal `mapstructure:"max_vix" json:"maxVix"` // zero disables the check
	EnableHedge      bool            `mapstructure:"enable_hedge" json:"enableHedge"`
	HedgeRatio       decimal.Decimal `mapstructure:"hedge_ratio" json:"hedgeRatio"`
	HedgeSymbol      string          `mapstructure:"hedge_symbol" json:"hedgeSymbol"`
	HedgeWithEntries bool            `mapstructure:"hedge_with_entries" json:"hedgeWithEntries"`
}

// SafetyLimits is the immutable risk limit snapshot used by the safety supervisor.
type SafetyLimits struct {
	MaxPositionValue         decimal.Decimal `mapstructure:"max_position_value" json:"maxPositionValue"`
	MaxPortfolioValue        decimal.Decimal `mapstructure:"max_portfolio_value" json:"maxPortfolioValue"`
	MaxDailyLoss             decimal.Decimal `mapstructure:"max_daily_loss" json:"maxDailyLoss"`
	MaxPositionConcentration decimal.Decimal `mapstructure:"max_position_concentration" json:"maxPositionConcentration"`
	MaxSectorConcentration   decimal.Decimal `mapstructure:"max_sector_concentration" json:"maxSectorConcentration"`
	EmergencyStopLossPct     decimal.Decimal `mapstructure:"emergency_stop_loss_pct" json:"emergencyStopLossPct"`
	MaxPositions             int             `mapstructure:"max_positions" json:"maxPositions"`
	MinCashReserve           decimal.Decimal `mapstructure:"min_cash_reserve" json:"minCashReserve"`

	OrphanGrace   time.Duration `mapstructure:"orphan_grace" json:"orphanGrace"`
	CheckInterval time.Duration `mapstructure:"check_interval" json:"checkInterval"`
	SectorFile    string        `mapstructure:"sector_file" json:"sectorFile,omitempty"`
}

// ConnectionConfig configures the gateway connection and its resilience policy.
type ConnectionConfig struct {
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	ClientID int    `mapstructure:"client_id" json:"clientId"`

	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval" json:"heartbeatInterval"`
	FailureThreshold     int           `mapstructure:"failure_threshold" json:"failureThreshold"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" json:"maxReconnectAttempts"`
	BaseBackoff          time.Duration `mapstructure:"base_backoff" json:"baseBackoff"`
	MaxBackoff           time.Duration `mapstructure:"max_backoff" json:"maxBackoff"`
	CallTimeout          time.Duration `mapstructure:"call_timeout" json:"callTimeout"`
	RetryAttempts        int           `mapstructure:"retry_attempts" json:"retryAttempts"`
	RetryDelay           time.Duration `mapstructure:"retry_delay" json:"retryDelay"`
}

// BrokerConfig selects and configures the concrete gateway.
type BrokerConfig struct {
	Kind      string `mapstructure:"kind" json:"kind"` // "alpaca" or "paper"
	APIKey    string `mapstructure:"api_key" json:"-"`
	APISecret string `mapstructure:"api_secret" json:"-"`
	BaseURL   string `mapstructure:"base_url" json:"baseUrl"`

	PollInterval time.Duration `mapstructure:"poll_interval" json:"pollInterval"`

	PaperCash   decimal.Decimal            `mapstructure:"paper_cash" json:"paperCash"`
	PaperQuotes map[string]decimal.Decimal `mapstructure:"paper_quotes" json:"paperQuotes,omitempty"`
}

// AlertConfig configures outbound notifications.
type AlertConfig struct {
	TelegramToken  string        `mapstructure:"telegram_token" json:"-"`
	TelegramChatID string        `mapstructure:"telegram_chat_id" json:"telegramChatId,omitempty"`
	ProxyURL       string        `mapstructure:"proxy_url" json:"proxyUrl,omitempty"`
	MaxRetries     int           `mapstructure:"max_retries" json:"maxRetries"`
	Timeout        time.Duration `mapstructure:"timeout" json:"timeout"`
}

// JournalConfig configures the durable journal.
type JournalConfig struct {
	Path string `mapstructure:"path" json:"path"`
}

// ServerConfig represents status server configuration
type ServerConfig struct {
	Enabled       bool          `mapstructure:"enabled" json:"enabled"`
	Host          string        `mapstructure:"host" json:"host"`
	Port          int           `mapstructure:"port" json:"port"`
	WebSocketPath string        `mapstructure:"websocket_path" json:"websocketPath"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout" json:"readTimeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" json:"writeTimeout"`
}

// DefaultConfig returns the configuration used when a key is not set.
func DefaultConfig() Config {
	return Config{
		Trading:    DefaultTradingConfig(),
		Safety:     DefaultSafetyLimits(),
		Connection: DefaultConnectionConfig(),
		Broker: BrokerConfig{
			Kind:         "paper",
			BaseURL:      "https://paper-api.alpaca.markets",
			PollInterval: 2 * time.Second,
			PaperCash:    decimal.NewFromInt(100000),
		},
		Alerts: AlertConfig{
			MaxRetries: 3,
			Timeout:    30 * time.Second,
		},
		Journal: JournalConfig{
			Path: "./data/journal.db",
		},
		Server: ServerConfig{
			Enabled:       true,
			Host:          "127.0.0.1",
			Port:          8090,
			WebSocketPath: "/ws",
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  15 * time.Second,
		},
	}
}

// DefaultTradingConfig returns sensible trading defaults.
func DefaultTradingConfig() TradingConfig {
	return TradingConfig{
		CapitalPerTrade:  decimal.NewFromInt(10000),
		EntryTiming:      EntryTimingDelayed2h,
		ExitBeforeClose:  5 * time.Minute,
		TickInterval:     5 * time.Second,
		EntryFillTimeout: 15 * time.Minute,
		ExitFillTimeout:  5 * time.Minute,

		StopMode:        StopModeATR,
		StopFixedPct:    decimal.NewFromFloat(0.01),
		StopATRMult:     decimal.NewFromFloat(1.5),
		TrailingMode:    TrailingModeATR,
		TrailingATRMult: decimal.NewFromFloat(1.0),
		TrailingPct:     decimal.NewFromFloat(0.02),
		ATRLookback:     14,

		ExpectedReturnMode: ExpectedReturnFixed,
		FixedERPct:         decimal.NewFromFloat(0.02),
		ATRK:               decimal.NewFromFloat(1.2),

		RegimeSymbol: "SPY",
		RegimeSPYEMA: 50,
		VIXSymbol:    "VIX",
		MaxVIX:       decimal.Zero,
		HedgeRatio:   decimal.NewFromFloat(1.0),
		HedgeSymbol:  "SPY",
	}
}

// DefaultSafetyLimits returns the default position safety limits.
func DefaultSafetyLimits() SafetyLimits {
	return SafetyLimits{
		MaxPositionValue:         decimal.NewFromInt(50000),
		MaxPortfolioValue:        decimal.NewFromInt(500000),
		MaxDailyLoss:             decimal.NewFromInt(10000),
		MaxPositionConcentration: decimal.NewFromFloat(0.15),
		MaxSectorConcentration:   decimal.NewFromFloat(0.30),
		EmergencyStopLossPct:     decimal.NewFromFloat(0.10),
		MaxPositions:             20,
		MinCashReserve:           decimal.NewFromInt(10000),
		OrphanGrace:              2 * time.Minute,
		CheckInterval:            30 * time.Second,
	}
}

// DefaultConnectionConfig returns the default connection policy.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		Host:                 "127.0.0.1",
		Port:                 7497,
		ClientID:             7,
		HeartbeatInterval:    30 * time.Second,
		FailureThreshold:     3,
		MaxReconnectAttempts: 5,
		BaseBackoff:          10 * time.Second,
		MaxBackoff:           5 * time.Minute,
		CallTimeout:          10 * time.Second,
		RetryAttempts:        3,
		RetryDelay:           time.Second,
	}
}

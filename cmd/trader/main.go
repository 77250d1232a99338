// Package main runs the weekly trader: one trading week at a time, entered
// early in the week and flattened before the last close.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/weekly-trader/internal/alerts"
	"github.com/atlas-desktop/weekly-trader/internal/api"
	"github.com/atlas-desktop/weekly-trader/internal/calendar"
	"github.com/atlas-desktop/weekly-trader/internal/config"
	"github.com/atlas-desktop/weekly-trader/internal/connection"
	"github.com/atlas-desktop/weekly-trader/internal/events"
	"github.com/atlas-desktop/weekly-trader/internal/execution"
	"github.com/atlas-desktop/weekly-trader/internal/execution/adapters"
	"github.com/atlas-desktop/weekly-trader/internal/faults"
	"github.com/atlas-desktop/weekly-trader/internal/journal"
	"github.com/atlas-desktop/weekly-trader/internal/lifecycle"
	"github.com/atlas-desktop/weekly-trader/internal/metrics"
	"github.com/atlas-desktop/weekly-trader/internal/regime"
	"github.com/atlas-desktop/weekly-trader/internal/safety"
	"github.com/atlas-desktop/weekly-trader/internal/scheduler"
	"github.com/atlas-desktop/weekly-trader/internal/stops"
	"github.com/atlas-desktop/weekly-trader/internal/workers"
	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	exitOK     = 0
	exitFatal  = 2
	exitConfig = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "Path to the YAML config file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	paper := flag.Bool("paper", false, "Use the in-memory paper gateway")
	singleWeek := flag.Bool("single-week", false, "Exit after the first closed week")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	if err := config.LoadDotEnv(".env"); err != nil {
		logger.Error("Failed to load .env", zap.Error(err))
		return exitConfig
	}
	if _, err := os.Stat(*configPath); errors.Is(err, os.ErrNotExist) && !isFlagSet("config") {
		*configPath = ""
	}
	if *paper {
		os.Setenv("TRADER_BROKER_KIND", "paper")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Invalid configuration", zap.Error(err))
		return exitConfig
	}

	sectors, err := safety.LoadSectorFile(cfg.Safety.SectorFile)
	if err != nil {
		logger.Error("Failed to load sector file", zap.Error(err))
		return exitConfig
	}

	logger.Info("Starting weekly trader",
		zap.Strings("symbols", cfg.Trading.Symbols),
		zap.String("broker", cfg.Broker.Kind),
		zap.String("entryTiming", string(cfg.Trading.EntryTiming)),
		zap.Bool("hedge", cfg.Trading.EnableHedge),
		zap.Bool("singleWeek", *singleWeek))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Alerts
	sink := alerts.Multi{alerts.NewLogSink(logger)}
	if cfg.Alerts.TelegramToken != "" && cfg.Alerts.TelegramChatID != "" {
		telegram := alerts.NewAsync(logger, alerts.NewTelegramSink(logger, alerts.TelegramConfig{
			BotToken:   cfg.Alerts.TelegramToken,
			ChatID:     cfg.Alerts.TelegramChatID,
			ProxyURL:   cfg.Alerts.ProxyURL,
			MaxRetries: cfg.Alerts.MaxRetries,
			Timeout:    cfg.Alerts.Timeout,
		}), workers.DefaultPoolConfig("telegram"))
		defer telegram.Close()
		sink = append(sink, telegram)
	}

	// Journal and event fan-out
	jr, err := journal.Open(logger, cfg.Journal.Path)
	if err != nil {
		logger.Error("Failed to open journal", zap.Error(err))
		return exitFatal
	}
	defer jr.Close()

	bus := events.NewBus(logger)
	bus.SubscribeAll(jr.RecordEvent)

	collector := metrics.NewCollector(logger)
	bus.SubscribeAll(collector.Handle)

	hub := api.NewHub(logger)
	bus.SubscribeAll(hub.HandleEvent)
	go hub.Run(ctx)

	// Gateway and connection layer
	gw := newGateway(logger, cfg)
	mgr := connection.NewManager(logger, gw, cfg.Connection, bus, sink)
	defer mgr.Close()

	orders := execution.NewOrderManager(logger)
	evaluator := regime.NewEvaluator(logger, cfg.Trading, mgr)
	evaluator.SetAlerts(sink)
	ctrl := lifecycle.NewController(logger, cfg.Trading, cfg.Safety, lifecycle.Deps{
		Calendar: calendar.NewUSEquity(),
		Broker:   mgr,
		Journal:  jr,
		Stops:    stops.NewManager(logger, cfg.Trading, mgr, orders, bus),
		Regime:   evaluator,
		Orders:   orders,
		Bus:      bus,
		Alerts:   sink,
	}, lifecycle.Options{SingleWeek: *singleWeek})

	mgr.OnOrderUpdate(ctrl.PostOrderUpdate)
	mgr.OnChange(ctrl.PostConnectionChange)

	supervisor := safety.NewSupervisor(logger, cfg.Safety, sectors, mgr, ctrl, bus, sink)
	supervisor.OnReport(ctrl.PostSafetyReport)

	if err := mgr.Connect(ctx); err != nil {
		logger.Warn("Starting disconnected, the heartbeat will keep reconnecting", zap.Error(err))
	}
	if err := ctrl.Recover(ctx, time.Now()); err != nil {
		logger.Error("Failed to rebuild state from the journal", zap.Error(err))
		return exitFatal
	}

	// Periodic work
	sched := scheduler.New(ctx, logger)
	jobs := []struct {
		name  string
		every time.Duration
		fn    scheduler.JobFunc
	}{
		{"tick", cfg.Trading.TickInterval, func(ctx context.Context) {
			if err := ctrl.Tick(ctx, time.Now()); err != nil && !faults.IsFatal(err) {
				logger.Warn("Tick failed", zap.Error(err))
			}
		}},
		{"heartbeat", cfg.Connection.HeartbeatInterval, mgr.Heartbeat},
		{"safety", cfg.Safety.CheckInterval, func(ctx context.Context) {
			if _, err := supervisor.Check(ctx, time.Now()); err != nil {
				logger.Warn("Safety check incomplete", zap.Error(err))
			}
		}},
	}
	for _, j := range jobs {
		if err := sched.Every(j.name, j.every, j.fn); err != nil {
			logger.Error("Failed to schedule job", zap.String("job", j.name), zap.Error(err))
			return exitConfig
		}
	}
	// One pass of each before the first interval elapses.
	for _, name := range []string{"safety", "tick"} {
		if err := sched.RunNow(name); err != nil {
			logger.Warn("Initial run failed", zap.String("job", name), zap.Error(err))
		}
	}
	sched.Start()

	var server *api.Server
	if cfg.Server.Enabled {
		server = api.NewServer(logger, &cfg.Server, api.Deps{
			Controller: ctrl,
			Connection: mgr,
			Safety:     supervisor,
			Scheduler:  sched,
			Metrics:    collector.Registry(),
			Hub:        hub,
		})
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("Status server error", zap.Error(err))
			}
		}()
		logger.Info("Status server started",
			zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
			zap.String("ws", fmt.Sprintf("ws://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.WebSocketPath)))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	code := exitOK
	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case <-ctrl.Done():
		if err := ctrl.Err(); err != nil {
			logger.Error("Controller halted", zap.Error(err))
			code = exitFatal
		} else {
			logger.Info("Single week complete")
		}
	}

	cancel()
	<-sched.Stop().Done()

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Error("Error during server shutdown", zap.Error(err))
		}
	}

	logger.Info("Weekly trader stopped", zap.Int("exitCode", code))
	return code
}

func newGateway(logger *zap.Logger, cfg *types.Config) execution.Gateway {
	if cfg.Broker.Kind == "alpaca" {
		return adapters.NewAlpacaAdapter(logger, adapters.AlpacaConfig{
			APIKey:       cfg.Broker.APIKey,
			APISecret:    cfg.Broker.APISecret,
			BaseURL:      cfg.Broker.BaseURL,
			PollInterval: cfg.Broker.PollInterval,
		})
	}

	gw := execution.NewPaperGateway(logger, cfg.Broker.PaperCash)
	for symbol, price := range cfg.Broker.PaperQuotes {
		gw.SetPrice(symbol, price)
		gw.SetBars(symbol, seedBars(price, 120))
	}
	return gw
}

// seedBars returns n flat daily bars with a 1% range around price.
func seedBars(price decimal.Decimal, n int) []types.OHLCV {
	half := price.Mul(decimal.NewFromFloat(0.005))
	start := time.Now().AddDate(0, 0, -n)
	bars := make([]types.OHLCV, n)
	for i := range bars {
		bars[i] = types.OHLCV{
			Timestamp: start.AddDate(0, 0, i),
			Open:      price,
			High:      price.Add(half),
			Low:       price.Sub(half),
			Close:     price,
		}
	}
	return bars
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/kdvalentine/spx-straddle-bot/internal/broker"
	"github.com/kdvalentine/spx-straddle-bot/internal/config"
	"github.com/kdvalentine/spx-straddle-bot/internal/dashboard"
	"github.com/kdvalentine/spx-straddle-bot/internal/exec"
	"github.com/kdvalentine/spx-straddle-bot/internal/oracle"
	"github.com/kdvalentine/spx-straddle-bot/internal/pricer"
	"github.com/kdvalentine/spx-straddle-bot/internal/quotes"
	"github.com/kdvalentine/spx-straddle-bot/internal/record"
	"github.com/kdvalentine/spx-straddle-bot/internal/selector"
	"github.com/kdvalentine/spx-straddle-bot/internal/sizing"
)

// liveConfirmDelay gives the operator a window to abort a live-money start.
const liveConfirmDelay = 10 * time.Second

func main() {
	var (
		configPath string
		checkOnly  bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.BoolVar(&checkOnly, "check-only", false, "Resolve, select and size but place no orders")
	flag.Parse()

	// Optional; config values reference env vars via ${VAR} expansion.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, perr := logrus.ParseLevel(cfg.Environment.LogLevel); perr == nil {
		logger.SetLevel(lvl)
	}

	logger.Infof("Starting SPX straddle bot in %s mode", cfg.Environment.Mode)
	if cfg.IsPaperTrading() {
		logger.Info("PAPER TRADING MODE - no real money at risk")
	} else if !checkOnly {
		logger.Warnf("LIVE TRADING MODE - real money at risk, starting in %s (Ctrl-C to abort)",
			liveConfirmDelay)
		time.Sleep(liveConfirmDelay)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Warn("Shutdown signal received, cancelling cycle...")
		cancel()
	}()

	tradier := broker.NewTradierClient(cfg.Broker.APIKey, cfg.Broker.AccountID,
		cfg.Broker.APIEndpoint, cfg.IsPaperTrading())
	gw := broker.NewCircuitBreakerGateway(tradier, logger)

	recorder, err := record.OpenSQLite(cfg.Storage.Path)
	if err != nil {
		logger.Fatalf("Failed to open trade store: %v", err)
	}

	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		dash = dashboard.NewServer(dashboard.Config{Port: cfg.Dashboard.Port},
			recorder, logger)
		go func() {
			if serr := dash.Start(); serr != nil && serr != http.ErrServerClosed {
				logger.WithError(serr).Error("dashboard server stopped")
			}
		}()
	}

	px := oracle.New(oracle.Config{
		Symbol:         cfg.Oracle.Symbol,
		MinSane:        cfg.Oracle.MinPrice,
		MaxSane:        cfg.Oracle.MaxPrice,
		RetriesPerSrc:  cfg.Oracle.Retries,
		InitialBackoff: cfg.OracleBackoff(),
	}, logger, oracle.NewGatewaySource(gw), oracle.NewYahooSource())

	cycle := &Cycle{
		cfg:    cfg,
		gw:     gw,
		oracle: px,
		batch: quotes.NewBatch(gw, cfg.Oracle.OptionRoot, cfg.Schedule.EntryCutoff,
			cfg.Location(), logger),
		selector: selector.New(cfg.Trade.MaxSpreadPct, logger),
		sizer:    sizing.New(cfg.Trade.MaxRiskPct, cfg.Trade.CostBuffer, logger),
		coord: exec.NewCoordinator(gw,
			pricer.New(cfg.Execution.TickSize, cfg.Execution.CrossCeiling),
			exec.Config{
				OrderTimeout: cfg.OrderTimeout(),
				PollInterval: cfg.PollInterval(),
				MaxRetries:   cfg.Execution.MaxRetries,
				OrderTag:     "spx-straddle",
			}, logger),
		recorder:  recorder,
		logger:    logger,
		checkOnly: checkOnly,
	}

	exitCode := 0
	if err := cycle.Run(ctx); err != nil {
		logger.WithError(err).Error("trade cycle ended with error")
		exitCode = 1
	}

	if dash != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := dash.Shutdown(shutdownCtx); serr != nil {
			logger.WithError(serr).Warn("dashboard shutdown failed")
		}
		shutdownCancel()
	}

	if cerr := recorder.Close(); cerr != nil {
		logger.WithError(cerr).Warn("trade store close failed")
	}
	os.Exit(exitCode)
}

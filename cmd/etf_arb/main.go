package main

import (
	"context"
	"flag"
	"os"
	"time"

	"etf_arb/internal/bootstrap"
	"etf_arb/internal/config"
	"etf_arb/pkg/logging"
	"etf_arb/pkg/telemetry"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")
	logLevel   = flag.String("log-level", "", "Override system.log_level")
)

func main() {
	flag.Parse()

	// 1. Override flags with Env Vars if present
	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	// 2. Load Configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		boot, _ := logging.NewZapLogger("INFO")
		boot.Fatal("Failed to load configuration", "error", err, "path", *configFile)
	}
	if *logLevel != "" {
		cfg.System.LogLevel = *logLevel
	}

	// 3. Initialize Logger
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		logger, _ = logging.NewZapLogger("INFO")
		logger.Warn("Invalid log level, using INFO", "error", err)
	}
	defer func() { _ = logger.Sync() }()

	// 4. Initialize Telemetry
	tel, err := telemetry.Setup(telemetry.Options{
		ServiceName:  cfg.App.Name,
		StdoutTraces: cfg.Telemetry.StdoutTraces,
		StdoutLogs:   cfg.Telemetry.StdoutLogs,
	})
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	logger.Info("Starting ETF arbitrage session",
		"venue", cfg.Venue.BaseURL,
		"composite", cfg.Instruments.Composite,
		"constituents", cfg.Instruments.Constituents,
		"tick_limit", cfg.Session.TickLimit)

	// 5. Validate credentials and wire the session
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	app, err := bootstrap.NewApp(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatal("Startup failed - check the venue URL and API key", "error", err)
	}
	defer app.Close()

	// 6. Run until the session ends or a signal arrives
	if err := app.Run(context.Background()); err != nil {
		logger.Error("Session aborted", "error", err)
		app.Close()
		os.Exit(1)
	}
}

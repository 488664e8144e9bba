package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"trading_bot/internal/bootstrap"
	"trading_bot/internal/config"
	"trading_bot/pkg/logging"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")
	replayFile = flag.String("replay", "", "Replay file (overrides feed.path)")
	schedule   = flag.String("schedule", "", "Fill schedule file (overrides venue.fill_schedule)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Backtests always replay through the simulation venue
	cfg.App.Mode = "backtest"
	cfg.Venue.Name = "sim"
	cfg.Feed.Type = "replay"
	if *replayFile != "" {
		cfg.Feed.Path = *replayFile
	}
	if *schedule != "" {
		cfg.Venue.FillSchedule = *schedule
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid backtest config: %v\n", err)
		os.Exit(1)
	}

	app, err := bootstrap.NewApp(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunBacktest(ctx); err != nil {
		logging.GetGlobalLogger().Error("Backtest failed", "error", err)
		os.Exit(1)
	}
}

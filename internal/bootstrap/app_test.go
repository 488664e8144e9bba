package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"trading_bot/internal/config"
	"trading_bot/internal/core"
	"trading_bot/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// goldenCrossReplay declines then spikes so a 2/3 SMA cross fires a buy on
// the final trade
const goldenCrossReplay = `{"symbol":"BTCUSDT","kind":"TRADE","timestamp":"2025-06-01T10:00:00Z","sequence":1,"price":"10","quantity":"1"}
{"symbol":"BTCUSDT","kind":"TRADE","timestamp":"2025-06-01T10:00:01Z","sequence":2,"price":"9","quantity":"1"}
{"symbol":"BTCUSDT","kind":"TRADE","timestamp":"2025-06-01T10:00:02Z","sequence":3,"price":"8","quantity":"1"}
{"symbol":"BTCUSDT","kind":"TRADE","timestamp":"2025-06-01T10:00:03Z","sequence":4,"price":"20","quantity":"1"}
`

func backtestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	replayPath := filepath.Join(dir, "events.jsonl")
	require.NoError(t, os.WriteFile(replayPath, []byte(goldenCrossReplay), 0o644))

	cfg := config.DefaultConfig()
	cfg.App.Mode = "backtest"
	cfg.App.DatabasePath = filepath.Join(dir, "state.db")
	cfg.App.SMAShortWindow = 2
	cfg.App.SMALongWindow = 3
	cfg.App.OrderQty = 1
	cfg.Feed.Path = replayPath
	cfg.System.CheckpointInterval = 0
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestApp_BacktestEndToEnd(t *testing.T) {
	cfg := backtestConfig(t)

	app, err := NewApp(cfg)
	require.NoError(t, err)
	require.NoError(t, app.RunBacktest(context.Background()))

	// The golden cross buys 1 BTCUSDT at the mark price of 20
	snapshot := app.Ledger.Snapshot()
	pos := snapshot.Position("BTCUSDT")
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(1)),
		"expected position 1, got %s", pos.Quantity)
	assert.True(t, pos.AvgCost.Equal(decimal.NewFromInt(20)))
	assert.True(t, snapshot.Cash.Equal(decimal.NewFromInt(99980)))
	assert.Empty(t, app.Machine.OpenOrders())

	// The final checkpoint captures the portfolio
	s, err := store.NewSQLiteStore(cfg.App.DatabasePath)
	require.NoError(t, err)
	defer s.Close()

	cp, err := s.LoadLatest(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.Cash.Equal(decimal.NewFromInt(99980)))
	saved, ok := cp.Positions["BTCUSDT"]
	require.True(t, ok)
	assert.True(t, saved.Quantity.Equal(decimal.NewFromInt(1)))
}

func TestApp_RestoresFromCheckpoint(t *testing.T) {
	cfg := backtestConfig(t)

	first, err := NewApp(cfg)
	require.NoError(t, err)
	require.NoError(t, first.RunBacktest(context.Background()))

	second, err := NewApp(cfg)
	require.NoError(t, err)
	defer second.shutdown()

	snapshot := second.Ledger.Snapshot()
	assert.True(t, snapshot.Cash.Equal(decimal.NewFromInt(99980)))
	assert.True(t, snapshot.Position("BTCUSDT").Quantity.Equal(decimal.NewFromInt(1)))
}

func TestApp_NoopStrategyNeverTrades(t *testing.T) {
	cfg := backtestConfig(t)
	cfg.App.StrategyType = "noop"

	app, err := NewApp(cfg)
	require.NoError(t, err)
	require.NoError(t, app.RunBacktest(context.Background()))

	snapshot := app.Ledger.Snapshot()
	assert.True(t, snapshot.Cash.Equal(decimal.NewFromInt(100000)))
	assert.Empty(t, snapshot.Positions)
	assert.True(t, app.Ledger.RealizedPnL().IsZero())
}

func TestApp_UnknownVenueRejected(t *testing.T) {
	cfg := backtestConfig(t)
	cfg.Venue.Name = "binance"

	_, err := NewApp(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown venue")
}

func TestApp_RiskClampsOrderQuantity(t *testing.T) {
	cfg := backtestConfig(t)
	// The golden-cross buy of 1 is scaled down to the position bound
	cfg.Risk.PositionLimits = map[string]float64{"BTCUSDT": 0.25}

	app, err := NewApp(cfg)
	require.NoError(t, err)
	require.NoError(t, app.RunBacktest(context.Background()))

	snapshot := app.Ledger.Snapshot()
	assert.True(t, snapshot.Position("BTCUSDT").Quantity.Equal(decimal.RequireFromString("0.25")))
	assert.True(t, snapshot.Cash.Equal(decimal.NewFromInt(99995)))
	assert.Empty(t, app.Machine.OpenOrders())
}

func TestApp_SnapshotImmutableAcrossPipeline(t *testing.T) {
	cfg := backtestConfig(t)

	app, err := NewApp(cfg)
	require.NoError(t, err)

	before := app.Ledger.Snapshot()
	require.NoError(t, app.RunBacktest(context.Background()))

	// The pre-run snapshot is untouched by fills applied later
	assert.True(t, before.Cash.Equal(decimal.NewFromInt(100000)))
	assert.Empty(t, before.Positions)
}

func TestApp_MarketEventHandlerIgnoresForeignEvents(t *testing.T) {
	cfg := backtestConfig(t)
	app, err := NewApp(cfg)
	require.NoError(t, err)
	defer app.shutdown()

	// Must not panic on a non-market event
	app.onMarketEvent(&core.TimerEvent{Kind: core.TimerAckTimeout})
}

// Package bootstrap wires the trading pipeline together and owns its
// lifecycle: feed -> scheduler -> strategy -> risk -> execution -> venue,
// with reconciliation and checkpointing alongside.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"trading_bot/internal/alert"
	"trading_bot/internal/config"
	"trading_bot/internal/core"
	"trading_bot/internal/execution"
	"trading_bot/internal/feed"
	"trading_bot/internal/infrastructure/health"
	"trading_bot/internal/infrastructure/metrics"
	"trading_bot/internal/ledger"
	"trading_bot/internal/reconcile"
	"trading_bot/internal/risk"
	"trading_bot/internal/scheduler"
	"trading_bot/internal/store"
	"trading_bot/internal/strategy"
	"trading_bot/internal/venue/sim"
	"trading_bot/pkg/logging"
	"trading_bot/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// queueDepthLimit is the point where the health endpoint reports the event
// path as unhealthy
const queueDepthLimit = 100000

// App holds the wired components of one bot instance
type App struct {
	Cfg    *config.Config
	Logger core.ILogger

	Scheduler  *scheduler.Scheduler
	Ledger     *ledger.Ledger
	Machine    *execution.Machine
	Dispatcher *execution.Dispatcher
	Gateway    core.IVenueGateway
	Strategy   core.IStrategy
	Risk       *risk.Manager
	Reconciler *reconcile.Reconciler
	Store      *store.SQLiteStore
	Alerts     *alert.AlertManager
	Feed       core.IMarketDataFeed

	telemetry *telemetry.Telemetry
	metricsrv *metrics.Server
	health    *health.Manager

	// simVenue is set when the gateway is the simulation venue; mark prices
	// track the feed so market orders resolve
	simVenue *sim.Venue
}

// NewApp builds and wires all components from configuration. Persistent state
// is restored before this returns: resubmitting an intent that was already
// submitted pre-crash yields the same idempotency key and is absorbed.
func NewApp(cfg *config.Config) (*App, error) {
	zl, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(zl)
	logger := core.ILogger(zl)

	a := &App{Cfg: cfg, Logger: logger}

	if cfg.Telemetry.EnableMetrics {
		tel, err := telemetry.Setup("trading_bot", cfg.App.Mode)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		a.telemetry = tel
	}

	a.Alerts = alert.NewAlertManager(logger)
	a.Alerts.AddChannel(alert.NewLogChannel(logger))
	if cfg.Alerts.TelegramBotToken != "" && cfg.Alerts.TelegramChatID != "" {
		a.Alerts.AddChannel(alert.NewTelegramChannel(string(cfg.Alerts.TelegramBotToken), cfg.Alerts.TelegramChatID))
	}
	if cfg.Alerts.WebhookURL != "" {
		a.Alerts.AddChannel(alert.NewWebhookChannel(cfg.Alerts.WebhookURL))
	}

	a.Store, err = store.NewSQLiteStore(cfg.App.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	a.Scheduler = scheduler.New(logger)
	a.Ledger = ledger.New(decimal.NewFromFloat(cfg.App.InitialCash), logger)

	if err := a.buildGateway(); err != nil {
		return nil, err
	}

	a.Dispatcher = execution.NewDispatcher(a.Gateway, a.Scheduler, cfg.Execution, logger)
	a.Machine = execution.NewMachine(cfg.Execution, a.Ledger, a.Dispatcher, a.Scheduler, logger)
	a.Risk = risk.NewManager(cfg.Risk, risk.NewSymbolHalt(logger), logger)

	a.Strategy, err = strategy.New(cfg.App, logger)
	if err != nil {
		return nil, fmt.Errorf("strategy: %w", err)
	}

	a.Reconciler = reconcile.New(a.Gateway, a.Machine, a.Ledger, a.Risk, a.Alerts,
		a.Scheduler, cfg.Reconcile.Interval, cfg.Reconcile.Timeout, logger)
	a.Machine.SetSuspectFunc(a.Reconciler.Suspect)

	a.Feed, err = feed.New(cfg.Feed, cfg.App.Symbols, logger)
	if err != nil {
		return nil, fmt.Errorf("feed: %w", err)
	}

	a.health = health.NewManager(logger)
	a.health.Register("event_queue", func() error {
		if depth := a.Scheduler.Pending(); depth > queueDepthLimit {
			return fmt.Errorf("queue depth %d exceeds %d", depth, queueDepthLimit)
		}
		return nil
	})
	if cfg.Telemetry.EnableMetrics {
		a.metricsrv = metrics.NewServer(cfg.Telemetry.MetricsPort, a.health, logger)
	}

	a.wireSubscriptions()

	if err := a.restore(); err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}

	return a, nil
}

func (a *App) buildGateway() error {
	switch a.Cfg.Venue.Name {
	case "sim":
		v := sim.New(a.Logger)
		if a.Cfg.Venue.FillSchedule != "" {
			if err := v.LoadScheduleFile(a.Cfg.Venue.FillSchedule); err != nil {
				return fmt.Errorf("fill schedule: %w", err)
			}
		}
		a.simVenue = v
		a.Gateway = v
		return nil
	default:
		return fmt.Errorf("unknown venue: %s", a.Cfg.Venue.Name)
	}
}

func (a *App) wireSubscriptions() {
	a.Scheduler.Subscribe(core.EventVenueUpdate, a.Machine.HandleEvent)
	a.Scheduler.Subscribe(core.EventTimer, a.Machine.HandleEvent)
	a.Scheduler.Subscribe(core.EventControl, a.Machine.HandleEvent)
	a.Scheduler.Subscribe(core.EventMarket, a.onMarketEvent)

	// Runs after the machine's handler, so the checkpoint always includes the
	// fill it was triggered by.
	a.Scheduler.Subscribe(core.EventVenueUpdate, a.onFillApplied)
}

// publishMarket adapts the feed callback to the scheduler's event interface
func (a *App) publishMarket(me *core.MarketEvent) {
	a.Scheduler.Publish(me)
}

// onFillApplied checkpoints after each applied fill so a crash between
// periodic snapshots loses no portfolio mutations.
func (a *App) onFillApplied(event core.Event) {
	update, ok := event.(*core.VenueUpdate)
	if !ok {
		return
	}
	if update.Type != core.VenuePartialFill && update.Type != core.VenueFill {
		return
	}
	if err := a.checkpoint(context.Background()); err != nil {
		a.Logger.Error("Post-fill checkpoint failed", "client_order_id", update.ClientOrderID, "error", err)
	}
}

// onMarketEvent runs the decision pipeline for one event. It executes on the
// scheduler goroutine, so strategy, risk and submission see a consistent view.
func (a *App) onMarketEvent(event core.Event) {
	me, ok := event.(*core.MarketEvent)
	if !ok {
		return
	}

	if a.simVenue != nil && me.Kind == core.MarketTrade && !me.Price.IsZero() {
		a.simVenue.SetMarkPrice(me.Symbol, me.Price)
	}

	snapshot := a.Ledger.Snapshot()
	for _, intent := range a.Strategy.Decide(me, snapshot) {
		decision := a.Risk.Evaluate(intent, snapshot)
		if decision.Outcome == core.RiskReject {
			a.Logger.Info("Intent rejected by risk",
				"symbol", intent.Symbol, "side", intent.Side, "reason", decision.Reason)
			continue
		}

		req := execution.BuildOrderRequest(intent, decision)
		if _, err := a.Machine.Submit(req); err != nil {
			a.Logger.Error("Order submission failed",
				"symbol", intent.Symbol, "error", err)
		}
	}
}

// restore reloads the last checkpoint and requeries in-flight orders
func (a *App) restore() error {
	cp, err := a.Store.LoadLatest(context.Background())
	if err != nil {
		return err
	}
	if cp == nil {
		a.Logger.Info("No checkpoint found, starting fresh")
		return nil
	}

	a.Ledger.Restore(cp.Positions, cp.Cash)
	a.Machine.Restore(cp.Orders)
	a.Logger.Info("Restored from checkpoint",
		"saved_at", cp.SavedAt, "open_orders", len(cp.Orders), "cash", cp.Cash.String())
	return nil
}

// checkpoint persists open orders and the portfolio view
func (a *App) checkpoint(ctx context.Context) error {
	snapshot := a.Ledger.Snapshot()
	cp := &core.Checkpoint{
		Orders:    a.Machine.OpenOrders(),
		Positions: snapshot.Positions,
		Cash:      snapshot.Cash,
		SavedAt:   time.Now().UTC(),
	}
	return a.Store.SaveCheckpoint(ctx, cp)
}

// Run executes the mode selected in configuration until ctx is cancelled
// (live) or the replay is exhausted (backtest)
func (a *App) Run(ctx context.Context) error {
	switch a.Cfg.App.Mode {
	case "live":
		return a.runLive(ctx)
	case "backtest":
		return a.RunBacktest(ctx)
	default:
		return fmt.Errorf("unknown mode: %s", a.Cfg.App.Mode)
	}
}

func (a *App) runLive(ctx context.Context) error {
	a.Logger.Info("Starting live trading",
		"venue", a.Cfg.Venue.Name, "strategy", a.Strategy.ID(), "symbols", a.Cfg.App.Symbols)

	if a.metricsrv != nil {
		a.metricsrv.Start()
	}
	if err := a.Reconciler.Start(ctx); err != nil {
		return fmt.Errorf("reconciler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.Scheduler.Run(gctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := a.Feed.Run(gctx, a.publishMarket); err != nil && err != context.Canceled {
			return fmt.Errorf("feed: %w", err)
		}
		return nil
	})

	// Gateway-to-scheduler handoff: the single concurrency boundary on the
	// inbound side
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case update, ok := <-a.Gateway.Updates():
				if !ok {
					return nil
				}
				a.Scheduler.Publish(update)
			}
		}
	})

	if a.Cfg.System.CheckpointInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(a.Cfg.System.CheckpointInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := a.checkpoint(gctx); err != nil {
						a.Logger.Error("Checkpoint failed", "error", err)
					}
				}
			}
		})
	}

	err := g.Wait()
	a.shutdown()
	return err
}

// RunBacktest replays the recorded feed through the full pipeline and drains
// the scheduler until all in-flight venue round-trips have settled
func (a *App) RunBacktest(ctx context.Context) error {
	a.Logger.Info("Starting backtest",
		"strategy", a.Strategy.ID(), "replay", a.Cfg.Feed.Path)

	if err := a.Feed.Run(ctx, a.publishMarket); err != nil {
		return fmt.Errorf("feed: %w", err)
	}

	a.settle()

	discrepancies, err := a.Reconciler.Reconcile(ctx)
	if err != nil {
		a.Logger.Error("Final reconciliation failed", "error", err)
	} else if len(discrepancies) > 0 {
		a.settle()
	}

	snapshot := a.Ledger.Snapshot()
	a.Logger.Info("Backtest complete",
		"realized_pnl", a.Ledger.RealizedPnL().String(),
		"cash", snapshot.Cash.String(),
		"open_orders", len(a.Machine.OpenOrders()))
	for sym, pos := range snapshot.Positions {
		a.Logger.Info("Final position",
			"symbol", sym, "quantity", pos.Quantity.String(), "avg_cost", pos.AvgCost.String())
	}

	if err := a.checkpoint(ctx); err != nil {
		a.Logger.Error("Final checkpoint failed", "error", err)
	}

	a.shutdown()
	return nil
}

// settle drains the queue until it stays empty: dispatch outcomes re-enter
// through the worker pool, so one drain pass is not enough
func (a *App) settle() {
	for i := 0; i < 50; i++ {
		a.Scheduler.Drain()
		a.pumpVenueUpdates()
		if a.Scheduler.Pending() == 0 {
			time.Sleep(20 * time.Millisecond)
			a.pumpVenueUpdates()
			if a.Scheduler.Pending() == 0 {
				return
			}
		}
	}
	a.Logger.Warn("Backtest queue did not settle", "pending", a.Scheduler.Pending())
}

// pumpVenueUpdates moves buffered gateway updates into the queue without
// blocking. Live mode does this on a dedicated goroutine.
func (a *App) pumpVenueUpdates() {
	for {
		select {
		case update, ok := <-a.Gateway.Updates():
			if !ok {
				return
			}
			a.Scheduler.Publish(update)
		default:
			return
		}
	}
}

func (a *App) shutdown() {
	a.Logger.Info("Shutting down")

	_ = a.Reconciler.Stop()

	if a.Cfg.System.CancelOnExit {
		a.cancelOpenOrders()
	}

	a.Dispatcher.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.checkpoint(ctx); err != nil {
		a.Logger.Error("Shutdown checkpoint failed", "error", err)
	}
	if a.metricsrv != nil {
		if err := a.metricsrv.Stop(ctx); err != nil {
			a.Logger.Error("Metrics server shutdown failed", "error", err)
		}
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("Store close failed", "error", err)
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.Logger.Error("Telemetry shutdown failed", "error", err)
		}
	}
}

// cancelOpenOrders is best effort: the event loop is already stopping, so
// cancels go straight to the gateway instead of through the state machine
func (a *App) cancelOpenOrders() {
	open := a.Machine.OpenOrders()
	if len(open) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.Logger.Info("Cancelling open orders on exit", "count", len(open))
	for _, order := range open {
		if order.VenueOrderID == "" {
			continue
		}
		if err := a.Gateway.Cancel(ctx, order.VenueOrderID); err != nil {
			a.Logger.Warn("Exit cancel failed",
				"order_id", order.ID, "venue_order_id", order.VenueOrderID, "error", err)
		}
	}
}

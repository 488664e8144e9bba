// Package reconcile periodically compares local order and position state
// against the venue's authoritative view and feeds corrections back into the
// event path.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trading_bot/internal/alert"
	"trading_bot/internal/core"
	"trading_bot/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ExecutionView is the read-only slice of the execution state machine the
// reconciler needs
type ExecutionView interface {
	OpenOrders() []*core.Order
	GetOrder(orderID string) (*core.Order, bool)
	LookupByKey(clientOrderID string) (*core.Order, bool)
}

// LedgerView exposes ledger reads used for comparison
type LedgerView interface {
	Snapshot() *core.PortfolioSnapshot
	HasFill(fillID string) bool
}

// Reconciler implements core.IReconciler. It runs on its own timer, never on
// the event path; every correction it takes is published as a ControlEvent so
// the state machine and ledger keep a single writer.
type Reconciler struct {
	gateway   core.IVenueGateway
	executor  ExecutionView
	ledger    LedgerView
	risk      core.IRiskManager
	alerts    *alert.AlertManager
	publisher core.IPublisher
	interval  time.Duration
	timeout   time.Duration
	logger    core.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	suspectMu sync.Mutex
	suspects  map[string]struct{}
	trigger   chan struct{}

	now func() time.Time
}

// New creates a reconciler
func New(
	gateway core.IVenueGateway,
	executor ExecutionView,
	ledger LedgerView,
	risk core.IRiskManager,
	alerts *alert.AlertManager,
	publisher core.IPublisher,
	interval, timeout time.Duration,
	logger core.ILogger,
) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		gateway:   gateway,
		executor:  executor,
		ledger:    ledger,
		risk:      risk,
		alerts:    alerts,
		publisher: publisher,
		interval:  interval,
		timeout:   timeout,
		logger:    logger.WithField("component", "reconciler"),
		ctx:       ctx,
		cancel:    cancel,
		suspects:  make(map[string]struct{}),
		trigger:   make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("Starting reconciler", "interval", r.interval)
	r.wg.Add(1)
	go r.runLoop()
	return nil
}

// Stop stops the reconciliation loop
func (r *Reconciler) Stop() error {
	r.logger.Info("Stopping reconciler")
	r.cancel()
	r.wg.Wait()
	return nil
}

// Suspect flags an order for follow-up on the next pass and triggers one.
// The execution machine calls this for timeout-rejected orders.
func (r *Reconciler) Suspect(orderID string) {
	r.suspectMu.Lock()
	r.suspects[orderID] = struct{}{}
	r.suspectMu.Unlock()

	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		case <-r.trigger:
		}

		ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
		if _, err := r.Reconcile(ctx); err != nil {
			r.logger.Error("Reconciliation pass failed", "error", err)
		}
		cancel()
	}
}

// Reconcile performs a single pass and returns the discrepancies found.
// Corrections are published as events, not applied inline.
func (r *Reconciler) Reconcile(ctx context.Context) ([]*core.Discrepancy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := r.now()
	passID := uuid.NewString()
	r.logger.Info("Starting reconciliation pass", "pass_id", passID)

	venueOpen, err := r.gateway.OpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query venue open orders: %w", err)
	}
	venuePositions, err := r.gateway.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query venue positions: %w", err)
	}

	venueByClientID := make(map[string]*core.VenueOrderStatus, len(venueOpen))
	for _, st := range venueOpen {
		venueByClientID[st.ClientOrderID] = st
	}

	var discrepancies []*core.Discrepancy
	correctedSymbols := make(map[string]struct{})

	discrepancies = append(discrepancies,
		r.checkLocalOpenOrders(ctx, venueByClientID, correctedSymbols)...)
	discrepancies = append(discrepancies,
		r.checkVenueOpenOrders(ctx, venueOpen, correctedSymbols)...)
	discrepancies = append(discrepancies,
		r.checkSuspects(ctx, correctedSymbols)...)
	discrepancies = append(discrepancies,
		r.checkPositions(venuePositions, correctedSymbols)...)

	for _, d := range discrepancies {
		r.recordDiscrepancy(d)
	}

	r.logger.Info("Reconciliation pass completed",
		"pass_id", passID,
		"discrepancies", len(discrepancies),
		"duration", r.now().Sub(start))
	return discrepancies, nil
}

// checkLocalOpenOrders finds orders we consider open that the venue does not.
// An order the venue has no record of at all is a phantom and is closed out
// locally via a control event.
func (r *Reconciler) checkLocalOpenOrders(ctx context.Context, venueByClientID map[string]*core.VenueOrderStatus, corrected map[string]struct{}) []*core.Discrepancy {
	var found []*core.Discrepancy

	for _, order := range r.executor.OpenOrders() {
		if order.VenueOrderID == "" {
			// Never acked; the ack-timeout path owns this order
			continue
		}
		if _, open := venueByClientID[order.IdempotencyKey]; open {
			continue
		}

		status, err := r.gateway.QueryStatus(ctx, order.IdempotencyKey)
		if err != nil {
			r.logger.Warn("Status query failed during reconciliation",
				"order_id", order.ID, "error", err)
			continue
		}

		if status == nil {
			d := &core.Discrepancy{
				Kind:     core.DiscrepancyPhantomOrder,
				Symbol:   order.Symbol,
				OrderID:  order.ID,
				Detected: r.now(),
			}
			found = append(found, d)
			r.publisher.Publish(&core.ControlEvent{Discrepancy: d, Timestamp: r.now()})
			continue
		}

		// The venue closed it; replay any fills the stream never delivered
		found = append(found, r.missingFills(order, status, corrected)...)
	}
	return found
}

// checkVenueOpenOrders compares venue-reported fills on open orders against
// the ledger and flags orders the venue has that we never created.
func (r *Reconciler) checkVenueOpenOrders(ctx context.Context, venueOpen []*core.VenueOrderStatus, corrected map[string]struct{}) []*core.Discrepancy {
	var found []*core.Discrepancy

	for _, status := range venueOpen {
		order, ok := r.executor.LookupByKey(status.ClientOrderID)
		if !ok {
			r.logger.Error("Venue reports an order this process never created",
				"client_order_id", status.ClientOrderID,
				"venue_order_id", status.VenueOrderID,
				"symbol", status.Symbol)
			r.alerts.Alert(r.ctx, "Unrecognized venue order",
				fmt.Sprintf("venue order %s (%s) has no local record", status.VenueOrderID, status.Symbol),
				alert.Error,
				map[string]string{"symbol": status.Symbol, "venue_order_id": status.VenueOrderID})
			continue
		}
		found = append(found, r.missingFills(order, status, corrected)...)
	}
	return found
}

// checkSuspects follows up on orders flagged by the execution machine,
// typically those rejected locally with reason unknown-timeout.
func (r *Reconciler) checkSuspects(ctx context.Context, corrected map[string]struct{}) []*core.Discrepancy {
	r.suspectMu.Lock()
	pending := make([]string, 0, len(r.suspects))
	for id := range r.suspects {
		pending = append(pending, id)
	}
	r.suspects = make(map[string]struct{})
	r.suspectMu.Unlock()

	var found []*core.Discrepancy
	for _, orderID := range pending {
		order, ok := r.executor.GetOrder(orderID)
		if !ok {
			continue
		}

		status, err := r.gateway.QueryStatus(ctx, order.IdempotencyKey)
		if err != nil {
			r.logger.Warn("Suspect follow-up query failed", "order_id", orderID, "error", err)
			r.Suspect(orderID)
			continue
		}
		if status == nil {
			// The venue never saw it; the local rejection stands
			r.logger.Info("Suspect order confirmed unknown at venue", "order_id", orderID)
			continue
		}

		found = append(found, r.missingFills(order, status, corrected)...)

		// We closed the order locally but the venue still works it
		if status.State == core.OrderAcknowledged || status.State == core.OrderPartiallyFilled {
			r.logger.Warn("Suspect order is live at venue, cancelling",
				"order_id", orderID,
				"venue_order_id", status.VenueOrderID)
			if err := r.gateway.Cancel(ctx, status.VenueOrderID); err != nil {
				r.logger.Error("Failed to cancel live suspect order",
					"order_id", orderID, "error", err)
				r.Suspect(orderID)
			}
		}
	}
	return found
}

// missingFills publishes control events for venue fills absent from the ledger
func (r *Reconciler) missingFills(order *core.Order, status *core.VenueOrderStatus, corrected map[string]struct{}) []*core.Discrepancy {
	var found []*core.Discrepancy
	for _, fill := range status.Fills {
		if r.ledger.HasFill(fill.FillID) {
			continue
		}
		f := *fill
		f.OrderID = order.ID
		d := &core.Discrepancy{
			Kind:     core.DiscrepancyMissingFill,
			Symbol:   order.Symbol,
			OrderID:  order.ID,
			Fill:     &f,
			Detected: r.now(),
		}
		found = append(found, d)
		corrected[order.Symbol] = struct{}{}
		r.publisher.Publish(&core.ControlEvent{Discrepancy: d, Timestamp: r.now()})
	}
	return found
}

// checkPositions compares per-symbol signed quantities. Symbols with fill
// corrections still in flight are skipped; the next pass verifies them.
// Genuine drift is never auto-corrected, the symbol is halted instead.
func (r *Reconciler) checkPositions(venuePositions map[string]decimal.Decimal, corrected map[string]struct{}) []*core.Discrepancy {
	snapshot := r.ledger.Snapshot()

	symbols := make(map[string]struct{}, len(venuePositions)+len(snapshot.Positions))
	for sym := range venuePositions {
		symbols[sym] = struct{}{}
	}
	for sym := range snapshot.Positions {
		symbols[sym] = struct{}{}
	}

	var found []*core.Discrepancy
	for sym := range symbols {
		if _, skip := corrected[sym]; skip {
			continue
		}
		local := snapshot.Position(sym).Quantity
		venue := venuePositions[sym]
		if local.Equal(venue) {
			continue
		}

		d := &core.Discrepancy{
			Kind:     core.DiscrepancyPositionMismatch,
			Symbol:   sym,
			Local:    local,
			Venue:    venue,
			Detected: r.now(),
		}
		found = append(found, d)

		r.logger.Error("Position drift detected, halting symbol",
			"symbol", sym,
			"local", local,
			"venue", venue,
			"divergence", venue.Sub(local))
		r.risk.HaltSymbol(sym, "position drift")
		r.alerts.Alert(r.ctx, "Position drift",
			fmt.Sprintf("%s local=%s venue=%s", sym, local, venue),
			alert.Critical,
			map[string]string{
				"symbol": sym,
				"local":  local.String(),
				"venue":  venue.String(),
			})
	}
	return found
}

func (r *Reconciler) recordDiscrepancy(d *core.Discrepancy) {
	metrics := telemetry.GetGlobalMetrics()
	if metrics.DiscrepanciesTotal != nil {
		metrics.DiscrepanciesTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("kind", string(d.Kind)),
				attribute.String("symbol", d.Symbol)))
	}
	r.logger.Warn("Discrepancy",
		"kind", d.Kind,
		"symbol", d.Symbol,
		"order_id", d.OrderID)
}

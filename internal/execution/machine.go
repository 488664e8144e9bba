// Package execution owns the order lifecycle from risk-approved request to
// terminal state. All state transitions happen on the scheduler goroutine;
// venue I/O is delegated to the dispatcher and re-enters as events.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trading_bot/internal/config"
	"trading_bot/internal/core"
	"trading_bot/pkg/apperrors"
	"trading_bot/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// allowedTransitions encodes the legal order lifecycle. Terminal states have
// no outgoing edges; a transition to the current state is a no-op.
var allowedTransitions = map[core.OrderState][]core.OrderState{
	core.OrderPending:         {core.OrderSubmitted, core.OrderCancelled, core.OrderRejected},
	core.OrderSubmitted:       {core.OrderAcknowledged, core.OrderPartiallyFilled, core.OrderFilled, core.OrderCancelled, core.OrderRejected},
	core.OrderAcknowledged:    {core.OrderPartiallyFilled, core.OrderFilled, core.OrderCancelled, core.OrderRejected},
	core.OrderPartiallyFilled: {core.OrderPartiallyFilled, core.OrderFilled, core.OrderCancelled, core.OrderRejected},
}

func transitionAllowed(from, to core.OrderState) bool {
	if from == to {
		return true
	}
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// VenueDispatcher issues asynchronous venue round-trips whose outcomes
// re-enter the scheduler as events
type VenueDispatcher interface {
	Submit(orderID string, req *core.OrderRequest)
	Cancel(orderID, venueOrderID string)
	Query(orderID, clientOrderID string)
}

// Machine is the order execution state machine. It is the single writer of
// Order state and the only caller of ledger.ApplyFill, so a fill and its
// order transition are observed atomically by everything downstream.
type Machine struct {
	mu            sync.RWMutex
	orders        map[string]*core.Order
	byKey         map[string]string // idempotency key -> order id
	archived      map[string]*core.Order
	queryAttempts map[string]int
	nextID        uint64

	// Dispatcher calls deferred until the lock is released, so venue I/O
	// never starts while order state is mid-transition
	pending []func()

	ledger     core.ILedger
	dispatcher VenueDispatcher
	publisher  core.IPublisher
	cfg        config.ExecutionConfig
	logger     core.ILogger

	// suspect flags an order for reconciliation follow-up. Wired by bootstrap;
	// a nil hook is a no-op.
	suspect func(orderID string)

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// NewMachine creates the execution state machine
func NewMachine(cfg config.ExecutionConfig, ledger core.ILedger, dispatcher VenueDispatcher, publisher core.IPublisher, logger core.ILogger) *Machine {
	return &Machine{
		orders:        make(map[string]*core.Order),
		byKey:         make(map[string]string),
		archived:      make(map[string]*core.Order),
		queryAttempts: make(map[string]int),
		ledger:        ledger,
		dispatcher:    dispatcher,
		publisher:     publisher,
		cfg:           cfg,
		logger:        logger.WithField("component", "execution"),
		now:           time.Now,
		afterFunc:     time.AfterFunc,
	}
}

// SetSuspectFunc wires the reconciliation follow-up hook
func (m *Machine) SetSuspectFunc(fn func(orderID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspect = fn
}

// Submit registers an order and dispatches it to the venue. Submitting a
// request whose idempotency key is already known returns the existing order
// without resubmitting, so replays after a crash are no-ops.
func (m *Machine) Submit(req *core.OrderRequest) (*core.Order, error) {
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: order request missing idempotency key", apperrors.ErrValidation)
	}
	if req.Quantity.Sign() <= 0 {
		return nil, fmt.Errorf("%w: order quantity must be positive, got %s", apperrors.ErrValidation, req.Quantity)
	}

	m.mu.Lock()
	if id, ok := m.byKey[req.IdempotencyKey]; ok {
		existing := m.lookupLocked(id)
		m.mu.Unlock()
		m.logger.Info("Duplicate submission ignored",
			"order_id", id,
			"client_order_id", req.IdempotencyKey)
		return existing, nil
	}

	m.nextID++
	order := &core.Order{
		ID:             fmt.Sprintf("ord-%08d", m.nextID),
		IdempotencyKey: req.IdempotencyKey,
		Symbol:         req.Symbol,
		Side:           req.Side,
		State:          core.OrderPending,
		RequestedQty:   req.Quantity,
		FilledQty:      decimal.Zero,
		LimitPrice:     req.LimitPrice,
		UpdatedAt:      m.now(),
	}
	m.orders[order.ID] = order
	m.byKey[req.IdempotencyKey] = order.ID

	m.logger.Info("Order created",
		"order_id", order.ID,
		"client_order_id", order.IdempotencyKey,
		"symbol", order.Symbol,
		"side", order.Side,
		"quantity", order.RequestedQty,
		"limit_price", order.LimitPrice)

	// The venue's ack and fills can carry earlier timestamps than the
	// dispatch outcome event, so the scheduler may deliver them first. The
	// order must already be Submitted when that happens.
	m.transitionLocked(order, core.OrderSubmitted, "dispatched")
	m.startAckTimerLocked(order.ID)
	m.mu.Unlock()

	metrics := telemetry.GetGlobalMetrics()
	if metrics.OrdersSubmittedTotal != nil {
		metrics.OrdersSubmittedTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("symbol", order.Symbol)))
	}

	m.dispatcher.Submit(order.ID, req)
	return order.Clone(), nil
}

// RequestCancel asks the venue to cancel an open order. Fills that arrive
// before the venue confirms the cancel are still applied.
func (m *Machine) RequestCancel(orderID string) error {
	m.mu.Lock()
	err := m.requestCancelLocked(orderID)
	actions := m.takeActionsLocked()
	m.mu.Unlock()
	m.runActions(actions)
	return err
}

func (m *Machine) requestCancelLocked(orderID string) error {
	order, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	if order.State.IsTerminal() {
		return fmt.Errorf("%w: cancel of %s order %s", apperrors.ErrInvalidState, order.State, orderID)
	}
	if order.CancelPending {
		return nil
	}

	order.CancelPending = true
	order.UpdatedAt = m.now()
	m.logger.Info("Cancel requested", "order_id", orderID, "state", order.State)

	// Without a venue order id the cancel cannot be addressed yet; it is
	// dispatched when the ack arrives.
	if order.VenueOrderID != "" {
		m.cancelLocked(order.ID, order.VenueOrderID)
	}
	return nil
}

// GetOrder returns a copy of an active or archived order
func (m *Machine) GetOrder(orderID string) (*core.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.orders[orderID]; ok {
		return o.Clone(), true
	}
	if o, ok := m.archived[orderID]; ok {
		return o.Clone(), true
	}
	return nil, false
}

// LookupByKey returns the order created for an idempotency key
func (m *Machine) LookupByKey(clientOrderID string) (*core.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.byKey[clientOrderID]; ok {
		if o := m.lookupLocked(id); o != nil {
			return o, true
		}
	}
	return nil, false
}

// OpenOrders returns copies of all non-terminal orders
func (m *Machine) OpenOrders() []*core.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var open []*core.Order
	for _, o := range m.orders {
		if !o.State.IsTerminal() {
			open = append(open, o.Clone())
		}
	}
	return open
}

// Archive moves a terminal order out of the active set. Reconciliation calls
// this once it has confirmed no pending fills remain.
func (m *Machine) Archive(orderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok || !order.State.IsTerminal() {
		return false
	}
	delete(m.orders, orderID)
	m.archived[orderID] = order
	return true
}

// Restore reloads orders from a checkpoint. Non-terminal orders are of
// unknown venue status after a crash, so each one triggers a status query.
func (m *Machine) Restore(orders []*core.Order) {
	m.mu.Lock()
	var inflight []*core.Order
	for _, o := range orders {
		restored := o.Clone()
		m.orders[restored.ID] = restored
		m.byKey[restored.IdempotencyKey] = restored.ID
		if n := orderSeq(restored.ID); n > m.nextID {
			m.nextID = n
		}
		if !restored.State.IsTerminal() {
			inflight = append(inflight, restored)
		}
	}
	m.mu.Unlock()

	for _, o := range inflight {
		m.logger.Info("Restored in-flight order, querying venue", "order_id", o.ID, "state", o.State)
		m.dispatcher.Query(o.ID, o.IdempotencyKey)
	}
}

func orderSeq(orderID string) uint64 {
	var n uint64
	if _, err := fmt.Sscanf(orderID, "ord-%d", &n); err != nil {
		return 0
	}
	return n
}

// HandleEvent processes venue updates, timers and reconciliation corrections.
// It is registered on the scheduler, so calls are serialized with every other
// event handler.
func (m *Machine) HandleEvent(event core.Event) {
	m.mu.Lock()
	switch e := event.(type) {
	case *core.VenueUpdate:
		m.handleVenueUpdateLocked(e)
	case *core.TimerEvent:
		m.handleTimerLocked(e)
	case *core.ControlEvent:
		m.handleControlLocked(e)
	}
	actions := m.takeActionsLocked()
	m.mu.Unlock()
	m.runActions(actions)
}

// cancelLocked and queryLocked defer venue I/O until the lock is released
func (m *Machine) cancelLocked(orderID, venueOrderID string) {
	m.pending = append(m.pending, func() { m.dispatcher.Cancel(orderID, venueOrderID) })
}

func (m *Machine) queryLocked(orderID, clientOrderID string) {
	m.pending = append(m.pending, func() { m.dispatcher.Query(orderID, clientOrderID) })
}

func (m *Machine) takeActionsLocked() []func() {
	actions := m.pending
	m.pending = nil
	return actions
}

func (m *Machine) runActions(actions []func()) {
	for _, a := range actions {
		a()
	}
}

func (m *Machine) handleVenueUpdateLocked(u *core.VenueUpdate) {
	id, ok := m.byKey[u.ClientOrderID]
	if !ok {
		m.logger.Warn("Venue update for unknown order",
			"client_order_id", u.ClientOrderID,
			"type", u.Type)
		return
	}
	order, ok := m.orders[id]
	if !ok {
		// Already archived; late duplicates from the stream are harmless.
		m.logger.Debug("Venue update for archived order", "order_id", id, "type", u.Type)
		return
	}

	switch u.Type {
	case core.VenueAck:
		m.handleAckLocked(order, u)
	case core.VenuePartialFill, core.VenueFill:
		m.applyFillLocked(order, u.Fill)
	case core.VenueReject:
		m.rejectLocked(order, u.Reason)
	case core.VenueCancelConfirm:
		m.transitionLocked(order, core.OrderCancelled, "cancel confirmed")
	}
}

func (m *Machine) handleAckLocked(order *core.Order, u *core.VenueUpdate) {
	if order.State.IsTerminal() {
		return
	}
	order.VenueOrderID = u.VenueOrderID
	if order.State == core.OrderPending || order.State == core.OrderSubmitted {
		m.transitionLocked(order, core.OrderAcknowledged, "venue ack")
	}
	delete(m.queryAttempts, order.ID)

	// A cancel requested before the ack arrived could not be addressed yet
	if order.CancelPending {
		m.cancelLocked(order.ID, order.VenueOrderID)
	}
}

// applyFillLocked applies a fill to the ledger and advances the order in one
// step. The ledger dedups by fill id, so replayed fills are no-ops here too.
func (m *Machine) applyFillLocked(order *core.Order, fill *core.Fill) {
	if fill == nil {
		return
	}
	if order.State == core.OrderRejected || order.State == core.OrderCancelled {
		// The venue executed after we closed the order locally. The money is
		// real, so the ledger still takes it; reconciliation investigates.
		m.logger.Error("Fill after terminal state",
			"order_id", order.ID,
			"state", order.State,
			"fill_id", fill.FillID)
		m.flagSuspectLocked(order.ID)
	}

	newFilled := order.FilledQty.Add(fill.Quantity)
	if newFilled.GreaterThan(order.RequestedQty) {
		m.logger.Error("Fill exceeds requested quantity",
			"order_id", order.ID,
			"fill_id", fill.FillID,
			"filled", order.FilledQty,
			"fill_qty", fill.Quantity,
			"requested", order.RequestedQty,
			"error", apperrors.ErrOverfill)
		m.flagSuspectLocked(order.ID)
		return
	}

	if _, err := m.ledger.ApplyFill(fill); err != nil {
		if apperrors.IsDuplicateFill(err) {
			m.logger.Debug("Duplicate fill ignored", "order_id", order.ID, "fill_id", fill.FillID)
			return
		}
		m.logger.Error("Ledger rejected fill",
			"order_id", order.ID,
			"fill_id", fill.FillID,
			"error", err)
		m.flagSuspectLocked(order.ID)
		return
	}

	// Weighted average across fills
	prevNotional := order.AvgFillPrice.Mul(order.FilledQty)
	order.FilledQty = newFilled
	order.AvgFillPrice = prevNotional.Add(fill.Price.Mul(fill.Quantity)).Div(newFilled)

	if order.State.IsTerminal() {
		order.UpdatedAt = m.now()
		return
	}

	if order.FilledQty.Equal(order.RequestedQty) {
		m.transitionLocked(order, core.OrderFilled, "fully filled")
		metrics := telemetry.GetGlobalMetrics()
		if metrics.OrdersFilledTotal != nil {
			metrics.OrdersFilledTotal.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("symbol", order.Symbol)))
		}
	} else {
		m.transitionLocked(order, core.OrderPartiallyFilled, "partial fill")
	}
}

func (m *Machine) handleTimerLocked(t *core.TimerEvent) {
	order, ok := m.orders[t.OrderID]
	if !ok {
		return
	}

	switch t.Kind {
	case core.TimerDispatchOK:
		// The order transitioned to Submitted at dispatch time and the ack
		// timer is already armed; the outcome event confirms transport only.

	case core.TimerDispatchError:
		if order.State.IsTerminal() {
			return
		}
		if apperrors.IsVenueRejection(t.Err) {
			m.rejectLocked(order, t.Err.Error())
			return
		}
		// Transport retries exhausted. The venue may or may not have the
		// order, so query before giving up.
		m.beginQueryLocked(order)

	case core.TimerCancelError:
		if order.State.IsTerminal() {
			return
		}
		// The cancel did not take, often because the order already closed at
		// the venue. Query for the authoritative state instead of guessing.
		order.CancelPending = false
		m.logger.Warn("Cancel dispatch failed, querying venue",
			"order_id", order.ID,
			"error", t.Err)
		m.beginQueryLocked(order)

	case core.TimerAckTimeout:
		if order.State == core.OrderSubmitted {
			m.logger.Warn("No ack within timeout, querying venue", "order_id", order.ID)
			m.beginQueryLocked(order)
		}

	case core.TimerQueryResult:
		m.handleQueryResultLocked(order, t)
	}
}

func (m *Machine) startAckTimerLocked(orderID string) {
	m.afterFunc(m.cfg.AckTimeout, func() {
		m.publisher.Publish(&core.TimerEvent{
			Kind:      core.TimerAckTimeout,
			OrderID:   orderID,
			Timestamp: m.now(),
		})
	})
}

func (m *Machine) beginQueryLocked(order *core.Order) {
	m.queryAttempts[order.ID]++
	m.queryLocked(order.ID, order.IdempotencyKey)
}

func (m *Machine) handleQueryResultLocked(order *core.Order, t *core.TimerEvent) {
	if order.State.IsTerminal() {
		delete(m.queryAttempts, order.ID)
		return
	}

	if t.Status != nil {
		delete(m.queryAttempts, order.ID)
		m.applyVenueStatusLocked(order, t.Status)
		return
	}

	attempts := m.queryAttempts[order.ID]
	if attempts >= m.cfg.QueryAttempts {
		delete(m.queryAttempts, order.ID)
		m.logger.Error("Order status unknown after retries, rejecting locally",
			"order_id", order.ID,
			"attempts", attempts,
			"error", apperrors.ErrUnknownTimeout)
		m.rejectLocked(order, "unknown-timeout")
		m.flagSuspectLocked(order.ID)
		return
	}

	// Exponential backoff between query attempts
	backoff := m.cfg.BackoffBase << attempts
	if backoff > m.cfg.BackoffMax {
		backoff = m.cfg.BackoffMax
	}
	orderID, key := order.ID, order.IdempotencyKey
	m.queryAttempts[orderID] = attempts + 1
	m.afterFunc(backoff, func() {
		m.dispatcher.Query(orderID, key)
	})
}

// applyVenueStatusLocked reconciles an order against the venue's
// authoritative view, replaying any fills the stream never delivered.
func (m *Machine) applyVenueStatusLocked(order *core.Order, status *core.VenueOrderStatus) {
	if status.VenueOrderID != "" {
		order.VenueOrderID = status.VenueOrderID
	}
	for _, fill := range status.Fills {
		m.applyFillLocked(order, fill)
	}
	if order.State.IsTerminal() {
		return
	}

	switch status.State {
	case core.OrderAcknowledged:
		if order.State == core.OrderPending || order.State == core.OrderSubmitted {
			m.transitionLocked(order, core.OrderAcknowledged, "status query")
		}
	case core.OrderCancelled:
		m.transitionLocked(order, core.OrderCancelled, "status query")
	case core.OrderRejected:
		m.rejectLocked(order, "venue reported rejected")
	case core.OrderFilled:
		if order.FilledQty.Equal(order.RequestedQty) {
			// All fills were already applied, only the transition is missing
			m.transitionLocked(order, core.OrderFilled, "status query")
		} else {
			// Venue says filled but we are missing fills it did not itemize
			m.logger.Error("Venue reports filled with missing fill detail",
				"order_id", order.ID,
				"filled", order.FilledQty,
				"requested", order.RequestedQty)
			m.flagSuspectLocked(order.ID)
		}
	}
}

func (m *Machine) handleControlLocked(c *core.ControlEvent) {
	if c.Discrepancy == nil {
		return
	}

	d := c.Discrepancy
	order, ok := m.orders[d.OrderID]

	switch d.Kind {
	case core.DiscrepancyPhantomOrder:
		// Locally open, venue has no record: close it out
		if ok && !order.State.IsTerminal() {
			m.transitionLocked(order, core.OrderCancelled, "phantom order")
		}
	case core.DiscrepancyMissingFill:
		if ok && d.Fill != nil {
			m.applyFillLocked(order, d.Fill)
		}
	}
}

func (m *Machine) rejectLocked(order *core.Order, reason string) {
	if order.State.IsTerminal() {
		return
	}
	order.RejectReason = reason
	m.transitionLocked(order, core.OrderRejected, reason)

	metrics := telemetry.GetGlobalMetrics()
	if metrics.OrdersRejectedTotal != nil {
		metrics.OrdersRejectedTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("symbol", order.Symbol),
				attribute.String("reason", reason)))
	}
}

func (m *Machine) transitionLocked(order *core.Order, to core.OrderState, reason string) {
	from := order.State
	if from == to {
		order.UpdatedAt = m.now()
		return
	}
	if !transitionAllowed(from, to) {
		m.logger.Error("Illegal state transition dropped",
			"order_id", order.ID,
			"from", from,
			"to", to,
			"reason", reason,
			"error", apperrors.ErrInvalidState)
		return
	}
	order.State = to
	order.UpdatedAt = m.now()
	m.updateActiveOrdersLocked(order.Symbol)
	m.logger.Info("Order state changed",
		"order_id", order.ID,
		"from", from,
		"to", to,
		"reason", reason,
		"filled", order.FilledQty,
		"requested", order.RequestedQty)
}

func (m *Machine) flagSuspectLocked(orderID string) {
	if m.suspect != nil {
		m.suspect(orderID)
	}
}

func (m *Machine) updateActiveOrdersLocked(symbol string) {
	var count int64
	for _, o := range m.orders {
		if o.Symbol == symbol && !o.State.IsTerminal() {
			count++
		}
	}
	telemetry.GetGlobalMetrics().SetActiveOrders(symbol, count)
}

func (m *Machine) lookupLocked(id string) *core.Order {
	if o, ok := m.orders[id]; ok {
		return o.Clone()
	}
	if o, ok := m.archived[id]; ok {
		return o.Clone()
	}
	return nil
}

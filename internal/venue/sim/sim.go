// Package sim provides a deterministic in-process venue. The whole pipeline
// runs against it unchanged in backtest mode; tests script its failure modes.
package sim

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"trading_bot/internal/core"
	"trading_bot/pkg/apperrors"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const updateBuffer = 1024

// Portion is one slice of a scripted execution
type Portion struct {
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

// ScheduleEntry scripts how one matching order executes. Entries are consumed
// in order per symbol; a zero Quantity matches any requested quantity.
type ScheduleEntry struct {
	Symbol   string
	Quantity decimal.Decimal
	Portions []Portion
}

type simOrder struct {
	status *core.VenueOrderStatus
	open   bool
}

// Venue implements core.IVenueGateway entirely in memory. Submissions are
// idempotent on the client order id, matching real venue semantics. Updates
// for one order are emitted in venue order: ack, fills, terminal status.
type Venue struct {
	mu       sync.Mutex
	orders   map[string]*simOrder // by client order id
	byVenue  map[string]string    // venue order id -> client order id
	schedule map[string][]ScheduleEntry
	marks    map[string]decimal.Decimal
	position map[string]decimal.Decimal
	updates  chan *core.VenueUpdate
	nextID   int64
	nextFill int64

	// Scripted failures, consumed one submission at a time
	failTransport int
	silentAcks    int
	rejectReasons []string

	now    func() time.Time
	logger core.ILogger
}

// New creates a simulation venue
func New(logger core.ILogger) *Venue {
	return &Venue{
		orders:   make(map[string]*simOrder),
		byVenue:  make(map[string]string),
		schedule: make(map[string][]ScheduleEntry),
		marks:    make(map[string]decimal.Decimal),
		position: make(map[string]decimal.Decimal),
		updates:  make(chan *core.VenueUpdate, updateBuffer),
		now:      time.Now,
		logger:   logger.WithField("component", "sim_venue"),
	}
}

// SetClock overrides the venue clock, used by backtests for reproducible
// timestamps
func (v *Venue) SetClock(now func() time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.now = now
}

// SetMarkPrice sets the price used to fill market orders for a symbol
func (v *Venue) SetMarkPrice(symbol string, price decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.marks[symbol] = price
}

// AddSchedule appends a scripted execution for a symbol
func (v *Venue) AddSchedule(entry ScheduleEntry) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schedule[entry.Symbol] = append(v.schedule[entry.Symbol], entry)
}

// FailTransport makes the next n submissions fail with a transport error
// before reaching the venue
func (v *Venue) FailTransport(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failTransport = n
}

// SilenceNextAck accepts the next submission but emits no updates for it,
// simulating a lost acknowledgement. Status queries still see the order.
func (v *Venue) SilenceNextAck() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.silentAcks++
}

// RejectNext makes the venue reject the next submission with a reason
func (v *Venue) RejectNext(reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejectReasons = append(v.rejectReasons, reason)
}

// Updates returns the inbound acknowledgement stream
func (v *Venue) Updates() <-chan *core.VenueUpdate {
	return v.updates
}

// Submit accepts an order and resolves its execution from the schedule.
// Resubmitting a known client order id is a no-op returning success.
func (v *Venue) Submit(ctx context.Context, req *core.OrderRequest) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.failTransport > 0 {
		v.failTransport--
		return fmt.Errorf("%w: connection reset", apperrors.ErrTransport)
	}

	if _, exists := v.orders[req.IdempotencyKey]; exists {
		v.logger.Debug("Duplicate submission", "client_order_id", req.IdempotencyKey)
		return nil
	}

	if len(v.rejectReasons) > 0 {
		reason := v.rejectReasons[0]
		v.rejectReasons = v.rejectReasons[1:]
		v.orders[req.IdempotencyKey] = &simOrder{
			status: &core.VenueOrderStatus{
				ClientOrderID: req.IdempotencyKey,
				Symbol:        req.Symbol,
				Side:          req.Side,
				State:         core.OrderRejected,
				RequestedQty:  req.Quantity,
			},
		}
		v.emit(&core.VenueUpdate{
			ClientOrderID: req.IdempotencyKey,
			Type:          core.VenueReject,
			Reason:        reason,
			Timestamp:     v.now(),
		})
		return nil
	}

	v.nextID++
	venueOrderID := fmt.Sprintf("sim-%d", v.nextID)
	order := &simOrder{
		status: &core.VenueOrderStatus{
			ClientOrderID: req.IdempotencyKey,
			VenueOrderID:  venueOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			State:         core.OrderAcknowledged,
			RequestedQty:  req.Quantity,
		},
		open: true,
	}
	v.orders[req.IdempotencyKey] = order
	v.byVenue[venueOrderID] = req.IdempotencyKey

	silent := v.silentAcks > 0
	if silent {
		v.silentAcks--
	}

	fills := v.resolveFills(order, req)
	v.applyFills(order, fills)

	if silent {
		v.logger.Debug("Suppressing updates for order", "client_order_id", req.IdempotencyKey)
		return nil
	}

	v.emit(&core.VenueUpdate{
		ClientOrderID: req.IdempotencyKey,
		VenueOrderID:  venueOrderID,
		Type:          core.VenueAck,
		Timestamp:     v.now(),
	})
	for i, fill := range fills {
		updateType := core.VenuePartialFill
		if i == len(fills)-1 && order.status.State == core.OrderFilled {
			updateType = core.VenueFill
		}
		v.emit(&core.VenueUpdate{
			ClientOrderID: req.IdempotencyKey,
			VenueOrderID:  venueOrderID,
			Type:          updateType,
			Fill:          fill,
			Timestamp:     fill.Timestamp,
		})
	}
	return nil
}

// resolveFills consumes the first matching schedule entry for the symbol.
// Without a schedule the order fills completely at its limit price, or at the
// mark price for market orders; a market order with no mark rests open.
func (v *Venue) resolveFills(order *simOrder, req *core.OrderRequest) []*core.Fill {
	entries := v.schedule[req.Symbol]
	for i, entry := range entries {
		if !entry.Quantity.IsZero() && !entry.Quantity.Equal(req.Quantity) {
			continue
		}
		v.schedule[req.Symbol] = append(entries[:i], entries[i+1:]...)
		var fills []*core.Fill
		remaining := req.Quantity
		for _, p := range entry.Portions {
			qty := p.Quantity
			if qty.GreaterThan(remaining) {
				qty = remaining
			}
			if qty.Sign() <= 0 {
				continue
			}
			fills = append(fills, v.newFill(order, qty, p.Price))
			remaining = remaining.Sub(qty)
		}
		return fills
	}

	price := req.LimitPrice
	if price.IsZero() {
		mark, ok := v.marks[req.Symbol]
		if !ok {
			return nil
		}
		price = mark
	}
	return []*core.Fill{v.newFill(order, req.Quantity, price)}
}

func (v *Venue) newFill(order *simOrder, qty, price decimal.Decimal) *core.Fill {
	v.nextFill++
	return &core.Fill{
		FillID:       fmt.Sprintf("simfill-%d", v.nextFill),
		VenueOrderID: order.status.VenueOrderID,
		Symbol:       order.status.Symbol,
		Side:         order.status.Side,
		Quantity:     qty,
		Price:        price,
		Timestamp:    v.now(),
	}
}

func (v *Venue) applyFills(order *simOrder, fills []*core.Fill) {
	for _, fill := range fills {
		st := order.status
		prevNotional := st.AvgFillPrice.Mul(st.FilledQty)
		st.FilledQty = st.FilledQty.Add(fill.Quantity)
		st.AvgFillPrice = prevNotional.Add(fill.Price.Mul(fill.Quantity)).Div(st.FilledQty)
		st.Fills = append(st.Fills, fill)

		delta := fill.Quantity.Mul(fill.Side.Sign())
		v.position[fill.Symbol] = v.position[fill.Symbol].Add(delta)
	}
	if order.status.FilledQty.Equal(order.status.RequestedQty) {
		order.status.State = core.OrderFilled
		order.open = false
	} else if order.status.FilledQty.Sign() > 0 {
		order.status.State = core.OrderPartiallyFilled
	}
}

// Cancel cancels the unfilled remainder of an open order
func (v *Venue) Cancel(ctx context.Context, venueOrderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	clientID, ok := v.byVenue[venueOrderID]
	if !ok {
		return fmt.Errorf("%w: unknown order %s", apperrors.ErrVenueRejected, venueOrderID)
	}
	order := v.orders[clientID]
	if !order.open {
		return fmt.Errorf("%w: order %s is closed", apperrors.ErrVenueRejected, venueOrderID)
	}

	order.open = false
	order.status.State = core.OrderCancelled
	v.emit(&core.VenueUpdate{
		ClientOrderID: clientID,
		VenueOrderID:  venueOrderID,
		Type:          core.VenueCancelConfirm,
		Timestamp:     v.now(),
	})
	return nil
}

// QueryStatus returns the venue's view of an order, or nil when unknown
func (v *Venue) QueryStatus(ctx context.Context, clientOrderID string) (*core.VenueOrderStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	order, ok := v.orders[clientOrderID]
	if !ok {
		return nil, nil
	}
	return cloneStatus(order.status), nil
}

// OpenOrders returns all orders the venue still considers open
func (v *Venue) OpenOrders(ctx context.Context) ([]*core.VenueOrderStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var open []*core.VenueOrderStatus
	for _, order := range v.orders {
		if order.open {
			open = append(open, cloneStatus(order.status))
		}
	}
	return open, nil
}

// Positions returns signed venue-side positions per symbol
func (v *Venue) Positions(ctx context.Context) (map[string]decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(v.position))
	for sym, qty := range v.position {
		out[sym] = qty
	}
	return out, nil
}

// InjectFill records a fill on the venue without emitting a stream update.
// Reconciliation tests use it to create a missing-fill discrepancy.
func (v *Venue) InjectFill(clientOrderID string, qty, price decimal.Decimal) (*core.Fill, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	order, ok := v.orders[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, clientOrderID)
	}
	fill := v.newFill(order, qty, price)
	v.applyFills(order, []*core.Fill{fill})
	return fill, nil
}

func (v *Venue) emit(update *core.VenueUpdate) {
	select {
	case v.updates <- update:
	default:
		v.logger.Error("Update stream full, dropping update",
			"client_order_id", update.ClientOrderID,
			"type", update.Type)
	}
}

func cloneStatus(st *core.VenueOrderStatus) *core.VenueOrderStatus {
	c := *st
	c.Fills = append([]*core.Fill(nil), st.Fills...)
	return &c
}

// scheduleFile is the on-disk schedule format. Quantities and prices are
// strings so they survive YAML without float rounding.
type scheduleFile struct {
	Entries []struct {
		Symbol   string `yaml:"symbol"`
		Quantity string `yaml:"quantity"`
		Fills    []struct {
			Quantity string `yaml:"quantity"`
			Price    string `yaml:"price"`
		} `yaml:"fills"`
	} `yaml:"entries"`
}

// LoadScheduleFile reads a fill schedule and loads it into the venue
func (v *Venue) LoadScheduleFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read fill schedule: %w", err)
	}

	var file scheduleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse fill schedule: %w", err)
	}

	for _, e := range file.Entries {
		entry := ScheduleEntry{Symbol: e.Symbol}
		if e.Quantity != "" {
			qty, err := decimal.NewFromString(e.Quantity)
			if err != nil {
				return fmt.Errorf("invalid schedule quantity %q: %w", e.Quantity, err)
			}
			entry.Quantity = qty
		}
		for _, f := range e.Fills {
			qty, err := decimal.NewFromString(f.Quantity)
			if err != nil {
				return fmt.Errorf("invalid fill quantity %q: %w", f.Quantity, err)
			}
			price, err := decimal.NewFromString(f.Price)
			if err != nil {
				return fmt.Errorf("invalid fill price %q: %w", f.Price, err)
			}
			entry.Portions = append(entry.Portions, Portion{Quantity: qty, Price: price})
		}
		v.AddSchedule(entry)
	}
	return nil
}

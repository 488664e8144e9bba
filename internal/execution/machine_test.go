package execution

import (
	"testing"
	"time"

	"trading_bot/internal/config"
	"trading_bot/internal/core"
	"trading_bot/internal/ledger"
	"trading_bot/internal/testutil"
	"trading_bot/pkg/apperrors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	submits []*core.OrderRequest
	cancels []string
	queries []string
}

func (f *fakeDispatcher) Submit(orderID string, req *core.OrderRequest) {
	f.submits = append(f.submits, req)
}

func (f *fakeDispatcher) Cancel(orderID, venueOrderID string) {
	f.cancels = append(f.cancels, venueOrderID)
}

func (f *fakeDispatcher) Query(orderID, clientOrderID string) {
	f.queries = append(f.queries, clientOrderID)
}

type recordPublisher struct {
	events []core.Event
}

func (p *recordPublisher) Publish(event core.Event) {
	p.events = append(p.events, event)
}

type harness struct {
	machine    *Machine
	ledger     *ledger.Ledger
	dispatcher *fakeDispatcher
	publisher  *recordPublisher
	timers     []func()
	suspected  []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dispatcher: &fakeDispatcher{},
		publisher:  &recordPublisher{},
		ledger:     ledger.New(decimal.NewFromInt(100000), testutil.Logger()),
	}

	cfg := config.ExecutionConfig{
		AckTimeout:       time.Second,
		MaxSubmitRetries: 3,
		QueryAttempts:    2,
		BackoffBase:      time.Millisecond,
		BackoffMax:       10 * time.Millisecond,
	}
	h.machine = NewMachine(cfg, h.ledger, h.dispatcher, h.publisher, testutil.Logger())
	h.machine.SetSuspectFunc(func(orderID string) {
		h.suspected = append(h.suspected, orderID)
	})
	h.machine.now = func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}
	h.machine.afterFunc = func(d time.Duration, f func()) *time.Timer {
		h.timers = append(h.timers, f)
		return &time.Timer{}
	}
	return h
}

func (h *harness) fireTimers() {
	pending := h.timers
	h.timers = nil
	for _, f := range pending {
		f()
	}
}

// drainPublished feeds every event the machine published back into it, the
// way the scheduler would
func (h *harness) drainPublished() {
	for len(h.publisher.events) > 0 {
		ev := h.publisher.events[0]
		h.publisher.events = h.publisher.events[1:]
		h.machine.HandleEvent(ev)
	}
}

func req(key, symbol string, side core.Side, qty int64) *core.OrderRequest {
	return &core.OrderRequest{
		IdempotencyKey: key,
		Symbol:         symbol,
		Side:           side,
		Quantity:       decimal.NewFromInt(qty),
		LimitPrice:     decimal.NewFromInt(100),
	}
}

func (h *harness) submitAndAck(t *testing.T, key string, qty int64) *core.Order {
	t.Helper()
	order, err := h.machine.Submit(req(key, "BTCUSDT", core.SideBuy, qty))
	require.NoError(t, err)

	h.machine.HandleEvent(&core.TimerEvent{Kind: core.TimerDispatchOK, OrderID: order.ID})
	h.machine.HandleEvent(&core.VenueUpdate{
		ClientOrderID: key,
		VenueOrderID:  "v-" + order.ID,
		Type:          core.VenueAck,
	})

	got, ok := h.machine.GetOrder(order.ID)
	require.True(t, ok)
	require.Equal(t, core.OrderAcknowledged, got.State)
	return got
}

func TestSubmit_CreatesAndDispatches(t *testing.T) {
	h := newHarness(t)

	order, err := h.machine.Submit(req("key-1", "BTCUSDT", core.SideBuy, 100))
	require.NoError(t, err)

	assert.Equal(t, core.OrderSubmitted, order.State, "order is Submitted before the round-trip starts")
	assert.Len(t, h.dispatcher.submits, 1)
	assert.Len(t, h.timers, 1, "ack timeout timer armed at dispatch")

	h.machine.HandleEvent(&core.TimerEvent{Kind: core.TimerDispatchOK, OrderID: order.ID})
	got, _ := h.machine.GetOrder(order.ID)
	assert.Equal(t, core.OrderSubmitted, got.State)
}

func TestLifecycle_AckAndFillBeforeDispatchOutcome(t *testing.T) {
	h := newHarness(t)

	order, err := h.machine.Submit(req("key-1", "BTCUSDT", core.SideBuy, 10))
	require.NoError(t, err)

	// Venue events carry earlier timestamps than the dispatch outcome, so
	// the scheduler delivers them first
	h.machine.HandleEvent(&core.VenueUpdate{
		ClientOrderID: "key-1",
		VenueOrderID:  "v-1",
		Type:          core.VenueAck,
	})
	h.machine.HandleEvent(&core.VenueUpdate{
		ClientOrderID: "key-1",
		Type:          core.VenueFill,
		Fill: &core.Fill{
			FillID: "f1", OrderID: order.ID, Symbol: "BTCUSDT", Side: core.SideBuy,
			Quantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(100),
		},
	})
	h.machine.HandleEvent(&core.TimerEvent{Kind: core.TimerDispatchOK, OrderID: order.ID})

	got, _ := h.machine.GetOrder(order.ID)
	assert.Equal(t, core.OrderFilled, got.State, "early venue events must not be dropped")
	assert.True(t, got.FilledQty.Equal(decimal.NewFromInt(10)))
	assert.Empty(t, h.machine.OpenOrders())
}

func TestSubmit_RejectsInvalidRequest(t *testing.T) {
	h := newHarness(t)

	_, err := h.machine.Submit(req("", "BTCUSDT", core.SideBuy, 100))
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = h.machine.Submit(req("key-1", "BTCUSDT", core.SideBuy, 0))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestSubmit_IdempotentReplay(t *testing.T) {
	h := newHarness(t)

	first, err := h.machine.Submit(req("key-1", "BTCUSDT", core.SideBuy, 100))
	require.NoError(t, err)

	second, err := h.machine.Submit(req("key-1", "BTCUSDT", core.SideBuy, 100))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, h.dispatcher.submits, 1, "replay must not resubmit to the venue")
}

func TestLifecycle_PartialFillsToFilled(t *testing.T) {
	h := newHarness(t)
	order := h.submitAndAck(t, "key-1", 100)

	h.machine.HandleEvent(&core.VenueUpdate{
		ClientOrderID: "key-1",
		Type:          core.VenuePartialFill,
		Fill: &core.Fill{
			FillID: "f1", OrderID: order.ID, Symbol: "BTCUSDT", Side: core.SideBuy,
			Quantity: decimal.NewFromInt(30), Price: decimal.NewFromInt(100),
		},
	})

	got, _ := h.machine.GetOrder(order.ID)
	assert.Equal(t, core.OrderPartiallyFilled, got.State)
	assert.True(t, got.FilledQty.Equal(decimal.NewFromInt(30)))
	assert.True(t, h.ledger.Snapshot().Position("BTCUSDT").Quantity.Equal(decimal.NewFromInt(30)),
		"ledger update must be atomic with the transition")

	h.machine.HandleEvent(&core.VenueUpdate{
		ClientOrderID: "key-1",
		Type:          core.VenueFill,
		Fill: &core.Fill{
			FillID: "f2", OrderID: order.ID, Symbol: "BTCUSDT", Side: core.SideBuy,
			Quantity: decimal.NewFromInt(70), Price: decimal.NewFromInt(102),
		},
	})

	got, _ = h.machine.GetOrder(order.ID)
	assert.Equal(t, core.OrderFilled, got.State)
	assert.True(t, got.FilledQty.Equal(decimal.NewFromInt(100)))
	// (30*100 + 70*102) / 100
	assert.True(t, got.AvgFillPrice.Equal(decimal.RequireFromString("101.4")), "got %s", got.AvgFillPrice)
	assert.True(t, h.ledger.Snapshot().Position("BTCUSDT").Quantity.Equal(decimal.NewFromInt(100)))
}

func TestLifecycle_DuplicateFillIsNoOp(t *testing.T) {
	h := newHarness(t)
	order := h.submitAndAck(t, "key-1", 100)

	fill := &core.Fill{
		FillID: "f1", OrderID: order.ID, Symbol: "BTCUSDT", Side: core.SideBuy,
		Quantity: decimal.NewFromInt(30), Price: decimal.NewFromInt(100),
	}
	h.machine.HandleEvent(&core.VenueUpdate{ClientOrderID: "key-1", Type: core.VenuePartialFill, Fill: fill})
	h.machine.HandleEvent(&core.VenueUpdate{ClientOrderID: "key-1", Type: core.VenuePartialFill, Fill: fill})

	got, _ := h.machine.GetOrder(order.ID)
	assert.True(t, got.FilledQty.Equal(decimal.NewFromInt(30)), "duplicate fill must not double-count")
	assert.True(t, h.ledger.Snapshot().Position("BTCUSDT").Quantity.Equal(decimal.NewFromInt(30)))
}

func TestLifecycle_OverfillFlagsSuspect(t *testing.T) {
	h := newHarness(t)
	order := h.submitAndAck(t, "key-1", 100)

	h.machine.HandleEvent(&core.VenueUpdate{
		ClientOrderID: "key-1",
		Type:          core.VenueFill,
		Fill: &core.Fill{
			FillID: "f1", OrderID: order.ID, Symbol: "BTCUSDT", Side: core.SideBuy,
			Quantity: decimal.NewFromInt(150), Price: decimal.NewFromInt(100),
		},
	})

	got, _ := h.machine.GetOrder(order.ID)
	assert.True(t, got.FilledQty.IsZero(), "overfill must not be applied")
	assert.True(t, h.ledger.Snapshot().Position("BTCUSDT").Quantity.IsZero())
	assert.Contains(t, h.suspected, order.ID)
}

func TestVenueReject_Terminal(t *testing.T) {
	h := newHarness(t)
	order, err := h.machine.Submit(req("key-1", "BTCUSDT", core.SideBuy, 100))
	require.NoError(t, err)
	h.machine.HandleEvent(&core.TimerEvent{Kind: core.TimerDispatchOK, OrderID: order.ID})

	h.machine.HandleEvent(&core.VenueUpdate{
		ClientOrderID: "key-1",
		Type:          core.VenueReject,
		Reason:        "insufficient margin",
	})

	got, _ := h.machine.GetOrder(order.ID)
	assert.Equal(t, core.OrderRejected, got.State)
	assert.Equal(t, "insufficient margin", got.RejectReason)

	// Terminal state never transitions again
	h.machine.HandleEvent(&core.VenueUpdate{ClientOrderID: "key-1", Type: core.VenueCancelConfirm})
	got, _ = h.machine.GetOrder(order.ID)
	assert.Equal(t, core.OrderRejected, got.State)
}

func TestAckTimeout_UnknownAfterQueriesRejectsLocally(t *testing.T) {
	h := newHarness(t)
	order, err := h.machine.Submit(req("key-1", "BTCUSDT", core.SideBuy, 100))
	require.NoError(t, err)
	h.machine.HandleEvent(&core.TimerEvent{Kind: core.TimerDispatchOK, OrderID: order.ID})

	// Ack never arrives; the armed timeout fires and publishes an event
	h.fireTimers()
	h.drainPublished()
	require.Len(t, h.dispatcher.queries, 1)

	// First query: venue does not know the order
	h.machine.HandleEvent(&core.TimerEvent{Kind: core.TimerQueryResult, OrderID: order.ID, Status: nil})
	h.fireTimers()
	require.Len(t, h.dispatcher.queries, 2, "backoff timer should re-query")

	// Second query also unknown: attempts exhausted
	h.machine.HandleEvent(&core.TimerEvent{Kind: core.TimerQueryResult, OrderID: order.ID, Status: nil})

	got, _ := h.machine.GetOrder(order.ID)
	assert.Equal(t, core.OrderRejected, got.State)
	assert.Equal(t, "unknown-timeout", got.RejectReason)
	assert.Contains(t, h.suspected, order.ID, "timeout-rejected orders queue for reconciliation")
}

func TestAckTimeout_IgnoredOnceAcknowledged(t *testing.T) {
	h := newHarness(t)
	order := h.submitAndAck(t, "key-1", 100)

	h.fireTimers()
	h.drainPublished()

	assert.Empty(t, h.dispatcher.queries, "ack arrived, timeout must be a no-op")
	got, _ := h.machine.GetOrder(order.ID)
	assert.Equal(t, core.OrderAcknowledged, got.State)
}

func TestQueryResult_AppliesAuthoritativeStatus(t *testing.T) {
	h := newHarness(t)
	order, err := h.machine.Submit(req("key-1", "BTCUSDT", core.SideBuy, 100))
	require.NoError(t, err)
	h.machine.HandleEvent(&core.TimerEvent{Kind: core.TimerDispatchOK, OrderID: order.ID})

	// The stream dropped everything, but the query reveals a filled order
	h.machine.HandleEvent(&core.TimerEvent{
		Kind:    core.TimerQueryResult,
		OrderID: order.ID,
		Status: &core.VenueOrderStatus{
			ClientOrderID: "key-1",
			VenueOrderID:  "v-1",
			State:         core.OrderFilled,
			RequestedQty:  decimal.NewFromInt(100),
			FilledQty:     decimal.NewFromInt(100),
			Fills: []*core.Fill{
				{FillID: "f1", OrderID: order.ID, Symbol: "BTCUSDT", Side: core.SideBuy,
					Quantity: decimal.NewFromInt(100), Price: decimal.NewFromInt(100)},
			},
		},
	})

	got, _ := h.machine.GetOrder(order.ID)
	assert.Equal(t, core.OrderFilled, got.State)
	assert.Equal(t, "v-1", got.VenueOrderID)
	assert.True(t, h.ledger.Snapshot().Position("BTCUSDT").Quantity.Equal(decimal.NewFromInt(100)))
}

func TestQueryResult_FilledWithQuantitiesAlreadyMatching(t *testing.T) {
	h := newHarness(t)

	// Checkpoint taken after the fills landed but before the terminal
	// transition was recorded
	h.machine.Restore([]*core.Order{
		{ID: "ord-00000009", IdempotencyKey: "key-9", Symbol: "BTCUSDT", Side: core.SideBuy,
			State: core.OrderAcknowledged, VenueOrderID: "v-9",
			RequestedQty: decimal.NewFromInt(50), FilledQty: decimal.NewFromInt(50)},
	})

	h.machine.HandleEvent(&core.TimerEvent{
		Kind:    core.TimerQueryResult,
		OrderID: "ord-00000009",
		Status: &core.VenueOrderStatus{
			ClientOrderID: "key-9",
			VenueOrderID:  "v-9",
			State:         core.OrderFilled,
			RequestedQty:  decimal.NewFromInt(50),
			FilledQty:     decimal.NewFromInt(50),
		},
	})

	got, _ := h.machine.GetOrder("ord-00000009")
	assert.Equal(t, core.OrderFilled, got.State, "matching quantities must close the order")
	assert.Empty(t, h.suspected)
}

func TestDispatchError_VenueRejectionIsTerminal(t *testing.T) {
	h := newHarness(t)
	order, err := h.machine.Submit(req("key-1", "BTCUSDT", core.SideBuy, 100))
	require.NoError(t, err)

	h.machine.HandleEvent(&core.TimerEvent{
		Kind:    core.TimerDispatchError,
		OrderID: order.ID,
		Err:     apperrors.ErrVenueRejected,
	})

	got, _ := h.machine.GetOrder(order.ID)
	assert.Equal(t, core.OrderRejected, got.State)
	assert.Empty(t, h.dispatcher.queries, "business rejection needs no status query")
}

func TestDispatchError_TransportExhaustionQueriesVenue(t *testing.T) {
	h := newHarness(t)
	order, err := h.machine.Submit(req("key-1", "BTCUSDT", core.SideBuy, 100))
	require.NoError(t, err)

	h.machine.HandleEvent(&core.TimerEvent{
		Kind:    core.TimerDispatchError,
		OrderID: order.ID,
		Err:     apperrors.ErrTransport,
	})

	got, _ := h.machine.GetOrder(order.ID)
	assert.Equal(t, core.OrderSubmitted, got.State, "venue may have received the order")
	assert.Len(t, h.dispatcher.queries, 1)
}

func TestCancel_LateFillAppliedBeforeConfirm(t *testing.T) {
	h := newHarness(t)
	order := h.submitAndAck(t, "key-1", 100)

	require.NoError(t, h.machine.RequestCancel(order.ID))
	assert.Len(t, h.dispatcher.cancels, 1)

	// A fill raced the cancel and wins
	h.machine.HandleEvent(&core.VenueUpdate{
		ClientOrderID: "key-1",
		Type:          core.VenuePartialFill,
		Fill: &core.Fill{
			FillID: "f1", OrderID: order.ID, Symbol: "BTCUSDT", Side: core.SideBuy,
			Quantity: decimal.NewFromInt(40), Price: decimal.NewFromInt(100),
		},
	})
	h.machine.HandleEvent(&core.VenueUpdate{ClientOrderID: "key-1", Type: core.VenueCancelConfirm})

	got, _ := h.machine.GetOrder(order.ID)
	assert.Equal(t, core.OrderCancelled, got.State)
	assert.True(t, got.FilledQty.Equal(decimal.NewFromInt(40)), "late fill must be applied before honoring the cancel")
	assert.True(t, h.ledger.Snapshot().Position("BTCUSDT").Quantity.Equal(decimal.NewFromInt(40)))
}

func TestCancel_BeforeAckDeferredUntilVenueOrderID(t *testing.T) {
	h := newHarness(t)
	order, err := h.machine.Submit(req("key-1", "BTCUSDT", core.SideBuy, 100))
	require.NoError(t, err)
	h.machine.HandleEvent(&core.TimerEvent{Kind: core.TimerDispatchOK, OrderID: order.ID})

	require.NoError(t, h.machine.RequestCancel(order.ID))
	assert.Empty(t, h.dispatcher.cancels, "no venue order id yet")

	h.machine.HandleEvent(&core.VenueUpdate{
		ClientOrderID: "key-1",
		VenueOrderID:  "v-1",
		Type:          core.VenueAck,
	})
	assert.Equal(t, []string{"v-1"}, h.dispatcher.cancels, "cancel dispatched once addressable")
}

func TestCancel_RejectedCancelResolvesByQuery(t *testing.T) {
	h := newHarness(t)
	order := h.submitAndAck(t, "key-1", 10)

	require.NoError(t, h.machine.RequestCancel(order.ID))
	require.Len(t, h.dispatcher.cancels, 1)

	// The venue refused the cancel because the order already closed there
	h.machine.HandleEvent(&core.TimerEvent{
		Kind:    core.TimerCancelError,
		OrderID: order.ID,
		Err:     apperrors.ErrVenueRejected,
	})

	got, _ := h.machine.GetOrder(order.ID)
	assert.Equal(t, core.OrderAcknowledged, got.State, "a failed cancel must not reject a live order")
	require.Len(t, h.dispatcher.queries, 1, "authoritative state comes from a query")

	h.machine.HandleEvent(&core.TimerEvent{
		Kind:    core.TimerQueryResult,
		OrderID: order.ID,
		Status: &core.VenueOrderStatus{
			ClientOrderID: "key-1",
			VenueOrderID:  got.VenueOrderID,
			State:         core.OrderFilled,
			RequestedQty:  decimal.NewFromInt(10),
			FilledQty:     decimal.NewFromInt(10),
			Fills: []*core.Fill{
				{FillID: "f1", OrderID: order.ID, Symbol: "BTCUSDT", Side: core.SideBuy,
					Quantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(100)},
			},
		},
	})

	got, _ = h.machine.GetOrder(order.ID)
	assert.Equal(t, core.OrderFilled, got.State, "the race resolves to the true terminal state")
	assert.True(t, h.ledger.Snapshot().Position("BTCUSDT").Quantity.Equal(decimal.NewFromInt(10)))
}

func TestCancel_Errors(t *testing.T) {
	h := newHarness(t)

	err := h.machine.RequestCancel("ord-missing")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)

	order := h.submitAndAck(t, "key-1", 10)
	h.machine.HandleEvent(&core.VenueUpdate{
		ClientOrderID: "key-1",
		Type:          core.VenueFill,
		Fill: &core.Fill{
			FillID: "f1", OrderID: order.ID, Symbol: "BTCUSDT", Side: core.SideBuy,
			Quantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(100),
		},
	})
	err = h.machine.RequestCancel(order.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
}

func TestControl_PhantomOrderCancelledLocally(t *testing.T) {
	h := newHarness(t)
	order := h.submitAndAck(t, "key-1", 100)

	h.machine.HandleEvent(&core.ControlEvent{
		Discrepancy: &core.Discrepancy{
			Kind:    core.DiscrepancyPhantomOrder,
			OrderID: order.ID,
			Symbol:  "BTCUSDT",
		},
	})

	got, _ := h.machine.GetOrder(order.ID)
	assert.Equal(t, core.OrderCancelled, got.State)
}

func TestControl_PhantomPendingOrderCancelled(t *testing.T) {
	h := newHarness(t)

	// A checkpoint can hold an order that never left Pending
	h.machine.Restore([]*core.Order{
		{ID: "ord-00000005", IdempotencyKey: "key-5", Symbol: "BTCUSDT", Side: core.SideBuy,
			State: core.OrderPending, RequestedQty: decimal.NewFromInt(10)},
	})

	h.machine.HandleEvent(&core.ControlEvent{
		Discrepancy: &core.Discrepancy{
			Kind:    core.DiscrepancyPhantomOrder,
			OrderID: "ord-00000005",
			Symbol:  "BTCUSDT",
		},
	})

	got, _ := h.machine.GetOrder("ord-00000005")
	assert.Equal(t, core.OrderCancelled, got.State, "close-out applies from any non-terminal state")
}

func TestControl_MissingFillApplied(t *testing.T) {
	h := newHarness(t)
	order := h.submitAndAck(t, "key-1", 100)

	h.machine.HandleEvent(&core.ControlEvent{
		Discrepancy: &core.Discrepancy{
			Kind:    core.DiscrepancyMissingFill,
			OrderID: order.ID,
			Symbol:  "BTCUSDT",
			Fill: &core.Fill{
				FillID: "f-missing", OrderID: order.ID, Symbol: "BTCUSDT", Side: core.SideBuy,
				Quantity: decimal.NewFromInt(25), Price: decimal.NewFromInt(99),
			},
		},
	})

	got, _ := h.machine.GetOrder(order.ID)
	assert.Equal(t, core.OrderPartiallyFilled, got.State)
	assert.True(t, h.ledger.Snapshot().Position("BTCUSDT").Quantity.Equal(decimal.NewFromInt(25)))
}

func TestArchive_TerminalOnly(t *testing.T) {
	h := newHarness(t)
	order := h.submitAndAck(t, "key-1", 10)

	assert.False(t, h.machine.Archive(order.ID), "open order must not archive")

	h.machine.HandleEvent(&core.VenueUpdate{
		ClientOrderID: "key-1",
		Type:          core.VenueFill,
		Fill: &core.Fill{
			FillID: "f1", OrderID: order.ID, Symbol: "BTCUSDT", Side: core.SideBuy,
			Quantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(100),
		},
	})
	assert.True(t, h.machine.Archive(order.ID))
	assert.Empty(t, h.machine.OpenOrders())

	got, ok := h.machine.GetOrder(order.ID)
	require.True(t, ok, "archived orders stay queryable")
	assert.Equal(t, core.OrderFilled, got.State)
}

func TestRestore_QueriesInflightOrders(t *testing.T) {
	h := newHarness(t)

	h.machine.Restore([]*core.Order{
		{ID: "ord-00000007", IdempotencyKey: "key-7", Symbol: "BTCUSDT", Side: core.SideBuy,
			State: core.OrderAcknowledged, RequestedQty: decimal.NewFromInt(50)},
		{ID: "ord-00000003", IdempotencyKey: "key-3", Symbol: "BTCUSDT", Side: core.SideSell,
			State: core.OrderFilled, RequestedQty: decimal.NewFromInt(10), FilledQty: decimal.NewFromInt(10)},
	})

	assert.Equal(t, []string{"key-7"}, h.dispatcher.queries, "only in-flight orders need a status resync")

	// New ids must not collide with restored ones
	order, err := h.machine.Submit(req("key-new", "BTCUSDT", core.SideBuy, 1))
	require.NoError(t, err)
	assert.Equal(t, "ord-00000008", order.ID)
}

func TestIdempotencyKey_Deterministic(t *testing.T) {
	intent := &core.TradeIntent{
		Symbol:        "BTCUSDT",
		Side:          core.SideBuy,
		Quantity:      decimal.NewFromInt(100),
		LimitPrice:    decimal.NewFromInt(50000),
		StrategyID:    "sma_cross",
		CausalEventID: "BTCUSDT|1748779200000000000|42",
	}
	qty := decimal.NewFromInt(60)

	k1 := IdempotencyKey(intent, qty)
	k2 := IdempotencyKey(intent, qty)
	assert.Equal(t, k1, k2, "same intent must always derive the same key")

	other := *intent
	other.CausalEventID = "BTCUSDT|1748779200000000000|43"
	assert.NotEqual(t, k1, IdempotencyKey(&other, qty))
	assert.NotEqual(t, k1, IdempotencyKey(intent, decimal.NewFromInt(61)))
}

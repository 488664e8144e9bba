package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind identifies the class of a scheduled event
type EventKind string

const (
	EventMarket      EventKind = "MARKET"
	EventVenueUpdate EventKind = "VENUE_UPDATE"
	EventTimer       EventKind = "TIMER"
	EventControl     EventKind = "CONTROL"
)

// Event is anything the scheduler can order and dispatch. Ordering is by
// (timestamp, sequence); the sequence is assigned on publish for events that
// arrive without one.
type Event interface {
	EventKind() EventKind
	EventTime() time.Time
	EventSeq() uint64
	SetSeq(seq uint64)
}

// MarketEventKind distinguishes market event payloads
type MarketEventKind string

const (
	MarketQuote     MarketEventKind = "QUOTE"
	MarketTrade     MarketEventKind = "TRADE"
	MarketBookDelta MarketEventKind = "BOOK_DELTA"
)

// MarketEvent is one normalized market data event. Immutable once produced.
type MarketEvent struct {
	Symbol    string
	Kind      MarketEventKind
	Timestamp time.Time
	Sequence  uint64
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	BidPrice  decimal.Decimal
	AskPrice  decimal.Decimal
}

func (e *MarketEvent) EventKind() EventKind { return EventMarket }
func (e *MarketEvent) EventTime() time.Time { return e.Timestamp }
func (e *MarketEvent) EventSeq() uint64     { return e.Sequence }
func (e *MarketEvent) SetSeq(seq uint64)    { e.Sequence = seq }

// DedupKey identifies a market event for at-least-once delivery dedup
func (e *MarketEvent) DedupKey() string {
	return fmt.Sprintf("%s|%d|%d", e.Symbol, e.Timestamp.UnixNano(), e.Sequence)
}

// VenueUpdateType classifies inbound venue stream events
type VenueUpdateType string

const (
	VenueAck           VenueUpdateType = "ACK"
	VenuePartialFill   VenueUpdateType = "PARTIAL_FILL"
	VenueFill          VenueUpdateType = "FILL"
	VenueReject        VenueUpdateType = "REJECT"
	VenueCancelConfirm VenueUpdateType = "CANCEL_CONFIRM"
)

// VenueUpdate is one event from the venue's inbound acknowledgement stream.
// Per-order delivery preserves venue-reported sequence.
type VenueUpdate struct {
	ClientOrderID string // idempotency key echoed by the venue
	VenueOrderID  string
	Type          VenueUpdateType
	Fill          *Fill
	Reason        string
	Timestamp     time.Time
	Sequence      uint64
}

func (e *VenueUpdate) EventKind() EventKind { return EventVenueUpdate }
func (e *VenueUpdate) EventTime() time.Time { return e.Timestamp }
func (e *VenueUpdate) EventSeq() uint64     { return e.Sequence }
func (e *VenueUpdate) SetSeq(seq uint64)    { e.Sequence = seq }

// TimerKind distinguishes timer payloads
type TimerKind string

const (
	TimerAckTimeout    TimerKind = "ACK_TIMEOUT"
	TimerQueryResult   TimerKind = "QUERY_RESULT"
	TimerDispatchOK    TimerKind = "DISPATCH_OK"
	TimerDispatchError TimerKind = "DISPATCH_ERROR"
	TimerCancelError   TimerKind = "CANCEL_ERROR"
)

// TimerEvent re-enters the scheduler when a wall-clock timer fires or when an
// asynchronous venue round-trip completes. Keeping these as ordinary events
// preserves single-writer discipline on order and ledger state.
type TimerEvent struct {
	Kind      TimerKind
	OrderID   string
	Status    *VenueOrderStatus // query result, nil when unknown
	Err       error
	Timestamp time.Time
	Sequence  uint64
}

func (e *TimerEvent) EventKind() EventKind { return EventTimer }
func (e *TimerEvent) EventTime() time.Time { return e.Timestamp }
func (e *TimerEvent) EventSeq() uint64     { return e.Sequence }
func (e *TimerEvent) SetSeq(seq uint64)    { e.Sequence = seq }

// ControlEvent carries reconciliation corrections back onto the event path
type ControlEvent struct {
	Discrepancy *Discrepancy
	Timestamp   time.Time
	Sequence    uint64
}

func (e *ControlEvent) EventKind() EventKind { return EventControl }
func (e *ControlEvent) EventTime() time.Time { return e.Timestamp }
func (e *ControlEvent) EventSeq() uint64     { return e.Sequence }
func (e *ControlEvent) SetSeq(seq uint64)    { e.Sequence = seq }

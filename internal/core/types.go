package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of a trade
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign returns +1 for buys and -1 for sells
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// TradeIntent is a strategy's desired trade action before risk validation.
// Intents are immutable and consumed exactly once by the risk manager.
type TradeIntent struct {
	Symbol        string
	Side          Side
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal // zero means market
	StrategyID    string
	CausalEventID string
}

// IsMarket reports whether the intent carries no limit price
func (i *TradeIntent) IsMarket() bool {
	return i.LimitPrice.IsZero()
}

// RiskOutcome is the result class of a risk evaluation
type RiskOutcome string

const (
	RiskApprove RiskOutcome = "APPROVE"
	RiskScale   RiskOutcome = "SCALE"
	RiskReject  RiskOutcome = "REJECT"
)

// RiskDecision records the outcome of evaluating a single intent
type RiskDecision struct {
	Outcome  RiskOutcome
	Quantity decimal.Decimal // approved quantity (original or scaled down)
	Reason   string
}

// OrderRequest is a risk-approved order ready for dispatch.
// The idempotency key is derived deterministically from the intent so that
// replaying the same intent after a crash yields the same key.
type OrderRequest struct {
	IdempotencyKey string
	Symbol         string
	Side           Side
	Quantity       decimal.Decimal
	LimitPrice     decimal.Decimal
	Decision       RiskDecision
}

// OrderState is a state in the order lifecycle
type OrderState string

const (
	OrderPending         OrderState = "PENDING"
	OrderSubmitted       OrderState = "SUBMITTED"
	OrderAcknowledged    OrderState = "ACKNOWLEDGED"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCancelled       OrderState = "CANCELLED"
	OrderRejected        OrderState = "REJECTED"
)

// IsTerminal reports whether no further transitions are permitted
func (s OrderState) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// Order tracks the lifecycle of a single submission. It is owned exclusively
// by the execution state machine; state transitions are the only mutation path.
type Order struct {
	ID             string
	IdempotencyKey string
	Symbol         string
	Side           Side
	State          OrderState
	RequestedQty   decimal.Decimal
	FilledQty      decimal.Decimal
	AvgFillPrice   decimal.Decimal
	LimitPrice     decimal.Decimal
	VenueOrderID   string // empty until the venue acknowledges
	RejectReason   string
	CancelPending  bool
	UpdatedAt      time.Time
}

// Clone returns a copy safe to hand outside the state machine
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// Fill is a confirmed (partial or complete) execution reported by the venue
type Fill struct {
	FillID       string
	OrderID      string
	VenueOrderID string
	Symbol       string
	Side         Side
	Quantity     decimal.Decimal
	Price        decimal.Decimal
	Timestamp    time.Time
}

// Position is the signed holding for one symbol. Quantity sign encodes
// long/short; positions are mutated only by applying fills.
type Position struct {
	Symbol   string
	Quantity decimal.Decimal
	AvgCost  decimal.Decimal
}

// Notional returns the absolute cost-basis exposure of the position
func (p Position) Notional() decimal.Decimal {
	return p.Quantity.Abs().Mul(p.AvgCost)
}

// PortfolioSnapshot is an immutable point-in-time view of the portfolio.
// A new snapshot replaces the old on every ledger update; consumers never
// observe a live-mutating ledger.
type PortfolioSnapshot struct {
	Positions map[string]Position
	Cash      decimal.Decimal
	Timestamp time.Time
}

// Position returns the position for a symbol, or a zero position
func (s *PortfolioSnapshot) Position(symbol string) Position {
	if p, ok := s.Positions[symbol]; ok {
		return p
	}
	return Position{Symbol: symbol, Quantity: decimal.Zero, AvgCost: decimal.Zero}
}

// GrossNotional returns the cost-basis exposure summed across all positions
func (s *PortfolioSnapshot) GrossNotional() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Positions {
		total = total.Add(p.Notional())
	}
	return total
}

// DiscrepancyKind classifies a reconciliation finding
type DiscrepancyKind string

const (
	DiscrepancyPhantomOrder     DiscrepancyKind = "PHANTOM_ORDER"
	DiscrepancyMissingFill      DiscrepancyKind = "MISSING_FILL"
	DiscrepancyPositionMismatch DiscrepancyKind = "POSITION_MISMATCH"
)

// Discrepancy is a divergence between local state and venue-reported truth
type Discrepancy struct {
	Kind     DiscrepancyKind
	Symbol   string
	OrderID  string
	Fill     *Fill
	Local    decimal.Decimal
	Venue    decimal.Decimal
	Detected time.Time
}

// VenueOrderStatus is the venue's authoritative view of one order,
// returned by status queries and used during reconciliation
type VenueOrderStatus struct {
	ClientOrderID string
	VenueOrderID  string
	Symbol        string
	Side          Side
	State         OrderState
	RequestedQty  decimal.Decimal
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Fills         []*Fill
}

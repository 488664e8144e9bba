// Package core defines the shared types and interfaces for the trading bot
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IVenueGateway is the only boundary that performs venue I/O. Submit and
// cancel are asynchronous: outcomes arrive on the Updates stream. QueryStatus
// is the authoritative fallback when the stream is silent.
type IVenueGateway interface {
	Submit(ctx context.Context, req *OrderRequest) error
	Cancel(ctx context.Context, venueOrderID string) error
	QueryStatus(ctx context.Context, clientOrderID string) (*VenueOrderStatus, error)
	OpenOrders(ctx context.Context) ([]*VenueOrderStatus, error)
	Positions(ctx context.Context) (map[string]decimal.Decimal, error)
	Updates() <-chan *VenueUpdate
}

// IStrategy is the single capability all strategies implement. Decide has no
// external side effects: it may keep indicator state but never mutates the
// snapshot or submits anything itself.
type IStrategy interface {
	ID() string
	Decide(event *MarketEvent, snapshot *PortfolioSnapshot) []*TradeIntent
}

// IRiskManager validates or clamps intents against configured limits
type IRiskManager interface {
	Evaluate(intent *TradeIntent, snapshot *PortfolioSnapshot) RiskDecision
	HaltSymbol(symbol string, reason string)
	IsHalted(symbol string) bool
}

// ILedger is the authoritative record of positions, cash and PnL.
// Mutated only by confirmed fills, never by intents.
type ILedger interface {
	ApplyFill(fill *Fill) (*PortfolioSnapshot, error)
	Snapshot() *PortfolioSnapshot
	RealizedPnL() decimal.Decimal
}

// IExecutor owns the order lifecycle from submission to terminal state
type IExecutor interface {
	Submit(req *OrderRequest) (*Order, error)
	RequestCancel(orderID string) error
	GetOrder(orderID string) (*Order, bool)
	OpenOrders() []*Order
	Archive(orderID string) bool
}

// IReconciler periodically compares local state against venue-reported truth
type IReconciler interface {
	Start(ctx context.Context) error
	Stop() error
	Reconcile(ctx context.Context) ([]*Discrepancy, error)
	Suspect(orderID string)
}

// IMarketDataFeed supplies normalized market events. Delivery is at least
// once; the scheduler dedups by (symbol, timestamp, sequence).
type IMarketDataFeed interface {
	Run(ctx context.Context, publish func(*MarketEvent)) error
}

// IStateStore checkpoints orders and positions for crash recovery
type IStateStore interface {
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	LoadLatest(ctx context.Context) (*Checkpoint, error)
	Close() error
}

// Checkpoint is the unit of persistence: open orders plus the portfolio view
type Checkpoint struct {
	Orders    []*Order
	Positions map[string]Position
	Cash      decimal.Decimal
	SavedAt   time.Time
}

// IPublisher enqueues events for ordered dispatch
type IPublisher interface {
	Publish(event Event)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

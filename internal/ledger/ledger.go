// Package ledger maintains the authoritative record of positions, cash and PnL
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trading_bot/internal/core"
	"trading_bot/pkg/apperrors"
	"trading_bot/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Ledger is mutated only by confirmed fills, never by intents. Every mutation
// produces a fresh immutable snapshot; decision logic never reads live state.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]core.Position
	cash      decimal.Decimal
	realized  decimal.Decimal

	// Fill dedup: reconciliation may re-present a fill it already applied
	appliedFills map[string]struct{}

	current *core.PortfolioSnapshot
	logger  core.ILogger
}

// New creates a ledger with the given starting cash
func New(initialCash decimal.Decimal, logger core.ILogger) *Ledger {
	l := &Ledger{
		positions:    make(map[string]core.Position),
		cash:         initialCash,
		realized:     decimal.Zero,
		appliedFills: make(map[string]struct{}),
		logger:       logger.WithField("component", "ledger"),
	}
	l.current = l.buildSnapshot(time.Time{})
	return l
}

// Restore replaces ledger state from a checkpoint. Only valid at startup,
// before any fills have been applied.
func (l *Ledger) Restore(positions map[string]core.Position, cash decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.positions = make(map[string]core.Position, len(positions))
	for sym, p := range positions {
		l.positions[sym] = p
	}
	l.cash = cash
	l.current = l.buildSnapshot(time.Now())
}

// ApplyFill applies one confirmed fill and returns the resulting snapshot.
// A fill id seen before is a no-op returning apperrors.ErrDuplicateFill, so
// reconciliation passes over the same data never double-apply.
func (l *Ledger) ApplyFill(fill *core.Fill) (*core.PortfolioSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if fill.Quantity.Sign() <= 0 {
		return nil, fmt.Errorf("%w: fill quantity must be positive, got %s", apperrors.ErrValidation, fill.Quantity)
	}
	if fill.FillID != "" {
		if _, dup := l.appliedFills[fill.FillID]; dup {
			return l.current, fmt.Errorf("%w: %s", apperrors.ErrDuplicateFill, fill.FillID)
		}
	}

	pos := l.positions[fill.Symbol]
	pos.Symbol = fill.Symbol

	signedQty := fill.Side.Sign().Mul(fill.Quantity)
	realizedDelta := l.applyToPosition(&pos, signedQty, fill.Price)

	if pos.Quantity.IsZero() {
		delete(l.positions, fill.Symbol)
	} else {
		l.positions[fill.Symbol] = pos
	}

	// Cash moves opposite to the signed quantity
	l.cash = l.cash.Sub(signedQty.Mul(fill.Price))
	l.realized = l.realized.Add(realizedDelta)

	if fill.FillID != "" {
		l.appliedFills[fill.FillID] = struct{}{}
	}

	l.current = l.buildSnapshot(fill.Timestamp)

	metrics := telemetry.GetGlobalMetrics()
	if metrics.FillsAppliedTotal != nil {
		metrics.FillsAppliedTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("symbol", fill.Symbol)))
		pnl, _ := realizedDelta.Float64()
		if pnl != 0 {
			metrics.PnLRealizedTotal.Add(context.Background(), pnl)
		}
	}
	qty, _ := pos.Quantity.Float64()
	metrics.SetPositionSize(fill.Symbol, qty)

	l.logger.Debug("Fill applied",
		"fill_id", fill.FillID,
		"symbol", fill.Symbol,
		"side", fill.Side,
		"qty", fill.Quantity,
		"price", fill.Price,
		"position", pos.Quantity,
		"realized_delta", realizedDelta)

	return l.current, nil
}

// applyToPosition mutates pos with a signed quantity at a price and returns
// the realized PnL delta. Weighted-average cost on same-direction adds;
// realization on reducing or crossing fills.
func (l *Ledger) applyToPosition(pos *core.Position, signedQty, price decimal.Decimal) decimal.Decimal {
	oldQty := pos.Quantity
	newQty := oldQty.Add(signedQty)

	// Flat position or adding in the same direction: re-average cost
	if oldQty.IsZero() || oldQty.Sign() == signedQty.Sign() {
		oldNotional := oldQty.Abs().Mul(pos.AvgCost)
		addNotional := signedQty.Abs().Mul(price)
		pos.AvgCost = oldNotional.Add(addNotional).Div(oldQty.Abs().Add(signedQty.Abs()))
		pos.Quantity = newQty
		return decimal.Zero
	}

	// Reducing (possibly to zero) without crossing
	direction := decimal.NewFromInt(int64(oldQty.Sign()))
	if signedQty.Abs().LessThanOrEqual(oldQty.Abs()) {
		closedQty := signedQty.Abs()
		realized := price.Sub(pos.AvgCost).Mul(closedQty).Mul(direction)
		pos.Quantity = newQty
		if newQty.IsZero() {
			pos.AvgCost = decimal.Zero
		}
		return realized
	}

	// Crossing: realize the whole old position, open the remainder at price
	realized := price.Sub(pos.AvgCost).Mul(oldQty.Abs()).Mul(direction)
	pos.Quantity = newQty
	pos.AvgCost = price
	return realized
}

// buildSnapshot copies current state into a fresh immutable view.
// Caller must hold the lock.
func (l *Ledger) buildSnapshot(ts time.Time) *core.PortfolioSnapshot {
	positions := make(map[string]core.Position, len(l.positions))
	for sym, p := range l.positions {
		positions[sym] = p
	}
	return &core.PortfolioSnapshot{
		Positions: positions,
		Cash:      l.cash,
		Timestamp: ts,
	}
}

// Snapshot returns the current immutable view
func (l *Ledger) Snapshot() *core.PortfolioSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// RealizedPnL returns cumulative realized profit and loss
func (l *Ledger) RealizedPnL() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.realized
}

// HasFill reports whether a venue fill id has already been applied
func (l *Ledger) HasFill(fillID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.appliedFills[fillID]
	return ok
}

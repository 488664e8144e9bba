// Package risk validates and clamps trade intents against configured limits
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trading_bot/internal/config"
	"trading_bot/internal/core"
	"trading_bot/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// Manager implements core.IRiskManager. Checks run in a fixed order:
// position limit, notional cap, rate limit. Position and notional are
// scalable (quantity is reduced to fit); the rate limit rejects outright.
type Manager struct {
	cfg    config.RiskConfig
	halts  *SymbolHalt
	logger core.ILogger

	// Per-symbol rate limiters, created lazily
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewManager creates a risk manager
func NewManager(cfg config.RiskConfig, halts *SymbolHalt, logger core.ILogger) *Manager {
	return &Manager{
		cfg:      cfg,
		halts:    halts,
		logger:   logger.WithField("component", "risk_manager"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Evaluate validates one intent against the current snapshot. Every decision
// is logged as (intent, decision, reason) for the audit trail.
func (m *Manager) Evaluate(intent *core.TradeIntent, snapshot *core.PortfolioSnapshot) core.RiskDecision {
	decision := m.evaluate(intent, snapshot)
	m.audit(intent, decision)
	return decision
}

func (m *Manager) evaluate(intent *core.TradeIntent, snapshot *core.PortfolioSnapshot) core.RiskDecision {
	if intent.Symbol == "" || intent.Quantity.Sign() <= 0 {
		return reject("validation: symbol and positive quantity required")
	}
	if intent.Side != core.SideBuy && intent.Side != core.SideSell {
		return reject(fmt.Sprintf("validation: unknown side %q", intent.Side))
	}

	if m.halts.IsHalted(intent.Symbol) {
		reason, _ := m.halts.Reason(intent.Symbol)
		return reject(fmt.Sprintf("symbol halted: %s", reason))
	}

	approved := intent.Quantity
	scaled := false

	// (a) Symbol position limit: post-trade position must stay within bound
	limit := decimal.NewFromFloat(m.cfg.PositionLimit(intent.Symbol))
	current := snapshot.Position(intent.Symbol).Quantity
	maxQty := limit.Sub(intent.Side.Sign().Mul(current))
	if maxQty.Sign() <= 0 {
		return reject(fmt.Sprintf("position limit: %s position %s already at bound %s",
			intent.Symbol, current, limit))
	}
	if approved.GreaterThan(maxQty) {
		approved = maxQty
		scaled = true
	}

	// (b) Notional exposure cap across all open positions. Reference price is
	// the limit price, falling back to the symbol's average cost for market
	// intents; with no reference the check cannot price the order and passes.
	refPrice := intent.LimitPrice
	if refPrice.IsZero() {
		refPrice = snapshot.Position(intent.Symbol).AvgCost
	}
	if refPrice.Sign() > 0 {
		notionalCap := decimal.NewFromFloat(m.cfg.NotionalCap)
		gross := snapshot.GrossNotional()
		headroom := notionalCap.Sub(gross)
		if headroom.Sign() <= 0 {
			return reject(fmt.Sprintf("notional cap: gross exposure %s at cap %s", gross, notionalCap))
		}
		maxNotionalQty := headroom.Div(refPrice)
		if maxNotionalQty.Sign() <= 0 {
			return reject("notional cap: no headroom at reference price")
		}
		if approved.GreaterThan(maxNotionalQty) {
			approved = maxNotionalQty
			scaled = true
		}
	}

	// Scaling by limit or cap can produce a quantity the venue's lot size
	// does not admit (headroom / price is often a repeating decimal), so
	// snap it down to the configured step.
	if scaled && m.cfg.QuantityStep > 0 {
		step := decimal.NewFromFloat(m.cfg.QuantityStep)
		approved = approved.Div(step).Floor().Mul(step)
		if approved.Sign() <= 0 {
			return reject("quantity step: scaled quantity rounds to zero")
		}
	}

	// (c) Rate limit: approved orders per symbol per rolling window
	if !m.limiter(intent.Symbol).Allow() {
		return reject(fmt.Sprintf("rate limit: %d per %s exceeded for %s",
			m.cfg.RatePerWindow, m.cfg.RateWindow, intent.Symbol))
	}

	if scaled {
		return core.RiskDecision{
			Outcome:  core.RiskScale,
			Quantity: approved,
			Reason:   fmt.Sprintf("scaled from %s to %s", intent.Quantity, approved),
		}
	}
	return core.RiskDecision{Outcome: core.RiskApprove, Quantity: approved}
}

// HaltSymbol blocks new submissions for a symbol
func (m *Manager) HaltSymbol(symbol, reason string) {
	m.halts.Halt(symbol, reason)
}

// IsHalted reports whether a symbol is blocked
func (m *Manager) IsHalted(symbol string) bool {
	return m.halts.IsHalted(symbol)
}

// limiter returns the rate limiter for a symbol, creating it on first use
func (m *Manager) limiter(symbol string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	lim, ok := m.limiters[symbol]
	if !ok {
		per := rate.Every(m.cfg.RateWindow / time.Duration(m.cfg.RatePerWindow))
		lim = rate.NewLimiter(per, m.cfg.RatePerWindow)
		m.limiters[symbol] = lim
	}
	return lim
}

// audit emits the decision record consumed by the observability collaborator
func (m *Manager) audit(intent *core.TradeIntent, decision core.RiskDecision) {
	m.logger.Info("Risk decision",
		"strategy", intent.StrategyID,
		"symbol", intent.Symbol,
		"side", intent.Side,
		"requested_qty", intent.Quantity,
		"limit_price", intent.LimitPrice,
		"causal_event", intent.CausalEventID,
		"outcome", decision.Outcome,
		"approved_qty", decision.Quantity,
		"reason", decision.Reason)

	metrics := telemetry.GetGlobalMetrics()
	if metrics.RiskDecisionsTotal != nil {
		metrics.RiskDecisionsTotal.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("symbol", intent.Symbol),
			attribute.String("outcome", string(decision.Outcome)),
		))
	}
}

func reject(reason string) core.RiskDecision {
	return core.RiskDecision{
		Outcome:  core.RiskReject,
		Quantity: decimal.Zero,
		Reason:   reason,
	}
}

package strategy

import (
	"fmt"

	"trading_bot/internal/config"
	"trading_bot/internal/core"

	"github.com/shopspring/decimal"
)

// SMACross is a simple moving-average crossover momentum strategy. A golden
// cross (short SMA rising through the long SMA) buys, a dead cross sells.
// Price history lives in a fixed ring buffer per symbol.
type SMACross struct {
	id          string
	shortWindow int
	longWindow  int
	orderQty    decimal.Decimal

	symbols map[string]*smaState
	logger  core.ILogger
}

type smaState struct {
	prices []decimal.Decimal
	head   int
	count  int
	sum    decimal.Decimal

	prevShort decimal.Decimal
	prevLong  decimal.Decimal
	primed    bool
}

func NewSMACross(cfg config.AppConfig, logger core.ILogger) *SMACross {
	return &SMACross{
		id:          fmt.Sprintf("sma_cross_%d_%d", cfg.SMAShortWindow, cfg.SMALongWindow),
		shortWindow: cfg.SMAShortWindow,
		longWindow:  cfg.SMALongWindow,
		orderQty:    decimal.NewFromFloat(cfg.OrderQty),
		symbols:     make(map[string]*smaState),
		logger:      logger.WithField("component", "strategy"),
	}
}

func (s *SMACross) ID() string { return s.id }

func (s *SMACross) Decide(event *core.MarketEvent, snapshot *core.PortfolioSnapshot) []*core.TradeIntent {
	if event.Kind != core.MarketTrade || event.Price.IsZero() {
		return nil
	}

	state, ok := s.symbols[event.Symbol]
	if !ok {
		state = &smaState{
			prices: make([]decimal.Decimal, s.longWindow),
			sum:    decimal.Zero,
		}
		s.symbols[event.Symbol] = state
	}

	// Ring buffer update: when full, the slot at head holds the oldest price
	if state.count == s.longWindow {
		state.sum = state.sum.Sub(state.prices[state.head])
	}
	state.prices[state.head] = event.Price
	state.sum = state.sum.Add(event.Price)
	state.head = (state.head + 1) % s.longWindow
	if state.count < s.longWindow {
		state.count++
	}

	if state.count < s.longWindow {
		return nil
	}

	currLong := state.sum.Div(decimal.NewFromInt(int64(s.longWindow)))
	currShort := s.shortSMA(state)

	var intents []*core.TradeIntent
	if state.primed {
		if state.prevShort.LessThanOrEqual(state.prevLong) && currShort.GreaterThan(currLong) {
			intents = append(intents, s.intent(event, core.SideBuy))
		}
		if state.prevShort.GreaterThanOrEqual(state.prevLong) && currShort.LessThan(currLong) {
			intents = append(intents, s.intent(event, core.SideSell))
		}
	}

	state.prevShort = currShort
	state.prevLong = currLong
	state.primed = true

	return intents
}

func (s *SMACross) intent(event *core.MarketEvent, side core.Side) *core.TradeIntent {
	s.logger.Info("Crossover signal",
		"symbol", event.Symbol, "side", side, "price", event.Price.String())
	return &core.TradeIntent{
		Symbol:        event.Symbol,
		Side:          side,
		Quantity:      s.orderQty,
		LimitPrice:    decimal.Zero, // market
		StrategyID:    s.id,
		CausalEventID: event.DedupKey(),
	}
}

// shortSMA walks the newest shortWindow entries backwards from head
func (s *SMACross) shortSMA(state *smaState) decimal.Decimal {
	sum := decimal.Zero
	idx := state.head
	for i := 0; i < s.shortWindow; i++ {
		idx--
		if idx < 0 {
			idx = s.longWindow - 1
		}
		sum = sum.Add(state.prices[idx])
	}
	return sum.Div(decimal.NewFromInt(int64(s.shortWindow)))
}

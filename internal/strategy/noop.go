package strategy

import "trading_bot/internal/core"

// Noop never trades. Useful for exercising the pipeline without signals.
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (s *Noop) ID() string { return "noop" }

func (s *Noop) Decide(event *core.MarketEvent, snapshot *core.PortfolioSnapshot) []*core.TradeIntent {
	return nil
}
